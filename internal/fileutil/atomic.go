// Package fileutil provides crash-safe file writes for registry and
// aggregate record files.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// WriteAtomic writes data to path through a sibling temp file: write, fsync,
// rename over the target, then best-effort fsync of the parent directory.
// Readers never observe a partial file.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing temp file for %s: %w", path, err)
	}

	// Sync to disk before rename
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file for %s: %w", path, err)
	}

	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temp file for %s: %w", path, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file over %s: %w", path, err)
	}

	syncDir(dir)
	return nil
}

// WriteAtomicRetry is WriteAtomic with a single retry on failure. Transient
// rename/EBUSY errors on some filesystems clear on the second attempt.
func WriteAtomicRetry(path string, data []byte) error {
	if err := WriteAtomic(path, data); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("atomic write failed, retrying once")
		return WriteAtomic(path, data)
	}
	return nil
}

// syncDir fsyncs a directory so the rename itself is durable. Failure is
// logged, not fatal: not all platforms support directory fsync.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		log.Debug().Err(err).Str("dir", dir).Msg("cannot open directory for fsync")
		return
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		log.Debug().Err(err).Str("dir", dir).Msg("directory fsync failed")
	}
}

package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/untoldecay/cascade/internal/audit"
	"github.com/untoldecay/cascade/internal/registry"
)

// FileWatcher monitors a hierarchy root for record and markdown changes
// using filesystem events, falling back to mtime polling when fsnotify is
// unavailable.
type FileWatcher struct {
	root         string
	onChanged    func(path string)
	watcher      *fsnotify.Watcher
	pollingMode  bool
	pollInterval time.Duration
	lastSeen     map[string]fileStamp
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	logger       zerolog.Logger
}

type fileStamp struct {
	modTime time.Time
	size    int64
}

// NewFileWatcher creates a watcher over root. onChanged is called with each
// interesting path, before debouncing. Falls back to polling mode if
// fsnotify fails, unless fallbackDisabled.
func NewFileWatcher(root string, pollInterval time.Duration, fallbackDisabled bool, onChanged func(path string)) (*FileWatcher, error) {
	fw := &FileWatcher{
		root:         root,
		onChanged:    onChanged,
		pollInterval: pollInterval,
		lastSeen:     make(map[string]fileStamp),
		logger:       log.With().Str("component", "watcher").Logger(),
	}
	if fw.pollInterval <= 0 {
		fw.pollInterval = 5 * time.Second
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		if fallbackDisabled {
			return nil, fmt.Errorf("fsnotify.NewWatcher() failed and fallback is disabled: %w", err)
		}
		fw.logger.Warn().Err(err).Dur("interval", fw.pollInterval).
			Msg("fsnotify unavailable, falling back to polling mode")
		fw.pollingMode = true
		fw.primePollState()
		return fw, nil
	}
	fw.watcher = w

	if err := fw.addDirs(); err != nil {
		_ = w.Close()
		if fallbackDisabled {
			return nil, fmt.Errorf("watching %s and fallback is disabled: %w", root, err)
		}
		fw.logger.Warn().Err(err).Msg("directory watch failed, falling back to polling mode")
		fw.watcher = nil
		fw.pollingMode = true
		fw.primePollState()
	}
	return fw, nil
}

// addDirs registers root and every node directory with fsnotify. Watching
// directories (not files) catches the write-temp-rename pattern used for
// atomic record updates.
func (fw *FileWatcher) addDirs() error {
	return filepath.WalkDir(fw.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == audit.DirName || (strings.HasPrefix(d.Name(), ".") && path != fw.root) {
			return filepath.SkipDir
		}
		return fw.watcher.Add(path)
	})
}

// interesting filters events down to aggregate records and work-item
// markdown. Temp files from atomic writes are ignored; the rename that
// lands them fires a separate event under the final name.
func (fw *FileWatcher) interesting(path string) bool {
	base := filepath.Base(path)
	if strings.Contains(base, ".tmp-") {
		return false
	}
	return base == registry.RecordFileName || strings.HasSuffix(base, ".md")
}

// Start begins monitoring until the context is canceled.
func (fw *FileWatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	fw.cancel = cancel

	if fw.pollingMode {
		fw.startPolling(ctx)
		return
	}

	fw.wg.Add(1)
	go func() {
		defer fw.wg.Done()
		for {
			select {
			case event, ok := <-fw.watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Chmod) == 0 {
					continue
				}
				// New node directory: extend the watch.
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						if !strings.HasPrefix(filepath.Base(event.Name), ".") {
							if err := fw.watcher.Add(event.Name); err != nil {
								fw.logger.Warn().Err(err).Str("dir", event.Name).Msg("failed to watch new directory")
							}
						}
						continue
					}
				}
				if fw.interesting(event.Name) {
					fw.onChanged(event.Name)
				}

			case err, ok := <-fw.watcher.Errors:
				if !ok {
					return
				}
				fw.logger.Warn().Err(err).Msg("watcher error")

			case <-ctx.Done():
				return
			}
		}
	}()
}

// primePollState snapshots current mtimes so the first poll tick does not
// report everything as changed.
func (fw *FileWatcher) primePollState() {
	_ = filepath.WalkDir(fw.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !fw.interesting(path) {
			return nil
		}
		if info, ierr := d.Info(); ierr == nil {
			fw.lastSeen[path] = fileStamp{modTime: info.ModTime(), size: info.Size()}
		}
		return nil
	})
}

// startPolling checks record and markdown mtimes on a ticker.
func (fw *FileWatcher) startPolling(ctx context.Context) {
	fw.logger.Info().Dur("interval", fw.pollInterval).Msg("starting polling mode")
	ticker := time.NewTicker(fw.pollInterval)
	fw.wg.Add(1)
	go func() {
		defer fw.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fw.pollOnce()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (fw *FileWatcher) pollOnce() {
	current := make(map[string]fileStamp)
	_ = filepath.WalkDir(fw.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == audit.DirName || (strings.HasPrefix(d.Name(), ".") && path != fw.root) {
				return filepath.SkipDir
			}
			return nil
		}
		if !fw.interesting(path) {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		current[path] = fileStamp{modTime: info.ModTime(), size: info.Size()}
		return nil
	})

	for path, stamp := range current {
		prev, seen := fw.lastSeen[path]
		if !seen || !stamp.modTime.Equal(prev.modTime) || stamp.size != prev.size {
			fw.onChanged(path)
		}
	}
	fw.lastSeen = current
}

// Close stops background goroutines and releases the fsnotify handle.
func (fw *FileWatcher) Close() error {
	if fw.cancel != nil {
		fw.cancel()
	}
	fw.wg.Wait()
	if fw.watcher != nil {
		return fw.watcher.Close()
	}
	return nil
}

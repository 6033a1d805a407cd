// Package audit maintains the append-only audit log under
// <root>/.cascade/audit.jsonl. Every reconciler auto-fix and every aborted
// propagation chain is recorded as one JSON line.
package audit

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/untoldecay/cascade/internal/types"
)

const (
	// DirName is the metadata directory inside the hierarchy root.
	DirName = ".cascade"
	// FileName is the audit log file name stored under DirName.
	FileName = "audit.jsonl"
	idPrefix = "aud-"
)

// Entry is one audit event. Kind discriminates: "autofix" carries Before and
// After, "chain_aborted" carries ErrorKind and Context.
type Entry struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`

	NodeID types.NodeID `json:"node_id,omitempty"`
	Path   string       `json:"path,omitempty"`

	// Auto-fix
	Before *types.ProgressMetrics `json:"before,omitempty"`
	After  *types.ProgressMetrics `json:"after,omitempty"`

	// Aborted chain
	ErrorKind types.ErrorKind `json:"error_kind,omitempty"`
	Context   string          `json:"context,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// Log appends entries to the audit file of one hierarchy root.
type Log struct {
	root string
}

// NewLog returns a log rooted at the given hierarchy directory.
func NewLog(root string) *Log {
	return &Log{root: root}
}

// Path returns the audit file location.
func (l *Log) Path() string {
	return filepath.Join(l.root, DirName, FileName)
}

// ensureFile creates .cascade/audit.jsonl if it does not exist.
func (l *Log) ensureFile() (string, error) {
	p := l.Path()
	if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
		return "", fmt.Errorf("failed to create %s directory: %w", DirName, err)
	}
	_, statErr := os.Stat(p)
	if statErr == nil {
		return p, nil
	}
	if !os.IsNotExist(statErr) {
		return "", fmt.Errorf("failed to stat audit log: %w", statErr)
	}
	if err := os.WriteFile(p, []byte{}, 0644); err != nil { // nolint:gosec // shared project metadata
		return "", fmt.Errorf("failed to create audit log: %w", err)
	}
	return p, nil
}

// Append writes an event as a single JSON line. Append-only: callers must
// never mutate existing lines.
func (l *Log) Append(e *Entry) (string, error) {
	if e == nil {
		return "", fmt.Errorf("nil entry")
	}
	if e.Kind == "" {
		return "", fmt.Errorf("kind is required")
	}

	p, err := l.ensureFile()
	if err != nil {
		return "", err
	}

	if e.ID == "" {
		e.ID, err = newID()
		if err != nil {
			return "", err
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	} else {
		e.CreatedAt = e.CreatedAt.UTC()
	}

	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644) // nolint:gosec // intended permissions
	if err != nil {
		return "", fmt.Errorf("failed to open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return "", fmt.Errorf("failed to write audit entry: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return "", fmt.Errorf("failed to flush audit log: %w", err)
	}

	return e.ID, nil
}

// AutoFix records a reconciler correction.
func (l *Log) AutoFix(id types.NodeID, path string, before, after types.ProgressMetrics) {
	_, _ = l.Append(&Entry{
		Kind:   "autofix",
		NodeID: id,
		Path:   path,
		Before: &before,
		After:  &after,
	})
}

// ChainAborted records a propagation chain failure.
func (l *Log) ChainAborted(path string, kind types.ErrorKind, context string) {
	_, _ = l.Append(&Entry{
		Kind:      "chain_aborted",
		Path:      path,
		ErrorKind: kind,
		Context:   context,
	})
}

func newID() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}
	return idPrefix + hex.EncodeToString(b[:]), nil
}

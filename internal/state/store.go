package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/untoldecay/cascade/internal/audit"
	"github.com/untoldecay/cascade/internal/events"
	"github.com/untoldecay/cascade/internal/fileutil"
	"github.com/untoldecay/cascade/internal/types"
)

// ErrMissingRecord is returned by Load when the record file does not exist.
var ErrMissingRecord = errors.New("missing aggregate record")

// ErrCorruptRecord is returned by Load when the record file cannot be parsed.
var ErrCorruptRecord = errors.New("corrupt aggregate record")

// Store loads and saves aggregate records. Every load runs the reconciler,
// so callers always observe a record whose progress matches its children.
type Store struct {
	clock   func() time.Time
	bus     *events.Bus
	audit   *audit.Log
	logger  zerolog.Logger
	onWrite func(path string, data []byte)
}

// NewStore wires a record store to the observer bus and audit log. Either
// may be nil; reconcile fixes then happen silently.
func NewStore(bus *events.Bus, auditLog *audit.Log) *Store {
	return &Store{
		clock:  time.Now,
		bus:    bus,
		audit:  auditLog,
		logger: log.With().Str("component", "state").Logger(),
	}
}

// WithClock substitutes the timestamp source. Tests use a fixed clock so
// Updated fields are deterministic.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// SetWriteObserver registers a callback invoked just before every record
// write, with the exact bytes going to disk. The change dispatcher uses it
// to suppress the watcher events its own writes cause.
func (s *Store) SetWriteObserver(fn func(path string, data []byte)) {
	s.onWrite = fn
}

// ReadRecord parses the record at path without reconciling. The validator
// uses it so a read-only validation pass never causes writes.
func ReadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path) // nolint:gosec // path comes from the registry
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrMissingRecord, path)
		}
		return nil, fmt.Errorf("reading record %s: %w", path, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, path, err)
	}
	return &rec, nil
}

// Load reads and parses the record at path, then reconciles it. A corrected
// record has already been rewritten to disk when Load returns.
func (s *Store) Load(path string) (*Record, error) {
	data, err := os.ReadFile(path) // nolint:gosec // path comes from the registry
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrMissingRecord, path)
		}
		return nil, fmt.Errorf("reading record %s: %w", path, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, path, err)
	}

	return s.reconcile(path, &rec)
}

// Save serializes rec with stable key order, refreshes Updated, and writes
// atomically with one retry.
func (s *Store) Save(path string, rec *Record) error {
	rec.Updated = formatTimestamp(s.clock())
	data, err := s.encode(rec)
	if err != nil {
		return err
	}
	if s.onWrite != nil {
		s.onWrite(path, data)
	}
	if err := fileutil.WriteAtomicRetry(path, data); err != nil {
		return fmt.Errorf("saving record %s: %w", path, err)
	}
	return nil
}

func (s *Store) encode(rec *Record) ([]byte, error) {
	compact, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding record %s: %w", rec.ID, err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, compact, "", "  "); err != nil {
		return nil, fmt.Errorf("encoding record %s: %w", rec.ID, err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func formatTimestamp(t time.Time) string {
	return types.FormatTimestamp(t)
}

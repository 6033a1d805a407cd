// Package registry owns the master work-item registry
// (work-item-registry.json): the id → metadata index, parent lookups, and ID
// allocation. The registry is a lookup over file-owned data: when it
// disagrees with a node's own files, file contents win for status/progress
// and the registry wins for parent/path.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/untoldecay/cascade/internal/fileutil"
	"github.com/untoldecay/cascade/internal/types"
)

const (
	// FileName is the registry file at the hierarchy root.
	FileName = "work-item-registry.json"
	// RecordFileName is the aggregate record file inside each node directory.
	RecordFileName = "state.json"
	// lockFileName guards cross-process read-modify-write cycles.
	lockFileName = ".cascade/registry.lock"

	// CurrentVersion is written into new registries. The field is reserved;
	// until a second version exists, anything read is preserved as-is.
	CurrentVersion = "1.0.0"
)

// File is the on-disk registry shape. Field order here is the emitted key
// order: version, last_updated, work_items, id_counters.
type File struct {
	Version     string                             `json:"version"`
	LastUpdated string                             `json:"last_updated"`
	WorkItems   map[types.NodeID]types.RegistryEntry `json:"work_items"`
	IDCounters  map[string]int                     `json:"id_counters"`
}

// newFile returns an initialized empty registry.
func newFile() *File {
	return &File{
		Version:    CurrentVersion,
		WorkItems:  make(map[types.NodeID]types.RegistryEntry),
		IDCounters: make(map[string]int),
	}
}

// Registry serializes all mutations through one in-process mutex plus a file
// lock, so concurrent processes cannot interleave load→mutate→save cycles.
type Registry struct {
	root        string
	path        string
	lockPath    string
	lockTimeout time.Duration
	clock       func() time.Time
	mu          sync.Mutex
}

// Open returns a registry handle for the hierarchy rooted at root. Nothing
// is read until the first operation.
func Open(root string) *Registry {
	return &Registry{
		root:        root,
		path:        filepath.Join(root, FileName),
		lockPath:    filepath.Join(root, lockFileName),
		lockTimeout: 30 * time.Second,
		clock:       time.Now,
	}
}

// WithLockTimeout overrides the file-lock acquisition timeout.
func (r *Registry) WithLockTimeout(d time.Duration) *Registry {
	r.lockTimeout = d
	return r
}

// WithClock substitutes the timestamp source (tests).
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Root returns the hierarchy root directory.
func (r *Registry) Root() string {
	return r.root
}

// Path returns the registry file location.
func (r *Registry) Path() string {
	return r.path
}

// withFileLock executes fn while holding the in-process mutex and an
// exclusive file lock, giving cross-process mutual exclusion for
// read-modify-write operations.
func (r *Registry) withFileLock(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.lockPath), 0750); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}
	lock := flock.New(r.lockPath)
	ctx, cancel := context.WithTimeout(context.Background(), r.lockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquiring registry lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("registry lock held by another process")
	}
	defer func() { _ = lock.Unlock() }()

	return fn()
}

// loadLocked reads and parses the registry. Caller must hold the lock. A
// missing file yields an initialized empty registry; a parse failure is
// surfaced (registry corruption halts propagation, it is never masked).
func (r *Registry) loadLocked() (*File, error) {
	data, err := os.ReadFile(r.path) // nolint:gosec // controlled path under root
	if err != nil {
		if os.IsNotExist(err) {
			return newFile(), nil
		}
		return nil, fmt.Errorf("reading registry: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing registry %s: %w", r.path, err)
	}
	if f.WorkItems == nil {
		f.WorkItems = make(map[types.NodeID]types.RegistryEntry)
	}
	if f.IDCounters == nil {
		f.IDCounters = make(map[string]int)
	}
	return &f, nil
}

// saveLocked writes the registry atomically. Caller must hold the lock.
func (r *Registry) saveLocked(f *File) error {
	f.LastUpdated = types.FormatTimestamp(r.clock())
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling registry: %w", err)
	}
	data = append(data, '\n')
	if err := fileutil.WriteAtomicRetry(r.path, data); err != nil {
		return fmt.Errorf("writing registry: %w", err)
	}
	return nil
}

// Snapshot returns a copy of the current registry contents. Readers never
// hold the lock beyond the copy.
func (r *Registry) Snapshot() (*File, error) {
	var snap *File
	err := r.withFileLock(func() error {
		f, err := r.loadLocked()
		if err != nil {
			return err
		}
		snap = f
		return nil
	})
	return snap, err
}

// Get returns the entry for id, including soft-deleted entries.
func (r *Registry) Get(id types.NodeID) (types.RegistryEntry, bool, error) {
	f, err := r.Snapshot()
	if err != nil {
		return types.RegistryEntry{}, false, err
	}
	entry, ok := f.WorkItems[id]
	return entry, ok, nil
}

// ParentOf returns the parent ID of a live entry, or false at the root (or
// for unknown/deleted ids).
func (r *Registry) ParentOf(id types.NodeID) (types.NodeID, bool, error) {
	f, err := r.Snapshot()
	if err != nil {
		return "", false, err
	}
	entry, ok := f.WorkItems[id]
	if !ok || entry.Deleted || entry.Parent == "" {
		return "", false, err
	}
	return entry.Parent, true, nil
}

// ChildrenOf returns the live children of id, sorted by node ID.
func (r *Registry) ChildrenOf(id types.NodeID) ([]types.NodeID, error) {
	f, err := r.Snapshot()
	if err != nil {
		return nil, err
	}
	return ChildrenOf(f, id), nil
}

// ChildrenOf scans a registry snapshot for live entries whose parent is id.
func ChildrenOf(f *File, id types.NodeID) []types.NodeID {
	var children []types.NodeID
	for childID, entry := range f.WorkItems {
		if entry.Parent == id && !entry.Deleted {
			children = append(children, childID)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
	return children
}

// RecordPathFor returns the absolute path of a node's aggregate record, or
// false for leaves (Tasks carry no record) and unknown ids.
func (r *Registry) RecordPathFor(id types.NodeID) (string, bool, error) {
	f, err := r.Snapshot()
	if err != nil {
		return "", false, err
	}
	rel, ok := RecordPathFor(f, id)
	if !ok {
		return "", false, nil
	}
	return filepath.Join(r.root, rel), true, nil
}

// RecordPathFor resolves the root-relative record path from a snapshot: the
// state.json sibling of the node's markdown file.
func RecordPathFor(f *File, id types.NodeID) (string, bool) {
	entry, ok := f.WorkItems[id]
	if !ok || entry.Kind.IsLeaf() {
		return "", false
	}
	return filepath.Join(filepath.Dir(entry.Path), RecordFileName), true
}

// NextID allocates the next identifier for kind: the counter is bumped past
// both its stored value and the highest suffix already present (including
// soft-deleted entries), so IDs are strictly increasing across the lifetime
// of the registry even if counters were hand-edited backwards.
func (r *Registry) NextID(kind types.Kind) (types.NodeID, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown kind %q", kind)
	}
	var id types.NodeID
	err := r.withFileLock(func() error {
		f, err := r.loadLocked()
		if err != nil {
			return err
		}
		prefix := kind.Prefix()
		n := f.IDCounters[prefix]
		for existing := range f.WorkItems {
			if existing.Kind() == kind && existing.Seq() > n {
				n = existing.Seq()
			}
		}
		n++
		f.IDCounters[prefix] = n
		id = types.MakeNodeID(kind, n)
		return r.saveLocked(f)
	})
	return id, err
}

// Insert adds a new entry and saves atomically.
func (r *Registry) Insert(entry types.RegistryEntry) error {
	return r.withFileLock(func() error {
		f, err := r.loadLocked()
		if err != nil {
			return err
		}
		if _, exists := f.WorkItems[entry.ID]; exists {
			return fmt.Errorf("entry %s already exists", entry.ID)
		}
		f.WorkItems[entry.ID] = entry
		r.bumpCounter(f, entry.ID)
		return r.saveLocked(f)
	})
}

// Update replaces an existing entry and saves atomically.
func (r *Registry) Update(entry types.RegistryEntry) error {
	return r.withFileLock(func() error {
		f, err := r.loadLocked()
		if err != nil {
			return err
		}
		if _, exists := f.WorkItems[entry.ID]; !exists {
			return fmt.Errorf("entry %s not found", entry.ID)
		}
		f.WorkItems[entry.ID] = entry
		return r.saveLocked(f)
	})
}

// SoftDelete marks an entry deleted. Entries are never removed, so the ID
// space stays reserved forever.
func (r *Registry) SoftDelete(id types.NodeID) error {
	return r.withFileLock(func() error {
		f, err := r.loadLocked()
		if err != nil {
			return err
		}
		entry, exists := f.WorkItems[id]
		if !exists {
			return fmt.Errorf("entry %s not found", id)
		}
		entry.Deleted = true
		f.WorkItems[id] = entry
		return r.saveLocked(f)
	})
}

// bumpCounter keeps id_counters monotone when an entry was created by an
// external collaborator without going through NextID.
func (r *Registry) bumpCounter(f *File, id types.NodeID) {
	prefix := id.Kind().Prefix()
	if prefix == "" {
		return
	}
	if seq := id.Seq(); seq > f.IDCounters[prefix] {
		f.IDCounters[prefix] = seq
	}
}

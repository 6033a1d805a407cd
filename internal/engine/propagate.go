// Package engine implements bottom-up state propagation: when a node's
// record or a leaf's frontmatter changes, the parent chain is walked to the
// root, each ancestor's child summary updated and its aggregate recomputed.
package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/untoldecay/cascade/internal/audit"
	"github.com/untoldecay/cascade/internal/events"
	"github.com/untoldecay/cascade/internal/frontmatter"
	"github.com/untoldecay/cascade/internal/registry"
	"github.com/untoldecay/cascade/internal/state"
	"github.com/untoldecay/cascade/internal/types"
)

// Engine walks parent chains and keeps ancestor aggregates consistent.
// All mutations flow through one engine instance at a time (single-writer
// discipline); the dispatcher serializes batches.
type Engine struct {
	reg    *registry.Registry
	store  *state.Store
	bus    *events.Bus
	audit  *audit.Log
	logger zerolog.Logger
}

// New wires a propagation engine. bus and auditLog may be nil.
func New(reg *registry.Registry, store *state.Store, bus *events.Bus, auditLog *audit.Log) *Engine {
	return &Engine{
		reg:    reg,
		store:  store,
		bus:    bus,
		audit:  auditLog,
		logger: log.With().Str("component", "engine").Logger(),
	}
}

// cursor is the chain's current position: either a loaded aggregate record
// or a synthetic leaf summary drawn from frontmatter.
type cursor struct {
	id         types.NodeID
	status     types.Status
	percentage int
}

// chainError classifies a chain abort for the observer channel and audit
// log. Chain errors never abort the enclosing batch.
type chainError struct {
	kind types.ErrorKind
	msg  string
}

func (e *chainError) Error() string { return fmt.Sprintf("%s: %s", e.kind, e.msg) }

func chainErrorf(kind types.ErrorKind, format string, args ...any) *chainError {
	return &chainError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Propagate runs one chain from the changed path.
func (e *Engine) Propagate(path string) error {
	return e.PropagateBatch([]string{path})
}

// PropagateBatch runs one chain per unique path, sequentially, sharing a
// record cache so a parent loaded by one chain is reused (not re-read) by
// the next. A chain failure is reported and the batch continues; only
// registry corruption halts everything.
func (e *Engine) PropagateBatch(paths []string) error {
	snap, err := e.reg.Snapshot()
	if err != nil {
		// Registry unreadable: no parent lookup is trustworthy. Halt all
		// propagation and require repair.
		e.reportAbort("", types.ErrCorruptRecord, fmt.Sprintf("registry unreadable: %v", err))
		return fmt.Errorf("registry unreadable, propagation halted: %w", err)
	}

	seen := make(map[string]bool, len(paths))
	cache := make(map[string]*state.Record)
	for _, p := range paths {
		abs := filepath.Clean(p)
		if seen[abs] {
			continue
		}
		seen[abs] = true
		if err := e.runChain(snap, abs, cache); err != nil {
			var cerr *chainError
			if errors.As(err, &cerr) {
				e.reportAbort(abs, cerr.kind, cerr.msg)
				continue
			}
			return err
		}
	}
	return nil
}

// runChain implements the propagation loop: resolve parent, update its child
// summary, recompute, write, recurse; stop at the root, on a cycle, or as
// soon as an ancestor is unchanged.
func (e *Engine) runChain(snap *registry.File, changedPath string, cache map[string]*state.Record) error {
	current, err := e.loadRecordOrLeaf(snap, changedPath, cache)
	if err != nil {
		return err
	}

	visited := make(map[types.NodeID]bool)
	for {
		entry, ok := snap.WorkItems[current.id]
		if !ok || entry.Deleted {
			return chainErrorf(types.ErrMalformedHierarchy, "node %s not in registry", current.id)
		}
		parentID := entry.Parent
		if parentID == "" {
			return nil // reached root
		}
		if visited[parentID] {
			return chainErrorf(types.ErrCycleDetected, "cycle through %s while propagating %s", parentID, changedPath)
		}
		visited[parentID] = true

		parentRel, ok := registry.RecordPathFor(snap, parentID)
		if !ok {
			return chainErrorf(types.ErrMalformedHierarchy, "no record path for parent %s of %s", parentID, current.id)
		}
		parentPath := filepath.Join(e.reg.Root(), parentRel)

		parent, err := e.loadRecord(parentPath, parentID, cache)
		if err != nil {
			return err
		}

		updated := parent.Clone()
		state.UpdateChildSummary(updated, current.id, current.status, current.percentage)
		e.pruneStaleChildren(snap, parentID, updated)
		updated.Status = state.DeriveParentStatus(parent.Status, updated.Progress)

		if updated.Equal(parent) {
			return nil // no change upstream needed
		}
		if err := e.store.Save(parentPath, updated); err != nil {
			return chainErrorf(types.ErrIO, "writing %s: %v", parentPath, err)
		}
		cache[parentPath] = updated
		e.logger.Debug().
			Str("id", parentID.String()).
			Str("status", string(updated.Status)).
			Int("percentage", updated.Progress.Percentage).
			Msg("propagated")
		if e.bus != nil {
			e.bus.PublishPropagated(events.Propagated{
				ID:         parentID,
				OldStatus:  parent.Status,
				NewStatus:  updated.Status,
				Percentage: updated.Progress.Percentage,
			})
		}

		current = &cursor{
			id:         parentID,
			status:     updated.Status,
			percentage: updated.Progress.Percentage,
		}
	}
}

// loadRecord fetches a record through the batch cache. Load runs the
// reconciler, so a freshly-loaded parent is already self-consistent.
func (e *Engine) loadRecord(path string, id types.NodeID, cache map[string]*state.Record) (*state.Record, error) {
	if rec, ok := cache[path]; ok {
		return rec, nil
	}
	rec, err := e.store.Load(path)
	if err != nil {
		switch {
		case errors.Is(err, state.ErrMissingRecord):
			return nil, chainErrorf(types.ErrMalformedHierarchy, "missing record for %s at %s", id, path)
		case errors.Is(err, state.ErrCorruptRecord):
			return nil, chainErrorf(types.ErrCorruptRecord, "%v", err)
		default:
			return nil, chainErrorf(types.ErrIO, "loading %s: %v", path, err)
		}
	}
	cache[path] = rec
	return rec, nil
}

// loadRecordOrLeaf builds the chain's starting cursor. A state.json path
// loads as a record; a markdown path parses as a leaf whose percentage is
// 100 iff completed.
func (e *Engine) loadRecordOrLeaf(snap *registry.File, path string, cache map[string]*state.Record) (*cursor, error) {
	if filepath.Base(path) == registry.RecordFileName {
		id, ok := e.nodeIDForRecordPath(snap, path)
		if !ok {
			// Fall back to the record's own id field.
			rec, err := e.loadRecord(path, "", cache)
			if err != nil {
				return nil, err
			}
			return &cursor{id: rec.ID, status: rec.Status, percentage: rec.Progress.Percentage}, nil
		}
		rec, err := e.loadRecord(path, id, cache)
		if err != nil {
			return nil, err
		}
		return &cursor{id: rec.ID, status: rec.Status, percentage: rec.Progress.Percentage}, nil
	}
	return e.loadLeaf(snap, path)
}

// loadLeaf parses a markdown file's frontmatter into a synthetic cursor. A
// file without frontmatter is treated as a Planned leaf, resolved through
// the registry by path.
func (e *Engine) loadLeaf(snap *registry.File, path string) (*cursor, error) {
	data, err := os.ReadFile(path) // nolint:gosec // path from watcher under root
	if err != nil {
		return nil, chainErrorf(types.ErrIO, "reading %s: %v", path, err)
	}

	doc, err := frontmatter.Parse(data)
	if err != nil {
		if errors.Is(err, frontmatter.ErrNoFrontmatter) {
			e.logger.Warn().Str("path", path).Msg("markdown has no frontmatter, treating as planned leaf")
			id, ok := e.nodeIDForMarkdownPath(snap, path)
			if !ok {
				return nil, chainErrorf(types.ErrMalformedHierarchy, "cannot resolve %s to a registry entry", path)
			}
			return &cursor{id: id, status: types.StatusPlanned, percentage: 0}, nil
		}
		return nil, chainErrorf(types.ErrInvalidSyntax, "parsing %s: %v", path, err)
	}

	item, err := doc.WorkItem()
	if err != nil {
		return nil, chainErrorf(types.ErrInvalidSyntax, "parsing %s: %v", path, err)
	}
	pct := 0
	if item.Status == types.StatusCompleted {
		pct = 100
	}
	return &cursor{id: item.ID, status: item.Status, percentage: pct}, nil
}

// pruneStaleChildren removes children that are soft-deleted or gone from
// the registry, so the parent's children map holds exactly its live
// children.
func (e *Engine) pruneStaleChildren(snap *registry.File, parentID types.NodeID, parent *state.Record) {
	for childID := range parent.Children {
		entry, ok := snap.WorkItems[childID]
		if !ok || entry.Deleted || entry.Parent != parentID {
			state.RemoveChild(parent, childID)
		}
	}
}

// nodeIDForRecordPath reverse-maps an absolute state.json path to its node.
func (e *Engine) nodeIDForRecordPath(snap *registry.File, path string) (types.NodeID, bool) {
	rel, err := filepath.Rel(e.reg.Root(), path)
	if err != nil {
		return "", false
	}
	for id := range snap.WorkItems {
		if p, ok := registry.RecordPathFor(snap, id); ok && p == rel {
			return id, true
		}
	}
	return "", false
}

// nodeIDForMarkdownPath reverse-maps an absolute markdown path to its node.
func (e *Engine) nodeIDForMarkdownPath(snap *registry.File, path string) (types.NodeID, bool) {
	rel, err := filepath.Rel(e.reg.Root(), path)
	if err != nil {
		return "", false
	}
	for id, entry := range snap.WorkItems {
		if entry.Path == rel && !entry.Deleted {
			return id, true
		}
	}
	return "", false
}

// reportAbort logs, audits, and publishes a chain failure. No silent
// failures: every abort reaches the observer channel.
func (e *Engine) reportAbort(path string, kind types.ErrorKind, msg string) {
	e.logger.Error().Str("path", path).Str("kind", string(kind)).Msg(msg)
	if e.audit != nil {
		e.audit.ChainAborted(path, kind, msg)
	}
	if e.bus != nil {
		e.bus.PublishError(kind, msg)
	}
}

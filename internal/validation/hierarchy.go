// Package validation checks the structural integrity of a hierarchy: the
// registry against the filesystem, the parent-of relation against the kind
// table, and stored aggregates against their children-derived values.
package validation

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/untoldecay/cascade/internal/audit"
	"github.com/untoldecay/cascade/internal/events"
	"github.com/untoldecay/cascade/internal/registry"
	"github.com/untoldecay/cascade/internal/state"
	"github.com/untoldecay/cascade/internal/types"
)

// Validator runs the V1–V8 checks over one hierarchy.
type Validator struct {
	reg    *registry.Registry
	store  *state.Store
	bus    *events.Bus
	logger zerolog.Logger
}

// New wires a validator. store is only used by repair; bus may be nil.
func New(reg *registry.Registry, store *state.Store, bus *events.Bus) *Validator {
	return &Validator{
		reg:    reg,
		store:  store,
		bus:    bus,
		logger: log.With().Str("component", "validation").Logger(),
	}
}

// ValidateHierarchy runs every check read-only and returns the findings.
// Records are parsed without the reconciler so validation never writes.
func (v *Validator) ValidateHierarchy() ([]types.Diagnostic, error) {
	snap, err := v.reg.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("loading registry: %w", err)
	}

	var diags []types.Diagnostic
	add := func(d types.Diagnostic) {
		diags = append(diags, d)
		if v.bus != nil {
			v.bus.PublishDiagnostic(d)
		}
	}

	v.checkReferential(snap, add)  // V1, V5
	v.checkCycles(snap, add)       // V4
	v.checkRecords(snap, add)      // V2, V3, V6
	v.checkOrphanRecords(snap, add) // V7
	v.checkIDs(snap, add)          // V8 (duplicates and counter regression)
	v.checkRoots(snap, add)        // part of I4: exactly one root

	return diags, nil
}

// checkReferential verifies V1 (parent exists) and V5 (parent kind is
// permitted for the child kind) over live entries.
func (v *Validator) checkReferential(snap *registry.File, add func(types.Diagnostic)) {
	for id, entry := range snap.WorkItems {
		if entry.Deleted || entry.Parent == "" {
			continue
		}
		parent, ok := snap.WorkItems[entry.Parent]
		if !ok {
			add(types.Diagnostic{
				Check: "V1", Severity: types.SeverityError, NodeID: id,
				Message: fmt.Sprintf("parent %s does not exist in the registry", entry.Parent),
			})
			continue
		}
		if !types.CanHaveParent(parent.Kind, entry.Kind) {
			add(types.Diagnostic{
				Check: "V5", Severity: types.SeverityError, NodeID: id,
				Message: fmt.Sprintf("%s node cannot have %s parent %s", entry.Kind, parent.Kind, entry.Parent),
			})
		}
	}
}

// checkCycles verifies V4: the live parent-of relation is acyclic. Each
// node's ancestor walk is bounded by a per-walk visited set.
func (v *Validator) checkCycles(snap *registry.File, add func(types.Diagnostic)) {
	reported := make(map[types.NodeID]bool)
	for id, entry := range snap.WorkItems {
		if entry.Deleted {
			continue
		}
		visited := map[types.NodeID]bool{id: true}
		current := entry
		for current.Parent != "" {
			next, ok := snap.WorkItems[current.Parent]
			if !ok {
				break // V1 reports this
			}
			if visited[current.Parent] {
				if !reported[current.Parent] {
					reported[current.Parent] = true
					add(types.Diagnostic{
						Check: "V4", Severity: types.SeverityError, NodeID: current.Parent,
						Message: fmt.Sprintf("cycle in parent chain reachable from %s", id),
					})
				}
				break
			}
			visited[current.Parent] = true
			current = next
		}
	}
}

// checkRecords verifies, per live non-leaf node: V3 (record exists at the
// expected path), V2 (no stale child entries), and V6 (stored aggregate
// matches the children-derived value; a Completed status over an incomplete
// aggregate is surfaced rather than demoted).
func (v *Validator) checkRecords(snap *registry.File, add func(types.Diagnostic)) {
	for id, entry := range snap.WorkItems {
		if entry.Deleted || entry.Kind.IsLeaf() {
			continue
		}
		rel, ok := registry.RecordPathFor(snap, id)
		if !ok {
			continue
		}
		path := filepath.Join(v.reg.Root(), rel)
		rec, err := state.ReadRecord(path)
		if err != nil {
			if errors.Is(err, state.ErrMissingRecord) {
				add(types.Diagnostic{
					Check: "V3", Severity: types.SeverityWarning, NodeID: id, Path: path,
					Message: "no aggregate record at expected path",
				})
			} else {
				add(types.Diagnostic{
					Check: "V6", Severity: types.SeverityWarning, NodeID: id, Path: path,
					Message: fmt.Sprintf("record unreadable: %v", err),
				})
			}
			continue
		}

		for childID := range rec.Children {
			child, ok := snap.WorkItems[childID]
			if !ok || child.Deleted || child.Parent != id {
				add(types.Diagnostic{
					Check: "V2", Severity: types.SeverityWarning, NodeID: id, Path: path,
					Message: fmt.Sprintf("record lists child %s not live in the registry", childID),
				})
			}
		}
		for _, childID := range registry.ChildrenOf(snap, id) {
			if _, present := rec.Children[childID]; !present {
				// A children map omitting a live child cannot carry a
				// correct aggregate, even when internally consistent.
				add(types.Diagnostic{
					Check: "V6", Severity: types.SeverityWarning, NodeID: id, Path: path,
					Message: fmt.Sprintf("children map missing live child %s", childID),
				})
			}
		}

		derived := state.DeriveAggregate(rec.Children)
		if !rec.Progress.Equal(derived) {
			add(types.Diagnostic{
				Check: "V6", Severity: types.SeverityWarning, NodeID: id, Path: path,
				Message: fmt.Sprintf("stored progress %d%% diverges from children-derived %d%%",
					rec.Progress.Percentage, derived.Percentage),
			})
		} else if rec.Status == types.StatusCompleted && derived.TotalItems > 0 && derived.Completed < derived.TotalItems {
			add(types.Diagnostic{
				Check: "V6", Severity: types.SeverityWarning, NodeID: id, Path: path,
				Message: fmt.Sprintf("completed status retained with %d of %d children incomplete",
					derived.TotalItems-derived.Completed, derived.TotalItems),
			})
		}
	}
}

// checkOrphanRecords verifies V7: every state.json on disk belongs to a
// registry entry.
func (v *Validator) checkOrphanRecords(snap *registry.File, add func(types.Diagnostic)) {
	recordPaths, err := DiscoverRecords(v.reg.Root())
	if err != nil {
		v.logger.Warn().Err(err).Msg("record discovery failed, skipping orphan check")
		return
	}
	expected := make(map[string]bool)
	for id := range snap.WorkItems {
		if rel, ok := registry.RecordPathFor(snap, id); ok {
			expected[filepath.Join(v.reg.Root(), rel)] = true
		}
	}
	for _, p := range recordPaths {
		if !expected[p] {
			add(types.Diagnostic{
				Check: "V7", Severity: types.SeverityWarning, Path: p,
				Message: "record file has no registry entry",
			})
		}
	}
}

// checkIDs verifies V8: key/id consistency (a JSON object cannot carry the
// same key twice into a Go map, so a mismatch between map key and embedded
// id is how duplicates manifest) and counter monotonicity (a counter below
// the highest allocated suffix would hand out an already-used ID).
func (v *Validator) checkIDs(snap *registry.File, add func(types.Diagnostic)) {
	maxSeq := make(map[string]int)
	for key, entry := range snap.WorkItems {
		if entry.ID != "" && entry.ID != key {
			add(types.Diagnostic{
				Check: "V8", Severity: types.SeverityError, NodeID: key,
				Message: fmt.Sprintf("registry key %s disagrees with entry id %s", key, entry.ID),
			})
		}
		if !key.Valid() {
			add(types.Diagnostic{
				Check: "V8", Severity: types.SeverityError, NodeID: key,
				Message: "malformed node id",
			})
			continue
		}
		prefix := key.Kind().Prefix()
		if key.Seq() > maxSeq[prefix] {
			maxSeq[prefix] = key.Seq()
		}
	}
	for prefix, seq := range maxSeq {
		if snap.IDCounters[prefix] < seq {
			add(types.Diagnostic{
				Check: "V8", Severity: types.SeverityError,
				Message: fmt.Sprintf("id counter %s=%d below highest allocated suffix %d; next allocation would duplicate",
					prefix, snap.IDCounters[prefix], seq),
			})
		}
	}
}

// checkRoots verifies the single-root half of I4: exactly one live node has
// no parent, and it is the Project.
func (v *Validator) checkRoots(snap *registry.File, add func(types.Diagnostic)) {
	var roots []types.NodeID
	live := 0
	for id, entry := range snap.WorkItems {
		if entry.Deleted {
			continue
		}
		live++
		if entry.Parent == "" {
			roots = append(roots, id)
			if entry.Kind != types.KindProject {
				add(types.Diagnostic{
					Check: "V1", Severity: types.SeverityError, NodeID: id,
					Message: fmt.Sprintf("%s node has no parent; only the project may be a root", entry.Kind),
				})
			}
		}
	}
	if len(roots) > 1 {
		add(types.Diagnostic{
			Check: "V1", Severity: types.SeverityError,
			Message: fmt.Sprintf("multiple root nodes: %v", roots),
		})
	}
	if len(roots) == 0 && live > 0 {
		add(types.Diagnostic{
			Check: "V1", Severity: types.SeverityError,
			Message: "no root node: every live entry has a parent",
		})
	}
}

// DiscoverRecords walks root and returns every state.json path, skipping
// the .cascade metadata directory. This is also the initial scan consumed
// by the watch daemon.
func DiscoverRecords(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == audit.DirName || strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == registry.RecordFileName {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return paths, err
	}
	return paths, nil
}

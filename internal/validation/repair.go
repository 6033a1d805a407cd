package validation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/untoldecay/cascade/internal/frontmatter"
	"github.com/untoldecay/cascade/internal/registry"
	"github.com/untoldecay/cascade/internal/state"
	"github.com/untoldecay/cascade/internal/types"
)

// RepairHierarchy applies the safe fixes: regenerate missing aggregate
// records from existing children (V3), strip stale child entries (V2), and
// re-reconcile divergent aggregates (V6). It never creates or deletes
// registry entries. Returns the diagnostics that were acted on.
func (v *Validator) RepairHierarchy() ([]types.Diagnostic, error) {
	snap, err := v.reg.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("loading registry: %w", err)
	}

	var repaired []types.Diagnostic
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
		switch {
		case errors.Is(err, state.ErrMissingRecord):
			if regenErr := v.regenerateRecord(snap, id, path); regenErr != nil {
				v.logger.Error().Err(regenErr).Str("id", id.String()).Msg("record regeneration failed")
				continue
			}
			repaired = append(repaired, types.Diagnostic{
				Check: "V3", Severity: types.SeverityWarning, NodeID: id, Path: path,
				Message: "regenerated missing aggregate record",
			})
			continue
		case err != nil:
			v.logger.Error().Err(err).Str("id", id.String()).Msg("record unreadable, cannot repair")
			continue
		}

		stripped := false
		for childID := range rec.Children {
			child, ok := snap.WorkItems[childID]
			if !ok || child.Deleted || child.Parent != id {
				state.RemoveChild(rec, childID)
				stripped = true
			}
		}
		if stripped {
			if err := v.store.Save(path, rec); err != nil {
				v.logger.Error().Err(err).Str("id", id.String()).Msg("saving stripped record failed")
				continue
			}
			repaired = append(repaired, types.Diagnostic{
				Check: "V2", Severity: types.SeverityWarning, NodeID: id, Path: path,
				Message: "stripped stale child entries",
			})
		}

		// Re-reconcile: Load fixes divergence, audits it, and publishes
		// AutoFixed. Divergence already corrected by the strip above loads
		// clean.
		if !rec.Progress.Equal(state.DeriveAggregate(rec.Children)) {
			if _, err := v.store.Load(path); err != nil {
				v.logger.Error().Err(err).Str("id", id.String()).Msg("re-reconcile failed")
				continue
			}
			repaired = append(repaired, types.Diagnostic{
				Check: "V6", Severity: types.SeverityWarning, NodeID: id, Path: path,
				Message: "re-reconciled divergent aggregate",
			})
		}
	}
	return repaired, nil
}

// regenerateRecord rebuilds a missing state.json from the node's live
// children: their current record statuses (or frontmatter statuses for
// leaves) become the children map, and the aggregate is derived from it.
func (v *Validator) regenerateRecord(snap *registry.File, id types.NodeID, path string) error {
	children := make(map[types.NodeID]types.ChildSummary)
	for _, childID := range registry.ChildrenOf(snap, id) {
		children[childID] = v.childSummary(snap, childID)
	}
	progress := state.DeriveAggregate(children)
	rec := &state.Record{
		ID:       id,
		Status:   state.DeriveParentStatus(types.StatusPlanned, progress),
		Progress: progress,
		Children: children,
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating record directory: %w", err)
	}
	return v.store.Save(path, rec)
}

// childSummary resolves a child's current status and percentage: from its
// own record for non-leaf children, from frontmatter for leaves. Unreadable
// children default to planned.
func (v *Validator) childSummary(snap *registry.File, childID types.NodeID) types.ChildSummary {
	entry := snap.WorkItems[childID]
	if !entry.Kind.IsLeaf() {
		if rel, ok := registry.RecordPathFor(snap, childID); ok {
			if rec, err := state.ReadRecord(filepath.Join(v.reg.Root(), rel)); err == nil {
				return types.ChildSummary{Status: rec.Status, Progress: rec.Progress.Percentage}
			}
		}
		return types.ChildSummary{Status: entry.Status}
	}

	data, err := os.ReadFile(filepath.Join(v.reg.Root(), entry.Path)) // nolint:gosec // registry path under root
	if err != nil {
		return types.ChildSummary{Status: types.StatusPlanned}
	}
	doc, err := frontmatter.Parse(data)
	if err != nil {
		return types.ChildSummary{Status: types.StatusPlanned}
	}
	item, err := doc.WorkItem()
	if err != nil {
		return types.ChildSummary{Status: types.StatusPlanned}
	}
	pct := 0
	if item.Status == types.StatusCompleted {
		pct = 100
	}
	return types.ChildSummary{Status: item.Status, Progress: pct}
}

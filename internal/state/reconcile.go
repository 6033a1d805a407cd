package state

import (
	"github.com/untoldecay/cascade/internal/events"
	"github.com/untoldecay/cascade/internal/types"
)

// reconcile compares the stored progress against the children-derived value.
// On divergence it fixes the record, persists it, records an audit entry,
// and publishes AutoFixed. The comparison is field-wise on the derived
// metrics only: a matching record is returned untouched, so reconciling
// never causes a write storm of no-op saves.
func (s *Store) reconcile(path string, rec *Record) (*Record, error) {
	correct := DeriveAggregate(rec.Children)
	if rec.Progress.Equal(correct) {
		return rec, nil
	}

	before := rec.Progress
	rec.Progress = correct
	rec.Status = PromoteIfComplete(rec.Status, correct)
	if err := s.Save(path, rec); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("id", rec.ID.String()).
		Str("path", path).
		Int("before_pct", before.Percentage).
		Int("after_pct", correct.Percentage).
		Msg("auto-fixed divergent aggregate")
	if s.audit != nil {
		s.audit.AutoFix(rec.ID, path, before, correct)
	}
	if s.bus != nil {
		s.bus.PublishAutoFixed(events.AutoFixed{ID: rec.ID, Path: path, Before: before, After: correct})
	}
	return rec, nil
}

// PromoteIfComplete promotes status to Completed when every child is
// completed. It never demotes: a Completed parent whose children regressed
// keeps its status, and the validator surfaces the mismatch instead.
func PromoteIfComplete(s types.Status, p types.ProgressMetrics) types.Status {
	if p.TotalItems > 0 && p.Completed == p.TotalItems && s != types.StatusCompleted {
		return types.StatusCompleted
	}
	return s
}

// DeriveParentStatus recomputes a parent's status from its aggregate.
// Completed is sticky: a parent already Completed is not pulled back to
// InProgress by child churn.
func DeriveParentStatus(old types.Status, p types.ProgressMetrics) types.Status {
	switch {
	case p.TotalItems == 0:
		return old
	case p.Completed == p.TotalItems:
		return types.StatusCompleted
	case p.Completed+p.InProgress > 0 || p.Blocked() > 0:
		if old == types.StatusCompleted {
			return types.StatusCompleted
		}
		return types.StatusInProgress
	default:
		return types.StatusPlanned
	}
}

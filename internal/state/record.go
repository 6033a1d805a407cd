// Package state owns the per-node aggregate records (state.json): the codec,
// the canonical progress derivation, and the load-time reconciler.
package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/untoldecay/cascade/internal/types"
)

// Record is one node's rolled-up state as stored in its state.json.
// Top-level keys are emitted in the fixed order id, status, progress,
// children, updated; unknown keys observed on read are carried through a
// round-trip in their original order after the known keys.
type Record struct {
	ID       types.NodeID
	Status   types.Status
	Progress types.ProgressMetrics
	Children map[types.NodeID]types.ChildSummary
	Updated  string

	extra []extraField
}

type extraField struct {
	key string
	raw json.RawMessage
}

// UnmarshalJSON decodes the record while remembering unknown top-level keys
// in their observed order.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("decoding record: not a JSON object")
	}

	r.Children = make(map[types.NodeID]types.ChildSummary)
	r.extra = nil
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decoding record key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("decoding record: non-string key")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("decoding record value for %q: %w", key, err)
		}
		switch key {
		case "id":
			if err := json.Unmarshal(raw, &r.ID); err != nil {
				return fmt.Errorf("decoding id: %w", err)
			}
		case "status":
			if err := json.Unmarshal(raw, &r.Status); err != nil {
				return fmt.Errorf("decoding status: %w", err)
			}
		case "progress":
			if err := json.Unmarshal(raw, &r.Progress); err != nil {
				return fmt.Errorf("decoding progress: %w", err)
			}
		case "children":
			if err := json.Unmarshal(raw, &r.Children); err != nil {
				return fmt.Errorf("decoding children: %w", err)
			}
		case "updated":
			if err := json.Unmarshal(raw, &r.Updated); err != nil {
				return fmt.Errorf("decoding updated: %w", err)
			}
		default:
			r.extra = append(r.extra, extraField{key: key, raw: raw})
		}
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	return nil
}

// MarshalJSON emits the record with stable key order. Children are sorted by
// node ID so identical records serialize identically.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	writeField := func(key string, v any) error {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return err
		}
		buf.Write(k)
		buf.WriteByte(':')
		val, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(val)
		return nil
	}

	if err := writeField("id", r.ID); err != nil {
		return nil, err
	}
	if err := writeField("status", r.Status); err != nil {
		return nil, err
	}
	if err := writeField("progress", r.Progress); err != nil {
		return nil, err
	}

	// children: sorted object, not a Go map, so emission is deterministic
	buf.WriteString(`,"children":{`)
	ids := make([]types.NodeID, 0, len(r.Children))
	for id := range r.Children {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i, id := range ids {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		val, err := json.Marshal(r.Children[id])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')

	if err := writeField("updated", r.Updated); err != nil {
		return nil, err
	}
	for _, f := range r.extra {
		if err := writeField(f.key, f.raw); err != nil {
			return nil, err
		}
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Clone returns a deep copy. Chains mutate copies so a failed write never
// poisons the batch cache.
func (r *Record) Clone() *Record {
	children := make(map[types.NodeID]types.ChildSummary, len(r.Children))
	for id, c := range r.Children {
		children[id] = c
	}
	extra := make([]extraField, len(r.extra))
	copy(extra, r.extra)
	return &Record{
		ID:       r.ID,
		Status:   r.Status,
		Progress: r.Progress,
		Children: children,
		Updated:  r.Updated,
		extra:    extra,
	}
}

// Equal compares the propagation-relevant fields (everything but Updated and
// unknown keys).
func (r *Record) Equal(other *Record) bool {
	if r.ID != other.ID || r.Status != other.Status || !r.Progress.Equal(other.Progress) {
		return false
	}
	if len(r.Children) != len(other.Children) {
		return false
	}
	for id, c := range r.Children {
		if oc, ok := other.Children[id]; !ok || oc != c {
			return false
		}
	}
	return true
}

// DeriveAggregate computes the canonical progress metrics from a children
// map. Percentage is completed/total rounded half away from zero, 0 when
// there are no children.
func DeriveAggregate(children map[types.NodeID]types.ChildSummary) types.ProgressMetrics {
	p := types.ProgressMetrics{TotalItems: len(children)}
	for _, c := range children {
		switch c.Status {
		case types.StatusCompleted:
			p.Completed++
		case types.StatusInProgress:
			p.InProgress++
		case types.StatusPlanned:
			p.Planned++
		}
	}
	if p.TotalItems > 0 {
		p.Percentage = int(math.Floor(float64(p.Completed*100)/float64(p.TotalItems) + 0.5))
	}
	return p
}

// UpdateChildSummary sets the child's entry and recomputes progress from the
// full children map. Always a full recompute, never incremental, so repeated
// application of the same change is idempotent.
func UpdateChildSummary(rec *Record, childID types.NodeID, status types.Status, percentage int) {
	if rec.Children == nil {
		rec.Children = make(map[types.NodeID]types.ChildSummary)
	}
	rec.Children[childID] = types.ChildSummary{Status: status, Progress: percentage}
	rec.Progress = DeriveAggregate(rec.Children)
}

// RemoveChild drops a child entry (soft-deleted or stale) and recomputes.
func RemoveChild(rec *Record, childID types.NodeID) {
	delete(rec.Children, childID)
	rec.Progress = DeriveAggregate(rec.Children)
}

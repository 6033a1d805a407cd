package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/untoldecay/cascade/internal/events"
	"github.com/untoldecay/cascade/internal/registry"
	"github.com/untoldecay/cascade/internal/state"
	"github.com/untoldecay/cascade/internal/types"
)

// fixture is a small hierarchy on disk:
//
//	P0001 -> E0001 -> F0001 -> S0001 -> {T0001 completed, T0002 planned}
type fixture struct {
	root  string
	reg   *registry.Registry
	store *state.Store
	eng   *Engine
	bus   *events.Bus
	sub   <-chan events.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	bus := events.NewBus()
	reg := registry.Open(root).WithClock(fixedClock())
	store := state.NewStore(bus, nil).WithClock(fixedClock())
	f := &fixture{
		root:  root,
		reg:   reg,
		store: store,
		eng:   New(reg, store, bus, nil),
		bus:   bus,
		sub:   bus.Subscribe(64),
	}

	f.insert(t, "P0001", types.KindProject, "", "P0001.md", types.StatusInProgress)
	f.insert(t, "E0001", types.KindEpic, "P0001", "E0001-alpha/E0001.md", types.StatusInProgress)
	f.insert(t, "F0001", types.KindFeature, "E0001", "E0001-alpha/F0001-beta/F0001.md", types.StatusInProgress)
	f.insert(t, "S0001", types.KindStory, "F0001", "E0001-alpha/F0001-beta/S0001-gamma/S0001.md", types.StatusInProgress)
	f.insert(t, "T0001", types.KindTask, "S0001", "E0001-alpha/F0001-beta/S0001-gamma/T0001.md", types.StatusCompleted)
	f.insert(t, "T0002", types.KindTask, "S0001", "E0001-alpha/F0001-beta/S0001-gamma/T0002.md", types.StatusPlanned)

	f.writeRecord(t, "S0001", types.StatusInProgress, map[types.NodeID]types.ChildSummary{
		"T0001": {Status: types.StatusCompleted, Progress: 100},
		"T0002": {Status: types.StatusPlanned},
	})
	f.writeRecord(t, "F0001", types.StatusInProgress, map[types.NodeID]types.ChildSummary{
		"S0001": {Status: types.StatusInProgress, Progress: 50},
	})
	f.writeRecord(t, "E0001", types.StatusInProgress, map[types.NodeID]types.ChildSummary{
		"F0001": {Status: types.StatusInProgress},
	})
	f.writeRecord(t, "P0001", types.StatusInProgress, map[types.NodeID]types.ChildSummary{
		"E0001": {Status: types.StatusInProgress},
	})
	return f
}

func fixedClock() func() time.Time {
	return func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
}

func (f *fixture) insert(t *testing.T, id types.NodeID, kind types.Kind, parent types.NodeID, rel string, status types.Status) {
	t.Helper()
	if err := f.reg.Insert(types.RegistryEntry{
		ID: id, Kind: kind, Parent: parent, Path: rel,
		Status: status, Created: "2024-06-01", Updated: "2024-06-01",
	}); err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
	f.writeMarkdown(t, rel, id, kind, status, parent)
}

func (f *fixture) writeMarkdown(t *testing.T, rel string, id types.NodeID, kind types.Kind, status types.Status, parent types.NodeID) {
	t.Helper()
	path := filepath.Join(f.root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		t.Fatal(err)
	}
	parentVal := "null"
	if parent != "" {
		parentVal = parent.String()
	}
	content := fmt.Sprintf("---\nid: %s\nkind: %s\ntitle: %s\nstatus: %s\nparent: %s\n---\n# %s\n",
		id, kind, id, status, parentVal, id)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) writeRecord(t *testing.T, id types.NodeID, status types.Status, children map[types.NodeID]types.ChildSummary) {
	t.Helper()
	rec := &state.Record{ID: id, Status: status, Children: children}
	rec.Progress = state.DeriveAggregate(children)
	path := f.recordPath(t, id)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Save(path, rec); err != nil {
		t.Fatalf("write record %s: %v", id, err)
	}
}

func (f *fixture) recordPath(t *testing.T, id types.NodeID) string {
	t.Helper()
	path, ok, err := f.reg.RecordPathFor(id)
	if err != nil || !ok {
		t.Fatalf("record path for %s: %v %v", id, ok, err)
	}
	return path
}

func (f *fixture) readRecord(t *testing.T, id types.NodeID) *state.Record {
	t.Helper()
	rec, err := state.ReadRecord(f.recordPath(t, id))
	if err != nil {
		t.Fatalf("read record %s: %v", id, err)
	}
	return rec
}

func (f *fixture) mdPath(id types.NodeID, rel string) string {
	return filepath.Join(f.root, rel)
}

func (f *fixture) drainEvents() []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-f.sub:
			out = append(out, e)
		default:
			return out
		}
	}
}

// Completing the last task rolls 100% and completed status up to the root.
func TestLeafCompletionPropagates(t *testing.T) {
	f := newFixture(t)
	leaf := "E0001-alpha/F0001-beta/S0001-gamma/T0002.md"
	f.writeMarkdown(t, leaf, "T0002", types.KindTask, types.StatusCompleted, "S0001")

	if err := f.eng.Propagate(f.mdPath("T0002", leaf)); err != nil {
		t.Fatalf("Propagate: %v", err)
	}

	s := f.readRecord(t, "S0001")
	if s.Progress.TotalItems != 2 || s.Progress.Completed != 2 || s.Progress.Percentage != 100 {
		t.Errorf("S0001 progress = %+v", s.Progress)
	}
	if s.Status != types.StatusCompleted {
		t.Errorf("S0001 status = %s", s.Status)
	}

	fr := f.readRecord(t, "F0001")
	if c := fr.Children["S0001"]; c.Status != types.StatusCompleted || c.Progress != 100 {
		t.Errorf("F0001 children[S0001] = %+v", c)
	}
	for _, id := range []types.NodeID{"F0001", "E0001", "P0001"} {
		rec := f.readRecord(t, id)
		if rec.Progress.Percentage != 100 || rec.Status != types.StatusCompleted {
			t.Errorf("%s = %s %d%%", id, rec.Status, rec.Progress.Percentage)
		}
	}

	var propagated int
	for _, e := range f.drainEvents() {
		if e.Type == events.TypePropagated {
			propagated++
		}
	}
	if propagated != 4 {
		t.Errorf("propagated events = %d, want 4 (S, F, E, P)", propagated)
	}
}

// A change that derives the same parent state stops the chain immediately.
func TestShortCircuitWhenUnchanged(t *testing.T) {
	f := newFixture(t)
	before, err := os.ReadFile(f.recordPath(t, "F0001"))
	if err != nil {
		t.Fatal(err)
	}

	// T0001 is already recorded as completed in S0001's children: the S
	// update derives identical state, so nothing above S is touched.
	leaf := "E0001-alpha/F0001-beta/S0001-gamma/T0001.md"
	if err := f.eng.Propagate(f.mdPath("T0001", leaf)); err != nil {
		t.Fatalf("Propagate: %v", err)
	}

	after, err := os.ReadFile(f.recordPath(t, "F0001"))
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Error("F0001 rewritten despite unchanged aggregate")
	}
	for _, e := range f.drainEvents() {
		if e.Type == events.TypePropagated {
			t.Errorf("unexpected propagation event: %+v", e.Propagated)
		}
	}
}

// A corrupted parent pointer creating a loop aborts with CycleDetected.
func TestCycleDetected(t *testing.T) {
	f := newFixture(t)
	entry, ok, err := f.reg.Get("F0001")
	if err != nil || !ok {
		t.Fatal("F0001 missing")
	}
	entry.Parent = "S0001"
	if err := f.reg.Update(entry); err != nil {
		t.Fatal(err)
	}

	// A real change is needed so the chain climbs far enough to meet the
	// corrupted edge: S changes, F changes, then F's parent is S again.
	leaf := "E0001-alpha/F0001-beta/S0001-gamma/T0002.md"
	f.writeMarkdown(t, leaf, "T0002", types.KindTask, types.StatusCompleted, "S0001")
	if err := f.eng.Propagate(f.mdPath("T0002", leaf)); err != nil {
		t.Fatalf("Propagate: %v", err)
	}

	var cycles int
	for _, e := range f.drainEvents() {
		if e.Type == events.TypeError && e.Failure.Kind == types.ErrCycleDetected {
			cycles++
		}
	}
	if cycles != 1 {
		t.Errorf("cycle errors = %d, want exactly 1", cycles)
	}
}

// A missing parent record aborts the chain but keeps committed descendants.
func TestMissingParentRecordAbortsChain(t *testing.T) {
	f := newFixture(t)
	if err := os.Remove(f.recordPath(t, "F0001")); err != nil {
		t.Fatal(err)
	}

	leaf := "E0001-alpha/F0001-beta/S0001-gamma/T0002.md"
	f.writeMarkdown(t, leaf, "T0002", types.KindTask, types.StatusCompleted, "S0001")
	if err := f.eng.Propagate(f.mdPath("T0002", leaf)); err != nil {
		t.Fatalf("Propagate: %v", err)
	}

	// S0001 was updated before the chain hit the missing record.
	s := f.readRecord(t, "S0001")
	if s.Progress.Completed != 2 {
		t.Errorf("S0001 not committed before abort: %+v", s.Progress)
	}

	var aborts int
	for _, e := range f.drainEvents() {
		if e.Type == events.TypeError && e.Failure.Kind == types.ErrMalformedHierarchy {
			aborts++
		}
	}
	if aborts != 1 {
		t.Errorf("malformed-hierarchy errors = %d, want 1", aborts)
	}
}

// Soft-deleted children are removed from the parent's children map on the
// next propagation that touches it.
func TestSoftDeletedChildPruned(t *testing.T) {
	f := newFixture(t)
	if err := f.reg.SoftDelete("T0002"); err != nil {
		t.Fatal(err)
	}

	leaf := "E0001-alpha/F0001-beta/S0001-gamma/T0001.md"
	if err := f.eng.Propagate(f.mdPath("T0001", leaf)); err != nil {
		t.Fatalf("Propagate: %v", err)
	}

	s := f.readRecord(t, "S0001")
	if _, still := s.Children["T0002"]; still {
		t.Error("soft-deleted child still in children map")
	}
	if s.Progress.TotalItems != 1 || s.Progress.Percentage != 100 {
		t.Errorf("S0001 progress = %+v", s.Progress)
	}
}

// Duplicate paths in one batch run a single chain.
func TestBatchDeduplicates(t *testing.T) {
	f := newFixture(t)
	leaf := "E0001-alpha/F0001-beta/S0001-gamma/T0002.md"
	f.writeMarkdown(t, leaf, "T0002", types.KindTask, types.StatusCompleted, "S0001")

	var writes int
	f.store.SetWriteObserver(func(string, []byte) { writes++ })
	abs := f.mdPath("T0002", leaf)
	if err := f.eng.PropagateBatch([]string{abs, abs, abs}); err != nil {
		t.Fatalf("PropagateBatch: %v", err)
	}
	if writes != 4 {
		t.Errorf("writes = %d, want 4 (S, F, E, P written once each)", writes)
	}
}

// Phase-aware depth: P -> E -> F -> S -> PH -> T updates every ancestor.
func TestPhaseDepthPropagation(t *testing.T) {
	f := newFixture(t)

	// Swap S0001's children for a single phase holding one task.
	phaseDir := "E0001-alpha/F0001-beta/S0001-gamma/PH0001-delta"
	f.insert(t, "PH0001", types.KindPhase, "S0001", phaseDir+"/PH0001.md", types.StatusInProgress)
	f.insert(t, "T0003", types.KindTask, "PH0001", phaseDir+"/T0003.md", types.StatusPlanned)
	if err := f.reg.SoftDelete("T0001"); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.SoftDelete("T0002"); err != nil {
		t.Fatal(err)
	}
	f.writeRecord(t, "PH0001", types.StatusInProgress, map[types.NodeID]types.ChildSummary{
		"T0003": {Status: types.StatusPlanned},
	})
	f.writeRecord(t, "S0001", types.StatusInProgress, map[types.NodeID]types.ChildSummary{
		"PH0001": {Status: types.StatusInProgress},
	})

	leaf := phaseDir + "/T0003.md"
	f.writeMarkdown(t, leaf, "T0003", types.KindTask, types.StatusCompleted, "PH0001")
	if err := f.eng.Propagate(f.mdPath("T0003", leaf)); err != nil {
		t.Fatalf("Propagate: %v", err)
	}

	for _, id := range []types.NodeID{"PH0001", "S0001", "F0001", "E0001", "P0001"} {
		rec := f.readRecord(t, id)
		if rec.Progress.Percentage != 100 || rec.Status != types.StatusCompleted {
			t.Errorf("%s = %s %d%%, want completed 100%%", id, rec.Status, rec.Progress.Percentage)
		}
	}
}

// A change to a record file (not a leaf) starts the chain at that node.
func TestPropagateFromRecordPath(t *testing.T) {
	f := newFixture(t)

	// Rewrite S0001's record as fully completed, as an external editor
	// would, then propagate from the record path.
	f.writeRecord(t, "S0001", types.StatusCompleted, map[types.NodeID]types.ChildSummary{
		"T0001": {Status: types.StatusCompleted, Progress: 100},
		"T0002": {Status: types.StatusCompleted, Progress: 100},
	})
	if err := f.eng.Propagate(f.recordPath(t, "S0001")); err != nil {
		t.Fatalf("Propagate: %v", err)
	}

	for _, id := range []types.NodeID{"F0001", "E0001", "P0001"} {
		rec := f.readRecord(t, id)
		if rec.Progress.Percentage != 100 {
			t.Errorf("%s percentage = %d, want 100", id, rec.Progress.Percentage)
		}
	}
}

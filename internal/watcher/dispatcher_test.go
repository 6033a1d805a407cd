package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/untoldecay/cascade/internal/engine"
	"github.com/untoldecay/cascade/internal/events"
	"github.com/untoldecay/cascade/internal/registry"
	"github.com/untoldecay/cascade/internal/state"
	"github.com/untoldecay/cascade/internal/types"
)

// The engine's own writes must not start a second propagation chain: the
// dispatcher records each write and drops the watcher event it causes. An
// external edit of the same file, by contrast, flows through to the engine
// (observable here as a malformed-hierarchy abort, since the record's node
// is not registered).
func TestDispatcherSuppressesEngineWrites(t *testing.T) {
	root := t.TempDir()
	bus := events.NewBus()
	sub := bus.Subscribe(16)
	reg := registry.Open(root)
	store := state.NewStore(bus, nil)
	eng := engine.New(reg, store, bus, nil)

	disp, err := NewDispatcher(root, eng, store, Options{Window: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	defer disp.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	disp.Start(ctx)
	time.Sleep(100 * time.Millisecond) // let the watch settle

	// Write through the store, exactly as the reconciler does.
	recordPath := filepath.Join(root, registry.RecordFileName)
	rec := &state.Record{ID: "E0001", Status: types.StatusPlanned}
	rec.Progress = state.DeriveAggregate(rec.Children)
	if err := store.Save(recordPath, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Give the event time to be delivered, debounced, and (wrongly)
	// dispatched if suppression failed.
	time.Sleep(500 * time.Millisecond)
	select {
	case e := <-sub:
		t.Fatalf("self-write triggered a chain: %+v", e)
	default:
	}

	// An external edit is not suppressed and reaches the engine.
	external := `{"id":"E0001","status":"in-progress","progress":{"total_items":0,"completed":0,"in_progress":0,"planned":0,"percentage":0},"children":{},"updated":"2024-06-01T00:00:00.000Z"}`
	if err := os.WriteFile(recordPath, []byte(external), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-sub:
			if e.Type == events.TypeError && e.Failure.Kind == types.ErrMalformedHierarchy {
				return
			}
		case <-deadline:
			t.Fatal("external edit never reached the engine")
		}
	}
}

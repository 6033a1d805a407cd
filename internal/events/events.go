// Package events is the engine's observer channel. Propagation results,
// auto-fixes, validator diagnostics, and failures are published here so
// external collaborators (editors, CLIs) can react without polling files.
package events

import (
	"sync"

	"github.com/untoldecay/cascade/internal/types"
)

// Type discriminates the event payload.
type Type string

const (
	TypePropagated Type = "propagated"
	TypeAutoFixed  Type = "auto_fixed"
	TypeDiagnostic Type = "diagnostic"
	TypeError      Type = "error"
)

// Propagated is emitted once per node updated by a propagation chain.
type Propagated struct {
	ID         types.NodeID `json:"id"`
	OldStatus  types.Status `json:"old_status"`
	NewStatus  types.Status `json:"new_status"`
	Percentage int          `json:"percentage"`
}

// AutoFixed is emitted when the reconciler corrects a divergent record.
type AutoFixed struct {
	ID     types.NodeID          `json:"id"`
	Path   string                `json:"path"`
	Before types.ProgressMetrics `json:"before"`
	After  types.ProgressMetrics `json:"after"`
}

// Failure is emitted when a chain aborts or an IO operation fails.
type Failure struct {
	Kind    types.ErrorKind `json:"kind"`
	Context string          `json:"context"`
}

// Event is the union published on the bus.
type Event struct {
	Type       Type              `json:"type"`
	Propagated *Propagated       `json:"propagated,omitempty"`
	AutoFixed  *AutoFixed        `json:"auto_fixed,omitempty"`
	Diagnostic *types.Diagnostic `json:"diagnostic,omitempty"`
	Failure    *Failure          `json:"failure,omitempty"`
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event rather than stalling propagation.
type Bus struct {
	mu     sync.Mutex
	subs   []chan Event
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving all subsequent events. The buffer
// should be sized for the subscriber's consumption rate.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers e to every subscriber, dropping on full buffers.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close terminates all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

// PublishPropagated is a convenience wrapper.
func (b *Bus) PublishPropagated(p Propagated) {
	b.Publish(Event{Type: TypePropagated, Propagated: &p})
}

// PublishAutoFixed is a convenience wrapper.
func (b *Bus) PublishAutoFixed(a AutoFixed) {
	b.Publish(Event{Type: TypeAutoFixed, AutoFixed: &a})
}

// PublishDiagnostic is a convenience wrapper.
func (b *Bus) PublishDiagnostic(d types.Diagnostic) {
	b.Publish(Event{Type: TypeDiagnostic, Diagnostic: &d})
}

// PublishError is a convenience wrapper.
func (b *Bus) PublishError(kind types.ErrorKind, context string) {
	b.Publish(Event{Type: TypeError, Failure: &Failure{Kind: kind, Context: context}})
}

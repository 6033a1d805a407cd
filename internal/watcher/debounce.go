// Package watcher is the change dispatcher: it watches record and markdown
// files, debounces bursts per path, suppresses the engine's own writes, and
// routes settled batches into propagation.
package watcher

import (
	"sync"
	"time"
)

// Per-path dispatch state machine:
//
//	Idle --event--> Debouncing
//	Debouncing --event--> Debouncing (reset timer)
//	Debouncing --timeout--> Dispatched
//	Dispatched --completion--> Idle
//	Dispatched --event--> Requeued
//	Requeued --completion--> Debouncing
type pathState int

const (
	stateIdle pathState = iota
	stateDebouncing
	stateDispatched
	stateRequeued
)

// DefaultWindow is the per-path debounce window.
const DefaultWindow = 250 * time.Millisecond

// Debouncer coalesces bursts of events on the same path and dispatches all
// settled paths as one batch. Batches run serially on one worker goroutine,
// preserving the single-writer discipline.
type Debouncer struct {
	window   time.Duration
	dispatch func(paths []string)

	mu     sync.Mutex
	states map[string]pathState
	timers map[string]*time.Timer
	ready  []string

	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
}

// NewDebouncer starts the dispatch worker. dispatch is called with each
// settled batch; it must not be nil.
func NewDebouncer(window time.Duration, dispatch func(paths []string)) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	d := &Debouncer{
		window:   window,
		dispatch: dispatch,
		states:   make(map[string]pathState),
		timers:   make(map[string]*time.Timer),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Trigger records one event for path.
func (d *Debouncer) Trigger(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.states[path] {
	case stateIdle:
		d.states[path] = stateDebouncing
		d.timers[path] = time.AfterFunc(d.window, func() { d.expire(path) })
	case stateDebouncing:
		d.timers[path].Reset(d.window)
	case stateDispatched:
		// Batch in flight: queue for the next window.
		d.states[path] = stateRequeued
	case stateRequeued:
		// Already queued.
	}
}

// expire moves a path whose window closed into the ready set and wakes the
// worker.
func (d *Debouncer) expire(path string) {
	d.mu.Lock()
	if d.states[path] != stateDebouncing {
		d.mu.Unlock()
		return
	}
	d.states[path] = stateDispatched
	delete(d.timers, path)
	d.ready = append(d.ready, path)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// run drains ready paths into dispatch batches, one at a time.
func (d *Debouncer) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.quit:
			return
		case <-d.wake:
		}

		for {
			d.mu.Lock()
			batch := d.ready
			d.ready = nil
			d.mu.Unlock()
			if len(batch) == 0 {
				break
			}

			d.dispatch(batch)

			d.mu.Lock()
			for _, path := range batch {
				if d.states[path] == stateRequeued {
					// Events arrived mid-batch: open a fresh window.
					d.states[path] = stateDebouncing
					d.timers[path] = time.AfterFunc(d.window, func() { d.expire(path) })
				} else {
					d.states[path] = stateIdle
					delete(d.states, path)
				}
			}
			d.mu.Unlock()
		}
	}
}

// Cancel stops all pending timers and the worker. Paths still debouncing
// are dropped; an in-flight batch runs to completion.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	for path, t := range d.timers {
		t.Stop()
		delete(d.timers, path)
	}
	d.states = make(map[string]pathState)
	d.ready = nil
	d.mu.Unlock()

	close(d.quit)
	d.wg.Wait()
}

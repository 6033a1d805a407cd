package watcher

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/untoldecay/cascade/internal/engine"
	"github.com/untoldecay/cascade/internal/state"
)

// Dispatcher connects the file watcher, the debouncer, the self-write
// suppression set, and the propagation engine. It owns no persistent state
// and runs no validation itself: the watch command validates the hierarchy
// before it starts a dispatcher.
type Dispatcher struct {
	eng        *engine.Engine
	watcher    *FileWatcher
	debouncer  *Debouncer
	selfWrites *SelfWrites
	logger     zerolog.Logger
}

// Options configure the dispatcher.
type Options struct {
	// Window is the per-path debounce window; DefaultWindow when zero.
	Window time.Duration
	// PollInterval for the fallback poller.
	PollInterval time.Duration
	// FallbackDisabled requires fsnotify to initialize.
	FallbackDisabled bool
}

// NewDispatcher builds the pipeline: watcher → suppression → debounce →
// engine. The store's write observer is hooked so every engine write
// (propagation and reconciler alike) is recorded before it hits disk.
func NewDispatcher(root string, eng *engine.Engine, store *state.Store, opts Options) (*Dispatcher, error) {
	d := &Dispatcher{
		eng:        eng,
		selfWrites: NewSelfWrites(),
		logger:     log.With().Str("component", "dispatcher").Logger(),
	}
	store.SetWriteObserver(d.selfWrites.Record)

	d.debouncer = NewDebouncer(opts.Window, func(paths []string) {
		d.logger.Debug().Int("paths", len(paths)).Msg("dispatching batch")
		if err := eng.PropagateBatch(paths); err != nil {
			d.logger.Error().Err(err).Msg("batch aborted")
		}
	})

	fw, err := NewFileWatcher(root, opts.PollInterval, opts.FallbackDisabled, d.onEvent)
	if err != nil {
		d.debouncer.Cancel()
		return nil, err
	}
	d.watcher = fw
	return d, nil
}

// onEvent routes one raw watcher event: self-writes are dropped, everything
// else enters the debounce window for its path.
func (d *Dispatcher) onEvent(path string) {
	if d.selfWrites.Suppress(path) {
		d.logger.Debug().Str("path", path).Msg("suppressed self-write event")
		return
	}
	d.debouncer.Trigger(path)
}

// Start begins watching. Runs until ctx is canceled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.watcher.Start(ctx)
}

// Close stops intake first (watcher, then pending debounce timers); an
// in-flight batch runs to completion before Close returns.
func (d *Dispatcher) Close() error {
	err := d.watcher.Close()
	d.debouncer.Cancel()
	return err
}

package watch

import (
	"log/slog"
	"sync"
	"time"
)

// Debouncer coalesces bursts of events. Events for the same path inside
// the window are merged:
//   - CREATE + MODIFY = CREATE
//   - CREATE + REMOVE = nothing
//   - MODIFY + REMOVE = REMOVE
//   - REMOVE + CREATE = MODIFY
//
// The window restarts on every event, so a batch is emitted only after a
// quiet period.
type Debouncer struct {
	window time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingEvent
	timer   *time.Timer
	stopped bool
	output  chan []Event
}

type pendingEvent struct {
	event   Event
	firstOp Op
}

// NewDebouncer creates a Debouncer emitting on a channel that holds up to
// buffer batches.
func NewDebouncer(window time.Duration, buffer int, logger *slog.Logger) *Debouncer {
	if buffer < 1 {
		buffer = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Debouncer{
		window:  window,
		logger:  logger,
		pending: make(map[string]*pendingEvent),
		output:  make(chan []Event, buffer),
	}
}

// Add records an event and restarts the quiet-period timer.
func (d *Debouncer) Add(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if existing, ok := d.pending[ev.Path]; ok {
		if merged, keep := coalesce(existing.firstOp, existing.event, ev); keep {
			existing.event = merged
		} else {
			delete(d.pending, ev.Path)
		}
	} else {
		d.pending[ev.Path] = &pendingEvent{event: ev, firstOp: ev.Op}
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

func coalesce(first Op, prev, next Event) (Event, bool) {
	switch first {
	case OpCreate:
		switch next.Op {
		case OpModify:
			return prev, true
		case OpRemove:
			return Event{}, false
		}
	case OpRemove:
		if next.Op == OpCreate {
			next.Op = OpModify
			return next, true
		}
	}
	return next, true
}

func (d *Debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || len(d.pending) == 0 {
		return
	}

	batch := make([]Event, 0, len(d.pending))
	for _, pe := range d.pending {
		batch = append(batch, pe.event)
	}
	d.pending = make(map[string]*pendingEvent)

	select {
	case d.output <- batch:
	default:
		d.logger.Warn("watch_batch_dropped", slog.Int("events", len(batch)))
	}
}

// Output delivers coalesced batches. It is closed by Stop.
func (d *Debouncer) Output() <-chan []Event {
	return d.output
}

// Stop discards pending events and closes Output. Safe to call more than
// once.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.output)
}

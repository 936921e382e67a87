package ui

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// PlainRenderer writes one line per stage change, and at most one line
// per PlainInterval within a stage.
type PlainRenderer struct {
	mu       sync.Mutex
	out      io.Writer
	interval time.Duration
	tracker  *Tracker
	lastLine time.Time
	now      func() time.Time
}

// NewPlainRenderer creates a plain renderer.
func NewPlainRenderer(cfg Config) *PlainRenderer {
	return &PlainRenderer{
		out:      cfg.Output,
		interval: cfg.PlainInterval,
		tracker:  NewTracker(),
		now:      time.Now,
	}
}

// Start implements Renderer.
func (r *PlainRenderer) Start(context.Context) error { return nil }

// UpdateProgress implements Renderer.
func (r *PlainRenderer) UpdateProgress(ev ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed, ok := r.tracker.Update(ev)
	if !ok {
		return
	}
	now := r.now()
	if !changed && !r.lastLine.IsZero() && now.Sub(r.lastLine) < r.interval {
		return
	}
	r.lastLine = now

	switch {
	case ev.Total > 0:
		_, _ = fmt.Fprintf(r.out, "[%s] %d/%d %s\n", ev.Stage.Icon(), ev.Current, ev.Total, ev.Message)
	case ev.Current > 0:
		_, _ = fmt.Fprintf(r.out, "[%s] %d files, %s\n", ev.Stage.Icon(), ev.Current, ev.Message)
	default:
		_, _ = fmt.Fprintf(r.out, "[%s] %s\n", ev.Stage.Icon(), ev.Message)
	}
}

// Complete implements Renderer.
func (r *PlainRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, _ = fmt.Fprintf(r.out, "[%s] %d walked, %d unchanged, %d indexed in %s",
		StageComplete.Icon(), stats.Walked, stats.Unchanged, stats.Indexed, stats.Duration.Round(time.Millisecond))
	if stats.Errored {
		_, _ = fmt.Fprint(r.out, " (with errors)")
	}
	_, _ = fmt.Fprintln(r.out)
}

// Stop implements Renderer.
func (r *PlainRenderer) Stop() error { return nil }

var _ Renderer = (*PlainRenderer)(nil)

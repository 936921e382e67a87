package ui

import (
	"sync"
	"time"
)

// Tracker holds the latest progress state. Stages only move forward: an
// update for an earlier stage is ignored. It is safe for concurrent use.
type Tracker struct {
	mu         sync.RWMutex
	stage      Stage
	current    int
	total      int
	message    string
	start      time.Time
	stageStart time.Time
	now        func() time.Time
}

// Snapshot is a copy of the tracker state.
type Snapshot struct {
	Stage   Stage
	Current int
	Total   int
	Message string
	// Progress is Current/Total in [0,1], or 0 when Total is unknown.
	Progress float64
	// Rate is items per second since the stage began.
	Rate    float64
	Elapsed time.Duration
}

// NewTracker creates a tracker in the walking stage.
func NewTracker() *Tracker {
	return newTracker(time.Now)
}

func newTracker(now func() time.Time) *Tracker {
	t := now()
	return &Tracker{stage: StageWalking, start: t, stageStart: t, now: now}
}

// Update applies ev. It reports whether the stage changed.
func (t *Tracker) Update(ev ProgressEvent) (changed bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.Stage < t.stage {
		return false, false
	}
	if ev.Stage != t.stage {
		t.stage = ev.Stage
		t.stageStart = t.now()
		changed = true
	}
	t.current = ev.Current
	t.total = ev.Total
	t.message = ev.Message
	return changed, true
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	s := Snapshot{
		Stage:   t.stage,
		Current: t.current,
		Total:   t.total,
		Message: t.message,
		Elapsed: now.Sub(t.start),
	}
	if t.total > 0 {
		s.Progress = min(float64(t.current)/float64(t.total), 1)
	}
	if secs := now.Sub(t.stageStart).Seconds(); secs > 0 {
		s.Rate = float64(t.current) / secs
	}
	return s
}

package ui

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imgscout/imgscout/internal/crawl"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingRenderer struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (r *recordingRenderer) Start(context.Context) error { return nil }
func (r *recordingRenderer) Complete(CompletionStats)    {}
func (r *recordingRenderer) Stop() error                 { return nil }
func (r *recordingRenderer) UpdateProgress(ev ProgressEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingRenderer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestStage_NamesAndIcons(t *testing.T) {
	assert.Equal(t, "Walking", StageWalking.String())
	assert.Equal(t, "Finalizing", StageFinalizing.String())
	assert.Equal(t, "SWEEP", StageSweeping.Icon())
	assert.Equal(t, "DONE", StageComplete.Icon())
	assert.Equal(t, "???", Stage(42).Icon())
}

func TestNewRenderer_PlainForNonTerminal(t *testing.T) {
	r := NewRenderer(NewConfig(&bytes.Buffer{}))

	_, ok := r.(*PlainRenderer)
	assert.True(t, ok)
}

func TestNewTUIRenderer_RejectsNonTerminal(t *testing.T) {
	r, err := NewTUIRenderer(NewConfig(&bytes.Buffer{}))

	assert.Error(t, err)
	assert.Nil(t, r)
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		name     string
		st       crawl.Status
		crawling bool
		want     ProgressEvent
	}{
		{
			name:     "walking counts walked files",
			st:       crawl.Status{State: crawl.StateActive, Phase: crawl.PhaseWalking, Walked: 12, Queued: 5, Skipped: 7},
			crawling: true,
			want:     ProgressEvent{Stage: StageWalking, Current: 12, Message: "5 queued, 7 unchanged"},
		},
		{
			name:     "sweeping",
			st:       crawl.Status{State: crawl.StateActive, Phase: crawl.PhaseSweeping, Walked: 12},
			crawling: true,
			want:     ProgressEvent{Stage: StageSweeping, Message: "removing records of deleted files"},
		},
		{
			name: "draining with files waiting for the worker",
			st:   crawl.Status{Queued: 10, Pending: 4, InFlight: 6},
			want: ProgressEvent{Stage: StageEmbedding, Current: 4, Total: 10, Message: "4 waiting for the worker"},
		},
		{
			name: "draining with only finalization left",
			st:   crawl.Status{Queued: 10, InFlight: 2},
			want: ProgressEvent{Stage: StageFinalizing, Current: 8, Total: 10, Message: "2 in flight"},
		},
		{
			name: "drained",
			st:   crawl.Status{Queued: 10},
			want: ProgressEvent{Stage: StageFinalizing, Current: 10, Total: 10},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FromStatus(tt.st, tt.crawling))
		})
	}
}

func TestTracker_StagesOnlyMoveForward(t *testing.T) {
	// Given: a tracker that reached embedding
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	tr := newTracker(clock.Now)
	changed, ok := tr.Update(ProgressEvent{Stage: StageEmbedding, Current: 0, Total: 10})
	require.True(t, ok)
	require.True(t, changed)

	// When: a late walking update arrives
	_, ok = tr.Update(ProgressEvent{Stage: StageWalking, Current: 99})

	// Then: it is ignored
	assert.False(t, ok)
	clock.Advance(2 * time.Second)
	_, ok = tr.Update(ProgressEvent{Stage: StageEmbedding, Current: 5, Total: 10})
	require.True(t, ok)

	snap := tr.Snapshot()
	assert.Equal(t, StageEmbedding, snap.Stage)
	assert.InDelta(t, 0.5, snap.Progress, 1e-9)
	assert.InDelta(t, 2.5, snap.Rate, 1e-9)
	assert.Equal(t, 2*time.Second, snap.Elapsed)
}

func TestPlainRenderer_ThrottlesWithinStage(t *testing.T) {
	// Given: a plain renderer with a controllable clock
	buf := &bytes.Buffer{}
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	r := NewPlainRenderer(NewConfig(buf, WithPlainInterval(time.Second)))
	r.now = clock.Now

	// When: updates arrive faster than the interval, then the stage changes
	r.UpdateProgress(ProgressEvent{Stage: StageWalking, Current: 1, Message: "1 queued, 0 unchanged"})
	r.UpdateProgress(ProgressEvent{Stage: StageWalking, Current: 2, Message: "2 queued, 0 unchanged"})
	clock.Advance(1500 * time.Millisecond)
	r.UpdateProgress(ProgressEvent{Stage: StageWalking, Current: 3, Message: "3 queued, 0 unchanged"})
	r.UpdateProgress(ProgressEvent{Stage: StageEmbedding, Current: 1, Total: 3, Message: "2 waiting for the worker"})

	// Then: one line per interval plus every stage change
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, []string{
		"[WALK] 1 files, 1 queued, 0 unchanged",
		"[WALK] 3 files, 3 queued, 0 unchanged",
		"[EMBED] 1/3 2 waiting for the worker",
	}, lines)
	assert.NotContains(t, buf.String(), "\x1b[")
}

func TestPlainRenderer_Complete(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	r.Complete(CompletionStats{Walked: 9, Unchanged: 4, Indexed: 5, Duration: 1234 * time.Millisecond, Errored: true})

	assert.Equal(t, "[DONE] 9 walked, 4 unchanged, 5 indexed in 1.234s (with errors)\n", buf.String())
}

func TestCrawlModel_ViewShowsStages(t *testing.T) {
	// Given: a model whose tracker is embedding
	tr := NewTracker()
	tr.Update(ProgressEvent{Stage: StageEmbedding, Current: 3, Total: 6, Message: "3 waiting for the worker"})
	m := newCrawlModel(tr, "imgscout crawl", nil)
	m.styles = NoColorStyles()

	// When: rendering
	view := m.View()

	// Then: every stage, the counts and the message are visible
	for _, name := range []string{"Walking", "Sweeping", "Embedding", "Finalizing"} {
		assert.Contains(t, view, name)
	}
	assert.Contains(t, view, "● Walking")
	assert.Contains(t, view, "3/6")
	assert.Contains(t, view, "3 waiting for the worker")
	assert.Contains(t, view, "imgscout crawl")
}

func TestCrawlModel_CompleteQuits(t *testing.T) {
	m := newCrawlModel(NewTracker(), "", nil)
	m.styles = NoColorStyles()

	_, cmd := m.Update(completeMsg{Walked: 3, Indexed: 2, Unchanged: 1, Duration: time.Second})

	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Contains(t, m.View(), "Crawl complete: 3 walked, 1 unchanged, 2 indexed")
}

func TestCrawlModel_CtrlCInterrupts(t *testing.T) {
	called := false
	m := newCrawlModel(NewTracker(), "", func() { called = true })

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})

	assert.True(t, called)
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Contains(t, m.View(), "Crawl interrupted")
}

func TestPoll_DeliversUntilCancelled(t *testing.T) {
	r := &recordingRenderer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Poll(ctx, 5*time.Millisecond, func() ProgressEvent { return ProgressEvent{Stage: StageWalking} }, r)
	}()

	require.Eventually(t, func() bool { return r.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Poll did not return")
	}
}

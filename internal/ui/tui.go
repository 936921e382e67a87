package ui

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/imgscout/imgscout/internal/output"
)

// stopTimeout bounds the wait for the program to exit in Stop.
const stopTimeout = 2 * time.Second

// TUIRenderer draws an inline bubbletea view.
type TUIRenderer struct {
	mu      sync.Mutex
	cfg     Config
	tracker *Tracker
	model   *crawlModel
	program *tea.Program
	done    chan struct{}
}

// NewTUIRenderer fails when the output is not a terminal.
func NewTUIRenderer(cfg Config) (*TUIRenderer, error) {
	if !IsTTY(cfg.Output) {
		return nil, errors.New("output is not a terminal")
	}
	tracker := NewTracker()
	model := newCrawlModel(tracker, cfg.Title, cfg.OnInterrupt)
	if cfg.NoColor || DetectNoColor() {
		model.styles = NoColorStyles()
	}
	return &TUIRenderer{
		cfg:     cfg,
		tracker: tracker,
		model:   model,
		done:    make(chan struct{}),
	}, nil
}

// Start implements Renderer.
func (r *TUIRenderer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.program != nil {
		return nil
	}

	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if f, ok := r.cfg.Output.(*os.File); ok {
		opts = append(opts, tea.WithOutput(f))
	}
	r.program = tea.NewProgram(r.model, opts...)
	go func() {
		defer close(r.done)
		_, _ = r.program.Run()
	}()
	return nil
}

// UpdateProgress implements Renderer.
func (r *TUIRenderer) UpdateProgress(ev ProgressEvent) {
	if _, ok := r.tracker.Update(ev); !ok {
		return
	}
	r.send(progressMsg(ev))
}

// Complete implements Renderer.
func (r *TUIRenderer) Complete(stats CompletionStats) {
	r.tracker.Update(ProgressEvent{Stage: StageComplete, Current: stats.Indexed, Total: stats.Indexed})
	r.send(completeMsg(stats))
}

// Stop implements Renderer.
func (r *TUIRenderer) Stop() error {
	r.mu.Lock()
	p := r.program
	r.mu.Unlock()
	if p == nil {
		return nil
	}

	p.Quit()
	select {
	case <-r.done:
	case <-time.After(stopTimeout):
	}
	return nil
}

func (r *TUIRenderer) send(msg tea.Msg) {
	r.mu.Lock()
	p := r.program
	r.mu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

type (
	progressMsg ProgressEvent
	completeMsg CompletionStats
	tickMsg     time.Time
)

var stages = []Stage{StageWalking, StageSweeping, StageEmbedding, StageFinalizing}

// crawlModel is the bubbletea model. All state it shows comes from the
// tracker, so messages only trigger redraws.
type crawlModel struct {
	tracker     *Tracker
	title       string
	onInterrupt func()
	styles      Styles
	spinner     spinner.Model
	bar         progress.Model
	width       int

	complete    bool
	interrupted bool
	stats       CompletionStats
}

func newCrawlModel(tracker *Tracker, title string, onInterrupt func()) *crawlModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	styles := DefaultStyles()
	s.Style = styles.Active

	return &crawlModel{
		tracker:     tracker,
		title:       title,
		onInterrupt: onInterrupt,
		styles:      styles,
		spinner:     s,
		bar: progress.New(
			progress.WithSolidFill(output.ColorGreen),
			progress.WithWidth(40),
			progress.WithoutPercentage(),
		),
		width: 80,
	}
}

// Init implements tea.Model.
func (m *crawlModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update implements tea.Model.
func (m *crawlModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.interrupted = true
			if m.onInterrupt != nil {
				m.onInterrupt()
			}
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(msg.Width-24, 20)
	case completeMsg:
		m.complete = true
		m.stats = CompletionStats(msg)
		return m, tea.Quit
	case tickMsg:
		return m, tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m *crawlModel) View() string {
	if m.interrupted {
		return m.styles.Error.Render("✗ Crawl interrupted") + "\n"
	}
	if m.complete {
		return m.viewComplete()
	}

	snap := m.tracker.Snapshot()
	lines := []string{
		m.viewStages(snap.Stage),
		m.viewProgress(snap),
	}
	if snap.Message != "" {
		lines = append(lines, m.styles.Label.Render(snap.Message))
	}

	width := max(m.width-4, 40)
	return lipgloss.JoinVertical(lipgloss.Left,
		m.styles.Header.Render(m.title),
		m.styles.Panel.Width(width).Render(strings.Join(lines, "\n")),
	) + "\n"
}

func (m *crawlModel) viewStages(current Stage) string {
	parts := make([]string, 0, len(stages))
	for _, s := range stages {
		switch {
		case s < current:
			parts = append(parts, m.styles.Done.Render("● "+s.String()))
		case s == current:
			parts = append(parts, m.styles.Active.Render(m.spinner.View()+" "+s.String()))
		default:
			parts = append(parts, m.styles.Pending.Render("○ "+s.String()))
		}
	}
	return strings.Join(parts, m.styles.Pending.Render(" → "))
}

func (m *crawlModel) viewProgress(snap Snapshot) string {
	elapsed := m.styles.Label.Render(snap.Elapsed.Round(time.Second).String())
	if snap.Total == 0 {
		return fmt.Sprintf("%d files  %s", snap.Current, elapsed)
	}
	return fmt.Sprintf("%s  %d/%d  %.0f/s  %s",
		m.bar.ViewAs(snap.Progress), snap.Current, snap.Total, snap.Rate, elapsed)
}

func (m *crawlModel) viewComplete() string {
	line := fmt.Sprintf("✓ Crawl complete: %d walked, %d unchanged, %d indexed in %s",
		m.stats.Walked, m.stats.Unchanged, m.stats.Indexed, m.stats.Duration.Round(time.Millisecond))
	if m.stats.Errored {
		return m.styles.Error.Render(line+" (with errors)") + "\n"
	}
	return m.styles.Done.Render(line) + "\n"
}

var _ Renderer = (*TUIRenderer)(nil)

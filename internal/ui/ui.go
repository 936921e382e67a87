// Package ui renders crawl progress for the crawl command: a bubbletea
// view on interactive terminals, one line per update everywhere else.
package ui

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/imgscout/imgscout/internal/output"
)

// Stage is a step of a crawl as seen from the command line.
type Stage int

// Stages in the order a crawl command passes through them. Embedding and
// finalizing start while the walk is still running; the stage shown is the
// one holding the command up.
const (
	StageWalking Stage = iota
	StageSweeping
	StageEmbedding
	StageFinalizing
	StageComplete
)

// String returns the human-readable stage name.
func (s Stage) String() string {
	switch s {
	case StageWalking:
		return "Walking"
	case StageSweeping:
		return "Sweeping"
	case StageEmbedding:
		return "Embedding"
	case StageFinalizing:
		return "Finalizing"
	case StageComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// Icon returns the short tag used by the plain renderer.
func (s Stage) Icon() string {
	switch s {
	case StageWalking:
		return "WALK"
	case StageSweeping:
		return "SWEEP"
	case StageEmbedding:
		return "EMBED"
	case StageFinalizing:
		return "FINAL"
	case StageComplete:
		return "DONE"
	default:
		return "???"
	}
}

// ProgressEvent is one progress update. Total is 0 when unknown.
type ProgressEvent struct {
	Stage   Stage
	Current int
	Total   int
	Message string
}

// CompletionStats summarizes a finished crawl.
type CompletionStats struct {
	Walked    int
	Unchanged int
	Indexed   int
	Duration  time.Duration
	Errored   bool
}

// Renderer displays crawl progress.
type Renderer interface {
	Start(ctx context.Context) error
	UpdateProgress(event ProgressEvent)
	Complete(stats CompletionStats)
	Stop() error
}

// Config configures a renderer.
type Config struct {
	Output     io.Writer
	ForcePlain bool
	NoColor    bool
	// Title heads the TUI view.
	Title string
	// PlainInterval is the minimum gap between plain lines within one
	// stage. Stage changes are always printed.
	PlainInterval time.Duration
	// OnInterrupt runs when the user presses ctrl+c in the TUI, which
	// holds the terminal in raw mode and so receives it instead of the
	// signal handler.
	OnInterrupt func()
}

// ConfigOption modifies a Config.
type ConfigOption func(*Config)

// WithForcePlain forces plain output.
func WithForcePlain(force bool) ConfigOption {
	return func(c *Config) { c.ForcePlain = force }
}

// WithNoColor disables color.
func WithNoColor(noColor bool) ConfigOption {
	return func(c *Config) { c.NoColor = noColor }
}

// WithTitle sets the TUI title.
func WithTitle(title string) ConfigOption {
	return func(c *Config) { c.Title = title }
}

// WithPlainInterval sets the plain line throttle.
func WithPlainInterval(d time.Duration) ConfigOption {
	return func(c *Config) { c.PlainInterval = d }
}

// WithInterrupt sets the ctrl+c handler.
func WithInterrupt(fn func()) ConfigOption {
	return func(c *Config) { c.OnInterrupt = fn }
}

// NewConfig creates a Config for out.
func NewConfig(out io.Writer, opts ...ConfigOption) Config {
	cfg := Config{
		Output:        out,
		Title:         "imgscout crawl",
		PlainInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// NewRenderer returns the TUI renderer for interactive terminals and the
// plain renderer for pipes, CI and --no-tui.
func NewRenderer(cfg Config) Renderer {
	if cfg.ForcePlain || !IsTTY(cfg.Output) || DetectCI() {
		return NewPlainRenderer(cfg)
	}
	tui, err := NewTUIRenderer(cfg)
	if err != nil {
		return NewPlainRenderer(cfg)
	}
	return tui
}

// IsTTY reports whether w is a terminal.
func IsTTY(w io.Writer) bool {
	return w != nil && output.IsTerminal(w)
}

// DetectNoColor reports whether NO_COLOR is set.
func DetectNoColor() bool {
	_, ok := os.LookupEnv("NO_COLOR")
	return ok
}

// DetectCI reports whether we run under a CI system.
func DetectCI() bool {
	for _, v := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "BUILDKITE"} {
		if _, ok := os.LookupEnv(v); ok {
			return true
		}
	}
	return false
}

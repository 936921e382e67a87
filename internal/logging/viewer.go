package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// followPoll is how often Follow checks the log file for new lines.
const followPoll = 200 * time.Millisecond

// Entry is one parsed JSON log line.
type Entry struct {
	Time      time.Time
	Level     string
	Msg       string
	Component string
	Attrs     map[string]any
	Raw       string
	Valid     bool
}

// ViewerConfig filters and formats entries.
type ViewerConfig struct {
	// Level is the minimum level shown. Empty shows everything.
	Level string
	// Component keeps only entries from one component (crawl, worker, ...).
	Component string
	// Pattern keeps only raw lines matching it.
	Pattern *regexp.Regexp
	// Color enables level and component colors.
	Color bool
}

// Viewer tails and follows the JSON log file written by Setup.
type Viewer struct {
	cfg      ViewerConfig
	minLevel *slog.Level
	styles   map[string]lipgloss.Style
	comp     lipgloss.Style
}

// NewViewer creates a viewer.
func NewViewer(cfg ViewerConfig) *Viewer {
	v := &Viewer{
		cfg:  cfg,
		comp: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		styles: map[string]lipgloss.Style{
			"DEBUG": lipgloss.NewStyle().Foreground(lipgloss.Color("238")),
			"INFO":  lipgloss.NewStyle().Foreground(lipgloss.Color("154")),
			"WARN":  lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
			"ERROR": lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		},
	}
	if cfg.Level != "" {
		lvl := ParseLevel(cfg.Level)
		v.minLevel = &lvl
	}
	return v
}

// Tail returns the matching entries among the last n lines of path.
func (v *Viewer) Tail(path string, n int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if n <= 0 {
		return nil, nil
	}
	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			ring = slices.Delete(ring, 0, 1)
		}
		ring = append(ring, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	var entries []Entry
	for _, line := range ring {
		if e := ParseEntry(line); v.Match(e) {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Follow sends matching entries appended to path after the call until ctx
// is done. A truncated file, e.g. after rotation, is read from the start.
func (v *Viewer) Follow(ctx context.Context, path string, out chan<- Entry) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("failed to seek log file: %w", err)
	}
	r := bufio.NewReader(f)
	var partial string

	ticker := time.NewTicker(followPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if info, err := os.Stat(path); err == nil && info.Size() < offset {
			if offset, err = f.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("failed to seek log file: %w", err)
			}
			r.Reset(f)
			partial = ""
		}

		for {
			chunk, err := r.ReadString('\n')
			offset += int64(len(chunk))
			if err != nil {
				partial += chunk
				break
			}
			line := strings.TrimSuffix(partial+chunk, "\n")
			partial = ""
			if line == "" {
				continue
			}
			e := ParseEntry(line)
			if !v.Match(e) {
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Match reports whether e passes the configured filters.
func (v *Viewer) Match(e Entry) bool {
	if v.minLevel != nil && e.Valid && ParseLevel(e.Level) < *v.minLevel {
		return false
	}
	if v.cfg.Component != "" && e.Component != v.cfg.Component {
		return false
	}
	if v.cfg.Pattern != nil && !v.cfg.Pattern.MatchString(e.Raw) {
		return false
	}
	return true
}

// Format renders e on one line: time, level, component, message, then the
// remaining attributes sorted by key.
func (v *Viewer) Format(e Entry) string {
	if !e.Valid {
		return e.Raw
	}

	level := fmt.Sprintf("%-5s", e.Level)
	if st, ok := v.styles[e.Level]; ok && v.cfg.Color {
		level = st.Render(level)
	}

	var sb strings.Builder
	sb.WriteString(e.Time.Local().Format("15:04:05.000"))
	sb.WriteByte(' ')
	sb.WriteString(level)
	sb.WriteByte(' ')
	if e.Component != "" {
		label := "[" + e.Component + "]"
		if v.cfg.Color {
			label = v.comp.Render(label)
		}
		sb.WriteString(label)
		sb.WriteByte(' ')
	}
	sb.WriteString(e.Msg)

	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, e.Attrs[k])
	}
	return sb.String()
}

// Print writes entries to w, one per line.
func (v *Viewer) Print(w io.Writer, entries []Entry) {
	for _, e := range entries {
		_, _ = fmt.Fprintln(w, v.Format(e))
	}
}

// ParseEntry parses one JSON log line. Lines that are not JSON objects
// come back with Valid false and only Raw set.
func ParseEntry(line string) Entry {
	e := Entry{Raw: line}

	var data map[string]any
	if err := json.Unmarshal([]byte(line), &data); err != nil {
		return e
	}
	e.Valid = true

	if t, ok := data["time"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			e.Time = parsed
		}
	}
	e.Level, _ = data["level"].(string)
	e.Msg, _ = data["msg"].(string)
	e.Component, _ = data["component"].(string)

	delete(data, "time")
	delete(data, "level")
	delete(data, "msg")
	delete(data, "component")
	e.Attrs = data
	return e
}

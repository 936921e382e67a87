// Package output formats CLI output: status lines, key/value summaries and
// errors, colored when writing to a terminal.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	scouterrors "github.com/imgscout/imgscout/internal/errors"
)

// Palette, shared with the logs viewer colors.
const (
	ColorGreen  = "154"
	ColorGray   = "245"
	ColorRed    = "196"
	ColorYellow = "220"
)

// Writer provides formatted output for the CLI.
type Writer struct {
	out      io.Writer
	useColor bool

	success lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
	label   lipgloss.Style
}

// New creates a Writer. Color is enabled only when out is a terminal.
func New(out io.Writer) *Writer {
	return NewWithColor(out, IsTerminal(out))
}

// NewWithColor creates a Writer with color forced on or off.
func NewWithColor(out io.Writer, useColor bool) *Writer {
	r := lipgloss.NewRenderer(out)
	return &Writer{
		out:      out,
		useColor: useColor,
		success:  r.NewStyle().Foreground(lipgloss.Color(ColorGreen)),
		warning:  r.NewStyle().Foreground(lipgloss.Color(ColorYellow)),
		err:      r.NewStyle().Foreground(lipgloss.Color(ColorRed)),
		label:    r.NewStyle().Foreground(lipgloss.Color(ColorGray)),
	}
}

// IsTerminal reports whether w is a terminal file.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (w *Writer) paint(s lipgloss.Style, text string) string {
	if !w.useColor {
		return text
	}
	return s.Render(text)
}

// Status prints a message with an optional icon.
// Write errors are ignored for console output.
func (w *Writer) Status(icon, msg string) {
	if icon != "" {
		_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
	} else {
		_, _ = fmt.Fprintf(w.out, "   %s\n", msg)
	}
}

// Statusf prints a formatted status message.
func (w *Writer) Statusf(icon, format string, args ...any) {
	w.Status(icon, fmt.Sprintf(format, args...))
}

// Success prints a success message.
func (w *Writer) Success(msg string) {
	w.Status(w.paint(w.success, "✓"), msg)
}

// Successf prints a formatted success message.
func (w *Writer) Successf(format string, args ...any) {
	w.Success(fmt.Sprintf(format, args...))
}

// Warning prints a warning message.
func (w *Writer) Warning(msg string) {
	w.Status(w.paint(w.warning, "!"), msg)
}

// Warningf prints a formatted warning message.
func (w *Writer) Warningf(format string, args ...any) {
	w.Warning(fmt.Sprintf(format, args...))
}

// Error prints a message in red.
func (w *Writer) Error(msg string) {
	w.Status(w.paint(w.err, "✗"), w.paint(w.err, msg))
}

// Errorf prints a formatted error message.
func (w *Writer) Errorf(format string, args ...any) {
	w.Error(fmt.Sprintf(format, args...))
}

// Err prints err with its hint and code, in red on a terminal.
func (w *Writer) Err(err error) {
	if err == nil {
		return
	}
	text := strings.TrimRight(scouterrors.FormatForCLI(err), "\n")
	_, _ = fmt.Fprintln(w.out, w.paint(w.err, text))
}

// Field prints an aligned "label: value" line.
func (w *Writer) Field(label string, value any) {
	_, _ = fmt.Fprintf(w.out, "  %s %v\n", w.paint(w.label, fmt.Sprintf("%-12s", label+":")), value)
}

// Newline prints an empty line.
func (w *Writer) Newline() {
	_, _ = fmt.Fprintln(w.out)
}

package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/imgscout/imgscout/internal/output"
)

// ColorDim is used for borders and pending stages.
const ColorDim = "238"

// Styles holds the TUI styles.
type Styles struct {
	Header  lipgloss.Style
	Done    lipgloss.Style
	Active  lipgloss.Style
	Pending lipgloss.Style
	Label   lipgloss.Style
	Error   lipgloss.Style
	Panel   lipgloss.Style
}

// DefaultStyles uses the CLI palette.
func DefaultStyles() Styles {
	return Styles{
		Header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(output.ColorGreen)),
		Done:    lipgloss.NewStyle().Foreground(lipgloss.Color(output.ColorGreen)),
		Active:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(output.ColorGreen)),
		Pending: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorDim)),
		Label:   lipgloss.NewStyle().Foreground(lipgloss.Color(output.ColorGray)),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color(output.ColorRed)),
		Panel: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(ColorDim)).
			Padding(0, 1),
	}
}

// NoColorStyles keeps the layout and drops the colors.
func NoColorStyles() Styles {
	return Styles{
		Header:  lipgloss.NewStyle().Bold(true),
		Done:    lipgloss.NewStyle(),
		Active:  lipgloss.NewStyle(),
		Pending: lipgloss.NewStyle(),
		Label:   lipgloss.NewStyle(),
		Error:   lipgloss.NewStyle(),
		Panel:   lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1),
	}
}

// Package watch implements the live task table behind `cbrainctl task watch`.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme keeps every color of the watch view in one place.
type Theme struct {
	InFlight    lipgloss.Style
	Recoverable lipgloss.Style
	Succeeded   lipgloss.Style
	Unknown     lipgloss.Style

	Border lipgloss.Style
	Title  lipgloss.Style
	Dim    lipgloss.Style
	Error  lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		InFlight:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		Recoverable: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		Succeeded:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		Unknown:     lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:   lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Error: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
	}
}

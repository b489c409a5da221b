package console

import "github.com/charmbracelet/lipgloss"

// Styles holds the lipgloss styles used by the console.
type Styles struct {
	Banner    lipgloss.Style
	Prompt    lipgloss.Style
	Speaker   lipgloss.Style
	Separator lipgloss.Style
	Error     lipgloss.Style
	StatLabel lipgloss.Style
	Dim       lipgloss.Style
}

// DefaultStyles returns styles with colors enabled.
func DefaultStyles() Styles {
	return Styles{
		Banner:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")), // cyan
		Prompt:    lipgloss.NewStyle().Bold(true),
		Speaker:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2")), // green
		Separator: lipgloss.NewStyle().Faint(true),
		Error:     lipgloss.NewStyle().Foreground(lipgloss.Color("1")), // red
		StatLabel: lipgloss.NewStyle().Foreground(lipgloss.Color("3")), // yellow
		Dim:       lipgloss.NewStyle().Faint(true),
	}
}

// NoColorStyles returns styles with no colors (plain text).
func NoColorStyles() Styles {
	return Styles{
		Banner:    lipgloss.NewStyle(),
		Prompt:    lipgloss.NewStyle(),
		Speaker:   lipgloss.NewStyle(),
		Separator: lipgloss.NewStyle(),
		Error:     lipgloss.NewStyle(),
		StatLabel: lipgloss.NewStyle(),
		Dim:       lipgloss.NewStyle(),
	}
}

package tui

import "github.com/charmbracelet/lipgloss"

// Palette shared by the panes.
const (
	colorAccent  = lipgloss.Color("62")
	colorMuted   = lipgloss.Color("240")
	colorHint    = lipgloss.Color("241")
	colorOK      = lipgloss.Color("green")
	colorWarn    = lipgloss.Color("yellow")
	colorBad     = lipgloss.Color("red")
	colorSkipped = lipgloss.Color("magenta")
)

var (
	paneBorder = lipgloss.NewStyle().Border(lipgloss.RoundedBorder())

	StyleFocusedBorder   = paneBorder.BorderForeground(colorAccent)
	StyleUnfocusedBorder = paneBorder.BorderForeground(colorMuted)

	StyleStatusRunning  = lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
	StyleStatusComplete = lipgloss.NewStyle().Foreground(colorOK).Bold(true)
	StyleStatusFailed   = lipgloss.NewStyle().Foreground(colorBad).Bold(true)
	StyleStatusSkipped  = lipgloss.NewStyle().Foreground(colorSkipped)
	StyleStatusPending  = lipgloss.NewStyle().Foreground(colorMuted)

	StyleTitle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	StyleHelp     = lipgloss.NewStyle().Foreground(colorHint)
	StyleSelected = lipgloss.NewStyle().Background(colorAccent).Foreground(lipgloss.Color("0"))
)

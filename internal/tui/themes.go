package tui

import "github.com/charmbracelet/lipgloss"

// Theme defines a color scheme for the dashboard
type Theme struct {
	Name    string
	Border  lipgloss.Color
	Text    lipgloss.Color
	Active  lipgloss.Color
	Accent  lipgloss.Color
	Profit  lipgloss.Color
	Loss    lipgloss.Color
	Warning lipgloss.Color
}

// Predefined themes
var Themes = []Theme{
	{
		Name:    "Tokyo Night",
		Border:  lipgloss.Color("#7aa2f7"),
		Text:    lipgloss.Color("#c0caf5"),
		Active:  lipgloss.Color("#7aa2f7"),
		Accent:  lipgloss.Color("#bb9af7"),
		Profit:  lipgloss.Color("#9ece6a"),
		Loss:    lipgloss.Color("#f7768e"),
		Warning: lipgloss.Color("#ff9e64"),
	},
	{
		Name:    "Light",
		Border:  lipgloss.Color("#0969da"),
		Text:    lipgloss.Color("#24292f"),
		Active:  lipgloss.Color("#0550ae"),
		Accent:  lipgloss.Color("#8250df"),
		Profit:  lipgloss.Color("#1a7f37"),
		Loss:    lipgloss.Color("#cf222e"),
		Warning: lipgloss.Color("#9a6700"),
	},
}

// styles derived from the active theme
type styles struct {
	header lipgloss.Style
	key    lipgloss.Style
	panel  lipgloss.Style
	label  lipgloss.Style
	ok     lipgloss.Style
	bad    lipgloss.Style
	warn   lipgloss.Style
	footer lipgloss.Style
}

func newStyles(t Theme) styles {
	return styles{
		header: lipgloss.NewStyle().Bold(true).Foreground(t.Active),
		key:    lipgloss.NewStyle().Foreground(t.Accent).Bold(true),
		panel: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(t.Border).
			Padding(0, 1),
		label:  lipgloss.NewStyle().Foreground(t.Text),
		ok:     lipgloss.NewStyle().Foreground(t.Profit),
		bad:    lipgloss.NewStyle().Foreground(t.Loss),
		warn:   lipgloss.NewStyle().Foreground(t.Warning),
		footer: lipgloss.NewStyle().Foreground(t.Text).Faint(true),
	}
}

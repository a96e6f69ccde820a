package ui

import "github.com/charmbracelet/lipgloss"

// Palette is the colour scheme of the terminal reports.
type Palette struct {
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Success   lipgloss.Color
	Warning   lipgloss.Color
	Error     lipgloss.Color
	Muted     lipgloss.Color
}

// DarkPalette is the default palette.
var DarkPalette = Palette{
	Primary:   lipgloss.Color("#7C3AED"), // Purple
	Secondary: lipgloss.Color("#06B6D4"), // Cyan
	Success:   lipgloss.Color("#10B981"), // Emerald
	Warning:   lipgloss.Color("#F59E0B"), // Amber
	Error:     lipgloss.Color("#EF4444"), // Red
	Muted:     lipgloss.Color("#94A3B8"), // Slate
}

var (
	palette = DarkPalette

	textPrimary = lipgloss.Color("#F8FAFC")
	bgDark      = lipgloss.Color("#0F172A")
)

var (
	titleStyle = lipgloss.NewStyle().
			Background(palette.Primary).
			Foreground(textPrimary).
			Bold(true).
			Padding(0, 2).
			MarginBottom(1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(palette.Secondary).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(palette.Muted)

	valueStyle = lipgloss.NewStyle().
			Foreground(textPrimary)

	successStyle = lipgloss.NewStyle().
			Background(palette.Success).
			Foreground(bgDark).
			Bold(true).
			Padding(0, 1)

	warningStyle = lipgloss.NewStyle().
			Background(palette.Warning).
			Foreground(bgDark).
			Bold(true).
			Padding(0, 1)

	errorStyle = lipgloss.NewStyle().
			Background(palette.Error).
			Foreground(textPrimary).
			Bold(true).
			Padding(0, 1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(palette.Primary).
			Padding(0, 1)
)

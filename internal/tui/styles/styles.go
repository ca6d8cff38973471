// Package styles holds the shared lipgloss palette for the TUI
package styles

import "github.com/charmbracelet/lipgloss"

// Palette. Primary is the refinery orange used for titles, active tabs,
// and table headers.
var (
	Primary    = lipgloss.Color("#E8590C")
	Secondary  = lipgloss.Color("#0CA678")
	Warning    = lipgloss.Color("#F59F00")
	Error      = lipgloss.Color("#FA5252")
	MutedColor = lipgloss.Color("#868E96")
	White      = lipgloss.Color("#FFFFFF")
)

func fg(c lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(c)
}

func boldFg(c lipgloss.Color) lipgloss.Style {
	return fg(c).Bold(true)
}

// Text styles.
var (
	Title    = boldFg(Primary).MarginBottom(1)
	Subtitle = fg(MutedColor).Italic(true)
	Muted    = fg(MutedColor)
	Help     = fg(MutedColor).MarginTop(1)
)

// Status indicators.
var (
	StatusOK      = boldFg(Secondary)
	StatusWarning = boldFg(Warning)
	StatusError   = boldFg(Error)
)

// Header tabs. TabBar underlines the whole tab row.
var (
	TabActive   = boldFg(White).Background(Primary).Padding(0, 2)
	TabInactive = fg(MutedColor).Padding(0, 2)

	TabBar = lipgloss.NewStyle().
		BorderBottom(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(MutedColor)
)

// Tables.
var (
	TableHeader = boldFg(Primary).
			BorderBottom(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(MutedColor)

	TableRow         = fg(White)
	TableRowSelected = fg(White).Background(Primary)
)

// Metric readouts. MetricCard boxes one headline counter.
var (
	MetricValue = boldFg(Secondary)
	MetricLabel = fg(MutedColor)

	MetricCard = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(MutedColor).
		Padding(0, 2).
		Width(18).
		Align(lipgloss.Center)
)

package tui

import "github.com/charmbracelet/lipgloss"

const (
	colorAccent = lipgloss.Color("63")
	colorDim    = lipgloss.Color("244")
	colorGood   = lipgloss.Color("42")
	colorWarn   = lipgloss.Color("214")
	colorBad    = lipgloss.Color("196")
)

var (
	// StyleOK marks healthy values: running agents, succeeded tasks,
	// resolved alerts, gauges under the warning band.
	StyleOK = lipgloss.NewStyle().Foreground(colorGood).Bold(true)
	// StyleBusy marks work in flight and gauges in the warning band.
	StyleBusy = lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
	// StyleBad marks failures, errors and breached thresholds.
	StyleBad = lipgloss.NewStyle().Foreground(colorBad).Bold(true)
	// StyleMuted is for idle, pending and secondary text.
	StyleMuted = lipgloss.NewStyle().Foreground(colorDim)

	StyleHeading  = lipgloss.NewStyle().Bold(true).Underline(true).MarginRight(1)
	StyleHelp     = lipgloss.NewStyle().Foreground(colorDim).Italic(true)
	StyleSelected = lipgloss.NewStyle().Reverse(true)
)

// paneFrame is the border around a pane, highlighted when it has focus.
func paneFrame(focused bool) lipgloss.Style {
	border := colorDim
	if focused {
		border = colorAccent
	}
	return lipgloss.NewStyle().
		Border(lipgloss.NormalBorder()).
		BorderForeground(border)
}

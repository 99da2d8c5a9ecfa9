package tui

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/debai/internal/events"
)

const maxAlerts = 50

// MonitorPaneModel shows the latest inventory sample and recent alerts.
type MonitorPaneModel struct {
	sample  *events.MonitorSampleEvent
	alerts  []events.AlertEvent
	width   int
	height  int
	focused bool
}

// NewMonitorPaneModel creates an empty monitor pane.
func NewMonitorPaneModel() MonitorPaneModel {
	return MonitorPaneModel{}
}

// Update handles messages for the monitor pane.
func (m MonitorPaneModel) Update(msg tea.Msg) (MonitorPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.MonitorSampleEvent:
		m.sample = &msg
	case events.AlertEvent:
		m.alerts = append(m.alerts, msg)
		if over := len(m.alerts) - maxAlerts; over > 0 {
			m.alerts = m.alerts[over:]
		}
	}
	return m, nil
}

// View renders the monitor pane.
func (m MonitorPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleHeading.Render("System")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	barWidth := max(0, min(m.width-24, 30))
	if m.sample == nil {
		b.WriteString(StyleMuted.Render("Waiting for samples..."))
		b.WriteString("\n")
	} else {
		fmt.Fprintf(&b, "CPU    %s\n", gauge(m.sample.CPUPercent, barWidth))
		fmt.Fprintf(&b, "Memory %s\n", gauge(m.sample.MemPercent, barWidth))
		for _, mount := range slices.Sorted(maps.Keys(m.sample.DiskPercent)) {
			fmt.Fprintf(&b, "Disk %s %s\n", mount, gauge(m.sample.DiskPercent[mount], barWidth))
		}
		fmt.Fprintf(&b, "Load   %.2f\n", m.sample.Load1)
	}

	b.WriteString("\n")
	b.WriteString(StyleHeading.Render("Alerts"))
	b.WriteString("\n")
	rows := max(0, m.height-lipgloss.Height(b.String())-2)
	shown := m.alerts[max(0, len(m.alerts)-rows):]
	if len(shown) == 0 {
		b.WriteString(StyleMuted.Render("None"))
	}
	for i := len(shown) - 1; i >= 0; i-- {
		a := shown[i]
		style, verb := StyleBad, "above"
		if a.Resolved {
			style, verb = StyleOK, "back under"
		}
		target := a.Threshold
		if a.Target != "" {
			target += " " + a.Target
		}
		b.WriteString(style.Render(fmt.Sprintf("%s %s %.1f %s %.1f",
			a.Timestamp.Format(time.TimeOnly), target, a.Value, verb, a.Limit)))
		b.WriteString("\n")
	}

	return paneFrame(m.focused).Width(m.width - 2).Height(m.height - 2).Render(b.String())
}

func gauge(percent float64, width int) string {
	filled := int(percent / 100 * float64(width))
	filled = max(0, min(filled, width))
	style := StyleOK
	switch {
	case percent >= 90:
		style = StyleBad
	case percent >= 70:
		style = StyleBusy
	}
	return fmt.Sprintf("[%s%s] %5.1f%%",
		style.Render(strings.Repeat("|", filled)),
		strings.Repeat(" ", width-filled),
		percent)
}

// SetSize updates the pane dimensions.
func (m *MonitorPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *MonitorPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

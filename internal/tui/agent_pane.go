package tui

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/aristath/debai/internal/events"
	"github.com/aristath/debai/internal/model"
)

const (
	agentListWidth = 26
	maxAgentOutput = 500
)

// AgentState is what the pane knows about one agent.
type AgentState struct {
	ID       string
	Name     string
	Type     model.AgentType
	Status   model.AgentStatus
	Output   []string
	LastSeen time.Time
}

// AgentPaneModel lists the agents and shows the executions of the selected one.
type AgentPaneModel struct {
	agents      map[string]*AgentState
	order       []string
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int
}

// NewAgentPaneModel creates an empty agent pane.
func NewAgentPaneModel() AgentPaneModel {
	return AgentPaneModel{
		agents:   make(map[string]*AgentState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg debounces viewport refreshes.
type tickMsg struct {
	tag int
}

// Update handles messages for the agent pane.
func (m AgentPaneModel) Update(msg tea.Msg) (AgentPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.refresh()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.refresh()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case snapshotMsg:
		for _, a := range msg.agents {
			st := m.upsert(a.ID, a.Name)
			st.Type = a.Type
			st.Status = a.Status
			st.LastSeen = a.UpdatedAt
		}
		m.refresh()

	case events.AgentStatusEvent:
		if msg.To == model.AgentStatusDeleted {
			m.remove(msg.AgentID)
			break
		}
		st := m.upsert(msg.AgentID, msg.Name)
		st.Status = msg.To
		st.LastSeen = msg.Timestamp
		line := fmt.Sprintf("[%s] %s -> %s", msg.Timestamp.Format(time.TimeOnly), msg.From, msg.To)
		if msg.Reason != "" {
			line += ": " + msg.Reason
		}
		st.appendOutput(line)
		return m, m.debounce(msg.AgentID)

	case events.ExecutionRecordedEvent:
		exec := msg.Execution
		st, ok := m.agents[exec.AgentID]
		if !ok {
			break
		}
		st.LastSeen = exec.EndedAt
		st.appendOutput(fmt.Sprintf("[%s] %s in %s", exec.EndedAt.Format(time.TimeOnly), exec.Outcome, exec.Duration().Round(time.Millisecond)))
		if exec.Output != "" {
			st.appendOutput(strings.TrimRight(exec.Output, "\n"))
		}
		if exec.Error != "" {
			st.appendOutput("error: " + exec.Error)
		}
		return m, m.debounce(exec.AgentID)

	case tickMsg:
		if msg.tag == m.updateTag {
			m.refresh()
		}
	}

	return m, cmd
}

func (m *AgentPaneModel) debounce(agentID string) tea.Cmd {
	if m.Selected() != agentID {
		return nil
	}
	m.updateTag++
	tag := m.updateTag
	return tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
		return tickMsg{tag: tag}
	})
}

func (m *AgentPaneModel) upsert(id, name string) *AgentState {
	st, ok := m.agents[id]
	if !ok {
		st = &AgentState{ID: id}
		m.agents[id] = st
		m.order = append(m.order, id)
	}
	if name != "" {
		st.Name = name
	}
	return st
}

func (m *AgentPaneModel) remove(id string) {
	delete(m.agents, id)
	m.order = slices.DeleteFunc(m.order, func(o string) bool { return o == id })
	if m.selectedIdx >= len(m.order) {
		m.selectedIdx = max(0, len(m.order)-1)
	}
	m.refresh()
}

func (s *AgentState) appendOutput(text string) {
	s.Output = append(s.Output, strings.Split(text, "\n")...)
	if over := len(s.Output) - maxAgentOutput; over > 0 {
		s.Output = s.Output[over:]
	}
}

// View renders the agent pane.
func (m AgentPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(agentListWidth),
		lipgloss.NewStyle().
			Width(m.width-agentListWidth-4).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	return paneFrame(m.focused).Width(m.width - 2).Height(m.height - 2).Render(content)
}

func (m AgentPaneModel) renderList(width int) string {
	var b strings.Builder

	title := StyleHeading.Render("Agents")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleMuted.Render("No agents"))
	}
	for i, id := range m.order {
		a := m.agents[id]
		name := a.Name
		if len(name) > width-4 {
			name = name[:width-7] + "..."
		}
		line := fmt.Sprintf("%s %s", AgentStatusIcon(a.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
		if !a.LastSeen.IsZero() {
			b.WriteString(StyleHelp.Render("  " + humanize.Time(a.LastSeen)))
			b.WriteString("\n")
		}
	}

	return lipgloss.NewStyle().Width(width).Height(m.height - 2).Render(b.String())
}

// AgentStatusIcon returns a styled status indicator.
func AgentStatusIcon(status model.AgentStatus) string {
	switch status {
	case model.AgentStatusRunning:
		return StyleOK.Render("●")
	case model.AgentStatusStarting, model.AgentStatusStopping:
		return StyleBusy.Render("◐")
	case model.AgentStatusError:
		return StyleBad.Render("✗")
	default:
		return StyleMuted.Render("○")
	}
}

// Selected returns the id of the selected agent.
func (m AgentPaneModel) Selected() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

func (m *AgentPaneModel) refresh() {
	a, ok := m.agents[m.Selected()]
	if !ok {
		m.viewport.SetContent("No agent selected.")
		return
	}
	header := fmt.Sprintf("%s (%s) %s\n\n", a.Name, a.Type, a.Status)
	m.viewport.SetContent(header + strings.Join(a.Output, "\n"))
	m.viewport.GotoBottom()
}

// SetSize updates the pane dimensions.
func (m *AgentPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(10, w-agentListWidth-4)
	m.viewport.Height = max(5, h-4)
}

// SetFocused updates the focus state.
func (m *AgentPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

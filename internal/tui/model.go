// Package tui is the terminal dashboard of a running engine.
package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/debai/internal/config"
	"github.com/aristath/debai/internal/events"
	"github.com/aristath/debai/internal/model"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneAgents PaneID = iota
	PaneTasks
	PaneMonitor
	paneCount
)

const actionTimeout = 30 * time.Second

// snapshotMsg carries the engine state loaded at startup.
type snapshotMsg struct {
	agents []model.Agent
	tasks  []model.Task
	err    error
}

// statusMsg is a one-line result shown in the help bar.
type statusMsg struct {
	text string
	err  bool
}

// Model is the root Bubble Tea model of the dashboard.
type Model struct {
	ctrl         Controller
	agentPane    AgentPaneModel
	taskPane     TaskPaneModel
	monitorPane  MonitorPaneModel
	settingsPane SettingsPaneModel
	confirm      ConfirmDialogModel
	focusedPane  PaneID
	sub          *events.Subscription
	status       statusMsg
	width        int
	height       int
	quitting     bool
	showSettings bool
}

// New creates the dashboard. It subscribes to every event of the bus until
// the program quits. cfg is edited by the settings pane and saved to
// globalPath or projectPath.
func New(ctrl Controller, bus *events.EventBus, cfg *config.Config, globalPath, projectPath string) Model {
	m := Model{
		ctrl:         ctrl,
		agentPane:    NewAgentPaneModel(),
		taskPane:     NewTaskPaneModel(),
		monitorPane:  NewMonitorPaneModel(),
		settingsPane: NewSettingsPaneModel(cfg, globalPath, projectPath),
		confirm:      NewConfirmDialogModel(),
		focusedPane:  PaneAgents,
		sub:          bus.SubscribeAll(256),
	}
	m.updateFocusStates()
	return m
}

// Close releases the event subscription.
func (m Model) Close() {
	m.sub.Close()
}

// Init loads the current state and starts listening for events.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadSnapshot(), waitForEvent(m.sub))
}

func (m Model) loadSnapshot() tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		tasks, err := ctrl.Tasks(ctx)
		return snapshotMsg{agents: ctrl.Agents(), tasks: tasks, err: err}
	}
}

// waitForEvent returns a command that waits for the next bus event.
func waitForEvent(sub *events.Subscription) tea.Cmd {
	return func() tea.Msg {
		env, ok := <-sub.C()
		if !ok {
			return nil
		}
		return env.Event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)
		m.confirm.SetWidth(msg.Width)

	case snapshotMsg:
		if msg.err != nil {
			m.status = statusMsg{text: "could not load tasks: " + msg.err.Error(), err: true}
		}
		m.agentPane, _ = m.agentPane.Update(msg)
		m.taskPane, _ = m.taskPane.Update(msg)

	case statusMsg:
		m.status = msg

	case resolvedMsg:
		cmds = append(cmds, m.resolve(msg))

	case tickMsg:
		var cmd tea.Cmd
		m.agentPane, cmd = m.agentPane.Update(msg)
		cmds = append(cmds, cmd)

	case events.AgentStatusEvent, events.ExecutionRecordedEvent:
		var cmd tea.Cmd
		m.agentPane, cmd = m.agentPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.sub))

	case events.TaskStatusEvent, events.TransitionRecordedEvent:
		m.taskPane, _ = m.taskPane.Update(msg)
		cmds = append(cmds, waitForEvent(m.sub))

	case events.MonitorSampleEvent, events.AlertEvent:
		m.monitorPane, _ = m.monitorPane.Update(msg)
		cmds = append(cmds, waitForEvent(m.sub))

	case events.ConfirmationPendingEvent:
		var cmd tea.Cmd
		m.confirm, cmd = m.confirm.Enqueue(msg)
		cmds = append(cmds, cmd, waitForEvent(m.sub))

	case events.Event:
		cmds = append(cmds, waitForEvent(m.sub))

	default:
		// Form internals such as cursor blinks.
		if m.confirm.Active() {
			var cmd tea.Cmd
			m.confirm, cmd = m.confirm.Update(msg)
			cmds = append(cmds, cmd)
		} else if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == KeyCtrlC {
		m.quitting = true
		return m, tea.Quit
	}

	// Pending confirmations take over the keyboard.
	if m.confirm.Active() {
		var cmd tea.Cmd
		m.confirm, cmd = m.confirm.Update(msg)
		return m, cmd
	}

	if m.showSettings {
		var cmd tea.Cmd
		m.settingsPane, cmd = m.settingsPane.Update(msg)
		if !m.settingsPane.IsVisible() {
			m.showSettings = false
			if m.settingsPane.Saved() {
				m.status = statusMsg{text: "settings saved, restart to apply"}
			}
		}
		return m, cmd
	}

	var cmd tea.Cmd
	switch msg.String() {
	case KeyQuit:
		m.quitting = true
		return m, tea.Quit

	case KeySettings:
		m.showSettings = true
		m.settingsPane.SetVisible(true)
		m.settingsPane.SetSize(m.width, m.height)
		cmd = m.settingsPane.Init()

	case KeyTab:
		m.focusedPane = (m.focusedPane + 1) % paneCount
		m.updateFocusStates()

	case KeyShiftTab:
		m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
		m.updateFocusStates()

	case KeyPane1:
		m.focusedPane = PaneAgents
		m.updateFocusStates()

	case KeyPane2:
		m.focusedPane = PaneTasks
		m.updateFocusStates()

	case KeyPane3:
		m.focusedPane = PaneMonitor
		m.updateFocusStates()

	case KeyEnter:
		cmd = m.activate()

	default:
		switch m.focusedPane {
		case PaneAgents:
			m.agentPane, cmd = m.agentPane.Update(msg)
		case PaneTasks:
			m.taskPane, cmd = m.taskPane.Update(msg)
		}
	}
	return m, cmd
}

// activate starts or stops the selected agent, or runs the selected task.
func (m Model) activate() tea.Cmd {
	ctrl := m.ctrl
	switch m.focusedPane {
	case PaneAgents:
		id := m.agentPane.Selected()
		if id == "" {
			return nil
		}
		return func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
			defer cancel()
			a, err := ctrl.ToggleAgent(ctx, id)
			if err != nil {
				return statusMsg{text: err.Error(), err: true}
			}
			return statusMsg{text: fmt.Sprintf("agent %s is %s", a.Name, a.Status)}
		}
	case PaneTasks:
		id := m.taskPane.Selected()
		if id == "" {
			return nil
		}
		return func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
			defer cancel()
			if _, err := ctrl.RunTask(ctx, id); err != nil {
				return statusMsg{text: err.Error(), err: true}
			}
			return statusMsg{text: "task " + id + " triggered"}
		}
	}
	return nil
}

func (m Model) resolve(msg resolvedMsg) tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		if err := ctrl.Resolve(msg.requestID, msg.approve); err != nil {
			return statusMsg{text: err.Error(), err: true}
		}
		if msg.approve {
			return statusMsg{text: "command approved"}
		}
		return statusMsg{text: "command denied"}
	}
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.showSettings {
		return m.settingsPane.View()
	}
	if m.confirm.Active() {
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, m.confirm.View())
	}

	right := lipgloss.JoinVertical(lipgloss.Left, m.taskPane.View(), m.monitorPane.View())
	main := lipgloss.JoinHorizontal(lipgloss.Top, m.agentPane.View(), right)
	return lipgloss.JoinVertical(lipgloss.Left, main, m.helpBar())
}

func (m Model) helpBar() string {
	if m.status.text == "" {
		return HelpView(m.focusedPane)
	}
	if m.status.err {
		return StyleBad.Render(m.status.text)
	}
	return StyleHelp.Render(m.status.text)
}

// computeLayout splits the screen: agents on the left, tasks over the
// monitor on the right, one line of help at the bottom.
func (m *Model) computeLayout() {
	leftWidth := m.width * 45 / 100
	rightWidth := m.width - leftWidth
	available := m.height - 1
	tasksHeight := available * 55 / 100

	m.agentPane.SetSize(leftWidth, available)
	m.taskPane.SetSize(rightWidth, tasksHeight)
	m.monitorPane.SetSize(rightWidth, available-tasksHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.agentPane.SetFocused(m.focusedPane == PaneAgents)
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.monitorPane.SetFocused(m.focusedPane == PaneMonitor)
}

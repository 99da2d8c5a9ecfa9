package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/debai/internal/events"
)

// resolvedMsg reports the operator answer of a confirmation request.
type resolvedMsg struct {
	requestID string
	approve   bool
}

// ConfirmDialogModel asks the operator about pending destructive commands,
// one request at a time.
type ConfirmDialogModel struct {
	queue []events.ConfirmationPendingEvent
	form  *huh.Form
	width int
}

// NewConfirmDialogModel creates an idle dialog.
func NewConfirmDialogModel() ConfirmDialogModel {
	return ConfirmDialogModel{}
}

// Active reports whether a request is being asked.
func (m ConfirmDialogModel) Active() bool { return m.form != nil }

// Pending returns how many requests are waiting, the current one included.
func (m ConfirmDialogModel) Pending() int { return len(m.queue) }

// Enqueue adds a request and opens the dialog when idle.
func (m ConfirmDialogModel) Enqueue(req events.ConfirmationPendingEvent) (ConfirmDialogModel, tea.Cmd) {
	m.queue = append(m.queue, req)
	if m.form != nil {
		return m, nil
	}
	return m.next()
}

func (m ConfirmDialogModel) next() (ConfirmDialogModel, tea.Cmd) {
	if len(m.queue) == 0 {
		m.form = nil
		return m, nil
	}
	req := m.queue[0]
	who := req.AgentID
	if req.TaskID != "" {
		who = "task " + req.TaskID
	}
	m.form = huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Key("approve").
			Title("Run destructive command?").
			Description(fmt.Sprintf("%s wants to run:\n\n  %s", who, req.Command)).
			Affirmative("Approve").
			Negative("Deny"),
	)).WithShowHelp(false)
	return m, m.form.Init()
}

// Update routes keys to the active form. When the operator answers, the
// answer is emitted as a resolvedMsg and the next request is shown.
func (m ConfirmDialogModel) Update(msg tea.Msg) (ConfirmDialogModel, tea.Cmd) {
	if m.form == nil {
		return m, nil
	}
	if key, ok := msg.(tea.KeyMsg); ok && key.String() == KeyEsc {
		return m.answer(false)
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}
	switch m.form.State {
	case huh.StateCompleted:
		return m.answer(m.form.GetBool("approve"))
	case huh.StateAborted:
		return m.answer(false)
	}
	return m, cmd
}

func (m ConfirmDialogModel) answer(approve bool) (ConfirmDialogModel, tea.Cmd) {
	req := m.queue[0]
	m.queue = m.queue[1:]
	resolved := func() tea.Msg { return resolvedMsg{requestID: req.RequestID, approve: approve} }
	m, next := m.next()
	return m, tea.Batch(resolved, next)
}

// View renders the dialog.
func (m ConfirmDialogModel) View() string {
	if m.form == nil {
		return ""
	}
	title := StyleBad.Render("⚠ Confirmation required")
	if n := len(m.queue); n > 1 {
		title += StyleHelp.Render(fmt.Sprintf("  (%d more waiting)", n-1))
	}
	return lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(lipgloss.Color("red")).
		Padding(1, 2).
		Width(max(40, m.width/2)).
		Render(lipgloss.JoinVertical(lipgloss.Left, title, "", m.form.View()))
}

// SetWidth updates the width of the dialog.
func (m *ConfirmDialogModel) SetWidth(w int) {
	m.width = w
}

package tui

import (
	"fmt"
	"slices"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/debai/internal/events"
	"github.com/aristath/debai/internal/model"
)

type taskRow struct {
	ID      string
	Name    string
	Status  model.TaskStatus
	Attempt int
}

// TaskPaneModel shows the task graph progress and the task list.
type TaskPaneModel struct {
	tasks       map[string]*taskRow
	order       []string
	selectedIdx int
	width       int
	height      int
	focused     bool
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{tasks: make(map[string]*taskRow)}
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
			}
		}

	case snapshotMsg:
		for _, t := range msg.tasks {
			row := m.upsert(t.ID)
			row.Name = t.Name
			row.Status = t.Status
			row.Attempt = t.Attempt
		}

	case events.TransitionRecordedEvent:
		if tr := msg.Transition; tr.Entity == model.EntityTask && tr.To == "deleted" {
			m.remove(tr.EntityID)
		}

	case events.TaskStatusEvent:
		row := m.upsert(msg.TaskID)
		row.Name = msg.Name
		row.Status = msg.To
		row.Attempt = msg.Attempt
	}
	return m, nil
}

func (m *TaskPaneModel) upsert(id string) *taskRow {
	row, ok := m.tasks[id]
	if !ok {
		row = &taskRow{ID: id}
		m.tasks[id] = row
		m.order = append(m.order, id)
	}
	return row
}

func (m *TaskPaneModel) remove(id string) {
	delete(m.tasks, id)
	m.order = slices.DeleteFunc(m.order, func(o string) bool { return o == id })
	if m.selectedIdx >= len(m.order) {
		m.selectedIdx = max(0, len(m.order)-1)
	}
}

// Counts returns the number of tasks per status.
func (m TaskPaneModel) Counts() model.TaskStats {
	st := model.TaskStats{}
	for _, row := range m.tasks {
		st[row.Status]++
	}
	return st
}

// Selected returns the id of the selected task.
func (m TaskPaneModel) Selected() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleHeading.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	counts := m.Counts()
	total := len(m.tasks)
	done := counts[model.TaskStatusSucceeded]
	failed := counts[model.TaskStatusFailed] + counts[model.TaskStatusCancelled]
	running := counts[model.TaskStatusRunning] + counts[model.TaskStatusReady]

	fmt.Fprintf(&b, "Succeeded: %s  Failed: %s  Running: %s  Pending: %s\n",
		StyleOK.Render(fmt.Sprint(done)),
		StyleBad.Render(fmt.Sprint(failed)),
		StyleBusy.Render(fmt.Sprint(running)),
		StyleMuted.Render(fmt.Sprint(counts[model.TaskStatusPending])))

	if total > 0 {
		barWidth := max(0, min(m.width-12, 40))
		doneWidth := done * barWidth / total
		failedWidth := failed * barWidth / total
		runningWidth := running * barWidth / total
		bar := StyleOK.Render(strings.Repeat("=", doneWidth)) +
			StyleBad.Render(strings.Repeat("!", failedWidth)) +
			StyleBusy.Render(strings.Repeat("-", runningWidth)) +
			StyleMuted.Render(strings.Repeat(".", max(0, barWidth-doneWidth-failedWidth-runningWidth)))
		fmt.Fprintf(&b, "[%s] %d/%d\n", bar, done, total)
	}
	b.WriteString("\n")

	rows := max(0, m.height-9)
	start := max(0, min(m.selectedIdx-rows+1, len(m.order)-rows))
	for i := start; i < len(m.order) && i < start+rows; i++ {
		row := m.tasks[m.order[i]]
		line := fmt.Sprintf("%s %-24s %s", TaskStatusIcon(row.Status), truncate(row.ID, 24), row.Status)
		if row.Attempt > 1 {
			line += fmt.Sprintf(" (attempt %d)", row.Attempt)
		}
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return paneFrame(m.focused).Width(m.width - 2).Height(m.height - 2).Render(b.String())
}

// TaskStatusIcon returns a styled status indicator.
func TaskStatusIcon(status model.TaskStatus) string {
	switch status {
	case model.TaskStatusRunning, model.TaskStatusReady:
		return StyleBusy.Render("●")
	case model.TaskStatusSucceeded:
		return StyleOK.Render("✓")
	case model.TaskStatusFailed, model.TaskStatusCancelled:
		return StyleBad.Render("✗")
	default:
		return StyleMuted.Render("○")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

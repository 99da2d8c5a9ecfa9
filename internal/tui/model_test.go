package tui

import (
	"context"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/debai/internal/config"
	"github.com/aristath/debai/internal/events"
	"github.com/aristath/debai/internal/model"
)

type fakeController struct {
	mu       sync.Mutex
	resolved map[string]bool
	ran      []string
}

func (f *fakeController) Agents() []model.Agent {
	return []model.Agent{{ID: "a1", Name: "guard", Status: model.AgentStatusStopped}}
}

func (f *fakeController) Tasks(context.Context) ([]model.Task, error) {
	return []model.Task{{ID: "t1", Name: "cleanup", Status: model.TaskStatusPending}}, nil
}

func (f *fakeController) ToggleAgent(_ context.Context, id string) (model.Agent, error) {
	return model.Agent{ID: id, Name: "guard", Status: model.AgentStatusRunning}, nil
}

func (f *fakeController) RunTask(_ context.Context, id string) (model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, id)
	return model.Task{ID: id}, nil
}

func (f *fakeController) Resolve(id string, approve bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved == nil {
		f.resolved = map[string]bool{}
	}
	f.resolved[id] = approve
	return nil
}

func newTestModel(t *testing.T) (Model, *fakeController) {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	ctrl := &fakeController{}
	dir := t.TempDir()
	m := New(ctrl, bus, config.DefaultConfig(), dir+"/global.yaml", dir+"/project.yaml")
	t.Cleanup(m.Close)

	updated, _ := m.Update(tea.WindowSizeMsg{Width: 160, Height: 48})
	m = updated.(Model)
	updated, _ = m.Update(m.loadSnapshot()())
	return updated.(Model), ctrl
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	updated, cmd := m.Update(msg)
	return updated.(Model), cmd
}

// run executes cmd and returns the first message of a batch.
func run(cmd tea.Cmd) tea.Msg {
	msg := cmd()
	if batch, ok := msg.(tea.BatchMsg); ok {
		for _, c := range batch {
			if c != nil {
				return run(c)
			}
		}
	}
	return msg
}

func TestSnapshotFillsPanes(t *testing.T) {
	m, _ := newTestModel(t)

	assert.Equal(t, "a1", m.agentPane.Selected())
	assert.Equal(t, "t1", m.taskPane.Selected())
	assert.Equal(t, 1, m.taskPane.Counts()[model.TaskStatusPending])
	assert.Contains(t, m.View(), "guard")
}

func TestEventsUpdatePanes(t *testing.T) {
	m, _ := newTestModel(t)
	now := time.Now()

	m, _ = update(t, m, events.TaskStatusEvent{TaskID: "t1", Name: "cleanup", From: model.TaskStatusPending, To: model.TaskStatusSucceeded, Timestamp: now})
	m, _ = update(t, m, events.TaskStatusEvent{TaskID: "t2", Name: "disk", To: model.TaskStatusRunning, Timestamp: now})
	counts := m.taskPane.Counts()
	assert.Equal(t, 1, counts[model.TaskStatusSucceeded])
	assert.Equal(t, 1, counts[model.TaskStatusRunning])

	m, _ = update(t, m, events.TransitionRecordedEvent{Transition: model.Transition{Entity: model.EntityTask, EntityID: "t2", To: "deleted"}})
	assert.Len(t, m.taskPane.tasks, 1)

	m, _ = update(t, m, events.AgentStatusEvent{AgentID: "a1", Name: "guard", From: model.AgentStatusStopped, To: model.AgentStatusRunning, Timestamp: now})
	assert.Equal(t, model.AgentStatusRunning, m.agentPane.agents["a1"].Status)

	m, _ = update(t, m, events.ExecutionRecordedEvent{Execution: model.Execution{AgentID: "a1", Outcome: model.OutcomeSuccess, Output: "all good", StartedAt: now, EndedAt: now}})
	assert.Contains(t, m.agentPane.agents["a1"].Output, "all good")

	m, _ = update(t, m, events.AgentStatusEvent{AgentID: "a1", From: model.AgentStatusStopped, To: model.AgentStatusDeleted, Timestamp: now})
	assert.Empty(t, m.agentPane.order)

	m, _ = update(t, m, events.AlertEvent{Threshold: "cpu", Metric: "cpu", Value: 97, Limit: 90, Timestamp: now})
	m, _ = update(t, m, events.MonitorSampleEvent{CPUPercent: 97, MemPercent: 40, Timestamp: now})
	assert.Len(t, m.monitorPane.alerts, 1)
	require.NotNil(t, m.monitorPane.sample)
	assert.Contains(t, m.View(), "Alerts")
}

func TestEnterRunsSelectedTask(t *testing.T) {
	m, ctrl := newTestModel(t)

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(KeyPane2)})
	require.Equal(t, PaneTasks, m.focusedPane)

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	m, _ = update(t, m, run(cmd))

	assert.Equal(t, []string{"t1"}, ctrl.ran)
	assert.Equal(t, "task t1 triggered", m.status.text)
}

func TestConfirmationDialog(t *testing.T) {
	m, ctrl := newTestModel(t)

	m, _ = update(t, m, events.ConfirmationPendingEvent{RequestID: "r1", AgentID: "a1", Command: "rm -rf /tmp/x"})
	m, _ = update(t, m, events.ConfirmationPendingEvent{RequestID: "r2", AgentID: "a1", Command: "reboot"})
	require.True(t, m.confirm.Active())
	assert.Equal(t, 2, m.confirm.Pending())
	assert.Contains(t, m.View(), "rm -rf /tmp/x")

	// Escape denies the current request and shows the next one.
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	assert.True(t, m.confirm.Active())
	assert.Equal(t, 1, m.confirm.Pending())

	m, cmd := update(t, m, resolvedMsg{requestID: "r1", approve: false})
	m, _ = update(t, m, run(cmd))
	assert.Equal(t, map[string]bool{"r1": false}, ctrl.resolved)
	assert.Equal(t, "command denied", m.status.text)
}

func TestQuit(t *testing.T) {
	m, _ := newTestModel(t)
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(KeyQuit)})
	require.NotNil(t, cmd)
	assert.True(t, m.quitting)
	assert.Equal(t, "Goodbye!\n", m.View())
}

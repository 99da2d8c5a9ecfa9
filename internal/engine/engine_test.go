package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/debai/internal/backend"
	"github.com/aristath/debai/internal/config"
	"github.com/aristath/debai/internal/engine"
	"github.com/aristath/debai/internal/model"
	"github.com/aristath/debai/internal/monitor"
)

type fakeBackend struct{}

func (fakeBackend) Name() string                         { return "fake" }
func (fakeBackend) Ensure(context.Context, string) error { return nil }
func (fakeBackend) Generate(context.Context, string, string, backend.Options) (string, error) {
	return "echo generated", nil
}
func (fakeBackend) Chat(context.Context, string, []model.Message, backend.Options) (string, error) {
	return "all good", nil
}

type busySource struct{}

func (busySource) Sample(context.Context) (monitor.Sample, error) {
	return monitor.Sample{CPUPercent: 99, MemPercent: 10}, nil
}

type fakeStreams struct {
	mu   sync.Mutex
	args []*redis.XAddArgs
}

func (f *fakeStreams) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.args = append(f.args, a)
	return redis.NewStringResult("1-0", nil)
}

func (f *fakeStreams) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.args)
}

func testSettings(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Monitor.Enabled = false
	cfg.Tasks["say_hello"] = config.TaskTemplate{
		Name:     "Say hello",
		Kind:     model.TaskKindCommand,
		Command:  "echo hello",
		Priority: model.PriorityNormal,
		Trigger:  model.Trigger{Kind: model.TriggerManual},
	}
	return cfg
}

func newEngine(t *testing.T, cfg engine.Config) *engine.Engine {
	t.Helper()
	if cfg.Backend == nil {
		cfg.Backend = fakeBackend{}
	}
	e, err := engine.New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e
}

func waitTask(t *testing.T, e *engine.Engine, id string, status model.TaskStatus) model.Task {
	t.Helper()
	var task model.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = e.Scheduler().GetTask(context.Background(), id)
		return err == nil && task.Status == status
	}, 5*time.Second, 10*time.Millisecond, "task %s never became %s", id, status)
	return task
}

func TestSeededTaskRunsWhenThresholdAlerts(t *testing.T) {
	settings := testSettings(t)
	settings.Engine.Seed = []string{"say_hello"}
	settings.Monitor.Enabled = true
	settings.Monitor.Interval = 10 * time.Millisecond
	settings.Monitor.Thresholds = []monitor.Threshold{
		{Name: "cpu", Metric: monitor.MetricCPU, Above: 90, Policy: monitor.PolicyEdge, TriggerTask: "say_hello"},
	}
	require.NoError(t, settings.Validate())

	e := newEngine(t, engine.Config{Settings: settings, Source: busySource{}})

	task := waitTask(t, e, "say_hello", model.TaskStatusPending)
	assert.False(t, task.Fired)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	waitTask(t, e, "say_hello", model.TaskStatusSucceeded)
	cancel()
	require.NoError(t, <-done)

	execs, err := e.Ledger().Collect(context.Background(), model.ExecutionFilter{TaskID: "say_hello"})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, model.CauseAlert, execs[0].Cause)
	assert.Contains(t, execs[0].Output, "hello")

	require.NotNil(t, e.Monitor())
	assert.NotEmpty(t, e.Monitor().Alerts(0))
}

func TestScheduledAgent(t *testing.T) {
	e := newEngine(t, engine.Config{Settings: testSettings(t)})
	ctx := context.Background()

	a, err := e.CreateAgentFromTemplate(ctx, "backup_agent", "nightly backups")
	require.NoError(t, err)
	assert.Equal(t, "nightly backups", a.Name)

	task, err := e.Scheduler().GetTask(ctx, engine.ScheduleTaskID(a.ID))
	require.NoError(t, err)
	assert.Equal(t, model.TaskKindAgent, task.Kind)
	assert.Equal(t, model.Trigger{Kind: model.TriggerCron, Cron: "0 2 * * *"}, task.Trigger)
	assert.Equal(t, a.ID, task.AgentID)
	assert.False(t, task.NotBefore.IsZero())

	// Agents without a schedule get no task.
	plain, err := e.CreateAgentFromTemplate(ctx, "security_guard", "")
	require.NoError(t, err)
	_, err = e.Scheduler().GetTask(ctx, engine.ScheduleTaskID(plain.ID))
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, e.DeleteAgent(ctx, a.ID))
	_, err = e.Scheduler().GetTask(ctx, engine.ScheduleTaskID(a.ID))
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = e.CreateAgentFromTemplate(ctx, "nope", "")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStateSurvivesRestart(t *testing.T) {
	settings := testSettings(t)
	ctx := context.Background()

	first, err := engine.New(ctx, engine.Config{Settings: settings, Backend: fakeBackend{}})
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))

	a, err := first.CreateAgentFromTemplate(ctx, "security_guard", "")
	require.NoError(t, err)
	_, err = first.CreateTaskFromTemplate(ctx, "say_hello", "hello")
	require.NoError(t, err)
	_, err = first.Scheduler().RunTask(ctx, "hello")
	require.NoError(t, err)
	waitTask(t, first, "hello", model.TaskStatusSucceeded)
	require.NoError(t, first.Shutdown(ctx))

	second := newEngine(t, engine.Config{Settings: settings})
	got, err := second.Agents().Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusStopped, got.Status)

	task, err := second.Scheduler().GetTask(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusSucceeded, task.Status)

	execs, err := second.Ledger().Collect(ctx, model.ExecutionFilter{TaskID: "hello"})
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestStats(t *testing.T) {
	e := newEngine(t, engine.Config{Settings: testSettings(t)})
	ctx := context.Background()

	_, err := e.CreateAgentFromTemplate(ctx, "security_guard", "")
	require.NoError(t, err)
	_, err = e.CreateTaskFromTemplate(ctx, "say_hello", "")
	require.NoError(t, err)
	_, err = e.IssueToken("rm -rf /var/cache/apt")
	require.NoError(t, err)

	st, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Agents[model.AgentStatusStopped])
	assert.Equal(t, 1, st.Tasks[model.TaskStatusPending])
	assert.Equal(t, 1, st.OutstandingTokens)
	assert.Nil(t, st.Monitor)

	agents, tasks := e.Templates()
	assert.Contains(t, agents, "package_updater")
	assert.Contains(t, tasks, "say_hello")
}

func TestEventsAreBridgedToRedis(t *testing.T) {
	streams := &fakeStreams{}
	e := newEngine(t, engine.Config{Settings: testSettings(t), Streams: streams})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		if _, err := e.CreateTaskFromTemplate(context.Background(), "say_hello", ""); err != nil {
			return false
		}
		return streams.Len() > 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, "debai.events", streams.args[0].Stream)
}

func TestStartTwiceFails(t *testing.T) {
	e := newEngine(t, engine.Config{Settings: testSettings(t)})
	assert.Error(t, e.Start(context.Background()))
}

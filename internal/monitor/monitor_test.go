package monitor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/debai/internal/events"
	"github.com/aristath/debai/internal/model"
	"github.com/aristath/debai/internal/monitor"
)

type fakeTrigger struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeTrigger) Trigger(_ context.Context, id string, cause model.Cause) (model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id+":"+string(cause))
	return model.Task{ID: id}, f.err
}

func (f *fakeTrigger) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

type fakeSource struct {
	mu      sync.Mutex
	samples []monitor.Sample
	err     error
}

func (f *fakeSource) Sample(context.Context) (monitor.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return monitor.Sample{}, f.err
	}
	if len(f.samples) == 0 {
		return monitor.Sample{}, errors.New("no more samples")
	}
	s := f.samples[0]
	if len(f.samples) > 1 {
		f.samples = f.samples[1:]
	}
	return s, nil
}

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func diskSample(sec int, root, home float64) monitor.Sample {
	return monitor.Sample{At: at(sec), DiskPercent: map[string]float64{"/": root, "/home": home}}
}

func newMonitor(t *testing.T, thresholds []monitor.Threshold, tasks monitor.TaskTrigger) (*monitor.Monitor, *events.Subscription) {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	sub := bus.Subscribe(events.Topics(events.TopicMonitor), 256)

	cfg := monitor.Config{
		Source:     &fakeSource{},
		Thresholds: thresholds,
		Bus:        bus,
		Tasks:      tasks,
		TimeNow:    func() time.Time { return at(100) },
	}
	m, err := monitor.New(cfg)
	require.NoError(t, err)
	return m, sub
}

func alertsOf(sub *events.Subscription) []events.AlertEvent {
	var out []events.AlertEvent
	for {
		select {
		case env := <-sub.C():
			if a, ok := env.Event.(events.AlertEvent); ok {
				out = append(out, a)
			}
		default:
			return out
		}
	}
}

func TestLevelPolicyAlertsOnEveryBreach(t *testing.T) {
	tasks := &fakeTrigger{}
	m, sub := newMonitor(t, []monitor.Threshold{
		{Name: "disk-full", Metric: monitor.MetricDisk, Above: 90, TriggerTask: "cleanup"},
	}, tasks)
	ctx := context.Background()

	m.Observe(ctx, diskSample(0, 95, 10))
	m.Observe(ctx, diskSample(5, 96, 92))
	m.Observe(ctx, diskSample(10, 50, 10))

	alerts := alertsOf(sub)
	require.Len(t, alerts, 5)
	assert.Equal(t, "/", alerts[0].Target)
	assert.Equal(t, "/", alerts[1].Target)
	assert.Equal(t, "/home", alerts[2].Target)
	assert.True(t, alerts[3].Resolved)
	assert.True(t, alerts[4].Resolved)
	assert.Equal(t, "cleanup", alerts[0].TriggerTask)

	assert.Equal(t, []string{"cleanup:alert", "cleanup:alert", "cleanup:alert"}, tasks.Calls())
}

func TestEdgePolicyAlertsOnTransitions(t *testing.T) {
	m, sub := newMonitor(t, []monitor.Threshold{
		{Name: "root", Metric: monitor.MetricDisk, Target: "/", Above: 90, Policy: monitor.PolicyEdge},
	}, nil)
	ctx := context.Background()

	for i, v := range []float64{50, 95, 97, 99, 40, 91} {
		m.Observe(ctx, diskSample(i*5, v, 99))
	}

	alerts := alertsOf(sub)
	require.Len(t, alerts, 3)
	assert.False(t, alerts[0].Resolved)
	assert.Equal(t, 95.0, alerts[0].Value)
	assert.Equal(t, events.EventTypeAlertResolved, alerts[1].EventType())
	assert.Equal(t, 40.0, alerts[1].Value)
	assert.Equal(t, 91.0, alerts[2].Value)

	// Other mounts are ignored by a targeted threshold.
	for _, a := range alerts {
		assert.Equal(t, "/", a.Target)
	}
}

func TestSuppressWindow(t *testing.T) {
	tasks := &fakeTrigger{}
	m, sub := newMonitor(t, []monitor.Threshold{
		{Name: "cpu", Metric: monitor.MetricCPU, Above: 80, Suppress: 30 * time.Second, TriggerTask: "renice"},
	}, tasks)
	ctx := context.Background()

	for _, sec := range []int{0, 10, 20, 30, 40} {
		m.Observe(ctx, monitor.Sample{At: at(sec), CPUPercent: 99})
	}

	alerts := alertsOf(sub)
	require.Len(t, alerts, 2)
	assert.Equal(t, at(0), alerts[0].Timestamp)
	assert.Equal(t, at(30), alerts[1].Timestamp)
	assert.Len(t, tasks.Calls(), 2)
}

func TestTriggerFailureDoesNotStopEvaluation(t *testing.T) {
	tasks := &fakeTrigger{err: &model.TransitionError{Entity: model.EntityTask, ID: "cleanup", From: "running", Attempted: "run"}}
	m, sub := newMonitor(t, []monitor.Threshold{
		{Name: "mem", Metric: monitor.MetricMemory, Above: 85, TriggerTask: "cleanup"},
	}, tasks)
	ctx := context.Background()

	m.Observe(ctx, monitor.Sample{At: at(0), MemPercent: 90})
	m.Observe(ctx, monitor.Sample{At: at(5), MemPercent: 91})

	assert.Len(t, alertsOf(sub), 2)
	assert.Len(t, tasks.Calls(), 2)
	assert.Len(t, m.Alerts(0), 2)
}

func TestNetworkThreshold(t *testing.T) {
	m, sub := newMonitor(t, []monitor.Threshold{
		{Name: "egress", Metric: monitor.MetricNetTx, Above: 1e6},
	}, nil)

	m.Observe(context.Background(), monitor.Sample{At: at(0), Net: map[string]monitor.NetRate{
		"eth0":  {RxBytesPerSec: 5e6, TxBytesPerSec: 2e6},
		"wlan0": {RxBytesPerSec: 5e6, TxBytesPerSec: 10},
	}})

	alerts := alertsOf(sub)
	require.Len(t, alerts, 1)
	assert.Equal(t, "eth0", alerts[0].Target)
	assert.Equal(t, "net_tx", alerts[0].Metric)
}

func TestHistoryAndAverages(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	m, err := monitor.New(monitor.Config{
		Source:      &fakeSource{},
		Bus:         bus,
		HistorySize: 3,
		TimeNow:     func() time.Time { return at(40) },
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, ok := m.Latest()
	assert.False(t, ok)

	for i, cpu := range []float64{10, 20, 30, 40} {
		m.Observe(ctx, monitor.Sample{At: at(i * 10), CPUPercent: cpu, MemPercent: 50})
	}

	history := m.History(0)
	require.Len(t, history, 3)
	assert.Equal(t, 20.0, history[0].CPUPercent)
	assert.Len(t, m.History(2), 2)

	latest, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, 40.0, latest.CPUPercent)

	avg, ok := m.Average(monitor.MetricCPU, "", 25*time.Second)
	require.True(t, ok)
	assert.Equal(t, 35.0, avg)
	avg, _ = m.Average(monitor.MetricCPU, "", 0)
	assert.Equal(t, 30.0, avg)
	_, ok = m.Average(monitor.MetricDisk, "/", 0)
	assert.False(t, ok)

	stats := m.Stats()
	assert.Equal(t, 3, stats.Samples)
	assert.Equal(t, monitor.Summary{Current: 40, Average: 30, Min: 20, Max: 40}, stats.CPU)
	assert.Equal(t, 50.0, stats.Memory.Average)
}

func TestPollAndRun(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	src := &fakeSource{samples: []monitor.Sample{{CPUPercent: 12}}}
	m, err := monitor.New(monitor.Config{Source: src, Bus: bus, Interval: 5 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, m.Poll(context.Background()))
	latest, _ := m.Latest()
	assert.False(t, latest.At.IsZero())

	src.mu.Lock()
	src.err = errors.New("procfs gone")
	src.mu.Unlock()
	assert.ErrorContains(t, m.Poll(context.Background()), "procfs gone")

	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, m.Run(ctx))
	assert.Greater(t, m.Stats().Samples, 2)
}

func TestConfigValidation(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	tests := map[string]struct {
		thresholds []monitor.Threshold
		expErr     error
	}{
		"Default thresholds should be valid.": {
			thresholds: monitor.DefaultThresholds(4),
		},
		"An unknown metric should fail.": {
			thresholds: []monitor.Threshold{{Name: "x", Metric: "iops", Above: 1}},
			expErr:     model.ErrNotValid,
		},
		"An unknown policy should fail.": {
			thresholds: []monitor.Threshold{{Name: "x", Metric: monitor.MetricCPU, Policy: "sometimes"}},
			expErr:     model.ErrNotValid,
		},
		"Duplicate names should fail.": {
			thresholds: []monitor.Threshold{{Name: "x", Metric: monitor.MetricCPU}, {Name: "x", Metric: monitor.MetricLoad5}},
			expErr:     model.ErrAlreadyExists,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := monitor.New(monitor.Config{Source: &fakeSource{}, Bus: bus, Thresholds: test.thresholds})
			if test.expErr != nil {
				assert.ErrorIs(t, err, test.expErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	load := monitor.DefaultThresholds(0)[3]
	assert.Equal(t, 1.0, load.Above)
}

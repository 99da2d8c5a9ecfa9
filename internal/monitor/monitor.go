package monitor

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/aristath/debai/internal/events"
	"github.com/aristath/debai/internal/log"
	"github.com/aristath/debai/internal/model"
)

// TaskTrigger fires tasks, it is satisfied by *scheduler.Scheduler.
type TaskTrigger interface {
	Trigger(ctx context.Context, id string, cause model.Cause) (model.Task, error)
}

// Config is the configuration of the monitor.
type Config struct {
	Source     Source
	Thresholds []Threshold
	Bus        *events.EventBus
	// Tasks is optional, thresholds with a trigger task are ignored without it.
	Tasks TaskTrigger
	// Interval between samples, defaults to 5s.
	Interval time.Duration
	// HistorySize is how many samples are kept, defaults to 100.
	HistorySize int
	// AlertHistorySize is how many alerts are kept, defaults to 100.
	AlertHistorySize int
	Logger           log.Logger
	TimeNow          func() time.Time
}

func (c *Config) defaults() error {
	if c.Source == nil {
		return fmt.Errorf("inventory source is required")
	}
	if c.Bus == nil {
		return fmt.Errorf("event bus is required")
	}
	c.Thresholds = slices.Clone(c.Thresholds)
	names := map[string]bool{}
	for i, th := range c.Thresholds {
		if err := th.Validate(); err != nil {
			return err
		}
		if names[th.Name] {
			return fmt.Errorf("duplicate threshold %s: %w", th.Name, model.ErrAlreadyExists)
		}
		names[th.Name] = true
		if th.Policy == "" {
			c.Thresholds[i].Policy = PolicyLevel
		}
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	if c.AlertHistorySize <= 0 {
		c.AlertHistorySize = 100
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "monitor.Monitor"})
	if c.TimeNow == nil {
		c.TimeNow = time.Now
	}
	return nil
}

type stateKey struct {
	threshold string
	target    string
}

type breachState struct {
	breached  bool
	alerted   bool
	lastAlert time.Time
}

// Monitor evaluates inventory samples against thresholds.
type Monitor struct {
	cfg    Config
	logger log.Logger

	mu      sync.Mutex
	history []Sample
	alerts  []events.AlertEvent
	state   map[stateKey]*breachState
}

// New returns a monitor, call Run to start sampling.
func New(cfg Config) (*Monitor, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &Monitor{
		cfg:    cfg,
		logger: cfg.Logger,
		state:  map[stateKey]*breachState{},
	}, nil
}

// Run samples at the configured interval until ctx is done. Sampling errors
// are logged and don't stop the loop.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Infof("monitor started, sampling every %s with %d thresholds", m.cfg.Interval, len(m.cfg.Thresholds))
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := m.Poll(ctx); err != nil && ctx.Err() == nil {
			m.logger.Errorf("%s", err)
		}
		select {
		case <-ctx.Done():
			m.logger.Infof("monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll takes one sample and evaluates it.
func (m *Monitor) Poll(ctx context.Context) error {
	s, err := m.cfg.Source.Sample(ctx)
	if err != nil {
		return fmt.Errorf("failed to sample inventory: %w", err)
	}
	if s.At.IsZero() {
		s.At = m.cfg.TimeNow()
	}
	m.Observe(ctx, s)
	return nil
}

// Observe records a sample, publishes it and raises the alerts it causes.
func (m *Monitor) Observe(ctx context.Context, s Sample) {
	m.mu.Lock()
	m.history = append(m.history, s)
	if over := len(m.history) - m.cfg.HistorySize; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
	alerts := m.evaluate(s)
	m.alerts = append(m.alerts, alerts...)
	if over := len(m.alerts) - m.cfg.AlertHistorySize; over > 0 {
		m.alerts = append(m.alerts[:0:0], m.alerts[over:]...)
	}
	m.mu.Unlock()

	m.cfg.Bus.Publish(events.MonitorSampleEvent{
		CPUPercent:  s.CPUPercent,
		MemPercent:  s.MemPercent,
		DiskPercent: s.DiskPercent,
		Load1:       s.Load1,
		Timestamp:   s.At,
	})

	for _, a := range alerts {
		m.cfg.Bus.Publish(a)
		if a.Resolved {
			m.logger.Infof("threshold %s recovered on %q: %.2f", a.Threshold, a.Target, a.Value)
			continue
		}
		m.logger.Warningf("threshold %s breached on %q: %.2f > %.2f", a.Threshold, a.Target, a.Value, a.Limit)
		if a.TriggerTask != "" {
			m.trigger(ctx, a)
		}
	}
}

func (m *Monitor) trigger(ctx context.Context, a events.AlertEvent) {
	if m.cfg.Tasks == nil {
		m.logger.Warningf("threshold %s can't trigger task %s without a scheduler", a.Threshold, a.TriggerTask)
		return
	}
	if _, err := m.cfg.Tasks.Trigger(ctx, a.TriggerTask, model.CauseAlert); err != nil {
		// A task still running from the previous alert is expected.
		m.logger.Warningf("threshold %s could not trigger task %s: %s", a.Threshold, a.TriggerTask, err)
		return
	}
	m.logger.Infof("threshold %s triggered task %s", a.Threshold, a.TriggerTask)
}

// evaluate updates the breach state with s and returns the events it causes.
func (m *Monitor) evaluate(s Sample) []events.AlertEvent {
	var out []events.AlertEvent
	for _, th := range m.cfg.Thresholds {
		values := th.Metric.values(s)
		for _, target := range slices.Sorted(maps.Keys(values)) {
			if th.Target != "" && target != th.Target {
				continue
			}
			v := values[target]

			key := stateKey{threshold: th.Name, target: target}
			st := m.state[key]
			if st == nil {
				st = &breachState{}
				m.state[key] = st
			}

			ev := events.AlertEvent{
				Threshold: th.Name,
				Metric:    string(th.Metric),
				Target:    target,
				Value:     v,
				Limit:     th.Above,
				Timestamp: s.At,
			}

			if v <= th.Above {
				if st.breached && st.alerted {
					ev.Resolved = true
					out = append(out, ev)
				}
				st.breached, st.alerted = false, false
				continue
			}

			fire := th.Policy == PolicyLevel || !st.breached
			if fire && th.Suppress > 0 && !st.lastAlert.IsZero() && s.At.Sub(st.lastAlert) < th.Suppress {
				fire = false
			}
			st.breached = true
			if !fire {
				continue
			}
			st.alerted = true
			st.lastAlert = s.At
			ev.TriggerTask = th.TriggerTask
			out = append(out, ev)
		}
	}
	return out
}

// Thresholds returns the configured thresholds.
func (m *Monitor) Thresholds() []Threshold {
	return append([]Threshold{}, m.cfg.Thresholds...)
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return Sample{}, false
	}
	return m.history[len(m.history)-1], true
}

// History returns up to n of the most recent samples, oldest first. n <= 0
// returns the whole history.
func (m *Monitor) History(n int) []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return tail(m.history, n)
}

// Alerts returns up to n of the most recent alert events, oldest first.
func (m *Monitor) Alerts(n int) []events.AlertEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return tail(m.alerts, n)
}

func tail[T any](s []T, n int) []T {
	if n <= 0 || n > len(s) {
		n = len(s)
	}
	return append([]T{}, s[len(s)-n:]...)
}

// Average returns the mean of a metric target over the samples taken in the
// last window. Reports false when no sample carries the value.
func (m *Monitor) Average(metric Metric, target string, window time.Duration) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	since := m.cfg.TimeNow().Add(-window)
	var sum float64
	var n int
	for _, s := range m.history {
		if window > 0 && s.At.Before(since) {
			continue
		}
		v, ok := metric.values(s)[target]
		if !ok {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Summary describes one metric over the history.
type Summary struct {
	Current float64 `json:"current"`
	Average float64 `json:"average"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// Stats is an overview of the monitor history.
type Stats struct {
	Samples  int           `json:"samples"`
	Interval time.Duration `json:"interval"`
	CPU      Summary       `json:"cpu"`
	Memory   Summary       `json:"memory"`
	Alerts   int           `json:"alerts"`
}

// Stats summarizes the history.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{Samples: len(m.history), Interval: m.cfg.Interval, Alerts: len(m.alerts)}
	if len(m.history) == 0 {
		return st
	}
	st.CPU = summarize(m.history, func(s Sample) float64 { return s.CPUPercent })
	st.Memory = summarize(m.history, func(s Sample) float64 { return s.MemPercent })
	return st
}

func summarize(samples []Sample, value func(Sample) float64) Summary {
	sum := Summary{Min: math.Inf(1), Max: math.Inf(-1)}
	var total float64
	for _, s := range samples {
		v := value(s)
		total += v
		sum.Min = min(sum.Min, v)
		sum.Max = max(sum.Max, v)
	}
	sum.Current = value(samples[len(samples)-1])
	sum.Average = total / float64(len(samples))
	return sum
}

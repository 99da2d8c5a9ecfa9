package scheduler

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"

	"github.com/aristath/debai/internal/model"
)

// defaultMaxRetryDelay caps exponential backoff when the policy has no cap.
const defaultMaxRetryDelay = time.Hour

// ParseCron parses a standard five field cron expression or a descriptor
// such as @hourly.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w: %w", expr, model.ErrNotValid, err)
	}
	return sched, nil
}

// arm sets the trigger state of a fresh instance.
func arm(t *model.Task, now time.Time) error {
	t.NotBefore = time.Time{}
	t.Fired = false

	switch t.Trigger.Kind {
	case model.TriggerNow:
		t.Fired = true
	case model.TriggerAt:
		t.Fired = true
		t.NotBefore = t.Trigger.At
	case model.TriggerCron:
		sched, err := ParseCron(t.Trigger.Cron)
		if err != nil {
			return err
		}
		t.Fired = true
		t.NotBefore = sched.Next(now)
	case model.TriggerManual:
	}
	return nil
}

// retryDelay is the wait before the attempt following attempt (1 based).
// Fixed waits the base delay, exponential waits base * 2^(attempt-1) up to
// the cap.
func retryDelay(p model.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var b backoff.BackOff
	switch p.Backoff {
	case model.BackoffExponential:
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = p.BaseDelay
		exp.RandomizationFactor = 0
		exp.Multiplier = 2
		exp.MaxInterval = p.MaxDelay
		if exp.MaxInterval <= 0 {
			exp.MaxInterval = defaultMaxRetryDelay
		}
		exp.MaxElapsedTime = 0
		exp.Reset()
		b = exp
	default:
		b = backoff.NewConstantBackOff(p.BaseDelay)
	}

	var d time.Duration
	for range attempt {
		d = b.NextBackOff()
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// TaskKind tags what a task executes.
type TaskKind string

const (
	TaskKindCommand  TaskKind = "command"
	TaskKindScript   TaskKind = "script"
	TaskKindAgent    TaskKind = "agent"
	TaskKindWorkflow TaskKind = "workflow"
)

// TaskStatus is the scheduling state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"   // Waiting on trigger or dependencies
	TaskStatusReady     TaskStatus = "ready"     // Eligible, queued for a worker
	TaskStatusRunning   TaskStatus = "running"   // Currently executing
	TaskStatusSucceeded TaskStatus = "succeeded" // Finished successfully
	TaskStatusFailed    TaskStatus = "failed"    // Finished with error, retries exhausted
	TaskStatusCancelled TaskStatus = "cancelled" // Cancelled by request or cascade
)

// Terminal reports whether the status can't change without a re-run.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Priority orders ready tasks, higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = []string{"low", "normal", "high", "critical"}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityCritical {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority parses a priority name.
func ParsePriority(s string) (Priority, error) {
	i := slices.Index(priorityNames, strings.ToLower(strings.TrimSpace(s)))
	if i < 0 {
		return PriorityNormal, fmt.Errorf("unknown priority %q: %w", s, ErrNotValid)
	}
	return Priority(i), nil
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// FailureMode determines how a task's failure affects dependents.
type FailureMode string

const (
	FailHard FailureMode = "hard" // Dependents are cancelled
	FailSkip FailureMode = "skip" // Dependents treat the failure as resolved
)

// TriggerKind is when a task becomes eligible.
type TriggerKind string

const (
	TriggerManual TriggerKind = "manual"
	TriggerNow    TriggerKind = "now"
	TriggerAt     TriggerKind = "at"
	TriggerCron   TriggerKind = "cron"
)

// Trigger describes when a task fires.
type Trigger struct {
	Kind TriggerKind `json:"kind" yaml:"kind"`
	At   time.Time   `json:"at,omitzero" yaml:"at,omitempty"`
	Cron string      `json:"cron,omitempty" yaml:"cron,omitempty"`
}

// BackoffKind is the shape of retry delays.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy controls re-queueing after Failure or TimedOut outcomes.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt, values below 1 mean a single attempt.
	MaxAttempts int           `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Backoff     BackoffKind   `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	BaseDelay   time.Duration `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay    time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

// Task is a unit of work in the graph.
type Task struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Kind        TaskKind `json:"kind"`
	Priority    Priority `json:"priority"`

	// Kind specific payload.
	Command     string   `json:"command,omitempty"`
	Script      string   `json:"script,omitempty"`
	Interpreter string   `json:"interpreter,omitempty"`
	AgentID     string   `json:"agent_id,omitempty"`
	Action      *Action  `json:"action,omitempty"`
	Steps       []string `json:"steps,omitempty"`
	Parallel    bool     `json:"parallel,omitempty"`

	Trigger           Trigger           `json:"trigger"`
	DependsOn         []string          `json:"depends_on,omitempty"`
	FailureMode       FailureMode       `json:"failure_mode"`
	Retry             RetryPolicy       `json:"retry"`
	Timeout           time.Duration     `json:"timeout,omitempty"`
	Limits            ResourceLimits    `json:"limits"`
	Env               map[string]string `json:"env,omitempty"`
	WorkDir           string            `json:"work_dir,omitempty"`
	Locks             []string          `json:"locks,omitempty"`
	Destructive       bool              `json:"destructive,omitempty"`
	ConfirmationToken string            `json:"confirmation_token,omitempty"`

	// Scheduler owned state.
	Status     TaskStatus `json:"status"`
	Attempt    int        `json:"attempt"`
	NotBefore  time.Time  `json:"not_before,omitzero"`
	// Fired is set once the trigger of the current instance went off.
	Fired      bool       `json:"fired,omitempty"`
	Instance   int        `json:"instance"`
	InstanceID string     `json:"instance_id"`
	History    []string   `json:"history,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Seq        int64      `json:"seq"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Validate checks the static part of the task definition.
func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required: %w", ErrNotValid)
	}
	if t.Name == "" {
		return fmt.Errorf("task %s name is required: %w", t.ID, ErrNotValid)
	}

	switch t.Kind {
	case TaskKindCommand:
		if t.Command == "" {
			return fmt.Errorf("command task %s requires a command: %w", t.ID, ErrNotValid)
		}
	case TaskKindScript:
		if t.Script == "" {
			return fmt.Errorf("script task %s requires a script body: %w", t.ID, ErrNotValid)
		}
	case TaskKindAgent:
		if t.AgentID == "" || t.Action == nil {
			return fmt.Errorf("agent task %s requires an agent and an action: %w", t.ID, ErrNotValid)
		}
		if err := t.Action.Validate(); err != nil {
			return fmt.Errorf("agent task %s: %w", t.ID, err)
		}
	case TaskKindWorkflow:
		if len(t.Steps) == 0 {
			return fmt.Errorf("workflow task %s requires steps: %w", t.ID, ErrNotValid)
		}
		if slices.Contains(t.Steps, t.ID) {
			return fmt.Errorf("workflow task %s can't contain itself: %w", t.ID, ErrCyclicDependency)
		}
	default:
		return fmt.Errorf("task %s has unknown kind %q: %w", t.ID, t.Kind, ErrNotValid)
	}

	switch t.Trigger.Kind {
	case TriggerManual, TriggerNow:
	case TriggerAt:
		if t.Trigger.At.IsZero() {
			return fmt.Errorf("task %s trigger at requires a time: %w", t.ID, ErrNotValid)
		}
	case TriggerCron:
		if t.Trigger.Cron == "" {
			return fmt.Errorf("task %s cron trigger requires an expression: %w", t.ID, ErrNotValid)
		}
	default:
		return fmt.Errorf("task %s has unknown trigger %q: %w", t.ID, t.Trigger.Kind, ErrNotValid)
	}

	switch t.FailureMode {
	case FailHard, FailSkip:
	default:
		return fmt.Errorf("task %s has unknown failure mode %q: %w", t.ID, t.FailureMode, ErrNotValid)
	}

	if t.Priority < PriorityLow || t.Priority > PriorityCritical {
		return fmt.Errorf("task %s has unknown priority %d: %w", t.ID, t.Priority, ErrNotValid)
	}
	if slices.Contains(t.DependsOn, t.ID) {
		return fmt.Errorf("task %s can't depend on itself: %w", t.ID, ErrCyclicDependency)
	}
	if t.Retry.BaseDelay < 0 || t.Retry.MaxDelay < 0 || t.Timeout < 0 {
		return fmt.Errorf("task %s has negative durations: %w", t.ID, ErrNotValid)
	}
	return nil
}

// WithDefaults fills the zero values that have a meaningful default.
func (t Task) WithDefaults() Task {
	if t.Trigger.Kind == "" {
		t.Trigger.Kind = TriggerNow
	}
	if t.FailureMode == "" {
		t.FailureMode = FailHard
	}
	if t.Retry.MaxAttempts < 1 {
		t.Retry.MaxAttempts = 1
	}
	if t.Retry.Backoff == "" {
		t.Retry.Backoff = BackoffFixed
	}
	if t.Kind == TaskKindScript && t.Interpreter == "" {
		t.Interpreter = "/bin/sh"
	}
	if t.Status == "" {
		t.Status = TaskStatusPending
	}
	return t
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	t.DependsOn = slices.Clone(t.DependsOn)
	t.Steps = slices.Clone(t.Steps)
	t.Locks = slices.Clone(t.Locks)
	t.History = slices.Clone(t.History)
	if t.Env != nil {
		env := make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			env[k] = v
		}
		t.Env = env
	}
	if t.Action != nil {
		a := *t.Action
		t.Action = &a
	}
	return t
}

// TaskStats counts tasks by status.
type TaskStats map[TaskStatus]int

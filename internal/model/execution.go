package model

import "time"

// Cause is why an execution was started.
type Cause string

const (
	CauseManual     Cause = "manual"
	CauseScheduled  Cause = "scheduled"
	CauseDependency Cause = "dependency"
	CauseRetry      Cause = "retry"
	CauseAlert      Cause = "alert"
)

// OutcomeKind is the tagged result of one attempt.
type OutcomeKind string

const (
	OutcomeSuccess              OutcomeKind = "success"
	OutcomeFailure              OutcomeKind = "failure"
	OutcomeTimedOut             OutcomeKind = "timed_out"
	OutcomePolicyViolation      OutcomeKind = "policy_violation"
	OutcomeConfirmationRequired OutcomeKind = "confirmation_required"
	OutcomeCapabilityDenied     OutcomeKind = "capability_denied"
	OutcomeBackendUnavailable   OutcomeKind = "backend_unavailable"
	OutcomeInvalidTransition    OutcomeKind = "invalid_transition"
	OutcomeCancelled            OutcomeKind = "cancelled"
)

// Retryable reports whether the scheduler may retry after this outcome.
func (k OutcomeKind) Retryable() bool {
	switch k {
	case OutcomeFailure, OutcomeTimedOut, OutcomeBackendUnavailable:
		return true
	}
	return false
}

// Execution is the immutable record of one attempt of a task or agent action.
type Execution struct {
	ID         string      `json:"id"`
	TaskID     string      `json:"task_id,omitempty"`
	InstanceID string      `json:"instance_id,omitempty"`
	AgentID    string      `json:"agent_id,omitempty"`
	Attempt    int         `json:"attempt"`
	Cause      Cause       `json:"cause"`
	StartedAt  time.Time   `json:"started_at"`
	EndedAt    time.Time   `json:"ended_at"`
	Outcome    OutcomeKind `json:"outcome"`
	ExitCode   int         `json:"exit_code"`
	Output     string      `json:"output,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Duration is how long the attempt took.
func (e Execution) Duration() time.Duration { return e.EndedAt.Sub(e.StartedAt) }

// ExecutionFilter selects executions from the ledger, zero fields match everything.
type ExecutionFilter struct {
	TaskID  string
	AgentID string
	Outcome OutcomeKind
	Since   time.Time
	Until   time.Time
	Limit   int
}

// Match reports whether e satisfies the filter.
func (f ExecutionFilter) Match(e Execution) bool {
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && e.StartedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.StartedAt.Before(f.Until) {
		return false
	}
	return true
}

// EntityKind names the owner of a state machine.
type EntityKind string

const (
	EntityAgent EntityKind = "agent"
	EntityTask  EntityKind = "task"
)

// Transition is the immutable record of a state change.
type Transition struct {
	ID       string     `json:"id"`
	Entity   EntityKind `json:"entity"`
	EntityID string     `json:"entity_id"`
	From     string     `json:"from"`
	To       string     `json:"to"`
	Reason   string     `json:"reason,omitempty"`
	At       time.Time  `json:"at"`
}

// TransitionFilter selects transitions, zero fields match everything.
type TransitionFilter struct {
	Entity   EntityKind
	EntityID string
	Since    time.Time
	Limit    int
}

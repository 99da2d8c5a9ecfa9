package events

import (
	"time"

	"github.com/aristath/debai/internal/model"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Topic() string
}

// Topic constants
const (
	TopicAgent   = "agent"
	TopicTask    = "task"
	TopicLedger  = "ledger"
	TopicMonitor = "monitor"
	TopicConfirm = "confirm"
)

// Event type constants
const (
	EventTypeAgentStatus         = "agent.status"
	EventTypeTaskStatus          = "task.status"
	EventTypeExecutionRecorded   = "ledger.execution"
	EventTypeTransitionRecorded  = "ledger.transition"
	EventTypePersistenceFailed   = "ledger.persistence_failed"
	EventTypeMonitorSample       = "monitor.sample"
	EventTypeAlertRaised         = "monitor.alert"
	EventTypeAlertResolved       = "monitor.resolved"
	EventTypeConfirmationPending = "confirm.pending"
)

// AgentStatusEvent is published when an agent changes lifecycle state.
type AgentStatusEvent struct {
	AgentID   string            `json:"agent_id"`
	Name      string            `json:"name"`
	From      model.AgentStatus `json:"from"`
	To        model.AgentStatus `json:"to"`
	Reason    string            `json:"reason,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func (e AgentStatusEvent) EventType() string { return EventTypeAgentStatus }
func (e AgentStatusEvent) Topic() string     { return TopicAgent }

// TaskStatusEvent is published when a task changes scheduling state.
type TaskStatusEvent struct {
	TaskID     string           `json:"task_id"`
	InstanceID string           `json:"instance_id"`
	Name       string           `json:"name"`
	From       model.TaskStatus `json:"from"`
	To         model.TaskStatus `json:"to"`
	Attempt    int              `json:"attempt"`
	Reason     string           `json:"reason,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

func (e TaskStatusEvent) EventType() string { return EventTypeTaskStatus }
func (e TaskStatusEvent) Topic() string     { return TopicTask }

// ExecutionRecordedEvent is published once an execution is durably in the ledger.
type ExecutionRecordedEvent struct {
	Execution model.Execution `json:"execution"`
}

func (e ExecutionRecordedEvent) EventType() string { return EventTypeExecutionRecorded }
func (e ExecutionRecordedEvent) Topic() string     { return TopicLedger }

// TransitionRecordedEvent is published once a transition is durably in the ledger.
type TransitionRecordedEvent struct {
	Transition model.Transition `json:"transition"`
}

func (e TransitionRecordedEvent) EventType() string { return EventTypeTransitionRecorded }
func (e TransitionRecordedEvent) Topic() string     { return TopicLedger }

// PersistenceFailedEvent is published when a record could not be stored.
type PersistenceFailedEvent struct {
	Op        string           `json:"op"`
	Entity    model.EntityKind `json:"entity"`
	EntityID  string           `json:"entity_id"`
	RecordID  string           `json:"record_id"`
	Error     string           `json:"error"`
	Timestamp time.Time        `json:"timestamp"`
}

func (e PersistenceFailedEvent) EventType() string { return EventTypePersistenceFailed }
func (e PersistenceFailedEvent) Topic() string     { return TopicLedger }

// MonitorSampleEvent carries a summarized inventory sample.
type MonitorSampleEvent struct {
	CPUPercent  float64            `json:"cpu_percent"`
	MemPercent  float64            `json:"mem_percent"`
	DiskPercent map[string]float64 `json:"disk_percent,omitempty"`
	Load1       float64            `json:"load1"`
	Timestamp   time.Time          `json:"timestamp"`
}

func (e MonitorSampleEvent) EventType() string { return EventTypeMonitorSample }
func (e MonitorSampleEvent) Topic() string     { return TopicMonitor }

// AlertEvent is published when a threshold is breached or recovers.
type AlertEvent struct {
	Threshold   string    `json:"threshold"`
	Metric      string    `json:"metric"`
	Target      string    `json:"target,omitempty"`
	Value       float64   `json:"value"`
	Limit       float64   `json:"limit"`
	Resolved    bool      `json:"resolved,omitempty"`
	TriggerTask string    `json:"trigger_task,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e AlertEvent) EventType() string {
	if e.Resolved {
		return EventTypeAlertResolved
	}
	return EventTypeAlertRaised
}
func (e AlertEvent) Topic() string { return TopicMonitor }

// ConfirmationPendingEvent is published when a destructive action waits for an operator.
type ConfirmationPendingEvent struct {
	RequestID string    `json:"request_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Command   string    `json:"command"`
	Timestamp time.Time `json:"timestamp"`
}

func (e ConfirmationPendingEvent) EventType() string { return EventTypeConfirmationPending }
func (e ConfirmationPendingEvent) Topic() string     { return TopicConfirm }

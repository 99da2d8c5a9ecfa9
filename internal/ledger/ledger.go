// Package ledger is the single writer of execution and transition records.
// Records are persisted first and then announced on the event bus.
package ledger

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aristath/debai/internal/events"
	"github.com/aristath/debai/internal/log"
	"github.com/aristath/debai/internal/model"
)

// Repository is the persistence the ledger writes to.
type Repository interface {
	AppendExecution(ctx context.Context, exec model.Execution) error
	Executions(ctx context.Context, filter model.ExecutionFilter) iter.Seq2[model.Execution, error]
	AppendTransition(ctx context.Context, tr model.Transition) error
	Transitions(ctx context.Context, filter model.TransitionFilter) iter.Seq2[model.Transition, error]
}

// Config is the configuration of the ledger.
type Config struct {
	Repository Repository
	Bus        *events.EventBus
	Logger     log.Logger
	// TimeNow is used to stamp records, defaults to time.Now.
	TimeNow func() time.Time
}

func (c *Config) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Bus == nil {
		return fmt.Errorf("event bus is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "ledger.Ledger"})
	if c.TimeNow == nil {
		c.TimeNow = time.Now
	}
	return nil
}

// Ledger is the append-only execution history.
type Ledger struct {
	repo    Repository
	bus     *events.EventBus
	logger  log.Logger
	timeNow func() time.Time
}

// New returns a new ledger.
func New(cfg Config) (*Ledger, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Ledger{
		repo:    cfg.Repository,
		bus:     cfg.Bus,
		logger:  cfg.Logger,
		timeNow: cfg.TimeNow,
	}, nil
}

// Append stores an execution record and publishes it. The returned record has its
// id and timestamps filled. A storage failure is returned as a *model.PersistenceError
// and published as a PersistenceFailedEvent instead.
func (l *Ledger) Append(ctx context.Context, e model.Execution) (model.Execution, error) {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = l.timeNow()
	}
	if e.EndedAt.IsZero() {
		e.EndedAt = e.StartedAt
	}
	e.StartedAt = e.StartedAt.UTC()
	e.EndedAt = e.EndedAt.UTC()

	// Detach from caller cancellation so a cancelled run still gets recorded.
	if err := l.repo.AppendExecution(context.WithoutCancel(ctx), e); err != nil {
		l.logger.Errorf("could not append execution %s of task %q agent %q: %s", e.ID, e.TaskID, e.AgentID, err)
		entity, id := model.EntityTask, e.TaskID
		if id == "" {
			entity, id = model.EntityAgent, e.AgentID
		}
		return e, l.failed("append execution", entity, id, e.ID, err)
	}

	l.bus.Publish(events.ExecutionRecordedEvent{Execution: e})
	return e, nil
}

// RecordTransition stores a transition record and publishes it.
func (l *Ledger) RecordTransition(ctx context.Context, tr model.Transition) (model.Transition, error) {
	if tr.ID == "" {
		tr.ID = ulid.Make().String()
	}
	if tr.At.IsZero() {
		tr.At = l.timeNow()
	}
	tr.At = tr.At.UTC()

	if err := l.repo.AppendTransition(context.WithoutCancel(ctx), tr); err != nil {
		l.logger.Errorf("could not record %s %s transition %s -> %s: %s", tr.Entity, tr.EntityID, tr.From, tr.To, err)
		return tr, l.failed("record transition", tr.Entity, tr.EntityID, tr.ID, err)
	}

	l.bus.Publish(events.TransitionRecordedEvent{Transition: tr})
	return tr, nil
}

func (l *Ledger) failed(op string, entity model.EntityKind, entityID, recordID string, err error) error {
	l.bus.Publish(events.PersistenceFailedEvent{
		Op:        op,
		Entity:    entity,
		EntityID:  entityID,
		RecordID:  recordID,
		Error:     err.Error(),
		Timestamp: l.timeNow().UTC(),
	})
	return &model.PersistenceError{Op: op, Err: err}
}

// Query lazily yields executions matching filter ordered by start time then id.
// Storage errors are yielded as *model.PersistenceError.
func (l *Ledger) Query(ctx context.Context, filter model.ExecutionFilter) iter.Seq2[model.Execution, error] {
	return func(yield func(model.Execution, error) bool) {
		for e, err := range l.repo.Executions(ctx, filter) {
			if err != nil {
				yield(model.Execution{}, &model.PersistenceError{Op: "query executions", Err: err})
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Collect drains a query into a slice.
func (l *Ledger) Collect(ctx context.Context, filter model.ExecutionFilter) ([]model.Execution, error) {
	execs := []model.Execution{}
	for e, err := range l.Query(ctx, filter) {
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, nil
}

// Transitions lazily yields transitions matching filter in chronological order.
func (l *Ledger) Transitions(ctx context.Context, filter model.TransitionFilter) iter.Seq2[model.Transition, error] {
	return func(yield func(model.Transition, error) bool) {
		for tr, err := range l.repo.Transitions(ctx, filter) {
			if err != nil {
				yield(model.Transition{}, &model.PersistenceError{Op: "query transitions", Err: err})
				return
			}
			if !yield(tr, nil) {
				return
			}
		}
	}
}

// Subscribe returns a live subscription to ledger and state events.
func (l *Ledger) Subscribe(filter events.Filter, bufSize int) *events.Subscription {
	return l.bus.Subscribe(filter, bufSize)
}

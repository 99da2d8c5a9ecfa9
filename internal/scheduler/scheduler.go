// Package scheduler owns the task graph. A single decision loop goroutine
// reads and writes the graph; executions run on a bounded worker pool and
// report back to the loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/debai/internal/agent"
	"github.com/aristath/debai/internal/events"
	"github.com/aristath/debai/internal/log"
	"github.com/aristath/debai/internal/model"
)

// ErrStopped is returned by operations issued after the scheduler stopped.
var ErrStopped = errors.New("scheduler stopped")

// Repository is the task persistence the scheduler writes through.
type Repository interface {
	SaveTask(ctx context.Context, task model.Task) error
	ListTasks(ctx context.Context) ([]model.Task, error)
	DeleteTask(ctx context.Context, taskID string) error
}

// Recorder records task transitions, it is satisfied by *ledger.Ledger.
type Recorder interface {
	RecordTransition(ctx context.Context, tr model.Transition) (model.Transition, error)
}

// Config is the configuration of the scheduler.
type Config struct {
	Repository Repository
	Ledger     Recorder
	Executor   TaskExecutor
	Bus        *events.EventBus
	// Concurrency is the maximum number of Running tasks, defaults to 4.
	Concurrency int
	// CancelGrace is how long a cancelled Running task may take to report
	// before it is marked Cancelled anyway.
	CancelGrace time.Duration
	Logger      log.Logger
	TimeNow     func() time.Time
}

func (c *Config) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	if c.Executor == nil {
		return fmt.Errorf("executor is required")
	}
	if c.Bus == nil {
		return fmt.Errorf("event bus is required")
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "scheduler.Scheduler"})
	if c.TimeNow == nil {
		c.TimeNow = time.Now
	}
	return nil
}

// runningTask is the bookkeeping of one dispatched instance.
type runningTask struct {
	instanceID      string
	cancel          context.CancelFunc
	cancelRequested bool
	grace           *time.Timer
}

// completion is what a worker reports back to the loop.
type completion struct {
	taskID     string
	instanceID string
	locks      []string
	exec       model.Execution
	// recordErr is set when the execution is not in the ledger.
	recordErr error
}

// Scheduler drives the task graph.
type Scheduler struct {
	cfg    Config
	logger log.Logger

	requests    chan func()
	completions chan completion
	loopDone    chan struct{}
	stopLoop    context.CancelFunc
	bg          context.Context

	workers      errgroup.Group
	stopWorkers  context.CancelFunc
	workCtx      context.Context
	shutdownOnce bool

	// Loop owned state.
	graph        *Graph
	queue        *readyQueue
	locks        *ResourceLocks
	running      map[string]*runningTask
	inflight     int
	causes       map[string]model.Cause
	lastTerminal map[string]model.TaskStatus
	seq          int64
	draining     bool
}

// New returns a scheduler, call Start to load the persisted graph and run it.
func New(cfg Config) (*Scheduler, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	s := &Scheduler{
		cfg:          cfg,
		logger:       cfg.Logger,
		requests:     make(chan func()),
		completions:  make(chan completion),
		loopDone:     make(chan struct{}),
		graph:        NewGraph(),
		queue:        newReadyQueue(),
		locks:        NewResourceLocks(),
		running:      map[string]*runningTask{},
		causes:       map[string]model.Cause{},
		lastTerminal: map[string]model.TaskStatus{},
	}
	s.workers.SetLimit(cfg.Concurrency)
	return s, nil
}

// Start restores the persisted graph and starts the decision loop. Tasks
// found Running are re-queued as Pending.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.restore(ctx); err != nil {
		return err
	}

	s.bg = context.WithoutCancel(ctx)
	var loopCtx context.Context
	loopCtx, s.stopLoop = context.WithCancel(s.bg)
	s.workCtx, s.stopWorkers = context.WithCancel(s.bg)

	go s.loop(loopCtx)
	s.logger.Infof("scheduler started with %d tasks, concurrency %d", s.graph.Len(), s.cfg.Concurrency)
	return nil
}

// Shutdown stops dispatching, cancels running work and waits for the workers
// until ctx is done. Executions cancelled by the shutdown leave their task
// Running so the next Start re-queues it.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if s.stopLoop == nil {
		return nil
	}
	err := s.do(ctx, func() {
		if s.shutdownOnce {
			return
		}
		s.shutdownOnce = true
		s.draining = true
		s.stopWorkers()
	})
	if errors.Is(err, ErrStopped) {
		return nil
	}
	if err != nil {
		return err
	}

	drained := make(chan struct{})
	go func() {
		_ = s.workers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warningf("shutdown deadline reached with workers still running")
	}
	s.stopLoop()
	<-s.loopDone
	s.logger.Infof("scheduler stopped")
	if ctx.Err() != nil {
		return fmt.Errorf("could not drain workers: %w", ctx.Err())
	}
	return nil
}

func (s *Scheduler) restore(ctx context.Context) error {
	tasks, err := s.cfg.Repository.ListTasks(ctx)
	if err != nil {
		return &model.PersistenceError{Op: "list tasks", Err: err}
	}

	for i := range tasks {
		t := tasks[i].WithDefaults()
		s.graph.insert(&t)
		s.seq = max(s.seq, t.Seq)
	}
	if _, err := s.graph.Validate(); err != nil {
		return fmt.Errorf("persisted task graph is invalid: %w", err)
	}

	now := s.cfg.TimeNow()
	for _, t := range s.graph.Tasks() {
		switch t.Status {
		case model.TaskStatusRunning:
			t.Fired = true
			t.NotBefore = time.Time{}
			s.setStatus(ctx, t, model.TaskStatusPending, "re-queued after restart")
		case model.TaskStatusReady:
			s.enqueue(t, now)
		}
	}
	return nil
}

// loop is the decision loop, the only goroutine touching the graph.
func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wake := s.schedule()
		timer.Stop()
		if !wake.IsZero() {
			timer.Reset(max(wake.Sub(s.cfg.TimeNow()), time.Millisecond))
		}

		select {
		case <-ctx.Done():
			for _, rt := range s.running {
				if rt.grace != nil {
					rt.grace.Stop()
				}
			}
			return
		case req := <-s.requests:
			req()
		case c := <-s.completions:
			s.complete(c)
		case <-timer.C:
		}
	}
}

// do runs fn on the loop goroutine and waits for it.
func (s *Scheduler) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	req := func() {
		defer close(done)
		fn()
	}
	select {
	case s.requests <- req:
	case <-s.loopDone:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// post queues fn on the loop without waiting, it is dropped once the loop stopped.
func (s *Scheduler) post(fn func()) {
	go func() {
		select {
		case s.requests <- fn:
		case <-s.loopDone:
		}
	}()
}

// schedule recomputes the ready set, cascades cancellations and dispatches
// Ready tasks to free workers. It returns the next time a trigger is due.
func (s *Scheduler) schedule() time.Time {
	now := s.cfg.TimeNow()
	var wake time.Time

	for changed := true; changed; {
		changed = false
		for _, t := range s.graph.Tasks() {
			if t.Status != model.TaskStatusPending && t.Status != model.TaskStatusReady {
				continue
			}

			deps, blocker := s.dependencies(t)
			if blocker != "" {
				s.queue.remove(t.ID)
				s.setStatus(s.bg, t, model.TaskStatusCancelled, fmt.Sprintf("dependency %s did not succeed", blocker))
				changed = true
				continue
			}

			if t.Status != model.TaskStatusPending || !t.Fired || !deps {
				continue
			}
			if now.Before(t.NotBefore) {
				if wake.IsZero() || t.NotBefore.Before(wake) {
					wake = t.NotBefore
				}
				continue
			}
			s.setStatus(s.bg, t, model.TaskStatusReady, "eligible")
			s.enqueue(t, now)
		}
	}

	s.dispatch()
	return wake
}

// dependencies reports whether every dependency of t is resolved, or the
// first one that failed hard.
func (s *Scheduler) dependencies(t *model.Task) (resolved bool, blocker string) {
	resolved = true
	for _, depID := range t.DependsOn {
		dep, ok := s.graph.Get(depID)
		if !ok {
			return false, depID
		}

		status := dep.Status
		// A re-armed recurring task resolves by its last completed instance.
		if !status.Terminal() {
			if last, ok := s.lastTerminal[depID]; ok {
				status = last
			}
		}

		switch status {
		case model.TaskStatusSucceeded:
		case model.TaskStatusFailed, model.TaskStatusCancelled:
			if dep.FailureMode != model.FailSkip {
				return false, depID
			}
		default:
			resolved = false
		}
	}
	return resolved, ""
}

func (s *Scheduler) enqueue(t *model.Task, now time.Time) {
	at := t.NotBefore
	if at.IsZero() {
		at = now
	}
	s.queue.push(&readyItem{id: t.ID, priority: t.Priority, at: at, seq: t.Seq})
}

func (s *Scheduler) dispatch() {
	if s.draining {
		return
	}

	var busy []*readyItem
	for s.inflight < s.cfg.Concurrency {
		item := s.queue.pop()
		if item == nil {
			break
		}
		t, ok := s.graph.Get(item.id)
		if !ok || t.Status != model.TaskStatusReady {
			continue
		}
		if !s.locks.TryLockAll(t.InstanceID, t.Locks) {
			busy = append(busy, item)
			continue
		}
		s.startWorker(t)
	}
	for _, item := range busy {
		s.queue.push(item)
	}
}

func (s *Scheduler) startWorker(t *model.Task) {
	job, err := s.graph.job(t.ID)
	if err != nil {
		s.locks.UnlockAll(t.InstanceID, t.Locks)
		t.LastError = err.Error()
		s.finish(t, model.TaskStatusFailed, err.Error())
		return
	}

	t.Attempt++
	cause := s.takeCause(t)
	s.setStatus(s.bg, t, model.TaskStatusRunning, fmt.Sprintf("attempt %d (%s)", t.Attempt, cause))

	runCtx, cancel := context.WithCancel(s.workCtx)
	s.running[t.ID] = &runningTask{instanceID: t.InstanceID, cancel: cancel}
	s.inflight++

	job.Task = t.Clone()
	inv := agent.Invocation{TaskID: t.ID, InstanceID: t.InstanceID, Attempt: t.Attempt, Cause: cause}
	c := completion{taskID: t.ID, instanceID: t.InstanceID, locks: t.Locks}

	s.workers.Go(func() error {
		defer cancel()
		c.exec, c.recordErr = s.cfg.Executor.Execute(runCtx, job, inv)
		select {
		case s.completions <- c:
		case <-s.loopDone:
		}
		return nil // Outcomes are reported to the loop, not returned
	})
}

// takeCause returns why the current attempt runs.
func (s *Scheduler) takeCause(t *model.Task) model.Cause {
	if c, ok := s.causes[t.ID]; ok {
		delete(s.causes, t.ID)
		return c
	}
	if len(t.DependsOn) > 0 {
		return model.CauseDependency
	}
	if t.Trigger.Kind == model.TriggerManual {
		return model.CauseManual
	}
	return model.CauseScheduled
}

// complete applies a worker report.
func (s *Scheduler) complete(c completion) {
	s.inflight--
	s.locks.UnlockAll(c.instanceID, c.locks)

	rt, ok := s.running[c.taskID]
	if !ok || rt.instanceID != c.instanceID {
		// The instance was given up after the cancel grace period.
		return
	}
	delete(s.running, c.taskID)
	if rt.grace != nil {
		rt.grace.Stop()
	}

	t, ok := s.graph.Get(c.taskID)
	if !ok {
		return
	}
	exec := c.exec
	if c.recordErr == nil && exec.ID != "" {
		t.History = append(t.History, exec.ID)
	}
	t.LastError = exec.Error
	if c.recordErr != nil {
		t.LastError = fmt.Sprintf("%s outcome not recorded: %s", exec.Outcome, c.recordErr)
	}

	switch {
	case rt.cancelRequested:
		s.finish(t, model.TaskStatusCancelled, "cancelled by request")
	case c.recordErr != nil:
		// No further attempt runs while this one is missing from the ledger.
		s.finish(t, model.TaskStatusFailed, "execution not recorded")
	case s.draining && exec.Outcome == model.OutcomeCancelled:
		// Leave it Running, the next start re-queues it.
		s.save(s.bg, t)
	case exec.Outcome == model.OutcomeSuccess:
		t.LastError = ""
		s.finish(t, model.TaskStatusSucceeded, "succeeded")
	case exec.Outcome.Retryable() && t.Attempt < t.Retry.MaxAttempts:
		delay := retryDelay(t.Retry, t.Attempt)
		t.Fired = true
		t.NotBefore = s.cfg.TimeNow().Add(delay)
		s.causes[t.ID] = model.CauseRetry
		s.setStatus(s.bg, t, model.TaskStatusPending, fmt.Sprintf("%s, retry in %s", exec.Outcome, delay))
	case exec.Outcome == model.OutcomeCancelled:
		s.finish(t, model.TaskStatusCancelled, string(exec.Outcome))
	default:
		s.finish(t, model.TaskStatusFailed, string(exec.Outcome))
	}
}

// finish moves t to a terminal status. Recurring tasks that succeeded or
// failed are re-armed as a fresh instance; dependents see the archived result.
func (s *Scheduler) finish(t *model.Task, status model.TaskStatus, reason string) {
	s.setStatus(s.bg, t, status, reason)
	if t.Trigger.Kind != model.TriggerCron || status == model.TaskStatusCancelled {
		return
	}

	s.lastTerminal[t.ID] = status
	s.renew(t)
	if err := arm(t, s.cfg.TimeNow()); err != nil {
		s.logger.Errorf("could not re-arm task %s: %s", t.ID, err)
		return
	}
	s.setStatus(s.bg, t, model.TaskStatusPending, "re-armed for "+t.NotBefore.Format(time.RFC3339))
}

// renew starts a fresh instance of t.
func (s *Scheduler) renew(t *model.Task) {
	t.Instance++
	t.InstanceID = uuid.NewString()
	t.Attempt = 0
	t.History = nil
	t.LastError = ""
	t.NotBefore = time.Time{}
	t.Fired = false
}

// abandon marks a cancelled instance Cancelled once the grace period elapsed.
func (s *Scheduler) abandon(taskID, instanceID string) {
	rt, ok := s.running[taskID]
	if !ok || rt.instanceID != instanceID {
		return
	}
	delete(s.running, taskID)
	if t, ok := s.graph.Get(taskID); ok {
		s.logger.Warningf("task %s did not stop within %s", taskID, s.cfg.CancelGrace)
		s.finish(t, model.TaskStatusCancelled, "cancel grace period elapsed")
	}
}

// setStatus persists and records a status change.
func (s *Scheduler) setStatus(ctx context.Context, t *model.Task, to model.TaskStatus, reason string) {
	from := t.Status
	t.Status = to
	t.UpdatedAt = s.cfg.TimeNow().UTC()
	s.save(ctx, t)

	// The ledger logs and publishes its own failures, the status change stands.
	_, _ = s.cfg.Ledger.RecordTransition(ctx, model.Transition{
		Entity:   model.EntityTask,
		EntityID: t.ID,
		From:     string(from),
		To:       string(to),
		Reason:   reason,
	})
	s.cfg.Bus.Publish(events.TaskStatusEvent{
		TaskID:     t.ID,
		InstanceID: t.InstanceID,
		Name:       t.Name,
		From:       from,
		To:         to,
		Attempt:    t.Attempt,
		Reason:     reason,
		Timestamp:  t.UpdatedAt,
	})
	s.logger.Debugf("task %s %s -> %s: %s", t.ID, from, to, reason)
}

func (s *Scheduler) save(ctx context.Context, t *model.Task) {
	if err := s.cfg.Repository.SaveTask(ctx, *t); err != nil {
		s.logger.Errorf("could not persist task %s: %s", t.ID, err)
	}
}

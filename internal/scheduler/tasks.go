package scheduler

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/debai/internal/model"
)

// CreateTask validates and adds a task to the graph. Its dependencies and
// workflow steps must exist; the new instance is armed from its trigger.
func (s *Scheduler) CreateTask(ctx context.Context, t model.Task) (model.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t = t.WithDefaults()
	if err := t.Validate(); err != nil {
		return model.Task{}, err
	}
	t.DependsOn = dedupe(t.DependsOn)

	var (
		created model.Task
		opErr   error
	)
	err := s.do(ctx, func() {
		now := s.cfg.TimeNow().UTC()
		t.Status = model.TaskStatusPending
		t.Attempt = 0
		t.Instance = 1
		t.InstanceID = uuid.NewString()
		t.History = nil
		t.LastError = ""
		t.CreatedAt, t.UpdatedAt = now, now
		if opErr = arm(&t, now); opErr != nil {
			return
		}

		task := t.Clone()
		if opErr = s.graph.Add(&task); opErr != nil {
			return
		}
		s.seq++
		task.Seq = s.seq

		if err := s.cfg.Repository.SaveTask(s.bg, task); err != nil {
			_ = s.graph.Remove(task.ID)
			s.seq--
			opErr = &model.PersistenceError{Op: "save task", Err: err}
			return
		}
		task.Status = ""
		s.setStatus(s.bg, &task, model.TaskStatusPending, "created")
		created = task.Clone()
	})
	if err != nil {
		return model.Task{}, err
	}
	if opErr != nil {
		return model.Task{}, opErr
	}
	s.logger.Infof("task %s (%s) created", created.ID, created.Name)
	return created, nil
}

// GetTask returns a snapshot of a task.
func (s *Scheduler) GetTask(ctx context.Context, id string) (model.Task, error) {
	var (
		task  model.Task
		opErr error
	)
	err := s.do(ctx, func() {
		t, ok := s.graph.Get(id)
		if !ok {
			opErr = fmt.Errorf("task %s: %w", id, model.ErrNotFound)
			return
		}
		task = t.Clone()
	})
	if err != nil {
		return model.Task{}, err
	}
	return task, opErr
}

// ListTasks returns snapshots of every task in insertion order.
func (s *Scheduler) ListTasks(ctx context.Context) ([]model.Task, error) {
	var tasks []model.Task
	err := s.do(ctx, func() {
		for _, t := range s.graph.Tasks() {
			tasks = append(tasks, t.Clone())
		}
	})
	return tasks, err
}

// Stats counts tasks by status.
func (s *Scheduler) Stats(ctx context.Context) (model.TaskStats, error) {
	stats := model.TaskStats{}
	err := s.do(ctx, func() {
		for _, t := range s.graph.Tasks() {
			stats[t.Status]++
		}
	})
	return stats, err
}

// RunTask fires a task manually, see Trigger.
func (s *Scheduler) RunTask(ctx context.Context, id string) (model.Task, error) {
	return s.Trigger(ctx, id, model.CauseManual)
}

// Trigger fires the trigger of a task now. Pending and Ready tasks run as
// soon as their dependencies allow; terminal tasks are re-queued as a fresh
// instance. Triggering a Running task is an invalid transition.
func (s *Scheduler) Trigger(ctx context.Context, id string, cause model.Cause) (model.Task, error) {
	var (
		task  model.Task
		opErr error
	)
	err := s.do(ctx, func() {
		t, ok := s.graph.Get(id)
		if !ok {
			opErr = fmt.Errorf("task %s: %w", id, model.ErrNotFound)
			return
		}

		switch {
		case t.Status == model.TaskStatusRunning:
			opErr = &model.TransitionError{Entity: model.EntityTask, ID: id, From: string(t.Status), Attempted: "run"}
		case t.Status.Terminal():
			s.renew(t)
			t.Fired = true
			s.causes[id] = cause
			s.setStatus(s.bg, t, model.TaskStatusPending, fmt.Sprintf("re-queued (%s)", cause))
		default:
			t.Fired = true
			t.NotBefore = time.Time{}
			s.causes[id] = cause
			s.save(s.bg, t)
		}
		task = t.Clone()
	})
	if err != nil {
		return model.Task{}, err
	}
	return task, opErr
}

// CancelTask cancels a task. Pending and Ready tasks are Cancelled at once; a
// Running task has its execution cancelled and becomes Cancelled when the
// worker reports or the grace period elapses.
func (s *Scheduler) CancelTask(ctx context.Context, id string) (model.Task, error) {
	var (
		task  model.Task
		opErr error
	)
	err := s.do(ctx, func() {
		t, ok := s.graph.Get(id)
		if !ok {
			opErr = fmt.Errorf("task %s: %w", id, model.ErrNotFound)
			return
		}

		switch t.Status {
		case model.TaskStatusPending, model.TaskStatusReady:
			s.queue.remove(id)
			s.setStatus(s.bg, t, model.TaskStatusCancelled, "cancelled by request")
		case model.TaskStatusRunning:
			rt := s.running[id]
			if rt == nil || rt.cancelRequested {
				break
			}
			rt.cancelRequested = true
			rt.cancel()
			instanceID := rt.instanceID
			rt.grace = time.AfterFunc(s.cfg.CancelGrace, func() {
				s.post(func() { s.abandon(id, instanceID) })
			})
			s.logger.Infof("cancelling running task %s", id)
		case model.TaskStatusCancelled:
		default:
			opErr = &model.TransitionError{Entity: model.EntityTask, ID: id, From: string(t.Status), Attempted: "cancel"}
		}
		task = t.Clone()
	})
	if err != nil {
		return model.Task{}, err
	}
	return task, opErr
}

// DeleteTask removes a task that is not Running and has no dependents.
func (s *Scheduler) DeleteTask(ctx context.Context, id string) error {
	var opErr error
	err := s.do(ctx, func() {
		t, ok := s.graph.Get(id)
		if !ok {
			opErr = fmt.Errorf("task %s: %w", id, model.ErrNotFound)
			return
		}
		if t.Status == model.TaskStatusRunning {
			opErr = &model.TransitionError{Entity: model.EntityTask, ID: id, From: string(t.Status), Attempted: "delete"}
			return
		}
		if opErr = s.graph.Remove(id); opErr != nil {
			return
		}
		if err := s.cfg.Repository.DeleteTask(s.bg, id); err != nil {
			s.graph.insert(t)
			opErr = &model.PersistenceError{Op: "delete task", Err: err}
			return
		}

		s.queue.remove(id)
		delete(s.causes, id)
		delete(s.lastTerminal, id)
		_, _ = s.cfg.Ledger.RecordTransition(s.bg, model.Transition{
			Entity:   model.EntityTask,
			EntityID: id,
			From:     string(t.Status),
			To:       "deleted",
			Reason:   "deleted",
		})
		s.logger.Infof("task %s deleted", id)
	})
	if err != nil {
		return err
	}
	return opErr
}

// SetDependencies replaces the dependencies of a task that is not Running.
// An edit that would close a cycle fails with a *model.CycleError.
func (s *Scheduler) SetDependencies(ctx context.Context, id string, deps []string) (model.Task, error) {
	var (
		task  model.Task
		opErr error
	)
	err := s.do(ctx, func() {
		t, ok := s.graph.Get(id)
		if !ok {
			opErr = fmt.Errorf("task %s: %w", id, model.ErrNotFound)
			return
		}
		if t.Status == model.TaskStatusRunning {
			opErr = &model.TransitionError{Entity: model.EntityTask, ID: id, From: string(t.Status), Attempted: "set dependencies"}
			return
		}

		old := slices.Clone(t.DependsOn)
		if opErr = s.graph.SetDependencies(id, deps); opErr != nil {
			return
		}
		if err := s.cfg.Repository.SaveTask(s.bg, *t); err != nil {
			_ = s.graph.SetDependencies(id, old)
			opErr = &model.PersistenceError{Op: "save task", Err: err}
			return
		}

		// A Ready task goes back to waiting on its new dependencies.
		if t.Status == model.TaskStatusReady {
			s.queue.remove(id)
			s.setStatus(s.bg, t, model.TaskStatusPending, "dependencies changed")
		}
		task = t.Clone()
	})
	if err != nil {
		return model.Task{}, err
	}
	return task, opErr
}

package scheduler

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/aristath/debai/internal/events"
	"github.com/aristath/debai/internal/ledger"
	"github.com/aristath/debai/internal/model"
	"github.com/aristath/debai/internal/persistence"
)

func TestDependenciesRunInOrder(t *testing.T) {
	h := newHarness(t, nil)

	h.create(t, cmdTask("fetch"))
	h.create(t, cmdTask("build", "fetch"))
	h.create(t, cmdTask("report", "build"))
	h.create(t, cmdTask("lint", "fetch"))

	for _, id := range []string{"fetch", "build", "report", "lint"} {
		h.waitStatus(t, id, model.TaskStatusSucceeded)
	}

	order := h.sandbox.Order()
	pos := func(id string) int { return slices.Index(order, id) }
	if pos("fetch") > pos("build") || pos("build") > pos("report") || pos("fetch") > pos("lint") {
		t.Errorf("Dependencies ran out of order: %v", order)
	}

	execs := h.executions(t, "build")
	if len(execs) != 1 || execs[0].Cause != model.CauseDependency || execs[0].Attempt != 1 {
		t.Errorf("Unexpected build executions %+v", execs)
	}
}

func TestCriticalBeforeNormalAtBoundOne(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Concurrency = 1 })
	gate := h.sandbox.gate("gate")

	h.create(t, cmdTask("gate"))
	h.sandbox.waitStarted(t, "gate")

	normal1 := cmdTask("normal-1")
	normal2 := cmdTask("normal-2")
	low := cmdTask("low")
	low.Priority = model.PriorityLow
	critical := cmdTask("critical")
	critical.Priority = model.PriorityCritical
	for _, task := range []model.Task{low, normal1, normal2, critical} {
		h.create(t, task)
	}
	for _, id := range []string{"low", "normal-1", "normal-2", "critical"} {
		h.waitStatus(t, id, model.TaskStatusReady)
	}

	close(gate)
	h.waitStatus(t, "low", model.TaskStatusSucceeded)

	want := []string{"gate", "critical", "normal-1", "normal-2", "low"}
	if got := h.sandbox.Order(); !slices.Equal(got, want) {
		t.Errorf("Expected dispatch order %v, got %v", want, got)
	}
	if h.sandbox.Peak() != 1 {
		t.Errorf("Expected at most 1 running, got %d", h.sandbox.Peak())
	}
}

func TestConcurrencyBound(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Concurrency = 2 })
	gates := map[string]chan struct{}{}
	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		gates[id] = h.sandbox.gate(id)
		h.create(t, cmdTask(id))
	}

	time.Sleep(50 * time.Millisecond)
	stats, err := h.s.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats[model.TaskStatusRunning] != 2 || stats[model.TaskStatusReady] != 3 {
		t.Errorf("Expected 2 running and 3 ready, got %v", stats)
	}

	for _, id := range ids {
		close(gates[id])
	}
	for _, id := range ids {
		h.waitStatus(t, id, model.TaskStatusSucceeded)
	}
	if h.sandbox.Peak() > 2 {
		t.Errorf("Expected at most 2 running, got %d", h.sandbox.Peak())
	}
}

func TestRetryThenCascade(t *testing.T) {
	h := newHarness(t, nil)
	h.sandbox.script("flaky", model.OutcomeFailure, model.OutcomeTimedOut, model.OutcomeFailure)

	flaky := cmdTask("flaky")
	flaky.Retry = model.RetryPolicy{MaxAttempts: 3, Backoff: model.BackoffExponential, BaseDelay: 5 * time.Millisecond}
	h.create(t, flaky)
	h.create(t, cmdTask("child", "flaky"))
	h.create(t, cmdTask("grandchild", "child"))

	failed := h.waitStatus(t, "flaky", model.TaskStatusFailed)
	h.waitStatus(t, "child", model.TaskStatusCancelled)
	h.waitStatus(t, "grandchild", model.TaskStatusCancelled)

	execs := h.executions(t, "flaky")
	if len(execs) != 3 {
		t.Fatalf("Expected 3 attempts, got %d", len(execs))
	}
	for i, e := range execs {
		if e.Attempt != i+1 {
			t.Errorf("Expected attempt %d, got %d", i+1, e.Attempt)
		}
	}
	if execs[0].Cause != model.CauseScheduled || execs[1].Cause != model.CauseRetry || execs[2].Cause != model.CauseRetry {
		t.Errorf("Unexpected causes %s %s %s", execs[0].Cause, execs[1].Cause, execs[2].Cause)
	}
	if len(failed.History) != 3 || failed.History[2] != execs[2].ID {
		t.Errorf("Expected history of 3 executions, got %v", failed.History)
	}
	if slices.Contains(h.sandbox.Order(), "child") {
		t.Error("Cancelled dependent must not run")
	}
}

func TestTerminalOutcomesAreNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.sandbox.script("denied", model.OutcomePolicyViolation)

	task := cmdTask("denied")
	task.Retry = model.RetryPolicy{MaxAttempts: 5}
	h.create(t, task)

	h.waitStatus(t, "denied", model.TaskStatusFailed)
	if execs := h.executions(t, "denied"); len(execs) != 1 {
		t.Errorf("Expected a single attempt, got %d", len(execs))
	}
}

func TestSkipModeLetsDependentsRun(t *testing.T) {
	h := newHarness(t, nil)
	h.sandbox.script("optional", model.OutcomeFailure)

	optional := cmdTask("optional")
	optional.FailureMode = model.FailSkip
	h.create(t, optional)
	h.create(t, cmdTask("after", "optional"))

	h.waitStatus(t, "optional", model.TaskStatusFailed)
	h.waitStatus(t, "after", model.TaskStatusSucceeded)
}

func TestSetDependenciesRejectsCycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for _, task := range []model.Task{cmdTask("a"), cmdTask("b", "a"), cmdTask("c", "b")} {
		task.Trigger = model.Trigger{Kind: model.TriggerManual}
		h.create(t, task)
	}

	_, err := h.s.SetDependencies(ctx, "a", []string{"c"})
	var cerr *model.CycleError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected *model.CycleError, got %v", err)
	}
	if cerr.TaskID != "a" || cerr.DependsOn != "c" {
		t.Errorf("Unexpected cycle error %+v", cerr)
	}

	a, _ := h.s.GetTask(ctx, "a")
	if len(a.DependsOn) != 0 {
		t.Errorf("Rejected edit was applied: %v", a.DependsOn)
	}
	stored, err := h.store.GetTask(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.DependsOn) != 0 {
		t.Errorf("Rejected edit was persisted: %v", stored.DependsOn)
	}

	// A legal edit is persisted.
	if _, err := h.s.SetDependencies(ctx, "c", []string{"a"}); err != nil {
		t.Fatal(err)
	}
	stored, _ = h.store.GetTask(ctx, "c")
	if !slices.Equal(stored.DependsOn, []string{"a"}) {
		t.Errorf("Expected persisted dependencies [a], got %v", stored.DependsOn)
	}

	_, err = h.s.CreateTask(ctx, model.Task{ID: "w", Name: "w", Kind: model.TaskKindWorkflow, Steps: []string{"w"}})
	if !errors.Is(err, model.ErrCyclicDependency) {
		t.Errorf("Expected self containment to be rejected, got %v", err)
	}
}

func TestDependencyOnEnclosingWorkflowKeepsGraphRestartable(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	x := cmdTask("x")
	x.Trigger = model.Trigger{Kind: model.TriggerManual}
	h.create(t, x)
	h.create(t, model.Task{ID: "w", Name: "w", Kind: model.TaskKindWorkflow, Steps: []string{"x"}, Trigger: model.Trigger{Kind: model.TriggerManual}})

	_, err := h.s.SetDependencies(ctx, "x", []string{"w"})
	if !errors.Is(err, model.ErrCyclicDependency) {
		t.Fatalf("Expected ErrCyclicDependency, got %v", err)
	}
	stored, err := h.store.GetTask(ctx, "x")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.DependsOn) != 0 {
		t.Errorf("Rejected edit was persisted: %v", stored.DependsOn)
	}

	s, err := New(Config{Repository: h.store, Ledger: h.ledger, Executor: h.s.cfg.Executor, Bus: h.bus})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	shutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = s.Shutdown(shutCtx)
}

func TestUnrecordedExecutionFailsTask(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.NewMemoryStore(ctx)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	failures := bus.Subscribe(events.Types(events.EventTypePersistenceFailed), 16)

	l, err := ledger.New(ledger.Config{Repository: unrecordableStore{store}, Bus: bus})
	if err != nil {
		t.Fatal(err)
	}
	sb := newScriptedSandbox()
	exec, err := NewExecutor(ExecutorConfig{Sandbox: sb, Ledger: l})
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(Config{Repository: store, Ledger: l, Executor: exec, Bus: bus})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	h := &harness{s: s, store: store, ledger: l, bus: bus, sandbox: sb}

	task := cmdTask("a")
	task.Retry = model.RetryPolicy{MaxAttempts: 3}
	h.create(t, task)
	h.create(t, cmdTask("b", "a"))

	got := h.waitStatus(t, "a", model.TaskStatusFailed)
	if got.Attempt != 1 {
		t.Errorf("Expected no retry after an unrecorded attempt, got attempt %d", got.Attempt)
	}
	if len(got.History) != 0 {
		t.Errorf("Expected no unrecorded execution in history, got %v", got.History)
	}
	if !strings.Contains(got.LastError, "not recorded") {
		t.Errorf("Expected last error to report the lost record, got %q", got.LastError)
	}
	h.waitStatus(t, "b", model.TaskStatusCancelled)
	if order := sb.Order(); !slices.Equal(order, []string{"a"}) {
		t.Errorf("Expected only the first attempt of a to run, got %v", order)
	}

	select {
	case env := <-failures.C():
		ev, ok := env.Event.(events.PersistenceFailedEvent)
		if !ok || ev.EntityID != "a" || ev.Op != "append execution" {
			t.Errorf("Unexpected persistence event %+v", env.Event)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no persistence failure event")
	}
}

func TestRunPolicy(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.sandbox.script("parent", model.OutcomeFailure)

	parent := cmdTask("parent")
	parent.Trigger = model.Trigger{Kind: model.TriggerManual}
	h.create(t, parent)
	h.create(t, cmdTask("child", "parent"))

	// Manual tasks wait for a run.
	time.Sleep(30 * time.Millisecond)
	if p, _ := h.s.GetTask(ctx, "parent"); p.Status != model.TaskStatusPending {
		t.Fatalf("Expected manual task to stay Pending, got %s", p.Status)
	}

	if _, err := h.s.RunTask(ctx, "parent"); err != nil {
		t.Fatal(err)
	}
	h.waitStatus(t, "parent", model.TaskStatusFailed)
	h.waitStatus(t, "child", model.TaskStatusCancelled)

	// Re-running a dependent of a hard failure cancels it again.
	child, err := h.s.RunTask(ctx, "child")
	if err != nil {
		t.Fatal(err)
	}
	if child.Instance != 2 {
		t.Errorf("Expected a fresh instance, got %d", child.Instance)
	}
	h.waitFor(t, "child", "cancelled second instance", func(task model.Task) bool {
		return task.Instance == 2 && task.Status == model.TaskStatusCancelled
	})

	// Re-running the failed task starts a fresh instance, dependents are not re-queued.
	gate := h.sandbox.gate("parent")
	rerun, err := h.s.RunTask(ctx, "parent")
	if err != nil {
		t.Fatal(err)
	}
	if rerun.Instance != 2 || rerun.Attempt != 0 || len(rerun.History) != 0 {
		t.Errorf("Expected fresh instance, got instance %d attempt %d history %v", rerun.Instance, rerun.Attempt, rerun.History)
	}
	h.waitFor(t, "parent", "second instance running", func(task model.Task) bool {
		return task.Instance == 2 && task.Status == model.TaskStatusRunning
	})

	_, err = h.s.RunTask(ctx, "parent")
	var terr *model.TransitionError
	if !errors.As(err, &terr) || terr.Attempted != "run" {
		t.Errorf("Expected run on Running to be rejected, got %v", err)
	}

	close(gate)
	h.waitStatus(t, "parent", model.TaskStatusSucceeded)
	if c, _ := h.s.GetTask(ctx, "child"); c.Status != model.TaskStatusCancelled {
		t.Errorf("Expected dependent to stay Cancelled, got %s", c.Status)
	}

	if _, err := h.s.RunTask(ctx, "child"); err != nil {
		t.Fatal(err)
	}
	h.waitStatus(t, "child", model.TaskStatusSucceeded)

	if _, err := h.s.RunTask(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCancelTask(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	t.Run("pending", func(t *testing.T) {
		task := cmdTask("later")
		task.Trigger = model.Trigger{Kind: model.TriggerAt, At: time.Now().Add(time.Hour)}
		h.create(t, task)
		h.create(t, cmdTask("after-later", "later"))

		got, err := h.s.CancelTask(ctx, "later")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != model.TaskStatusCancelled {
			t.Errorf("Expected Cancelled, got %s", got.Status)
		}
		h.waitStatus(t, "after-later", model.TaskStatusCancelled)
	})

	t.Run("running", func(t *testing.T) {
		h.sandbox.gate("long")
		h.create(t, cmdTask("long"))
		h.sandbox.waitStarted(t, "long")

		got, err := h.s.CancelTask(ctx, "long")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != model.TaskStatusRunning {
			t.Errorf("Expected Running until the worker reports, got %s", got.Status)
		}
		task := h.waitStatus(t, "long", model.TaskStatusCancelled)
		if len(task.History) != 1 {
			t.Errorf("Expected the cancelled attempt in history, got %v", task.History)
		}
	})

	t.Run("succeeded", func(t *testing.T) {
		h.create(t, cmdTask("quick"))
		h.waitStatus(t, "quick", model.TaskStatusSucceeded)
		_, err := h.s.CancelTask(ctx, "quick")
		if !errors.Is(err, model.ErrInvalidTransition) {
			t.Errorf("Expected ErrInvalidTransition, got %v", err)
		}
	})
}

func TestCancelGracePeriod(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.CancelGrace = 50 * time.Millisecond })
	ctx := context.Background()

	gate := h.sandbox.gate("stuck")
	h.sandbox.stubborn["stuck"] = true
	h.create(t, cmdTask("stuck"))
	h.sandbox.waitStarted(t, "stuck")

	if _, err := h.s.CancelTask(ctx, "stuck"); err != nil {
		t.Fatal(err)
	}
	h.waitStatus(t, "stuck", model.TaskStatusCancelled)

	// The late report doesn't change the outcome.
	close(gate)
	time.Sleep(30 * time.Millisecond)
	if task, _ := h.s.GetTask(ctx, "stuck"); task.Status != model.TaskStatusCancelled {
		t.Errorf("Expected Cancelled after late report, got %s", task.Status)
	}
}

func TestResourceLocksSerializeTasks(t *testing.T) {
	h := newHarness(t, nil)

	first := cmdTask("upgrade")
	first.Locks = []string{"dpkg"}
	second := cmdTask("autoremove")
	second.Locks = []string{"dpkg"}
	free := cmdTask("uptime")

	gate := h.sandbox.gate("upgrade")
	h.create(t, first)
	h.sandbox.waitStarted(t, "upgrade")
	h.create(t, second)
	h.create(t, free)

	h.waitStatus(t, "uptime", model.TaskStatusSucceeded)
	if task, _ := h.s.GetTask(context.Background(), "autoremove"); task.Status != model.TaskStatusReady {
		t.Errorf("Expected autoremove to wait for the dpkg lock, got %s", task.Status)
	}

	close(gate)
	h.waitStatus(t, "autoremove", model.TaskStatusSucceeded)
}

func TestRecurringTaskIsReArmed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	nightly := cmdTask("nightly")
	nightly.Trigger = model.Trigger{Kind: model.TriggerCron, Cron: "0 3 * * *"}
	created := h.create(t, nightly)
	if created.NotBefore.Before(time.Now()) {
		t.Errorf("Expected next fire time in the future, got %s", created.NotBefore)
	}
	h.create(t, cmdTask("after-nightly", "nightly"))

	if _, err := h.s.RunTask(ctx, "nightly"); err != nil {
		t.Fatal(err)
	}
	rearmed := h.waitFor(t, "nightly", "second instance", func(task model.Task) bool {
		return task.Instance == 2 && task.Status == model.TaskStatusPending
	})
	if rearmed.InstanceID == created.InstanceID || rearmed.Attempt != 0 || len(rearmed.History) != 0 {
		t.Errorf("Expected a fresh instance, got %+v", rearmed)
	}
	if !rearmed.NotBefore.After(time.Now()) {
		t.Errorf("Expected next fire time in the future, got %s", rearmed.NotBefore)
	}

	// Dependents see the archived success.
	h.waitStatus(t, "after-nightly", model.TaskStatusSucceeded)

	execs := h.executions(t, "nightly")
	if len(execs) != 1 || execs[0].InstanceID != created.InstanceID || execs[0].Cause != model.CauseManual {
		t.Errorf("Unexpected executions %+v", execs)
	}
}

func TestDeleteTask(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.create(t, cmdTask("base"))
	h.create(t, cmdTask("top", "base"))
	h.waitStatus(t, "top", model.TaskStatusSucceeded)

	if err := h.s.DeleteTask(ctx, "base"); !errors.Is(err, model.ErrNotValid) {
		t.Errorf("Expected ErrNotValid deleting a dependency, got %v", err)
	}
	if err := h.s.DeleteTask(ctx, "top"); err != nil {
		t.Fatal(err)
	}
	if err := h.s.DeleteTask(ctx, "base"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.s.GetTask(ctx, "base"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := h.store.GetTask(ctx, "base"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected task removed from the store, got %v", err)
	}

	h.sandbox.gate("busy")
	h.create(t, cmdTask("busy"))
	h.sandbox.waitStarted(t, "busy")
	if err := h.s.DeleteTask(ctx, "busy"); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition deleting a running task, got %v", err)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tests := map[string]struct {
		task model.Task
		err  error
	}{
		"missing command":    {model.Task{ID: "x", Name: "x", Kind: model.TaskKindCommand}, model.ErrNotValid},
		"missing dependency": {cmdTask("y", "nope"), model.ErrNotFound},
		"bad cron":           {model.Task{ID: "z", Name: "z", Kind: model.TaskKindCommand, Command: "true", Trigger: model.Trigger{Kind: model.TriggerCron, Cron: "every day"}}, model.ErrNotValid},
		"self dependency":    {cmdTask("s", "s"), model.ErrCyclicDependency},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := h.s.CreateTask(ctx, tc.task); !errors.Is(err, tc.err) {
				t.Errorf("Expected %v, got %v", tc.err, err)
			}
		})
	}

	h.create(t, cmdTask("dup"))
	if _, err := h.s.CreateTask(ctx, cmdTask("dup")); !errors.Is(err, model.ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists, got %v", err)
	}

	tasks, err := h.s.ListTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Errorf("Rejected tasks were added: %d tasks", len(tasks))
	}
}

func TestTaskStatusEvents(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.bus.Subscribe(events.Types(events.EventTypeTaskStatus), 64)
	defer sub.Close()

	h.create(t, cmdTask("watched"))
	h.waitStatus(t, "watched", model.TaskStatusSucceeded)

	var seen []model.TaskStatus
	timeout := time.After(time.Second)
	for len(seen) < 4 {
		select {
		case env := <-sub.C():
			ev := env.Event.(events.TaskStatusEvent)
			if ev.TaskID == "watched" {
				seen = append(seen, ev.To)
			}
		case <-timeout:
			t.Fatalf("Missing events, got %v", seen)
		}
	}
	want := []model.TaskStatus{model.TaskStatusPending, model.TaskStatusReady, model.TaskStatusRunning, model.TaskStatusSucceeded}
	if !slices.Equal(seen, want) {
		t.Errorf("Expected %v, got %v", want, seen)
	}
}

func TestRestore(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// Simulate a crash mid-run: persisted as Running.
	crashed := cmdTask("crashed").WithDefaults()
	crashed.Status = model.TaskStatusRunning
	crashed.Instance, crashed.InstanceID, crashed.Attempt, crashed.Fired = 1, "i-1", 1, true
	crashed.Seq = 1
	if err := h.store.SaveTask(ctx, crashed); err != nil {
		t.Fatal(err)
	}

	restarted := startHarness(t, h.store, nil)
	task := restarted.waitStatus(t, "crashed", model.TaskStatusSucceeded)
	if task.Attempt != 2 {
		t.Errorf("Expected attempt 2 after re-queue, got %d", task.Attempt)
	}

	var reasons []string
	for tr, err := range restarted.ledger.Transitions(ctx, model.TransitionFilter{EntityID: "crashed"}) {
		if err != nil {
			t.Fatal(err)
		}
		reasons = append(reasons, tr.Reason)
	}
	if len(reasons) == 0 || reasons[0] != "re-queued after restart" {
		t.Errorf("Expected re-queue transition first, got %v", reasons)
	}
}

func TestRestoreRejectsCyclicGraph(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	a := cmdTask("a").WithDefaults()
	a.Trigger.Kind = model.TriggerManual
	b := cmdTask("b", "a").WithDefaults()
	b.Trigger.Kind = model.TriggerManual
	for _, task := range []model.Task{a, b} {
		if err := h.store.SaveTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}
	a.DependsOn = []string{"b"}
	if err := h.store.SaveTask(ctx, a); err != nil {
		t.Fatal(err)
	}

	s, err := New(Config{Repository: h.store, Ledger: h.ledger, Executor: h.s.cfg.Executor, Bus: h.bus})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); !errors.Is(err, model.ErrCyclicDependency) {
		t.Errorf("Expected ErrCyclicDependency, got %v", err)
	}
}

func TestShutdownLeavesRunningForRestart(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.sandbox.gate("interrupted")
	h.create(t, cmdTask("interrupted"))
	h.sandbox.waitStarted(t, "interrupted")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.s.Shutdown(shutdownCtx); err != nil {
		t.Fatal(err)
	}

	stored, err := h.store.GetTask(ctx, "interrupted")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != model.TaskStatusRunning {
		t.Errorf("Expected Running to be kept for restart, got %s", stored.Status)
	}
	if _, err := h.s.GetTask(ctx, "interrupted"); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped after shutdown, got %v", err)
	}
}

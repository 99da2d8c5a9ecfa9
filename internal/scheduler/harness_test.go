package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/debai/internal/events"
	"github.com/aristath/debai/internal/ledger"
	"github.com/aristath/debai/internal/model"
	"github.com/aristath/debai/internal/persistence"
	"github.com/aristath/debai/internal/sandbox"
)

// scriptedSandbox runs "commands" by name. Outcomes are consumed in order per
// command and default to success; gated commands wait for their gate.
type scriptedSandbox struct {
	mu       sync.Mutex
	order    []string
	outcomes map[string][]model.OutcomeKind
	gates    map[string]chan struct{}
	stubborn map[string]bool // gated commands that ignore cancellation
	running  int
	peak     int
	started  chan string
}

func newScriptedSandbox() *scriptedSandbox {
	return &scriptedSandbox{
		outcomes: map[string][]model.OutcomeKind{},
		gates:    map[string]chan struct{}{},
		stubborn: map[string]bool{},
		started:  make(chan string, 256),
	}
}

func (f *scriptedSandbox) script(command string, kinds ...model.OutcomeKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[command] = append(f.outcomes[command], kinds...)
}

func (f *scriptedSandbox) gate(command string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[command] = ch
	return ch
}

func (f *scriptedSandbox) Run(ctx context.Context, spec sandbox.Spec) sandbox.Outcome {
	name := spec.Command
	if name == "" {
		name = spec.Script
	}
	started := time.Now()

	f.mu.Lock()
	f.order = append(f.order, name)
	f.running++
	f.peak = max(f.peak, f.running)
	gate := f.gates[name]
	stubborn := f.stubborn[name]
	kind := model.OutcomeSuccess
	if q := f.outcomes[name]; len(q) > 0 {
		kind, f.outcomes[name] = q[0], q[1:]
	}
	f.mu.Unlock()
	f.started <- name

	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	if gate != nil {
		if stubborn {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return sandbox.Outcome{Kind: model.OutcomeCancelled, ExitCode: -1, Err: ctx.Err(), StartedAt: started, EndedAt: time.Now()}
			}
		}
	}

	out := sandbox.Outcome{Kind: kind, Output: "ran " + name, StartedAt: started, EndedAt: time.Now()}
	if kind != model.OutcomeSuccess {
		out.ExitCode = 1
		out.Err = errors.New(string(kind))
	}
	return out
}

func (f *scriptedSandbox) Order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.order...)
}

func (f *scriptedSandbox) Peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func (f *scriptedSandbox) waitStarted(t *testing.T, name string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-f.started:
			if got == name {
				return
			}
		case <-timeout:
			t.Fatalf("command %s never started", name)
		}
	}
}

// unrecordableStore stores everything but executions.
type unrecordableStore struct {
	*persistence.SQLiteStore
}

func (unrecordableStore) AppendExecution(context.Context, model.Execution) error {
	return errors.New("disk full")
}

type harness struct {
	s       *Scheduler
	store   *persistence.SQLiteStore
	ledger  *ledger.Ledger
	bus     *events.EventBus
	sandbox *scriptedSandbox
	agents  AgentActor
}

func newHarness(t *testing.T, mod func(*Config)) *harness {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return startHarness(t, store, mod)
}

func startHarness(t *testing.T, store *persistence.SQLiteStore, mod func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()

	bus := events.NewEventBus()
	t.Cleanup(bus.Close)

	l, err := ledger.New(ledger.Config{Repository: store, Bus: bus})
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{store: store, ledger: l, bus: bus, sandbox: newScriptedSandbox()}
	exec, err := NewExecutor(ExecutorConfig{Sandbox: h.sandbox, Ledger: l})
	if err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		Repository:  store,
		Ledger:      l,
		Executor:    exec,
		Bus:         bus,
		Concurrency: 4,
	}
	if mod != nil {
		mod(&cfg)
	}
	h.s, err = New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.s.Shutdown(ctx)
	})
	return h
}

func (h *harness) create(t *testing.T, task model.Task) model.Task {
	t.Helper()
	created, err := h.s.CreateTask(context.Background(), task)
	if err != nil {
		t.Fatalf("CreateTask(%s) error = %v", task.ID, err)
	}
	return created
}

func (h *harness) waitFor(t *testing.T, id string, desc string, ok func(model.Task) bool) model.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		task, err := h.s.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("GetTask(%s) error = %v", id, err)
		}
		if ok(task) {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s: timed out waiting for %s, status %s", id, desc, task.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) waitStatus(t *testing.T, id string, want model.TaskStatus) model.Task {
	t.Helper()
	return h.waitFor(t, id, string(want), func(task model.Task) bool { return task.Status == want })
}

func (h *harness) executions(t *testing.T, taskID string) []model.Execution {
	t.Helper()
	execs, err := h.ledger.Collect(context.Background(), model.ExecutionFilter{TaskID: taskID})
	if err != nil {
		t.Fatal(err)
	}
	return execs
}

func cmdTask(id string, deps ...string) model.Task {
	return model.Task{ID: id, Name: id, Kind: model.TaskKindCommand, Command: id, DependsOn: deps}
}

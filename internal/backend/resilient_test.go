package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/debai/internal/model"
)

// scriptedBackend returns the configured results in order.
type scriptedBackend struct {
	mu        sync.Mutex
	name      string
	results   []any // Each entry is either a string or an error
	callCount int
}

func (b *scriptedBackend) next() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.callCount >= len(b.results) {
		return "", fmt.Errorf("unexpected call %d (only %d results configured)", b.callCount+1, len(b.results))
	}
	r := b.results[b.callCount]
	b.callCount++

	switch v := r.(type) {
	case string:
		return v, nil
	case error:
		return "", v
	default:
		return "", fmt.Errorf("invalid result type: %T", v)
	}
}

func (b *scriptedBackend) Name() string {
	if b.name == "" {
		return "scripted"
	}
	return b.name
}

func (b *scriptedBackend) Ensure(ctx context.Context, modelID string) error {
	_, err := b.next()
	return err
}

func (b *scriptedBackend) Generate(ctx context.Context, modelID, prompt string, opts Options) (string, error) {
	return b.next()
}

func (b *scriptedBackend) Chat(ctx context.Context, modelID string, messages []model.Message, opts Options) (string, error) {
	return b.next()
}

func (b *scriptedBackend) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callCount
}

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  time.Second,
		Multiplier:      2,
	}
}

func unavailable() error {
	return newError(KindUnreachable, "scripted", "m", errors.New("connection refused"))
}

// TestResilient_TransientThenSuccess verifies unavailable backends are retried.
func TestResilient_TransientThenSuccess(t *testing.T) {
	b := &scriptedBackend{results: []any{unavailable(), unavailable(), "ok"}}
	r, err := NewResilient(ResilientConfig{Backend: b, Retry: fastRetry()})
	if err != nil {
		t.Fatal(err)
	}

	out, err := r.Generate(context.Background(), "m", "p", Options{})
	if err != nil {
		t.Fatalf("Expected success after retries, got: %v", err)
	}
	if out != "ok" {
		t.Errorf("Expected ok, got %q", out)
	}
	if b.CallCount() != 3 {
		t.Errorf("Expected 3 calls, got %d", b.CallCount())
	}
}

// TestResilient_ModelNotLoadedIsNotRetried verifies non transient errors fail fast.
func TestResilient_ModelNotLoadedIsNotRetried(t *testing.T) {
	b := &scriptedBackend{results: []any{newError(KindModelNotLoaded, "scripted", "m", errors.New("nope"))}}
	r, err := NewResilient(ResilientConfig{Backend: b, Retry: fastRetry()})
	if err != nil {
		t.Fatal(err)
	}

	err = r.Ensure(context.Background(), "m")
	if !errors.Is(err, ErrModelNotLoaded) {
		t.Errorf("Expected ErrModelNotLoaded, got %v", err)
	}
	if b.CallCount() != 1 {
		t.Errorf("Expected 1 call, got %d", b.CallCount())
	}
}

// TestResilient_CircuitOpens verifies the breaker trips after consecutive failures
// and open-circuit errors are reported as an unavailable backend.
func TestResilient_CircuitOpens(t *testing.T) {
	results := make([]any, 10)
	for i := range results {
		results[i] = unavailable()
	}
	b := &scriptedBackend{name: "flaky", results: results}
	r, err := NewResilient(ResilientConfig{Backend: b, Retry: fastRetry()})
	if err != nil {
		t.Fatal(err)
	}

	_, err = r.Chat(context.Background(), "m", nil, Options{})
	if !errors.Is(err, model.ErrBackendUnavailable) {
		t.Fatalf("Expected ErrBackendUnavailable, got %v", err)
	}
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("Expected open circuit, got %v", err)
	}
	if b.CallCount() != 5 {
		t.Errorf("Expected breaker to stop calls after 5 failures, got %d", b.CallCount())
	}
}

// TestResilient_ContextCancelledStopsRetry verifies cancellation ends the retry loop.
func TestResilient_ContextCancelledStopsRetry(t *testing.T) {
	results := make([]any, 100)
	for i := range results {
		results[i] = unavailable()
	}
	b := &scriptedBackend{results: results}
	r, err := NewResilient(ResilientConfig{Backend: b, Retry: RetryConfig{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		MaxElapsedTime:  time.Minute,
	}})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = r.Generate(ctx, "m", "p", Options{})
	if err == nil {
		t.Fatal("Expected error after cancellation")
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("Retry loop ignored cancellation (%v)", d)
	}
}

// TestCircuitBreakerRegistry_PerBackend verifies each backend gets its own breaker.
func TestCircuitBreakerRegistry_PerBackend(t *testing.T) {
	reg := NewCircuitBreakerRegistry(nil)

	a1 := reg.Get("docker")
	a2 := reg.Get("docker")
	b := reg.Get("openai")

	if a1 != a2 {
		t.Error("Expected the same breaker for the same backend")
	}
	if a1 == b {
		t.Error("Expected different breakers for different backends")
	}
}

// TestCircuitBreaker_CancellationNotCounted verifies caller cancellation doesn't trip the breaker.
func TestCircuitBreaker_CancellationNotCounted(t *testing.T) {
	cb := NewCircuitBreakerRegistry(nil).Get("docker")

	for range 10 {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, context.Canceled })
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("Expected closed breaker, got %s", cb.State())
	}
}

func TestFactory(t *testing.T) {
	for _, typ := range []string{"", "docker", "openai"} {
		b, err := New(Config{Type: typ}, nil, nil)
		if err != nil {
			t.Fatalf("New(%q) failed: %v", typ, err)
		}
		if _, ok := b.(*Resilient); !ok {
			t.Errorf("New(%q) returned %T, expected a resilient wrapper", typ, b)
		}
	}

	if _, err := New(Config{Type: "unknown"}, nil, nil); err == nil {
		t.Error("Expected error for unknown backend type")
	}
}

func TestFormatChat(t *testing.T) {
	got := FormatChat([]model.Message{
		{Role: model.RoleSystem, Content: "be careful"},
		{Content: "update packages"},
	})
	want := "system: be careful\nuser: update packages\nassistant:"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

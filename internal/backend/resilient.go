package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/debai/internal/log"
	"github.com/aristath/debai/internal/model"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     time.Duration `yaml:"initial_interval,omitempty"` // default 100ms
	MaxInterval         time.Duration `yaml:"max_interval,omitempty"`     // default 10s
	MaxElapsedTime      time.Duration `yaml:"max_elapsed_time,omitempty"` // default 2min
	Multiplier          float64       `yaml:"multiplier,omitempty"`       // default 2.0
	RandomizationFactor float64       `yaml:"randomization_factor,omitempty"`
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.InitialInterval <= 0 {
		c.InitialInterval = def.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = def.MaxInterval
	}
	if c.MaxElapsedTime <= 0 {
		c.MaxElapsedTime = def.MaxElapsedTime
	}
	if c.Multiplier <= 0 {
		c.Multiplier = def.Multiplier
	}
	if c.RandomizationFactor < 0 {
		c.RandomizationFactor = def.RandomizationFactor
	}
	return c
}

// CircuitBreakerRegistry manages per-backend circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   log.Logger
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry(logger log.Logger) *CircuitBreakerRegistry {
	if logger == nil {
		logger = log.Noop
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger.WithValues(log.Kv{"svc": "backend.CircuitBreaker"}),
	}
}

// Get returns the circuit breaker for the given backend name.
// Creates a new one if it doesn't exist.
func (r *CircuitBreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,                // Allow 3 test requests in half-open state
		Interval:    0,                // Don't clear counts automatically
		Timeout:     30 * time.Second, // Stay open for 30s before testing recovery
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warningf("circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Only an unavailable backend counts against the breaker.
			return err == nil || !errors.Is(err, model.ErrBackendUnavailable) ||
				errors.Is(err, context.Canceled)
		},
	})

	r.breakers[name] = cb
	return cb
}

// ResilientConfig is the configuration of a resilient backend.
type ResilientConfig struct {
	Backend  Backend
	Retry    RetryConfig
	Breakers *CircuitBreakerRegistry
	Logger   log.Logger
}

func (c *ResilientConfig) defaults() error {
	if c.Backend == nil {
		return fmt.Errorf("backend is required")
	}
	c.Retry = c.Retry.withDefaults()
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	if c.Breakers == nil {
		c.Breakers = NewCircuitBreakerRegistry(c.Logger)
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "backend.Resilient", "backend": c.Backend.Name()})
	return nil
}

// Resilient retries unavailable backends with exponential backoff behind a circuit breaker.
type Resilient struct {
	next   Backend
	cb     *gobreaker.CircuitBreaker
	retry  RetryConfig
	logger log.Logger
}

// NewResilient wraps a backend.
func NewResilient(cfg ResilientConfig) (*Resilient, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &Resilient{
		next:   cfg.Backend,
		cb:     cfg.Breakers.Get(cfg.Backend.Name()),
		retry:  cfg.Retry,
		logger: cfg.Logger,
	}, nil
}

// Name implements Backend.
func (r *Resilient) Name() string { return r.next.Name() }

// Ensure implements Backend.
func (r *Resilient) Ensure(ctx context.Context, modelID string) error {
	_, err := r.call(ctx, modelID, func() (string, error) {
		return "", r.next.Ensure(ctx, modelID)
	})
	return err
}

// Generate implements Backend.
func (r *Resilient) Generate(ctx context.Context, modelID, prompt string, opts Options) (string, error) {
	return r.call(ctx, modelID, func() (string, error) {
		return r.next.Generate(ctx, modelID, prompt, opts)
	})
}

// Chat implements Backend.
func (r *Resilient) Chat(ctx context.Context, modelID string, messages []model.Message, opts Options) (string, error) {
	return r.call(ctx, modelID, func() (string, error) {
		return r.next.Chat(ctx, modelID, messages, opts)
	})
}

func (r *Resilient) call(ctx context.Context, modelID string, fn func() (string, error)) (string, error) {
	var out string

	operation := func() error {
		// Check context first - fail fast if cancelled
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := r.cb.Execute(func() (interface{}, error) {
			return fn()
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(newError(KindUnreachable, r.next.Name(), modelID, err))
			}
			if ctx.Err() != nil || !errors.Is(err, model.ErrBackendUnavailable) {
				return backoff.Permanent(err)
			}
			r.logger.Debugf("retrying %s: %s", modelID, err)
			return err
		}

		out = result.(string)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.retry.InitialInterval
	policy.MaxInterval = r.retry.MaxInterval
	policy.MaxElapsedTime = r.retry.MaxElapsedTime
	policy.Multiplier = r.retry.Multiplier
	policy.RandomizationFactor = r.retry.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return out, err
}

// Package backend talks to the local model runtimes agents reason with.
package backend

import (
	"context"
	"fmt"

	"github.com/aristath/debai/internal/log"
	"github.com/aristath/debai/internal/model"
)

// Backend defines the interface that all backend adapters must implement.
type Backend interface {
	// Name identifies the adapter in errors and logs.
	Name() string

	// Ensure makes sure the model is available, pulling it when needed.
	Ensure(ctx context.Context, modelID string) error

	// Generate completes a raw prompt.
	Generate(ctx context.Context, modelID, prompt string, opts Options) (string, error)

	// Chat answers the last message of a conversation.
	Chat(ctx context.Context, modelID string, messages []model.Message, opts Options) (string, error)
}

// New creates a new backend based on the provided configuration.
// This factory function switches on cfg.Type and returns the appropriate
// adapter wrapped with retries and a circuit breaker.
func New(cfg Config, tracker Tracker, logger log.Logger) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch cfg.Type {
	case "", "docker":
		b, err = NewDockerAdapter(cfg, tracker)
	case "openai":
		b, err = NewOpenAIAdapter(cfg)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	return NewResilient(ResilientConfig{
		Backend:  b,
		Retry:    cfg.Retry,
		Breakers: NewCircuitBreakerRegistry(logger),
		Logger:   logger,
	})
}

package backend

import (
	"errors"
	"fmt"
	"time"

	"github.com/aristath/debai/internal/model"
)

// Options tune a single generation.
type Options struct {
	MaxTokens   int
	Temperature float64
	Stop        []string
}

const (
	defaultMaxTokens   = 512
	defaultTemperature = 0.7
)

func (o Options) withDefaults() Options {
	if o.MaxTokens <= 0 {
		o.MaxTokens = defaultMaxTokens
	}
	if o.Temperature <= 0 {
		o.Temperature = defaultTemperature
	}
	return o
}

// Config defines the configuration for a backend.
type Config struct {
	Type    string `yaml:"type"` // "docker" or "openai"
	Binary  string `yaml:"binary,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`
	// Timeout bounds a single request, 0 means no bound beyond the caller's context.
	Timeout time.Duration `yaml:"timeout,omitempty"`
	Retry   RetryConfig   `yaml:"retry,omitempty"`
}

// ErrorKind classifies backend failures.
type ErrorKind string

const (
	KindModelNotLoaded ErrorKind = "model_not_loaded"
	KindTimeout        ErrorKind = "timeout"
	KindUnreachable    ErrorKind = "unreachable"
)

// ErrModelNotLoaded is matched by errors of kind KindModelNotLoaded.
var ErrModelNotLoaded = errors.New("model not loaded")

// Error is a typed backend failure.
type Error struct {
	Kind    ErrorKind
	Backend string
	Model   string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s backend %s for model %q: %v", e.Backend, e.Kind, e.Model, e.Err)
}

// Unwrap exposes the kind sentinel and the cause. Timeouts and unreachable
// backends match model.ErrBackendUnavailable.
func (e *Error) Unwrap() []error {
	switch e.Kind {
	case KindModelNotLoaded:
		return []error{ErrModelNotLoaded, e.Err}
	case KindTimeout:
		return []error{model.ErrBackendUnavailable, model.ErrTimedOut, e.Err}
	default:
		return []error{model.ErrBackendUnavailable, e.Err}
	}
}

func newError(kind ErrorKind, backend, modelID string, err error) *Error {
	return &Error{Kind: kind, Backend: backend, Model: modelID, Err: err}
}

// FormatChat renders messages as "role: content" lines followed by an
// assistant cue, for backends without a native chat interface.
func FormatChat(messages []model.Message) string {
	var b []byte
	for _, m := range messages {
		role := m.Role
		if role == "" {
			role = model.RoleUser
		}
		b = fmt.Appendf(b, "%s: %s\n", role, m.Content)
	}
	return string(b) + model.RoleAssistant + ":"
}

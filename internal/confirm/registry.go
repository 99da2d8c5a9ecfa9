// Package confirm issues and redeems the one-shot tokens that authorize
// destructive work, and routes pending confirmations to an operator.
package confirm

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/debai/internal/model"
)

const defaultTTL = 15 * time.Minute

// Token is a one-shot confirmation bound to a command.
type Token struct {
	Value     string    `json:"token"`
	Command   string    `json:"command"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RegistryConfig is the configuration of the token registry.
type RegistryConfig struct {
	TTL     time.Duration
	TimeNow func() time.Time
}

func (c *RegistryConfig) defaults() {
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.TimeNow == nil {
		c.TimeNow = time.Now
	}
}

// Registry keeps the outstanding tokens in memory.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]Token
	cfg    RegistryConfig
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	cfg.defaults()
	return &Registry{tokens: map[string]Token{}, cfg: cfg}
}

// Issue creates a token that authorizes command exactly once.
func (r *Registry) Issue(command string) (Token, error) {
	command = normalize(command)
	if command == "" {
		return Token{}, fmt.Errorf("a command is required: %w", model.ErrNotValid)
	}

	now := r.cfg.TimeNow()
	t := Token{
		Value:     uuid.NewString(),
		Command:   command,
		IssuedAt:  now,
		ExpiresAt: now.Add(r.cfg.TTL),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.expire(now)
	r.tokens[t.Value] = t
	return t, nil
}

// Redeem consumes token if it was issued for command and hasn't expired.
// A token that doesn't match the command is left untouched.
func (r *Registry) Redeem(token, command string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tokens[token]
	if !ok {
		return false
	}
	if r.cfg.TimeNow().After(t.ExpiresAt) {
		delete(r.tokens, token)
		return false
	}
	if t.Command != normalize(command) {
		return false
	}
	delete(r.tokens, token)
	return true
}

// Outstanding returns the number of unredeemed, unexpired tokens.
func (r *Registry) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expire(r.cfg.TimeNow())
	return len(r.tokens)
}

func (r *Registry) expire(now time.Time) {
	for k, t := range r.tokens {
		if now.After(t.ExpiresAt) {
			delete(r.tokens, k)
		}
	}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/aristath/debai/internal/log"
)

// StreamWriter is the subset of the redis client the bridge needs.
type StreamWriter interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisBridgeConfig is the configuration for the redis stream bridge.
type RedisBridgeConfig struct {
	Bus    *EventBus
	Client StreamWriter
	Stream string
	// MaxLen trims the stream approximately, 0 keeps everything.
	MaxLen  int64
	Filter  Filter
	BufSize int
	Logger  log.Logger
}

func (c *RedisBridgeConfig) defaults() error {
	if c.Bus == nil {
		return fmt.Errorf("bus is required")
	}
	if c.Client == nil {
		return fmt.Errorf("redis client is required")
	}
	if c.Stream == "" {
		c.Stream = "debai.events"
	}
	if c.MaxLen == 0 {
		c.MaxLen = 10000
	}
	if c.BufSize <= 0 {
		c.BufSize = 1024
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "events.RedisBridge"})
	return nil
}

// RedisBridge republishes bus events into a redis stream.
type RedisBridge struct {
	cfg RedisBridgeConfig
}

// NewRedisBridge creates a new bridge.
func NewRedisBridge(cfg RedisBridgeConfig) (*RedisBridge, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &RedisBridge{cfg: cfg}, nil
}

// Run forwards events until ctx is done or the bus closes.
func (r *RedisBridge) Run(ctx context.Context) error {
	sub := r.cfg.Bus.Subscribe(r.cfg.Filter, r.cfg.BufSize)
	defer sub.Close()

	r.cfg.Logger.Infof("Forwarding events to redis stream %s", r.cfg.Stream)
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := r.forward(ctx, env); err != nil {
				// Redis being down must not stall the engine.
				r.cfg.Logger.Warningf("could not forward event %d: %s", env.Seq, err)
			}
		}
	}
}

func (r *RedisBridge) forward(ctx context.Context, env Envelope) error {
	payload, err := Encode(env)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: r.cfg.Stream,
		Values: map[string]any{
			"type":  env.Event.EventType(),
			"topic": env.Event.Topic(),
			"seq":   env.Seq,
			"event": string(payload),
		},
	}
	if r.cfg.MaxLen > 0 {
		args.MaxLen = r.cfg.MaxLen
		args.Approx = true
	}

	return r.cfg.Client.XAdd(ctx, args).Err()
}

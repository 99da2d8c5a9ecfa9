package confirm

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/debai/internal/events"
	"github.com/aristath/debai/internal/log"
	"github.com/aristath/debai/internal/model"
)

// Request asks an operator to approve a destructive command.
type Request struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id,omitempty"`
	TaskID      string    `json:"task_id,omitempty"`
	Command     string    `json:"command"`
	RequestedAt time.Time `json:"requested_at"`

	askCtx     context.Context
	responseCh chan decision
}

type decision struct {
	token string
	err   error
}

// ApproveFunc decides a request. Returning false rejects it.
type ApproveFunc func(ctx context.Context, req Request) (bool, error)

// ChannelConfig is the configuration of the confirmation channel.
type ChannelConfig struct {
	Registry *Registry
	Approve  ApproveFunc
	// BufferSize should be about twice the number of concurrent askers.
	BufferSize int
	Bus        *events.EventBus
	Logger     log.Logger
}

func (c *ChannelConfig) defaults() error {
	if c.Registry == nil {
		return fmt.Errorf("registry is required")
	}
	if c.Approve == nil {
		return fmt.Errorf("approve func is required")
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 16
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "confirm.Channel"})
	return nil
}

// Channel serializes confirmation requests to a single approver and answers
// approved ones with a freshly issued token.
type Channel struct {
	requestCh chan Request
	cfg       ChannelConfig
	logger    log.Logger
	done      chan struct{}
}

// NewChannel returns a channel, Start must be called before Ask.
func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &Channel{
		requestCh: make(chan Request, cfg.BufferSize),
		cfg:       cfg,
		logger:    cfg.Logger,
		done:      make(chan struct{}),
	}, nil
}

// Start launches the request handler goroutine.
// It processes requests until the context is cancelled.
func (c *Channel) Start(ctx context.Context) {
	go c.handleRequests(ctx)
}

func (c *Channel) handleRequests(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.requestCh:
			if c.cfg.Bus != nil {
				c.cfg.Bus.Publish(events.ConfirmationPendingEvent{
					RequestID: req.ID,
					AgentID:   req.AgentID,
					TaskID:    req.TaskID,
					Command:   req.Command,
					Timestamp: req.RequestedAt,
				})
			}

			req.responseCh <- c.decide(ctx, req)
		}
	}
}

// decide asks the approver, giving up when either the channel or the asker is done.
func (c *Channel) decide(ctx context.Context, req Request) decision {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(req.askCtx, cancel)
	defer stop()

	ok, err := c.cfg.Approve(ctx, req)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return decision{err: ctxErr}
	}
	if err != nil {
		return decision{err: fmt.Errorf("could not get confirmation: %w", err)}
	}
	if !ok {
		c.logger.Infof("operator rejected %q", req.Command)
		return decision{err: fmt.Errorf("%w: operator rejected the command", model.ErrConfirmationRequired)}
	}

	tok, err := c.cfg.Registry.Issue(req.Command)
	if err != nil {
		return decision{err: err}
	}
	return decision{token: tok.Value}
}

// Ask requests approval for command and waits for the decision. It returns a
// token redeemable for command, or ErrConfirmationRequired when rejected.
func (c *Channel) Ask(ctx context.Context, agentID, taskID, command string) (string, error) {
	req := Request{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		TaskID:      taskID,
		Command:     command,
		RequestedAt: time.Now().UTC(),
		askCtx:      ctx,
		responseCh:  make(chan decision, 1),
	}

	select {
	case c.requestCh <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case d := <-req.responseCh:
		return d.token, d.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stop blocks until the handler goroutine has exited.
func (c *Channel) Stop() {
	<-c.done
}

// Queue is an approver that parks requests until an operator resolves them,
// typically through the HTTP API.
type Queue struct {
	mu      sync.Mutex
	pending map[string]queued
}

type queued struct {
	req    Request
	answer chan bool
}

// NewQueue returns an empty approval queue.
func NewQueue() *Queue {
	return &Queue{pending: map[string]queued{}}
}

// Approve blocks until the request is resolved or ctx is done. It is an ApproveFunc.
func (q *Queue) Approve(ctx context.Context, req Request) (bool, error) {
	answer := make(chan bool, 1)
	q.mu.Lock()
	q.pending[req.ID] = queued{req: req, answer: answer}
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.pending, req.ID)
		q.mu.Unlock()
	}()

	select {
	case ok := <-answer:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Resolve answers a pending request.
func (q *Queue) Resolve(id string, approve bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.pending[id]
	if !ok {
		return fmt.Errorf("confirmation request %s: %w", id, model.ErrNotFound)
	}
	delete(q.pending, id)
	p.answer <- approve
	return nil
}

// Pending lists the requests waiting for an operator.
func (q *Queue) Pending() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	reqs := make([]Request, 0, len(q.pending))
	for _, p := range q.pending {
		reqs = append(reqs, p.req)
	}
	slices.SortFunc(reqs, func(a, b Request) int { return a.RequestedAt.Compare(b.RequestedAt) })
	return reqs
}

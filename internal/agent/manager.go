// Package agent owns the agent lifecycle state machine and runs agent actions.
package agent

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/debai/internal/backend"
	"github.com/aristath/debai/internal/events"
	"github.com/aristath/debai/internal/log"
	"github.com/aristath/debai/internal/model"
	"github.com/aristath/debai/internal/sandbox"
)

// Repository persists agents and their conversations.
type Repository interface {
	SaveAgent(ctx context.Context, agent model.Agent) error
	GetAgent(ctx context.Context, agentID string) (*model.Agent, error)
	ListAgents(ctx context.Context) ([]model.Agent, error)
	DeleteAgent(ctx context.Context, agentID string) error
	SaveMessage(ctx context.Context, agentID string, msg model.Message) error
	GetHistory(ctx context.Context, agentID string, limit int) ([]model.Message, error)
}

// Recorder is the ledger the manager reports to.
type Recorder interface {
	Append(ctx context.Context, e model.Execution) (model.Execution, error)
	RecordTransition(ctx context.Context, tr model.Transition) (model.Transition, error)
}

// Confirmer obtains a confirmation token for a destructive command.
type Confirmer interface {
	Ask(ctx context.Context, agentID, taskID, command string) (string, error)
}

// ManagerConfig is the configuration of the agent manager.
type ManagerConfig struct {
	Repository Repository
	Ledger     Recorder
	Sandbox    sandbox.Runner
	Backend    backend.Backend
	// Confirmer is optional, without it destructive actions need a token up front.
	Confirmer Confirmer
	Bus       *events.EventBus
	// HistoryLimit is how many past messages are sent with each prompt.
	HistoryLimit int
	Logger       log.Logger
	TimeNow      func() time.Time
}

func (c *ManagerConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	if c.Sandbox == nil {
		return fmt.Errorf("sandbox is required")
	}
	if c.Backend == nil {
		return fmt.Errorf("backend is required")
	}
	if c.Bus == nil {
		return fmt.Errorf("event bus is required")
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "agent.Manager"})
	if c.TimeNow == nil {
		c.TimeNow = time.Now
	}
	return nil
}

// entry is the live state of one agent. mu serializes transitions; acts run
// outside of it and are tracked by inflight so Stop can wait for them.
type entry struct {
	mu       sync.Mutex
	inflight sync.WaitGroup

	stateMu sync.Mutex
	agent   model.Agent
	runCtx  context.Context
	cancel  context.CancelFunc
}

func (e *entry) snapshot() model.Agent {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	a := e.agent
	a.Config.Capabilities = slices.Clone(a.Config.Capabilities)
	a.Config.DenyList = slices.Clone(a.Config.DenyList)
	a.Config.AllowedCommands = slices.Clone(a.Config.AllowedCommands)
	return a
}

// Manager keeps the live registry of agents.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*entry
	cfg    ManagerConfig
	logger log.Logger
}

// NewManager returns an empty manager, call Restore to load persisted agents.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &Manager{
		agents: map[string]*entry{},
		cfg:    cfg,
		logger: cfg.Logger,
	}, nil
}

// Restore loads persisted agents. Agents caught mid-lifecycle are reset to
// Stopped, and agents marked auto-start are started.
func (m *Manager) Restore(ctx context.Context) error {
	agents, err := m.cfg.Repository.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("could not load agents: %w", err)
	}

	var autoStart []string
	for _, a := range agents {
		e := &entry{agent: a}
		m.mu.Lock()
		m.agents[a.ID] = e
		m.mu.Unlock()

		if a.Status != model.AgentStatusStopped && a.Status != model.AgentStatusError {
			if err := m.transition(ctx, e, model.AgentStatusStopped, "restored after restart"); err != nil {
				return err
			}
		}
		if a.Config.AutoStart {
			autoStart = append(autoStart, a.ID)
		}
	}

	for _, id := range autoStart {
		if _, err := m.Start(ctx, id); err != nil {
			m.logger.Warningf("could not auto-start agent %s: %s", id, err)
		}
	}
	m.logger.Infof("restored %d agents", len(agents))
	return nil
}

// Create registers a new agent in the Stopped state.
func (m *Manager) Create(ctx context.Context, a model.Agent) (model.Agent, error) {
	if a.Type == "" {
		a.Type = model.AgentTypeCustom
	}
	if err := a.Validate(); err != nil {
		return model.Agent{}, err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if len(a.Config.DenyList) == 0 {
		a.Config.DenyList = slices.Clone(model.DefaultDenyList)
	}
	if a.Backend == "" {
		a.Backend = m.cfg.Backend.Name()
	}
	now := m.cfg.TimeNow().UTC()
	a.Status = model.AgentStatusStopped
	a.LastError = ""
	a.CreatedAt, a.UpdatedAt = now, now

	m.mu.Lock()
	if _, ok := m.agents[a.ID]; ok {
		m.mu.Unlock()
		return model.Agent{}, fmt.Errorf("agent %s: %w", a.ID, model.ErrAlreadyExists)
	}
	e := &entry{agent: a}
	m.agents[a.ID] = e
	m.mu.Unlock()

	if err := m.cfg.Repository.SaveAgent(ctx, a); err != nil {
		m.mu.Lock()
		delete(m.agents, a.ID)
		m.mu.Unlock()
		return model.Agent{}, &model.PersistenceError{Op: "save agent", Err: err}
	}
	m.record(ctx, a, "", model.AgentStatusStopped, "created")
	m.logger.Infof("agent %s (%s) created", a.ID, a.Name)
	return a, nil
}

// Get returns a snapshot of an agent.
func (m *Manager) Get(id string) (model.Agent, error) {
	e, err := m.entry(id)
	if err != nil {
		return model.Agent{}, err
	}
	return e.snapshot(), nil
}

// List returns snapshots of all agents ordered by creation.
func (m *Manager) List() []model.Agent {
	m.mu.RLock()
	agents := make([]model.Agent, 0, len(m.agents))
	for _, e := range m.agents {
		agents = append(agents, e.snapshot())
	}
	m.mu.RUnlock()

	slices.SortFunc(agents, func(a, b model.Agent) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return agents
}

// Stats counts agents by status.
func (m *Manager) Stats() map[model.AgentStatus]int {
	stats := map[model.AgentStatus]int{}
	for _, a := range m.List() {
		stats[a.Status]++
	}
	return stats
}

// Start binds the agent to its model and makes it Running. Starting a Running
// agent is a no-op.
func (m *Manager) Start(ctx context.Context, id string) (model.Agent, error) {
	e, err := m.entry(id)
	if err != nil {
		return model.Agent{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.snapshot()
	switch cur.Status {
	case model.AgentStatusRunning:
		return cur, nil
	case model.AgentStatusStopped, model.AgentStatusError:
	default:
		return cur, &model.TransitionError{Entity: model.EntityAgent, ID: id, From: string(cur.Status), Attempted: "start"}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.stateMu.Lock()
	e.runCtx, e.cancel = runCtx, cancel
	e.stateMu.Unlock()

	if err := m.transition(ctx, e, model.AgentStatusStarting, "start requested"); err != nil {
		cancel()
		return e.snapshot(), err
	}

	// The bind is bounded by both the caller and Stop.
	bindCtx, stopBind := context.WithCancel(ctx)
	unhook := context.AfterFunc(runCtx, stopBind)
	bindErr := m.cfg.Backend.Ensure(bindCtx, cur.Config.Model)
	unhook()
	stopBind()

	if bindErr != nil {
		cancel()
		e.stateMu.Lock()
		e.agent.LastError = bindErr.Error()
		e.stateMu.Unlock()
		m.logger.Warningf("agent %s could not bind model %s: %s", id, cur.Config.Model, bindErr)
		if err := m.transition(ctx, e, model.AgentStatusError, "model bind failed: "+bindErr.Error()); err != nil {
			return e.snapshot(), err
		}
		return e.snapshot(), fmt.Errorf("could not start agent %s: %w", id, bindErr)
	}

	e.stateMu.Lock()
	e.agent.LastError = ""
	e.stateMu.Unlock()
	if err := m.transition(ctx, e, model.AgentStatusRunning, "model bound"); err != nil {
		return e.snapshot(), err
	}
	m.logger.Infof("agent %s running on %s", id, cur.Config.Model)
	return e.snapshot(), nil
}

// Stop cancels in-flight actions, waits for them and makes the agent Stopped.
// Stopping a Stopped agent is a no-op.
func (m *Manager) Stop(ctx context.Context, id string) (model.Agent, error) {
	e, err := m.entry(id)
	if err != nil {
		return model.Agent{}, err
	}

	// Abort a bind in progress before queueing behind Start.
	e.stateMu.Lock()
	if e.agent.Status == model.AgentStatusStarting && e.cancel != nil {
		e.cancel()
	}
	e.stateMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.snapshot()
	switch cur.Status {
	case model.AgentStatusStopped:
		return cur, nil
	case model.AgentStatusRunning, model.AgentStatusStarting, model.AgentStatusError:
	default:
		return cur, &model.TransitionError{Entity: model.EntityAgent, ID: id, From: string(cur.Status), Attempted: "stop"}
	}

	if err := m.transition(ctx, e, model.AgentStatusStopping, "stop requested"); err != nil {
		return e.snapshot(), err
	}

	e.stateMu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.stateMu.Unlock()
	e.inflight.Wait()

	if err := m.transition(ctx, e, model.AgentStatusStopped, "stopped"); err != nil {
		return e.snapshot(), err
	}
	m.logger.Infof("agent %s stopped", id)
	return e.snapshot(), nil
}

// Delete removes a Stopped agent.
func (m *Manager) Delete(ctx context.Context, id string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.snapshot()
	if cur.Status != model.AgentStatusStopped {
		return &model.TransitionError{Entity: model.EntityAgent, ID: id, From: string(cur.Status), Attempted: "delete"}
	}

	if err := m.cfg.Repository.DeleteAgent(ctx, id); err != nil {
		return &model.PersistenceError{Op: "delete agent", Err: err}
	}

	e.stateMu.Lock()
	e.agent.Status = model.AgentStatusDeleted
	e.stateMu.Unlock()

	m.mu.Lock()
	delete(m.agents, id)
	m.mu.Unlock()

	m.record(ctx, cur, cur.Status, model.AgentStatusDeleted, "deleted")
	m.logger.Infof("agent %s deleted", id)
	return nil
}

// History returns the latest conversation messages of an agent.
func (m *Manager) History(ctx context.Context, id string, limit int) ([]model.Message, error) {
	if _, err := m.entry(id); err != nil {
		return nil, err
	}
	msgs, err := m.cfg.Repository.GetHistory(ctx, id, limit)
	if err != nil {
		return nil, &model.PersistenceError{Op: "get history", Err: err}
	}
	return msgs, nil
}

// Shutdown stops every running agent.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, a := range m.List() {
		if a.Status == model.AgentStatusStopped {
			continue
		}
		if _, err := m.Stop(ctx, a.ID); err != nil {
			m.logger.Warningf("could not stop agent %s: %s", a.ID, err)
		}
	}
}

func (m *Manager) entry(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, model.ErrNotFound)
	}
	return e, nil
}

// transition moves e to status, persists it and records it. Callers hold e.mu.
func (m *Manager) transition(ctx context.Context, e *entry, to model.AgentStatus, reason string) error {
	e.stateMu.Lock()
	from := e.agent.Status
	e.agent.Status = to
	e.agent.UpdatedAt = m.cfg.TimeNow().UTC()
	a := e.agent
	e.stateMu.Unlock()

	if err := m.cfg.Repository.SaveAgent(context.WithoutCancel(ctx), a); err != nil {
		m.logger.Errorf("could not persist agent %s status %s: %s", a.ID, to, err)
		return &model.PersistenceError{Op: "save agent", Err: err}
	}
	m.record(ctx, a, from, to, reason)
	return nil
}

func (m *Manager) record(ctx context.Context, a model.Agent, from, to model.AgentStatus, reason string) {
	// The ledger logs and publishes its own failures, the state change itself already happened.
	_, _ = m.cfg.Ledger.RecordTransition(ctx, model.Transition{
		Entity:   model.EntityAgent,
		EntityID: a.ID,
		From:     string(from),
		To:       string(to),
		Reason:   reason,
	})
	m.cfg.Bus.Publish(events.AgentStatusEvent{
		AgentID:   a.ID,
		Name:      a.Name,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: m.cfg.TimeNow().UTC(),
	})
}

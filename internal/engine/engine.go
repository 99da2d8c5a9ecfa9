// Package engine wires the stores, the scheduler, the agent manager and the
// monitor into one explicitly started and stopped context.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/run"
	"github.com/redis/go-redis/v9"

	"github.com/aristath/debai/internal/agent"
	"github.com/aristath/debai/internal/backend"
	"github.com/aristath/debai/internal/config"
	"github.com/aristath/debai/internal/confirm"
	"github.com/aristath/debai/internal/events"
	"github.com/aristath/debai/internal/ledger"
	"github.com/aristath/debai/internal/log"
	"github.com/aristath/debai/internal/model"
	"github.com/aristath/debai/internal/monitor"
	"github.com/aristath/debai/internal/persistence"
	"github.com/aristath/debai/internal/sandbox"
	"github.com/aristath/debai/internal/scheduler"
	"github.com/aristath/debai/internal/workspace"
)

// Config is the configuration of the engine.
type Config struct {
	Settings *config.Config
	// Store is optional, defaults to the sqlite database of Settings.
	Store persistence.Store
	// Backend is optional, defaults to the backend of Settings.
	Backend backend.Backend
	// Source is optional, defaults to procfs when the monitor is enabled.
	Source monitor.Source
	// Streams is optional, defaults to a redis client when Settings has an address.
	Streams events.StreamWriter
	// Approve decides confirmation requests, defaults to the operator queue.
	Approve confirm.ApproveFunc
	Logger  log.Logger
	TimeNow func() time.Time
}

func (c *Config) defaults() error {
	if c.Settings == nil {
		c.Settings = config.DefaultConfig()
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	if c.TimeNow == nil {
		c.TimeNow = time.Now
	}
	return nil
}

// Engine owns every component of a running debai instance.
type Engine struct {
	cfg    Config
	logger log.Logger

	store     persistence.Store
	bus       *events.EventBus
	ledger    *ledger.Ledger
	sandbox   *sandbox.Sandbox
	workspace *workspace.Manager
	registry  *confirm.Registry
	queue     *confirm.Queue
	channel   *confirm.Channel
	agents    *agent.Manager
	scheduler *scheduler.Scheduler
	monitor   *monitor.Monitor
	bridge    *events.RedisBridge
	redis     *redis.Client

	stopChannel context.CancelFunc
	started     bool
}

// New builds the engine. Nothing runs until Start.
func New(ctx context.Context, cfg Config) (_ *Engine, err error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	settings := cfg.Settings
	e := &Engine{
		cfg:    cfg,
		logger: cfg.Logger.WithValues(log.Kv{"svc": "engine.Engine"}),
		bus:    events.NewEventBus(),
		queue:  confirm.NewQueue(),
	}
	defer func() {
		if err != nil {
			e.close()
		}
	}()

	e.store = cfg.Store
	if e.store == nil {
		dbPath := settings.DatabasePath()
		if dbPath != "" && dbPath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
				return nil, fmt.Errorf("could not create data directory: %w", err)
			}
		}
		store, err := persistence.NewSQLiteStore(ctx, persistence.SQLiteStoreConfig{DBPath: dbPath, Logger: cfg.Logger})
		if err != nil {
			return nil, fmt.Errorf("could not open store: %w", err)
		}
		e.store = store
	}

	e.ledger, err = ledger.New(ledger.Config{Repository: e.store, Bus: e.bus, Logger: cfg.Logger, TimeNow: cfg.TimeNow})
	if err != nil {
		return nil, fmt.Errorf("could not create ledger: %w", err)
	}

	e.registry = confirm.NewRegistry(confirm.RegistryConfig{TTL: settings.Engine.ConfirmTTL, TimeNow: cfg.TimeNow})
	approve := cfg.Approve
	if approve == nil {
		approve = e.queue.Approve
	}
	e.channel, err = confirm.NewChannel(confirm.ChannelConfig{
		Registry: e.registry,
		Approve:  approve,
		Bus:      e.bus,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create confirmation channel: %w", err)
	}

	e.workspace = workspace.NewManager(workspace.ManagerConfig{Root: settings.WorkspacePath()})
	e.sandbox, err = sandbox.New(sandbox.Config{
		DenyList:       settings.Sandbox.DenyList,
		DefaultTimeout: settings.Sandbox.DefaultTimeout,
		MaxOutput:      settings.Sandbox.MaxOutput,
		Shell:          settings.Sandbox.Shell,
		Workspace:      e.workspace,
		Verifier:       e.registry,
		Logger:         cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create sandbox: %w", err)
	}

	be := cfg.Backend
	if be == nil {
		be, err = backend.New(settings.Backend, e.sandbox.Processes(), cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("could not create backend: %w", err)
		}
	}

	e.agents, err = agent.NewManager(agent.ManagerConfig{
		Repository:   e.store,
		Ledger:       e.ledger,
		Sandbox:      e.sandbox,
		Backend:      be,
		Confirmer:    e.channel,
		Bus:          e.bus,
		HistoryLimit: settings.Engine.HistoryLimit,
		Logger:       cfg.Logger,
		TimeNow:      cfg.TimeNow,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create agent manager: %w", err)
	}

	executor, err := scheduler.NewExecutor(scheduler.ExecutorConfig{
		Sandbox:   e.sandbox,
		Agents:    e.agents,
		Confirmer: e.channel,
		Ledger:    e.ledger,
		Logger:    cfg.Logger,
		TimeNow:   cfg.TimeNow,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create executor: %w", err)
	}

	e.scheduler, err = scheduler.New(scheduler.Config{
		Repository:  e.store,
		Ledger:      e.ledger,
		Executor:    executor,
		Bus:         e.bus,
		Concurrency: settings.Engine.Concurrency,
		CancelGrace: settings.Engine.CancelGrace,
		Logger:      cfg.Logger,
		TimeNow:     cfg.TimeNow,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create scheduler: %w", err)
	}

	if settings.Monitor.Enabled {
		source := cfg.Source
		if source == nil {
			source, err = monitor.NewProcSource(monitor.ProcSourceConfig{
				ProcRoot:   settings.Monitor.ProcRoot,
				Mounts:     settings.Monitor.Mounts,
				Interfaces: settings.Monitor.Interfaces,
				Logger:     cfg.Logger,
			})
			if err != nil {
				return nil, fmt.Errorf("could not create inventory source: %w", err)
			}
		}
		e.monitor, err = monitor.New(monitor.Config{
			Source:      source,
			Thresholds:  settings.Monitor.Thresholds,
			Bus:         e.bus,
			Tasks:       e.scheduler,
			Interval:    settings.Monitor.Interval,
			HistorySize: settings.Monitor.HistorySize,
			Logger:      cfg.Logger,
			TimeNow:     cfg.TimeNow,
		})
		if err != nil {
			return nil, fmt.Errorf("could not create monitor: %w", err)
		}
	}

	streams := cfg.Streams
	if streams == nil && settings.Redis.Addr != "" {
		e.redis = redis.NewClient(&redis.Options{
			Addr:     settings.Redis.Addr,
			Password: settings.Redis.Password,
			DB:       settings.Redis.DB,
		})
		streams = e.redis
	}
	if streams != nil {
		e.bridge, err = events.NewRedisBridge(events.RedisBridgeConfig{
			Bus:    e.bus,
			Client: streams,
			Stream: settings.Redis.Stream,
			MaxLen: settings.Redis.MaxLen,
			Logger: cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("could not create redis bridge: %w", err)
		}
	}

	return e, nil
}

// Start restores agents and tasks, starts the scheduler and creates the
// seed tasks that don't exist yet.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return fmt.Errorf("engine already started")
	}

	var chCtx context.Context
	chCtx, e.stopChannel = context.WithCancel(context.WithoutCancel(ctx))
	e.channel.Start(chCtx)

	if err := e.agents.Restore(ctx); err != nil {
		return fmt.Errorf("could not restore agents: %w", err)
	}
	if err := e.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("could not start scheduler: %w", err)
	}
	e.started = true

	for _, name := range e.cfg.Settings.Engine.Seed {
		if _, err := e.scheduler.GetTask(ctx, name); err == nil {
			continue
		}
		if _, err := e.CreateTaskFromTemplate(ctx, name, name); err != nil {
			return fmt.Errorf("could not seed task %s: %w", name, err)
		}
	}

	e.logger.Infof("engine started")
	return nil
}

// Run drives the monitor and the event bridge until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	var g run.Group

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				<-ctx.Done()
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	if e.monitor != nil {
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				return e.monitor.Run(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	if e.bridge != nil {
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				return e.bridge.Run(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}

// Shutdown stops the scheduler and the agents and releases every resource.
// Running tasks are left Running so the next Start re-queues them.
func (e *Engine) Shutdown(ctx context.Context) error {
	var errs []error
	if e.started {
		if err := e.scheduler.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("could not stop scheduler: %w", err))
		}
		e.agents.Shutdown(ctx)
		e.started = false
	}
	if e.stopChannel != nil {
		e.stopChannel()
		e.channel.Stop()
		e.stopChannel = nil
	}
	if err := e.close(); err != nil {
		errs = append(errs, err)
	}
	e.logger.Infof("engine stopped")
	return errors.Join(errs...)
}

func (e *Engine) close() error {
	var errs []error
	if e.sandbox != nil {
		if err := e.sandbox.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("could not kill sandboxed processes: %w", err))
		}
	}
	e.bus.Close()
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("could not close redis client: %w", err))
		}
	}
	if e.store != nil && e.cfg.Store == nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("could not close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Settings returns the configuration the engine was built with.
func (e *Engine) Settings() *config.Config { return e.cfg.Settings }

// Bus returns the event bus.
func (e *Engine) Bus() *events.EventBus { return e.bus }

// Ledger returns the execution ledger.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Agents returns the agent manager.
func (e *Engine) Agents() *agent.Manager { return e.agents }

// Scheduler returns the task scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }

// Monitor returns the threshold monitor, nil when it is disabled.
func (e *Engine) Monitor() *monitor.Monitor { return e.monitor }

// Confirmations returns the queue of requests waiting for an operator.
func (e *Engine) Confirmations() *confirm.Queue { return e.queue }

// IssueToken issues a confirmation token for a destructive command.
func (e *Engine) IssueToken(command string) (confirm.Token, error) {
	return e.registry.Issue(command)
}

// Stats is an overview of the engine state.
type Stats struct {
	Agents               map[model.AgentStatus]int `json:"agents"`
	Tasks                model.TaskStats           `json:"tasks"`
	PendingConfirmations int                       `json:"pending_confirmations"`
	OutstandingTokens    int                       `json:"outstanding_tokens"`
	RunningProcesses     int                       `json:"running_processes"`
	Monitor              *monitor.Stats            `json:"monitor,omitempty"`
}

// Stats counts agents and tasks by status.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	tasks, err := e.scheduler.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		Agents:               e.agents.Stats(),
		Tasks:                tasks,
		PendingConfirmations: len(e.queue.Pending()),
		OutstandingTokens:    e.registry.Outstanding(),
		RunningProcesses:     e.sandbox.Processes().Count(),
	}
	if e.monitor != nil {
		ms := e.monitor.Stats()
		st.Monitor = &ms
	}
	return st, nil
}

package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/aristath/debai/internal/log"
	"github.com/aristath/debai/internal/model"
	"github.com/aristath/debai/internal/persistence/migrations"
)

// pageSize is the number of ledger rows fetched per query by the lazy iterators.
const pageSize = 256

// Store defines the persistence interface for agents, tasks, the execution ledger
// and agent conversation history.
type Store interface {
	// Agents
	SaveAgent(ctx context.Context, agent model.Agent) error
	GetAgent(ctx context.Context, agentID string) (*model.Agent, error)
	ListAgents(ctx context.Context) ([]model.Agent, error)
	DeleteAgent(ctx context.Context, agentID string) error

	// Task graph
	SaveTask(ctx context.Context, task model.Task) error
	GetTask(ctx context.Context, taskID string) (*model.Task, error)
	ListTasks(ctx context.Context) ([]model.Task, error)
	DeleteTask(ctx context.Context, taskID string) error

	// Ledger
	AppendExecution(ctx context.Context, exec model.Execution) error
	Executions(ctx context.Context, filter model.ExecutionFilter) iter.Seq2[model.Execution, error]
	AppendTransition(ctx context.Context, tr model.Transition) error
	Transitions(ctx context.Context, filter model.TransitionFilter) iter.Seq2[model.Transition, error]

	// Conversation history
	SaveMessage(ctx context.Context, agentID string, msg model.Message) error
	GetHistory(ctx context.Context, agentID string, limit int) ([]model.Message, error)

	// Lifecycle
	Close() error
}

// SQLiteStoreConfig is the configuration for the SQLite store.
type SQLiteStoreConfig struct {
	// DBPath is the database file, empty means a private in-memory database.
	DBPath string
	Logger log.Logger
}

func (c *SQLiteStoreConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "persistence.SQLiteStore"})
	return nil
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger log.Logger
}

// NewSQLiteStore creates a new SQLite-backed store.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var dsn string
	if cfg.DBPath == "" {
		// A unique name keeps every in-memory store isolated while the shared
		// cache lets the pool reuse the same database.
		dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", ulid.Make())
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create parent directories: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", cfg.DBPath)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; lazy readers fetch a page and release the connection before yielding.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	migrator, err := migrations.NewMigrator(db, cfg.Logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if cfg.DBPath != "" {
		cfg.Logger.Debugf("SQLite store initialized at %s", cfg.DBPath)
	}

	return &SQLiteStore{db: db, logger: cfg.Logger}, nil
}

// NewMemoryStore creates an in-memory SQLite store for testing.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	return NewSQLiteStore(ctx, SQLiteStoreConfig{})
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

type scanner interface {
	Scan(dest ...any) error
}

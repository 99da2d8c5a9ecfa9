// Package config loads the debai configuration: engine settings plus the
// agent and task templates operators instantiate by name.
package config

import (
	"maps"
	"time"

	"github.com/aristath/debai/internal/backend"
	"github.com/aristath/debai/internal/model"
	"github.com/aristath/debai/internal/monitor"
)

// Config is the top-level configuration structure.
type Config struct {
	// DataDir holds the database and script workspaces, defaults to ~/.debai.
	DataDir string         `yaml:"data_dir,omitempty"`
	Log     LogConfig      `yaml:"log"`
	Engine  EngineConfig   `yaml:"engine"`
	Sandbox SandboxConfig  `yaml:"sandbox"`
	Backend backend.Config `yaml:"backend"`
	Monitor MonitorConfig  `yaml:"monitor"`
	API     APIConfig      `yaml:"api"`
	Redis   RedisConfig    `yaml:"redis"`

	Agents map[string]AgentTemplate `yaml:"agents,omitempty"`
	Tasks  map[string]TaskTemplate  `yaml:"tasks,omitempty"`
}

// LogConfig selects the log output.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warning or error
	Format string `yaml:"format,omitempty"` // text or json
}

// EngineConfig tunes the scheduler and agent manager.
type EngineConfig struct {
	// Database is the sqlite file, relative paths are resolved against DataDir.
	Database        string        `yaml:"database,omitempty"`
	Concurrency     int           `yaml:"concurrency,omitempty"`
	CancelGrace     time.Duration `yaml:"cancel_grace,omitempty"`
	HistoryLimit    int           `yaml:"history_limit,omitempty"`
	ConfirmTTL      time.Duration `yaml:"confirm_ttl,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
	// Seed lists task templates created at startup when their id is not in use.
	Seed []string `yaml:"seed,omitempty"`
}

// SandboxConfig configures command execution.
type SandboxConfig struct {
	DenyList       []string      `yaml:"deny_list,omitempty"`
	DefaultTimeout time.Duration `yaml:"default_timeout,omitempty"`
	MaxOutput      int           `yaml:"max_output,omitempty"`
	Shell          string        `yaml:"shell,omitempty"`
	// Workspace is where scripts get their scratch directories.
	Workspace string `yaml:"workspace,omitempty"`
}

// MonitorConfig configures system sampling and alerting.
type MonitorConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Interval    time.Duration       `yaml:"interval,omitempty"`
	HistorySize int                 `yaml:"history_size,omitempty"`
	ProcRoot    string              `yaml:"proc_root,omitempty"`
	Mounts      []string            `yaml:"mounts,omitempty"`
	Interfaces  []string            `yaml:"interfaces,omitempty"`
	Thresholds  []monitor.Threshold `yaml:"thresholds,omitempty"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Listen      string   `yaml:"listen,omitempty"`
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// RedisConfig configures the optional event stream bridge. An empty Addr
// disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Stream   string `yaml:"stream,omitempty"`
	MaxLen   int64  `yaml:"max_len,omitempty"`
}

// AgentTemplate is a named agent definition.
type AgentTemplate struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Type        model.AgentType   `yaml:"type"`
	Config      model.AgentConfig `yaml:",inline"`
}

// Agent returns a new agent built from the template.
func (t AgentTemplate) Agent() model.Agent {
	cfg := t.Config
	cfg.Capabilities = append([]model.Capability(nil), cfg.Capabilities...)
	cfg.AllowedCommands = append([]string(nil), cfg.AllowedCommands...)
	cfg.DenyList = append([]string(nil), cfg.DenyList...)
	return model.Agent{
		Name:        t.Name,
		Description: t.Description,
		Type:        t.Type,
		Config:      cfg,
	}
}

// TaskTemplate is a named task definition.
type TaskTemplate struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Kind        model.TaskKind `yaml:"kind"`
	Priority    model.Priority `yaml:"priority"`

	Command     string        `yaml:"command,omitempty"`
	Script      string        `yaml:"script,omitempty"`
	Interpreter string        `yaml:"interpreter,omitempty"`
	AgentID     string        `yaml:"agent_id,omitempty"`
	Action      *model.Action `yaml:"action,omitempty"`
	Steps       []string      `yaml:"steps,omitempty"`
	Parallel    bool          `yaml:"parallel,omitempty"`

	Trigger     model.Trigger        `yaml:"trigger,omitempty"`
	DependsOn   []string             `yaml:"depends_on,omitempty"`
	FailureMode model.FailureMode    `yaml:"failure_mode,omitempty"`
	Retry       model.RetryPolicy    `yaml:"retry,omitempty"`
	Timeout     time.Duration        `yaml:"timeout,omitempty"`
	Limits      model.ResourceLimits `yaml:"limits,omitempty"`
	Env         map[string]string    `yaml:"env,omitempty"`
	WorkDir     string               `yaml:"work_dir,omitempty"`
	Locks       []string             `yaml:"locks,omitempty"`
	Destructive bool                 `yaml:"destructive,omitempty"`
}

// Task returns a new task with the given id built from the template.
func (t TaskTemplate) Task(id string) model.Task {
	task := model.Task{
		ID:          id,
		Name:        t.Name,
		Description: t.Description,
		Kind:        t.Kind,
		Priority:    t.Priority,
		Command:     t.Command,
		Script:      t.Script,
		Interpreter: t.Interpreter,
		AgentID:     t.AgentID,
		Steps:       append([]string(nil), t.Steps...),
		Parallel:    t.Parallel,
		Trigger:     t.Trigger,
		DependsOn:   append([]string(nil), t.DependsOn...),
		FailureMode: t.FailureMode,
		Retry:       t.Retry,
		Timeout:     t.Timeout,
		Limits:      t.Limits,
		WorkDir:     t.WorkDir,
		Locks:       append([]string(nil), t.Locks...),
		Destructive: t.Destructive,
	}
	if t.Action != nil {
		action := *t.Action
		task.Action = &action
	}
	if len(t.Env) > 0 {
		task.Env = maps.Clone(t.Env)
	}
	return task
}

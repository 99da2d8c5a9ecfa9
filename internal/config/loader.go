package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/debai/internal/model"
)

const (
	dirName  = ".debai"
	fileName = "config.yaml"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed YAML returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if cfg.DataDir == "" {
		if globalPath != "" {
			cfg.DataDir = filepath.Dir(globalPath)
		} else {
			cfg.DataDir = dirName
		}
	}
	return cfg, nil
}

// DefaultPaths returns the conventional config locations.
// Global: ~/.debai/config.yaml
// Project: .debai/config.yaml (relative to cwd)
func DefaultPaths() (globalPath, projectPath string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, dirName, fileName), filepath.Join(dirName, fileName), nil
}

// LoadDefault loads configuration from the conventional paths.
func LoadDefault() (*Config, error) {
	globalPath, projectPath, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, projectPath)
}

// mergeConfigFile decodes a YAML file over base. Sections present in the file
// replace the matching fields, templates are merged by name.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// DatabasePath returns the sqlite file location.
func (c *Config) DatabasePath() string {
	if c.Engine.Database == "" || c.Engine.Database == ":memory:" || filepath.IsAbs(c.Engine.Database) {
		return c.Engine.Database
	}
	return filepath.Join(c.DataDir, c.Engine.Database)
}

// WorkspacePath returns where script scratch directories are created.
func (c *Config) WorkspacePath() string {
	if c.Sandbox.Workspace != "" {
		return c.Sandbox.Workspace
	}
	return filepath.Join(c.DataDir, "workspaces")
}

// AgentTemplate returns the agent template registered under name.
func (c *Config) AgentTemplate(name string) (AgentTemplate, error) {
	t, ok := c.Agents[name]
	if !ok {
		return AgentTemplate{}, fmt.Errorf("agent template %q: %w", name, model.ErrNotFound)
	}
	return t, nil
}

// TaskTemplate returns the task template registered under name.
func (c *Config) TaskTemplate(name string) (TaskTemplate, error) {
	t, ok := c.Tasks[name]
	if !ok {
		return TaskTemplate{}, fmt.Errorf("task template %q: %w", name, model.ErrNotFound)
	}
	return t, nil
}

var logLevels = []string{"debug", "info", "warning", "error"}

// Validate checks the settings and every template.
func (c *Config) Validate() error {
	var errs []error

	if c.Log.Level != "" && !slices.Contains(logLevels, strings.ToLower(c.Log.Level)) {
		errs = append(errs, fmt.Errorf("log level %q must be one of %s: %w", c.Log.Level, strings.Join(logLevels, ", "), model.ErrNotValid))
	}
	if f := c.Log.Format; f != "" && f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log format %q must be text or json: %w", f, model.ErrNotValid))
	}
	if c.Engine.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("engine concurrency can't be negative: %w", model.ErrNotValid))
	}
	if t := c.Backend.Type; t != "" && t != "docker" && t != "openai" {
		errs = append(errs, fmt.Errorf("backend type %q must be docker or openai: %w", t, model.ErrNotValid))
	}
	if c.Backend.Type == "openai" && c.Backend.BaseURL == "" {
		errs = append(errs, fmt.Errorf("openai backend requires a base_url: %w", model.ErrNotValid))
	}

	names := map[string]bool{}
	for _, th := range c.Monitor.Thresholds {
		if err := th.Validate(); err != nil {
			errs = append(errs, err)
		}
		if names[th.Name] {
			errs = append(errs, fmt.Errorf("duplicate threshold %s: %w", th.Name, model.ErrAlreadyExists))
		}
		names[th.Name] = true
	}

	for _, name := range slices.Sorted(maps.Keys(c.Agents)) {
		if err := c.Agents[name].Agent().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("agent template %s: %w", name, err))
		}
	}
	for _, name := range slices.Sorted(maps.Keys(c.Tasks)) {
		t := c.Tasks[name].Task(name).WithDefaults()
		if err := t.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("task template %s: %w", name, err))
		}
	}
	for _, name := range c.Engine.Seed {
		if _, ok := c.Tasks[name]; !ok {
			errs = append(errs, fmt.Errorf("seed task %q: %w", name, model.ErrNotFound))
		}
	}

	return errors.Join(errs...)
}

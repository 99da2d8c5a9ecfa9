package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/alecthomas/kingpin/v2"

	"github.com/aristath/debai/internal/config"
	"github.com/aristath/debai/internal/log"
)

const (
	// LoggerTypeDefault is the logger default type.
	LoggerTypeDefault = "default"
	// LoggerTypeJSON is the logger json type.
	LoggerTypeJSON = "json"
)

// Command represents an application command, all commands that want to be executed
// should implement and setup on main.
type Command interface {
	Name() string
	Run(ctx context.Context) error
}

// RootCommand represents the root command configuration and global configuration
// for all the commands.
type RootCommand struct {
	// Global flags.
	Debug             bool
	NoLog             bool
	NoColor           bool
	LoggerType        string
	ConfigPath        string
	ProjectConfigPath string

	// Global instances.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger log.Logger
}

// NewRootCommand initializes the main root configuration.
func NewRootCommand(app *kingpin.Application) *RootCommand {
	c := &RootCommand{}

	app.Flag("debug", "Enable debug mode.").BoolVar(&c.Debug)
	app.Flag("no-log", "Disable logger.").BoolVar(&c.NoLog)
	app.Flag("no-color", "Disable logger color.").BoolVar(&c.NoColor)
	app.Flag("logger", "Selects the logger type.").Default(LoggerTypeDefault).EnumVar(&c.LoggerType, LoggerTypeDefault, LoggerTypeJSON)

	globalPath, projectPath, err := config.DefaultPaths()
	if err != nil {
		globalPath = ""
	}
	app.Flag("config", "Path to the global configuration file.").Default(globalPath).StringVar(&c.ConfigPath)
	app.Flag("project-config", "Path to the project configuration file, merged over the global one.").Default(projectPath).StringVar(&c.ProjectConfigPath)

	return c
}

// LoadConfig loads and validates the layered configuration.
func (c RootCommand) LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.ConfigPath, c.ProjectConfigPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"
)

type ValidateCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
}

// NewValidateCommand returns the validate command.
func NewValidateCommand(rootCmd *RootCommand, app *kingpin.Application) *ValidateCommand {
	c := &ValidateCommand{rootCmd: rootCmd}
	c.Cmd = app.Command("validate", "Check the configuration files.")
	return c
}

func (c ValidateCommand) Name() string { return c.Cmd.FullCommand() }

func (c ValidateCommand) Run(ctx context.Context) error {
	cfg, err := c.rootCmd.LoadConfig()
	if err != nil {
		return err
	}

	fmt.Fprintf(c.rootCmd.Stdout, "Configuration is valid.\n")
	fmt.Fprintf(c.rootCmd.Stdout, "Database:   %s\n", cfg.DatabasePath())
	fmt.Fprintf(c.rootCmd.Stdout, "Backend:    %s\n", cfg.Backend.Type)
	fmt.Fprintf(c.rootCmd.Stdout, "Templates:  %d agents, %d tasks\n", len(cfg.Agents), len(cfg.Tasks))
	if cfg.API.Enabled {
		fmt.Fprintf(c.rootCmd.Stdout, "API:        %s\n", cfg.API.Listen)
	}
	return nil
}

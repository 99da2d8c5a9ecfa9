package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/oklog/run"

	"github.com/aristath/debai/internal/api"
	"github.com/aristath/debai/internal/config"
	"github.com/aristath/debai/internal/engine"
	"github.com/aristath/debai/internal/tui"
)

type ServeCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	TUI    bool
	noAPI  bool
	listen string
}

// NewServeCommand returns the serve command.
func NewServeCommand(rootCmd *RootCommand, app *kingpin.Application) *ServeCommand {
	c := &ServeCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("serve", "Run the engine: scheduler, agents, monitor and the HTTP API.").Default()
	c.Cmd.Flag("tui", "Show the terminal dashboard.").BoolVar(&c.TUI)
	c.Cmd.Flag("no-api", "Don't serve the HTTP API.").BoolVar(&c.noAPI)
	c.Cmd.Flag("listen", "Address of the HTTP API, overrides the configuration.").StringVar(&c.listen)

	return c
}

func (c ServeCommand) Name() string { return c.Cmd.FullCommand() }

func (c ServeCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	settings, err := c.rootCmd.LoadConfig()
	if err != nil {
		return err
	}
	if c.listen != "" {
		settings.API.Listen = c.listen
	}

	eng, err := engine.New(ctx, engine.Config{Settings: settings, Logger: logger})
	if err != nil {
		return fmt.Errorf("could not create engine: %w", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settings.Engine.ShutdownTimeout)
		defer cancel()
		if err := eng.Shutdown(shutCtx); err != nil {
			logger.Errorf("could not shut down engine: %s", err)
		}
	}()
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("could not start engine: %w", err)
	}

	var g run.Group

	// Engine background loops.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error { return eng.Run(ctx) },
			func(_ error) { cancel() },
		)
	}

	if settings.API.Enabled && !c.noAPI {
		srv, err := api.New(api.Config{
			Engine:          eng,
			Listen:          settings.API.Listen,
			CORSOrigins:     settings.API.CORSOrigins,
			ShutdownTimeout: 10 * time.Second,
			Logger:          logger,
		})
		if err != nil {
			return fmt.Errorf("could not create API server: %w", err)
		}

		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error { return srv.Run(ctx) },
			func(_ error) { cancel() },
		)
	}

	if c.TUI {
		// The dashboard edits its own copy so saving never races the engine.
		editable, err := config.Load(c.rootCmd.ConfigPath, c.rootCmd.ProjectConfigPath)
		if err != nil {
			return err
		}
		model := tui.New(tui.EngineController(eng), eng.Bus(), editable, c.rootCmd.ConfigPath, c.rootCmd.ProjectConfigPath)
		defer model.Close()

		ctx, cancel := context.WithCancel(ctx)
		p := tea.NewProgram(model,
			tea.WithAltScreen(),
			tea.WithContext(ctx),
			tea.WithInput(c.rootCmd.Stdin),
			tea.WithOutput(c.rootCmd.Stdout),
		)
		g.Add(
			func() error {
				_, err := p.Run()
				if err != nil && ctx.Err() != nil {
					return nil
				}
				return err
			},
			func(_ error) { cancel() },
		)
	} else {
		// Without a dashboard the engine runs until a signal arrives.
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				<-ctx.Done()
				return nil
			},
			func(_ error) { cancel() },
		)
	}

	logger.Infof("debai engine running")
	return g.Run()
}

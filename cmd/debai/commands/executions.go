package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"

	"github.com/aristath/debai/internal/events"
	"github.com/aristath/debai/internal/ledger"
	"github.com/aristath/debai/internal/model"
	"github.com/aristath/debai/internal/persistence"
)

type ExecutionsCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	taskID  string
	agentID string
	outcome string
	since   time.Duration
	limit   int
	format  string
}

// NewExecutionsCommand returns the executions command.
func NewExecutionsCommand(rootCmd *RootCommand, app *kingpin.Application) *ExecutionsCommand {
	c := &ExecutionsCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("executions", "Query the execution ledger.")
	c.Cmd.Flag("task", "Only executions of this task.").StringVar(&c.taskID)
	c.Cmd.Flag("agent", "Only executions of this agent.").StringVar(&c.agentID)
	c.Cmd.Flag("outcome", "Only executions with this outcome (success, failure, timed_out...).").StringVar(&c.outcome)
	c.Cmd.Flag("since", "Only executions started within this duration.").DurationVar(&c.since)
	c.Cmd.Flag("limit", "Maximum number of executions.").Default("50").IntVar(&c.limit)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c ExecutionsCommand) Name() string { return c.Cmd.FullCommand() }

func (c ExecutionsCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	cfg, err := c.rootCmd.LoadConfig()
	if err != nil {
		return err
	}

	store, err := persistence.NewSQLiteStore(ctx, persistence.SQLiteStoreConfig{DBPath: cfg.DatabasePath(), Logger: logger})
	if err != nil {
		return fmt.Errorf("could not open store: %w", err)
	}
	defer store.Close()

	bus := events.NewEventBus()
	defer bus.Close()
	led, err := ledger.New(ledger.Config{Repository: store, Bus: bus, Logger: logger})
	if err != nil {
		return fmt.Errorf("could not create ledger: %w", err)
	}

	filter := model.ExecutionFilter{
		TaskID:  c.taskID,
		AgentID: c.agentID,
		Outcome: model.OutcomeKind(c.outcome),
		Limit:   c.limit,
	}
	if c.since > 0 {
		filter.Since = time.Now().Add(-c.since)
	}
	execs, err := led.Collect(ctx, filter)
	if err != nil {
		return fmt.Errorf("could not query executions: %w", err)
	}

	if c.format == "json" {
		enc := json.NewEncoder(c.rootCmd.Stdout)
		enc.SetIndent("", "  ")
		if execs == nil {
			execs = []model.Execution{}
		}
		return enc.Encode(execs)
	}

	if len(execs) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(c.rootCmd.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tTASK\tAGENT\tATTEMPT\tCAUSE\tOUTCOME\tEXIT\tDURATION\tOUTPUT")
	for _, e := range execs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%d\t%s\t%s\n",
			humanize.Time(e.StartedAt),
			orDash(e.TaskID),
			orDash(shortID(e.AgentID)),
			e.Attempt,
			e.Cause,
			e.Outcome,
			e.ExitCode,
			e.Duration().Round(time.Millisecond),
			summarize(e.Output),
		)
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// summarize returns the size and first line of an output.
func summarize(output string) string {
	if output == "" {
		return "-"
	}
	first, _, _ := strings.Cut(strings.TrimSpace(output), "\n")
	if len(first) > 40 {
		first = first[:37] + "..."
	}
	return fmt.Sprintf("%s %q", humanize.Bytes(uint64(len(output))), first)
}

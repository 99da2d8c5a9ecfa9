package commands

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/alecthomas/kingpin/v2"
)

type TemplatesCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
}

// NewTemplatesCommand returns the templates command.
func NewTemplatesCommand(rootCmd *RootCommand, app *kingpin.Application) *TemplatesCommand {
	c := &TemplatesCommand{rootCmd: rootCmd}
	c.Cmd = app.Command("templates", "List the agent and task templates.")
	return c
}

func (c TemplatesCommand) Name() string { return c.Cmd.FullCommand() }

func (c TemplatesCommand) Run(ctx context.Context) error {
	cfg, err := c.rootCmd.LoadConfig()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(c.rootCmd.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT TEMPLATE\tTYPE\tSCHEDULE\tCAPABILITIES")
	for _, name := range slices.Sorted(maps.Keys(cfg.Agents)) {
		tpl := cfg.Agents[name]
		caps := make([]string, 0, len(tpl.Config.Capabilities))
		for _, cp := range tpl.Config.Capabilities {
			caps = append(caps, string(cp))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, tpl.Type, orDash(tpl.Config.Schedule), strings.Join(caps, ","))
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "TASK TEMPLATE\tKIND\tPRIORITY\tTIMEOUT\tLOCKS")
	for _, name := range slices.Sorted(maps.Keys(cfg.Tasks)) {
		tpl := cfg.Tasks[name]
		timeout := "-"
		if tpl.Timeout > 0 {
			timeout = tpl.Timeout.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name, tpl.Kind, tpl.Priority, timeout, orDash(strings.Join(tpl.Locks, ",")))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

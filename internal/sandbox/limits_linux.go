//go:build linux

package sandbox

import (
	"fmt"
	"strings"

	"github.com/aristath/debai/internal/model"
)

// withLimits wraps the command so the shell sets the address space ceiling
// and the priority before it execs it, children inherit both from the start.
// A ceiling the shell can't set fails the run.
func withLimits(shell string, limits model.ResourceLimits, name string, args []string) (string, []string) {
	var steps []string
	if limits.MaxMemoryMB > 0 {
		steps = append(steps, fmt.Sprintf("ulimit -v %d", uint64(limits.MaxMemoryMB)*1024))
	}
	nice := niceness(limits.MaxCPUPercent)
	if len(steps) == 0 && nice == 0 {
		return name, args
	}

	run := `exec "$0" "$@"`
	if nice > 0 {
		run = fmt.Sprintf(`exec nice -n %d "$0" "$@"`, nice)
	}
	script := strings.Join(append(steps, run), " && ")
	return shell, append([]string{"-c", script, name}, args...)
}

//go:build !linux

package sandbox

import "github.com/aristath/debai/internal/model"

// withLimits leaves the command as is where RLIMIT_AS isn't enforced.
func withLimits(shell string, limits model.ResourceLimits, name string, args []string) (string, []string) {
	return name, args
}

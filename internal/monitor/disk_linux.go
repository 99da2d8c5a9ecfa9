//go:build linux

package monitor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// diskUsage returns the used share of the filesystem holding path the way df
// computes it, blocks reserved for root excluded.
func diskUsage(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	used := st.Blocks - st.Bfree
	avail := st.Bavail
	if used+avail == 0 {
		return 0, nil
	}
	return float64(used) / float64(used+avail) * 100, nil
}

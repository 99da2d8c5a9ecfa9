package workspace

import "time"

// Info holds information about a created scratch directory.
type Info struct {
	Path      string    // Absolute path to the directory
	OwnerID   string    // Execution or task the directory belongs to
	CreatedAt time.Time // Creation time, used by Prune
}

// ManagerConfig configures the workspace manager.
type ManagerConfig struct {
	Root   string // Parent of every scratch directory (default $TMPDIR/debai)
	Prefix string // Directory name prefix (default "run-")
}

// Package workspace manages the per-execution scratch directories scripts run from.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const ownerFile = ".owner"

// Manager creates and removes scratch directories under a root.
type Manager struct {
	config ManagerConfig
	mu     sync.Mutex // Serializes Prune against Create
}

// NewManager creates a new workspace manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Root == "" {
		cfg.Root = filepath.Join(os.TempDir(), "debai")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "run-"
	}
	return &Manager{config: cfg}
}

// Root returns the parent directory of all scratch directories.
func (m *Manager) Root() string { return m.config.Root }

// Create creates a fresh private directory for ownerID.
func (m *Manager) Create(ownerID string) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.config.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	dir, err := os.MkdirTemp(m.config.Root, m.config.Prefix+sanitize(ownerID)+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to restrict workspace: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ownerFile), []byte(ownerID), 0o600); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to write workspace owner: %w", err)
	}

	return &Info{Path: dir, OwnerID: ownerID, CreatedAt: time.Now()}, nil
}

// WriteFile writes a file inside the workspace and returns its absolute path.
func (m *Manager) WriteFile(info *Info, name string, data []byte, perm os.FileMode) (string, error) {
	if name == "" || strings.ContainsRune(name, os.PathSeparator) || name == ownerFile {
		return "", fmt.Errorf("invalid workspace file name %q", name)
	}
	path := filepath.Join(info.Path, name)
	if err := os.WriteFile(path, data, perm); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	return path, nil
}

// Cleanup removes the directory and everything in it.
func (m *Manager) Cleanup(info *Info) error {
	if info == nil || info.Path == "" {
		return nil
	}
	if !m.owns(info.Path) {
		return fmt.Errorf("refusing to remove %s outside workspace root %s", info.Path, m.config.Root)
	}
	if err := os.RemoveAll(info.Path); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	return nil
}

// List returns all scratch directories currently on disk.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.config.Root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}

	var infos []Info
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), m.config.Prefix) {
			continue
		}
		path := filepath.Join(m.config.Root, e.Name())
		fi, err := e.Info()
		if err != nil {
			continue
		}
		owner, _ := os.ReadFile(filepath.Join(path, ownerFile))
		infos = append(infos, Info{Path: path, OwnerID: string(owner), CreatedAt: fi.ModTime()})
	}
	return infos, nil
}

// Prune removes scratch directories older than maxAge left behind by crashed runs.
func (m *Manager) Prune(maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos, err := m.List()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, info := range infos {
		if info.CreatedAt.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(info.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	return removed, errors.Join(errs...)
}

func (m *Manager) owns(path string) bool {
	rel, err := filepath.Rel(m.config.Root, path)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..") && strings.HasPrefix(filepath.Base(path), m.config.Prefix)
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}

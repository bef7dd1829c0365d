package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

const (
	sourceDirName = "source"
	buildDirName  = "build"
)

// Manager owns project-specific directory trees under a common root. Each
// project occupies root/<id> with a source subtree and, for buildable types,
// a build-output subtree. The project id is treated as an opaque key; every
// path is resolved through this manager so callers can never construct a
// path outside the root.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Prepare creates a fresh project directory with an empty source subtree and
// returns the source path.
func (m *Manager) Prepare(id string) (string, error) {
	dir, err := m.projectDir(id)
	if err != nil {
		return "", err
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup project dir: %w", err)
	}
	src := filepath.Join(dir, sourceDirName)
	if err := os.MkdirAll(src, 0o755); err != nil {
		return "", fmt.Errorf("create source dir: %w", err)
	}
	return src, nil
}

// SourcePath resolves the source subtree for a project id.
func (m *Manager) SourcePath(id string) (string, error) {
	dir, err := m.projectDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, sourceDirName), nil
}

// BuildPath resolves the build-output subtree for a project id, creating it
// when requested.
func (m *Manager) BuildPath(id string, create bool) (string, error) {
	dir, err := m.projectDir(id)
	if err != nil {
		return "", err
	}
	out := filepath.Join(dir, buildDirName)
	if create {
		if err := os.RemoveAll(out); err != nil {
			return "", fmt.Errorf("reset build dir: %w", err)
		}
		if err := os.MkdirAll(out, 0o755); err != nil {
			return "", fmt.Errorf("create build dir: %w", err)
		}
	}
	return out, nil
}

// Remove deletes a project's entire directory tree.
func (m *Manager) Remove(id string) error {
	dir, err := m.projectDir(id)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// List returns the project ids currently present on disk.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("read workspace root: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

// projectDir confines the id under the workspace root. Identifiers carrying
// separators or traversal sequences are rejected before the join.
func (m *Manager) projectDir(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("project id cannot be empty")
	}
	if id != filepath.Base(id) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid project id %q", id)
	}
	dir, err := securejoin.SecureJoin(m.root, id)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	return dir, nil
}

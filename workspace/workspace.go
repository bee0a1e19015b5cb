package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/coderun/language"
)

// ErrInvalidID is returned for run ids that would escape the workspace root.
var ErrInvalidID = errors.New("invalid workspace id")

// Manager hands out per-run workspaces under a single root directory.
type Manager struct {
	root   string
	fs     FileSystem
	logger *zap.Logger
}

// NewManager creates a Manager rooted at root. The root is made absolute so it
// can be bind-mounted into containers.
func NewManager(root string, fs FileSystem, logger *zap.Logger) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root %q: %w", root, err)
	}
	if fs == nil {
		fs = RealFileSystem{}
	}
	return &Manager{
		root:   abs,
		fs:     fs,
		logger: logger.Named("workspace"),
	}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// New returns the workspace for the given run id. Nothing is created on disk
// until Stage is called.
func (m *Manager) New(id string) *Workspace {
	return &Workspace{
		ID:  id,
		Dir: filepath.Join(m.root, id),
		fs:  m.fs,
	}
}

// Sweep removes workspace directories whose modification time is older than
// olderThan. It returns the number of directories removed.
func (m *Manager) Sweep(olderThan time.Duration) (int, error) {
	entries, err := m.fs.ReadDir(m.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list workspace root: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	var errs []error

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed concurrently by its own run.
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		dir := filepath.Join(m.root, entry.Name())
		if err := m.fs.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
			continue
		}
		removed++
		m.logger.Info("removed stale workspace", zap.String("dir", dir), zap.Time("modified", info.ModTime()))
	}

	return removed, errors.Join(errs...)
}

// Workspace is the directory owned by a single execution.
type Workspace struct {
	ID  string
	Dir string

	fs FileSystem
}

// Stage creates the workspace directory and writes source under the profile's
// source file name. It returns the path of the written file.
func (w *Workspace) Stage(profile language.Profile, source string) (string, error) {
	if w.ID == "" || filepath.Base(w.Dir) != w.ID {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, w.ID)
	}

	if err := w.fs.MkdirAll(w.Dir, DirPermission); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}

	path := filepath.Join(w.Dir, profile.SourceFile)
	if err := w.fs.WriteFile(path, []byte(source), FilePermission); err != nil {
		return "", fmt.Errorf("failed to write source file: %w", err)
	}

	return path, nil
}

// Clear removes the workspace directory and everything in it. It is safe to
// call when nothing was staged.
func (w *Workspace) Clear() error {
	if err := w.fs.RemoveAll(w.Dir); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", w.Dir, err)
	}
	return nil
}

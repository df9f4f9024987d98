// Package resources owns the runtime resources of builds: workspace
// directories, local ports and supervised dev-server processes.
package resources

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"voice-orchestrator/backend/internal/errs"
)

// Workspaces lays out one directory per project under a root.
type Workspaces struct {
	root string
}

// NewWorkspaces creates a Workspaces rooted at root.
func NewWorkspaces(root string) *Workspaces {
	return &Workspaces{root: root}
}

// Root returns the workspace root directory.
func (w *Workspaces) Root() string { return w.root }

// Path returns the directory for id without creating it.
func (w *Workspaces) Path(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", errs.Validation("invalid workspace id %q", id)
	}
	return filepath.Join(w.root, id), nil
}

// Create makes the directory for id and returns its path. Creating an
// existing workspace is not an error.
func (w *Workspaces) Create(id string) (string, error) {
	dir, err := w.Path(id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errs.Resource("create workspace %s: %v", id, err)
	}
	return dir, nil
}

// Remove deletes the directory for id and everything in it.
func (w *Workspaces) Remove(id string) error {
	dir, err := w.Path(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove workspace %s: %w", id, err)
	}
	return nil
}

package cycle

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace is an isolated copy of one target, owned by one cycle.
type Workspace struct {
	Dir  string
	Path string
}

// newWorkspace copies content into <root>/<cycleID>/<base name of target>.
func newWorkspace(root, cycleID, target string, content []byte, mode os.FileMode) (*Workspace, error) {
	dir := filepath.Join(root, cycleID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	ws := &Workspace{Dir: dir, Path: filepath.Join(dir, filepath.Base(target))}
	if err := ws.Write(content, mode); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return ws, nil
}

// Write replaces the workspace copy.
func (w *Workspace) Write(content []byte, mode os.FileMode) error {
	if err := os.WriteFile(w.Path, content, mode); err != nil {
		return fmt.Errorf("write workspace copy: %w", err)
	}
	// WriteFile keeps the mode of an existing file; force it for fresh candidates.
	return os.Chmod(w.Path, mode)
}

// Read returns the workspace copy.
func (w *Workspace) Read() ([]byte, error) {
	return os.ReadFile(w.Path)
}

// Remove discards the workspace.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.Dir)
}

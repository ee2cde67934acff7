package cycle

import (
	"os"
	"path/filepath"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/fsutil"
)

// Artifacts reads and writes live target artifacts.
type Artifacts interface {
	Read(target string) ([]byte, error)
	Write(target string, content []byte) error
	// Path resolves target to a filesystem path (for file modes, checkers and workspaces).
	Path(target string) string
}

// FileArtifacts treats targets as file paths relative to Root.
type FileArtifacts struct {
	Root string
}

// NewFileArtifacts creates FileArtifacts rooted at root ("" = working directory).
func NewFileArtifacts(root string) *FileArtifacts {
	return &FileArtifacts{Root: root}
}

// Path implements Artifacts.
func (a *FileArtifacts) Path(target string) string {
	if filepath.IsAbs(target) || a.Root == "" {
		return target
	}
	return filepath.Join(a.Root, target)
}

// Read implements Artifacts.
func (a *FileArtifacts) Read(target string) ([]byte, error) {
	return os.ReadFile(a.Path(target))
}

// Write implements Artifacts. The write is atomic and keeps the file mode.
func (a *FileArtifacts) Write(target string, content []byte) error {
	path := a.Path(target)
	return fsutil.WriteFileAtomic(path, content, fsutil.FileMode(path, 0o644))
}

// NormalizeTarget returns the artifact identifier for target. It is the
// cleaned path the caller gave; see fsutil.CleanTarget.
func NormalizeTarget(target string) string {
	return fsutil.CleanTarget(target)
}

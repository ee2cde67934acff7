package cycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileArtifactsKeepsMode(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "bin", "tool.sh")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))

	a := NewFileArtifacts(root)
	assert.Equal(t, path, a.Path("bin/tool.sh"))
	assert.Equal(t, "/abs/x", a.Path("/abs/x"))

	require.NoError(t, a.Write("bin/tool.sh", []byte("#!/bin/sh\necho hi\n")))
	data, err := a.Read("bin/tool.sh")
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho hi\n", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestWorkspaceLifecycle(t *testing.T) {
	root := t.TempDir()
	ws, err := newWorkspace(root, "cyc_1", "pkg/agent.go", []byte("v1"), 0o600)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "cyc_1", "agent.go"), ws.Path)

	require.NoError(t, ws.Write([]byte("v2"), 0o640))
	data, err := ws.Read()
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	info, err := os.Stat(ws.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())

	require.NoError(t, ws.Remove())
	_, err = os.Stat(ws.Dir)
	assert.True(t, os.IsNotExist(err))
}

func TestNormalizeTarget(t *testing.T) {
	assert.Equal(t, "pkg/a.go", NormalizeTarget("./pkg//a.go"))
	assert.Equal(t, "a.go", NormalizeTarget("pkg/../a.go"))
	assert.Equal(t, "cafe\u0301.go", NormalizeTarget("cafe\u0301.go"), "the identifier keeps the caller's spelling")
}

func TestDecomposedFileNameRoundTrip(t *testing.T) {
	root := t.TempDir()
	name := "cafe\u0301.go"
	require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(originalGo), 0o644))

	artifacts := NewFileArtifacts(root)
	h := newHarness(t, withDeps(func(d *Dependencies) { d.Artifacts = artifacts }))

	res := h.engine.RunCycle(context.Background(), "./"+name, testContext, false)
	require.Equal(t, OutcomePromoted, res.Outcome, res.FailureReason)
	assert.Equal(t, name, res.Target)

	data, err := os.ReadFile(filepath.Join(root, name))
	require.NoError(t, err)
	assert.Equal(t, improvedGo, string(data))

	_, err = h.engine.RollbackToNthBackup(context.Background(), name, 1, "")
	require.NoError(t, err)
	data, err = os.ReadFile(filepath.Join(root, name))
	require.NoError(t, err)
	assert.Equal(t, originalGo, string(data))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no file is created under another spelling")
}

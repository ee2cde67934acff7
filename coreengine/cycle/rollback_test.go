package cycle

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/backup"
)

// promoteVersions runs n promoting cycles and returns the versions written.
func promoteVersions(t *testing.T, h *harness, n int) []string {
	t.Helper()
	vs := versions(n)
	h.generator.Replacements = vs
	out := make([]string, n)
	for i := range vs {
		res := h.engine.RunCycle(context.Background(), targetA, testContext, false)
		require.Equal(t, OutcomePromoted, res.Outcome, res.FailureReason)
		out[i] = string(vs[i])
	}
	return out
}

func TestRollbackToNthBackup(t *testing.T) {
	h := newHarness(t)
	vs := promoteVersions(t, h, 3)
	require.Equal(t, vs[2], h.artifacts.content(targetA))

	// Backups, newest first: vs[1], vs[0], original.
	res, err := h.engine.RollbackToNthBackup(context.Background(), targetA, 3, "bad release")
	require.NoError(t, err)

	assert.Equal(t, originalGo, h.artifacts.content(targetA))
	assert.Equal(t, 3, res.N)
	assert.Equal(t, targetA, res.ArtifactID)
	require.NotNil(t, res.PreRollback)
	assert.Equal(t, "pre-rollback: bad release", res.PreRollback.Reason)

	pre, err := h.backups.Content(*res.PreRollback)
	require.NoError(t, err)
	assert.Equal(t, vs[2], string(pre))
	assert.True(t, h.logger.HasLog("info", "rollback_completed"))
}

func TestRollbackIsReversible(t *testing.T) {
	h := newHarness(t)
	vs := promoteVersions(t, h, 2)

	_, err := h.engine.RollbackToNthBackup(context.Background(), targetA, 1, "")
	require.NoError(t, err)
	assert.Equal(t, vs[0], h.artifacts.content(targetA))

	res, err := h.engine.RollbackToNthBackup(context.Background(), targetA, 1, "")
	require.NoError(t, err)
	assert.Equal(t, vs[1], h.artifacts.content(targetA))
	assert.Equal(t, backup.ReasonPreRollback, res.RestoredFrom.Reason)
}

func TestRollbackErrors(t *testing.T) {
	h := newHarness(t)
	promoteVersions(t, h, 1)

	_, err := h.engine.RollbackToNthBackup(context.Background(), targetA, 5, "")
	assert.ErrorIs(t, err, backup.ErrNoBackup)

	_, err = h.engine.RollbackToNthBackup(context.Background(), targetA, 0, "")
	assert.Error(t, err)

	_, err = h.engine.RollbackToNthBackup(context.Background(), "never-seen.go", 1, "")
	assert.ErrorIs(t, err, backup.ErrNoBackup)
	assert.True(t, h.logger.HasLog("error", "rollback_failed"))
}

func TestRollbackMissingArtifact(t *testing.T) {
	h := newHarness(t)
	promoteVersions(t, h, 1)
	delete(h.artifacts.files, targetA)

	res, err := h.engine.RollbackToNthBackup(context.Background(), targetA, 1, "")
	require.NoError(t, err)
	assert.Nil(t, res.PreRollback)
	assert.Equal(t, originalGo, h.artifacts.content(targetA))
	assert.True(t, h.logger.HasLog("warn", "rollback_artifact_missing"))
}

func TestRollbackWriteFailureKeepsCurrent(t *testing.T) {
	h := newHarness(t)
	vs := promoteVersions(t, h, 1)
	h.artifacts.failWrite = func(_ int, _ string, content []byte) error {
		if string(content) == originalGo {
			return errDiskFull
		}
		return nil
	}

	_, err := h.engine.RollbackToNthBackup(context.Background(), targetA, 1, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, vs[0], h.artifacts.content(targetA))
}

func TestRollbackRejectsCorruptBackup(t *testing.T) {
	h := newHarness(t)
	vs := promoteVersions(t, h, 1)

	rec, err := h.backups.NthLatest(targetA, 1)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(rec.BackupLocation, []byte("tampered"), 0o644))

	_, err = h.engine.RollbackToNthBackup(context.Background(), targetA, 1, "")
	var integrityErr *backup.IntegrityError
	require.ErrorAs(t, err, &integrityErr)
	assert.Equal(t, rec.ID, integrityErr.BackupID)
	assert.Equal(t, vs[0], h.artifacts.content(targetA))

	records := h.backupsOf(t, targetA)
	assert.Len(t, records, 1, "no pre-rollback backup for a rejected rollback")
}

package cycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/backup"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/observability"
)

// RollbackResult describes a completed Nth-backup rollback.
type RollbackResult struct {
	ArtifactID   string        `json:"artifact_id"`
	N            int           `json:"n"`
	RestoredFrom backup.Record `json:"restored_from"`
	// PreRollback captures the state that was overwritten, so the rollback
	// can itself be rolled back with n=1. Nil if the artifact did not exist.
	PreRollback *backup.Record `json:"pre_rollback,omitempty"`
}

// RollbackToNthBackup restores artifactID from its n-th most recent backup
// (1 = most recent). The current state is backed up before it is overwritten.
func (e *Engine) RollbackToNthBackup(ctx context.Context, artifactID string, n int, reason string) (RollbackResult, error) {
	artifactID = NormalizeTarget(artifactID)
	_, span := observability.StartSpan(ctx, "cycle.rollback")

	result, err := e.rollback(artifactID, n, reason)
	observability.EndSpan(span, err)
	if err != nil {
		observability.RecordRollback("error")
		e.logger.Error("rollback_failed", "artifact_id", artifactID, "n", n, "error", err.Error())
		return RollbackResult{}, err
	}

	observability.RecordRollback("success")
	e.logger.Info("rollback_completed",
		"artifact_id", artifactID,
		"n", n,
		"restored_from", result.RestoredFrom.ID,
		"reason", reason,
	)
	return result, nil
}

func (e *Engine) rollback(artifactID string, n int, reason string) (RollbackResult, error) {
	target, err := e.backups.NthLatest(artifactID, n)
	if err != nil {
		return RollbackResult{}, err
	}
	content, err := e.backups.Content(target)
	if err != nil {
		return RollbackResult{}, err
	}

	result := RollbackResult{ArtifactID: artifactID, N: n, RestoredFrom: target}

	current, readErr := e.artifacts.Read(artifactID)
	switch {
	case readErr == nil:
		label := backup.ReasonPreRollback
		if reason != "" {
			label += ": " + reason
		}
		pre, err := e.backups.Backup(artifactID, current, label)
		if err != nil {
			return RollbackResult{}, fmt.Errorf("backup before rollback: %w", err)
		}
		result.PreRollback = &pre
	case isNotExist(readErr):
		e.logger.Warn("rollback_artifact_missing", "artifact_id", artifactID)
	default:
		return RollbackResult{}, fmt.Errorf("read current artifact: %w", readErr)
	}

	if err := e.artifacts.Write(artifactID, content); err != nil {
		if readErr == nil {
			if undoErr := e.artifacts.Write(artifactID, current); undoErr != nil {
				return RollbackResult{}, errors.Join(fmt.Errorf("restore from %s: %w", target.ID, err), fmt.Errorf("put back current content: %w", undoErr))
			}
		}
		return RollbackResult{}, fmt.Errorf("restore from %s: %w", target.ID, err)
	}
	return result, nil
}

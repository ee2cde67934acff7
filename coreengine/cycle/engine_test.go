package cycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/backup"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/collab"
)

// =============================================================================
// CONSTRUCTION
// =============================================================================

func TestNewEngineValidatesDependencies(t *testing.T) {
	store, err := backup.NewStore(t.TempDir())
	require.NoError(t, err)
	valid := func() Dependencies {
		return Dependencies{
			Artifacts: newMemArtifacts(nil),
			Backups:   store,
			Generator: &stubGenerator{},
			Critic:    &stubCritic{},
			Policy:    staticPolicy{isolated: map[string]bool{}},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Dependencies, *Options)
		errMsg string
	}{
		{"missing artifacts", func(d *Dependencies, _ *Options) { d.Artifacts = nil }, "artifacts"},
		{"missing backups", func(d *Dependencies, _ *Options) { d.Backups = nil }, "backup store"},
		{"missing critic", func(d *Dependencies, _ *Options) { d.Critic = nil }, "generator and critic"},
		{"missing policy", func(d *Dependencies, _ *Options) { d.Policy = nil }, "policy"},
		{"missing workspace", func(_ *Dependencies, o *Options) { o.WorkspaceDir = "" }, "workspace"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := valid()
			opts := Options{WorkspaceDir: t.TempDir()}
			tt.mutate(&deps, &opts)
			_, err := NewEngine(deps, opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	engine, err := NewEngine(valid(), Options{WorkspaceDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, 2, engine.opts.MaxConsecutiveFailures)
	assert.NotNil(t, engine.syntax)
	assert.Same(t, store, engine.Backups())
}

type stubGenerator struct{}

func (stubGenerator) Propose(context.Context, collab.ProposeRequest) (string, error) { return "", nil }
func (stubGenerator) GenerateReplacement(context.Context, collab.GenerateRequest) ([]byte, error) {
	return nil, nil
}

type stubCritic struct{}

func (stubCritic) Score(context.Context, collab.ScoreRequest) (collab.Critique, error) {
	return collab.Critique{}, nil
}

// =============================================================================
// DIRECT-WRITE TARGETS
// =============================================================================

func TestRunCycleDirectWritePromotes(t *testing.T) {
	h := newHarness(t)

	res := h.engine.RunCycle(context.Background(), targetA, testContext, false)

	require.NoError(t, res.Check())
	assert.Equal(t, OutcomePromoted, res.Outcome)
	assert.Equal(t, StatePromoted, res.ArtifactState)
	assert.False(t, res.Isolated)
	assert.False(t, res.RequiresRestart)
	assert.True(t, res.SyntaxValid)
	assert.Equal(t, "go/parser", res.SyntaxChecker)
	require.NotNil(t, res.CritiqueScore)
	assert.Equal(t, 0.9, *res.CritiqueScore)
	assert.Nil(t, res.SelfTestPassed)
	assert.Equal(t, improvedGo, h.artifacts.content(targetA))
	assert.True(t, strings.HasPrefix(res.CycleID, "cyc_"))

	assert.Contains(t, res.ImplementedDiff, "-func Answer() int { return 41 }")
	assert.Contains(t, res.ImplementedDiff, "+func Answer() int { return 42 }")

	req := h.generator.LastProposeRequest()
	assert.Equal(t, testContext, req.Context)
	assert.Equal(t, originalGo, req.Content)

	records := h.backupsOf(t, targetA)
	require.Len(t, records, 1)
	assert.Equal(t, res.BackupID, records[0].ID)
	assert.Equal(t, backup.ReasonPreWrite, records[0].Reason)
	content, err := h.backups.Content(records[0])
	require.NoError(t, err)
	assert.Equal(t, originalGo, string(content))

	require.Len(t, h.history.results, 1)
	assert.Equal(t, res.CycleID, h.history.results[0].CycleID)
	assert.True(t, h.logger.HasLog("info", "cycle_promoted"))
}

func TestRunCycleSyntaxFailureRevertsDirectWrite(t *testing.T) {
	h := newHarness(t)
	h.generator.Replacements = [][]byte{[]byte(brokenGo)}

	res := h.engine.RunCycle(context.Background(), targetA, testContext, false)

	require.NoError(t, res.Check())
	assert.Equal(t, OutcomeRevertedLocal, res.Outcome)
	assert.Equal(t, GateSyntax, res.FailedGate)
	assert.Equal(t, KindValidationFailure, res.ErrorKind)
	assert.Equal(t, StateReverted, res.ArtifactState)
	assert.False(t, res.SyntaxValid)
	assert.Nil(t, res.CritiqueScore)
	assert.Equal(t, 0, h.critic.CallCount())
	assert.Equal(t, originalGo, h.artifacts.content(targetA))
	assert.Equal(t, 2, h.artifacts.writeCount())
	assert.True(t, h.logger.HasLog("warn", "cycle_gate_failed"))
}

func TestRunCycleRevertIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.generator.Replacements = [][]byte{[]byte(brokenGo)}

	for i := 0; i < 3; i++ {
		res := h.engine.RunCycle(context.Background(), targetA, testContext, false)
		assert.Equal(t, OutcomeRevertedLocal, res.Outcome)
		assert.Equal(t, StateReverted, res.ArtifactState)
		assert.Equal(t, originalGo, h.artifacts.content(targetA), "run %d", i)
	}
}

func TestRunCycleCritiqueBelowThresholdReverts(t *testing.T) {
	h := newHarness(t)
	h.critic.Scores = []float64{0.4}

	res := h.engine.RunCycle(context.Background(), targetA, testContext, false)

	require.NoError(t, res.Check())
	assert.Equal(t, OutcomeRevertedLocal, res.Outcome)
	assert.Equal(t, GateCritique, res.FailedGate)
	require.NotNil(t, res.CritiqueScore)
	assert.Equal(t, 0.4, *res.CritiqueScore)
	assert.Contains(t, res.FailureReason, "below threshold")
	assert.Equal(t, originalGo, h.artifacts.content(targetA))
}

func TestRunCycleCollaboratorFailures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(h *harness)
		wantGate  Gate
		wantKind  ErrorKind
		wantState ArtifactState
		noImprove bool
	}{
		{
			name:      "no improvement",
			setup:     func(h *harness) { h.generator.ProposeError = collab.ErrNoImprovement },
			wantGate:  GateAnalyze,
			wantKind:  KindCollaboratorFailure,
			wantState: StateUnchanged,
			noImprove: true,
		},
		{
			name: "transient analyze failure",
			setup: func(h *harness) {
				h.generator.ProposeError = &collab.TransientError{Op: "propose", Err: errors.New("status 503")}
			},
			wantGate:  GateAnalyze,
			wantKind:  KindTransientIO,
			wantState: StateUnchanged,
		},
		{
			name:      "generator failure",
			setup:     func(h *harness) { h.generator.GenerateError = errors.New("model refused") },
			wantGate:  GateImplement,
			wantKind:  KindCollaboratorFailure,
			wantState: StateUnchanged,
		},
		{
			name:      "identical replacement",
			setup:     func(h *harness) { h.generator.Replacements = [][]byte{[]byte(originalGo)} },
			wantGate:  GateImplement,
			wantKind:  KindValidationFailure,
			wantState: StateUnchanged,
		},
		{
			name:      "critic failure after write",
			setup:     func(h *harness) { h.critic.Error = errors.New("critic down") },
			wantGate:  GateCritique,
			wantKind:  KindCollaboratorFailure,
			wantState: StateReverted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)

			res := h.engine.RunCycle(context.Background(), targetA, testContext, false)

			require.NoError(t, res.Check())
			assert.Equal(t, OutcomeFailed, res.Outcome)
			assert.Equal(t, tt.wantGate, res.FailedGate)
			assert.Equal(t, tt.wantKind, res.ErrorKind)
			assert.Equal(t, tt.wantState, res.ArtifactState)
			assert.Equal(t, tt.noImprove, res.NoImprovement)
			assert.Equal(t, originalGo, h.artifacts.content(targetA))
		})
	}
}

func TestRunCycleMissingTarget(t *testing.T) {
	h := newHarness(t)

	res := h.engine.RunCycle(context.Background(), "missing.go", testContext, false)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, GateSnapshot, res.FailedGate)
	assert.Equal(t, KindIO, res.ErrorKind)
	assert.Equal(t, 0, h.generator.ProposeCount())
}

func TestRunCycleDirectWriteRevertCascade(t *testing.T) {
	tests := []struct {
		name        string
		failWrite   func(int, string, []byte) error
		wantOutcome Outcome
		wantState   ArtifactState
		wantLive    string
	}{
		{
			name: "snapshot revert fails, backup restore succeeds",
			failWrite: func(n int, _ string, _ []byte) error {
				if n == 2 {
					return errDiskFull
				}
				return nil
			},
			wantOutcome: OutcomeRevertedToBackup,
			wantState:   StateRestoredFromBackup,
			wantLive:    originalGo,
		},
		{
			name: "every revert fails",
			failWrite: func(n int, _ string, _ []byte) error {
				if n >= 2 {
					return errDiskFull
				}
				return nil
			},
			wantOutcome: OutcomeFailed,
			wantState:   StateUnknown,
			wantLive:    brokenGo,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.generator.Replacements = [][]byte{[]byte(brokenGo)}
			h.artifacts.failWrite = tt.failWrite

			res := h.engine.RunCycle(context.Background(), targetA, testContext, false)

			require.NoError(t, res.Check())
			assert.Equal(t, GateSyntax, res.FailedGate)
			assert.Equal(t, tt.wantOutcome, res.Outcome)
			assert.Equal(t, tt.wantState, res.ArtifactState)
			assert.Equal(t, tt.wantLive, h.artifacts.content(targetA))
		})
	}
}

func TestRunCycleRevertFailureIsPromotionFailure(t *testing.T) {
	h := newHarness(t)
	h.generator.Replacements = [][]byte{[]byte(brokenGo)}
	h.artifacts.failWrite = func(n int, _ string, _ []byte) error {
		if n >= 2 {
			return errDiskFull
		}
		return nil
	}

	res := h.engine.RunCycle(context.Background(), targetA, testContext, false)

	assert.Equal(t, KindPromotionFailure, res.ErrorKind)
	assert.Contains(t, res.FailureReason, "backup restore failed")
	assert.True(t, h.logger.HasLog("error", "revert_failed"))
}

// =============================================================================
// ISOLATED AND SELF TARGETS
// =============================================================================

func TestRunCycleIsolatedPromotes(t *testing.T) {
	h := newHarness(t, withIsolated(targetA))

	res := h.engine.RunCycle(context.Background(), targetA, testContext, false)

	require.NoError(t, res.Check())
	assert.True(t, res.Isolated)
	assert.Equal(t, OutcomePromoted, res.Outcome)
	assert.False(t, res.RequiresRestart)
	assert.Empty(t, h.selfTester.paths)
	assert.Equal(t, improvedGo, h.artifacts.content(targetA))
	assert.Equal(t, 1, h.artifacts.writeCount())

	records := h.backupsOf(t, targetA)
	require.Len(t, records, 1)
	assert.Equal(t, backup.ReasonPrePromotion, records[0].Reason)
	assert.Equal(t, res.BackupID, records[0].ID)

	entries, err := os.ReadDir(h.workspaces)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunCycleKeepWorkspaces(t *testing.T) {
	h := newHarness(t, withIsolated(targetA), withOptions(func(o *Options) { o.KeepWorkspaces = true }))

	res := h.engine.RunCycle(context.Background(), targetA, testContext, false)

	data, err := os.ReadFile(filepath.Join(h.workspaces, res.CycleID, targetA))
	require.NoError(t, err)
	assert.Equal(t, improvedGo, string(data))
}

func TestRunCycleSelfTargetPromotionRequiresRestart(t *testing.T) {
	h := newHarness(t)

	res := h.engine.RunCycle(context.Background(), selfTarget, testContext, true)

	require.NoError(t, res.Check())
	assert.Equal(t, OutcomePromoted, res.Outcome)
	assert.True(t, res.IsSelfTarget)
	assert.True(t, res.Isolated)
	assert.True(t, res.RequiresRestart)
	require.NotNil(t, res.SelfTestPassed)
	assert.True(t, *res.SelfTestPassed)
	assert.Equal(t, improvedGo, h.artifacts.content(selfTarget))

	require.Len(t, h.selfTester.paths, 1)
	assert.Equal(t, "control.go", filepath.Base(h.selfTester.paths[0]))
	assert.True(t, strings.HasPrefix(h.selfTester.paths[0], h.workspaces))

	records := h.backupsOf(t, selfTarget)
	require.Len(t, records, 1)
	assert.Equal(t, backup.ReasonPrePromotion, records[0].Reason)
}

func TestRunCycleSelfTargetLowCritiqueLeavesLiveUntouched(t *testing.T) {
	h := newHarness(t)
	h.critic.Scores = []float64{0.4}

	res := h.engine.RunCycle(context.Background(), selfTarget, testContext, true)

	require.NoError(t, res.Check())
	assert.Equal(t, OutcomeRevertedLocal, res.Outcome)
	assert.Equal(t, GateCritique, res.FailedGate)
	assert.Equal(t, StateUnchanged, res.ArtifactState)
	assert.False(t, res.RequiresRestart)
	assert.Equal(t, originalGo, h.artifacts.content(selfTarget))
	assert.Equal(t, 0, h.artifacts.writeCount())
	assert.Empty(t, h.backupsOf(t, selfTarget))
}

func TestRunCycleSelfTestFailure(t *testing.T) {
	h := newHarness(t)
	h.selfTester.err = &SelfTestError{Reason: "non-zero exit", ExitCode: 2}

	res := h.engine.RunCycle(context.Background(), selfTarget, testContext, true)

	require.NoError(t, res.Check())
	assert.Equal(t, OutcomeRevertedLocal, res.Outcome)
	assert.Equal(t, GateSelfTest, res.FailedGate)
	require.NotNil(t, res.SelfTestPassed)
	assert.False(t, *res.SelfTestPassed)
	assert.Equal(t, 0, h.critic.CallCount())
	assert.Equal(t, originalGo, h.artifacts.content(selfTarget))
}

func TestRunCycleSelfTargetWithoutSelfTester(t *testing.T) {
	h := newHarness(t, withDeps(func(d *Dependencies) { d.SelfTester = nil }))

	res := h.engine.RunCycle(context.Background(), selfTarget, testContext, true)

	assert.Equal(t, OutcomeRevertedLocal, res.Outcome)
	assert.Equal(t, GateSelfTest, res.FailedGate)
	assert.Equal(t, originalGo, h.artifacts.content(selfTarget))
}

func TestRunCyclePromotionFailureCascade(t *testing.T) {
	tests := []struct {
		name        string
		failWrites  int
		wantOutcome Outcome
		wantState   ArtifactState
	}{
		{"restored from backup", 1, OutcomeRevertedToBackup, StateRestoredFromBackup},
		{"restored from snapshot", 2, OutcomeFailed, StateRestoredFromSnapshot},
		{"unrecoverable", 3, OutcomeFailed, StateUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, withIsolated(targetA))
			h.artifacts.failWrite = failWritesUpTo(tt.failWrites)

			res := h.engine.RunCycle(context.Background(), targetA, testContext, false)

			require.NoError(t, res.Check())
			assert.Equal(t, tt.wantOutcome, res.Outcome)
			assert.Equal(t, tt.wantState, res.ArtifactState)
			assert.Equal(t, GatePromote, res.FailedGate)
			assert.Equal(t, KindPromotionFailure, res.ErrorKind)
			assert.Nil(t, res.PromotedAt)
			assert.NotEmpty(t, res.BackupID)
			assert.Equal(t, originalGo, h.artifacts.content(targetA))
			assert.True(t, h.logger.HasLog("error", "promotion_failed"))
		})
	}
}

// =============================================================================
// ORDERING
// =============================================================================

func TestBackupPrecedesPromotion(t *testing.T) {
	frozen := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store, err := backup.NewStore(filepath.Join(t.TempDir(), "backups"), backup.WithClock(func() time.Time { return frozen }))
	require.NoError(t, err)

	for _, isolated := range []bool{false, true} {
		opts := []harnessOption{withDeps(func(d *Dependencies) { d.Backups = store })}
		if isolated {
			opts = append(opts, withIsolated(targetA))
		}
		h := newHarness(t, opts...)
		h.generator.Replacements = versions(3)

		for i := 0; i < 3; i++ {
			res := h.engine.RunCycle(context.Background(), targetA, testContext, false)
			require.Equal(t, OutcomePromoted, res.Outcome, "isolated=%v cycle %d: %s", isolated, i, res.FailureReason)

			rec, err := store.Get(res.BackupID)
			require.NoError(t, err)
			require.NotNil(t, res.PromotedAt)
			assert.True(t, rec.Timestamp.Before(*res.PromotedAt), "backup %s must precede promotion", rec.ID)
		}
	}
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestRunCycleCancelledBeforeWrite(t *testing.T) {
	h := newHarness(t)
	h.generator.BlockGenerate = true

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := h.engine.RunCycle(ctx, targetA, testContext, false)

	require.NoError(t, res.Check())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, GateCancelled, res.FailedGate)
	assert.Equal(t, KindCancelled, res.ErrorKind)
	assert.Equal(t, StateUnchanged, res.ArtifactState)
	assert.Equal(t, originalGo, h.artifacts.content(targetA))
	require.Len(t, h.history.results, 1, "cancelled cycles are still recorded")
}

type cancellingCritic struct {
	cancel context.CancelFunc
}

func (c cancellingCritic) Score(ctx context.Context, _ collab.ScoreRequest) (collab.Critique, error) {
	c.cancel()
	return collab.Critique{}, ctx.Err()
}

func TestRunCycleCancelledAfterWriteReverts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, withDeps(func(d *Dependencies) { d.Critic = cancellingCritic{cancel: cancel} }))

	res := h.engine.RunCycle(ctx, targetA, testContext, false)

	require.NoError(t, res.Check())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, GateCancelled, res.FailedGate)
	assert.Equal(t, StateReverted, res.ArtifactState)
	assert.Equal(t, originalGo, h.artifacts.content(targetA))
}

// =============================================================================
// RESULT INVARIANTS
// =============================================================================

func TestCycleResultCheck(t *testing.T) {
	now := time.Now()
	valid := CycleResult{
		Outcome:       OutcomePromoted,
		ArtifactState: StatePromoted,
		BackupID:      "bak_1",
		PromotedAt:    &now,
	}
	require.NoError(t, valid.Check())

	tests := []struct {
		name   string
		mutate func(*CycleResult)
		errMsg string
	}{
		{"promoted without backup", func(r *CycleResult) { r.BackupID = "" }, "without a backup"},
		{"promoted without timestamp", func(r *CycleResult) { r.PromotedAt = nil }, "promoted_at"},
		{"reverted without gate", func(r *CycleResult) { r.Outcome = OutcomeRevertedLocal; r.ArtifactState = StateReverted }, "without a failed gate"},
		{"restart on non-self", func(r *CycleResult) { r.RequiresRestart = true }, "requires_restart"},
		{"self target not isolated", func(r *CycleResult) { r.IsSelfTarget = true }, "isolation"},
		{"unknown outcome", func(r *CycleResult) { r.Outcome = "Maybe" }, "unknown outcome"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			err := r.Check()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

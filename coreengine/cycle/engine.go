package cycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/backup"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/collab"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/fsutil"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/observability"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/syntax"
)

// TargetPolicy decides how a target is treated. *config.Config implements it.
type TargetPolicy interface {
	IsSelfTarget(target string) bool
	IsIsolated(target string) bool
}

// HistoryRecorder receives every finished cycle.
type HistoryRecorder interface {
	Append(ctx context.Context, result CycleResult) error
}

// Options tune the engine.
type Options struct {
	CritiqueThreshold      float64
	WorkspaceDir           string
	KeepWorkspaces         bool
	MaxConsecutiveFailures int
	ContinueAfterPromotion bool
}

// Dependencies are the collaborators of the engine. History is optional.
type Dependencies struct {
	Artifacts  Artifacts
	Backups    *backup.Store
	Generator  collab.Generator
	Critic     collab.Critic
	Syntax     *syntax.Registry
	SelfTester SelfTester
	Policy     TargetPolicy
	History    HistoryRecorder
	Logger     Logger
}

// Engine runs modification cycles. One Engine may run cycles for different
// targets concurrently; cycles for the same target must be serialized by the
// caller.
type Engine struct {
	artifacts  Artifacts
	backups    *backup.Store
	generator  collab.Generator
	critic     collab.Critic
	syntax     *syntax.Registry
	selfTester SelfTester
	policy     TargetPolicy
	history    HistoryRecorder
	logger     Logger
	opts       Options
}

// NewEngine creates an Engine.
func NewEngine(deps Dependencies, opts Options) (*Engine, error) {
	switch {
	case deps.Artifacts == nil:
		return nil, errors.New("engine: artifacts are required")
	case deps.Backups == nil:
		return nil, errors.New("engine: backup store is required")
	case deps.Generator == nil || deps.Critic == nil:
		return nil, errors.New("engine: generator and critic are required")
	case deps.Policy == nil:
		return nil, errors.New("engine: target policy is required")
	case opts.WorkspaceDir == "":
		return nil, errors.New("engine: workspace dir is required")
	}
	if deps.Syntax == nil {
		deps.Syntax = syntax.DefaultRegistry(nil)
	}
	if deps.Logger == nil {
		deps.Logger = nopLogger{}
	}
	if opts.MaxConsecutiveFailures < 1 {
		opts.MaxConsecutiveFailures = 2
	}
	return &Engine{
		artifacts:  deps.Artifacts,
		backups:    deps.Backups,
		generator:  deps.Generator,
		critic:     deps.Critic,
		syntax:     deps.Syntax,
		selfTester: deps.SelfTester,
		policy:     deps.Policy,
		history:    deps.History,
		logger:     deps.Logger,
		opts:       opts,
	}, nil
}

// Policy returns the engine's target policy.
func (e *Engine) Policy() TargetPolicy { return e.policy }

// Backups returns the engine's backup store.
func (e *Engine) Backups() *backup.Store { return e.backups }

// cycleRun carries the state of one RunCycle invocation.
type cycleRun struct {
	res       *CycleResult
	snapshot  []byte
	candidate []byte
	ws        *Workspace
	preWrite  *backup.Record

	// written is true once the live artifact holds candidate content.
	written bool
}

// RunCycle executes one cycle against target. It never returns an error:
// every failure is reported in the result together with the artifact state.
func (e *Engine) RunCycle(ctx context.Context, target, suggestionContext string, isSelfTarget bool) CycleResult {
	target = NormalizeTarget(target)
	start := time.Now()

	res := &CycleResult{
		CycleID:       "cyc_" + uuid.NewString(),
		Target:        target,
		IsSelfTarget:  isSelfTarget,
		Isolated:      isSelfTarget || e.policy.IsIsolated(target),
		ArtifactState: StateUnchanged,
		StartedAt:     start.UTC(),
	}
	run := &cycleRun{res: res}

	ctx, span := observability.StartSpan(ctx, "cycle.run",
		attribute.String("cycle.id", res.CycleID),
		attribute.String("cycle.target", target),
		attribute.Bool("cycle.self_target", isSelfTarget),
		attribute.Bool("cycle.isolated", res.Isolated),
	)

	e.logger.Info("cycle_started",
		"cycle_id", res.CycleID,
		"target", target,
		"self_target", isSelfTarget,
		"isolated", res.Isolated,
	)

	err := e.execute(ctx, run, suggestionContext)
	if err != nil {
		e.fail(run, err)
	}

	if run.ws != nil && !e.opts.KeepWorkspaces {
		if rmErr := run.ws.Remove(); rmErr != nil {
			e.logger.Warn("workspace_cleanup_failed", "cycle_id", res.CycleID, "dir", run.ws.Dir, "error", rmErr.Error())
		}
	}

	res.DurationMS = time.Since(start).Milliseconds()
	observability.RecordCycle(string(res.Outcome), res.Isolated, res.DurationMS)
	span.SetAttributes(
		attribute.String("cycle.outcome", string(res.Outcome)),
		attribute.String("cycle.artifact_state", string(res.ArtifactState)),
	)
	observability.EndSpan(span, err)

	if checkErr := res.Check(); checkErr != nil {
		e.logger.Error("cycle_result_invariant_violated", "cycle_id", res.CycleID, "error", checkErr.Error())
	}

	if e.history != nil {
		// The history entry must land even when the cycle was cancelled.
		if hErr := e.history.Append(context.WithoutCancel(ctx), *res); hErr != nil {
			e.logger.Warn("cycle_history_append_failed", "cycle_id", res.CycleID, "error", hErr.Error())
		}
	}
	return *res
}

// execute runs the steps in order. A returned error is always a *GateError.
func (e *Engine) execute(ctx context.Context, run *cycleRun, suggestionContext string) error {
	res := run.res

	// 1. Snapshot
	snapshot, err := e.artifacts.Read(res.Target)
	if err != nil {
		return &GateError{Gate: GateSnapshot, Kind: KindIO, Cause: err}
	}
	run.snapshot = snapshot
	if res.Isolated {
		mode := fsutil.FileMode(e.artifacts.Path(res.Target), 0o644)
		ws, err := newWorkspace(e.opts.WorkspaceDir, res.CycleID, res.Target, snapshot, mode)
		if err != nil {
			return &GateError{Gate: GateSnapshot, Kind: KindIO, Cause: err}
		}
		run.ws = ws
	}

	// 2. Analyze
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	stepCtx, span := observability.StartSpan(ctx, "cycle.analyze")
	analysis, err := e.generator.Propose(stepCtx, collab.ProposeRequest{
		Target:  res.Target,
		Content: string(snapshot),
		Context: suggestionContext,
	})
	observability.EndSpan(span, err)
	if err != nil {
		if errors.Is(err, collab.ErrNoImprovement) {
			res.NoImprovement = true
		}
		return collaboratorError(ctx, GateAnalyze, err)
	}
	res.AnalysisText = analysis

	// 3. Implement
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	stepCtx, span = observability.StartSpan(ctx, "cycle.implement")
	candidate, err := e.generator.GenerateReplacement(stepCtx, collab.GenerateRequest{
		Target:          res.Target,
		Description:     analysis,
		OriginalContent: string(snapshot),
	})
	observability.EndSpan(span, err)
	if err != nil {
		return collaboratorError(ctx, GateImplement, err)
	}
	if string(candidate) == string(snapshot) {
		return &GateError{Gate: GateImplement, Kind: KindValidationFailure, Cause: errors.New("replacement is identical to the current content")}
	}
	run.candidate = candidate
	res.ImplementedDiff = unifiedDiff(res.Target, snapshot, candidate)

	if err := checkCancelled(ctx); err != nil {
		return err
	}
	if err := e.writeCandidate(run); err != nil {
		return err
	}

	// 4. Syntax gate
	stepCtx, span = observability.StartSpan(ctx, "cycle.syntax")
	checker, err := e.syntax.Check(stepCtx, e.artifacts.Path(res.Target), candidate)
	observability.EndSpan(span, err)
	res.SyntaxChecker = checker
	if err != nil {
		if ctx.Err() != nil {
			return cancelledError(ctx)
		}
		return &GateError{Gate: GateSyntax, Kind: KindValidationFailure, Cause: err}
	}
	res.SyntaxValid = true

	// 5. Self-test gate
	if res.IsSelfTarget {
		if err := e.selfTest(ctx, run); err != nil {
			return err
		}
	}

	// 6. Critique gate
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	stepCtx, span = observability.StartSpan(ctx, "cycle.critique")
	critique, err := e.critic.Score(stepCtx, collab.ScoreRequest{
		Target: res.Target,
		Before: string(snapshot),
		After:  string(candidate),
		Goal:   analysis,
	})
	observability.EndSpan(span, err)
	if err != nil {
		return collaboratorError(ctx, GateCritique, err)
	}
	score := critique.Score
	res.CritiqueScore = &score
	res.CritiqueJustification = critique.Justification
	if score < e.opts.CritiqueThreshold {
		return &GateError{
			Gate:  GateCritique,
			Kind:  KindValidationFailure,
			Cause: fmt.Errorf("score %.2f below threshold %.2f", score, e.opts.CritiqueThreshold),
		}
	}

	// 7. Promote
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	return e.promote(ctx, run)
}

// writeCandidate puts the candidate in the workspace, or on the live artifact
// for direct-write targets after backing up the current version.
func (e *Engine) writeCandidate(run *cycleRun) error {
	res := run.res
	if run.ws != nil {
		if err := run.ws.Write(run.candidate, fsutil.FileMode(run.ws.Path, 0o644)); err != nil {
			return &GateError{Gate: GateImplement, Kind: KindIO, Cause: err}
		}
		return nil
	}

	rec, err := e.backups.Backup(res.Target, run.snapshot, backup.ReasonPreWrite)
	if err != nil {
		return &GateError{Gate: GateImplement, Kind: KindIO, Cause: fmt.Errorf("backup before write: %w", err)}
	}
	run.preWrite = &rec
	res.BackupID = rec.ID

	// From here on a failed write may have touched the live artifact.
	run.written = true
	if err := e.artifacts.Write(res.Target, run.candidate); err != nil {
		return &GateError{Gate: GateImplement, Kind: KindIO, Cause: fmt.Errorf("write candidate: %w", err)}
	}
	return nil
}

func (e *Engine) selfTest(ctx context.Context, run *cycleRun) error {
	res := run.res
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	passed := false
	res.SelfTestPassed = &passed

	if e.selfTester == nil {
		return &GateError{Gate: GateSelfTest, Kind: KindValidationFailure, Cause: errors.New("no self-tester configured")}
	}

	stepCtx, span := observability.StartSpan(ctx, "cycle.self_test")
	_, err := e.selfTester.SelfTest(stepCtx, run.ws.Path)
	observability.EndSpan(span, err)
	if err != nil {
		if ctx.Err() != nil {
			return cancelledError(ctx)
		}
		return &GateError{Gate: GateSelfTest, Kind: KindValidationFailure, Cause: err}
	}
	passed = true
	return nil
}

// promote commits the validated candidate to the live artifact. For isolated
// targets the current live version is backed up first; direct-write targets
// were backed up before the candidate was written.
func (e *Engine) promote(ctx context.Context, run *cycleRun) error {
	res := run.res
	_, span := observability.StartSpan(ctx, "cycle.promote")
	defer span.End()

	if run.ws == nil {
		e.markPromoted(run)
		return nil
	}

	live, err := e.artifacts.Read(res.Target)
	if err != nil {
		return &GateError{Gate: GatePromote, Kind: KindIO, Cause: fmt.Errorf("read live artifact: %w", err)}
	}
	rec, err := e.backups.Backup(res.Target, live, backup.ReasonPrePromotion)
	if err != nil {
		return &GateError{Gate: GatePromote, Kind: KindIO, Cause: fmt.Errorf("backup before promotion: %w", err)}
	}
	res.BackupID = rec.ID

	validated, err := run.ws.Read()
	if err != nil {
		return &GateError{Gate: GatePromote, Kind: KindIO, Cause: fmt.Errorf("read workspace copy: %w", err)}
	}

	if writeErr := e.artifacts.Write(res.Target, validated); writeErr != nil {
		e.recoverPromotion(run, rec, writeErr)
		return nil
	}

	res.RequiresRestart = res.IsSelfTarget
	e.markPromoted(run)
	return nil
}

func (e *Engine) markPromoted(run *cycleRun) {
	res := run.res
	promotedAt := e.backups.Stamp()
	res.PromotedAt = &promotedAt
	res.Outcome = OutcomePromoted
	res.ArtifactState = StatePromoted

	e.logger.Info("cycle_promoted",
		"cycle_id", res.CycleID,
		"target", res.Target,
		"backup_id", res.BackupID,
		"critique_score", *res.CritiqueScore,
		"requires_restart", res.RequiresRestart,
	)
}

// recoverPromotion handles a failed overwrite of the live artifact: restore
// from the backup just written, then from the in-memory snapshot.
func (e *Engine) recoverPromotion(run *cycleRun, rec backup.Record, writeErr error) {
	res := run.res
	res.FailedGate = GatePromote
	res.ErrorKind = KindPromotionFailure

	backupErr := e.restoreFromBackup(res.Target, rec)
	if backupErr == nil {
		res.Outcome = OutcomeRevertedToBackup
		res.ArtifactState = StateRestoredFromBackup
		res.FailureReason = fmt.Sprintf("promotion write failed: %v; restored from backup %s", writeErr, rec.ID)
	} else {
		snapErr := e.artifacts.Write(res.Target, run.snapshot)
		res.Outcome = OutcomeFailed
		if snapErr == nil {
			res.ArtifactState = StateRestoredFromSnapshot
			res.FailureReason = fmt.Sprintf("promotion write failed: %v; backup restore failed: %v; restored from snapshot", writeErr, backupErr)
		} else {
			res.ArtifactState = StateUnknown
			res.FailureReason = fmt.Sprintf("promotion write failed: %v; backup restore failed: %v; snapshot restore failed: %v", writeErr, backupErr, snapErr)
		}
	}

	observability.RecordGateFailure(string(GatePromote))
	observability.RecordPromotionFailure(string(res.ArtifactState))
	e.logger.Error("promotion_failed",
		"cycle_id", res.CycleID,
		"target", res.Target,
		"backup_id", rec.ID,
		"artifact_state", string(res.ArtifactState),
		"error", res.FailureReason,
	)
}

func (e *Engine) restoreFromBackup(target string, rec backup.Record) error {
	content, err := e.backups.Content(rec)
	if err != nil {
		return err
	}
	return e.artifacts.Write(target, content)
}

// fail records err on the result and reverts whatever the cycle wrote.
func (e *Engine) fail(run *cycleRun, err error) {
	res := run.res

	var gateErr *GateError
	if !errors.As(err, &gateErr) {
		gateErr = &GateError{Gate: GateImplement, Kind: KindIO, Cause: err}
	}
	res.FailedGate = gateErr.Gate
	res.ErrorKind = gateErr.Kind
	res.FailureReason = gateErr.Cause.Error()

	switch {
	case gateErr.Kind == KindValidationFailure && gateErr.Gate != GateImplement:
		res.Outcome = OutcomeRevertedLocal
	default:
		res.Outcome = OutcomeFailed
	}

	if run.written {
		e.revertLive(run)
	}

	observability.RecordGateFailure(string(gateErr.Gate))
	e.logger.Warn("cycle_gate_failed",
		"cycle_id", res.CycleID,
		"target", res.Target,
		"gate", string(gateErr.Gate),
		"kind", string(gateErr.Kind),
		"outcome", string(res.Outcome),
		"artifact_state", string(res.ArtifactState),
		"error", res.FailureReason,
	)
}

// revertLive puts the pre-cycle snapshot back on a direct-write target.
func (e *Engine) revertLive(run *cycleRun) {
	res := run.res
	snapErr := e.artifacts.Write(res.Target, run.snapshot)
	if snapErr == nil {
		res.ArtifactState = StateReverted
		return
	}

	if run.preWrite != nil {
		backupErr := e.restoreFromBackup(res.Target, *run.preWrite)
		if backupErr == nil {
			res.Outcome = OutcomeRevertedToBackup
			res.ArtifactState = StateRestoredFromBackup
			res.FailureReason += fmt.Sprintf("; revert to snapshot failed: %v; restored from backup %s", snapErr, run.preWrite.ID)
			return
		}
		res.FailureReason += fmt.Sprintf("; revert to snapshot failed: %v; backup restore failed: %v", snapErr, backupErr)
	} else {
		res.FailureReason += fmt.Sprintf("; revert to snapshot failed: %v", snapErr)
	}

	res.Outcome = OutcomeFailed
	res.ErrorKind = KindPromotionFailure
	res.ArtifactState = StateUnknown
	observability.RecordPromotionFailure(string(StateUnknown))
	e.logger.Error("revert_failed",
		"cycle_id", res.CycleID,
		"target", res.Target,
		"error", res.FailureReason,
	)
}

// =============================================================================
// HELPERS
// =============================================================================

func checkCancelled(ctx context.Context) error {
	if ctx.Err() != nil {
		return cancelledError(ctx)
	}
	return nil
}

func cancelledError(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return &GateError{Gate: GateCancelled, Kind: KindCancelled, Cause: cause}
}

// collaboratorError classifies a collaborator failure at gate.
func collaboratorError(ctx context.Context, gate Gate, err error) error {
	switch {
	case ctx.Err() != nil:
		return cancelledError(ctx)
	case collab.IsTransient(err):
		return &GateError{Gate: gate, Kind: KindTransientIO, Cause: err}
	default:
		return &GateError{Gate: gate, Kind: KindCollaboratorFailure, Cause: err}
	}
}

func unifiedDiff(target string, before, after []byte) string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(before)),
		B:        difflib.SplitLines(string(after)),
		FromFile: "a/" + target,
		ToFile:   "b/" + target,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return ""
	}
	return text
}

// isNotExist reports whether err means the artifact is missing.
func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

// Package cycle is the modification cycle engine: one Analyze -> Implement ->
// Evaluate -> Promote/Revert attempt against a single target, multi-cycle
// campaigns, and Nth-backup rollback.
package cycle

import (
	"errors"
	"fmt"
	"time"
)

// Outcome is the final disposition of a cycle.
type Outcome string

const (
	OutcomePromoted         Outcome = "Promoted"
	OutcomeRevertedLocal    Outcome = "RevertedLocal"
	OutcomeRevertedToBackup Outcome = "RevertedToBackup"
	OutcomeFailed           Outcome = "Failed"
)

// Gate names the step at which a cycle stopped.
type Gate string

const (
	GateSnapshot  Gate = "snapshot"
	GateAnalyze   Gate = "analyze"
	GateImplement Gate = "implement"
	GateSyntax    Gate = "syntax"
	GateSelfTest  Gate = "self_test"
	GateCritique  Gate = "critique"
	GatePromote   Gate = "promote"
	GateCancelled Gate = "cancelled"
)

// ArtifactState reports what the live artifact holds after a cycle.
type ArtifactState string

// StateUnchanged means the live artifact was never written. StateReverted
// means it was written and put back to the snapshot. StateUnknown means every
// restoration attempt failed.
const (
	StateUnchanged            ArtifactState = "unchanged"
	StateReverted             ArtifactState = "reverted"
	StatePromoted             ArtifactState = "promoted"
	StateRestoredFromBackup   ArtifactState = "restored_from_backup"
	StateRestoredFromSnapshot ArtifactState = "restored_from_snapshot"
	StateUnknown              ArtifactState = "unknown"
)

// ErrorKind classifies failures.
type ErrorKind string

const (
	KindTransientIO         ErrorKind = "transient_io"
	KindValidationFailure   ErrorKind = "validation_failure"
	KindPromotionFailure    ErrorKind = "promotion_failure"
	KindOrphanedExecution   ErrorKind = "orphaned_execution"
	KindCollaboratorFailure ErrorKind = "collaborator_failure"
	KindCancelled           ErrorKind = "cancelled"
	KindIO                  ErrorKind = "io"
)

// GateError is the failure that stopped a cycle.
type GateError struct {
	Gate  Gate
	Kind  ErrorKind
	Cause error
}

func (e *GateError) Error() string {
	return fmt.Sprintf("%s gate (%s): %v", e.Gate, e.Kind, e.Cause)
}

func (e *GateError) Unwrap() error { return e.Cause }

// CycleResult is the structured result of one cycle.
type CycleResult struct {
	CycleID string `json:"cycle_id"`
	Target  string `json:"target"`

	// IsSelfTarget marks the system's own control artifact; it changes
	// promotion rules (workspace isolation, self-test, restart).
	IsSelfTarget bool `json:"is_self_target"`
	Isolated     bool `json:"isolated"`

	AnalysisText          string   `json:"analysis_text,omitempty"`
	ImplementedDiff       string   `json:"implemented_diff,omitempty"`
	SyntaxValid           bool     `json:"syntax_valid"`
	SyntaxChecker         string   `json:"syntax_checker,omitempty"`
	SelfTestPassed        *bool    `json:"self_test_passed"`
	CritiqueScore         *float64 `json:"critique_score"`
	CritiqueJustification string   `json:"critique_justification,omitempty"`

	Outcome         Outcome       `json:"outcome"`
	RequiresRestart bool          `json:"requires_restart"`
	NoImprovement   bool          `json:"no_improvement,omitempty"`
	FailedGate      Gate          `json:"failed_gate,omitempty"`
	ErrorKind       ErrorKind     `json:"error_kind,omitempty"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	ArtifactState   ArtifactState `json:"artifact_state"`
	BackupID        string        `json:"backup_id,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	PromotedAt *time.Time `json:"promoted_at,omitempty"`
	DurationMS int64      `json:"duration_ms"`
}

// Succeeded reports whether the change reached the live artifact.
func (r CycleResult) Succeeded() bool { return r.Outcome == OutcomePromoted }

// Check verifies the cross-field invariants of a result.
func (r CycleResult) Check() error {
	var errs []error
	switch r.Outcome {
	case OutcomePromoted:
		if r.BackupID == "" {
			errs = append(errs, errors.New("promoted without a backup"))
		}
		if r.ArtifactState != StatePromoted {
			errs = append(errs, fmt.Errorf("promoted with artifact state %s", r.ArtifactState))
		}
		if r.PromotedAt == nil {
			errs = append(errs, errors.New("promoted without promoted_at"))
		}
		if r.FailedGate != "" {
			errs = append(errs, fmt.Errorf("promoted with failed gate %s", r.FailedGate))
		}
	case OutcomeRevertedLocal, OutcomeRevertedToBackup, OutcomeFailed:
		if r.FailedGate == "" {
			errs = append(errs, fmt.Errorf("%s without a failed gate", r.Outcome))
		}
		if r.ArtifactState == StatePromoted {
			errs = append(errs, fmt.Errorf("%s with artifact state promoted", r.Outcome))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown outcome %q", r.Outcome))
	}
	if r.RequiresRestart && !(r.Outcome == OutcomePromoted && r.IsSelfTarget) {
		errs = append(errs, errors.New("requires_restart set on a non-promoted or non-self cycle"))
	}
	if r.IsSelfTarget && !r.Isolated {
		errs = append(errs, errors.New("self target cycle ran without isolation"))
	}
	return errors.Join(errs...)
}

// Logger is the structured logger used by the engine.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Package kernel is the orchestrator: it owns the campaign backlog, hands
// actionable items to an engine runner under a bounded number of permits,
// and publishes the lifecycle of every execution on the event bus.
package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/backlog"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/cycle"
)

// =============================================================================
// LOGGING
// =============================================================================

// Logger is the structured logger used by the kernel.
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

// =============================================================================
// OPTIONS
// =============================================================================

// Options tune the Coordinator. Zero values fall back to DefaultOptions,
// except MaxAttemptsPerHour where zero disables the cap.
type Options struct {
	// MaxConcurrent is the number of engine executions allowed at once.
	MaxConcurrent int
	// CycleTimeout bounds one engine execution (a whole campaign).
	CycleTimeout time.Duration
	// MaxCycles is passed to the engine for every item.
	MaxCycles int
	// MaxAttemptsPerHour caps attempts per target. Zero disables the cap.
	MaxAttemptsPerHour int
	// StuckTimeout is how long an InProgress item may go without a live
	// execution before the reaper requeues it.
	StuckTimeout time.Duration
	TickInterval time.Duration
}

// DefaultOptions returns the defaults used when a field is zero.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent:      2,
		CycleTimeout:       15 * time.Minute,
		MaxCycles:          3,
		MaxAttemptsPerHour: 6,
		StuckTimeout:       time.Hour,
		TickInterval:       30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxConcurrent < 1 {
		o.MaxConcurrent = d.MaxConcurrent
	}
	if o.CycleTimeout <= 0 {
		o.CycleTimeout = d.CycleTimeout
	}
	if o.MaxCycles < 1 {
		o.MaxCycles = d.MaxCycles
	}
	if o.MaxAttemptsPerHour < 0 {
		o.MaxAttemptsPerHour = 0
	}
	if o.StuckTimeout <= 0 {
		o.StuckTimeout = d.StuckTimeout
	}
	if o.TickInterval <= 0 {
		o.TickInterval = d.TickInterval
	}
	return o
}

// =============================================================================
// ENGINE RUNNER
// =============================================================================

// RunRequest is one backlog item handed to the engine.
type RunRequest struct {
	RequestID  string `json:"request_id"`
	Target     string `json:"target"`
	Suggestion string `json:"suggestion"`
	MaxCycles  int    `json:"max_cycles"`
}

// RunReport is what the engine reported back for one item.
type RunReport struct {
	Success         bool                  `json:"success"`
	Outcome         string                `json:"outcome"`
	FailedGate      string                `json:"failed_gate,omitempty"`
	Reason          string                `json:"reason,omitempty"`
	ArtifactState   string                `json:"artifact_state"`
	RequiresRestart bool                  `json:"requires_restart"`
	Cycles          int                   `json:"cycles"`
	Campaign        *cycle.CampaignResult `json:"campaign,omitempty"`
}

// EngineRunner executes the modification engine for one item. A returned
// error means the engine could not report a result at all (crash, timeout,
// malformed output); the artifact state is then unknown.
type EngineRunner interface {
	Run(ctx context.Context, req RunRequest) (RunReport, error)
}

// reportFromCampaign summarizes a campaign the way the backlog records it.
func reportFromCampaign(res cycle.CampaignResult) RunReport {
	report := RunReport{
		Success:         res.Succeeded(),
		ArtifactState:   string(res.ArtifactState()),
		RequiresRestart: res.RequiresRestart,
		Cycles:          len(res.Cycles),
		Campaign:        &res,
	}
	if last := res.Last(); last != nil {
		report.Outcome = string(last.Outcome)
		report.FailedGate = string(last.FailedGate)
		report.Reason = last.FailureReason
	}
	if report.Success {
		report.Outcome = string(cycle.OutcomePromoted)
		report.FailedGate = ""
		report.Reason = ""
	}
	if report.Outcome == "" {
		report.Outcome = string(res.StopReason)
	}
	return report
}

// completion converts a report into the backlog's completion record.
func (r RunReport) completion() backlog.Completion {
	return backlog.Completion{
		Success:       r.Success,
		Outcome:       r.Outcome,
		Gate:          r.FailedGate,
		Error:         r.Reason,
		ArtifactState: r.ArtifactState,
	}
}

// infraReport is recorded when the runner itself failed.
func infraReport(err error) RunReport {
	return RunReport{
		Success:       false,
		Outcome:       string(cycle.OutcomeFailed),
		Reason:        err.Error(),
		ArtifactState: string(cycle.StateUnknown),
	}
}

// =============================================================================
// STATUS
// =============================================================================

// RunningItem is an execution currently holding a permit.
type RunningItem struct {
	RequestID string    `json:"request_id"`
	Target    string    `json:"target"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"started_at"`
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	Counts        map[backlog.Status]int `json:"counts"`
	Total         int                    `json:"total"`
	Running       []RunningItem          `json:"running"`
	PermitsTotal  int                    `json:"permits_total"`
	PermitsInUse  int                    `json:"permits_in_use"`
	StartedAt     time.Time              `json:"started_at"`
	UptimeSeconds float64                `json:"uptime_seconds"`
}

// ProcessResult is the outcome of one ProcessNext call. Item is nil when
// nothing was actionable.
type ProcessResult struct {
	Item   *backlog.ChangeRequest `json:"item"`
	Report *RunReport             `json:"report,omitempty"`
}

// Processed reports whether an item was executed.
func (p ProcessResult) Processed() bool { return p.Item != nil }

// Controller is the operator control surface. The RPC and tool servers
// depend on it rather than on *Coordinator.
type Controller interface {
	Enqueue(ctx context.Context, sub backlog.Submission) (backlog.ChangeRequest, error)
	ListBacklog(f backlog.Filter) []backlog.ChangeRequest
	Get(id string) (backlog.ChangeRequest, error)
	Approve(ctx context.Context, id string) (backlog.ChangeRequest, error)
	Reject(ctx context.Context, id string) (backlog.ChangeRequest, error)
	Requeue(ctx context.Context, id string) (backlog.ChangeRequest, error)
	ProcessNext(ctx context.Context) (ProcessResult, error)
	Status() Status
}

// =============================================================================
// ERRORS
// =============================================================================

// SubprocessError is returned when the engine subprocess exited without a
// parseable result.
type SubprocessError struct {
	ExitCode int
	Stderr   string
	Cause    error
}

func (e *SubprocessError) Error() string {
	msg := fmt.Sprintf("engine subprocess exited with code %d", e.ExitCode)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *SubprocessError) Unwrap() error { return e.Cause }

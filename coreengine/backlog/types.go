// Package backlog provides the campaign backlog: a persisted, priority-ordered
// queue of change requests with a lifecycle state machine and an approval gate.
//
// The backlog has no runtime dependency on the cycle engine. It is mutated only
// by the orchestrator, and every mutation rewrites the backlog file atomically.
package backlog

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle status of a ChangeRequest.
type Status string

const (
	StatusPending          Status = "Pending"
	StatusPendingApproval  Status = "PendingApproval"
	StatusInProgress       Status = "InProgress"
	StatusCompletedSuccess Status = "CompletedSuccess"
	StatusCompletedFailure Status = "CompletedFailure"
	StatusRejectedManual   Status = "RejectedManual"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusPendingApproval,
	StatusInProgress,
	StatusCompletedSuccess,
	StatusCompletedFailure,
	StatusRejectedManual,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal reports whether no automatic transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusCompletedSuccess || s == StatusCompletedFailure || s == StatusRejectedManual
}

// =============================================================================
// Valid State Transitions
// =============================================================================

// validTransitions defines allowed status transitions.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusPendingApproval: true,
		StatusInProgress:      true,
	},
	StatusPendingApproval: {
		StatusPending:        true, // Approved
		StatusRejectedManual: true,
	},
	StatusInProgress: {
		StatusCompletedSuccess: true,
		StatusCompletedFailure: true,
		StatusPending:          true, // Orphaned or stuck
	},
	StatusCompletedFailure: {
		StatusPending: true, // Operator requeue
	},
	StatusCompletedSuccess: {},
	StatusRejectedManual:   {},
}

// IsValidTransition checks if a status transition is valid.
func IsValidTransition(from, to Status) bool {
	if targets, ok := validTransitions[from]; ok {
		return targets[to]
	}
	return false
}

// =============================================================================
// Change Request
// =============================================================================

// ChangeRequest is one backlog item.
type ChangeRequest struct {
	ID         string `json:"id"`
	Target     string `json:"target"`
	Suggestion string `json:"suggestion"`
	// Priority: higher is more urgent.
	Priority   int    `json:"priority"`
	IsCritical bool   `json:"is_critical"`
	Status     Status `json:"status"`
	Source     string `json:"source"`

	AttemptCount    int        `json:"attempt_count"`
	CreatedAt       time.Time  `json:"created_at"`
	LastAttemptedAt *time.Time `json:"last_attempted_at,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`

	// Last attempt diagnostics.
	LastOutcome   string `json:"last_outcome,omitempty"`
	LastGate      string `json:"last_gate,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	ArtifactState string `json:"artifact_state,omitempty"`
}

// Actionable reports whether the item may be selected for execution.
func (c ChangeRequest) Actionable() bool {
	return c.Status == StatusPending && (!c.IsCritical || c.ApprovedAt != nil)
}

// Validate checks the invariants of a single item.
func (c ChangeRequest) Validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if c.Target == "" {
		errs = append(errs, errors.New("target is required"))
	}
	if !c.Status.Valid() {
		errs = append(errs, fmt.Errorf("unknown status %q", c.Status))
	}
	if c.AttemptCount < 0 {
		errs = append(errs, fmt.Errorf("attempt_count %d is negative", c.AttemptCount))
	}
	if c.IsCritical && c.ApprovedAt == nil {
		switch c.Status {
		case StatusInProgress, StatusCompletedSuccess, StatusCompletedFailure:
			errs = append(errs, fmt.Errorf("critical item is %s without approval", c.Status))
		}
	}
	if c.Status == StatusInProgress && c.LastAttemptedAt == nil {
		errs = append(errs, errors.New("in progress without last_attempted_at"))
	}
	if c.Status == StatusRejectedManual && c.RejectedAt == nil {
		errs = append(errs, errors.New("rejected without rejected_at"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("change request %s: %w", c.ID, err)
	}
	return nil
}

// Submission is the caller-provided part of a new ChangeRequest.
type Submission struct {
	Target     string `json:"target"`
	Suggestion string `json:"suggestion"`
	Priority   int    `json:"priority"`
	Source     string `json:"source"`
}

// Completion records the result of one attempt.
type Completion struct {
	Success       bool
	Outcome       string
	Gate          string
	Error         string
	ArtifactState string
}

// =============================================================================
// Errors
// =============================================================================

// NotFoundError is returned for an unknown ChangeRequest id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("change request %s not found", e.ID)
}

// InvalidTransitionError is returned when a status change is not allowed.
type InvalidTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("change request %s: invalid transition %s -> %s", e.ID, e.From, e.To)
}

// NotPendingApprovalError is returned by Approve and Reject for items that
// are not waiting for approval. The item is left unchanged.
type NotPendingApprovalError struct {
	ID     string
	Status Status
}

func (e *NotPendingApprovalError) Error() string {
	return fmt.Sprintf("change request %s is %s, not %s", e.ID, e.Status, StatusPendingApproval)
}

// TargetBusyError is returned when another item for the same target is in progress.
type TargetBusyError struct {
	Target string
	HeldBy string
}

func (e *TargetBusyError) Error() string {
	return fmt.Sprintf("target %s is busy with %s", e.Target, e.HeldBy)
}

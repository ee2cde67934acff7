// Package collab defines the external collaborators of the modification
// cycle (content generation and critique) and their transports.
//
// Collaborators are unreliable and possibly slow. Every call is bounded by a
// request timeout and retried with exponential backoff, but only when the
// failure is a TransientError. Validation-shaped failures are never retried.
package collab

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Generator proposes and produces replacement content.
type Generator interface {
	// Propose returns one concrete improvement description for target.
	// It returns ErrNoImprovement when nothing worth changing remains.
	Propose(ctx context.Context, req ProposeRequest) (string, error)

	// GenerateReplacement returns the complete replacement content.
	GenerateReplacement(ctx context.Context, req GenerateRequest) ([]byte, error)
}

// Critic scores a change.
type Critic interface {
	Score(ctx context.Context, req ScoreRequest) (Critique, error)
}

// ProposeRequest is the input of Generator.Propose.
type ProposeRequest struct {
	Target  string `json:"target"`
	Content string `json:"content"`
	Context string `json:"context"`
}

// GenerateRequest is the input of Generator.GenerateReplacement.
type GenerateRequest struct {
	Target          string `json:"target"`
	Description     string `json:"description"`
	OriginalContent string `json:"original_content"`
}

// ScoreRequest is the input of Critic.Score.
type ScoreRequest struct {
	Target string `json:"target"`
	Before string `json:"before"`
	After  string `json:"after"`
	Goal   string `json:"goal"`
}

// Critique is a score in [0, 1] with its justification.
type Critique struct {
	Score         float64 `json:"score"`
	Justification string  `json:"justification"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrNoImprovement is returned by Propose when the generator has nothing to suggest.
var ErrNoImprovement = errors.New("no further improvement proposed")

// TransientError wraps a failure that may succeed on retry: network errors,
// timeouts, 5xx and 429 responses, temporary-failure exits.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// ProtocolError is returned when a collaborator answers with a malformed response.
type ProtocolError struct {
	Op      string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: malformed response: %s", e.Op, e.Message)
}

// RemoteError is a non-retryable rejection reported by the collaborator.
type RemoteError struct {
	Op      string
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: remote error (status %d): %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: remote error: %s", e.Op, e.Message)
}

// validateCritique checks the score range.
func validateCritique(op string, c Critique) error {
	if math.IsNaN(c.Score) || c.Score < 0 || c.Score > 1 {
		return &ProtocolError{Op: op, Message: fmt.Sprintf("score %v outside [0, 1]", c.Score)}
	}
	return nil
}

// Logger is the structured logger used by collaborator clients.
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

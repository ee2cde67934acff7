package commbus

import (
	"context"
	"fmt"
	"time"
)

// NoHandlerError means a command or query was sent with nothing registered
// to answer it. Events never produce it: publishing to no subscribers is fine.
type NoHandlerError struct {
	MessageType string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("commbus: no handler for %s", e.MessageType)
}

// HandlerAlreadyRegisteredError means a second handler was registered for a
// command or query type. Each has exactly one owner.
type HandlerAlreadyRegisteredError struct {
	MessageType string
}

func (e *HandlerAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("commbus: %s already has a handler", e.MessageType)
}

// QueryTimeoutError means a QuerySync handler did not answer within the bus
// query timeout. It matches context.DeadlineExceeded under errors.Is.
type QueryTimeoutError struct {
	MessageType string
	Timeout     time.Duration
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("commbus: query %s unanswered after %s", e.MessageType, e.Timeout)
}

func (e *QueryTimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for CLI commands.
const (
	ExitSuccess = 0
	ExitFailure = 1
)

// Result statuses. The engine subprocess runner and the self-tester both
// read these.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the single JSON object every command writes to stdout.
type Result struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// ExitError carries an exit code out of a command. Reported means the
// command already wrote its Result.
type ExitError struct {
	Code     int
	Message  string
	Err      error
	Reported bool
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

func isReported(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr) && exitErr.Reported
}

// writeResult encodes r on one line when compact is set, indented otherwise.
func writeResult(w io.Writer, r Result, compact bool) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if !compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(r)
}

// emit writes r and turns an error status into a reported ExitError.
func emit(w io.Writer, r Result, compact bool) error {
	if err := writeResult(w, r, compact); err != nil {
		return WrapExitError(ExitFailure, "write result", err)
	}
	if r.Status != StatusSuccess {
		return &ExitError{Code: ExitFailure, Message: r.Message, Reported: true}
	}
	return nil
}

func success(message string, data any) Result {
	return Result{Status: StatusSuccess, Message: message, Data: data}
}

func failure(err error) Result {
	return Result{Status: StatusError, Message: err.Error()}
}

package grpc

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/backlog"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/typeutil"
)

// =============================================================================
// ARGUMENT VALIDATION
// =============================================================================

// validateRequired returns InvalidArgument when field is blank.
func validateRequired(field, fieldName string) error {
	if strings.TrimSpace(field) == "" {
		return InvalidArgument(fieldName)
	}
	return nil
}

// =============================================================================
// ERROR BUILDERS
// =============================================================================

// InvalidArgument reports a missing required field.
func InvalidArgument(fieldName string) error {
	return status.Errorf(codes.InvalidArgument, "%s is required", fieldName)
}

// NotFound reports an unknown resource.
func NotFound(resourceType, id string) error {
	return status.Errorf(codes.NotFound, "%s not found: %s", resourceType, id)
}

// Internal wraps an unexpected failure of operation.
func Internal(operation string, cause error) error {
	return status.Errorf(codes.Internal, "%s failed: %v", operation, cause)
}

// FailedPrecondition reports an operation the resource's state does not allow.
func FailedPrecondition(resource, currentState, attemptedAction string) error {
	return status.Errorf(codes.FailedPrecondition,
		"%s in state %s cannot %s", resource, currentState, attemptedAction)
}

// toStatus maps control-surface errors onto gRPC codes.
func toStatus(operation string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var (
		notFound    *backlog.NotFoundError
		notPending  *backlog.NotPendingApprovalError
		transition  *backlog.InvalidTransitionError
		busy        *backlog.TargetBusyError
		argErr      *typeutil.ArgError
	)
	switch {
	case errors.As(err, &notFound):
		return NotFound("change request", notFound.ID)
	case errors.As(err, &notPending):
		return FailedPrecondition(notPending.ID, string(notPending.Status), operation)
	case errors.As(err, &transition):
		return FailedPrecondition(transition.ID, string(transition.From), operation)
	case errors.As(err, &busy):
		return status.Error(codes.FailedPrecondition, busy.Error())
	case errors.As(err, &argErr):
		return status.Error(codes.InvalidArgument, argErr.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return Internal(operation, err)
}

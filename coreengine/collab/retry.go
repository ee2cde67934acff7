package collab

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/observability"
)

// RetryPolicy bounds every collaborator call.
type RetryPolicy struct {
	RequestTimeout time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy returns the default policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		RequestTimeout: 120 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		eb.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		eb.MaxInterval = p.MaxBackoff
	}
	eb.MaxElapsedTime = 0
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

// call runs fn with a per-attempt timeout, retrying transient failures.
// Attempt outcomes are recorded under collaborator/op.
func call[T any](ctx context.Context, p RetryPolicy, logger Logger, collaborator, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	attempt := 0

	operation := func() error {
		attempt++
		attemptCtx := ctx
		cancel := func() {}
		if p.RequestTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.RequestTimeout)
		}
		defer cancel()

		start := time.Now()
		v, err := fn(attemptCtx)
		elapsed := time.Since(start).Milliseconds()

		switch {
		case err == nil:
			observability.RecordCollaboratorCall(collaborator, op, "success", elapsed)
			result = v
			return nil
		case ctx.Err() != nil:
			observability.RecordCollaboratorCall(collaborator, op, "cancelled", elapsed)
			return backoff.Permanent(ctx.Err())
		case errors.Is(err, context.DeadlineExceeded) && attemptCtx.Err() != nil:
			err = &TransientError{Op: op, Err: err}
		}

		if IsTransient(err) {
			observability.RecordCollaboratorCall(collaborator, op, "transient", elapsed)
			logger.Warn("collaborator_transient_failure",
				"collaborator", collaborator,
				"op", op,
				"attempt", attempt,
				"error", err.Error(),
			)
			return err
		}
		observability.RecordCollaboratorCall(collaborator, op, "error", elapsed)
		return backoff.Permanent(err)
	}

	err := backoff.Retry(operation, p.backOff(ctx))
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/pkg/circuitbreaker"
	"github.com/finedu/finedu-sync/pkg/retry"
)

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

// Error implements error.
func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("status %d", e.StatusCode)
}

// Transient reports whether the status is worth retrying.
func (e *StatusError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// classify maps a request failure onto the domain error kinds and marks it
// retryable or permanent:
//
//   - network failure, timeout, 5xx, 429, open circuit: retryable
//   - any other 4xx: permanent
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if retry.IsRetryable(err) || retry.IsPermanent(err) {
		return err
	}

	var se *StatusError
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return retry.Retryable(shared.WrapError("remote", op, shared.ErrRemoteUnavailable, "circuit open", err))

	case errors.As(err, &se):
		switch {
		case se.StatusCode == http.StatusTooManyRequests:
			return retry.Retryable(shared.WrapError("remote", op, shared.ErrRemoteRateLimited, "too many requests", se))
		case se.StatusCode >= 500:
			return retry.Retryable(shared.WrapError("remote", op, shared.ErrRemoteUnavailable, "server error", se))
		case se.StatusCode == http.StatusUnauthorized, se.StatusCode == http.StatusForbidden:
			return retry.Permanent(shared.WrapError("remote", op, shared.ErrUnauthorized, "rejected credentials", se))
		case se.StatusCode == http.StatusNotFound:
			return retry.Permanent(shared.WrapError("remote", op, shared.ErrNotFound, "not found", se))
		default:
			return retry.Permanent(shared.WrapError("remote", op, shared.ErrInvalidInput, "rejected request", se))
		}

	case errors.Is(err, context.DeadlineExceeded):
		return retry.Retryable(shared.WrapError("remote", op, shared.ErrRemoteTimeout, "call timed out", err))

	case errors.Is(err, context.Canceled):
		return retry.Retryable(shared.WrapError("remote", op, shared.ErrOffline, "call cancelled", err))

	case shared.IsRetryable(err):
		return retry.Retryable(err)

	default:
		return retry.Retryable(shared.WrapError("remote", op, shared.ErrRemoteUnavailable, "transport failure", err))
	}
}

// IsTransient reports whether a failed call may succeed on a later drain.
// Errors without a retry marker fall back to the domain classification.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if retry.IsPermanent(err) {
		return false
	}
	return retry.IsRetryable(err) || shared.IsRetryable(err)
}

// breakerFailure reports whether err counts against the circuit. A call the
// caller cancelled says nothing about the remote.
func breakerFailure(err error) bool {
	return IsTransient(err) && !errors.Is(err, context.Canceled)
}

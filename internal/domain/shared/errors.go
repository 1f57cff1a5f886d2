// Package shared contains common domain types, errors, events, and value objects
// used across the domain packages. It has no external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound = errors.New("entity not found")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrNegativeValue   = errors.New("value cannot be negative")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrInvalidFormat   = errors.New("invalid format")

	// State errors
	ErrInvalidState = errors.New("invalid state")
	ErrBusy         = errors.New("operation already in progress")

	// Authorization errors
	ErrUnauthorized = errors.New("unauthorized")

	// Local storage errors
	ErrPersistence = errors.New("persistence failure")

	// External service errors
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
	ErrRateLimited        = errors.New("rate limited")
	ErrOffline            = errors.New("offline")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "queue", "sync", "progression"
	Op      string // Operation that failed, e.g., "Enqueue", "Drain"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching on both the kind and the cause.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message, Err: err}
}

// Storage errors
var (
	ErrKeyNotFound  = NewDomainError("kvstore", "Get", ErrNotFound, "key not found")
	ErrStoreClosed  = NewDomainError("kvstore", "Use", ErrInvalidState, "store is closed")
	ErrCorruptValue = NewDomainError("kvstore", "Decode", ErrInvalidFormat, "stored value is not valid JSON")
)

// Queue errors
var (
	ErrActionNotFound    = NewDomainError("queue", "Find", ErrNotFound, "pending action not found")
	ErrInvalidActionKind = NewDomainError("queue", "Validate", ErrInvalidInput, "unknown action kind")
	ErrEmptyPayload      = NewDomainError("queue", "Validate", ErrEmptyValue, "action payload is empty")
)

// Sync errors
var (
	ErrDrainInProgress = NewDomainError("sync", "Drain", ErrBusy, "drain already in progress")
	ErrNotOnline       = NewDomainError("sync", "Drain", ErrOffline, "device is offline")
	ErrNoHandler       = NewDomainError("sync", "Dispatch", ErrInvalidInput, "no handler registered for action kind")
)

// Cache errors
var (
	ErrCacheMiss = NewDomainError("cache", "Get", ErrNotFound, "cache miss")
)

// Remote service errors
var (
	ErrRemoteUnavailable     = NewDomainError("remote", "Request", ErrServiceUnavailable, "remote service is unavailable")
	ErrRemoteRateLimited     = NewDomainError("remote", "Request", ErrRateLimited, "remote rate limit exceeded")
	ErrRemoteTimeout         = NewDomainError("remote", "Request", ErrTimeout, "remote request timeout")
	ErrRemoteInvalidResponse = NewDomainError("remote", "Parse", ErrInvalidFormat, "invalid response from remote service")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrNegativeValue) ||
		errors.Is(err, ErrValueOutOfRange) ||
		errors.Is(err, ErrInvalidFormat)
}

// IsPersistence reports a local storage failure.
func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrOffline)
}

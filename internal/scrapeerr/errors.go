package scrapeerr

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrPoolExhausted is returned when no session could be handed out within the acquire budget.
	ErrPoolExhausted = errors.New("session pool exhausted")

	// ErrInvalidASIN is returned before any network work for a malformed product identifier.
	ErrInvalidASIN = errors.New("malformed ASIN")

	// ErrDeadlineExceeded marks locations still pending when the run deadline passed.
	ErrDeadlineExceeded = errors.New("run deadline exceeded")
)

// TransientNetworkError wraps transport failures, throttling and 5xx responses.
// It is retryable at the task level and does not taint a session on first occurrence.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error during %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}

// SessionInvalidatedError signals that a session can no longer be trusted:
// a challenge page, a missing token or a location change that did not stick.
type SessionInvalidatedError struct {
	Reason string
	Err    error
}

func (e *SessionInvalidatedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session invalidated (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("session invalidated (%s)", e.Reason)
}

func (e *SessionInvalidatedError) Unwrap() error {
	return e.Err
}

// StartupPoolError aborts the process when the initial pool could not be built.
type StartupPoolError struct {
	Created   int
	Attempted int
	MinRate   float64
}

func (e *StartupPoolError) Error() string {
	return fmt.Sprintf("startup pool failure: created %d of %d sessions (required success rate %.2f)",
		e.Created, e.Attempted, e.MinRate)
}

// StatusError is an unexpected HTTP status that is neither throttling nor a block.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

func IsTransient(err error) bool {
	var t *TransientNetworkError
	return errors.As(err, &t)
}

func IsInvalidated(err error) bool {
	var s *SessionInvalidatedError
	return errors.As(err, &s)
}

// Invalidated builds a SessionInvalidatedError.
func Invalidated(reason string, err error) error {
	return &SessionInvalidatedError{Reason: reason, Err: err}
}

// Transient builds a TransientNetworkError.
func Transient(op string, err error) error {
	return &TransientNetworkError{Op: op, Err: err}
}

// Label maps an error onto a stable, low-cardinality label for results and metrics.
func Label(err error) string {
	if err == nil {
		return "none"
	}

	var startup *StartupPoolError
	var status *StatusError
	var normalization interface{ NormalizationFailure() bool }

	switch {
	case errors.Is(err, ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, ErrInvalidASIN):
		return "invalid_asin"
	case errors.Is(err, ErrDeadlineExceeded):
		return "deadline_exceeded"
	case IsInvalidated(err):
		return "session_invalidated"
	case IsTransient(err):
		return "transient_network"
	case errors.As(err, &startup):
		return "startup_pool_failure"
	case errors.As(err, &normalization):
		return "normalization_failure"
	case errors.As(err, &status):
		return "unexpected_status"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}

// Package oerr defines the typed error vocabulary used across the
// orchestration pipeline. Every error carries a Kind (which drives retry and
// user-facing behavior), a correlation ID for support lookup, and an optional
// wrapped cause.
package oerr

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies an orchestration error.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindAuth               Kind = "auth"
	KindBudgetExhausted    Kind = "budget_exhausted"
	KindNoAccountAvailable Kind = "no_account_available"
	KindRateLimited        Kind = "rate_limited"
	KindProviderTransient  Kind = "provider_transient"
	KindTool               Kind = "tool"
	KindDeadlineExceeded   Kind = "deadline_exceeded"
	KindCancelled          Kind = "cancelled"
	KindInternal           Kind = "internal"
)

// Retryable reports whether the pool may retry a call that failed with this kind.
// Only provider-transient failures are retried internally; everything else
// surfaces to the dispatcher.
func (k Kind) Retryable() bool {
	return k == KindProviderTransient
}

// Error is the orchestration error type. Construct with New or Wrap.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	cause         error
}

// New creates an Error with a fresh correlation ID.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:          kind,
		Message:       message,
		CorrelationID: uuid.New().String(),
	}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates an Error wrapping a cause. If the cause is already an *Error,
// its correlation ID is preserved so one request keeps one ID end-to-end.
func Wrap(kind Kind, message string, cause error) *Error {
	corrID := uuid.New().String()
	var oe *Error
	if errors.As(cause, &oe) {
		corrID = oe.CorrelationID
	}
	return &Error{
		Kind:          kind,
		Message:       message,
		CorrelationID: corrID,
		cause:         cause,
	}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the Kind from an error chain. Context errors map to
// deadline/cancel kinds; anything unclassified is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindDeadlineExceeded
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// IsKind reports whether the error chain contains an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var oe *Error
	return errors.As(err, &oe) && oe.Kind == kind
}

// CorrelationID extracts the correlation ID from an error chain, or returns a
// new one when the error is untyped (so edges always have an ID to log).
func CorrelationID(err error) string {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.CorrelationID
	}
	return uuid.New().String()
}

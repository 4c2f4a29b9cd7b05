// Package apperrors classifies the failures the generation pipeline can
// produce so that callers can branch with errors.Is.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation        = errors.New("validation error")
	ErrAdmissionDenied   = errors.New("admission denied")
	ErrTransientBackend  = errors.New("transient backend error")
	ErrTerminalBackend   = errors.New("terminal backend error")
	ErrStore             = errors.New("store error")
	ErrJobInFlight       = errors.New("job already in flight")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotFound          = errors.New("not found")
	ErrInternal          = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "width")
	Op       string // Operation that failed (e.g., "remote.poll")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, reason string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  fmt.Sprintf("%s: %s", field, reason),
		Field:    field,
	}
}

// AdmissionDenied reports that the balance does not cover the cost.
func AdmissionDenied(balance, cost int) error {
	return &Error{
		Sentinel: ErrAdmissionDenied,
		Message:  fmt.Sprintf("insufficient credits: balance %d, cost %d", balance, cost),
	}
}

// Transient wraps a backend failure that is worth retrying.
func Transient(op string, cause error) error {
	return &Error{
		Sentinel: ErrTransientBackend,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Terminal wraps a backend failure that ends the job.
func Terminal(op string, cause error) error {
	return &Error{
		Sentinel: ErrTerminalBackend,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Store wraps a persistence failure that does not change the job outcome.
func Store(op string, cause error) error {
	return &Error{
		Sentinel: ErrStore,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Transition reports a state change that is not allowed from the current state.
func Transition(from, action string) error {
	return &Error{
		Sentinel: ErrInvalidTransition,
		Message:  fmt.Sprintf("cannot %s while %s", action, from),
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// IsTransient reports whether err should be retried by a status source.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientBackend)
}

// FieldOf returns the offending field of a validation error, if any.
func FieldOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Field
	}
	return ""
}

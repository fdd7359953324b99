// Package apperrors provides structured job errors with exit code mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation             = errors.New("validation error")
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrInternal               = errors.New("internal error")
	ErrIllegalTransition      = errors.New("illegal phase transition")
	ErrPermission             = errors.New("permission denied")
	ErrResourceExhausted      = errors.New("resource exhausted")
	ErrDeadlineExceeded       = errors.New("execution duration exceeded")
	ErrUnexpectedInterruption = errors.New("unexpected interruption")
	ErrWork                   = errors.New("work failed")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "EXECUTIONDURATION")
	Resource string // For not found/conflict/permission (e.g., "job")
	Op       string // Operation that failed (e.g., "docker.pull")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause to errors.Is() and errors.As().
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  fmt.Sprintf("%s %s: %s", resource, id, reason),
		Resource: resource,
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

// IllegalTransition reports a rejected phase change.
func IllegalTransition(id, from, to string) error {
	return &Error{
		Sentinel: ErrIllegalTransition,
		Message:  fmt.Sprintf("job %s: illegal phase transition %s -> %s", id, from, to),
		Resource: "job",
	}
}

// Permission reports that user may not perform action on resource.
func Permission(user, action, resource string) error {
	return &Error{
		Sentinel: ErrPermission,
		Message:  fmt.Sprintf("user %q is not allowed to %s %s", user, action, resource),
		Resource: resource,
		Op:       action,
	}
}

// ResourceExhausted reports that no execution resource is free.
func ResourceExhausted(resource string) error {
	return &Error{
		Sentinel: ErrResourceExhausted,
		Message:  fmt.Sprintf("no %s available, retry later", resource),
		Resource: resource,
	}
}

// DeadlineExceeded reports that a job ran out of its allotted duration.
func DeadlineExceeded(id, limit string) error {
	return &Error{
		Sentinel: ErrDeadlineExceeded,
		Message:  fmt.Sprintf("job %s accepted but not completed within %s", id, limit),
		Resource: "job",
	}
}

// UnexpectedInterruption reports an execution cancelled by nobody we know of.
func UnexpectedInterruption(id string, cause error) error {
	return &Error{
		Sentinel: ErrUnexpectedInterruption,
		Message:  fmt.Sprintf("job %s interrupted unexpectedly: %v", id, cause),
		Resource: "job",
		Cause:    cause,
	}
}

// Work wraps an error returned by a job's work callback.
func Work(op string, cause error) error {
	return &Error{
		Sentinel: ErrWork,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Classified reports whether err already carries one of the package sentinels.
func Classified(err error) bool {
	var appErr *Error
	return errors.As(err, &appErr)
}

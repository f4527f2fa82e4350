// Package labserr defines the error taxonomy for LiveLabs.
//
// Expected outcomes (a failing validation script, a crashed app container)
// are returned as structured results. Errors of this package are reserved
// for outcomes the caller must handle: infrastructure faults, conflicts and
// bad requests.
package labserr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	KindUnknown          Kind = "unknown"
	KindValidation       Kind = "validation_failure"
	KindTransport        Kind = "transport_failure"
	KindInitialization   Kind = "initialization_failure"
	KindContainerRuntime Kind = "container_runtime_failure"
	KindConflict         Kind = "concurrency_conflict"
	KindNotFound         Kind = "not_found"
	KindForbidden        Kind = "forbidden"
	KindInvalid          Kind = "invalid_argument"
)

// Error is a classified LiveLabs error.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same call may succeed if repeated unchanged.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransport || e.Kind == KindConflict
}

// New creates a classified error.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// NotFound reports a missing entity.
func NotFound(op, what, id string) *Error {
	return New(KindNotFound, op, fmt.Sprintf("%s not found: %s", what, id))
}

// Forbidden reports an operation the enrollment is not allowed to perform.
func Forbidden(op, message string) *Error {
	return New(KindForbidden, op, message)
}

// Invalid reports a malformed request.
func Invalid(op, message string) *Error {
	return New(KindInvalid, op, message)
}

// Conflict reports a duplicate in-flight operation for the same enrollment.
func Conflict(op, enrollmentID string) *Error {
	return New(KindConflict, op, fmt.Sprintf("another operation is already in flight for enrollment %s", enrollmentID))
}

// Transport reports that the sandbox could not be reached.
func Transport(op string, err error) *Error {
	return Wrap(KindTransport, op, "sandbox unreachable", err)
}

// ContainerRuntime reports an app container failure.
func ContainerRuntime(op, message string, err error) *Error {
	return Wrap(KindContainerRuntime, op, message, err)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

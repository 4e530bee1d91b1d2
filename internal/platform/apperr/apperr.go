// Package apperr defines the error taxonomy shared by the domain services.
// Handlers never inspect error strings; they map Kind to an HTTP status.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindPermissionDenied
	KindStateConflict
	KindNotFound
	KindIntegrityFailure
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPermissionDenied:
		return "permission_denied"
	case KindStateConflict:
		return "state_conflict"
	case KindNotFound:
		return "not_found"
	case KindIntegrityFailure:
		return "integrity_failure"
	default:
		return "internal"
	}
}

// Error is a classified application error. Message is safe to show to the
// caller; Cause is for logs only.
type Error struct {
	Kind    Kind
	Message string
	Data    any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithData attaches a payload returned alongside the message.
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindStateConflict, Message: fmt.Sprintf(format, args...)}
}

func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

// Denied returns a permission error whose public message never reveals which
// check failed. The reason is kept in Cause for logging.
func Denied(publicMsg string, reason error) *Error {
	return &Error{Kind: KindPermissionDenied, Message: publicMsg, Cause: reason}
}

func Integrity(msg string, cause error) *Error {
	return &Error{Kind: KindIntegrityFailure, Message: msg, Cause: cause}
}

func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "Internal server error", Cause: cause}
}

// KindOf reports the Kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

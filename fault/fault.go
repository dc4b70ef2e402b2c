package fault

import (
	"errors"
	"fmt"
)

// Kind is the stable error code surfaced to callers. External-dependency
// failures are normally absorbed into the data model instead of being
// returned, but the kind exists for the cases where they must propagate.
type Kind string

const (
	KindValidation    Kind = "validation_error"
	KindAuthorization Kind = "authorization_error"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindExternal      Kind = "external_dependency"
)

// Error carries a stable kind alongside the human-readable message.
// Conflict errors additionally carry the current authoritative status so
// the caller can resync without a second read.
type Error struct {
	Kind          Kind
	Msg           string
	CurrentStatus string
	wrapped       error
}

func (e *Error) Error() string {
	if e.CurrentStatus != "" {
		return fmt.Sprintf("%s: %s (current status: %s)", e.Kind, e.Msg, e.CurrentStatus)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is lets callers match on kind with a bare sentinel, e.g.
// errors.Is(err, fault.Validation("")).
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return fe.Kind == e.Kind && (fe.Msg == "" || fe.Msg == e.Msg)
	}
	return false
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func Authorization(format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Conflict attaches the current status so clients can resync.
func Conflict(currentStatus, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...), CurrentStatus: currentStatus}
}

func External(err error, format string, args ...any) *Error {
	return &Error{Kind: KindExternal, Msg: fmt.Sprintf(format, args...), wrapped: err}
}

// IsKind reports whether err is a fault error of the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

// Package apperr defines the error taxonomy shared by the chat core.
// Every component returns *Error values so the gateway can report a
// machine-readable kind to the originating connection.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable error category.
type Kind string

const (
	KindNotFound            Kind = "NotFound"
	KindForbidden           Kind = "Forbidden"
	KindInsufficientCredits Kind = "InsufficientCredits"
	KindConflict            Kind = "Conflict"
	KindTransientIO         Kind = "TransientIO"
	KindInvalid             Kind = "Invalid"
	KindRateLimited         Kind = "RateLimited"
)

// Sentinels for errors.Is comparisons by kind.
var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrForbidden           = &Error{Kind: KindForbidden}
	ErrInsufficientCredits = &Error{Kind: KindInsufficientCredits}
	ErrConflict            = &Error{Kind: KindConflict}
	ErrTransientIO         = &Error{Kind: KindTransientIO}
	ErrInvalid             = &Error{Kind: KindInvalid}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
)

// Error is a domain error with a kind and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Cause == nil:
		return string(e.Kind)
	case e.Cause == nil:
		return e.Message
	case e.Message == "":
		return e.Cause.Error()
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func NotFound(format string, args ...any) *Error  { return New(KindNotFound, format, args...) }
func Forbidden(format string, args ...any) *Error { return New(KindForbidden, format, args...) }
func Invalid(format string, args ...any) *Error   { return New(KindInvalid, format, args...) }

// TransientIO marks a failed persistence call; callers may retry.
func TransientIO(cause error, format string, args ...any) *Error {
	return Wrap(KindTransientIO, cause, format, args...)
}

// KindOf reports the kind of err. Errors outside the taxonomy are treated
// as transient I/O failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransientIO
}

// Reason returns the human-readable part of err for client-facing frames.
// Causes of transient failures are not exposed.
func Reason(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	if e.Kind == KindTransientIO {
		if e.Message != "" {
			return e.Message
		}
		return "temporary failure, retry later"
	}
	return e.Error()
}

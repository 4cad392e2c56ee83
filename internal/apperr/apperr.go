// Package apperr defines the error kinds surfaced by the monitoring engine.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and for the HTTP layer.
type Kind string

// Error kinds.
const (
	Internal      Kind = "internal"
	Validation    Kind = "validation"
	Auth          Kind = "auth"
	NotFound      Kind = "not_found"
	Conflict      Kind = "conflict"
	LimitExceeded Kind = "limit_exceeded"
	Fetch         Kind = "fetch"
	Extraction    Kind = "extraction"
)

// Error is a classified error. Msg is safe to show to end users, Err is not.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap attaches a kind and a user-facing message to err.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Validationf returns a Validation error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return New(Validation, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the user-facing message of err. Unclassified errors yield
// a generic message so internal detail never leaks.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != Internal && e.Msg != "" {
		return e.Msg
	}
	return "internal server error"
}

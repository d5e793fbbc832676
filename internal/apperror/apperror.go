// Package apperror defines the typed error returned by every mutation entry
// point. Callers branch on Kind with errors.As and show Messages to users.
package apperror

import (
	"errors"
	"strings"
)

// Kind classifies a mutation failure.
type Kind string

const (
	KindValidation Kind = "validation"
	KindForbidden  Kind = "forbidden"
	KindUnlicensed Kind = "unlicensed"
	KindNotFound   Kind = "not_found"
)

// Error is a recoverable, user-facing mutation failure.
type Error struct {
	Kind     Kind
	Messages []string
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + strings.Join(e.Messages, "; ")
}

// New builds an Error of the given kind.
func New(kind Kind, messages ...string) *Error {
	return &Error{Kind: kind, Messages: messages}
}

// Validation builds a validation error.
func Validation(messages ...string) *Error { return New(KindValidation, messages...) }

// NotFound builds a not-found error.
func NotFound(message string) *Error { return New(KindNotFound, message) }

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is an *Error of kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Package oidcerr provides the error taxonomy shared by the client engine.
package oidcerr

import (
	"errors"
	"fmt"
)

// Kind categorizes an error.
type Kind string

// Error kinds.
const (
	KindConfiguration Kind = "configuration"
	KindValidation    Kind = "validation"
	KindProtocol      Kind = "protocol"
	KindNoMatchingKey Kind = "no_matching_key"
	KindAmbiguousKey  Kind = "ambiguous_key"
	KindParse         Kind = "parse"
)

// Sentinels for use with errors.Is. Matching is by Kind only.
var (
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrValidation    = &Error{Kind: KindValidation}
	ErrProtocol      = &Error{Kind: KindProtocol}
	ErrNoMatchingKey = &Error{Kind: KindNoMatchingKey}
	ErrAmbiguousKey  = &Error{Kind: KindAmbiguousKey}
	ErrParse         = &Error{Kind: KindParse}
)

// Error represents a categorized error with a message and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// IsKind checks if err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Configuration creates a configuration error.
func Configuration(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Message: fmt.Sprintf(format, args...)}
}

// Validation creates a validation error.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Protocol creates a protocol error.
func Protocol(format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Message: fmt.Sprintf(format, args...)}
}

// NoMatchingKey creates a key-selection error for zero candidates.
func NoMatchingKey(format string, args ...any) *Error {
	return &Error{Kind: KindNoMatchingKey, Message: fmt.Sprintf(format, args...)}
}

// AmbiguousKey creates a key-selection error for more than one candidate.
func AmbiguousKey(format string, args ...any) *Error {
	return &Error{Kind: KindAmbiguousKey, Message: fmt.Sprintf(format, args...)}
}

// Parse wraps a parse failure.
func Parse(message string, err error) *Error {
	return &Error{Kind: KindParse, Message: message, Err: err}
}

// Wrap wraps err with the given kind and message.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Package errs defines the error taxonomy surfaced on the wire.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the JSON error response.
type Kind string

const (
	KindInvalidRequest     Kind = "invalid_request"
	KindPreconditionFailed Kind = "precondition_failed"
	KindTargetMissing      Kind = "target_missing"
	KindAmbiguousTarget    Kind = "ambiguous_target"
	KindParseFailure       Kind = "parse_failure"
	KindIOError            Kind = "io_error"
	KindSerialization      Kind = "serialization_error"
)

// Error is a classified error with a user-facing message.
type Error struct {
	Kind    Kind
	Message string
	wrapped error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// New builds a classified error from a format string.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error, keeping it reachable via errors.Unwrap.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...) + ": " + err.Error(),
		wrapped: err,
	}
}

// KindOf returns the Kind of err, or KindSerialization for errors that
// escaped classification (the last-resort bucket).
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindSerialization
}

// WireError is the JSON shape of an error response.
type WireError struct {
	Error WireErrorBody `json:"error"`
}

// WireErrorBody carries the classified kind and message.
type WireErrorBody struct {
	Type    Kind   `json:"type"`
	Message string `json:"message"`
}

// ToWire converts any error into the wire error response shape.
func ToWire(err error) WireError {
	return WireError{Error: WireErrorBody{Type: KindOf(err), Message: err.Error()}}
}

// Package errs defines the error kinds surfaced by the API.
package errs

import (
	"errors"
	"net/http"
)

// Kind classifies an error for the caller.
type Kind int

const (
	InternalError Kind = iota
	BadRequest
	NotFound
	IOFailure
	CommandTimeout
	CommandFailure
	TooLarge
)

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "bad_request"
	case NotFound:
		return "not_found"
	case IOFailure:
		return "io_failure"
	case CommandTimeout:
		return "command_timeout"
	case CommandFailure:
		return "command_failure"
	case TooLarge:
		return "too_large"
	default:
		return "internal_error"
	}
}

// Status maps a kind to its HTTP status code.
func (k Kind) Status() int {
	switch k {
	case BadRequest:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case CommandTimeout:
		return http.StatusGatewayTimeout
	case CommandFailure:
		return http.StatusBadGateway
	case TooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error. Msg is safe to show to clients; Err is the
// underlying cause and is only logged.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a classified error.
func E(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or
// InternalError if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InternalError
}

// Message returns the client-facing message for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal error"
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

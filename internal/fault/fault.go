// Package fault defines the error taxonomy shared by the gateway handlers and
// the message/conversation services. Every error that reaches a client is
// classified into a Kind, and the Kind decides both the wire code sent on the
// event's paired error channel and whether internals may be exposed.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	Internal Kind = iota
	Authentication
	Validation
	NotFound
	Forbidden
	BadRequest
	RateLimited
)

// Code returns the stable wire code reported in the "error" field of an error
// event.
func (k Kind) Code() string {
	switch k {
	case Authentication:
		return "UNAUTHORIZED"
	case Validation:
		return "VALIDATION_ERROR"
	case NotFound:
		return "NOT_FOUND"
	case Forbidden:
		return "FORBIDDEN"
	case BadRequest:
		return "BAD_REQUEST"
	case RateLimited:
		return "TOO_MANY_REQUESTS"
	default:
		return "INTERNAL_SERVER_ERROR"
	}
}

// String implements fmt.Stringer. It is used as the metrics label.
func (k Kind) String() string {
	switch k {
	case Authentication:
		return "authentication"
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Forbidden:
		return "forbidden"
	case BadRequest:
		return "bad_request"
	case RateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// Error is a classified failure. Message is safe to show to the client; Err
// holds the underlying cause, if any, and is only ever logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Unauthenticated reports a bad or missing credential.
func Unauthenticated(format string, args ...interface{}) *Error {
	return newf(Authentication, format, args...)
}

// Invalid reports a malformed event payload.
func Invalid(format string, args ...interface{}) *Error {
	return newf(Validation, format, args...)
}

// Missing reports an unknown message, conversation or connection.
func Missing(format string, args ...interface{}) *Error {
	return newf(NotFound, format, args...)
}

// Denied reports a failed ability check.
func Denied(format string, args ...interface{}) *Error {
	return newf(Forbidden, format, args...)
}

// Rejected reports a referential integrity violation at the store.
func Rejected(format string, args ...interface{}) *Error {
	return newf(BadRequest, format, args...)
}

// Throttled reports an exceeded rate limit.
func Throttled(format string, args ...interface{}) *Error {
	return newf(RateLimited, format, args...)
}

// Wrap classifies an unexpected error as Internal. A nil err yields nil, and
// an err that already carries a Kind is returned unchanged.
func Wrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: Internal, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of err. Errors that were never classified are
// Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// PublicMessage returns the text that may be sent to a client. Internal
// failures never leak their cause.
func PublicMessage(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Kind != Internal {
		return fe.Message
	}
	return "internal server error"
}

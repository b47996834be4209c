// Package apperr defines the domain error taxonomy shared by the auth
// services. Handlers map these kinds onto HTTP statuses; raw store or
// delivery errors never cross the handler boundary.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation          Kind = "VALIDATION_ERROR"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindInvalidOTP          Kind = "INVALID_OTP"
	KindUnauthorized        Kind = "UNAUTHORIZED"
	KindAlreadyExists       Kind = "ALREADY_EXISTS"
	KindInvalidRefreshToken Kind = "INVALID_REFRESH_TOKEN"
	KindNotFound            Kind = "NOT_FOUND"
	KindInternal            Kind = "INTERNAL_ERROR"
)

type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a domain error of the given kind with a caller-safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches an internal cause that is logged but never surfaced.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf extracts the domain kind from err, defaulting to KindInternal for
// anything that is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the caller-safe message for err. Non-domain errors get a
// generic message so store internals do not leak.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("auth: not found")
	ErrInvalidInput     = errors.New("auth: invalid input")
	ErrUnauthenticated  = errors.New("auth: unauthenticated")
	ErrPermissionDenied = errors.New("auth: permission denied")
	ErrRateLimited      = errors.New("auth: rate limited")
	ErrInvalidToken     = errors.New("auth: invalid token")
	ErrConflict         = errors.New("auth: conflict")
)

// Error carries a client-facing message alongside its kind. Clients branch on
// the exact message text, so Error() returns the message unchanged.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Unauthenticated builds an ErrUnauthenticated error with the given message.
func Unauthenticated(format string, args ...any) error {
	return newError(ErrUnauthenticated, format, args...)
}

// PermissionDenied builds an ErrPermissionDenied error with the given message.
func PermissionDenied(format string, args ...any) error {
	return newError(ErrPermissionDenied, format, args...)
}

// RateLimited builds an ErrRateLimited error with the given message.
func RateLimited(format string, args ...any) error {
	return newError(ErrRateLimited, format, args...)
}

// NotFound builds an ErrNotFound error with the given message.
func NotFound(format string, args ...any) error {
	return newError(ErrNotFound, format, args...)
}

// InvalidInput builds an ErrInvalidInput error with the given message.
func InvalidInput(format string, args ...any) error {
	return newError(ErrInvalidInput, format, args...)
}

// Conflict reports a write that does not fit the current state.
func Conflict(format string, args ...any) error {
	return newError(ErrConflict, format, args...)
}

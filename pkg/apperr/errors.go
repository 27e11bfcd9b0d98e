// Package apperr defines the error kinds shared by the entitlement services.
//
// Services return *Error values whose Kind is one of the sentinel errors
// below, so callers branch with errors.Is and the HTTP layer maps kinds to
// status codes in one place.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when a required identifier or field is missing or malformed.
	ErrValidation = errors.New("validation failed")
	// ErrForbidden is returned when the acting principal may not perform the operation.
	ErrForbidden = errors.New("forbidden")
	// ErrStateConflict is returned when a lifecycle transition is not allowed from the current state.
	ErrStateConflict = errors.New("state conflict")
	// ErrNotFound is returned when the referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPersistence is returned when the datastore fails; the transaction has been rolled back.
	ErrPersistence = errors.New("persistence failure")
)

// Error carries a kind, the failing operation and a client-safe message.
type Error struct {
	Kind    error
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Validation builds an ErrValidation error.
func Validation(op, format string, args ...interface{}) error {
	return &Error{Kind: ErrValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Forbidden builds an ErrForbidden error.
func Forbidden(op, format string, args ...interface{}) error {
	return &Error{Kind: ErrForbidden, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Conflict builds an ErrStateConflict error.
func Conflict(op, format string, args ...interface{}) error {
	return &Error{Kind: ErrStateConflict, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds an ErrNotFound error.
func NotFound(op, format string, args ...interface{}) error {
	return &Error{Kind: ErrNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Persistence wraps a datastore failure. Errors that already carry a kind
// are returned unchanged so classification happens once.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: ErrPersistence, Op: op, Message: "datastore operation failed", Err: err}
}

// PublicMessage returns the message that is safe to show to API clients.
func PublicMessage(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Kind == ErrPersistence {
			return "internal error"
		}
		if ae.Message != "" {
			return ae.Message
		}
		return ae.Kind.Error()
	}
	return "internal error"
}

// Package errors declares the kinds of errors returned by the channel SDK.
//
// Every error returned by the SDK that belongs to one of the kinds below
// wraps the kind, so callers can compare using the standard library:
//
//	if errors.Is(err, errors.ErrNotFound) { ... }
//
// Errors that are not one of the kinds, such as an error returned by a
// caller supplied signer, are passed through wrapped with context.
package errors

import (
	stderrors "errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

var (
	// ErrConfiguration is returned when a required parameter is missing,
	// such as no node and no explicit nonce when a nonce must be prepared.
	ErrConfiguration = stderrors.New("configuration error")

	// ErrStateConflict is returned when an operation is started while an
	// operation of the same kind is already active, such as a second
	// negotiation or a second query handler.
	ErrStateConflict = stderrors.New("state conflict")

	// ErrValidation is returned when input is malformed.
	ErrValidation = stderrors.New("validation error")

	// ErrNetwork is returned when a node or peer is unreachable, or a
	// request to it failed.
	ErrNetwork = stderrors.New("network error")

	// ErrNotFound is returned when a queried entity does not exist.
	ErrNotFound = stderrors.New("not found")

	// ErrInvalidState is returned when an operation is called while the
	// channel is in a status that does not permit it.
	ErrInvalidState = stderrors.New("invalid state")
)

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// New returns an error with the given text.
func New(text string) error {
	return stderrors.New(text)
}

// Wrap annotates err with a description. A stack trace is attached the
// first time an error is wrapped. Wrap returns nil if err is nil.
func Wrap(err error, description string) error {
	if err == nil {
		return nil
	}
	if !hasStack(err) {
		err = pkgerrors.WithStack(err)
	}
	return pkgerrors.WithMessage(err, description)
}

// Wrapf is Wrap with formatting.
func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// Kind returns a new error of the given kind with a formatted message.
func Kind(kind error, format string, args ...interface{}) error {
	return Wrap(kind, fmt.Sprintf(format, args...))
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

func hasStack(err error) bool {
	var st stackTracer
	return stderrors.As(err, &st)
}

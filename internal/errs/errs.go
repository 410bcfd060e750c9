// Package errs implements the error taxonomy of SPEC_FULL.md §7: every
// failure in the Coordinator or Worker is classified into a Kind that
// determines whether the worker-side attempt is retryable.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one row of the SPEC_FULL.md §7 taxonomy table.
type Kind string

const (
	NotFound     Kind = "NotFound"
	IO           Kind = "IO"
	LeaseLost    Kind = "LeaseLost"
	AudioDecode  Kind = "AudioDecode"
	Decode       Kind = "Decode"
	Merge        Kind = "Merge"
	ExternalTool Kind = "ExternalTool"
	QueueBusy    Kind = "QueueBusy"
)

// retryable mirrors the "Retryable?" column of §7 exactly.
var retryable = map[Kind]bool{
	NotFound:     false,
	IO:           true,
	LeaseLost:    false,
	AudioDecode:  false,
	Decode:       true,
	Merge:        false,
	ExternalTool: false,
	QueueBusy:    false,
}

// Error is the base structured error for this module; every package-level
// constructor below returns one.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the worker should request a retryable failure
// commit (commit_fail with retryable=true) for this error's Kind.
func (e *Error) Retryable() bool {
	return retryable[e.Kind]
}

func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Newf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind of err if it (or something it wraps) is an *Error.
// Unclassified errors are treated as IO, the most conservative retryable
// default for the "something went wrong talking to disk/network" case.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return IO
}

// IsRetryable reports the retryability of err per KindOf.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return true
}

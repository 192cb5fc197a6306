// Package sesserr defines the typed error taxonomy for install sessions.
//
// Every validation or staging failure surfaces as an *Error carrying one of
// the codes below. Callers match on the code with errors.Is/As rather than
// string comparison.
package sesserr

import (
	"errors"
	"fmt"
)

// Code classifies an install failure.
type Code int

const (
	// InvalidState marks an operation attempted outside its legal state,
	// e.g. a write after the session was sealed.
	InvalidState Code = iota + 1
	// InconsistentPackage marks a name/version/signature mismatch across
	// staged files or against an existing install.
	InconsistentPackage
	// MissingSplit marks a package that requires at least one split but
	// staged only its base.
	MissingSplit
	// StorageUnavailable marks disk, space, or I/O failures.
	StorageUnavailable
	// MediaUnavailable marks a streaming data source failure.
	MediaUnavailable
	// ActivationFailed marks module activation rejection or a signature
	// mismatch against the active module.
	ActivationFailed
	// Aborted marks explicit client cancellation.
	Aborted
)

// String returns the string representation of the code.
func (c Code) String() string {
	switch c {
	case InvalidState:
		return "invalid_state"
	case InconsistentPackage:
		return "inconsistent_package"
	case MissingSplit:
		return "missing_split"
	case StorageUnavailable:
		return "storage_unavailable"
	case MediaUnavailable:
		return "media_unavailable"
	case ActivationFailed:
		return "activation_failed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Transient reports whether the failure may succeed on a retried commit.
// Only transient media failures qualify; everything else destroys the
// session and requires a fresh one.
func (c Code) Transient() bool {
	return c == MediaUnavailable
}

// Error is a typed install failure.
type Error struct {
	Code Code
	Msg  string
	// Retryable distinguishes a transient streaming UNAVAILABLE from a
	// terminal UNRECOVERABLE within MediaUnavailable.
	Retryable bool
	wrapped   error
}

// New creates an Error with the given code and message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that wraps an underlying cause.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), wrapped: cause}
}

// Retry marks the error as retryable and returns it.
func (e *Error) Retry() *Error {
	e.Retryable = true
	return e
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is matches the same error value, a bare-code target (errors.Is(err,
// sesserr.New(code, ""))), or an identical code/message pair. A populated
// sentinel therefore never matches an unrelated error sharing its code.
func (e *Error) Is(target error) bool {
	if target == error(e) {
		return true
	}
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Msg == "" {
		return e.Code == t.Code
	}
	return e.Code == t.Code && e.Msg == t.Msg
}

// CodeOf extracts the failure code from err, or 0 if err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// AsError converts any error into an *Error, defaulting unknown causes to
// StorageUnavailable since unclassified failures are almost always I/O.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(StorageUnavailable, err, "internal failure")
}

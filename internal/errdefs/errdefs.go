// Package errdefs defines the error taxonomy shared across the session host.
// Every failure surfaced to callers or clients carries one of these stable
// codes so wire layers can classify without string matching.
package errdefs

import (
	"errors"
	"fmt"
)

// Code classifies a host error.
type Code string

const (
	CodeNotFound         Code = "not_found"
	CodeBusy             Code = "busy"
	CodeCapacityExceeded Code = "capacity_exceeded"
	CodeEEUnavailable    Code = "ee_unavailable"
	CodeRunnerFailed     Code = "runner_failed"
	CodeConverterError   Code = "converter_error"
	CodePersistenceError Code = "persistence_error"
	CodeCanceled         Code = "canceled"
	CodeProtocolError    Code = "protocol_error"
)

// Error is a classified host error. It wraps an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, keeping it available for errors.Is/As.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// NotFound reports an unknown session or profile id.
func NotFound(kind, id string) *Error {
	return New(CodeNotFound, "%s %q not found", kind, id)
}

// Busy reports a rejected query due to a full queue or an active cancel.
func Busy(sessionID string) *Error {
	return New(CodeBusy, "session %q is busy", sessionID)
}

// CapacityExceeded reports that a host cap was hit.
func CapacityExceeded(limit int) *Error {
	return New(CodeCapacityExceeded, "session capacity %d exceeded", limit)
}

// EEUnavailable reports that the execution environment could not reach ready.
func EEUnavailable(err error) *Error {
	return Wrap(CodeEEUnavailable, err, "execution environment unavailable")
}

// RunnerFailed reports a runner that terminated abnormally.
func RunnerFailed(err error) *Error {
	return Wrap(CodeRunnerFailed, err, "runner failed")
}

// ConverterError reports malformed adapter output.
func ConverterError(err error) *Error {
	return Wrap(CodeConverterError, err, "converter produced malformed output")
}

// PersistenceError reports a failed storage operation.
func PersistenceError(err error) *Error {
	return Wrap(CodePersistenceError, err, "persistence operation failed")
}

// Canceled reports a user- or deadline-initiated abort.
func Canceled(reason string) *Error {
	return New(CodeCanceled, "canceled: %s", reason)
}

// ProtocolError reports an invalid client command.
func ProtocolError(format string, args ...interface{}) *Error {
	return New(CodeProtocolError, format, args...)
}

// CodeOf extracts the classification code, or "" for unclassified errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return Is(err, CodeNotFound) }

// IsBusy reports whether err is a busy rejection.
func IsBusy(err error) bool { return Is(err, CodeBusy) }

// IsCanceled reports whether err is a cancellation.
func IsCanceled(err error) bool { return Is(err, CodeCanceled) }

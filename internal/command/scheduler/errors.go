package scheduler

import (
	"errors"
	"fmt"
)

// Code is the stable, user-facing failure class of a rejected request.
type Code string

const (
	CodeTimeout          Code = "timeout"
	CodeCancelled        Code = "cancelled"
	CodeDisposed         Code = "disposed"
	CodeCounterExhausted Code = "counter_exhausted"
	CodeExecutionFailed  Code = "execution_failed"
	CodeOrphanRisk       Code = "orphan_risk"
)

// Error is returned for every rejected request.
type Error struct {
	Code      Code
	RequestID string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.RequestID != "" {
		msg += " (request " + e.RequestID + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same Code, so the sentinels below work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrTimeout          = &Error{Code: CodeTimeout, Message: "attempt exceeded its deadline"}
	ErrCancelled        = &Error{Code: CodeCancelled, Message: "request cancelled"}
	ErrDisposed         = &Error{Code: CodeDisposed, Message: "scheduler disposed"}
	ErrCounterExhausted = &Error{Code: CodeCounterExhausted, Message: "no correlation id available"}
	ErrExecutionFailed  = &Error{Code: CodeExecutionFailed, Message: "execution failed"}
	ErrOrphanRisk       = &Error{Code: CodeOrphanRisk, Message: "dropped after an operation with unknown outcome"}
)

func newError(code Code, requestID, msg string, cause error) *Error {
	return &Error{Code: code, RequestID: requestID, Message: msg, Cause: cause}
}

// CodeOf returns the Code carried by err, or "" when err is not a scheduler
// error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// NoRetry marks an operation error as permanent: the scheduler will not
// retry it even for idempotent requests whose policy allows the code.
//
// Example:
//
//	return nil, scheduler.NoRetry(fmt.Errorf("bad reply: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

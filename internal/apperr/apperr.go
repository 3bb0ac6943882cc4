package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeInsufficientQuantity   Code = "INSUFFICIENT_QUANTITY"
	CodeNotFound               Code = "NOT_FOUND"
	CodeInvalidOutcomeForStage Code = "INVALID_OUTCOME_FOR_STAGE"
	CodeInvalidQuantity        Code = "INVALID_QUANTITY"
	CodeLineNotAssigned        Code = "LINE_NOT_ASSIGNED"
	CodeNoRollsSelected        Code = "NO_ROLLS_SELECTED"
	CodeConcurrentConflict     Code = "CONCURRENT_CONFLICT"
	CodeInvalidTransition      Code = "INVALID_TRANSITION"
	CodeInvalidCycleFlow       Code = "INVALID_CYCLE_FLOW"
	CodeIntegrityViolation     Code = "INTEGRITY_VIOLATION"
	CodeInvalidArgument        Code = "INVALID_ARGUMENT"
)

// Error is a domain failure carrying a stable code and enough context for an
// operator terminal to render a precise message.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return string(e.Code) + ": " + e.Message
	}
	if e.Err != nil {
		return string(e.Code) + ": " + e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so errors.Is(err, apperr.NotFound)
// works against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether the caller may safely resubmit the same request.
func (e *Error) Retryable() bool {
	return e != nil && e.Code == CodeConcurrentConflict
}

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// With attaches a detail key to the error and returns it for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is comparisons.
var (
	InsufficientQuantity   = &Error{Code: CodeInsufficientQuantity}
	NotFound               = &Error{Code: CodeNotFound}
	InvalidOutcomeForStage = &Error{Code: CodeInvalidOutcomeForStage}
	InvalidQuantity        = &Error{Code: CodeInvalidQuantity}
	LineNotAssigned        = &Error{Code: CodeLineNotAssigned}
	NoRollsSelected        = &Error{Code: CodeNoRollsSelected}
	ConcurrentConflict     = &Error{Code: CodeConcurrentConflict}
	InvalidTransition      = &Error{Code: CodeInvalidTransition}
	InvalidCycleFlow       = &Error{Code: CodeInvalidCycleFlow}
	IntegrityViolation     = &Error{Code: CodeIntegrityViolation}
	InvalidArgument        = &Error{Code: CodeInvalidArgument}
)

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Package taskerr defines the uniform error value used across the execution
// kernel and the classification rules that decide whether a failure is
// retried, routed through the circuit breaker, or treated as fatal.
package taskerr

import (
	"errors"
	"fmt"
)

// Code identifies the error family. Codes drive retry classification.
type Code string

const (
	CodeTimeout    Code = "TIMEOUT"
	CodeProcess    Code = "PROCESS"
	CodeNetwork    Code = "NETWORK"
	CodeRateLimit  Code = "RATE_LIMIT"
	CodeValidation Code = "VALIDATION"
	CodeAuth       Code = "AUTH"
	CodeString     Code = "STRING_ERROR"
	CodeUnknown    Code = "UNKNOWN_ERROR"
)

// Error is the uniform error value. Context carries structured details such
// as exit codes and the original cause.
type Error struct {
	Code    Code
	Message string
	Context map[string]any

	cause error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// With attaches a context key/value and returns the same error.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	e.Context[key] = value
	return e
}

// New builds an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapCause builds an Error that wraps cause, keeping its message visible.
func WrapCause(code Code, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Message: cause.Error(), cause: cause}
}

func Timeout(message string) *Error   { return New(CodeTimeout, message) }
func Network(message string) *Error   { return New(CodeNetwork, message) }
func RateLimit(message string) *Error { return New(CodeRateLimit, message) }
func Auth(message string) *Error      { return New(CodeAuth, message) }

// Validation marks caller-supplied input that violates a contract. It is
// surfaced immediately and never retried.
func Validation(message string) *Error { return New(CodeValidation, message) }

// Process marks a non-zero subprocess exit. The exit code is kept in context
// for classification against the process output.
func Process(message string, exitCode int) *Error {
	return New(CodeProcess, message).With("exit_code", exitCode)
}

// Normalize converts an arbitrary value into an *Error. Existing *Error
// values pass through, errors keep their message with the original retained
// as the cause, strings become STRING_ERROR, anything else is stringified
// under UNKNOWN_ERROR.
func Normalize(v any) *Error {
	switch val := v.(type) {
	case nil:
		return nil
	case *Error:
		return val
	case error:
		var te *Error
		if errors.As(val, &te) {
			return te
		}
		return &Error{Code: CodeUnknown, Message: val.Error(), cause: val}
	case string:
		return &Error{Code: CodeString, Message: val}
	default:
		return &Error{Code: CodeUnknown, Message: fmt.Sprintf("%v", val)}
	}
}

// CodeOf extracts the Code from err, normalizing as needed.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return Normalize(err).Code
}

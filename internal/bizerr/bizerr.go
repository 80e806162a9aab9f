// Package bizerr carries coded business errors across service boundaries.
// Synchronous entry points translate these into HTTP responses; asynchronous
// consumers only ever log them.
package bizerr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeInvalidParam      Code = "INVALID_PARAM" // malformed input, never retried
	CodeNotFound          Code = "NOT_FOUND"
	CodeStateInvalid      Code = "STATE_INVALID" // transition not allowed from current status
	CodeConflict          Code = "CONFLICT"      // lost a CAS race
	CodeInsufficientStock Code = "INSUFFICIENT_STOCK"
	CodeSystem            Code = "SYSTEM_ERROR" // infra failure, bounded retry applies
)

type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// CodeOf extracts the business code from err, defaulting to SYSTEM_ERROR for
// plain errors.
func CodeOf(err error) Code {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return CodeSystem
}

func Is(err error, code Code) bool {
	var be *Error
	return errors.As(err, &be) && be.Code == code
}

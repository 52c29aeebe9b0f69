// Package domainerrors carries coded, caller-facing failures.
//
// Stores return sentinel infrastructure errors (see pkg/platform/sentinel);
// services translate them into one of the codes below so callers can branch
// on the failure kind without string matching.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain failure.
type Code string

const (
	// Generic codes.
	CodeInvalidInput       Code = "invalid_input"
	CodeValidation         Code = "validation_error"
	CodeInvariantViolation Code = "invariant_violation"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeInternal           Code = "internal_error"
	CodeTimeout            Code = "timeout"

	// Reservation lifecycle codes.
	CodeInvalidTimeWindow      Code = "invalid_time_window"
	CodeSlotUnavailable        Code = "slot_unavailable"
	CodeSlotNoLongerAvailable  Code = "slot_no_longer_available"
	CodeInvalidStateTransition Code = "invalid_state_transition"
	CodeCancellationNotAllowed Code = "cancellation_not_allowed"
	CodeAttendanceWindowClosed Code = "attendance_window_closed"
	CodeInvalidToken           Code = "invalid_token"
)

// Error is a coded failure with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// New builds an error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf is New with fmt formatting.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same code and message, so tests can
// assert with errors.Is(err, New(code, msg)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// HasCode reports whether any *Error in err's chain carries code.
func HasCode(err error, code Code) bool {
	var de *Error
	for err != nil {
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// CodeOf returns the outermost code in err's chain, or CodeInternal when err
// carries none.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

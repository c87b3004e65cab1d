package bridge

import (
	"errors"
	"fmt"
)

// Stable failure codes callers can switch on.
const (
	CodeInvalidArguments = "INVALID_ARGUMENTS"
)

// ErrInvalidArguments matches any *Error with CodeInvalidArguments via errors.Is.
var ErrInvalidArguments = &Error{Code: CodeInvalidArguments}

// Error is a typed command failure with a stable code and a human-readable
// message.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is compares codes, so errors.Is(err, ErrInvalidArguments) holds for any
// message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func invalidArguments(msg string) *Error {
	return &Error{Code: CodeInvalidArguments, Message: msg}
}

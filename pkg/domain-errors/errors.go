// Package domainerrors carries machine-readable error codes from domain logic
// to transport layers. Services create and wrap errors with a Code; handlers
// translate codes to HTTP statuses without inspecting error strings.
package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for callers and for HTTP translation.
type Code string

const (
	// CodeValidation marks malformed input rejected before any store access.
	CodeValidation Code = "validation"
	// CodeInvalidInput marks values that fail trust-boundary parsing (IDs, enums).
	CodeInvalidInput Code = "invalid_input"
	// CodeBadRequest marks requests that are syntactically unusable.
	CodeBadRequest Code = "bad_request"
	// CodeUnauthorized marks missing or invalid caller credentials.
	CodeUnauthorized Code = "unauthorized"
	// CodeForbidden marks callers that may never access the resource class.
	CodeForbidden Code = "forbidden"
	// CodeNotFound marks rows that do not exist, or that the caller may not see.
	// Denied and absent collapse to this code so existence is not leaked.
	CodeNotFound Code = "not_found"
	// CodeConflict marks a lost concurrency race. Retryable by the caller.
	CodeConflict Code = "conflict"
	// CodeInvalidTransition marks a status edge outside the allowed set.
	CodeInvalidTransition Code = "invalid_transition"
	// CodeTimeout marks a transaction or store call that exceeded its deadline.
	// The unit of work has been rolled back; the caller may retry.
	CodeTimeout Code = "timeout"
	// CodeInternal marks unexpected infrastructure failures.
	CodeInternal Code = "internal"
	// CodeInvariantViolation marks states that must be unreachable by design.
	CodeInvariantViolation Code = "invariant_violation"
)

// Error is the concrete error type carrying a Code. It supports errors.Is /
// errors.As through Unwrap so wrapped infrastructure errors stay inspectable.
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

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error with no underlying cause.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// Is is a readability alias for HasCode used at call sites that branch on codes.
func Is(err error, code Code) bool { return HasCode(err, code) }

// CodeOf extracts the code from err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// ToHTTPStatus maps a code to the HTTP status handlers should return.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeInvalidInput, CodeBadRequest, CodeInvalidTransition:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

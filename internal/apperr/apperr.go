// Package apperr carries machine-readable error codes through the normaliser
// and maps them onto transport statuses.
package apperr

import (
	"errors"
	"net/http"
)

// Code is a machine-readable error code surfaced as error.code.
type Code string

const (
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeLowConfidence      Code = "POLICY_LOW_CONFIDENCE"
	CodeTooManyInferences  Code = "POLICY_TOO_MANY_INFERENCES"
	CodeRuleViolation      Code = "POLICY_RULE_VIOLATION"
	CodeNeedsProject       Code = "NEEDS_PROJECT_DISAMBIGUATION"
	CodeNeedsAssignee      Code = "NEEDS_ASSIGNEE_DISAMBIGUATION"
	CodeNeedsDue           Code = "NEEDS_DUE_CLARIFICATION"
	CodeInvalidState       Code = "INVALID_STATE"
	CodeConflict           Code = "CONFLICT"
	CodeExpired            Code = "EXPIRED"
	CodeExecutionFailed    Code = "EXECUTION_FAILED"
	CodeNotImplemented     Code = "NOT_IMPLEMENTED"
	CodeNotFound           Code = "NOT_FOUND"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeInternal           Code = "INTERNAL"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
)

// HTTPStatus maps a code to the status used when it is returned as an error
// response rather than inside an outcome envelope.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeInvalidState, CodeConflict:
		return http.StatusConflict
	case CodeExpired:
		return http.StatusGone
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeNotImplemented:
		return http.StatusNotImplemented
	case CodeExecutionFailed:
		return http.StatusBadGateway
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeLowConfidence, CodeTooManyInferences, CodeRuleViolation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Error is the structured error carried across component boundaries.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithDetails creates an error carrying structured details.
func WithDetails(code Code, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

// Wrap creates an error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// Validation is shorthand for a VALIDATION_ERROR naming the offending field.
func Validation(field, message string) *Error {
	return WithDetails(CodeValidation, message, map[string]any{"field": field})
}

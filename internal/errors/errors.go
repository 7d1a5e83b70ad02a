// Package errors provides code-carrying errors for the approval service.
// Handlers map codes to HTTP statuses; the engine and repositories attach
// codes so callers can distinguish benign conflicts from real failures.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure.
type Code string

// Generic codes.
const (
	ErrCodeInvalidInput Code = "invalid_input"
	ErrCodeNotFound     Code = "not_found"
	ErrCodeConflict     Code = "conflict"
	ErrCodeUnauthorized Code = "unauthorized"
	ErrCodeInternal     Code = "internal"
)

// Approval engine codes.
const (
	ErrCodeNoApplicableWorkflow Code = "no_applicable_workflow"
	ErrCodeAlreadySubmitted     Code = "already_submitted"
	ErrCodeNoApproversResolved  Code = "no_approvers_resolved"
	ErrCodeNotAuthorized        Code = "not_authorized"
	ErrCodeAlreadyDecided       Code = "already_decided"
	ErrCodeAlreadyFinalized     Code = "already_finalized"
)

// Error is a code-tagged error, optionally wrapping a cause.
type Error struct {
	ErrCode Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.ErrCode, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an error with the given code and message.
func New(code Code, message string) error {
	return &Error{ErrCode: code, Message: message}
}

// Newf creates an error with the given code and formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{ErrCode: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{ErrCode: code, Message: message, Cause: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) error {
	return &Error{ErrCode: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// InvalidInput reports a validation failure on a named field.
func InvalidInput(field, message string) error {
	return &Error{ErrCode: ErrCodeInvalidInput, Message: fmt.Sprintf("%s: %s", field, message)}
}

// CodeOf returns the code attached to err, or ErrCodeInternal when none is.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.ErrCode
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps an error code to its HTTP status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeNotFound, ErrCodeNoApplicableWorkflow:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeAlreadySubmitted, ErrCodeAlreadyDecided, ErrCodeAlreadyFinalized:
		return http.StatusConflict
	case ErrCodeUnauthorized, ErrCodeNotAuthorized:
		return http.StatusForbidden
	case ErrCodeNoApproversResolved:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

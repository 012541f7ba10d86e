// Package errors defines the coded error type shared by every layer of the
// approvals service. Handlers translate codes to HTTP and gRPC statuses; the
// worker uses the retryable flag to decide whether a job attempt may be retried.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code classifies an error for callers.
type Code string

const (
	ErrCodeInvalidInput            Code = "INVALID_INPUT"
	ErrCodeNotFound                Code = "NOT_FOUND"
	ErrCodeInsufficientPermissions Code = "INSUFFICIENT_PERMISSIONS"
	ErrCodeUnauthorized            Code = "UNAUTHORIZED"
	ErrCodeConflict                Code = "CONFLICT"
	ErrCodeInternal                Code = "OPERATION_FAILED"
	ErrCodeRetryable               Code = "RETRYABLE"
	ErrCodeFatal                   Code = "FATAL"
)

// Error is the coded error returned by services and repositories.
type Error struct {
	Code      Code
	Message   string
	Field     string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an error with the given code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: code == ErrCodeRetryable}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Cause: err, Retryable: code == ErrCodeRetryable}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	if id == "" {
		return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
	}
	return New(ErrCodeNotFound, fmt.Sprintf("%s '%s' not found", resource, id))
}

// InvalidInput reports a malformed or missing caller value.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Field: field, Message: message}
}

// Forbidden reports an authorization failure.
func Forbidden(message string) *Error {
	return New(ErrCodeInsufficientPermissions, message)
}

// Conflict reports a state conflict, e.g. acting on an already decided request.
func Conflict(message string) *Error {
	return New(ErrCodeConflict, message)
}

// Retryable marks a transient failure (timeouts, lock contention, open circuits).
func Retryable(err error, message string) *Error {
	return &Error{Code: ErrCodeRetryable, Message: message, Cause: err, Retryable: true}
}

// Fatal marks a failure that must not be retried.
func Fatal(err error, message string) *Error {
	return &Error{Code: ErrCodeFatal, Message: message, Cause: err}
}

// OperationFailed wraps an unexpected failure. The public message stays generic.
func OperationFailed(op string, err error) *Error {
	return &Error{Code: ErrCodeInternal, Message: op + " failed", Cause: err}
}

// Known reports whether err carries one of the caller-visible codes that must
// propagate unchanged (everything except OPERATION_FAILED).
func Known(err error) bool {
	var e *Error
	if !stderrors.As(err, &e) {
		return false
	}
	return e.Code != ErrCodeInternal
}

// CodeOf returns the code of err, or OPERATION_FAILED for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

func IsNotFound(err error) bool { return err != nil && CodeOf(err) == ErrCodeNotFound }
func IsInvalidInput(err error) bool { return err != nil && CodeOf(err) == ErrCodeInvalidInput }
func IsForbidden(err error) bool { return err != nil && CodeOf(err) == ErrCodeInsufficientPermissions }
func IsConflict(err error) bool { return err != nil && CodeOf(err) == ErrCodeConflict }
func IsFatal(err error) bool { return err != nil && CodeOf(err) == ErrCodeFatal }

// IsRetryable reports whether err was marked retryable anywhere in its chain.
func IsRetryable(err error) bool {
	var e *Error
	for err != nil {
		if stderrors.As(err, &e) {
			if e.Retryable {
				return true
			}
			err = e.Cause
			continue
		}
		return false
	}
	return false
}

// HTTPStatus maps err to an HTTP status code.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInsufficientPermissions:
		return http.StatusForbidden
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeRetryable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps err to a gRPC status code.
func GRPCCode(err error) codes.Code {
	switch CodeOf(err) {
	case ErrCodeInvalidInput:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeInsufficientPermissions:
		return codes.PermissionDenied
	case ErrCodeUnauthorized:
		return codes.Unauthenticated
	case ErrCodeConflict:
		return codes.FailedPrecondition
	case ErrCodeRetryable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// Public returns the message that may be shown to API callers.
// Internal failures never expose their cause.
func Public(err error) string {
	var e *Error
	if !stderrors.As(err, &e) {
		return "operation failed"
	}
	switch e.Code {
	case ErrCodeInternal, ErrCodeFatal:
		return e.Message
	}
	if e.Cause != nil && e.Code != ErrCodeRetryable {
		return e.Error()
	}
	return e.Message
}

// Is and As re-export the standard helpers so callers need a single import.
func Is(err, target error) bool { return stderrors.Is(err, target) }
func As(err error, target any) bool { return stderrors.As(err, target) }

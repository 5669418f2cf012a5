package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents internal error codes for ray operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument    ErrorCode = 1000
	ErrCodeNotFound           ErrorCode = 1001
	ErrCodeUnauthorized       ErrorCode = 1002
	ErrCodeLengthRequired     ErrorCode = 1003
	ErrCodeTooManyConnections ErrorCode = 1004

	// Server errors (5xx equivalent)
	ErrCodeSerializationFailure   ErrorCode = 2000
	ErrCodeCorruptedState         ErrorCode = 2001
	ErrCodeEnvironmentUnsupported ErrorCode = 2002
	ErrCodeInternal               ErrorCode = 2003
	ErrCodeQueueClosed            ErrorCode = 2004
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                     "OK",
	ErrCodeInvalidArgument:        "INVALID_ARGUMENT",
	ErrCodeNotFound:               "NOT_FOUND",
	ErrCodeUnauthorized:           "UNAUTHORIZED",
	ErrCodeLengthRequired:         "LENGTH_REQUIRED",
	ErrCodeTooManyConnections:     "TOO_MANY_CONNECTIONS",
	ErrCodeSerializationFailure:   "SERIALIZATION_FAILURE",
	ErrCodeCorruptedState:         "CORRUPTED_STATE",
	ErrCodeEnvironmentUnsupported: "ENVIRONMENT_UNSUPPORTED",
	ErrCodeInternal:               "INTERNAL_ERROR",
	ErrCodeQueueClosed:            "QUEUE_CLOSED",
}

// String returns the wire name of the code
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// RayError represents a structured error with code and context
type RayError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *RayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *RayError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a RayError with the same code, so callers can
// match on a bare constructor result with errors.Is.
func (e *RayError) Is(target error) bool {
	t, ok := target.(*RayError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// HTTPStatus maps internal error codes to HTTP status codes
func (e *RayError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeLengthRequired:
		return http.StatusLengthRequired
	case ErrCodeTooManyConnections:
		return http.StatusTooManyRequests
	case ErrCodeSerializationFailure:
		return http.StatusUnprocessableEntity
	case ErrCodeQueueClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewRayError creates a new RayError
func NewRayError(code ErrorCode, message string, cause error) *RayError {
	return &RayError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *RayError) WithDetail(key string, value interface{}) *RayError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *RayError {
	return NewRayError(ErrCodeInvalidArgument, message, cause)
}

func InvalidScore(score float64) *RayError {
	return NewRayError(ErrCodeInvalidArgument, fmt.Sprintf("invalid score %v: must be a finite non-zero number", score), nil).
		WithDetail("score", score)
}

func NotFound(resource, key string) *RayError {
	return NewRayError(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", resource, key), nil).
		WithDetail("resource", resource).
		WithDetail("key", key)
}

func Unauthorized(message string) *RayError {
	return NewRayError(ErrCodeUnauthorized, message, nil)
}

func LengthRequired() *RayError {
	return NewRayError(ErrCodeLengthRequired, "the Content-Length header is required for this request", nil)
}

func TooManyConnections(scope string, limit int) *RayError {
	return NewRayError(ErrCodeTooManyConnections, fmt.Sprintf("too many connections (%s limit %d)", scope, limit), nil).
		WithDetail("scope", scope).
		WithDetail("limit", limit)
}

func SerializationFailure(message string, cause error) *RayError {
	return NewRayError(ErrCodeSerializationFailure, message, cause)
}

func CorruptedState(message string, cause error) *RayError {
	return NewRayError(ErrCodeCorruptedState, message, cause)
}

func EnvironmentUnsupported(message string) *RayError {
	return NewRayError(ErrCodeEnvironmentUnsupported, message, nil)
}

func InternalError(message string, cause error) *RayError {
	return NewRayError(ErrCodeInternal, message, cause)
}

func QueueClosed(name string) *RayError {
	return NewRayError(ErrCodeQueueClosed, fmt.Sprintf("write queue '%s' is disposed", name), nil).
		WithDetail("queue", name)
}

// IsRayError checks if an error is a RayError
func IsRayError(err error) bool {
	var re *RayError
	return stderrors.As(err, &re)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var re *RayError
	if stderrors.As(err, &re) {
		return re.Code
	}
	return ErrCodeInternal
}

// Is reports whether any error in err's chain carries the given code
func Is(err error, code ErrorCode) bool {
	var re *RayError
	if stderrors.As(err, &re) {
		return re.Code == code
	}
	return false
}

package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"
	ErrCodeRateLimit    ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"

	// Routing and signaling taxonomy.
	ErrCodeTransport           ErrorCode = "TRANSPORT_ERROR"
	ErrCodeNegotiationTimeout  ErrorCode = "NEGOTIATION_TIMEOUT"
	ErrCodeNegotiationRejected ErrorCode = "NEGOTIATION_REJECTED"
	ErrCodeRateLimited         ErrorCode = "RATE_LIMITED"
	ErrCodeRelay               ErrorCode = "RELAY_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewForbiddenError(message string) *AppError {
	return NewAppError(ErrCodeForbidden, message, http.StatusForbidden)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// NewTransportError reports a socket or data channel failure.
func NewTransportError(cause error, message string) *AppError {
	return WrapError(cause, ErrCodeTransport, message, http.StatusBadGateway)
}

// NewNegotiationTimeoutError reports a link or call setup that missed its deadline.
func NewNegotiationTimeoutError(cause error, message string) *AppError {
	return WrapError(cause, ErrCodeNegotiationTimeout, message, http.StatusGatewayTimeout)
}

// NewNegotiationRejectedError reports a remote decline or malformed negotiation data.
func NewNegotiationRejectedError(cause error, message string) *AppError {
	return WrapError(cause, ErrCodeNegotiationRejected, message, http.StatusConflict)
}

// NewRateLimitedError reports that the direct-attempt cap was hit.
func NewRateLimitedError(cause error, message string) *AppError {
	return WrapError(cause, ErrCodeRateLimited, message, http.StatusTooManyRequests)
}

// NewRelayError reports that the relay server rejected or failed a call.
// status is the HTTP status the relay answered with, 0 when no response arrived.
func NewRelayError(cause error, message string, status int) *AppError {
	httpStatus := status
	if httpStatus == 0 {
		httpStatus = http.StatusBadGateway
	}
	return WrapError(cause, ErrCodeRelay, message, httpStatus)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasCode reports whether any AppError in the chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

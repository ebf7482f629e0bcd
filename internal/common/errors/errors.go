// Package errors provides custom error types for the A2A core.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeIdentityMissing  = "IDENTITY_MISSING"
	ErrCodeIdentityCorrupt  = "IDENTITY_CORRUPT"
	ErrCodeAuthFailure      = "AUTH_FAILURE"
	ErrCodeSignatureInvalid = "SIGNATURE_INVALID"
	ErrCodeDecryptionFailed = "DECRYPTION_FAILED"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeQueueOverflow    = "QUEUE_OVERFLOW"
	ErrCodeTransportError   = "TRANSPORT_ERROR"
	ErrCodeWorkflowError    = "WORKFLOW_ERROR"
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// IdentityMissing creates an error for an agent with no stored identity.
func IdentityMissing(agentID string) *AppError {
	return &AppError{
		Code:       ErrCodeIdentityMissing,
		Message:    fmt.Sprintf("identity for agent '%s' not found", agentID),
		HTTPStatus: http.StatusNotFound,
	}
}

// IdentityCorrupt creates an error for identity files that exist but cannot be parsed.
func IdentityCorrupt(agentID string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeIdentityCorrupt,
		Message:    fmt.Sprintf("identity for agent '%s' is unreadable", agentID),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// AuthFailure creates an error for invalid, expired, or under-privileged tokens.
func AuthFailure(message string) *AppError {
	return &AppError{
		Code:       ErrCodeAuthFailure,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// SignatureInvalid creates an error for messages failing signature verification.
func SignatureInvalid(messageID string) *AppError {
	return &AppError{
		Code:       ErrCodeSignatureInvalid,
		Message:    fmt.Sprintf("signature verification failed for message '%s'", messageID),
		HTTPStatus: http.StatusBadRequest,
	}
}

// DecryptionFailed creates an error for envelopes that cannot be opened.
func DecryptionFailed(err error) *AppError {
	return &AppError{
		Code:       ErrCodeDecryptionFailed,
		Message:    "envelope decryption failed",
		HTTPStatus: http.StatusBadRequest,
		Err:        err,
	}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// QueueOverflow creates an error for a mailbox at capacity.
func QueueOverflow(size int) *AppError {
	return &AppError{
		Code:       ErrCodeQueueOverflow,
		Message:    fmt.Sprintf("message queue full (capacity %d)", size),
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// TransportError creates an error for a failed network delivery.
func TransportError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeTransportError,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// WorkflowError creates an error recorded on a workflow or task.
func WorkflowError(message string) *AppError {
	return &AppError{
		Code:       ErrCodeWorkflowError,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound || appErr.Code == ErrCodeIdentityMissing
	}
	return false
}

// IsAuthFailure checks if the error is an authentication failure.
func IsAuthFailure(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeAuthFailure
	}
	return false
}

// IsQueueOverflow checks if the error is a queue overflow.
func IsQueueOverflow(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeQueueOverflow
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

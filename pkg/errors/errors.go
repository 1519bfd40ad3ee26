package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies application errors for the HTTP boundary.
type ErrorCode string

const (
	ErrCodeInvalidContentType ErrorCode = "INVALID_CONTENT_TYPE"
	ErrCodeInvalidSdp         ErrorCode = "INVALID_SDP"
	ErrCodeStreamNotFound     ErrorCode = "STREAM_NOT_FOUND"
	ErrCodeSessionNotFound    ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeStreamExists       ErrorCode = "STREAM_ALREADY_EXISTS"
	ErrCodeNoAvailableNode    ErrorCode = "NO_AVAILABLE_NODE"
	ErrCodeUpstreamProxy      ErrorCode = "UPSTREAM_PROXY_ERROR"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
)

// AppError is an application error with code, HTTP mapping and optional
// cause. Internal errors carry a correlation id.
type AppError struct {
	Code          ErrorCode
	Message       string
	HTTPStatus    int
	Cause         error
	CorrelationID string
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error.
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// WrapError wraps an existing error with an application error.
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus, Cause: err}
}

func NewInvalidContentTypeError(got string) *AppError {
	return NewAppError(ErrCodeInvalidContentType, fmt.Sprintf("unsupported content type %q", got), http.StatusBadRequest)
}

func NewInvalidSdpError(err error) *AppError {
	return WrapError(err, ErrCodeInvalidSdp, "sdp parse or negotiation failed", http.StatusBadRequest)
}

func NewStreamNotFoundError(stream string) *AppError {
	return NewAppError(ErrCodeStreamNotFound, fmt.Sprintf("stream %s not found", stream), http.StatusNotFound)
}

func NewSessionNotFoundError(session string) *AppError {
	return NewAppError(ErrCodeSessionNotFound, fmt.Sprintf("session %s not found", session), http.StatusNotFound)
}

func NewStreamExistsError(stream string) *AppError {
	return NewAppError(ErrCodeStreamExists, fmt.Sprintf("stream %s already has a publisher", stream), http.StatusConflict)
}

func NewNoAvailableNodeError(stream string) *AppError {
	return NewAppError(ErrCodeNoAvailableNode, fmt.Sprintf("no node available to serve stream %s", stream), http.StatusServiceUnavailable)
}

func NewUpstreamProxyError(err error) *AppError {
	return WrapError(err, ErrCodeUpstreamProxy, "cluster peer call failed", http.StatusBadGateway)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewInternalError(message, correlationID string) *AppError {
	e := NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
	e.CorrelationID = correlationID
	return e
}

// IsAppError checks whether err carries an AppError anywhere in its chain.
func IsAppError(err error) bool {
	return GetAppError(err) != nil
}

// GetAppError extracts an AppError from the error chain.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HTTPStatus resolves the status code for any error; non-AppErrors map
// to 500.
func HTTPStatus(err error) int {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Package domain provides the canonical event model and error types for the
// events handler.
package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	// ErrorTypeValidation indicates a malformed or invalid request.
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeAuthentication indicates a signature or credential failure.
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypeNotFound indicates a resource was not found.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeUpstreamTransient indicates a broker or provider failure worth retrying.
	ErrorTypeUpstreamTransient ErrorType = "upstream_transient"

	// ErrorTypeUpstreamPermanent indicates a broker or provider failure that will not succeed on retry.
	ErrorTypeUpstreamPermanent ErrorType = "upstream_permanent"

	// ErrorTypeOverloaded indicates the work queue cannot take more tasks.
	ErrorTypeOverloaded ErrorType = "overloaded"

	// ErrorTypeInternal indicates an internal server error.
	ErrorTypeInternal ErrorType = "internal"
)

// ErrorCode is the machine-readable code returned in the error_code field.
type ErrorCode string

const (
	ErrorCodeInvalidJSON      ErrorCode = "INVALID_JSON"
	ErrorCodeInvalidSignature ErrorCode = "INVALID_SIGNATURE"
	ErrorCodeMissingChallenge ErrorCode = "MISSING_CHALLENGE"
	ErrorCodeInvalidEvent     ErrorCode = "INVALID_EVENT"
	ErrorCodeInvalidRequest   ErrorCode = "INVALID_REQUEST"
	ErrorCodeInvalidPushData  ErrorCode = "INVALID_PUSH_DATA"
	ErrorCodeQueueFull        ErrorCode = "QUEUE_FULL"
	ErrorCodeTopicNotFound    ErrorCode = "TOPIC_NOT_FOUND"
	ErrorCodePublishFailed    ErrorCode = "MESSAGE_PUBLISH_ERROR"
	ErrorCodeBrokerUnhealthy  ErrorCode = "PUBSUB_UNHEALTHY"
	ErrorCodeHealthTimeout    ErrorCode = "HEALTH_CHECK_TIMEOUT"
	ErrorCodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// APIError is an error that carries enough information to be rendered as an
// HTTP error body.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Details carries optional structured context for the caller.
	Details map[string]any `json:"details,omitempty"`

	// StatusCode is the suggested HTTP status code
	StatusCode int `json:"-"`

	// Err is the underlying cause. It is never rendered to clients.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeUpstreamTransient, ErrorTypeOverloaded:
		return http.StatusServiceUnavailable
	case ErrorTypeUpstreamPermanent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithDetail adds a single key to the error details.
func (e *APIError) WithDetail(key string, value any) *APIError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// WithCause records the underlying error.
func (e *APIError) WithCause(err error) *APIError {
	e.Err = err
	return e
}

// Convenience constructors for common errors

// ErrValidation creates a validation error.
func ErrValidation(code ErrorCode, message string) *APIError {
	return NewAPIError(ErrorTypeValidation, message).WithCode(code)
}

// ErrAuthentication creates an authentication error. The message is
// deliberately generic.
func ErrAuthentication() *APIError {
	return NewAPIError(ErrorTypeAuthentication, "Invalid signature").
		WithCode(ErrorCodeInvalidSignature)
}

// ErrNotFound creates a not found error.
func ErrNotFound(code ErrorCode, message string) *APIError {
	return NewAPIError(ErrorTypeNotFound, message).WithCode(code)
}

// ErrOverloaded creates a queue-full error.
func ErrOverloaded(message string) *APIError {
	return NewAPIError(ErrorTypeOverloaded, message).WithCode(ErrorCodeQueueFull)
}

// ErrInternal creates an internal error with a generic message.
func ErrInternal(err error) *APIError {
	return NewAPIError(ErrorTypeInternal, "Internal server error").
		WithCode(ErrorCodeInternal).
		WithCause(err)
}

// Sentinel errors wrapped by broker adapters.
var (
	ErrTopicExists   = errors.New("topic already exists")
	ErrTopicNotFound = errors.New("topic not found")
)

// BrokerError classifies a broker failure as transient or permanent.
// Adapters wrap native client errors in it so callers can decide on retry
// without knowing the client library.
type BrokerError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *BrokerError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("broker %s (%s): %v", e.Op, kind, e.Err)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// TransientBrokerError wraps err as a retryable broker failure.
func TransientBrokerError(op string, err error) error {
	return &BrokerError{Op: op, Transient: true, Err: err}
}

// PermanentBrokerError wraps err as a non-retryable broker failure.
func PermanentBrokerError(op string, err error) error {
	return &BrokerError{Op: op, Err: err}
}

// IsTransient reports whether err is worth retrying. Deadline expiry counts
// as transient; caller cancellation does not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// AsAPIError converts err into an APIError, mapping broker failures onto the
// upstream error types.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, ErrTopicNotFound) {
		return ErrNotFound(ErrorCodeTopicNotFound, "Topic not found").WithCause(err)
	}
	var be *BrokerError
	if errors.As(err, &be) {
		t := ErrorTypeUpstreamPermanent
		if be.Transient {
			t = ErrorTypeUpstreamTransient
		}
		return NewAPIError(t, "Failed to publish message").
			WithCode(ErrorCodePublishFailed).
			WithCause(err)
	}
	return ErrInternal(err)
}

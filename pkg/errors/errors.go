package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeValidation         ErrorType = "validation"
	ErrorTypeAuthentication     ErrorType = "authentication"
	ErrorTypeAuthorization      ErrorType = "authorization"
	ErrorTypeNotFound           ErrorType = "not_found"
	ErrorTypeConflict           ErrorType = "conflict"
	ErrorTypeRateLimit          ErrorType = "rate_limit"
	ErrorTypeSecondaryRateLimit ErrorType = "secondary_rate_limit"
	ErrorTypeInternal           ErrorType = "internal"
	ErrorTypeExternal           ErrorType = "external"
	ErrorTypeTimeout            ErrorType = "timeout"
	ErrorTypeCircuitOpen        ErrorType = "circuit_open"
	ErrorTypeSchemaValidation   ErrorType = "schema_validation"
	ErrorTypeCancelled          ErrorType = "cancelled"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType         `json:"type"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Common error constructors
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewAuthenticationError(message string) *AppError {
	return NewAppError(ErrorTypeAuthentication, "AUTHENTICATION_ERROR", message)
}

func NewAuthorizationError(message string) *AppError {
	return NewAppError(ErrorTypeAuthorization, "AUTHORIZATION_ERROR", message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrorTypeConflict, "CONFLICT", message)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

func NewExternalError(service, message string) *AppError {
	return NewAppError(ErrorTypeExternal, "EXTERNAL_SERVICE_ERROR", message).
		WithDetail("service", service)
}

func NewTimeoutError(operation string) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation)).
		WithDetail("operation", operation)
}

// Rate limit errors

func NewRateLimitError(message string) *AppError {
	return NewAppError(ErrorTypeRateLimit, "PRIMARY_RATE_LIMIT", message)
}

func NewSecondaryRateLimitError(message string) *AppError {
	return NewAppError(ErrorTypeSecondaryRateLimit, "SECONDARY_RATE_LIMIT", message)
}

// NewCircuitOpenError reports a rejected call and how long the breaker stays open.
func NewCircuitOpenError(name string, remaining time.Duration) *AppError {
	return NewAppError(ErrorTypeCircuitOpen, "CIRCUIT_OPEN",
		fmt.Sprintf("circuit %s is open, retry in %s", name, remaining.Round(time.Millisecond))).
		WithDetail("circuit", name).
		WithDetail("remaining_cooldown", remaining.String())
}

// NewSchemaValidationError is returned when grading output does not match the requested shape.
func NewSchemaValidationError(message string) *AppError {
	return NewAppError(ErrorTypeSchemaValidation, "SCHEMA_VALIDATION_ERROR", message)
}

// NewCancelledError marks a task ended by the user. mode is "skip", "stop" or "abort".
func NewCancelledError(taskID, mode string) *AppError {
	return NewAppError(ErrorTypeCancelled, "CANCELLED", fmt.Sprintf("%s cancelled (%s)", taskID, mode)).
		WithDetail("task", taskID).
		WithDetail("mode", mode)
}

// Grading errors

func NewCloneError(repo, message string) *AppError {
	return NewAppError(ErrorTypeExternal, "CLONE_ERROR", message).
		WithDetail("repository", repo)
}

func NewGradingError(repo, message string) *AppError {
	return NewAppError(ErrorTypeExternal, "GRADING_ERROR", message).
		WithDetail("repository", repo)
}

// As finds the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsType checks if the error chain holds an AppError of a specific type
func IsType(err error, errorType ErrorType) bool {
	if appErr, ok := As(err); ok {
		return appErr.Type == errorType
	}
	return false
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	if appErr, ok := As(err); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// IsTimeout reports timeout AppErrors and errors whose text mentions a timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if IsType(err, ErrorTypeTimeout) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out")
}

// IsRetryable is the shared classifier: client errors, open circuits and
// cancellations surface immediately, everything else may be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if stderrors.Is(err, context.Canceled) {
		return false
	}

	switch GetType(err) {
	case ErrorTypeValidation,
		ErrorTypeAuthentication,
		ErrorTypeAuthorization,
		ErrorTypeNotFound,
		ErrorTypeConflict,
		ErrorTypeSchemaValidation,
		ErrorTypeCircuitOpen,
		ErrorTypeCancelled:
		return false
	}

	return true
}

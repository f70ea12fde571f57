package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeAuthorization  ErrorType = "authorization"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeConflict       ErrorType = "conflict"
	ErrorTypeRateLimit      ErrorType = "rate_limit"
	ErrorTypeInternal       ErrorType = "internal"
	ErrorTypeExternal       ErrorType = "external"
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypeDatabase       ErrorType = "database"
	ErrorTypeCache          ErrorType = "cache"

	// Dispatch-pipeline error kinds (notification.go §7).
	ErrorTypeInvalidPayload       ErrorType = "invalid_payload"
	ErrorTypeTemplateNotFound     ErrorType = "template_not_found"
	ErrorTypeTemplateInvalid      ErrorType = "template_invalid"
	ErrorTypeVendorCircuitOpen    ErrorType = "vendor_circuit_open"
	ErrorTypeVendorUnavailable    ErrorType = "vendor_unavailable"
	ErrorTypeRateLimitedByVendor  ErrorType = "rate_limited_by_vendor"
	ErrorTypeNoVendorAvailable    ErrorType = "no_vendor_available"
	ErrorTypeVersionConflict      ErrorType = "version_conflict"
)

// ShouldRetry reports whether an error of this type is retryable by the
// dispatch worker. Non-retryable kinds flip a notification to terminal
// failed after a single recorded attempt.
func (t ErrorType) ShouldRetry() bool {
	switch t {
	case ErrorTypeInvalidPayload, ErrorTypeTemplateNotFound, ErrorTypeTemplateInvalid,
		ErrorTypeAuthentication, ErrorTypeAuthorization, ErrorTypeValidation:
		return false
	case ErrorTypeVendorCircuitOpen, ErrorTypeVendorUnavailable, ErrorTypeRateLimitedByVendor,
		ErrorTypeNoVendorAvailable, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeExternal,
		ErrorTypeDatabase, ErrorTypeCache:
		return true
	case ErrorTypeInternal:
		return true
	default:
		return false
	}
}

// AppError represents a structured application error
type AppError struct {
	Type          ErrorType              `json:"type"`
	Code          string                 `json:"code"`
	Message       string                 `json:"message"`
	Details       string                 `json:"details,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Cause         error                  `json:"-"` // Original error, not serialized
	HTTPStatus    int                    `json:"-"` // HTTP status code for API responses
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// ToJSON converts the error to JSON format
func (e *AppError) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:       errorType,
		Code:       code,
		Message:    message,
		Timestamp:  time.Now().UTC(),
		HTTPStatus: getDefaultHTTPStatus(errorType),
	}
}

// NewAppErrorWithCause creates a new application error with an underlying cause
func NewAppErrorWithCause(errorType ErrorType, code, message string, cause error) *AppError {
	err := NewAppError(errorType, code, message)
	err.Cause = cause
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// WithCorrelationID adds a correlation ID to the error
func (e *AppError) WithCorrelationID(correlationID string) *AppError {
	e.CorrelationID = correlationID
	return e
}

// WithDetails adds additional details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithMetadata adds metadata to the error
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithHTTPStatus sets a custom HTTP status code
func (e *AppError) WithHTTPStatus(status int) *AppError {
	e.HTTPStatus = status
	return e
}

// getDefaultHTTPStatus returns the default HTTP status for an error type
func getDefaultHTTPStatus(errorType ErrorType) int {
	switch errorType {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeAuthorization:
		return http.StatusForbidden
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeTimeout:
		return http.StatusRequestTimeout
	case ErrorTypeInvalidPayload:
		return http.StatusBadRequest
	case ErrorTypeTemplateNotFound:
		return http.StatusNotFound
	case ErrorTypeTemplateInvalid:
		return http.StatusUnprocessableEntity
	case ErrorTypeVendorCircuitOpen, ErrorTypeVendorUnavailable, ErrorTypeNoVendorAvailable:
		return http.StatusServiceUnavailable
	case ErrorTypeRateLimitedByVendor:
		return http.StatusTooManyRequests
	case ErrorTypeVersionConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Common error constructors

// NewValidationError creates a validation error
func NewValidationError(field, message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message).
		WithMetadata("field", field)
}

// NewAuthenticationError creates an authentication error
func NewAuthenticationError(message string) *AppError {
	return NewAppError(ErrorTypeAuthentication, "AUTH_ERROR", message)
}

// NewAuthorizationError creates an authorization error
func NewAuthorizationError(message string) *AppError {
	return NewAppError(ErrorTypeAuthorization, "AUTHZ_ERROR", message)
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource)).
		WithMetadata("resource", resource)
}

// NewConflictError creates a conflict error
func NewConflictError(message string) *AppError {
	return NewAppError(ErrorTypeConflict, "CONFLICT", message)
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(limit int, window string) *AppError {
	return NewAppError(ErrorTypeRateLimit, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded").
		WithMetadata("limit", limit).
		WithMetadata("window", window)
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *AppError {
	return NewAppErrorWithCause(ErrorTypeInternal, "INTERNAL_ERROR", message, cause)
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *AppError {
	return NewAppErrorWithCause(ErrorTypeDatabase, "DATABASE_ERROR",
		fmt.Sprintf("Database operation failed: %s", operation), cause).
		WithMetadata("operation", operation)
}

// NewCacheError creates a cache error
func NewCacheError(operation string, cause error) *AppError {
	return NewAppErrorWithCause(ErrorTypeCache, "CACHE_ERROR",
		fmt.Sprintf("Cache operation failed: %s", operation), cause).
		WithMetadata("operation", operation)
}

// NewInvalidPayloadError creates a non-retryable ingress validation error
func NewInvalidPayloadError(field, message string) *AppError {
	return NewAppError(ErrorTypeInvalidPayload, "INVALID_PAYLOAD", message).
		WithMetadata("field", field)
}

// NewTemplateNotFoundError creates a non-retryable template-lookup error
func NewTemplateNotFoundError(templateID string) *AppError {
	return NewAppError(ErrorTypeTemplateNotFound, "TEMPLATE_NOT_FOUND",
		fmt.Sprintf("template %s not found or inactive", templateID)).
		WithMetadata("template_id", templateID)
}

// NewTemplateInvalidError creates a non-retryable template-rendering error
func NewTemplateInvalidError(templateID, reason string) *AppError {
	return NewAppError(ErrorTypeTemplateInvalid, "TEMPLATE_INVALID", reason).
		WithMetadata("template_id", templateID)
}

// NewVendorCircuitOpenError creates a retryable breaker-open error
func NewVendorCircuitOpenError(vendor string) *AppError {
	return NewAppError(ErrorTypeVendorCircuitOpen, "VENDOR_CIRCUIT_OPEN",
		fmt.Sprintf("circuit open for vendor %s", vendor)).
		WithMetadata("vendor", vendor)
}

// NewVendorUnavailableError creates a retryable transport/auth error from a vendor adapter
func NewVendorUnavailableError(vendor string, cause error) *AppError {
	return NewAppErrorWithCause(ErrorTypeVendorUnavailable, "VENDOR_UNAVAILABLE",
		fmt.Sprintf("vendor %s unavailable", vendor), cause).
		WithMetadata("vendor", vendor)
}

// NewRateLimitedByVendorError creates a retryable error carrying the vendor's retry-after hint
func NewRateLimitedByVendorError(vendor string, retryAfter time.Duration) *AppError {
	return NewAppError(ErrorTypeRateLimitedByVendor, "RATE_LIMITED_BY_VENDOR",
		fmt.Sprintf("vendor %s rate limited the request", vendor)).
		WithMetadata("vendor", vendor).
		WithMetadata("retry_after", retryAfter.String())
}

// NewNoVendorAvailableError creates a retryable error when the selector exhausts all vendors
func NewNoVendorAvailableError(channel string) *AppError {
	return NewAppError(ErrorTypeNoVendorAvailable, "NO_VENDOR_AVAILABLE",
		fmt.Sprintf("no healthy vendor available for channel %s", channel)).
		WithMetadata("channel", channel)
}

// NewVersionConflictError creates a conflict error for optimistic template version CAS
func NewVersionConflictError(templateName string, expected, actual int) *AppError {
	return NewAppError(ErrorTypeVersionConflict, "VERSION_CONFLICT",
		fmt.Sprintf("template %s version conflict", templateName)).
		WithMetadata("expected_version", expected).
		WithMetadata("actual_version", actual)
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(operation string, timeout time.Duration) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT",
		fmt.Sprintf("Operation timed out: %s", operation)).
		WithMetadata("operation", operation).
		WithMetadata("timeout", timeout.String())
}

// NewExternalError creates an external service error
func NewExternalError(service, operation string, cause error) *AppError {
	return NewAppErrorWithCause(ErrorTypeExternal, "EXTERNAL_ERROR",
		fmt.Sprintf("External service error: %s", service), cause).
		WithMetadata("service", service).
		WithMetadata("operation", operation)
}

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errorType ErrorType) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type == errorType
	}
	return false
}

// GetErrorType returns the error type if it's an AppError
func GetErrorType(err error) (ErrorType, bool) {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type, true
	}
	return "", false
}

// GetCorrelationID extracts correlation ID from an error
func GetCorrelationID(err error) string {
	if appErr, ok := err.(*AppError); ok {
		return appErr.CorrelationID
	}
	return ""
}

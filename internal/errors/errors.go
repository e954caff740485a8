// Package errors classifies failures of the sync engine so that callers can
// decide between retrying, skipping, degrading and failing fast.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryTransient represents RPC timeouts and analytics 5xx responses
	CategoryTransient ErrorCategory = "transient"
	// CategoryMalformed represents event data missing an expected parameter
	CategoryMalformed ErrorCategory = "malformed"
	// CategoryEnrichment represents a failed identity or content lookup
	CategoryEnrichment ErrorCategory = "enrichment"
	// CategoryLockContention represents a sync run already in flight
	CategoryLockContention ErrorCategory = "lock_contention"
	// CategoryConfiguration represents missing or invalid startup settings
	CategoryConfiguration ErrorCategory = "configuration"
	// CategoryValidation represents invalid caller input
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents a missing resource
	CategoryNotFound ErrorCategory = "not_found"
	// CategorySystem represents storage and other internal failures
	CategorySystem ErrorCategory = "system"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// NewTransientError wraps a failure of an external collaborator that may succeed on retry
func NewTransientError(source string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransient,
		StatusCode: http.StatusBadGateway,
		Code:       "TRANSIENT_EXTERNAL",
		Message:    fmt.Sprintf("%s request failed", source),
		Cause:      cause,
		Details:    map[string]interface{}{"source": source},
	}
}

// NewMalformedEventError reports an event that cannot be applied
func NewMalformedEventError(event, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryMalformed,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       "MALFORMED_EVENT",
		Message:    fmt.Sprintf("malformed %s event: %s", event, reason),
		Details: map[string]interface{}{
			"event":  event,
			"reason": reason,
		},
	}
}

// NewEnrichmentError reports a failed identity or content lookup
func NewEnrichmentError(lookup string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryEnrichment,
		StatusCode: http.StatusBadGateway,
		Code:       "ENRICHMENT_FAILED",
		Message:    fmt.Sprintf("%s lookup failed", lookup),
		Cause:      cause,
	}
}

// NewConfigurationError reports a setting without which the process cannot start
func NewConfigurationError(setting string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConfiguration,
		StatusCode: http.StatusInternalServerError,
		Code:       "CONFIGURATION_ERROR",
		Message:    fmt.Sprintf("invalid configuration: %s", setting),
		Cause:      cause,
	}
}

// NewInvalidAddressError creates an invalid address error
func NewInvalidAddressError(address string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_ADDRESS",
		Message:    fmt.Sprintf("invalid address format: %s", address),
		Details:    map[string]interface{}{"address": address},
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// Categorize returns the CategorizedError in err's chain, or wraps err as internal
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return NewTransientError("context", err)
	}
	return NewInternalError("unexpected error", err)
}

// Is reports whether err carries the given category
func Is(err error, category ErrorCategory) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == category
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is worth retrying at reduced granularity
func IsRetryable(err error) bool {
	if err == nil || stderrors.Is(err, context.Canceled) {
		return false
	}
	catErr := Categorize(err)
	switch catErr.Category {
	case CategoryTransient:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

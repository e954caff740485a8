package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/logging"
)

// ErrorBody is the error part of an API error response
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Common error codes
const (
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	respondJSON(w, statusCode, ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondServiceError maps a categorized error to its HTTP status.
// Internal failures are logged and their cause is not exposed.
func respondServiceError(w http.ResponseWriter, logger *logging.Logger, err error) {
	catErr := apperrors.Categorize(err)
	if catErr.StatusCode >= http.StatusInternalServerError {
		logger.WithError(err).WithField("code", catErr.Code).Error("request failed")
	}
	if catErr.Category == apperrors.CategorySystem {
		respondError(w, catErr.StatusCode, ErrCodeInternalError, "An internal error occurred", nil)
		return
	}
	respondError(w, catErr.StatusCode, catErr.Code, catErr.Message, catErr.Details)
}

func respondUnavailable(w http.ResponseWriter, feature string) {
	respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, feature+" is not configured", nil)
}

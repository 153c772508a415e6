// Package api exposes the identity core over HTTP. Responses use a
// uniform envelope; authentication failures are deliberately uniform
// too, so the API cannot be used to enumerate accounts.
package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// Error codes returned by the identity API
const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeAccountLocked      = "ACCOUNT_LOCKED"
	CodeMFARequired        = "MFA_REQUIRED"
	CodeMFAFailed          = "MFA_FAILED"
	CodeMFANotEnrolled     = "MFA_NOT_ENROLLED"
	CodeCredentialExists   = "CREDENTIAL_EXISTS"
	CodeWeakPassword       = "WEAK_PASSWORD"
	CodeAuthTokenInvalid   = "AUTH_TOKEN_INVALID"
	CodeAuthTokenExpired   = "AUTH_TOKEN_EXPIRED"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeInternalError      = "INTERNAL_ERROR"
)

// APIResponse represents the standard API response format
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents the error detail in API response
type APIError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details map[string][]string `json:"details,omitempty"`
}

// writeSuccess writes a successful JSON response
func writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

// writeError writes an error JSON response
func writeError(w http.ResponseWriter, statusCode int, code, message string, details map[string][]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

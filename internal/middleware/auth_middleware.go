package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	appctx "github.com/quartzerp/identity-core/internal/context"
	"github.com/quartzerp/identity-core/internal/session"
)

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Success   bool        `json:"success"`
	Error     ErrorDetail `json:"error"`
	Timestamp time.Time   `json:"timestamp"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMiddleware validates access tokens on protected routes.
type AuthMiddleware struct {
	codec *session.TokenCodec
}

// NewAuthMiddleware creates a new AuthMiddleware instance
func NewAuthMiddleware(codec *session.TokenCodec) *AuthMiddleware {
	return &AuthMiddleware{codec: codec}
}

// Authenticate validates the Bearer access token and injects the user
// and session IDs into the request context. The token is only checked
// cryptographically here; session liveness is enforced where it matters,
// at refresh and logout.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.writeError(w, http.StatusUnauthorized, "AUTH_TOKEN_MISSING", "Authorization header is required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			m.writeError(w, http.StatusUnauthorized, "AUTH_TOKEN_INVALID", "Invalid authorization header format")
			return
		}

		tokenString := parts[1]
		if tokenString == "" {
			m.writeError(w, http.StatusUnauthorized, "AUTH_TOKEN_INVALID", "Token is empty")
			return
		}

		claims, err := m.codec.ValidateAccessToken(tokenString)
		if err != nil {
			m.writeError(w, http.StatusUnauthorized, "AUTH_TOKEN_INVALID", "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), appctx.UserIDKey, claims.UserID())
		ctx = context.WithValue(ctx, appctx.SessionIDKey, claims.SessionID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// writeError writes a JSON error response
func (m *AuthMiddleware) writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Success: false,
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/quartzerp/identity-core/internal/authflow"
	appctx "github.com/quartzerp/identity-core/internal/context"
	"github.com/quartzerp/identity-core/internal/repository"
	"github.com/quartzerp/identity-core/internal/session"
)

// AuthHandler handles HTTP requests for authentication endpoints
type AuthHandler struct {
	flow   *authflow.Orchestrator
	logger *slog.Logger

	// exposeLockout controls whether a locked account is reported as
	// locked (with its deadline) or disguised as invalid credentials.
	// Internal ERP deployments expose it; anything public-facing
	// should not.
	exposeLockout bool
}

// NewAuthHandler creates a new AuthHandler instance
func NewAuthHandler(flow *authflow.Orchestrator, exposeLockout bool, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		flow:          flow,
		logger:        logger,
		exposeLockout: exposeLockout,
	}
}

// deviceContext builds the device fingerprint recorded on sessions and
// audit events.
func deviceContext(r *http.Request) session.DeviceContext {
	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		ip = r.Header.Get("X-Real-IP")
	}
	if ip == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err == nil {
			ip = host
		} else {
			ip = r.RemoteAddr
		}
	}
	return session.DeviceContext{
		IPAddress: ip,
		UserAgent: r.UserAgent(),
	}
}

// Login handles POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request", validationDetails(err))
		return
	}

	pair, err := h.flow.Authenticate(r.Context(), authflow.LoginInput{
		CredentialRef: req.CredentialRef,
		Password:      req.Password,
		MFACode:       req.MFACode,
		Device:        deviceContext(r),
	})
	if err != nil {
		h.handleAuthError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, pair)
}

// Refresh handles POST /api/v1/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request", validationDetails(err))
		return
	}

	pair, err := h.flow.RefreshSession(r.Context(), req.RefreshToken)
	if err != nil {
		h.handleAuthError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, pair)
}

// Logout handles POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	if err := h.flow.Logout(r.Context(), userID, sessionID, deviceContext(r)); err != nil {
		h.handleAuthError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]interface{}{"logged_out": true})
}

// CreateAccount handles POST /api/v1/auth/accounts
func (h *AuthHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request", validationDetails(err))
		return
	}

	userID, err := h.flow.CreateAccount(r.Context(), req.CredentialRef, req.Password, deviceContext(r))
	if err != nil {
		h.handleAuthError(w, err)
		return
	}

	writeSuccess(w, http.StatusCreated, map[string]interface{}{"user_id": userID})
}

// ChangePassword handles POST /api/v1/auth/password
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request", validationDetails(err))
		return
	}

	if err := h.flow.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword, deviceContext(r)); err != nil {
		h.handleAuthError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]interface{}{"password_changed": true})
}

// EnrollMFA handles POST /api/v1/auth/mfa/enroll
func (h *AuthHandler) EnrollMFA(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	enrollment, err := h.flow.EnrollMFA(r.Context(), userID)
	if err != nil {
		h.handleAuthError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, enrollment)
}

// ActivateMFA handles POST /api/v1/auth/mfa/activate
func (h *AuthHandler) ActivateMFA(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	var req ActivateMFARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request", validationDetails(err))
		return
	}

	if err := h.flow.ActivateMFA(r.Context(), userID, req.Code, deviceContext(r)); err != nil {
		h.handleAuthError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]interface{}{"mfa_enabled": true})
}

// DisableMFA handles DELETE /api/v1/auth/mfa
func (h *AuthHandler) DisableMFA(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	if err := h.flow.DisableMFA(r.Context(), userID, deviceContext(r)); err != nil {
		h.handleAuthError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]interface{}{"mfa_enabled": false})
}

// UnlockAccount handles POST /api/v1/admin/accounts/{userID}/unlock
func (h *AuthHandler) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid user ID", nil)
		return
	}

	if err := h.flow.UnlockAccount(r.Context(), userID); err != nil {
		h.handleAuthError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]interface{}{"unlocked": true})
}

// requireIdentity extracts the authenticated user and session IDs set by
// the auth middleware.
func (h *AuthHandler) requireIdentity(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	userIDStr, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return uuid.Nil, uuid.Nil, false
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid user ID", nil)
		return uuid.Nil, uuid.Nil, false
	}

	sessionIDStr, ok := appctx.ExtractSessionID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return uuid.Nil, uuid.Nil, false
	}
	sessionID, err := uuid.Parse(sessionIDStr)
	if err != nil {
		writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid session ID", nil)
		return uuid.Nil, uuid.Nil, false
	}

	return userID, sessionID, true
}

// handleAuthError maps authentication errors to HTTP responses. The
// default for anything credential-shaped is a uniform 401 so callers
// cannot distinguish unknown accounts from wrong passwords.
func (h *AuthHandler) handleAuthError(w http.ResponseWriter, err error) {
	var lockedErr *authflow.LockedError

	switch {
	case errors.As(err, &lockedErr):
		if h.exposeLockout {
			retryAfter := int64(time.Until(lockedErr.Until).Seconds())
			if retryAfter < 0 {
				retryAfter = 0
			}
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			writeError(w, http.StatusLocked, CodeAccountLocked, "Account is temporarily locked", map[string][]string{
				"locked_until": {lockedErr.Until.UTC().Format(time.RFC3339)},
			})
			return
		}
		writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Invalid credentials", nil)

	case errors.Is(err, authflow.ErrAccountLocked):
		if h.exposeLockout {
			writeError(w, http.StatusLocked, CodeAccountLocked, "Account is temporarily locked", nil)
			return
		}
		writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Invalid credentials", nil)

	case errors.Is(err, authflow.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Invalid credentials", nil)

	case errors.Is(err, authflow.ErrMFARequired):
		writeError(w, http.StatusUnauthorized, CodeMFARequired, "MFA code required", nil)

	case errors.Is(err, authflow.ErrMFAFailed):
		writeError(w, http.StatusUnauthorized, CodeMFAFailed, "MFA verification failed", nil)

	case errors.Is(err, authflow.ErrMFANotEnrolled):
		writeError(w, http.StatusBadRequest, CodeMFANotEnrolled, "MFA enrollment required first", nil)

	case errors.Is(err, authflow.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, CodeWeakPassword, err.Error(), nil)

	case errors.Is(err, repository.ErrCredentialExists):
		writeError(w, http.StatusConflict, CodeCredentialExists, "Credential reference already registered", nil)

	case errors.Is(err, session.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, CodeAuthTokenExpired, "Token expired", nil)

	case errors.Is(err, session.ErrTokenInvalid), errors.Is(err, session.ErrTokenReused):
		// Reuse is not distinguished externally; the session family is
		// already terminated and the event recorded.
		writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid token", nil)

	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, CodeSessionNotFound, "Session not found", nil)

	default:
		h.logger.Error("Authentication request failed", "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred", nil)
	}
}

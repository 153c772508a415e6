package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterAuthRoutes registers the authentication endpoints. The login
// and refresh endpoints sit behind the per-IP rate limiter; account and
// MFA management require a valid access token.
func RegisterAuthRoutes(r chi.Router, handler *AuthHandler, authMiddleware, loginLimiter func(next http.Handler) http.Handler) {
	r.Route("/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(loginLimiter)

			// POST /api/v1/auth/login - Authenticate and issue tokens
			r.Post("/login", handler.Login)

			// POST /api/v1/auth/refresh - Rotate a refresh token
			r.Post("/refresh", handler.Refresh)
		})

		// POST /api/v1/auth/accounts - Register credential material
		r.Post("/accounts", handler.CreateAccount)

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware)

			// POST /api/v1/auth/logout - Terminate the current session
			r.Post("/logout", handler.Logout)

			// POST /api/v1/auth/password - Change password
			r.Post("/password", handler.ChangePassword)

			// POST /api/v1/auth/mfa/enroll - Mint a TOTP secret
			r.Post("/mfa/enroll", handler.EnrollMFA)

			// POST /api/v1/auth/mfa/activate - Confirm and enforce MFA
			r.Post("/mfa/activate", handler.ActivateMFA)

			// DELETE /api/v1/auth/mfa - Disable MFA
			r.Delete("/mfa", handler.DisableMFA)
		})
	})
}

// RegisterAdminRoutes registers the administrative endpoints: account
// unlock and the audit trail queries. All require authentication; role
// checks happen upstream at the API gateway.
func RegisterAdminRoutes(r chi.Router, authHandler *AuthHandler, auditHandler *AuditHandler, authMiddleware func(next http.Handler) http.Handler) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(authMiddleware)

		// POST /api/v1/admin/accounts/:userID/unlock - Clear a lock
		r.Post("/accounts/{userID}/unlock", authHandler.UnlockAccount)

		r.Route("/audit", func(r chi.Router) {
			// GET /api/v1/admin/audit/users/:userID - Events for a user
			r.Get("/users/{userID}", auditHandler.QueryByUser)

			// GET /api/v1/admin/audit/events/:eventType - Events by type
			r.Get("/events/{eventType}", auditHandler.QueryByEventType)

			// GET /api/v1/admin/audit/severity/:severity - Events by severity
			r.Get("/severity/{severity}", auditHandler.QueryBySeverity)
		})
	})
}

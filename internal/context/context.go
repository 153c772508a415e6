package context

import (
	"context"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// UserIDKey is the context key for the authenticated user ID
	UserIDKey ContextKey = "user_id"
	// SessionIDKey is the context key for the authenticated session ID
	SessionIDKey ContextKey = "session_id"
)

// ExtractUserID extracts the user ID from the request context
func ExtractUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok
}

// ExtractSessionID extracts the session ID from the request context
func ExtractSessionID(ctx context.Context) (string, bool) {
	sessionID, ok := ctx.Value(SessionIDKey).(string)
	return sessionID, ok
}

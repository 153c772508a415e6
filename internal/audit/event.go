// Package audit defines the immutable security event model and the
// append-only audit trail contract. Events are written exactly once and
// never mutated or deleted through this package.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Audit errors
var (
	ErrInvalidEventType = errors.New("invalid security event type")
	ErrInvalidStatus    = errors.New("invalid security event status")
	ErrInvalidSeverity  = errors.New("invalid security event severity")
)

// EventType identifies a security-relevant action. The set is closed;
// collaborators depend on these exact strings.
type EventType string

const (
	EventLoginSuccess               EventType = "LOGIN_SUCCESS"
	EventLoginFailed                EventType = "LOGIN_FAILED"
	EventLogout                     EventType = "LOGOUT"
	EventPasswordChanged            EventType = "PASSWORD_CHANGED"
	EventPasswordResetRequested     EventType = "PASSWORD_RESET_REQUESTED"
	EventPasswordResetCompleted     EventType = "PASSWORD_RESET_COMPLETED"
	EventEmailChanged               EventType = "EMAIL_CHANGED"
	EventEmailVerificationRequested EventType = "EMAIL_VERIFICATION_REQUESTED"
	EventEmailVerified              EventType = "EMAIL_VERIFIED"
	EventAccountCreated             EventType = "ACCOUNT_CREATED"
	EventAccountUpdated             EventType = "ACCOUNT_UPDATED"
	EventAccountLocked              EventType = "ACCOUNT_LOCKED"
	EventAccountUnlocked            EventType = "ACCOUNT_UNLOCKED"
	EventAccountDeleted             EventType = "ACCOUNT_DELETED"
	EventRoleChanged                EventType = "ROLE_CHANGED"
	EventPermissionsChanged         EventType = "PERMISSIONS_CHANGED"
	EventMFAEnabled                 EventType = "MFA_ENABLED"
	EventMFADisabled                EventType = "MFA_DISABLED"
	EventSessionCreated             EventType = "SESSION_CREATED"
	EventSessionExpired             EventType = "SESSION_EXPIRED"
	EventSessionTerminated          EventType = "SESSION_TERMINATED"
	EventTokenRefresh               EventType = "TOKEN_REFRESH"
	EventSuspiciousActivity         EventType = "SUSPICIOUS_ACTIVITY"
)

var eventTypes = map[EventType]bool{
	EventLoginSuccess:               true,
	EventLoginFailed:                true,
	EventLogout:                     true,
	EventPasswordChanged:            true,
	EventPasswordResetRequested:     true,
	EventPasswordResetCompleted:     true,
	EventEmailChanged:               true,
	EventEmailVerificationRequested: true,
	EventEmailVerified:              true,
	EventAccountCreated:             true,
	EventAccountUpdated:             true,
	EventAccountLocked:              true,
	EventAccountUnlocked:            true,
	EventAccountDeleted:             true,
	EventRoleChanged:                true,
	EventPermissionsChanged:         true,
	EventMFAEnabled:                 true,
	EventMFADisabled:                true,
	EventSessionCreated:             true,
	EventSessionExpired:             true,
	EventSessionTerminated:          true,
	EventTokenRefresh:               true,
	EventSuspiciousActivity:         true,
}

// Valid reports whether t is a member of the closed event type set.
func (t EventType) Valid() bool {
	return eventTypes[t]
}

// Status is the outcome classification of a security event.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusWarning Status = "WARNING"
	StatusInfo    Status = "INFO"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusWarning, StatusInfo:
		return true
	}
	return false
}

// Severity ranks how security-sensitive an event is.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Valid reports whether v is a known severity value.
func (v Severity) Valid() bool {
	switch v {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Event is a single immutable audit record. UserID is nil for anonymous
// events such as a failed login against an unknown identity. Details is
// an opaque structured payload stored as JSONB.
type Event struct {
	ID        uuid.UUID      `db:"id" json:"id"`
	UserID    *uuid.UUID     `db:"user_id" json:"user_id,omitempty"`
	EventType EventType      `db:"event_type" json:"event_type"`
	Status    Status         `db:"status" json:"status"`
	Severity  Severity       `db:"severity" json:"severity"`
	Details   map[string]any `db:"-" json:"details,omitempty"`
	IPAddress *string        `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent *string        `db:"user_agent" json:"user_agent,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}

// Validate checks the enum-constrained fields at the boundary, before
// the event reaches storage.
func (e *Event) Validate() error {
	if !e.EventType.Valid() {
		return ErrInvalidEventType
	}
	if !e.Status.Valid() {
		return ErrInvalidStatus
	}
	if !e.Severity.Valid() {
		return ErrInvalidSeverity
	}
	return nil
}

// QueryFilters narrows and pages an audit query. Results are always
// ordered by created_at descending (newest first).
type QueryFilters struct {
	Limit     int
	Skip      int
	StartDate *time.Time
	EndDate   *time.Time
}

// DefaultQueryLimit caps unbounded queries.
const DefaultQueryLimit = 50

// Normalize applies the default limit and clamps negative paging values.
func (f QueryFilters) Normalize() QueryFilters {
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Skip < 0 {
		f.Skip = 0
	}
	return f
}

// Repository is the narrow persistence contract for the audit trail.
// Append is the only write; there is intentionally no update or delete.
type Repository interface {
	Append(ctx context.Context, event *Event) error
	QueryByUser(ctx context.Context, userID uuid.UUID, filters QueryFilters) ([]Event, error)
	QueryByEventType(ctx context.Context, eventType EventType, filters QueryFilters) ([]Event, error)
	QueryBySeverity(ctx context.Context, severity Severity, filters QueryFilters) ([]Event, error)
}

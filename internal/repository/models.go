package repository

import (
	"time"

	"github.com/google/uuid"
)

// Credential holds the stored secret material for one identity. The
// core never owns the full user profile, only security attributes;
// CredentialRef is the opaque login reference handed out by the user
// service.
type Credential struct {
	UserID        uuid.UUID `db:"user_id"`
	CredentialRef string    `db:"credential_ref"`
	PasswordHash  string    `db:"password_hash"`
	TOTPSecret    *string   `db:"totp_secret"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// SecurityState is the per-account lockout and risk record. One row per
// identity, created on the first failed attempt and reset, never deleted.
// DBNow carries the database server clock observed by the statement that
// produced this snapshot; lock comparisons use it so that skew between
// application instances cannot unlock an account early.
type SecurityState struct {
	UserID            uuid.UUID  `db:"user_id"`
	FailedAttempts    int        `db:"failed_attempts"`
	LockedUntil       *time.Time `db:"locked_until"`
	LockCycles        int        `db:"lock_cycles"`
	MFAEnabled        bool       `db:"mfa_enabled"`
	MFAFailedAttempts int        `db:"mfa_failed_attempts"`
	UpdatedAt         time.Time  `db:"updated_at"`
	DBNow             time.Time  `db:"db_now"`
}

// Locked reports whether the account is locked as of the snapshot's
// database clock.
func (s *SecurityState) Locked() bool {
	return s.LockedUntil != nil && s.LockedUntil.After(s.DBNow)
}

// Session status values
const (
	SessionActive     = "ACTIVE"
	SessionExpired    = "EXPIRED"
	SessionTerminated = "TERMINATED"
)

// Session is a server-tracked authenticated context bound to a device.
type Session struct {
	ID             uuid.UUID  `db:"id"`
	UserID         uuid.UUID  `db:"user_id"`
	Status         string     `db:"status"`
	IssuedAt       time.Time  `db:"issued_at"`
	ExpiresAt      time.Time  `db:"expires_at"`
	RefreshTokenID *uuid.UUID `db:"refresh_token_id"`
	IPAddress      *string    `db:"ip_address"`
	UserAgent      *string    `db:"user_agent"`
}

// Refresh token status values
const (
	RefreshActive  = "ACTIVE"
	RefreshRotated = "ROTATED"
	RefreshRevoked = "REVOKED"
)

// RefreshToken is one link in a session's refresh chain. At most one row
// per session is ACTIVE at a time; rotation flips the old row to ROTATED
// before the replacement is inserted.
type RefreshToken struct {
	ID        uuid.UUID  `db:"id"`
	SessionID uuid.UUID  `db:"session_id"`
	TokenHash string     `db:"token_hash"`
	Status    string     `db:"status"`
	IssuedAt  time.Time  `db:"issued_at"`
	ExpiresAt time.Time  `db:"expires_at"`
	RotatedAt *time.Time `db:"rotated_at"`
}

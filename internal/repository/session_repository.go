package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Session repository errors
var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionNotActive     = errors.New("session not active")
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrRefreshTokenRotated  = errors.New("refresh token already rotated")
	ErrRefreshTokenRevoked  = errors.New("refresh token revoked")
)

// SessionRepository defines the interface for session and refresh token
// data access. Only the session manager writes these tables.
type SessionRepository interface {
	CreateSession(ctx context.Context, session *Session, token *RefreshToken) error
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)
	RotateRefreshToken(ctx context.Context, oldTokenHash string, newToken *RefreshToken) error
	TerminateSession(ctx context.Context, id uuid.UUID) (bool, error)
	TerminateAllForUser(ctx context.Context, userID uuid.UUID) (int64, error)
	ExpireSessions(ctx context.Context) ([]Session, error)
}

// sessionRepository implements SessionRepository using PostgreSQL
type sessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository instance
func NewSessionRepository(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepository{pool: pool}
}

// CreateSession inserts a session together with its first refresh token
// in one transaction.
func (r *sessionRepository) CreateSession(ctx context.Context, session *Session, token *RefreshToken) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// The session ID is minted by the caller because the refresh token
	// is bound to it before the row exists.
	err = tx.QueryRow(ctx, `
		INSERT INTO sessions (id, user_id, status, expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING issued_at
	`, session.ID, session.UserID, SessionActive, session.ExpiresAt, session.IPAddress, session.UserAgent,
	).Scan(&session.IssuedAt)
	if err != nil {
		return err
	}
	session.Status = SessionActive

	token.SessionID = session.ID
	err = tx.QueryRow(ctx, `
		INSERT INTO refresh_tokens (session_id, token_hash, status, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, issued_at
	`, token.SessionID, token.TokenHash, RefreshActive, token.ExpiresAt,
	).Scan(&token.ID, &token.IssuedAt)
	if err != nil {
		return err
	}
	token.Status = RefreshActive

	_, err = tx.Exec(ctx,
		`UPDATE sessions SET refresh_token_id = $2 WHERE id = $1`,
		session.ID, token.ID,
	)
	if err != nil {
		return err
	}
	session.RefreshTokenID = &token.ID

	return tx.Commit(ctx)
}

// GetSession retrieves a session by its ID.
func (r *sessionRepository) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	query := `
		SELECT id, user_id, status, issued_at, expires_at, refresh_token_id, ip_address, user_agent
		FROM sessions
		WHERE id = $1
	`

	session := &Session{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&session.ID,
		&session.UserID,
		&session.Status,
		&session.IssuedAt,
		&session.ExpiresAt,
		&session.RefreshTokenID,
		&session.IPAddress,
		&session.UserAgent,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	return session, nil
}

// GetRefreshToken retrieves a refresh token row by its hash regardless
// of status. Status inspection belongs to the caller.
func (r *sessionRepository) GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	query := `
		SELECT id, session_id, token_hash, status, issued_at, expires_at, rotated_at
		FROM refresh_tokens
		WHERE token_hash = $1
	`

	token := &RefreshToken{}
	err := r.pool.QueryRow(ctx, query, tokenHash).Scan(
		&token.ID,
		&token.SessionID,
		&token.TokenHash,
		&token.Status,
		&token.IssuedAt,
		&token.ExpiresAt,
		&token.RotatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRefreshTokenNotFound
		}
		return nil, err
	}

	return token, nil
}

// RotateRefreshToken retires the old token and installs its replacement.
// The conditional UPDATE on (token_hash, status=ACTIVE) is the commit
// point: under concurrent refreshes with the same stale token, exactly
// one caller flips the row and every other caller gets
// ErrRefreshTokenRotated. The old token never validates again once this
// commits.
func (r *sessionRepository) RotateRefreshToken(ctx context.Context, oldTokenHash string, newToken *RefreshToken) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var sessionID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE refresh_tokens rt
		SET status = $2, rotated_at = now()
		FROM sessions s
		WHERE rt.session_id = s.id
		  AND rt.token_hash = $1
		  AND rt.status = $3
		  AND s.status = $4
		RETURNING rt.session_id
	`, oldTokenHash, RefreshRotated, RefreshActive, SessionActive).Scan(&sessionID)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		return r.classifyStaleToken(ctx, oldTokenHash)
	}

	newToken.SessionID = sessionID
	err = tx.QueryRow(ctx, `
		INSERT INTO refresh_tokens (session_id, token_hash, status, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, issued_at
	`, newToken.SessionID, newToken.TokenHash, RefreshActive, newToken.ExpiresAt,
	).Scan(&newToken.ID, &newToken.IssuedAt)
	if err != nil {
		return err
	}
	newToken.Status = RefreshActive

	// Rotation slides the session window out to the new token's expiry.
	_, err = tx.Exec(ctx, `
		UPDATE sessions
		SET refresh_token_id = $2, expires_at = GREATEST(expires_at, $3)
		WHERE id = $1
	`, sessionID, newToken.ID, newToken.ExpiresAt)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// classifyStaleToken explains why the conditional rotation matched no
// row, reading outside the failed transaction.
func (r *sessionRepository) classifyStaleToken(ctx context.Context, tokenHash string) error {
	var tokenStatus, sessionStatus string
	err := r.pool.QueryRow(ctx, `
		SELECT rt.status, s.status
		FROM refresh_tokens rt
		JOIN sessions s ON s.id = rt.session_id
		WHERE rt.token_hash = $1
	`, tokenHash).Scan(&tokenStatus, &sessionStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrRefreshTokenNotFound
	}
	if err != nil {
		return err
	}

	switch tokenStatus {
	case RefreshRotated:
		return ErrRefreshTokenRotated
	case RefreshRevoked:
		return ErrRefreshTokenRevoked
	case RefreshActive:
		// Token untouched, so the session status guard blocked the
		// rotation.
		return ErrSessionNotActive
	default:
		return fmt.Errorf("refresh token in unexpected state %q", tokenStatus)
	}
}

// TerminateSession sets the session to TERMINATED and revokes every
// token in its refresh chain. Idempotent: terminating an already
// terminated session reports changed=false without error. An unknown
// session yields ErrSessionNotFound.
func (r *sessionRepository) TerminateSession(ctx context.Context, id uuid.UUID) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE sessions SET status = $2 WHERE id = $1 AND status <> $2
	`, id, SessionTerminated)
	if err != nil {
		return false, err
	}

	changed := result.RowsAffected() > 0
	if !changed {
		var exists bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, id,
		).Scan(&exists)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, ErrSessionNotFound
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE refresh_tokens SET status = $2 WHERE session_id = $1 AND status = $3
	`, id, RefreshRevoked, RefreshActive)
	if err != nil {
		return false, err
	}

	return changed, tx.Commit(ctx)
}

// TerminateAllForUser terminates every non-terminated session of a user
// and revokes the associated refresh tokens. Returns the number of
// sessions changed.
func (r *sessionRepository) TerminateAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE sessions SET status = $2 WHERE user_id = $1 AND status <> $2
	`, userID, SessionTerminated)
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE refresh_tokens SET status = $2
		WHERE status = $3 AND session_id IN (SELECT id FROM sessions WHERE user_id = $1)
	`, userID, RefreshRevoked, RefreshActive)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected(), tx.Commit(ctx)
}

// ExpireSessions flips every ACTIVE session past its expiry to EXPIRED,
// using the database clock, and returns the affected sessions so the
// caller can audit them.
func (r *sessionRepository) ExpireSessions(ctx context.Context) ([]Session, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE sessions SET status = $1
		WHERE status = $2 AND expires_at < now()
		RETURNING id, user_id, status, issued_at, expires_at, refresh_token_id, ip_address, user_agent
	`, SessionExpired, SessionActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []Session
	for rows.Next() {
		var s Session
		err := rows.Scan(
			&s.ID, &s.UserID, &s.Status, &s.IssuedAt, &s.ExpiresAt,
			&s.RefreshTokenID, &s.IPAddress, &s.UserAgent,
		)
		if err != nil {
			return nil, err
		}
		expired = append(expired, s)
	}

	return expired, rows.Err()
}

package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Security state repository errors
var (
	ErrSecurityStateNotFound = errors.New("account security state not found")
)

// LockPolicy carries the lockout decision inputs down to the atomic
// increment statement so concurrent failures cannot under-count or race
// the lock transition.
type LockPolicy struct {
	// Threshold is the consecutive-failure count that trips a lock.
	Threshold int
	// BaseDuration is the first lock cycle's duration.
	BaseDuration time.Duration
	// MaxBackoffShift caps the exponential backoff exponent across
	// repeated lock cycles.
	MaxBackoffShift int
}

// SecurityStateRepository defines the interface for per-account lockout
// state. All mutations are single-statement database-atomic updates;
// this is the only component allowed to write account_security_state.
type SecurityStateRepository interface {
	Get(ctx context.Context, userID uuid.UUID) (*SecurityState, error)
	RecordFailure(ctx context.Context, userID uuid.UUID, policy LockPolicy) (*SecurityState, error)
	RecordSuccess(ctx context.Context, userID uuid.UUID) error
	Unlock(ctx context.Context, userID uuid.UUID) error
	SetMFAEnabled(ctx context.Context, userID uuid.UUID, enabled bool) error
	RecordMFAFailure(ctx context.Context, userID uuid.UUID) (int, error)
	ResetMFAFailures(ctx context.Context, userID uuid.UUID) error
}

// securityStateRepository implements SecurityStateRepository using PostgreSQL
type securityStateRepository struct {
	pool *pgxpool.Pool
}

// NewSecurityStateRepository creates a new SecurityStateRepository instance
func NewSecurityStateRepository(pool *pgxpool.Pool) SecurityStateRepository {
	return &securityStateRepository{pool: pool}
}

const securityStateColumns = `
	user_id, failed_attempts, locked_until, lock_cycles,
	mfa_enabled, mfa_failed_attempts, updated_at, now() AS db_now
`

// Get retrieves the security state for an account. An account with no
// prior record yields ErrSecurityStateNotFound; callers treat that as
// zero failures, not locked.
func (r *securityStateRepository) Get(ctx context.Context, userID uuid.UUID) (*SecurityState, error) {
	query := `
		SELECT ` + securityStateColumns + `
		FROM account_security_state
		WHERE user_id = $1
	`
	return r.scanState(r.pool.QueryRow(ctx, query, userID))
}

// RecordFailure atomically increments the failure counter and applies
// the lock transition in the same statement. The upsert creates the row
// on an account's first failure. Lock duration backs off exponentially
// with the number of completed lock cycles, capped by MaxBackoffShift.
// The returned snapshot reflects the post-increment row.
func (r *securityStateRepository) RecordFailure(ctx context.Context, userID uuid.UUID, policy LockPolicy) (*SecurityState, error) {
	// The lock CASE appears in both branches: a threshold of one must
	// lock on the very first failure, which takes the INSERT path.
	query := `
		INSERT INTO account_security_state AS s (user_id, failed_attempts, locked_until, lock_cycles, updated_at)
		VALUES (
			$1, 1,
			CASE WHEN 1 >= $2 THEN now() + make_interval(secs => $3) END,
			CASE WHEN 1 >= $2 THEN 1 ELSE 0 END,
			now()
		)
		ON CONFLICT (user_id) DO UPDATE SET
			failed_attempts = s.failed_attempts + 1,
			locked_until = CASE
				WHEN s.failed_attempts + 1 >= $2
				THEN now() + make_interval(secs => $3 * power(2, LEAST(s.lock_cycles, $4)))
				ELSE s.locked_until
			END,
			lock_cycles = CASE
				WHEN s.failed_attempts + 1 >= $2 THEN s.lock_cycles + 1
				ELSE s.lock_cycles
			END,
			updated_at = now()
		RETURNING ` + securityStateColumns

	return r.scanState(r.pool.QueryRow(ctx, query, userID,
		policy.Threshold,
		policy.BaseDuration.Seconds(),
		policy.MaxBackoffShift,
	))
}

// RecordSuccess resets the failure counter and clears any lock. The row
// is upserted so a success on a fresh account leaves a zeroed record.
func (r *securityStateRepository) RecordSuccess(ctx context.Context, userID uuid.UUID) error {
	query := `
		INSERT INTO account_security_state AS s (user_id, failed_attempts, updated_at)
		VALUES ($1, 0, now())
		ON CONFLICT (user_id) DO UPDATE SET
			failed_attempts = 0,
			locked_until = NULL,
			updated_at = now()
	`

	_, err := r.pool.Exec(ctx, query, userID)
	return err
}

// Unlock clears the lock and zeroes the failure counter. lock_cycles is
// preserved so backoff history survives an administrative unlock.
func (r *securityStateRepository) Unlock(ctx context.Context, userID uuid.UUID) error {
	query := `
		UPDATE account_security_state
		SET failed_attempts = 0, locked_until = NULL, updated_at = now()
		WHERE user_id = $1
	`

	result, err := r.pool.Exec(ctx, query, userID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrSecurityStateNotFound
	}
	return nil
}

// SetMFAEnabled toggles the MFA flag, creating the row if needed.
func (r *securityStateRepository) SetMFAEnabled(ctx context.Context, userID uuid.UUID, enabled bool) error {
	query := `
		INSERT INTO account_security_state AS s (user_id, mfa_enabled, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET
			mfa_enabled = $2,
			mfa_failed_attempts = 0,
			updated_at = now()
	`

	_, err := r.pool.Exec(ctx, query, userID, enabled)
	return err
}

// RecordMFAFailure increments the MFA failure counter, which is tracked
// independently from the password failure counter, and returns the new
// count.
func (r *securityStateRepository) RecordMFAFailure(ctx context.Context, userID uuid.UUID) (int, error) {
	query := `
		INSERT INTO account_security_state AS s (user_id, mfa_failed_attempts, updated_at)
		VALUES ($1, 1, now())
		ON CONFLICT (user_id) DO UPDATE SET
			mfa_failed_attempts = s.mfa_failed_attempts + 1,
			updated_at = now()
		RETURNING mfa_failed_attempts
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// ResetMFAFailures zeroes the MFA failure counter.
func (r *securityStateRepository) ResetMFAFailures(ctx context.Context, userID uuid.UUID) error {
	query := `
		UPDATE account_security_state
		SET mfa_failed_attempts = 0, updated_at = now()
		WHERE user_id = $1
	`

	_, err := r.pool.Exec(ctx, query, userID)
	return err
}

func (r *securityStateRepository) scanState(row pgx.Row) (*SecurityState, error) {
	state := &SecurityState{}
	err := row.Scan(
		&state.UserID,
		&state.FailedAttempts,
		&state.LockedUntil,
		&state.LockCycles,
		&state.MFAEnabled,
		&state.MFAFailedAttempts,
		&state.UpdatedAt,
		&state.DBNow,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSecurityStateNotFound
		}
		return nil, err
	}
	return state, nil
}

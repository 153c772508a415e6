// Package lockout is the stateful per-account risk policy engine. It is
// the only writer of account security state; lock decisions use the
// database clock so instances with skewed local clocks agree.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quartzerp/identity-core/internal/audit"
	"github.com/quartzerp/identity-core/internal/metrics"
	"github.com/quartzerp/identity-core/internal/repository"
)

// Suspicious-activity reasons raised inside the core.
const (
	ReasonTokenReuse       = "refresh_token_reuse"
	ReasonMFAVelocity      = "mfa_failure_velocity"
	ReasonAnomalousSession = "anomalous_session_activity"
)

// Config holds the lockout policy. Threshold and BaseDuration are
// required inputs; there is deliberately no built-in default policy.
type Config struct {
	// Threshold is the consecutive failed attempts that trip a lock.
	Threshold int
	// BaseDuration is the first lock cycle's length; later cycles back
	// off exponentially.
	BaseDuration time.Duration
	// MaxBackoffShift caps the backoff exponent.
	MaxBackoffShift int
	// MFAFailureLimit is the MFA failure count that raises a
	// suspicious-activity flag. Zero disables the velocity check.
	MFAFailureLimit int
}

// Engine drives lock/unlock decisions and suspicious-activity flags.
type Engine struct {
	states   repository.SecurityStateRepository
	recorder *audit.Recorder
	cfg      Config
	logger   *slog.Logger
}

// NewEngine creates a lockout Engine.
func NewEngine(states repository.SecurityStateRepository, recorder *audit.Recorder, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{states: states, recorder: recorder, cfg: cfg, logger: logger}
}

// State returns the account's security state. An account with no prior
// record is reported as a zeroed state: no failures, not locked.
func (e *Engine) State(ctx context.Context, userID uuid.UUID) (*repository.SecurityState, error) {
	state, err := e.states.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrSecurityStateNotFound) {
			return &repository.SecurityState{UserID: userID, DBNow: time.Now().UTC()}, nil
		}
		return nil, fmt.Errorf("get security state: %w", err)
	}
	return state, nil
}

// CheckLocked is a pure read of the lock status. Callers check this
// before the credential verifier so a locked account is rejected with a
// distinct reason and without burning hash work.
func (e *Engine) CheckLocked(ctx context.Context, userID uuid.UUID) (bool, *time.Time, error) {
	state, err := e.State(ctx, userID)
	if err != nil {
		return false, nil, err
	}
	if state.Locked() {
		return true, state.LockedUntil, nil
	}
	return false, nil, nil
}

// RecordFailure atomically counts one failed attempt and applies the
// lock policy. Returns the post-increment state and whether this call
// left the account locked. A lock transition records an ACCOUNT_LOCKED
// event before returning; the caller must not report the attempt as
// merely failed until that write is durable.
func (e *Engine) RecordFailure(ctx context.Context, userID uuid.UUID, ipAddress, userAgent *string) (*repository.SecurityState, bool, error) {
	state, err := e.states.RecordFailure(ctx, userID, repository.LockPolicy{
		Threshold:       e.cfg.Threshold,
		BaseDuration:    e.cfg.BaseDuration,
		MaxBackoffShift: e.cfg.MaxBackoffShift,
	})
	if err != nil {
		return nil, false, fmt.Errorf("record failure: %w", err)
	}

	// RecordFailure is never reached for a currently locked account
	// (the lock check runs first), so a locked post-state means this
	// call set or re-armed the lock.
	locked := state.Locked()
	if locked {
		metrics.AccountLockoutsTotal.Inc()
		event := &audit.Event{
			UserID:    &userID,
			EventType: audit.EventAccountLocked,
			Status:    audit.StatusWarning,
			Severity:  audit.SeverityHigh,
			Details: map[string]any{
				"failed_attempts": state.FailedAttempts,
				"locked_until":    state.LockedUntil,
				"lock_cycle":      state.LockCycles,
			},
			IPAddress: ipAddress,
			UserAgent: userAgent,
		}
		if err := e.recorder.Record(ctx, event); err != nil {
			return nil, false, err
		}
	}

	return state, locked, nil
}

// RecordSuccess resets the failure counter and clears any lock.
func (e *Engine) RecordSuccess(ctx context.Context, userID uuid.UUID) error {
	if err := e.states.RecordSuccess(ctx, userID); err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

// Unlock explicitly clears a lock (administrative action) and records
// an ACCOUNT_UNLOCKED event.
func (e *Engine) Unlock(ctx context.Context, userID uuid.UUID) error {
	err := e.states.Unlock(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrSecurityStateNotFound) {
			// Nothing to unlock; treat as success, no event.
			return nil
		}
		return fmt.Errorf("unlock account: %w", err)
	}

	return e.recorder.Record(ctx, &audit.Event{
		UserID:    &userID,
		EventType: audit.EventAccountUnlocked,
		Status:    audit.StatusInfo,
		Severity:  audit.SeverityMedium,
	})
}

// FlagSuspicious records a SUSPICIOUS_ACTIVITY event for the account.
// Token reuse is CRITICAL because it indicates probable theft; other
// reasons are HIGH. The flag itself never fails the calling operation.
func (e *Engine) FlagSuspicious(ctx context.Context, userID uuid.UUID, reason string, details map[string]any) {
	severity := audit.SeverityHigh
	if reason == ReasonTokenReuse {
		severity = audit.SeverityCritical
	}

	metrics.SuspiciousActivityTotal.WithLabelValues(reason).Inc()

	if details == nil {
		details = map[string]any{}
	}
	details["reason"] = reason

	event := &audit.Event{
		UserID:    &userID,
		EventType: audit.EventSuspiciousActivity,
		Status:    audit.StatusWarning,
		Severity:  severity,
		Details:   details,
	}
	if err := e.recorder.Record(ctx, event); err != nil {
		e.logger.Error("record suspicious activity failed",
			"user_id", userID, "reason", reason, "error", err)
	}
}

// RecordMFAFailure counts one MFA failure on the independent MFA
// counter and raises a suspicious-activity flag once the velocity limit
// is crossed. The password failure counter is untouched.
func (e *Engine) RecordMFAFailure(ctx context.Context, userID uuid.UUID) error {
	count, err := e.states.RecordMFAFailure(ctx, userID)
	if err != nil {
		return fmt.Errorf("record mfa failure: %w", err)
	}

	if e.cfg.MFAFailureLimit > 0 && count >= e.cfg.MFAFailureLimit {
		e.FlagSuspicious(ctx, userID, ReasonMFAVelocity, map[string]any{
			"mfa_failed_attempts": count,
		})
	}
	return nil
}

// ResetMFAFailures zeroes the MFA failure counter after a successful
// MFA check.
func (e *Engine) ResetMFAFailures(ctx context.Context, userID uuid.UUID) error {
	return e.states.ResetMFAFailures(ctx, userID)
}

// SetMFAEnabled toggles MFA enforcement for the account. State writes
// stay inside the engine; the caller records the enrollment event.
func (e *Engine) SetMFAEnabled(ctx context.Context, userID uuid.UUID, enabled bool) error {
	return e.states.SetMFAEnabled(ctx, userID, enabled)
}

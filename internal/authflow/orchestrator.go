// Package authflow composes the credential verifier, lockout engine,
// session manager, and audit trail into the authentication operations
// exposed over HTTP. The lock check always runs before the credential
// check, and every failure path records its audit event before the
// caller sees a response.
package authflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quartzerp/identity-core/internal/audit"
	"github.com/quartzerp/identity-core/internal/credential"
	"github.com/quartzerp/identity-core/internal/lockout"
	"github.com/quartzerp/identity-core/internal/metrics"
	"github.com/quartzerp/identity-core/internal/mfa"
	"github.com/quartzerp/identity-core/internal/repository"
	"github.com/quartzerp/identity-core/internal/session"
)

// Authentication errors
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrMFARequired        = errors.New("mfa code required")
	ErrMFAFailed          = errors.New("mfa verification failed")
	ErrMFANotEnrolled     = errors.New("mfa not enrolled")
	ErrWeakPassword       = errors.New("password does not meet requirements")
)

// LockedError reports a rejected attempt against a locked account,
// carrying the lock deadline for callers allowed to expose it.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string { return "account locked" }

func (e *LockedError) Is(target error) bool { return target == ErrAccountLocked }

// LoginInput is one authentication attempt.
type LoginInput struct {
	CredentialRef string
	Password      string
	MFACode       string
	Device        session.DeviceContext
}

// Orchestrator runs the authentication state machine.
type Orchestrator struct {
	credentials repository.CredentialRepository
	verifier    *credential.Verifier
	lockout     *lockout.Engine
	sessions    *session.Manager
	totp        *mfa.TOTP
	recorder    *audit.Recorder
	writer      *audit.Writer
	logger      *slog.Logger
}

// NewOrchestrator wires the authentication flow together.
func NewOrchestrator(
	credentials repository.CredentialRepository,
	verifier *credential.Verifier,
	lockoutEngine *lockout.Engine,
	sessions *session.Manager,
	totp *mfa.TOTP,
	recorder *audit.Recorder,
	writer *audit.Writer,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		credentials: credentials,
		verifier:    verifier,
		lockout:     lockoutEngine,
		sessions:    sessions,
		totp:        totp,
		recorder:    recorder,
		writer:      writer,
		logger:      logger,
	}
}

func devicePointers(d session.DeviceContext) (ip, ua *string) {
	if d.IPAddress != "" {
		ip = &d.IPAddress
	}
	if d.UserAgent != "" {
		ua = &d.UserAgent
	}
	return ip, ua
}

// Authenticate runs one login attempt through the full flow: lock check,
// credential check, MFA check, session issuance. Failure events are
// appended durably before the error is returned; the success event is
// recorded after the session commit and retried asynchronously if the
// append fails.
func (o *Orchestrator) Authenticate(ctx context.Context, in LoginInput) (*session.TokenPair, error) {
	ip, ua := devicePointers(in.Device)

	cred, err := o.credentials.GetByRef(ctx, in.CredentialRef)
	if err != nil {
		if errors.Is(err, repository.ErrCredentialNotFound) {
			// Unknown reference: burn the same bcrypt cost as a real
			// mismatch so response timing cannot enumerate accounts,
			// then record an anonymous failure. No account exists, so
			// nothing is counted toward a lock.
			if _, verr := o.verifier.Verify(ctx, credential.DecoyHash(), in.Password); verr != nil {
				return nil, verr
			}
			metrics.LoginAttemptsTotal.WithLabelValues("failure").Inc()
			if err := o.recorder.Record(ctx, &audit.Event{
				EventType: audit.EventLoginFailed,
				Status:    audit.StatusFailure,
				Severity:  audit.SeverityLow,
				Details: map[string]any{
					"reason":         "unknown_credential",
					"credential_ref": in.CredentialRef,
				},
				IPAddress: ip,
				UserAgent: ua,
			}); err != nil {
				return nil, err
			}
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup credential: %w", err)
	}

	userID := cred.UserID

	// Lock check precedes the credential check: a locked account is
	// rejected without hash work and without counting the attempt.
	state, err := o.lockout.State(ctx, userID)
	if err != nil {
		return nil, err
	}
	if state.Locked() {
		metrics.LoginAttemptsTotal.WithLabelValues("locked").Inc()
		if err := o.recorder.Record(ctx, &audit.Event{
			UserID:    &userID,
			EventType: audit.EventLoginFailed,
			Status:    audit.StatusFailure,
			Severity:  audit.SeverityMedium,
			Details: map[string]any{
				"reason":       "account_locked",
				"locked_until": state.LockedUntil,
			},
			IPAddress: ip,
			UserAgent: ua,
		}); err != nil {
			return nil, err
		}
		return nil, &LockedError{Until: *state.LockedUntil}
	}

	result, err := o.verifier.Verify(ctx, cred.PasswordHash, in.Password)
	if err != nil {
		return nil, err
	}
	if result != credential.Match {
		return nil, o.failAttempt(ctx, userID, "password_mismatch", ip, ua)
	}

	if state.MFAEnabled {
		if in.MFACode == "" {
			metrics.LoginAttemptsTotal.WithLabelValues("mfa_required").Inc()
			return nil, ErrMFARequired
		}
		if cred.TOTPSecret == nil {
			return nil, fmt.Errorf("mfa enabled for user %s but no secret stored", userID)
		}
		if err := o.totp.Verify(*cred.TOTPSecret, in.MFACode); err != nil {
			metrics.LoginAttemptsTotal.WithLabelValues("mfa_failed").Inc()
			if err := o.lockout.RecordMFAFailure(ctx, userID); err != nil {
				return nil, err
			}
			if err := o.recorder.Record(ctx, &audit.Event{
				UserID:    &userID,
				EventType: audit.EventLoginFailed,
				Status:    audit.StatusFailure,
				Severity:  audit.SeverityMedium,
				Details:   map[string]any{"reason": "mfa_code_mismatch"},
				IPAddress: ip,
				UserAgent: ua,
			}); err != nil {
				return nil, err
			}
			return nil, ErrMFAFailed
		}
		if err := o.lockout.ResetMFAFailures(ctx, userID); err != nil {
			o.logger.Error("reset mfa failure counter failed",
				"user_id", userID, "error", err)
		}
	}

	// Success: reset the failure counter before issuing so a transient
	// reset error cannot hand out a session that still counts as failed.
	if err := o.lockout.RecordSuccess(ctx, userID); err != nil {
		return nil, err
	}

	sess, pair, err := o.sessions.Issue(ctx, userID, in.Device)
	if err != nil {
		return nil, err
	}

	metrics.LoginAttemptsTotal.WithLabelValues("success").Inc()
	o.recorder.MustRecord(ctx, &audit.Event{
		UserID:    &userID,
		EventType: audit.EventLoginSuccess,
		Status:    audit.StatusSuccess,
		Severity:  audit.SeverityLow,
		Details:   map[string]any{"session_id": sess.ID.String()},
		IPAddress: ip,
		UserAgent: ua,
	}, o.writer)

	return pair, nil
}

// failAttempt counts a failed credential check and records the failure
// event. The failure severity rises to MEDIUM when this attempt tripped
// the lock; the ACCOUNT_LOCKED event itself comes from the engine.
func (o *Orchestrator) failAttempt(ctx context.Context, userID uuid.UUID, reason string, ip, ua *string) error {
	state, locked, err := o.lockout.RecordFailure(ctx, userID, ip, ua)
	if err != nil {
		return err
	}

	severity := audit.SeverityLow
	if locked {
		severity = audit.SeverityMedium
	}
	metrics.LoginAttemptsTotal.WithLabelValues("failure").Inc()
	if err := o.recorder.Record(ctx, &audit.Event{
		UserID:    &userID,
		EventType: audit.EventLoginFailed,
		Status:    audit.StatusFailure,
		Severity:  severity,
		Details: map[string]any{
			"reason":          reason,
			"failed_attempts": state.FailedAttempts,
		},
		IPAddress: ip,
		UserAgent: ua,
	}); err != nil {
		return err
	}
	return ErrInvalidCredentials
}

// RefreshSession rotates a refresh token. Token classification, reuse
// handling, and the associated audit events live in the session manager.
func (o *Orchestrator) RefreshSession(ctx context.Context, refreshToken string) (*session.TokenPair, error) {
	return o.sessions.Refresh(ctx, refreshToken)
}

// Logout terminates the session and records a LOGOUT event. Terminating
// an already terminated session is a no-op success.
func (o *Orchestrator) Logout(ctx context.Context, userID, sessionID uuid.UUID, device session.DeviceContext) error {
	if err := o.sessions.Terminate(ctx, sessionID, "logout"); err != nil {
		return err
	}

	ip, ua := devicePointers(device)
	o.recorder.MustRecord(ctx, &audit.Event{
		UserID:    &userID,
		EventType: audit.EventLogout,
		Status:    audit.StatusSuccess,
		Severity:  audit.SeverityLow,
		Details:   map[string]any{"session_id": sessionID.String()},
		IPAddress: ip,
		UserAgent: ua,
	}, o.writer)
	return nil
}

// CreateAccount registers credential material for a new identity and
// returns the generated user ID.
func (o *Orchestrator) CreateAccount(ctx context.Context, credentialRef, password string, device session.DeviceContext) (uuid.UUID, error) {
	if issues := credential.ValidatePassword(password); len(issues) > 0 {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrWeakPassword, issues[0].Message)
	}

	hash, err := o.verifier.Hash(ctx, password)
	if err != nil {
		return uuid.Nil, err
	}

	cred := &repository.Credential{
		UserID:        uuid.New(),
		CredentialRef: credentialRef,
		PasswordHash:  hash,
	}
	if err := o.credentials.Create(ctx, cred); err != nil {
		return uuid.Nil, err
	}

	ip, ua := devicePointers(device)
	o.recorder.MustRecord(ctx, &audit.Event{
		UserID:    &cred.UserID,
		EventType: audit.EventAccountCreated,
		Status:    audit.StatusSuccess,
		Severity:  audit.SeverityLow,
		Details:   map[string]any{"credential_ref": credentialRef},
		IPAddress: ip,
		UserAgent: ua,
	}, o.writer)

	return cred.UserID, nil
}

// ChangePassword verifies the current password, stores the new hash, and
// terminates every live session of the user. A wrong current password
// counts toward the lockout policy like a failed login.
func (o *Orchestrator) ChangePassword(ctx context.Context, userID uuid.UUID, currentPassword, newPassword string, device session.DeviceContext) error {
	ip, ua := devicePointers(device)

	locked, _, err := o.lockout.CheckLocked(ctx, userID)
	if err != nil {
		return err
	}
	if locked {
		return ErrAccountLocked
	}

	cred, err := o.credentials.GetByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("lookup credential: %w", err)
	}

	result, err := o.verifier.Verify(ctx, cred.PasswordHash, currentPassword)
	if err != nil {
		return err
	}
	if result != credential.Match {
		return o.failAttempt(ctx, userID, "current_password_mismatch", ip, ua)
	}

	if issues := credential.ValidatePassword(newPassword); len(issues) > 0 {
		return fmt.Errorf("%w: %s", ErrWeakPassword, issues[0].Message)
	}

	hash, err := o.verifier.Hash(ctx, newPassword)
	if err != nil {
		return err
	}
	if err := o.credentials.UpdatePasswordHash(ctx, userID, hash); err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}

	terminated, err := o.sessions.TerminateAllForUser(ctx, userID, "password_change")
	if err != nil {
		// The hash is already replaced; surface the error but record
		// the change first.
		o.logger.Error("terminate sessions after password change failed",
			"user_id", userID, "error", err)
	}

	o.recorder.MustRecord(ctx, &audit.Event{
		UserID:    &userID,
		EventType: audit.EventPasswordChanged,
		Status:    audit.StatusSuccess,
		Severity:  audit.SeverityMedium,
		Details:   map[string]any{"sessions_terminated": terminated},
		IPAddress: ip,
		UserAgent: ua,
	}, o.writer)

	return err
}

// EnrollMFA mints a TOTP secret for the account and stores it. MFA is
// not enforced until ActivateMFA confirms the user can produce codes.
func (o *Orchestrator) EnrollMFA(ctx context.Context, userID uuid.UUID) (*mfa.Enrollment, error) {
	cred, err := o.credentials.GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup credential: %w", err)
	}

	enrollment, err := o.totp.GenerateEnrollment(cred.CredentialRef)
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}
	if err := o.credentials.SetTOTPSecret(ctx, userID, &enrollment.Secret); err != nil {
		return nil, fmt.Errorf("store totp secret: %w", err)
	}
	return enrollment, nil
}

// ActivateMFA turns on MFA enforcement after the user proves possession
// of the enrolled secret with a valid code.
func (o *Orchestrator) ActivateMFA(ctx context.Context, userID uuid.UUID, code string, device session.DeviceContext) error {
	cred, err := o.credentials.GetByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("lookup credential: %w", err)
	}
	if cred.TOTPSecret == nil {
		return ErrMFANotEnrolled
	}
	if err := o.totp.Verify(*cred.TOTPSecret, code); err != nil {
		return ErrMFAFailed
	}

	if err := o.lockout.SetMFAEnabled(ctx, userID, true); err != nil {
		return fmt.Errorf("enable mfa: %w", err)
	}

	ip, ua := devicePointers(device)
	o.recorder.MustRecord(ctx, &audit.Event{
		UserID:    &userID,
		EventType: audit.EventMFAEnabled,
		Status:    audit.StatusSuccess,
		Severity:  audit.SeverityMedium,
		IPAddress: ip,
		UserAgent: ua,
	}, o.writer)
	return nil
}

// DisableMFA turns off MFA enforcement and discards the stored secret.
func (o *Orchestrator) DisableMFA(ctx context.Context, userID uuid.UUID, device session.DeviceContext) error {
	if err := o.lockout.SetMFAEnabled(ctx, userID, false); err != nil {
		return fmt.Errorf("disable mfa: %w", err)
	}
	if err := o.credentials.SetTOTPSecret(ctx, userID, nil); err != nil {
		return fmt.Errorf("clear totp secret: %w", err)
	}

	ip, ua := devicePointers(device)
	o.recorder.MustRecord(ctx, &audit.Event{
		UserID:    &userID,
		EventType: audit.EventMFADisabled,
		Status:    audit.StatusSuccess,
		Severity:  audit.SeverityMedium,
		IPAddress: ip,
		UserAgent: ua,
	}, o.writer)
	return nil
}

// UnlockAccount is the administrative unlock. The engine records the
// ACCOUNT_UNLOCKED event.
func (o *Orchestrator) UnlockAccount(ctx context.Context, userID uuid.UUID) error {
	return o.lockout.Unlock(ctx, userID)
}

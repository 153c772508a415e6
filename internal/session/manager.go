// Package session owns session and token lifecycle: issuance, refresh
// rotation, termination, and the expiry sweep. Session and refresh
// token rows are written only through this package.
package session

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

// Session manager errors
var (
	ErrTokenInvalid    = errors.New("invalid refresh token")
	ErrTokenExpired    = errors.New("expired refresh token")
	ErrTokenReused     = errors.New("refresh token reuse detected")
	ErrSessionNotFound = errors.New("session not found")
)

// DeviceContext carries the request origin recorded on a session.
type DeviceContext struct {
	IPAddress string
	UserAgent string
}

// TokenPair is the credential set handed back to the caller.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// SuspicionReporter receives token-reuse flags raised by the manager.
// The lockout engine implements this.
type SuspicionReporter interface {
	FlagSuspicious(ctx context.Context, userID uuid.UUID, reason string, details map[string]any)
}

// Manager issues, refreshes, and revokes sessions.
type Manager struct {
	repo      repository.SessionRepository
	codec     *TokenCodec
	recorder  *audit.Recorder
	writer    *audit.Writer
	suspicion SuspicionReporter
	logger    *slog.Logger
	stopCh    chan struct{}
}

// NewManager creates a session Manager. The suspicion reporter may be
// nil in tests; reuse is then only surfaced through the returned error.
// The writer, if non-nil, retries audit appends for events recorded
// after a state change has already committed.
func NewManager(
	repo repository.SessionRepository,
	codec *TokenCodec,
	recorder *audit.Recorder,
	writer *audit.Writer,
	suspicion SuspicionReporter,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:      repo,
		codec:     codec,
		recorder:  recorder,
		writer:    writer,
		suspicion: suspicion,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// recordAfterCommit appends a lifecycle event for an operation that has
// already committed. The append must not fail the operation, so a write
// error only queues the event for retry.
func (m *Manager) recordAfterCommit(ctx context.Context, event *audit.Event) {
	if m.recorder == nil {
		return
	}
	m.recorder.MustRecord(ctx, event, m.writer)
}

// Issue creates a new ACTIVE session for the user and mints its token
// pair. The session window is the refresh token lifetime.
func (m *Manager) Issue(ctx context.Context, userID uuid.UUID, device DeviceContext) (*repository.Session, *TokenPair, error) {
	sessionID := uuid.New()

	accessToken, err := m.codec.GenerateAccessToken(userID, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("generate access token: %w", err)
	}
	refreshToken, err := m.codec.GenerateRefreshToken(userID, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("generate refresh token: %w", err)
	}

	now := time.Now().UTC()
	session := &repository.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(m.codec.RefreshTTL()),
	}
	if device.IPAddress != "" {
		session.IPAddress = &device.IPAddress
	}
	if device.UserAgent != "" {
		session.UserAgent = &device.UserAgent
	}

	token := &repository.RefreshToken{
		TokenHash: HashToken(refreshToken),
		ExpiresAt: now.Add(m.codec.RefreshTTL()),
	}

	if err := m.repo.CreateSession(ctx, session, token); err != nil {
		return nil, nil, fmt.Errorf("create session: %w", err)
	}

	m.recordAfterCommit(ctx, &audit.Event{
		UserID:    &userID,
		EventType: audit.EventSessionCreated,
		Status:    audit.StatusSuccess,
		Severity:  audit.SeverityLow,
		Details:   map[string]any{"session_id": sessionID.String()},
		IPAddress: session.IPAddress,
		UserAgent: session.UserAgent,
	})

	return session, &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(m.codec.AccessTTL().Seconds()),
		TokenType:    "Bearer",
	}, nil
}

// Refresh rotates a refresh token and mints a new token pair. Rotation
// is linearizable per session: concurrent refreshes with the same stale
// token produce exactly one winner, and every loser observes reuse. A
// reused token terminates the whole session family and raises a
// suspicious-activity flag, since it signals possible token theft.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := m.codec.ValidateRefreshToken(refreshToken)
	if err != nil {
		if errors.Is(err, ErrExpiredToken) {
			metrics.TokenRefreshTotal.WithLabelValues("expired").Inc()
			return nil, ErrTokenExpired
		}
		metrics.TokenRefreshTotal.WithLabelValues("invalid").Inc()
		return nil, ErrTokenInvalid
	}

	// Claims are validated UUIDs by the codec.
	userID := uuid.MustParse(claims.Subject)
	sessionID := uuid.MustParse(claims.SessionID)

	newAccess, err := m.codec.GenerateAccessToken(userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}
	newRefresh, err := m.codec.GenerateRefreshToken(userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}

	newToken := &repository.RefreshToken{
		TokenHash: HashToken(newRefresh),
		ExpiresAt: time.Now().UTC().Add(m.codec.RefreshTTL()),
	}

	err = m.repo.RotateRefreshToken(ctx, HashToken(refreshToken), newToken)
	switch {
	case err == nil:
		metrics.TokenRefreshTotal.WithLabelValues("success").Inc()
		m.recordAfterCommit(ctx, &audit.Event{
			UserID:    &userID,
			EventType: audit.EventTokenRefresh,
			Status:    audit.StatusSuccess,
			Severity:  audit.SeverityLow,
			Details:   map[string]any{"session_id": sessionID.String()},
		})
		return &TokenPair{
			AccessToken:  newAccess,
			RefreshToken: newRefresh,
			ExpiresIn:    int64(m.codec.AccessTTL().Seconds()),
			TokenType:    "Bearer",
		}, nil

	case errors.Is(err, repository.ErrRefreshTokenRotated):
		metrics.TokenRefreshTotal.WithLabelValues("reused").Inc()
		m.handleReuse(ctx, userID, sessionID)
		return nil, ErrTokenReused

	case errors.Is(err, repository.ErrRefreshTokenNotFound),
		errors.Is(err, repository.ErrRefreshTokenRevoked):
		metrics.TokenRefreshTotal.WithLabelValues("invalid").Inc()
		return nil, ErrTokenInvalid

	case errors.Is(err, repository.ErrSessionNotActive):
		metrics.TokenRefreshTotal.WithLabelValues("expired").Inc()
		return nil, ErrTokenExpired

	default:
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}
}

// handleReuse terminates the compromised session family and flags the
// account. Termination is best-effort here; the tokens in the family
// are already unusable once the reuse was observed.
func (m *Manager) handleReuse(ctx context.Context, userID, sessionID uuid.UUID) {
	if _, err := m.repo.TerminateSession(ctx, sessionID); err != nil &&
		!errors.Is(err, repository.ErrSessionNotFound) {
		m.logger.Error("terminate session after token reuse failed",
			"session_id", sessionID, "error", err)
	}
	metrics.SessionsTerminatedTotal.WithLabelValues("token_reuse").Inc()

	m.recordAfterCommit(ctx, &audit.Event{
		UserID:    &userID,
		EventType: audit.EventSessionTerminated,
		Status:    audit.StatusWarning,
		Severity:  audit.SeverityHigh,
		Details: map[string]any{
			"session_id": sessionID.String(),
			"cause":      "token_reuse",
		},
	})

	if m.suspicion != nil {
		m.suspicion.FlagSuspicious(ctx, userID, "refresh_token_reuse", map[string]any{
			"session_id": sessionID.String(),
		})
	}
}

// Terminate sets the session to TERMINATED and revokes its refresh
// chain. Idempotent: a second call on the same session succeeds without
// changing anything.
func (m *Manager) Terminate(ctx context.Context, sessionID uuid.UUID, cause string) error {
	session, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("terminate session: %w", err)
	}

	changed, err := m.repo.TerminateSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("terminate session: %w", err)
	}
	if changed {
		metrics.SessionsTerminatedTotal.WithLabelValues(cause).Inc()
		userID := session.UserID
		m.recordAfterCommit(ctx, &audit.Event{
			UserID:    &userID,
			EventType: audit.EventSessionTerminated,
			Status:    audit.StatusInfo,
			Severity:  audit.SeverityLow,
			Details: map[string]any{
				"session_id": sessionID.String(),
				"cause":      cause,
			},
		})
	}
	return nil
}

// TerminateAllForUser revokes every live session of a user, e.g. after
// a password change or a suspicious-activity response.
func (m *Manager) TerminateAllForUser(ctx context.Context, userID uuid.UUID, cause string) (int64, error) {
	count, err := m.repo.TerminateAllForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("terminate sessions for user: %w", err)
	}
	for i := int64(0); i < count; i++ {
		metrics.SessionsTerminatedTotal.WithLabelValues(cause).Inc()
	}
	return count, nil
}

// GetSession retrieves a session by ID.
func (m *Manager) GetSession(ctx context.Context, sessionID uuid.UUID) (*repository.Session, error) {
	session, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return session, nil
}

// ExpireSweep marks every ACTIVE session past its expiry as EXPIRED and
// records one SESSION_EXPIRED event per session.
func (m *Manager) ExpireSweep(ctx context.Context) (int, error) {
	expired, err := m.repo.ExpireSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("expire sessions: %w", err)
	}

	for i := range expired {
		s := &expired[i]
		metrics.SessionsTerminatedTotal.WithLabelValues("expired").Inc()
		if m.recorder == nil {
			continue
		}
		userID := s.UserID
		event := &audit.Event{
			UserID:    &userID,
			EventType: audit.EventSessionExpired,
			Status:    audit.StatusInfo,
			Severity:  audit.SeverityLow,
			Details:   map[string]any{"session_id": s.ID.String()},
			IPAddress: s.IPAddress,
			UserAgent: s.UserAgent,
		}
		if err := m.recorder.Record(ctx, event); err != nil {
			m.logger.Error("record session expiry event failed",
				"session_id", s.ID, "error", err)
		}
	}

	return len(expired), nil
}

// StartSweeper runs ExpireSweep on a fixed interval until StopSweeper.
func (m *Manager) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				n, err := m.ExpireSweep(ctx)
				cancel()
				if err != nil {
					m.logger.Error("session expiry sweep failed", "error", err)
				} else if n > 0 {
					m.logger.Info("session expiry sweep completed", "expired", n)
				}
			case <-m.stopCh:
				return
			}
		}
	}()

	m.logger.Info("session expiry sweeper started", "interval", interval)
}

// StopSweeper stops the background sweep loop.
func (m *Manager) StopSweeper() {
	close(m.stopCh)
}

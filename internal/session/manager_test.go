package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quartzerp/identity-core/internal/audit"
	"github.com/quartzerp/identity-core/internal/repository"
)

// mockSessionRepo mirrors the conditional-update rotation semantics of
// the PostgreSQL repository: rotation succeeds only while the old token
// and its session are both ACTIVE, so concurrent refreshes with the
// same token have exactly one winner.
type mockSessionRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*repository.Session
	tokens   map[string]*repository.RefreshToken
}

func newMockSessionRepo() *mockSessionRepo {
	return &mockSessionRepo{
		sessions: make(map[uuid.UUID]*repository.Session),
		tokens:   make(map[string]*repository.RefreshToken),
	}
}

func (m *mockSessionRepo) CreateSession(_ context.Context, session *repository.Session, token *repository.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	session.Status = repository.SessionActive
	session.IssuedAt = now
	token.ID = uuid.New()
	token.SessionID = session.ID
	token.Status = repository.RefreshActive
	token.IssuedAt = now
	session.RefreshTokenID = &token.ID

	m.sessions[session.ID] = session
	m.tokens[token.TokenHash] = token
	return nil
}

func (m *mockSessionRepo) GetSession(_ context.Context, id uuid.UUID) (*repository.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	copied := *session
	return &copied, nil
}

func (m *mockSessionRepo) GetRefreshToken(_ context.Context, tokenHash string) (*repository.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.tokens[tokenHash]
	if !ok {
		return nil, repository.ErrRefreshTokenNotFound
	}
	copied := *token
	return &copied, nil
}

func (m *mockSessionRepo) RotateRefreshToken(_ context.Context, oldTokenHash string, newToken *repository.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.tokens[oldTokenHash]
	if !ok {
		return repository.ErrRefreshTokenNotFound
	}
	switch old.Status {
	case repository.RefreshRotated:
		return repository.ErrRefreshTokenRotated
	case repository.RefreshRevoked:
		return repository.ErrRefreshTokenRevoked
	}
	session, ok := m.sessions[old.SessionID]
	if !ok || session.Status != repository.SessionActive {
		return repository.ErrSessionNotActive
	}

	now := time.Now().UTC()
	old.Status = repository.RefreshRotated
	old.RotatedAt = &now

	newToken.ID = uuid.New()
	newToken.SessionID = old.SessionID
	newToken.Status = repository.RefreshActive
	newToken.IssuedAt = now
	m.tokens[newToken.TokenHash] = newToken
	session.RefreshTokenID = &newToken.ID
	return nil
}

func (m *mockSessionRepo) TerminateSession(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return false, repository.ErrSessionNotFound
	}
	if session.Status != repository.SessionActive {
		return false, nil
	}
	session.Status = repository.SessionTerminated
	m.revokeTokensLocked(id)
	return true, nil
}

func (m *mockSessionRepo) TerminateAllForUser(_ context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for id, session := range m.sessions {
		if session.UserID == userID && session.Status == repository.SessionActive {
			session.Status = repository.SessionTerminated
			m.revokeTokensLocked(id)
			count++
		}
	}
	return count, nil
}

func (m *mockSessionRepo) ExpireSessions(_ context.Context) ([]repository.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var expired []repository.Session
	for id, session := range m.sessions {
		if session.Status == repository.SessionActive && !session.ExpiresAt.After(now) {
			session.Status = repository.SessionExpired
			m.revokeTokensLocked(id)
			expired = append(expired, *session)
		}
	}
	return expired, nil
}

func (m *mockSessionRepo) revokeTokensLocked(sessionID uuid.UUID) {
	for _, token := range m.tokens {
		if token.SessionID == sessionID && token.Status == repository.RefreshActive {
			token.Status = repository.RefreshRevoked
		}
	}
}

type mockAuditRepo struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *mockAuditRepo) Append(_ context.Context, event *audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.ID = uuid.New()
	event.CreatedAt = time.Now().UTC()
	m.events = append(m.events, *event)
	return nil
}

func (m *mockAuditRepo) QueryByUser(_ context.Context, _ uuid.UUID, _ audit.QueryFilters) ([]audit.Event, error) {
	return nil, nil
}

func (m *mockAuditRepo) QueryByEventType(_ context.Context, _ audit.EventType, _ audit.QueryFilters) ([]audit.Event, error) {
	return nil, nil
}

func (m *mockAuditRepo) QueryBySeverity(_ context.Context, _ audit.Severity, _ audit.QueryFilters) ([]audit.Event, error) {
	return nil, nil
}

func (m *mockAuditRepo) countByType(eventType audit.EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, e := range m.events {
		if e.EventType == eventType {
			count++
		}
	}
	return count
}

type mockSuspicionReporter struct {
	mu    sync.Mutex
	flags []string
}

func (m *mockSuspicionReporter) FlagSuspicious(_ context.Context, _ uuid.UUID, reason string, _ map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags = append(m.flags, reason)
}

func newTestManager(t *testing.T) (*Manager, *mockSessionRepo, *mockAuditRepo, *mockSuspicionReporter) {
	t.Helper()
	repo := newMockSessionRepo()
	auditRepo := &mockAuditRepo{}
	suspicion := &mockSuspicionReporter{}
	manager := NewManager(repo, testCodec(), audit.NewRecorder(auditRepo, nil), nil, suspicion, nil)
	return manager, repo, auditRepo, suspicion
}

func TestIssue_BindsTokensToSession(t *testing.T) {
	manager, repo, auditRepo, _ := newTestManager(t)
	userID := uuid.New()
	ip := "192.0.2.10"

	session, pair, err := manager.Issue(context.Background(), userID, DeviceContext{IPAddress: ip})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	accessClaims, err := manager.codec.ValidateAccessToken(pair.AccessToken)
	if err != nil {
		t.Fatalf("validate access token: %v", err)
	}
	refreshClaims, err := manager.codec.ValidateRefreshToken(pair.RefreshToken)
	if err != nil {
		t.Fatalf("validate refresh token: %v", err)
	}
	if accessClaims.SessionID != session.ID.String() || refreshClaims.SessionID != session.ID.String() {
		t.Error("both tokens must carry the new session id")
	}
	if accessClaims.Subject != userID.String() {
		t.Errorf("access subject = %s, want %s", accessClaims.Subject, userID)
	}

	stored, err := repo.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if stored.Status != repository.SessionActive {
		t.Errorf("session status = %s, want ACTIVE", stored.Status)
	}
	if stored.IPAddress == nil || *stored.IPAddress != ip {
		t.Error("device ip not persisted on session")
	}
	if got := auditRepo.countByType(audit.EventSessionCreated); got != 1 {
		t.Errorf("SESSION_CREATED events = %d, want 1", got)
	}
}

func TestRefresh_RotationRoundTrip(t *testing.T) {
	manager, repo, auditRepo, _ := newTestManager(t)
	userID := uuid.New()

	session, pair, err := manager.Issue(context.Background(), userID, DeviceContext{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	rotated, err := manager.Refresh(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.RefreshToken == pair.RefreshToken {
		t.Error("rotation must mint a new refresh token")
	}

	claims, err := manager.codec.ValidateRefreshToken(rotated.RefreshToken)
	if err != nil {
		t.Fatalf("validate rotated token: %v", err)
	}
	if claims.SessionID != session.ID.String() {
		t.Error("rotated token must stay bound to the original session")
	}

	old, err := repo.GetRefreshToken(context.Background(), HashToken(pair.RefreshToken))
	if err != nil {
		t.Fatalf("get old token: %v", err)
	}
	if old.Status != repository.RefreshRotated {
		t.Errorf("old token status = %s, want ROTATED", old.Status)
	}
	if got := auditRepo.countByType(audit.EventTokenRefresh); got != 1 {
		t.Errorf("TOKEN_REFRESH events = %d, want 1", got)
	}
}

func TestRefresh_ReuseTerminatesSessionFamily(t *testing.T) {
	manager, repo, auditRepo, suspicion := newTestManager(t)
	userID := uuid.New()

	session, pair, err := manager.Issue(context.Background(), userID, DeviceContext{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	rotated, err := manager.Refresh(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}

	// Presenting the rotated-away token signals theft.
	if _, err := manager.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrTokenReused) {
		t.Fatalf("expected ErrTokenReused, got %v", err)
	}

	stored, err := repo.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if stored.Status != repository.SessionTerminated {
		t.Errorf("session status = %s, want TERMINATED", stored.Status)
	}

	// The current token dies with the session family.
	if _, err := manager.Refresh(context.Background(), rotated.RefreshToken); err == nil {
		t.Error("tokens of a terminated session must not refresh")
	}

	if got := auditRepo.countByType(audit.EventSessionTerminated); got != 1 {
		t.Errorf("SESSION_TERMINATED events = %d, want 1", got)
	}
	if len(suspicion.flags) != 1 || suspicion.flags[0] != "refresh_token_reuse" {
		t.Errorf("suspicion flags = %v, want one refresh_token_reuse", suspicion.flags)
	}
}

func TestRefresh_ConcurrentSingleWinner(t *testing.T) {
	manager, _, _, _ := newTestManager(t)

	_, pair, err := manager.Issue(context.Background(), uuid.New(), DeviceContext{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = manager.Refresh(context.Background(), pair.RefreshToken)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrTokenReused), errors.Is(err, ErrTokenExpired):
			// Losers observe reuse, or a session already terminated by
			// the reuse response.
		default:
			t.Errorf("unexpected loser error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
}

func TestRefresh_InvalidToken(t *testing.T) {
	manager, _, _, _ := newTestManager(t)

	if _, err := manager.Refresh(context.Background(), "not-a-jwt"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("garbage token: expected ErrTokenInvalid, got %v", err)
	}

	// Structurally valid token that was never issued through the store.
	stray, _ := manager.codec.GenerateRefreshToken(uuid.New(), uuid.New())
	if _, err := manager.Refresh(context.Background(), stray); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("unknown token: expected ErrTokenInvalid, got %v", err)
	}
}

func TestTerminate_Idempotent(t *testing.T) {
	manager, _, auditRepo, _ := newTestManager(t)

	session, _, err := manager.Issue(context.Background(), uuid.New(), DeviceContext{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if err := manager.Terminate(context.Background(), session.ID, "logout"); err != nil {
		t.Fatalf("first terminate: %v", err)
	}
	if err := manager.Terminate(context.Background(), session.ID, "logout"); err != nil {
		t.Fatalf("second terminate must succeed, got %v", err)
	}
	if got := auditRepo.countByType(audit.EventSessionTerminated); got != 1 {
		t.Errorf("SESSION_TERMINATED events = %d, want 1", got)
	}

	if err := manager.Terminate(context.Background(), uuid.New(), "logout"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown session: expected ErrSessionNotFound, got %v", err)
	}
}

func TestTerminateAllForUser_OnlyTouchesOwnSessions(t *testing.T) {
	manager, repo, _, _ := newTestManager(t)
	userID := uuid.New()
	otherID := uuid.New()

	for i := 0; i < 3; i++ {
		if _, _, err := manager.Issue(context.Background(), userID, DeviceContext{}); err != nil {
			t.Fatalf("issue: %v", err)
		}
	}
	other, _, err := manager.Issue(context.Background(), otherID, DeviceContext{})
	if err != nil {
		t.Fatalf("issue other: %v", err)
	}

	count, err := manager.TerminateAllForUser(context.Background(), userID, "password_change")
	if err != nil {
		t.Fatalf("terminate all: %v", err)
	}
	if count != 3 {
		t.Errorf("terminated = %d, want 3", count)
	}

	stored, err := repo.GetSession(context.Background(), other.ID)
	if err != nil {
		t.Fatalf("get other session: %v", err)
	}
	if stored.Status != repository.SessionActive {
		t.Error("another user's session must stay active")
	}
}

func TestExpireSweep_RecordsExpiryEvents(t *testing.T) {
	manager, repo, auditRepo, _ := newTestManager(t)

	session, _, err := manager.Issue(context.Background(), uuid.New(), DeviceContext{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	live, _, err := manager.Issue(context.Background(), uuid.New(), DeviceContext{})
	if err != nil {
		t.Fatalf("issue live: %v", err)
	}

	repo.mu.Lock()
	repo.sessions[session.ID].ExpiresAt = time.Now().UTC().Add(-time.Minute)
	repo.mu.Unlock()

	count, err := manager.ExpireSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 1 {
		t.Errorf("swept = %d, want 1", count)
	}
	if got := auditRepo.countByType(audit.EventSessionExpired); got != 1 {
		t.Errorf("SESSION_EXPIRED events = %d, want 1", got)
	}

	stored, _ := repo.GetSession(context.Background(), session.ID)
	if stored.Status != repository.SessionExpired {
		t.Errorf("session status = %s, want EXPIRED", stored.Status)
	}
	liveStored, _ := repo.GetSession(context.Background(), live.ID)
	if liveStored.Status != repository.SessionActive {
		t.Error("unexpired session must stay active")
	}
}

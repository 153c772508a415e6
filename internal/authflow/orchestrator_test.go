package authflow

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"

	"github.com/quartzerp/identity-core/internal/audit"
	"github.com/quartzerp/identity-core/internal/credential"
	"github.com/quartzerp/identity-core/internal/lockout"
	"github.com/quartzerp/identity-core/internal/mfa"
	"github.com/quartzerp/identity-core/internal/repository"
	"github.com/quartzerp/identity-core/internal/session"
)

type mockCredentialRepo struct {
	mu    sync.Mutex
	byRef map[string]*repository.Credential
}

func newMockCredentialRepo() *mockCredentialRepo {
	return &mockCredentialRepo{byRef: make(map[string]*repository.Credential)}
}

func (m *mockCredentialRepo) Create(_ context.Context, cred *repository.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byRef[cred.CredentialRef]; exists {
		return repository.ErrCredentialExists
	}
	now := time.Now().UTC()
	cred.CreatedAt = now
	cred.UpdatedAt = now
	copied := *cred
	m.byRef[cred.CredentialRef] = &copied
	return nil
}

func (m *mockCredentialRepo) GetByRef(_ context.Context, credentialRef string) (*repository.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.byRef[credentialRef]
	if !ok {
		return nil, repository.ErrCredentialNotFound
	}
	copied := *cred
	return &copied, nil
}

func (m *mockCredentialRepo) GetByUserID(_ context.Context, userID uuid.UUID) (*repository.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cred := range m.byRef {
		if cred.UserID == userID {
			copied := *cred
			return &copied, nil
		}
	}
	return nil, repository.ErrCredentialNotFound
}

func (m *mockCredentialRepo) UpdatePasswordHash(_ context.Context, userID uuid.UUID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cred := range m.byRef {
		if cred.UserID == userID {
			cred.PasswordHash = passwordHash
			cred.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return repository.ErrCredentialNotFound
}

func (m *mockCredentialRepo) SetTOTPSecret(_ context.Context, userID uuid.UUID, secret *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cred := range m.byRef {
		if cred.UserID == userID {
			cred.TOTPSecret = secret
			return nil
		}
	}
	return repository.ErrCredentialNotFound
}

// mockStateRepo mirrors the atomic upsert semantics of the PostgreSQL
// security state repository, with a settable clock for lock expiry.
type mockStateRepo struct {
	mu     sync.Mutex
	states map[uuid.UUID]*repository.SecurityState
	now    time.Time
}

func newMockStateRepo() *mockStateRepo {
	return &mockStateRepo{
		states: make(map[uuid.UUID]*repository.SecurityState),
		now:    time.Now().UTC(),
	}
}

func (m *mockStateRepo) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func (m *mockStateRepo) getLocked(userID uuid.UUID) *repository.SecurityState {
	state, ok := m.states[userID]
	if !ok {
		state = &repository.SecurityState{UserID: userID}
		m.states[userID] = state
	}
	return state
}

func (m *mockStateRepo) snapshot(state *repository.SecurityState) *repository.SecurityState {
	copied := *state
	copied.DBNow = m.now
	return &copied
}

func (m *mockStateRepo) Get(_ context.Context, userID uuid.UUID) (*repository.SecurityState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[userID]
	if !ok {
		return nil, repository.ErrSecurityStateNotFound
	}
	return m.snapshot(state), nil
}

func (m *mockStateRepo) RecordFailure(_ context.Context, userID uuid.UUID, policy repository.LockPolicy) (*repository.SecurityState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.getLocked(userID)
	state.FailedAttempts++
	if state.FailedAttempts >= policy.Threshold {
		shift := state.LockCycles
		if shift > policy.MaxBackoffShift {
			shift = policy.MaxBackoffShift
		}
		until := m.now.Add(policy.BaseDuration * time.Duration(math.Pow(2, float64(shift))))
		state.LockedUntil = &until
		state.LockCycles++
	}
	state.UpdatedAt = m.now
	return m.snapshot(state), nil
}

func (m *mockStateRepo) RecordSuccess(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.getLocked(userID)
	state.FailedAttempts = 0
	state.LockedUntil = nil
	return nil
}

func (m *mockStateRepo) Unlock(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[userID]
	if !ok {
		return repository.ErrSecurityStateNotFound
	}
	state.FailedAttempts = 0
	state.LockedUntil = nil
	return nil
}

func (m *mockStateRepo) SetMFAEnabled(_ context.Context, userID uuid.UUID, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getLocked(userID).MFAEnabled = enabled
	return nil
}

func (m *mockStateRepo) RecordMFAFailure(_ context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.getLocked(userID)
	state.MFAFailedAttempts++
	return state.MFAFailedAttempts, nil
}

func (m *mockStateRepo) ResetMFAFailures(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getLocked(userID).MFAFailedAttempts = 0
	return nil
}

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

func (m *mockSessionRepo) CreateSession(_ context.Context, sess *repository.Session, token *repository.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess.Status = repository.SessionActive
	token.ID = uuid.New()
	token.SessionID = sess.ID
	token.Status = repository.RefreshActive
	m.sessions[sess.ID] = sess
	m.tokens[token.TokenHash] = token
	return nil
}

func (m *mockSessionRepo) GetSession(_ context.Context, id uuid.UUID) (*repository.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	copied := *sess
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
	sess, ok := m.sessions[old.SessionID]
	if !ok || sess.Status != repository.SessionActive {
		return repository.ErrSessionNotActive
	}
	old.Status = repository.RefreshRotated
	newToken.ID = uuid.New()
	newToken.SessionID = old.SessionID
	newToken.Status = repository.RefreshActive
	m.tokens[newToken.TokenHash] = newToken
	return nil
}

func (m *mockSessionRepo) TerminateSession(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return false, repository.ErrSessionNotFound
	}
	if sess.Status != repository.SessionActive {
		return false, nil
	}
	sess.Status = repository.SessionTerminated
	for _, token := range m.tokens {
		if token.SessionID == id && token.Status == repository.RefreshActive {
			token.Status = repository.RefreshRevoked
		}
	}
	return true, nil
}

func (m *mockSessionRepo) TerminateAllForUser(_ context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for id, sess := range m.sessions {
		if sess.UserID == userID && sess.Status == repository.SessionActive {
			sess.Status = repository.SessionTerminated
			for _, token := range m.tokens {
				if token.SessionID == id && token.Status == repository.RefreshActive {
					token.Status = repository.RefreshRevoked
				}
			}
			count++
		}
	}
	return count, nil
}

func (m *mockSessionRepo) ExpireSessions(_ context.Context) ([]repository.Session, error) {
	return nil, nil
}

func (m *mockSessionRepo) activeSessions(userID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, sess := range m.sessions {
		if sess.UserID == userID && sess.Status == repository.SessionActive {
			count++
		}
	}
	return count
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

func (m *mockAuditRepo) byType(eventType audit.EventType) []audit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Event
	for _, e := range m.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type testHarness struct {
	flow    *Orchestrator
	creds   *mockCredentialRepo
	states  *mockStateRepo
	repo    *mockSessionRepo
	trail   *mockAuditRepo
	manager *session.Manager
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	creds := newMockCredentialRepo()
	states := newMockStateRepo()
	sessRepo := newMockSessionRepo()
	trail := &mockAuditRepo{}

	recorder := audit.NewRecorder(trail, nil)
	engine := lockout.NewEngine(states, recorder, lockout.Config{
		Threshold:       5,
		BaseDuration:    15 * time.Minute,
		MaxBackoffShift: 6,
		MFAFailureLimit: 10,
	}, nil)
	codec := session.NewTokenCodec(session.TokenCodecConfig{
		AccessSecret:  "test-access",
		RefreshSecret: "test-refresh",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    time.Hour,
		Issuer:        "identity-core-test",
	})
	manager := session.NewManager(sessRepo, codec, recorder, nil, engine, nil)
	verifier := credential.NewVerifier(4)
	flow := NewOrchestrator(creds, verifier, engine, manager, mfa.NewTOTP("identity-core-test"), recorder, nil, nil)

	return &testHarness{
		flow:    flow,
		creds:   creds,
		states:  states,
		repo:    sessRepo,
		trail:   trail,
		manager: manager,
	}
}

const testPassword = "Correct-Horse7Battery"

func (h *testHarness) createAccount(t *testing.T, ref string) uuid.UUID {
	t.Helper()
	userID, err := h.flow.CreateAccount(context.Background(), ref, testPassword, session.DeviceContext{})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return userID
}

func TestAuthenticate_Success(t *testing.T) {
	h := newTestHarness(t)
	userID := h.createAccount(t, "alice@example.com")

	pair, err := h.flow.Authenticate(context.Background(), LoginInput{
		CredentialRef: "alice@example.com",
		Password:      testPassword,
		Device:        session.DeviceContext{IPAddress: "192.0.2.1"},
	})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Error("token pair must carry both tokens")
	}

	success := h.trail.byType(audit.EventLoginSuccess)
	if len(success) != 1 {
		t.Fatalf("LOGIN_SUCCESS events = %d, want 1", len(success))
	}
	if success[0].UserID == nil || *success[0].UserID != userID {
		t.Error("success event must carry the user id")
	}
	if len(h.trail.byType(audit.EventSessionCreated)) != 1 {
		t.Error("expected one SESSION_CREATED event")
	}
}

func TestAuthenticate_UnknownRefIsAnonymousFailure(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.flow.Authenticate(context.Background(), LoginInput{
		CredentialRef: "nobody@example.com",
		Password:      "whatever",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	failed := h.trail.byType(audit.EventLoginFailed)
	if len(failed) != 1 {
		t.Fatalf("LOGIN_FAILED events = %d, want 1", len(failed))
	}
	if failed[0].UserID != nil {
		t.Error("unknown-credential failure must be anonymous")
	}
	if failed[0].Details["reason"] != "unknown_credential" {
		t.Errorf("reason = %v", failed[0].Details["reason"])
	}
}

func TestAuthenticate_WrongPasswordCountsTowardLock(t *testing.T) {
	h := newTestHarness(t)
	userID := h.createAccount(t, "bob@example.com")

	for i := 0; i < 5; i++ {
		_, err := h.flow.Authenticate(context.Background(), LoginInput{
			CredentialRef: "bob@example.com",
			Password:      "Wrong-Password9",
		})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}

	if len(h.trail.byType(audit.EventAccountLocked)) != 1 {
		t.Error("fifth failure must lock the account")
	}

	// The locked account rejects even the correct password, and the
	// error carries the lock deadline.
	_, err := h.flow.Authenticate(context.Background(), LoginInput{
		CredentialRef: "bob@example.com",
		Password:      testPassword,
	})
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
	var lockedErr *LockedError
	if !errors.As(err, &lockedErr) || lockedErr.Until.IsZero() {
		t.Error("locked error must carry the lock deadline")
	}

	// Rejections while locked do not grow the counter.
	state, err := h.states.Get(context.Background(), userID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.FailedAttempts != 5 {
		t.Errorf("failed attempts = %d, want 5", state.FailedAttempts)
	}
}

func TestAuthenticate_SuccessAfterLockExpiryResetsCounter(t *testing.T) {
	h := newTestHarness(t)
	userID := h.createAccount(t, "carol@example.com")

	for i := 0; i < 5; i++ {
		h.flow.Authenticate(context.Background(), LoginInput{
			CredentialRef: "carol@example.com",
			Password:      "Wrong-Password9",
		})
	}
	h.states.advance(16 * time.Minute)

	_, err := h.flow.Authenticate(context.Background(), LoginInput{
		CredentialRef: "carol@example.com",
		Password:      testPassword,
	})
	if err != nil {
		t.Fatalf("authenticate after lock expiry: %v", err)
	}

	state, err := h.states.Get(context.Background(), userID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.FailedAttempts != 0 {
		t.Errorf("failed attempts = %d, want 0 after success", state.FailedAttempts)
	}
	if state.Locked() {
		t.Error("successful login must clear the lock")
	}
}

func enrollAndActivate(t *testing.T, h *testHarness, userID uuid.UUID) string {
	t.Helper()
	enrollment, err := h.flow.EnrollMFA(context.Background(), userID)
	if err != nil {
		t.Fatalf("enroll mfa: %v", err)
	}
	code, err := totp.GenerateCode(enrollment.Secret, time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if err := h.flow.ActivateMFA(context.Background(), userID, code, session.DeviceContext{}); err != nil {
		t.Fatalf("activate mfa: %v", err)
	}
	return enrollment.Secret
}

func TestAuthenticate_MFAFlow(t *testing.T) {
	h := newTestHarness(t)
	userID := h.createAccount(t, "dave@example.com")
	secret := enrollAndActivate(t, h, userID)

	if len(h.trail.byType(audit.EventMFAEnabled)) != 1 {
		t.Error("activation must record MFA_ENABLED")
	}

	// Correct password without a code challenges for MFA.
	_, err := h.flow.Authenticate(context.Background(), LoginInput{
		CredentialRef: "dave@example.com",
		Password:      testPassword,
	})
	if !errors.Is(err, ErrMFARequired) {
		t.Fatalf("expected ErrMFARequired, got %v", err)
	}

	// A wrong code fails and leaves a LOGIN_FAILED trail entry.
	_, err = h.flow.Authenticate(context.Background(), LoginInput{
		CredentialRef: "dave@example.com",
		Password:      testPassword,
		MFACode:       "000000",
	})
	if !errors.Is(err, ErrMFAFailed) {
		t.Fatalf("expected ErrMFAFailed, got %v", err)
	}
	failed := h.trail.byType(audit.EventLoginFailed)
	if len(failed) != 1 || failed[0].Details["reason"] != "mfa_code_mismatch" {
		t.Errorf("expected one mfa_code_mismatch failure, got %v", failed)
	}

	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	pair, err := h.flow.Authenticate(context.Background(), LoginInput{
		CredentialRef: "dave@example.com",
		Password:      testPassword,
		MFACode:       code,
	})
	if err != nil {
		t.Fatalf("authenticate with code: %v", err)
	}
	if pair == nil {
		t.Fatal("expected a token pair")
	}

	state, _ := h.states.Get(context.Background(), userID)
	if state.MFAFailedAttempts != 0 {
		t.Errorf("mfa failure counter = %d, want 0 after success", state.MFAFailedAttempts)
	}
}

func TestActivateMFA_WithoutEnrollment(t *testing.T) {
	h := newTestHarness(t)
	userID := h.createAccount(t, "erin@example.com")

	err := h.flow.ActivateMFA(context.Background(), userID, "123456", session.DeviceContext{})
	if !errors.Is(err, ErrMFANotEnrolled) {
		t.Errorf("expected ErrMFANotEnrolled, got %v", err)
	}
}

func TestDisableMFA_ClearsSecretAndEnforcement(t *testing.T) {
	h := newTestHarness(t)
	userID := h.createAccount(t, "frank@example.com")
	enrollAndActivate(t, h, userID)

	if err := h.flow.DisableMFA(context.Background(), userID, session.DeviceContext{}); err != nil {
		t.Fatalf("disable mfa: %v", err)
	}

	cred, err := h.creds.GetByUserID(context.Background(), userID)
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if cred.TOTPSecret != nil {
		t.Error("disable must discard the stored secret")
	}
	if len(h.trail.byType(audit.EventMFADisabled)) != 1 {
		t.Error("expected one MFA_DISABLED event")
	}

	// Password alone signs in again.
	if _, err := h.flow.Authenticate(context.Background(), LoginInput{
		CredentialRef: "frank@example.com",
		Password:      testPassword,
	}); err != nil {
		t.Errorf("authenticate after disable: %v", err)
	}
}

func TestCreateAccount_DuplicateRef(t *testing.T) {
	h := newTestHarness(t)
	h.createAccount(t, "grace@example.com")

	_, err := h.flow.CreateAccount(context.Background(), "grace@example.com", testPassword, session.DeviceContext{})
	if !errors.Is(err, repository.ErrCredentialExists) {
		t.Errorf("expected ErrCredentialExists, got %v", err)
	}
}

func TestCreateAccount_WeakPasswordRejected(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.flow.CreateAccount(context.Background(), "heidi@example.com", "short", session.DeviceContext{})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if _, lookupErr := h.creds.GetByRef(context.Background(), "heidi@example.com"); !errors.Is(lookupErr, repository.ErrCredentialNotFound) {
		t.Error("weak password must not create a credential")
	}
}

func TestChangePassword_TerminatesSessionsAndRotatesHash(t *testing.T) {
	h := newTestHarness(t)
	userID := h.createAccount(t, "ivan@example.com")

	for i := 0; i < 2; i++ {
		if _, err := h.flow.Authenticate(context.Background(), LoginInput{
			CredentialRef: "ivan@example.com",
			Password:      testPassword,
		}); err != nil {
			t.Fatalf("login %d: %v", i+1, err)
		}
	}

	const newPassword = "Another-Strong1Pass"
	if err := h.flow.ChangePassword(context.Background(), userID, testPassword, newPassword, session.DeviceContext{}); err != nil {
		t.Fatalf("change password: %v", err)
	}

	if got := h.repo.activeSessions(userID); got != 0 {
		t.Errorf("active sessions after change = %d, want 0", got)
	}
	changed := h.trail.byType(audit.EventPasswordChanged)
	if len(changed) != 1 {
		t.Fatalf("PASSWORD_CHANGED events = %d, want 1", len(changed))
	}
	if changed[0].Details["sessions_terminated"] != int64(2) {
		t.Errorf("sessions_terminated = %v, want 2", changed[0].Details["sessions_terminated"])
	}

	if _, err := h.flow.Authenticate(context.Background(), LoginInput{
		CredentialRef: "ivan@example.com",
		Password:      testPassword,
	}); !errors.Is(err, ErrInvalidCredentials) {
		t.Error("old password must stop working")
	}
	if _, err := h.flow.Authenticate(context.Background(), LoginInput{
		CredentialRef: "ivan@example.com",
		Password:      newPassword,
	}); err != nil {
		t.Errorf("new password must work: %v", err)
	}
}

func TestChangePassword_WrongCurrentCountsFailure(t *testing.T) {
	h := newTestHarness(t)
	userID := h.createAccount(t, "judy@example.com")

	err := h.flow.ChangePassword(context.Background(), userID, "Wrong-Current1", "Another-Strong1Pass", session.DeviceContext{})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	state, err := h.states.Get(context.Background(), userID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.FailedAttempts != 1 {
		t.Errorf("failed attempts = %d, want 1", state.FailedAttempts)
	}
	failed := h.trail.byType(audit.EventLoginFailed)
	if len(failed) != 1 || failed[0].Details["reason"] != "current_password_mismatch" {
		t.Errorf("expected one current_password_mismatch failure, got %v", failed)
	}
}

func TestRefreshSession_ReuseRaisesSuspicion(t *testing.T) {
	h := newTestHarness(t)
	userID := h.createAccount(t, "mallory@example.com")

	pair, err := h.flow.Authenticate(context.Background(), LoginInput{
		CredentialRef: "mallory@example.com",
		Password:      testPassword,
	})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if _, err := h.flow.RefreshSession(context.Background(), pair.RefreshToken); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if _, err := h.flow.RefreshSession(context.Background(), pair.RefreshToken); !errors.Is(err, session.ErrTokenReused) {
		t.Fatalf("expected ErrTokenReused, got %v", err)
	}

	suspicious := h.trail.byType(audit.EventSuspiciousActivity)
	if len(suspicious) != 1 {
		t.Fatalf("SUSPICIOUS_ACTIVITY events = %d, want 1", len(suspicious))
	}
	if suspicious[0].Severity != audit.SeverityCritical {
		t.Errorf("severity = %s, want CRITICAL", suspicious[0].Severity)
	}
	if suspicious[0].UserID == nil || *suspicious[0].UserID != userID {
		t.Error("suspicion event must carry the user id")
	}
	if got := h.repo.activeSessions(userID); got != 0 {
		t.Errorf("active sessions after reuse = %d, want 0", got)
	}
}

func TestLogout_RecordsEventAndIsIdempotent(t *testing.T) {
	h := newTestHarness(t)
	userID := h.createAccount(t, "oscar@example.com")

	_, err := h.flow.Authenticate(context.Background(), LoginInput{
		CredentialRef: "oscar@example.com",
		Password:      testPassword,
	})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	var sessionID uuid.UUID
	h.repo.mu.Lock()
	for id := range h.repo.sessions {
		sessionID = id
	}
	h.repo.mu.Unlock()

	if err := h.flow.Logout(context.Background(), userID, sessionID, session.DeviceContext{}); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := h.flow.Logout(context.Background(), userID, sessionID, session.DeviceContext{}); err != nil {
		t.Fatalf("second logout must succeed, got %v", err)
	}
	if got := len(h.trail.byType(audit.EventLogout)); got != 2 {
		t.Errorf("LOGOUT events = %d, want 2", got)
	}
	if got := h.repo.activeSessions(userID); got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
}

func TestUnlockAccount_AdminUnlock(t *testing.T) {
	h := newTestHarness(t)
	h.createAccount(t, "peggy@example.com")

	for i := 0; i < 5; i++ {
		h.flow.Authenticate(context.Background(), LoginInput{
			CredentialRef: "peggy@example.com",
			Password:      "Wrong-Password9",
		})
	}

	cred, err := h.creds.GetByRef(context.Background(), "peggy@example.com")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if err := h.flow.UnlockAccount(context.Background(), cred.UserID); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if len(h.trail.byType(audit.EventAccountUnlocked)) != 1 {
		t.Error("expected one ACCOUNT_UNLOCKED event")
	}

	if _, err := h.flow.Authenticate(context.Background(), LoginInput{
		CredentialRef: "peggy@example.com",
		Password:      testPassword,
	}); err != nil {
		t.Errorf("authenticate after unlock: %v", err)
	}
}

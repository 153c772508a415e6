package audit

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"pgregory.net/rapid"
)

func TestEventType_ClosedSet(t *testing.T) {
	known := []EventType{
		EventLoginSuccess, EventLoginFailed, EventLogout,
		EventPasswordChanged, EventPasswordResetRequested, EventPasswordResetCompleted,
		EventEmailChanged, EventEmailVerificationRequested, EventEmailVerified,
		EventAccountCreated, EventAccountUpdated, EventAccountLocked,
		EventAccountUnlocked, EventAccountDeleted,
		EventRoleChanged, EventPermissionsChanged,
		EventMFAEnabled, EventMFADisabled,
		EventSessionCreated, EventSessionExpired, EventSessionTerminated,
		EventTokenRefresh, EventSuspiciousActivity,
	}
	if len(known) != len(eventTypes) {
		t.Fatalf("test enumerates %d types, package defines %d", len(known), len(eventTypes))
	}
	for _, et := range known {
		if !et.Valid() {
			t.Errorf("%s must be valid", et)
		}
	}

	for _, et := range []EventType{"", "login_success", "MFA_CHALLENGE", "SESSION_CREATED "} {
		if et.Valid() {
			t.Errorf("%q must not be valid", et)
		}
	}
}

func TestEvent_Validate(t *testing.T) {
	userID := uuid.New()
	valid := Event{
		UserID:    &userID,
		EventType: EventLoginSuccess,
		Status:    StatusSuccess,
		Severity:  SeverityLow,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	anonymous := valid
	anonymous.UserID = nil
	if err := anonymous.Validate(); err != nil {
		t.Errorf("anonymous event must be valid: %v", err)
	}

	bad := valid
	bad.EventType = "NOT_AN_EVENT"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidEventType) {
		t.Errorf("expected ErrInvalidEventType, got %v", err)
	}

	bad = valid
	bad.Status = "MAYBE"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}

	bad = valid
	bad.Severity = "EXTREME"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidSeverity) {
		t.Errorf("expected ErrInvalidSeverity, got %v", err)
	}
}

func TestQueryFilters_Normalize(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := QueryFilters{
			Limit: rapid.IntRange(-100, 1000).Draw(t, "limit"),
			Skip:  rapid.IntRange(-100, 1000).Draw(t, "skip"),
		}
		n := f.Normalize()

		if n.Limit <= 0 {
			t.Errorf("normalized limit %d must be positive", n.Limit)
		}
		if f.Limit > 0 && n.Limit != f.Limit {
			t.Errorf("positive limit %d changed to %d", f.Limit, n.Limit)
		}
		if f.Limit <= 0 && n.Limit != DefaultQueryLimit {
			t.Errorf("non-positive limit must default to %d, got %d", DefaultQueryLimit, n.Limit)
		}
		if n.Skip < 0 {
			t.Errorf("normalized skip %d must not be negative", n.Skip)
		}
		if f.Skip >= 0 && n.Skip != f.Skip {
			t.Errorf("valid skip %d changed to %d", f.Skip, n.Skip)
		}
	})
}

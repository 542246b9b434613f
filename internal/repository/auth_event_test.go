package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kubilitics/authd/internal/models"
)

func TestCreateAuthEvent(t *testing.T) {
	repo := newTestSQLiteRepo(t)
	u := newTestUser(t, repo, "eventuser")

	event := &models.AuthEvent{
		ID:        uuid.New().String(),
		UserID:    &u.ID,
		Username:  u.Username,
		EventType: "login_success",
		IPAddress: "192.168.1.100",
		UserAgent: "test-agent",
	}

	if err := repo.CreateAuthEvent(context.Background(), event); err != nil {
		t.Fatalf("failed to create auth event: %v", err)
	}
	if event.Timestamp.IsZero() {
		t.Error("expected timestamp to be stamped on create")
	}
}

func TestListAuthEvents_ByUserID(t *testing.T) {
	repo := newTestSQLiteRepo(t)
	u := newTestUser(t, repo, "multievent")

	for i := 0; i < 3; i++ {
		event := &models.AuthEvent{
			ID:        uuid.New().String(),
			UserID:    &u.ID,
			Username:  u.Username,
			EventType: "login_success",
			IPAddress: "192.168.1.100",
		}
		if err := repo.CreateAuthEvent(context.Background(), event); err != nil {
			t.Fatalf("failed to create auth event: %v", err)
		}
	}

	events, err := repo.ListAuthEvents(context.Background(), u.ID, 10)
	if err != nil {
		t.Fatalf("failed to list auth events: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("expected 3 events, got %d", len(events))
	}
}

func TestListAuthEvents_WithLimit(t *testing.T) {
	repo := newTestSQLiteRepo(t)
	u := newTestUser(t, repo, "limitedevents")

	for i := 0; i < 5; i++ {
		event := &models.AuthEvent{
			ID:        uuid.New().String(),
			UserID:    &u.ID,
			Username:  u.Username,
			EventType: "login_success",
			IPAddress: "192.168.1.100",
		}
		repo.CreateAuthEvent(context.Background(), event)
	}

	events, err := repo.ListAuthEvents(context.Background(), u.ID, 3)
	if err != nil {
		t.Fatalf("failed to list auth events: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("expected 3 events, got %d", len(events))
	}
}

func TestListAuthEvents_NoUserID(t *testing.T) {
	repo := newTestSQLiteRepo(t)

	event := &models.AuthEvent{
		ID:        uuid.New().String(),
		UserID:    nil,
		Username:  "unknown",
		EventType: "login_failure",
		IPAddress: "192.168.1.100",
		Timestamp: time.Now(),
	}
	if err := repo.CreateAuthEvent(context.Background(), event); err != nil {
		t.Fatalf("failed to create auth event with no user id: %v", err)
	}
}

func TestCreateSecurityEvent_AndListSecurityEvents(t *testing.T) {
	repo := newTestSQLiteRepo(t)

	event := &models.SecurityEvent{
		ID:        uuid.New().String(),
		EventType: models.EventTypeBruteForce,
		Username:  "attacker",
		IPAddress: "198.51.100.7",
		RiskScore: 90,
		Details:   `{"attempts":10}`,
	}
	if err := repo.CreateSecurityEvent(context.Background(), event); err != nil {
		t.Fatalf("failed to create security event: %v", err)
	}

	events, err := repo.ListSecurityEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("failed to list security events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 security event, got %d", len(events))
	}
	if events[0].EventType != models.EventTypeBruteForce {
		t.Errorf("expected event type %q, got %q", models.EventTypeBruteForce, events[0].EventType)
	}
}

func TestGetIPSecurityTracking_ReturnsZeroValueWhenUnseen(t *testing.T) {
	repo := newTestSQLiteRepo(t)

	tracking, err := repo.GetIPSecurityTracking(context.Background(), "203.0.113.99")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tracking == nil {
		t.Fatal("expected a non-nil zero-value tracking record")
	}
	if tracking.FailedLoginCount != 0 {
		t.Errorf("expected zero failed login count, got %d", tracking.FailedLoginCount)
	}
}

func TestIncrementIPFailedLogin(t *testing.T) {
	repo := newTestSQLiteRepo(t)
	ip := "203.0.113.50"

	for i := 0; i < 3; i++ {
		if err := repo.IncrementIPFailedLogin(context.Background(), ip); err != nil {
			t.Fatalf("failed to increment ip failed login: %v", err)
		}
	}

	tracking, err := repo.GetIPSecurityTracking(context.Background(), ip)
	if err != nil {
		t.Fatalf("failed to get ip security tracking: %v", err)
	}
	if tracking.FailedLoginCount != 3 {
		t.Errorf("expected failed login count 3, got %d", tracking.FailedLoginCount)
	}
}

func TestBlockIP(t *testing.T) {
	repo := newTestSQLiteRepo(t)
	ip := "203.0.113.60"
	until := time.Now().Add(30 * time.Minute)

	if err := repo.BlockIP(context.Background(), ip, until); err != nil {
		t.Fatalf("failed to block ip: %v", err)
	}

	tracking, err := repo.GetIPSecurityTracking(context.Background(), ip)
	if err != nil {
		t.Fatalf("failed to get ip security tracking: %v", err)
	}
	if tracking.BlockedUntil == nil {
		t.Fatal("expected blocked_until to be set")
	}
	if !tracking.IsBlocked() {
		t.Error("expected tracking.IsBlocked() to report true")
	}
}

func TestHasSeenDevice_AndRecordDevice(t *testing.T) {
	repo := newTestSQLiteRepo(t)
	u := newTestUser(t, repo, "deviceowner")

	seen, err := repo.HasSeenDevice(context.Background(), u.ID, "fingerprint-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen {
		t.Error("device should not be known yet")
	}

	if err := repo.RecordDevice(context.Background(), u.ID, "fingerprint-1"); err != nil {
		t.Fatalf("failed to record device: %v", err)
	}

	seen, err = repo.HasSeenDevice(context.Background(), u.ID, "fingerprint-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !seen {
		t.Error("device should be known after recording")
	}
}

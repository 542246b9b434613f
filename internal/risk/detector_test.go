package risk

import (
	"context"
	"testing"
	"time"

	"github.com/kubilitics/authd/internal/models"
)

type fakeDetectorStore struct {
	tracking map[string]*models.IPSecurityTracking
	events   []*models.SecurityEvent
	blocked  map[string]time.Time
}

func newFakeDetectorStore() *fakeDetectorStore {
	return &fakeDetectorStore{
		tracking: make(map[string]*models.IPSecurityTracking),
		blocked:  make(map[string]time.Time),
	}
}

func (s *fakeDetectorStore) CreateSecurityEvent(ctx context.Context, event *models.SecurityEvent) error {
	s.events = append(s.events, event)
	return nil
}

func (s *fakeDetectorStore) GetIPSecurityTracking(ctx context.Context, ip string) (*models.IPSecurityTracking, error) {
	t, ok := s.tracking[ip]
	if !ok {
		t = &models.IPSecurityTracking{IPAddress: ip}
		s.tracking[ip] = t
	}
	return t, nil
}

func (s *fakeDetectorStore) IncrementIPFailedLogin(ctx context.Context, ip string) error {
	t, _ := s.GetIPSecurityTracking(ctx, ip)
	t.FailedLoginCount++
	return nil
}

func (s *fakeDetectorStore) IncrementIPAccountEnumeration(ctx context.Context, ip string) error {
	t, _ := s.GetIPSecurityTracking(ctx, ip)
	t.AccountEnumerationCount++
	return nil
}

func (s *fakeDetectorStore) BlockIP(ctx context.Context, ip string, until time.Time) error {
	s.blocked[ip] = until
	if t, ok := s.tracking[ip]; ok {
		t.BlockedUntil = &until
	}
	return nil
}

func TestDetector_RecordFailedLogin_TripsBruteForceThreshold(t *testing.T) {
	store := newFakeDetectorStore()
	d := NewDetector(store)
	ctx := context.Background()

	for i := 0; i < BruteForceThreshold; i++ {
		if err := d.RecordFailedLogin(ctx, "1.2.3.4", "alice", "test-agent"); err != nil {
			t.Fatalf("RecordFailedLogin: %v", err)
		}
	}

	if _, blocked := store.blocked["1.2.3.4"]; !blocked {
		t.Fatal("expected IP to be blocked after crossing brute force threshold")
	}
	if len(store.events) == 0 {
		t.Fatal("expected a security event to be recorded")
	}
	if store.events[0].EventType != models.EventTypeBruteForce {
		t.Errorf("expected brute_force event, got %q", store.events[0].EventType)
	}
}

func TestDetector_RecordFailedLogin_BelowThresholdDoesNotBlock(t *testing.T) {
	store := newFakeDetectorStore()
	d := NewDetector(store)
	ctx := context.Background()

	for i := 0; i < BruteForceThreshold-1; i++ {
		if err := d.RecordFailedLogin(ctx, "5.6.7.8", "bob", "test-agent"); err != nil {
			t.Fatalf("RecordFailedLogin: %v", err)
		}
	}

	if _, blocked := store.blocked["5.6.7.8"]; blocked {
		t.Fatal("did not expect IP to be blocked below threshold")
	}
}

func TestDetector_RecordAccountEnumeration_TripsThreshold(t *testing.T) {
	store := newFakeDetectorStore()
	d := NewDetector(store)
	ctx := context.Background()

	for i := 0; i < AccountEnumerationThreshold; i++ {
		if err := d.RecordAccountEnumeration(ctx, "9.9.9.9", "carol", "test-agent"); err != nil {
			t.Fatalf("RecordAccountEnumeration: %v", err)
		}
	}

	if _, blocked := store.blocked["9.9.9.9"]; !blocked {
		t.Fatal("expected IP to be blocked after crossing account enumeration threshold")
	}
	found := false
	for _, e := range store.events {
		if e.EventType == models.EventTypeAccountEnumeration {
			found = true
		}
	}
	if !found {
		t.Error("expected an account_enumeration event")
	}
}

func TestDetector_AlreadyBlockedShortCircuits(t *testing.T) {
	store := newFakeDetectorStore()
	d := NewDetector(store)
	ctx := context.Background()

	store.tracking["1.1.1.1"] = &models.IPSecurityTracking{IPAddress: "1.1.1.1"}
	future := time.Now().Add(10 * time.Minute)
	store.tracking["1.1.1.1"].BlockedUntil = &future

	if err := d.RecordFailedLogin(ctx, "1.1.1.1", "dave", "test-agent"); err != nil {
		t.Fatalf("RecordFailedLogin: %v", err)
	}
	if len(store.events) != 0 {
		t.Errorf("expected no new security event for an already-blocked IP, got %d", len(store.events))
	}
}

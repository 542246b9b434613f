package risk

import (
	"context"
	"testing"
	"time"

	"github.com/kubilitics/authd/internal/geo"
)

type fakeDevices struct {
	seen map[string]bool
}

func newFakeDevices() *fakeDevices { return &fakeDevices{seen: map[string]bool{}} }

func (d *fakeDevices) HasSeenDevice(_ context.Context, userID, fingerprint string) (bool, error) {
	return d.seen[userID+":"+fingerprint], nil
}

func (d *fakeDevices) RecordDevice(_ context.Context, userID, fingerprint string) error {
	d.seen[userID+":"+fingerprint] = true
	return nil
}

type fakeFailures struct {
	recentFailures map[string]int
	suspicious     map[string]int
}

func newFakeFailures() *fakeFailures {
	return &fakeFailures{recentFailures: map[string]int{}, suspicious: map[string]int{}}
}

func (f *fakeFailures) RecentFailedLogins(_ context.Context, userID string, _ time.Time) (int, error) {
	return f.recentFailures[userID], nil
}

func (f *fakeFailures) IPSuspiciousCount(_ context.Context, ip string) (int, error) {
	return f.suspicious[ip], nil
}

func newTestEngine() (*Engine, *geo.MemoryStore, *fakeDevices, *fakeFailures) {
	store := geo.NewMemoryStore()
	resolver := geo.NewResolver(nil, store)
	devices := newFakeDevices()
	failures := newFakeFailures()
	return New(resolver, devices, failures), store, devices, failures
}

func TestScore_CleanAttemptIsAllow(t *testing.T) {
	engine, _, _, _ := newTestEngine()
	v, err := engine.Score(context.Background(), Input{UserID: "", IPAddress: "203.0.113.5", Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if v.Recommendation != Allow {
		t.Errorf("expected ALLOW, got %s (score %d)", v.Recommendation, v.Score)
	}
}

func TestScore_BlockedIPIsDeny(t *testing.T) {
	engine, store, _, _ := newTestEngine()
	store.Block("198.51.100.9", "manual block", time.Time{})

	v, err := engine.Score(context.Background(), Input{IPAddress: "198.51.100.9", Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if v.Recommendation != Deny {
		t.Errorf("expected DENY for blocklisted IP, got %s", v.Recommendation)
	}
}

func TestScore_RecentFailuresTriggerChallengeThreshold(t *testing.T) {
	engine, _, _, failures := newTestEngine()
	failures.recentFailures["alice"] = 5

	v, err := engine.Score(context.Background(), Input{UserID: "alice", IPAddress: "203.0.113.5", Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	found := false
	for _, s := range v.Signals {
		if s.Name == "recent_failures" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected recent_failures signal, got %v", v.Signals)
	}
}

func TestScore_NewDeviceSignal(t *testing.T) {
	engine, _, devices, _ := newTestEngine()
	v, err := engine.Score(context.Background(), Input{
		UserID: "bob", IPAddress: "203.0.113.5", DeviceFingerprint: "device-1", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	hasNewDevice := false
	for _, s := range v.Signals {
		if s.Name == "new_device" {
			hasNewDevice = true
		}
	}
	if !hasNewDevice {
		t.Errorf("expected new_device signal for unseen fingerprint, got %v", v.Signals)
	}

	if err := engine.RecordDevice(context.Background(), "bob", "device-1"); err != nil {
		t.Fatalf("RecordDevice: %v", err)
	}
	if !devices.seen["bob:device-1"] {
		t.Error("expected device to be recorded as seen")
	}
}

func TestRecommendationFor(t *testing.T) {
	tests := []struct {
		score int
		want  Recommendation
	}{
		{0, Allow},
		{39, Allow},
		{40, Challenge},
		{69, Challenge},
		{70, Deny},
		{100, Deny},
	}
	for _, tt := range tests {
		if got := recommendationFor(tt.score); got != tt.want {
			t.Errorf("recommendationFor(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

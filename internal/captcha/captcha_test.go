package captcha

import (
	"context"
	"errors"
	"testing"
)

type fakeVerifier struct {
	ok  bool
	err error
}

func (f fakeVerifier) Verify(_ context.Context, _, _ string) (bool, error) {
	return f.ok, f.err
}

func TestGate_Verify_Success(t *testing.T) {
	g := NewGate("test", fakeVerifier{ok: true})
	ok, err := g.Verify(context.Background(), "token", "203.0.113.5")
	if err != nil || !ok {
		t.Fatalf("expected success, got ok=%v err=%v", ok, err)
	}
}

func TestGate_Verify_TripsBreakerAfterConsecutiveFailures(t *testing.T) {
	g := NewGate("test-trip", fakeVerifier{ok: false, err: errors.New("provider down")})

	for i := 0; i < 5; i++ {
		if _, err := g.Verify(context.Background(), "token", "203.0.113.5"); err == nil {
			t.Fatalf("expected error on failing call %d", i)
		}
	}

	// The breaker should now be open; the next call fails fast without
	// reaching the verifier.
	_, err := g.Verify(context.Background(), "token", "203.0.113.5")
	if err == nil {
		t.Fatal("expected circuit-open error after consecutive failures")
	}
}

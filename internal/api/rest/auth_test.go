package rest

import (
	"net/http"
	"testing"
	"time"

	"github.com/kubilitics/authd/internal/authn"
	"github.com/kubilitics/authd/internal/crypto/password"
	"github.com/kubilitics/authd/internal/geo"
	"github.com/kubilitics/authd/internal/rbac"
	"github.com/kubilitics/authd/internal/ratelimit"
	"github.com/kubilitics/authd/internal/repository"
	"github.com/kubilitics/authd/internal/risk"
	"github.com/kubilitics/authd/internal/token"
)

// newTestAuthHandler wires a full in-memory stack (sqlite repo, rate
// limiter, geo resolver, risk engine, token issuer, rbac resolver, and
// authn pipeline) the same way cmd/server/main.go does, minus CAPTCHA and
// persistent storage.
func newTestAuthHandler(t *testing.T) (*AuthHandler, *repository.SQLiteRepository, *token.Issuer) {
	t.Helper()

	repo, err := repository.NewSQLiteRepository(":memory:")
	if err != nil {
		t.Fatalf("failed to open test repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	limiter := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.DefaultPolicy)
	geoResolver := geo.NewResolver(nil, geo.NewMemoryStore())
	riskEngine := risk.New(geoResolver, repo, repo)

	issuer, err := token.New(token.Config{
		Issuer:   "authd-test",
		Audience: "authd-test",
		Secret:   "test-signing-secret-do-not-use-in-prod",
	}, repo, repo, nil)
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	rbacRes, err := rbac.NewResolver(repo, nil)
	if err != nil {
		t.Fatalf("failed to build rbac resolver: %v", err)
	}

	pipeline := authn.New(authn.Config{
		LockoutThreshold:      5,
		LockoutDuration:       15 * time.Minute,
		RateLimitIPLimit:      100,
		RateLimitIPWindow:     time.Minute,
		RateLimitUserLimit:    100,
		RateLimitUserWindow:   time.Minute,
		MaxConcurrentSessions: 10,
	}, repo, repo, repo, repo, limiter, riskEngine, nil, issuer)

	policy := password.DefaultPolicy()
	handler := NewAuthHandler(pipeline, issuer, rbacRes, repo, policy, "")
	return handler, repo, issuer
}

// withTestClaims validates accessToken and stashes its claims on req's
// context, standing in for the Auth middleware that would normally do this.
func withTestClaims(t *testing.T, req *http.Request, issuer *token.Issuer, accessToken string) *http.Request {
	t.Helper()
	claims, err := issuer.Validate(req.Context(), accessToken, token.TypeAccess)
	if err != nil {
		t.Fatalf("failed to validate test access token: %v", err)
	}
	return req.WithContext(token.WithClaims(req.Context(), claims))
}

package token

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kubilitics/authd/internal/models"
)

type fakeRevocationStore struct {
	mu      sync.Mutex
	revoked map[string]bool
}

func newFakeRevocationStore() *fakeRevocationStore {
	return &fakeRevocationStore{revoked: map[string]bool{}}
}

func (s *fakeRevocationStore) IsRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revoked[jti], nil
}

func (s *fakeRevocationStore) Revoke(_ context.Context, r models.RevokedToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[r.TokenID] = true
	return nil
}

func (s *fakeRevocationStore) RevokeAllForUser(_ context.Context, _, _ string) error {
	return nil
}

type fakeUsers struct {
	users map[string]*models.User
}

func (f *fakeUsers) GetUser(_ context.Context, userID string) (*models.User, error) {
	return f.users[userID], nil
}

func newIssuer(t *testing.T) (*Issuer, *fakeRevocationStore) {
	t.Helper()
	store := newFakeRevocationStore()
	users := &fakeUsers{users: map[string]*models.User{
		"user-1": {ID: "user-1", Status: models.AccountActive},
	}}
	cfg := Config{Issuer: "authd", Audience: "authd-clients", Secret: "test-secret"}
	issuer, err := New(cfg, store, users, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return issuer, store
}

func TestIssueAndValidateAccessToken(t *testing.T) {
	issuer, _ := newIssuer(t)
	signed, jti, err := issuer.IssueAccessToken("user-1", "role-1")
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if jti == "" {
		t.Fatal("expected non-empty jti")
	}

	claims, err := issuer.Validate(context.Background(), signed, TypeAccess)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("expected subject user-1, got %s", claims.Subject)
	}
}

func TestValidate_WrongTypeRejected(t *testing.T) {
	issuer, _ := newIssuer(t)
	signed, _, err := issuer.IssueAccessToken("user-1", "role-1")
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if _, err := issuer.Validate(context.Background(), signed, TypeRefresh); err == nil {
		t.Error("expected type mismatch to be rejected")
	}
}

func TestValidate_RevokedTokenRejected(t *testing.T) {
	issuer, store := newIssuer(t)
	signed, jti, err := issuer.IssueAccessToken("user-1", "role-1")
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	if err := issuer.Revoke(context.Background(), jti, "user-1", time.Now().Add(time.Hour), models.RevokeReasonLogout); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	_ = store // silence unused in case revoke path changes

	if _, err := issuer.Validate(context.Background(), signed, TypeAccess); err == nil {
		t.Error("expected revoked token to be rejected")
	}
}

func TestValidate_DisabledAccountRejected(t *testing.T) {
	issuer, _ := newIssuer(t)
	signed, _, err := issuer.IssueRefreshToken("user-2")
	if err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}
	if _, err := issuer.Validate(context.Background(), signed, TypeRefresh); err == nil {
		t.Error("expected unknown subject to be rejected")
	}
}

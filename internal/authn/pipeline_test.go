package authn

import (
	"context"
	"testing"
	"time"

	"github.com/kubilitics/authd/internal/crypto/password"
	"github.com/kubilitics/authd/internal/errkind"
	"github.com/kubilitics/authd/internal/geo"
	"github.com/kubilitics/authd/internal/models"
	"github.com/kubilitics/authd/internal/ratelimit"
	"github.com/kubilitics/authd/internal/risk"
	"github.com/kubilitics/authd/internal/token"
)

type fakeUsers struct {
	byUsername map[string]*models.User
	byID       map[string]*models.User
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byUsername: map[string]*models.User{}, byID: map[string]*models.User{}}
}

func (f *fakeUsers) add(u *models.User) {
	f.byUsername[u.Username] = u
	f.byID[u.ID] = u
}

func (f *fakeUsers) GetUser(_ context.Context, id string) (*models.User, error) {
	return f.byID[id], nil
}

func (f *fakeUsers) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	return f.byUsername[username], nil
}

func (f *fakeUsers) CreateUser(_ context.Context, u *models.User) error {
	if u.ID == "" {
		u.ID = u.Username + "-id"
	}
	f.add(u)
	return nil
}

func (f *fakeUsers) IncrementFailedLogin(_ context.Context, userID string, maxAttempts int, lockUntil time.Time) (bool, error) {
	u := f.byID[userID]
	u.FailedLoginCount++
	if u.FailedLoginCount >= maxAttempts {
		u.LockedUntil = &lockUntil
		return true, nil
	}
	return false, nil
}

func (f *fakeUsers) ResetFailedLogin(_ context.Context, userID string) error {
	f.byID[userID].FailedLoginCount = 0
	return nil
}

func (f *fakeUsers) RecordSuccessfulLogin(_ context.Context, userID, ip string) error {
	return nil
}

func (f *fakeUsers) SetPassword(_ context.Context, userID, hash string, family models.PasswordHashFamily) error {
	f.byID[userID].PasswordHash = hash
	f.byID[userID].PasswordHashFamily = family
	return nil
}

type fakeMFA struct{ secrets map[string]*models.MFATOTPSecret }

func (f *fakeMFA) GetTOTPSecret(_ context.Context, userID string) (*models.MFATOTPSecret, error) {
	return f.secrets[userID], nil
}

type fakeEvents struct{ events []models.AuthEvent }

func (f *fakeEvents) CreateAuthEvent(_ context.Context, e *models.AuthEvent) error {
	f.events = append(f.events, *e)
	return nil
}

type fakeSessions struct{ byUser map[string][]models.Session }

func newFakeSessions() *fakeSessions { return &fakeSessions{byUser: map[string][]models.Session{}} }

func (f *fakeSessions) CreateSession(_ context.Context, s *models.Session) error {
	f.byUser[s.UserID] = append(f.byUser[s.UserID], *s)
	return nil
}

func (f *fakeSessions) ListSessionsForUser(_ context.Context, userID string) ([]models.Session, error) {
	return f.byUser[userID], nil
}

func (f *fakeSessions) DeleteSession(_ context.Context, id string) error {
	for userID, sessions := range f.byUser {
		for i, s := range sessions {
			if s.ID == id {
				f.byUser[userID] = append(sessions[:i], sessions[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

type fakeRevocationStore struct{ revoked map[string]bool }

func newFakeRevocationStore() *fakeRevocationStore {
	return &fakeRevocationStore{revoked: map[string]bool{}}
}

func (s *fakeRevocationStore) IsRevoked(_ context.Context, jti string) (bool, error) {
	return s.revoked[jti], nil
}

func (s *fakeRevocationStore) Revoke(_ context.Context, r models.RevokedToken) error {
	s.revoked[r.TokenID] = true
	return nil
}

func (s *fakeRevocationStore) RevokeAllForUser(_ context.Context, userID, reason string) error {
	return nil
}

func newTestPipeline(t *testing.T, users *fakeUsers) (*Pipeline, *token.Issuer) {
	t.Helper()
	issuer, err := token.New(token.Config{Issuer: "authd-test", Audience: "authd-clients", Secret: "s3cr3t"}, newFakeRevocationStore(), users, nil)
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.DefaultPolicy)
	geoStore := geo.NewMemoryStore()
	geoResolver := geo.NewResolver(nil, geoStore)
	riskEngine := risk.New(geoResolver, &fakeDeviceStore{}, &fakeFailureStore{})

	cfg := Config{
		LockoutThreshold:      5,
		LockoutDuration:       15 * time.Minute,
		RateLimitIPLimit:      20,
		RateLimitIPWindow:     time.Minute,
		RateLimitUserLimit:    10,
		RateLimitUserWindow:   time.Minute,
		MaxConcurrentSessions: 5,
	}
	p := New(cfg, users, &fakeMFA{secrets: map[string]*models.MFATOTPSecret{}}, &fakeEvents{}, newFakeSessions(), limiter, riskEngine, nil, issuer)
	return p, issuer
}

type fakeDeviceStore struct{}

func (fakeDeviceStore) HasSeenDevice(_ context.Context, userID, fingerprint string) (bool, error) {
	return true, nil
}
func (fakeDeviceStore) RecordDevice(_ context.Context, userID, fingerprint string) error { return nil }

type fakeFailureStore struct{}

func (fakeFailureStore) RecentFailedLogins(_ context.Context, userID string, since time.Time) (int, error) {
	return 0, nil
}
func (fakeFailureStore) IPSuspiciousCount(_ context.Context, ip string) (int, error) { return 0, nil }

func seedUser(t *testing.T, users *fakeUsers, username, plaintext string) *models.User {
	t.Helper()
	hash, err := password.Hash(plaintext)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	u := &models.User{
		ID:                 username + "-id",
		Username:           username,
		Email:              username + "@example.com",
		PasswordHash:       hash,
		PasswordHashFamily: models.HashFamilyArgon2id,
		Status:             models.AccountActive,
		RoleID:             "role-user",
	}
	users.add(u)
	return u
}

func TestPasswordLogin_Success(t *testing.T) {
	users := newFakeUsers()
	seedUser(t, users, "alice", "correct horse battery staple")
	p, _ := newTestPipeline(t, users)

	result, err := p.PasswordLogin(context.Background(), LoginRequest{
		Username: "alice", Password: "correct horse battery staple", IPAddress: "203.0.113.1",
	})
	if err != nil {
		t.Fatalf("expected successful login, got error: %v", err)
	}
	if result.AccessToken == "" || result.RefreshToken == "" {
		t.Error("expected non-empty tokens")
	}
}

func TestPasswordLogin_WrongPassword(t *testing.T) {
	users := newFakeUsers()
	seedUser(t, users, "bob", "correct horse battery staple")
	p, _ := newTestPipeline(t, users)

	_, err := p.PasswordLogin(context.Background(), LoginRequest{
		Username: "bob", Password: "wrong password", IPAddress: "203.0.113.2",
	})
	if errkind.KindOf(err) != errkind.InvalidCredentials {
		t.Fatalf("expected InvalidCredentials, got %v", err)
	}
}

func TestPasswordLogin_UnknownUsername(t *testing.T) {
	users := newFakeUsers()
	p, _ := newTestPipeline(t, users)

	_, err := p.PasswordLogin(context.Background(), LoginRequest{
		Username: "nobody", Password: "whatever", IPAddress: "203.0.113.3",
	})
	if errkind.KindOf(err) != errkind.InvalidCredentials {
		t.Fatalf("expected InvalidCredentials for unknown username, got %v", err)
	}
}

func TestPasswordLogin_LocksAfterThreshold(t *testing.T) {
	users := newFakeUsers()
	seedUser(t, users, "carol", "correct horse battery staple")
	p, _ := newTestPipeline(t, users)

	var lastErr error
	for i := 0; i < 5; i++ {
		_, lastErr = p.PasswordLogin(context.Background(), LoginRequest{
			Username: "carol", Password: "wrong", IPAddress: "203.0.113.4",
		})
	}
	if errkind.KindOf(lastErr) != errkind.AccountLocked {
		t.Fatalf("expected AccountLocked after threshold failures, got %v", lastErr)
	}

	_, err := p.PasswordLogin(context.Background(), LoginRequest{
		Username: "carol", Password: "correct horse battery staple", IPAddress: "203.0.113.4",
	})
	if errkind.KindOf(err) != errkind.AccountLocked {
		t.Fatalf("expected correct password to still be rejected while locked, got %v", err)
	}
}

func TestPasswordLogin_DisabledAccount(t *testing.T) {
	users := newFakeUsers()
	u := seedUser(t, users, "dave", "correct horse battery staple")
	u.Status = models.AccountDisabled
	p, _ := newTestPipeline(t, users)

	_, err := p.PasswordLogin(context.Background(), LoginRequest{
		Username: "dave", Password: "correct horse battery staple", IPAddress: "203.0.113.5",
	})
	if errkind.KindOf(err) != errkind.AccountDisabled {
		t.Fatalf("expected AccountDisabled, got %v", err)
	}
}

func TestRegister_RejectsWeakPassword(t *testing.T) {
	users := newFakeUsers()
	p, _ := newTestPipeline(t, users)

	_, err := p.Register(context.Background(), RegistrationRequest{
		Username: "eve", Email: "eve@example.com", Password: "weak",
	}, password.DefaultPolicy())
	if err == nil {
		t.Fatal("expected weak password to be rejected")
	}
}

func TestRegister_RejectsDuplicateUsername(t *testing.T) {
	users := newFakeUsers()
	seedUser(t, users, "frank", "correct horse battery staple")
	p, _ := newTestPipeline(t, users)

	_, err := p.Register(context.Background(), RegistrationRequest{
		Username: "frank", Email: "frank2@example.com", Password: "another-strong-Passw0rd!",
	}, password.DefaultPolicy())
	if errkind.KindOf(err) != errkind.UserAlreadyExists {
		t.Fatalf("expected UserAlreadyExists, got %v", err)
	}
}

func TestRegister_Success(t *testing.T) {
	users := newFakeUsers()
	p, _ := newTestPipeline(t, users)

	user, err := p.Register(context.Background(), RegistrationRequest{
		Username: "grace", Email: "grace@example.com", Password: "another-strong-Passw0rd!",
	}, password.DefaultPolicy())
	if err != nil {
		t.Fatalf("expected successful registration, got error: %v", err)
	}
	if user.PasswordHash == "" {
		t.Error("expected a password hash to be set")
	}
}

func TestLogout_RevokesTokens(t *testing.T) {
	users := newFakeUsers()
	seedUser(t, users, "heidi", "correct horse battery staple")
	p, issuer := newTestPipeline(t, users)

	access, accessJTI, err := issuer.IssueAccessToken("heidi-id", "role-user")
	if err != nil {
		t.Fatalf("failed to issue access token: %v", err)
	}
	if err := p.Logout(context.Background(), "heidi-id", accessJTI, "", time.Now().Add(time.Hour), time.Time{}); err != nil {
		t.Fatalf("logout failed: %v", err)
	}

	if _, err := issuer.Validate(context.Background(), access, token.TypeAccess); err == nil {
		t.Error("expected revoked access token to fail validation")
	}
}

func TestChangePassword_RevokesExistingTokens(t *testing.T) {
	users := newFakeUsers()
	seedUser(t, users, "judy", "correct horse battery staple")
	p, issuer := newTestPipeline(t, users)

	access, accessJTI, err := issuer.IssueAccessToken("judy-id", "role-user")
	if err != nil {
		t.Fatalf("failed to issue access token: %v", err)
	}
	_ = accessJTI

	if err := p.ChangePassword(context.Background(), "judy-id", "correct horse battery staple", "another-strong-Passw0rd!", password.DefaultPolicy()); err != nil {
		t.Fatalf("change password failed: %v", err)
	}

	if _, err := issuer.Validate(context.Background(), access, token.TypeAccess); err == nil {
		t.Error("expected previously issued access token to be revoked after password change")
	}

	if _, err := p.PasswordLogin(context.Background(), LoginRequest{
		Username: "judy", Password: "another-strong-Passw0rd!", IPAddress: "203.0.113.6",
	}); err != nil {
		t.Fatalf("expected login with new password to succeed, got: %v", err)
	}
}

func TestChangePassword_RejectsWrongCurrentPassword(t *testing.T) {
	users := newFakeUsers()
	seedUser(t, users, "kim", "correct horse battery staple")
	p, _ := newTestPipeline(t, users)

	err := p.ChangePassword(context.Background(), "kim-id", "wrong current", "another-strong-Passw0rd!", password.DefaultPolicy())
	if errkind.KindOf(err) != errkind.InvalidCredentials {
		t.Fatalf("expected InvalidCredentials, got %v", err)
	}
}

func TestRefreshAccessToken_IssuesNewAccessToken(t *testing.T) {
	users := newFakeUsers()
	seedUser(t, users, "ivan", "correct horse battery staple")
	p, issuer := newTestPipeline(t, users)

	refresh, _, err := issuer.IssueRefreshToken("ivan-id")
	if err != nil {
		t.Fatalf("failed to issue refresh token: %v", err)
	}

	result, err := p.RefreshAccessToken(context.Background(), refresh)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if result.AccessToken == "" {
		t.Error("expected a new access token")
	}
}

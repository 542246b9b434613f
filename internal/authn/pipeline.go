// Package authn orchestrates the end-to-end authentication flows
// (password login, passkey login, registration, logout, refresh) by wiring
// together the rate limiter, risk engine, CAPTCHA gate, MFA step-up, and
// token issuer in a fixed step order. None of those collaborators know
// about one another; this package is the only place that does.
package authn

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kubilitics/authd/internal/crypto/password"
	"github.com/kubilitics/authd/internal/errkind"
	"github.com/kubilitics/authd/internal/mfa"
	"github.com/kubilitics/authd/internal/models"
	"github.com/kubilitics/authd/internal/pkg/audit"
	"github.com/kubilitics/authd/internal/pkg/metrics"
	"github.com/kubilitics/authd/internal/ratelimit"
	"github.com/kubilitics/authd/internal/risk"
	"github.com/kubilitics/authd/internal/token"
)

// Method names used for the login-attempt metric and audit events.
const (
	MethodPassword = "password"
	MethodPasskey  = "passkey"
)

// CaptchaGate is the subset of captcha.Gate the pipeline needs.
type CaptchaGate interface {
	Verify(ctx context.Context, token, remoteIP string) (bool, error)
}

// UserStore is the subset of user persistence the pipeline needs.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	CreateUser(ctx context.Context, u *models.User) error
	IncrementFailedLogin(ctx context.Context, userID string, maxAttempts int, lockUntil time.Time) (bool, error)
	ResetFailedLogin(ctx context.Context, userID string) error
	RecordSuccessfulLogin(ctx context.Context, userID, ip string) error
	SetPassword(ctx context.Context, userID, hash string, family models.PasswordHashFamily) error
}

// MFAStore is the subset of MFA persistence the pipeline needs for step-up
// verification during login (enrollment itself lives behind its own REST
// handler).
type MFAStore interface {
	GetTOTPSecret(ctx context.Context, userID string) (*models.MFATOTPSecret, error)
}

// AuthEventStore records the append-only login/logout audit trail.
type AuthEventStore interface {
	CreateAuthEvent(ctx context.Context, e *models.AuthEvent) error
}

// SessionStore tracks active sessions for concurrent-session enforcement.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	ListSessionsForUser(ctx context.Context, userID string) ([]models.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// Config carries the pipeline's tunable policy knobs.
type Config struct {
	LockoutThreshold   int
	LockoutDuration    time.Duration
	RateLimitIPLimit   int
	RateLimitIPWindow  time.Duration
	RateLimitUserLimit int
	RateLimitUserWindow time.Duration
	CaptchaTripThreshold int
	MaxConcurrentSessions int
	MFAEnforcedRoles      map[string]bool
	MFARequired           bool
	MFAEncryptionKey      string
}

// Pipeline is the authentication orchestrator.
type Pipeline struct {
	cfg Config

	users   UserStore
	mfa     MFAStore
	events  AuthEventStore
	sessions SessionStore

	limiter *ratelimit.Limiter
	risk    *risk.Engine
	captcha CaptchaGate // nil disables the CAPTCHA gate entirely
	issuer  *token.Issuer
}

// New builds a Pipeline. captcha may be nil if the deployment has no
// CAPTCHA provider configured.
func New(cfg Config, users UserStore, mfaStore MFAStore, events AuthEventStore, sessions SessionStore, limiter *ratelimit.Limiter, riskEngine *risk.Engine, captcha CaptchaGate, issuer *token.Issuer) *Pipeline {
	return &Pipeline{
		cfg: cfg, users: users, mfa: mfaStore, events: events, sessions: sessions,
		limiter: limiter, risk: riskEngine, captcha: captcha, issuer: issuer,
	}
}

// LoginRequest describes one password-login attempt.
type LoginRequest struct {
	Username          string
	Password          string
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
	CaptchaToken      string
	MFACode           string
}

// LoginResult is returned on a fully successful login.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	User         *models.User
}

// PasswordLogin authenticates a username/password pair through the full
// anti-abuse pipeline: rate limit, CAPTCHA (if tripped), credential check,
// lockout bookkeeping, risk scoring, MFA step-up, then token issuance. Each
// stage short-circuits to an errkind.Error the REST layer can map straight
// to an HTTP status.
func (p *Pipeline) PasswordLogin(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if err := p.checkIPRateLimit(ctx, req.IPAddress); err != nil {
		return nil, err
	}

	user, err := p.users.GetUserByUsername(ctx, req.Username)
	if err != nil || user == nil {
		password.VerifyDummy(req.Password) // constant-time: don't leak account existence via timing
		p.recordEvent(ctx, nil, req.Username, "login_failure", req.IPAddress, req.UserAgent)
		metrics.AuthLoginAttemptsTotal.WithLabelValues(MethodPassword, "failure").Inc()
		return nil, errkind.New(errkind.InvalidCredentials, "invalid username or password")
	}

	if err := p.checkUserRateLimit(ctx, user.ID); err != nil {
		return nil, err
	}

	if err := p.enforceCaptcha(ctx, user, req.CaptchaToken, req.IPAddress); err != nil {
		return nil, err
	}

	if err := p.checkAccountState(ctx, user); err != nil {
		p.recordEvent(ctx, &user.ID, req.Username, "login_failure", req.IPAddress, req.UserAgent)
		return nil, err
	}

	match, err := password.Verify(user.PasswordHash, req.Password)
	if err != nil || !match {
		locked, lerr := p.users.IncrementFailedLogin(ctx, user.ID, p.cfg.LockoutThreshold, time.Now().Add(p.cfg.LockoutDuration))
		if lerr == nil && locked {
			p.recordEvent(ctx, &user.ID, req.Username, "account_locked", req.IPAddress, req.UserAgent)
		}
		p.recordEvent(ctx, &user.ID, req.Username, "login_failure", req.IPAddress, req.UserAgent)
		if locked {
			metrics.AuthLoginAttemptsTotal.WithLabelValues(MethodPassword, "locked").Inc()
			return nil, errkind.New(errkind.AccountLocked, "account locked after too many failed attempts")
		}
		metrics.AuthLoginAttemptsTotal.WithLabelValues(MethodPassword, "failure").Inc()
		return nil, errkind.New(errkind.InvalidCredentials, "invalid username or password")
	}

	if err := p.evaluateRisk(ctx, user, req.IPAddress, req.DeviceFingerprint); err != nil {
		metrics.AuthLoginAttemptsTotal.WithLabelValues(MethodPassword, "denied").Inc()
		return nil, err
	}

	if err := p.enforceMFA(ctx, user, req.MFACode); err != nil {
		metrics.AuthLoginAttemptsTotal.WithLabelValues(MethodPassword, "failure").Inc()
		return nil, err
	}

	return p.completeLogin(ctx, user, req.IPAddress, req.UserAgent, req.DeviceFingerprint, MethodPassword)
}

// PasskeyLoginComplete finalizes a WebAuthn assertion the REST layer already
// verified via passkey.Ceremony.FinishAuthentication: it still runs the
// rate-limit and risk stages (a stolen credential signature doesn't imply a
// trustworthy client) before issuing tokens.
func (p *Pipeline) PasskeyLoginComplete(ctx context.Context, user *models.User, ipAddress, userAgent, deviceFingerprint string) (*LoginResult, error) {
	if err := p.checkIPRateLimit(ctx, ipAddress); err != nil {
		return nil, err
	}
	if err := p.checkUserRateLimit(ctx, user.ID); err != nil {
		return nil, err
	}
	if err := p.checkAccountState(ctx, user); err != nil {
		p.recordEvent(ctx, &user.ID, user.Username, "login_failure", ipAddress, userAgent)
		return nil, err
	}
	if err := p.evaluateRisk(ctx, user, ipAddress, deviceFingerprint); err != nil {
		metrics.AuthLoginAttemptsTotal.WithLabelValues(MethodPasskey, "denied").Inc()
		return nil, err
	}
	return p.completeLogin(ctx, user, ipAddress, userAgent, deviceFingerprint, MethodPasskey)
}

// RegistrationRequest describes one self-service registration attempt.
type RegistrationRequest struct {
	Username     string
	Email        string
	Password     string
	IPAddress    string
	UserAgent    string
	CaptchaToken string
}

// Register creates a new local-password account after running the same
// anti-abuse gates as login (IP rate limit, CAPTCHA when tripped) and
// validating the password against the configured policy. Role assignment
// and email verification are out of this pipeline's scope; callers assign a
// default role after creation.
func (p *Pipeline) Register(ctx context.Context, req RegistrationRequest, policy password.Policy) (*models.User, error) {
	if err := p.checkIPRateLimit(ctx, req.IPAddress); err != nil {
		return nil, err
	}
	if err := p.enforceRegistrationCaptcha(ctx, req.IPAddress, req.CaptchaToken); err != nil {
		return nil, err
	}
	if err := password.Validate(req.Password, policy); err != nil {
		return nil, errkind.Wrap(errkind.InvalidCredentials, "password does not meet policy", err)
	}
	if existing, _ := p.users.GetUserByUsername(ctx, req.Username); existing != nil {
		return nil, errkind.New(errkind.UserAlreadyExists, "username already taken")
	}
	hash, err := password.Hash(req.Password)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "failed to hash password", err)
	}
	user := &models.User{
		ID:                 uuid.NewString(),
		ExternalID:         uuid.NewString(),
		Username:           req.Username,
		Email:              req.Email,
		PasswordHash:       hash,
		PasswordHashFamily: models.HashFamilyArgon2id,
		Status:             models.AccountActive,
	}
	if err := p.users.CreateUser(ctx, user); err != nil {
		return nil, errkind.Wrap(errkind.Internal, "failed to create user", err)
	}
	p.recordEvent(ctx, &user.ID, user.Username, "registration", req.IPAddress, req.UserAgent)
	return user, nil
}

// enforceRegistrationCaptcha gates registration on CAPTCHA once the
// registering IP has accrued enough suspicious activity; unlike login there
// is no account yet to carry a RequireCaptcha override.
func (p *Pipeline) enforceRegistrationCaptcha(ctx context.Context, ip, captchaToken string) error {
	if p.captcha == nil || p.risk == nil {
		return nil
	}
	threshold := p.cfg.CaptchaTripThreshold
	if threshold <= 0 {
		threshold = risk.SuspiciousIPThreshold
	}
	suspicious, err := p.risk.SuspiciousIPCount(ctx, ip)
	if err != nil || suspicious < threshold {
		return nil
	}
	if captchaToken == "" {
		return errkind.New(errkind.CaptchaRequired, "captcha verification required")
	}
	ok, err := p.captcha.Verify(ctx, captchaToken, ip)
	if err != nil {
		return err
	}
	if !ok {
		return errkind.New(errkind.InvalidCaptcha, "captcha verification failed")
	}
	return nil
}

// ChangePassword verifies the current password, validates and stores the new
// one, then revokes every outstanding token for the account: a password
// change invalidates whatever may have been issued under the old credential.
func (p *Pipeline) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string, policy password.Policy) error {
	user, err := p.users.GetUser(ctx, userID)
	if err != nil || user == nil {
		return errkind.New(errkind.UserNotFound, "account not found")
	}
	match, err := password.Verify(user.PasswordHash, currentPassword)
	if err != nil || !match {
		return errkind.New(errkind.InvalidCredentials, "current password is incorrect")
	}
	if err := password.Validate(newPassword, policy); err != nil {
		return errkind.Wrap(errkind.InvalidCredentials, "password does not meet policy", err)
	}
	hash, err := password.Hash(newPassword)
	if err != nil {
		return errkind.Wrap(errkind.Internal, "failed to hash password", err)
	}
	if err := p.users.SetPassword(ctx, user.ID, hash, models.HashFamilyArgon2id); err != nil {
		return errkind.Wrap(errkind.Internal, "failed to store new password", err)
	}
	if err := p.issuer.RevokeAllForUser(ctx, user.ID, models.RevokeReasonPasswordChange); err != nil {
		return errkind.Wrap(errkind.Internal, "failed to revoke existing tokens", err)
	}
	p.recordEvent(ctx, &user.ID, user.Username, "password_change", "", "")
	return nil
}

// ResetPassword sets userID's password from a already-authenticated reset
// flow (the caller has already validated a PasswordResetToken), so unlike
// ChangePassword it does not require the current password.
func (p *Pipeline) ResetPassword(ctx context.Context, userID, newPassword string, policy password.Policy) error {
	user, err := p.users.GetUser(ctx, userID)
	if err != nil || user == nil {
		return errkind.New(errkind.UserNotFound, "account not found")
	}
	if err := password.Validate(newPassword, policy); err != nil {
		return errkind.Wrap(errkind.InvalidCredentials, "password does not meet policy", err)
	}
	hash, err := password.Hash(newPassword)
	if err != nil {
		return errkind.Wrap(errkind.Internal, "failed to hash password", err)
	}
	if err := p.users.SetPassword(ctx, user.ID, hash, models.HashFamilyArgon2id); err != nil {
		return errkind.Wrap(errkind.Internal, "failed to store new password", err)
	}
	if err := p.issuer.RevokeAllForUser(ctx, user.ID, models.RevokeReasonPasswordChange); err != nil {
		return errkind.Wrap(errkind.Internal, "failed to revoke existing tokens", err)
	}
	p.recordEvent(ctx, &user.ID, user.Username, "password_reset", "", "")
	return nil
}

// Logout revokes accessJTI (and, if refreshJTI is non-empty, the paired
// refresh token) and records a logout audit event.
func (p *Pipeline) Logout(ctx context.Context, userID, accessJTI, refreshJTI string, accessExpiresAt, refreshExpiresAt time.Time) error {
	if accessJTI != "" {
		if err := p.issuer.Revoke(ctx, accessJTI, userID, accessExpiresAt, models.RevokeReasonLogout); err != nil {
			return errkind.Wrap(errkind.Internal, "failed to revoke access token", err)
		}
	}
	if refreshJTI != "" {
		if err := p.issuer.Revoke(ctx, refreshJTI, userID, refreshExpiresAt, models.RevokeReasonLogout); err != nil {
			return errkind.Wrap(errkind.Internal, "failed to revoke refresh token", err)
		}
	}
	p.recordEvent(ctx, &userID, "", "logout", "", "")
	return nil
}

// RefreshAccessToken validates refreshToken and mints a fresh access token
// without re-running the anti-abuse pipeline (the refresh token's own
// validity, including revocation, is the trust anchor here).
func (p *Pipeline) RefreshAccessToken(ctx context.Context, refreshToken string) (*LoginResult, error) {
	claims, err := p.issuer.Validate(ctx, refreshToken, token.TypeRefresh)
	if err != nil {
		return nil, err
	}
	user, err := p.users.GetUser(ctx, claims.Subject)
	if err != nil || user == nil || !user.IsUsable() {
		return nil, errkind.New(errkind.InvalidCredentials, "account no longer usable")
	}
	access, _, err := p.issuer.IssueAccessToken(user.ID, user.RoleID)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "failed to issue access token", err)
	}
	return &LoginResult{AccessToken: access, RefreshToken: refreshToken, User: user}, nil
}

// checkIPRateLimit consumes one slot from the IP-keyed bucket. Callers must
// invoke this at most once per attempt — a second call would silently halve
// the effective rate limit for every request that also checks a user bucket.
func (p *Pipeline) checkIPRateLimit(ctx context.Context, ip string) error {
	if p.limiter == nil {
		return nil
	}
	ipResult, err := p.limiter.TryAcquire(ctx, ratelimit.IPKey(ip), p.cfg.RateLimitIPLimit, p.cfg.RateLimitIPWindow)
	if err != nil {
		return errkind.Wrap(errkind.RateLimiterUnavailable, "rate limiter unavailable", err)
	}
	if !ipResult.Admitted {
		return errkind.New(errkind.RateLimitExceeded, "too many login attempts from this address")
	}
	return nil
}

// checkUserRateLimit consumes one slot from the user-keyed bucket. It is a
// no-op until the caller has resolved a concrete userID.
func (p *Pipeline) checkUserRateLimit(ctx context.Context, userID string) error {
	if p.limiter == nil || userID == "" {
		return nil
	}
	userResult, err := p.limiter.TryAcquire(ctx, ratelimit.UserKey(userID), p.cfg.RateLimitUserLimit, p.cfg.RateLimitUserWindow)
	if err != nil {
		return errkind.Wrap(errkind.RateLimiterUnavailable, "rate limiter unavailable", err)
	}
	if !userResult.Admitted {
		return errkind.New(errkind.RateLimitExceeded, "too many login attempts for this account")
	}
	return nil
}

// enforceCaptcha requires a verified CAPTCHA when the account is flagged for
// it, or when the risk engine's live signals cross the configured trip
// points: the IP has accrued enough suspicious activity, or the account has
// enough recent failed logins. user.RequireCaptcha remains an explicit
// per-account override an operator can set independent of live signals.
func (p *Pipeline) enforceCaptcha(ctx context.Context, user *models.User, captchaToken, ip string) error {
	if p.captcha == nil {
		return nil
	}
	if !p.captchaRequired(ctx, user, ip) {
		return nil
	}
	if captchaToken == "" {
		return errkind.New(errkind.CaptchaRequired, "captcha verification required")
	}
	ok, err := p.captcha.Verify(ctx, captchaToken, ip)
	if err != nil {
		return err
	}
	if !ok {
		return errkind.New(errkind.InvalidCaptcha, "captcha verification failed")
	}
	return nil
}

func (p *Pipeline) captchaRequired(ctx context.Context, user *models.User, ip string) bool {
	if user.RequireCaptcha {
		return true
	}
	if p.risk == nil {
		return false
	}
	threshold := p.cfg.CaptchaTripThreshold
	if threshold <= 0 {
		threshold = risk.SuspiciousIPThreshold
	}
	if suspicious, err := p.risk.SuspiciousIPCount(ctx, ip); err == nil && suspicious >= threshold {
		return true
	}
	if failures, err := p.risk.RecentFailedLogins(ctx, user.ID, time.Now().Add(-risk.RecentFailureWindow)); err == nil && failures >= risk.RecentFailureThreshold {
		return true
	}
	return false
}

// checkAccountState rejects logins for deleted/disabled/expired/locked
// accounts. A timed lockout (LockedUntil) that has already passed is lifted
// here, resetting the failed-attempt counter so the account gets a fresh set
// of attempts instead of re-locking on the very next wrong password.
func (p *Pipeline) checkAccountState(ctx context.Context, user *models.User) error {
	if user.IsDeleted() {
		return errkind.New(errkind.UserNotFound, "account not found")
	}
	if user.Status == models.AccountDisabled {
		return errkind.New(errkind.AccountDisabled, "account disabled")
	}
	if user.Status == models.AccountExpired {
		return errkind.New(errkind.AccountExpired, "account expired")
	}
	if user.LockedUntil != nil && !time.Now().Before(*user.LockedUntil) {
		_ = p.users.ResetFailedLogin(ctx, user.ID)
		user.LockedUntil = nil
		user.FailedLoginCount = 0
	}
	if user.IsLocked() {
		return errkind.New(errkind.AccountLocked, "account locked")
	}
	return nil
}

func (p *Pipeline) evaluateRisk(ctx context.Context, user *models.User, ip, deviceFingerprint string) error {
	if p.risk == nil {
		return nil
	}
	verdict, err := p.risk.Score(ctx, risk.Input{
		UserID:            user.ID,
		IPAddress:         ip,
		DeviceFingerprint: deviceFingerprint,
		Timestamp:         time.Now(),
	})
	if err != nil {
		return errkind.Wrap(errkind.Internal, "risk scoring failed", err)
	}
	risk.AuditVerdict("", user.ID, user.Username, ip, verdict)
	if verdict.Recommendation == risk.Deny {
		return errkind.New(errkind.RiskDenied, "login denied by risk policy")
	}
	return nil
}

func (p *Pipeline) enforceMFA(ctx context.Context, user *models.User, code string) error {
	required := p.cfg.MFARequired || (user.MFAEnabled) || p.cfg.MFAEnforcedRoles[user.RoleID]
	if !required {
		return nil
	}
	if code == "" {
		return errkind.New(errkind.MFARequired, "multi-factor code required")
	}
	secret, err := p.mfa.GetTOTPSecret(ctx, user.ID)
	if err != nil || secret == nil || !secret.Enabled {
		return errkind.New(errkind.MFARequired, "multi-factor not enrolled")
	}
	plainSecret, err := mfa.DecryptSecret(secret.Secret, p.cfg.MFAEncryptionKey)
	if err != nil {
		return errkind.Wrap(errkind.Internal, "failed to decrypt multi-factor secret", err)
	}
	if !mfa.VerifyCode(plainSecret, code) {
		return errkind.New(errkind.MFARequired, "invalid multi-factor code")
	}
	return nil
}

func (p *Pipeline) completeLogin(ctx context.Context, user *models.User, ip, userAgent, deviceFingerprint, method string) (*LoginResult, error) {
	access, accessJTI, err := p.issuer.IssueAccessToken(user.ID, user.RoleID)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "failed to issue access token", err)
	}
	refresh, _, err := p.issuer.IssueRefreshToken(user.ID)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "failed to issue refresh token", err)
	}

	_ = p.users.ResetFailedLogin(ctx, user.ID)
	_ = p.users.RecordSuccessfulLogin(ctx, user.ID, ip)
	if p.risk != nil {
		_ = p.risk.Geo().RecordLogin(ctx, user.ID, ip)
		_ = p.risk.RecordDevice(ctx, user.ID, deviceFingerprint)
	}
	p.enforceSessionLimit(ctx, user.ID)
	_ = p.sessions.CreateSession(ctx, &models.Session{
		ID:           accessJTI,
		UserID:       user.ID,
		TokenID:      accessJTI,
		DeviceInfo:   deviceFingerprint,
		IPAddress:    ip,
		UserAgent:    userAgent,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
		ExpiresAt:    time.Now().Add(token.AccessTokenExpiry),
	})

	p.recordEvent(ctx, &user.ID, user.Username, "login_success", ip, userAgent)
	metrics.AuthLoginAttemptsTotal.WithLabelValues(method, "success").Inc()

	return &LoginResult{AccessToken: access, RefreshToken: refresh, User: user}, nil
}

func (p *Pipeline) enforceSessionLimit(ctx context.Context, userID string) {
	if p.cfg.MaxConcurrentSessions <= 0 {
		return
	}
	sessions, err := p.sessions.ListSessionsForUser(ctx, userID)
	if err != nil || len(sessions) < p.cfg.MaxConcurrentSessions {
		return
	}
	oldest := sessions[0]
	for _, s := range sessions[1:] {
		if s.CreatedAt.Before(oldest.CreatedAt) {
			oldest = s
		}
	}
	_ = p.sessions.DeleteSession(ctx, oldest.ID)
}

func (p *Pipeline) recordEvent(ctx context.Context, userID *string, username, eventType, ip, userAgent string) {
	if p.events == nil {
		return
	}
	_ = p.events.CreateAuthEvent(ctx, &models.AuthEvent{
		UserID:    userID,
		Username:  username,
		EventType: eventType,
		IPAddress: ip,
		UserAgent: userAgent,
		Timestamp: time.Now(),
	})
	userIDStr := ""
	if userID != nil {
		userIDStr = *userID
	}
	outcome := "success"
	if eventType == "login_failure" || eventType == "account_locked" {
		outcome = "failure"
	}
	audit.LogSecurityEvent("", userIDStr, username, ip, eventType, outcome, fmt.Sprintf("auth event: %s", eventType), 0)
}

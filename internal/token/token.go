// Package token issues and validates JWT access/refresh credentials and
// maintains the revoked-token set behind a two-tier cache.
package token

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kubilitics/authd/internal/errkind"
	"github.com/kubilitics/authd/internal/models"
	"github.com/kubilitics/authd/internal/pkg/metrics"
)

const (
	// AccessTokenExpiry and RefreshTokenExpiry are the credential lifetimes.
	AccessTokenExpiry  = 15 * time.Minute
	RefreshTokenExpiry = 7 * 24 * time.Hour

	// ClockSkew is the tolerance applied to exp/nbf/iat validation.
	ClockSkew = 10 * time.Second

	TypeAccess  = "access"
	TypeRefresh = "refresh"

	localRevocationTTL = time.Second
	localCacheSize     = 100_000
)

// Claims is the token's JWT payload.
type Claims struct {
	jwt.RegisteredClaims
	Type  string `json:"type"`
	Scope string `json:"scope,omitempty"`
}

// Config carries the issuer-level settings that are configuration, not
// per-token state.
type Config struct {
	Issuer   string
	Audience string
	Secret   string
}

// RevocationStore is the authoritative (tier-3) revocation backend.
type RevocationStore interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
	Revoke(ctx context.Context, revoked models.RevokedToken) error
	RevokeAllForUser(ctx context.Context, userID string, reason string) error
}

// SharedCache is the tier-2 revocation cache (e.g. Redis), consulted before
// falling back to the authoritative store.
type SharedCache interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
	MarkRevoked(ctx context.Context, jti string, ttl time.Duration) error
}

// UserLookup resolves the subject to confirm it's still usable.
type UserLookup interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
}

type localEntry struct {
	revoked  bool
	cachedAt time.Time
}

// Issuer issues and validates tokens, with a local-LRU → shared-cache →
// database revocation lookup chain: the local cache tolerates up to 1s
// staleness, the shared cache up to whatever its own TTL is, and the
// database is always consulted on a local miss.
type Issuer struct {
	cfg   Config
	store RevocationStore
	users UserLookup
	local *lru.Cache[string, localEntry]
	redis SharedCache // optional; nil in a single-process deployment
}

// New builds an Issuer.
func New(cfg Config, store RevocationStore, users UserLookup, redis SharedCache) (*Issuer, error) {
	local, err := lru.New[string, localEntry](localCacheSize)
	if err != nil {
		return nil, err
	}
	return &Issuer{cfg: cfg, store: store, users: users, local: local, redis: redis}, nil
}

// IssueAccessToken returns a signed access token for userID, embedding scope
// as a free-form claim (e.g. the user's role ID, for quick authorization
// checks that don't want to hit the RBAC resolver).
func (i *Issuer) IssueAccessToken(userID, scope string) (string, string, error) {
	return i.issue(userID, scope, TypeAccess, AccessTokenExpiry)
}

// IssueRefreshToken returns a signed refresh token for userID.
func (i *Issuer) IssueRefreshToken(userID string) (string, string, error) {
	return i.issue(userID, "", TypeRefresh, RefreshTokenExpiry)
}

// issue returns (signed token, jti, error).
func (i *Issuer) issue(userID, scope, typ string, ttl time.Duration) (string, string, error) {
	if i.cfg.Secret == "" {
		return "", "", fmt.Errorf("token: signing secret is required")
	}
	now := time.Now()
	jti := newJTI()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Audience:  jwt.ClaimStrings{i.cfg.Audience},
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
		Type:  typ,
		Scope: scope,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.cfg.Secret))
	if err != nil {
		return "", "", err
	}
	return signed, jti, nil
}

// Validate parses tokenString, checks every required claim, confirms the
// subject resolves to a usable user, and checks the revocation chain. Any
// failure revokes the token best-effort and returns an errkind error.
func (i *Issuer) Validate(ctx context.Context, tokenString, expectedType string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(i.cfg.Secret), nil
	}, jwt.WithLeeway(ClockSkew), jwt.WithIssuer(i.cfg.Issuer), jwt.WithAudience(i.cfg.Audience))
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidCredentials, "token parse/validation failed", err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errkind.New(errkind.InvalidCredentials, "invalid token")
	}
	if claims.ID == "" || claims.Subject == "" || claims.ExpiresAt == nil || claims.IssuedAt == nil || claims.NotBefore == nil {
		return nil, errkind.New(errkind.InvalidCredentials, "token missing required claims")
	}
	if claims.Type != expectedType {
		return nil, errkind.New(errkind.InvalidCredentials, "unexpected token type")
	}

	revoked, err := i.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "revocation check failed", err)
	}
	if revoked {
		return nil, errkind.New(errkind.InvalidCredentials, "token has been revoked")
	}

	user, err := i.users.GetUser(ctx, claims.Subject)
	if err != nil || user == nil || !user.IsUsable() {
		_ = i.Revoke(ctx, claims.ID, claims.Subject, claims.ExpiresAt.Time, models.RevokeReasonAccountDisabled)
		return nil, errkind.New(errkind.InvalidCredentials, "subject is not a usable account")
	}

	return claims, nil
}

// IsRevoked checks the local tier, then the shared tier, then the
// authoritative store, populating faster tiers on the way back up.
func (i *Issuer) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if entry, ok := i.local.Get(jti); ok && time.Since(entry.cachedAt) < localRevocationTTL {
		metrics.TokenRevocationCacheTier.WithLabelValues("local_lru").Inc()
		return entry.revoked, nil
	}

	if i.redis != nil {
		if revoked, err := i.redis.IsRevoked(ctx, jti); err == nil {
			metrics.TokenRevocationCacheTier.WithLabelValues("shared_store").Inc()
			i.local.Add(jti, localEntry{revoked: revoked, cachedAt: time.Now()})
			if revoked {
				return true, nil
			}
		}
	}

	metrics.TokenRevocationCacheTier.WithLabelValues("database").Inc()
	revoked, err := i.store.IsRevoked(ctx, jti)
	if err != nil {
		return false, err
	}
	i.local.Add(jti, localEntry{revoked: revoked, cachedAt: time.Now()})
	return revoked, nil
}

// Revoke marks jti revoked across all tiers. reason is one of the
// models.RevokeReason* constants.
func (i *Issuer) Revoke(ctx context.Context, jti, userID string, expiresAt time.Time, reason string) error {
	if err := i.store.Revoke(ctx, models.RevokedToken{
		TokenID:   jti,
		UserID:    userID,
		RevokedAt: time.Now(),
		ExpiresAt: expiresAt,
		Reason:    reason,
	}); err != nil {
		return err
	}
	i.local.Add(jti, localEntry{revoked: true, cachedAt: time.Now()})
	if i.redis != nil {
		ttl := time.Until(expiresAt)
		if ttl > 0 {
			_ = i.redis.MarkRevoked(ctx, jti, ttl)
		}
	}
	metrics.AuthTokenRevocationsTotal.WithLabelValues(reason).Inc()
	return nil
}

// RevokeAllForUser revokes every outstanding token for userID (password
// change, risk-triggered force-logout).
func (i *Issuer) RevokeAllForUser(ctx context.Context, userID, reason string) error {
	if err := i.store.RevokeAllForUser(ctx, userID, reason); err != nil {
		return err
	}
	metrics.AuthTokenRevocationsTotal.WithLabelValues(reason).Inc()
	return nil
}

func newJTI() string {
	return uuid.NewString()
}

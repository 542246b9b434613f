// Package oidc federates login to an upstream OpenID Connect identity
// provider: authd is a client of the upstream IdP here, not an
// implementation of the OIDC protocol itself.
package oidc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/kubilitics/authd/internal/models"
)

// Config carries the upstream provider and local mapping settings.
type Config struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       string // comma-separated
	GroupClaim   string
	// RoleMapping maps an upstream group name to a local role ID.
	RoleMapping map[string]string
	DefaultRoleID string
}

// UserStore is the subset of user persistence the federation flow needs.
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	CreateFederatedUser(ctx context.Context, u *models.User) error
	UpdateUserRole(ctx context.Context, userID, roleID string) error
}

// Provider wraps an upstream OIDC provider and OAuth2 config.
type Provider struct {
	provider     *oidc.Provider
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	cfg          Config
	users        UserStore

	mu         sync.Mutex
	stateStore map[string]time.Time
}

// NewProvider discovers the issuer's configuration and builds a Provider.
func NewProvider(ctx context.Context, cfg Config, users UserStore) (*Provider, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("oidc: issuer URL not configured")
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	scopes := splitScopes(cfg.Scopes)
	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       scopes,
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})

	p := &Provider{
		provider:     provider,
		oauth2Config: oauth2Config,
		verifier:     verifier,
		cfg:          cfg,
		users:        users,
		stateStore:   make(map[string]time.Time),
	}
	go p.cleanupStates(ctx)
	return p, nil
}

func splitScopes(raw string) []string {
	parts := strings.Split(raw, ",")
	scopes := make([]string, 0, len(parts))
	for _, s := range parts {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	if len(scopes) == 0 {
		return []string{oidc.ScopeOpenID, "profile", "email"}
	}
	return scopes
}

// GenerateState returns a fresh CSRF state token, valid for 10 minutes.
func (p *Provider) GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	state := base64.URLEncoding.EncodeToString(b)
	p.mu.Lock()
	p.stateStore[state] = time.Now().Add(10 * time.Minute)
	p.mu.Unlock()
	return state, nil
}

// ValidateState validates and consumes a state token; a state may only be
// redeemed once.
func (p *Provider) ValidateState(state string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	expiry, exists := p.stateStore[state]
	delete(p.stateStore, state)
	if !exists {
		return false
	}
	return time.Now().Before(expiry)
}

func (p *Provider) cleanupStates(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			now := time.Now()
			for state, expiry := range p.stateStore {
				if now.After(expiry) {
					delete(p.stateStore, state)
				}
			}
			p.mu.Unlock()
		}
	}
}

// AuthCodeURL returns the upstream authorization URL for state.
func (p *Provider) AuthCodeURL(state string) string {
	return p.oauth2Config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// ExchangeCode exchanges an authorization code for tokens.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	return p.oauth2Config.Exchange(ctx, code)
}

// VerifyIDToken verifies the ID token embedded in token and returns its claims.
func (p *Provider) VerifyIDToken(ctx context.Context, token *oauth2.Token) (*oidc.IDToken, map[string]interface{}, error) {
	raw, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, nil, fmt.Errorf("id_token not found in token response")
	}
	idToken, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to verify ID token: %w", err)
	}
	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, nil, fmt.Errorf("failed to parse ID token claims: %w", err)
	}
	return idToken, claims, nil
}

// GetUserInfo fetches the userinfo endpoint's response for token.
func (p *Provider) GetUserInfo(ctx context.Context, token *oauth2.Token) (*oidc.UserInfo, error) {
	return p.provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
}

// ParseRoleMapping parses a JSON-encoded group→role map from
// configuration, tolerating an empty string (no mapping configured).
func ParseRoleMapping(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ResolveUser maps OIDC claims to a local user, creating one on first login
// (federated users have no password — PasswordHash stays empty) and
// refreshing its role from the upstream group claim on subsequent logins.
func (p *Provider) ResolveUser(ctx context.Context, claims map[string]interface{}, userInfo *oidc.UserInfo) (*models.User, error) {
	email := ""
	if userInfo != nil && userInfo.Email != "" {
		email = userInfo.Email
	} else if e, ok := claims["email"].(string); ok {
		email = e
	}
	sub, _ := claims["sub"].(string)
	if email == "" && sub == "" {
		return nil, fmt.Errorf("oidc: no email or sub claim in response")
	}

	username := email
	if username == "" {
		username = sub
	}

	roleID := p.resolveRole(claims)

	user, err := p.users.GetUserByUsername(ctx, username)
	if err == nil && user != nil {
		if user.RoleID != roleID && roleID != "" {
			if err := p.users.UpdateUserRole(ctx, user.ID, roleID); err != nil {
				slog.Warn("failed to refresh federated user role", "user", user.ID, "error", err)
			} else {
				user.RoleID = roleID
			}
		}
		return user, nil
	}

	newUser := &models.User{
		ID:         "oidc-" + sub,
		ExternalID: sub,
		Username:   username,
		Email:      email,
		RoleID:     roleID,
		Status:     models.AccountActive,
	}
	if err := p.users.CreateFederatedUser(ctx, newUser); err != nil {
		return nil, err
	}
	return newUser, nil
}

func (p *Provider) resolveRole(claims map[string]interface{}) string {
	var groups []string
	if p.cfg.GroupClaim != "" {
		switch v := claims[p.cfg.GroupClaim].(type) {
		case []interface{}:
			for _, g := range v {
				if s, ok := g.(string); ok {
					groups = append(groups, s)
				}
			}
		case string:
			groups = []string{v}
		}
	}
	for _, g := range groups {
		if role, ok := p.cfg.RoleMapping[g]; ok {
			return role
		}
	}
	return p.cfg.DefaultRoleID
}

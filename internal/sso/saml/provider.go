// Package saml federates login to an upstream SAML identity provider.
// authd acts as the Service Provider (SP); it does not implement IdP-side
// protocol behavior.
package saml

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/crewjam/saml"
	"github.com/crewjam/saml/samlsp"

	"github.com/kubilitics/authd/internal/models"
)

// Config carries the SP's own keypair and the upstream IdP's metadata
// location, plus the attribute/role mapping.
type Config struct {
	IdpMetadataURL string
	IdpEntityID    string
	Certificate    string // PEM
	PrivateKey     string // PEM
	AttributeMapping map[string]string
	RoleMapping      map[string]string
	DefaultRoleID    string
}

// UserStore is the subset of user persistence the federation flow needs.
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUser(ctx context.Context, userID string) (*models.User, error)
	CreateFederatedUser(ctx context.Context, u *models.User) error
	UpdateUserRole(ctx context.Context, userID, roleID string) error
}

// pendingRequest tracks one outstanding AuthnRequest for later validation.
type pendingRequest struct {
	relayState string
	createdAt  time.Time
}

// Provider wraps a SAML Service Provider and request-state tracking.
type Provider struct {
	sp    *samlsp.Middleware
	cfg   Config
	users UserStore

	mu       sync.Mutex
	requests map[string]pendingRequest
}

// NewProvider fetches the upstream IdP metadata and builds the SP.
func NewProvider(ctx context.Context, cfg Config, users UserStore) (*Provider, error) {
	if cfg.IdpMetadataURL == "" {
		return nil, fmt.Errorf("saml: IdP metadata URL not configured")
	}

	certBlock, _ := pem.Decode([]byte(cfg.Certificate))
	if certBlock == nil {
		return nil, fmt.Errorf("failed to parse SAML certificate")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	keyBlock, _ := pem.Decode([]byte(cfg.PrivateKey))
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to parse SAML private key")
	}
	keyInterface, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		keyInterface, err = x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
	}
	key, ok := keyInterface.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key does not implement crypto.Signer")
	}

	idpMetadataURL, err := url.Parse(cfg.IdpMetadataURL)
	if err != nil {
		return nil, fmt.Errorf("invalid IdP metadata URL: %w", err)
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}
	idpMetadata, err := samlsp.FetchMetadata(ctx, httpClient, *idpMetadataURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch IdP metadata: %w", err)
	}

	opts := samlsp.Options{
		URL:         *idpMetadataURL,
		Key:         key,
		Certificate: cert,
		IDPMetadata: idpMetadata,
	}
	if cfg.IdpEntityID != "" {
		opts.EntityID = cfg.IdpEntityID
	}

	sp, err := samlsp.New(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create SAML SP: %w", err)
	}

	if cfg.AttributeMapping == nil {
		cfg.AttributeMapping = defaultAttributeMapping()
	}

	p := &Provider{sp: sp, cfg: cfg, users: users, requests: make(map[string]pendingRequest)}
	go p.cleanupRequests(ctx)
	return p, nil
}

func defaultAttributeMapping() map[string]string {
	return map[string]string{
		"email":    "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress",
		"username": "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/name",
		"groups":   "http://schemas.microsoft.com/ws/2008/06/identity/claims/groups",
	}
}

// GenerateAuthnRequestID returns a random request correlation ID.
func (p *Provider) GenerateAuthnRequestID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// StoreAuthnRequest records a pending AuthnRequest for later RelayState
// validation.
func (p *Provider) StoreAuthnRequest(id, relayState string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests[id] = pendingRequest{relayState: relayState, createdAt: time.Now()}
}

// TakeAuthnRequest returns and removes the pending request for id.
func (p *Provider) TakeAuthnRequest(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.requests[id]
	delete(p.requests, id)
	if !ok || time.Since(req.createdAt) > 10*time.Minute {
		return "", false
	}
	return req.relayState, true
}

func (p *Provider) cleanupRequests(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			now := time.Now()
			for id, req := range p.requests {
				if now.Sub(req.createdAt) > 10*time.Minute {
					delete(p.requests, id)
				}
			}
			p.mu.Unlock()
		}
	}
}

// ResolveUser maps a validated SAML assertion to a local user, creating one
// on first login and refreshing its role from the groups attribute on
// subsequent logins.
func (p *Provider) ResolveUser(ctx context.Context, assertion *saml.Assertion) (*models.User, error) {
	attributes := make(map[string][]string)
	for _, statement := range assertion.AttributeStatements {
		for _, attr := range statement.Attributes {
			values := make([]string, len(attr.Values))
			for i, v := range attr.Values {
				values[i] = v.Value
			}
			attributes[attr.Name] = values
		}
	}

	email := firstAttribute(attributes, p.cfg.AttributeMapping["email"], "email", "EmailAddress")
	if email == "" {
		return nil, fmt.Errorf("saml: email attribute not found in assertion")
	}
	username := firstAttribute(attributes, p.cfg.AttributeMapping["username"], "name", "NameID")
	if username == "" {
		username = email
	}
	groups := attributes[p.cfg.AttributeMapping["groups"]]
	if groups == nil {
		groups = attributes["groups"]
	}

	roleID := p.cfg.DefaultRoleID
	for _, g := range groups {
		if mapped, ok := p.cfg.RoleMapping[g]; ok {
			roleID = mapped
			break
		}
	}

	var nameID string
	if assertion.Subject != nil && assertion.Subject.NameID != nil {
		nameID = assertion.Subject.NameID.Value
	}
	userID := "saml-" + nameID

	if user, err := p.users.GetUserByUsername(ctx, username); err == nil && user != nil {
		p.refreshRole(ctx, user, roleID)
		return user, nil
	}
	if user, err := p.users.GetUser(ctx, userID); err == nil && user != nil {
		p.refreshRole(ctx, user, roleID)
		return user, nil
	}

	user := &models.User{
		ID:         userID,
		ExternalID: nameID,
		Username:   username,
		Email:      email,
		RoleID:     roleID,
		Status:     models.AccountActive,
	}
	if err := p.users.CreateFederatedUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (p *Provider) refreshRole(ctx context.Context, user *models.User, roleID string) {
	if roleID == "" || user.RoleID == roleID {
		return
	}
	if err := p.users.UpdateUserRole(ctx, user.ID, roleID); err == nil {
		user.RoleID = roleID
	}
}

func firstAttribute(attributes map[string][]string, keys ...string) string {
	for _, k := range keys {
		if k == "" {
			continue
		}
		if vals, ok := attributes[k]; ok && len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}

// ServiceProvider returns the underlying samlsp.Middleware for wiring into
// the HTTP router (ACS endpoint, metadata endpoint).
func (p *Provider) ServiceProvider() *samlsp.Middleware {
	return p.sp
}

// IdpEntityID returns the configured IdP entity ID, if known.
func (p *Provider) IdpEntityID() string {
	if p.sp == nil {
		return ""
	}
	return p.sp.ServiceProvider.EntityID
}

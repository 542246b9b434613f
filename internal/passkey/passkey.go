// Package passkey implements WebAuthn passkey registration and
// authentication ceremonies: per-user credential state (None,
// RegistrationChallenged, Registered) and per-attempt state (Idle,
// Challenged, Verified, Failed).
package passkey

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/kubilitics/authd/internal/errkind"
	"github.com/kubilitics/authd/internal/models"
	"github.com/kubilitics/authd/internal/pkg/audit"
)

const (
	purposeRegister = "register"
	purposeAuth     = "auth"
)

// Store is the credential persistence surface the ceremony needs.
type Store interface {
	ListCredentials(ctx context.Context, userID string) ([]models.PasskeyCredential, error)
	GetCredentialByID(ctx context.Context, credentialID []byte) (*models.PasskeyCredential, error)
	CreateCredential(ctx context.Context, c *models.PasskeyCredential) error
	UpdateCredentialCounter(ctx context.Context, credentialID []byte, counter uint32) error
	MarkCredentialCompromised(ctx context.Context, credentialID []byte) error
}

// UserLookup resolves the WebAuthn-relevant fields of a user, kept separate
// from the user repository so this package doesn't need the full user
// model surface.
type UserLookup interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
}

// webauthnUser adapts a models.User plus its credentials to webauthn.User.
type webauthnUser struct {
	user        *models.User
	credentials []models.PasskeyCredential
}

func (u *webauthnUser) WebAuthnID() []byte                { return []byte(u.user.ExternalID) }
func (u *webauthnUser) WebAuthnName() string              { return u.user.Username }
func (u *webauthnUser) WebAuthnDisplayName() string        { return u.user.Username }
func (u *webauthnUser) WebAuthnIcon() string               { return "" }
func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential {
	out := make([]webauthn.Credential, len(u.credentials))
	for i, c := range u.credentials {
		out[i] = webauthn.Credential{
			ID:        c.CredentialID,
			PublicKey: c.PublicKey,
			Authenticator: webauthn.Authenticator{
				AAGUID:    c.AAGUID,
				SignCount: c.SignCount,
			},
		}
	}
	return out
}

// Ceremony drives passkey registration and authentication against a
// configured relying party.
type Ceremony struct {
	webAuthn   *webauthn.WebAuthn
	store      Store
	users      UserLookup
	challenges ChallengeStore
}

// Config mirrors the configuration the relying party needs.
type Config struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
}

// New builds a Ceremony. cfg.RPOrigins must exactly match the origin the
// browser reports, or every finish call fails at origin validation.
func New(cfg Config, store Store, users UserLookup, challenges ChallengeStore) (*Ceremony, error) {
	w, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, err
	}
	return &Ceremony{webAuthn: w, store: store, users: users, challenges: challenges}, nil
}

// BeginRegistration generates CreationOptions for userID and stores the
// associated session data under (user, register) with a 5-minute TTL.
func (c *Ceremony) BeginRegistration(ctx context.Context, userID string) (*protocol.CredentialCreation, error) {
	user, err := c.users.GetUser(ctx, userID)
	if err != nil || user == nil {
		return nil, errkind.New(errkind.UserNotFound, "user not found")
	}
	creds, err := c.store.ListCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	wu := &webauthnUser{user: user, credentials: creds}

	options, session, err := c.webAuthn.BeginRegistration(
		wu,
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			UserVerification: protocol.VerificationPreferred,
			ResidentKey:      protocol.ResidentKeyRequirementPreferred,
		}),
		webauthn.WithConveyancePreference(protocol.PreferNoAttestation),
		webauthn.WithExclusions(existingCredentialDescriptors(wu.WebAuthnCredentials())),
	)
	if err != nil {
		return nil, errkind.Wrap(errkind.PasskeyValidationFailed, "failed to begin registration", err)
	}

	if err := c.storeSession(ctx, Key(userID, purposeRegister), session); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishRegistration validates the attestation response against the stored
// challenge and persists the credential with counter=0 on success. Any
// failure removes the pending challenge (consumed regardless of outcome)
// and returns PasskeyValidationFailed.
func (c *Ceremony) FinishRegistration(ctx context.Context, userID string, r *http.Request) (*models.PasskeyCredential, error) {
	user, err := c.users.GetUser(ctx, userID)
	if err != nil || user == nil {
		return nil, errkind.New(errkind.UserNotFound, "user not found")
	}

	session, err := c.takeSession(ctx, Key(userID, purposeRegister))
	if err != nil {
		return nil, errkind.Wrap(errkind.PasskeyValidationFailed, "registration challenge missing or expired", err)
	}

	creds, err := c.store.ListCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	wu := &webauthnUser{user: user, credentials: creds}

	credential, err := c.webAuthn.FinishRegistration(wu, *session, r)
	if err != nil {
		return nil, errkind.Wrap(errkind.PasskeyValidationFailed, "attestation validation failed", err)
	}

	if existing, err := c.store.GetCredentialByID(ctx, credential.ID); err == nil && existing != nil {
		return nil, errkind.New(errkind.PasskeyValidationFailed, "credential already registered")
	}

	pc := &models.PasskeyCredential{
		UserID:           userID,
		CredentialID:     credential.ID,
		PublicKey:        credential.PublicKey,
		AttestationType:  credential.AttestationType,
		AAGUID:           credential.Authenticator.AAGUID,
		SignCount:        credential.Authenticator.SignCount,
		CreatedAt:        time.Now(),
	}
	if err := c.store.CreateCredential(ctx, pc); err != nil {
		return nil, err
	}
	return pc, nil
}

// BeginAuthentication generates RequestOptions. If userID is non-empty,
// allowCredentials is scoped to that user's registered credentials;
// otherwise it's left empty for resident-key (usernameless) discovery.
func (c *Ceremony) BeginAuthentication(ctx context.Context, userID string) (*protocol.CredentialAssertion, string, error) {
	var wu *webauthnUser
	if userID != "" {
		user, err := c.users.GetUser(ctx, userID)
		if err != nil || user == nil {
			return nil, "", errkind.New(errkind.UserNotFound, "user not found")
		}
		creds, err := c.store.ListCredentials(ctx, userID)
		if err != nil {
			return nil, "", err
		}
		wu = &webauthnUser{user: user, credentials: creds}
	}

	var options *protocol.CredentialAssertion
	var session *webauthn.SessionData
	var err error
	if wu != nil {
		options, session, err = c.webAuthn.BeginLogin(wu, webauthn.WithUserVerification(protocol.VerificationPreferred))
	} else {
		options, session, err = c.webAuthn.BeginDiscoverableLogin(webauthn.WithUserVerification(protocol.VerificationPreferred))
	}
	if err != nil {
		return nil, "", errkind.Wrap(errkind.PasskeyValidationFailed, "failed to begin authentication", err)
	}

	key := Key(userID, purposeAuth)
	if err := c.storeSession(ctx, key, session); err != nil {
		return nil, "", err
	}
	return options, key, nil
}

// FinishAuthentication resolves the credential by ID, verifies the
// assertion, and on success atomically updates the counter and lastUsed
// timestamp. A non-increasing counter (except the 0→0 first-use case) is
// treated as a cloned-authenticator signal: the credential is marked
// compromised, a SecurityEvent is logged, and the attempt is rejected.
func (c *Ceremony) FinishAuthentication(ctx context.Context, sessionKey, requestID, ipAddress string, r *http.Request) (*models.User, error) {
	session, err := c.takeSession(ctx, sessionKey)
	if err != nil {
		return nil, errkind.Wrap(errkind.PasskeyValidationFailed, "authentication challenge missing or expired", err)
	}

	loadUser := func(rawID, userHandle []byte) (webauthn.User, error) {
		cred, err := c.store.GetCredentialByID(ctx, rawID)
		if err != nil || cred == nil {
			return nil, errkind.New(errkind.PasskeyValidationFailed, "unknown credential")
		}
		user, err := c.users.GetUser(ctx, cred.UserID)
		if err != nil || user == nil {
			return nil, errkind.New(errkind.UserNotFound, "user not found")
		}
		creds, err := c.store.ListCredentials(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		return &webauthnUser{user: user, credentials: creds}, nil
	}

	var validatedCred *webauthn.Credential
	validatedUser, validatedCred, err := c.webAuthn.FinishPasskeyLogin(loadUser, *session, r)
	if err != nil {
		return nil, errkind.Wrap(errkind.PasskeyValidationFailed, "assertion validation failed", err)
	}

	wu, ok := validatedUser.(*webauthnUser)
	if !ok {
		return nil, errkind.New(errkind.Internal, "unexpected user type from webauthn library")
	}

	var matched *models.PasskeyCredential
	for i := range wu.credentials {
		if string(wu.credentials[i].CredentialID) == string(validatedCred.ID) {
			matched = &wu.credentials[i]
			break
		}
	}
	if matched == nil {
		return nil, errkind.New(errkind.PasskeyValidationFailed, "credential not found on user")
	}

	newCounter := validatedCred.Authenticator.SignCount
	if newCounter <= matched.SignCount && !(newCounter == 0 && matched.SignCount == 0) {
		_ = c.store.MarkCredentialCompromised(ctx, matched.CredentialID)
		audit.LogSecurityEvent(requestID, wu.user.ID, wu.user.Username, ipAddress,
			models.EventTypePasskeyCounterRegression, "denied",
			"authenticator signature counter did not increase", 0)
		return nil, errkind.New(errkind.PasskeyValidationFailed, "signature counter regression detected")
	}

	if err := c.store.UpdateCredentialCounter(ctx, matched.CredentialID, newCounter); err != nil {
		return nil, err
	}
	return wu.user, nil
}

func (c *Ceremony) storeSession(ctx context.Context, key string, session *webauthn.SessionData) error {
	b, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return c.challenges.Put(ctx, key, b, challengeTTL)
}

func (c *Ceremony) takeSession(ctx context.Context, key string) (*webauthn.SessionData, error) {
	b, err := c.challenges.Take(ctx, key)
	if err != nil {
		return nil, err
	}
	var session webauthn.SessionData
	if err := json.Unmarshal(b, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func existingCredentialDescriptors(creds []webauthn.Credential) []protocol.CredentialDescriptor {
	out := make([]protocol.CredentialDescriptor, len(creds))
	for i, c := range creds {
		out[i] = protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: c.ID,
		}
	}
	return out
}

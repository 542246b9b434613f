package rest

import (
	"context"
	"encoding/xml"
	"net/http"

	"github.com/crewjam/saml"
	"github.com/gorilla/mux"

	"github.com/kubilitics/authd/internal/config"
	"github.com/kubilitics/authd/internal/models"
	ssosaml "github.com/kubilitics/authd/internal/sso/saml"
	"github.com/kubilitics/authd/internal/token"
)

// SAMLHandler federates login to an upstream SAML 2.0 identity provider.
type SAMLHandler struct {
	provider *ssosaml.Provider
	issuer   *token.Issuer
}

// NewSAMLHandler parses the SP keypair, fetches the configured upstream
// IdP's metadata, and builds a handler, or returns (nil, nil) when SAML
// federation is disabled.
func NewSAMLHandler(ctx context.Context, cfg *config.Config, users ssosaml.UserStore, issuer *token.Issuer) (*SAMLHandler, error) {
	if !cfg.SAMLEnabled {
		return nil, nil
	}
	provider, err := ssosaml.NewProvider(ctx, ssosaml.Config{
		IdpMetadataURL: cfg.SAMLIdpMetadataURL,
		IdpEntityID:    cfg.SAMLIdpEntityID,
		Certificate:    cfg.SAMLCertificate,
		PrivateKey:     cfg.SAMLPrivateKey,
		DefaultRoleID:  cfg.SAMLDefaultRoleID,
	}, users)
	if err != nil {
		return nil, err
	}
	return &SAMLHandler{provider: provider, issuer: issuer}, nil
}

// RegisterRoutes registers the federated login routes.
func (h *SAMLHandler) RegisterRoutes(router *mux.Router) {
	if h == nil {
		return
	}
	router.HandleFunc("/auth/saml/login", h.Login).Methods("GET")
	router.HandleFunc("/auth/saml/acs", h.AssertionConsumerService).Methods("POST")
	router.HandleFunc("/auth/saml/slo", h.SingleLogout).Methods("POST", "GET")
	router.HandleFunc("/auth/saml/metadata", h.Metadata).Methods("GET")
}

// Login redirects the caller to the upstream IdP's single sign-on endpoint.
func (h *SAMLHandler) Login(w http.ResponseWriter, r *http.Request) {
	relayState := r.URL.Query().Get("relay_state")
	if relayState == "" {
		relayState = "/"
	}
	requestID, err := h.provider.GenerateAuthnRequestID()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to generate request id")
		return
	}
	h.provider.StoreAuthnRequest(requestID, relayState)

	sp := h.provider.ServiceProvider()
	idpSSOURL := ""
	if sp.ServiceProvider.IDPMetadata != nil && len(sp.ServiceProvider.IDPMetadata.IDPSSODescriptors) > 0 {
		for _, endpoint := range sp.ServiceProvider.IDPMetadata.IDPSSODescriptors[0].SingleSignOnServices {
			if endpoint.Binding == saml.HTTPRedirectBinding {
				idpSSOURL = endpoint.Location
				break
			}
		}
	}
	if idpSSOURL == "" {
		respondError(w, http.StatusInternalServerError, "idp sso url not found in metadata")
		return
	}

	authnRequest, err := sp.ServiceProvider.MakeAuthenticationRequest(idpSSOURL, saml.HTTPRedirectBinding, saml.HTTPPostBinding)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to build authn request: "+err.Error())
		return
	}
	redirectURL, err := authnRequest.Redirect(relayState, &sp.ServiceProvider)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to build redirect: "+err.Error())
		return
	}
	http.Redirect(w, r, redirectURL.String(), http.StatusFound)
}

// AssertionConsumerService validates the IdP's SAML response, resolves the
// local user, and issues authd tokens in its place.
func (h *SAMLHandler) AssertionConsumerService(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sp := h.provider.ServiceProvider()

	assertion, err := sp.ServiceProvider.ParseResponse(r, []string{""})
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse saml response: "+err.Error())
		return
	}

	user, err := h.provider.ResolveUser(ctx, assertion)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to resolve user: "+err.Error())
		return
	}

	accessToken, _, err := h.issuer.IssueAccessToken(user.ID, "")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to issue access token")
		return
	}
	refreshToken, _, err := h.issuer.IssueRefreshToken(user.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to issue refresh token")
		return
	}

	respondJSON(w, http.StatusOK, loginResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		UserID:       user.ID,
		Username:     user.Username,
	})
}

// SingleLogout handles IdP-initiated and SP-initiated SAML logout by
// revoking every outstanding authd token for the associated user; authd
// has no separate SAML session store to clear.
func (h *SAMLHandler) SingleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sp := h.provider.ServiceProvider()

	if r.Method == http.MethodPost {
		var logoutRequest saml.LogoutRequest
		if err := xml.NewDecoder(r.Body).Decode(&logoutRequest); err != nil {
			respondError(w, http.StatusBadRequest, "failed to parse logout request: "+err.Error())
			return
		}
		if logoutRequest.NameID != nil {
			userID := "saml-" + logoutRequest.NameID.Value
			_ = h.issuer.RevokeAllForUser(ctx, userID, models.RevokeReasonLogout)
		}
		logoutResponse, err := sp.ServiceProvider.MakeLogoutResponse(logoutRequest.ID, saml.HTTPPostBinding)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to build logout response: "+err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(logoutResponse.Post("")))
		return
	}

	claims := token.ClaimsFromContext(ctx)
	if claims == nil {
		respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	_ = h.issuer.RevokeAllForUser(ctx, claims.Subject, models.RevokeReasonLogout)
	respondJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// Metadata returns the service provider's SAML metadata document.
func (h *SAMLHandler) Metadata(w http.ResponseWriter, r *http.Request) {
	sp := h.provider.ServiceProvider()
	metadata := sp.ServiceProvider.Metadata()

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	encoder := xml.NewEncoder(w)
	encoder.Indent("", "  ")
	if err := encoder.Encode(metadata); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to marshal metadata: "+err.Error())
	}
}

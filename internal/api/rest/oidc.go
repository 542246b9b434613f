package rest

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kubilitics/authd/internal/config"
	ssoidc "github.com/kubilitics/authd/internal/sso/oidc"
	"github.com/kubilitics/authd/internal/token"
)

// OIDCHandler federates login to an upstream OpenID Connect provider.
type OIDCHandler struct {
	provider *ssoidc.Provider
	issuer   *token.Issuer
}

// NewOIDCHandler discovers the configured upstream issuer and builds a
// handler, or returns (nil, nil) when OIDC federation is disabled.
func NewOIDCHandler(ctx context.Context, cfg *config.Config, users ssoidc.UserStore, issuer *token.Issuer) (*OIDCHandler, error) {
	if !cfg.OIDCEnabled {
		return nil, nil
	}
	roleMapping, err := ssoidc.ParseRoleMapping(cfg.OIDCRoleMapping)
	if err != nil {
		return nil, err
	}
	provider, err := ssoidc.NewProvider(ctx, ssoidc.Config{
		IssuerURL:     cfg.OIDCIssuerURL,
		ClientID:      cfg.OIDCClientID,
		ClientSecret:  cfg.OIDCClientSecret,
		RedirectURL:   cfg.OIDCRedirectURL,
		Scopes:        cfg.OIDCScopes,
		GroupClaim:    cfg.OIDCGroupClaim,
		RoleMapping:   roleMapping,
		DefaultRoleID: cfg.OIDCDefaultRoleID,
	}, users)
	if err != nil {
		return nil, err
	}
	return &OIDCHandler{provider: provider, issuer: issuer}, nil
}

// RegisterRoutes registers the federated login routes.
func (h *OIDCHandler) RegisterRoutes(router *mux.Router) {
	if h == nil {
		return
	}
	router.HandleFunc("/auth/oidc/login", h.Login).Methods("GET")
	router.HandleFunc("/auth/oidc/callback", h.Callback).Methods("GET")
}

// Login redirects the caller to the upstream authorization endpoint.
func (h *OIDCHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := h.provider.GenerateState()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to generate state")
		return
	}
	http.Redirect(w, r, h.provider.AuthCodeURL(state), http.StatusFound)
}

// Callback exchanges the authorization code, resolves the local user, and
// issues authd tokens in its place.
func (h *OIDCHandler) Callback(w http.ResponseWriter, r *http.Request) {
	if errParam := r.URL.Query().Get("error"); errParam != "" {
		respondError(w, http.StatusBadRequest, "oidc error: "+errParam)
		return
	}
	if !h.provider.ValidateState(r.URL.Query().Get("state")) {
		respondError(w, http.StatusBadRequest, "invalid state parameter")
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		respondError(w, http.StatusBadRequest, "authorization code not provided")
		return
	}

	ctx := r.Context()
	oauthToken, err := h.provider.ExchangeCode(ctx, code)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to exchange code: "+err.Error())
		return
	}
	_, claims, err := h.provider.VerifyIDToken(ctx, oauthToken)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to verify id token: "+err.Error())
		return
	}
	userInfo, err := h.provider.GetUserInfo(ctx, oauthToken)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to fetch user info: "+err.Error())
		return
	}
	user, err := h.provider.ResolveUser(ctx, claims, userInfo)
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

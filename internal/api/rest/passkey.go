package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kubilitics/authd/internal/authn"
	"github.com/kubilitics/authd/internal/errkind"
	"github.com/kubilitics/authd/internal/passkey"
	"github.com/kubilitics/authd/internal/repository"
	"github.com/kubilitics/authd/internal/token"
)

// PasskeyHandler serves WebAuthn passkey registration (for an already
// authenticated user adding a credential) and passwordless login.
type PasskeyHandler struct {
	ceremony *passkey.Ceremony
	pipeline *authn.Pipeline
	repo     repository.Repository
}

// NewPasskeyHandler builds a PasskeyHandler.
func NewPasskeyHandler(ceremony *passkey.Ceremony, pipeline *authn.Pipeline, repo repository.Repository) *PasskeyHandler {
	return &PasskeyHandler{ceremony: ceremony, pipeline: pipeline, repo: repo}
}

// RegisterRoutes registers the passkey ceremony routes. Registration and
// credential-management endpoints require an authenticated session
// (middleware.Auth); the login endpoints are unauthenticated by design,
// like /auth/login.
func (h *PasskeyHandler) RegisterRoutes(router *mux.Router) {
	if h == nil {
		return
	}
	router.HandleFunc("/auth/passkey/register/begin", h.BeginRegistration).Methods("POST")
	router.HandleFunc("/auth/passkey/register/finish", h.FinishRegistration).Methods("POST")
	router.HandleFunc("/auth/passkey/login/begin", h.BeginAuthentication).Methods("POST")
	router.HandleFunc("/auth/passkey/login/finish", h.FinishAuthentication).Methods("POST")
	router.HandleFunc("/profile/passkeys", h.ListCredentials).Methods("GET")
	router.HandleFunc("/profile/passkeys/{credentialId}", h.DeleteCredential).Methods("DELETE")
}

// BeginRegistration issues WebAuthn CredentialCreationOptions for the
// caller's own account.
func (h *PasskeyHandler) BeginRegistration(w http.ResponseWriter, r *http.Request) {
	claims := token.ClaimsFromContext(r.Context())
	if claims == nil || claims.Subject == "" {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	options, err := h.ceremony.BeginRegistration(r.Context(), claims.Subject)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, options)
}

// FinishRegistration validates the attestation response and persists the
// new credential.
func (h *PasskeyHandler) FinishRegistration(w http.ResponseWriter, r *http.Request) {
	claims := token.ClaimsFromContext(r.Context())
	if claims == nil || claims.Subject == "" {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	cred, err := h.ceremony.FinishRegistration(r.Context(), claims.Subject, r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, cred)
}

type passkeyLoginBeginRequest struct {
	Username string `json:"username,omitempty"`
}

type passkeyLoginBeginResponse struct {
	Options   json.RawMessage `json:"options"`
	SessionID string          `json:"sessionId"`
}

// BeginAuthentication issues CredentialRequestOptions. An empty username
// requests resident-key (usernameless) discoverable login.
func (h *PasskeyHandler) BeginAuthentication(w http.ResponseWriter, r *http.Request) {
	var req passkeyLoginBeginRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	userID := ""
	if req.Username != "" {
		user, err := h.repo.GetUserByUsername(r.Context(), req.Username)
		if err != nil || user == nil {
			respondError(w, http.StatusUnauthorized, "invalid username")
			return
		}
		userID = user.ID
	}

	options, sessionID, err := h.ceremony.BeginAuthentication(r.Context(), userID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	raw, err := json.Marshal(options)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to encode assertion options")
		return
	}
	respondJSON(w, http.StatusOK, passkeyLoginBeginResponse{Options: raw, SessionID: sessionID})
}

type passkeyLoginFinishRequest struct {
	SessionID string `json:"sessionId"`
}

// FinishAuthentication verifies the assertion, then runs the verified user
// through the same rate-limit/risk/token-issuance stages a password login
// goes through.
func (h *PasskeyHandler) FinishAuthentication(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		var req passkeyLoginFinishRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			sessionID = req.SessionID
		}
	}
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing sessionId")
		return
	}

	requestID := r.Header.Get("X-Request-Id")
	user, err := h.ceremony.FinishAuthentication(r.Context(), sessionID, requestID, clientIP(r), r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	result, err := h.pipeline.PasskeyLoginComplete(r.Context(), user, clientIP(r), r.UserAgent(), "")
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, loginResponse{
		AccessToken: result.AccessToken, RefreshToken: result.RefreshToken,
		TokenType: "Bearer", UserID: result.User.ID, Username: result.User.Username,
	})
}

// ListCredentials returns the caller's own registered passkeys.
func (h *PasskeyHandler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	claims := token.ClaimsFromContext(r.Context())
	if claims == nil || claims.Subject == "" {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	creds, err := h.repo.ListCredentials(r.Context(), claims.Subject)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, creds)
}

// DeleteCredential revokes one of the caller's own passkeys by its row ID.
func (h *PasskeyHandler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	claims := token.ClaimsFromContext(r.Context())
	if claims == nil || claims.Subject == "" {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	credentialID := mux.Vars(r)["credentialId"]
	creds, err := h.repo.ListCredentials(r.Context(), claims.Subject)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, c := range creds {
		if c.ID == credentialID {
			if err := h.repo.DeleteCredential(r.Context(), c.CredentialID); err != nil {
				respondError(w, http.StatusInternalServerError, err.Error())
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	respondError(w, http.StatusNotFound, "credential not found")
}

func (h *PasskeyHandler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	respondErrorWithCode(w, errkind.HTTPStatus(err), string(errkind.KindOf(err)), err.Error(), r.Header.Get("X-Request-Id"))
}

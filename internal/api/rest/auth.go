package rest

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/kubilitics/authd/internal/authn"
	"github.com/kubilitics/authd/internal/crypto/password"
	"github.com/kubilitics/authd/internal/errkind"
	"github.com/kubilitics/authd/internal/mfa"
	"github.com/kubilitics/authd/internal/models"
	"github.com/kubilitics/authd/internal/rbac"
	"github.com/kubilitics/authd/internal/repository"
	"github.com/kubilitics/authd/internal/token"
)

// AuthHandler serves /api/v1/auth/* and /api/v1/users/*: a thin transport
// layer over internal/authn.Pipeline, internal/token.Issuer, and
// internal/rbac.Resolver. It owns no business logic itself.
type AuthHandler struct {
	pipeline  *authn.Pipeline
	issuer    *token.Issuer
	rbacRes   *rbac.Resolver
	repo      repository.Repository
	policy    password.Policy
	mfaEncKey string
}

// NewAuthHandler builds an AuthHandler. mfaEncKey encrypts TOTP secrets at
// rest (internal/mfa.EncryptSecret/DecryptSecret); empty disables encryption.
func NewAuthHandler(pipeline *authn.Pipeline, issuer *token.Issuer, rbacRes *rbac.Resolver, repo repository.Repository, policy password.Policy, mfaEncKey string) *AuthHandler {
	return &AuthHandler{pipeline: pipeline, issuer: issuer, rbacRes: rbacRes, repo: repo, policy: policy, mfaEncKey: mfaEncKey}
}

// RegisterRoutes registers auth and user-management routes on router (expect
// path prefix /api/v1 already applied).
func (h *AuthHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/register", h.Register).Methods("POST")
	router.HandleFunc("/auth/login", h.Login).Methods("POST")
	router.HandleFunc("/auth/refresh", h.Refresh).Methods("POST")
	router.HandleFunc("/auth/logout", h.Logout).Methods("POST")
	router.HandleFunc("/auth/me", h.Me).Methods("GET")
	router.HandleFunc("/auth/change-password", h.ChangePassword).Methods("POST")
	router.HandleFunc("/auth/password/strength", h.CheckPasswordStrength).Methods("POST")
	router.HandleFunc("/auth/forgot-password", h.ForgotPassword).Methods("POST")
	router.HandleFunc("/auth/reset-password", h.ResetPassword).Methods("POST")

	router.HandleFunc("/auth/revoke", h.RevokeToken).Methods("POST")
	router.HandleFunc("/auth/revoke-all", h.RevokeAllTokens).Methods("POST")
	router.HandleFunc("/auth/introspect", h.IntrospectToken).Methods("POST")

	router.HandleFunc("/auth/sessions", h.ListSessions).Methods("GET")
	router.HandleFunc("/auth/sessions/{sessionId}", h.DeleteSession).Methods("DELETE")

	router.HandleFunc("/auth/mfa/setup", h.MFASetup).Methods("POST")
	router.HandleFunc("/auth/mfa/verify", h.MFAVerify).Methods("POST")
	router.HandleFunc("/auth/mfa/disable", h.MFADisable).Methods("POST")
	router.HandleFunc("/auth/mfa/backup-codes", h.MFAGetBackupCodes).Methods("GET")
	router.HandleFunc("/auth/mfa/regenerate-backup-codes", h.MFARegenerateBackupCodes).Methods("POST")

	router.HandleFunc("/users", h.ListUsers).Methods("GET")
	router.HandleFunc("/users", h.CreateUser).Methods("POST")
	router.HandleFunc("/users/{userId}", h.GetUser).Methods("GET")
	router.HandleFunc("/users/{userId}", h.UpdateUser).Methods("PATCH")
	router.HandleFunc("/users/{userId}", h.DeleteUser).Methods("DELETE")
	router.HandleFunc("/users/{userId}/unlock", h.UnlockUser).Methods("POST")
}

func (h *AuthHandler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	respondErrorWithCode(w, errkind.HTTPStatus(err), string(errkind.KindOf(err)), err.Error(), r.Header.Get("X-Request-Id"))
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host := r.RemoteAddr
	if idx := lastColon(host); idx >= 0 {
		return host[:idx]
	}
	return host
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

func currentUserID(r *http.Request) string {
	claims := token.ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	return claims.Subject
}

type loginRequest struct {
	Username          string `json:"username"`
	Password          string `json:"password"`
	CaptchaToken      string `json:"captchaToken,omitempty"`
	MFACode           string `json:"mfaCode,omitempty"`
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`
}

type loginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	UserID       string `json:"userId"`
	Username     string `json:"username"`
}

// Login authenticates a username/password pair.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body", "")
		return
	}
	result, err := h.pipeline.PasswordLogin(r.Context(), authn.LoginRequest{
		Username:          req.Username,
		Password:          req.Password,
		IPAddress:         clientIP(r),
		UserAgent:         r.UserAgent(),
		DeviceFingerprint: req.DeviceFingerprint,
		CaptchaToken:      req.CaptchaToken,
		MFACode:           req.MFACode,
	})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, loginResponse{
		AccessToken: result.AccessToken, RefreshToken: result.RefreshToken,
		TokenType: "Bearer", UserID: result.User.ID, Username: result.User.Username,
	})
}

type registerRequest struct {
	Username     string `json:"username"`
	Email        string `json:"email"`
	Password     string `json:"password"`
	CaptchaToken string `json:"captchaToken,omitempty"`
}

// Register is the public self-service signup endpoint: unlike CreateUser
// (admin-provisioning behind RBAC), it runs through the pipeline's rate
// limit, CAPTCHA, and audit gates and always assigns the default role.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body", "")
		return
	}
	user, err := h.pipeline.Register(r.Context(), authn.RegistrationRequest{
		Username:     req.Username,
		Email:        req.Email,
		Password:     req.Password,
		IPAddress:    clientIP(r),
		UserAgent:    r.UserAgent(),
		CaptchaToken: req.CaptchaToken,
	}, h.policy)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, user)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Refresh exchanges a valid refresh token for a fresh access token.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body", "")
		return
	}
	result, err := h.pipeline.RefreshAccessToken(r.Context(), req.RefreshToken)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, loginResponse{
		AccessToken: result.AccessToken, RefreshToken: result.RefreshToken,
		TokenType: "Bearer", UserID: result.User.ID, Username: result.User.Username,
	})
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken,omitempty"`
}

// Logout revokes the caller's access token (and refresh token, if supplied).
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := token.ClaimsFromContext(r.Context())
	if claims == nil {
		respondErrorWithCode(w, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required", "")
		return
	}
	var req logoutRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	var refreshJTI string
	var refreshExpiry time.Time
	if req.RefreshToken != "" {
		if rc, err := h.issuer.Validate(r.Context(), req.RefreshToken, token.TypeRefresh); err == nil {
			refreshJTI = rc.ID
			refreshExpiry = rc.ExpiresAt.Time
		}
	}
	if err := h.pipeline.Logout(r.Context(), claims.Subject, claims.ID, refreshJTI, claims.ExpiresAt.Time, refreshExpiry); err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me returns the authenticated caller's own user record.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims := token.ClaimsFromContext(r.Context())
	if claims == nil {
		respondErrorWithCode(w, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required", "")
		return
	}
	user, err := h.repo.GetUser(r.Context(), claims.Subject)
	if err != nil || user == nil {
		respondErrorWithCode(w, http.StatusNotFound, ErrCodeNotFound, "user not found", "")
		return
	}
	respondJSON(w, http.StatusOK, user)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// ChangePassword lets an authenticated user rotate their own password.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	if userID == "" {
		respondErrorWithCode(w, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required", "")
		return
	}
	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body", "")
		return
	}
	if err := h.pipeline.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword, h.policy); err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type passwordStrengthRequest struct {
	Password string `json:"password"`
}

// CheckPasswordStrength scores a candidate password without requiring it to
// meet policy, so a client can render a strength meter as the user types.
func (h *AuthHandler) CheckPasswordStrength(w http.ResponseWriter, r *http.Request) {
	var req passwordStrengthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body", "")
		return
	}
	score := password.Strength(req.Password)
	meetsPolicy := password.Validate(req.Password, h.policy) == nil
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"score":       score,
		"label":       password.StrengthLabel(score),
		"meetsPolicy": meetsPolicy,
	})
}

// RevokeToken revokes a single token by JTI, for admin-initiated incident response.
func (h *AuthHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JTI       string `json:"jti"`
		UserID    string `json:"userId"`
		ExpiresAt time.Time `json:"expiresAt"`
		Reason    string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body", "")
		return
	}
	if req.Reason == "" {
		req.Reason = models.RevokeReasonAdminRevoke
	}
	if err := h.issuer.Revoke(r.Context(), req.JTI, req.UserID, req.ExpiresAt, req.Reason); err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RevokeAllTokens revokes every outstanding token for a user.
func (h *AuthHandler) RevokeAllTokens(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body", "")
		return
	}
	if req.Reason == "" {
		req.Reason = models.RevokeReasonAdminRevoke
	}
	if err := h.issuer.RevokeAllForUser(r.Context(), req.UserID, req.Reason); err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// IntrospectToken reports whether a token is currently valid, mirroring
// RFC 7662 in spirit (not full OAuth2 introspection wire format).
func (h *AuthHandler) IntrospectToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body", "")
		return
	}
	claims, err := h.issuer.Validate(r.Context(), req.Token, token.TypeAccess)
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"active": false})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"active": true,
		"sub":    claims.Subject,
		"scope":  claims.Scope,
		"exp":    claims.ExpiresAt.Unix(),
	})
}

// ListSessions lists the caller's active sessions.
func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	if userID == "" {
		respondErrorWithCode(w, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required", "")
		return
	}
	sessions, err := h.repo.ListSessionsForUser(r.Context(), userID)
	if err != nil {
		respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), "")
		return
	}
	respondJSON(w, http.StatusOK, sessions)
}

// DeleteSession revokes one of the caller's sessions by ID.
func (h *AuthHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	if userID == "" {
		respondErrorWithCode(w, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required", "")
		return
	}
	sessionID := mux.Vars(r)["sessionId"]
	session, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil || session == nil || session.UserID != userID {
		respondErrorWithCode(w, http.StatusNotFound, ErrCodeNotFound, "session not found", "")
		return
	}
	if err := h.repo.DeleteSession(r.Context(), sessionID); err != nil {
		respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type mfaSetupResponse struct {
	OTPAuthURL  string   `json:"otpauthUrl"`
	BackupCodes []string `json:"backupCodes"`
}

// MFASetup generates a new TOTP secret and backup codes, persisting them in
// a not-yet-enabled state until MFAVerify confirms the user can produce a
// valid code.
func (h *AuthHandler) MFASetup(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	if userID == "" {
		respondErrorWithCode(w, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required", "")
		return
	}
	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		respondErrorWithCode(w, http.StatusNotFound, ErrCodeNotFound, "user not found", "")
		return
	}
	secret, otpauthURL, err := mfa.GenerateSecret(user.Username)
	if err != nil {
		respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), "")
		return
	}
	storedSecret := secret
	if h.mfaEncKey != "" {
		if storedSecret, err = mfa.EncryptSecret(secret, h.mfaEncKey); err != nil {
			respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), "")
			return
		}
	}
	if err := h.repo.DeleteTOTPSecret(r.Context(), userID); err != nil {
		respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), "")
		return
	}
	if err := h.repo.CreateTOTPSecret(r.Context(), &models.MFATOTPSecret{UserID: userID, Secret: storedSecret}); err != nil {
		respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), "")
		return
	}

	codes, err := mfa.GenerateBackupCodes(10)
	if err != nil {
		respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), "")
		return
	}
	hashed := make([]models.MFABackupCode, len(codes))
	for i, code := range codes {
		hash, err := mfa.HashBackupCode(code)
		if err != nil {
			respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), "")
			return
		}
		hashed[i] = models.MFABackupCode{UserID: userID, CodeHash: hash}
	}
	if err := h.repo.CreateBackupCodes(r.Context(), hashed); err != nil {
		respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), "")
		return
	}

	respondJSON(w, http.StatusOK, mfaSetupResponse{OTPAuthURL: otpauthURL, BackupCodes: codes})
}

type mfaVerifyRequest struct {
	Code string `json:"code"`
}

// MFAVerify confirms enrollment by checking one TOTP code, then marks the
// secret enabled and flips the account's MFAEnabled flag.
func (h *AuthHandler) MFAVerify(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	if userID == "" {
		respondErrorWithCode(w, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required", "")
		return
	}
	var req mfaVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body", "")
		return
	}
	secret, err := h.repo.GetTOTPSecret(r.Context(), userID)
	if err != nil || secret == nil {
		respondErrorWithCode(w, http.StatusNotFound, ErrCodeNotFound, "no pending MFA enrollment", "")
		return
	}
	plainSecret := secret.Secret
	if h.mfaEncKey != "" {
		if plainSecret, err = mfa.DecryptSecret(secret.Secret, h.mfaEncKey); err != nil {
			respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), "")
			return
		}
	}
	if !mfa.VerifyCode(plainSecret, req.Code) {
		respondErrorWithCode(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid code", "")
		return
	}
	if err := h.repo.VerifyTOTPSecret(r.Context(), userID); err != nil {
		respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), "")
		return
	}
	if user, err := h.repo.GetUser(r.Context(), userID); err == nil && user != nil {
		user.MFAEnabled = true
		_ = h.repo.UpdateUser(r.Context(), user)
	}
	w.WriteHeader(http.StatusNoContent)
}

// MFADisable removes the caller's TOTP enrollment and backup codes.
func (h *AuthHandler) MFADisable(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	if userID == "" {
		respondErrorWithCode(w, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required", "")
		return
	}
	if err := h.repo.DeleteTOTPSecret(r.Context(), userID); err != nil {
		respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), "")
		return
	}
	if user, err := h.repo.GetUser(r.Context(), userID); err == nil && user != nil {
		user.MFAEnabled = false
		_ = h.repo.UpdateUser(r.Context(), user)
	}
	w.WriteHeader(http.StatusNoContent)
}

// MFAGetBackupCodes reports how many unused backup codes remain, never the
// codes themselves (only RegenerateBackupCodes ever returns plaintext).
func (h *AuthHandler) MFAGetBackupCodes(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	if userID == "" {
		respondErrorWithCode(w, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required", "")
		return
	}
	codes, err := h.repo.ListBackupCodes(r.Context(), userID)
	if err != nil {
		respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), "")
		return
	}
	remaining := 0
	for _, c := range codes {
		if !c.Used {
			remaining++
		}
	}
	respondJSON(w, http.StatusOK, map[string]int{"remaining": remaining})
}

// MFARegenerateBackupCodes discards unused backup codes and issues a fresh set.
func (h *AuthHandler) MFARegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	if userID == "" {
		respondErrorWithCode(w, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required", "")
		return
	}
	codes, err := mfa.GenerateBackupCodes(10)
	if err != nil {
		respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), "")
		return
	}
	hashed := make([]models.MFABackupCode, len(codes))
	for i, code := range codes {
		hash, err := mfa.HashBackupCode(code)
		if err != nil {
			respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), "")
			return
		}
		hashed[i] = models.MFABackupCode{UserID: userID, CodeHash: hash}
	}
	if err := h.repo.CreateBackupCodes(r.Context(), hashed); err != nil {
		respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), "")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"backupCodes": codes})
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

// ForgotPassword always responds 202 regardless of whether the email is
// known, to avoid leaking account existence. The reset token is minted and
// persisted either way; actual delivery (email/SMS) is a separate
// integration this handler deliberately does not own.
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body", "")
		return
	}
	if user, err := h.repo.GetUserByEmail(r.Context(), req.Email); err == nil && user != nil {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err == nil {
			rawToken := base64.URLEncoding.EncodeToString(raw)
			hash := sha256.Sum256([]byte(rawToken))
			_ = h.repo.CreatePasswordResetToken(r.Context(), &models.PasswordResetToken{
				ID:        uuid.NewString(),
				UserID:    user.ID,
				TokenHash: hex.EncodeToString(hash[:]),
				ExpiresAt: time.Now().Add(1 * time.Hour),
			})
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

// ResetPassword consumes a token minted by ForgotPassword and sets a new
// password for the token's owner without requiring the old one.
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body", "")
		return
	}
	hash := sha256.Sum256([]byte(req.Token))
	resetToken, err := h.repo.GetPasswordResetToken(r.Context(), hex.EncodeToString(hash[:]))
	if err != nil || resetToken == nil || !resetToken.IsValid() {
		respondErrorWithCode(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid or expired reset token", "")
		return
	}
	if err := h.pipeline.ResetPassword(r.Context(), resetToken.UserID, req.NewPassword, h.policy); err != nil {
		h.writeErr(w, r, err)
		return
	}
	if err := h.repo.MarkPasswordResetTokenUsed(r.Context(), resetToken.ID); err != nil {
		respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListUsers returns a page of user accounts. Gated by RequirePermission at
// the router level.
func (h *AuthHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	users, err := h.repo.ListUsers(r.Context(), limit, offset)
	if err != nil {
		respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), "")
		return
	}
	respondJSON(w, http.StatusOK, users)
}

type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	RoleID   string `json:"roleId"`
}

// CreateUser provisions a new local-password account with an explicit role
// (unlike self-service Register, which assigns a default role).
func (h *AuthHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body", "")
		return
	}
	if req.RoleID != "" {
		if err := h.checkAssignmentScope(r, req.RoleID); err != nil {
			h.writeErr(w, r, err)
			return
		}
	}
	user, err := h.pipeline.Register(r.Context(), authn.RegistrationRequest{
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}, h.policy)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if req.RoleID != "" {
		if err := h.repo.UpdateUserRole(r.Context(), user.ID, req.RoleID); err != nil {
			respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), "")
			return
		}
		user.RoleID = req.RoleID
	}
	respondJSON(w, http.StatusCreated, user)
}

// GetUser returns one user by ID.
func (h *AuthHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		respondErrorWithCode(w, http.StatusNotFound, ErrCodeNotFound, "user not found", "")
		return
	}
	respondJSON(w, http.StatusOK, user)
}

type updateUserRequest struct {
	Email  *string `json:"email,omitempty"`
	Status *string `json:"status,omitempty"`
	RoleID *string `json:"roleId,omitempty"`
}

// UpdateUser patches mutable fields on a user record.
func (h *AuthHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		respondErrorWithCode(w, http.StatusNotFound, ErrCodeNotFound, "user not found", "")
		return
	}
	var req updateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body", "")
		return
	}
	if req.Email != nil {
		user.Email = *req.Email
	}
	if req.Status != nil {
		user.Status = models.AccountStatus(*req.Status)
	}
	if err := h.repo.UpdateUser(r.Context(), user); err != nil {
		respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), "")
		return
	}
	if req.RoleID != nil {
		if err := h.checkAssignmentScope(r, *req.RoleID); err != nil {
			h.writeErr(w, r, err)
			return
		}
		if err := h.repo.UpdateUserRole(r.Context(), userID, *req.RoleID); err != nil {
			respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), "")
			return
		}
		user.RoleID = *req.RoleID
	}
	respondJSON(w, http.StatusOK, user)
}

// checkAssignmentScope verifies the authenticated caller's role subtree
// permits granting targetRoleID, auditing the decision either way.
func (h *AuthHandler) checkAssignmentScope(r *http.Request, targetRoleID string) error {
	claims := token.ClaimsFromContext(r.Context())
	if claims == nil {
		return errkind.New(errkind.RoleAssignmentForbidden, "authentication required")
	}
	actor, err := h.repo.GetUser(r.Context(), claims.Subject)
	if err != nil || actor == nil {
		return errkind.New(errkind.RoleAssignmentForbidden, "acting user not found")
	}
	validator := rbac.NewRoleHierarchyValidator(h.rbacRes)
	return validator.CanAssignAudited(r.Context(), r.Header.Get("X-Request-Id"), actor.ID, []string{actor.RoleID}, targetRoleID)
}

// DeleteUser soft-deletes a user account by disabling it; row deletion is
// deliberately not exposed to preserve the audit trail's user reference.
func (h *AuthHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		respondErrorWithCode(w, http.StatusNotFound, ErrCodeNotFound, "user not found", "")
		return
	}
	user.Status = models.AccountDisabled
	if err := h.repo.UpdateUser(r.Context(), user); err != nil {
		respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), "")
		return
	}
	if err := h.issuer.RevokeAllForUser(r.Context(), userID, models.RevokeReasonAccountDisabled); err != nil {
		respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnlockUser clears a lockout before its timer expires.
func (h *AuthHandler) UnlockUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		respondErrorWithCode(w, http.StatusNotFound, ErrCodeNotFound, "user not found", "")
		return
	}
	user.LockedUntil = nil
	if user.Status == models.AccountLocked {
		user.Status = models.AccountActive
	}
	if err := h.repo.UpdateUser(r.Context(), user); err != nil {
		respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), "")
		return
	}
	if err := h.repo.ResetFailedLogin(r.Context(), userID); err != nil {
		respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

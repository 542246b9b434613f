// Package audit extracts request metadata for the auth event trail and
// writes best-effort entries that never block or fail the request they
// describe.
package audit

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/kubilitics/authd/internal/models"
	"github.com/kubilitics/authd/internal/repository"
	"github.com/kubilitics/authd/internal/token"
)

// CreateEntry persists an auth event. Failures are swallowed: audit logging
// must never be the reason a request fails.
func CreateEntry(ctx context.Context, repo repository.AuthEventRepository, e *models.AuthEvent) {
	if repo == nil {
		return
	}
	_ = repo.CreateAuthEvent(ctx, e)
}

// RequestInfo extracts the caller's user ID and request IP. Access token
// claims deliberately carry no username, so flows that know it (password
// login, passkey login, mid internal/authn) should set Username directly on
// the models.AuthEvent instead of relying on this helper.
func RequestInfo(r *http.Request) (userID *string, requestIP string) {
	requestIP = r.RemoteAddr
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			requestIP = strings.TrimSpace(xff[:idx])
		} else {
			requestIP = strings.TrimSpace(xff)
		}
	}
	if claims := token.ClaimsFromContext(r.Context()); claims != nil && claims.Subject != "" {
		sub := claims.Subject
		userID = &sub
	}
	return userID, requestIP
}

// ActionFromRequest derives an auth event type for the generic admin/RBAC
// audit trail from the request's route. Login, logout, MFA, and passkey
// flows record their own precise event type from within internal/authn
// instead of going through this inference.
func ActionFromRequest(r *http.Request) string {
	vars := mux.Vars(r)
	path := r.URL.Path

	switch {
	case strings.Contains(path, "/roles") && strings.Contains(path, "/permissions") && r.Method == http.MethodPost:
		return "role_permission_grant"
	case strings.Contains(path, "/roles") && strings.Contains(path, "/permissions") && r.Method == http.MethodDelete:
		return "role_permission_revoke"
	case strings.Contains(path, "/roles") && r.Method == http.MethodPost:
		return "role_create"
	case strings.Contains(path, "/roles") && r.Method == http.MethodDelete:
		return "role_delete"
	case strings.Contains(path, "/roles") && r.Method == http.MethodPatch:
		return "role_reparent"
	case strings.Contains(path, "/users") && strings.HasSuffix(path, "/role"):
		return "user_role_change"
	case strings.Contains(path, "/mfa"):
		return "mfa_change"
	case strings.Contains(path, "/passkeys"):
		return "passkey_change"
	default:
		if _, ok := vars["id"]; ok {
			return strings.ToLower(r.Method) + "_resource"
		}
		return strings.ToLower(r.Method) + " " + path
	}
}

package middleware

import (
	"net/http"

	"github.com/kubilitics/authd/internal/rbac"
	"github.com/kubilitics/authd/internal/token"
)

// RequirePermission returns middleware that rejects the request with 403
// unless the caller's effective permission set (resolved from their role's
// materialized-path ancestry) contains permission. Must run after Auth.
func RequirePermission(resolver *rbac.Resolver, permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := token.ClaimsFromContext(r.Context())
			if claims == nil || claims.Subject == "" {
				writeAuthError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			ok, err := resolver.HasPermission(r.Context(), claims.Subject, permission)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"error":"permission check unavailable"}`))
				return
			}
			if !ok {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"insufficient permissions"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

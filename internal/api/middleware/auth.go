package middleware

import (
	"net/http"
	"strings"

	"github.com/kubilitics/authd/internal/errkind"
	"github.com/kubilitics/authd/internal/token"
)

// AuthMode controls how strictly the Auth middleware enforces a valid token.
type AuthMode string

const (
	// AuthRequired rejects the request with 401 when no valid access token is
	// present.
	AuthRequired AuthMode = "required"
	// AuthOptional sets claims in context when a valid token is present, but
	// lets the request through unauthenticated otherwise.
	AuthOptional AuthMode = "optional"
)

// Auth returns middleware that validates the bearer access token via issuer
// and stores its claims in the request context. Login, refresh, and the
// passkey ceremony endpoints issue or consume credentials themselves and
// must not be wrapped by this middleware.
func Auth(issuer *token.Issuer, mode AuthMode) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bearer := extractBearer(r)
			if bearer == "" {
				if mode == AuthRequired {
					writeAuthError(w, http.StatusUnauthorized, "authentication required")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			claims, err := issuer.Validate(r.Context(), bearer, token.TypeAccess)
			if err != nil {
				if mode == AuthRequired {
					status := http.StatusUnauthorized
					if errkind.KindOf(err) == errkind.Internal {
						status = http.StatusServiceUnavailable
					}
					writeAuthError(w, status, "invalid or expired token")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			ctx := token.WithClaims(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

func extractBearer(r *http.Request) string {
	s := r.Header.Get("Authorization")
	if s == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(s) > len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return strings.TrimSpace(s[len(prefix):])
	}
	return ""
}

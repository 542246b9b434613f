// Package middleware provides request body size limiting.
package middleware

import (
	"net/http"
	"strings"
)

const (
	// DefaultStandardMaxBodyBytes is the default max request body for most API requests (64KB).
	DefaultStandardMaxBodyBytes = 64 * 1024
	// DefaultWebAuthnMaxBodyBytes is the default max request body for passkey registration/assertion
	// ceremonies, which carry base64-encoded attestation objects and certificate chains (256KB).
	DefaultWebAuthnMaxBodyBytes = 256 * 1024
)

// MaxBodySize returns middleware that limits request body size: webauthnMax for
// requests under /passkeys/, standardMax otherwise. Use for methods that may
// carry a body (POST, PUT, PATCH). GET/HEAD/DELETE are not limited.
func MaxBodySize(standardMax, webauthnMax int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil {
				next.ServeHTTP(w, r)
				return
			}
			max := standardMax
			if (r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch) &&
				strings.Contains(r.URL.Path, "/passkeys/") {
				max = webauthnMax
			}
			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

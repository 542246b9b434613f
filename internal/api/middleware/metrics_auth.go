package middleware

import (
	"net/http"

	"github.com/kubilitics/authd/internal/config"
	"github.com/kubilitics/authd/internal/token"
)

// MetricsAuth protects the /metrics endpoint with optional bearer-token
// authentication. When disabled, /metrics is publicly reachable for
// Prometheus scraping (the default).
func MetricsAuth(cfg *config.Config, issuer *token.Issuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/metrics" || !cfg.MetricsAuthEnabled {
				next.ServeHTTP(w, r)
				return
			}

			bearer := extractBearer(r)
			if bearer != "" {
				if claims, err := issuer.Validate(r.Context(), bearer, token.TypeAccess); err == nil && claims != nil {
					next.ServeHTTP(w, r)
					return
				}
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication required for metrics endpoint"}`))
		})
	}
}

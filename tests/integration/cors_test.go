package integration

import (
	"net/http"
	"strings"
	"testing"

	"github.com/kubilitics/authd/internal/config"
	"github.com/rs/cors"
)

// TestCORS_AllowedOriginsEchoed verifies that an origin present in
// AllowedOrigins is echoed back in Access-Control-Allow-Origin, matching
// the CORS wiring in cmd/server/main.go.
func TestCORS_AllowedOriginsEchoed(t *testing.T) {
	cfg := &config.Config{
		Port:           8080,
		DatabasePath:   ":memory:",
		AllowedOrigins: []string{"https://console.example.com"},
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-Id"},
		AllowCredentials: true,
	})

	handler := c.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req, _ := http.NewRequest("OPTIONS", "/api/v1/auth/login", nil)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")

	w := &responseRecorder{header: make(http.Header), statusCode: 200}
	handler.ServeHTTP(w, req)

	allowOrigin := w.Header().Get("Access-Control-Allow-Origin")
	if allowOrigin != "https://console.example.com" {
		t.Errorf("expected Access-Control-Allow-Origin: https://console.example.com, got %q", allowOrigin)
	}

	allowMethods := w.Header().Get("Access-Control-Allow-Methods")
	if allowMethods == "" {
		t.Error("Access-Control-Allow-Methods header missing")
	}
}

// TestCORS_UnlistedOriginRejected verifies an origin not in AllowedOrigins
// does not get echoed back, which is what middleware.CORSValidation relies
// on to flag only genuine wildcard configurations.
func TestCORS_UnlistedOriginRejected(t *testing.T) {
	cfg := &config.Config{
		Port:           8080,
		DatabasePath:   ":memory:",
		AllowedOrigins: []string{"https://console.example.com"},
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-Id"},
		AllowCredentials: true,
	})

	handler := c.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req, _ := http.NewRequest("OPTIONS", "/api/v1/auth/login", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")

	w := &responseRecorder{header: make(http.Header), statusCode: 200}
	handler.ServeHTTP(w, req)

	if allowOrigin := w.Header().Get("Access-Control-Allow-Origin"); allowOrigin != "" {
		t.Errorf("expected no Access-Control-Allow-Origin for unlisted origin, got %q", allowOrigin)
	}
}

// TestCORS_AllowedOriginsCommaSplit verifies config.Load's normalization of
// a single comma-joined AUTHD_ALLOWED_ORIGINS value into a trimmed slice.
func TestCORS_AllowedOriginsCommaSplit(t *testing.T) {
	raw := []string{" https://a.example.com ,https://b.example.com,"}
	parts := strings.Split(raw[0], ",")
	var got []string
	for _, p := range parts {
		if o := strings.TrimSpace(p); o != "" {
			got = append(got, o)
		}
	}

	want := []string{"https://a.example.com", "https://b.example.com"}
	if len(got) != len(want) {
		t.Fatalf("expected %d origins, got %d (%v)", len(want), len(got), got)
	}
	for i, o := range want {
		if got[i] != o {
			t.Errorf("origin %d: expected %q, got %q", i, o, got[i])
		}
	}
}

// responseRecorder is a minimal http.ResponseWriter implementation for testing.
type responseRecorder struct {
	header     http.Header
	statusCode int
	body       []byte
}

func (r *responseRecorder) Header() http.Header {
	return r.header
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return len(b), nil
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
}

package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Generic per-IP HTTP throttling, independent of the adaptive sliding-window
// limiter the authentication pipeline applies to login/registration
// attempts specifically (see internal/ratelimit). This middleware protects
// the whole API surface from a noisy client regardless of endpoint.

const (
	// Mutating requests (POST/PATCH/PUT/DELETE): 60 requests/minute per IP.
	rateLimitMutatingPerMin = 60
	rateLimitMutatingBurst  = 60
	// GET/HEAD requests: 120 requests/minute per IP.
	rateLimitGetPerMin = 120
	rateLimitGetBurst  = 120
)

type rateLimitTier int

const (
	tierGet rateLimitTier = iota
	tierMutating
)

func (t rateLimitTier) limiterConfig() (rate.Limit, int) {
	if t == tierGet {
		return rate.Limit(float64(rateLimitGetPerMin) / 60.0), rateLimitGetBurst
	}
	return rate.Limit(float64(rateLimitMutatingPerMin) / 60.0), rateLimitMutatingBurst
}

func (t rateLimitTier) limitHeader() int {
	if t == tierGet {
		return rateLimitGetPerMin
	}
	return rateLimitMutatingPerMin
}

// apiRateLimiter holds per-IP limiters per tier.
type apiRateLimiter struct {
	mu       sync.Mutex
	get      map[string]*rate.Limiter
	mutating map[string]*rate.Limiter
}

var defaultAPIRateLimiter = &apiRateLimiter{
	get:      make(map[string]*rate.Limiter),
	mutating: make(map[string]*rate.Limiter),
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		addr = addr[:idx]
	}
	return addr
}

func tierForRequest(r *http.Request) rateLimitTier {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return tierGet
	}
	return tierMutating
}

func (l *apiRateLimiter) getLimiter(ip string, t rateLimitTier) *rate.Limiter {
	limit, burst := t.limiterConfig()
	m := l.mutating
	if t == tierGet {
		m = l.get
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := m[ip]; ok {
		return lim
	}
	lim := rate.NewLimiter(limit, burst)
	m[ip] = lim
	return lim
}

// RateLimit returns middleware that limits requests per IP, excluding
// /health and /metrics. Uses a token bucket: 60/min for mutating requests,
// 120/min for GET/HEAD. Returns 429 with Retry-After and X-RateLimit-*
// headers. Authentication-specific throttling (login attempts, CAPTCHA
// gating) is handled separately inside the authentication pipeline.
func RateLimit() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if path == "/health" || path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			ip := getClientIP(r)
			tier := tierForRequest(r)
			limiter := defaultAPIRateLimiter.getLimiter(ip, tier)
			reservation := limiter.Reserve()
			if !reservation.OK() {
				writeRateLimited(w, tier, 60)
				return
			}
			delay := reservation.Delay()
			if delay > 0 {
				reservation.Cancel()
				retryAfter := int(delay.Seconds()) + 1
				if retryAfter > 60 {
					retryAfter = 60
				}
				writeRateLimited(w, tier, retryAfter)
				return
			}
			tokens := int(limiter.Tokens())
			if tokens < 0 {
				tokens = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(tier.limitHeader()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(tokens))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimited(w http.ResponseWriter, tier rateLimitTier, retryAfterSec int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(tier.limitHeader()))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Duration(retryAfterSec)*time.Second).Unix(), 10))
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":"too many requests, please retry later"}`))
}

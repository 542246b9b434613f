// Package ratelimit implements the sliding-window rate limiter: a fixed
// request quota over a rolling time window, evaluated atomically against a
// shared store so that every server in a cluster sees a consistent count.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/kubilitics/authd/internal/pkg/metrics"
)

// Store is the minimal contract a sliding-window backend must satisfy: given
// a key, a window, and a limit, atomically record the current attempt and
// report whether it is within budget. Implementations must perform the
// trim-count-append sequence as a single atomic step.
type Store interface {
	// Acquire records one attempt at key and returns whether it was
	// admitted, along with the number of requests remaining in the window
	// after this attempt (0 if denied).
	Acquire(ctx context.Context, key string, limit int, window time.Duration) (admitted bool, remaining int, err error)
}

// Policy controls what happens when the Store itself is unavailable.
type Policy struct {
	// FailOpen, when true, admits the request if the store errors or times
	// out rather than denying it — appropriate for a login-form IP limiter
	// where availability trumps strictness. FailOpen=false is appropriate
	// for the global CAPTCHA-exhaustion counter, where a transient store
	// outage should not silently disable anti-abuse protection.
	FailOpen bool
	// Timeout bounds how long a single Acquire call may take before the
	// fail-open/fail-closed decision applies.
	Timeout time.Duration
}

// DefaultPolicy fails closed with a 250ms budget, appropriate for most keys.
var DefaultPolicy = Policy{FailOpen: false, Timeout: 250 * time.Millisecond}

// Limiter evaluates sliding-window quotas for a family of keys sharing one
// Store and Policy.
type Limiter struct {
	store  Store
	policy Policy
}

// New builds a Limiter over the given store and policy.
func New(store Store, policy Policy) *Limiter {
	return &Limiter{store: store, policy: policy}
}

// ErrUnavailable is returned (never swallowed) when the store failed and the
// policy is fail-closed, so callers can map it to errkind.RateLimiterUnavailable.
var ErrUnavailable = errors.New("ratelimit: store unavailable")

// Result is the outcome of a TryAcquire call.
type Result struct {
	Admitted  bool
	Remaining int
	// Degraded is true when the store errored and the request was admitted
	// only because the policy is fail-open — callers may want to log this.
	Degraded bool
}

// TryAcquire evaluates one attempt against key's sliding window.
func (l *Limiter) TryAcquire(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	start := time.Now()
	acquireCtx := ctx
	var cancel context.CancelFunc
	if l.policy.Timeout > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, l.policy.Timeout)
		defer cancel()
	}

	admitted, remaining, err := l.store.Acquire(acquireCtx, key, limit, window)
	metrics.RateLimitAcquireDuration.WithLabelValues(prefixOf(key)).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.RateLimitErroredTotal.WithLabelValues(prefixOf(key)).Inc()
		if l.policy.FailOpen {
			return Result{Admitted: true, Remaining: limit, Degraded: true}, nil
		}
		return Result{}, ErrUnavailable
	}

	metrics.RateLimitRemaining.WithLabelValues(key).Set(float64(remaining))
	if admitted {
		metrics.RateLimitAdmittedTotal.WithLabelValues(prefixOf(key)).Inc()
	} else {
		metrics.RateLimitDeniedTotal.WithLabelValues(prefixOf(key)).Inc()
	}
	return Result{Admitted: admitted, Remaining: remaining}, nil
}

// prefixOf returns the namespace portion of a key ("auth-sw:ip", "auth-sw:user",
// "captcha:global", ...) for low-cardinality metric labels.
func prefixOf(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			// take two segments, e.g. "auth-sw:ip"
			for j := i + 1; j < len(key); j++ {
				if key[j] == ':' {
					return key[:j]
				}
			}
			return key
		}
	}
	return key
}

// Key namespacing helpers matching the well-known prefixes the risk engine
// and authentication pipeline rely on.
func IPKey(ip string) string       { return "auth-sw:ip:" + ip }
func UserKey(userID string) string { return "auth-sw:user:" + userID }
func CaptchaGlobalKey() string     { return "captcha:global" }

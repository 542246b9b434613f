// Package captcha verifies CAPTCHA solutions via a pluggable provider,
// guarded by a circuit breaker so a slow or down provider degrades fast
// instead of stalling the authentication pipeline.
package captcha

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kubilitics/authd/internal/errkind"
	"github.com/kubilitics/authd/internal/pkg/metrics"
)

// verifyTimeout bounds a single provider call.
const verifyTimeout = 3 * time.Second

// Verifier calls out to a CAPTCHA provider (e.g. hCaptcha, reCAPTCHA,
// Turnstile) to check a solved challenge token.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) (bool, error)
}

// Gate wraps a Verifier with a circuit breaker and deadline.
type Gate struct {
	verifier Verifier
	breaker  *gobreaker.CircuitBreaker
}

// NewGate builds a Gate over verifier, named name for metrics/logging.
func NewGate(name string, verifier Verifier) *Gate {
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			metrics.CircuitBreakerStateChangesTotal.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	}
	return &Gate{verifier: verifier, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Verify checks token against the provider within verifyTimeout. A
// circuit-open state or a deadline maps to errkind.DependencyTimeout so the
// pipeline can decide whether to fail closed or degrade per policy.
func (g *Gate) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.verifier.Verify(ctx, token, remoteIP)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return false, errkind.Wrap(errkind.DependencyTimeout, "captcha provider circuit open", err)
		}
		if ctx.Err() != nil {
			return false, errkind.Wrap(errkind.DependencyTimeout, "captcha provider timed out", err)
		}
		return false, errkind.Wrap(errkind.InvalidCaptcha, "captcha verification failed", err)
	}
	ok, _ := result.(bool)
	return ok, nil
}

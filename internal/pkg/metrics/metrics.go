// Package metrics provides Prometheus metrics for authd: RED metrics for the
// HTTP surface plus per-component counters/histograms/gauges for the rate
// limiter, risk engine, role resolver, and circuit breakers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "authd"

var (
	// HTTPRequestTotal counts requests by method, path, status (RED: rate).
	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, path, and status.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDurationSeconds is request latency histogram (RED: duration).
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10),
		},
		[]string{"method", "path"},
	)

	// RateLimitAdmittedTotal counts sliding-window admissions by key prefix.
	RateLimitAdmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_admitted_total",
			Help:      "Total number of sliding-window rate limit admissions.",
		},
		[]string{"key_prefix"},
	)

	// RateLimitDeniedTotal counts sliding-window denials by key prefix.
	RateLimitDeniedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_denied_total",
			Help:      "Total number of sliding-window rate limit denials.",
		},
		[]string{"key_prefix"},
	)

	// RateLimitErroredTotal counts store errors by key prefix.
	RateLimitErroredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_errored_total",
			Help:      "Total number of rate limiter store errors.",
		},
		[]string{"key_prefix"},
	)

	// RateLimitAcquireDuration is the latency of a single Acquire call.
	RateLimitAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ratelimit_acquire_duration_seconds",
			Help:      "Sliding-window rate limiter acquire call duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 10),
		},
		[]string{"key_prefix"},
	)

	// RateLimitRemaining is the most recently observed remaining-quota value
	// for a given key (intended for hot/well-known keys like the global
	// CAPTCHA counter, not the full per-IP keyspace).
	RateLimitRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ratelimit_remaining",
			Help:      "Remaining requests in the current sliding window for a key.",
		},
		[]string{"key"},
	)

	// RiskScoreTotal counts risk engine verdicts by outcome (allow/challenge/deny).
	RiskScoreTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_verdict_total",
			Help:      "Total number of risk engine verdicts by outcome.",
		},
		[]string{"outcome"},
	)

	// RiskScoreHistogram tracks the distribution of computed risk scores.
	RiskScoreHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Computed risk score per authentication attempt.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		},
	)

	// RBACCacheHitsTotal / RBACCacheMissesTotal track the role/permission caches.
	RBACCacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rbac_cache_hits_total",
			Help:      "Total number of RBAC cache hits by cache name.",
		},
		[]string{"cache"},
	)
	RBACCacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rbac_cache_misses_total",
			Help:      "Total number of RBAC cache misses by cache name.",
		},
		[]string{"cache"},
	)

	// CircuitBreakerStateChangesTotal counts gobreaker state transitions.
	CircuitBreakerStateChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state transitions.",
		},
		[]string{"breaker", "from_state", "to_state"},
	)

	// AuthLoginAttemptsTotal counts authentication attempts by method and outcome.
	AuthLoginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_login_attempts_total",
			Help:      "Total number of authentication attempts by method and outcome.",
		},
		[]string{"method", "outcome"}, // method: password/passkey/oidc/saml, outcome: success/failure/locked/denied
	)

	// AuthTokenRevocationsTotal counts token revocations by reason.
	AuthTokenRevocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_token_revocations_total",
			Help:      "Total number of tokens revoked, by reason.",
		},
		[]string{"reason"},
	)

	// TokenRevocationCacheTier tracks which tier answered a revocation check.
	TokenRevocationCacheTier = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_revocation_lookup_total",
			Help:      "Total number of revocation lookups served, by tier.",
		},
		[]string{"tier"}, // local_lru, shared_store, database
	)

	// DBQueryDurationSeconds times repository queries by logical operation name.
	DBQueryDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Repository query duration in seconds by operation.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2.5, 10),
		},
		[]string{"operation"},
	)
)

// Package risk scores an authentication attempt and recommends ALLOW,
// CHALLENGE, or DENY based on IP reputation, geo-velocity, device novelty,
// and recent failure history.
package risk

import (
	"context"
	"time"

	"github.com/kubilitics/authd/internal/geo"
	"github.com/kubilitics/authd/internal/models"
	"github.com/kubilitics/authd/internal/pkg/audit"
	"github.com/kubilitics/authd/internal/pkg/metrics"
)

// Recommendation is the engine's advisory verdict; the authentication
// pipeline (component G) decides what to actually do with it.
type Recommendation string

const (
	Allow     Recommendation = "ALLOW"
	Challenge Recommendation = "CHALLENGE"
	Deny      Recommendation = "DENY"
)

const (
	weightImpossibleTravel = 40
	weightCountryChange    = 20
	weightASNChange        = 10
	weightNewDevice        = 15
	weightSuspiciousIP     = 20
	weightRecentFailures   = 15

	impossibleTravelSpeedKmh = 900
	countryHistoryWindow     = 5
)

// RecentFailureWindow, RecentFailureThreshold, and SuspiciousIPThreshold are
// exported so callers outside this package (the authn pipeline's CAPTCHA
// trip logic) can react to the same signals Score weighs internally.
const (
	RecentFailureWindow    = 10 * time.Minute
	RecentFailureThreshold = 3
	SuspiciousIPThreshold  = 5
)

// Signal names a contributing factor in a verdict, for audit and debugging.
type Signal struct {
	Name   string `json:"name"`
	Weight int    `json:"weight"`
}

// Verdict is the engine's scored output for one authentication attempt.
type Verdict struct {
	Score          int            `json:"score"`
	Signals        []Signal       `json:"signals"`
	Recommendation Recommendation `json:"recommendation"`
}

// Input describes the attempt being scored.
type Input struct {
	UserID            string // empty if the user isn't known yet (e.g. pre-auth)
	IPAddress         string
	DeviceFingerprint string
	Timestamp         time.Time
}

// DeviceStore tracks which device fingerprints have previously been seen
// for a user.
type DeviceStore interface {
	HasSeenDevice(ctx context.Context, userID, fingerprint string) (bool, error)
	RecordDevice(ctx context.Context, userID, fingerprint string) error
}

// FailureStore answers recent-failure and IP-suspicion questions, backed by
// the IPSecurityTracking/SecurityEvent tables.
type FailureStore interface {
	RecentFailedLogins(ctx context.Context, userID string, since time.Time) (int, error)
	IPSuspiciousCount(ctx context.Context, ip string) (int, error)
}

// Engine computes risk verdicts.
type Engine struct {
	geo      *geo.Resolver
	devices  DeviceStore
	failures FailureStore
}

// New builds a risk Engine.
func New(geoResolver *geo.Resolver, devices DeviceStore, failures FailureStore) *Engine {
	return &Engine{geo: geoResolver, devices: devices, failures: failures}
}

// Score evaluates in and returns a verdict. The verdict is advisory: it is
// the caller's (component G's) responsibility to act on it and to audit the
// decision.
func (e *Engine) Score(ctx context.Context, in Input) (Verdict, error) {
	if blocked, err := e.geo.IsBlocked(ctx, in.IPAddress); err != nil {
		return Verdict{}, err
	} else if blocked {
		v := Verdict{Score: 100, Signals: []Signal{{Name: "ip_blocklisted", Weight: 100}}, Recommendation: Deny}
		e.record(v)
		return v, nil
	}

	var signals []Signal
	score := 0

	currentMeta, err := e.geo.Resolve(ctx, in.IPAddress)
	if err != nil {
		return Verdict{}, err
	}

	if in.UserID != "" {
		history, err := e.geo.History(ctx, in.UserID)
		if err != nil {
			return Verdict{}, err
		}

		if len(history) > 0 && currentMeta.HasCoordinates() {
			last := history[0]
			elapsed := in.Timestamp.Sub(last.LoggedAt).Seconds()
			speed := geo.SpeedKmh(last.Latitude, last.Longitude, currentMeta.Latitude, currentMeta.Longitude, elapsed)
			if speed > impossibleTravelSpeedKmh {
				signals = append(signals, Signal{Name: "impossible_travel", Weight: weightImpossibleTravel})
				score += weightImpossibleTravel
			}
		}

		if countryChanged(history, currentMeta.Country, countryHistoryWindow) {
			signals = append(signals, Signal{Name: "country_change", Weight: weightCountryChange})
			score += weightCountryChange
		}
		if asnChanged(history, currentMeta.ASN) {
			signals = append(signals, Signal{Name: "asn_change", Weight: weightASNChange})
			score += weightASNChange
		}

		if in.DeviceFingerprint != "" {
			seen, err := e.devices.HasSeenDevice(ctx, in.UserID, in.DeviceFingerprint)
			if err != nil {
				return Verdict{}, err
			}
			if !seen {
				signals = append(signals, Signal{Name: "new_device", Weight: weightNewDevice})
				score += weightNewDevice
			}
		}

		failures, err := e.failures.RecentFailedLogins(ctx, in.UserID, in.Timestamp.Add(-RecentFailureWindow))
		if err != nil {
			return Verdict{}, err
		}
		if failures >= RecentFailureThreshold {
			signals = append(signals, Signal{Name: "recent_failures", Weight: weightRecentFailures})
			score += weightRecentFailures
		}
	}

	suspicious, err := e.failures.IPSuspiciousCount(ctx, in.IPAddress)
	if err != nil {
		return Verdict{}, err
	}
	if suspicious >= SuspiciousIPThreshold {
		signals = append(signals, Signal{Name: "suspicious_ip", Weight: weightSuspiciousIP})
		score += weightSuspiciousIP
	}

	if score > 100 {
		score = 100
	}

	v := Verdict{Score: score, Signals: signals, Recommendation: recommendationFor(score)}
	e.record(v)
	return v, nil
}

// RecordDevice tells the engine that fingerprint has now been used
// successfully by userID, so future attempts don't score it as novel.
func (e *Engine) RecordDevice(ctx context.Context, userID, fingerprint string) error {
	if fingerprint == "" {
		return nil
	}
	return e.devices.RecordDevice(ctx, userID, fingerprint)
}

// SuspiciousIPCount returns how many recent security events have flagged ip,
// the same signal Score uses to weigh "suspicious_ip".
func (e *Engine) SuspiciousIPCount(ctx context.Context, ip string) (int, error) {
	return e.failures.IPSuspiciousCount(ctx, ip)
}

// RecentFailedLogins returns how many failed logins userID has accrued
// since since, the same signal Score uses to weigh "recent_failures".
func (e *Engine) RecentFailedLogins(ctx context.Context, userID string, since time.Time) (int, error) {
	return e.failures.RecentFailedLogins(ctx, userID, since)
}

// Geo exposes the resolver backing this engine's geo-velocity checks so
// callers (the authn pipeline) can record login history through the same
// resolver Score reads from.
func (e *Engine) Geo() *geo.Resolver {
	return e.geo
}

func recommendationFor(score int) Recommendation {
	switch {
	case score >= 70:
		return Deny
	case score >= 40:
		return Challenge
	default:
		return Allow
	}
}

func (e *Engine) record(v Verdict) {
	metrics.RiskScoreTotal.WithLabelValues(string(v.Recommendation)).Inc()
	metrics.RiskScoreHistogram.Observe(float64(v.Score))
}

// AuditVerdict logs the verdict as a SecurityEvent when the recommendation
// is not ALLOW, per spec's "the verdict ... must be audited" requirement.
func AuditVerdict(requestID, userID, username, ip string, v Verdict) {
	if v.Recommendation == Allow {
		return
	}
	eventType := models.EventTypeRiskChallenge
	if v.Recommendation == Deny {
		eventType = models.EventTypeRiskDenied
	}
	audit.LogSecurityEvent(requestID, userID, username, ip, eventType, string(v.Recommendation), signalNames(v.Signals), v.Score)
}

func signalNames(signals []Signal) string {
	if len(signals) == 0 {
		return ""
	}
	out := signals[0].Name
	for _, s := range signals[1:] {
		out += "," + s.Name
	}
	return out
}

func countryChanged(history []models.GeoHistoryEntry, current string, window int) bool {
	if current == "" {
		return false
	}
	n := window
	if n > len(history) {
		n = len(history)
	}
	for i := 0; i < n; i++ {
		if history[i].Country == current {
			return false
		}
	}
	return len(history) > 0
}

func asnChanged(history []models.GeoHistoryEntry, current uint) bool {
	if current == 0 || len(history) == 0 {
		return false
	}
	return history[0].ASN != current
}

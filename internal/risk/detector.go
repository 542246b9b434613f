package risk

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kubilitics/authd/internal/models"
)

// Thresholds for the brute-force / credential-stuffing / account-enumeration
// detectors that feed the engine's suspicious-IP signal and the
// authentication pipeline's CAPTCHA trigger.
const (
	BruteForceThreshold         = 5  // failed logins per IP per 5 minutes
	CredentialStuffingThreshold = 10 // failed logins per IP per hour
	AccountEnumerationThreshold = 3  // distinct-username failures per IP per 5 minutes
	IPBlockDuration             = 30 * time.Minute
)

// DetectorStore is the persistence surface the abuse detector needs.
type DetectorStore interface {
	CreateSecurityEvent(ctx context.Context, event *models.SecurityEvent) error
	GetIPSecurityTracking(ctx context.Context, ipAddress string) (*models.IPSecurityTracking, error)
	IncrementIPFailedLogin(ctx context.Context, ipAddress string) error
	IncrementIPAccountEnumeration(ctx context.Context, ipAddress string) error
	BlockIP(ctx context.Context, ipAddress string, until time.Time) error
}

// Detector watches per-IP failure counters and raises a block plus a
// SecurityEvent once a threshold is crossed. It is the concrete FailureStore
// the engine's suspicious-IP signal reads from.
type Detector struct {
	store DetectorStore
}

// NewDetector builds a Detector over store.
func NewDetector(store DetectorStore) *Detector {
	return &Detector{store: store}
}

// RecordFailedLogin increments the IP's failure counter and blocks it if
// either the brute-force or credential-stuffing threshold is crossed.
func (d *Detector) RecordFailedLogin(ctx context.Context, ipAddress, username, userAgent string) error {
	if err := d.store.IncrementIPFailedLogin(ctx, ipAddress); err != nil {
		return err
	}
	if _, err := d.detectBruteForce(ctx, ipAddress, username, userAgent); err != nil {
		return err
	}
	_, err := d.detectCredentialStuffing(ctx, ipAddress, userAgent)
	return err
}

// RecordAccountEnumeration increments the IP's enumeration counter and
// blocks it if the account-enumeration threshold is crossed.
func (d *Detector) RecordAccountEnumeration(ctx context.Context, ipAddress, username, userAgent string) error {
	if err := d.store.IncrementIPAccountEnumeration(ctx, ipAddress); err != nil {
		return err
	}
	_, err := d.detectAccountEnumeration(ctx, ipAddress, username, userAgent)
	return err
}

func (d *Detector) detectBruteForce(ctx context.Context, ipAddress, username, userAgent string) (bool, error) {
	tracking, err := d.store.GetIPSecurityTracking(ctx, ipAddress)
	if err != nil {
		return false, err
	}
	if tracking == nil {
		return false, nil
	}
	if tracking.IsBlocked() {
		return true, nil
	}
	if tracking.FailedLoginCount < BruteForceThreshold {
		return false, nil
	}
	return true, d.blockAndAudit(ctx, ipAddress, username, userAgent, models.EventTypeBruteForce, 90,
		map[string]interface{}{"failed_login_count": tracking.FailedLoginCount, "threshold": BruteForceThreshold})
}

func (d *Detector) detectCredentialStuffing(ctx context.Context, ipAddress, userAgent string) (bool, error) {
	tracking, err := d.store.GetIPSecurityTracking(ctx, ipAddress)
	if err != nil {
		return false, err
	}
	if tracking == nil {
		return false, nil
	}
	if tracking.IsBlocked() {
		return true, nil
	}
	if tracking.FailedLoginCount < CredentialStuffingThreshold {
		return false, nil
	}
	return true, d.blockAndAudit(ctx, ipAddress, "", userAgent, models.EventTypeCredentialStuffing, 95,
		map[string]interface{}{"failed_login_count": tracking.FailedLoginCount, "threshold": CredentialStuffingThreshold})
}

func (d *Detector) detectAccountEnumeration(ctx context.Context, ipAddress, username, userAgent string) (bool, error) {
	tracking, err := d.store.GetIPSecurityTracking(ctx, ipAddress)
	if err != nil {
		return false, err
	}
	if tracking == nil {
		return false, nil
	}
	if tracking.IsBlocked() {
		return true, nil
	}
	if tracking.AccountEnumerationCount < AccountEnumerationThreshold {
		return false, nil
	}
	return true, d.blockAndAudit(ctx, ipAddress, username, userAgent, models.EventTypeAccountEnumeration, 85,
		map[string]interface{}{"enumeration_count": tracking.AccountEnumerationCount, "threshold": AccountEnumerationThreshold})
}

func (d *Detector) blockAndAudit(ctx context.Context, ipAddress, username, userAgent, eventType string, riskScore int, detail map[string]interface{}) error {
	if err := d.store.BlockIP(ctx, ipAddress, time.Now().Add(IPBlockDuration)); err != nil {
		return err
	}
	details, _ := json.Marshal(detail)
	return d.store.CreateSecurityEvent(ctx, &models.SecurityEvent{
		EventType: eventType,
		Username:  username,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		RiskScore: riskScore,
		Details:   string(details),
		CreatedAt: time.Now(),
	})
}

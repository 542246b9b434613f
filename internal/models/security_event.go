package models

import "time"

// Security event types. Brute force / credential stuffing / account
// enumeration come from the teacher's detector; the passkey and risk ones
// are added for this domain's pipeline.
const (
	EventTypeBruteForce         = "brute_force"
	EventTypeCredentialStuffing = "credential_stuffing"
	EventTypeAccountEnumeration = "account_enumeration"
	EventTypeSuspiciousActivity = "suspicious_activity"
	EventTypePasskeyCounterRegression = "passkey_counter_regression"
	EventTypeRiskDenied         = "risk_denied"
	EventTypeRiskChallenge      = "risk_challenge"
	EventTypeImpossibleTravel   = "impossible_travel"
	EventTypeRoleAssignmentDenied = "role_assignment_denied"
)

// SecurityEvent is an append-only audit record of a security-relevant
// occurrence, surfaced to operators and consumed by the risk engine's
// recent-failure signal.
type SecurityEvent struct {
	ID        string    `json:"id" db:"id"`
	EventType string    `json:"eventType" db:"event_type"`
	UserID    *string   `json:"userId,omitempty" db:"user_id"`
	Username  string    `json:"username,omitempty" db:"username"`
	IPAddress string    `json:"ipAddress" db:"ip_address"`
	UserAgent string    `json:"userAgent,omitempty" db:"user_agent"`
	RiskScore int       `json:"riskScore" db:"risk_score"` // 0-100
	Details   string    `json:"details,omitempty" db:"details"` // JSON
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// IPSecurityTracking aggregates recent failure/enumeration counters for one
// IP address; the substrate the brute-force/credential-stuffing/account
// enumeration detectors key off of.
type IPSecurityTracking struct {
	IPAddress               string     `json:"ipAddress" db:"ip_address"`
	FailedLoginCount        int        `json:"failedLoginCount" db:"failed_login_count"`
	LastFailedLoginAt       *time.Time `json:"lastFailedLoginAt,omitempty" db:"last_failed_login_at"`
	AccountEnumerationCount int        `json:"accountEnumerationCount" db:"account_enumeration_count"`
	LastEnumerationAt       *time.Time `json:"lastEnumerationAt,omitempty" db:"last_enumeration_at"`
	BlockedUntil            *time.Time `json:"blockedUntil,omitempty" db:"blocked_until"`
	CreatedAt               time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt               time.Time  `json:"updatedAt" db:"updated_at"`
}

// IsBlocked reports whether the IP is currently under a timed block.
func (t *IPSecurityTracking) IsBlocked() bool {
	if t.BlockedUntil == nil {
		return false
	}
	return time.Now().Before(*t.BlockedUntil)
}

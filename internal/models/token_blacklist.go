package models

import "time"

// RevokedToken marks a single JWT (by its jti claim) as no longer honored,
// even if its signature and expiry are otherwise valid — the authoritative
// tier of the token issuer's two-tier revocation lookup.
type RevokedToken struct {
	TokenID   string    `json:"tokenId" db:"token_id"` // JWT ID (jti)
	UserID    string    `json:"userId" db:"user_id"`
	RevokedAt time.Time `json:"revokedAt" db:"revoked_at"`
	ExpiresAt time.Time `json:"expiresAt" db:"expires_at"` // original token expiry; safe to prune after this
	Reason    string    `json:"reason,omitempty" db:"reason"`
}

// Revocation reasons, used consistently across the pipeline and token issuer.
const (
	RevokeReasonLogout          = "logout"
	RevokeReasonPasswordChange  = "password_change"
	RevokeReasonRiskForceLogout = "risk_force_logout"
	RevokeReasonReplayDetected  = "replay_detected"
	RevokeReasonAdminRevoke     = "admin_revoke"
	RevokeReasonAccountDisabled = "account_disabled"
)

// RefreshTokenFamily tracks a refresh-token rotation chain so that reuse of
// an already-rotated-away refresh token (replay) revokes the whole family.
type RefreshTokenFamily struct {
	ID        string     `json:"id" db:"id"`
	FamilyID  string     `json:"familyId" db:"family_id"`
	UserID    string     `json:"userId" db:"user_id"`
	TokenID   string     `json:"tokenId" db:"token_id"`
	CreatedAt time.Time  `json:"createdAt" db:"created_at"`
	RevokedAt *time.Time `json:"revokedAt,omitempty" db:"revoked_at"`
}

// IsRevoked reports whether the family has been revoked.
func (f *RefreshTokenFamily) IsRevoked() bool {
	return f.RevokedAt != nil
}

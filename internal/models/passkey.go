package models

import "time"

// PasskeyCredential is one WebAuthn credential bound to a user.
type PasskeyCredential struct {
	ID              string    `json:"id" db:"id"`
	UserID          string    `json:"userId" db:"user_id"`
	CredentialID    []byte    `json:"-" db:"credential_id"` // raw WebAuthn credential ID
	PublicKey       []byte    `json:"-" db:"public_key"`
	AttestationType string    `json:"attestationType" db:"attestation_type"`
	AAGUID          []byte    `json:"-" db:"aaguid"`
	SignCount       uint32    `json:"-" db:"sign_count"`
	Transports      string    `json:"transports,omitempty" db:"transports"` // comma-separated
	Nickname        string    `json:"nickname,omitempty" db:"nickname"`
	CreatedAt       time.Time `json:"createdAt" db:"created_at"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty" db:"last_used_at"`
	DeletedAt       *time.Time `json:"-" db:"deleted_at"`
}

// IsDeleted reports whether the credential has been revoked by the owner.
func (p *PasskeyCredential) IsDeleted() bool {
	return p.DeletedAt != nil
}

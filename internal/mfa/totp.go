// Package mfa provides TOTP-based multi-factor step-up authentication:
// secret provisioning, code verification, and encrypted-at-rest secret
// storage, plus backup codes for account recovery.
package mfa

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/pquerna/otp/totp"

	"github.com/kubilitics/authd/internal/crypto/password"
)

const (
	// Issuer is the name shown in authenticator apps.
	Issuer = "authd"
	// SecretSize is the size of the TOTP secret in bytes.
	SecretSize = 20
)

// GenerateSecret provisions a new TOTP secret for username, returning the
// base32 secret and an otpauth:// URL suitable for QR-code rendering.
func GenerateSecret(username string) (secret string, otpauthURL string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      Issuer,
		AccountName: username,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to generate TOTP key: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

// VerifyCode checks code against secret using the standard 30s TOTP window.
func VerifyCode(secret, code string) bool {
	return totp.Validate(code, secret)
}

// GenerateBackupCodes returns count single-use recovery codes.
func GenerateBackupCodes(count int) ([]string, error) {
	if count <= 0 {
		count = 10
	}
	codes := make([]string, count)
	for i := 0; i < count; i++ {
		raw := make([]byte, 6)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		codes[i] = base64.URLEncoding.EncodeToString(raw)[:8]
	}
	return codes, nil
}

// HashBackupCode hashes a backup code for storage, the same way passwords
// are hashed for legacy verification.
func HashBackupCode(code string) (string, error) {
	return password.HashBcrypt(code)
}

// VerifyBackupCode reports whether code matches hash.
func VerifyBackupCode(hash, code string) bool {
	ok, err := password.Verify(hash, code)
	return err == nil && ok
}

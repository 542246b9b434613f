package repository

import (
	"context"
	"time"

	"github.com/kubilitics/authd/internal/models"
)

// UserRepository covers the credential store's principal records.
type UserRepository interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	ListUsers(ctx context.Context, limit, offset int) ([]models.User, error)
	UpdateUser(ctx context.Context, u *models.User) error
	UpdateUserRole(ctx context.Context, userID, roleID string) error
	CreateFederatedUser(ctx context.Context, u *models.User) error

	// IncrementFailedLogin bumps the user's failed-login counter and, if the
	// new count reaches maxAttempts, locks the account until lockUntil.
	IncrementFailedLogin(ctx context.Context, userID string, maxAttempts int, lockUntil time.Time) (locked bool, err error)
	ResetFailedLogin(ctx context.Context, userID string) error
	RecordSuccessfulLogin(ctx context.Context, userID, ip string) error
	SetPassword(ctx context.Context, userID, hash string, family models.PasswordHashFamily) error
}

// RoleRepository backs the hierarchical RBAC resolver.
type RoleRepository interface {
	GetRole(ctx context.Context, id string) (*models.Role, error)
	ListRoles(ctx context.Context) ([]models.Role, error)
	CreateRole(ctx context.Context, r *models.Role) error
	UpdateRoleParent(ctx context.Context, roleID string, parentID *string, newPath string) error
	DeleteRole(ctx context.Context, id string) error

	UserRoleIDs(ctx context.Context, userID string) ([]string, error)
	RolePermissionKeys(ctx context.Context, roleID string) ([]string, error)
	CreatePermission(ctx context.Context, p *models.Permission) error
	GrantPermission(ctx context.Context, roleID, permissionKey string) error
	RevokePermission(ctx context.Context, roleID, permissionKey string) error
	ListPermissions(ctx context.Context) ([]models.Permission, error)
}

// PasskeyRepository backs the WebAuthn ceremony.
type PasskeyRepository interface {
	ListCredentials(ctx context.Context, userID string) ([]models.PasskeyCredential, error)
	GetCredentialByID(ctx context.Context, credentialID []byte) (*models.PasskeyCredential, error)
	CreateCredential(ctx context.Context, c *models.PasskeyCredential) error
	UpdateCredentialCounter(ctx context.Context, credentialID []byte, newCount uint32) error
	MarkCredentialCompromised(ctx context.Context, credentialID []byte) error
	DeleteCredential(ctx context.Context, credentialID []byte) error
}

// TokenRepository backs the issuer's authoritative revocation tier; its
// method set matches token.RevocationStore exactly so the repository can be
// passed straight into token.New without an adapter.
type TokenRepository interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
	Revoke(ctx context.Context, revoked models.RevokedToken) error
	RevokeAllForUser(ctx context.Context, userID, reason string) error
	PruneExpiredTokens(ctx context.Context, before time.Time) error
}

// GeoRepository backs the geo resolver and risk engine's history checks.
type GeoRepository interface {
	GetIPMetadata(ctx context.Context, ip string) (*models.IPMetadata, error)
	UpsertIPMetadata(ctx context.Context, m *models.IPMetadata) error
	IsIPBlocked(ctx context.Context, ip string) (bool, error)
	// AddIPBlocklistEntry records an operator-managed block, distinct from
	// the abuse detector's BlockIP (SecurityRepository) which also stamps a
	// SecurityEvent.
	AddIPBlocklistEntry(ctx context.Context, ip, reason string, expiresAt *time.Time) error
	AppendGeoHistory(ctx context.Context, e models.GeoHistoryEntry) error
	RecentGeoHistory(ctx context.Context, userID string, limit int) ([]models.GeoHistoryEntry, error)
}

// SecurityRepository backs the abuse detector and risk engine's
// failure/suspicion signals.
type SecurityRepository interface {
	CreateSecurityEvent(ctx context.Context, e *models.SecurityEvent) error
	ListSecurityEvents(ctx context.Context, limit int) ([]models.SecurityEvent, error)
	GetIPSecurityTracking(ctx context.Context, ip string) (*models.IPSecurityTracking, error)
	IncrementIPFailedLogin(ctx context.Context, ip string) error
	IncrementIPAccountEnumeration(ctx context.Context, ip string) error
	BlockIP(ctx context.Context, ip string, until time.Time) error

	RecentFailedLogins(ctx context.Context, userID string, since time.Time) (int, error)
	IPSuspiciousCount(ctx context.Context, ip string) (int, error)
	HasSeenDevice(ctx context.Context, userID, fingerprint string) (bool, error)
	RecordDevice(ctx context.Context, userID, fingerprint string) error
}

// AuthEventRepository keeps the append-only login/logout/password-change log.
type AuthEventRepository interface {
	CreateAuthEvent(ctx context.Context, e *models.AuthEvent) error
	ListAuthEvents(ctx context.Context, userID string, limit int) ([]models.AuthEvent, error)
}

// SessionRepository tracks active sessions for listing/revocation by the user.
type SessionRepository interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessionsForUser(ctx context.Context, userID string) ([]models.Session, error)
	TouchSession(ctx context.Context, id string, lastActivity time.Time) error
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context, before time.Time) error
}

// MFARepository persists TOTP secrets and backup codes.
type MFARepository interface {
	CreateTOTPSecret(ctx context.Context, s *models.MFATOTPSecret) error
	GetTOTPSecret(ctx context.Context, userID string) (*models.MFATOTPSecret, error)
	VerifyTOTPSecret(ctx context.Context, userID string) error
	DeleteTOTPSecret(ctx context.Context, userID string) error

	CreateBackupCodes(ctx context.Context, codes []models.MFABackupCode) error
	ListBackupCodes(ctx context.Context, userID string) ([]models.MFABackupCode, error)
	ConsumeBackupCode(ctx context.Context, id string) error
}

// PasswordResetRepository persists self-service password reset tokens.
type PasswordResetRepository interface {
	CreatePasswordResetToken(ctx context.Context, t *models.PasswordResetToken) error
	GetPasswordResetToken(ctx context.Context, tokenHash string) (*models.PasswordResetToken, error)
	MarkPasswordResetTokenUsed(ctx context.Context, id string) error
}

// Repository is the full storage surface authd's components are wired
// against. The sqlite and postgres backends each implement it in full.
type Repository interface {
	UserRepository
	RoleRepository
	PasskeyRepository
	TokenRepository
	GeoRepository
	SecurityRepository
	AuthEventRepository
	SessionRepository
	MFARepository
	PasswordResetRepository

	Close() error
}

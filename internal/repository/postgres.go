package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/kubilitics/authd/internal/models"
)

// PostgresRepository implements Repository on top of PostgreSQL using
// lib/pq and sqlx.
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository opens connectionString and applies the schema.
func NewPostgresRepository(connectionString string) (*PostgresRepository, error) {
	db, err := sqlx.Connect("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec(schemaPostgres); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &PostgresRepository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

// Ping checks database connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// --- UserRepository ---

func (r *PostgresRepository) CreateUser(ctx context.Context, u *models.User) error {
	return instrumentQueryContext(ctx, "create_user", func() error {
		now := time.Now()
		u.CreatedAt, u.UpdatedAt = now, now
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO users (id, external_id, username, email, recovery_email_enc, recovery_email_blind,
				password_hash, password_hash_family, password_updated_at, status, role_id,
				mfa_enabled, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			u.ID, u.ExternalID, u.Username, u.Email, u.RecoveryEmailEnc, u.RecoveryEmailBlind,
			u.PasswordHash, u.PasswordHashFamily, u.PasswordUpdatedAt, u.Status, u.RoleID,
			u.MFAEnabled, u.CreatedAt, u.UpdatedAt)
		return err
	})
}

func (r *PostgresRepository) CreateFederatedUser(ctx context.Context, u *models.User) error {
	if u.Status == "" {
		u.Status = models.AccountActive
	}
	return r.CreateUser(ctx, u)
}

func (r *PostgresRepository) getUserWhere(ctx context.Context, clause string, arg interface{}) (*models.User, error) {
	var u models.User
	query := "SELECT * FROM users WHERE deleted_at IS NULL AND " + clause
	err := r.db.GetContext(ctx, &u, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *PostgresRepository) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u *models.User
	err := instrumentQueryContext(ctx, "get_user", func() error {
		var e error
		u, e = r.getUserWhere(ctx, "id = ?", id)
		return e
	})
	return u, err
}

func (r *PostgresRepository) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var u *models.User
	err := instrumentQueryContext(ctx, "get_user_by_username", func() error {
		var e error
		u, e = r.getUserWhere(ctx, "username = ?", username)
		return e
	})
	return u, err
}

func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u *models.User
	err := instrumentQueryContext(ctx, "get_user_by_email", func() error {
		var e error
		u, e = r.getUserWhere(ctx, "email = ?", email)
		return e
	})
	return u, err
}

func (r *PostgresRepository) ListUsers(ctx context.Context, limit, offset int) ([]models.User, error) {
	var users []models.User
	err := instrumentQueryContext(ctx, "list_users", func() error {
		return r.db.SelectContext(ctx, &users,
			`SELECT * FROM users WHERE deleted_at IS NULL ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
			limit, offset)
	})
	return users, err
}

func (r *PostgresRepository) UpdateUser(ctx context.Context, u *models.User) error {
	return instrumentQueryContext(ctx, "update_user", func() error {
		u.UpdatedAt = time.Now()
		_, err := r.db.ExecContext(ctx, `
			UPDATE users SET email=$1, recovery_email_enc=$2, recovery_email_blind=$3, status=$4, role_id=$5,
				mfa_enabled=$6, last_login_at=$7, last_login_ip=$8, updated_at=$9
			WHERE id=$10`,
			u.Email, u.RecoveryEmailEnc, u.RecoveryEmailBlind, u.Status, u.RoleID,
			u.MFAEnabled, u.LastLoginAt, u.LastLoginIP, u.UpdatedAt, u.ID)
		return err
	})
}

func (r *PostgresRepository) UpdateUserRole(ctx context.Context, userID, roleID string) error {
	return instrumentQueryContext(ctx, "update_user_role", func() error {
		_, err := r.db.ExecContext(ctx, `UPDATE users SET role_id=$1, updated_at=$2 WHERE id=$3`,
			roleID, time.Now(), userID)
		return err
	})
}

func (r *PostgresRepository) IncrementFailedLogin(ctx context.Context, userID string, maxAttempts int, lockUntil time.Time) (bool, error) {
	var locked bool
	err := instrumentQueryContext(ctx, "increment_failed_login", func() error {
		return r.withTx(ctx, func(tx *sqlx.Tx) error {
			var count int
			if err := tx.GetContext(ctx, &count, `SELECT failed_login_count FROM users WHERE id=$1`, userID); err != nil {
				return err
			}
			count++
			locked = count >= maxAttempts
			now := time.Now()
			if locked {
				_, err := tx.ExecContext(ctx, `UPDATE users SET failed_login_count=$1, last_failed_login_at=$2, locked_until=$3, updated_at=$4 WHERE id=$5`,
					count, now, lockUntil, now, userID)
				return err
			}
			_, err := tx.ExecContext(ctx, `UPDATE users SET failed_login_count=$1, last_failed_login_at=$2, updated_at=$3 WHERE id=$4`,
				count, now, now, userID)
			return err
		})
	})
	return locked, err
}

func (r *PostgresRepository) ResetFailedLogin(ctx context.Context, userID string) error {
	return instrumentQueryContext(ctx, "reset_failed_login", func() error {
		_, err := r.db.ExecContext(ctx, `UPDATE users SET failed_login_count=0, locked_until=NULL, updated_at=$1 WHERE id=$2`,
			time.Now(), userID)
		return err
	})
}

func (r *PostgresRepository) RecordSuccessfulLogin(ctx context.Context, userID, ip string) error {
	return instrumentQueryContext(ctx, "record_successful_login", func() error {
		now := time.Now()
		_, err := r.db.ExecContext(ctx, `
			UPDATE users SET failed_login_count=0, locked_until=NULL, last_login_at=$1, last_login_ip=$2, updated_at=$3
			WHERE id=$4`, now, ip, now, userID)
		return err
	})
}

func (r *PostgresRepository) SetPassword(ctx context.Context, userID, hash string, family models.PasswordHashFamily) error {
	return instrumentQueryContext(ctx, "set_password", func() error {
		now := time.Now()
		_, err := r.db.ExecContext(ctx, `
			UPDATE users SET password_hash=$1, password_hash_family=$2, password_updated_at=$3, updated_at=$4
			WHERE id=$5`, hash, family, now, now, userID)
		return err
	})
}

func (r *PostgresRepository) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- RoleRepository ---

func (r *PostgresRepository) GetRole(ctx context.Context, id string) (*models.Role, error) {
	var role models.Role
	err := instrumentQueryContext(ctx, "get_role", func() error {
		return r.db.GetContext(ctx, &role, `SELECT * FROM roles WHERE id=$1 AND deleted_at IS NULL`, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &role, nil
}

func (r *PostgresRepository) ListRoles(ctx context.Context) ([]models.Role, error) {
	var roles []models.Role
	err := instrumentQueryContext(ctx, "list_roles", func() error {
		return r.db.SelectContext(ctx, &roles, `SELECT * FROM roles WHERE deleted_at IS NULL ORDER BY path`)
	})
	return roles, err
}

func (r *PostgresRepository) CreateRole(ctx context.Context, role *models.Role) error {
	return instrumentQueryContext(ctx, "create_role", func() error {
		now := time.Now()
		role.CreatedAt, role.UpdatedAt = now, now
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO roles (id, name, parent_id, path, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)`, role.ID, role.Name, role.ParentID, role.Path, role.CreatedAt, role.UpdatedAt)
		return err
	})
}

func (r *PostgresRepository) UpdateRoleParent(ctx context.Context, roleID string, parentID *string, newPath string) error {
	return instrumentQueryContext(ctx, "update_role_parent", func() error {
		_, err := r.db.ExecContext(ctx, `UPDATE roles SET parent_id=$1, path=$2, updated_at=$3 WHERE id=$4`,
			parentID, newPath, time.Now(), roleID)
		return err
	})
}

func (r *PostgresRepository) DeleteRole(ctx context.Context, id string) error {
	return instrumentQueryContext(ctx, "delete_role", func() error {
		_, err := r.db.ExecContext(ctx, `UPDATE roles SET deleted_at=$1 WHERE id=$2`, time.Now(), id)
		return err
	})
}

func (r *PostgresRepository) UserRoleIDs(ctx context.Context, userID string) ([]string, error) {
	var roleID string
	err := instrumentQueryContext(ctx, "user_role_ids", func() error {
		return r.db.GetContext(ctx, &roleID, `SELECT role_id FROM users WHERE id=$1 AND deleted_at IS NULL`, userID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []string{roleID}, nil
}

func (r *PostgresRepository) RolePermissionKeys(ctx context.Context, roleID string) ([]string, error) {
	var keys []string
	err := instrumentQueryContext(ctx, "role_permission_keys", func() error {
		return r.db.SelectContext(ctx, &keys, `
			SELECT p.key FROM permissions p
			JOIN role_permissions rp ON rp.permission_id = p.id
			WHERE rp.role_id = $1`, roleID)
	})
	return keys, err
}

func (r *PostgresRepository) CreatePermission(ctx context.Context, p *models.Permission) error {
	return instrumentQueryContext(ctx, "create_permission", func() error {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now()
		}
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO permissions (id, key, description, created_at) VALUES ($1, $2, $3, $4)`,
			p.ID, p.Key, p.Description, p.CreatedAt)
		return err
	})
}

func (r *PostgresRepository) GrantPermission(ctx context.Context, roleID, permissionKey string) error {
	return instrumentQueryContext(ctx, "grant_permission", func() error {
		var permID string
		if err := r.db.GetContext(ctx, &permID, `SELECT id FROM permissions WHERE key=$1`, permissionKey); err != nil {
			return fmt.Errorf("unknown permission %q: %w", permissionKey, err)
		}
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO role_permissions (role_id, permission_id, granted_at) VALUES ($1, $2, $3)
			ON CONFLICT (role_id, permission_id) DO NOTHING`,
			roleID, permID, time.Now())
		return err
	})
}

func (r *PostgresRepository) RevokePermission(ctx context.Context, roleID, permissionKey string) error {
	return instrumentQueryContext(ctx, "revoke_permission", func() error {
		_, err := r.db.ExecContext(ctx, `
			DELETE FROM role_permissions WHERE role_id=$1 AND permission_id=(SELECT id FROM permissions WHERE key=$2)`,
			roleID, permissionKey)
		return err
	})
}

func (r *PostgresRepository) ListPermissions(ctx context.Context) ([]models.Permission, error) {
	var perms []models.Permission
	err := instrumentQueryContext(ctx, "list_permissions", func() error {
		return r.db.SelectContext(ctx, &perms, `SELECT * FROM permissions ORDER BY key`)
	})
	return perms, err
}

// --- PasskeyRepository ---

func (r *PostgresRepository) ListCredentials(ctx context.Context, userID string) ([]models.PasskeyCredential, error) {
	var creds []models.PasskeyCredential
	err := instrumentQueryContext(ctx, "list_credentials", func() error {
		return r.db.SelectContext(ctx, &creds, `
			SELECT * FROM passkey_credentials WHERE user_id=$1 AND deleted_at IS NULL`, userID)
	})
	return creds, err
}

func (r *PostgresRepository) GetCredentialByID(ctx context.Context, credentialID []byte) (*models.PasskeyCredential, error) {
	var c models.PasskeyCredential
	err := instrumentQueryContext(ctx, "get_credential_by_id", func() error {
		return r.db.GetContext(ctx, &c, `
			SELECT * FROM passkey_credentials WHERE credential_id=$1 AND deleted_at IS NULL`, credentialID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *PostgresRepository) CreateCredential(ctx context.Context, c *models.PasskeyCredential) error {
	return instrumentQueryContext(ctx, "create_credential", func() error {
		c.CreatedAt = time.Now()
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO passkey_credentials (id, user_id, credential_id, public_key, attestation_type,
				aaguid, sign_count, transports, nickname, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			c.ID, c.UserID, c.CredentialID, c.PublicKey, c.AttestationType, c.AAGUID, c.SignCount,
			c.Transports, c.Nickname, c.CreatedAt)
		return err
	})
}

func (r *PostgresRepository) UpdateCredentialCounter(ctx context.Context, credentialID []byte, newCount uint32) error {
	return instrumentQueryContext(ctx, "update_credential_counter", func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE passkey_credentials SET sign_count=$1, last_used_at=$2 WHERE credential_id=$3`,
			newCount, time.Now(), credentialID)
		return err
	})
}

func (r *PostgresRepository) MarkCredentialCompromised(ctx context.Context, credentialID []byte) error {
	return instrumentQueryContext(ctx, "mark_credential_compromised", func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE passkey_credentials SET deleted_at=$1 WHERE credential_id=$2`, time.Now(), credentialID)
		return err
	})
}

// DeleteCredential soft-deletes a credential the owning user chose to
// remove (e.g. a lost device), distinct from MarkCredentialCompromised which
// records a security incident.
func (r *PostgresRepository) DeleteCredential(ctx context.Context, credentialID []byte) error {
	return instrumentQueryContext(ctx, "delete_credential", func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE passkey_credentials SET deleted_at=$1 WHERE credential_id=$2`, time.Now(), credentialID)
		return err
	})
}

// --- TokenRepository (matches token.RevocationStore) ---

func (r *PostgresRepository) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := instrumentQueryContext(ctx, "is_token_revoked", func() error {
		return r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE token_id=$1)`, jti)
	})
	return exists, err
}

func (r *PostgresRepository) Revoke(ctx context.Context, t models.RevokedToken) error {
	return instrumentQueryContext(ctx, "revoke_token", func() error {
		if t.RevokedAt.IsZero() {
			t.RevokedAt = time.Now()
		}
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO revoked_tokens (token_id, user_id, revoked_at, expires_at, reason)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (token_id) DO UPDATE SET user_id=excluded.user_id, revoked_at=excluded.revoked_at,
				expires_at=excluded.expires_at, reason=excluded.reason`, t.TokenID, t.UserID, t.RevokedAt, t.ExpiresAt, t.Reason)
		return err
	})
}

func (r *PostgresRepository) RevokeAllForUser(ctx context.Context, userID, reason string) error {
	return instrumentQueryContext(ctx, "revoke_all_for_user", func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE sessions SET expires_at=$1 WHERE user_id=$2`, time.Now(), userID)
		if err != nil {
			return err
		}
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO revoked_tokens (token_id, user_id, revoked_at, expires_at, reason)
			SELECT token_id, user_id, $1, $2, $3 FROM sessions WHERE user_id=$4
			ON CONFLICT (token_id) DO UPDATE SET revoked_at=excluded.revoked_at, expires_at=excluded.expires_at,
				reason=excluded.reason`,
			time.Now(), time.Now().Add(token7DayCeiling), reason, userID)
		return err
	})
}

func (r *PostgresRepository) PruneExpiredTokens(ctx context.Context, before time.Time) error {
	return instrumentQueryContext(ctx, "prune_expired_tokens", func() error {
		_, err := r.db.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at < $1`, before)
		return err
	})
}

const token7DayCeiling = 7 * 24 * time.Hour

// --- GeoRepository ---

func (r *PostgresRepository) GetIPMetadata(ctx context.Context, ip string) (*models.IPMetadata, error) {
	var m models.IPMetadata
	err := instrumentQueryContext(ctx, "get_ip_metadata", func() error {
		return r.db.GetContext(ctx, &m, `SELECT * FROM ip_metadata WHERE ip_address=$1`, ip)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *PostgresRepository) UpsertIPMetadata(ctx context.Context, m *models.IPMetadata) error {
	return instrumentQueryContext(ctx, "upsert_ip_metadata", func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO ip_metadata (ip_address, country, city, latitude, longitude, asn, asn_org, resolved_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT(ip_address) DO UPDATE SET country=excluded.country, city=excluded.city,
				latitude=excluded.latitude, longitude=excluded.longitude, asn=excluded.asn,
				asn_org=excluded.asn_org, resolved_at=excluded.resolved_at`,
			m.IPAddress, m.Country, m.City, m.Latitude, m.Longitude, m.ASN, m.ASNOrg, m.ResolvedAt)
		return err
	})
}

func (r *PostgresRepository) IsIPBlocked(ctx context.Context, ip string) (bool, error) {
	var blocked bool
	err := instrumentQueryContext(ctx, "is_ip_blocked", func() error {
		return r.db.GetContext(ctx, &blocked, `
			SELECT EXISTS(SELECT 1 FROM ip_blocklist WHERE ip_address=$1 AND (expires_at IS NULL OR expires_at > $2))`,
			ip, time.Now())
	})
	return blocked, err
}

func (r *PostgresRepository) AddIPBlocklistEntry(ctx context.Context, ip, reason string, expiresAt *time.Time) error {
	return instrumentQueryContext(ctx, "add_ip_blocklist_entry", func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO ip_blocklist (ip_address, reason, created_at, expires_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT(ip_address) DO UPDATE SET reason=excluded.reason, expires_at=excluded.expires_at`,
			ip, reason, time.Now(), expiresAt)
		return err
	})
}

func (r *PostgresRepository) AppendGeoHistory(ctx context.Context, e models.GeoHistoryEntry) error {
	return instrumentQueryContext(ctx, "append_geo_history", func() error {
		if e.LoggedAt.IsZero() {
			e.LoggedAt = time.Now()
		}
		return r.withTx(ctx, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO geo_history (user_id, ip_address, country, asn, latitude, longitude, logged_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				e.UserID, e.IPAddress, e.Country, e.ASN, e.Latitude, e.Longitude, e.LoggedAt); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `
				DELETE FROM geo_history WHERE user_id=$1 AND id NOT IN (
					SELECT id FROM geo_history WHERE user_id=$2 ORDER BY logged_at DESC LIMIT $3
				)`, e.UserID, e.UserID, models.GeoHistoryLimit)
			return err
		})
	})
}

func (r *PostgresRepository) RecentGeoHistory(ctx context.Context, userID string, limit int) ([]models.GeoHistoryEntry, error) {
	var entries []models.GeoHistoryEntry
	err := instrumentQueryContext(ctx, "recent_geo_history", func() error {
		return r.db.SelectContext(ctx, &entries, `
			SELECT user_id, ip_address, country, asn, latitude, longitude, logged_at
			FROM geo_history WHERE user_id=$1 ORDER BY logged_at DESC LIMIT $2`, userID, limit)
	})
	return entries, err
}

// --- SecurityRepository ---

func (r *PostgresRepository) CreateSecurityEvent(ctx context.Context, e *models.SecurityEvent) error {
	return instrumentQueryContext(ctx, "create_security_event", func() error {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO security_events (id, event_type, user_id, username, ip_address, user_agent,
				risk_score, details, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ID, e.EventType, e.UserID, e.Username, e.IPAddress, e.UserAgent, e.RiskScore, e.Details, e.CreatedAt)
		return err
	})
}

func (r *PostgresRepository) ListSecurityEvents(ctx context.Context, limit int) ([]models.SecurityEvent, error) {
	var events []models.SecurityEvent
	err := instrumentQueryContext(ctx, "list_security_events", func() error {
		return r.db.SelectContext(ctx, &events, `
			SELECT * FROM security_events ORDER BY created_at DESC LIMIT $1`, limit)
	})
	return events, err
}

func (r *PostgresRepository) GetIPSecurityTracking(ctx context.Context, ip string) (*models.IPSecurityTracking, error) {
	var t models.IPSecurityTracking
	err := instrumentQueryContext(ctx, "get_ip_security_tracking", func() error {
		return r.db.GetContext(ctx, &t, `SELECT * FROM ip_security_tracking WHERE ip_address=$1`, ip)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return &models.IPSecurityTracking{IPAddress: ip}, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *PostgresRepository) ensureIPTracking(ctx context.Context, ip string) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ip_security_tracking (ip_address, created_at, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT(ip_address) DO NOTHING`, ip, now, now)
	return err
}

func (r *PostgresRepository) IncrementIPFailedLogin(ctx context.Context, ip string) error {
	return instrumentQueryContext(ctx, "increment_ip_failed_login", func() error {
		if err := r.ensureIPTracking(ctx, ip); err != nil {
			return err
		}
		_, err := r.db.ExecContext(ctx, `
			UPDATE ip_security_tracking SET failed_login_count=failed_login_count+1,
				last_failed_login_at=$1, updated_at=$2 WHERE ip_address=$3`, time.Now(), time.Now(), ip)
		return err
	})
}

func (r *PostgresRepository) IncrementIPAccountEnumeration(ctx context.Context, ip string) error {
	return instrumentQueryContext(ctx, "increment_ip_account_enumeration", func() error {
		if err := r.ensureIPTracking(ctx, ip); err != nil {
			return err
		}
		_, err := r.db.ExecContext(ctx, `
			UPDATE ip_security_tracking SET account_enumeration_count=account_enumeration_count+1,
				last_enumeration_at=$1, updated_at=$2 WHERE ip_address=$3`, time.Now(), time.Now(), ip)
		return err
	})
}

func (r *PostgresRepository) BlockIP(ctx context.Context, ip string, until time.Time) error {
	return instrumentQueryContext(ctx, "block_ip", func() error {
		if err := r.ensureIPTracking(ctx, ip); err != nil {
			return err
		}
		_, err := r.db.ExecContext(ctx, `
			UPDATE ip_security_tracking SET blocked_until=$1, updated_at=$2 WHERE ip_address=$3`,
			until, time.Now(), ip)
		return err
	})
}

func (r *PostgresRepository) RecentFailedLogins(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := instrumentQueryContext(ctx, "recent_failed_logins", func() error {
		return r.db.GetContext(ctx, &count, `
			SELECT COUNT(*) FROM auth_events WHERE user_id=$1 AND event_type='login_failure' AND timestamp >= $2`,
			userID, since)
	})
	return count, err
}

func (r *PostgresRepository) IPSuspiciousCount(ctx context.Context, ip string) (int, error) {
	var count int
	err := instrumentQueryContext(ctx, "ip_suspicious_count", func() error {
		return r.db.GetContext(ctx, &count, `
			SELECT COUNT(*) FROM security_events WHERE ip_address=$1 AND created_at >= $2`,
			ip, time.Now().Add(-1*time.Hour))
	})
	return count, err
}

func (r *PostgresRepository) HasSeenDevice(ctx context.Context, userID, fingerprint string) (bool, error) {
	var seen bool
	err := instrumentQueryContext(ctx, "has_seen_device", func() error {
		return r.db.GetContext(ctx, &seen, `
			SELECT EXISTS(SELECT 1 FROM known_devices WHERE user_id=$1 AND fingerprint=$2)`, userID, fingerprint)
	})
	return seen, err
}

func (r *PostgresRepository) RecordDevice(ctx context.Context, userID, fingerprint string) error {
	return instrumentQueryContext(ctx, "record_device", func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO known_devices (user_id, fingerprint, first_seen_at) VALUES ($1, $2, $3)
			ON CONFLICT (user_id, fingerprint) DO NOTHING`,
			userID, fingerprint, time.Now())
		return err
	})
}

// --- AuthEventRepository ---

func (r *PostgresRepository) CreateAuthEvent(ctx context.Context, e *models.AuthEvent) error {
	return instrumentQueryContext(ctx, "create_auth_event", func() error {
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO auth_events (id, user_id, username, event_type, ip_address, user_agent, timestamp, details)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.ID, e.UserID, e.Username, e.EventType, e.IPAddress, e.UserAgent, e.Timestamp, e.Details)
		return err
	})
}

func (r *PostgresRepository) ListAuthEvents(ctx context.Context, userID string, limit int) ([]models.AuthEvent, error) {
	var events []models.AuthEvent
	err := instrumentQueryContext(ctx, "list_auth_events", func() error {
		return r.db.SelectContext(ctx, &events, `
			SELECT * FROM auth_events WHERE user_id=$1 ORDER BY timestamp DESC LIMIT $2`, userID, limit)
	})
	return events, err
}

// --- SessionRepository ---

func (r *PostgresRepository) CreateSession(ctx context.Context, s *models.Session) error {
	return instrumentQueryContext(ctx, "create_session", func() error {
		if s.CreatedAt.IsZero() {
			s.CreatedAt = time.Now()
		}
		if s.LastActivity.IsZero() {
			s.LastActivity = s.CreatedAt
		}
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO sessions (id, user_id, token_id, device_info, ip_address, user_agent,
				created_at, last_activity, expires_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			s.ID, s.UserID, s.TokenID, s.DeviceInfo, s.IPAddress, s.UserAgent,
			s.CreatedAt, s.LastActivity, s.ExpiresAt)
		return err
	})
}

func (r *PostgresRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	err := instrumentQueryContext(ctx, "get_session", func() error {
		return r.db.GetContext(ctx, &s, `SELECT * FROM sessions WHERE id=$1`, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *PostgresRepository) ListSessionsForUser(ctx context.Context, userID string) ([]models.Session, error) {
	var sessions []models.Session
	err := instrumentQueryContext(ctx, "list_sessions_for_user", func() error {
		return r.db.SelectContext(ctx, &sessions, `
			SELECT * FROM sessions WHERE user_id=$1 ORDER BY last_activity DESC`, userID)
	})
	return sessions, err
}

func (r *PostgresRepository) TouchSession(ctx context.Context, id string, lastActivity time.Time) error {
	return instrumentQueryContext(ctx, "touch_session", func() error {
		_, err := r.db.ExecContext(ctx, `UPDATE sessions SET last_activity=$1 WHERE id=$2`, lastActivity, id)
		return err
	})
}

func (r *PostgresRepository) DeleteSession(ctx context.Context, id string) error {
	return instrumentQueryContext(ctx, "delete_session", func() error {
		_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id=$1`, id)
		return err
	})
}

func (r *PostgresRepository) DeleteExpiredSessions(ctx context.Context, before time.Time) error {
	return instrumentQueryContext(ctx, "delete_expired_sessions", func() error {
		_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < $1`, before)
		return err
	})
}

// --- MFARepository ---

func (r *PostgresRepository) CreateTOTPSecret(ctx context.Context, s *models.MFATOTPSecret) error {
	return instrumentQueryContext(ctx, "create_totp_secret", func() error {
		if s.CreatedAt.IsZero() {
			s.CreatedAt = time.Now()
		}
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO mfa_totp_secrets (id, user_id, secret, enabled, created_at) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT(user_id) DO UPDATE SET secret=excluded.secret, enabled=excluded.enabled`,
			s.ID, s.UserID, s.Secret, s.Enabled, s.CreatedAt)
		return err
	})
}

func (r *PostgresRepository) GetTOTPSecret(ctx context.Context, userID string) (*models.MFATOTPSecret, error) {
	var s models.MFATOTPSecret
	err := instrumentQueryContext(ctx, "get_totp_secret", func() error {
		return r.db.GetContext(ctx, &s, `SELECT * FROM mfa_totp_secrets WHERE user_id=$1`, userID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *PostgresRepository) VerifyTOTPSecret(ctx context.Context, userID string) error {
	return instrumentQueryContext(ctx, "verify_totp_secret", func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE mfa_totp_secrets SET enabled=1, verified_at=$1 WHERE user_id=$2`, time.Now(), userID)
		return err
	})
}

func (r *PostgresRepository) DeleteTOTPSecret(ctx context.Context, userID string) error {
	return instrumentQueryContext(ctx, "delete_totp_secret", func() error {
		_, err := r.db.ExecContext(ctx, `DELETE FROM mfa_totp_secrets WHERE user_id=$1`, userID)
		return err
	})
}

func (r *PostgresRepository) CreateBackupCodes(ctx context.Context, codes []models.MFABackupCode) error {
	return instrumentQueryContext(ctx, "create_backup_codes", func() error {
		return r.withTx(ctx, func(tx *sqlx.Tx) error {
			for _, c := range codes {
				if c.CreatedAt.IsZero() {
					c.CreatedAt = time.Now()
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO mfa_backup_codes (id, user_id, code_hash, used, created_at) VALUES ($1, $2, $3, $4, $5)`,
					c.ID, c.UserID, c.CodeHash, c.Used, c.CreatedAt); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func (r *PostgresRepository) ListBackupCodes(ctx context.Context, userID string) ([]models.MFABackupCode, error) {
	var codes []models.MFABackupCode
	err := instrumentQueryContext(ctx, "list_backup_codes", func() error {
		return r.db.SelectContext(ctx, &codes, `
			SELECT * FROM mfa_backup_codes WHERE user_id=$1 AND used=0`, userID)
	})
	return codes, err
}

func (r *PostgresRepository) ConsumeBackupCode(ctx context.Context, id string) error {
	return instrumentQueryContext(ctx, "consume_backup_code", func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE mfa_backup_codes SET used=1, used_at=$1 WHERE id=$2`, time.Now(), id)
		return err
	})
}

// --- PasswordResetRepository ---

func (r *PostgresRepository) CreatePasswordResetToken(ctx context.Context, t *models.PasswordResetToken) error {
	return instrumentQueryContext(ctx, "create_password_reset_token", func() error {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now()
		}
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO password_reset_tokens (id, user_id, token_hash, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5)`, t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedAt)
		return err
	})
}

func (r *PostgresRepository) GetPasswordResetToken(ctx context.Context, tokenHash string) (*models.PasswordResetToken, error) {
	var t models.PasswordResetToken
	err := instrumentQueryContext(ctx, "get_password_reset_token", func() error {
		return r.db.GetContext(ctx, &t, `SELECT * FROM password_reset_tokens WHERE token_hash=$1`, tokenHash)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *PostgresRepository) MarkPasswordResetTokenUsed(ctx context.Context, id string) error {
	return instrumentQueryContext(ctx, "mark_password_reset_token_used", func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE password_reset_tokens SET used_at=$1 WHERE id=$2`, time.Now(), id)
		return err
	})
}

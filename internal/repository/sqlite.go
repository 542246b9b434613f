package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/kubilitics/authd/internal/models"
)

// SQLiteRepository implements Repository on top of a local SQLite file
// using the pure-Go modernc.org/sqlite driver (registered as "sqlite").
type SQLiteRepository struct {
	db *sqlx.DB
}

// NewSQLiteRepository opens dbPath, enables WAL mode for concurrent readers,
// and applies the schema.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec(schemaSQLite); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Ping checks database connectivity.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// --- UserRepository ---

func (r *SQLiteRepository) CreateUser(ctx context.Context, u *models.User) error {
	return instrumentQueryContext(ctx, "create_user", func() error {
		now := time.Now()
		u.CreatedAt, u.UpdatedAt = now, now
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO users (id, external_id, username, email, recovery_email_enc, recovery_email_blind,
				password_hash, password_hash_family, password_updated_at, status, role_id,
				mfa_enabled, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			u.ID, u.ExternalID, u.Username, u.Email, u.RecoveryEmailEnc, u.RecoveryEmailBlind,
			u.PasswordHash, u.PasswordHashFamily, u.PasswordUpdatedAt, u.Status, u.RoleID,
			u.MFAEnabled, u.CreatedAt, u.UpdatedAt)
		return err
	})
}

func (r *SQLiteRepository) CreateFederatedUser(ctx context.Context, u *models.User) error {
	if u.Status == "" {
		u.Status = models.AccountActive
	}
	return r.CreateUser(ctx, u)
}

func (r *SQLiteRepository) getUserWhere(ctx context.Context, clause string, arg interface{}) (*models.User, error) {
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

func (r *SQLiteRepository) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u *models.User
	err := instrumentQueryContext(ctx, "get_user", func() error {
		var e error
		u, e = r.getUserWhere(ctx, "id = ?", id)
		return e
	})
	return u, err
}

func (r *SQLiteRepository) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var u *models.User
	err := instrumentQueryContext(ctx, "get_user_by_username", func() error {
		var e error
		u, e = r.getUserWhere(ctx, "username = ?", username)
		return e
	})
	return u, err
}

func (r *SQLiteRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u *models.User
	err := instrumentQueryContext(ctx, "get_user_by_email", func() error {
		var e error
		u, e = r.getUserWhere(ctx, "email = ?", email)
		return e
	})
	return u, err
}

func (r *SQLiteRepository) ListUsers(ctx context.Context, limit, offset int) ([]models.User, error) {
	var users []models.User
	err := instrumentQueryContext(ctx, "list_users", func() error {
		return r.db.SelectContext(ctx, &users,
			`SELECT * FROM users WHERE deleted_at IS NULL ORDER BY created_at DESC LIMIT ? OFFSET ?`,
			limit, offset)
	})
	return users, err
}

func (r *SQLiteRepository) UpdateUser(ctx context.Context, u *models.User) error {
	return instrumentQueryContext(ctx, "update_user", func() error {
		u.UpdatedAt = time.Now()
		_, err := r.db.ExecContext(ctx, `
			UPDATE users SET email=?, recovery_email_enc=?, recovery_email_blind=?, status=?, role_id=?,
				mfa_enabled=?, last_login_at=?, last_login_ip=?, updated_at=?
			WHERE id=?`,
			u.Email, u.RecoveryEmailEnc, u.RecoveryEmailBlind, u.Status, u.RoleID,
			u.MFAEnabled, u.LastLoginAt, u.LastLoginIP, u.UpdatedAt, u.ID)
		return err
	})
}

func (r *SQLiteRepository) UpdateUserRole(ctx context.Context, userID, roleID string) error {
	return instrumentQueryContext(ctx, "update_user_role", func() error {
		_, err := r.db.ExecContext(ctx, `UPDATE users SET role_id=?, updated_at=? WHERE id=?`,
			roleID, time.Now(), userID)
		return err
	})
}

func (r *SQLiteRepository) IncrementFailedLogin(ctx context.Context, userID string, maxAttempts int, lockUntil time.Time) (bool, error) {
	var locked bool
	err := instrumentQueryContext(ctx, "increment_failed_login", func() error {
		return r.withTx(ctx, func(tx *sqlx.Tx) error {
			var count int
			if err := tx.GetContext(ctx, &count, `SELECT failed_login_count FROM users WHERE id=?`, userID); err != nil {
				return err
			}
			count++
			locked = count >= maxAttempts
			now := time.Now()
			if locked {
				_, err := tx.ExecContext(ctx, `UPDATE users SET failed_login_count=?, last_failed_login_at=?, locked_until=?, updated_at=? WHERE id=?`,
					count, now, lockUntil, now, userID)
				return err
			}
			_, err := tx.ExecContext(ctx, `UPDATE users SET failed_login_count=?, last_failed_login_at=?, updated_at=? WHERE id=?`,
				count, now, now, userID)
			return err
		})
	})
	return locked, err
}

func (r *SQLiteRepository) ResetFailedLogin(ctx context.Context, userID string) error {
	return instrumentQueryContext(ctx, "reset_failed_login", func() error {
		_, err := r.db.ExecContext(ctx, `UPDATE users SET failed_login_count=0, locked_until=NULL, updated_at=? WHERE id=?`,
			time.Now(), userID)
		return err
	})
}

func (r *SQLiteRepository) RecordSuccessfulLogin(ctx context.Context, userID, ip string) error {
	return instrumentQueryContext(ctx, "record_successful_login", func() error {
		now := time.Now()
		_, err := r.db.ExecContext(ctx, `
			UPDATE users SET failed_login_count=0, locked_until=NULL, last_login_at=?, last_login_ip=?, updated_at=?
			WHERE id=?`, now, ip, now, userID)
		return err
	})
}

func (r *SQLiteRepository) SetPassword(ctx context.Context, userID, hash string, family models.PasswordHashFamily) error {
	return instrumentQueryContext(ctx, "set_password", func() error {
		now := time.Now()
		_, err := r.db.ExecContext(ctx, `
			UPDATE users SET password_hash=?, password_hash_family=?, password_updated_at=?, updated_at=?
			WHERE id=?`, hash, family, now, now, userID)
		return err
	})
}

func (r *SQLiteRepository) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
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

func (r *SQLiteRepository) GetRole(ctx context.Context, id string) (*models.Role, error) {
	var role models.Role
	err := instrumentQueryContext(ctx, "get_role", func() error {
		return r.db.GetContext(ctx, &role, `SELECT * FROM roles WHERE id=? AND deleted_at IS NULL`, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &role, nil
}

func (r *SQLiteRepository) ListRoles(ctx context.Context) ([]models.Role, error) {
	var roles []models.Role
	err := instrumentQueryContext(ctx, "list_roles", func() error {
		return r.db.SelectContext(ctx, &roles, `SELECT * FROM roles WHERE deleted_at IS NULL ORDER BY path`)
	})
	return roles, err
}

func (r *SQLiteRepository) CreateRole(ctx context.Context, role *models.Role) error {
	return instrumentQueryContext(ctx, "create_role", func() error {
		now := time.Now()
		role.CreatedAt, role.UpdatedAt = now, now
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO roles (id, name, parent_id, path, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`, role.ID, role.Name, role.ParentID, role.Path, role.CreatedAt, role.UpdatedAt)
		return err
	})
}

func (r *SQLiteRepository) UpdateRoleParent(ctx context.Context, roleID string, parentID *string, newPath string) error {
	return instrumentQueryContext(ctx, "update_role_parent", func() error {
		_, err := r.db.ExecContext(ctx, `UPDATE roles SET parent_id=?, path=?, updated_at=? WHERE id=?`,
			parentID, newPath, time.Now(), roleID)
		return err
	})
}

func (r *SQLiteRepository) DeleteRole(ctx context.Context, id string) error {
	return instrumentQueryContext(ctx, "delete_role", func() error {
		_, err := r.db.ExecContext(ctx, `UPDATE roles SET deleted_at=? WHERE id=?`, time.Now(), id)
		return err
	})
}

func (r *SQLiteRepository) UserRoleIDs(ctx context.Context, userID string) ([]string, error) {
	var roleID string
	err := instrumentQueryContext(ctx, "user_role_ids", func() error {
		return r.db.GetContext(ctx, &roleID, `SELECT role_id FROM users WHERE id=? AND deleted_at IS NULL`, userID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []string{roleID}, nil
}

func (r *SQLiteRepository) RolePermissionKeys(ctx context.Context, roleID string) ([]string, error) {
	var keys []string
	err := instrumentQueryContext(ctx, "role_permission_keys", func() error {
		return r.db.SelectContext(ctx, &keys, `
			SELECT p.key FROM permissions p
			JOIN role_permissions rp ON rp.permission_id = p.id
			WHERE rp.role_id = ?`, roleID)
	})
	return keys, err
}

func (r *SQLiteRepository) CreatePermission(ctx context.Context, p *models.Permission) error {
	return instrumentQueryContext(ctx, "create_permission", func() error {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now()
		}
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO permissions (id, key, description, created_at) VALUES (?, ?, ?, ?)`,
			p.ID, p.Key, p.Description, p.CreatedAt)
		return err
	})
}

func (r *SQLiteRepository) GrantPermission(ctx context.Context, roleID, permissionKey string) error {
	return instrumentQueryContext(ctx, "grant_permission", func() error {
		var permID string
		if err := r.db.GetContext(ctx, &permID, `SELECT id FROM permissions WHERE key=?`, permissionKey); err != nil {
			return fmt.Errorf("unknown permission %q: %w", permissionKey, err)
		}
		_, err := r.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO role_permissions (role_id, permission_id, granted_at) VALUES (?, ?, ?)`,
			roleID, permID, time.Now())
		return err
	})
}

func (r *SQLiteRepository) RevokePermission(ctx context.Context, roleID, permissionKey string) error {
	return instrumentQueryContext(ctx, "revoke_permission", func() error {
		_, err := r.db.ExecContext(ctx, `
			DELETE FROM role_permissions WHERE role_id=? AND permission_id=(SELECT id FROM permissions WHERE key=?)`,
			roleID, permissionKey)
		return err
	})
}

func (r *SQLiteRepository) ListPermissions(ctx context.Context) ([]models.Permission, error) {
	var perms []models.Permission
	err := instrumentQueryContext(ctx, "list_permissions", func() error {
		return r.db.SelectContext(ctx, &perms, `SELECT * FROM permissions ORDER BY key`)
	})
	return perms, err
}

// --- PasskeyRepository ---

func (r *SQLiteRepository) ListCredentials(ctx context.Context, userID string) ([]models.PasskeyCredential, error) {
	var creds []models.PasskeyCredential
	err := instrumentQueryContext(ctx, "list_credentials", func() error {
		return r.db.SelectContext(ctx, &creds, `
			SELECT * FROM passkey_credentials WHERE user_id=? AND deleted_at IS NULL`, userID)
	})
	return creds, err
}

func (r *SQLiteRepository) GetCredentialByID(ctx context.Context, credentialID []byte) (*models.PasskeyCredential, error) {
	var c models.PasskeyCredential
	err := instrumentQueryContext(ctx, "get_credential_by_id", func() error {
		return r.db.GetContext(ctx, &c, `
			SELECT * FROM passkey_credentials WHERE credential_id=? AND deleted_at IS NULL`, credentialID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *SQLiteRepository) CreateCredential(ctx context.Context, c *models.PasskeyCredential) error {
	return instrumentQueryContext(ctx, "create_credential", func() error {
		c.CreatedAt = time.Now()
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO passkey_credentials (id, user_id, credential_id, public_key, attestation_type,
				aaguid, sign_count, transports, nickname, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.UserID, c.CredentialID, c.PublicKey, c.AttestationType, c.AAGUID, c.SignCount,
			c.Transports, c.Nickname, c.CreatedAt)
		return err
	})
}

func (r *SQLiteRepository) UpdateCredentialCounter(ctx context.Context, credentialID []byte, newCount uint32) error {
	return instrumentQueryContext(ctx, "update_credential_counter", func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE passkey_credentials SET sign_count=?, last_used_at=? WHERE credential_id=?`,
			newCount, time.Now(), credentialID)
		return err
	})
}

func (r *SQLiteRepository) MarkCredentialCompromised(ctx context.Context, credentialID []byte) error {
	return instrumentQueryContext(ctx, "mark_credential_compromised", func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE passkey_credentials SET deleted_at=? WHERE credential_id=?`, time.Now(), credentialID)
		return err
	})
}

// DeleteCredential soft-deletes a credential the owning user chose to
// remove (e.g. a lost device), distinct from MarkCredentialCompromised which
// records a security incident.
func (r *SQLiteRepository) DeleteCredential(ctx context.Context, credentialID []byte) error {
	return instrumentQueryContext(ctx, "delete_credential", func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE passkey_credentials SET deleted_at=? WHERE credential_id=?`, time.Now(), credentialID)
		return err
	})
}

// --- TokenRepository (matches token.RevocationStore) ---

func (r *SQLiteRepository) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := instrumentQueryContext(ctx, "is_token_revoked", func() error {
		return r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE token_id=?)`, jti)
	})
	return exists, err
}

func (r *SQLiteRepository) Revoke(ctx context.Context, t models.RevokedToken) error {
	return instrumentQueryContext(ctx, "revoke_token", func() error {
		if t.RevokedAt.IsZero() {
			t.RevokedAt = time.Now()
		}
		_, err := r.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO revoked_tokens (token_id, user_id, revoked_at, expires_at, reason)
			VALUES (?, ?, ?, ?, ?)`, t.TokenID, t.UserID, t.RevokedAt, t.ExpiresAt, t.Reason)
		return err
	})
}

func (r *SQLiteRepository) RevokeAllForUser(ctx context.Context, userID, reason string) error {
	return instrumentQueryContext(ctx, "revoke_all_for_user", func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE sessions SET expires_at=? WHERE user_id=?`, time.Now(), userID)
		if err != nil {
			return err
		}
		_, err = r.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO revoked_tokens (token_id, user_id, revoked_at, expires_at, reason)
			SELECT token_id, user_id, ?, ?, ? FROM sessions WHERE user_id=?`,
			time.Now(), time.Now().Add(token7DayCeiling), reason, userID)
		return err
	})
}

func (r *SQLiteRepository) PruneExpiredTokens(ctx context.Context, before time.Time) error {
	return instrumentQueryContext(ctx, "prune_expired_tokens", func() error {
		_, err := r.db.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at < ?`, before)
		return err
	})
}

const token7DayCeiling = 7 * 24 * time.Hour

// --- GeoRepository ---

func (r *SQLiteRepository) GetIPMetadata(ctx context.Context, ip string) (*models.IPMetadata, error) {
	var m models.IPMetadata
	err := instrumentQueryContext(ctx, "get_ip_metadata", func() error {
		return r.db.GetContext(ctx, &m, `SELECT * FROM ip_metadata WHERE ip_address=?`, ip)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *SQLiteRepository) UpsertIPMetadata(ctx context.Context, m *models.IPMetadata) error {
	return instrumentQueryContext(ctx, "upsert_ip_metadata", func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO ip_metadata (ip_address, country, city, latitude, longitude, asn, asn_org, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(ip_address) DO UPDATE SET country=excluded.country, city=excluded.city,
				latitude=excluded.latitude, longitude=excluded.longitude, asn=excluded.asn,
				asn_org=excluded.asn_org, resolved_at=excluded.resolved_at`,
			m.IPAddress, m.Country, m.City, m.Latitude, m.Longitude, m.ASN, m.ASNOrg, m.ResolvedAt)
		return err
	})
}

func (r *SQLiteRepository) IsIPBlocked(ctx context.Context, ip string) (bool, error) {
	var blocked bool
	err := instrumentQueryContext(ctx, "is_ip_blocked", func() error {
		return r.db.GetContext(ctx, &blocked, `
			SELECT EXISTS(SELECT 1 FROM ip_blocklist WHERE ip_address=? AND (expires_at IS NULL OR expires_at > ?))`,
			ip, time.Now())
	})
	return blocked, err
}

func (r *SQLiteRepository) AddIPBlocklistEntry(ctx context.Context, ip, reason string, expiresAt *time.Time) error {
	return instrumentQueryContext(ctx, "add_ip_blocklist_entry", func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO ip_blocklist (ip_address, reason, created_at, expires_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(ip_address) DO UPDATE SET reason=excluded.reason, expires_at=excluded.expires_at`,
			ip, reason, time.Now(), expiresAt)
		return err
	})
}

func (r *SQLiteRepository) AppendGeoHistory(ctx context.Context, e models.GeoHistoryEntry) error {
	return instrumentQueryContext(ctx, "append_geo_history", func() error {
		if e.LoggedAt.IsZero() {
			e.LoggedAt = time.Now()
		}
		return r.withTx(ctx, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO geo_history (user_id, ip_address, country, asn, latitude, longitude, logged_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				e.UserID, e.IPAddress, e.Country, e.ASN, e.Latitude, e.Longitude, e.LoggedAt); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `
				DELETE FROM geo_history WHERE user_id=? AND id NOT IN (
					SELECT id FROM geo_history WHERE user_id=? ORDER BY logged_at DESC LIMIT ?
				)`, e.UserID, e.UserID, models.GeoHistoryLimit)
			return err
		})
	})
}

func (r *SQLiteRepository) RecentGeoHistory(ctx context.Context, userID string, limit int) ([]models.GeoHistoryEntry, error) {
	var entries []models.GeoHistoryEntry
	err := instrumentQueryContext(ctx, "recent_geo_history", func() error {
		return r.db.SelectContext(ctx, &entries, `
			SELECT user_id, ip_address, country, asn, latitude, longitude, logged_at
			FROM geo_history WHERE user_id=? ORDER BY logged_at DESC LIMIT ?`, userID, limit)
	})
	return entries, err
}

// --- SecurityRepository ---

func (r *SQLiteRepository) CreateSecurityEvent(ctx context.Context, e *models.SecurityEvent) error {
	return instrumentQueryContext(ctx, "create_security_event", func() error {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO security_events (id, event_type, user_id, username, ip_address, user_agent,
				risk_score, details, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.EventType, e.UserID, e.Username, e.IPAddress, e.UserAgent, e.RiskScore, e.Details, e.CreatedAt)
		return err
	})
}

func (r *SQLiteRepository) ListSecurityEvents(ctx context.Context, limit int) ([]models.SecurityEvent, error) {
	var events []models.SecurityEvent
	err := instrumentQueryContext(ctx, "list_security_events", func() error {
		return r.db.SelectContext(ctx, &events, `
			SELECT * FROM security_events ORDER BY created_at DESC LIMIT ?`, limit)
	})
	return events, err
}

func (r *SQLiteRepository) GetIPSecurityTracking(ctx context.Context, ip string) (*models.IPSecurityTracking, error) {
	var t models.IPSecurityTracking
	err := instrumentQueryContext(ctx, "get_ip_security_tracking", func() error {
		return r.db.GetContext(ctx, &t, `SELECT * FROM ip_security_tracking WHERE ip_address=?`, ip)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return &models.IPSecurityTracking{IPAddress: ip}, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *SQLiteRepository) ensureIPTracking(ctx context.Context, ip string) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ip_security_tracking (ip_address, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(ip_address) DO NOTHING`, ip, now, now)
	return err
}

func (r *SQLiteRepository) IncrementIPFailedLogin(ctx context.Context, ip string) error {
	return instrumentQueryContext(ctx, "increment_ip_failed_login", func() error {
		if err := r.ensureIPTracking(ctx, ip); err != nil {
			return err
		}
		_, err := r.db.ExecContext(ctx, `
			UPDATE ip_security_tracking SET failed_login_count=failed_login_count+1,
				last_failed_login_at=?, updated_at=? WHERE ip_address=?`, time.Now(), time.Now(), ip)
		return err
	})
}

func (r *SQLiteRepository) IncrementIPAccountEnumeration(ctx context.Context, ip string) error {
	return instrumentQueryContext(ctx, "increment_ip_account_enumeration", func() error {
		if err := r.ensureIPTracking(ctx, ip); err != nil {
			return err
		}
		_, err := r.db.ExecContext(ctx, `
			UPDATE ip_security_tracking SET account_enumeration_count=account_enumeration_count+1,
				last_enumeration_at=?, updated_at=? WHERE ip_address=?`, time.Now(), time.Now(), ip)
		return err
	})
}

func (r *SQLiteRepository) BlockIP(ctx context.Context, ip string, until time.Time) error {
	return instrumentQueryContext(ctx, "block_ip", func() error {
		if err := r.ensureIPTracking(ctx, ip); err != nil {
			return err
		}
		_, err := r.db.ExecContext(ctx, `
			UPDATE ip_security_tracking SET blocked_until=?, updated_at=? WHERE ip_address=?`,
			until, time.Now(), ip)
		return err
	})
}

func (r *SQLiteRepository) RecentFailedLogins(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := instrumentQueryContext(ctx, "recent_failed_logins", func() error {
		return r.db.GetContext(ctx, &count, `
			SELECT COUNT(*) FROM auth_events WHERE user_id=? AND event_type='login_failure' AND timestamp >= ?`,
			userID, since)
	})
	return count, err
}

func (r *SQLiteRepository) IPSuspiciousCount(ctx context.Context, ip string) (int, error) {
	var count int
	err := instrumentQueryContext(ctx, "ip_suspicious_count", func() error {
		return r.db.GetContext(ctx, &count, `
			SELECT COUNT(*) FROM security_events WHERE ip_address=? AND created_at >= ?`,
			ip, time.Now().Add(-1*time.Hour))
	})
	return count, err
}

func (r *SQLiteRepository) HasSeenDevice(ctx context.Context, userID, fingerprint string) (bool, error) {
	var seen bool
	err := instrumentQueryContext(ctx, "has_seen_device", func() error {
		return r.db.GetContext(ctx, &seen, `
			SELECT EXISTS(SELECT 1 FROM known_devices WHERE user_id=? AND fingerprint=?)`, userID, fingerprint)
	})
	return seen, err
}

func (r *SQLiteRepository) RecordDevice(ctx context.Context, userID, fingerprint string) error {
	return instrumentQueryContext(ctx, "record_device", func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO known_devices (user_id, fingerprint, first_seen_at) VALUES (?, ?, ?)`,
			userID, fingerprint, time.Now())
		return err
	})
}

// --- AuthEventRepository ---

func (r *SQLiteRepository) CreateAuthEvent(ctx context.Context, e *models.AuthEvent) error {
	return instrumentQueryContext(ctx, "create_auth_event", func() error {
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO auth_events (id, user_id, username, event_type, ip_address, user_agent, timestamp, details)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.UserID, e.Username, e.EventType, e.IPAddress, e.UserAgent, e.Timestamp, e.Details)
		return err
	})
}

func (r *SQLiteRepository) ListAuthEvents(ctx context.Context, userID string, limit int) ([]models.AuthEvent, error) {
	var events []models.AuthEvent
	err := instrumentQueryContext(ctx, "list_auth_events", func() error {
		return r.db.SelectContext(ctx, &events, `
			SELECT * FROM auth_events WHERE user_id=? ORDER BY timestamp DESC LIMIT ?`, userID, limit)
	})
	return events, err
}

// --- SessionRepository ---

func (r *SQLiteRepository) CreateSession(ctx context.Context, s *models.Session) error {
	return instrumentQueryContext(ctx, "create_session", func() error {
		if s.CreatedAt.IsZero() {
			s.CreatedAt = time.Now()
		}
		if s.LastActivity.IsZero() {
			s.LastActivity = s.CreatedAt
		}
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO sessions (id, user_id, token_id, device_info, ip_address, user_agent,
				created_at, last_activity, expires_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, s.UserID, s.TokenID, s.DeviceInfo, s.IPAddress, s.UserAgent,
			s.CreatedAt, s.LastActivity, s.ExpiresAt)
		return err
	})
}

func (r *SQLiteRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	err := instrumentQueryContext(ctx, "get_session", func() error {
		return r.db.GetContext(ctx, &s, `SELECT * FROM sessions WHERE id=?`, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SQLiteRepository) ListSessionsForUser(ctx context.Context, userID string) ([]models.Session, error) {
	var sessions []models.Session
	err := instrumentQueryContext(ctx, "list_sessions_for_user", func() error {
		return r.db.SelectContext(ctx, &sessions, `
			SELECT * FROM sessions WHERE user_id=? ORDER BY last_activity DESC`, userID)
	})
	return sessions, err
}

func (r *SQLiteRepository) TouchSession(ctx context.Context, id string, lastActivity time.Time) error {
	return instrumentQueryContext(ctx, "touch_session", func() error {
		_, err := r.db.ExecContext(ctx, `UPDATE sessions SET last_activity=? WHERE id=?`, lastActivity, id)
		return err
	})
}

func (r *SQLiteRepository) DeleteSession(ctx context.Context, id string) error {
	return instrumentQueryContext(ctx, "delete_session", func() error {
		_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
		return err
	})
}

func (r *SQLiteRepository) DeleteExpiredSessions(ctx context.Context, before time.Time) error {
	return instrumentQueryContext(ctx, "delete_expired_sessions", func() error {
		_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, before)
		return err
	})
}

// --- MFARepository ---

func (r *SQLiteRepository) CreateTOTPSecret(ctx context.Context, s *models.MFATOTPSecret) error {
	return instrumentQueryContext(ctx, "create_totp_secret", func() error {
		if s.CreatedAt.IsZero() {
			s.CreatedAt = time.Now()
		}
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO mfa_totp_secrets (id, user_id, secret, enabled, created_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET secret=excluded.secret, enabled=excluded.enabled`,
			s.ID, s.UserID, s.Secret, s.Enabled, s.CreatedAt)
		return err
	})
}

func (r *SQLiteRepository) GetTOTPSecret(ctx context.Context, userID string) (*models.MFATOTPSecret, error) {
	var s models.MFATOTPSecret
	err := instrumentQueryContext(ctx, "get_totp_secret", func() error {
		return r.db.GetContext(ctx, &s, `SELECT * FROM mfa_totp_secrets WHERE user_id=?`, userID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SQLiteRepository) VerifyTOTPSecret(ctx context.Context, userID string) error {
	return instrumentQueryContext(ctx, "verify_totp_secret", func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE mfa_totp_secrets SET enabled=1, verified_at=? WHERE user_id=?`, time.Now(), userID)
		return err
	})
}

func (r *SQLiteRepository) DeleteTOTPSecret(ctx context.Context, userID string) error {
	return instrumentQueryContext(ctx, "delete_totp_secret", func() error {
		_, err := r.db.ExecContext(ctx, `DELETE FROM mfa_totp_secrets WHERE user_id=?`, userID)
		return err
	})
}

func (r *SQLiteRepository) CreateBackupCodes(ctx context.Context, codes []models.MFABackupCode) error {
	return instrumentQueryContext(ctx, "create_backup_codes", func() error {
		return r.withTx(ctx, func(tx *sqlx.Tx) error {
			for _, c := range codes {
				if c.CreatedAt.IsZero() {
					c.CreatedAt = time.Now()
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO mfa_backup_codes (id, user_id, code_hash, used, created_at) VALUES (?, ?, ?, ?, ?)`,
					c.ID, c.UserID, c.CodeHash, c.Used, c.CreatedAt); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func (r *SQLiteRepository) ListBackupCodes(ctx context.Context, userID string) ([]models.MFABackupCode, error) {
	var codes []models.MFABackupCode
	err := instrumentQueryContext(ctx, "list_backup_codes", func() error {
		return r.db.SelectContext(ctx, &codes, `
			SELECT * FROM mfa_backup_codes WHERE user_id=? AND used=0`, userID)
	})
	return codes, err
}

func (r *SQLiteRepository) ConsumeBackupCode(ctx context.Context, id string) error {
	return instrumentQueryContext(ctx, "consume_backup_code", func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE mfa_backup_codes SET used=1, used_at=? WHERE id=?`, time.Now(), id)
		return err
	})
}

// --- PasswordResetRepository ---

func (r *SQLiteRepository) CreatePasswordResetToken(ctx context.Context, t *models.PasswordResetToken) error {
	return instrumentQueryContext(ctx, "create_password_reset_token", func() error {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now()
		}
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO password_reset_tokens (id, user_id, token_hash, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?)`, t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedAt)
		return err
	})
}

func (r *SQLiteRepository) GetPasswordResetToken(ctx context.Context, tokenHash string) (*models.PasswordResetToken, error) {
	var t models.PasswordResetToken
	err := instrumentQueryContext(ctx, "get_password_reset_token", func() error {
		return r.db.GetContext(ctx, &t, `SELECT * FROM password_reset_tokens WHERE token_hash=?`, tokenHash)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *SQLiteRepository) MarkPasswordResetTokenUsed(ctx context.Context, id string) error {
	return instrumentQueryContext(ctx, "mark_password_reset_token_used", func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE password_reset_tokens SET used_at=? WHERE id=?`, time.Now(), id)
		return err
	})
}

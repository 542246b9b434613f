package repository

// schemaSQLite is applied on every startup with CREATE TABLE IF NOT EXISTS /
// CREATE INDEX IF NOT EXISTS, so it is safe to run against an existing
// database.
const schemaSQLite = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	external_id TEXT NOT NULL UNIQUE,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL,
	recovery_email_enc TEXT,
	recovery_email_blind TEXT,
	password_hash TEXT,
	password_hash_family TEXT,
	password_updated_at DATETIME,
	status TEXT NOT NULL DEFAULT 'active',
	role_id TEXT NOT NULL,
	failed_login_count INTEGER NOT NULL DEFAULT 0,
	last_failed_login_at DATETIME,
	locked_until DATETIME,
	require_captcha INTEGER NOT NULL DEFAULT 0,
	last_login_at DATETIME,
	last_login_ip TEXT,
	mfa_enabled INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	deleted_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
CREATE INDEX IF NOT EXISTS idx_users_recovery_email_blind ON users(recovery_email_blind);

CREATE TABLE IF NOT EXISTS roles (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	parent_id TEXT,
	path TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	deleted_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_roles_path ON roles(path);

CREATE TABLE IF NOT EXISTS permissions (
	id TEXT PRIMARY KEY,
	key TEXT NOT NULL UNIQUE,
	description TEXT,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS role_permissions (
	role_id TEXT NOT NULL,
	permission_id TEXT NOT NULL,
	granted_at DATETIME NOT NULL,
	PRIMARY KEY (role_id, permission_id)
);

CREATE TABLE IF NOT EXISTS passkey_credentials (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	credential_id BLOB NOT NULL UNIQUE,
	public_key BLOB NOT NULL,
	attestation_type TEXT,
	aaguid BLOB,
	sign_count INTEGER NOT NULL DEFAULT 0,
	transports TEXT,
	nickname TEXT,
	created_at DATETIME NOT NULL,
	last_used_at DATETIME,
	deleted_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_passkey_credentials_user ON passkey_credentials(user_id);

CREATE TABLE IF NOT EXISTS revoked_tokens (
	token_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	revoked_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	reason TEXT
);
CREATE INDEX IF NOT EXISTS idx_revoked_tokens_user ON revoked_tokens(user_id);
CREATE INDEX IF NOT EXISTS idx_revoked_tokens_expires ON revoked_tokens(expires_at);

CREATE TABLE IF NOT EXISTS ip_metadata (
	ip_address TEXT PRIMARY KEY,
	country TEXT,
	city TEXT,
	latitude REAL NOT NULL DEFAULT 0,
	longitude REAL NOT NULL DEFAULT 0,
	asn INTEGER NOT NULL DEFAULT 0,
	asn_org TEXT,
	resolved_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS ip_blocklist (
	ip_address TEXT PRIMARY KEY,
	reason TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME
);

CREATE TABLE IF NOT EXISTS geo_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	ip_address TEXT NOT NULL,
	country TEXT,
	asn INTEGER NOT NULL DEFAULT 0,
	latitude REAL NOT NULL DEFAULT 0,
	longitude REAL NOT NULL DEFAULT 0,
	logged_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_geo_history_user ON geo_history(user_id, logged_at DESC);

CREATE TABLE IF NOT EXISTS security_events (
	id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	user_id TEXT,
	username TEXT,
	ip_address TEXT NOT NULL,
	user_agent TEXT,
	risk_score INTEGER NOT NULL DEFAULT 0,
	details TEXT,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_security_events_created ON security_events(created_at DESC);

CREATE TABLE IF NOT EXISTS ip_security_tracking (
	ip_address TEXT PRIMARY KEY,
	failed_login_count INTEGER NOT NULL DEFAULT 0,
	last_failed_login_at DATETIME,
	account_enumeration_count INTEGER NOT NULL DEFAULT 0,
	last_enumeration_at DATETIME,
	blocked_until DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS known_devices (
	user_id TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	first_seen_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, fingerprint)
);

CREATE TABLE IF NOT EXISTS auth_events (
	id TEXT PRIMARY KEY,
	user_id TEXT,
	username TEXT NOT NULL,
	event_type TEXT NOT NULL,
	ip_address TEXT,
	user_agent TEXT,
	timestamp DATETIME NOT NULL,
	details TEXT
);
CREATE INDEX IF NOT EXISTS idx_auth_events_user ON auth_events(user_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	token_id TEXT NOT NULL,
	device_info TEXT,
	ip_address TEXT,
	user_agent TEXT,
	created_at DATETIME NOT NULL,
	last_activity DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

CREATE TABLE IF NOT EXISTS mfa_totp_secrets (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL UNIQUE,
	secret TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	verified_at DATETIME
);

CREATE TABLE IF NOT EXISTS mfa_backup_codes (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	code_hash TEXT NOT NULL,
	used INTEGER NOT NULL DEFAULT 0,
	used_at DATETIME,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mfa_backup_codes_user ON mfa_backup_codes(user_id);

CREATE TABLE IF NOT EXISTS password_reset_tokens (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	token_hash TEXT NOT NULL UNIQUE,
	expires_at DATETIME NOT NULL,
	used_at DATETIME,
	created_at DATETIME NOT NULL
);
`

// schemaPostgres is the equivalent schema for the PostgreSQL backend.
const schemaPostgres = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	external_id TEXT NOT NULL UNIQUE,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL,
	recovery_email_enc TEXT,
	recovery_email_blind TEXT,
	password_hash TEXT,
	password_hash_family TEXT,
	password_updated_at TIMESTAMPTZ,
	status TEXT NOT NULL DEFAULT 'active',
	role_id TEXT NOT NULL,
	failed_login_count INTEGER NOT NULL DEFAULT 0,
	last_failed_login_at TIMESTAMPTZ,
	locked_until TIMESTAMPTZ,
	require_captcha BOOLEAN NOT NULL DEFAULT FALSE,
	last_login_at TIMESTAMPTZ,
	last_login_ip TEXT,
	mfa_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
CREATE INDEX IF NOT EXISTS idx_users_recovery_email_blind ON users(recovery_email_blind);

CREATE TABLE IF NOT EXISTS roles (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	parent_id TEXT,
	path TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_roles_path ON roles(path);

CREATE TABLE IF NOT EXISTS permissions (
	id TEXT PRIMARY KEY,
	key TEXT NOT NULL UNIQUE,
	description TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS role_permissions (
	role_id TEXT NOT NULL,
	permission_id TEXT NOT NULL,
	granted_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (role_id, permission_id)
);

CREATE TABLE IF NOT EXISTS passkey_credentials (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	credential_id BYTEA NOT NULL UNIQUE,
	public_key BYTEA NOT NULL,
	attestation_type TEXT,
	aaguid BYTEA,
	sign_count BIGINT NOT NULL DEFAULT 0,
	transports TEXT,
	nickname TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	last_used_at TIMESTAMPTZ,
	deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_passkey_credentials_user ON passkey_credentials(user_id);

CREATE TABLE IF NOT EXISTS revoked_tokens (
	token_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	revoked_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	reason TEXT
);
CREATE INDEX IF NOT EXISTS idx_revoked_tokens_user ON revoked_tokens(user_id);
CREATE INDEX IF NOT EXISTS idx_revoked_tokens_expires ON revoked_tokens(expires_at);

CREATE TABLE IF NOT EXISTS ip_metadata (
	ip_address TEXT PRIMARY KEY,
	country TEXT,
	city TEXT,
	latitude DOUBLE PRECISION NOT NULL DEFAULT 0,
	longitude DOUBLE PRECISION NOT NULL DEFAULT 0,
	asn BIGINT NOT NULL DEFAULT 0,
	asn_org TEXT,
	resolved_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ip_blocklist (
	ip_address TEXT PRIMARY KEY,
	reason TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS geo_history (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	ip_address TEXT NOT NULL,
	country TEXT,
	asn BIGINT NOT NULL DEFAULT 0,
	latitude DOUBLE PRECISION NOT NULL DEFAULT 0,
	longitude DOUBLE PRECISION NOT NULL DEFAULT 0,
	logged_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_geo_history_user ON geo_history(user_id, logged_at DESC);

CREATE TABLE IF NOT EXISTS security_events (
	id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	user_id TEXT,
	username TEXT,
	ip_address TEXT NOT NULL,
	user_agent TEXT,
	risk_score INTEGER NOT NULL DEFAULT 0,
	details TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_security_events_created ON security_events(created_at DESC);

CREATE TABLE IF NOT EXISTS ip_security_tracking (
	ip_address TEXT PRIMARY KEY,
	failed_login_count INTEGER NOT NULL DEFAULT 0,
	last_failed_login_at TIMESTAMPTZ,
	account_enumeration_count INTEGER NOT NULL DEFAULT 0,
	last_enumeration_at TIMESTAMPTZ,
	blocked_until TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS known_devices (
	user_id TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	first_seen_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, fingerprint)
);

CREATE TABLE IF NOT EXISTS auth_events (
	id TEXT PRIMARY KEY,
	user_id TEXT,
	username TEXT NOT NULL,
	event_type TEXT NOT NULL,
	ip_address TEXT,
	user_agent TEXT,
	timestamp TIMESTAMPTZ NOT NULL,
	details TEXT
);
CREATE INDEX IF NOT EXISTS idx_auth_events_user ON auth_events(user_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	token_id TEXT NOT NULL,
	device_info TEXT,
	ip_address TEXT,
	user_agent TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	last_activity TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

CREATE TABLE IF NOT EXISTS mfa_totp_secrets (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL UNIQUE,
	secret TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	verified_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS mfa_backup_codes (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	code_hash TEXT NOT NULL,
	used BOOLEAN NOT NULL DEFAULT FALSE,
	used_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mfa_backup_codes_user ON mfa_backup_codes(user_id);

CREATE TABLE IF NOT EXISTS password_reset_tokens (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	token_hash TEXT NOT NULL UNIQUE,
	expires_at TIMESTAMPTZ NOT NULL,
	used_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);
`

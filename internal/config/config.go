package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port               int      `mapstructure:"port"`
	DatabasePath       string   `mapstructure:"database_path"`
	LogLevel           string   `mapstructure:"log_level"`  // debug | info | warn | error
	LogFormat          string   `mapstructure:"log_format"` // json | text
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	RequestTimeoutSec  int      `mapstructure:"request_timeout_sec"` // HTTP read/write; 0 = use server default
	ShutdownTimeoutSec int      `mapstructure:"shutdown_timeout_sec"`

	// Metrics endpoint authentication
	MetricsAuthEnabled bool `mapstructure:"metrics_auth_enabled"` // Require auth for /metrics endpoint (default: false)

	// TLS
	TLSEnabled  bool   `mapstructure:"tls_enabled"`
	TLSCertPath string `mapstructure:"tls_cert_path"`
	TLSKeyPath  string `mapstructure:"tls_key_path"`

	// Tracing: OpenTelemetry distributed tracing
	TracingEnabled      bool    `mapstructure:"tracing_enabled"`
	TracingEndpoint     string  `mapstructure:"tracing_endpoint"`      // OTLP endpoint, e.g. http://localhost:4317
	TracingServiceName  string  `mapstructure:"tracing_service_name"`  // default: authd
	TracingSamplingRate float64 `mapstructure:"tracing_sampling_rate"` // 0.0-1.0, default 1.0

	// Token issuance
	TokenIssuer            string `mapstructure:"token_issuer"`
	TokenAudience          string `mapstructure:"token_audience"`
	TokenSigningSecret     string `mapstructure:"token_signing_secret"`
	TokenAccessTTLSec      int    `mapstructure:"token_access_ttl_sec"`       // default 900 (15m)
	TokenRefreshTTLSec     int    `mapstructure:"token_refresh_ttl_sec"`      // default 2592000 (30d)
	TokenCleanupIntervalSec int   `mapstructure:"token_cleanup_interval_sec"` // revocation-record sweep interval, default 3600

	// Session management
	MaxConcurrentSessions       int `mapstructure:"max_concurrent_sessions"`        // 0 = unlimited, default 5
	SessionInactivityTimeoutSec int `mapstructure:"session_inactivity_timeout_sec"` // 0 = use token expiry

	// Password policy
	PasswordMinLength        int  `mapstructure:"password_min_length"` // default 12
	PasswordRequireUppercase bool `mapstructure:"password_require_uppercase"`
	PasswordRequireLowercase bool `mapstructure:"password_require_lowercase"`
	PasswordRequireNumbers   bool `mapstructure:"password_require_numbers"`
	PasswordRequireSpecial   bool `mapstructure:"password_require_special"`
	PasswordHistoryCount     int  `mapstructure:"password_history_count"`   // default 5
	PasswordExpirationDays   int  `mapstructure:"password_expiration_days"` // 0 = disabled, default 90

	// Account lockout
	LockoutThreshold     int `mapstructure:"lockout_threshold"`       // consecutive failures before lock, default 5
	LockoutDurationSec   int `mapstructure:"lockout_duration_sec"`    // default 900 (15m)

	// Rate limiting (adaptive sliding-window, internal/ratelimit)
	RateLimitRedisAddr       string `mapstructure:"rate_limit_redis_addr"` // empty = in-memory store only
	RateLimitIPLimit         int    `mapstructure:"rate_limit_ip_limit"`   // default 20 per window
	RateLimitIPWindowSec     int    `mapstructure:"rate_limit_ip_window_sec"`
	RateLimitUserLimit       int    `mapstructure:"rate_limit_user_limit"` // default 10 per window
	RateLimitUserWindowSec   int    `mapstructure:"rate_limit_user_window_sec"`
	RateLimitFailOpen        bool   `mapstructure:"rate_limit_fail_open"` // whether to admit requests when the store is unavailable

	// CAPTCHA gate
	CaptchaEnabled      bool   `mapstructure:"captcha_enabled"`
	CaptchaProvider     string `mapstructure:"captcha_provider"` // recaptcha | hcaptcha | none
	CaptchaSiteKey      string `mapstructure:"captcha_site_key"`
	CaptchaSecret       string `mapstructure:"captcha_secret"`
	CaptchaVerifyURL    string `mapstructure:"captcha_verify_url"`
	CaptchaTripThreshold int   `mapstructure:"captcha_trip_threshold"` // suspicious-IP or recent-failed-login count that requires a CAPTCHA

	// WebAuthn / passkeys
	WebAuthnRPID          string   `mapstructure:"webauthn_rp_id"`
	WebAuthnRPDisplayName string   `mapstructure:"webauthn_rp_display_name"`
	WebAuthnRPOrigins     []string `mapstructure:"webauthn_rp_origins"`

	// GeoIP / risk scoring
	GeoCityDBPath       string  `mapstructure:"geo_city_db_path"`
	GeoASNDBPath        string  `mapstructure:"geo_asn_db_path"`
	RiskChallengeScore  int     `mapstructure:"risk_challenge_score"` // score at/above which a step-up challenge is required
	RiskDenyScore       int     `mapstructure:"risk_deny_score"`      // score at/above which the attempt is denied outright
	RiskImpossibleSpeedKmh float64 `mapstructure:"risk_impossible_travel_speed_kmh"`

	// OIDC federation
	OIDCEnabled      bool   `mapstructure:"oidc_enabled"`
	OIDCIssuerURL    string `mapstructure:"oidc_issuer_url"`
	OIDCClientID     string `mapstructure:"oidc_client_id"`
	OIDCClientSecret string `mapstructure:"oidc_client_secret"`
	OIDCRedirectURL  string `mapstructure:"oidc_redirect_url"`
	OIDCScopes       string `mapstructure:"oidc_scopes"`      // comma-separated, default "openid profile email"
	OIDCGroupClaim   string `mapstructure:"oidc_group_claim"` // default "groups"
	OIDCRoleMapping  string `mapstructure:"oidc_role_mapping"` // JSON: {"group1": "roleID1"}
	OIDCDefaultRoleID string `mapstructure:"oidc_default_role_id"`

	// SAML 2.0 federation
	SAMLEnabled          bool   `mapstructure:"saml_enabled"`
	SAMLIdpMetadataURL   string `mapstructure:"saml_idp_metadata_url"`
	SAMLIdpEntityID      string `mapstructure:"saml_idp_entity_id"`
	SAMLCertificate      string `mapstructure:"saml_certificate"` // PEM
	SAMLPrivateKey       string `mapstructure:"saml_private_key"` // PEM
	SAMLAttributeMapping string `mapstructure:"saml_attribute_mapping"` // JSON: {"email": "<claim URI>", ...}
	SAMLRoleMapping      string `mapstructure:"saml_role_mapping"`      // JSON: {"group1": "roleID1"}
	SAMLDefaultRoleID    string `mapstructure:"saml_default_role_id"`

	// MFA TOTP
	MFARequired      bool   `mapstructure:"mfa_required"`       // require MFA for all users
	MFAEnforcedRoles string `mapstructure:"mfa_enforced_roles"` // comma-separated role IDs that require MFA
	MFAEncryptionKey string `mapstructure:"mfa_encryption_key"` // AES-GCM key for encrypting TOTP secrets (32 bytes, base64)
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/authd/")
	viper.AddConfigPath("$HOME/.authd")
	viper.AddConfigPath(".")

	// Defaults
	viper.SetDefault("port", 8080)
	viper.SetDefault("database_path", "./authd.db")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "json")
	viper.SetDefault("allowed_origins", []string{})
	viper.SetDefault("request_timeout_sec", 30)
	viper.SetDefault("shutdown_timeout_sec", 15)
	viper.SetDefault("metrics_auth_enabled", false)

	viper.SetDefault("tls_enabled", false)
	viper.SetDefault("tls_cert_path", "")
	viper.SetDefault("tls_key_path", "")

	viper.SetDefault("tracing_enabled", false)
	viper.SetDefault("tracing_endpoint", "")
	viper.SetDefault("tracing_service_name", "authd")
	viper.SetDefault("tracing_sampling_rate", 1.0)

	viper.SetDefault("token_issuer", "authd")
	viper.SetDefault("token_audience", "authd-clients")
	viper.SetDefault("token_signing_secret", "")
	viper.SetDefault("token_access_ttl_sec", 900)
	viper.SetDefault("token_refresh_ttl_sec", 2592000)
	viper.SetDefault("token_cleanup_interval_sec", 3600)

	viper.SetDefault("max_concurrent_sessions", 5)
	viper.SetDefault("session_inactivity_timeout_sec", 0)

	viper.SetDefault("password_min_length", 12)
	viper.SetDefault("password_require_uppercase", true)
	viper.SetDefault("password_require_lowercase", true)
	viper.SetDefault("password_require_numbers", true)
	viper.SetDefault("password_require_special", true)
	viper.SetDefault("password_history_count", 5)
	viper.SetDefault("password_expiration_days", 90)

	viper.SetDefault("lockout_threshold", 5)
	viper.SetDefault("lockout_duration_sec", 900)

	viper.SetDefault("rate_limit_redis_addr", "")
	viper.SetDefault("rate_limit_ip_limit", 20)
	viper.SetDefault("rate_limit_ip_window_sec", 60)
	viper.SetDefault("rate_limit_user_limit", 10)
	viper.SetDefault("rate_limit_user_window_sec", 60)
	viper.SetDefault("rate_limit_fail_open", false)

	viper.SetDefault("captcha_enabled", false)
	viper.SetDefault("captcha_provider", "none")
	viper.SetDefault("captcha_site_key", "")
	viper.SetDefault("captcha_secret", "")
	viper.SetDefault("captcha_verify_url", "")
	viper.SetDefault("captcha_trip_threshold", 3)

	viper.SetDefault("webauthn_rp_id", "localhost")
	viper.SetDefault("webauthn_rp_display_name", "authd")
	viper.SetDefault("webauthn_rp_origins", []string{"http://localhost:8080"})

	viper.SetDefault("geo_city_db_path", "")
	viper.SetDefault("geo_asn_db_path", "")
	viper.SetDefault("risk_challenge_score", 50)
	viper.SetDefault("risk_deny_score", 85)
	viper.SetDefault("risk_impossible_travel_speed_kmh", 900.0)

	viper.SetDefault("oidc_enabled", false)
	viper.SetDefault("oidc_issuer_url", "")
	viper.SetDefault("oidc_client_id", "")
	viper.SetDefault("oidc_client_secret", "")
	viper.SetDefault("oidc_redirect_url", "")
	viper.SetDefault("oidc_scopes", "openid profile email")
	viper.SetDefault("oidc_group_claim", "groups")
	viper.SetDefault("oidc_role_mapping", "")
	viper.SetDefault("oidc_default_role_id", "")

	viper.SetDefault("saml_enabled", false)
	viper.SetDefault("saml_idp_metadata_url", "")
	viper.SetDefault("saml_idp_entity_id", "")
	viper.SetDefault("saml_certificate", "")
	viper.SetDefault("saml_private_key", "")
	viper.SetDefault("saml_attribute_mapping", "")
	viper.SetDefault("saml_role_mapping", "")
	viper.SetDefault("saml_default_role_id", "")

	viper.SetDefault("mfa_required", false)
	viper.SetDefault("mfa_enforced_roles", "")
	viper.SetDefault("mfa_encryption_key", "")

	// Environment variables
	viper.SetEnvPrefix("AUTHD")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; using defaults and env vars.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// AUTHD_ALLOWED_ORIGINS is often comma-separated (e.g. from Helm/systemd
	// env files). Handle both a single comma-joined string and an
	// already-split array, trimming whitespace either way.
	if len(cfg.AllowedOrigins) == 1 && strings.Contains(cfg.AllowedOrigins[0], ",") {
		parts := strings.Split(cfg.AllowedOrigins[0], ",")
		cfg.AllowedOrigins = make([]string, 0, len(parts))
		for _, p := range parts {
			if o := strings.TrimSpace(p); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	} else {
		normalized := make([]string, 0, len(cfg.AllowedOrigins))
		for _, origin := range cfg.AllowedOrigins {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				normalized = append(normalized, trimmed)
			}
		}
		cfg.AllowedOrigins = normalized
	}

	if !cfg.TracingEnabled && os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		cfg.TracingEnabled = true
		if cfg.TracingEndpoint == "" {
			cfg.TracingEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
	}

	if cfg.TokenSigningSecret == "" {
		return nil, fmt.Errorf("token_signing_secret is required")
	}

	return &cfg, nil
}

package config

import (
	"os"
	"strings"
	"testing"
)

func clearAndSetSecret() {
	os.Clearenv()
	os.Setenv("AUTHD_TOKEN_SIGNING_SECRET", "test-secret")
}

func TestLoad_Defaults(t *testing.T) {
	clearAndSetSecret()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg == nil {
		t.Fatal("Config should not be nil")
	}

	if cfg.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Port)
	}
	if cfg.DatabasePath != "./authd.db" {
		t.Errorf("Expected default database path './authd.db', got %s", cfg.DatabasePath)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default log level 'info', got %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("Expected default log format 'json', got %s", cfg.LogFormat)
	}
	if cfg.TLSEnabled {
		t.Error("Expected default TLS to be disabled")
	}
	if cfg.TokenAccessTTLSec != 900 {
		t.Errorf("Expected default access TTL 900s, got %d", cfg.TokenAccessTTLSec)
	}
	if cfg.PasswordMinLength != 12 {
		t.Errorf("Expected default password min length 12, got %d", cfg.PasswordMinLength)
	}
	if cfg.LockoutThreshold != 5 {
		t.Errorf("Expected default lockout threshold 5, got %d", cfg.LockoutThreshold)
	}
}

func TestLoad_RequiresTokenSigningSecret(t *testing.T) {
	os.Clearenv()

	_, err := Load()
	if err == nil {
		t.Fatal("expected Load to fail without a token signing secret")
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	clearAndSetSecret()
	os.Setenv("AUTHD_PORT", "9000")
	os.Setenv("AUTHD_DATABASE_PATH", "/tmp/test.db")
	os.Setenv("AUTHD_LOG_LEVEL", "debug")
	defer func() {
		os.Unsetenv("AUTHD_PORT")
		os.Unsetenv("AUTHD_DATABASE_PATH")
		os.Unsetenv("AUTHD_LOG_LEVEL")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("Expected port 9000 from env, got %d", cfg.Port)
	}
	if cfg.DatabasePath != "/tmp/test.db" {
		t.Errorf("Expected database path '/tmp/test.db' from env, got %s", cfg.DatabasePath)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log level 'debug' from env, got %s", cfg.LogLevel)
	}
}

func TestLoad_AllowedOriginsCommaSeparated(t *testing.T) {
	clearAndSetSecret()
	os.Setenv("AUTHD_ALLOWED_ORIGINS", "http://localhost:3000,https://example.com,http://localhost:5173")
	defer os.Unsetenv("AUTHD_ALLOWED_ORIGINS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if len(cfg.AllowedOrigins) != 3 {
		t.Errorf("Expected 3 allowed origins, got %d: %v", len(cfg.AllowedOrigins), cfg.AllowedOrigins)
	}

	expectedOrigins := map[string]bool{
		"http://localhost:3000": false,
		"https://example.com":   false,
		"http://localhost:5173": false,
	}
	for _, origin := range cfg.AllowedOrigins {
		if _, exists := expectedOrigins[origin]; exists {
			expectedOrigins[origin] = true
		}
	}
	for origin, found := range expectedOrigins {
		if !found {
			t.Errorf("Expected origin %q not found in allowed origins: %v", origin, cfg.AllowedOrigins)
		}
	}
}

func TestLoad_AllowedOriginsCommaSeparatedWithWhitespace(t *testing.T) {
	clearAndSetSecret()
	os.Setenv("AUTHD_ALLOWED_ORIGINS", " http://localhost:3000 , https://example.com , http://localhost:5173 ")
	defer os.Unsetenv("AUTHD_ALLOWED_ORIGINS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if len(cfg.AllowedOrigins) != 3 {
		t.Errorf("Expected 3 allowed origins, got %d", len(cfg.AllowedOrigins))
	}

	for _, origin := range cfg.AllowedOrigins {
		if origin != strings.TrimSpace(origin) {
			t.Errorf("Origin has unexpected whitespace: %q", origin)
		}
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	clearAndSetSecret()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load should not error when config file is missing: %v", err)
	}
	if cfg == nil {
		t.Fatal("Config should not be nil even without config file")
	}
}

func TestLoad_WebAuthnDefaults(t *testing.T) {
	clearAndSetSecret()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.WebAuthnRPID != "localhost" {
		t.Errorf("Expected default RP ID 'localhost', got %s", cfg.WebAuthnRPID)
	}
	if len(cfg.WebAuthnRPOrigins) != 1 || cfg.WebAuthnRPOrigins[0] != "http://localhost:8080" {
		t.Errorf("Expected default RP origin 'http://localhost:8080', got %v", cfg.WebAuthnRPOrigins)
	}
}

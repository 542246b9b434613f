package integration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kubilitics/authd/internal/config"
)

// TestDBPath_DirectoryWritable verifies that the directory a configured
// DatabasePath lives in can actually be created and written to, which is
// the precondition cmd/server/main.go relies on before opening the SQLite
// repository.
func TestDBPath_DirectoryWritable(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "nested", "authd.db")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		t.Fatalf("failed to create database directory: %v", err)
	}

	testFile := filepath.Join(filepath.Dir(dbPath), ".write-check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		t.Fatalf("database directory %s is not writable: %v", filepath.Dir(dbPath), err)
	}
	os.Remove(testFile)

	if !filepath.IsAbs(dbPath) {
		t.Errorf("expected an absolute database path, got %q", dbPath)
	}
}

// TestDBPath_EnvVarOverride verifies that AUTHD_DATABASE_PATH overrides the
// configured default database path.
func TestDBPath_EnvVarOverride(t *testing.T) {
	customPath := filepath.Join(t.TempDir(), "authd-test.db")
	os.Setenv("AUTHD_DATABASE_PATH", customPath)
	defer os.Unsetenv("AUTHD_DATABASE_PATH")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.DatabasePath != customPath {
		t.Errorf("expected DatabasePath to be %q, got %q", customPath, cfg.DatabasePath)
	}
}

// TestDBPath_DefaultNotEmpty verifies config.Load sets a non-empty default
// database path when no override is present.
func TestDBPath_DefaultNotEmpty(t *testing.T) {
	os.Unsetenv("AUTHD_DATABASE_PATH")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.DatabasePath == "" {
		t.Error("expected a non-empty default DatabasePath")
	}
}

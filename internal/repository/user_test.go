package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kubilitics/authd/internal/models"
)

func newTestSQLiteRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(":memory:")
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func seedRole(t *testing.T, repo *SQLiteRepository) string {
	t.Helper()
	role := &models.Role{ID: uuid.New().String(), Name: "viewer", Path: "/viewer/"}
	if err := repo.CreateRole(context.Background(), role); err != nil {
		t.Fatalf("failed to seed role: %v", err)
	}
	return role.ID
}

func newTestUser(t *testing.T, repo *SQLiteRepository, username string) *models.User {
	t.Helper()
	roleID := seedRole(t, repo)
	u := &models.User{
		ID:                 uuid.New().String(),
		Username:           username,
		Email:              username + "@example.com",
		PasswordHash:       "hashedpassword",
		PasswordHashFamily: models.HashFamilyArgon2id,
		Status:             models.AccountActive,
		RoleID:             roleID,
	}
	if err := repo.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return u
}

func TestCreateUser(t *testing.T) {
	repo := newTestSQLiteRepo(t)
	u := newTestUser(t, repo, "testuser")

	retrieved, err := repo.GetUserByUsername(context.Background(), "testuser")
	if err != nil {
		t.Fatalf("failed to get user: %v", err)
	}
	if retrieved == nil {
		t.Fatal("user should exist")
	}
	if retrieved.ID != u.ID {
		t.Errorf("expected id %q, got %q", u.ID, retrieved.ID)
	}
	if retrieved.RoleID != u.RoleID {
		t.Errorf("expected role id %q, got %q", u.RoleID, retrieved.RoleID)
	}
}

func TestGetUserByUsername_NotFound(t *testing.T) {
	repo := newTestSQLiteRepo(t)

	retrieved, err := repo.GetUserByUsername(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retrieved != nil {
		t.Error("user should not exist")
	}
}

func TestGetUserByEmail(t *testing.T) {
	repo := newTestSQLiteRepo(t)
	u := newTestUser(t, repo, "emailuser")

	retrieved, err := repo.GetUserByEmail(context.Background(), u.Email)
	if err != nil {
		t.Fatalf("failed to get user by email: %v", err)
	}
	if retrieved == nil || retrieved.ID != u.ID {
		t.Fatal("expected to find the user by email")
	}
}

func TestGetUser(t *testing.T) {
	repo := newTestSQLiteRepo(t)
	u := newTestUser(t, repo, "byid")

	retrieved, err := repo.GetUser(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("failed to get user: %v", err)
	}
	if retrieved == nil || retrieved.ID != u.ID {
		t.Fatal("expected to find the user by id")
	}
}

func TestUpdateUserRole(t *testing.T) {
	repo := newTestSQLiteRepo(t)
	u := newTestUser(t, repo, "rolechange")
	newRoleID := seedRole(t, repo)

	if err := repo.UpdateUserRole(context.Background(), u.ID, newRoleID); err != nil {
		t.Fatalf("failed to update user role: %v", err)
	}

	retrieved, _ := repo.GetUser(context.Background(), u.ID)
	if retrieved.RoleID != newRoleID {
		t.Errorf("expected role id %q, got %q", newRoleID, retrieved.RoleID)
	}
}

func TestIncrementFailedLogin_LocksAtThreshold(t *testing.T) {
	repo := newTestSQLiteRepo(t)
	u := newTestUser(t, repo, "locker")
	lockUntil := time.Now().Add(15 * time.Minute)

	var locked bool
	var err error
	for i := 0; i < 5; i++ {
		locked, err = repo.IncrementFailedLogin(context.Background(), u.ID, 5, lockUntil)
		if err != nil {
			t.Fatalf("failed to increment failed login: %v", err)
		}
	}
	if !locked {
		t.Error("expected account to be locked after reaching the threshold")
	}

	retrieved, _ := repo.GetUser(context.Background(), u.ID)
	if retrieved.FailedLoginCount != 5 {
		t.Errorf("expected failed login count 5, got %d", retrieved.FailedLoginCount)
	}
	if retrieved.LockedUntil == nil {
		t.Error("expected locked_until to be set")
	}
}

func TestIncrementFailedLogin_BelowThresholdDoesNotLock(t *testing.T) {
	repo := newTestSQLiteRepo(t)
	u := newTestUser(t, repo, "notyet")

	locked, err := repo.IncrementFailedLogin(context.Background(), u.ID, 5, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("failed to increment failed login: %v", err)
	}
	if locked {
		t.Error("one failed attempt should not lock the account")
	}
}

func TestResetFailedLogin(t *testing.T) {
	repo := newTestSQLiteRepo(t)
	u := newTestUser(t, repo, "reset")
	repo.IncrementFailedLogin(context.Background(), u.ID, 5, time.Now().Add(time.Hour))

	if err := repo.ResetFailedLogin(context.Background(), u.ID); err != nil {
		t.Fatalf("failed to reset failed login: %v", err)
	}

	retrieved, _ := repo.GetUser(context.Background(), u.ID)
	if retrieved.FailedLoginCount != 0 {
		t.Errorf("expected failed login count 0, got %d", retrieved.FailedLoginCount)
	}
	if retrieved.LockedUntil != nil {
		t.Error("expected locked_until to be cleared")
	}
}

func TestRecordSuccessfulLogin(t *testing.T) {
	repo := newTestSQLiteRepo(t)
	u := newTestUser(t, repo, "success")
	repo.IncrementFailedLogin(context.Background(), u.ID, 5, time.Now().Add(time.Hour))

	if err := repo.RecordSuccessfulLogin(context.Background(), u.ID, "203.0.113.7"); err != nil {
		t.Fatalf("failed to record successful login: %v", err)
	}

	retrieved, _ := repo.GetUser(context.Background(), u.ID)
	if retrieved.FailedLoginCount != 0 {
		t.Error("successful login should clear the failed login count")
	}
	if retrieved.LastLoginIP != "203.0.113.7" {
		t.Errorf("expected last login ip to be recorded, got %q", retrieved.LastLoginIP)
	}
	if retrieved.LastLoginAt == nil {
		t.Error("expected last login timestamp to be set")
	}
}

func TestSetPassword(t *testing.T) {
	repo := newTestSQLiteRepo(t)
	u := newTestUser(t, repo, "pwchange")

	if err := repo.SetPassword(context.Background(), u.ID, "newhash", models.HashFamilyBcrypt); err != nil {
		t.Fatalf("failed to set password: %v", err)
	}

	retrieved, _ := repo.GetUser(context.Background(), u.ID)
	if retrieved.PasswordHash != "newhash" {
		t.Errorf("expected password hash %q, got %q", "newhash", retrieved.PasswordHash)
	}
	if retrieved.PasswordHashFamily != models.HashFamilyBcrypt {
		t.Errorf("expected hash family %q, got %q", models.HashFamilyBcrypt, retrieved.PasswordHashFamily)
	}
}

func TestCreateFederatedUser_DefaultsStatusToActive(t *testing.T) {
	repo := newTestSQLiteRepo(t)
	roleID := seedRole(t, repo)

	u := &models.User{
		ID:       uuid.New().String(),
		Username: "federated",
		Email:    "federated@example.com",
		RoleID:   roleID,
	}
	if err := repo.CreateFederatedUser(context.Background(), u); err != nil {
		t.Fatalf("failed to create federated user: %v", err)
	}

	retrieved, _ := repo.GetUser(context.Background(), u.ID)
	if retrieved.Status != models.AccountActive {
		t.Errorf("expected status %q, got %q", models.AccountActive, retrieved.Status)
	}
}

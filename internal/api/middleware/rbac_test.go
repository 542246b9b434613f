package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/kubilitics/authd/internal/models"
	"github.com/kubilitics/authd/internal/rbac"
	"github.com/kubilitics/authd/internal/repository"
	"github.com/kubilitics/authd/internal/token"
)

func setupTestResolver(t *testing.T) (*rbac.Resolver, *repository.SQLiteRepository) {
	t.Helper()
	repo, err := repository.NewSQLiteRepository(":memory:")
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	resolver, err := rbac.NewResolver(repo, nil)
	if err != nil {
		t.Fatalf("failed to build resolver: %v", err)
	}
	return resolver, repo
}

func claimsContext(userID string) context.Context {
	claims := &token.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: userID}, Type: token.TypeAccess}
	return token.WithClaims(context.Background(), claims)
}

func TestRequirePermission_NoClaims(t *testing.T) {
	resolver, _ := setupTestResolver(t)
	handler := RequirePermission(resolver, "roles:write")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/roles", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
}

func TestRequirePermission_GrantedViaDirectRole(t *testing.T) {
	resolver, repo := setupTestResolver(t)
	ctx := context.Background()

	role := &models.Role{ID: uuid.New().String(), Name: "editor", Path: "/editor/"}
	if err := repo.CreateRole(ctx, role); err != nil {
		t.Fatalf("failed to create role: %v", err)
	}
	if err := repo.CreatePermission(ctx, &models.Permission{ID: uuid.New().String(), Key: "roles:write"}); err != nil {
		t.Fatalf("failed to create permission: %v", err)
	}
	if err := repo.GrantPermission(ctx, role.ID, "roles:write"); err != nil {
		t.Fatalf("failed to grant permission: %v", err)
	}
	user := &models.User{ID: "user-123", Username: "editor-user", Email: "e@example.com", Status: models.AccountActive, RoleID: role.ID}
	if err := repo.CreateUser(ctx, user); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	handler := RequirePermission(resolver, "roles:write")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/roles", nil)
	req = req.WithContext(claimsContext("user-123"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
}

func TestRequirePermission_GrantedViaAncestorRole(t *testing.T) {
	resolver, repo := setupTestResolver(t)
	ctx := context.Background()

	root := &models.Role{ID: uuid.New().String(), Name: "admin", Path: "/admin/"}
	if err := repo.CreateRole(ctx, root); err != nil {
		t.Fatalf("failed to create root role: %v", err)
	}
	child := &models.Role{ID: uuid.New().String(), Name: "admin/lead", ParentID: &root.ID, Path: "/admin/lead/"}
	if err := repo.CreateRole(ctx, child); err != nil {
		t.Fatalf("failed to create child role: %v", err)
	}
	if err := repo.CreatePermission(ctx, &models.Permission{ID: uuid.New().String(), Key: "roles:write"}); err != nil {
		t.Fatalf("failed to create permission: %v", err)
	}
	if err := repo.GrantPermission(ctx, root.ID, "roles:write"); err != nil {
		t.Fatalf("failed to grant permission on root: %v", err)
	}
	user := &models.User{ID: "user-456", Username: "lead-user", Email: "l@example.com", Status: models.AccountActive, RoleID: child.ID}
	if err := repo.CreateUser(ctx, user); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	handler := RequirePermission(resolver, "roles:write")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/roles", nil)
	req = req.WithContext(claimsContext("user-456"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("a permission granted on an ancestor role should be inherited, got status %d", rec.Code)
	}
}

func TestRequirePermission_Denied(t *testing.T) {
	resolver, repo := setupTestResolver(t)
	ctx := context.Background()

	role := &models.Role{ID: uuid.New().String(), Name: "viewer", Path: "/viewer/"}
	if err := repo.CreateRole(ctx, role); err != nil {
		t.Fatalf("failed to create role: %v", err)
	}
	user := &models.User{ID: "user-789", Username: "viewer-user", Email: "v@example.com", Status: models.AccountActive, RoleID: role.ID}
	if err := repo.CreateUser(ctx, user); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	handler := RequirePermission(resolver, "roles:write")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/roles", nil)
	req = req.WithContext(claimsContext("user-789"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", rec.Code)
	}
}

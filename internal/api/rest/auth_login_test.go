package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kubilitics/authd/internal/crypto/password"
	"github.com/kubilitics/authd/internal/models"
)

func createTestUser(t *testing.T, handler *AuthHandler, username, plaintext string) *models.User {
	t.Helper()
	hash, err := password.Hash(plaintext)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	user := &models.User{
		ID:       username + "-id",
		Username: username,
		Email:    username + "@example.com",
		Status:   models.AccountActive,
	}
	user.PasswordHash = hash
	if err := handler.repo.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return user
}

func TestAuthHandler_Login_Success(t *testing.T) {
	handler, _, _ := newTestAuthHandler(t)
	plaintext := "Xy9$mK2#pQ7@vN4&wL8*zR5!tB3"
	createTestUser(t, handler, "testuser", plaintext)

	body, _ := json.Marshal(loginRequest{Username: "testuser", Password: plaintext})
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()

	handler.Login(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp loginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Error("expected both access and refresh tokens in response")
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("expected token type Bearer, got %q", resp.TokenType)
	}
}

func TestAuthHandler_Login_InvalidCredentials(t *testing.T) {
	handler, _, _ := newTestAuthHandler(t)
	createTestUser(t, handler, "testuser", "Xy9$mK2#pQ7@vN4&wL8*zR5!tB3")

	body, _ := json.Marshal(loginRequest{Username: "testuser", Password: "wrong-password"})
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()

	handler.Login(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAuthHandler_Login_UnknownUsername(t *testing.T) {
	handler, _, _ := newTestAuthHandler(t)

	body, _ := json.Marshal(loginRequest{Username: "nobody", Password: "whatever"})
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()

	handler.Login(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAuthHandler_Refresh_IssuesNewAccessToken(t *testing.T) {
	handler, _, _ := newTestAuthHandler(t)
	plaintext := "Xy9$mK2#pQ7@vN4&wL8*zR5!tB3"
	createTestUser(t, handler, "testuser", plaintext)

	loginBody, _ := json.Marshal(loginRequest{Username: "testuser", Password: plaintext})
	loginReq := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(loginBody))
	loginReq.RemoteAddr = "127.0.0.1:12345"
	loginW := httptest.NewRecorder()
	handler.Login(loginW, loginReq)

	var loginResp loginResponse
	if err := json.Unmarshal(loginW.Body.Bytes(), &loginResp); err != nil {
		t.Fatalf("failed to parse login response: %v", err)
	}

	refreshBody, _ := json.Marshal(refreshRequest{RefreshToken: loginResp.RefreshToken})
	refreshReq := httptest.NewRequest(http.MethodPost, "/auth/refresh", bytes.NewReader(refreshBody))
	refreshW := httptest.NewRecorder()
	handler.Refresh(refreshW, refreshReq)

	if refreshW.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", refreshW.Code, refreshW.Body.String())
	}
	var refreshResp loginResponse
	if err := json.Unmarshal(refreshW.Body.Bytes(), &refreshResp); err != nil {
		t.Fatalf("failed to parse refresh response: %v", err)
	}
	if refreshResp.AccessToken == "" {
		t.Error("expected a new access token")
	}
}

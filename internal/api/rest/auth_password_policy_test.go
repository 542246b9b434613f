package rest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthHandler_CheckPasswordStrength_WeakPassword(t *testing.T) {
	handler, _, _ := newTestAuthHandler(t)

	body, _ := json.Marshal(passwordStrengthRequest{Password: "password123"})
	req := httptest.NewRequest(http.MethodPost, "/auth/password/strength", bytes.NewReader(body))
	w := httptest.NewRecorder()

	handler.CheckPasswordStrength(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if meetsPolicy, ok := resp["meetsPolicy"].(bool); !ok || meetsPolicy {
		t.Errorf("expected a common weak password to fail policy, got %v", resp["meetsPolicy"])
	}
}

func TestAuthHandler_CheckPasswordStrength_StrongPassword(t *testing.T) {
	handler, _, _ := newTestAuthHandler(t)

	body, _ := json.Marshal(passwordStrengthRequest{Password: "Xy9$mK2#pQ7@vN4&wL8*zR5!tB3"})
	req := httptest.NewRequest(http.MethodPost, "/auth/password/strength", bytes.NewReader(body))
	w := httptest.NewRecorder()

	handler.CheckPasswordStrength(w, req)

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if meetsPolicy, ok := resp["meetsPolicy"].(bool); !ok || !meetsPolicy {
		t.Errorf("expected a long random password to meet policy, got %v", resp["meetsPolicy"])
	}
}

func TestAuthHandler_ChangePassword_RejectsWrongCurrentPassword(t *testing.T) {
	handler, _, issuer := newTestAuthHandler(t)
	plaintext := "Xy9$mK2#pQ7@vN4&wL8*zR5!tB3"
	user := createTestUser(t, handler, "testuser", plaintext)

	accessToken, _, err := issuer.IssueAccessToken(user.ID, "")
	if err != nil {
		t.Fatalf("failed to issue access token: %v", err)
	}

	body, _ := json.Marshal(changePasswordRequest{CurrentPassword: "wrong", NewPassword: "Zz1$nL3#rQ8@wM5&xP9*aS6!uC4"})
	req := httptest.NewRequest(http.MethodPost, "/auth/change-password", bytes.NewReader(body))
	req = withTestClaims(t, req, issuer, accessToken)
	w := httptest.NewRecorder()

	handler.ChangePassword(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d: %s", w.Code, w.Body.String())
	}
}

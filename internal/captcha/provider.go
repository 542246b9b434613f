package captcha

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// HTTPVerifier calls a siteverify-style HTTP endpoint (hCaptcha, reCAPTCHA,
// Turnstile all share this shape: POST secret+response+remoteip, get back
// {"success": bool}).
type HTTPVerifier struct {
	endpoint string
	secret   string
	client   *http.Client
}

// NewHTTPVerifier builds an HTTPVerifier against endpoint using secret as
// the provider's server-side key.
func NewHTTPVerifier(endpoint, secret string, client *http.Client) *HTTPVerifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPVerifier{endpoint: endpoint, secret: secret, client: client}
}

type siteVerifyResponse struct {
	Success bool `json:"success"`
}

// Verify posts the solved token to the provider and reports whether it was
// accepted.
func (v *HTTPVerifier) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	form := url.Values{
		"secret":   {v.secret},
		"response": {token},
	}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("captcha provider returned status %d", resp.StatusCode)
	}

	var parsed siteVerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return false, err
	}
	return parsed.Success, nil
}

// AlwaysPass is a Verifier that accepts every token, useful for local
// development and tests where no provider is configured.
type AlwaysPass struct{}

func (AlwaysPass) Verify(_ context.Context, _, _ string) (bool, error) { return true, nil }

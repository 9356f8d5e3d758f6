// ============================================================================
// MachaonWeb Request Admission — CAPTCHA verification
// ============================================================================
//
// Package: internal/admission
// Purpose: Verify a CAPTCHA token against the external reCAPTCHA siteverify
// endpoint (spec §6). Grounded on
// original_source/back/src/utils/mod.rs's verify_captcha_token.
//
// ============================================================================

package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const recaptchaVerifyURL = "https://www.google.com/recaptcha/api/siteverify"

type recaptchaResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// RecaptchaVerifier verifies tokens against Google's reCAPTCHA service.
type RecaptchaVerifier struct {
	Secret     string
	HTTPClient *http.Client
}

// NewRecaptchaVerifier builds a verifier with a bounded-timeout HTTP client.
func NewRecaptchaVerifier(secret string) *RecaptchaVerifier {
	return &RecaptchaVerifier{
		Secret:     secret,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Verify implements CaptchaVerifier.
func (v *RecaptchaVerifier) Verify(ctx context.Context, token string) (bool, error) {
	form := url.Values{
		"secret":   {v.Secret},
		"response": {token},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, recaptchaVerifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("build captcha request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.HTTPClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("captcha request: %w", err)
	}
	defer resp.Body.Close()

	var parsed recaptchaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return false, fmt.Errorf("decode captcha response: %w", err)
	}

	return parsed.Success, nil
}

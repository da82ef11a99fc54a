// Package tokenrefresh implements C1: exchanging a Kiro refresh token for a
// fresh access token via the Social or IdC OAuth endpoint.
package tokenrefresh

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kiro-proxy/anthropic-bridge/internal/account"
)

// Upstream OAuth endpoints, grounded on the reference Kiro clients in the
// retrieval pack (Gaq152-ccLoad's kiro_types.go, ndnhatvien-kiro-stack).
const (
	SocialRefreshURL = "https://prod.us-east-1.auth.desktop.kiro.dev/refreshToken"
	IdCRefreshURL    = "https://oidc.us-east-1.amazonaws.com/token"
)

// refreshTimeout is the hard cap per spec §4.1.
const refreshTimeout = 30 * time.Second

// Refresher exchanges refresh tokens for access tokens over HTTP,
// generalizing the teacher's Google-specific internal/auth/google/oauth.go
// to Kiro's two auth methods instead of hardcoding one provider. Neither
// Kiro endpoint speaks the standard RFC 6749 form-encoded grant body, so
// both paths hand-roll their POST rather than going through a generic
// OAuth2 client library.
type Refresher struct {
	httpClient *http.Client
	socialURL  string
	idcURL     string
}

// New builds a Refresher with a long-lived, connection-reusing client.
func New() *Refresher {
	return &Refresher{
		httpClient: &http.Client{Timeout: refreshTimeout},
		socialURL:  SocialRefreshURL,
		idcURL:     IdCRefreshURL,
	}
}

// invalidGrantError marks a refresh failure as permanent (bad/revoked
// grant); account.IsInvalidGrant detects it via duck typing.
type invalidGrantError struct{ msg string }

func (e *invalidGrantError) Error() string     { return e.msg }
func (e *invalidGrantError) InvalidGrant() bool { return true }

// Refresh implements account.Refresher.
func (r *Refresher) Refresh(ctx context.Context, a *account.Account) (string, time.Time, string, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	switch a.AuthMethod {
	case account.IdC:
		return r.refreshIdC(ctx, a)
	default:
		return r.refreshSocial(ctx, a)
	}
}

// refreshSocial posts {refreshToken} to the social endpoint directly: the
// provider doesn't speak the standard OAuth2 client-credentials grant shape,
// so we hand-roll this one call rather than force it through oauth2.Config.
func (r *Refresher) refreshSocial(ctx context.Context, a *account.Account) (string, time.Time, string, error) {
	body, _ := json.Marshal(map[string]string{"refreshToken": a.RefreshTokenValue()})
	url := r.socialURL
	if url == "" {
		url = SocialRefreshURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return "", time.Time{}, "", fmt.Errorf("build social refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, "", fmt.Errorf("social refresh request: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int64  `json:"expiresIn"`
		ExpiresAt    string `json:"expiresAt"`
		Error        string `json:"error"`
		ErrorDesc    string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", time.Time{}, "", fmt.Errorf("decode social refresh response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if isInvalidGrantStatus(resp.StatusCode, out.Error) {
			return "", time.Time{}, "", &invalidGrantError{msg: "social refresh: invalid_grant: " + out.ErrorDesc}
		}
		return "", time.Time{}, "", fmt.Errorf("social refresh failed (status %d): %s", resp.StatusCode, out.ErrorDesc)
	}

	expiresAt := time.Now().UTC().Add(time.Duration(out.ExpiresIn) * time.Second)
	if out.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, out.ExpiresAt); err == nil {
			expiresAt = t
		}
	}

	return out.AccessToken, expiresAt, out.RefreshToken, nil
}

// refreshIdC posts {clientId, clientSecret, refreshToken, grantType} to the
// AWS SSO OIDC token endpoint directly: that endpoint takes a JSON,
// camelCase body (confirmed against sso_oidc.go's RefreshToken in the
// retrieval pack's AWS SSO OIDC client), not the form-encoded
// grant_type=refresh_token body golang.org/x/oauth2's Config.TokenSource
// would produce against this same host. Hand-rolled the same way
// refreshSocial already is for the Social path, parameterized per-account
// (client id/secret, refresh token) instead of a single hardcoded config.
func (r *Refresher) refreshIdC(ctx context.Context, a *account.Account) (string, time.Time, string, error) {
	payload := map[string]string{
		"clientId":     a.ClientID,
		"clientSecret": a.ClientSecret,
		"refreshToken": a.RefreshTokenValue(),
		"grantType":    "refresh_token",
	}
	body, _ := json.Marshal(payload)

	url := r.idcURL
	if url == "" {
		url = IdCRefreshURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return "", time.Time{}, "", fmt.Errorf("build idc refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, "", fmt.Errorf("idc refresh request: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		AccessToken  string `json:"accessToken"`
		TokenType    string `json:"tokenType"`
		ExpiresIn    int64  `json:"expiresIn"`
		RefreshToken string `json:"refreshToken"`
		Error        string `json:"error"`
		ErrorDesc    string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", time.Time{}, "", fmt.Errorf("decode idc refresh response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if isInvalidGrantStatus(resp.StatusCode, out.Error) {
			return "", time.Time{}, "", &invalidGrantError{msg: "idc refresh: invalid_grant: " + out.ErrorDesc}
		}
		return "", time.Time{}, "", fmt.Errorf("idc refresh failed (status %d): %s", resp.StatusCode, out.ErrorDesc)
	}

	expiresAt := time.Now().UTC().Add(time.Duration(out.ExpiresIn) * time.Second)

	rotated := ""
	if out.RefreshToken != "" && out.RefreshToken != a.RefreshTokenValue() {
		rotated = out.RefreshToken
	}

	return out.AccessToken, expiresAt, rotated, nil
}

func isInvalidGrantStatus(status int, errCode string) bool {
	if status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden {
		return true
	}
	return strings.Contains(strings.ToLower(errCode), "invalid_grant")
}

func isInvalidGrantError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"invalid_grant", "invalid_client", "unauthorized_client", "token has been expired or revoked", "revoked"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

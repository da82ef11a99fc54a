package tokenrefresh

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiro-proxy/anthropic-bridge/internal/account"
)

func TestRefreshSocialSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body.RefreshToken != "old-refresh" {
			t.Fatalf("unexpected refresh token sent: %q", body.RefreshToken)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"accessToken":  "new-access",
			"refreshToken": "new-refresh",
			"expiresIn":    3600,
		})
	}))
	defer srv.Close()

	r := &Refresher{httpClient: srv.Client(), socialURL: srv.URL}
	a := account.New("acc", account.Social, "old-refresh", r, nil)

	accessToken, expiresAt, rotated, err := r.refreshSocial(context.Background(), a)
	if err != nil {
		t.Fatalf("refreshSocial: %v", err)
	}
	if accessToken != "new-access" {
		t.Fatalf("access token = %q", accessToken)
	}
	if rotated != "new-refresh" {
		t.Fatalf("rotated refresh token = %q", rotated)
	}
	if !expiresAt.After(time.Now()) {
		t.Fatalf("expiresAt should be in the future, got %v", expiresAt)
	}
}

func TestRefreshSocialInvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "refresh token revoked",
		})
	}))
	defer srv.Close()

	r := &Refresher{httpClient: srv.Client(), socialURL: srv.URL}
	a := account.New("acc", account.Social, "old-refresh", r, nil)

	_, _, _, err := r.refreshSocial(context.Background(), a)
	if err == nil {
		t.Fatal("expected error")
	}
	if !account.IsInvalidGrant(err) {
		t.Fatalf("expected invalid grant classification, got %v", err)
	}
}

func TestRefreshIdCSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ClientID     string `json:"clientId"`
			ClientSecret string `json:"clientSecret"`
			RefreshToken string `json:"refreshToken"`
			GrantType    string `json:"grantType"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body.ClientID != "client-1" || body.ClientSecret != "secret-1" {
			t.Fatalf("client id/secret not sent as camelCase JSON: %+v", body)
		}
		if body.RefreshToken != "old-refresh" {
			t.Fatalf("unexpected refresh token sent: %q", body.RefreshToken)
		}
		if body.GrantType != "refresh_token" {
			t.Fatalf("grantType = %q, want refresh_token", body.GrantType)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"accessToken":  "idc-access",
			"tokenType":    "Bearer",
			"expiresIn":    3600,
			"refreshToken": "idc-refresh-rotated",
		})
	}))
	defer srv.Close()

	r := &Refresher{httpClient: srv.Client(), idcURL: srv.URL}
	a := account.New("acc", account.IdC, "old-refresh", r, nil)
	a.ClientID = "client-1"
	a.ClientSecret = "secret-1"

	accessToken, expiresAt, rotated, err := r.refreshIdC(context.Background(), a)
	if err != nil {
		t.Fatalf("refreshIdC: %v", err)
	}
	if accessToken != "idc-access" {
		t.Fatalf("access token = %q", accessToken)
	}
	if rotated != "idc-refresh-rotated" {
		t.Fatalf("rotated refresh token = %q", rotated)
	}
	if !expiresAt.After(time.Now()) {
		t.Fatalf("expiresAt should be in the future, got %v", expiresAt)
	}
}

func TestRefreshIdCInvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "refresh token revoked",
		})
	}))
	defer srv.Close()

	r := &Refresher{httpClient: srv.Client(), idcURL: srv.URL}
	a := account.New("acc", account.IdC, "old-refresh", r, nil)
	a.ClientID = "client-1"
	a.ClientSecret = "secret-1"

	_, _, _, err := r.refreshIdC(context.Background(), a)
	if err == nil {
		t.Fatal("expected error")
	}
	if !account.IsInvalidGrant(err) {
		t.Fatalf("expected invalid grant classification, got %v", err)
	}
}

func TestRefreshDispatchesByAuthMethod(t *testing.T) {
	var hit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		json.NewEncoder(w).Encode(map[string]interface{}{
			"accessToken": "tok",
			"expiresIn":   60,
		})
	}))
	defer srv.Close()

	r := &Refresher{httpClient: srv.Client(), socialURL: srv.URL}
	a := account.New("acc", account.Social, "rt", r, nil)

	if _, err := a.EnsureValidToken(context.Background()); err != nil {
		t.Fatalf("ensure valid token: %v", err)
	}
	if !hit {
		t.Fatal("expected social endpoint to be hit for a Social account")
	}
}

func TestRefreshDispatchesIdCToIdCEndpoint(t *testing.T) {
	var socialHit, idcHit bool
	socialSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socialHit = true
		json.NewEncoder(w).Encode(map[string]interface{}{"accessToken": "social-tok", "expiresIn": 60})
	}))
	defer socialSrv.Close()
	idcSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idcHit = true
		json.NewEncoder(w).Encode(map[string]interface{}{"accessToken": "idc-tok", "expiresIn": 60})
	}))
	defer idcSrv.Close()

	r := &Refresher{httpClient: idcSrv.Client(), socialURL: socialSrv.URL, idcURL: idcSrv.URL}
	a := account.New("acc", account.IdC, "rt", r, nil)
	a.ClientID = "client-1"
	a.ClientSecret = "secret-1"

	if _, err := a.EnsureValidToken(context.Background()); err != nil {
		t.Fatalf("ensure valid token: %v", err)
	}
	if !idcHit {
		t.Fatal("expected idc endpoint to be hit for an IdC account")
	}
	if socialHit {
		t.Fatal("social endpoint should not be hit for an IdC account")
	}
}

func TestIsInvalidGrantError(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{`oauth2: "invalid_grant" "Token has expired"`, true},
		{"token has been expired or revoked", true},
		{"connection reset by peer", false},
	}
	for _, tc := range cases {
		if got := isInvalidGrantError(errors.New(tc.msg)); got != tc.want {
			t.Errorf("isInvalidGrantError(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
}

func TestIsInvalidGrantStatus(t *testing.T) {
	if !isInvalidGrantStatus(http.StatusBadRequest, "") {
		t.Fatal("400 should be treated as invalid grant")
	}
	if isInvalidGrantStatus(http.StatusInternalServerError, "") {
		t.Fatal("500 should not be treated as invalid grant")
	}
}

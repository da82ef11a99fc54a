package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kiro-proxy/anthropic-bridge/internal/account"
	"github.com/kiro-proxy/anthropic-bridge/internal/dispatcher"
	"github.com/kiro-proxy/anthropic-bridge/internal/kiroclient"
	"github.com/kiro-proxy/anthropic-bridge/internal/pool"
)

type fakeRefresher struct{}

func (fakeRefresher) Refresh(ctx context.Context, a *account.Account) (string, time.Time, string, error) {
	return "tok", time.Now().Add(time.Hour), "", nil
}

func newTestRouter() http.Handler {
	p := pool.New(pool.RoundRobin, nil)
	client := kiroclient.New()
	disp := dispatcher.New(p, client)
	return New("secret", disp, p, client, fakeRefresher{})
}

func TestRouterRejectsUnauthenticated(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestRouterModelsWithValidKey(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("x-api-key", "secret")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestRouterAdminAccountLifecycle(t *testing.T) {
	r := newTestRouter()

	addBody := `{"refresh_token":"rt-1","auth_method":"social"}`
	req := httptest.NewRequest(http.MethodPost, "/api/accounts", strings.NewReader(addBody))
	req.Header.Set("x-api-key", "secret")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("add account status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	req.Header.Set("x-api-key", "secret")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list accounts status = %d, want 200", rec.Code)
	}
}

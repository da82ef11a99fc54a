// Package server wires the HTTP surface described in spec §6: the three
// Anthropic-dialect client endpoints and the admin API, both guarded by the
// single shared API key.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kiro-proxy/anthropic-bridge/internal/account"
	"github.com/kiro-proxy/anthropic-bridge/internal/dispatcher"
	"github.com/kiro-proxy/anthropic-bridge/internal/kiroclient"
	"github.com/kiro-proxy/anthropic-bridge/internal/pool"
)

// New assembles the chi router: request-id/logging/recovery middleware in
// the teacher's order, then the client routes and the admin routes, all
// behind apiKeyAuth since the spec drops the teacher's split public/admin
// auth model (§6).
func New(apiKey string, disp *dispatcher.Dispatcher, p *pool.Pool, client *kiroclient.Client, refresher account.Refresher) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(10 * time.Minute))

	r.Group(func(r chi.Router) {
		r.Use(apiKeyAuth(apiKey))

		r.Get("/v1/models", handleModels(disp))
		r.Post("/v1/messages", handleMessages(disp))
		r.Post("/v1/messages/count_tokens", handleCountTokens(disp))

		checker := quotaCheckerAdapter(client)

		r.Route("/api", func(r chi.Router) {
			r.Get("/status", adminStatus(p))

			r.Get("/accounts", listAccounts(p))
			r.Post("/accounts", addAccount(p, refresher))
			r.Post("/accounts/import", importAccounts(p, refresher))
			r.Delete("/accounts/{id}", deleteAccount(p))
			r.Post("/accounts/{id}/enable", enableAccount(p))
			r.Post("/accounts/{id}/disable", disableAccount(p))
			r.Get("/accounts/{id}/usage", accountUsage(p))
			r.Post("/accounts/{id}/usage/refresh", refreshAccountUsage(p, checker))

			r.Get("/strategy", getStrategy(p))
			r.Post("/strategy", setStrategy(p))

			r.Get("/logs", listLogs(p))
			r.Get("/logs/stats", logStats(p))

			r.Post("/usage/refresh", refreshAllUsage(p, checker))
		})
	})

	return r
}

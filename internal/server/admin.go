package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/kiro-proxy/anthropic-bridge/internal/account"
	"github.com/kiro-proxy/anthropic-bridge/internal/kiroclient"
	"github.com/kiro-proxy/anthropic-bridge/internal/pool"
	"github.com/kiro-proxy/anthropic-bridge/internal/version"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("server: failed to write JSON response")
	}
}

// addAccountRequest is the admin-facing shape for POST /api/accounts and
// POST /api/accounts/import: every Account field the spec's data model
// (§3) allows an admin to set directly.
type addAccountRequest struct {
	ID           string `json:"id"`
	AuthMethod   string `json:"auth_method"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	ProfileArn   string `json:"profile_arn"`
	Region       string `json:"region"`
	DisplayName  string `json:"display_name"`
	Email        string `json:"email"`
}

func adminStatus(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snaps := p.List()
		active := 0
		for _, s := range snaps {
			if s.Status == account.Active {
				active++
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"accounts_total":  len(snaps),
			"accounts_active": active,
			"strategy":        p.Strategy(),
			"version":         version.String(),
		})
	}
}

func listAccounts(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"accounts": redactedSnapshots(p.List())})
	}
}

// redactedSnapshots strips secrets before the admin list response leaves
// the process - accounts.json keeps tokens for persistence, but there's no
// reason to echo them back over HTTP.
func redactedSnapshots(snaps []account.Snapshot) []account.Snapshot {
	out := make([]account.Snapshot, len(snaps))
	for i, s := range snaps {
		s.RefreshToken = redact(s.RefreshToken)
		s.AccessToken = redact(s.AccessToken)
		s.ClientSecret = redact(s.ClientSecret)
		out[i] = s
	}
	return out
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

func addAccount(p *pool.Pool, refresher account.Refresher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON: "+err.Error())
			return
		}
		a, err := buildAccount(req, refresher)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}
		p.Add(a)
		writeJSON(w, http.StatusOK, a.Snapshot())
	}
}

// importAccounts accepts a batch of the same shape as addAccount, matching
// the admin API's distinct import endpoint for bulk onboarding.
func importAccounts(p *pool.Pool, refresher account.Refresher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var reqs []addAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON: "+err.Error())
			return
		}
		imported := make([]account.Snapshot, 0, len(reqs))
		for _, req := range reqs {
			a, err := buildAccount(req, refresher)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
				return
			}
			p.Add(a)
			imported = append(imported, a.Snapshot())
		}
		writeJSON(w, http.StatusOK, map[string]any{"imported": len(imported), "accounts": redactedSnapshots(imported)})
	}
}

func buildAccount(req addAccountRequest, refresher account.Refresher) (*account.Account, error) {
	if req.RefreshToken == "" {
		return nil, errMissingField("refresh_token")
	}
	method := account.Social
	if req.AuthMethod == string(account.IdC) {
		method = account.IdC
	}
	if method == account.IdC && (req.ClientID == "" || req.ClientSecret == "") {
		return nil, errMissingField("client_id/client_secret required for IdC accounts")
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	a := account.New(id, method, req.RefreshToken, refresher, nil)
	a.ClientID = req.ClientID
	a.ClientSecret = req.ClientSecret
	a.ProfileArn = req.ProfileArn
	a.Region = req.Region
	a.DisplayName = req.DisplayName
	a.Email = req.Email
	return a, nil
}

type fieldError string

func (e fieldError) Error() string { return "missing required field: " + string(e) }

func errMissingField(name string) error { return fieldError(name) }

func deleteAccount(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !p.Remove(id) {
			writeError(w, http.StatusNotFound, "not_found_error", "no such account: "+id)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func enableAccount(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a := p.Get(chi.URLParam(r, "id"))
		if a == nil {
			writeError(w, http.StatusNotFound, "not_found_error", "no such account")
			return
		}
		a.Enable()
		writeJSON(w, http.StatusOK, a.Snapshot())
	}
}

func disableAccount(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a := p.Get(chi.URLParam(r, "id"))
		if a == nil {
			writeError(w, http.StatusNotFound, "not_found_error", "no such account")
			return
		}
		a.Disable()
		writeJSON(w, http.StatusOK, a.Snapshot())
	}
}

func accountUsage(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a := p.Get(chi.URLParam(r, "id"))
		if a == nil {
			writeError(w, http.StatusNotFound, "not_found_error", "no such account")
			return
		}
		writeJSON(w, http.StatusOK, a.Snapshot())
	}
}

// refreshAccountUsage performs the out-of-band quota query (§4.3a)
// on demand for a single account.
func refreshAccountUsage(p *pool.Pool, checker pool.QuotaChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a := p.Get(chi.URLParam(r, "id"))
		if a == nil {
			writeError(w, http.StatusNotFound, "not_found_error", "no such account")
			return
		}
		quota, err := checker.CheckQuota(r.Context(), a)
		if err != nil {
			writeError(w, http.StatusBadGateway, "api_error", "quota check failed: "+err.Error())
			return
		}
		a.SetQuota(quota)
		writeJSON(w, http.StatusOK, quota)
	}
}

// refreshAllUsage runs the same out-of-band quota query across every
// account, backing the admin-wide /api/usage/refresh route.
func refreshAllUsage(p *pool.Pool, checker pool.QuotaChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := make(map[string]account.QuotaSnapshot)
		failures := make(map[string]string)
		for _, snap := range p.List() {
			a := p.Get(snap.ID)
			if a == nil {
				continue
			}
			quota, err := checker.CheckQuota(r.Context(), a)
			if err != nil {
				failures[snap.ID] = err.Error()
				continue
			}
			a.SetQuota(quota)
			results[snap.ID] = quota
		}
		writeJSON(w, http.StatusOK, map[string]any{"quotas": results, "failures": failures})
	}
}

func getStrategy(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"strategy": string(p.Strategy())})
	}
}

func setStrategy(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Strategy string `json:"strategy"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON: "+err.Error())
			return
		}
		s := pool.Strategy(body.Strategy)
		if !s.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "unknown strategy: "+body.Strategy)
			return
		}
		p.SetStrategy(s)
		writeJSON(w, http.StatusOK, map[string]string{"strategy": string(s)})
	}
}

func listLogs(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"logs": p.Logs().All()})
	}
}

func logStats(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, p.Logs().ComputeStats())
	}
}

// quotaCheckerAdapter lets the admin routes depend on pool.QuotaChecker
// directly rather than the concrete kiroclient type.
func quotaCheckerAdapter(c *kiroclient.Client) pool.QuotaChecker {
	return kiroclient.PoolQuotaChecker{Client: c}
}

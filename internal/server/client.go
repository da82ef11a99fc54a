package server

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/kiro-proxy/anthropic-bridge/internal/anthropic"
	"github.com/kiro-proxy/anthropic-bridge/internal/dispatcher"
	"github.com/kiro-proxy/anthropic-bridge/internal/kiroerrors"
)

// maxBodyBytes caps request bodies at 10 MiB (§8 boundary behavior: an
// oversized body must return 413).
const maxBodyBytes = 10 << 20

// kindStatus maps an internal error Kind to the HTTP status the client
// sees, per §7's propagation policy.
func kindStatus(kind kiroerrors.Kind) (int, string) {
	switch kind {
	case kiroerrors.InvalidRequest, kiroerrors.TranslationError, kiroerrors.UnsupportedContent:
		return http.StatusBadRequest, "invalid_request_error"
	case kiroerrors.Unauthorized:
		return http.StatusUnauthorized, "authentication_error"
	case kiroerrors.NoAccountsAvailable, kiroerrors.UpstreamTransient,
		kiroerrors.RateLimited, kiroerrors.QuotaExhausted, kiroerrors.AccountSuspended:
		// §7: RateLimited/QuotaExhausted/AccountSuspended are consumed by
		// the pool and retried against another account; if they survive to
		// here the retry budget is exhausted and every outcome converges
		// on the same overloaded_error the client sees.
		return http.StatusServiceUnavailable, "overloaded_error"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

func handleModels(disp *dispatcher.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": disp.HandleModels()})
	}
}

func handleMessages(disp *dispatcher.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req anthropic.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			if isBodyTooLarge(err) {
				writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON body: "+err.Error())
			return
		}

		err := disp.HandleMessages(r.Context(), &req, w)
		if err != nil {
			status, errType := kindStatus(kiroerrors.KindOf(err))
			log.WithError(err).WithField("model", req.Model).Warn("dispatcher: handle_messages failed")
			writeError(w, status, errType, err.Error())
		}
	}
}

func handleCountTokens(disp *dispatcher.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req anthropic.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			if isBodyTooLarge(err) {
				writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON body: "+err.Error())
			return
		}

		n, err := disp.HandleCountTokens(&req)
		if err != nil {
			status, errType := kindStatus(kiroerrors.KindOf(err))
			writeError(w, status, errType, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{"input_tokens": n})
	}
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

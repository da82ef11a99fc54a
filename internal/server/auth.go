package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kiro-proxy/anthropic-bridge/internal/anthropic"
)

// apiKeyAuth enforces the single shared API key (§6) against x-api-key or
// Authorization: Bearer, compared in constant time - a correction over the
// teacher's plain == comparison in internal/proxy/middleware/auth.go, which
// the spec explicitly calls out (§4.6 step 1).
func apiKeyAuth(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if constantTimeEqual(r.Header.Get("x-api-key"), expected) {
				next.ServeHTTP(w, r)
				return
			}
			if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				if constantTimeEqual(bearer, expected) {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusUnauthorized, "authentication_error", "invalid API key")
		})
	}
}

func constantTimeEqual(got, expected string) bool {
	if got == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(anthropic.ErrorBody{
		Type: "error",
		Error: anthropic.ErrorInfo{
			Type:    errType,
			Message: message,
		},
	})
}

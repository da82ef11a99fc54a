// Package logging attaches a request id to a context.Context for
// correlating the handful of log lines one /v1/messages dispatch emits
// (inbound request, account-disable, abnormal stream termination) across
// however many accounts the dispatcher's retry loop ends up trying.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type contextKey string

const requestIDKey contextKey = "requestId"

// idBytes is doubled over the teacher's 4-byte id: this proxy's retry loop
// can attempt up to three accounts per client request, so collisions
// across concurrently in-flight requests are worth guarding against more
// than a single-shot per-call id needs to.
const idBytes = 8

// EnsureRequestID returns ctx carrying a request id - either the one
// already attached, or a freshly generated "req_<hex>" one - along with
// that id. This is the one operation dispatcher.HandleMessages needs:
// generate-if-absent and attach in a single call rather than composing
// separate generate/with/get primitives at the call site.
func EnsureRequestID(ctx context.Context) (context.Context, string) {
	if id := RequestID(ctx); id != "" {
		return ctx, id
	}
	b := make([]byte, idBytes)
	rand.Read(b)
	id := "req_" + hex.EncodeToString(b)
	return context.WithValue(ctx, requestIDKey, id), id
}

// RequestID retrieves the request id from ctx, or "" if none was attached.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

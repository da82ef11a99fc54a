// Package dispatcher implements C6: the per-request orchestration of
// account selection, request/response translation, upstream dispatch, and
// outcome feedback described in spec §4.6.
package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/kiro-proxy/anthropic-bridge/internal/account"
	"github.com/kiro-proxy/anthropic-bridge/internal/anthropic"
	"github.com/kiro-proxy/anthropic-bridge/internal/kiroclient"
	"github.com/kiro-proxy/anthropic-bridge/internal/kiroerrors"
	"github.com/kiro-proxy/anthropic-bridge/internal/logging"
	"github.com/kiro-proxy/anthropic-bridge/internal/pool"
	"github.com/kiro-proxy/anthropic-bridge/internal/translator"
	"github.com/kiro-proxy/anthropic-bridge/internal/util"
)

// upstreamTimeoutStream and upstreamTimeoutBuffered are the hard deadlines
// from §5: 5 minutes for a streaming call, 60s for a buffered one.
const (
	upstreamTimeoutStream   = 5 * time.Minute
	upstreamTimeoutBuffered = 60 * time.Second
)

// Dispatcher glues the pool, the translators, and the Kiro wire client
// together behind the three client-facing operations (§4.6).
type Dispatcher struct {
	Pool   *pool.Pool
	Client *kiroclient.Client
}

func New(p *pool.Pool, c *kiroclient.Client) *Dispatcher {
	return &Dispatcher{Pool: p, Client: c}
}

// maxAttempts bounds retries to the smaller of pool size and 3, per §7's
// retry budget. A pool report of zero still tries once so NoAccountsAvailable
// surfaces from Acquire rather than being special-cased here.
func (d *Dispatcher) maxAttempts() int {
	n := d.Pool.Len()
	if n == 0 {
		return 1
	}
	if n > 3 {
		return 3
	}
	return n
}

// HandleModels backs GET /v1/models (§6).
func (d *Dispatcher) HandleModels() []translator.ModelCatalogEntry {
	return translator.Catalog()
}

// HandleCountTokens backs POST /v1/messages/count_tokens (§4.6).
func (d *Dispatcher) HandleCountTokens(req *anthropic.Request) (int, error) {
	n, err := translator.EstimateTokens(req)
	if err != nil {
		return 0, kiroerrors.Wrap(kiroerrors.TranslationError, "estimate tokens", err)
	}
	return n, nil
}

// outcomeFor classifies a kiroerrors.Kind into the account outcome it
// should drive (§7's HTTP-status-to-outcome map, already applied by
// kiroclient.Client) and whether the dispatcher should retry with another
// account.
func outcomeFor(kind kiroerrors.Kind) (account.Outcome, bool) {
	switch kind {
	case kiroerrors.RateLimited:
		return account.OutcomeRateLimited, true
	case kiroerrors.QuotaExhausted:
		return account.OutcomeExhausted, true
	case kiroerrors.AccountSuspended:
		return account.OutcomeSuspended, true
	case kiroerrors.UpstreamTransient:
		return account.OutcomeTransientUpstream, true
	default:
		return account.OutcomeClientError, false
	}
}

// HandleMessages implements the handle_messages algorithm (§4.6 steps 2-7).
// It writes either a single JSON Response body or an SSE stream directly to
// w depending on req.Stream, and always returns a *kiroerrors.Error when the
// client should see a non-2xx (the caller maps Kind to an HTTP status).
func (d *Dispatcher) HandleMessages(ctx context.Context, req *anthropic.Request, w http.ResponseWriter) error {
	ctx, requestID := logging.EnsureRequestID(ctx)
	logFields := log.Fields{"request_id": requestID}

	if log.IsLevelEnabled(log.DebugLevel) {
		if raw, err := json.Marshal(req); err == nil {
			log.WithFields(logFields).WithField("body", util.TruncateBytes(raw)).Debug("dispatcher: inbound request")
		}
	}

	// Step 2: validate translation before touching the pool - a malformed
	// request must never consume an account.
	if _, err := translator.BuildConverseRequest(req, ""); err != nil {
		return err
	}

	attempts := d.maxAttempts()
	var lastErr error

	for i := 0; i < attempts; i++ {
		lease, err := d.Pool.Acquire()
		if err != nil {
			return err
		}

		acc := d.Pool.Get(lease.AccountID)
		if acc == nil {
			lastErr = kiroerrors.New(kiroerrors.InternalError, "leased account vanished")
			continue
		}

		token, err := acc.EnsureValidToken(ctx)
		if err != nil {
			if account.IsInvalidGrant(err) {
				// Account.EnsureValidToken already transitioned it to
				// Disabled; loop to acquire a different one (§4.6 step 4).
				log.WithFields(logFields).WithField("account", acc.ID).Warn("dispatcher: account disabled on invalid_grant")
				lastErr = kiroerrors.Wrap(kiroerrors.Unauthorized, "refresh failed", err)
				continue
			}
			d.Pool.Report(lease, account.OutcomeTransientUpstream)
			lastErr = kiroerrors.Wrap(kiroerrors.UpstreamTransient, "token refresh failed", err)
			continue
		}

		convReq, err := translator.BuildConverseRequest(req, acc.ProfileArn)
		if err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, upstreamTimeout(req.Stream))
		result, err := d.Client.Converse(callCtx, token, convReq)
		if err != nil {
			cancel()
			kind := kiroerrors.KindOf(err)
			outcome, retryable := outcomeFor(kind)
			d.Pool.Report(lease, outcome)
			if !retryable {
				return err
			}
			lastErr = err
			continue
		}

		start := time.Now()
		promptTok, complTok, _, streamErr := d.translateAndStream(req, result.Body, w)
		result.Body.Close()
		cancel()
		latency := time.Since(start)

		status := http.StatusOK
		outcome := account.OutcomeSuccess
		var errKind string
		switch {
		case streamErr != nil && ctx.Err() != nil:
			// Client cancellation (§4.6 step 7): the upstream call is
			// aborted, but this isn't evidence the account is unhealthy -
			// report Success if any content was emitted, otherwise skip
			// feedback entirely.
			if promptTok == 0 && complTok == 0 {
				d.Pool.Logs().Append(pool.LogEntry{AccountID: acc.ID, Model: req.Model, StatusCode: 499, LatencyMS: latency.Milliseconds(), ErrorKind: "client_cancelled"})
				return nil
			}
			status = 499
			errKind = "client_cancelled"
		case streamErr != nil:
			// Error surfacing mid-stream (§4.5): the outcome is still
			// TransientUpstream for pool purposes even though the client
			// already received a partial, well-formed stream.
			outcome = account.OutcomeTransientUpstream
			status = 0
			errKind = string(kiroerrors.UpstreamTransient)
			log.WithFields(logFields).WithError(streamErr).WithField("account", acc.ID).Warn("dispatcher: stream terminated abnormally")
		}
		d.Pool.Report(lease, outcome)
		d.Pool.Logs().Append(pool.LogEntry{
			AccountID:        acc.ID,
			Model:            req.Model,
			PromptTokens:     int64(promptTok),
			CompletionTokens: int64(complTok),
			StatusCode:       status,
			LatencyMS:        latency.Milliseconds(),
			ErrorKind:        errKind,
		})
		return nil
	}

	if lastErr != nil {
		return lastErr
	}
	return kiroerrors.New(kiroerrors.NoAccountsAvailable, "retry budget exhausted")
}

func upstreamTimeout(stream bool) time.Duration {
	if stream {
		return upstreamTimeoutStream
	}
	return upstreamTimeoutBuffered
}

// translateAndStream decodes the upstream event-stream body through a
// StreamState and either streams Anthropic SSE events to w (req.Stream) or
// accumulates a single Response and writes it as JSON. It returns token
// counts for pool/log accounting plus the final stop reason.
func (d *Dispatcher) translateAndStream(req *anthropic.Request, body io.Reader, w http.ResponseWriter) (promptTok, complTok int, stopReason string, err error) {
	thinkingWanted := req.Thinking != nil && req.Thinking.Type == "enabled"
	msgID := "msg_" + uuid.NewString()

	if !req.Stream {
		state := translator.NewStreamState(nil, thinkingWanted)
		readErr := kiroclient.ReadEvents(body, state.Handle)
		closeErr := state.Close()
		if readErr == nil {
			readErr = closeErr
		}

		resp := anthropic.Response{
			ID:         msgID,
			Type:       "message",
			Role:       "assistant",
			Model:      req.Model,
			Content:    state.Blocks,
			StopReason: state.StopReason,
			Usage:      anthropic.Usage{InputTokens: state.InputTokens, OutputTokens: state.OutputTokens},
		}
		writeJSON(w, http.StatusOK, resp)
		return state.InputTokens, state.OutputTokens, state.StopReason, readErr
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	sse := anthropic.NewSSEWriter(w, flusher)
	state := translator.NewStreamState(sse, thinkingWanted)

	startMsg := anthropic.Response{
		ID:      msgID,
		Type:    "message",
		Role:    "assistant",
		Model:   req.Model,
		Content: []anthropic.ContentBlock{},
		Usage:   anthropic.Usage{InputTokens: 0, OutputTokens: 0},
	}
	if err := sse.MessageStart(startMsg); err != nil {
		return 0, 0, "", err
	}

	readErr := kiroclient.ReadEvents(body, state.Handle)
	if readErr != nil {
		// At least message_start was sent; surface the error as a
		// message_delta with stop_reason "error" per §4.5, then close.
		_ = state.Close()
		_ = sse.MessageDelta("error", nil, anthropic.Usage{InputTokens: state.InputTokens, OutputTokens: state.OutputTokens})
		_ = sse.MessageStop()
		return state.InputTokens, state.OutputTokens, "error", readErr
	}

	if err := state.Close(); err != nil {
		return state.InputTokens, state.OutputTokens, state.StopReason, err
	}
	if err := sse.MessageDelta(state.StopReason, nil, anthropic.Usage{InputTokens: state.InputTokens, OutputTokens: state.OutputTokens}); err != nil {
		return state.InputTokens, state.OutputTokens, state.StopReason, err
	}
	if err := sse.MessageStop(); err != nil {
		return state.InputTokens, state.OutputTokens, state.StopReason, err
	}
	return state.InputTokens, state.OutputTokens, state.StopReason, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("dispatcher: failed to write JSON response")
	}
}

package kiroclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kiro-proxy/anthropic-bridge/internal/kiroerrors"
	"github.com/kiro-proxy/anthropic-bridge/internal/util"
)

// endpoint is one candidate Kiro backend; the client falls back to the next
// on 429, 5xx or a transport error, mirroring the dual-endpoint "CodeWhisperer then AmazonQ" fallback
// pattern shown in the reference Kiro clients in the retrieval pack.
type endpoint struct {
	url       string
	origin    string
	amzTarget string
	name      string
}

var endpoints = []endpoint{
	{
		url:       "https://codewhisperer.us-east-1.amazonaws.com/generateAssistantResponse",
		origin:    "AI_EDITOR",
		amzTarget: "AmazonCodeWhispererStreamingService.GenerateAssistantResponse",
		name:      "CodeWhisperer",
	},
	{
		url:       "https://q.us-east-1.amazonaws.com/generateAssistantResponse",
		origin:    "CLI",
		amzTarget: "AmazonQDeveloperStreamingService.SendMessage",
		name:      "AmazonQ",
	},
}

var quotaURL = "https://codewhisperer.us-east-1.amazonaws.com/getUsageLimits"

const kiroVersion = "0.7.45"

// Client calls the upstream Kiro endpoints with a shared, connection-reusing
// http.Client, following the teacher's internal/upstream/client.go pattern
// of one long-lived client reused across requests rather than a per-call
// http.Client.
type Client struct {
	httpClient *http.Client
}

func New() *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
	}
}

// StreamResult is the outcome of a successful converse call: the raw event
// stream body for the caller to decode with ReadEvents, and a closer the
// caller must invoke when done.
type StreamResult struct {
	Body io.ReadCloser
}

// Converse posts req to each endpoint in turn, following the dual-endpoint
// fallback contract (§4.6's "Wire-level upstream dispatch"), and moves on to
// the next one after a 429, a 5xx or a transport error. On success the
// caller owns StreamResult.Body and must close it. Any other non-200 status
// stops the loop and is returned as a *kiroerrors.Error classified by status.
func (c *Client) Converse(ctx context.Context, accessToken string, req *ConverseRequest) (*StreamResult, error) {
	var lastErr error

	for _, ep := range endpoints {
		req.ConversationState.CurrentMessage.UserInputMessage.Origin = ep.origin

		body, err := json.Marshal(req)
		if err != nil {
			return nil, kiroerrors.Wrap(kiroerrors.TranslationError, "marshal converse request", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url, bytes.NewReader(body))
		if err != nil {
			return nil, kiroerrors.Wrap(kiroerrors.InternalError, "build converse request", err)
		}
		setKiroHeaders(httpReq, ep, accessToken)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = kiroerrors.Wrap(kiroerrors.UpstreamTransient, "converse request to "+ep.name, err)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return &StreamResult{Body: resp.Body}, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close()
			lastErr = kiroerrors.New(kiroerrors.RateLimited, "429 from "+ep.name)
			continue
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			errBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, kiroerrors.New(kiroerrors.AccountSuspended, fmt.Sprintf("%d from %s: %s", resp.StatusCode, ep.name, util.TruncateError(errBody)))
		case resp.StatusCode == http.StatusPaymentRequired:
			resp.Body.Close()
			return nil, kiroerrors.New(kiroerrors.QuotaExhausted, "402 from "+ep.name)
		case resp.StatusCode >= 500:
			errBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = kiroerrors.New(kiroerrors.UpstreamTransient, fmt.Sprintf("%d from %s: %s", resp.StatusCode, ep.name, util.TruncateError(errBody)))
			continue
		default:
			errBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, kiroerrors.New(kiroerrors.InvalidRequest, fmt.Sprintf("%d from %s: %s", resp.StatusCode, ep.name, util.TruncateError(errBody)))
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, kiroerrors.New(kiroerrors.UpstreamTransient, "all endpoints failed")
}

// CheckQuota performs the out-of-band usage query (§4.3a), implementing
// pool.QuotaChecker's contract via the PoolQuotaChecker adapter in
// quotachecker.go.
func (c *Client) CheckQuota(ctx context.Context, accessToken, profileArn string) (QuotaResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, quotaURL, nil)
	if err != nil {
		return QuotaResponse{}, fmt.Errorf("build quota request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("Accept", "application/json")
	if profileArn != "" {
		httpReq.Header.Set("x-amzn-codewhisperer-profile-arn", profileArn)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return QuotaResponse{}, fmt.Errorf("quota request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return QuotaResponse{}, fmt.Errorf("quota request failed: status %d", resp.StatusCode)
	}

	var out QuotaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return QuotaResponse{}, fmt.Errorf("decode quota response: %w", err)
	}
	return out, nil
}

// setKiroHeaders applies the fixed header set Kiro requires on every
// converse call, grounded on the reference client's CallKiroAPI header
// construction (User-Agent/X-Amz-User-Agent format, agent-mode/optout
// flags, per-request Amz-Sdk-Invocation-Id).
func setKiroHeaders(req *http.Request, ep endpoint, accessToken string) {
	userAgent := fmt.Sprintf("aws-sdk-js/1.0.27 ua/2.1 os/linux lang/js md/nodejs#22.21.1 api/codewhispererstreaming#1.0.27 m/E KiroIDE-%s", kiroVersion)
	amzUserAgent := fmt.Sprintf("aws-sdk-js/1.0.27 KiroIDE %s", kiroVersion)

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("X-Amz-Target", ep.amzTarget)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Amz-User-Agent", amzUserAgent)
	req.Header.Set("x-amzn-kiro-version", kiroVersion)
	req.Header.Set("x-amzn-kiro-agent-mode", "vibe")
	req.Header.Set("x-amzn-codewhisperer-optout", "true")
	req.Header.Set("Amz-Sdk-Request", "attempt=1; max=3")
	req.Header.Set("Amz-Sdk-Invocation-Id", uuid.New().String())
	req.Header.Set("Authorization", "Bearer "+accessToken)
}

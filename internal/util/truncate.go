package util

import "fmt"

// DefaultLogMaxLen bounds the debug-level dump of a client's inbound
// request body (dispatcher.HandleMessages logs one per client request,
// before its retry loop, so a generous 1KB budget doesn't flood the log).
const DefaultLogMaxLen = 1024

// ErrorBodyMaxLen bounds an upstream error body embedded in a
// kiroerrors.Error message. Those strings end up in the Anthropic-shaped
// error response the client reads back, so they get a much tighter budget
// than a debug log line - a multi-KB Kiro error page has no business
// showing up verbatim in a 400/503 response.
const ErrorBodyMaxLen = 256

// TruncateLog truncates long strings for verbose logging.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes wraps TruncateLog at DefaultLogMaxLen, for dumping a raw
// request/response body to a debug log line.
func TruncateBytes(b []byte) string {
	return TruncateLog(string(b), DefaultLogMaxLen)
}

// TruncateError wraps TruncateLog at ErrorBodyMaxLen, for embedding an
// upstream error body inside a kiroerrors.Error message.
func TruncateError(b []byte) string {
	return TruncateLog(string(b), ErrorBodyMaxLen)
}

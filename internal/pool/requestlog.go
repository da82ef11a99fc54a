package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const requestLogsFile = "request_logs.json"

// LogEntry records one dispatched request for the admin /api/logs surface.
// Grounded on the teacher's request_log gorm model, flattened to a plain
// struct since persistence here is JSON, not SQL.
type LogEntry struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	AccountID       string    `json:"account_id"`
	Model           string    `json:"model"`
	PromptTokens    int64     `json:"prompt_tokens"`
	CompletionTokens int64    `json:"completion_tokens"`
	StatusCode      int       `json:"status_code"`
	LatencyMS       int64     `json:"latency_ms"`
	ErrorKind       string    `json:"error_kind,omitempty"`
}

// RequestLog is a bounded, append-only ring buffer of LogEntry, persisted to
// request_logs.json alongside accounts.json. Capacity is fixed at
// construction (spec: 1000 most-recent entries).
type RequestLog struct {
	mu       sync.Mutex
	cap      int
	entries  []LogEntry // oldest first
	dataDir  string
	dirty    bool
}

// NewRequestLog builds an empty ring buffer with the given capacity.
func NewRequestLog(capacity int) *RequestLog {
	return &RequestLog{cap: capacity}
}

// Append records one entry, evicting the oldest if the buffer is full, and
// schedules a background save.
func (r *RequestLog) Append(e LogEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	r.mu.Lock()
	r.entries = append(r.entries, e)
	if len(r.entries) > r.cap {
		r.entries = r.entries[len(r.entries)-r.cap:]
	}
	r.dirty = true
	dataDir := r.dataDir
	snapshot := append([]LogEntry(nil), r.entries...)
	r.mu.Unlock()

	if dataDir != "" {
		go r.save(dataDir, snapshot)
	}
}

// All returns a copy of every retained entry, newest last.
func (r *RequestLog) All() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LogEntry(nil), r.entries...)
}

// Stats aggregates simple counters over the retained window, backing
// /api/logs/stats.
type Stats struct {
	Total           int   `json:"total"`
	SuccessCount    int   `json:"success_count"`
	ErrorCount      int   `json:"error_count"`
	TotalPromptToks int64 `json:"total_prompt_tokens"`
	TotalCompToks   int64 `json:"total_completion_tokens"`
}

// ComputeStats summarizes the current buffer.
func (r *RequestLog) ComputeStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s Stats
	s.Total = len(r.entries)
	for _, e := range r.entries {
		if e.StatusCode >= 200 && e.StatusCode < 400 {
			s.SuccessCount++
		} else {
			s.ErrorCount++
		}
		s.TotalPromptToks += e.PromptTokens
		s.TotalCompToks += e.CompletionTokens
	}
	return s
}

// LoadFromDir hydrates the buffer from request_logs.json (if present) and
// remembers dataDir so future Append calls persist themselves.
func (r *RequestLog) LoadFromDir(dataDir string) error {
	path := filepath.Join(dataDir, requestLogsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			r.dataDir = dataDir
			r.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	var entries []LogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if len(entries) > r.cap {
		entries = entries[len(entries)-r.cap:]
	}

	r.mu.Lock()
	r.entries = entries
	r.dataDir = dataDir
	r.mu.Unlock()
	return nil
}

// save performs one atomic write-to-temp-then-rename, mirroring persist.go's
// writer but without a debounce window: log appends are already infrequent
// relative to account-state churn (one per completed request, not per byte
// streamed), so a direct write-per-append is simple and sufficient.
func (r *RequestLog) save(dataDir string, entries []LogEntry) {
	path := filepath.Join(dataDir, requestLogsFile)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return
	}
	payload, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return
	}
	tmp, err := os.CreateTemp(dataDir, requestLogsFile+".tmp-*")
	if err != nil {
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
	}
}

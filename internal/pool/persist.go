package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kiro-proxy/anthropic-bridge/internal/account"
)

const accountsFile = "accounts.json"

// storedPool is the on-disk shape of accounts.json: the account vector (in
// insertion order) plus the active strategy, matching §4.3's persistence
// contract and the original Rust pool's StoredAccount, supplemented with
// access_token/expires_at which the original deliberately dropped (see
// DESIGN.md).
type storedPool struct {
	Strategy Strategy           `json:"strategy"`
	Accounts []account.Snapshot `json:"accounts"`
}

// writer is the single goroutine that owns all accounts.json writes. A
// bounded channel plus a debounce timer coalesces bursts of state changes
// into one write within 250ms, matching §4.3's "Persistence flush" note and
// the teacher's preference for a dedicated background goroutine per
// long-running concern (StartRefreshLoop in internal/auth/token/manager.go).
type writer struct {
	path    string
	requestCh chan struct{}
	snapshot func() storedPool
	done    chan struct{}
	stopped chan struct{}
}

const debounceWindow = 250 * time.Millisecond

func newWriter(dataDir string, snapshot func() storedPool) *writer {
	w := &writer{
		path:      filepath.Join(dataDir, accountsFile),
		requestCh: make(chan struct{}, 1),
		snapshot:  snapshot,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go w.run()
	return w
}

// request schedules a flush; it never blocks the caller (the channel is
// buffered 1 and a pending request coalesces with the next one).
func (w *writer) request() {
	select {
	case w.requestCh <- struct{}{}:
	default:
	}
}

func (w *writer) run() {
	defer close(w.stopped)
	var timer *time.Timer
	var timerCh <-chan time.Time
	for {
		select {
		case <-w.requestCh:
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerCh = timer.C
			}
		case <-timerCh:
			timer = nil
			timerCh = nil
			if err := w.flush(); err != nil {
				log.WithError(err).Warn("pool: failed to persist accounts.json")
			}
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			_ = w.flush()
			return
		}
	}
}

// flush performs one atomic write-to-temp-then-rename of the current
// snapshot. Called directly (bypassing the debounce) on shutdown to
// guarantee pending state survives.
func (w *writer) flush() error {
	data := w.snapshot()
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal accounts: %w", err)
	}

	tmp, err := os.CreateTemp(dir, accountsFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// stop ends run and waits until its final flush has returned.
func (w *writer) stop() {
	close(w.done)
	<-w.stopped
}

// loadStoredPool reads accounts.json, returning an empty pool if the file
// is absent (per §4.3: "absent file => empty pool").
func loadStoredPool(dataDir string) (storedPool, error) {
	path := filepath.Join(dataDir, accountsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return storedPool{Strategy: RoundRobin}, nil
		}
		return storedPool{}, fmt.Errorf("read %s: %w", path, err)
	}
	var sp storedPool
	if err := json.Unmarshal(data, &sp); err != nil {
		return storedPool{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if !sp.Strategy.Valid() {
		sp.Strategy = RoundRobin
	}
	return sp, nil
}

// Package pool implements C3: the authoritative set of upstream accounts,
// selection under a configurable strategy, state-transition feedback, and
// durable persistence.
package pool

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kiro-proxy/anthropic-bridge/internal/account"
	"github.com/kiro-proxy/anthropic-bridge/internal/kiroerrors"
)

const (
	cooldownScanInterval  = 15 * time.Minute
	exhaustedScanInterval = 1 * time.Hour
)

// QuotaChecker performs the out-of-band usage query (§4.3a). Implemented by
// package kiroclient; declared here to avoid an import cycle.
type QuotaChecker interface {
	CheckQuota(ctx context.Context, a *account.Account) (account.QuotaSnapshot, error)
}

// Pool owns all Accounts. The account vector is protected by a single
// writer-preferring mutex; acquire/report take it for an O(N) scan, which is
// acceptable for the tens-of-accounts scale the spec targets (§5), matching
// the teacher's pool-wide-lock idiom in internal/auth/token/manager.go.
type Pool struct {
	mu       sync.RWMutex
	accounts []*account.Account // insertion order, authoritative
	byID     map[string]*account.Account
	strategy Strategy
	rrIndex  int
	seqID    string

	quotaChecker QuotaChecker
	writer       *writer
	logs         *RequestLog

	scanCancel context.CancelFunc
	scanDone   chan struct{}
}

// Lease is the short-lived handle a dispatcher holds for the duration of
// one request. It carries only an ID, matching §9's "no Account referenced
// outside the pool except through a lease" design note.
type Lease struct {
	AccountID string
	pool      *Pool
}

// New constructs an empty pool with the given strategy and quota checker.
// Call LoadFromDir afterward to hydrate from accounts.json.
func New(strategy Strategy, quotaChecker QuotaChecker) *Pool {
	if !strategy.Valid() {
		strategy = RoundRobin
	}
	p := &Pool{
		byID:         make(map[string]*account.Account),
		strategy:     strategy,
		quotaChecker: quotaChecker,
		logs:         NewRequestLog(1000),
	}
	return p
}

// snapshotLocked builds the storedPool view. Caller must hold at least a
// read lock.
func (p *Pool) snapshotLocked() storedPool {
	out := storedPool{Strategy: p.strategy, Accounts: make([]account.Snapshot, len(p.accounts))}
	for i, a := range p.accounts {
		out.Accounts[i] = a.Snapshot()
	}
	return out
}

// LoadFromDir hydrates the pool from dataDir/accounts.json (if present) and
// starts the debounced persistence writer rooted at dataDir. refresher and
// p.persistHook() build live Account objects from the stored snapshots.
func (p *Pool) LoadFromDir(dataDir string, refresher account.Refresher) error {
	sp, err := loadStoredPool(dataDir)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.strategy = sp.Strategy
	for _, snap := range sp.Accounts {
		a := account.FromSnapshot(snap, refresher, p.persistHook())
		p.accounts = append(p.accounts, a)
		p.byID[a.ID] = a
	}
	p.mu.Unlock()

	p.writer = newWriter(dataDir, func() storedPool {
		p.mu.RLock()
		defer p.mu.RUnlock()
		return p.snapshotLocked()
	})

	if err := p.logs.LoadFromDir(dataDir); err != nil {
		log.WithError(err).Warn("pool: failed to load request logs")
	}

	log.WithField("count", len(sp.Accounts)).Info("pool: loaded accounts from disk")
	return nil
}

// persistHook returns the callback Account invokes after any durable
// mutation. Defined as a method so it captures p without an import cycle.
func (p *Pool) persistHook() account.PersistHook {
	return func() {
		if p.writer != nil {
			p.writer.request()
		}
	}
}

// Add inserts a new account and schedules a debounced flush. It does not
// install the pool's persist hook on a: a keeps the hook it was constructed
// with, so its own later state changes schedule a write only if that hook
// does.
func (p *Pool) Add(a *account.Account) {
	p.mu.Lock()
	p.accounts = append(p.accounts, a)
	p.byID[a.ID] = a
	p.mu.Unlock()
	if p.writer != nil {
		p.writer.request()
	}
}

// Remove deletes an account by ID. Returns false if not found.
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byID[id]; !ok {
		return false
	}
	delete(p.byID, id)
	for i, a := range p.accounts {
		if a.ID == id {
			p.accounts = append(p.accounts[:i], p.accounts[i+1:]...)
			break
		}
	}
	if p.writer != nil {
		p.writer.request()
	}
	return true
}

// Get returns the account by ID, or nil.
func (p *Pool) Get(id string) *account.Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byID[id]
}

// List returns snapshots of every account in insertion order.
func (p *Pool) List() []account.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]account.Snapshot, len(p.accounts))
	for i, a := range p.accounts {
		out[i] = a.Snapshot()
	}
	return out
}

// Len reports the number of accounts currently in the pool.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.accounts)
}

// Strategy returns the active selection strategy.
func (p *Pool) Strategy() Strategy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.strategy
}

// SetStrategy hot-swaps the selection policy.
func (p *Pool) SetStrategy(s Strategy) {
	p.mu.Lock()
	p.strategy = s
	p.mu.Unlock()
	if p.writer != nil {
		p.writer.request()
	}
}

// Acquire walks the strategy over Active accounts and returns a lease. If no
// account is Active, it returns NoAccountsAvailable.
func (p *Pool) Acquire() (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var actives []*account.Account
	for _, a := range p.accounts {
		if a.Status() == account.Active {
			actives = append(actives, a)
		}
	}
	if len(actives) == 0 {
		return nil, kiroerrors.New(kiroerrors.NoAccountsAvailable, "no active accounts in pool")
	}

	idx := selectIndex(p.strategy, actives, &p.rrIndex, &p.seqID)
	if idx < 0 {
		return nil, kiroerrors.New(kiroerrors.NoAccountsAvailable, "no active accounts in pool")
	}

	chosen := actives[idx]
	chosen.MarkUsedNow()

	return &Lease{AccountID: chosen.ID, pool: p}, nil
}

// Report applies the dispatcher's outcome classification for a lease to its
// account, then advances the sequential-exhaust sticky pointer when the
// account just left Active.
func (p *Pool) Report(lease *Lease, outcome account.Outcome) {
	if lease == nil {
		return
	}
	a := p.Get(lease.AccountID)
	if a == nil {
		return
	}
	a.ApplyOutcome(outcome)

	if outcome != account.OutcomeSuccess && a.Status() != account.Active {
		p.mu.Lock()
		if p.seqID == a.ID {
			p.seqID = ""
		}
		p.mu.Unlock()
	}
}

// Logs returns the pool's request-log ring buffer.
func (p *Pool) Logs() *RequestLog {
	return p.logs
}

// StartScanners launches the cooldown and exhausted background scanners.
// Call Stop to drain them (and flush any pending persistence) on shutdown.
func (p *Pool) StartScanners(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.scanCancel = cancel
	p.scanDone = make(chan struct{})

	go p.runScanners(ctx)
}

func (p *Pool) runScanners(ctx context.Context) {
	defer close(p.scanDone)

	p.scanCooldowns()

	cooldownTicker := time.NewTicker(cooldownScanInterval)
	exhaustedTicker := time.NewTicker(exhaustedScanInterval)
	defer cooldownTicker.Stop()
	defer exhaustedTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cooldownTicker.C:
			p.scanCooldowns()
		case <-exhaustedTicker.C:
			p.scanExhausted(ctx)
		}
	}
}

func (p *Pool) scanCooldowns() {
	now := time.Now().UTC()
	p.mu.RLock()
	accs := append([]*account.Account(nil), p.accounts...)
	p.mu.RUnlock()

	for _, a := range accs {
		if a.TryRecoverFromCooldown(now) {
			log.WithField("account", a.ID).Info("pool: cooldown elapsed, account promoted to active")
		}
	}
}

func (p *Pool) scanExhausted(ctx context.Context) {
	if p.quotaChecker == nil {
		return
	}
	p.mu.RLock()
	accs := append([]*account.Account(nil), p.accounts...)
	p.mu.RUnlock()

	for _, a := range accs {
		if a.Status() != account.Exhausted {
			continue
		}
		quota, err := p.quotaChecker.CheckQuota(ctx, a)
		if err != nil {
			log.WithField("account", a.ID).WithError(err).Warn("pool: exhausted quota check failed")
			continue
		}
		if quota.Limit == 0 || quota.Used < quota.Limit {
			a.RecoverFromExhausted(quota)
			log.WithField("account", a.ID).Info("pool: quota recovered, account promoted to active")
		} else {
			a.SetQuota(quota)
		}
	}
}

// Stop cancels the background scanners and drains the persistence writer.
func (p *Pool) Stop() {
	if p.scanCancel != nil {
		p.scanCancel()
		<-p.scanDone
	}
	if p.writer != nil {
		p.writer.stop()
	}
}

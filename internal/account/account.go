// Package account holds one upstream Kiro credential plus its runtime
// lifecycle state. An Account is always owned by a pool; callers outside the
// pool only ever see it through a short-lived lease.
package account

import (
	"context"
	"sync"
	"time"
)

// AuthMethod is the credential's OAuth grant family.
type AuthMethod string

const (
	Social AuthMethod = "Social"
	IdC    AuthMethod = "IdC"
)

// Status is the account's lifecycle state. Cooldown and Exhausted carry a
// timestamp (Until / since) tracked alongside Status on Account itself,
// mirroring the flat-field layout the original Rust pool used rather than a
// tagged-union payload - Go has no ergonomic sum type for this.
type Status string

const (
	Active    Status = "active"
	Cooldown  Status = "cooldown"
	Exhausted Status = "exhausted"
	Disabled  Status = "disabled"
)

// refreshSkew is the minimum safety margin subtracted from expires_at before
// a token is considered valid (spec: skew >= 60s).
const refreshSkew = 60 * time.Second

// QuotaSnapshot is the last known upstream usage reading.
type QuotaSnapshot struct {
	Used         int64     `json:"used"`
	Limit        int64     `json:"limit"`
	RefreshedAt  time.Time `json:"refreshed_at"`
}

// Refresher exchanges a refresh token for a new access token. Implemented by
// package tokenrefresh; declared here to avoid an import cycle.
type Refresher interface {
	Refresh(ctx context.Context, a *Account) (accessToken string, expiresAt time.Time, rotatedRefreshToken string, err error)
}

// PersistHook is invoked by Account after any mutation that must survive a
// crash (token refresh, state transition). The pool supplies a debounced
// implementation; Account itself has no file-system knowledge.
type PersistHook func()

// Account is one upstream identity. All mutable fields are guarded either by
// mu (state, counters) or refreshMu (the token triple), matching the two
// different contention profiles: state changes are quick and frequent,
// refreshes are slow and rare but must serialize per spec's single-flight
// requirement.
type Account struct {
	ID           string
	AuthMethod   AuthMethod
	ClientID     string
	ClientSecret string
	ProfileArn   string
	Region       string
	DisplayName  string
	Email        string
	CreatedAt    time.Time

	mu          sync.Mutex
	refreshMu   sync.Mutex
	refreshToken string
	accessToken  string
	expiresAt    time.Time

	status        Status
	cooldownUntil time.Time
	exhaustedSince time.Time
	errorCount    uint64
	lastUsedAt    time.Time
	usageCount    uint64
	quota         *QuotaSnapshot

	refresher Refresher
	onPersist PersistHook
}

// New creates an Active account. refreshToken is required; access token is
// empty until the first ensure_valid_token call.
func New(id string, authMethod AuthMethod, refreshToken string, refresher Refresher, onPersist PersistHook) *Account {
	return &Account{
		ID:           id,
		AuthMethod:   authMethod,
		refreshToken: refreshToken,
		status:       Active,
		CreatedAt:    time.Now().UTC(),
		refresher:    refresher,
		onPersist:    onPersist,
	}
}

func (a *Account) persist() {
	if a.onPersist != nil {
		a.onPersist()
	}
}

// Status returns the current lifecycle state under lock.
func (a *Account) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Snapshot is an immutable copy of an account's fields, safe to hand out
// beyond the pool's lock (used for JSON encoding and the admin API).
type Snapshot struct {
	ID             string         `json:"id"`
	AuthMethod     AuthMethod     `json:"auth_method"`
	RefreshToken   string         `json:"refresh_token"`
	AccessToken    string         `json:"access_token,omitempty"`
	ExpiresAt      time.Time      `json:"expires_at,omitempty"`
	ClientID       string         `json:"client_id,omitempty"`
	ClientSecret   string         `json:"client_secret,omitempty"`
	ProfileArn     string         `json:"profile_arn,omitempty"`
	Region         string         `json:"region,omitempty"`
	DisplayName    string         `json:"display_name,omitempty"`
	Email          string         `json:"email,omitempty"`
	Status         Status         `json:"status"`
	CooldownUntil  time.Time      `json:"cooldown_until,omitempty"`
	ExhaustedSince time.Time      `json:"exhausted_since,omitempty"`
	ErrorCount     uint64         `json:"error_count"`
	LastUsedAt     time.Time      `json:"last_used_at,omitempty"`
	UsageCount     uint64         `json:"usage_count"`
	Quota          *QuotaSnapshot `json:"quota_snapshot,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Snapshot copies the account's current fields.
func (a *Account) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()
	return Snapshot{
		ID:             a.ID,
		AuthMethod:     a.AuthMethod,
		RefreshToken:   a.refreshToken,
		AccessToken:    a.accessToken,
		ExpiresAt:      a.expiresAt,
		ClientID:       a.ClientID,
		ClientSecret:   a.ClientSecret,
		ProfileArn:     a.ProfileArn,
		Region:         a.Region,
		DisplayName:    a.DisplayName,
		Email:          a.Email,
		Status:         a.status,
		CooldownUntil:  a.cooldownUntil,
		ExhaustedSince: a.exhaustedSince,
		ErrorCount:     a.errorCount,
		LastUsedAt:     a.lastUsedAt,
		UsageCount:     a.usageCount,
		Quota:          a.quota,
		CreatedAt:      a.CreatedAt,
	}
}

// FromSnapshot rebuilds an Account from a persisted Snapshot.
func FromSnapshot(s Snapshot, refresher Refresher, onPersist PersistHook) *Account {
	return &Account{
		ID:             s.ID,
		AuthMethod:     s.AuthMethod,
		ClientID:       s.ClientID,
		ClientSecret:   s.ClientSecret,
		ProfileArn:     s.ProfileArn,
		Region:         s.Region,
		DisplayName:    s.DisplayName,
		Email:          s.Email,
		CreatedAt:      s.CreatedAt,
		refreshToken:   s.RefreshToken,
		accessToken:    s.AccessToken,
		expiresAt:      s.ExpiresAt,
		status:         s.Status,
		cooldownUntil:  s.CooldownUntil,
		exhaustedSince: s.ExhaustedSince,
		errorCount:     s.ErrorCount,
		lastUsedAt:     s.LastUsedAt,
		usageCount:     s.UsageCount,
		quota:          s.Quota,
		refresher:      refresher,
		onPersist:      onPersist,
	}
}

// UsageCount returns the lifetime successful-dispatch counter.
func (a *Account) UsageCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usageCount
}

// LastUsedAt returns the last selection time, zero if never used.
func (a *Account) LastUsedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUsedAt
}

// MarkUsedNow stamps last_used_at preemptively at selection time, so
// rotation stays fair even before the dispatcher reports an outcome.
func (a *Account) MarkUsedNow() {
	a.mu.Lock()
	a.lastUsedAt = time.Now().UTC()
	a.mu.Unlock()
}

// tokenValidLocked reports whether the cached access token is still usable.
// Caller must hold refreshMu.
func (a *Account) tokenValidLocked() bool {
	return a.accessToken != "" && time.Now().Before(a.expiresAt.Add(-refreshSkew))
}

// EnsureValidToken returns a usable access token, refreshing under a
// per-account mutex if the cached one is missing or near expiry. Concurrent
// callers collapse onto a single upstream refresh: the second and later
// callers block on refreshMu and then observe the token the first caller
// just installed, re-checking validity before deciding to refresh again.
func (a *Account) EnsureValidToken(ctx context.Context) (string, error) {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	if a.tokenValidLocked() {
		return a.accessToken, nil
	}

	accessToken, expiresAt, rotatedRefresh, err := a.refresher.Refresh(ctx, a)
	if err != nil {
		if IsInvalidGrant(err) {
			a.mu.Lock()
			a.status = Disabled
			a.cooldownUntil = time.Time{}
			a.exhaustedSince = time.Time{}
			a.mu.Unlock()
			a.persist()
		}
		return "", err
	}

	// A rotated refresh token replaces the old one in memory and is handed
	// to the persist hook. With the pool's debounced hook the write to disk
	// happens after this returns, within the debounce window, so a crash in
	// that window loses the rotated token.
	if rotatedRefresh != "" {
		a.refreshToken = rotatedRefresh
	}
	a.accessToken = accessToken
	a.expiresAt = expiresAt
	a.persist()

	return a.accessToken, nil
}

// RefreshTokenValue exposes the current refresh token to the Refresher
// implementation (which lives in another package and cannot reach the
// unexported field directly).
func (a *Account) RefreshTokenValue() string {
	return a.refreshToken
}

// RecordSuccess bumps usage_count, stamps last_used_at, and recovers the
// account out of Cooldown/Exhausted back to Active - the transition table's
// "Success" column.
func (a *Account) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usageCount++
	a.lastUsedAt = time.Now().UTC()
	switch a.status {
	case Cooldown, Exhausted:
		a.status = Active
		a.cooldownUntil = time.Time{}
		a.exhaustedSince = time.Time{}
	}
	a.persist()
}

// Outcome enumerates the dispatcher's classification of an upstream call,
// feeding the state-transition table in §4.3.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeExhausted
	OutcomeSuspended
	OutcomeTransientUpstream
	OutcomeClientError
)

// ApplyOutcome drives the account's state machine per the spec's transition
// table. ClientError never touches account state - it is a caller mistake,
// not evidence the account is unhealthy.
func (a *Account) ApplyOutcome(o Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch o {
	case OutcomeSuccess:
		a.usageCount++
		a.lastUsedAt = time.Now().UTC()
		if a.status == Cooldown || a.status == Exhausted {
			a.status = Active
			a.cooldownUntil = time.Time{}
			a.exhaustedSince = time.Time{}
		}
	case OutcomeRateLimited:
		a.errorCount++
		if a.status != Disabled {
			a.status = Cooldown
			a.cooldownUntil = time.Now().UTC().Add(5 * time.Minute)
		}
	case OutcomeExhausted:
		a.errorCount++
		if a.status != Disabled {
			a.status = Exhausted
			a.exhaustedSince = time.Now().UTC()
			a.cooldownUntil = time.Time{}
		}
	case OutcomeSuspended:
		a.errorCount++
		a.status = Disabled
		a.cooldownUntil = time.Time{}
		a.exhaustedSince = time.Time{}
	case OutcomeTransientUpstream:
		a.errorCount++
		// Active and Cooldown/Exhausted are unaffected by transient upstream
		// failure per the table; only the counter moves.
	case OutcomeClientError:
		// no account penalty
	}
	a.persist()
}

// TryRecoverFromCooldown promotes the account to Active if its cooldown
// timer has elapsed. Returns true if a transition happened.
func (a *Account) TryRecoverFromCooldown(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == Cooldown && !a.cooldownUntil.After(now) {
		a.status = Active
		a.cooldownUntil = time.Time{}
		a.persist()
		return true
	}
	return false
}

// RecoverFromExhausted promotes an Exhausted account to Active (called by
// the scanner after a successful out-of-band quota check confirms headroom).
func (a *Account) RecoverFromExhausted(quota QuotaSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quota = &quota
	if a.status == Exhausted {
		a.status = Active
		a.exhaustedSince = time.Time{}
	}
	a.persist()
}

// SetQuota records the latest usage reading without changing state.
func (a *Account) SetQuota(quota QuotaSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quota = &quota
	a.persist()
}

// Enable clears Disabled back to Active. Only the admin surface calls this.
func (a *Account) Enable() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == Disabled {
		a.status = Active
		a.cooldownUntil = time.Time{}
		a.exhaustedSince = time.Time{}
		a.persist()
	}
}

// Disable is sticky: only Enable (an admin action) clears it.
func (a *Account) Disable() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = Disabled
	a.cooldownUntil = time.Time{}
	a.exhaustedSince = time.Time{}
	a.persist()
}

// invalidGrantErr marks a Refresher error as a permanent auth failure,
// mirroring the teacher's isPermanentRefreshError string-sniffing approach
// but expressed as a typed marker interface instead of substring matching on
// an arbitrary error's message.
type invalidGrantErr interface {
	InvalidGrant() bool
}

// IsInvalidGrant reports whether err represents an unrecoverable refresh
// failure (bad refresh token, revoked grant, disabled client).
func IsInvalidGrant(err error) bool {
	var ig invalidGrantErr
	for e := err; e != nil; {
		if x, ok := e.(invalidGrantErr); ok {
			ig = x
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return ig != nil && ig.InvalidGrant()
}

package pool

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/kiro-proxy/anthropic-bridge/internal/account"
)

type noopRefresher struct{}

func (noopRefresher) Refresh(ctx context.Context, a *account.Account) (string, time.Time, string, error) {
	return "tok", time.Now().Add(time.Hour), "", nil
}

func newTestAccount(id string) *account.Account {
	return account.New(id, account.Social, "rt-"+id, noopRefresher{}, nil)
}

func TestAcquireRoundRobinCyclesAllAccounts(t *testing.T) {
	p := New(RoundRobin, nil)
	for _, id := range []string{"a", "b", "c"} {
		p.Add(newTestAccount(id))
	}

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		lease, err := p.Acquire()
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		seen[lease.AccountID]++
	}
	for _, id := range []string{"a", "b", "c"} {
		if seen[id] != 2 {
			t.Errorf("account %s selected %d times, want 2", id, seen[id])
		}
	}
}

func TestAcquireNoActiveAccountsErrors(t *testing.T) {
	p := New(RoundRobin, nil)
	a := newTestAccount("a")
	a.Disable()
	p.Add(a)

	if _, err := p.Acquire(); err == nil {
		t.Fatal("expected error when no active accounts exist")
	}
}

func TestAcquireSkipsDisabledAccounts(t *testing.T) {
	p := New(RoundRobin, nil)
	p.Add(newTestAccount("a"))
	bad := newTestAccount("b")
	bad.Disable()
	p.Add(bad)

	for i := 0; i < 4; i++ {
		lease, err := p.Acquire()
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if lease.AccountID != "a" {
			t.Fatalf("expected only account a to be selected, got %s", lease.AccountID)
		}
	}
}

func TestReportRateLimitedMovesToCooldown(t *testing.T) {
	p := New(RoundRobin, nil)
	p.Add(newTestAccount("a"))

	lease, err := p.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Report(lease, account.OutcomeRateLimited)

	got := p.Get("a")
	if got.Status() != account.Cooldown {
		t.Fatalf("status = %s, want cooldown", got.Status())
	}

	if _, err := p.Acquire(); err == nil {
		t.Fatal("expected no accounts available after the only account entered cooldown")
	}
}

func TestSequentialExhaustStaysOnCurrentUntilItLeavesActive(t *testing.T) {
	p := New(SequentialExhaust, nil)
	p.Add(newTestAccount("a"))
	p.Add(newTestAccount("b"))

	first, err := p.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	for i := 0; i < 3; i++ {
		lease, err := p.Acquire()
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if lease.AccountID != first.AccountID {
			t.Fatalf("expected sticky account %s, got %s", first.AccountID, lease.AccountID)
		}
	}

	p.Report(first, account.OutcomeSuspended)

	lease, err := p.Acquire()
	if err != nil {
		t.Fatalf("acquire after sticky account suspended: %v", err)
	}
	if lease.AccountID == first.AccountID {
		t.Fatal("expected pool to move off the suspended account")
	}
}

func TestLoadFromDirRoundTrip(t *testing.T) {
	dir := t.TempDir()

	p1 := New(LeastUsed, nil)
	if err := p1.LoadFromDir(dir, noopRefresher{}); err != nil {
		t.Fatalf("initial load: %v", err)
	}
	p1.Add(newTestAccount("a"))
	p1.Stop()

	if _, err := os.Stat(dir + "/accounts.json"); err != nil {
		t.Fatalf("expected accounts.json to be written: %v", err)
	}

	p2 := New(RoundRobin, nil)
	if err := p2.LoadFromDir(dir, noopRefresher{}); err != nil {
		t.Fatalf("reload: %v", err)
	}
	defer p2.Stop()

	if p2.Strategy() != LeastUsed {
		t.Fatalf("strategy = %s, want least_used", p2.Strategy())
	}
	if p2.Len() != 1 || p2.Get("a") == nil {
		t.Fatalf("expected account 'a' to survive reload, len=%d", p2.Len())
	}
}

func TestLoadFromDirMissingFileIsEmptyPool(t *testing.T) {
	dir := t.TempDir()
	p := New(RoundRobin, nil)
	defer p.Stop()
	if err := p.LoadFromDir(dir, noopRefresher{}); err != nil {
		t.Fatalf("load from empty dir: %v", err)
	}
	if p.Len() != 0 {
		t.Fatalf("expected empty pool, got %d accounts", p.Len())
	}
}

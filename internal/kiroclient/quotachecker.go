package kiroclient

import (
	"context"
	"time"

	"github.com/kiro-proxy/anthropic-bridge/internal/account"
)

// PoolQuotaChecker adapts Client to pool.QuotaChecker, ensuring the token is
// valid before querying usage so the exhausted scanner doesn't need its own
// refresh logic.
type PoolQuotaChecker struct {
	Client *Client
}

func (p PoolQuotaChecker) CheckQuota(ctx context.Context, a *account.Account) (account.QuotaSnapshot, error) {
	token, err := a.EnsureValidToken(ctx)
	if err != nil {
		return account.QuotaSnapshot{}, err
	}
	resp, err := p.Client.CheckQuota(ctx, token, a.ProfileArn)
	if err != nil {
		return account.QuotaSnapshot{}, err
	}
	return account.QuotaSnapshot{
		Used:        resp.Used,
		Limit:       resp.Limit,
		RefreshedAt: time.Now().UTC(),
	}, nil
}

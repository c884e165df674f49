package anthropic

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Account is one API key in the rotation pool.
type Account struct {
	Name   string
	Client Client
}

// Guard wraps a single account call, e.g. with a circuit breaker.
type Guard func(ctx context.Context, account string, call func(ctx context.Context) (*MessageResponse, error)) (*MessageResponse, error)

// AccountPool spreads requests round-robin over several accounts and fails
// over to the next account when one is throttled, unauthorised or down.
// It implements Client.
type AccountPool struct {
	accounts []Account
	next     atomic.Uint64
	guard    Guard
	failover func(error) bool
}

// PoolOption configures an AccountPool.
type PoolOption func(*AccountPool)

// WithGuard wraps every account call with g.
func WithGuard(g Guard) PoolOption {
	return func(p *AccountPool) {
		if g != nil {
			p.guard = g
		}
	}
}

// WithFailover replaces the rule deciding whether an error moves the request
// to the next account.
func WithFailover(fn func(error) bool) PoolOption {
	return func(p *AccountPool) {
		if fn != nil {
			p.failover = fn
		}
	}
}

// NewAccountPool creates a pool over accounts.
func NewAccountPool(accounts []Account, opts ...PoolOption) (*AccountPool, error) {
	if len(accounts) == 0 {
		return nil, eris.New("anthropic: account pool needs at least one account")
	}
	p := &AccountPool{
		accounts: accounts,
		guard: func(ctx context.Context, _ string, call func(ctx context.Context) (*MessageResponse, error)) (*MessageResponse, error) {
			return call(ctx)
		},
		failover: DefaultFailover,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// NewPoolFromKeys builds a pool with one SDK client per key. Accounts are
// named account-1, account-2, ... so keys never reach logs.
func NewPoolFromKeys(keys []string, clientOpts []ClientOption, opts ...PoolOption) (*AccountPool, error) {
	accounts := make([]Account, 0, len(keys))
	for i, k := range keys {
		accounts = append(accounts, Account{
			Name:   fmt.Sprintf("account-%d", i+1),
			Client: NewClient(k, clientOpts...),
		})
	}
	return NewAccountPool(accounts, opts...)
}

// DefaultFailover fails over on throttling, auth failures, server errors and
// errors that carry no HTTP status (network failures, open breakers).
func DefaultFailover(err error) bool {
	switch code := StatusCode(err); {
	case code == 0:
		return true
	case code == 401, code == 403, code == 408, code == 429, code == 529:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

// Size returns the number of accounts.
func (p *AccountPool) Size() int {
	return len(p.accounts)
}

// CreateMessage sends req through the next account in rotation, trying the
// remaining accounts in order when a failure allows failover.
func (p *AccountPool) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	n := len(p.accounts)
	start := int((p.next.Add(1) - 1) % uint64(n))

	var lastErr error
	for i := 0; i < n; i++ {
		acct := p.accounts[(start+i)%n]
		resp, err := p.guard(ctx, acct.Name, func(ctx context.Context) (*MessageResponse, error) {
			return acct.Client.CreateMessage(ctx, req)
		})
		if err == nil {
			resp.Account = acct.Name
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || !p.failover(err) {
			return nil, err
		}
		if i < n-1 {
			zap.L().Warn("anthropic: failing over to next account",
				zap.String("account", acct.Name),
				zap.Int("status", StatusCode(err)),
				zap.Error(err),
			)
		}
	}
	return nil, eris.Wrapf(lastErr, "anthropic: all %d accounts failed", n)
}

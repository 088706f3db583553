package market

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"tri_trader/internal/core"
	"tri_trader/internal/dispatch"
)

// BalanceTracker caches the free balance of each triangle asset. Refreshes
// are wholesale: all assets are replaced together under one lock so readers
// never observe a mix of old and new balances.
type BalanceTracker struct {
	exchange core.Exchange
	queue    *dispatch.Queue
	lane     string
	logger   core.Logger
	assets   []core.Asset

	mu       sync.RWMutex
	balances map[core.Asset]decimal.Decimal
}

func NewBalanceTracker(exchange core.Exchange, queue *dispatch.Queue, lane string, assets []core.Asset, logger core.Logger) *BalanceTracker {
	balances := make(map[core.Asset]decimal.Decimal, len(assets))
	for _, a := range assets {
		balances[a] = decimal.Zero
	}
	return &BalanceTracker{
		exchange: exchange,
		queue:    queue,
		lane:     lane,
		logger:   logger.WithField("component", "balance_tracker"),
		assets:   append([]core.Asset(nil), assets...),
		balances: balances,
	}
}

// Refresh performs a single read-through to the venue's balance endpoint via
// the utility lane and replaces the cached balances atomically.
func (t *BalanceTracker) Refresh(ctx context.Context) error {
	future, err := t.queue.Submit(ctx, t.lane, 0, func(taskCtx context.Context) (interface{}, error) {
		return t.exchange.GetBalances(taskCtx)
	})
	if err != nil {
		return err
	}
	value, err := future.Wait(ctx)
	if err != nil {
		return err
	}
	fetched := value.(map[core.Asset]decimal.Decimal)

	next := make(map[core.Asset]decimal.Decimal, len(t.assets))
	for _, a := range t.assets {
		next[a] = fetched[a]
	}

	t.mu.Lock()
	t.balances = next
	t.mu.Unlock()

	for _, a := range t.assets {
		t.logger.Debug("balance refreshed", "asset", a, "free", next[a])
	}
	return nil
}

// Get returns the cached free balance of one asset.
func (t *BalanceTracker) Get(asset core.Asset) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balances[asset]
}

// Snapshot returns a copy of all cached balances.
func (t *BalanceTracker) Snapshot() map[core.Asset]decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	copied := make(map[core.Asset]decimal.Decimal, len(t.balances))
	for a, b := range t.balances {
		copied[a] = b
	}
	return copied
}

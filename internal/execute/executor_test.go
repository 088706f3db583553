package execute

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tri_trader/internal/core"
	"tri_trader/internal/dispatch"
	"tri_trader/internal/ledger"
	"tri_trader/internal/market"
	"tri_trader/internal/mock"
	"tri_trader/pkg/apperrors"
	"tri_trader/pkg/logging"
	"tri_trader/pkg/telemetry"
)

var (
	btc = core.Asset("BTC")
	eth = core.Asset("ETH")
	bch = core.Asset("BCH")

	triAssets = []core.Asset{btc, eth, bch}
	triPairs  = []core.Pair{
		{Quote: btc, Base: eth},
		{Quote: btc, Base: bch},
		{Quote: eth, Base: bch},
	}

	rotBTC = core.Rotation{Sold: btc, Bought: eth, Value: bch}
	one    = decimal.NewFromInt(1)
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	executor *Executor
	exchange *mock.Exchange
	status   *market.StatusBoard
	ledger   *ledger.Ledger
	queue    *dispatch.Queue
	onDone   atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logging.NewNop()
	metrics := telemetry.NewForTest()

	q := dispatch.New(dispatch.Config{RatePerSecond: 1000, PoolWorkers: 8, PoolCapacity: 64}, logger, metrics)
	for _, asset := range triAssets {
		require.NoError(t, q.AddLane(dispatch.LaneConfig{Name: string(asset), Concurrency: 1}))
	}
	require.NoError(t, q.AddLane(dispatch.LaneConfig{Name: "util", Concurrency: 1}))
	t.Cleanup(q.Stop)

	ex := mock.NewExchange()
	for _, asset := range triAssets {
		ex.SetBalance(asset, one)
	}
	ex.SetQuote(core.Pair{Quote: btc, Base: eth}, dec("0.99"), dec("0.9901"))
	ex.SetQuote(core.Pair{Quote: btc, Base: bch}, dec("1"), dec("1.001"))
	ex.SetQuote(core.Pair{Quote: eth, Base: bch}, dec("1"), dec("1.001"))

	cache, err := market.NewCache(triAssets, triPairs)
	require.NoError(t, err)
	ticker, err := ex.GetTicker(context.Background())
	require.NoError(t, err)
	cache.ApplyQuote(ticker)

	balances := market.NewBalanceTracker(ex, q, "util", triAssets, logger)
	require.NoError(t, balances.Refresh(context.Background()))

	status := market.NewStatusBoard(triAssets)
	auditLog := ledger.New(logger, 128)

	f := &fixture{exchange: ex, status: status, ledger: auditLog, queue: q}
	f.executor = New(Config{
		PollInterval:       10 * time.Millisecond,
		FillWindow:         150 * time.Millisecond,
		MaxReconcileRounds: 3,
		LegPriority:        11,
		CallTimeout:        time.Second,
		SizeScale:          dec("0.99"),
		FeeFactor:          dec("0.9975"),
	}, Deps{
		Exchange:    ex,
		Queue:       q,
		Cache:       cache,
		Balances:    balances,
		Status:      status,
		Ledger:      auditLog,
		Logger:      logger,
		Metrics:     metrics,
		Pairs:       triPairs,
		Lanes:       map[core.Asset]string{btc: "BTC", eth: "ETH", bch: "BCH"},
		UtilityLane: "util",
		OnDone: func(completed bool) {
			f.onDone.Add(1)
		},
	})
	return f
}

// waitPlaced blocks until n orders have been placed on the mock venue.
// Safe to call from helper goroutines, hence Errorf rather than Fatalf.
func (f *fixture) waitPlaced(t *testing.T, n int) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.exchange.Placed()) >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("timed out waiting for %d placed orders, have %d", n, len(f.exchange.Placed()))
	return false
}

func TestRunCompletesWhenAllLegsFill(t *testing.T) {
	f := newFixture(t)

	go func() {
		if f.waitPlaced(t, 3) {
			f.exchange.FillAll()
		}
	}()

	state := f.executor.Run(context.Background(), rotBTC, one)

	assert.Equal(t, StateCompleted, state)
	assert.Len(t, f.exchange.Placed(), 3)
	assert.False(t, f.status.Busy(btc), "busy flag must clear after completion")
	assert.Equal(t, 1, f.ledger.Count("trade_completed"))
	assert.Equal(t, 0, f.ledger.Count("trade_abandoned"))
	assert.Equal(t, int32(1), f.onDone.Load())

	// Each leg spends a different asset on a different account.
	accounts := map[string]bool{}
	for _, req := range f.exchange.Placed() {
		accounts[req.Account] = true
	}
	assert.Len(t, accounts, 3)
}

func TestRunReconcilesUnfilledLegs(t *testing.T) {
	f := newFixture(t)

	go func() {
		// First round: only one leg fills inside the window; the other two
		// get cancelled and replaced, then everything fills.
		if !f.waitPlaced(t, 3) {
			return
		}
		f.exchange.Fill("order-1")
		if f.waitPlaced(t, 5) {
			f.exchange.FillAll()
		}
	}()

	state := f.executor.Run(context.Background(), rotBTC, one)

	assert.Equal(t, StateCompleted, state)
	assert.Len(t, f.exchange.Placed(), 5, "3 legs plus 2 makeup orders")
	assert.Len(t, f.exchange.Cancelled(), 2)
	assert.False(t, f.status.Busy(btc))
	assert.Equal(t, 1, f.ledger.Count("trade_completed"))
}

func TestRunAbandonsWhenNoLegCanBeCancelled(t *testing.T) {
	f := newFixture(t)

	// Venue refuses every cancel: each leg is most likely filled already,
	// but confirmation never arrives. Automatic correction must stop.
	for _, id := range []string{"order-1", "order-2", "order-3"} {
		f.exchange.FailCancel(id, apperrors.ErrOrderNotFound)
	}

	state := f.executor.Run(context.Background(), rotBTC, one)

	assert.Equal(t, StateAbandoned, state)
	assert.Empty(t, f.exchange.Cancelled())
	assert.False(t, f.status.Busy(btc))
	require.Equal(t, 1, f.ledger.Count("trade_abandoned"))

	entries := f.ledger.Entries()
	last := entries[len(entries)-1]
	assert.Equal(t, "trade_abandoned", last.Event)
	assert.Equal(t, "high", last.Fields["severity"])
}

func TestRunAbandonsAfterMaxReconcileRounds(t *testing.T) {
	f := newFixture(t)

	// Legs never fill; every round cancels and replaces them until the
	// rounds are exhausted.
	state := f.executor.Run(context.Background(), rotBTC, one)

	assert.Equal(t, StateAbandoned, state)
	// 3 initial legs plus 3 makeup legs per round.
	assert.Len(t, f.exchange.Placed(), 3+3*3)
	assert.Equal(t, 1, f.ledger.Count("trade_abandoned"))
	assert.False(t, f.status.Busy(btc))
}

func TestRunAbandonsOnSubmissionFailure(t *testing.T) {
	f := newFixture(t)
	f.exchange.FailNextPlaceOrder(core.Pair{Quote: btc, Base: eth}, apperrors.ErrInvalidOrder)

	state := f.executor.Run(context.Background(), rotBTC, one)

	assert.Equal(t, StateAbandoned, state)
	assert.Equal(t, 1, f.ledger.Count("trade_abandoned"))
	assert.False(t, f.status.Busy(btc))
}

func TestRunRetriesSubmissionTimeoutOnce(t *testing.T) {
	f := newFixture(t)
	f.exchange.FailNextPlaceOrder(core.Pair{Quote: btc, Base: eth}, apperrors.ErrSubmissionTimeout)

	go func() {
		if f.waitPlaced(t, 3) {
			f.exchange.FillAll()
		}
	}()

	state := f.executor.Run(context.Background(), rotBTC, one)

	assert.Equal(t, StateCompleted, state, "a single timeout is retried, not fatal")
	assert.Len(t, f.exchange.Placed(), 3)
}

func TestRunSecondTimeoutAbandons(t *testing.T) {
	f := newFixture(t)
	pair := core.Pair{Quote: btc, Base: eth}
	f.exchange.FailNextPlaceOrder(pair, apperrors.ErrSubmissionTimeout)
	f.exchange.FailNextPlaceOrder(pair, apperrors.ErrSubmissionTimeout)

	state := f.executor.Run(context.Background(), rotBTC, one)

	assert.Equal(t, StateAbandoned, state)
	assert.False(t, f.status.Busy(btc))
}

func TestRunRefusesBusySoldAsset(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.status.TryAcquire(btc))

	state := f.executor.Run(context.Background(), rotBTC, one)

	assert.Equal(t, StateIdle, state)
	assert.Empty(t, f.exchange.Placed())
	assert.True(t, f.status.Busy(btc), "a refused run must not clear the holder's flag")
}

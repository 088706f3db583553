package reactor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tri_trader/internal/core"
	"tri_trader/internal/dispatch"
	"tri_trader/internal/evaluate"
	"tri_trader/internal/execute"
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
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	reactor  *Reactor
	exchange *mock.Exchange
	ledger   *ledger.Ledger
	quotes   chan map[core.Pair]core.PairQuote
}

func newFixture(t *testing.T, maxTrades int) *fixture {
	t.Helper()
	logger := logging.NewNop()
	metrics := telemetry.NewForTest()

	q := dispatch.New(dispatch.Config{RatePerSecond: 1000, PoolWorkers: 8, PoolCapacity: 64}, logger, metrics)
	for _, asset := range triAssets {
		require.NoError(t, q.AddLane(dispatch.LaneConfig{Name: string(asset), Concurrency: 1}))
	}
	require.NoError(t, q.AddLane(dispatch.LaneConfig{Name: "util", Concurrency: 1}))
	require.NoError(t, q.AddLane(dispatch.LaneConfig{Name: "ticker", Concurrency: 1, MinInterval: 10 * time.Millisecond}))
	t.Cleanup(q.Stop)

	ex := mock.NewExchange()
	for _, asset := range triAssets {
		ex.SetBalance(asset, decimal.NewFromInt(1))
	}

	cache, err := market.NewCache(triAssets, triPairs)
	require.NoError(t, err)
	status := market.NewStatusBoard(triAssets)
	balances := market.NewBalanceTracker(ex, q, "util", triAssets, logger)
	auditLog := ledger.New(logger, 128)

	evaluator := evaluate.New(evaluate.Config{
		FeeFactor:        dec("0.9975"),
		FullThreshold:    dec("0.2"),
		PartialThreshold: dec("0.02"),
		PartialCap:       dec("0.3333"),
		MinNotional:      dec("0.00012"),
		ReferenceAsset:   btc,
	}, status, logger, metrics)

	quotes := make(chan map[core.Pair]core.PairQuote, 4)
	r := New(Config{
		TickerLane:       "ticker",
		TickerPriority:   5,
		PrimePriority:    10,
		TickerTimeout:    time.Second,
		MaxTradesSession: maxTrades,
	}, Deps{
		Exchange:  ex,
		Queue:     q,
		Cache:     cache,
		Balances:  balances,
		Status:    status,
		Evaluator: evaluator,
		Ledger:    auditLog,
		Logger:    logger,
		Metrics:   metrics,
		Pairs:     triPairs,
		Lanes:     map[core.Asset]string{btc: "BTC", eth: "ETH", bch: "BCH"},
		Quotes:    quotes,

		UtilityLane: "util",
		ExecutorConfig: execute.Config{
			PollInterval:       10 * time.Millisecond,
			FillWindow:         150 * time.Millisecond,
			MaxReconcileRounds: 3,
			LegPriority:        11,
			CallTimeout:        time.Second,
			SizeScale:          dec("0.99"),
			FeeFactor:          dec("0.9975"),
		},
	})
	return &fixture{reactor: r, exchange: ex, ledger: auditLog, quotes: quotes}
}

// setFlatMarket quotes the triangle with no opportunity anywhere.
func (f *fixture) setFlatMarket() {
	f.exchange.SetQuote(core.Pair{Quote: btc, Base: eth}, dec("0.999"), dec("1.001"))
	f.exchange.SetQuote(core.Pair{Quote: btc, Base: bch}, dec("0.999"), dec("1.001"))
	f.exchange.SetQuote(core.Pair{Quote: eth, Base: bch}, dec("0.999"), dec("1.001"))
}

// setFavorableMarket skews the BTC/ETH rate enough to clear the full
// threshold for the sell-BTC rotation.
func (f *fixture) setFavorableMarket() {
	f.exchange.SetQuote(core.Pair{Quote: btc, Base: eth}, dec("0.99"), dec("0.9901"))
	f.exchange.SetQuote(core.Pair{Quote: btc, Base: bch}, dec("1"), dec("1.001"))
	f.exchange.SetQuote(core.Pair{Quote: eth, Base: bch}, dec("1"), dec("1.001"))
}

func TestRunExecutesOpportunityAndHonorsSessionCap(t *testing.T) {
	f := newFixture(t, 1)
	f.setFavorableMarket()

	// Fill whatever the executor places so legs confirm promptly.
	fillCtx, stopFilling := context.WithCancel(context.Background())
	defer stopFilling()
	go func() {
		for fillCtx.Err() == nil {
			f.exchange.FillAll()
			time.Sleep(5 * time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := f.reactor.Run(ctx)

	require.NoError(t, err, "the session cap ends the run cleanly")
	require.NoError(t, ctx.Err(), "run must stop on the cap, not the test timeout")
	assert.Equal(t, 1, f.reactor.TradesCompleted())
	assert.Equal(t, 1, f.ledger.Count("trade_completed"))
}

func TestRunTradesOnStreamedQuotes(t *testing.T) {
	f := newFixture(t, 1)
	// Polling alone never sees an opportunity; only the push feed does.
	f.setFlatMarket()
	f.quotes <- map[core.Pair]core.PairQuote{
		{Quote: btc, Base: eth}: {HighestBid: dec("0.99"), LowestAsk: dec("0.9901")},
		{Quote: btc, Base: bch}: {HighestBid: dec("1"), LowestAsk: dec("1.001")},
		{Quote: eth, Base: bch}: {HighestBid: dec("1"), LowestAsk: dec("1.001")},
	}

	fillCtx, stopFilling := context.WithCancel(context.Background())
	defer stopFilling()
	go func() {
		for fillCtx.Err() == nil {
			f.exchange.FillAll()
			time.Sleep(5 * time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := f.reactor.Run(ctx)

	require.NoError(t, err)
	require.NoError(t, ctx.Err(), "run must stop on the cap, not the test timeout")
	assert.Equal(t, 1, f.reactor.TradesCompleted())
}

func TestRunSurvivesClosedQuoteFeed(t *testing.T) {
	f := newFixture(t, 0)
	f.setFlatMarket()
	close(f.quotes)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := f.reactor.Run(ctx)

	assert.NoError(t, err)
	assert.Equal(t, 0, f.reactor.TradesCompleted())
	assert.Empty(t, f.exchange.Placed())
}

func TestRunStopsOnContextWithoutTrading(t *testing.T) {
	f := newFixture(t, 0)
	f.setFlatMarket()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := f.reactor.Run(ctx)

	assert.NoError(t, err)
	assert.Equal(t, 0, f.reactor.TradesCompleted())
	assert.Empty(t, f.exchange.Placed())
}

func TestRunFailsWhenInitialBalanceFetchFails(t *testing.T) {
	f := newFixture(t, 0)
	f.setFlatMarket()
	f.exchange.SetBalancesError(apperrors.ErrNetwork)

	err := f.reactor.Run(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
}

func TestRunFailsWhenPrimingLeavesCacheIncomplete(t *testing.T) {
	f := newFixture(t, 0)
	// Only two of the three pairs are quoted.
	f.exchange.SetQuote(core.Pair{Quote: btc, Base: eth}, dec("0.999"), dec("1.001"))
	f.exchange.SetQuote(core.Pair{Quote: btc, Base: bch}, dec("0.999"), dec("1.001"))

	err := f.reactor.Run(context.Background())
	assert.Error(t, err)
}

func TestRotationsForOrdersCandidates(t *testing.T) {
	rotations := rotationsFor(eth, triAssets)
	assert.Equal(t, []core.Rotation{
		{Sold: eth, Bought: btc, Value: bch},
		{Sold: eth, Bought: bch, Value: btc},
	}, rotations)
}

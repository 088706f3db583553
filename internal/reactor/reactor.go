// Package reactor drives the engine's event loop: it keeps the price cache
// fed with ticker snapshots, re-evaluates every rotation whenever a price
// actually moves, and launches an execution for each opportunity that clears
// the thresholds.
package reactor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tri_trader/internal/core"
	"tri_trader/internal/dispatch"
	"tri_trader/internal/evaluate"
	"tri_trader/internal/execute"
	"tri_trader/internal/market"
	"tri_trader/pkg/apperrors"
	"tri_trader/pkg/telemetry"
)

// Config holds the reactor's loop parameters.
type Config struct {
	// TickerLane is the paced public lane the rolling fetch uses.
	TickerLane string
	// TickerPriority is the rolling fetch's queue priority; low, so trading
	// calls always preempt it.
	TickerPriority int
	// PrimePriority is used for the startup fetch and for the elevated
	// refresh executions request before re-pricing makeup orders.
	PrimePriority int
	// TickerTimeout bounds one ticker fetch; a slow venue response is
	// dropped and the next cycle tries again.
	TickerTimeout time.Duration
	// MaxTradesSession stops the loop after this many completed trades.
	// Zero disables the cap.
	MaxTradesSession int
}

// Deps bundles the reactor's collaborators. ExecutorConfig is passed through
// because the reactor owns the executor: its quote-refresh and completion
// callbacks close the loop back into the reactor.
type Deps struct {
	Exchange       core.Exchange
	Queue          *dispatch.Queue
	Cache          *market.Cache
	Balances       *market.BalanceTracker
	Status         *market.StatusBoard
	Evaluator      *evaluate.Evaluator
	Ledger         core.Ledger
	Logger         core.Logger
	Metrics        *telemetry.Metrics
	Pairs          []core.Pair
	Lanes          map[core.Asset]string
	UtilityLane    string
	ExecutorConfig execute.Config
	// Quotes optionally streams ticker snapshots from a push feed; they are
	// folded into the cache between polls. Nil when only polling.
	Quotes <-chan map[core.Pair]core.PairQuote
}

// Reactor owns the rolling ticker loop and the lifecycle of executions.
type Reactor struct {
	cfg       Config
	exchange  core.Exchange
	queue     *dispatch.Queue
	cache     *market.Cache
	balances  *market.BalanceTracker
	evaluator *evaluate.Evaluator
	executor  *execute.Executor
	logger    core.Logger
	metrics   *telemetry.Metrics
	feed      <-chan map[core.Pair]core.PairQuote

	// trigger wakes the loop for an immediate re-evaluation after an
	// execution reaches a terminal state.
	trigger   chan struct{}
	completed atomic.Int64
	wg        sync.WaitGroup
}

func New(cfg Config, deps Deps) *Reactor {
	r := &Reactor{
		cfg:       cfg,
		exchange:  deps.Exchange,
		queue:     deps.Queue,
		cache:     deps.Cache,
		balances:  deps.Balances,
		evaluator: deps.Evaluator,
		logger:    deps.Logger.WithField("component", "reactor"),
		metrics:   deps.Metrics,
		feed:      deps.Quotes,
		trigger:   make(chan struct{}, 1),
	}
	r.executor = execute.New(deps.ExecutorConfig, execute.Deps{
		Exchange:      deps.Exchange,
		Queue:         deps.Queue,
		Cache:         deps.Cache,
		Balances:      deps.Balances,
		Status:        deps.Status,
		Ledger:        deps.Ledger,
		Logger:        deps.Logger,
		Metrics:       deps.Metrics,
		Pairs:         deps.Pairs,
		Lanes:         deps.Lanes,
		UtilityLane:   deps.UtilityLane,
		RefreshQuotes: r.RefreshQuotes,
		OnDone:        r.onExecutionDone,
	})
	return r
}

// Run primes balances and prices, then loops: fetch ticker, fold it into the
// cache, and evaluate on change. Returns nil on context cancellation or when
// the session trade cap is reached; only fatal venue errors propagate.
func (r *Reactor) Run(ctx context.Context) error {
	if err := r.balances.Refresh(ctx); err != nil {
		return fmt.Errorf("initial balance refresh: %w", err)
	}
	if err := r.prime(ctx); err != nil {
		return err
	}
	r.logger.Info("engine primed", "balances", r.balances.Snapshot())

	for {
		if ctx.Err() != nil {
			break
		}
		if r.capReached() {
			r.logger.Info("session trade cap reached, stopping",
				"completed", r.completed.Load())
			break
		}

		changed, err := r.fetchQuotes(ctx, r.cfg.TickerPriority)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if apperrors.IsFatal(err) {
				r.wg.Wait()
				return err
			}
			// Timeouts and transport errors are routine; the lane's pacing
			// keeps the retry cadence bounded.
			r.logger.Warn("ticker fetch failed", "error", err)
			continue
		}
		if r.drainFeed() {
			changed = true
		}
		if changed {
			r.evaluateAll(ctx)
		}

		select {
		case <-r.trigger:
			// An execution just settled; balances moved, so re-evaluate
			// without waiting for the next price change.
			r.evaluateAll(ctx)
		default:
		}
	}

	r.wg.Wait()
	return nil
}

// RefreshQuotes performs one elevated-priority ticker fetch, used before
// makeup orders are re-priced.
func (r *Reactor) RefreshQuotes(ctx context.Context) error {
	_, err := r.fetchQuotes(ctx, r.cfg.PrimePriority)
	return err
}

// TradesCompleted reports how many executions reached Completed this session.
func (r *Reactor) TradesCompleted() int {
	return int(r.completed.Load())
}

// prime performs the startup fetch and verifies the cache saw every edge.
func (r *Reactor) prime(ctx context.Context) error {
	if _, err := r.fetchQuotes(ctx, r.cfg.PrimePriority); err != nil {
		return fmt.Errorf("priming ticker fetch: %w", err)
	}
	if !r.cache.Snapshot().Ready() {
		return fmt.Errorf("price cache incomplete after priming fetch")
	}
	return nil
}

func (r *Reactor) fetchQuotes(ctx context.Context, priority int) (bool, error) {
	future, err := r.queue.Submit(ctx, r.cfg.TickerLane, priority, func(taskCtx context.Context) (interface{}, error) {
		callCtx, cancel := context.WithTimeout(taskCtx, r.cfg.TickerTimeout)
		defer cancel()
		return r.exchange.GetTicker(callCtx)
	})
	if err != nil {
		return false, err
	}
	value, err := future.Wait(ctx)
	if err != nil {
		return false, err
	}

	r.metrics.QuotesApplied.Inc()
	changed := r.cache.ApplyQuote(value.(map[core.Pair]core.PairQuote))
	if changed {
		r.metrics.PriceChanges.Inc()
	}
	return changed, nil
}

// drainFeed folds any streamed snapshots that arrived since the last cycle.
func (r *Reactor) drainFeed() bool {
	changed := false
	for {
		select {
		case snapshot, ok := <-r.feed:
			if !ok {
				r.feed = nil
				return changed
			}
			r.metrics.QuotesApplied.Inc()
			if r.cache.ApplyQuote(snapshot) {
				r.metrics.PriceChanges.Inc()
				changed = true
			}
		default:
			return changed
		}
	}
}

// evaluateAll checks every rotation against one frozen snapshot. Each asset
// is considered as the sold leg with both orderings of the remaining two;
// the first rotation that clears the thresholds wins for that asset.
func (r *Reactor) evaluateAll(ctx context.Context) {
	if r.capReached() {
		return
	}
	snap := evaluate.Snapshot{Market: r.cache.Snapshot(), Balances: r.balances.Snapshot()}
	if !snap.Market.Ready() {
		return
	}

	assets := r.cache.Assets()
	for _, sold := range assets {
		for _, rotation := range rotationsFor(sold, assets) {
			result := r.evaluator.Evaluate(rotation, snap)
			if !result.Execute {
				continue
			}
			r.metrics.OpportunitiesFound.Inc()
			r.logger.Info("opportunity found",
				"rotation", rotation.String(),
				"gain_percent", result.PercentGain,
				"fraction", result.Fraction)
			r.launch(ctx, result)
			break
		}
	}
}

// rotationsFor lists the two candidate rotations selling the given asset,
// in configuration order.
func rotationsFor(sold core.Asset, assets []core.Asset) []core.Rotation {
	others := make([]core.Asset, 0, 2)
	for _, a := range assets {
		if a != sold {
			others = append(others, a)
		}
	}
	return []core.Rotation{
		{Sold: sold, Bought: others[0], Value: others[1]},
		{Sold: sold, Bought: others[1], Value: others[0]},
	}
}

func (r *Reactor) launch(ctx context.Context, result evaluate.Result) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.executor.Run(ctx, result.Rotation, result.Fraction)
	}()
}

func (r *Reactor) onExecutionDone(completed bool) {
	if completed {
		r.completed.Add(1)
	}
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Reactor) capReached() bool {
	return r.cfg.MaxTradesSession > 0 &&
		int(r.completed.Load()) >= r.cfg.MaxTradesSession
}

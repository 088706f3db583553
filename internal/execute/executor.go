// Package execute drives the three-leg order lifecycle of a profitable
// rotation: concurrent submission, fill polling, cancel-and-reprice
// reconciliation with bounded retries, and final settlement against
// refreshed balances.
package execute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tri_trader/internal/core"
	"tri_trader/internal/dispatch"
	"tri_trader/internal/evaluate"
	"tri_trader/internal/market"
	"tri_trader/pkg/apperrors"
	"tri_trader/pkg/telemetry"
)

var hundred = decimal.NewFromInt(100)

// Config holds the execution timing and sizing parameters.
type Config struct {
	// PollInterval paces the open-order polling inside a fill window.
	PollInterval time.Duration
	// FillWindow bounds how long legs may stay unconfirmed per round.
	FillWindow time.Duration
	// MaxReconcileRounds bounds the cancel-and-reprice loop.
	MaxReconcileRounds int
	// LegPriority is the queue priority for leg submissions and cancels,
	// above the rolling ticker's.
	LegPriority int
	// CallTimeout is the deadline for one private venue call.
	CallTimeout time.Duration
	// SizeScale leaves headroom on leg amounts so fees cannot push an
	// order past the available balance.
	SizeScale decimal.Decimal
	// FeeFactor is 1 - takerFee, used for projected completion values.
	FeeFactor decimal.Decimal
}

// Executor owns triangle executions. One Run may be in flight per sold
// asset; the status board's busy flag enforces that, and per-account lanes
// of concurrency 1 keep concurrent rotations from interleaving order calls
// on the same account.
type Executor struct {
	exchange core.Exchange
	queue    *dispatch.Queue
	cache    *market.Cache
	balances *market.BalanceTracker
	status   *market.StatusBoard
	ledger   core.Ledger
	logger   core.Logger
	metrics  *telemetry.Metrics
	cfg      Config

	pairs       []core.Pair
	lanes       map[core.Asset]string // account lane per spend asset
	utilityLane string

	// refreshQuotes primes the price cache at elevated priority before
	// makeup orders are re-priced; wired by the reactor.
	refreshQuotes func(ctx context.Context) error
	// onDone is notified after every terminal state so evaluation can
	// re-run immediately (opportunities can chain).
	onDone func(completed bool)

	submit failsafe.Executor[string]
}

// Deps bundles the executor's collaborators.
type Deps struct {
	Exchange      core.Exchange
	Queue         *dispatch.Queue
	Cache         *market.Cache
	Balances      *market.BalanceTracker
	Status        *market.StatusBoard
	Ledger        core.Ledger
	Logger        core.Logger
	Metrics       *telemetry.Metrics
	Pairs         []core.Pair
	Lanes         map[core.Asset]string
	UtilityLane   string
	RefreshQuotes func(ctx context.Context) error
	OnDone        func(completed bool)
}

func New(cfg Config, deps Deps) *Executor {
	// Socket-timeout-class submission failures are retried exactly once;
	// every other submission error is fatal for the attempt.
	retryPolicy := retrypolicy.NewBuilder[string]().
		HandleIf(func(_ string, err error) bool {
			return errors.Is(err, apperrors.ErrSubmissionTimeout)
		}).
		WithMaxRetries(1).
		Build()

	return &Executor{
		exchange:      deps.Exchange,
		queue:         deps.Queue,
		cache:         deps.Cache,
		balances:      deps.Balances,
		status:        deps.Status,
		ledger:        deps.Ledger,
		logger:        deps.Logger.WithField("component", "executor"),
		metrics:       deps.Metrics,
		cfg:           cfg,
		pairs:         append([]core.Pair(nil), deps.Pairs...),
		lanes:         deps.Lanes,
		utilityLane:   deps.UtilityLane,
		refreshQuotes: deps.RefreshQuotes,
		onDone:        deps.OnDone,
		submit:        failsafe.With[string](retryPolicy),
	}
}

type attempt struct {
	rotation  core.Rotation
	fraction  decimal.Decimal
	legs      [3]core.Leg
	orderIDs  [3]string
	startedAt time.Time
	state     State
	rounds    int
}

// Run executes one rotation to a terminal state. It marks the sold asset
// busy for its whole duration, including all reconciliation rounds, and is
// safe to call concurrently for different sold assets.
func (x *Executor) Run(ctx context.Context, rotation core.Rotation, fraction decimal.Decimal) State {
	if !x.status.TryAcquire(rotation.Sold) {
		return StateIdle
	}

	snap := evaluate.Snapshot{Market: x.cache.Snapshot(), Balances: x.balances.Snapshot()}
	initialValues := x.valuations(snap.Market, rotation, snap.Balances)

	att := &attempt{
		rotation:  rotation,
		fraction:  fraction,
		startedAt: time.Now(),
		state:     StateSubmitting,
	}
	logger := x.logger.WithFields(map[string]interface{}{
		"rotation": rotation.String(),
		"fraction": fraction,
	})
	logger.Info("starting triangle execution", "balances", snap.Balances)

	legs, err := x.buildLegs(rotation, fraction, snap)
	if err != nil {
		logger.Error("leg construction failed", "error", err)
		return x.finish(ctx, att, initialValues, StateAbandoned, err)
	}
	att.legs = legs

	// Any submission failure abandons the attempt outright: partially
	// submitted triangles are the highest-risk failure mode and must not
	// proceed further automatically.
	if err := x.submitLegs(ctx, att); err != nil {
		logger.Error("leg submission failed, abandoning attempt", "error", err)
		return x.finish(ctx, att, initialValues, StateAbandoned, err)
	}

	for {
		att.state = StateAwaitingFill
		filled, err := x.awaitFill(ctx, att)
		if err != nil {
			logger.Error("fatal error while awaiting fills", "error", err)
			return x.finish(ctx, att, initialValues, StateAbandoned, err)
		}
		if filled {
			logger.Info("all legs confirmed filled",
				"elapsed", time.Since(att.startedAt), "rounds", att.rounds)
			return x.finish(ctx, att, initialValues, StateCompleted, nil)
		}

		if att.rounds >= x.cfg.MaxReconcileRounds {
			logger.Warn("reconciliation rounds exhausted, abandoning",
				"rounds", att.rounds)
			return x.finish(ctx, att, initialValues, StateAbandoned,
				fmt.Errorf("legs unconfirmed after %d reconciliation rounds", att.rounds))
		}

		att.state = StateReconciling
		att.rounds++
		progressed, err := x.reconcile(ctx, att)
		if err != nil {
			logger.Error("fatal error during reconciliation", "error", err)
			return x.finish(ctx, att, initialValues, StateAbandoned, err)
		}
		if !progressed {
			// Nothing cancelled: every leg already left the book or the
			// venue refused all cancels. Automatic correction stops here.
			logger.Warn("no legs could be cancelled, abandoning automatic correction")
			return x.finish(ctx, att, initialValues, StateAbandoned,
				errors.New("no outstanding leg could be cancelled"))
		}
	}
}

// buildLegs derives the three leg orders from the rotation and fraction.
// The triangle's money flow is sold→bought→bought→value→value→sold; each hop
// spends the hop's source asset on its configured pair, buying the base with
// quote or selling the base for quote.
func (x *Executor) buildLegs(rotation core.Rotation, fraction decimal.Decimal, snap evaluate.Snapshot) ([3]core.Leg, error) {
	var legs [3]core.Leg
	hops := [3][2]core.Asset{
		{rotation.Sold, rotation.Bought},
		{rotation.Bought, rotation.Value},
		{rotation.Value, rotation.Sold},
	}
	for i, hop := range hops {
		leg, err := x.buildLeg(hop[0], hop[1], fraction, snap)
		if err != nil {
			return legs, err
		}
		legs[i] = leg
	}
	return legs, nil
}

func (x *Executor) buildLeg(from, to core.Asset, fraction decimal.Decimal, snap evaluate.Snapshot) (core.Leg, error) {
	pair, ok := x.pairFor(from, to)
	if !ok {
		return core.Leg{}, fmt.Errorf("no traded pair for %s/%s", from, to)
	}

	spend := snap.Balances[from].Mul(fraction).Mul(x.cfg.SizeScale)
	if spend.IsZero() {
		return core.Leg{}, fmt.Errorf("no %s balance to spend", from)
	}

	leg := core.Leg{Pair: pair, Spend: from}
	if pair.Quote == from {
		// Spending the quote currency buys the base at the lowest ask.
		leg.Side = core.SideBuy
		leg.Price = snap.Market.Ask(pair.Quote, pair.Base)
		if leg.Price.IsZero() {
			return core.Leg{}, fmt.Errorf("no ask quoted for %s", pair)
		}
		leg.Amount = spend.DivRound(leg.Price, market.Precision)
	} else {
		// Spending the base currency sells it at the highest bid.
		leg.Side = core.SideSell
		leg.Price = snap.Market.Bid(pair.Quote, pair.Base)
		if leg.Price.IsZero() {
			return core.Leg{}, fmt.Errorf("no bid quoted for %s", pair)
		}
		leg.Amount = spend.Round(market.Precision)
	}
	return leg, nil
}

func (x *Executor) pairFor(a, b core.Asset) (core.Pair, bool) {
	for _, p := range x.pairs {
		if (p.Quote == a && p.Base == b) || (p.Quote == b && p.Base == a) {
			return p, true
		}
	}
	return core.Pair{}, false
}

// submitLegs places all three legs concurrently, each on its spend asset's
// account lane at elevated priority, and collects the venue order ids.
func (x *Executor) submitLegs(ctx context.Context, att *attempt) error {
	type submission struct {
		index int
		id    string
		err   error
	}
	results := make(chan submission, len(att.legs))

	for i, leg := range att.legs {
		go func(i int, leg core.Leg) {
			id, err := x.submitLeg(ctx, leg)
			results <- submission{index: i, id: id, err: err}
		}(i, leg)
	}

	var firstErr error
	for range att.legs {
		res := <-results
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		att.orderIDs[res.index] = res.id
		x.metrics.OrdersSubmitted.Inc()
	}
	return firstErr
}

func (x *Executor) submitLeg(ctx context.Context, leg core.Leg) (string, error) {
	lane, ok := x.lanes[leg.Spend]
	if !ok {
		return "", fmt.Errorf("no account lane for asset %s", leg.Spend)
	}

	return x.submit.GetWithExecution(func(_ failsafe.Execution[string]) (string, error) {
		req := core.PlaceOrderRequest{
			Pair:          leg.Pair,
			Side:          leg.Side,
			Price:         leg.Price,
			Amount:        leg.Amount,
			Account:       string(leg.Spend),
			ClientOrderID: uuid.NewString(),
		}
		future, err := x.queue.Submit(ctx, lane, x.cfg.LegPriority, func(taskCtx context.Context) (interface{}, error) {
			callCtx, cancel := context.WithTimeout(taskCtx, x.cfg.CallTimeout)
			defer cancel()
			return x.exchange.PlaceOrder(callCtx, req)
		})
		if err != nil {
			return "", err
		}
		value, err := future.Wait(ctx)
		if err != nil {
			return "", err
		}
		return value.(string), nil
	})
}

// awaitFill polls the account's open orders until every leg's id is absent
// (absence is interpreted as filled) or the fill window elapses. Venue
// errors during polling are logged and treated as not-yet-confirmed, except
// fatal classes which abort the attempt.
func (x *Executor) awaitFill(ctx context.Context, att *attempt) (bool, error) {
	deadline := time.Now().Add(x.cfg.FillWindow)
	ticker := time.NewTicker(x.cfg.PollInterval)
	defer ticker.Stop()

	for {
		open, err := x.listOpenOrders(ctx)
		if err != nil {
			if apperrors.IsFatal(err) {
				return false, err
			}
			x.logger.Warn("open-order poll failed, retrying", "error", err)
		} else if !anyPresent(att.orderIDs, open) {
			return true, nil
		}

		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func anyPresent(ids [3]string, open map[string]bool) bool {
	for _, id := range ids {
		if id != "" && open[id] {
			return true
		}
	}
	return false
}

func (x *Executor) listOpenOrders(ctx context.Context) (map[string]bool, error) {
	future, err := x.queue.Submit(ctx, x.utilityLane, 0, func(taskCtx context.Context) (interface{}, error) {
		callCtx, cancel := context.WithTimeout(taskCtx, x.cfg.CallTimeout)
		defer cancel()
		return x.exchange.ListOpenOrders(callCtx)
	})
	if err != nil {
		return nil, err
	}
	value, err := future.Wait(ctx)
	if err != nil {
		return nil, err
	}
	open := make(map[string]bool)
	for _, id := range value.([]string) {
		open[id] = true
	}
	return open, nil
}

// reconcile cancels each still-open leg and resubmits it re-priced against
// the latest quotes (a makeup order). Legs whose cancellation fails are left
// as-is: the venue most likely filled them already. Returns false when no
// leg could be cancelled, which ends automatic correction.
func (x *Executor) reconcile(ctx context.Context, att *attempt) (bool, error) {
	open, err := x.listOpenOrders(ctx)
	if err != nil {
		if apperrors.IsFatal(err) {
			return false, err
		}
		x.logger.Warn("open-order listing failed before reconcile", "error", err)
		open = nil
	}

	cancelled := [3]bool{}
	for i, id := range att.orderIDs {
		if id == "" || (open != nil && !open[id]) {
			continue
		}
		if err := x.cancelOrder(ctx, id); err != nil {
			if apperrors.IsFatal(err) {
				return false, err
			}
			x.logger.Info("cancel refused, leaving leg as executed",
				"order_id", id, "error", err)
			continue
		}
		cancelled[i] = true
		x.metrics.OrdersCancelled.Inc()
	}

	progressed := false
	for _, c := range cancelled {
		if c {
			progressed = true
		}
	}
	if !progressed {
		return false, nil
	}

	// Re-price against fresh quotes before replacing the cancelled legs.
	if x.refreshQuotes != nil {
		if err := x.refreshQuotes(ctx); err != nil {
			x.logger.Warn("quote refresh before makeup orders failed", "error", err)
		}
	}
	snap := evaluate.Snapshot{Market: x.cache.Snapshot(), Balances: x.balances.Snapshot()}

	for i, wasCancelled := range cancelled {
		if !wasCancelled {
			continue
		}
		leg, err := x.buildLeg(att.legs[i].Spend, other(att.legs[i], att.rotation), att.fraction, snap)
		if err != nil {
			x.logger.Warn("makeup leg construction failed, keeping previous terms",
				"pair", att.legs[i].Pair, "error", err)
			leg = att.legs[i]
		}
		id, err := x.submitLeg(ctx, leg)
		if err != nil {
			return false, fmt.Errorf("makeup order for %s: %w", leg.Pair, err)
		}
		att.legs[i] = leg
		att.orderIDs[i] = id
		x.metrics.MakeupOrders.Inc()
		x.logger.Info("makeup order submitted",
			"pair", leg.Pair, "side", leg.Side, "price", leg.Price, "amount", leg.Amount)
	}
	return true, nil
}

// other returns the destination asset of a leg's hop within the rotation.
func other(leg core.Leg, rotation core.Rotation) core.Asset {
	switch leg.Spend {
	case rotation.Sold:
		return rotation.Bought
	case rotation.Bought:
		return rotation.Value
	default:
		return rotation.Sold
	}
}

func (x *Executor) cancelOrder(ctx context.Context, id string) error {
	future, err := x.queue.Submit(ctx, x.utilityLane, x.cfg.LegPriority, func(taskCtx context.Context) (interface{}, error) {
		callCtx, cancel := context.WithTimeout(taskCtx, x.cfg.CallTimeout)
		defer cancel()
		return nil, x.exchange.CancelOrder(callCtx, id)
	})
	if err != nil {
		return err
	}
	_, err = future.Wait(ctx)
	return err
}

// finish settles the attempt: refresh balances, compute realized valuation
// changes, append the ledger record, clear the busy flag and notify.
func (x *Executor) finish(ctx context.Context, att *attempt, initialValues map[core.Asset]decimal.Decimal, terminal State, cause error) State {
	att.state = terminal

	if err := x.balances.Refresh(ctx); err != nil {
		x.logger.Error("post-trade balance refresh failed", "error", err)
	}
	finalState := x.cache.Snapshot()
	finalValues := x.valuations(finalState, att.rotation, x.balances.Snapshot())
	realized := percentChangeSum(initialValues, finalValues, att.rotation)

	fields := map[string]interface{}{
		"rotation":         att.rotation.String(),
		"state":            terminal.String(),
		"fraction":         att.fraction,
		"rounds":           att.rounds,
		"duration_seconds": time.Since(att.startedAt).Seconds(),
		"initial_values":   initialValues,
		"final_values":     finalValues,
		"realized_percent": realized,
	}
	if cause != nil {
		fields["cause"] = cause.Error()
	}

	switch terminal {
	case StateCompleted:
		x.metrics.TradesCompleted.Inc()
		x.ledger.Record("trade_completed", fields)
	default:
		x.metrics.TradesAbandoned.Inc()
		// Abandoned positions are left to the venue's own resolution and
		// must be reviewed outside the automated path.
		fields["severity"] = "high"
		x.ledger.Record("trade_abandoned", fields)
	}
	x.metrics.ExecutionSeconds.Observe(time.Since(att.startedAt).Seconds())

	x.status.Release(att.rotation.Sold)
	if x.onDone != nil {
		x.onDone(terminal == StateCompleted)
	}
	return terminal
}

// valuations appraises the given balances in each of the rotation's assets
// using highest-bid cross rates.
func (x *Executor) valuations(state *market.State, rotation core.Rotation, balances map[core.Asset]decimal.Decimal) map[core.Asset]decimal.Decimal {
	values := make(map[core.Asset]decimal.Decimal, 3)
	for _, valueAsset := range []core.Asset{rotation.Sold, rotation.Bought, rotation.Value} {
		total := decimal.Zero
		for held, amount := range balances {
			total = total.Add(amount.Mul(state.Bid(valueAsset, held)))
		}
		values[valueAsset] = total
	}
	return values
}

func percentChangeSum(initial, final map[core.Asset]decimal.Decimal, rotation core.Rotation) decimal.Decimal {
	sum := decimal.Zero
	for _, asset := range []core.Asset{rotation.Sold, rotation.Bought, rotation.Value} {
		before := initial[asset]
		if before.IsZero() {
			continue
		}
		sum = sum.Add(final[asset].Sub(before).Div(before).Mul(hundred))
	}
	return sum
}

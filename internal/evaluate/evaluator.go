// Package evaluate implements the rotation profitability math.
package evaluate

import (
	"github.com/shopspring/decimal"

	"tri_trader/internal/core"
	"tri_trader/internal/market"
	"tri_trader/pkg/telemetry"
)

var hundred = decimal.NewFromInt(100)

// Config holds the profitability thresholds and sizing parameters.
type Config struct {
	// FeeFactor is 1 - takerFee, applied to the projected bought amount.
	FeeFactor decimal.Decimal
	// FullThreshold is the percent-gain sum above which a full-size
	// rotation executes.
	FullThreshold decimal.Decimal
	// PartialThreshold is the weaker bound at which an unbalanced portfolio
	// may trade a fraction of the sold balance.
	PartialThreshold decimal.Decimal
	// PartialCap bounds the partial-size fraction.
	PartialCap decimal.Decimal
	// MinNotional is the smallest tradable amount, valued in ReferenceAsset.
	MinNotional    decimal.Decimal
	ReferenceAsset core.Asset
}

// Snapshot is the frozen view a single evaluation works against. Freezing
// market and balances together keeps the math consistent even while the
// reactor keeps absorbing quotes.
type Snapshot struct {
	Market   *market.State
	Balances map[core.Asset]decimal.Decimal
}

// Result is the outcome of evaluating one rotation.
type Result struct {
	Rotation    core.Rotation
	PercentGain decimal.Decimal
	// Fraction of the sold balance to trade; 1 for a full-size rotation.
	Fraction decimal.Decimal
	Execute  bool
}

// Evaluator decides whether a rotation clears the execution threshold.
type Evaluator struct {
	cfg     Config
	status  *market.StatusBoard
	logger  core.Logger
	metrics *telemetry.Metrics
}

func New(cfg Config, status *market.StatusBoard, logger core.Logger, metrics *telemetry.Metrics) *Evaluator {
	return &Evaluator{
		cfg:     cfg,
		status:  status,
		logger:  logger.WithField("component", "evaluator"),
		metrics: metrics,
	}
}

// appraise values a portfolio in valueAsset using highest-bid cross rates.
func appraise(state *market.State, valueAsset core.Asset, portfolio map[core.Asset]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for held, amount := range portfolio {
		total = total.Add(amount.Mul(state.Bid(valueAsset, held)))
	}
	return total
}

// Evaluate computes the expected percent gain of a rotation and the go/no-go
// decision. The gain is the sum of the three assets' percentage valuation
// changes between the initial portfolio (all sold-asset) and the projected
// final portfolio (all bought-asset, fee-adjusted). Summing three percentage
// changes stays well-defined where a single end-to-end ratio would divide by
// a near-zero base.
func (e *Evaluator) Evaluate(rotation core.Rotation, snap Snapshot) Result {
	e.metrics.Evaluations.Inc()
	result := Result{Rotation: rotation, Fraction: decimal.Zero}

	soldBalance := snap.Balances[rotation.Sold]
	if soldBalance.IsZero() {
		return result
	}

	initial := map[core.Asset]decimal.Decimal{
		rotation.Sold:   soldBalance,
		rotation.Bought: decimal.Zero,
		rotation.Value:  decimal.Zero,
	}
	boughtAmount := soldBalance.
		Mul(snap.Market.Bid(rotation.Bought, rotation.Sold)).
		Mul(e.cfg.FeeFactor)
	final := map[core.Asset]decimal.Decimal{
		rotation.Sold:   decimal.Zero,
		rotation.Bought: boughtAmount,
		rotation.Value:  decimal.Zero,
	}

	gain := decimal.Zero
	for _, asset := range []core.Asset{rotation.Sold, rotation.Bought, rotation.Value} {
		before := appraise(snap.Market, asset, initial)
		if before.IsZero() {
			return result
		}
		after := appraise(snap.Market, asset, final)
		gain = gain.Add(after.Sub(before).Div(before).Mul(hundred))
	}
	result.PercentGain = gain
	gainF, _ := gain.Float64()
	e.metrics.PercentGain.Observe(gainF)

	fraction := decimal.Zero
	switch {
	case gain.GreaterThan(e.cfg.FullThreshold):
		fraction = decimal.NewFromInt(1)
	case gain.GreaterThan(e.cfg.PartialThreshold):
		fraction = e.partialFraction(rotation, snap)
	}
	if fraction.IsZero() {
		return result
	}

	if !e.clearsMinNotional(rotation.Sold, soldBalance.Mul(fraction), snap) {
		return result
	}
	if e.status.Busy(rotation.Sold) {
		return result
	}

	result.Fraction = fraction
	result.Execute = true
	return result
}

// partialFraction sizes a reduced rotation from how overweight the sold
// asset is relative to the bought asset. A balanced portfolio yields zero
// (no partial trade); the result is capped at PartialCap.
func (e *Evaluator) partialFraction(rotation core.Rotation, snap Snapshot) decimal.Decimal {
	holdings := map[core.Asset]decimal.Decimal{
		rotation.Sold:   snap.Balances[rotation.Sold],
		rotation.Bought: snap.Balances[rotation.Bought],
		rotation.Value:  snap.Balances[rotation.Value],
	}
	total := appraise(snap.Market, rotation.Value, holdings)
	if total.IsZero() {
		return decimal.Zero
	}

	soldShare := holdings[rotation.Sold].Mul(snap.Market.Bid(rotation.Value, rotation.Sold)).Div(total)
	boughtShare := holdings[rotation.Bought].Mul(snap.Market.Bid(rotation.Value, rotation.Bought)).Div(total)
	if soldShare.LessThanOrEqual(boughtShare) {
		return decimal.Zero
	}

	fraction := soldShare.Sub(boughtShare)
	if fraction.GreaterThan(e.cfg.PartialCap) {
		fraction = e.cfg.PartialCap
	}
	return fraction
}

func (e *Evaluator) clearsMinNotional(sold core.Asset, amount decimal.Decimal, snap Snapshot) bool {
	notional := amount.Mul(snap.Market.Bid(e.cfg.ReferenceAsset, sold))
	return notional.GreaterThanOrEqual(e.cfg.MinNotional)
}

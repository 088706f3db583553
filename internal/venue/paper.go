package venue

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"tri_trader/internal/core"
	"tri_trader/pkg/apperrors"
)

// Paper is a dry-run venue: real public prices, simulated private endpoints.
// Orders fill instantly at their limit price with the taker fee applied, so
// the full execution path runs without touching real funds.
type Paper struct {
	public interface {
		GetTicker(ctx context.Context) (map[core.Pair]core.PairQuote, error)
	}
	feeFactor decimal.Decimal

	mu       sync.Mutex
	balances map[core.Asset]decimal.Decimal
	counter  int64
}

// NewPaper wraps a public ticker source with simulated trading state.
func NewPaper(public *Client, balances map[core.Asset]decimal.Decimal, feeFactor decimal.Decimal) *Paper {
	held := make(map[core.Asset]decimal.Decimal, len(balances))
	for a, b := range balances {
		held[a] = b
	}
	return &Paper{public: public, feeFactor: feeFactor, balances: held}
}

func (p *Paper) GetTicker(ctx context.Context) (map[core.Pair]core.PairQuote, error) {
	return p.public.GetTicker(ctx)
}

// PlaceOrder settles immediately: the spent side is debited, the received
// side credited net of fees.
func (p *Paper) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var spendAsset, gainAsset core.Asset
	var spend, gain decimal.Decimal
	if req.Side == core.SideBuy {
		spendAsset, gainAsset = req.Pair.Quote, req.Pair.Base
		spend = req.Price.Mul(req.Amount)
		gain = req.Amount
	} else {
		spendAsset, gainAsset = req.Pair.Base, req.Pair.Quote
		spend = req.Amount
		gain = req.Price.Mul(req.Amount)
	}

	if p.balances[spendAsset].LessThan(spend) {
		return "", fmt.Errorf("paper balance %s %s short of %s: %w",
			p.balances[spendAsset], spendAsset, spend, apperrors.ErrInsufficientFunds)
	}
	p.balances[spendAsset] = p.balances[spendAsset].Sub(spend)
	p.balances[gainAsset] = p.balances[gainAsset].Add(gain.Mul(p.feeFactor))

	p.counter++
	return fmt.Sprintf("paper-%d", p.counter), nil
}

// CancelOrder always reports the order gone; paper fills are instant.
func (p *Paper) CancelOrder(ctx context.Context, orderID string) error {
	return apperrors.ErrOrderNotFound
}

func (p *Paper) ListOpenOrders(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (p *Paper) GetBalances(ctx context.Context) (map[core.Asset]decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[core.Asset]decimal.Decimal, len(p.balances))
	for a, b := range p.balances {
		out[a] = b
	}
	return out, nil
}

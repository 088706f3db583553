// Package core defines the shared types and interfaces of the trading engine.
package core

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Asset is one of the three currencies forming the triangle, identified by
// its short venue code (e.g. "BTC").
type Asset string

// Side is the direction of a single order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Pair is a traded market pair. Venue symbols list the quote currency first
// ("BTC_ETH" trades ETH priced in BTC), so Quote renders before Base. Rates
// for a pair are expressed in units of Quote per unit of Base.
type Pair struct {
	Quote Asset
	Base  Asset
}

func (p Pair) String() string {
	return fmt.Sprintf("%s_%s", p.Quote, p.Base)
}

// ParsePair parses a venue symbol like "BTC_ETH" into a Pair.
func ParsePair(symbol string) (Pair, error) {
	parts := strings.SplitN(symbol, "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, fmt.Errorf("invalid pair symbol %q", symbol)
	}
	return Pair{Quote: Asset(parts[0]), Base: Asset(parts[1])}, nil
}

// PairQuote is one venue ticker entry for a traded pair.
type PairQuote struct {
	HighestBid decimal.Decimal
	LowestAsk  decimal.Decimal
}

// PriceEdge is a directional quote between an ordered pair of assets. For
// edge (from, to) the rates convert units of "to" into units of "from".
type PriceEdge struct {
	HighestBid decimal.Decimal
	LowestAsk  decimal.Decimal
}

// Rotation is one candidate routing of the triangle: sell all of Sold,
// receive Bought, and value the before/after portfolios in Value.
type Rotation struct {
	Sold   Asset
	Bought Asset
	Value  Asset
}

func (r Rotation) String() string {
	return fmt.Sprintf("sell=%s buy=%s value=%s", r.Sold, r.Bought, r.Value)
}

// Leg is one exchange order within a rotation, one-third of a triangular
// execution. Spend is the asset whose balance funds the leg; its account
// lane serializes the order call.
type Leg struct {
	Pair   Pair
	Side   Side
	Price  decimal.Decimal
	Amount decimal.Decimal
	Spend  Asset
}

// PlaceOrderRequest carries everything the venue needs to submit one leg.
// Account selects which trading account signs the call; each triangle asset
// has its own.
type PlaceOrderRequest struct {
	Pair          Pair
	Side          Side
	Price         decimal.Decimal
	Amount        decimal.Decimal
	Account       string
	ClientOrderID string
}

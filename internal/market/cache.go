// Package market holds the shared mutable state of the engine: the
// cross-referenced price cache, the account balances and the per-asset
// busy flags.
package market

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"tri_trader/internal/core"
)

// Precision is the decimal precision at which rates are stored, matching the
// venue's displayed precision. Rounding here keeps re-parsed identical quotes
// from flipping the change flag.
const Precision = 8

var one = decimal.NewFromInt(1)

// Cache maintains the best bid/ask for every ordered pair of the triangle,
// including the derived inverse edges and the identity diagonal. The reactor
// loop and in-flight executions both write it, so every access goes through
// the lock; evaluation reads an immutable snapshot.
type Cache struct {
	assets []core.Asset
	pairs  map[core.Pair]bool

	mu    sync.RWMutex
	edges map[core.Asset]map[core.Asset]core.PriceEdge
}

// NewCache builds a cache for the given assets and traded pairs. Untracked
// pairs in a snapshot are ignored.
func NewCache(assets []core.Asset, pairs []core.Pair) (*Cache, error) {
	if len(assets) != 3 {
		return nil, fmt.Errorf("cache requires exactly 3 assets, got %d", len(assets))
	}
	c := &Cache{
		assets: append([]core.Asset(nil), assets...),
		pairs:  make(map[core.Pair]bool, len(pairs)),
		edges:  make(map[core.Asset]map[core.Asset]core.PriceEdge, len(assets)),
	}
	for _, p := range pairs {
		c.pairs[p] = true
	}
	for _, from := range assets {
		c.edges[from] = make(map[core.Asset]core.PriceEdge, len(assets))
		for _, to := range assets {
			if from == to {
				c.edges[from][to] = core.PriceEdge{HighestBid: one, LowestAsk: one}
			} else {
				c.edges[from][to] = core.PriceEdge{}
			}
		}
	}
	return c, nil
}

// ApplyQuote folds a venue ticker snapshot into the cache. For each tracked
// pair the forward edge takes the quote and the reverse edge is derived via
// the reciprocal relations, both updated together. Returns true iff at least
// one stored value actually changed (exact equality at stored precision).
func (c *Cache) ApplyQuote(snapshot map[core.Pair]core.PairQuote) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := false
	for pair, quote := range snapshot {
		if !c.pairs[pair] {
			continue
		}

		forward := c.edges[pair.Quote][pair.Base]
		reverse := c.edges[pair.Base][pair.Quote]

		if bid := quote.HighestBid.Round(Precision); !forward.HighestBid.Equal(bid) {
			forward.HighestBid = bid
			reverse.LowestAsk = reciprocal(bid)
			changed = true
		}
		if ask := quote.LowestAsk.Round(Precision); !forward.LowestAsk.Equal(ask) {
			forward.LowestAsk = ask
			reverse.HighestBid = reciprocal(ask)
			changed = true
		}

		c.edges[pair.Quote][pair.Base] = forward
		c.edges[pair.Base][pair.Quote] = reverse
	}
	return changed
}

func reciprocal(rate decimal.Decimal) decimal.Decimal {
	if rate.IsZero() {
		return decimal.Zero
	}
	return one.DivRound(rate, Precision)
}

// Edge returns the directional quote on (valueAsset, heldAsset); its rates
// convert units of heldAsset into valueAsset.
func (c *Cache) Edge(valueAsset, heldAsset core.Asset) core.PriceEdge {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.edges[valueAsset][heldAsset]
}

// Bid returns the highest bid converting one unit of heldAsset into
// valueAsset.
func (c *Cache) Bid(valueAsset, heldAsset core.Asset) decimal.Decimal {
	return c.Edge(valueAsset, heldAsset).HighestBid
}

// Ask returns the lowest ask on the same edge.
func (c *Cache) Ask(valueAsset, heldAsset core.Asset) decimal.Decimal {
	return c.Edge(valueAsset, heldAsset).LowestAsk
}

// Assets returns the triangle's assets in configuration order.
func (c *Cache) Assets() []core.Asset {
	return append([]core.Asset(nil), c.assets...)
}

// State is an immutable copy of the cache taken at evaluation time, so leg
// sizing and profitability math work against one consistent view.
type State struct {
	assets []core.Asset
	edges  map[core.Asset]map[core.Asset]core.PriceEdge
}

// Snapshot deep-copies the current edges.
func (c *Cache) Snapshot() *State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	edges := make(map[core.Asset]map[core.Asset]core.PriceEdge, len(c.edges))
	for from, row := range c.edges {
		copied := make(map[core.Asset]core.PriceEdge, len(row))
		for to, edge := range row {
			copied[to] = edge
		}
		edges[from] = copied
	}
	return &State{assets: append([]core.Asset(nil), c.assets...), edges: edges}
}

// Bid returns the highest bid converting one unit of heldAsset into valueAsset.
func (s *State) Bid(valueAsset, heldAsset core.Asset) decimal.Decimal {
	return s.edges[valueAsset][heldAsset].HighestBid
}

// Ask returns the lowest ask on the same edge.
func (s *State) Ask(valueAsset, heldAsset core.Asset) decimal.Decimal {
	return s.edges[valueAsset][heldAsset].LowestAsk
}

// Ready reports whether every off-diagonal edge has a non-zero bid, i.e. the
// cache has absorbed at least one full ticker snapshot.
func (s *State) Ready() bool {
	for _, from := range s.assets {
		for _, to := range s.assets {
			if from != to && s.edges[from][to].HighestBid.IsZero() {
				return false
			}
		}
	}
	return true
}

package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"tri_trader/internal/core"
)

// Exchange implements core.Exchange for paper trading and tests.
// Quotes, balances, fills and failures are all scriptable.
type Exchange struct {
	mu sync.RWMutex

	quotes   map[core.Pair]core.PairQuote
	balances map[core.Asset]decimal.Decimal

	orders       map[string]core.PlaceOrderRequest
	open         map[string]bool
	orderCounter int

	placeErrs   map[core.Pair][]error
	cancelErrs  map[string]error
	tickerErr   error
	balancesErr error
	listErr     error

	placed    []core.PlaceOrderRequest
	cancelled []string
}

func NewExchange() *Exchange {
	return &Exchange{
		quotes:     make(map[core.Pair]core.PairQuote),
		balances:   make(map[core.Asset]decimal.Decimal),
		orders:     make(map[string]core.PlaceOrderRequest),
		open:       make(map[string]bool),
		placeErrs:  make(map[core.Pair][]error),
		cancelErrs: make(map[string]error),
	}
}

// SetQuote scripts the ticker snapshot for a pair.
func (m *Exchange) SetQuote(pair core.Pair, bid, ask decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[pair] = core.PairQuote{HighestBid: bid, LowestAsk: ask}
}

// SetBalance scripts the available balance for an asset.
func (m *Exchange) SetBalance(asset core.Asset, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = amount
}

// FailNextPlaceOrder queues an error returned by the next PlaceOrder on pair.
// Queued errors are consumed in order; once drained, placement succeeds again.
func (m *Exchange) FailNextPlaceOrder(pair core.Pair, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeErrs[pair] = append(m.placeErrs[pair], err)
}

// FailCancel makes CancelOrder for the given id return err.
func (m *Exchange) FailCancel(orderID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelErrs[orderID] = err
}

func (m *Exchange) SetTickerError(err error)   { m.mu.Lock(); m.tickerErr = err; m.mu.Unlock() }
func (m *Exchange) SetBalancesError(err error) { m.mu.Lock(); m.balancesErr = err; m.mu.Unlock() }
func (m *Exchange) SetListError(err error)     { m.mu.Lock(); m.listErr = err; m.mu.Unlock() }

// Fill marks an order as filled, removing it from the open set.
func (m *Exchange) Fill(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, orderID)
}

// FillAll marks every open order as filled.
func (m *Exchange) FillAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.open {
		delete(m.open, id)
	}
}

// Placed returns a copy of every order placed so far, in order.
func (m *Exchange) Placed() []core.PlaceOrderRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.PlaceOrderRequest, len(m.placed))
	copy(out, m.placed)
	return out
}

// Cancelled returns the ids of every successful cancel, in order.
func (m *Exchange) Cancelled() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.cancelled))
	copy(out, m.cancelled)
	return out
}

// Order reports the request behind an id placed earlier.
func (m *Exchange) Order(orderID string) (core.PlaceOrderRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.orders[orderID]
	return req, ok
}

func (m *Exchange) GetTicker(ctx context.Context) (map[core.Pair]core.PairQuote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tickerErr != nil {
		return nil, m.tickerErr
	}
	out := make(map[core.Pair]core.PairQuote, len(m.quotes))
	for p, q := range m.quotes {
		out[p] = q
	}
	return out, nil
}

func (m *Exchange) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if errs := m.placeErrs[req.Pair]; len(errs) > 0 {
		err := errs[0]
		m.placeErrs[req.Pair] = errs[1:]
		return "", err
	}
	m.orderCounter++
	id := fmt.Sprintf("order-%d", m.orderCounter)
	m.orders[id] = req
	m.open[id] = true
	m.placed = append(m.placed, req)
	return id, nil
}

func (m *Exchange) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.cancelErrs[orderID]; ok {
		return err
	}
	delete(m.open, orderID)
	m.cancelled = append(m.cancelled, orderID)
	return nil
}

func (m *Exchange) ListOpenOrders(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]string, 0, len(m.open))
	for id := range m.open {
		out = append(out, id)
	}
	return out, nil
}

func (m *Exchange) GetBalances(ctx context.Context) (map[core.Asset]decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.balancesErr != nil {
		return nil, m.balancesErr
	}
	out := make(map[core.Asset]decimal.Decimal, len(m.balances))
	for a, b := range m.balances {
		out[a] = b
	}
	return out, nil
}

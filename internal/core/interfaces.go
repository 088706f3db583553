package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// Exchange is the venue collaborator. Every method is a potentially slow,
// fallible network call; the engine routes all of them through the dispatch
// queue rather than calling them inline.
type Exchange interface {
	// GetTicker returns the current best bid/ask for every traded pair.
	GetTicker(ctx context.Context) (map[Pair]PairQuote, error)
	// PlaceOrder submits a limit order and returns the venue order id.
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (string, error)
	// CancelOrder cancels an open order. ErrOrderNotFound means the order
	// already left the book (filled or previously cancelled).
	CancelOrder(ctx context.Context, orderID string) error
	// ListOpenOrders returns the ids of all open orders across accounts.
	ListOpenOrders(ctx context.Context) ([]string, error)
	// GetBalances returns the free balance of every asset.
	GetBalances(ctx context.Context) (map[Asset]decimal.Decimal, error)
}

// Ledger is the trade audit collaborator. Record is an idempotent append;
// the engine never reads it back.
type Ledger interface {
	Record(event string, fields map[string]interface{})
}

// Logger defines the interface for structured logging.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
}

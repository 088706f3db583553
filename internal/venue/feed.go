package venue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"tri_trader/internal/core"
)

// Feed streams ticker snapshots over the venue's websocket push API.
// Snapshots are delivered on Quotes; the feed reconnects with jittered
// backoff for as long as its context lives. It is an optional alternative
// to polling GetTicker through the dispatch queue.
type Feed struct {
	url    string
	logger core.Logger
	quotes chan map[core.Pair]core.PairQuote

	pongWait time.Duration
}

func NewFeed(url string, logger core.Logger) *Feed {
	return &Feed{
		url:      url,
		logger:   logger.WithField("component", "quote_feed"),
		quotes:   make(chan map[core.Pair]core.PairQuote, 16),
		pongWait: 60 * time.Second,
	}
}

// Quotes returns the snapshot channel. Closed when Run returns.
func (f *Feed) Quotes() <-chan map[core.Pair]core.PairQuote {
	return f.quotes
}

// Run connects and pumps ticker messages until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	defer close(f.quotes)

	retry := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		if err := f.connectAndPump(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := retry.Duration()
			f.logger.Warn("feed disconnected, reconnecting", "error", err, "wait", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()
	}
}

type tickerMessage struct {
	Pair       string `json:"currencyPair"`
	HighestBid string `json:"highestBid"`
	LowestAsk  string `json:"lowestAsk"`
}

func (f *Feed) connectAndPump(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	f.logger.Info("feed connected", "url", f.url)

	if err := conn.WriteJSON(map[string]string{"command": "subscribe", "channel": "ticker"}); err != nil {
		return err
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.pongWait))
	})

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(f.pongWait))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg tickerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			f.logger.Debug("skipping undecodable feed message", "error", err)
			continue
		}
		pair, err := core.ParsePair(msg.Pair)
		if err != nil {
			continue
		}
		bid, errBid := decimal.NewFromString(msg.HighestBid)
		ask, errAsk := decimal.NewFromString(msg.LowestAsk)
		if errBid != nil || errAsk != nil {
			continue
		}

		snapshot := map[core.Pair]core.PairQuote{
			pair: {HighestBid: bid, LowestAsk: ask},
		}
		select {
		case f.quotes <- snapshot:
		case <-ctx.Done():
			return nil
		default:
			// Reactor is behind; drop the tick, the next one supersedes it.
		}
	}
}

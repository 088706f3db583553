// Package venue implements the thin exchange collaborator: a REST client
// for quotes, orders and balances, and a websocket push feed for streaming
// quotes. It carries no trading logic; its one responsibility beyond I/O is
// classifying wire failures into the standard error taxonomy.
package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tri_trader/internal/config"
	"tri_trader/internal/core"
	"tri_trader/pkg/apperrors"
)

// Credentials is one account's API key pair.
type Credentials struct {
	Key    config.Secret
	Secret config.Secret
}

// Client talks to the venue's public and trading endpoints. Orders are
// signed with the account named in the request; balance and open-order
// queries use the utility account.
type Client struct {
	httpClient *http.Client
	baseURL    string
	accounts   map[string]Credentials
	logger     core.Logger
	nonce      func() string
}

func NewClient(baseURL string, accounts map[string]Credentials, logger core.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		accounts:   accounts,
		logger:     logger.WithField("component", "venue_client"),
		nonce: func() string {
			return strconv.FormatInt(time.Now().UnixNano(), 10)
		},
	}
}

type tickerEntry struct {
	HighestBid string `json:"highestBid"`
	LowestAsk  string `json:"lowestAsk"`
}

// GetTicker fetches the best bid/ask of every traded pair.
func (c *Client) GetTicker(ctx context.Context) (map[core.Pair]core.PairQuote, error) {
	body, err := c.get(ctx, "/public?command=returnTicker")
	if err != nil {
		return nil, err
	}

	raw := map[string]tickerEntry{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode ticker: %w", err)
	}

	snapshot := make(map[core.Pair]core.PairQuote, len(raw))
	for symbol, entry := range raw {
		pair, err := core.ParsePair(symbol)
		if err != nil {
			continue
		}
		bid, errBid := decimal.NewFromString(entry.HighestBid)
		ask, errAsk := decimal.NewFromString(entry.LowestAsk)
		if errBid != nil || errAsk != nil {
			c.logger.Debug("skipping malformed ticker entry", "pair", symbol)
			continue
		}
		snapshot[pair] = core.PairQuote{HighestBid: bid, LowestAsk: ask}
	}
	return snapshot, nil
}

// PlaceOrder submits a limit order on the account's behalf.
func (c *Client) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (string, error) {
	form := url.Values{
		"command":       {string(req.Side)},
		"currencyPair":  {req.Pair.String()},
		"rate":          {req.Price.String()},
		"amount":        {req.Amount.String()},
		"clientOrderId": {req.ClientOrderID},
	}
	body, err := c.trading(ctx, req.Account, form)
	if err != nil {
		return "", err
	}

	var resp struct {
		OrderNumber string `json:"orderNumber"`
		Error       string `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode order response: %w", err)
	}
	if resp.Error != "" {
		return "", classifyAPIError(resp.Error)
	}
	if resp.OrderNumber == "" {
		return "", fmt.Errorf("%w: empty order number", apperrors.ErrInvalidOrder)
	}
	return resp.OrderNumber, nil
}

// CancelOrder cancels an open order through the utility account.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	form := url.Values{
		"command":     {"cancelOrder"},
		"orderNumber": {orderID},
	}
	body, err := c.trading(ctx, "util", form)
	if err != nil {
		return err
	}

	var resp struct {
		Success int    `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode cancel response: %w", err)
	}
	if resp.Success != 1 {
		if resp.Error != "" {
			return classifyAPIError(resp.Error)
		}
		return apperrors.ErrOrderNotFound
	}
	return nil
}

// ListOpenOrders returns the order ids open across all accounts.
func (c *Client) ListOpenOrders(ctx context.Context) ([]string, error) {
	form := url.Values{
		"command":      {"returnOpenOrders"},
		"currencyPair": {"all"},
	}
	body, err := c.trading(ctx, "util", form)
	if err != nil {
		return nil, err
	}

	raw := map[string][]struct {
		OrderNumber string `json:"orderNumber"`
	}{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}

	ids := []string{}
	for _, orders := range raw {
		for _, o := range orders {
			ids = append(ids, o.OrderNumber)
		}
	}
	return ids, nil
}

// GetBalances returns every asset's free balance from the utility account.
func (c *Client) GetBalances(ctx context.Context) (map[core.Asset]decimal.Decimal, error) {
	form := url.Values{"command": {"returnBalances"}}
	body, err := c.trading(ctx, "util", form)
	if err != nil {
		return nil, err
	}

	raw := map[string]string{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode balances: %w", err)
	}

	balances := make(map[core.Asset]decimal.Decimal, len(raw))
	for asset, amount := range raw {
		d, err := decimal.NewFromString(amount)
		if err != nil {
			continue
		}
		balances[core.Asset(asset)] = d
	}
	return balances, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// trading sends a signed POST to the trading endpoint on behalf of account.
func (c *Client) trading(ctx context.Context, account string, form url.Values) ([]byte, error) {
	creds, ok := c.accounts[account]
	if !ok {
		return nil, fmt.Errorf("%w: no credentials for account %q", apperrors.ErrAuthenticationFailed, account)
	}

	form.Set("nonce", c.nonce())
	payload := form.Encode()

	mac := hmac.New(sha512.New, []byte(creds.Secret.Reveal()))
	mac.Write([]byte(payload))
	sign := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tradingApi", strings.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Key", creds.Key.Reveal())
	req.Header.Set("Sign", sign)

	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apperrors.ErrAuthenticationFailed
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", apperrors.ErrVenueMaintenance, resp.StatusCode)
	default:
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", apperrors.ErrSubmissionTimeout, err)
	}
	return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
}

func classifyAPIError(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "not enough"):
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, msg)
	case strings.Contains(lower, "invalid api key"), strings.Contains(lower, "permission"):
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, msg)
	case strings.Contains(lower, "order not found"), strings.Contains(lower, "is not open"):
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, msg)
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many"):
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimited, msg)
	default:
		return fmt.Errorf("venue error: %s", msg)
	}
}

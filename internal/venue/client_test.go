package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tri_trader/internal/core"
	"tri_trader/pkg/apperrors"
	"tri_trader/pkg/logging"
)

func testAccounts() map[string]Credentials {
	return map[string]Credentials{
		"BTC":  {Key: "btc-key", Secret: "btc-secret"},
		"util": {Key: "util-key", Secret: "util-secret"},
	}
}

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := NewClient(srv.URL, testAccounts(), logging.NewNop())
	return c, srv
}

func TestGetTickerParsesSnapshot(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/public", r.URL.Path)
		assert.Equal(t, "returnTicker", r.URL.Query().Get("command"))
		io.WriteString(w, `{
			"BTC_ETH": {"highestBid": "0.05", "lowestAsk": "0.0501"},
			"BTC_BCH": {"highestBid": "0.0062", "lowestAsk": "0.0063"},
			"BAD": {"highestBid": "x", "lowestAsk": "y"}
		}`)
	})
	defer srv.Close()

	snapshot, err := c.GetTicker(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshot, 2)

	quote := snapshot[core.Pair{Quote: "BTC", Base: "ETH"}]
	assert.True(t, quote.HighestBid.Equal(decimal.RequireFromString("0.05")))
	assert.True(t, quote.LowestAsk.Equal(decimal.RequireFromString("0.0501")))
}

func TestPlaceOrderSignsWithAccountCredentials(t *testing.T) {
	var gotKey, gotSign, gotBody string
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tradingApi", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotKey = r.Header.Get("Key")
		gotSign = r.Header.Get("Sign")
		io.WriteString(w, `{"orderNumber": "31226040"}`)
	})
	defer srv.Close()

	id, err := c.PlaceOrder(context.Background(), core.PlaceOrderRequest{
		Pair:          core.Pair{Quote: "BTC", Base: "ETH"},
		Side:          core.SideBuy,
		Price:         decimal.RequireFromString("0.0501"),
		Amount:        decimal.RequireFromString("1.5"),
		Account:       "BTC",
		ClientOrderID: "cid-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "31226040", id)

	assert.Equal(t, "btc-key", gotKey)
	mac := hmac.New(sha512.New, []byte("btc-secret"))
	mac.Write([]byte(gotBody))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSign)

	assert.Contains(t, gotBody, "command=buy")
	assert.Contains(t, gotBody, "currencyPair=BTC_ETH")
	assert.Contains(t, gotBody, "rate=0.0501")
	assert.Contains(t, gotBody, "amount=1.5")
	assert.Contains(t, gotBody, "nonce=")
}

func TestPlaceOrderUnknownAccount(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	defer srv.Close()

	_, err := c.PlaceOrder(context.Background(), core.PlaceOrderRequest{Account: "XRP"})
	assert.ErrorIs(t, err, apperrors.ErrAuthenticationFailed)
}

func TestPlaceOrderClassifiesAPIErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{"insufficient funds", `{"error": "Not enough BTC."}`, apperrors.ErrInsufficientFunds},
		{"bad key", `{"error": "Invalid API key/secret pair."}`, apperrors.ErrAuthenticationFailed},
		{"rate limited", `{"error": "Rate limit exceeded, please slow down."}`, apperrors.ErrRateLimited},
		{"order gone", `{"error": "Order not found, or you are not the person who placed it."}`, apperrors.ErrOrderNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, tt.body)
			})
			defer srv.Close()

			_, err := c.PlaceOrder(context.Background(), core.PlaceOrderRequest{Account: "BTC"})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDoClassifiesHTTPStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"rate limited", http.StatusTooManyRequests, apperrors.ErrRateLimited},
		{"unauthorized", http.StatusUnauthorized, apperrors.ErrAuthenticationFailed},
		{"forbidden", http.StatusForbidden, apperrors.ErrAuthenticationFailed},
		{"maintenance", http.StatusBadGateway, apperrors.ErrVenueMaintenance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			defer srv.Close()

			_, err := c.GetTicker(context.Background())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCancelOrder(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "cancelOrder", r.PostForm.Get("command"))
		assert.Equal(t, "123", r.PostForm.Get("orderNumber"))
		assert.Equal(t, "util-key", r.Header.Get("Key"))
		io.WriteString(w, `{"success": 1}`)
	})
	defer srv.Close()

	assert.NoError(t, c.CancelOrder(context.Background(), "123"))
}

func TestCancelOrderGone(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success": 0, "error": "Order 123 is not open."}`)
	})
	defer srv.Close()

	err := c.CancelOrder(context.Background(), "123")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestListOpenOrdersFlattensAccounts(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "returnOpenOrders", r.PostForm.Get("command"))
		assert.Equal(t, "all", r.PostForm.Get("currencyPair"))
		io.WriteString(w, `{
			"BTC_ETH": [{"orderNumber": "1"}, {"orderNumber": "2"}],
			"ETH_BCH": [{"orderNumber": "3"}]
		}`)
	})
	defer srv.Close()

	ids, err := c.ListOpenOrders(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2", "3"}, ids)
}

func TestGetBalances(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"BTC": "1.23", "ETH": "0", "JUNK": "abc"}`)
	})
	defer srv.Close()

	balances, err := c.GetBalances(context.Background())
	require.NoError(t, err)
	assert.True(t, balances[core.Asset("BTC")].Equal(decimal.RequireFromString("1.23")))
	assert.True(t, balances[core.Asset("ETH")].IsZero())
	assert.NotContains(t, balances, core.Asset("JUNK"))
}

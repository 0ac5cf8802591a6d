package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-tracker-go/connector"
	"order-tracker-go/order"
)

const testSecret = "secret"

func newTestBinance(t *testing.T, h http.HandlerFunc) *BinanceConnector {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	rest := NewBinanceRESTClient(RESTConfig{
		BaseURL:   ts.URL,
		APIKey:    "key",
		APISecret: testSecret,
		Rate:      1000,
		Burst:     1000,
	})
	rest.now = func() time.Time { return time.UnixMilli(1234567890000) }
	return NewBinanceConnector(rest, nil)
}

// verifySigned 校验 API key 头与签名位于 query 末尾。
func verifySigned(t *testing.T, r *http.Request) {
	t.Helper()
	assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
	raw := r.URL.RawQuery
	idx := strings.LastIndex(raw, "&signature=")
	require.Greater(t, idx, 0, "missing signature")
	assert.Equal(t, signQuery(raw[:idx], testSecret), raw[idx+len("&signature="):])
	assert.Equal(t, "1234567890000", r.URL.Query().Get("timestamp"))
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func testOrder(exchangeID string) *order.InFlightOrder {
	var opts []order.Option
	if exchangeID != "" {
		opts = append(opts, order.WithExchangeOrderID(exchangeID))
	}
	return order.NewInFlightOrder("B-1", "BTC-USDT", order.Limit, order.Buy,
		decimal.RequireFromString("1"), decimal.RequireFromString("100"), time.Unix(0, 0), opts...)
}

func TestBinancePlaceOrder(t *testing.T) {
	b := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v3/order", r.URL.Path)
		verifySigned(t, r)
		q := r.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "BUY", q.Get("side"))
		assert.Equal(t, "LIMIT", q.Get("type"))
		assert.Equal(t, "GTC", q.Get("timeInForce"))
		assert.Equal(t, "0.5", q.Get("quantity"))
		assert.Equal(t, "100.1", q.Get("price"))
		assert.Equal(t, "B-1", q.Get("newClientOrderId"))
		writeJSON(w, 200, `{"symbol":"BTCUSDT","orderId":28,"clientOrderId":"B-1","transactTime":1507725176595}`)
	})

	id, ts, err := b.PlaceOrder(context.Background(), connector.PlaceOrderRequest{
		ClientOrderID: "B-1",
		TradingPair:   "BTC-USDT",
		TradeType:     order.Buy,
		OrderType:     order.Limit,
		Amount:        decimal.RequireFromString("0.5"),
		Price:         decimal.RequireFromString("100.1"),
	})
	require.NoError(t, err)
	assert.Equal(t, "28", id)
	assert.Equal(t, int64(1507725176595), ts.UnixMilli())
}

func TestBinancePlaceMarketOrderOmitsPrice(t *testing.T) {
	b := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "MARKET", q.Get("type"))
		assert.False(t, q.Has("price"))
		assert.False(t, q.Has("timeInForce"))
		writeJSON(w, 200, `{"orderId":29,"transactTime":1}`)
	})
	_, _, err := b.PlaceOrder(context.Background(), connector.PlaceOrderRequest{
		ClientOrderID: "S-1", TradingPair: "ETH-BTC", TradeType: order.Sell, OrderType: order.Market,
		Amount: decimal.RequireFromString("2"),
	})
	require.NoError(t, err)
}

func TestBinanceFetchOrderStatus(t *testing.T) {
	b := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		verifySigned(t, r)
		assert.Equal(t, "B-1", r.URL.Query().Get("origClientOrderId"))
		writeJSON(w, 200, `{"symbol":"BTCUSDT","orderId":28,"clientOrderId":"B-1","status":"PARTIALLY_FILLED","updateTime":1700000000000}`)
	})
	u, err := b.FetchOrderStatus(context.Background(), testOrder(""))
	require.NoError(t, err)
	assert.Equal(t, order.StatePartiallyFilled, u.NewState)
	assert.Equal(t, "28", u.ExchangeOrderID)
	assert.Equal(t, "B-1", u.ClientOrderID)
	assert.Equal(t, "BTC-USDT", u.TradingPair)
}

func TestBinanceOrderNotFoundMapping(t *testing.T) {
	b := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, 400, `{"code":-2013,"msg":"Order does not exist."}`)
		case http.MethodDelete:
			writeJSON(w, 400, `{"code":-2011,"msg":"Unknown order sent."}`)
		}
	})
	_, err := b.FetchOrderStatus(context.Background(), testOrder(""))
	assert.True(t, connector.IsOrderNotFound(err))

	ok, err := b.CancelOrder(context.Background(), testOrder(""))
	assert.False(t, ok)
	assert.True(t, connector.IsOrderNotFound(err))
}

func TestBinanceOtherErrorsNotRecoverable(t *testing.T) {
	b := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 400, `{"code":-2011,"msg":"Order was already canceled."}`)
	})
	_, err := b.CancelOrder(context.Background(), testOrder(""))
	require.Error(t, err)
	assert.False(t, connector.IsRecoverable(err))
	apiErr, ok := IsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, -2011, apiErr.Code)
	assert.Equal(t, 400, apiErr.Status)
}

func TestBinanceGatewayTimeoutIsTimeout(t *testing.T) {
	b := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	})
	_, err := b.FetchOrderStatus(context.Background(), testOrder(""))
	assert.True(t, connector.IsTimeout(err))
}

func TestBinanceCancelOrder(t *testing.T) {
	b := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		verifySigned(t, r)
		writeJSON(w, 200, `{"symbol":"BTCUSDT","orderId":28,"status":"CANCELED"}`)
	})
	ok, err := b.CancelOrder(context.Background(), testOrder("28"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBinanceFetchTradeFills(t *testing.T) {
	var calls atomic.Int32
	b := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/api/v3/myTrades", r.URL.Path)
		assert.Equal(t, "28", r.URL.Query().Get("orderId"))
		writeJSON(w, 200, `[
			{"id":1,"orderId":28,"price":"100.5","qty":"0.2","quoteQty":"20.1","commission":"0.0201","commissionAsset":"USDT","time":1700000000000,"isMaker":true},
			{"id":2,"orderId":28,"price":"bad","qty":"0.1","quoteQty":"10","commission":"0","commissionAsset":"USDT","time":1700000000001,"isMaker":false}
		]`)
	})

	fills, err := b.FetchTradeFills(context.Background(), testOrder(""))
	require.NoError(t, err)
	assert.Nil(t, fills)
	assert.Equal(t, int32(0), calls.Load())

	fills, err = b.FetchTradeFills(context.Background(), testOrder("28"))
	require.NoError(t, err)
	require.Len(t, fills, 1)
	f := fills[0]
	assert.Equal(t, "1", f.TradeID)
	assert.Equal(t, "B-1", f.ClientOrderID)
	assert.True(t, f.FillBaseAmount.Equal(decimal.RequireFromString("0.2")))
	assert.True(t, f.FillQuoteAmount.Equal(decimal.RequireFromString("20.1")))
	assert.True(t, f.Fee.Amount.Equal(decimal.RequireFromString("0.0201")))
	assert.Equal(t, "USDT", f.Fee.Asset)
	assert.False(t, f.IsTaker)
}

func TestBinanceSymbolMapping(t *testing.T) {
	b := NewBinanceConnector(nil, nil)

	sym, err := b.ExchangeSymbol("BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", sym)

	_, err = b.ExchangeSymbol("BTCUSDT")
	assert.ErrorIs(t, err, connector.ErrUnknownTradingPair)

	pair, err := b.TradingPair("ETHBTC")
	require.NoError(t, err)
	assert.Equal(t, "ETH-BTC", pair)

	_, err = b.TradingPair("USDT")
	assert.ErrorIs(t, err, connector.ErrUnknownTradingPair)
}

func TestMapOrderStatus(t *testing.T) {
	cases := map[string]order.State{
		"NEW":              order.StateOpen,
		"PARTIALLY_FILLED": order.StatePartiallyFilled,
		"FILLED":           order.StateFilled,
		"CANCELED":         order.StateCanceled,
		"EXPIRED":          order.StateCanceled,
		"PENDING_CANCEL":   order.StatePendingCancel,
		"REJECTED":         order.StateFailed,
	}
	for in, want := range cases {
		got, err := MapOrderStatus(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := MapOrderStatus("WHATEVER")
	assert.Error(t, err)
}

func TestListenKeyLifecycle(t *testing.T) {
	b := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/userDataStream", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		switch r.Method {
		case http.MethodPost:
			writeJSON(w, 200, `{"listenKey":"lk-1"}`)
		case http.MethodPut:
			assert.Equal(t, "lk-1", r.URL.Query().Get("listenKey"))
			writeJSON(w, 200, `{}`)
		}
	})
	key, err := b.REST().CreateListenKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "lk-1", key)
	assert.NoError(t, b.REST().KeepAliveListenKey(context.Background(), key))
}

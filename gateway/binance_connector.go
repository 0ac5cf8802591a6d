package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-tracker-go/connector"
	"order-tracker-go/order"
)

// defaultQuoteAssets 反向解析交易所符号时依次尝试的计价币。
var defaultQuoteAssets = []string{"USDT", "FDUSD", "USDC", "BUSD", "TUSD", "BTC", "ETH", "BNB", "EUR", "TRY"}

// BinanceConnector 基于现货 REST 实现 connector.Connector。
type BinanceConnector struct {
	rest   *BinanceRESTClient
	quotes []string
	logger *zap.Logger
}

func NewBinanceConnector(rest *BinanceRESTClient, logger *zap.Logger) *BinanceConnector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BinanceConnector{rest: rest, quotes: defaultQuoteAssets, logger: logger}
}

func (b *BinanceConnector) Name() string { return "binance" }

// REST 暴露底层客户端（listenKey 等）。
func (b *BinanceConnector) REST() *BinanceRESTClient { return b.rest }

// ExchangeSymbol BTC-USDT -> BTCUSDT
func (b *BinanceConnector) ExchangeSymbol(tradingPair string) (string, error) {
	parts := strings.Split(tradingPair, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("%w: %s", connector.ErrUnknownTradingPair, tradingPair)
	}
	return strings.ToUpper(parts[0] + parts[1]), nil
}

// TradingPair BTCUSDT -> BTC-USDT
func (b *BinanceConnector) TradingPair(symbol string) (string, error) {
	symbol = strings.ToUpper(symbol)
	for _, q := range b.quotes {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q) + "-" + q, nil
		}
	}
	return "", fmt.Errorf("%w: %s", connector.ErrUnknownTradingPair, symbol)
}

type newOrderResp struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	TransactTime  int64  `json:"transactTime"`
}

type orderResp struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	UpdateTime    int64  `json:"updateTime"`
}

type tradeResp struct {
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	QuoteQty        string `json:"quoteQty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
	IsMaker         bool   `json:"isMaker"`
}

func (b *BinanceConnector) PlaceOrder(ctx context.Context, req connector.PlaceOrderRequest) (string, time.Time, error) {
	symbol, err := b.ExchangeSymbol(req.TradingPair)
	if err != nil {
		return "", time.Time{}, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(req.TradeType))
	params.Set("type", string(req.OrderType))
	params.Set("quantity", req.Amount.String())
	params.Set("newClientOrderId", req.ClientOrderID)
	params.Set("newOrderRespType", "ACK")
	if req.OrderType.IsLimitType() {
		params.Set("price", req.Price.String())
	}
	if req.OrderType == order.Limit {
		params.Set("timeInForce", "GTC")
	}

	var out newOrderResp
	if err := b.rest.Do(ctx, http.MethodPost, "/api/v3/order", params, true, &out); err != nil {
		return "", time.Time{}, err
	}
	if out.OrderID == 0 {
		return "", time.Time{}, fmt.Errorf("empty orderId for %s", req.ClientOrderID)
	}
	return strconv.FormatInt(out.OrderID, 10), time.UnixMilli(out.TransactTime).UTC(), nil
}

// IsCancelRequestSynchronous DELETE /api/v3/order 返回时撤单已经完成。
func (b *BinanceConnector) IsCancelRequestSynchronous() bool { return true }

func (b *BinanceConnector) CancelOrder(ctx context.Context, o *order.InFlightOrder) (bool, error) {
	symbol, err := b.ExchangeSymbol(o.TradingPair)
	if err != nil {
		return false, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", o.ClientOrderID)
	var out orderResp
	if err := b.rest.Do(ctx, http.MethodDelete, "/api/v3/order", params, true, &out); err != nil {
		return false, err
	}
	return out.Status == "CANCELED", nil
}

func (b *BinanceConnector) FetchOrderStatus(ctx context.Context, o *order.InFlightOrder) (order.OrderUpdate, error) {
	symbol, err := b.ExchangeSymbol(o.TradingPair)
	if err != nil {
		return order.OrderUpdate{}, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", o.ClientOrderID)
	var out orderResp
	if err := b.rest.Do(ctx, http.MethodGet, "/api/v3/order", params, true, &out); err != nil {
		return order.OrderUpdate{}, err
	}
	state, err := MapOrderStatus(out.Status)
	if err != nil {
		return order.OrderUpdate{}, err
	}
	return order.OrderUpdate{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(out.OrderID, 10),
		TradingPair:     o.TradingPair,
		UpdateTimestamp: time.UnixMilli(out.UpdateTime).UTC(),
		NewState:        state,
	}, nil
}

// FetchTradeFills 交易所 id 未知时没有可查询的成交。
func (b *BinanceConnector) FetchTradeFills(ctx context.Context, o *order.InFlightOrder) ([]order.TradeUpdate, error) {
	if !o.HasExchangeOrderID() {
		return nil, nil
	}
	symbol, err := b.ExchangeSymbol(o.TradingPair)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", o.ExchangeOrderID)
	var out []tradeResp
	if err := b.rest.Do(ctx, http.MethodGet, "/api/v3/myTrades", params, true, &out); err != nil {
		return nil, err
	}
	fills := make([]order.TradeUpdate, 0, len(out))
	for _, t := range out {
		tu, err := t.toTradeUpdate(o)
		if err != nil {
			b.logger.Warn("skip malformed trade", zap.String("client_order_id", o.ClientOrderID), zap.Error(err))
			continue
		}
		fills = append(fills, tu)
	}
	return fills, nil
}

func (t tradeResp) toTradeUpdate(o *order.InFlightOrder) (order.TradeUpdate, error) {
	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return order.TradeUpdate{}, fmt.Errorf("price %q: %w", t.Price, err)
	}
	qty, err := decimal.NewFromString(t.Qty)
	if err != nil {
		return order.TradeUpdate{}, fmt.Errorf("qty %q: %w", t.Qty, err)
	}
	quote, err := decimal.NewFromString(t.QuoteQty)
	if err != nil {
		quote = qty.Mul(price)
	}
	fee, _ := decimal.NewFromString(t.Commission)
	return order.TradeUpdate{
		TradeID:         strconv.FormatInt(t.ID, 10),
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(t.OrderID, 10),
		TradingPair:     o.TradingPair,
		Fee:             order.TradeFee{Asset: t.CommissionAsset, Amount: fee},
		FillBaseAmount:  qty,
		FillQuoteAmount: quote,
		FillPrice:       price,
		FillTimestamp:   time.UnixMilli(t.Time).UTC(),
		IsTaker:         !t.IsMaker,
	}, nil
}

// MapOrderStatus Binance 订单状态 -> 本地状态。
func MapOrderStatus(status string) (order.State, error) {
	switch status {
	case "NEW":
		return order.StateOpen, nil
	case "PARTIALLY_FILLED":
		return order.StatePartiallyFilled, nil
	case "FILLED":
		return order.StateFilled, nil
	case "PENDING_CANCEL":
		return order.StatePendingCancel, nil
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return order.StateCanceled, nil
	case "REJECTED":
		return order.StateFailed, nil
	case "PENDING_NEW":
		return order.StatePendingCreate, nil
	default:
		return "", fmt.Errorf("unknown binance order status %q", status)
	}
}

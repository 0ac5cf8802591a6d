package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// UnknownExchangeOrderID 交易所尚未返回 id 时部分连接器使用的占位值。
const UnknownExchangeOrderID = "UNKNOWN"

func hasExchangeOrderID(id string) bool {
	return id != "" && id != UnknownExchangeOrderID
}

// OrderUpdate 描述一次状态推进，来自 REST 轮询或 WS 推送。
type OrderUpdate struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	UpdateTimestamp time.Time
	NewState        State
}

// HasIdentifier 至少需要 client 或 exchange 其中一个 id。
func (u OrderUpdate) HasIdentifier() bool {
	return u.ClientOrderID != "" || hasExchangeOrderID(u.ExchangeOrderID)
}

func (u OrderUpdate) String() string {
	return fmt.Sprintf("OrderUpdate(client=%s, exchange=%s, pair=%s, ts=%s, state=%s)",
		u.ClientOrderID, u.ExchangeOrderID, u.TradingPair, u.UpdateTimestamp.Format(time.RFC3339Nano), u.NewState)
}

// TradeFee 一笔成交实际支付的手续费。
type TradeFee struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// TradeUpdate 一笔成交，TradeID 由交易所分配，用于去重。
type TradeUpdate struct {
	TradeID         string          `json:"trade_id"`
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id"`
	TradingPair     string          `json:"trading_pair"`
	Fee             TradeFee        `json:"fee"`
	FillBaseAmount  decimal.Decimal `json:"fill_base_amount"`
	FillQuoteAmount decimal.Decimal `json:"fill_quote_amount"`
	FillPrice       decimal.Decimal `json:"fill_price"`
	FillTimestamp   time.Time       `json:"fill_timestamp"`
	IsTaker         bool            `json:"is_taker"`
}

func (t TradeUpdate) String() string {
	return fmt.Sprintf("TradeUpdate(trade=%s, client=%s, exchange=%s, base=%s, price=%s)",
		t.TradeID, t.ClientOrderID, t.ExchangeOrderID, t.FillBaseAmount, t.FillPrice)
}

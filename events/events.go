// Package events 定义订单生命周期事件以及事件分发。
package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind 事件类型。
type Kind string

const (
	KindBuyOrderCreated    Kind = "buy_order_created"
	KindSellOrderCreated   Kind = "sell_order_created"
	KindOrderFilled        Kind = "order_filled"
	KindOrderCancelled     Kind = "order_cancelled"
	KindBuyOrderCompleted  Kind = "buy_order_completed"
	KindSellOrderCompleted Kind = "sell_order_completed"
	KindOrderFailure       Kind = "order_failure"
)

// Event 所有生命周期事件的公共接口。
type Event interface {
	Kind() Kind
	OrderID() string
}

// OrderCreated 订单被交易所确认时的负载。
type OrderCreated struct {
	Timestamp       time.Time
	OrderType       string
	TradingPair     string
	Amount          decimal.Decimal
	Price           decimal.Decimal
	ClientOrderID   string
	ExchangeOrderID string
	CreatedAt       time.Time
}

func (e OrderCreated) OrderID() string { return e.ClientOrderID }

type BuyOrderCreated struct{ OrderCreated }

func (BuyOrderCreated) Kind() Kind { return KindBuyOrderCreated }

type SellOrderCreated struct{ OrderCreated }

func (SellOrderCreated) Kind() Kind { return KindSellOrderCreated }

// OrderFilled 一笔成交（或一次成交量推进）。
type OrderFilled struct {
	Timestamp       time.Time
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	TradeType       string
	OrderType       string
	Price           decimal.Decimal
	Amount          decimal.Decimal
	FeeAsset        string
	FeeAmount       decimal.Decimal
	TradeID         string
	IsTaker         bool
}

func (OrderFilled) Kind() Kind        { return KindOrderFilled }
func (e OrderFilled) OrderID() string { return e.ClientOrderID }

// OrderCancelled 撤单确认。
type OrderCancelled struct {
	Timestamp       time.Time
	ClientOrderID   string
	ExchangeOrderID string
}

func (OrderCancelled) Kind() Kind        { return KindOrderCancelled }
func (e OrderCancelled) OrderID() string { return e.ClientOrderID }

// OrderCompleted 完全成交时的汇总。
type OrderCompleted struct {
	Timestamp        time.Time
	ClientOrderID    string
	ExchangeOrderID  string
	BaseAsset        string
	QuoteAsset       string
	BaseAssetAmount  decimal.Decimal
	QuoteAssetAmount decimal.Decimal
	FeeAsset         string
	FeeAmount        decimal.Decimal
	OrderType        string
}

func (e OrderCompleted) OrderID() string { return e.ClientOrderID }

type BuyOrderCompleted struct{ OrderCompleted }

func (BuyOrderCompleted) Kind() Kind { return KindBuyOrderCompleted }

type SellOrderCompleted struct{ OrderCompleted }

func (SellOrderCompleted) Kind() Kind { return KindSellOrderCompleted }

// OrderFailure 下单失败或订单在交易所丢失。
type OrderFailure struct {
	Timestamp     time.Time
	ClientOrderID string
	OrderType     string
	Reason        string
}

func (OrderFailure) Kind() Kind        { return KindOrderFailure }
func (e OrderFailure) OrderID() string { return e.ClientOrderID }

// IsTerminal 报告事件是否代表订单的终结。
func IsTerminal(k Kind) bool {
	switch k {
	case KindOrderCancelled, KindBuyOrderCompleted, KindSellOrderCompleted, KindOrderFailure:
		return true
	default:
		return false
	}
}

// Package connector 定义 Tracker 与具体交易所之间的协作契约，
// 以及基于该契约的下单/撤单（Exchange）与状态对账（Reconciler）。
package connector

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/shopspring/decimal"

	"order-tracker-go/order"
)

var (
	// ErrOrderNotFound 交易所明确回复订单不存在。
	ErrOrderNotFound = errors.New("order not found")
	// ErrTimeout 请求超时，订单在交易所一侧的状态未知。
	ErrTimeout = errors.New("request timeout")
	// ErrUnknownTradingPair 交易对无法映射到交易所符号。
	ErrUnknownTradingPair = errors.New("unknown trading pair")
)

// PlaceOrderRequest 下单参数。
type PlaceOrderRequest struct {
	ClientOrderID string
	TradingPair   string
	TradeType     order.TradeType
	OrderType     order.OrderType
	Amount        decimal.Decimal
	Price         decimal.Decimal
}

// Connector 每个交易所需要实现的最小能力集合。
// 所有方法都可能阻塞在网络 IO 上，调用方通过 ctx 控制超时与取消。
type Connector interface {
	Name() string
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (exchangeOrderID string, ts time.Time, err error)
	CancelOrder(ctx context.Context, o *order.InFlightOrder) (bool, error)
	FetchOrderStatus(ctx context.Context, o *order.InFlightOrder) (order.OrderUpdate, error)
	FetchTradeFills(ctx context.Context, o *order.InFlightOrder) ([]order.TradeUpdate, error)
	ExchangeSymbol(tradingPair string) (string, error)
	TradingPair(exchangeSymbol string) (string, error)
}

// CancelSynchronous 可选能力：撤单请求成功返回即表示交易所已完成撤单。
// 未实现的连接器按异步处理，成功的撤单只推进到 PENDING_CANCEL，由推送或轮询给出 CANCELED。
type CancelSynchronous interface {
	IsCancelRequestSynchronous() bool
}

// IsCancelSynchronous 连接器的撤单请求是否同步生效。
func IsCancelSynchronous(c Connector) bool {
	s, ok := c.(CancelSynchronous)
	return ok && s.IsCancelRequestSynchronous()
}

// cancelAckState 撤单请求成功后应写入 Tracker 的状态。
func cancelAckState(c Connector) order.State {
	if IsCancelSynchronous(c) {
		return order.StateCanceled
	}
	return order.StatePendingCancel
}

// IsOrderNotFound 判断是否为交易所确认的"订单不存在"。
func IsOrderNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound)
}

// IsCancellation 上层取消，必须原样向上传播。
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsTimeout 超时类错误：订单状态未知。
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsRecoverable 可以通过 not-found 计数逐步升级处理的错误（不存在或超时）。
// 取消永远不可恢复。
func IsRecoverable(err error) bool {
	if err == nil || IsCancellation(err) {
		return false
	}
	return IsOrderNotFound(err) || IsTimeout(err)
}

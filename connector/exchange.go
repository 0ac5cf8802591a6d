package connector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"order-tracker-go/order"
)

// Notifier 面向用户的告警出口（alert.Manager 实现了它）。
type Notifier interface {
	SendWarning(message string, fields map[string]interface{}) error
}

type nopNotifier struct{}

func (nopNotifier) SendWarning(string, map[string]interface{}) error { return nil }

// recoveryNotifier 可选：失败的环节恢复后通知告警出口。
type recoveryNotifier interface {
	Recovered(connector, loop string)
}

// CancellationResult 批量撤单中单个订单的结果。
type CancellationResult struct {
	ClientOrderID string
	Success       bool
}

// Exchange 把下单/撤单结果统一汇入 Tracker。
// 下单失败不会以 error 的形式返回给调用方，而是表现为 OrderFailure 事件。
type Exchange struct {
	conn    Connector
	tracker *order.Tracker
	log     *zap.Logger
	alerts  Notifier
	now     func() time.Time
	newID   func() string

	mu    sync.RWMutex
	rules map[string]TradingRule
}

// ExchangeOption 配置 Exchange。
type ExchangeOption func(*Exchange)

func WithExchangeLogger(l *zap.Logger) ExchangeOption {
	return func(e *Exchange) {
		if l != nil {
			e.log = l
		}
	}
}

func WithNotifier(n Notifier) ExchangeOption {
	return func(e *Exchange) {
		if n != nil {
			e.alerts = n
		}
	}
}

func WithExchangeClock(now func() time.Time) ExchangeOption {
	return func(e *Exchange) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator 替换 client order id 的随机部分（测试用）。
func WithIDGenerator(gen func() string) ExchangeOption {
	return func(e *Exchange) {
		if gen != nil {
			e.newID = gen
		}
	}
}

func NewExchange(conn Connector, tracker *order.Tracker, opts ...ExchangeOption) *Exchange {
	e := &Exchange{
		conn:    conn,
		tracker: tracker,
		log:     zap.NewNop(),
		alerts:  nopNotifier{},
		now:     time.Now,
		newID:   func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
		rules:   make(map[string]TradingRule),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Exchange) Name() string            { return e.conn.Name() }
func (e *Exchange) Tracker() *order.Tracker { return e.tracker }
func (e *Exchange) Connector() Connector    { return e.conn }

// SetTradingRules 整体替换交易规则。
func (e *Exchange) SetTradingRules(rules []TradingRule) {
	m := make(map[string]TradingRule, len(rules))
	for _, r := range rules {
		m[r.TradingPair] = r
	}
	e.mu.Lock()
	e.rules = m
	e.mu.Unlock()
}

func (e *Exchange) TradingRule(pair string) (TradingRule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[pair]
	return r, ok
}

// Buy 下买单，返回 client order id。只有 ctx 被取消时才返回 error。
func (e *Exchange) Buy(ctx context.Context, pair string, amount decimal.Decimal, orderType order.OrderType, price decimal.Decimal) (string, error) {
	id := "B-" + e.newID()
	return id, e.createOrder(ctx, order.Buy, id, pair, amount, orderType, price)
}

// Sell 下卖单，语义同 Buy。
func (e *Exchange) Sell(ctx context.Context, pair string, amount decimal.Decimal, orderType order.OrderType, price decimal.Decimal) (string, error) {
	id := "S-" + e.newID()
	return id, e.createOrder(ctx, order.Sell, id, pair, amount, orderType, price)
}

func (e *Exchange) createOrder(ctx context.Context, side order.TradeType, clientID, pair string,
	amount decimal.Decimal, orderType order.OrderType, price decimal.Decimal) error {
	rule, hasRule := e.TradingRule(pair)
	if hasRule {
		if orderType.IsLimitType() {
			price = rule.QuantizePrice(price)
			amount = rule.QuantizeAmount(amount, price)
		} else {
			amount = rule.QuantizeAmount(amount, decimal.Zero)
		}
	}

	e.tracker.StartTrackingOrder(order.NewInFlightOrder(clientID, pair, orderType, side, amount, price, e.now()))

	if !amount.IsPositive() || (hasRule && amount.LessThan(rule.MinOrderSize)) {
		e.log.Warn("order amount is lower than the minimum order size, the order will not be created",
			zap.String("client_order_id", clientID),
			zap.String("trade_type", string(side)),
			zap.String("amount", amount.String()),
			zap.String("min_order_size", rule.MinOrderSize.String()))
		e.failOrder(clientID, pair)
		return nil
	}

	exchangeID, ts, err := e.conn.PlaceOrder(ctx, PlaceOrderRequest{
		ClientOrderID: clientID,
		TradingPair:   pair,
		TradeType:     side,
		OrderType:     orderType,
		Amount:        amount,
		Price:         price,
	})
	if err != nil {
		if IsCancellation(err) {
			return err
		}
		e.log.Error("error submitting order",
			zap.String("exchange", e.conn.Name()),
			zap.String("client_order_id", clientID),
			zap.String("trade_type", string(side)),
			zap.String("order_type", string(orderType)),
			zap.String("amount", amount.String()),
			zap.String("trading_pair", pair),
			zap.String("price", price.String()),
			zap.Error(err))
		_ = e.alerts.SendWarning(
			fmt.Sprintf("Failed to submit %s order to %s. Check API key and network connection.",
				strings.ToLower(string(side)), e.conn.Name()),
			map[string]interface{}{"connector": e.conn.Name(), "loop": "place_order", "client_order_id": clientID})
		e.failOrder(clientID, pair)
		return nil
	}
	if ts.IsZero() {
		ts = e.now()
	}
	e.tracker.ProcessOrderUpdate(order.OrderUpdate{
		ClientOrderID:   clientID,
		ExchangeOrderID: exchangeID,
		TradingPair:     pair,
		UpdateTimestamp: ts,
		NewState:        order.StateOpen,
	})
	return nil
}

func (e *Exchange) failOrder(clientID, pair string) {
	e.tracker.ProcessOrderUpdate(order.OrderUpdate{
		ClientOrderID:   clientID,
		TradingPair:     pair,
		UpdateTimestamp: e.now(),
		NewState:        order.StateFailed,
	})
}

// Cancel 撤单。同步撤单的交易所确认后推进到 CANCELED，否则推进到 PENDING_CANCEL；
// 超时或订单不存在时计入 not-found 并把订单标记为丢失，由丢失订单轮询继续跟进。
func (e *Exchange) Cancel(ctx context.Context, clientID string) (bool, error) {
	o := e.tracker.FetchTrackedOrder(clientID)
	if o == nil {
		e.log.Debug("cancel requested for untracked order", zap.String("client_order_id", clientID))
		return false, nil
	}
	ok, err := e.conn.CancelOrder(ctx, o)
	switch {
	case err == nil && ok:
		e.tracker.ProcessOrderUpdate(order.OrderUpdate{
			ClientOrderID:   clientID,
			TradingPair:     o.TradingPair,
			UpdateTimestamp: e.now(),
			NewState:        cancelAckState(e.conn),
		})
		return true, nil
	case err == nil:
		return false, nil
	case IsCancellation(err):
		return false, err
	case IsRecoverable(err):
		e.log.Warn("failed to cancel order, status on exchange unknown",
			zap.String("client_order_id", clientID),
			zap.Error(err))
		e.tracker.ProcessOrderNotFound(clientID)
		e.tracker.MarkLost(clientID)
		return false, nil
	default:
		e.log.Error("error requesting cancellation of order",
			zap.String("client_order_id", clientID),
			zap.Error(err))
		return false, fmt.Errorf("cancel order %s: %w", clientID, err)
	}
}

// CancelAll 并发撤销所有未完成订单，整体受 timeout 约束。超时或失败的订单记为 Success=false。
func (e *Exchange) CancelAll(ctx context.Context, timeout time.Duration) []CancellationResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pending := e.tracker.AllFillableOrders()
	var (
		mu      sync.Mutex
		success = make(map[string]bool, len(pending))
	)
	g, gctx := errgroup.WithContext(ctx)
	for id := range pending {
		id := id
		g.Go(func() error {
			ok, err := e.Cancel(gctx, id)
			if err != nil && !IsCancellation(err) {
				e.log.Warn("cancel failed", zap.String("client_order_id", id), zap.Error(err))
			}
			if ok {
				mu.Lock()
				success[id] = true
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		e.log.Warn("unexpected error cancelling orders",
			zap.Error(ctx.Err()))
		_ = e.alerts.SendWarning("Failed to cancel order. Check API key and network connection.",
			map[string]interface{}{"connector": e.conn.Name(), "loop": "cancel_all"})
	}

	results := make([]CancellationResult, 0, len(pending))
	for id := range pending {
		results = append(results, CancellationResult{ClientOrderID: id, Success: success[id]})
	}
	return results
}

// TrackingStates 供持久化的未完成订单快照。
func (e *Exchange) TrackingStates() map[string]order.TrackingState {
	return e.tracker.TrackingStates()
}

// RestoreTrackingStates 重启后恢复跟踪。
func (e *Exchange) RestoreTrackingStates(states map[string]order.TrackingState) int {
	n := e.tracker.RestoreTrackingStates(states)
	if n > 0 {
		e.log.Info("restored tracking states", zap.String("exchange", e.conn.Name()), zap.Int("orders", n))
	}
	return n
}

package order

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// exchangeIDSignal 在交易所 id 首次写入时关闭，Clone 出来的副本共享同一个信号。
type exchangeIDSignal struct {
	once sync.Once
	ch   chan struct{}
	id   string
}

func newExchangeIDSignal() *exchangeIDSignal {
	return &exchangeIDSignal{ch: make(chan struct{})}
}

func (s *exchangeIDSignal) set(id string) {
	s.once.Do(func() {
		s.id = id
		close(s.ch)
	})
}

// InFlightOrder 一笔订单的完整生命周期记录。活跃期间只由 Tracker 修改。
type InFlightOrder struct {
	ClientOrderID     string
	ExchangeOrderID   string
	TradingPair       string
	OrderType         OrderType
	TradeType         TradeType
	Price             decimal.Decimal
	Amount            decimal.Decimal
	CreationTimestamp time.Time

	CurrentState        State
	ExecutedAmountBase  decimal.Decimal
	ExecutedAmountQuote decimal.Decimal
	FeeAsset            string
	CumulativeFeePaid   decimal.Decimal
	LastUpdateTimestamp time.Time
	OrderFills          map[string]TradeUpdate

	sm       *StateMachine
	exchange *exchangeIDSignal
}

// Option 配置新建订单。
type Option func(*InFlightOrder)

// WithExchangeOrderID 创建时已知交易所 id（例如从持久化恢复）。
func WithExchangeOrderID(id string) Option {
	return func(o *InFlightOrder) { o.ExchangeOrderID = id }
}

// WithInitialState 覆盖默认的 PENDING_CREATE。
func WithInitialState(s State) Option {
	return func(o *InFlightOrder) { o.CurrentState = s }
}

// WithStateMachine 使用自定义转换表。
func WithStateMachine(sm *StateMachine) Option {
	return func(o *InFlightOrder) { o.sm = sm }
}

// NewInFlightOrder 创建处于 PENDING_CREATE 的订单。
func NewInFlightOrder(
	clientOrderID, tradingPair string,
	orderType OrderType,
	tradeType TradeType,
	amount, price decimal.Decimal,
	created time.Time,
	opts ...Option,
) *InFlightOrder {
	o := &InFlightOrder{
		ClientOrderID:     clientOrderID,
		TradingPair:       tradingPair,
		OrderType:         orderType,
		TradeType:         tradeType,
		Amount:            amount,
		Price:             price,
		CreationTimestamp: created,
		CurrentState:      StatePendingCreate,
		OrderFills:        make(map[string]TradeUpdate),
		sm:                DefaultStateMachine,
		exchange:          newExchangeIDSignal(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if hasExchangeOrderID(o.ExchangeOrderID) {
		o.exchange.set(o.ExchangeOrderID)
	}
	return o
}

func (o *InFlightOrder) BaseAsset() string {
	base, _, _ := strings.Cut(o.TradingPair, "-")
	return base
}

func (o *InFlightOrder) QuoteAsset() string {
	_, quote, _ := strings.Cut(o.TradingPair, "-")
	return quote
}

func (o *InFlightOrder) IsPendingCreate() bool { return o.CurrentState == StatePendingCreate }
func (o *InFlightOrder) IsOpen() bool          { return o.CurrentState.IsOpen() }
func (o *InFlightOrder) IsDone() bool          { return o.CurrentState.IsDone() }
func (o *InFlightOrder) IsFilled() bool        { return o.CurrentState == StateFilled }
func (o *InFlightOrder) IsCancelled() bool     { return o.CurrentState == StateCanceled }
func (o *InFlightOrder) IsFailure() bool       { return o.CurrentState == StateFailed }

func (o *InFlightOrder) IsPendingCancelConfirmation() bool {
	return o.CurrentState == StatePendingCancel
}

// HasExchangeOrderID 交易所 id 是否已确认。
func (o *InFlightOrder) HasExchangeOrderID() bool {
	return hasExchangeOrderID(o.ExchangeOrderID)
}

// AverageExecutedPrice 成交均价；没有成交时第二个返回值为 false。
func (o *InFlightOrder) AverageExecutedPrice() (decimal.Decimal, bool) {
	if !o.ExecutedAmountBase.IsPositive() {
		return decimal.Zero, false
	}
	return o.ExecutedAmountQuote.Div(o.ExecutedAmountBase), true
}

// ExchangeOrderIDReady 交易所 id 写入后关闭。
func (o *InFlightOrder) ExchangeOrderIDReady() <-chan struct{} {
	return o.exchange.ch
}

// WaitExchangeOrderID 阻塞直到交易所 id 可用或 ctx 结束。
func (o *InFlightOrder) WaitExchangeOrderID(ctx context.Context) (string, error) {
	select {
	case <-o.exchange.ch:
		return o.exchange.id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (o *InFlightOrder) setExchangeOrderID(id string) {
	o.ExchangeOrderID = id
	o.exchange.set(id)
}

func (o *InFlightOrder) isFullyExecuted() bool {
	return o.Amount.IsPositive() && o.ExecutedAmountBase.GreaterThanOrEqual(o.Amount)
}

func (o *InFlightOrder) machine() *StateMachine {
	if o.sm == nil {
		return DefaultStateMachine
	}
	return o.sm
}

func (o *InFlightOrder) touch(ts time.Time) {
	if ts.After(o.LastUpdateTimestamp) {
		o.LastUpdateTimestamp = ts
	}
}

// matches 判断 update 是否属于本订单。
func (o *InFlightOrder) matches(clientOrderID, exchangeOrderID string) bool {
	if clientOrderID != "" {
		return clientOrderID == o.ClientOrderID
	}
	return hasExchangeOrderID(exchangeOrderID) && exchangeOrderID == o.ExchangeOrderID
}

// UpdateWithOrderUpdate 幂等合并状态更新，返回是否有任何变化。
// 状态只能沿转换表前进；成交量已满时以 FILLED 为准。
func (o *InFlightOrder) UpdateWithOrderUpdate(u OrderUpdate) bool {
	if !o.matches(u.ClientOrderID, u.ExchangeOrderID) {
		return false
	}
	changed := false
	if hasExchangeOrderID(u.ExchangeOrderID) && !o.HasExchangeOrderID() {
		o.setExchangeOrderID(u.ExchangeOrderID)
		changed = true
	}

	next := u.NewState
	switch {
	case o.isFullyExecuted() && next.IsOpen():
		next = StateFilled
	case next == StateOpen && o.CurrentState == StatePendingCreate && o.ExecutedAmountBase.IsPositive():
		// 确认前已有成交
		next = StatePartiallyFilled
	}
	if next.Valid() && o.machine().CanTransition(o.CurrentState, next) {
		o.CurrentState = next
		changed = true
	}

	if changed {
		o.touch(u.UpdateTimestamp)
	}
	return changed
}

// UpdateWithTradeUpdate 按 TradeID 去重累加成交，返回是否应用。
func (o *InFlightOrder) UpdateWithTradeUpdate(t TradeUpdate) bool {
	if t.TradeID == "" || t.ClientOrderID != o.ClientOrderID {
		return false
	}
	if _, seen := o.OrderFills[t.TradeID]; seen {
		return false
	}
	if t.FillBaseAmount.IsNegative() || t.FillQuoteAmount.IsNegative() {
		return false
	}
	if o.OrderFills == nil {
		o.OrderFills = make(map[string]TradeUpdate)
	}
	o.OrderFills[t.TradeID] = t

	if hasExchangeOrderID(t.ExchangeOrderID) && !o.HasExchangeOrderID() {
		o.setExchangeOrderID(t.ExchangeOrderID)
	}
	o.ExecutedAmountBase = o.ExecutedAmountBase.Add(t.FillBaseAmount)
	o.ExecutedAmountQuote = o.ExecutedAmountQuote.Add(t.FillQuoteAmount)
	if o.FeeAsset == "" {
		o.FeeAsset = t.Fee.Asset
	}
	o.CumulativeFeePaid = o.CumulativeFeePaid.Add(t.Fee.Amount)
	o.touch(t.FillTimestamp)

	if o.IsOpen() {
		switch {
		case o.isFullyExecuted():
			o.CurrentState = StateFilled
		case o.CurrentState == StateOpen:
			// PENDING_CREATE 保持不变，等下单确认推进状态并触发 created
			if t.FillBaseAmount.IsPositive() {
				o.CurrentState = StatePartiallyFilled
			}
		}
	}
	return true
}

// Clone 返回深拷贝；交易所 id 信号与原订单共享。
func (o *InFlightOrder) Clone() *InFlightOrder {
	if o == nil {
		return nil
	}
	c := *o
	c.OrderFills = make(map[string]TradeUpdate, len(o.OrderFills))
	for k, v := range o.OrderFills {
		c.OrderFills[k] = v
	}
	return &c
}

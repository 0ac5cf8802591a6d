package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"order-tracker-go/connector"
	"order-tracker-go/order"
)

// PaperFeeRate 模拟成交手续费率（计价币）。
var PaperFeeRate = decimal.RequireFromString("0.001")

type paperOrder struct {
	clientID   string
	exchangeID string
	pair       string
	tradeType  order.TradeType
	amount     decimal.Decimal
	price      decimal.Decimal
	state      order.State
	executed   decimal.Decimal
	updated    time.Time
	fills      []order.TradeUpdate
}

// PaperExchange 内存中的模拟交易所，实现 connector.Connector。
// Fill/SetStatus/Forget/FailNext 供测试与模拟运行驱动订单变化。
type PaperExchange struct {
	mu       sync.Mutex
	name     string
	orders   map[string]*paperOrder
	pairs    map[string]string
	seq      int64
	tradeSeq int64
	failNext error
	now      func() time.Time
	stream   chan<- connector.StreamMessage
}

type PaperOption func(*PaperExchange)

func WithPaperName(name string) PaperOption {
	return func(p *PaperExchange) { p.name = name }
}

func WithPaperClock(now func() time.Time) PaperOption {
	return func(p *PaperExchange) {
		if now != nil {
			p.now = now
		}
	}
}

// WithPaperStream 订单变化同时推送到用户流通道（通道满时丢弃，由轮询兜底）。
func WithPaperStream(ch chan<- connector.StreamMessage) PaperOption {
	return func(p *PaperExchange) { p.stream = ch }
}

func NewPaperExchange(opts ...PaperOption) *PaperExchange {
	p := &PaperExchange{
		name:   "paper",
		orders: make(map[string]*paperOrder),
		pairs:  make(map[string]string),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PaperExchange) Name() string { return p.name }

func (p *PaperExchange) ExchangeSymbol(tradingPair string) (string, error) {
	parts := strings.Split(tradingPair, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("%w: %s", connector.ErrUnknownTradingPair, tradingPair)
	}
	symbol := parts[0] + parts[1]
	p.mu.Lock()
	p.pairs[symbol] = tradingPair
	p.mu.Unlock()
	return symbol, nil
}

func (p *PaperExchange) TradingPair(symbol string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pair, ok := p.pairs[symbol]; ok {
		return pair, nil
	}
	return "", fmt.Errorf("%w: %s", connector.ErrUnknownTradingPair, symbol)
}

// FailNext 下一次任意请求返回 err。
func (p *PaperExchange) FailNext(err error) {
	p.mu.Lock()
	p.failNext = err
	p.mu.Unlock()
}

// takeFailure 调用方需持锁。
func (p *PaperExchange) takeFailure(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := p.failNext
	p.failNext = nil
	return err
}

func (p *PaperExchange) PlaceOrder(ctx context.Context, req connector.PlaceOrderRequest) (string, time.Time, error) {
	if _, err := p.ExchangeSymbol(req.TradingPair); err != nil {
		return "", time.Time{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(ctx); err != nil {
		return "", time.Time{}, err
	}
	if _, dup := p.orders[req.ClientOrderID]; dup {
		return "", time.Time{}, fmt.Errorf("duplicate client order id %s", req.ClientOrderID)
	}
	p.seq++
	now := p.now()
	po := &paperOrder{
		clientID:   req.ClientOrderID,
		exchangeID: "P-" + strconv.FormatInt(p.seq, 10),
		pair:       req.TradingPair,
		tradeType:  req.TradeType,
		amount:     req.Amount,
		price:      req.Price,
		state:      order.StateOpen,
		updated:    now,
	}
	p.orders[po.clientID] = po
	return po.exchangeID, now, nil
}

// IsCancelRequestSynchronous 模拟盘撤单立即生效。
func (p *PaperExchange) IsCancelRequestSynchronous() bool { return true }

func (p *PaperExchange) CancelOrder(ctx context.Context, o *order.InFlightOrder) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(ctx); err != nil {
		return false, err
	}
	po, ok := p.orders[o.ClientOrderID]
	if !ok {
		return false, fmt.Errorf("%w: %s", connector.ErrOrderNotFound, o.ClientOrderID)
	}
	if po.state.IsDone() {
		return false, nil
	}
	po.state = order.StateCanceled
	po.updated = p.now()
	p.publishLocked(po, nil)
	return true, nil
}

func (p *PaperExchange) FetchOrderStatus(ctx context.Context, o *order.InFlightOrder) (order.OrderUpdate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(ctx); err != nil {
		return order.OrderUpdate{}, err
	}
	po, ok := p.orders[o.ClientOrderID]
	if !ok {
		return order.OrderUpdate{}, fmt.Errorf("%w: %s", connector.ErrOrderNotFound, o.ClientOrderID)
	}
	return po.update(), nil
}

func (p *PaperExchange) FetchTradeFills(ctx context.Context, o *order.InFlightOrder) ([]order.TradeUpdate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(ctx); err != nil {
		return nil, err
	}
	po, ok := p.orders[o.ClientOrderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", connector.ErrOrderNotFound, o.ClientOrderID)
	}
	out := make([]order.TradeUpdate, len(po.fills))
	copy(out, po.fills)
	return out, nil
}

// Fill 模拟一笔成交，累计满额后订单变为 FILLED。
func (p *PaperExchange) Fill(clientOrderID string, base, price decimal.Decimal) (order.TradeUpdate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[clientOrderID]
	if !ok {
		return order.TradeUpdate{}, fmt.Errorf("%w: %s", connector.ErrOrderNotFound, clientOrderID)
	}
	if po.state.IsDone() {
		return order.TradeUpdate{}, fmt.Errorf("order %s already %s", clientOrderID, po.state)
	}
	if !base.IsPositive() {
		return order.TradeUpdate{}, fmt.Errorf("fill amount must be positive, got %s", base)
	}
	remaining := po.amount.Sub(po.executed)
	if base.GreaterThan(remaining) {
		base = remaining
	}
	p.tradeSeq++
	now := p.now()
	quote := base.Mul(price)
	quoteAsset := po.pair[strings.Index(po.pair, "-")+1:]
	tu := order.TradeUpdate{
		TradeID:         "PT-" + strconv.FormatInt(p.tradeSeq, 10),
		ClientOrderID:   po.clientID,
		ExchangeOrderID: po.exchangeID,
		TradingPair:     po.pair,
		Fee:             order.TradeFee{Asset: quoteAsset, Amount: quote.Mul(PaperFeeRate)},
		FillBaseAmount:  base,
		FillQuoteAmount: quote,
		FillPrice:       price,
		FillTimestamp:   now,
		IsTaker:         false,
	}
	po.fills = append(po.fills, tu)
	po.executed = po.executed.Add(base)
	po.updated = now
	if po.executed.GreaterThanOrEqual(po.amount) {
		po.state = order.StateFilled
	} else {
		po.state = order.StatePartiallyFilled
	}
	p.publishLocked(po, &tu)
	return tu, nil
}

// SetStatus 直接改写交易所侧状态。
func (p *PaperExchange) SetStatus(clientOrderID string, state order.State) error {
	if !state.Valid() {
		return fmt.Errorf("invalid state %q", state)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[clientOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", connector.ErrOrderNotFound, clientOrderID)
	}
	po.state = state
	po.updated = p.now()
	p.publishLocked(po, nil)
	return nil
}

// Forget 模拟交易所丢失订单：之后的查询都返回 not found。
func (p *PaperExchange) Forget(clientOrderID string) {
	p.mu.Lock()
	delete(p.orders, clientOrderID)
	p.mu.Unlock()
}

// OpenOrders 交易所侧仍未结束的订单 id。
func (p *PaperExchange) OpenOrders() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.orders))
	for id, po := range p.orders {
		if !po.state.IsDone() {
			out = append(out, id)
		}
	}
	return out
}

func (p *PaperExchange) publishLocked(po *paperOrder, tu *order.TradeUpdate) {
	if p.stream == nil {
		return
	}
	u := po.update()
	msg := connector.StreamMessage{Order: &u}
	if tu != nil {
		t := *tu
		msg.Trade = &t
	}
	select {
	case p.stream <- msg:
	default:
	}
}

func (po *paperOrder) update() order.OrderUpdate {
	return order.OrderUpdate{
		ClientOrderID:   po.clientID,
		ExchangeOrderID: po.exchangeID,
		TradingPair:     po.pair,
		UpdateTimestamp: po.updated,
		NewState:        po.state,
	}
}

package order

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-tracker-go/events"
)

// DefaultNotFoundThreshold 连续 not-found 超过该次数后订单被判定为 FAILED。
const DefaultNotFoundThreshold = 3

type bucket int

const (
	bucketNone bucket = iota
	bucketActive
	bucketLost
	bucketCached
)

// Tracker 订单状态的唯一权威来源。
//
// 两个互不协调的更新源（WS 推送与 REST 轮询）都通过 ProcessOrderUpdate /
// ProcessTradeUpdate 进入；合并是幂等且单调的，只有真正推进了状态的更新才会触发事件，
// 因此同一转换最多产生一次对外事件。每次调用在一把锁内完成修改与事件投递，
// 调用内部不做任何阻塞 IO。
type Tracker struct {
	mu sync.RWMutex

	active   map[string]*InFlightOrder
	lost     map[string]*InFlightOrder
	cached   *TTLCache[string, *InFlightOrder]
	notFound map[string]int

	notFoundThreshold int
	cacheSize         int
	cacheTTL          time.Duration

	listener events.Listener
	log      *zap.Logger
	now      func() time.Time
}

// TrackerOption 配置 Tracker。
type TrackerOption func(*Tracker)

func WithLogger(l *zap.Logger) TrackerOption {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

func WithListener(l events.Listener) TrackerOption {
	return func(t *Tracker) {
		if l != nil {
			t.listener = l
		}
	}
}

func WithCacheSize(n int) TrackerOption {
	return func(t *Tracker) { t.cacheSize = n }
}

func WithCacheTTL(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.cacheTTL = d }
}

func WithNotFoundThreshold(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.notFoundThreshold = n
		}
	}
}

func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker 创建 Tracker。
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		active:            make(map[string]*InFlightOrder),
		lost:              make(map[string]*InFlightOrder),
		notFound:          make(map[string]int),
		notFoundThreshold: DefaultNotFoundThreshold,
		cacheSize:         DefaultCacheSize,
		cacheTTL:          DefaultCacheTTL,
		listener:          events.Nop{},
		log:               zap.NewNop(),
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.cached = NewTTLCache[string, *InFlightOrder](t.cacheSize, t.cacheTTL, t.now)
	return t
}

// StartTrackingOrder 登记新订单。相同 client id 的活跃订单会被直接覆盖。
func (t *Tracker) StartTrackingOrder(o *InFlightOrder) {
	if o == nil || o.ClientOrderID == "" {
		t.log.Error("cannot track order without client order id")
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.active[o.ClientOrderID]; exists {
		t.log.Warn("tracked order replaced", zap.String("client_order_id", o.ClientOrderID))
	}
	delete(t.lost, o.ClientOrderID)
	delete(t.notFound, o.ClientOrderID)
	t.active[o.ClientOrderID] = o
}

// StopTrackingOrder 把订单从活跃（或丢失）集合移入缓存；未找到时无操作。
func (t *Tracker) StopTrackingOrder(clientOrderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopTrackingLocked(clientOrderID)
}

func (t *Tracker) stopTrackingLocked(clientOrderID string) {
	o, ok := t.active[clientOrderID]
	if ok {
		delete(t.active, clientOrderID)
	} else if o, ok = t.lost[clientOrderID]; ok {
		delete(t.lost, clientOrderID)
	}
	if !ok {
		return
	}
	delete(t.notFound, clientOrderID)
	t.cached.Set(clientOrderID, o)
}

// MarkLost 把活跃且未完成的订单移入丢失集合，返回是否移动。
func (t *Tracker) MarkLost(clientOrderID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.active[clientOrderID]
	if !ok || o.IsDone() {
		return false
	}
	delete(t.active, clientOrderID)
	t.lost[clientOrderID] = o
	t.log.Warn("order marked as lost",
		zap.String("client_order_id", clientOrderID),
		zap.String("exchange_order_id", o.ExchangeOrderID),
		zap.String("state", string(o.CurrentState)))
	return true
}

// FetchTrackedOrder 在活跃与丢失集合中查找，返回快照。
func (t *Tracker) FetchTrackedOrder(clientOrderID string) *InFlightOrder {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if o, ok := t.active[clientOrderID]; ok {
		return o.Clone()
	}
	return t.lost[clientOrderID].Clone()
}

// FetchCachedOrder 在终态缓存中查找，返回快照。
func (t *Tracker) FetchCachedOrder(clientOrderID string) *InFlightOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, _ := t.cached.Get(clientOrderID)
	return o.Clone()
}

// FetchOrder 先按 client id 精确匹配，再按交易所 id 线性扫描；找不到返回 nil。
func (t *Tracker) FetchOrder(clientOrderID, exchangeOrderID string) *InFlightOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, _ := t.lookupLocked(clientOrderID, exchangeOrderID)
	return o.Clone()
}

func (t *Tracker) lookupLocked(clientOrderID, exchangeOrderID string) (*InFlightOrder, bucket) {
	if clientOrderID != "" {
		if o, b := t.lookupByClientIDLocked(clientOrderID); o != nil {
			return o, b
		}
	}
	if !hasExchangeOrderID(exchangeOrderID) {
		return nil, bucketNone
	}
	for _, o := range t.active {
		if o.ExchangeOrderID == exchangeOrderID {
			return o, bucketActive
		}
	}
	for _, o := range t.lost {
		if o.ExchangeOrderID == exchangeOrderID {
			return o, bucketLost
		}
	}
	var found *InFlightOrder
	t.cached.Range(func(_ string, o *InFlightOrder) bool {
		if o.ExchangeOrderID == exchangeOrderID {
			found = o
			return false
		}
		return true
	})
	if found != nil {
		return found, bucketCached
	}
	return nil, bucketNone
}

func (t *Tracker) lookupByClientIDLocked(clientOrderID string) (*InFlightOrder, bucket) {
	if o, ok := t.active[clientOrderID]; ok {
		return o, bucketActive
	}
	if o, ok := t.lost[clientOrderID]; ok {
		return o, bucketLost
	}
	if o, ok := t.cached.Get(clientOrderID); ok {
		return o, bucketCached
	}
	return nil, bucketNone
}

// ProcessOrderUpdate 合并一次状态更新。格式错误或找不到订单时只记日志，不返回错误。
func (t *Tracker) ProcessOrderUpdate(u OrderUpdate) {
	if !u.HasIdentifier() {
		t.log.Error("OrderUpdate does not contain any client_order_id or exchange_order_id",
			zap.Stringer("update", u))
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	o, where := t.lookupLocked(u.ClientOrderID, u.ExchangeOrderID)
	if o == nil {
		t.log.Debug("order is not/no longer being tracked", zap.Stringer("update", u))
		return
	}

	prevState := o.CurrentState
	prevBase := o.ExecutedAmountBase
	if !o.matches(u.ClientOrderID, u.ExchangeOrderID) {
		t.log.Debug("order update does not match tracked order", zap.Stringer("update", u))
		return
	}
	changed := o.UpdateWithOrderUpdate(u)

	if where == bucketActive || where == bucketLost {
		// 交易所还能返回该订单的状态，连续 not-found 计数清零
		delete(t.notFound, o.ClientOrderID)
	}
	if where == bucketLost && prevState == StateFailed {
		// 因 not-found 判定失败的订单：交易所给出终态后静默移出，其余状态忽略
		if u.NewState.IsDone() {
			t.log.Info("failed lost order resolved on exchange",
				zap.String("client_order_id", o.ClientOrderID),
				zap.String("exchange_state", string(u.NewState)))
			t.stopTrackingLocked(o.ClientOrderID)
		}
		return
	}
	if where == bucketLost && !o.IsDone() {
		delete(t.lost, o.ClientOrderID)
		t.active[o.ClientOrderID] = o
		where = bucketActive
		t.log.Info("lost order recovered",
			zap.String("client_order_id", o.ClientOrderID),
			zap.String("state", string(o.CurrentState)))
	}
	if !changed {
		return
	}
	t.afterUpdateLocked(o, where, prevState, prevBase, nil, "")
}

// ProcessTradeUpdate 合并一笔成交，只按 client id 查找订单。
func (t *Tracker) ProcessTradeUpdate(tu TradeUpdate) {
	if tu.ClientOrderID == "" {
		t.log.Error("TradeUpdate does not contain client_order_id", zap.Stringer("trade", tu))
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	o, where := t.lookupByClientIDLocked(tu.ClientOrderID)
	if o == nil {
		t.log.Debug("order is not/no longer being tracked", zap.Stringer("trade", tu))
		return
	}

	prevState := o.CurrentState
	prevBase := o.ExecutedAmountBase
	if !o.UpdateWithTradeUpdate(tu) {
		t.log.Debug("trade update ignored",
			zap.String("client_order_id", tu.ClientOrderID),
			zap.String("trade_id", tu.TradeID))
		return
	}
	t.afterUpdateLocked(o, where, prevState, prevBase, &tu, "")
	if where == bucketLost && prevState == StateFailed && o.isFullyExecuted() {
		t.stopTrackingLocked(o.ClientOrderID)
	}
}

// ProcessOrderNotFound 交易所报告订单不存在。计数超过阈值且订单未完成时强制 FAILED，
// 订单离开活跃集合但留在丢失集合里：迟到的成交仍会被累加，撤单仍会发送。
// 已 FAILED 的丢失订单再次超过阈值时才彻底停止跟踪。
func (t *Tracker) ProcessOrderNotFound(clientOrderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, where := t.active[clientOrderID], bucketActive
	if o == nil {
		o, where = t.lost[clientOrderID], bucketLost
	}
	if o == nil {
		// 不再跟踪的 id 不保留计数
		delete(t.notFound, clientOrderID)
		t.log.Debug("order is not/no longer being tracked",
			zap.String("client_order_id", clientOrderID))
		return
	}

	t.notFound[clientOrderID]++
	count := t.notFound[clientOrderID]
	if count <= t.notFoundThreshold {
		t.log.Info("order not found on exchange",
			zap.String("client_order_id", clientOrderID),
			zap.Int("not_found_count", count),
			zap.Int("threshold", t.notFoundThreshold))
		return
	}
	if o.IsDone() {
		if where == bucketLost {
			t.log.Info("lost order not found on exchange, stop tracking",
				zap.String("client_order_id", clientOrderID),
				zap.String("state", string(o.CurrentState)),
				zap.Int("not_found_count", count))
			t.stopTrackingLocked(clientOrderID)
		}
		return
	}

	prevState := o.CurrentState
	prevBase := o.ExecutedAmountBase
	changed := o.UpdateWithOrderUpdate(OrderUpdate{
		ClientOrderID:   clientOrderID,
		TradingPair:     o.TradingPair,
		UpdateTimestamp: t.now(),
		NewState:        StateFailed,
	})
	if !changed {
		return
	}
	t.log.Warn("order not found too many times, marking as failed",
		zap.String("client_order_id", clientOrderID),
		zap.Int("not_found_count", count))
	t.afterUpdateLocked(o, bucketNone, prevState, prevBase, nil, "order not found on exchange")
	delete(t.active, clientOrderID)
	t.lost[clientOrderID] = o
}

// NotFoundCount 当前连续 not-found 次数。
func (t *Tracker) NotFoundCount(clientOrderID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.notFound[clientOrderID]
}

// afterUpdateLocked 根据一次已生效的合并决定要触发的事件，并在终态时停止跟踪。
func (t *Tracker) afterUpdateLocked(o *InFlightOrder, where bucket, prevState State, prevBase decimal.Decimal, tu *TradeUpdate, reason string) {
	if prevState == StatePendingCreate && o.CurrentState != StatePendingCreate && o.CurrentState != StateFailed {
		t.emitCreated(o)
	}
	if o.ExecutedAmountBase.GreaterThan(prevBase) {
		t.emitFilled(o, prevBase, tu)
	}
	if prevState.IsOpen() && o.IsDone() {
		t.emitTerminal(o, reason)
		if where == bucketActive || where == bucketLost {
			t.stopTrackingLocked(o.ClientOrderID)
		}
	}
}

func (t *Tracker) eventTime(ts time.Time) time.Time {
	if ts.IsZero() {
		return t.now()
	}
	return ts
}

func (t *Tracker) emitCreated(o *InFlightOrder) {
	payload := events.OrderCreated{
		Timestamp:       t.eventTime(o.LastUpdateTimestamp),
		OrderType:       string(o.OrderType),
		TradingPair:     o.TradingPair,
		Amount:          o.Amount,
		Price:           o.Price,
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		CreatedAt:       o.CreationTimestamp,
	}
	t.log.Info("order created",
		zap.String("client_order_id", o.ClientOrderID),
		zap.String("exchange_order_id", o.ExchangeOrderID),
		zap.String("order_type", string(o.OrderType)),
		zap.String("trade_type", string(o.TradeType)),
		zap.String("amount", o.Amount.String()),
		zap.String("trading_pair", o.TradingPair),
		zap.String("price", o.Price.String()))
	if o.TradeType == Sell {
		t.listener.OnEvent(events.SellOrderCreated{OrderCreated: payload})
		return
	}
	t.listener.OnEvent(events.BuyOrderCreated{OrderCreated: payload})
}

func (t *Tracker) emitFilled(o *InFlightOrder, prevBase decimal.Decimal, tu *TradeUpdate) {
	ev := events.OrderFilled{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		TradingPair:     o.TradingPair,
		TradeType:       string(o.TradeType),
		OrderType:       string(o.OrderType),
	}
	if tu != nil {
		ev.Timestamp = t.eventTime(tu.FillTimestamp)
		ev.Price = tu.FillPrice
		ev.Amount = tu.FillBaseAmount
		ev.FeeAsset = tu.Fee.Asset
		ev.FeeAmount = tu.Fee.Amount
		ev.TradeID = tu.TradeID
		ev.IsTaker = tu.IsTaker
	} else {
		ev.Timestamp = t.eventTime(o.LastUpdateTimestamp)
		ev.Amount = o.ExecutedAmountBase.Sub(prevBase)
		ev.Price, _ = o.AverageExecutedPrice()
		ev.FeeAsset = o.FeeAsset
	}
	t.log.Info("order filled",
		zap.String("client_order_id", o.ClientOrderID),
		zap.String("trade_type", string(o.TradeType)),
		zap.String("executed", o.ExecutedAmountBase.String()),
		zap.String("amount", o.Amount.String()),
		zap.String("base_asset", o.BaseAsset()),
		zap.String("trade_id", ev.TradeID))
	t.listener.OnEvent(ev)
}

func (t *Tracker) emitTerminal(o *InFlightOrder, reason string) {
	ts := t.eventTime(o.LastUpdateTimestamp)
	switch o.CurrentState {
	case StateCanceled:
		t.log.Info("order cancelled", zap.String("client_order_id", o.ClientOrderID))
		t.listener.OnEvent(events.OrderCancelled{
			Timestamp:       ts,
			ClientOrderID:   o.ClientOrderID,
			ExchangeOrderID: o.ExchangeOrderID,
		})
	case StateFilled:
		payload := events.OrderCompleted{
			Timestamp:        ts,
			ClientOrderID:    o.ClientOrderID,
			ExchangeOrderID:  o.ExchangeOrderID,
			BaseAsset:        o.BaseAsset(),
			QuoteAsset:       o.QuoteAsset(),
			BaseAssetAmount:  o.ExecutedAmountBase,
			QuoteAssetAmount: o.ExecutedAmountQuote,
			FeeAsset:         o.FeeAsset,
			FeeAmount:        o.CumulativeFeePaid,
			OrderType:        string(o.OrderType),
		}
		t.log.Info("order completely filled",
			zap.String("client_order_id", o.ClientOrderID),
			zap.String("trade_type", string(o.TradeType)))
		if o.TradeType == Sell {
			t.listener.OnEvent(events.SellOrderCompleted{OrderCompleted: payload})
		} else {
			t.listener.OnEvent(events.BuyOrderCompleted{OrderCompleted: payload})
		}
	case StateFailed:
		t.log.Warn("order failed",
			zap.String("client_order_id", o.ClientOrderID),
			zap.String("reason", reason))
		t.listener.OnEvent(events.OrderFailure{
			Timestamp:     ts,
			ClientOrderID: o.ClientOrderID,
			OrderType:     string(o.OrderType),
			Reason:        reason,
		})
	}
}

func cloneMap(src map[string]*InFlightOrder) map[string]*InFlightOrder {
	out := make(map[string]*InFlightOrder, len(src))
	for k, o := range src {
		out[k] = o.Clone()
	}
	return out
}

// ActiveOrders 活跃订单快照。
func (t *Tracker) ActiveOrders() map[string]*InFlightOrder {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return cloneMap(t.active)
}

// LostOrders 丢失订单快照。
func (t *Tracker) LostOrders() map[string]*InFlightOrder {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return cloneMap(t.lost)
}

// CachedOrders 终态缓存快照（已过期的不包含）。
func (t *Tracker) CachedOrders() map[string]*InFlightOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*InFlightOrder)
	t.cached.Range(func(k string, o *InFlightOrder) bool {
		out[k] = o.Clone()
		return true
	})
	return out
}

// AllFillableOrders 可能还会有成交的订单：活跃未完成 + 丢失（含已判定 FAILED 的）。每次调用重新计算。
func (t *Tracker) AllFillableOrders() map[string]*InFlightOrder {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]*InFlightOrder, len(t.active)+len(t.lost))
	for k, o := range t.active {
		if !o.IsDone() {
			out[k] = o.Clone()
		}
	}
	for k, o := range t.lost {
		out[k] = o.Clone()
	}
	return out
}

// AllUpdatableOrders 需要轮询状态的订单：活跃且未完成，不含丢失订单。
func (t *Tracker) AllUpdatableOrders() map[string]*InFlightOrder {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]*InFlightOrder, len(t.active))
	for k, o := range t.active {
		if !o.IsDone() {
			out[k] = o.Clone()
		}
	}
	return out
}

// AllOrders 活跃、丢失与缓存中的全部订单。
func (t *Tracker) AllOrders() map[string]*InFlightOrder {
	out := t.CachedOrders()
	for k, o := range t.LostOrders() {
		out[k] = o
	}
	for k, o := range t.ActiveOrders() {
		out[k] = o
	}
	return out
}

// Counts 各集合大小，供监控使用。
func (t *Tracker) Counts() (active, lost, cached int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active), len(t.lost), t.cached.Len()
}

package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"order-tracker-go/order"
)

const (
	DefaultShortPollInterval = 5 * time.Second
	DefaultLongPollInterval  = 120 * time.Second
	DefaultTickIntervalLimit = 60 * time.Second
	DefaultErrorBackoff      = 500 * time.Millisecond
	DefaultTickEvery         = time.Second
	defaultFetchConcurrency  = 8
)

// 轮询循环名称，用于日志和指标。
const (
	LoopStatus = "status"
	LoopLost   = "lost"
)

// 拉取失败原因。
const (
	FetchErrNotFound  = "not_found"
	FetchErrTransient = "transient"
	FetchErrOther     = "other"
)

// Intervals 轮询节奏。LostOrderPoll 为 0 时跟随 ShortPoll。
type Intervals struct {
	ShortPoll         time.Duration
	LongPoll          time.Duration
	TickIntervalLimit time.Duration
	LostOrderPoll     time.Duration
	ErrorBackoff      time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{
		ShortPoll:         DefaultShortPollInterval,
		LongPoll:          DefaultLongPollInterval,
		TickIntervalLimit: DefaultTickIntervalLimit,
		LostOrderPoll:     DefaultShortPollInterval,
		ErrorBackoff:      DefaultErrorBackoff,
	}
}

func (iv Intervals) withDefaults() Intervals {
	def := DefaultIntervals()
	if iv.ShortPoll <= 0 {
		iv.ShortPoll = def.ShortPoll
	}
	if iv.LongPoll <= 0 {
		iv.LongPoll = def.LongPoll
	}
	if iv.TickIntervalLimit <= 0 {
		iv.TickIntervalLimit = def.TickIntervalLimit
	}
	if iv.LostOrderPoll <= 0 {
		iv.LostOrderPoll = iv.ShortPoll
	}
	if iv.ErrorBackoff <= 0 {
		iv.ErrorBackoff = def.ErrorBackoff
	}
	return iv
}

// StreamMessage 用户数据流推送的一条消息，可能同时携带状态与成交。
type StreamMessage struct {
	Order *order.OrderUpdate
	Trade *order.TradeUpdate
}

// Observer 接收轮询结果，infrastructure/monitor 实现它。
type Observer interface {
	PollCompleted(loop string, orders int, elapsed time.Duration)
	FetchError(loop, reason string)
}

type nopObserver struct{}

func (nopObserver) PollCompleted(string, int, time.Duration) {}
func (nopObserver) FetchError(string, string)                {}

// ReconcilerStats 对账统计信息
type ReconcilerStats struct {
	TotalPolls         int64
	LostOrderPolls     int64
	StatusErrors       int64
	NotFoundReports    int64
	LastPollTime       time.Time
	LastUserStreamRecv time.Time
	Intervals          Intervals
}

// Reconciler 用 REST 轮询兜底用户数据流：
// 数据流长时间沉默时切换到短间隔轮询，并单独跟进丢失订单。
type Reconciler struct {
	conn    Connector
	tracker *order.Tracker
	log     *zap.Logger
	alerts  Notifier
	obs     Observer
	now     func() time.Time

	tickEvery   time.Duration
	concurrency int
	pollNotify  chan struct{}

	mu            sync.RWMutex
	intervals     Intervals
	lastTimestamp time.Time
	lastRecv      time.Time
	stats         ReconcilerStats
	failing       map[string]bool
}

// ReconcilerOption 配置 Reconciler。
type ReconcilerOption func(*Reconciler)

func WithReconcilerLogger(l *zap.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}

func WithReconcilerNotifier(n Notifier) ReconcilerOption {
	return func(r *Reconciler) {
		if n != nil {
			r.alerts = n
		}
	}
}

func WithObserver(o Observer) ReconcilerOption {
	return func(r *Reconciler) {
		if o != nil {
			r.obs = o
		}
	}
}

func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

func WithIntervals(iv Intervals) ReconcilerOption {
	return func(r *Reconciler) { r.intervals = iv.withDefaults() }
}

// WithTickEvery 内部时钟的节拍。
func WithTickEvery(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.tickEvery = d
		}
	}
}

func WithFetchConcurrency(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func NewReconciler(conn Connector, tracker *order.Tracker, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		conn:        conn,
		tracker:     tracker,
		log:         zap.NewNop(),
		alerts:      nopNotifier{},
		obs:         nopObserver{},
		now:         time.Now,
		tickEvery:   DefaultTickEvery,
		concurrency: defaultFetchConcurrency,
		pollNotify:  make(chan struct{}, 1),
		intervals:   DefaultIntervals(),
		failing:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Intervals 当前生效的轮询节奏。
func (r *Reconciler) Intervals() Intervals {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.intervals
}

// UpdateIntervals 热更新轮询节奏，零值字段取默认值。
func (r *Reconciler) UpdateIntervals(iv Intervals) {
	iv = iv.withDefaults()
	r.mu.Lock()
	r.intervals = iv
	r.mu.Unlock()
	r.log.Info("poll intervals updated",
		zap.Duration("short", iv.ShortPoll),
		zap.Duration("long", iv.LongPoll),
		zap.Duration("tick_interval_limit", iv.TickIntervalLimit),
		zap.Duration("lost", iv.LostOrderPoll))
}

// PollInterval 按用户数据流最近一次收到消息的时间选择轮询间隔。
func (r *Reconciler) PollInterval(now time.Time) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pollIntervalLocked(now)
}

func (r *Reconciler) pollIntervalLocked(now time.Time) time.Duration {
	if now.Sub(r.lastRecv) > r.intervals.TickIntervalLimit {
		return r.intervals.ShortPoll
	}
	return r.intervals.LongPoll
}

// Tick 时钟推进。当时间跨过一个轮询间隔的边界时唤醒状态轮询。
func (r *Reconciler) Tick(now time.Time) {
	r.mu.Lock()
	interval := r.pollIntervalLocked(now)
	lastTick := int64(-1)
	if !r.lastTimestamp.IsZero() {
		lastTick = r.lastTimestamp.UnixNano() / int64(interval)
	}
	currentTick := now.UnixNano() / int64(interval)
	r.lastTimestamp = now
	r.mu.Unlock()

	if currentTick > lastTick {
		r.signalPoll()
	}
}

func (r *Reconciler) signalPoll() {
	select {
	case r.pollNotify <- struct{}{}:
	default:
	}
}

// TickLoop 按 tickEvery 驱动 Tick。
func (r *Reconciler) TickLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.tickEvery)
	defer ticker.Stop()
	r.Tick(r.now())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Tick(r.now())
		}
	}
}

// StatusPollingLoop 等待 Tick 的唤醒后执行一次完整轮询。
func (r *Reconciler) StatusPollingLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.pollNotify:
		}
		if err := r.UpdateOnce(ctx); err != nil {
			if err := r.onLoopError(ctx, LoopStatus, err); err != nil {
				return err
			}
			continue
		}
		r.loopSucceeded(LoopStatus)
	}
}

// LostOrdersLoop 每 LostOrderPoll 跟进一次丢失订单。
func (r *Reconciler) LostOrdersLoop(ctx context.Context) error {
	for {
		if err := sleepCtx(ctx, r.Intervals().LostOrderPoll); err != nil {
			return err
		}
		if err := r.UpdateLostOrders(ctx); err != nil {
			if err := r.onLoopError(ctx, LoopLost, err); err != nil {
				return err
			}
			continue
		}
		if err := r.CancelLostOrders(ctx); err != nil {
			if err := r.onLoopError(ctx, LoopLost, err); err != nil {
				return err
			}
			continue
		}
		r.loopSucceeded(LoopLost)
	}
}

// UserStreamLoop 消费用户数据流；通道关闭时返回 nil。
func (r *Reconciler) UserStreamLoop(ctx context.Context, msgs <-chan StreamMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			r.HandleStreamMessage(m)
		}
	}
}

// HandleStreamMessage 记录接收时间并把推送交给 Tracker，成交先于状态处理。
func (r *Reconciler) HandleStreamMessage(m StreamMessage) {
	now := r.now()
	r.mu.Lock()
	r.lastRecv = now
	r.stats.LastUserStreamRecv = now
	r.mu.Unlock()

	if m.Trade != nil {
		r.tracker.ProcessTradeUpdate(*m.Trade)
	}
	if m.Order != nil {
		r.tracker.ProcessOrderUpdate(*m.Order)
	}
}

// Run 同时运行时钟、状态轮询、丢失订单轮询以及（可选的）用户数据流消费。
func (r *Reconciler) Run(ctx context.Context, stream <-chan StreamMessage) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.TickLoop(gctx) })
	g.Go(func() error { return r.StatusPollingLoop(gctx) })
	g.Go(func() error { return r.LostOrdersLoop(gctx) })
	if stream != nil {
		g.Go(func() error { return r.UserStreamLoop(gctx, stream) })
	}
	return g.Wait()
}

func (r *Reconciler) onLoopError(ctx context.Context, loop string, err error) error {
	if IsCancellation(err) || ctx.Err() != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	r.mu.Lock()
	r.failing[loop] = true
	r.mu.Unlock()
	r.log.Warn("unexpected error while fetching account updates",
		zap.String("loop", loop),
		zap.String("exchange", r.conn.Name()),
		zap.Error(err))
	_ = r.alerts.SendWarning(
		fmt.Sprintf("Could not fetch account updates from %s. Check API key and network connection.", r.conn.Name()),
		map[string]interface{}{"connector": r.conn.Name(), "loop": loop})
	return sleepCtx(ctx, r.Intervals().ErrorBackoff)
}

// loopSucceeded 循环在失败之后第一次成功时记录恢复，并让告警出口重新计时。
func (r *Reconciler) loopSucceeded(loop string) {
	r.mu.Lock()
	was := r.failing[loop]
	delete(r.failing, loop)
	r.mu.Unlock()
	if !was {
		return
	}
	r.log.Info("account updates recovered",
		zap.String("loop", loop),
		zap.String("exchange", r.conn.Name()))
	if rn, ok := r.alerts.(recoveryNotifier); ok {
		rn.Recovered(r.conn.Name(), loop)
	}
}

// UpdateOnce 一次完整轮询：先拉成交，再拉状态。
// 单个订单的失败不会中断本轮；非"不存在"类错误汇总后返回。
func (r *Reconciler) UpdateOnce(ctx context.Context) error {
	start := r.now()
	fillable := r.tracker.AllFillableOrders()
	fillErr := r.updateFills(ctx, LoopStatus, fillable)
	if IsCancellation(fillErr) {
		return fillErr
	}
	updatable := r.tracker.AllUpdatableOrders()
	statusErr := r.updateStatuses(ctx, LoopStatus, updatable)
	if IsCancellation(statusErr) {
		return statusErr
	}

	r.mu.Lock()
	r.stats.TotalPolls++
	r.stats.LastPollTime = r.now()
	r.mu.Unlock()
	r.obs.PollCompleted(LoopStatus, len(updatable), r.now().Sub(start))
	return errors.Join(fillErr, statusErr)
}

// UpdateLostOrders 跟进丢失订单：成交照常累加，状态可让订单回到活跃集合或终结，
// "不存在"继续累计直到超过阈值被判定 FAILED。
func (r *Reconciler) UpdateLostOrders(ctx context.Context) error {
	lost := r.tracker.LostOrders()
	if len(lost) == 0 {
		return nil
	}
	start := r.now()
	fillErr := r.updateFills(ctx, LoopLost, lost)
	if IsCancellation(fillErr) {
		return fillErr
	}
	statusErr := r.updateStatuses(ctx, LoopLost, lost)
	if IsCancellation(statusErr) {
		return statusErr
	}

	r.mu.Lock()
	r.stats.LostOrderPolls++
	r.mu.Unlock()
	r.obs.PollCompleted(LoopLost, len(lost), r.now().Sub(start))
	return errors.Join(fillErr, statusErr)
}

// CancelLostOrders 对丢失集合中的订单（包括已判定 FAILED 的）补发撤单。
// 同步撤单成功后 FAILED 订单直接停止跟踪；异步时保留在丢失集合，等待交易所给出终态。
func (r *Reconciler) CancelLostOrders(ctx context.Context) error {
	lost := r.tracker.LostOrders()
	if len(lost) == 0 {
		return nil
	}
	return r.forEach(ctx, lost, func(ctx context.Context, o *order.InFlightOrder) error {
		ok, err := r.conn.CancelOrder(ctx, o)
		switch {
		case err == nil && ok:
			r.tracker.ProcessOrderUpdate(order.OrderUpdate{
				ClientOrderID:   o.ClientOrderID,
				TradingPair:     o.TradingPair,
				UpdateTimestamp: r.now(),
				NewState:        cancelAckState(r.conn),
			})
			return nil
		case err == nil:
			return nil
		case IsCancellation(err):
			return err
		case IsOrderNotFound(err):
			r.tracker.ProcessOrderNotFound(o.ClientOrderID)
			return nil
		default:
			r.obs.FetchError(LoopLost, classify(err))
			r.log.Warn("failed to cancel lost order",
				zap.String("client_order_id", o.ClientOrderID),
				zap.String("state", string(o.CurrentState)),
				zap.Error(err))
			return fmt.Errorf("cancel lost order %s: %w", o.ClientOrderID, err)
		}
	})
}

func (r *Reconciler) updateFills(ctx context.Context, loop string, orders map[string]*order.InFlightOrder) error {
	return r.forEach(ctx, orders, func(ctx context.Context, o *order.InFlightOrder) error {
		fills, err := r.conn.FetchTradeFills(ctx, o)
		if err != nil {
			if IsCancellation(err) {
				return err
			}
			if IsOrderNotFound(err) {
				// 状态轮询负责 not-found 计数
				return nil
			}
			r.obs.FetchError(loop, classify(err))
			r.log.Warn("error fetching trade updates for order",
				zap.String("loop", loop),
				zap.String("client_order_id", o.ClientOrderID),
				zap.Error(err))
			return fmt.Errorf("fetch fills %s: %w", o.ClientOrderID, err)
		}
		for _, f := range fills {
			r.tracker.ProcessTradeUpdate(f)
		}
		return nil
	})
}

func (r *Reconciler) updateStatuses(ctx context.Context, loop string, orders map[string]*order.InFlightOrder) error {
	return r.forEach(ctx, orders, func(ctx context.Context, o *order.InFlightOrder) error {
		u, err := r.conn.FetchOrderStatus(ctx, o)
		if err == nil {
			r.tracker.ProcessOrderUpdate(u)
			return nil
		}
		if IsCancellation(err) {
			return err
		}
		reason := classify(err)
		r.obs.FetchError(loop, reason)
		r.mu.Lock()
		r.stats.StatusErrors++
		if reason == FetchErrNotFound {
			r.stats.NotFoundReports++
		}
		r.mu.Unlock()

		if reason == FetchErrNotFound {
			r.log.Debug("order not found during status update",
				zap.String("loop", loop),
				zap.String("client_order_id", o.ClientOrderID))
			r.tracker.ProcessOrderNotFound(o.ClientOrderID)
			return nil
		}
		r.log.Warn("error fetching status update for the order",
			zap.String("loop", loop),
			zap.String("client_order_id", o.ClientOrderID),
			zap.String("reason", reason),
			zap.Error(err))
		return fmt.Errorf("fetch status %s: %w", o.ClientOrderID, err)
	})
}

// forEach 受并发上限约束地对每个订单执行 fn。只有取消会提前终止，其余错误汇总返回。
func (r *Reconciler) forEach(ctx context.Context, orders map[string]*order.InFlightOrder,
	fn func(context.Context, *order.InFlightOrder) error) error {
	if len(orders) == 0 {
		return nil
	}
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, o := range orders {
		o := o
		g.Go(func() error {
			err := fn(gctx, o)
			if err == nil {
				return nil
			}
			if IsCancellation(err) {
				return err
			}
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Join(errs...)
}

func classify(err error) string {
	switch {
	case IsOrderNotFound(err):
		return FetchErrNotFound
	case IsTimeout(err):
		return FetchErrTransient
	default:
		return FetchErrOther
	}
}

// GetStatistics 获取对账统计信息
func (r *Reconciler) GetStatistics() ReconcilerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.stats
	s.Intervals = r.intervals
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package connector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"order-tracker-go/events"
	"order-tracker-go/order"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type countingObserver struct {
	mu     sync.Mutex
	polls  map[string]int
	errors map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{polls: map[string]int{}, errors: map[string]int{}}
}

func (o *countingObserver) PollCompleted(loop string, _ int, _ time.Duration) {
	o.mu.Lock()
	o.polls[loop]++
	o.mu.Unlock()
}

func (o *countingObserver) FetchError(loop, reason string) {
	o.mu.Lock()
	o.errors[loop+":"+reason]++
	o.mu.Unlock()
}

type reconcilerFixture struct {
	conn    *mockConnector
	tracker *order.Tracker
	rec     *events.Recorder
	r       *Reconciler
	clock   *manualClock
	alerts  *recordingNotifier
	obs     *countingObserver
	logs    *observer.ObservedLogs
}

func newReconcilerFixture(opts ...ReconcilerOption) *reconcilerFixture {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)
	rec := &events.Recorder{}
	tracker := order.NewTracker(order.WithLogger(log), order.WithListener(rec))
	conn := newMockConnector()
	clk := &manualClock{now: base}
	alerts := &recordingNotifier{}
	obs := newCountingObserver()
	all := append([]ReconcilerOption{
		WithReconcilerLogger(log),
		WithReconcilerClock(clk.Now),
		WithReconcilerNotifier(alerts),
		WithObserver(obs),
	}, opts...)
	return &reconcilerFixture{
		conn:    conn,
		tracker: tracker,
		rec:     rec,
		r:       NewReconciler(conn, tracker, all...),
		clock:   clk,
		alerts:  alerts,
		obs:     obs,
		logs:    logs,
	}
}

// openOrder 登记并确认一笔订单。
func (f *reconcilerFixture) openOrder(id string) {
	f.tracker.StartTrackingOrder(order.NewInFlightOrder(id, "BTC-USDT", order.Limit, order.Buy, dec("10"), dec("100"), base))
	f.tracker.ProcessOrderUpdate(order.OrderUpdate{
		ClientOrderID:   id,
		ExchangeOrderID: "EX-" + id,
		NewState:        order.StateOpen,
		UpdateTimestamp: base,
	})
}

func (f *reconcilerFixture) notified() bool {
	select {
	case <-f.r.pollNotify:
		return true
	default:
		return false
	}
}

func fill(id, tradeID, amount string) order.TradeUpdate {
	a := dec(amount)
	return order.TradeUpdate{
		TradeID:         tradeID,
		ClientOrderID:   id,
		ExchangeOrderID: "EX-" + id,
		TradingPair:     "BTC-USDT",
		FillBaseAmount:  a,
		FillQuoteAmount: a.Mul(dec("100")),
		FillPrice:       dec("100"),
		FillTimestamp:   base,
	}
}

func TestReconcilerDefaults(t *testing.T) {
	f := newReconcilerFixture()
	iv := f.r.Intervals()
	assert.Equal(t, 5*time.Second, iv.ShortPoll)
	assert.Equal(t, 120*time.Second, iv.LongPoll)
	assert.Equal(t, 60*time.Second, iv.TickIntervalLimit)
	assert.Equal(t, 5*time.Second, iv.LostOrderPoll)
	assert.Equal(t, 500*time.Millisecond, iv.ErrorBackoff)
}

func TestReconcilerPollIntervalFollowsUserStream(t *testing.T) {
	f := newReconcilerFixture()
	// 从未收到推送：短间隔
	assert.Equal(t, DefaultShortPollInterval, f.r.PollInterval(base))

	f.clock.Set(base)
	f.r.HandleStreamMessage(StreamMessage{})
	assert.Equal(t, DefaultLongPollInterval, f.r.PollInterval(base.Add(30*time.Second)))
	assert.Equal(t, DefaultLongPollInterval, f.r.PollInterval(base.Add(60*time.Second)))
	assert.Equal(t, DefaultShortPollInterval, f.r.PollInterval(base.Add(61*time.Second)))
}

func TestReconcilerTickSignalsOnBucketChange(t *testing.T) {
	f := newReconcilerFixture()

	f.r.Tick(base)
	assert.True(t, f.notified(), "first tick always polls")

	f.r.Tick(base.Add(time.Second))
	assert.False(t, f.notified())

	f.r.Tick(base.Add(5 * time.Second))
	assert.True(t, f.notified())

	// 通知不会堆积
	f.r.Tick(base.Add(10 * time.Second))
	f.r.Tick(base.Add(15 * time.Second))
	assert.True(t, f.notified())
	assert.False(t, f.notified())
}

func TestReconcilerTickLongIntervalWhileStreamAlive(t *testing.T) {
	f := newReconcilerFixture()
	f.r.Tick(base)
	require.True(t, f.notified())

	f.clock.Set(base)
	f.r.HandleStreamMessage(StreamMessage{})
	f.r.Tick(base.Add(5 * time.Second))
	f.r.Tick(base.Add(10 * time.Second))
	assert.False(t, f.notified())

	f.r.Tick(base.Add(120 * time.Second))
	assert.True(t, f.notified())
}

func TestReconcilerUpdateOnceAppliesFillsThenStatus(t *testing.T) {
	f := newReconcilerFixture()
	f.openOrder("A")
	f.conn.addFill(fill("A", "T1", "10"))
	f.conn.setStatus("A", order.StateFilled)

	require.NoError(t, f.r.UpdateOnce(context.Background()))

	assert.Equal(t, []events.Kind{
		events.KindBuyOrderCreated,
		events.KindOrderFilled,
		events.KindBuyOrderCompleted,
	}, kindsOf(f.rec.Events()))
	cached := f.tracker.FetchCachedOrder("A")
	require.NotNil(t, cached)
	assert.True(t, cached.ExecutedAmountBase.Equal(dec("10")))
	assert.Equal(t, int64(1), f.r.GetStatistics().TotalPolls)
	assert.Equal(t, 1, f.obs.polls[LoopStatus])
}

func TestReconcilerNotFoundIncrementsCounter(t *testing.T) {
	f := newReconcilerFixture()
	f.openOrder("A")
	f.conn.setStatusErr("A", ErrOrderNotFound)

	for i := 0; i < order.DefaultNotFoundThreshold; i++ {
		require.NoError(t, f.r.UpdateOnce(context.Background()))
	}
	assert.Equal(t, 3, f.tracker.NotFoundCount("A"))
	assert.NotNil(t, f.tracker.FetchTrackedOrder("A"))

	require.NoError(t, f.r.UpdateOnce(context.Background()))
	assert.Empty(t, f.tracker.AllUpdatableOrders())
	require.Contains(t, f.tracker.LostOrders(), "A")
	assert.True(t, f.tracker.LostOrders()["A"].IsFailure())
	assert.Len(t, f.rec.OfKind(events.KindOrderFailure), 1)
	assert.Equal(t, int64(4), f.r.GetStatistics().NotFoundReports)

	// FAILED 订单不再参与状态轮询
	status, _ := f.conn.calls("A")
	require.NoError(t, f.r.UpdateOnce(context.Background()))
	after, _ := f.conn.calls("A")
	assert.Equal(t, status, after)
}

func TestReconcilerFailedOrderLateFillApplied(t *testing.T) {
	f := newReconcilerFixture()
	f.openOrder("A")
	f.conn.setStatusErr("A", ErrOrderNotFound)
	for i := 0; i <= order.DefaultNotFoundThreshold; i++ {
		require.NoError(t, f.r.UpdateOnce(context.Background()))
	}
	require.Len(t, f.rec.OfKind(events.KindOrderFailure), 1)

	// 交易所其实还挂着这笔单，之后查到了成交
	f.conn.setStatusErr("A", nil)
	f.conn.setStatus("A", order.StatePartiallyFilled)
	f.conn.addFill(fill("A", "T1", "4"))

	require.NoError(t, f.r.UpdateOnce(context.Background()))
	require.Len(t, f.rec.OfKind(events.KindOrderFilled), 1)

	require.NoError(t, f.r.UpdateLostOrders(context.Background()))
	assert.Len(t, f.rec.OfKind(events.KindOrderFilled), 1)
	o := f.tracker.LostOrders()["A"]
	require.NotNil(t, o)
	assert.True(t, o.ExecutedAmountBase.Equal(dec("4")))
	assert.True(t, o.IsFailure())

	// 撤掉剩余部分后停止跟踪，不发 OrderCancelled
	require.NoError(t, f.r.CancelLostOrders(context.Background()))
	assert.Equal(t, 1, f.conn.cancelCount("A"))
	assert.Empty(t, f.tracker.LostOrders())
	assert.Empty(t, f.rec.OfKind(events.KindOrderCancelled))
	assert.Empty(t, f.rec.OfKind(events.KindBuyOrderCompleted))
}

func TestReconcilerCancelLostOrdersAsynchronous(t *testing.T) {
	f := newReconcilerFixture()
	f.conn.asyncCancel = true
	f.openOrder("A")
	for i := 0; i <= order.DefaultNotFoundThreshold; i++ {
		f.tracker.ProcessOrderNotFound("A")
	}

	require.NoError(t, f.r.CancelLostOrders(context.Background()))
	assert.Equal(t, 1, f.conn.cancelCount("A"))
	require.Contains(t, f.tracker.LostOrders(), "A")
	assert.True(t, f.tracker.LostOrders()["A"].IsFailure())

	// 交易所随后确认撤单
	f.conn.setStatus("A", order.StateCanceled)
	require.NoError(t, f.r.UpdateLostOrders(context.Background()))
	assert.Empty(t, f.tracker.LostOrders())
	assert.Empty(t, f.rec.OfKind(events.KindOrderCancelled))
}

func TestReconcilerCancelLostOrdersFailure(t *testing.T) {
	f := newReconcilerFixture()
	f.openOrder("A")
	for i := 0; i <= order.DefaultNotFoundThreshold; i++ {
		f.tracker.ProcessOrderNotFound("A")
	}
	f.conn.cancelErr = errors.New("rate limited")

	err := f.r.CancelLostOrders(context.Background())
	require.Error(t, err)
	assert.Contains(t, f.tracker.LostOrders(), "A")
	assert.Empty(t, f.rec.OfKind(events.KindOrderCancelled))
	assert.Equal(t, 1, f.logs.FilterMessage("failed to cancel lost order").Len())

	// 交易所确认订单不存在：超过上限后停止跟踪
	f.conn.cancelErr = ErrOrderNotFound
	require.NoError(t, f.r.CancelLostOrders(context.Background()))
	assert.Empty(t, f.tracker.LostOrders())
	assert.NoError(t, f.r.CancelLostOrders(context.Background()))
}

func TestReconcilerTransientErrorDoesNotCount(t *testing.T) {
	f := newReconcilerFixture()
	f.openOrder("A")
	f.conn.setStatusErr("A", ErrTimeout)

	err := f.r.UpdateOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, f.tracker.NotFoundCount("A"))
	assert.NotNil(t, f.tracker.FetchTrackedOrder("A"))
	assert.Equal(t, 1, f.obs.errors[LoopStatus+":"+FetchErrTransient])
	assert.Equal(t, 1, f.logs.FilterMessage("error fetching status update for the order").Len())
}

func TestReconcilerOtherErrorDoesNotCount(t *testing.T) {
	f := newReconcilerFixture()
	f.openOrder("A")
	f.openOrder("B")
	f.conn.setStatusErr("A", errors.New("invalid api key"))
	f.conn.setStatus("B", order.StateCanceled)

	err := f.r.UpdateOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, f.tracker.NotFoundCount("A"))
	// 其他订单不受影响
	assert.Len(t, f.rec.OfKind(events.KindOrderCancelled), 1)
}

func TestReconcilerCancellationPropagates(t *testing.T) {
	f := newReconcilerFixture()
	f.openOrder("A")
	f.conn.setStatusErr("A", context.Canceled)

	err := f.r.UpdateOnce(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.tracker.NotFoundCount("A"))
}

func TestReconcilerStatusLoopRecoversAndStops(t *testing.T) {
	f := newReconcilerFixture(WithIntervals(Intervals{ErrorBackoff: time.Millisecond}))
	f.openOrder("A")
	f.conn.setStatusErr("A", errors.New("boom"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.r.StatusPollingLoop(ctx) }()

	f.r.signalPoll()
	require.Eventually(t, func() bool { return f.alerts.count() >= 1 }, 2*time.Second, 5*time.Millisecond)

	// 错误之后循环仍在运行
	f.conn.setStatusErr("A", nil)
	f.conn.setStatus("A", order.StateCanceled)
	f.r.signalPoll()
	require.Eventually(t, func() bool { return len(f.rec.OfKind(events.KindOrderCancelled)) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(f.alerts.recoveries()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"mock/" + LoopStatus}, f.alerts.recoveries())
	assert.Equal(t, 1, f.logs.FilterMessage("account updates recovered").Len())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestReconcilerLostOrderPromoted(t *testing.T) {
	f := newReconcilerFixture()
	f.openOrder("A")
	require.True(t, f.tracker.MarkLost("A"))

	// 普通轮询不查询丢失订单的状态
	require.NoError(t, f.r.UpdateOnce(context.Background()))
	status, _ := f.conn.calls("A")
	assert.Equal(t, 0, status)

	require.NoError(t, f.r.UpdateLostOrders(context.Background()))
	assert.Empty(t, f.tracker.LostOrders())
	assert.Contains(t, f.tracker.ActiveOrders(), "A")
	assert.Equal(t, int64(1), f.r.GetStatistics().LostOrderPolls)
}

func TestReconcilerLostOrderFailsPastThreshold(t *testing.T) {
	f := newReconcilerFixture()
	f.openOrder("A")
	require.True(t, f.tracker.MarkLost("A"))
	f.conn.setStatusErr("A", ErrOrderNotFound)

	for i := 0; i <= order.DefaultNotFoundThreshold; i++ {
		require.NoError(t, f.r.UpdateLostOrders(context.Background()))
	}
	require.Contains(t, f.tracker.LostOrders(), "A")
	assert.True(t, f.tracker.LostOrders()["A"].IsFailure())
	assert.Len(t, f.rec.OfKind(events.KindOrderFailure), 1)

	// 已判定 FAILED 后再次 not-found：停止跟踪
	require.NoError(t, f.r.UpdateLostOrders(context.Background()))
	assert.Empty(t, f.tracker.LostOrders())
	failed := f.tracker.FetchCachedOrder("A")
	require.NotNil(t, failed)
	assert.True(t, failed.IsFailure())

	// 丢失集合为空时什么也不做
	require.NoError(t, f.r.UpdateLostOrders(context.Background()))
	assert.Equal(t, int64(5), f.r.GetStatistics().LostOrderPolls)
}

func TestReconcilerLostOrderFilled(t *testing.T) {
	f := newReconcilerFixture()
	f.openOrder("A")
	require.True(t, f.tracker.MarkLost("A"))
	f.conn.addFill(fill("A", "T1", "10"))
	f.conn.setStatus("A", order.StateFilled)

	require.NoError(t, f.r.UpdateLostOrders(context.Background()))
	assert.Len(t, f.rec.OfKind(events.KindBuyOrderCompleted), 1)
	assert.Empty(t, f.tracker.LostOrders())
}

func TestReconcilerUserStreamLoop(t *testing.T) {
	f := newReconcilerFixture()
	f.openOrder("A")
	f.clock.Set(base.Add(time.Hour))

	msgs := make(chan StreamMessage, 2)
	tu := fill("A", "T1", "4")
	msgs <- StreamMessage{Trade: &tu}
	u := order.OrderUpdate{ClientOrderID: "A", NewState: order.StateCanceled}
	msgs <- StreamMessage{Order: &u}
	close(msgs)

	require.NoError(t, f.r.UserStreamLoop(context.Background(), msgs))
	assert.Equal(t, []events.Kind{
		events.KindBuyOrderCreated,
		events.KindOrderFilled,
		events.KindOrderCancelled,
	}, kindsOf(f.rec.Events()))
	assert.Equal(t, base.Add(time.Hour), f.r.GetStatistics().LastUserStreamRecv)
}

func TestReconcilerWebsocketAndPollAgree(t *testing.T) {
	f := newReconcilerFixture()
	f.openOrder("A")

	// WS 先送达成交和完成，轮询随后返回同样的结果
	tu := fill("A", "T1", "10")
	u := order.OrderUpdate{ClientOrderID: "A", NewState: order.StateFilled}
	f.r.HandleStreamMessage(StreamMessage{Trade: &tu, Order: &u})
	f.conn.addFill(tu)
	f.conn.setStatus("A", order.StateFilled)
	require.NoError(t, f.r.UpdateOnce(context.Background()))

	assert.Len(t, f.rec.OfKind(events.KindBuyOrderCompleted), 1)
	assert.Len(t, f.rec.OfKind(events.KindOrderFilled), 1)
}

func TestReconcilerUpdateIntervals(t *testing.T) {
	f := newReconcilerFixture()
	f.r.UpdateIntervals(Intervals{ShortPoll: time.Second, LongPoll: time.Minute})
	iv := f.r.Intervals()
	assert.Equal(t, time.Second, iv.ShortPoll)
	assert.Equal(t, time.Second, iv.LostOrderPoll)
	assert.Equal(t, time.Minute, iv.LongPoll)
	assert.Equal(t, DefaultTickIntervalLimit, iv.TickIntervalLimit)
	assert.Equal(t, iv, f.r.GetStatistics().Intervals)
}

func TestReconcilerRunStopsOnCancel(t *testing.T) {
	f := newReconcilerFixture(
		WithTickEvery(5*time.Millisecond),
		WithIntervals(Intervals{ShortPoll: 10 * time.Millisecond, LostOrderPoll: 10 * time.Millisecond}),
	)
	f.openOrder("A")
	f.conn.setStatus("A", order.StateCanceled)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.r.Run(ctx, make(chan StreamMessage)) }()

	require.Eventually(t, func() bool { return len(f.rec.OfKind(events.KindOrderCancelled)) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestReconcilerLostOrdersLoopCancelsFailedOrders(t *testing.T) {
	f := newReconcilerFixture(WithIntervals(Intervals{LostOrderPoll: 5 * time.Millisecond}))
	f.openOrder("A")
	for i := 0; i <= order.DefaultNotFoundThreshold; i++ {
		f.tracker.ProcessOrderNotFound("A")
	}
	// 交易所仍报告挂单中，只有撤单能让订单离开丢失集合
	f.conn.setStatus("A", order.StateOpen)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.r.LostOrdersLoop(ctx) }()

	require.Eventually(t, func() bool { return len(f.tracker.LostOrders()) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, f.conn.cancelCount("A"), 1)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

package connector

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"order-tracker-go/events"
	"order-tracker-go/order"
)

type exchangeFixture struct {
	conn    *mockConnector
	tracker *order.Tracker
	ex      *Exchange
	rec     *events.Recorder
	alerts  *recordingNotifier
	logs    *observer.ObservedLogs
}

func newExchangeFixture() *exchangeFixture {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)
	rec := &events.Recorder{}
	tracker := order.NewTracker(order.WithLogger(log), order.WithListener(rec))
	conn := newMockConnector()
	alerts := &recordingNotifier{}
	seq := 0
	ex := NewExchange(conn, tracker,
		WithExchangeLogger(log),
		WithNotifier(alerts),
		WithIDGenerator(func() string {
			seq++
			return strings.Repeat("0", 3) + string(rune('0'+seq))
		}),
	)
	return &exchangeFixture{conn: conn, tracker: tracker, ex: ex, rec: rec, alerts: alerts, logs: logs}
}

func kindsOf(evs []events.Event) []events.Kind {
	out := make([]events.Kind, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Kind())
	}
	return out
}

func TestExchangeBuyPlacesAndOpens(t *testing.T) {
	f := newExchangeFixture()
	id, err := f.ex.Buy(context.Background(), "BTC-USDT", dec("1"), order.Limit, dec("100"))
	require.NoError(t, err)
	assert.Equal(t, "B-0001", id)

	require.Len(t, f.conn.placed, 1)
	assert.Equal(t, order.Buy, f.conn.placed[0].TradeType)

	o := f.tracker.FetchTrackedOrder(id)
	require.NotNil(t, o)
	assert.Equal(t, order.StateOpen, o.CurrentState)
	assert.Equal(t, "EX-"+id, o.ExchangeOrderID)
	assert.Equal(t, []events.Kind{events.KindBuyOrderCreated}, kindsOf(f.rec.Events()))
}

func TestExchangeSellPrefix(t *testing.T) {
	f := newExchangeFixture()
	id, err := f.ex.Sell(context.Background(), "BTC-USDT", dec("1"), order.Market, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "S-"))
	assert.Equal(t, []events.Kind{events.KindSellOrderCreated}, kindsOf(f.rec.Events()))
}

func TestExchangePlaceFailureBecomesFailureEvent(t *testing.T) {
	f := newExchangeFixture()
	f.conn.placeErr = errors.New("insufficient balance")

	id, err := f.ex.Buy(context.Background(), "BTC-USDT", dec("1"), order.Limit, dec("100"))
	require.NoError(t, err)

	assert.Equal(t, []events.Kind{events.KindOrderFailure}, kindsOf(f.rec.Events()))
	assert.Nil(t, f.tracker.FetchTrackedOrder(id))
	require.NotNil(t, f.tracker.FetchCachedOrder(id))
	assert.Equal(t, 1, f.alerts.count())
	assert.Equal(t, 1, f.logs.FilterMessage("error submitting order").Len())
}

func TestExchangePlaceCancelledPropagates(t *testing.T) {
	f := newExchangeFixture()
	f.conn.placeErr = context.Canceled

	_, err := f.ex.Buy(context.Background(), "BTC-USDT", dec("1"), order.Limit, dec("100"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.rec.Len())
}

func TestExchangeAmountBelowMinimum(t *testing.T) {
	f := newExchangeFixture()
	f.ex.SetTradingRules([]TradingRule{{
		TradingPair:            "BTC-USDT",
		MinOrderSize:           dec("0.01"),
		MinBaseAmountIncrement: dec("0.001"),
		MinPriceIncrement:      dec("0.01"),
	}})

	id, err := f.ex.Buy(context.Background(), "BTC-USDT", dec("0.005"), order.Limit, dec("100"))
	require.NoError(t, err)
	assert.Empty(t, f.conn.placed)
	assert.Equal(t, []events.Kind{events.KindOrderFailure}, kindsOf(f.rec.Events()))
	assert.NotNil(t, f.tracker.FetchCachedOrder(id))
}

func TestExchangeQuantizesLimitOrders(t *testing.T) {
	f := newExchangeFixture()
	f.ex.SetTradingRules([]TradingRule{{
		TradingPair:            "BTC-USDT",
		MinBaseAmountIncrement: dec("0.001"),
		MinPriceIncrement:      dec("0.01"),
	}})
	_, err := f.ex.Buy(context.Background(), "BTC-USDT", dec("0.12345"), order.Limit, dec("100.129"))
	require.NoError(t, err)
	require.Len(t, f.conn.placed, 1)
	assert.True(t, f.conn.placed[0].Amount.Equal(dec("0.123")))
	assert.True(t, f.conn.placed[0].Price.Equal(dec("100.12")))
}

func TestExchangeCancelSuccess(t *testing.T) {
	f := newExchangeFixture()
	id, _ := f.ex.Buy(context.Background(), "BTC-USDT", dec("1"), order.Limit, dec("100"))

	ok, err := f.ex.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, f.rec.OfKind(events.KindOrderCancelled), 1)
	assert.Nil(t, f.tracker.FetchTrackedOrder(id))

	ok, err = f.ex.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExchangeCancelAsynchronousLeavesPendingCancel(t *testing.T) {
	f := newExchangeFixture()
	f.conn.asyncCancel = true
	id, _ := f.ex.Buy(context.Background(), "BTC-USDT", dec("1"), order.Limit, dec("100"))

	ok, err := f.ex.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, f.rec.OfKind(events.KindOrderCancelled))
	o := f.tracker.FetchTrackedOrder(id)
	require.NotNil(t, o)
	assert.Equal(t, order.StatePendingCancel, o.CurrentState)

	// 交易所随后确认
	f.tracker.ProcessOrderUpdate(order.OrderUpdate{ClientOrderID: id, NewState: order.StateCanceled})
	assert.Len(t, f.rec.OfKind(events.KindOrderCancelled), 1)
	assert.Nil(t, f.tracker.FetchTrackedOrder(id))
}

func TestCancelAckStateDefaultsToPending(t *testing.T) {
	var plain struct{ Connector }
	assert.False(t, IsCancelSynchronous(plain))
	assert.Equal(t, order.StatePendingCancel, cancelAckState(plain))

	m := newMockConnector()
	assert.True(t, IsCancelSynchronous(m))
	assert.Equal(t, order.StateCanceled, cancelAckState(m))
}

func TestExchangeCancelAllIncludesFailedLostOrder(t *testing.T) {
	f := newExchangeFixture()
	id, _ := f.ex.Buy(context.Background(), "BTC-USDT", dec("1"), order.Limit, dec("100"))
	for i := 0; i <= order.DefaultNotFoundThreshold; i++ {
		f.tracker.ProcessOrderNotFound(id)
	}
	require.Contains(t, f.tracker.LostOrders(), id)

	results := f.ex.CancelAll(context.Background(), time.Second)
	assert.Equal(t, []CancellationResult{{ClientOrderID: id, Success: true}}, results)
	assert.Equal(t, 1, f.conn.cancelCount(id))
	assert.Empty(t, f.tracker.LostOrders())
	assert.Empty(t, f.rec.OfKind(events.KindOrderCancelled))
}

func TestExchangeCancelTimeoutMarksLost(t *testing.T) {
	f := newExchangeFixture()
	id, _ := f.ex.Buy(context.Background(), "BTC-USDT", dec("1"), order.Limit, dec("100"))
	f.conn.cancelErr = ErrTimeout

	ok, err := f.ex.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, f.tracker.NotFoundCount(id))
	assert.Contains(t, f.tracker.LostOrders(), id)
}

func TestExchangeCancelOtherErrorReturned(t *testing.T) {
	f := newExchangeFixture()
	id, _ := f.ex.Buy(context.Background(), "BTC-USDT", dec("1"), order.Limit, dec("100"))
	f.conn.cancelErr = errors.New("invalid signature")

	ok, err := f.ex.Cancel(context.Background(), id)
	assert.False(t, ok)
	require.Error(t, err)
	assert.Equal(t, 0, f.tracker.NotFoundCount(id))
	assert.Contains(t, f.tracker.ActiveOrders(), id)
}

func TestExchangeCancelAll(t *testing.T) {
	f := newExchangeFixture()
	a, _ := f.ex.Buy(context.Background(), "BTC-USDT", dec("1"), order.Limit, dec("100"))
	b, _ := f.ex.Sell(context.Background(), "BTC-USDT", dec("1"), order.Limit, dec("110"))

	results := f.ex.CancelAll(context.Background(), time.Second)
	require.Len(t, results, 2)
	got := map[string]bool{}
	for _, r := range results {
		got[r.ClientOrderID] = r.Success
	}
	assert.Equal(t, map[string]bool{a: true, b: true}, got)
	assert.Empty(t, f.tracker.ActiveOrders())
}

func TestExchangeCancelAllFailure(t *testing.T) {
	f := newExchangeFixture()
	a, _ := f.ex.Buy(context.Background(), "BTC-USDT", dec("1"), order.Limit, dec("100"))
	f.conn.cancelOK = false

	results := f.ex.CancelAll(context.Background(), time.Second)
	assert.Equal(t, []CancellationResult{{ClientOrderID: a, Success: false}}, results)
}

func TestExchangeTrackingStatesRoundTrip(t *testing.T) {
	f := newExchangeFixture()
	id, _ := f.ex.Buy(context.Background(), "BTC-USDT", dec("1"), order.Limit, dec("100"))
	states := f.ex.TrackingStates()
	require.Contains(t, states, id)

	g := newExchangeFixture()
	assert.Equal(t, 1, g.ex.RestoreTrackingStates(states))
	restored := g.tracker.FetchTrackedOrder(id)
	require.NotNil(t, restored)
	assert.Equal(t, order.StateOpen, restored.CurrentState)
	assert.Equal(t, 0, g.rec.Len())
}

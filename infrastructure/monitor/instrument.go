package monitor

import (
	"context"
	"time"

	"order-tracker-go/connector"
	"order-tracker-go/order"
)

// InstrumentedConnector 为每次交易所调用记录次数、错误与耗时。
// 取消不计为错误。
type InstrumentedConnector struct {
	connector.Connector
	m *Monitor
}

func Instrument(c connector.Connector, m *Monitor) *InstrumentedConnector {
	return &InstrumentedConnector{Connector: c, m: m}
}

func (c *InstrumentedConnector) observe(action string, start time.Time, err error) {
	c.m.RecordRESTRequest(action)
	c.m.RecordRESTLatency(action, time.Since(start).Seconds())
	if err != nil && !connector.IsCancellation(err) {
		c.m.RecordRESTError(action)
	}
}

func (c *InstrumentedConnector) PlaceOrder(ctx context.Context, req connector.PlaceOrderRequest) (string, time.Time, error) {
	start := time.Now()
	id, ts, err := c.Connector.PlaceOrder(ctx, req)
	c.observe("place_order", start, err)
	return id, ts, err
}

func (c *InstrumentedConnector) CancelOrder(ctx context.Context, o *order.InFlightOrder) (bool, error) {
	start := time.Now()
	ok, err := c.Connector.CancelOrder(ctx, o)
	c.observe("cancel_order", start, err)
	return ok, err
}

// IsCancelRequestSynchronous 透传被包装连接器的撤单语义。
func (c *InstrumentedConnector) IsCancelRequestSynchronous() bool {
	return connector.IsCancelSynchronous(c.Connector)
}

func (c *InstrumentedConnector) FetchOrderStatus(ctx context.Context, o *order.InFlightOrder) (order.OrderUpdate, error) {
	start := time.Now()
	u, err := c.Connector.FetchOrderStatus(ctx, o)
	c.observe("order_status", start, err)
	return u, err
}

func (c *InstrumentedConnector) FetchTradeFills(ctx context.Context, o *order.InFlightOrder) ([]order.TradeUpdate, error) {
	start := time.Now()
	fills, err := c.Connector.FetchTradeFills(ctx, o)
	c.observe("trade_fills", start, err)
	return fills, err
}

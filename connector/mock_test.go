package connector

import (
	"context"
	"strings"
	"sync"
	"time"

	"order-tracker-go/order"
)

// mockConnector 模拟交易所网关
type mockConnector struct {
	mu sync.Mutex

	placeErr  error
	placed    []PlaceOrderRequest
	cancelOK  bool
	cancelErr error
	canceled  []string
	// 默认同步撤单
	asyncCancel bool

	statuses    map[string]order.OrderUpdate
	statusErrs  map[string]error
	fills       map[string][]order.TradeUpdate
	fillErrs    map[string]error
	statusCalls map[string]int
	fillCalls   map[string]int
}

func newMockConnector() *mockConnector {
	return &mockConnector{
		cancelOK:    true,
		statuses:    make(map[string]order.OrderUpdate),
		statusErrs:  make(map[string]error),
		fills:       make(map[string][]order.TradeUpdate),
		fillErrs:    make(map[string]error),
		statusCalls: make(map[string]int),
		fillCalls:   make(map[string]int),
	}
}

func (m *mockConnector) Name() string { return "mock" }

func (m *mockConnector) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (string, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placed = append(m.placed, req)
	if m.placeErr != nil {
		return "", time.Time{}, m.placeErr
	}
	return "EX-" + req.ClientOrderID, time.Time{}, nil
}

func (m *mockConnector) CancelOrder(ctx context.Context, o *order.InFlightOrder) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canceled = append(m.canceled, o.ClientOrderID)
	if m.cancelErr != nil {
		return false, m.cancelErr
	}
	return m.cancelOK, nil
}

func (m *mockConnector) IsCancelRequestSynchronous() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.asyncCancel
}

func (m *mockConnector) cancelCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.canceled {
		if c == id {
			n++
		}
	}
	return n
}

func (m *mockConnector) FetchOrderStatus(ctx context.Context, o *order.InFlightOrder) (order.OrderUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCalls[o.ClientOrderID]++
	if err := m.statusErrs[o.ClientOrderID]; err != nil {
		return order.OrderUpdate{}, err
	}
	if u, ok := m.statuses[o.ClientOrderID]; ok {
		return u, nil
	}
	return order.OrderUpdate{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		TradingPair:     o.TradingPair,
		NewState:        o.CurrentState,
	}, nil
}

func (m *mockConnector) FetchTradeFills(ctx context.Context, o *order.InFlightOrder) ([]order.TradeUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillCalls[o.ClientOrderID]++
	if err := m.fillErrs[o.ClientOrderID]; err != nil {
		return nil, err
	}
	return m.fills[o.ClientOrderID], nil
}

func (m *mockConnector) ExchangeSymbol(pair string) (string, error) {
	return strings.ReplaceAll(pair, "-", ""), nil
}

func (m *mockConnector) TradingPair(symbol string) (string, error) {
	return symbol, nil
}

func (m *mockConnector) setStatus(id string, s order.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[id] = order.OrderUpdate{ClientOrderID: id, NewState: s}
}

func (m *mockConnector) setStatusErr(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusErrs[id] = err
}

func (m *mockConnector) addFill(t order.TradeUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fills[t.ClientOrderID] = append(m.fills[t.ClientOrderID], t)
}

func (m *mockConnector) calls(id string) (status, fills int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusCalls[id], m.fillCalls[id]
}

// recordingNotifier 记录告警。
type recordingNotifier struct {
	mu        sync.Mutex
	messages  []string
	recovered []string
}

func (n *recordingNotifier) Recovered(connector, loop string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recovered = append(n.recovered, connector+"/"+loop)
}

func (n *recordingNotifier) recoveries() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.recovered...)
}

func (n *recordingNotifier) SendWarning(message string, _ map[string]interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

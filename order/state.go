package order

// State represents order lifecycle.
type State string

const (
	StatePendingCreate   State = "PENDING_CREATE"
	StateOpen            State = "OPEN"
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	StatePendingCancel   State = "PENDING_CANCEL"
	StateCanceled        State = "CANCELED"
	StateFilled          State = "FILLED"
	StateFailed          State = "FAILED"
)

// IsDone 终态：FILLED / CANCELED / FAILED。
func (s State) IsDone() bool {
	switch s {
	case StateFilled, StateCanceled, StateFailed:
		return true
	default:
		return false
	}
}

// IsOpen 非终态。
func (s State) IsOpen() bool {
	switch s {
	case StatePendingCreate, StateOpen, StatePartiallyFilled, StatePendingCancel:
		return true
	default:
		return false
	}
}

func (s State) Valid() bool {
	return s.IsDone() || s.IsOpen()
}

// TradeType 买卖方向。
type TradeType string

const (
	Buy  TradeType = "BUY"
	Sell TradeType = "SELL"
)

// OrderType 订单类型。
type OrderType string

const (
	Limit      OrderType = "LIMIT"
	Market     OrderType = "MARKET"
	LimitMaker OrderType = "LIMIT_MAKER"
)

// IsLimitType LIMIT 与 LIMIT_MAKER 都需要价格。
func (t OrderType) IsLimitType() bool {
	return t == Limit || t == LimitMaker
}

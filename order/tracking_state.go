package order

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TrackingState 可持久化的订单快照，用于重启后恢复跟踪。
type TrackingState struct {
	ClientOrderID       string                 `json:"client_order_id"`
	ExchangeOrderID     string                 `json:"exchange_order_id,omitempty"`
	TradingPair         string                 `json:"trading_pair"`
	OrderType           OrderType              `json:"order_type"`
	TradeType           TradeType              `json:"trade_type"`
	Price               decimal.Decimal        `json:"price"`
	Amount              decimal.Decimal        `json:"amount"`
	ExecutedAmountBase  decimal.Decimal        `json:"executed_amount_base"`
	ExecutedAmountQuote decimal.Decimal        `json:"executed_amount_quote"`
	FeeAsset            string                 `json:"fee_asset,omitempty"`
	FeePaid             decimal.Decimal        `json:"fee_paid"`
	LastState           State                  `json:"last_state"`
	CreationTimestamp   time.Time              `json:"creation_timestamp"`
	LastUpdateTimestamp time.Time              `json:"last_update_timestamp"`
	OrderFills          map[string]TradeUpdate `json:"order_fills,omitempty"`
}

// ToTrackingState 导出订单快照。
func (o *InFlightOrder) ToTrackingState() TrackingState {
	fills := make(map[string]TradeUpdate, len(o.OrderFills))
	for k, v := range o.OrderFills {
		fills[k] = v
	}
	return TrackingState{
		ClientOrderID:       o.ClientOrderID,
		ExchangeOrderID:     o.ExchangeOrderID,
		TradingPair:         o.TradingPair,
		OrderType:           o.OrderType,
		TradeType:           o.TradeType,
		Price:               o.Price,
		Amount:              o.Amount,
		ExecutedAmountBase:  o.ExecutedAmountBase,
		ExecutedAmountQuote: o.ExecutedAmountQuote,
		FeeAsset:            o.FeeAsset,
		FeePaid:             o.CumulativeFeePaid,
		LastState:           o.CurrentState,
		CreationTimestamp:   o.CreationTimestamp,
		LastUpdateTimestamp: o.LastUpdateTimestamp,
		OrderFills:          fills,
	}
}

// FromTrackingState 由快照重建订单。
func FromTrackingState(s TrackingState) (*InFlightOrder, error) {
	if s.ClientOrderID == "" {
		return nil, fmt.Errorf("tracking state: empty client_order_id")
	}
	if !s.LastState.Valid() {
		return nil, fmt.Errorf("tracking state %s: invalid state %q", s.ClientOrderID, s.LastState)
	}
	o := NewInFlightOrder(s.ClientOrderID, s.TradingPair, s.OrderType, s.TradeType, s.Amount, s.Price,
		s.CreationTimestamp,
		WithExchangeOrderID(s.ExchangeOrderID),
		WithInitialState(s.LastState),
	)
	o.ExecutedAmountBase = s.ExecutedAmountBase
	o.ExecutedAmountQuote = s.ExecutedAmountQuote
	o.FeeAsset = s.FeeAsset
	o.CumulativeFeePaid = s.FeePaid
	o.LastUpdateTimestamp = s.LastUpdateTimestamp
	for k, v := range s.OrderFills {
		o.OrderFills[k] = v
	}
	return o, nil
}

// MarshalTrackingStates / UnmarshalTrackingStates 供持久化层使用。
func MarshalTrackingStates(states map[string]TrackingState) ([]byte, error) {
	return json.Marshal(states)
}

func UnmarshalTrackingStates(data []byte) (map[string]TrackingState, error) {
	states := make(map[string]TrackingState)
	if len(data) == 0 {
		return states, nil
	}
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, fmt.Errorf("decode tracking states: %w", err)
	}
	return states, nil
}

// TrackingStates 活跃与丢失集合中未完成订单的快照。
func (t *Tracker) TrackingStates() map[string]TrackingState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]TrackingState, len(t.active)+len(t.lost))
	for id, o := range t.active {
		if !o.IsDone() {
			out[id] = o.ToTrackingState()
		}
	}
	for id, o := range t.lost {
		out[id] = o.ToTrackingState()
	}
	return out
}

// RestoreTrackingStates 重新跟踪快照中的订单，不触发事件。返回恢复的数量。
func (t *Tracker) RestoreTrackingStates(states map[string]TrackingState) int {
	restored := 0
	for id, s := range states {
		o, err := FromTrackingState(s)
		if err != nil {
			t.log.Warn("skip invalid tracking state", zap.String("client_order_id", id), zap.Error(err))
			continue
		}
		if o.IsDone() {
			continue
		}
		t.StartTrackingOrder(o)
		restored++
	}
	return restored
}

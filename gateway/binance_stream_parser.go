package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"order-tracker-go/connector"
	"order-tracker-go/order"
)

// streamEnvelope 兼容单流（裸事件）与 combined stream 包装。
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// executionReport 用户数据流中的订单事件（只取需要的字段）。
type executionReport struct {
	EventType         string `json:"e"`
	EventTime         int64  `json:"E"`
	Symbol            string `json:"s"`
	ClientOrderID     string `json:"c"`
	OrigClientOrderID string `json:"C"`
	ExecutionType     string `json:"x"`
	Status            string `json:"X"`
	OrderID           int64  `json:"i"`
	LastQty           string `json:"l"`
	LastPrice         string `json:"L"`
	LastQuoteQty      string `json:"Y"`
	Commission        string `json:"n"`
	CommissionAsset   string `json:"N"`
	TransactTime      int64  `json:"T"`
	TradeID           int64  `json:"t"`
	IsMaker           bool   `json:"m"`
}

// ParseUserStreamMessage 解析一条用户数据流消息。
// 非 executionReport 事件返回 ok=false。pairOf 把交易所符号映射回交易对。
func ParseUserStreamMessage(raw []byte, pairOf func(string) (string, error)) (msg connector.StreamMessage, ok bool, err error) {
	var env streamEnvelope
	if err = json.Unmarshal(raw, &env); err != nil {
		return msg, false, fmt.Errorf("decode envelope: %w", err)
	}
	payload := raw
	if len(env.Data) > 0 {
		payload = env.Data
	}
	var ev executionReport
	if err = json.Unmarshal(payload, &ev); err != nil {
		return msg, false, fmt.Errorf("decode event: %w", err)
	}
	if ev.EventType != "executionReport" {
		return msg, false, nil
	}

	pair, err := pairOf(ev.Symbol)
	if err != nil {
		return msg, false, err
	}
	state, err := MapOrderStatus(ev.Status)
	if err != nil {
		return msg, false, err
	}
	// 撤单回报里 c 是撤单请求的 id，原订单 id 在 C
	clientID := ev.ClientOrderID
	if ev.ExecutionType == "CANCELED" && ev.OrigClientOrderID != "" {
		clientID = ev.OrigClientOrderID
	}
	exchangeID := strconv.FormatInt(ev.OrderID, 10)
	ts := time.UnixMilli(ev.TransactTime).UTC()
	if ev.TransactTime == 0 {
		ts = time.UnixMilli(ev.EventTime).UTC()
	}

	msg.Order = &order.OrderUpdate{
		ClientOrderID:   clientID,
		ExchangeOrderID: exchangeID,
		TradingPair:     pair,
		UpdateTimestamp: ts,
		NewState:        state,
	}

	if ev.ExecutionType == "TRADE" {
		qty, qerr := decimal.NewFromString(ev.LastQty)
		price, perr := decimal.NewFromString(ev.LastPrice)
		if qerr != nil || perr != nil {
			return msg, false, fmt.Errorf("trade %d: bad qty/price %q/%q", ev.TradeID, ev.LastQty, ev.LastPrice)
		}
		quote, qqErr := decimal.NewFromString(ev.LastQuoteQty)
		if qqErr != nil {
			quote = qty.Mul(price)
		}
		fee, _ := decimal.NewFromString(ev.Commission)
		msg.Trade = &order.TradeUpdate{
			TradeID:         strconv.FormatInt(ev.TradeID, 10),
			ClientOrderID:   clientID,
			ExchangeOrderID: exchangeID,
			TradingPair:     pair,
			Fee:             order.TradeFee{Asset: ev.CommissionAsset, Amount: fee},
			FillBaseAmount:  qty,
			FillQuoteAmount: quote,
			FillPrice:       price,
			FillTimestamp:   ts,
			IsTaker:         !ev.IsMaker,
		}
	}
	return msg, true, nil
}

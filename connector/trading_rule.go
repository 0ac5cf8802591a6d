package connector

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// notionalSafetyFactor 下单到成交之间价格可能变动，名义价值检查留 1% 余量。
var notionalSafetyFactor = decimal.RequireFromString("1.01")

// TradingRule 描述交易对的步长与最小下单限制。零值字段表示不限制。
type TradingRule struct {
	TradingPair            string
	MinOrderSize           decimal.Decimal
	MaxOrderSize           decimal.Decimal
	MinPriceIncrement      decimal.Decimal
	MinBaseAmountIncrement decimal.Decimal
	MinNotionalSize        decimal.Decimal
}

func quantize(value, quantum decimal.Decimal) decimal.Decimal {
	if !quantum.IsPositive() {
		return value
	}
	return value.Div(quantum).Floor().Mul(quantum)
}

// QuantizePrice 向下取整到价格步长。
func (r TradingRule) QuantizePrice(price decimal.Decimal) decimal.Decimal {
	return quantize(price, r.MinPriceIncrement)
}

// QuantizeAmount 向下取整到数量步长；低于最小数量或名义价值不足时返回 0。
// price 为 0 时（市价单）跳过名义价值检查。
func (r TradingRule) QuantizeAmount(amount, price decimal.Decimal) decimal.Decimal {
	q := quantize(amount, r.MinBaseAmountIncrement)
	if q.LessThan(r.MinOrderSize) {
		return decimal.Zero
	}
	if price.IsPositive() && r.MinNotionalSize.IsPositive() &&
		price.Mul(q).LessThan(r.MinNotionalSize.Mul(notionalSafetyFactor)) {
		return decimal.Zero
	}
	return q
}

// Validate 检查订单价格/数量是否符合精度与最小名义。
func (r TradingRule) Validate(price, amount decimal.Decimal) error {
	if r.MinPriceIncrement.IsPositive() && price.IsPositive() && !price.Mod(r.MinPriceIncrement).IsZero() {
		return fmt.Errorf("price %s not aligned to tick %s", price, r.MinPriceIncrement)
	}
	if r.MinBaseAmountIncrement.IsPositive() && !amount.Mod(r.MinBaseAmountIncrement).IsZero() {
		return fmt.Errorf("amount %s not aligned to step %s", amount, r.MinBaseAmountIncrement)
	}
	if amount.LessThan(r.MinOrderSize) {
		return fmt.Errorf("amount %s < min order size %s", amount, r.MinOrderSize)
	}
	if r.MaxOrderSize.IsPositive() && amount.GreaterThan(r.MaxOrderSize) {
		return fmt.Errorf("amount %s > max order size %s", amount, r.MaxOrderSize)
	}
	if price.IsPositive() && r.MinNotionalSize.IsPositive() && price.Mul(amount).LessThan(r.MinNotionalSize) {
		return fmt.Errorf("notional %s < min notional %s", price.Mul(amount), r.MinNotionalSize)
	}
	return nil
}

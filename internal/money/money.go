// Package money implements the engine's fixed-scale decimal
// conventions: prices and quantities carry scale (20,10), percentages carry
// scale (10,4). All exchange-legal rounding funnels through FloorToStep so
// the grid calculator is the single place that knows how to be
// conservative about quantization (see internal/grid).
package money

import "github.com/shopspring/decimal"

// PriceScale is the fixed decimal scale used for prices and quantities.
const PriceScale = 10

// PercentScale is the fixed decimal scale used for percentages.
const PercentScale = 4

// NormalizePrice truncates a price/quantity value to PriceScale without
// rounding; stored values never gain precision silently.
func NormalizePrice(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(PriceScale)
}

// NormalizePercent truncates a percentage value to PercentScale.
func NormalizePercent(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(PercentScale)
}

// FloorToStep snaps value down to the nearest multiple of step, rounding
// toward zero for positive steps. Quantization always rounds toward
// conservatism: a floored buy price never
// overpays, and a floored sell/TP price never posts above what the grid
// calculator promised.
func FloorToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return NormalizePrice(value)
	}
	steps := value.DivRound(step, PriceScale+4).Floor()
	return NormalizePrice(steps.Mul(step))
}

// PercentOf returns value * (percent/100).
func PercentOf(value, percent decimal.Decimal) decimal.Decimal {
	return value.Mul(percent).Div(decimal.NewFromInt(100))
}

// ApplyPercent returns value * (1 + percent/100), i.e. value shifted by a
// signed percentage. Negative percent shrinks value.
func ApplyPercent(value, percent decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	return value.Mul(one.Add(percent.Div(decimal.NewFromInt(100))))
}

// WeightedAverage computes the quantity-weighted mean of a set of
// (price, quantity) pairs, as required for
// PositionGroup.weighted_avg_entry. Returns zero if total quantity is
// zero.
func WeightedAverage(prices, quantities []decimal.Decimal) decimal.Decimal {
	if len(prices) != len(quantities) || len(prices) == 0 {
		return decimal.Zero
	}
	totalQty := decimal.Zero
	totalNotional := decimal.Zero
	for i := range prices {
		totalNotional = totalNotional.Add(prices[i].Mul(quantities[i]))
		totalQty = totalQty.Add(quantities[i])
	}
	if totalQty.IsZero() {
		return decimal.Zero
	}
	return NormalizePrice(totalNotional.Div(totalQty))
}

// Package grid implements the precision and grid calculator: a
// pure-function module that turns a base price, a DCA grid
// definition, and exchange precision into exchange-legal level prices,
// take-profit prices, and quantities. Nothing here touches the network or
// a store; the Position Creator (internal/positioncreator) is the only
// caller.
package grid

import (
	"strconv"

	"github.com/shopspring/decimal"

	"dcaengine/internal/core"
	"dcaengine/internal/money"
	apperrors "dcaengine/pkg/errors"
)

// MaterializedLevel is one DCA leg after price/TP/quantity calculation.
type MaterializedLevel struct {
	LegIndex      int
	GapPercent    decimal.Decimal
	WeightPercent decimal.Decimal
	TPPercent     decimal.Decimal
	Price         decimal.Decimal
	TPPrice       decimal.Decimal
	Quantity      decimal.Decimal
}

// CalculateLevels materializes price and take-profit price for every
// configured level:
//
//	price = P*(1+gap/100)
//	long:  tp = price*(1+tp/100)
//	short: tp = price*(1-tp/100)
//
// The gap sign is the same for both sides (a long grid ladders down with
// negative gaps, a short grid ladders up with positive ones); only the TP
// offset inverts. Both price and tp_price are floor-snapped to tick_size,
// the conservative quantization direction.
func CalculateLevels(base decimal.Decimal, side core.Side, levels []core.LevelConfig, precision core.SymbolPrecision) []MaterializedLevel {
	out := make([]MaterializedLevel, 0, len(levels))
	for i, lvl := range levels {
		price := money.ApplyPercent(base, lvl.GapPercent)
		var tp decimal.Decimal
		if side == core.SideShort {
			tp = money.ApplyPercent(price, lvl.TPPercent.Neg())
		} else {
			tp = money.ApplyPercent(price, lvl.TPPercent)
		}
		price = money.FloorToStep(price, precision.TickSize)
		tp = money.FloorToStep(tp, precision.TickSize)

		out = append(out, MaterializedLevel{
			LegIndex:      i,
			GapPercent:    lvl.GapPercent,
			WeightPercent: lvl.WeightPercent,
			TPPercent:     lvl.TPPercent,
			Price:         price,
			TPPrice:       tp,
		})
	}
	return out
}

// CalculateQuantities sizes each level from totalCapital (quote currency)
// proportionally to its weight_percent, floor-snapped to step_size. A leg
// whose resulting quantity falls below min_qty, or whose notional falls
// below min_notional, fails the whole calculation with a ValidationError
// naming the violating leg: downstream components assume every level
// returned here is exchange-legal.
//
// weight_percent need not sum to 100 across levels; each leg consumes an
// independent proportion of totalCapital.
func CalculateQuantities(levels []MaterializedLevel, totalCapital decimal.Decimal, precision core.SymbolPrecision) ([]MaterializedLevel, error) {
	out := make([]MaterializedLevel, len(levels))
	copy(out, levels)

	for i := range out {
		lvl := &out[i]
		if lvl.Price.IsZero() {
			return nil, &apperrors.ValidationError{
				Field:  legField(lvl.LegIndex),
				Reason: "materialized price is zero",
			}
		}
		allocation := money.PercentOf(totalCapital, lvl.WeightPercent)
		qty := money.FloorToStep(allocation.Div(lvl.Price), precision.StepSize)
		lvl.Quantity = qty

		if qty.LessThan(precision.MinQty) {
			return nil, &apperrors.ValidationError{
				Field:  legField(lvl.LegIndex),
				Reason: "quantity below exchange min_qty",
			}
		}
		notional := qty.Mul(lvl.Price)
		if notional.LessThan(precision.MinNotional) {
			return nil, &apperrors.ValidationError{
				Field:  legField(lvl.LegIndex),
				Reason: "notional below exchange min_notional",
			}
		}
	}
	return out, nil
}

func legField(legIndex int) string {
	return "levels[" + strconv.Itoa(legIndex) + "]"
}

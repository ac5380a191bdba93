package grid

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcaengine/internal/core"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func btcPrecision() core.SymbolPrecision {
	return core.SymbolPrecision{
		TickSize:    dec("0.01"),
		StepSize:    dec("0.00001"),
		MinQty:      dec("0.00001"),
		MinNotional: dec("10"),
	}
}

// 2-leg long grid, 1000 USDT free balance, 10% risk_per_position ->
// 100 USDT allocation split 50/50.
func TestCalculateLevels_S1Long(t *testing.T) {
	levels := []core.LevelConfig{
		{GapPercent: dec("0"), WeightPercent: dec("50"), TPPercent: dec("1")},
		{GapPercent: dec("-2"), WeightPercent: dec("50"), TPPercent: dec("1")},
	}

	materialized := CalculateLevels(dec("50000"), core.SideLong, levels, btcPrecision())
	require.Len(t, materialized, 2)

	assert.True(t, materialized[0].Price.Equal(dec("50000.00")), "leg0 price: %s", materialized[0].Price)
	assert.True(t, materialized[0].TPPrice.Equal(dec("50500.00")), "leg0 tp: %s", materialized[0].TPPrice)

	assert.True(t, materialized[1].Price.Equal(dec("49000.00")), "leg1 price: %s", materialized[1].Price)
	assert.True(t, materialized[1].TPPrice.Equal(dec("49490.00")), "leg1 tp: %s", materialized[1].TPPrice)

	sized, err := CalculateQuantities(materialized, dec("100"), btcPrecision())
	require.NoError(t, err)
	require.Len(t, sized, 2)

	assert.True(t, sized[0].Quantity.Equal(dec("0.001")), "leg0 qty: %s", sized[0].Quantity)
	assert.True(t, sized[1].Quantity.GreaterThan(decimal.Zero))
}

// Short grid: gap_percent > 0 means a higher (worse,
// further-from-current) short entry.
func TestCalculateLevels_S2Short(t *testing.T) {
	levels := []core.LevelConfig{
		{GapPercent: dec("0"), WeightPercent: dec("50"), TPPercent: dec("2")},
		{GapPercent: dec("2"), WeightPercent: dec("50"), TPPercent: dec("2")},
	}
	materialized := CalculateLevels(dec("50000"), core.SideShort, levels, btcPrecision())
	require.Len(t, materialized, 2)

	assert.True(t, materialized[0].Price.Equal(dec("50000.00")))
	assert.True(t, materialized[1].Price.Equal(dec("51000.00")))
	// Short TP is below entry.
	assert.True(t, materialized[0].TPPrice.LessThan(materialized[0].Price))
	assert.True(t, materialized[1].TPPrice.LessThan(materialized[1].Price))
}

func TestCalculateQuantities_BelowMinNotionalFails(t *testing.T) {
	levels := []core.LevelConfig{
		{GapPercent: dec("0"), WeightPercent: dec("5"), TPPercent: dec("1")}, // 0.0001 BTC clears min_qty; 5 USDT is under min_notional
	}
	materialized := CalculateLevels(dec("50000"), core.SideLong, levels, btcPrecision())

	_, err := CalculateQuantities(materialized, dec("100"), btcPrecision())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "levels[0]")
}

func TestCalculateQuantities_BelowMinQtyFails(t *testing.T) {
	levels := []core.LevelConfig{
		{GapPercent: dec("0"), WeightPercent: dec("50"), TPPercent: dec("1")},
	}
	precision := btcPrecision()
	precision.MinQty = dec("1") // impossible to satisfy at this capital

	materialized := CalculateLevels(dec("50000"), core.SideLong, levels, precision)
	_, err := CalculateQuantities(materialized, dec("100"), precision)
	require.Error(t, err)
}

func TestFloorSnap_IsConservative(t *testing.T) {
	materialized := CalculateLevels(dec("50000.019"), core.SideLong, []core.LevelConfig{
		{GapPercent: dec("0"), WeightPercent: dec("100"), TPPercent: dec("0")},
	}, btcPrecision())
	// 50000.019 floor-snapped to tick 0.01 must round DOWN, never up.
	assert.True(t, materialized[0].Price.LessThanOrEqual(dec("50000.01")))
}

package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestFloorToStep(t *testing.T) {
	cases := []struct {
		value, step, want string
	}{
		{"50000.019", "0.01", "50000.01"},
		{"50000.00", "0.01", "50000"},
		{"0.0019", "0.00001", "0.0019"},
		{"0.00199999", "0.00001", "0.00199"},
		{"1.23456", "0.5", "1"},
	}
	for _, tc := range cases {
		got := FloorToStep(dec(tc.value), dec(tc.step))
		assert.True(t, got.Equal(dec(tc.want)), "FloorToStep(%s, %s) = %s, want %s", tc.value, tc.step, got, tc.want)
	}
}

func TestFloorToStep_ZeroStepTruncatesToScale(t *testing.T) {
	got := FloorToStep(dec("1.12345678901234"), decimal.Zero)
	assert.True(t, got.Equal(dec("1.1234567890")))
}

func TestApplyPercent(t *testing.T) {
	assert.True(t, ApplyPercent(dec("50000"), dec("1")).Equal(dec("50500")))
	assert.True(t, ApplyPercent(dec("50000"), dec("-2")).Equal(dec("49000")))
	assert.True(t, ApplyPercent(dec("100"), decimal.Zero).Equal(dec("100")))
}

func TestPercentOf(t *testing.T) {
	assert.True(t, PercentOf(dec("100"), dec("50")).Equal(dec("50")))
	assert.True(t, PercentOf(dec("1000"), dec("10")).Equal(dec("100")))
}

func TestWeightedAverage(t *testing.T) {
	avg := WeightedAverage(
		[]decimal.Decimal{dec("50000"), dec("51000")},
		[]decimal.Decimal{dec("0.001"), dec("0.001")},
	)
	assert.True(t, avg.Equal(dec("50500")), "got %s", avg)
}

func TestWeightedAverage_Degenerate(t *testing.T) {
	assert.True(t, WeightedAverage(nil, nil).IsZero())
	assert.True(t, WeightedAverage(
		[]decimal.Decimal{dec("50000")},
		[]decimal.Decimal{decimal.Zero},
	).IsZero())
	// Mismatched lengths are refused rather than partially averaged.
	assert.True(t, WeightedAverage(
		[]decimal.Decimal{dec("50000")},
		[]decimal.Decimal{dec("1"), dec("2")},
	).IsZero())
}

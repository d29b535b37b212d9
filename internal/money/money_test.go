package money

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyRate_RoundsHalfUp(t *testing.T) {
	tests := []struct {
		amount, bps, want int64
	}{
		{10000, 1000, 1000},
		{10000, 200, 200},
		{1, 5000, 1},  // 0.5 rounds up
		{1, 4999, 0},  // 0.4999 rounds down
		{3, 5000, 2},  // 1.5 rounds up
		{125, 200, 3}, // 2.5 rounds up
		{124, 200, 2}, // 2.48
		{0, 1000, 0},
		{999, 0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ApplyRate(tt.amount, tt.bps), "ApplyRate(%d, %d)", tt.amount, tt.bps)
	}
}

func TestApplyRate_NoOverflow(t *testing.T) {
	got := ApplyRate(math.MaxInt64/2, 1000)
	assert.Equal(t, int64(461168601842738790), got)
}

func TestApplyRate_PanicsOnNegative(t *testing.T) {
	assert.Panics(t, func() { ApplyRate(-1, 100) })
}

func TestShareFloor(t *testing.T) {
	assert.Equal(t, int64(75), ShareFloor(100, 3, 4))
	assert.Equal(t, int64(3), ShareFloor(10, 1, 3))
	assert.Equal(t, int64(0), ShareFloor(1, 1, 2))
	assert.Panics(t, func() { ShareFloor(1, 1, 0) })
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "12.34 EUR", Format(1234, "eur"))
	assert.Equal(t, "0.05 USD", Format(5, "USD"))
	assert.Equal(t, "-1.00 EUR", Format(-100, "EUR"))
	assert.Equal(t, "500 JPY", Format(500, "JPY"))
	assert.Equal(t, "0.00 EUR", Format(0, "EUR"))
}

package sfu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRateCalculatorConservation(t *testing.T) {
	r := NewRateCalculator(1000)

	nowMs := int64(1_000_000)
	total := 0
	for i := 0; i < 50; i++ {
		r.Update(1000, nowMs+int64(i*10))
		total += 1000
	}
	last := nowMs + 49*10

	rate := r.GetRate(last)
	// rate * window / 8000 == total bytes inside the window
	require.InDelta(t, float64(total), float64(rate)/8.0, 1000.0/8.0+1)
}

func TestRateCalculatorWindowExpiry(t *testing.T) {
	r := NewRateCalculator(1000)

	nowMs := int64(5_000_000)
	r.Update(5000, nowMs)
	require.NotZero(t, r.GetRate(nowMs))

	// everything has aged out of the window
	require.Zero(t, r.GetRate(nowMs+2000))
}

func TestRateCalculatorBytesMonotonic(t *testing.T) {
	r := NewRateCalculator(1000)

	nowMs := int64(1_000)
	r.Update(100, nowMs)
	r.Update(200, nowMs+5000)
	require.Equal(t, int64(300), r.GetBytes())
}

func TestRateCalculatorOutOfOrderArrival(t *testing.T) {
	r := NewRateCalculator(1000)

	nowMs := int64(100_000)
	r.Update(100, nowMs)
	r.Update(100, nowMs-50)
	require.Equal(t, int64(200), r.GetBytes())
	require.NotZero(t, r.GetRate(nowMs))
}

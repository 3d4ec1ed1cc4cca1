package grid

import (
	"math"

	"gridkeeper/broker"
)

// BollingerWidthPct returns the band width (upper-lower) as a percent of the
// middle band, computed over the trailing period closes. Returns 0 when there
// is not enough data.
func BollingerWidthPct(closes []float64, period int, mult float64) float64 {
	if period <= 1 || len(closes) < period {
		return 0
	}
	window := closes[len(closes)-period:]

	var sum float64
	for _, c := range window {
		sum += c
	}
	mean := sum / float64(period)
	if mean == 0 {
		return 0
	}

	var variance float64
	for _, c := range window {
		d := c - mean
		variance += d * d
	}
	stdDev := math.Sqrt(variance / float64(period))

	// width = (upper - lower) / middle = 2 * mult * stddev / mean
	return 2 * mult * stdDev / mean * 100
}

// ATRPct returns the average true range over period as a percent of the last
// close. Returns 0 when there is not enough data.
func ATRPct(klines []broker.Kline, period int) float64 {
	if period < 1 || len(klines) < period+1 {
		return 0
	}

	var trSum float64
	start := len(klines) - period
	for i := start; i < len(klines); i++ {
		high := klines[i].High
		low := klines[i].Low
		prevClose := klines[i-1].Close

		tr := high - low
		if d := math.Abs(high - prevClose); d > tr {
			tr = d
		}
		if d := math.Abs(low - prevClose); d > tr {
			tr = d
		}
		trSum += tr
	}
	atr := trSum / float64(period)

	lastClose := klines[len(klines)-1].Close
	if lastClose == 0 {
		return 0
	}
	return atr / lastClose * 100
}

// closesOf extracts the close series from klines
func closesOf(klines []broker.Kline) []float64 {
	closes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
	}
	return closes
}

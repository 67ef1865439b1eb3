package analyzer

import (
	"math"

	"github.com/quantsurge/tradecore/internal/models"
)

// ATR computes the average true range over the last period candles.
// candles must be oldest-first. Returns 0 when fewer than two candles
// are available.
func ATR(candles []models.Candle, period int) float64 {
	if len(candles) < 2 || period < 1 {
		return 0
	}
	if n := len(candles) - 1; period > n {
		period = n
	}

	var sum float64
	start := len(candles) - period
	for i := start; i < len(candles); i++ {
		c := candles[i]
		prevClose := candles[i-1].Close.InexactFloat64()
		high := c.High.InexactFloat64()
		low := c.Low.InexactFloat64()

		tr := high - low
		if d := math.Abs(high - prevClose); d > tr {
			tr = d
		}
		if d := math.Abs(low - prevClose); d > tr {
			tr = d
		}
		sum += tr
	}
	return sum / float64(period)
}

// Package analyzer computes per-timeframe buy zones from recent candle
// history, classifies confluence across timeframes, and scores the
// resulting signal candidates.
package analyzer

import (
	"github.com/shopspring/decimal"

	"github.com/quantsurge/tradecore/internal/models"
)

// ComputeZone derives the (floor, ceiling) band from a candle window:
// floor = min(lows), ceiling = max(highs). Returns false when the
// window is empty.
func ComputeZone(candles []models.Candle) (models.Zone, bool) {
	if len(candles) == 0 {
		return models.Zone{}, false
	}
	z := models.Zone{Floor: candles[0].Low, Ceiling: candles[0].High}
	for _, c := range candles[1:] {
		if c.Low.LessThan(z.Floor) {
			z.Floor = c.Low
		}
		if c.High.GreaterThan(z.Ceiling) {
			z.Ceiling = c.High
		}
	}
	return z, true
}

// Classify derives the confluence type from per-timeframe buy-zone
// membership. HTF anchors the hierarchy: DOUBLE needs HTF+ITF, SINGLE
// needs HTF alone.
func Classify(htf, itf, ltf bool) models.ConfluenceType {
	switch {
	case htf && itf && ltf:
		return models.ConfluenceTriple
	case htf && itf:
		return models.ConfluenceDouble
	case htf:
		return models.ConfluenceSingle
	}
	return models.ConfluenceNone
}

// EffectiveBand intersects the three zones: the tightest floor is the
// highest low, the tightest ceiling the lowest high. An inverted band
// (floor ≥ ceiling) means the zones do not overlap.
func EffectiveBand(htf, itf, ltf models.Zone) (floor, ceiling decimal.Decimal, ok bool) {
	floor = decimal.Max(htf.Floor, itf.Floor, ltf.Floor)
	ceiling = decimal.Min(htf.Ceiling, itf.Ceiling, ltf.Ceiling)
	return floor, ceiling, floor.LessThan(ceiling)
}

package analyzer

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/quantsurge/tradecore/internal/models"
)

// RejectUtilityAsymmetry is the rejection code emitted when the
// target/stop log-return asymmetry falls short of the advantage ratio.
const RejectUtilityAsymmetry = "UTILITY_ASYMMETRY_FAIL"

// UtilityGate holds the asymmetry rule π^α ≥ λ·|ℓ|^β where π and ℓ are
// the target and stop log returns from the entry price.
type UtilityGate struct {
	Alpha  float64 // α
	Beta   float64 // β
	Lambda float64 // λ, the advantage ratio
}

// LogReturns computes (ℓ, π) for the given direction: ℓ the stop-side
// log return (negative), π the target-side log return (positive). ok
// is false when the prices are not properly ordered for the direction.
func (g UtilityGate) LogReturns(dir models.Direction, entry, stop, target decimal.Decimal) (loss, profit float64, ok bool) {
	p := entry.InexactFloat64()
	s := stop.InexactFloat64()
	t := target.InexactFloat64()
	if p <= 0 || s <= 0 || t <= 0 {
		return 0, 0, false
	}

	if dir == models.DirectionSell {
		// Short: stop above, target below. Mirror into the long frame.
		s, t = 2*p-s, 2*p-t
		if s <= 0 || t <= 0 {
			return 0, 0, false
		}
	}
	if s >= p || t <= p {
		return 0, 0, false
	}
	return math.Log(s / p), math.Log(t / p), true
}

// Pass applies the asymmetry rule. Degenerate inputs fail closed.
func (g UtilityGate) Pass(dir models.Direction, entry, stop, target decimal.Decimal) bool {
	loss, profit, ok := g.LogReturns(dir, entry, stop, target)
	if !ok {
		return false
	}
	return math.Pow(profit, g.Alpha) >= g.Lambda*math.Pow(math.Abs(loss), g.Beta)
}

// Package sizing computes position size as the floor of the minimum
// over seven independent constraints, each expressed as a maximum
// admissible quantity. Rebuys additionally pass two structural spacing
// gates before any sizing runs.
package sizing

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/quantsurge/tradecore/internal/config"
	"github.com/quantsurge/tradecore/internal/models"
)

// Constraint names reported as the binding constraint.
const (
	ConstraintLogSafe  = "LOG_SAFE"
	ConstraintKelly    = "KELLY"
	ConstraintFill     = "FILL_WEIGHTED"
	ConstraintCash     = "CASH"
	ConstraintPortfolio = "PORTFOLIO_BUDGET"
	ConstraintSymbol   = "SYMBOL_BUDGET"
	ConstraintVelocity = "VELOCITY"
)

// Rejection codes.
const (
	RejectZeroQty       = "QTY_BELOW_ONE"
	RejectNoStopEdge    = "STOP_AT_OR_ABOVE_ENTRY"
	RejectRebuyNotBelow = "REBUY_NOT_BELOW_NEAREST"
	RejectRebuySpacing  = "REBUY_SPACING_SHORT"
)

// Inputs is the full sizing context for one signal × user-broker.
type Inputs struct {
	Signal *models.Signal
	Broker *models.UserBroker

	Cash     decimal.Decimal // deployable capital for this user-broker
	Reserved decimal.Decimal // capital locked in CREATED/PENDING/OPEN rows

	// Realized-if-stopped log losses of currently open positions.
	PortfolioLogLoss float64 // R_port, ≤ 0
	SymbolLogLoss    float64 // R_sym, ≤ 0

	// Existing position in this symbol, for the log-safe weighted
	// average and the rebuy gates. Zero values mean a fresh entry.
	OpenQty         int64
	OpenAvgPrice    decimal.Decimal
	OpenEntryPrices []decimal.Decimal

	ATR          float64
	RangeOverATR float64 // latest candle range in ATR units
	PFill        float64 // fill probability estimate, (0,1]
}

// Result is the sizing outcome.
type Result struct {
	Qty      int64
	Binding  string // name of the constraint that set the minimum
	Rejected bool
	Reason   string
}

// Sizer evaluates the seven constraints against configured budgets.
type Sizer struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Sizer {
	return &Sizer{cfg: cfg}
}

// Size runs the seven constraints for a fresh entry.
func (s *Sizer) Size(in Inputs) Result {
	return s.size(in)
}

// SizeRebuy applies the structural rebuy gates, then the same seven
// constraints. P_near is the open entry price closest to the new price.
func (s *Sizer) SizeRebuy(in Inputs) Result {
	if len(in.OpenEntryPrices) == 0 {
		return s.size(in)
	}
	price := in.Signal.RefPrice
	near := nearestEntry(in.OpenEntryPrices, price)

	if price.GreaterThan(near) {
		return Result{Rejected: true, Reason: RejectRebuyNotBelow}
	}
	spacing := decimal.NewFromFloat(s.cfg.ReentrySpacingATR * in.ATR)
	if near.Sub(price).LessThan(spacing) {
		return Result{Rejected: true, Reason: RejectRebuySpacing}
	}
	return s.size(in)
}

func (s *Sizer) size(in Inputs) Result {
	price := in.Signal.RefPrice.InexactFloat64()
	stop := in.Signal.EffectiveFloor.InexactFloat64()
	if price <= 0 || stop <= 0 || stop >= price {
		return Result{Rejected: true, Reason: RejectNoStopEdge}
	}
	lossNew := math.Log(stop / price) // ℓ_new < 0

	cash := in.Cash.InexactFloat64()

	qtyKelly := s.kellyQty(in, cash, price)

	type bound struct {
		name string
		qty  float64
	}
	bounds := []bound{
		{ConstraintLogSafe, s.logSafeQty(in, price, stop)},
		{ConstraintKelly, qtyKelly},
		{ConstraintFill, qtyKelly * clampFill(in.PFill)},
		{ConstraintCash, (cash - in.Reserved.InexactFloat64()) / price},
		{ConstraintPortfolio, s.budgetQty(s.cfg.PortfolioBudget, in.PortfolioLogLoss, lossNew, cash, price)},
		{ConstraintSymbol, s.budgetQty(s.cfg.SymbolBudget, in.SymbolLogLoss, lossNew, cash, price)},
		{ConstraintVelocity, qtyKelly * s.velocity(in)},
	}

	min := bounds[0]
	for _, b := range bounds[1:] {
		if b.qty < min.qty {
			min = b
		}
	}

	qty := int64(math.Floor(min.qty))
	if qty < 1 {
		return Result{Binding: min.name, Rejected: true, Reason: RejectZeroQty}
	}
	return Result{Qty: qty, Binding: min.name}
}

// kellyQty is cash · kelly · fraction · strengthMultiplier · cap / P.
func (s *Sizer) kellyQty(in Inputs, cash, price float64) float64 {
	mult, ok := s.cfg.StrengthMultipliers[string(in.Signal.Strength)]
	if !ok {
		mult = 1.0
	}
	return cash * in.Signal.Kelly * s.cfg.KellyFraction * mult * s.cfg.KellyCap / price
}

// logSafeQty finds the largest qty such that the position-weighted
// average entry still satisfies ln(stop/weightedEntry) ≥ L_pos. The
// weighted average is monotone in qty, so a binary search suffices.
func (s *Sizer) logSafeQty(in Inputs, price, stop float64) float64 {
	budget := s.cfg.PositionBudget // L_pos < 0

	satisfies := func(qty int64) bool {
		totalQty := float64(in.OpenQty + qty)
		if totalQty == 0 {
			return true
		}
		cost := in.OpenAvgPrice.InexactFloat64()*float64(in.OpenQty) + price*float64(qty)
		avg := cost / totalQty
		if avg <= 0 {
			return false
		}
		return math.Log(stop/avg) >= budget
	}

	if !satisfies(1) {
		return 0
	}
	// No finite qty breaks the constraint when the marginal entry
	// itself passes: the average only moves toward price.
	if math.Log(stop/price) >= budget {
		return math.MaxFloat64
	}
	lo, hi := int64(1), int64(1)
	for satisfies(hi) {
		lo = hi
		hi *= 2
		if hi > 1<<40 {
			return float64(lo)
		}
	}
	for lo+1 < hi {
		mid := lo + (hi-lo)/2
		if satisfies(mid) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return float64(lo)
}

// budgetQty converts remaining log-loss headroom into an admissible
// quantity: the fraction w = (budget − used) / ℓ_new is the share of
// capital whose worst case exactly consumes the headroom.
func (s *Sizer) budgetQty(budget, used, lossNew, cash, price float64) float64 {
	headroom := budget - used // both negative; ≥ 0 means exhausted
	if headroom >= 0 {
		return 0
	}
	w := headroom / lossNew // positive
	return w * cash / price
}

// velocity is V_base(range/ATR) · max(V_min, (1−stress)^γ) with
// stress = clip[0,1](R_port / L_port).
func (s *Sizer) velocity(in Inputs) float64 {
	base := s.velocityBase(in.RangeOverATR)

	var stress float64
	if s.cfg.PortfolioBudget != 0 {
		stress = in.PortfolioLogLoss / s.cfg.PortfolioBudget
	}
	if stress < 0 {
		stress = 0
	}
	if stress > 1 {
		stress = 1
	}

	damp := math.Pow(1-stress, s.cfg.VelocityGamma)
	if damp < s.cfg.VelocityMin {
		damp = s.cfg.VelocityMin
	}
	return base * damp
}

func (s *Sizer) velocityBase(ratio float64) float64 {
	table := s.cfg.VelocityTable
	if len(table) == 0 {
		return 1.0
	}
	for _, band := range table {
		if ratio <= band.MaxRatio {
			return band.Base
		}
	}
	return table[len(table)-1].Base
}

func nearestEntry(entries []decimal.Decimal, price decimal.Decimal) decimal.Decimal {
	near := entries[0]
	best := near.Sub(price).Abs()
	for _, e := range entries[1:] {
		if d := e.Sub(price).Abs(); d.LessThan(best) {
			near, best = e, d
		}
	}
	return near
}

func clampFill(p float64) float64 {
	if p <= 0 || p > 1 {
		return 1
	}
	return p
}

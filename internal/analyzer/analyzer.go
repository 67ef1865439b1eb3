package analyzer

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantsurge/tradecore/internal/marketdata"
	"github.com/quantsurge/tradecore/internal/models"
)

// Rejection codes for candidates that never become signals.
const (
	RejectInsufficientHistory = "INSUFFICIENT_HISTORY"
	RejectNoConfluence        = "NO_CONFLUENCE"
	RejectEmptyBand           = "EFFECTIVE_BAND_EMPTY"
	RejectPriceOutsideBand    = "PRICE_OUTSIDE_BAND"
)

// Params are the analyzer tunables.
type Params struct {
	WindowLTF int // 1m candles
	WindowITF int // 25m candles
	WindowHTF int // 125m candles
	ATRPeriod int

	// Strength score cuts: moderate, strong, very strong.
	StrengthCuts [3]float64

	Gate      UtilityGate
	SignalTTL time.Duration
}

// Analyzer turns candle windows plus the current price into signal
// candidates. Stateless between calls; the candle store supplies all
// history.
type Analyzer struct {
	params  Params
	candles *marketdata.CandleStore
}

// New builds an analyzer over the candle store.
func New(params Params, candles *marketdata.CandleStore) *Analyzer {
	return &Analyzer{params: params, candles: candles}
}

// ATRFor returns the current 1-minute ATR for a symbol.
func (a *Analyzer) ATRFor(symbol string) float64 {
	window, err := a.candles.Recent(symbol, models.Timeframe1m, a.params.ATRPeriod+1)
	if err != nil {
		return 0
	}
	return ATR(window, a.params.ATRPeriod)
}

// RangeOverATR returns the latest completed 1-minute candle's range in
// ATR units, the velocity throttle's regime input. Zero when history or
// volatility is missing.
func (a *Analyzer) RangeOverATR(symbol string) float64 {
	window, err := a.candles.Recent(symbol, models.Timeframe1m, a.params.ATRPeriod+1)
	if err != nil || len(window) == 0 {
		return 0
	}
	atr := ATR(window, a.params.ATRPeriod)
	if atr == 0 {
		return 0
	}
	last := window[len(window)-1]
	return last.High.Sub(last.Low).InexactFloat64() / atr
}

// Evaluate examines one symbol at the given price. It returns a
// candidate signal ready for publication, or nil plus the rejection
// code describing why no signal is warranted.
func (a *Analyzer) Evaluate(symbol string, price decimal.Decimal, now time.Time) (*models.Signal, string) {
	ltfWin, err := a.candles.Recent(symbol, models.Timeframe1m, a.params.WindowLTF)
	if err != nil || len(ltfWin) < a.params.WindowLTF {
		return nil, RejectInsufficientHistory
	}
	itfWin, err := a.candles.Recent(symbol, models.Timeframe25m, a.params.WindowITF)
	if err != nil || len(itfWin) == 0 {
		return nil, RejectInsufficientHistory
	}
	htfWin, err := a.candles.Recent(symbol, models.Timeframe125m, a.params.WindowHTF)
	if err != nil || len(htfWin) == 0 {
		return nil, RejectInsufficientHistory
	}

	ltfZone, _ := ComputeZone(ltfWin)
	itfZone, _ := ComputeZone(itfWin)
	htfZone, _ := ComputeZone(htfWin)

	confluence := Classify(
		htfZone.InBuyZone(price),
		itfZone.InBuyZone(price),
		ltfZone.InBuyZone(price),
	)
	if confluence == models.ConfluenceNone {
		return nil, RejectNoConfluence
	}

	floor, ceiling, ok := EffectiveBand(htfZone, itfZone, ltfZone)
	if !ok {
		return nil, RejectEmptyBand
	}
	// Floor and ceiling act as stop and target, so the entry must sit
	// strictly inside the band.
	if !price.GreaterThan(floor) || !price.LessThan(ceiling) {
		return nil, RejectPriceOutsideBand
	}

	atr := ATR(ltfWin, a.params.ATRPeriod)
	score := a.score(confluence, price, floor, ceiling, atr)
	pWin := winProbability(score)

	loss, profit, ok := a.params.Gate.LogReturns(models.DirectionBuy, price, floor, ceiling)
	if !ok || math.Pow(profit, a.params.Gate.Alpha) < a.params.Gate.Lambda*math.Pow(math.Abs(loss), a.params.Gate.Beta) {
		return nil, RejectUtilityAsymmetry
	}
	kelly := kellyFraction(pWin, profit, loss)

	return &models.Signal{
		Symbol:           symbol,
		Direction:        models.DirectionBuy,
		ConfluenceType:   confluence,
		Score:            score,
		Strength:         a.strengthOf(score),
		HTFLow:           round2(htfZone.Floor),
		HTFHigh:          round2(htfZone.Ceiling),
		ITFLow:           round2(itfZone.Floor),
		ITFHigh:          round2(itfZone.Ceiling),
		LTFLow:           round2(ltfZone.Floor),
		LTFHigh:          round2(ltfZone.Ceiling),
		EffectiveFloor:   round2(floor),
		EffectiveCeiling: round2(ceiling),
		RefPrice:         round2(price),
		PWin:             pWin,
		Kelly:            kelly,
		GeneratedAt:      now,
		ExpiresAt:        now.Add(a.params.SignalTTL),
		LastSeenAt:       now,
		Status:           models.SignalPublished,
	}, ""
}

// score blends three indicators into [0,1]: confluence depth, how far
// the price sits below the band ceiling (room to run), and that room
// expressed in ATR units (room that is reachable at current volatility).
func (a *Analyzer) score(confluence models.ConfluenceType, price, floor, ceiling decimal.Decimal, atr float64) float64 {
	alignment := float64(confluence.Rank()) / 3.0

	width := ceiling.Sub(floor).InexactFloat64()
	room := ceiling.Sub(price).InexactFloat64()
	var depth float64
	if width > 0 {
		depth = clamp01(room / width)
	}

	var reach float64
	if atr > 0 {
		reach = clamp01(room / (2 * atr))
	}

	return clamp01(0.4*alignment + 0.35*depth + 0.25*reach)
}

func (a *Analyzer) strengthOf(score float64) models.Strength {
	cuts := a.params.StrengthCuts
	switch {
	case score >= cuts[2]:
		return models.StrengthVeryStrong
	case score >= cuts[1]:
		return models.StrengthStrong
	case score >= cuts[0]:
		return models.StrengthModerate
	}
	return models.StrengthWeak
}

// winProbability maps the composite score into [0.45, 0.70]. The floor
// below 0.5 lets the minWinProb qualification gate cull weak setups.
func winProbability(score float64) float64 {
	return 0.45 + 0.25*score
}

// kellyFraction is the classic edge/odds Kelly using the log-return
// payoff ratio b = π/|ℓ|: f = p − (1−p)/b, clamped to [0, 1].
func kellyFraction(pWin, profit, loss float64) float64 {
	al := math.Abs(loss)
	if al == 0 {
		return 0
	}
	b := profit / al
	if b <= 0 {
		return 0
	}
	f := pWin - (1-pWin)/b
	return clamp01(f)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

package execution

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantsurge/tradecore/internal/config"
	"github.com/quantsurge/tradecore/internal/models"
	"github.com/quantsurge/tradecore/internal/storage"
	"github.com/quantsurge/tradecore/internal/trades"
)

// ExitCandidate is a detection fact handed to the signal manager,
// which owns episode allocation and cooldown.
type ExitCandidate struct {
	TradeID string
	Reason  models.ExitReason
	Price   decimal.Decimal
}

// ExitCandidateHandler receives detections that passed the brick filter.
type ExitCandidateHandler func(ExitCandidate)

// Detector watches the tick stream for exit conditions on open trades.
// Detection reads trade rows from storage on every tick rather than an
// in-process map, so restarts and external writes need no warm-up.
type Detector struct {
	cfg     *config.Config
	store   *storage.Store
	manager *trades.Manager
	emit    ExitCandidateHandler

	mu    sync.Mutex
	brick map[brickKey]decimal.Decimal // last attempted exit price
}

type brickKey struct {
	symbol    string
	direction models.Direction
}

func NewDetector(cfg *config.Config, store *storage.Store, manager *trades.Manager, emit ExitCandidateHandler) *Detector {
	return &Detector{
		cfg:     cfg,
		store:   store,
		manager: manager,
		emit:    emit,
		brick:   make(map[brickKey]decimal.Decimal),
	}
}

// OnTick evaluates exit conditions for every open trade on the tick's
// symbol. Registered as a pipeline tick handler.
func (d *Detector) OnTick(t models.Tick) {
	open, err := d.store.OpenTradesForSymbol(t.Symbol)
	if err != nil {
		log.Error().Err(err).Str("symbol", t.Symbol).Msg("exit detector open-trades read failed")
		return
	}
	now := t.ReceivedAt
	if now.IsZero() {
		now = time.Now()
	}
	for i := range open {
		d.evaluate(&open[i], t.LastPrice, now)
	}
}

func (d *Detector) evaluate(t *models.Trade, price decimal.Decimal, now time.Time) {
	if reason, ok := d.condition(t, price, now); ok {
		d.attempt(t, reason, price)
	}
}

// condition returns the first exit condition that holds, direction
// aware. Trailing-stop bookkeeping happens here as a side effect: the
// extremum and stop advance monotonically in the favorable direction.
func (d *Detector) condition(t *models.Trade, price decimal.Decimal, now time.Time) (models.ExitReason, bool) {
	long := t.IsLong()

	if long && price.GreaterThanOrEqual(t.ExitTargetPrice) {
		return models.ExitTargetHit, true
	}
	if !long && price.LessThanOrEqual(t.ExitTargetPrice) {
		return models.ExitTargetHit, true
	}

	if long && price.LessThanOrEqual(t.ExitStopPrice) {
		return models.ExitStopLoss, true
	}
	if !long && price.GreaterThanOrEqual(t.ExitStopPrice) {
		return models.ExitStopLoss, true
	}

	if t.EntryTimestamp != nil {
		maxHold := time.Duration(d.cfg.MaxHoldDays) * 24 * time.Hour
		if now.Sub(*t.EntryTimestamp) > maxHold {
			return models.ExitTimeBased, true
		}
	}

	if d.cfg.TrailingEnabled {
		if triggered := d.updateTrailing(t, price); triggered {
			return models.ExitTrailingStop, true
		}
	}
	return "", false
}

// updateTrailing arms, advances, and checks the trailing stop. Returns
// true when the price crossed the stop adversely.
func (d *Detector) updateTrailing(t *models.Trade, price decimal.Decimal) bool {
	if t.EntryPrice == nil {
		return false
	}
	long := t.IsLong()
	entry := *t.EntryPrice

	if !t.TrailingActive {
		activate := decimal.NewFromFloat(d.cfg.TrailingActivatePct)
		var favorable decimal.Decimal
		if long {
			favorable = price.Sub(entry).Div(entry)
		} else {
			favorable = entry.Sub(price).Div(entry)
		}
		if favorable.LessThan(activate) {
			return false
		}
		t.TrailingActive = true
	}

	extremum := price
	if t.TrailingExtremum != nil {
		if long && t.TrailingExtremum.GreaterThan(extremum) {
			extremum = *t.TrailingExtremum
		}
		if !long && t.TrailingExtremum.LessThan(extremum) {
			extremum = *t.TrailingExtremum
		}
	}

	distance := decimal.NewFromFloat(d.cfg.TrailingDistancePct)
	var stop decimal.Decimal
	if long {
		stop = extremum.Mul(decimal.NewFromInt(1).Sub(distance))
	} else {
		stop = extremum.Mul(decimal.NewFromInt(1).Add(distance))
	}
	// The stop only ratchets in the favorable direction.
	if t.TrailingStopPrice != nil {
		if long && t.TrailingStopPrice.GreaterThan(stop) {
			stop = *t.TrailingStopPrice
		}
		if !long && t.TrailingStopPrice.LessThan(stop) {
			stop = *t.TrailingStopPrice
		}
	}

	moved := t.TrailingExtremum == nil || !t.TrailingExtremum.Equal(extremum) ||
		t.TrailingStopPrice == nil || !t.TrailingStopPrice.Equal(stop)
	if moved {
		if err := d.manager.UpdateTrailing(t.ID, extremum, stop, true); err != nil {
			log.Error().Err(err).Str("trade", t.ID).Msg("trailing update failed")
		}
		t.TrailingExtremum = &extremum
		t.TrailingStopPrice = &stop
	}

	if long {
		return price.LessThanOrEqual(stop)
	}
	return price.GreaterThanOrEqual(stop)
}

// attempt applies the brick filter: a confirmed detection needs a
// minimum absolute or relative move from the last attempted exit price
// for the (symbol, direction) pair. Oscillation below that floor is
// noise, not a new exit.
func (d *Detector) attempt(t *models.Trade, reason models.ExitReason, price decimal.Decimal) {
	key := brickKey{symbol: t.Symbol, direction: t.Direction}

	d.mu.Lock()
	last, seen := d.brick[key]
	if seen {
		move := price.Sub(last).Abs()
		minAbs := d.cfg.BrickMinMoveAbs
		minRel := last.Mul(decimal.NewFromFloat(d.cfg.BrickMinMovePct))
		if move.LessThan(minAbs) && move.LessThan(minRel) {
			d.mu.Unlock()
			return
		}
	}
	d.brick[key] = price
	d.mu.Unlock()

	log.Debug().Str("trade", t.ID).Str("reason", string(reason)).
		Str("price", price.String()).Msg("exit condition detected")
	d.emit(ExitCandidate{TradeID: t.ID, Reason: reason, Price: price})
}

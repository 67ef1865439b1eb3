// Package trades holds the trade manager: the single writer of trade
// rows. Executors, reconcilers, and the exit path request transitions
// through it; nothing else updates a trade row.
package trades

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantsurge/tradecore/internal/bus"
	"github.com/quantsurge/tradecore/internal/models"
	"github.com/quantsurge/tradecore/internal/storage"
)

// ErrInvalidTransition is returned when a requested transition is not
// in the state machine's table. Terminal states absorb the request
// silently at call sites that expect races.
var ErrInvalidTransition = errors.New("invalid trade transition")

// casRetries bounds the re-read/retry loop on version conflicts.
const casRetries = 3

// Manager is the single writer of trade rows.
type Manager struct {
	store *storage.Store
	bus   *bus.Bus
}

func NewManager(store *storage.Store, b *bus.Bus) *Manager {
	return &Manager{store: store, bus: b}
}

// CreateForIntent inserts the CREATED row for an approved intent,
// idempotently keyed by intentId. TradeNumber is computed by counting
// active rows for (userId, symbol) and adding one: 1 means a fresh
// entry, >1 a rebuy.
func (m *Manager) CreateForIntent(intent *models.TradeIntent, signal *models.Signal, userID string) (*models.Trade, error) {
	active, err := m.store.CountActiveTrades(userID, signal.Symbol)
	if err != nil {
		return nil, err
	}

	t := &models.Trade{
		ID:              uuid.NewString(),
		IntentID:        intent.ID,
		ClientOrderID:   intent.ID,
		UserID:          userID,
		UserBrokerID:    intent.UserBrokerID,
		SignalID:        signal.ID,
		Symbol:          signal.Symbol,
		Direction:       signal.Direction,
		TradeNumber:     active + 1,
		Status:          models.TradeCreated,
		EntryQty:        intent.ApprovedQty,
		ExitTargetPrice: signal.EffectiveCeiling,
		ExitStopPrice:   signal.EffectiveFloor,
		EntryValue:      signal.RefPrice.Mul(decimal.NewFromInt(intent.ApprovedQty)),
		LastBrokerUpdateAt: time.Now(),
	}

	created, wasInserted, err := m.store.InsertTrade(t)
	if err != nil {
		return nil, err
	}
	if !wasInserted {
		return created, nil
	}

	m.emit(models.EventTradeCreated, created, map[string]any{
		"status":      created.Status,
		"tradeNumber": created.TradeNumber,
		"qty":         created.EntryQty,
	})
	return created, nil
}

// MarkPending records broker acceptance: CREATED → PENDING.
func (m *Manager) MarkPending(tradeID, brokerOrderID string) error {
	return m.transition(tradeID, func(t *models.Trade) (models.TradeStatus, error) {
		t.BrokerOrderID = &brokerOrderID
		return models.TradePending, nil
	}, models.EventOrderPlaced, func(t *models.Trade) map[string]any {
		return map[string]any{"brokerOrderId": brokerOrderID}
	})
}

// MarkOpen records the entry fill: PENDING → OPEN.
func (m *Manager) MarkOpen(tradeID string, fillPrice decimal.Decimal, fillQty int64, fillTime time.Time) error {
	err := m.transition(tradeID, func(t *models.Trade) (models.TradeStatus, error) {
		t.EntryPrice = &fillPrice
		t.EntryQty = fillQty
		t.EntryValue = fillPrice.Mul(decimal.NewFromInt(fillQty))
		t.EntryTimestamp = &fillTime
		return models.TradeOpen, nil
	}, models.EventOrderFilled, func(t *models.Trade) map[string]any {
		return map[string]any{"avgFillPrice": fillPrice, "qty": fillQty}
	})
	if err != nil {
		return err
	}
	t, err := m.store.GetTrade(tradeID)
	if err != nil {
		return err
	}
	m.emit(models.EventTradeUpdated, t, map[string]any{
		"status":     t.Status,
		"entryPrice": fillPrice,
	})
	return nil
}

// MarkRejectedByIntent is a conditional update: it only affects a row
// still in CREATED, and reports whether it did anything. A miss is not
// an error; a racing fill simply got there first.
func (m *Manager) MarkRejectedByIntent(intentID, code, message string) (bool, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		t, err := m.store.GetTradeByIntent(intentID)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if t.Status != models.TradeCreated {
			return false, nil
		}

		t.Status = models.TradeRejected
		t.ExitReason = code
		err = m.store.UpdateTradeCAS(t)
		if errors.Is(err, storage.ErrStaleVersion) {
			continue
		}
		if err != nil {
			return false, err
		}
		m.emit(models.EventOrderRejected, t, map[string]any{"code": code, "message": message})
		return true, nil
	}
	return false, storage.ErrStaleVersion
}

// MarkClosed records the exit fill: OPEN (or EXITING) → CLOSED,
// realizing P&L and the signed log return.
func (m *Manager) MarkClosed(tradeID string, exitPrice decimal.Decimal, reason models.ExitReason, exitTime time.Time) error {
	err := m.transition(tradeID, func(t *models.Trade) (models.TradeStatus, error) {
		if t.EntryPrice == nil {
			return "", fmt.Errorf("trade %s has no entry price", t.ID)
		}
		pnl := exitPrice.Sub(*t.EntryPrice).Mul(decimal.NewFromInt(t.EntryQty))
		logRet := math.Log(exitPrice.Div(*t.EntryPrice).InexactFloat64())
		if !t.IsLong() {
			pnl = pnl.Neg()
			logRet = -logRet
		}
		t.ExitPrice = &exitPrice
		t.ExitTimestamp = &exitTime
		t.ExitReason = string(reason)
		t.RealizedPnL = &pnl
		t.RealizedLogReturn = &logRet
		return models.TradeClosed, nil
	}, models.EventTradeClosed, func(t *models.Trade) map[string]any {
		return map[string]any{
			"exitPrice":   exitPrice,
			"exitReason":  reason,
			"realizedPnL": t.RealizedPnL,
		}
	})
	if err != nil {
		return err
	}

	t, err := m.store.GetTrade(tradeID)
	if err != nil {
		return err
	}
	if t.RealizedPnL != nil && t.ExitTimestamp != nil {
		if serr := m.store.RecordTradeResult(t.UserBrokerID, *t.ExitTimestamp, *t.RealizedPnL); serr != nil {
			log.Error().Err(serr).Str("trade", tradeID).Msg("daily stat rollup failed")
		}
	}
	return nil
}

// MarkExiting records an exit order in flight: OPEN → EXITING. The
// detector skips EXITING trades, so one placed exit silences further
// detections until it resolves.
func (m *Manager) MarkExiting(tradeID string) error {
	return m.transition(tradeID, func(t *models.Trade) (models.TradeStatus, error) {
		return models.TradeExiting, nil
	}, models.EventTradeUpdated, func(t *models.Trade) map[string]any {
		return map[string]any{"status": models.TradeExiting}
	})
}

// ReopenAfterFailedExit returns an EXITING trade to OPEN once its exit
// order failed at the broker, so detection resumes. A trade in any
// other state is left alone.
func (m *Manager) ReopenAfterFailedExit(tradeID string) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		t, err := m.store.GetTrade(tradeID)
		if err != nil {
			return err
		}
		if t.Status != models.TradeExiting {
			return nil
		}
		t.Status = models.TradeOpen
		err = m.store.UpdateTradeCAS(t)
		if errors.Is(err, storage.ErrStaleVersion) {
			continue
		}
		if err != nil {
			return err
		}
		m.emit(models.EventTradeUpdated, t, map[string]any{"status": models.TradeOpen})
		return nil
	}
	return storage.ErrStaleVersion
}

// MarkCancelled records a broker-side cancel or expiry.
func (m *Manager) MarkCancelled(tradeID, why string) error {
	return m.transition(tradeID, func(t *models.Trade) (models.TradeStatus, error) {
		t.ExitReason = why
		return models.TradeCancelled, nil
	}, models.EventTradeUpdated, func(t *models.Trade) map[string]any {
		return map[string]any{"status": models.TradeCancelled, "reason": why}
	})
}

// MarkTimeout flags a broker gone silent past the pending timeout.
func (m *Manager) MarkTimeout(tradeID string) error {
	return m.transition(tradeID, func(t *models.Trade) (models.TradeStatus, error) {
		return models.TradeTimeout, nil
	}, models.EventOrderTimeout, func(t *models.Trade) map[string]any {
		return map[string]any{"status": models.TradeTimeout}
	})
}

// UpdateTrailing persists trailing-stop progress. Not a state change:
// status stays OPEN, only the trailing fields move.
func (m *Manager) UpdateTrailing(tradeID string, extremum, stopPrice decimal.Decimal, active bool) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		t, err := m.store.GetTrade(tradeID)
		if err != nil {
			return err
		}
		if t.Status != models.TradeOpen {
			return nil
		}
		t.TrailingActive = active
		t.TrailingExtremum = &extremum
		t.TrailingStopPrice = &stopPrice

		err = m.store.UpdateTradeCAS(t)
		if errors.Is(err, storage.ErrStaleVersion) {
			continue
		}
		return err
	}
	return storage.ErrStaleVersion
}

// TouchBrokerUpdate refreshes lastBrokerUpdateAt after a reconcile poll
// that found no field change.
func (m *Manager) TouchBrokerUpdate(tradeID string, at time.Time) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		t, err := m.store.GetTrade(tradeID)
		if err != nil {
			return err
		}
		t.LastBrokerUpdateAt = at
		err = m.store.UpdateTradeCAS(t)
		if errors.Is(err, storage.ErrStaleVersion) {
			continue
		}
		return err
	}
	return storage.ErrStaleVersion
}

// transition is the shared CAS loop: re-read, mutate, write conditional
// on version. Terminal rows absorb the request; an illegal source state
// returns ErrInvalidTransition.
func (m *Manager) transition(
	tradeID string,
	mutate func(*models.Trade) (models.TradeStatus, error),
	eventType models.EventType,
	payload func(*models.Trade) map[string]any,
) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		t, err := m.store.GetTrade(tradeID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return nil
		}

		next, err := mutate(t)
		if err != nil {
			return err
		}
		if !models.CanTransition(t.Status, next) {
			return fmt.Errorf("%w: %s → %s (trade %s)", ErrInvalidTransition, t.Status, next, tradeID)
		}
		prev := t.Status
		t.Status = next
		t.LastBrokerUpdateAt = time.Now()

		err = m.store.UpdateTradeCAS(t)
		if errors.Is(err, storage.ErrStaleVersion) {
			log.Debug().Str("trade", tradeID).Str("from", string(prev)).Str("to", string(next)).
				Msg("trade version conflict, retrying")
			continue
		}
		if err != nil {
			return err
		}

		m.emit(eventType, t, payload(t))
		return nil
	}
	return storage.ErrStaleVersion
}

func (m *Manager) emit(eventType models.EventType, t *models.Trade, payload map[string]any) {
	payload["tradeId"] = t.ID
	payload["symbol"] = t.Symbol
	_, err := m.bus.Append(&models.Event{
		Type:         eventType,
		Scope:        models.ScopeUserBroker,
		UserID:       bus.StrPtr(t.UserID),
		UserBrokerID: bus.StrPtr(t.UserBrokerID),
		Payload:      bus.Payload(payload),
		SignalID:     bus.StrPtr(t.SignalID),
		IntentID:     bus.StrPtr(t.IntentID),
		TradeID:      bus.StrPtr(t.ID),
	})
	if err != nil {
		log.Error().Err(err).Str("trade", t.ID).Str("type", string(eventType)).
			Msg("trade event append failed")
	}
}

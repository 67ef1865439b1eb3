package storage

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/quantsurge/tradecore/internal/models"
)

// UpsertSignal persists a candidate under the five-part uniqueness key.
// When an active signal with the same key already exists the candidate
// collapses into it: LastSeenAt advances, nothing else changes, and
// created=false tells the caller not to emit.
func (s *Store) UpsertSignal(sig *models.Signal) (*models.Signal, bool, error) {
	err := s.db.Create(sig).Error
	if err == nil {
		return sig, true, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, false, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	var existing models.Signal
	err = s.db.Where(
		"symbol = ? AND confluence_type = ? AND signal_day = ? AND effective_floor = ? AND effective_ceiling = ?",
		sig.Symbol, sig.ConfluenceType, sig.SignalDay, sig.EffectiveFloor, sig.EffectiveCeiling,
	).First(&existing).Error
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	existing.LastSeenAt = sig.LastSeenAt
	if err := s.db.Model(&existing).Update("last_seen_at", existing.LastSeenAt).Error; err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return &existing, false, nil
}

// GetSignal loads one signal by id.
func (s *Store) GetSignal(id string) (*models.Signal, error) {
	var sig models.Signal
	if err := s.db.First(&sig, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return &sig, nil
}

// ActiveSignals returns every PUBLISHED signal, used by the expiry
// scheduler and by coordinator rebuild on start.
func (s *Store) ActiveSignals() ([]models.Signal, error) {
	var sigs []models.Signal
	err := s.db.Where("status = ?", models.SignalPublished).Find(&sigs).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return sigs, nil
}

// MarkSignalStatus moves a signal to EXPIRED or INVALIDATED. Only
// PUBLISHED rows are affected so expiry can never precede publish.
func (s *Store) MarkSignalStatus(id string, status models.SignalStatus) (bool, error) {
	res := s.db.Model(&models.Signal{}).
		Where("id = ? AND status = ?", id, models.SignalPublished).
		Update("status", status)
	if res.Error != nil {
		return false, fmt.Errorf("%w: %v", ErrPersist, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// CreateDelivery inserts a fan-out row. A duplicate (signal, endpoint)
// pair returns ErrUniquenessConflict, which callers treat as done.
func (s *Store) CreateDelivery(d *models.SignalDelivery) error {
	if err := s.db.Create(d).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrUniquenessConflict
		}
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// PendingDeliveries lists unprocessed fan-out rows for rebuild.
func (s *Store) PendingDeliveries() ([]models.SignalDelivery, error) {
	var ds []models.SignalDelivery
	err := s.db.Where("status = ?", models.DeliveryPending).Find(&ds).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return ds, nil
}

// MarkDelivery finalizes a delivery row.
func (s *Store) MarkDelivery(id string, status models.DeliveryStatus) error {
	err := s.db.Model(&models.SignalDelivery{}).Where("id = ?", id).
		Update("status", status).Error
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// SaveIntent persists a qualification outcome. Intents are immutable;
// a duplicate intentId is an idempotent success.
func (s *Store) SaveIntent(intent *models.TradeIntent) error {
	if err := s.db.Create(intent).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrUniquenessConflict
		}
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// GetIntent loads one intent by id.
func (s *Store) GetIntent(id string) (*models.TradeIntent, error) {
	var intent models.TradeIntent
	if err := s.db.First(&intent, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return &intent, nil
}

// --- candles ---

// SaveCandle stores one sealed candle. Duplicate closes for the same
// (symbol, timeframe, startTime) collapse to an upsert on that key.
func (s *Store) SaveCandle(c *models.Candle) error {
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "symbol"}, {Name: "timeframe"}, {Name: "start_time"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"open", "high", "low", "close", "volume"}),
	}).Create(c).Error
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// RecentCandles returns up to limit completed candles for one
// (symbol, timeframe), newest first.
func (s *Store) RecentCandles(symbol string, tf models.Timeframe, limit int) ([]models.Candle, error) {
	var cs []models.Candle
	err := s.db.Where("symbol = ? AND timeframe = ?", symbol, tf).
		Order("start_time DESC").Limit(limit).Find(&cs).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return cs, nil
}

// LatestCandleStart returns the newest stored start time for liveness
// checks; zero time when none exist.
func (s *Store) LatestCandleStart(symbol string, tf models.Timeframe) (time.Time, error) {
	var c models.Candle
	err := s.db.Where("symbol = ? AND timeframe = ?", symbol, tf).
		Order("start_time DESC").First(&c).Error
	if err == gorm.ErrRecordNotFound {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return c.StartTime, nil
}

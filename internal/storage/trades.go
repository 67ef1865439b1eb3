package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/quantsurge/tradecore/internal/models"
)

// InsertTrade inserts the CREATED row keyed by intentId. On a duplicate
// key the existing row is returned with created=false (idempotent
// createForIntent).
func (s *Store) InsertTrade(t *models.Trade) (*models.Trade, bool, error) {
	if err := s.db.Create(t).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			existing, lerr := s.GetTradeByIntent(t.IntentID)
			if lerr != nil {
				return nil, false, lerr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return t, true, nil
}

// UpdateTradeCAS writes the whole row conditional on the version the
// caller read. RowsAffected==0 means another writer won; the caller
// re-reads and retries or gives up.
func (s *Store) UpdateTradeCAS(t *models.Trade) error {
	readVersion := t.Version
	t.Version++
	res := s.db.Model(&models.Trade{}).
		Where("id = ? AND version = ?", t.ID, readVersion).
		Select("*").Omit("id", "created_at").Updates(t)
	if res.Error != nil {
		t.Version = readVersion
		return fmt.Errorf("%w: %v", ErrPersist, res.Error)
	}
	if res.RowsAffected == 0 {
		t.Version = readVersion
		return ErrStaleVersion
	}
	return nil
}

// GetTrade loads one trade by id.
func (s *Store) GetTrade(id string) (*models.Trade, error) {
	var t models.Trade
	if err := s.db.First(&t, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return &t, nil
}

// GetTradeByIntent loads the (at most one) trade for an intent.
func (s *Store) GetTradeByIntent(intentID string) (*models.Trade, error) {
	var t models.Trade
	if err := s.db.First(&t, "intent_id = ?", intentID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return &t, nil
}

// OpenTradesForSymbol returns OPEN trades on a symbol across all
// endpoints; the exit detector consults this on every tick. EXITING
// rows are excluded: an exit order is already in flight for them.
func (s *Store) OpenTradesForSymbol(symbol string) ([]models.Trade, error) {
	var ts []models.Trade
	err := s.db.Where("symbol = ? AND status = ?", symbol, models.TradeOpen).Find(&ts).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return ts, nil
}

// OpenTrades returns trades still holding a position for one endpoint
// (validation gates). EXITING counts: the position is held until the
// exit order fills.
func (s *Store) OpenTrades(userBrokerID string) ([]models.Trade, error) {
	var ts []models.Trade
	err := s.db.Where("user_broker_id = ? AND status IN ?", userBrokerID, holdingStatuses).Find(&ts).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return ts, nil
}

// holdingStatuses are the states in which a trade holds its position.
var holdingStatuses = []models.TradeStatus{models.TradeOpen, models.TradeExiting}

// CountActiveTrades counts non-rejected rows for (userId, symbol).
// tradeNumber = this count + 1 in every branch; the value is never
// hard-coded.
func (s *Store) CountActiveTrades(userID, symbol string) (int, error) {
	var n int64
	err := s.db.Model(&models.Trade{}).
		Where("user_id = ? AND symbol = ? AND status NOT IN ?",
			userID, symbol,
			[]models.TradeStatus{models.TradeRejected, models.TradeCancelled, models.TradeTimeout}).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return int(n), nil
}

// StalePendingTrades lists CREATED/PENDING rows whose last broker
// update is older than cutoff — the entry reconciler's work set.
func (s *Store) StalePendingTrades(cutoff time.Time) ([]models.Trade, error) {
	var ts []models.Trade
	err := s.db.Where("status IN ? AND last_broker_update_at < ?",
		[]models.TradeStatus{models.TradeCreated, models.TradePending}, cutoff).
		Find(&ts).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return ts, nil
}

// ReservedCapital sums entry value locked in non-terminal trades for
// an endpoint (cash-available constraint).
func (s *Store) ReservedCapital(userBrokerID string) (decimal.Decimal, error) {
	trades, err := s.activeTrades(userBrokerID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, t := range trades {
		total = total.Add(t.EntryValue)
	}
	return total, nil
}

// SymbolOpenLogLoss sums worst-case log-loss (stop hit) across open
// trades on one symbol for an endpoint. Sign is negative.
func (s *Store) SymbolOpenLogLoss(userBrokerID, symbol string) (float64, error) {
	var ts []models.Trade
	err := s.db.Where("user_broker_id = ? AND symbol = ? AND status IN ?",
		userBrokerID, symbol, holdingStatuses).Find(&ts).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return sumLogLoss(ts), nil
}

// PortfolioOpenLogLoss sums worst-case log-loss across all open trades
// for an endpoint.
func (s *Store) PortfolioOpenLogLoss(userBrokerID string) (float64, error) {
	ts, err := s.OpenTrades(userBrokerID)
	if err != nil {
		return 0, err
	}
	return sumLogLoss(ts), nil
}

// OpenEntryPrices returns entry prices of open trades on a symbol for
// the rebuy spacing gates.
func (s *Store) OpenEntryPrices(userBrokerID, symbol string) ([]decimal.Decimal, error) {
	var ts []models.Trade
	err := s.db.Where("user_broker_id = ? AND symbol = ? AND status IN ?",
		userBrokerID, symbol, holdingStatuses).Find(&ts).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	prices := make([]decimal.Decimal, 0, len(ts))
	for _, t := range ts {
		if t.EntryPrice != nil {
			prices = append(prices, *t.EntryPrice)
		}
	}
	return prices, nil
}

// RealizedPnLSince sums realized P&L of trades closed at or after the
// cutoff (daily/weekly loss-limit gates).
func (s *Store) RealizedPnLSince(userBrokerID string, since time.Time) (decimal.Decimal, error) {
	var ts []models.Trade
	err := s.db.Where("user_broker_id = ? AND status = ? AND exit_timestamp >= ?",
		userBrokerID, models.TradeClosed, since).Find(&ts).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	total := decimal.Zero
	for _, t := range ts {
		if t.RealizedPnL != nil {
			total = total.Add(*t.RealizedPnL)
		}
	}
	return total, nil
}

// LastClosedAt returns the most recent exit timestamp for an endpoint,
// or zero when it has no closed trades (entry cooldown gate).
func (s *Store) LastClosedAt(userBrokerID string) (time.Time, error) {
	var t models.Trade
	err := s.db.Where("user_broker_id = ? AND status = ?", userBrokerID, models.TradeClosed).
		Order("exit_timestamp DESC").First(&t).Error
	if err == gorm.ErrRecordNotFound {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if t.ExitTimestamp == nil {
		return time.Time{}, nil
	}
	return *t.ExitTimestamp, nil
}

func (s *Store) activeTrades(userBrokerID string) ([]models.Trade, error) {
	var ts []models.Trade
	err := s.db.Where("user_broker_id = ? AND status IN ?", userBrokerID,
		[]models.TradeStatus{models.TradeCreated, models.TradePending, models.TradeOpen, models.TradeExiting}).
		Find(&ts).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return ts, nil
}

func sumLogLoss(ts []models.Trade) float64 {
	total := 0.0
	for _, t := range ts {
		if l := t.EntryLogLoss(); l < 0 {
			total += l
		}
	}
	return total
}

// Package storage is the durable source of truth: gorm over SQLite for
// development and tests, PostgreSQL in production, selected by DSN
// shape. All uniqueness constraints of the external contract live here
// as unique indexes.
package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quantsurge/tradecore/internal/models"
)

// Store wraps the database handle. All methods are safe for concurrent
// use; serialization of writes to one aggregate is the callers'
// contract (coordinators, trade manager), not a lock here.
type Store struct {
	db *gorm.DB
}

// allModels is the complete migration set.
var allModels = []interface{}{
	&models.Candle{},
	&models.Signal{},
	&models.SignalDelivery{},
	&models.TradeIntent{},
	&models.Trade{},
	&models.ExitSignal{},
	&models.ExitIntent{},
	&models.Event{},
	&models.UserBroker{},
	&models.WatchlistEntry{},
	&models.DailyStat{},
}

// New opens the database and migrates the schema. A postgres:// DSN
// selects PostgreSQL, anything else is treated as a SQLite path
// (":memory:" and "file::memory:?cache=shared" work for tests).
func New(dsn string) (*Store, error) {
	cfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}

	var db *gorm.DB
	var err error
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersist, err)
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersist, err)
		}
		log.Info().Str("path", dsn).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(allModels...); err != nil {
		return nil, fmt.Errorf("%w: migrate: %v", ErrPersist, err)
	}

	return &Store{db: db}, nil
}

// DB exposes the raw handle for tests.
func (s *Store) DB() *gorm.DB { return s.db }

// Ping verifies storage reachability for the watchdog.
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// VerifyConstraints checks that every uniqueness index of the external
// contract exists. The startup gate refuses to boot on a miss; these
// are explicit booleans, not comments. Price-precision is not checked
// here: two-decimal rounding happens at write time in the analyzer,
// SQLite has no enforceable decimal type to assert against.
func (s *Store) VerifyConstraints() error {
	m := s.db.Migrator()
	checks := []struct {
		model interface{}
		index string
	}{
		{&models.Signal{}, "idx_signal_key"},
		{&models.SignalDelivery{}, "idx_delivery_key"},
		{&models.ExitSignal{}, "idx_exit_signal_key"},
		{&models.ExitIntent{}, "idx_exit_intent_key"},
		{&models.Trade{}, "idx_trades_intent_id"},
		{&models.Trade{}, "idx_trades_client_order_id"},
		{&models.Trade{}, "idx_trades_broker_order_id"},
	}
	for _, c := range checks {
		if !m.HasIndex(c.model, c.index) {
			return fmt.Errorf("%w: missing unique index %s", ErrPersist, c.index)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- user-brokers & watchlists ---

// SaveUserBroker inserts or updates an endpoint record.
func (s *Store) SaveUserBroker(ub *models.UserBroker) error {
	if err := s.db.Save(ub).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// GetUserBroker loads one endpoint by id.
func (s *Store) GetUserBroker(id string) (*models.UserBroker, error) {
	var ub models.UserBroker
	if err := s.db.First(&ub, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return &ub, nil
}

// EnabledExecBrokers returns every enabled EXEC endpoint.
func (s *Store) EnabledExecBrokers() ([]models.UserBroker, error) {
	var ubs []models.UserBroker
	err := s.db.Where("role = ? AND enabled = ?", models.RoleExec, true).Find(&ubs).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return ubs, nil
}

// EnabledDataBrokers returns enabled DATA endpoints. The startup gate
// demands exactly one.
func (s *Store) EnabledDataBrokers() ([]models.UserBroker, error) {
	var ubs []models.UserBroker
	err := s.db.Where("role = ? AND enabled = ?", models.RoleData, true).Find(&ubs).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return ubs, nil
}

// AddWatchlistSymbol whitelists a symbol for one endpoint. Duplicate
// adds are idempotent.
func (s *Store) AddWatchlistSymbol(userBrokerID, symbol string) error {
	entry := models.WatchlistEntry{UserBrokerID: userBrokerID, Symbol: symbol}
	if err := s.db.Create(&entry).Error; err != nil {
		if err == gorm.ErrDuplicatedKey {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// SymbolWhitelisted reports whether an endpoint may trade a symbol.
func (s *Store) SymbolWhitelisted(userBrokerID, symbol string) (bool, error) {
	var n int64
	err := s.db.Model(&models.WatchlistEntry{}).
		Where("user_broker_id = ? AND symbol = ?", userBrokerID, symbol).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return n > 0, nil
}

// SubscriptionUniverse is the union of watchlist symbols across every
// enabled DATA subscriber.
func (s *Store) SubscriptionUniverse() ([]string, error) {
	var symbols []string
	err := s.db.Model(&models.WatchlistEntry{}).
		Distinct("watchlist_entries.symbol").
		Joins("JOIN user_brokers ON user_brokers.id = watchlist_entries.user_broker_id").
		Where("user_brokers.enabled = ? AND user_brokers.role = ?", true, models.RoleData).
		Pluck("watchlist_entries.symbol", &symbols).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return symbols, nil
}

// WatchersOf returns the enabled EXEC endpoints whitelisted for a
// symbol, i.e. the fan-out targets for a signal.
func (s *Store) WatchersOf(symbol string) ([]models.UserBroker, error) {
	var ubs []models.UserBroker
	err := s.db.
		Joins("JOIN watchlist_entries ON watchlist_entries.user_broker_id = user_brokers.id").
		Where("watchlist_entries.symbol = ? AND user_brokers.role = ? AND user_brokers.enabled = ?",
			symbol, models.RoleExec, true).
		Find(&ubs).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return ubs, nil
}

// --- daily stats ---

// RecordTradeResult folds one closed trade into the daily rollup.
func (s *Store) RecordTradeResult(userBrokerID string, closedAt time.Time, pnl decimal.Decimal) error {
	date := closedAt.Format("2006-01-02")
	var stat models.DailyStat
	err := s.db.Where("date = ? AND user_broker_id = ?", date, userBrokerID).First(&stat).Error
	if err == gorm.ErrRecordNotFound {
		stat = models.DailyStat{Date: date, UserBrokerID: userBrokerID}
	} else if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	stat.Trades++
	if pnl.IsNegative() {
		stat.Losses++
	} else {
		stat.Wins++
	}
	stat.RealizedPnL = stat.RealizedPnL.Add(pnl)
	if err := s.db.Save(&stat).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

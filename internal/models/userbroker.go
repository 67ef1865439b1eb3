package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BrokerRole separates the single tick source from execution endpoints.
type BrokerRole string

const (
	RoleData BrokerRole = "DATA"
	RoleExec BrokerRole = "EXEC"
)

// BrokerConnStatus is the adapter session state.
type BrokerConnStatus string

const (
	BrokerConnected    BrokerConnStatus = "CONNECTED"
	BrokerDisconnected BrokerConnStatus = "DISCONNECTED"
)

// UserBroker is one execution (or data) endpoint for one user, with the
// per-endpoint risk caps consumed by validation and sizing. Exactly one
// enabled DATA broker is permitted per deployment; the startup gate
// enforces that.
type UserBroker struct {
	ID         string     `gorm:"primaryKey"`
	UserID     string     `gorm:"index"`
	BrokerName string     // adapter registry key
	Role       BrokerRole `gorm:"index"`
	Enabled    bool       `gorm:"index"`
	Status     BrokerConnStatus
	Paused     bool

	Capital         decimal.Decimal `gorm:"type:decimal(18,2)"`
	MaxExposure     decimal.Decimal `gorm:"type:decimal(18,2)"`
	MaxPerTrade     decimal.Decimal `gorm:"type:decimal(18,2)"`
	MaxOpenTrades   int
	MaxDailyLoss    decimal.Decimal `gorm:"type:decimal(18,2)"`
	MaxWeeklyLoss   decimal.Decimal `gorm:"type:decimal(18,2)"`
	CooldownMinutes int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// WatchlistEntry whitelists one symbol for one user-broker. The shared
// tick subscription set is the union across enabled DATA subscribers.
type WatchlistEntry struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	UserBrokerID string `gorm:"uniqueIndex:idx_watchlist_key;index"`
	Symbol       string `gorm:"uniqueIndex:idx_watchlist_key;index"`
	CreatedAt    time.Time
}

// DailyStat rolls up realized results per user-broker per day. Backs
// the daily/weekly loss-limit gates and operator reporting.
type DailyStat struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	Date         string `gorm:"uniqueIndex:idx_daily_stat_key"` // YYYY-MM-DD
	UserBrokerID string `gorm:"uniqueIndex:idx_daily_stat_key;index"`
	Trades       int
	Wins         int
	Losses       int
	RealizedPnL  decimal.Decimal `gorm:"type:decimal(18,2)"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

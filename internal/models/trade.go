package models

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// TradeStatus is the lifecycle state of a trade row.
type TradeStatus string

const (
	TradeCreated   TradeStatus = "CREATED"   // row inserted, no broker call yet
	TradePending   TradeStatus = "PENDING"   // broker accepted, awaiting fill
	TradeOpen      TradeStatus = "OPEN"      // entry filled
	TradeExiting   TradeStatus = "EXITING"   // exit order in flight
	TradeClosed    TradeStatus = "CLOSED"    // exit filled, P&L realized
	TradeRejected  TradeStatus = "REJECTED"  // broker rejected the entry
	TradeCancelled TradeStatus = "CANCELLED" // cancelled or expired at broker
	TradeTimeout   TradeStatus = "TIMEOUT"   // broker silent past the pending timeout
)

// Terminal reports whether the state absorbs further writes.
func (s TradeStatus) Terminal() bool {
	switch s {
	case TradeClosed, TradeRejected, TradeCancelled, TradeTimeout:
		return true
	}
	return false
}

// validTradeTransitions is the full transition table. The trade manager
// consults it before every write; anything not listed is an invalid
// transition error.
var validTradeTransitions = map[TradeStatus][]TradeStatus{
	TradeCreated: {TradePending, TradeRejected, TradeTimeout, TradeCancelled},
	TradePending: {TradeOpen, TradeRejected, TradeCancelled, TradeTimeout},
	TradeOpen:    {TradeExiting, TradeClosed, TradeCancelled},
	TradeExiting: {TradeOpen, TradeClosed, TradeCancelled},
}

// CanTransition reports whether from → to is a legal trade transition.
func CanTransition(from, to TradeStatus) bool {
	for _, next := range validTradeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Trade is the lifecycle object from order placement to closure.
// Owned exclusively by the trade manager: every other component reads
// rows and requests transitions, it never writes them.
type Trade struct {
	ID            string  `gorm:"primaryKey"`
	IntentID      string  `gorm:"uniqueIndex"`
	ClientOrderID string  `gorm:"uniqueIndex"`
	BrokerOrderID *string `gorm:"uniqueIndex"` // partial-unique: null until accepted
	UserID        string  `gorm:"index"`
	UserBrokerID  string  `gorm:"index"`
	SignalID      string  `gorm:"index"`
	Symbol        string  `gorm:"index"`
	Direction     Direction
	TradeNumber   int         // 1 = NEWBUY, >1 = REBUY
	Status        TradeStatus `gorm:"index"`

	EntryPrice     *decimal.Decimal `gorm:"type:decimal(18,2)"`
	EntryQty       int64
	EntryValue     decimal.Decimal `gorm:"type:decimal(18,2)"`
	EntryTimestamp *time.Time

	ExitTargetPrice decimal.Decimal `gorm:"type:decimal(18,2)"`
	ExitStopPrice   decimal.Decimal `gorm:"type:decimal(18,2)"`

	TrailingActive    bool
	TrailingExtremum  *decimal.Decimal `gorm:"type:decimal(18,2)"`
	TrailingStopPrice *decimal.Decimal `gorm:"type:decimal(18,2)"`

	ExitPrice         *decimal.Decimal `gorm:"type:decimal(18,2)"`
	ExitTimestamp     *time.Time
	ExitReason        string
	RealizedPnL       *decimal.Decimal `gorm:"type:decimal(18,2)"`
	RealizedLogReturn *float64

	LastBrokerUpdateAt time.Time
	Version            int64 // row-version CAS; bumped on every write
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsLong is a convenience for direction-aware exit math.
func (t *Trade) IsLong() bool { return t.Direction == DirectionBuy }

// EntryLogLoss returns ln(stop/entry) signed by direction: the log
// return realized if the stop is hit. Negative for a live stop.
func (t *Trade) EntryLogLoss() float64 {
	if t.EntryPrice == nil || t.EntryPrice.IsZero() || t.ExitStopPrice.IsZero() {
		return 0
	}
	ratio := t.ExitStopPrice.Div(*t.EntryPrice).InexactFloat64()
	if ratio <= 0 {
		return 0
	}
	l := math.Log(ratio)
	if !t.IsLong() {
		l = -l
	}
	return l
}

// ExitReason enumerates exit detection causes.
type ExitReason string

const (
	ExitTargetHit    ExitReason = "TARGET_HIT"
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitTimeBased    ExitReason = "TIME_BASED"
	ExitTrailingStop ExitReason = "TRAILING_STOP"
	ExitManual       ExitReason = "MANUAL"
)

// ExitSignal is a per-trade detection fact. Unique by
// (tradeId, reason, episodeId); the episode advances only when the
// storage-level cooldown has elapsed.
type ExitSignal struct {
	ID         string     `gorm:"primaryKey"`
	TradeID    string     `gorm:"uniqueIndex:idx_exit_signal_key;index"`
	Reason     ExitReason `gorm:"uniqueIndex:idx_exit_signal_key"`
	EpisodeID  int        `gorm:"uniqueIndex:idx_exit_signal_key"`
	Price      decimal.Decimal `gorm:"type:decimal(18,2)"`
	DetectedAt time.Time
	CreatedAt  time.Time
}

// ExitIntentStatus is the lifecycle of one exit qualification/execution.
type ExitIntentStatus string

const (
	ExitIntentPending  ExitIntentStatus = "PENDING"
	ExitIntentApproved ExitIntentStatus = "APPROVED"
	ExitIntentRejected ExitIntentStatus = "REJECTED"
	ExitIntentPlaced   ExitIntentStatus = "PLACED"
	ExitIntentFilled   ExitIntentStatus = "FILLED"
	ExitIntentFailed   ExitIntentStatus = "FAILED"
)

// ExitIntent is the per-exit-signal qualification and execution record.
// Unique by (tradeId, userBrokerId, reason, episodeId).
type ExitIntent struct {
	ID            string           `gorm:"primaryKey"`
	ExitSignalID  string           `gorm:"index"`
	TradeID       string           `gorm:"uniqueIndex:idx_exit_intent_key;index"`
	UserBrokerID  string           `gorm:"uniqueIndex:idx_exit_intent_key"`
	Reason        ExitReason       `gorm:"uniqueIndex:idx_exit_intent_key"`
	EpisodeID     int              `gorm:"uniqueIndex:idx_exit_intent_key"`
	Status        ExitIntentStatus `gorm:"index"`
	OrderType     OrderType
	LimitPrice       *decimal.Decimal `gorm:"type:decimal(18,2)"`
	ClientOrderID    string           `gorm:"index"`
	BrokerOrderID    *string
	RejectionReasons string
	PlacedAt         *time.Time
	FilledAt         *time.Time
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ExitClientOrderID derives the idempotent broker client id for an
// exit intent.
func ExitClientOrderID(exitIntentID string) string {
	return fmt.Sprintf("X-%s", exitIntentID)
}

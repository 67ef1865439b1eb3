package models

import "time"

// EventType names every lifecycle transition broadcast by the runtime.
type EventType string

const (
	EventTick                  EventType = "TICK"
	EventCandleClosed          EventType = "CANDLE_CLOSED"
	EventSignalPublished       EventType = "SIGNAL_PUBLISHED"
	EventSignalExpired         EventType = "SIGNAL_EXPIRED"
	EventSignalDeliveryCreated EventType = "SIGNAL_DELIVERY_CREATED"
	EventIntentApproved        EventType = "INTENT_APPROVED"
	EventIntentRejected        EventType = "INTENT_REJECTED"
	EventTradeCreated          EventType = "TRADE_CREATED"
	EventTradeUpdated          EventType = "TRADE_UPDATED"
	EventTradeClosed           EventType = "TRADE_CLOSED"
	EventOrderPlaced           EventType = "ORDER_PLACED"
	EventOrderFilled           EventType = "ORDER_FILLED"
	EventOrderRejected         EventType = "ORDER_REJECTED"
	EventOrderTimeout          EventType = "ORDER_TIMEOUT"
	EventExitSignalPublished   EventType = "EXIT_SIGNAL_PUBLISHED"
	EventExitIntentApproved    EventType = "EXIT_INTENT_APPROVED"
	EventExitIntentRejected    EventType = "EXIT_INTENT_REJECTED"
	EventExitIntentPlaced      EventType = "EXIT_INTENT_PLACED"
	EventExitIntentFilled      EventType = "EXIT_INTENT_FILLED"
	EventWatchdogAlarm         EventType = "WATCHDOG_ALARM"
)

// EventScope controls hub routing. Scope and routing ids are first-class
// columns, never buried in the payload.
type EventScope string

const (
	ScopeGlobal     EventScope = "GLOBAL"
	ScopeUser       EventScope = "USER"
	ScopeUserBroker EventScope = "USER_BROKER"
)

// Event is the append-only envelope. Seq is assigned by the event-log
// writer and is strictly increasing process-wide.
type Event struct {
	Seq          int64      `gorm:"primaryKey;autoIncrement"`
	Type         EventType  `gorm:"index"`
	Scope        EventScope `gorm:"index"`
	UserID       *string    `gorm:"index"`
	UserBrokerID *string    `gorm:"index"`
	Payload      string     // JSON object
	SignalID     *string    `gorm:"index"`
	IntentID     *string    `gorm:"index"`
	TradeID      *string    `gorm:"index"`
	CreatedAt    time.Time
}

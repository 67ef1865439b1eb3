// Package models holds the domain entities shared by every component:
// ticks, candles, zones, signals and their fan-out records, trades and
// their exit lifecycle, and the event envelope.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe identifies a candle period.
type Timeframe string

const (
	Timeframe1m    Timeframe = "1m"
	Timeframe25m   Timeframe = "25m"
	Timeframe125m  Timeframe = "125m"
	TimeframeDaily Timeframe = "daily"
)

// Duration returns the wall-clock length of one period. Daily candles
// follow the session calendar, not a fixed duration; callers that seal
// daily candles go through the session clock instead.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe25m:
		return 25 * time.Minute
	case Timeframe125m:
		return 125 * time.Minute
	case TimeframeDaily:
		return 24 * time.Hour
	}
	return time.Minute
}

// Truncate aligns t down to the start of the containing period.
func (tf Timeframe) Truncate(t time.Time) time.Time {
	return t.Truncate(tf.Duration())
}

// IntradayTimeframes are the frames built live from the tick stream,
// ordered LTF → HTF.
var IntradayTimeframes = []Timeframe{Timeframe1m, Timeframe25m, Timeframe125m}

// Tick is a single trade-price update from the data broker. Immutable.
type Tick struct {
	Symbol            string
	LastPrice         decimal.Decimal
	LastQty           int64
	ExchangeTimestamp time.Time // zero when the feed omitted it
	ReceivedAt        time.Time
}

// Candle is an immutable OHLCV bar, unique by (symbol, timeframe, startTime).
type Candle struct {
	ID        uint            `gorm:"primaryKey;autoIncrement"`
	Symbol    string          `gorm:"uniqueIndex:idx_candle_key;index"`
	Timeframe Timeframe       `gorm:"uniqueIndex:idx_candle_key"`
	StartTime time.Time       `gorm:"uniqueIndex:idx_candle_key"`
	Open      decimal.Decimal `gorm:"type:decimal(18,2)"`
	High      decimal.Decimal `gorm:"type:decimal(18,2)"`
	Low       decimal.Decimal `gorm:"type:decimal(18,2)"`
	Close     decimal.Decimal `gorm:"type:decimal(18,2)"`
	Volume    int64
	CreatedAt time.Time
}

// PartialCandle is the mutable accumulator for one (symbol, timeframe).
// Single writer: only the symbol's builder task touches it.
type PartialCandle struct {
	Symbol    string
	Timeframe Timeframe
	StartTime time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    int64
}

// Apply extends the partial with one tick.
func (p *PartialCandle) Apply(price decimal.Decimal, qty int64) {
	if price.GreaterThan(p.High) {
		p.High = price
	}
	if price.LessThan(p.Low) {
		p.Low = price
	}
	p.Close = price
	p.Volume += qty
}

// Seal freezes the partial into an immutable Candle.
func (p *PartialCandle) Seal() Candle {
	return Candle{
		Symbol:    p.Symbol,
		Timeframe: p.Timeframe,
		StartTime: p.StartTime,
		Open:      p.Open,
		High:      p.High,
		Low:       p.Low,
		Close:     p.Close,
		Volume:    p.Volume,
	}
}

// Zone is a (floor, ceiling) pair for one timeframe. Floor ≤ Ceiling.
type Zone struct {
	Floor   decimal.Decimal
	Ceiling decimal.Decimal
}

// InBuyZone reports floor ≤ price ≤ ceiling.
func (z Zone) InBuyZone(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(z.Floor) && price.LessThanOrEqual(z.Ceiling)
}

// Direction of a trade.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Opposite returns the exit side for an entry direction.
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// ConfluenceType classifies buy-zone alignment across timeframes.
type ConfluenceType string

const (
	ConfluenceNone   ConfluenceType = "NONE"
	ConfluenceSingle ConfluenceType = "SINGLE"
	ConfluenceDouble ConfluenceType = "DOUBLE"
	ConfluenceTriple ConfluenceType = "TRIPLE"
)

// Rank orders confluence types for minimum-confluence comparisons.
func (c ConfluenceType) Rank() int {
	switch c {
	case ConfluenceSingle:
		return 1
	case ConfluenceDouble:
		return 2
	case ConfluenceTriple:
		return 3
	}
	return 0
}

// Strength buckets the composite confluence score.
type Strength string

const (
	StrengthWeak       Strength = "WEAK"
	StrengthModerate   Strength = "MODERATE"
	StrengthStrong     Strength = "STRONG"
	StrengthVeryStrong Strength = "VERY_STRONG"
)

// SignalStatus is the lifecycle of a published entry signal.
type SignalStatus string

const (
	SignalPublished   SignalStatus = "PUBLISHED"
	SignalExpired     SignalStatus = "EXPIRED"
	SignalInvalidated SignalStatus = "INVALIDATED"
)

// Signal is a symbol-scope market fact produced by the analyzer.
// Uniqueness: (symbol, confluenceType, signalDay, effectiveFloor,
// effectiveCeiling), enforced at the storage layer. Floor/ceiling are
// stored at two-decimal precision so the uniqueness key is stable.
type Signal struct {
	ID               string          `gorm:"primaryKey"`
	Symbol           string          `gorm:"uniqueIndex:idx_signal_key;index"`
	Direction        Direction
	ConfluenceType   ConfluenceType  `gorm:"uniqueIndex:idx_signal_key"`
	Score            float64
	Strength         Strength
	HTFLow           decimal.Decimal `gorm:"type:decimal(18,2)"`
	HTFHigh          decimal.Decimal `gorm:"type:decimal(18,2)"`
	ITFLow           decimal.Decimal `gorm:"type:decimal(18,2)"`
	ITFHigh          decimal.Decimal `gorm:"type:decimal(18,2)"`
	LTFLow           decimal.Decimal `gorm:"type:decimal(18,2)"`
	LTFHigh          decimal.Decimal `gorm:"type:decimal(18,2)"`
	EffectiveFloor   decimal.Decimal `gorm:"type:decimal(18,2);uniqueIndex:idx_signal_key"`
	EffectiveCeiling decimal.Decimal `gorm:"type:decimal(18,2);uniqueIndex:idx_signal_key"`
	RefPrice         decimal.Decimal `gorm:"type:decimal(18,2)"`
	PWin             float64
	Kelly            float64
	GeneratedAt      time.Time
	ExpiresAt        time.Time
	LastSeenAt       time.Time
	Status           SignalStatus `gorm:"index"`
	SignalDay        string       `gorm:"uniqueIndex:idx_signal_key"` // YYYY-MM-DD of GeneratedAt
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DeliveryStatus is the lifecycle of a per-user-broker signal delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliveryProcessed DeliveryStatus = "PROCESSED"
	DeliveryRejected  DeliveryStatus = "REJECTED"
)

// SignalDelivery fans one signal out to one execution user-broker.
type SignalDelivery struct {
	ID           string         `gorm:"primaryKey"`
	SignalID     string         `gorm:"uniqueIndex:idx_delivery_key;index"`
	UserBrokerID string         `gorm:"uniqueIndex:idx_delivery_key;index"`
	Status       DeliveryStatus `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// OrderType for broker orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TradeIntent is the immutable qualification outcome for one delivery.
// Its ID doubles as the broker clientOrderId, which makes order
// placement idempotent across retries.
type TradeIntent struct {
	ID               string `gorm:"primaryKey"` // = clientOrderId
	SignalID         string `gorm:"index"`
	UserBrokerID     string `gorm:"index"`
	ValidationPassed bool
	ApprovedQty      int64
	OrderType        OrderType
	LimitPrice       decimal.Decimal `gorm:"type:decimal(18,2)"`
	ProductType      string
	RejectionReasons string // comma-separated codes, earliest first
	CreatedAt        time.Time
}

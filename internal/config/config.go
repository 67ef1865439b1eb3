// Package config loads the runtime configuration from environment
// variables with typed defaults. `.env` loading happens in main via
// godotenv before this runs.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ReleaseReadiness gates which startup invariants are enforced.
type ReleaseReadiness string

const (
	ReadinessBeta ReleaseReadiness = "BETA"
	ReadinessProd ReleaseReadiness = "PROD_READY"
)

// VelocityBand maps a range/ATR ratio upper bound to a base velocity
// multiplier. Bands are sorted by MaxRatio ascending; the last band's
// value is used when the ratio exceeds every bound.
type VelocityBand struct {
	MaxRatio float64
	Base     float64
}

// Config is the full recognized option surface.
type Config struct {
	// Mode
	ProductionMode          bool
	OrderExecutionEnabled   bool
	AsyncEventWriterEnabled bool
	PersistTickEvents       bool
	ReleaseReadiness        ReleaseReadiness
	Debug                   bool

	// Storage / transport
	DatabaseDSN string
	ListenAddr  string

	// Signal qualification
	MinConfluenceType string // NONE | SINGLE | DOUBLE | TRIPLE
	MinWinProb        float64
	MinKelly          float64
	KellyFraction     float64
	KellyCap          float64

	// Confluence strength
	StrengthThresholds  [3]float64 // moderate, strong, very strong score cuts
	StrengthMultipliers map[string]float64

	// Budgets (log-return caps; negative numbers)
	PortfolioBudget float64 // L_port
	SymbolBudget    float64 // L_sym
	PositionBudget  float64 // L_pos

	// Utility-asymmetry gate: π^α ≥ λ·|ℓ|^β
	AdvantageRatio float64 // λ
	UtilityAlpha   float64 // α
	UtilityBeta    float64 // β

	// Velocity throttle
	VelocityGamma float64
	VelocityMin   float64
	VelocityTable []VelocityBand

	// Entries / exits
	SignalTTL             time.Duration
	ReentrySpacingATR     float64
	MaxHoldDays           int
	ExitCooldown          time.Duration
	ExitBlockFinalMinutes int
	MinTradeValue         decimal.Decimal

	// Trailing stop
	TrailingEnabled     bool
	TrailingActivatePct float64 // favorable move from entry that arms the trail
	TrailingDistancePct float64 // stop distance from the extremum

	// Brick filter
	BrickMinMoveAbs decimal.Decimal
	BrickMinMovePct float64

	// Reconciliation / broker
	ReconcileInterval     time.Duration
	PendingTimeout        time.Duration
	BrokerCallConcurrency int64
	BrokerCallTimeout     time.Duration
	ValidationTimeout     time.Duration

	// Hub
	HubBatchInterval time.Duration
	HubBatchMax      int

	// Market data
	DedupeWindow      time.Duration
	StaleFeedAfter    time.Duration
	SealGrace         time.Duration
	ZoneWindowLTF     int
	ZoneWindowITF     int
	ZoneWindowHTF     int
	CandleRingLTF     int
	CandleRingITF     int
	CandleRingHTF     int
	ATRPeriod         int
	MarketOpenMinute  int // minutes after midnight, exchange local time
	MarketCloseMinute int

	// Watchdog
	WatchdogInterval time.Duration

	// Operator notifications
	TelegramToken  string
	TelegramChatID int64
}

// Load reads the environment into a Config.
func Load() (*Config, error) {
	cfg := &Config{
		ProductionMode:          getEnvBool("PRODUCTION_MODE", false),
		OrderExecutionEnabled:   getEnvBool("ORDER_EXECUTION_ENABLED", false),
		AsyncEventWriterEnabled: getEnvBool("ASYNC_EVENT_WRITER_ENABLED", true),
		PersistTickEvents:       getEnvBool("PERSIST_TICK_EVENTS", false),
		ReleaseReadiness:        ReleaseReadiness(getEnv("RELEASE_READINESS", string(ReadinessBeta))),
		Debug:                   getEnvBool("DEBUG", false),

		DatabaseDSN: getEnv("DATABASE_DSN", "data/tradecore.db"),
		ListenAddr:  getEnv("LISTEN_ADDR", ":8089"),

		MinConfluenceType: getEnv("MIN_CONFLUENCE_TYPE", "TRIPLE"),
		MinWinProb:        getEnvFloat("MIN_WIN_PROB", 0.55),
		MinKelly:          getEnvFloat("MIN_KELLY", 0.01),
		KellyFraction:     getEnvFloat("KELLY_FRACTION", 0.5),
		KellyCap:          getEnvFloat("KELLY_CAP", 1.0),

		StrengthThresholds: [3]float64{
			getEnvFloat("STRENGTH_MODERATE", 0.4),
			getEnvFloat("STRENGTH_STRONG", 0.6),
			getEnvFloat("STRENGTH_VERY_STRONG", 0.8),
		},
		StrengthMultipliers: map[string]float64{
			"WEAK":        getEnvFloat("STRENGTH_MULT_WEAK", 0.5),
			"MODERATE":    getEnvFloat("STRENGTH_MULT_MODERATE", 0.75),
			"STRONG":      getEnvFloat("STRENGTH_MULT_STRONG", 1.0),
			"VERY_STRONG": getEnvFloat("STRENGTH_MULT_VERY_STRONG", 1.2),
		},

		PortfolioBudget: getEnvFloat("PORTFOLIO_BUDGET", -0.10),
		SymbolBudget:    getEnvFloat("SYMBOL_BUDGET", -0.04),
		PositionBudget:  getEnvFloat("POSITION_BUDGET", -0.02),

		AdvantageRatio: getEnvFloat("ADVANTAGE_RATIO", 3.0),
		UtilityAlpha:   getEnvFloat("UTILITY_ALPHA", 0.6),
		UtilityBeta:    getEnvFloat("UTILITY_BETA", 1.4),

		VelocityGamma: getEnvFloat("VELOCITY_GAMMA", 2.0),
		VelocityMin:   getEnvFloat("VELOCITY_MIN", 0.10),
		VelocityTable: parseVelocityTable(getEnv("VELOCITY_TABLE", "0.5:1.0,1.0:0.9,2.0:0.75,3.0:0.5,1e9:0.25")),

		SignalTTL:             getEnvMinutes("SIGNAL_TTL_MINUTES", 120),
		ReentrySpacingATR:     getEnvFloat("REENTRY_SPACING_ATR", 2.0),
		MaxHoldDays:           getEnvInt("MAX_HOLD_DAYS", 5),
		ExitCooldown:          getEnvSeconds("EXIT_COOLDOWN_SECONDS", 30),
		ExitBlockFinalMinutes: getEnvInt("EXIT_BLOCK_FINAL_MINUTES", 0),
		MinTradeValue:         getEnvDecimal("MIN_TRADE_VALUE", decimal.NewFromInt(1000)),

		TrailingEnabled:     getEnvBool("TRAILING_ENABLED", true),
		TrailingActivatePct: getEnvFloat("TRAILING_ACTIVATE_PCT", 0.01),
		TrailingDistancePct: getEnvFloat("TRAILING_DISTANCE_PCT", 0.005),

		BrickMinMoveAbs: getEnvDecimal("BRICK_MIN_MOVE_ABS", decimal.NewFromFloat(0.05)),
		BrickMinMovePct: getEnvFloat("BRICK_MIN_MOVE_PCT", 0.0005),

		ReconcileInterval:     getEnvSeconds("RECONCILE_INTERVAL_SECONDS", 30),
		PendingTimeout:        getEnvMinutes("PENDING_TIMEOUT_MINUTES", 10),
		BrokerCallConcurrency: int64(getEnvInt("BROKER_CALL_CONCURRENCY", 5)),
		BrokerCallTimeout:     getEnvSeconds("BROKER_CALL_TIMEOUT_SECONDS", 10),
		ValidationTimeout:     getEnvSeconds("VALIDATION_TIMEOUT_SECONDS", 5),

		HubBatchInterval: getEnvMillis("HUB_BATCH_INTERVAL_MS", 100),
		HubBatchMax:      getEnvInt("HUB_BATCH_MAX", 2000),

		DedupeWindow:      getEnvSeconds("DEDUPE_WINDOW_SECONDS", 60),
		StaleFeedAfter:    getEnvSeconds("STALE_FEED_SECONDS", 300),
		SealGrace:         getEnvSeconds("SEAL_GRACE_SECONDS", 5),
		ZoneWindowLTF:     getEnvInt("ZONE_WINDOW_LTF", 20),
		ZoneWindowITF:     getEnvInt("ZONE_WINDOW_ITF", 10),
		ZoneWindowHTF:     getEnvInt("ZONE_WINDOW_HTF", 10),
		CandleRingLTF:     getEnvInt("CANDLE_RING_LTF", 400),
		CandleRingITF:     getEnvInt("CANDLE_RING_ITF", 64),
		CandleRingHTF:     getEnvInt("CANDLE_RING_HTF", 32),
		ATRPeriod:         getEnvInt("ATR_PERIOD", 14),
		MarketOpenMinute:  getEnvInt("MARKET_OPEN_MINUTE", 9*60+15),
		MarketCloseMinute: getEnvInt("MARKET_CLOSE_MINUTE", 15*60+30),

		WatchdogInterval: getEnvSeconds("WATCHDOG_INTERVAL_SECONDS", 120),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.PortfolioBudget >= 0 || cfg.SymbolBudget >= 0 || cfg.PositionBudget >= 0 {
		return nil, fmt.Errorf("log-loss budgets must be negative")
	}
	if cfg.ReleaseReadiness != ReadinessBeta && cfg.ReleaseReadiness != ReadinessProd {
		return nil, fmt.Errorf("invalid RELEASE_READINESS %q", cfg.ReleaseReadiness)
	}

	return cfg, nil
}

// parseVelocityTable parses "ratio:base,..." pairs.
func parseVelocityTable(raw string) []VelocityBand {
	var bands []VelocityBand
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 {
			continue
		}
		ratio, err1 := strconv.ParseFloat(parts[0], 64)
		base, err2 := strconv.ParseFloat(parts[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		bands = append(bands, VelocityBand{MaxRatio: ratio, Base: base})
	}
	sort.Slice(bands, func(i, j int) bool { return bands[i].MaxRatio < bands[j].MaxRatio })
	return bands
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Second
}

func getEnvMinutes(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Minute
}

func getEnvMillis(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Millisecond
}

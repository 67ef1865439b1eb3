package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.ProductionMode)
	assert.Equal(t, ReadinessBeta, cfg.ReleaseReadiness)
	assert.Equal(t, "TRIPLE", cfg.MinConfluenceType)
	assert.Equal(t, 0.55, cfg.MinWinProb)
	assert.Equal(t, -0.10, cfg.PortfolioBudget)
	assert.Equal(t, 2*time.Hour, cfg.SignalTTL)
	assert.Equal(t, 30*time.Second, cfg.ExitCooldown)
	assert.Equal(t, 9*60+15, cfg.MarketOpenMinute)
	assert.Equal(t, 15*60+30, cfg.MarketCloseMinute)
	assert.Equal(t, "1000", cfg.MinTradeValue.String())
	assert.EqualValues(t, 5, cfg.BrokerCallConcurrency)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ORDER_EXECUTION_ENABLED", "true")
	t.Setenv("RELEASE_READINESS", "PROD_READY")
	t.Setenv("KELLY_FRACTION", "0.25")
	t.Setenv("POSITION_BUDGET", "-0.015")
	t.Setenv("EXIT_BLOCK_FINAL_MINUTES", "10")
	t.Setenv("MIN_TRADE_VALUE", "2500.50")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.OrderExecutionEnabled)
	assert.Equal(t, ReadinessProd, cfg.ReleaseReadiness)
	assert.Equal(t, 0.25, cfg.KellyFraction)
	assert.Equal(t, -0.015, cfg.PositionBudget)
	assert.Equal(t, 10, cfg.ExitBlockFinalMinutes)
	assert.Equal(t, "2500.5", cfg.MinTradeValue.String())
}

func TestLoadRejectsNonNegativeBudgets(t *testing.T) {
	t.Setenv("SYMBOL_BUDGET", "0.04")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "budgets must be negative")
}

func TestLoadRejectsUnknownReadiness(t *testing.T) {
	t.Setenv("RELEASE_READINESS", "ALPHA")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELEASE_READINESS")
}

func TestLoadRejectsBadChatID(t *testing.T) {
	t.Setenv("TELEGRAM_CHAT_ID", "not-a-number")

	_, err := Load()
	assert.Error(t, err)
}

func TestParseVelocityTable(t *testing.T) {
	bands := parseVelocityTable("2.0:0.75,0.5:1.0, 1e9:0.25 ,bad,also:bad")
	require.Len(t, bands, 3)
	// Sorted by ratio ascending.
	assert.Equal(t, VelocityBand{MaxRatio: 0.5, Base: 1.0}, bands[0])
	assert.Equal(t, VelocityBand{MaxRatio: 2.0, Base: 0.75}, bands[1])
	assert.Equal(t, VelocityBand{MaxRatio: 1e9, Base: 0.25}, bands[2])
}

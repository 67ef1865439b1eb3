package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestTradeTransitions(t *testing.T) {
	assert.True(t, CanTransition(TradeCreated, TradePending))
	assert.True(t, CanTransition(TradeCreated, TradeRejected))
	assert.True(t, CanTransition(TradePending, TradeOpen))
	assert.True(t, CanTransition(TradePending, TradeTimeout))
	assert.True(t, CanTransition(TradeOpen, TradeClosed))
	assert.True(t, CanTransition(TradeOpen, TradeCancelled))

	// No regression from OPEN back to PENDING, ever.
	assert.False(t, CanTransition(TradeOpen, TradePending))
	assert.False(t, CanTransition(TradeClosed, TradeOpen))
	assert.False(t, CanTransition(TradeRejected, TradePending))
	assert.False(t, CanTransition(TradeCreated, TradeOpen))
}

func TestTerminalStatesAbsorb(t *testing.T) {
	for _, s := range []TradeStatus{TradeClosed, TradeRejected, TradeCancelled, TradeTimeout} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []TradeStatus{TradeCreated, TradePending, TradeOpen, TradeExiting} {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestEntryLogLoss(t *testing.T) {
	entry := decimal.NewFromInt(100)
	long := &Trade{
		Direction:     DirectionBuy,
		EntryPrice:    &entry,
		ExitStopPrice: decimal.NewFromInt(95),
	}
	// ln(95/100) ≈ -0.0513
	assert.InDelta(t, -0.0513, long.EntryLogLoss(), 0.001)

	short := &Trade{
		Direction:     DirectionSell,
		EntryPrice:    &entry,
		ExitStopPrice: decimal.NewFromInt(105),
	}
	// Short stop above entry still realizes a loss.
	assert.InDelta(t, -0.0488, short.EntryLogLoss(), 0.001)

	assert.Zero(t, (&Trade{}).EntryLogLoss())
}

func TestDirectionOpposite(t *testing.T) {
	assert.Equal(t, DirectionSell, DirectionBuy.Opposite())
	assert.Equal(t, DirectionBuy, DirectionSell.Opposite())
}

func TestConfluenceRank(t *testing.T) {
	assert.Greater(t, ConfluenceTriple.Rank(), ConfluenceDouble.Rank())
	assert.Greater(t, ConfluenceDouble.Rank(), ConfluenceSingle.Rank())
	assert.Greater(t, ConfluenceSingle.Rank(), ConfluenceNone.Rank())
}

func TestExitClientOrderID(t *testing.T) {
	assert.Equal(t, "X-abc", ExitClientOrderID("abc"))
}

func TestPartialCandleSeal(t *testing.T) {
	p := &PartialCandle{
		Symbol: "X", Timeframe: Timeframe1m,
		Open: decimal.NewFromInt(10), High: decimal.NewFromInt(10),
		Low: decimal.NewFromInt(10), Close: decimal.NewFromInt(10), Volume: 5,
	}
	p.Apply(decimal.NewFromInt(12), 3)
	p.Apply(decimal.NewFromInt(9), 2)

	c := p.Seal()
	assert.True(t, c.High.Equal(decimal.NewFromInt(12)))
	assert.True(t, c.Low.Equal(decimal.NewFromInt(9)))
	assert.True(t, c.Close.Equal(decimal.NewFromInt(9)))
	assert.EqualValues(t, 10, c.Volume)
}

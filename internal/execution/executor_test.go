package execution

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsurge/tradecore/internal/broker"
	"github.com/quantsurge/tradecore/internal/models"
)

func fixedPrice(p float64) broker.PriceSource {
	return func(string) (decimal.Decimal, bool) {
		return decimal.NewFromFloat(p), true
	}
}

func approvedIntent(id string, qty int64) *models.TradeIntent {
	return &models.TradeIntent{
		ID: id, SignalID: "sig-1", UserBrokerID: "ub1",
		ValidationPassed: true, ApprovedQty: qty,
		OrderType: models.OrderTypeMarket, ProductType: "CNC",
	}
}

func entrySignal() *models.Signal {
	return &models.Signal{
		ID: "sig-1", Symbol: "RELIANCE", Direction: models.DirectionBuy,
		EffectiveFloor:   decimal.NewFromInt(2400),
		EffectiveCeiling: decimal.NewFromInt(2500),
		RefPrice:         decimal.NewFromInt(2450),
	}
}

func TestEntryExecutorPlacesAndMarksPending(t *testing.T) {
	st, _, mgr := newExecStore(t)
	reg := broker.NewRegistry()
	reg.Register("ub1", broker.NewPaper("paper", fixedPrice(2450)))
	e := NewEntryExecutor(executionCfg(), reg, mgr, &SafetySwitch{})

	require.NoError(t, e.Execute(context.Background(), approvedIntent("intent-1", 4), entrySignal(), "u1"))

	tr, err := st.GetTradeByIntent("intent-1")
	require.NoError(t, err)
	assert.Equal(t, models.TradePending, tr.Status)
	require.NotNil(t, tr.BrokerOrderID)
	assert.NotEmpty(t, *tr.BrokerOrderID)

	// Replay is a no-op: same trade, same broker order.
	require.NoError(t, e.Execute(context.Background(), approvedIntent("intent-1", 4), entrySignal(), "u1"))
	again, err := st.GetTradeByIntent("intent-1")
	require.NoError(t, err)
	assert.Equal(t, tr.ID, again.ID)
	assert.Equal(t, *tr.BrokerOrderID, *again.BrokerOrderID)
}

func TestEntryExecutorHoldsWhenDisabled(t *testing.T) {
	st, _, mgr := newExecStore(t)
	cfg := executionCfg()
	cfg.OrderExecutionEnabled = false
	e := NewEntryExecutor(cfg, broker.NewRegistry(), mgr, &SafetySwitch{})

	require.NoError(t, e.Execute(context.Background(), approvedIntent("intent-1", 4), entrySignal(), "u1"))

	tr, err := st.GetTradeByIntent("intent-1")
	require.NoError(t, err)
	assert.Equal(t, models.TradeCreated, tr.Status)
}

func TestEntryExecutorRefusesWhileGuardArmed(t *testing.T) {
	st, _, mgr := newExecStore(t)
	guard := &SafetySwitch{}
	guard.Arm()
	e := NewEntryExecutor(executionCfg(), broker.NewRegistry(), mgr, guard)

	require.NoError(t, e.Execute(context.Background(), approvedIntent("intent-1", 4), entrySignal(), "u1"))

	tr, err := st.GetTradeByIntent("intent-1")
	require.NoError(t, err)
	assert.Equal(t, models.TradeCreated, tr.Status)
}

func TestEntryExecutorRecordsBrokerReject(t *testing.T) {
	st, _, mgr := newExecStore(t)
	reg := broker.NewRegistry()
	reg.Register("ub1", broker.NewPaper("paper", fixedPrice(2450)))
	e := NewEntryExecutor(executionCfg(), reg, mgr, &SafetySwitch{})

	// The paper venue rejects sub-one quantities synchronously.
	require.NoError(t, e.Execute(context.Background(), approvedIntent("intent-1", 0), entrySignal(), "u1"))

	tr, err := st.GetTradeByIntent("intent-1")
	require.NoError(t, err)
	assert.Equal(t, models.TradeRejected, tr.Status)
	assert.Equal(t, "INVALID_QTY", tr.ExitReason)
}

func TestExitExecutorPlacesOnce(t *testing.T) {
	st, b, mgr := newExecStore(t)
	openTrade(t, st, "t1", models.DirectionBuy, 2450, 2500, 2400)

	paper := broker.NewPaper("paper", fixedPrice(2400))
	reg := broker.NewRegistry()
	reg.Register("ub1", paper)
	e := NewExitExecutor(executionCfg(), st, reg, mgr, b, &SafetySwitch{})

	ei := &models.ExitIntent{
		ID: "ei1", TradeID: "t1", UserBrokerID: "ub1",
		Reason: models.ExitStopLoss, EpisodeID: 1,
		Status:        models.ExitIntentApproved,
		OrderType:     models.OrderTypeMarket,
		ClientOrderID: models.ExitClientOrderID("ei1"),
	}
	require.NoError(t, st.CreateExitIntent(ei))

	require.NoError(t, e.Place(context.Background(), ei))

	saved, err := st.GetExitIntent("ei1")
	require.NoError(t, err)
	assert.Equal(t, models.ExitIntentPlaced, saved.Status)
	require.NotNil(t, saved.BrokerOrderID)
	assert.NotNil(t, saved.PlacedAt)

	// The exit side is the opposite of the entry at the full position.
	state, err := paper.GetOrderStatus(context.Background(), "X-ei1")
	require.NoError(t, err)
	assert.EqualValues(t, 4, state.FilledQty)

	// The trade carries the in-flight exit; the detector leaves it alone.
	tr, err := st.GetTrade("t1")
	require.NoError(t, err)
	assert.Equal(t, models.TradeExiting, tr.Status)
	open, err := st.OpenTradesForSymbol(tr.Symbol)
	require.NoError(t, err)
	assert.Empty(t, open)

	// A racing second placer finds the row already PLACED and backs off.
	require.NoError(t, e.Place(context.Background(), ei))
	again, err := st.GetExitIntent("ei1")
	require.NoError(t, err)
	assert.Equal(t, *saved.BrokerOrderID, *again.BrokerOrderID)
}

func TestExitExecutorSweepPicksUpApproved(t *testing.T) {
	st, b, mgr := newExecStore(t)
	openTrade(t, st, "t1", models.DirectionBuy, 2450, 2500, 2400)

	reg := broker.NewRegistry()
	reg.Register("ub1", broker.NewPaper("paper", fixedPrice(2400)))
	e := NewExitExecutor(executionCfg(), st, reg, mgr, b, &SafetySwitch{})

	require.NoError(t, st.CreateExitIntent(&models.ExitIntent{
		ID: "ei1", TradeID: "t1", UserBrokerID: "ub1",
		Reason: models.ExitStopLoss, EpisodeID: 1,
		Status:        models.ExitIntentApproved,
		OrderType:     models.OrderTypeMarket,
		ClientOrderID: models.ExitClientOrderID("ei1"),
	}))

	e.Sweep(context.Background())

	saved, err := st.GetExitIntent("ei1")
	require.NoError(t, err)
	assert.Equal(t, models.ExitIntentPlaced, saved.Status)
}

package signals

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsurge/tradecore/internal/analyzer"
	"github.com/quantsurge/tradecore/internal/broker"
	"github.com/quantsurge/tradecore/internal/bus"
	"github.com/quantsurge/tradecore/internal/config"
	"github.com/quantsurge/tradecore/internal/execution"
	"github.com/quantsurge/tradecore/internal/marketdata"
	"github.com/quantsurge/tradecore/internal/models"
	"github.com/quantsurge/tradecore/internal/sizing"
	"github.com/quantsurge/tradecore/internal/storage"
	"github.com/quantsurge/tradecore/internal/trades"
	"github.com/quantsurge/tradecore/internal/validation"
)

func signalsCfg() *config.Config {
	return &config.Config{
		MinConfluenceType: "TRIPLE",
		MinWinProb:        0.55,
		MinKelly:          0.01,
		KellyFraction:     1.0,
		KellyCap:          1.0,
		StrengthMultipliers: map[string]float64{
			"MODERATE": 0.8, "STRONG": 1.0, "VERY_STRONG": 2.0,
		},
		PortfolioBudget:   -0.10,
		SymbolBudget:      -0.04,
		PositionBudget:    -0.03,
		VelocityGamma:     2.0,
		VelocityMin:       0.10,
		VelocityTable:     []config.VelocityBand{{MaxRatio: 1e9, Base: 1.0}},
		ReentrySpacingATR: 2.0,
		MinTradeValue:     decimal.NewFromInt(1000),
		ValidationTimeout: 5 * time.Second,

		OrderExecutionEnabled: true,
		MaxHoldDays:           5,
		BrickMinMoveAbs:       decimal.NewFromFloat(0.05),
		BrickMinMovePct:       0.0005,
		ExitCooldown:          30 * time.Second,
	}
}

type signalsHarness struct {
	mgr   *Manager
	store *storage.Store
	paper *broker.Paper
	price decimal.Decimal
}

// newHarness wires the full entry and exit path against the paper
// broker, with an all-day session so the tests are clock independent.
func newHarness(t *testing.T) *signalsHarness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	st, err := storage.New(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := signalsCfg()
	b := bus.New(st)
	h := &signalsHarness{store: st, price: decimal.NewFromInt(2450)}
	h.paper = broker.NewPaper("paper", func(string) (decimal.Decimal, bool) { return h.price, true })
	reg := broker.NewRegistry()
	reg.Register("ub1", h.paper)

	candles := marketdata.NewCandleStore(st, map[models.Timeframe]int{models.Timeframe1m: 32})
	an := analyzer.New(analyzer.Params{WindowLTF: 5, WindowITF: 2, WindowHTF: 2, ATRPeriod: 3}, candles)
	validator := validation.NewService(cfg, st, sizing.New(cfg), an, b)

	tradeMgr := trades.NewManager(st, b)
	guard := &execution.SafetySwitch{}
	entryExec := execution.NewEntryExecutor(cfg, reg, tradeMgr, guard)
	clock := marketdata.NewSessionClock(0, 24*60, time.UTC)
	qualifier := execution.NewExitQualifier(cfg, st, clock, b)
	exitExec := execution.NewExitExecutor(cfg, st, reg, tradeMgr, b, guard)

	lookup := func(string) (decimal.Decimal, bool) { return h.price, true }
	h.mgr = NewManager(cfg, st, b, validator, entryExec, qualifier, exitExec, clock, lookup)
	h.mgr.ctx = context.Background()
	return h
}

func watchedEndpoint(t *testing.T, st *storage.Store, id string) {
	t.Helper()
	require.NoError(t, st.SaveUserBroker(&models.UserBroker{
		ID: id, UserID: "u1", BrokerName: "paper",
		Role: models.RoleExec, Enabled: true, Status: models.BrokerConnected,
		Capital: decimal.NewFromInt(100000),
	}))
	require.NoError(t, st.AddWatchlistSymbol(id, "RELIANCE"))
}

func candidate() *models.Signal {
	now := time.Date(2026, 1, 5, 11, 0, 0, 0, time.UTC)
	return &models.Signal{
		Symbol:           "RELIANCE",
		Direction:        models.DirectionBuy,
		ConfluenceType:   models.ConfluenceTriple,
		Strength:         models.StrengthVeryStrong,
		EffectiveFloor:   decimal.NewFromInt(2400),
		EffectiveCeiling: decimal.NewFromInt(2500),
		RefPrice:         decimal.NewFromInt(2450),
		PWin:             0.6,
		Kelly:            0.05,
		Status:           models.SignalPublished,
		GeneratedAt:      now,
		LastSeenAt:       now,
		ExpiresAt:        now.Add(2 * time.Hour),
	}
}

func (h *signalsHarness) deliveries(t *testing.T) []models.SignalDelivery {
	t.Helper()
	var ds []models.SignalDelivery
	require.NoError(t, h.store.DB().Find(&ds).Error)
	return ds
}

func (h *signalsHarness) trades(t *testing.T) []models.Trade {
	t.Helper()
	var ts []models.Trade
	require.NoError(t, h.store.DB().Find(&ts).Error)
	return ts
}

func TestEntryFlowPublishesValidatesAndPlaces(t *testing.T) {
	h := newHarness(t)
	watchedEndpoint(t, h.store, "ub1")

	h.mgr.handleEntry(candidate())

	ds := h.deliveries(t)
	require.Len(t, ds, 1)
	assert.Equal(t, models.DeliveryProcessed, ds[0].Status)

	ts := h.trades(t)
	require.Len(t, ts, 1)
	assert.Equal(t, models.TradePending, ts[0].Status)
	// 100000 · 0.05 · 2.0 / 2450
	assert.EqualValues(t, 4, ts[0].EntryQty)
	require.NotNil(t, ts[0].BrokerOrderID)
}

func TestEntryFlowCollapsesRepeatedCandidate(t *testing.T) {
	h := newHarness(t)
	watchedEndpoint(t, h.store, "ub1")

	h.mgr.handleEntry(candidate())
	first := h.deliveries(t)
	require.Len(t, first, 1)

	// The analyzer keeps seeing the same market fact on later candles.
	later := candidate()
	later.LastSeenAt = later.LastSeenAt.Add(time.Minute)
	h.mgr.handleEntry(later)

	assert.Len(t, h.deliveries(t), 1)
	assert.Len(t, h.trades(t), 1)

	sigs, err := h.store.ActiveSignals()
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.True(t, sigs[0].LastSeenAt.After(sigs[0].GeneratedAt))
}

func TestEntryFanOutOnlyReachesWatchers(t *testing.T) {
	h := newHarness(t)
	watchedEndpoint(t, h.store, "ub1")
	// ub2 trades other symbols.
	require.NoError(t, h.store.SaveUserBroker(&models.UserBroker{
		ID: "ub2", UserID: "u2", BrokerName: "paper",
		Role: models.RoleExec, Enabled: true, Status: models.BrokerConnected,
		Capital: decimal.NewFromInt(100000),
	}))
	require.NoError(t, h.store.AddWatchlistSymbol("ub2", "TCS"))

	h.mgr.handleEntry(candidate())

	ds := h.deliveries(t)
	require.Len(t, ds, 1)
	assert.Equal(t, "ub1", ds[0].UserBrokerID)
}

func TestExitFlowPlacesApprovedIntentOnce(t *testing.T) {
	h := newHarness(t)
	watchedEndpoint(t, h.store, "ub1")

	entry := decimal.NewFromInt(2450)
	entryAt := time.Now().Add(-time.Hour)
	_, _, err := h.store.InsertTrade(&models.Trade{
		ID: "t1", IntentID: "i1", ClientOrderID: "i1",
		UserID: "u1", UserBrokerID: "ub1", Symbol: "RELIANCE",
		Direction: models.DirectionBuy, Status: models.TradeOpen,
		EntryPrice: &entry, EntryQty: 4, EntryTimestamp: &entryAt,
		ExitTargetPrice:    decimal.NewFromInt(2500),
		ExitStopPrice:      decimal.NewFromInt(2400),
		LastBrokerUpdateAt: time.Now(),
	})
	require.NoError(t, err)

	h.mgr.handleExit(execution.ExitCandidate{
		TradeID: "t1", Reason: models.ExitStopLoss,
		Price: decimal.NewFromInt(2399),
	})

	placed, err := h.store.ExitIntentsByStatus(models.ExitIntentPlaced)
	require.NoError(t, err)
	require.Len(t, placed, 1)
	assert.Equal(t, models.OrderTypeMarket, placed[0].OrderType)
	assert.EqualValues(t, 1, placed[0].EpisodeID)

	// A second detection inside the cooldown is swallowed by the
	// episode allocator.
	h.mgr.handleExit(execution.ExitCandidate{
		TradeID: "t1", Reason: models.ExitStopLoss,
		Price: decimal.NewFromInt(2398),
	})
	all, err := h.store.ExitIntentsByStatus(
		models.ExitIntentPending, models.ExitIntentApproved,
		models.ExitIntentPlaced, models.ExitIntentFilled)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStopSurvivesConcurrentSubmissions(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				h.mgr.SubmitExitCandidate(execution.ExitCandidate{
					TradeID: fmt.Sprintf("t-%d-%d", g, i),
					Reason:  models.ExitStopLoss,
					Price:   decimal.NewFromInt(2399),
				})
			}
		}(g)
	}

	// Must return: no coordinator may be resurrected after its channel
	// closes, and no send may hit a closed channel.
	h.mgr.Stop()
	wg.Wait()

	// Submissions after shutdown are discarded, not re-queued.
	h.mgr.SubmitCandidate(candidate())
	h.mgr.SubmitExitCandidate(execution.ExitCandidate{
		TradeID: "late", Reason: models.ExitTargetHit, Price: decimal.NewFromInt(2500),
	})
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()
	assert.Empty(t, h.mgr.entryQ)
	assert.Empty(t, h.mgr.exitQ)
}

func TestExpirePassRetiresAndInvalidates(t *testing.T) {
	h := newHarness(t)
	now := time.Now()

	expired := candidate()
	expired.ID = "sig-expired"
	expired.ExpiresAt = now.Add(-time.Minute)
	_, created, err := h.store.UpsertSignal(expired)
	require.NoError(t, err)
	require.True(t, created)

	// Same symbol, different band: the current price 2450 sits below its
	// floor, so the zone no longer holds.
	broken := candidate()
	broken.ID = "sig-broken"
	broken.EffectiveFloor = decimal.NewFromInt(2460)
	broken.EffectiveCeiling = decimal.NewFromInt(2520)
	broken.ExpiresAt = now.Add(time.Hour)
	_, created, err = h.store.UpsertSignal(broken)
	require.NoError(t, err)
	require.True(t, created)

	live := candidate()
	live.ID = "sig-live"
	live.Symbol = "INFY"
	live.ExpiresAt = now.Add(time.Hour)
	_, created, err = h.store.UpsertSignal(live)
	require.NoError(t, err)
	require.True(t, created)

	h.mgr.expirePass(now)

	get := func(id string) models.SignalStatus {
		sig, err := h.store.GetSignal(id)
		require.NoError(t, err)
		return sig.Status
	}
	assert.Equal(t, models.SignalExpired, get("sig-expired"))
	assert.Equal(t, models.SignalInvalidated, get("sig-broken"))
	assert.Equal(t, models.SignalPublished, get("sig-live"))
}

func TestRebuildFinishesInterruptedDeliveries(t *testing.T) {
	h := newHarness(t)
	watchedEndpoint(t, h.store, "ub1")

	sig := candidate()
	sig.ID = "sig-1"
	_, created, err := h.store.UpsertSignal(sig)
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, h.store.CreateDelivery(&models.SignalDelivery{
		ID: "d1", SignalID: "sig-1", UserBrokerID: "ub1",
		Status: models.DeliveryPending,
	}))

	require.NoError(t, h.mgr.rebuild())

	ds := h.deliveries(t)
	require.Len(t, ds, 1)
	assert.Equal(t, models.DeliveryProcessed, ds[0].Status)
	assert.Len(t, h.trades(t), 1)
}

func TestRebuildRejectsDeliveriesOfDeadSignals(t *testing.T) {
	h := newHarness(t)
	watchedEndpoint(t, h.store, "ub1")

	sig := candidate()
	sig.ID = "sig-1"
	_, _, err := h.store.UpsertSignal(sig)
	require.NoError(t, err)
	moved, err := h.store.MarkSignalStatus("sig-1", models.SignalExpired)
	require.NoError(t, err)
	require.True(t, moved)
	require.NoError(t, h.store.CreateDelivery(&models.SignalDelivery{
		ID: "d1", SignalID: "sig-1", UserBrokerID: "ub1",
		Status: models.DeliveryPending,
	}))

	require.NoError(t, h.mgr.rebuild())

	ds := h.deliveries(t)
	require.Len(t, ds, 1)
	assert.Equal(t, models.DeliveryRejected, ds[0].Status)
	assert.Empty(t, h.trades(t))
}

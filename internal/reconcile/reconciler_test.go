package reconcile

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsurge/tradecore/internal/broker"
	"github.com/quantsurge/tradecore/internal/bus"
	"github.com/quantsurge/tradecore/internal/config"
	"github.com/quantsurge/tradecore/internal/models"
	"github.com/quantsurge/tradecore/internal/storage"
	"github.com/quantsurge/tradecore/internal/trades"
)

func reconcileCfg() *config.Config {
	return &config.Config{
		ReconcileInterval:     30 * time.Second,
		PendingTimeout:        10 * time.Minute,
		BrokerCallConcurrency: 2,
	}
}

func newReconciler(t *testing.T, reg *broker.Registry) (*Reconciler, *storage.Store, *bus.Bus) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	st, err := storage.New(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	b := bus.New(st)
	mgr := trades.NewManager(st, b)
	return New(reconcileCfg(), st, reg, mgr, b), st, b
}

// stubBroker answers status polls with a fixed state, standing in for a
// venue whose async updates were lost.
type stubBroker struct {
	state OrderState
	err   error
}

type OrderState = broker.OrderState

func (s *stubBroker) Name() string             { return "stub" }
func (s *stubBroker) ProductionEndpoint() bool { return false }
func (s *stubBroker) PlaceOrder(context.Context, broker.OrderRequest) (broker.OrderAck, error) {
	return broker.OrderAck{}, nil
}
func (s *stubBroker) ModifyOrder(context.Context, string, int64, decimal.Decimal) error { return nil }
func (s *stubBroker) CancelOrder(context.Context, string) error                         { return nil }
func (s *stubBroker) GetOrderStatus(context.Context, string) (broker.OrderState, error) {
	return s.state, s.err
}
func (s *stubBroker) GetHistoricalCandles(context.Context, string, models.Timeframe, time.Time, time.Time) ([]models.Candle, error) {
	return nil, nil
}
func (s *stubBroker) TickStream(ctx context.Context, _ []string, _ chan<- models.Tick) error {
	<-ctx.Done()
	return ctx.Err()
}

func staleTrade(t *testing.T, st *storage.Store, id string, status models.TradeStatus) *models.Trade {
	t.Helper()
	now := time.Now()
	tr := &models.Trade{
		ID: id, IntentID: "intent-" + id, ClientOrderID: "intent-" + id,
		UserID: "u1", UserBrokerID: "ub1", SignalID: "sig-1",
		Symbol: "RELIANCE", Direction: models.DirectionBuy, TradeNumber: 1,
		Status: status, EntryQty: 4,
		ExitTargetPrice:    decimal.NewFromInt(2500),
		ExitStopPrice:      decimal.NewFromInt(2400),
		LastBrokerUpdateAt: now.Add(-2 * time.Minute),
		CreatedAt:          now.Add(-2 * time.Minute),
	}
	if status == models.TradePending {
		bid := "B-" + id
		tr.BrokerOrderID = &bid
	}
	_, _, err := st.InsertTrade(tr)
	require.NoError(t, err)
	return tr
}

func TestReconcileEntryHealsLostFill(t *testing.T) {
	reg := broker.NewRegistry()
	reg.Register("ub1", &stubBroker{state: broker.OrderState{
		BrokerOrderID: "B-t1", Status: broker.StatusComplete,
		FilledQty: 4, AvgFillPrice: decimal.NewFromInt(2451),
		UpdatedAt: time.Now(),
	}})
	r, st, _ := newReconciler(t, reg)
	staleTrade(t, st, "t1", models.TradePending)

	r.ReconcileEntries(context.Background())

	got, err := st.GetTrade("t1")
	require.NoError(t, err)
	assert.Equal(t, models.TradeOpen, got.Status)
	require.NotNil(t, got.EntryPrice)
	assert.Equal(t, "2451", got.EntryPrice.String())
	assert.EqualValues(t, 4, got.EntryQty)
}

func TestReconcileEntryReplaysBothTransitions(t *testing.T) {
	// Both the accept and the fill were lost: the row is still CREATED.
	reg := broker.NewRegistry()
	reg.Register("ub1", &stubBroker{state: broker.OrderState{
		BrokerOrderID: "B-t1", Status: broker.StatusFilled,
		FilledQty: 4, AvgFillPrice: decimal.NewFromInt(2452),
		UpdatedAt: time.Now(),
	}})
	r, st, _ := newReconciler(t, reg)
	staleTrade(t, st, "t1", models.TradeCreated)

	r.ReconcileEntries(context.Background())

	got, err := st.GetTrade("t1")
	require.NoError(t, err)
	assert.Equal(t, models.TradeOpen, got.Status)
	require.NotNil(t, got.BrokerOrderID)
	assert.Equal(t, "B-t1", *got.BrokerOrderID)
}

func TestReconcileEntryTimesOutSilentBroker(t *testing.T) {
	reg := broker.NewRegistry()
	reg.Register("ub1", &stubBroker{err: broker.ErrOrderNotFound})
	r, st, _ := newReconciler(t, reg)

	tr := staleTrade(t, st, "t1", models.TradeCreated)
	// Push creation past the pending timeout.
	require.NoError(t, st.DB().Model(&models.Trade{}).Where("id = ?", tr.ID).
		Update("created_at", time.Now().Add(-20*time.Minute)).Error)

	r.ReconcileEntries(context.Background())

	got, err := st.GetTrade("t1")
	require.NoError(t, err)
	assert.Equal(t, models.TradeTimeout, got.Status)
}

func TestReconcileEntryUnknownOrderRefreshesWatermark(t *testing.T) {
	reg := broker.NewRegistry()
	reg.Register("ub1", &stubBroker{err: broker.ErrOrderNotFound})
	r, st, _ := newReconciler(t, reg)
	tr := staleTrade(t, st, "t1", models.TradeCreated)

	r.ReconcileEntries(context.Background())

	got, err := st.GetTrade("t1")
	require.NoError(t, err)
	assert.Equal(t, models.TradeCreated, got.Status)
	assert.True(t, got.LastBrokerUpdateAt.After(tr.LastBrokerUpdateAt))
}

func TestReconcileEntryBrokerReject(t *testing.T) {
	reg := broker.NewRegistry()
	reg.Register("ub1", &stubBroker{state: broker.OrderState{
		Status: broker.StatusRejected, RejectReason: "RMS_MARGIN",
	}})
	r, st, _ := newReconciler(t, reg)
	staleTrade(t, st, "t1", models.TradeCreated)

	r.ReconcileEntries(context.Background())

	got, err := st.GetTrade("t1")
	require.NoError(t, err)
	assert.Equal(t, models.TradeRejected, got.Status)
	assert.Equal(t, "RMS_MARGIN", got.ExitReason)
}

func TestReconcileExitClosesTrade(t *testing.T) {
	reg := broker.NewRegistry()
	reg.Register("ub1", &stubBroker{state: broker.OrderState{
		BrokerOrderID: "B-x1", Status: broker.StatusComplete,
		FilledQty: 4, AvgFillPrice: decimal.NewFromInt(2400),
		UpdatedAt: time.Now(),
	}})
	r, st, b := newReconciler(t, reg)

	entry := decimal.NewFromInt(2450)
	entryAt := time.Now().Add(-time.Hour)
	_, _, err := st.InsertTrade(&models.Trade{
		ID: "t1", IntentID: "i1", ClientOrderID: "i1",
		UserID: "u1", UserBrokerID: "ub1", Symbol: "RELIANCE",
		Direction: models.DirectionBuy, Status: models.TradeExiting,
		EntryPrice: &entry, EntryQty: 4, EntryTimestamp: &entryAt,
		ExitTargetPrice:    decimal.NewFromInt(2500),
		ExitStopPrice:      decimal.NewFromInt(2400),
		LastBrokerUpdateAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, st.CreateExitIntent(&models.ExitIntent{
		ID: "ei1", TradeID: "t1", UserBrokerID: "ub1",
		Reason: models.ExitStopLoss, EpisodeID: 1,
		Status:        models.ExitIntentPlaced,
		OrderType:     models.OrderTypeMarket,
		ClientOrderID: models.ExitClientOrderID("ei1"),
	}))

	r.ReconcileExits(context.Background())

	ei, err := st.GetExitIntent("ei1")
	require.NoError(t, err)
	assert.Equal(t, models.ExitIntentFilled, ei.Status)

	got, err := st.GetTrade("t1")
	require.NoError(t, err)
	assert.Equal(t, models.TradeClosed, got.Status)
	assert.Equal(t, string(models.ExitStopLoss), got.ExitReason)
	require.NotNil(t, got.RealizedPnL)
	assert.Equal(t, "-200", got.RealizedPnL.String())

	// Cause before effect in the log: the intent fill precedes the close.
	events, err := b.Replay(0, 100)
	require.NoError(t, err)
	var fillSeq, closeSeq int64
	for _, e := range events {
		switch e.Type {
		case models.EventExitIntentFilled:
			fillSeq = e.Seq
		case models.EventTradeClosed:
			closeSeq = e.Seq
		}
	}
	require.NotZero(t, fillSeq)
	require.NotZero(t, closeSeq)
	assert.Less(t, fillSeq, closeSeq)
}

func TestReconcileExitBrokerCancelFails(t *testing.T) {
	reg := broker.NewRegistry()
	reg.Register("ub1", &stubBroker{state: broker.OrderState{Status: broker.StatusCancelled}})
	r, st, _ := newReconciler(t, reg)

	entry := decimal.NewFromInt(2450)
	entryAt := time.Now().Add(-time.Hour)
	_, _, err := st.InsertTrade(&models.Trade{
		ID: "t1", IntentID: "i1", ClientOrderID: "i1",
		UserID: "u1", UserBrokerID: "ub1", Symbol: "RELIANCE",
		Direction: models.DirectionBuy, Status: models.TradeExiting,
		EntryPrice: &entry, EntryQty: 4, EntryTimestamp: &entryAt,
		ExitTargetPrice:    decimal.NewFromInt(2500),
		ExitStopPrice:      decimal.NewFromInt(2400),
		LastBrokerUpdateAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, st.CreateExitIntent(&models.ExitIntent{
		ID: "ei1", TradeID: "t1", UserBrokerID: "ub1",
		Reason: models.ExitStopLoss, EpisodeID: 1,
		Status:        models.ExitIntentPlaced,
		OrderType:     models.OrderTypeMarket,
		ClientOrderID: models.ExitClientOrderID("ei1"),
	}))

	r.ReconcileExits(context.Background())

	ei, err := st.GetExitIntent("ei1")
	require.NoError(t, err)
	assert.Equal(t, models.ExitIntentFailed, ei.Status)

	// The position is still held: the trade reopens for detection.
	got, err := st.GetTrade("t1")
	require.NoError(t, err)
	assert.Equal(t, models.TradeOpen, got.Status)
}

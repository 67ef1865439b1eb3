package execution

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsurge/tradecore/internal/bus"
	"github.com/quantsurge/tradecore/internal/config"
	"github.com/quantsurge/tradecore/internal/models"
	"github.com/quantsurge/tradecore/internal/storage"
	"github.com/quantsurge/tradecore/internal/trades"
)

func executionCfg() *config.Config {
	return &config.Config{
		OrderExecutionEnabled: true,
		MaxHoldDays:           5,
		TrailingEnabled:       true,
		TrailingActivatePct:   0.01,
		TrailingDistancePct:   0.005,
		BrickMinMoveAbs:       decimal.NewFromFloat(0.05),
		BrickMinMovePct:       0.0005,
	}
}

func newExecStore(t *testing.T) (*storage.Store, *bus.Bus, *trades.Manager) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	st, err := storage.New(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	b := bus.New(st)
	return st, b, trades.NewManager(st, b)
}

func openTrade(t *testing.T, st *storage.Store, id string, dir models.Direction, entry, target, stop int64) *models.Trade {
	t.Helper()
	entryPrice := decimal.NewFromInt(entry)
	entryAt := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	tr := &models.Trade{
		ID: id, IntentID: "intent-" + id, ClientOrderID: "intent-" + id,
		UserID: "u1", UserBrokerID: "ub1", SignalID: "sig-1",
		Symbol: "RELIANCE", Direction: dir, TradeNumber: 1,
		Status:     models.TradeOpen,
		EntryPrice: &entryPrice, EntryQty: 4,
		EntryValue:      entryPrice.Mul(decimal.NewFromInt(4)),
		EntryTimestamp:  &entryAt,
		ExitTargetPrice: decimal.NewFromInt(target),
		ExitStopPrice:   decimal.NewFromInt(stop),
		LastBrokerUpdateAt: time.Now(),
	}
	_, _, err := st.InsertTrade(tr)
	require.NoError(t, err)
	return tr
}

func reliTick(price float64, at time.Time) models.Tick {
	return models.Tick{
		Symbol:     "RELIANCE",
		LastPrice:  decimal.NewFromFloat(price),
		LastQty:    1,
		ReceivedAt: at,
	}
}

func TestDetectorTargetAndStopLong(t *testing.T) {
	st, _, mgr := newExecStore(t)
	openTrade(t, st, "t1", models.DirectionBuy, 2450, 2500, 2400)

	var got []ExitCandidate
	d := NewDetector(executionCfg(), st, mgr, func(c ExitCandidate) { got = append(got, c) })
	at := time.Date(2026, 1, 5, 11, 0, 0, 0, time.UTC)

	// Inside the band: nothing.
	d.OnTick(reliTick(2460, at))
	assert.Empty(t, got)

	d.OnTick(reliTick(2500, at.Add(time.Second)))
	require.Len(t, got, 1)
	assert.Equal(t, models.ExitTargetHit, got[0].Reason)
	assert.Equal(t, "t1", got[0].TradeID)

	d.OnTick(reliTick(2399, at.Add(2*time.Second)))
	require.Len(t, got, 2)
	assert.Equal(t, models.ExitStopLoss, got[1].Reason)
}

func TestDetectorTargetAndStopShort(t *testing.T) {
	st, _, mgr := newExecStore(t)
	openTrade(t, st, "t1", models.DirectionSell, 2450, 2400, 2500)

	var got []ExitCandidate
	d := NewDetector(executionCfg(), st, mgr, func(c ExitCandidate) { got = append(got, c) })
	at := time.Date(2026, 1, 5, 11, 0, 0, 0, time.UTC)

	d.OnTick(reliTick(2400, at))
	require.Len(t, got, 1)
	assert.Equal(t, models.ExitTargetHit, got[0].Reason)

	d.OnTick(reliTick(2501, at.Add(time.Second)))
	require.Len(t, got, 2)
	assert.Equal(t, models.ExitStopLoss, got[1].Reason)
}

func TestDetectorBrickFilterSuppressesOscillation(t *testing.T) {
	st, _, mgr := newExecStore(t)
	openTrade(t, st, "t1", models.DirectionBuy, 2450, 2500, 2400)

	var got []ExitCandidate
	d := NewDetector(executionCfg(), st, mgr, func(c ExitCandidate) { got = append(got, c) })
	at := time.Date(2026, 1, 5, 11, 0, 0, 0, time.UTC)

	d.OnTick(reliTick(2500.00, at))
	d.OnTick(reliTick(2500.02, at.Add(time.Second))) // 0.02 < both thresholds
	require.Len(t, got, 1)

	// A move past the absolute floor is a fresh detection.
	d.OnTick(reliTick(2500.10, at.Add(2*time.Second)))
	assert.Len(t, got, 2)
}

func TestDetectorTimeBasedExit(t *testing.T) {
	st, _, mgr := newExecStore(t)
	openTrade(t, st, "t1", models.DirectionBuy, 2450, 2500, 2400)

	var got []ExitCandidate
	d := NewDetector(executionCfg(), st, mgr, func(c ExitCandidate) { got = append(got, c) })

	// Six days after entry, still inside the price band.
	at := time.Date(2026, 1, 11, 10, 0, 0, 0, time.UTC)
	d.OnTick(reliTick(2460, at))
	require.Len(t, got, 1)
	assert.Equal(t, models.ExitTimeBased, got[0].Reason)
}

func TestDetectorTrailingStop(t *testing.T) {
	st, _, mgr := newExecStore(t)
	openTrade(t, st, "t1", models.DirectionBuy, 2450, 3000, 2300)

	var got []ExitCandidate
	d := NewDetector(executionCfg(), st, mgr, func(c ExitCandidate) { got = append(got, c) })
	at := time.Date(2026, 1, 5, 11, 0, 0, 0, time.UTC)

	// +0.5% from entry: trail not armed yet.
	d.OnTick(reliTick(2462, at))
	tr, err := st.GetTrade("t1")
	require.NoError(t, err)
	assert.False(t, tr.TrailingActive)

	// +1.2% arms the trail; stop = 2480 · 0.995 = 2467.60.
	d.OnTick(reliTick(2480, at.Add(time.Second)))
	tr, err = st.GetTrade("t1")
	require.NoError(t, err)
	assert.True(t, tr.TrailingActive)
	require.NotNil(t, tr.TrailingStopPrice)
	assert.Equal(t, "2467.6", tr.TrailingStopPrice.String())
	assert.Empty(t, got)

	// New high ratchets the stop up.
	d.OnTick(reliTick(2496, at.Add(2*time.Second)))
	tr, err = st.GetTrade("t1")
	require.NoError(t, err)
	assert.Equal(t, "2483.52", tr.TrailingStopPrice.String())

	// Pullback below the extremum but above the stop: stop holds.
	d.OnTick(reliTick(2490, at.Add(3*time.Second)))
	tr, err = st.GetTrade("t1")
	require.NoError(t, err)
	assert.Equal(t, "2483.52", tr.TrailingStopPrice.String())
	assert.Empty(t, got)

	// Adverse cross triggers the exit.
	d.OnTick(reliTick(2483, at.Add(4*time.Second)))
	require.Len(t, got, 1)
	assert.Equal(t, models.ExitTrailingStop, got[0].Reason)
}

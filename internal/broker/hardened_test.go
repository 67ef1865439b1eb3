package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsurge/tradecore/internal/models"
)

// flakyBroker fails every call with a configurable error.
type flakyBroker struct {
	err   error
	calls int
}

func (f *flakyBroker) Name() string             { return "flaky" }
func (f *flakyBroker) ProductionEndpoint() bool { return false }
func (f *flakyBroker) PlaceOrder(context.Context, OrderRequest) (OrderAck, error) {
	f.calls++
	return OrderAck{}, f.err
}
func (f *flakyBroker) ModifyOrder(context.Context, string, int64, decimal.Decimal) error {
	f.calls++
	return f.err
}
func (f *flakyBroker) CancelOrder(context.Context, string) error {
	f.calls++
	return f.err
}
func (f *flakyBroker) GetOrderStatus(context.Context, string) (OrderState, error) {
	f.calls++
	return OrderState{}, f.err
}
func (f *flakyBroker) GetHistoricalCandles(context.Context, string, models.Timeframe, time.Time, time.Time) ([]models.Candle, error) {
	f.calls++
	return nil, f.err
}
func (f *flakyBroker) TickStream(ctx context.Context, _ []string, _ chan<- models.Tick) error {
	<-ctx.Done()
	return ctx.Err()
}

func hardenedCfg() HardenedConfig {
	return HardenedConfig{CallTimeout: time.Second, RatePerSecond: 10000, Burst: 100}
}

func TestHardenedDelegatesHappyPath(t *testing.T) {
	price := decimal.NewFromInt(2450)
	h := Harden(NewPaper("paper", priceAt(&price)), hardenedCfg())

	ack, err := h.PlaceOrder(context.Background(), marketBuy("c1", 4))
	require.NoError(t, err)
	assert.NotEmpty(t, ack.BrokerOrderID)

	state, err := h.GetOrderStatus(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, state.Status.Filled())
}

func TestHardenedRejectionsDoNotTripBreaker(t *testing.T) {
	inner := &flakyBroker{err: &RejectError{Code: "RMS_MARGIN"}}
	h := Harden(inner, hardenedCfg())

	// Far more consecutive rejections than the trip threshold.
	for i := 0; i < 10; i++ {
		_, err := h.PlaceOrder(context.Background(), marketBuy("c1", 4))
		re, ok := AsReject(err)
		require.True(t, ok, "attempt %d: expected a rejection, got %v", i, err)
		assert.Equal(t, "RMS_MARGIN", re.Code)
	}
	// Every call reached the venue: the breaker stayed closed.
	assert.Equal(t, 10, inner.calls)
}

func TestHardenedOrderNotFoundPassesThrough(t *testing.T) {
	inner := &flakyBroker{err: ErrOrderNotFound}
	h := Harden(inner, hardenedCfg())

	for i := 0; i < 10; i++ {
		_, err := h.GetOrderStatus(context.Background(), "c1")
		assert.ErrorIs(t, err, ErrOrderNotFound)
	}
	assert.Equal(t, 10, inner.calls)
}

func TestHardenedTransportFailuresTripBreaker(t *testing.T) {
	inner := &flakyBroker{err: errors.New("connection reset")}
	h := Harden(inner, hardenedCfg())

	for i := 0; i < 10; i++ {
		_, err := h.GetOrderStatus(context.Background(), "c1")
		require.Error(t, err)
	}
	// The breaker opened after five consecutive failures and shed the
	// rest of the calls.
	assert.Equal(t, 5, inner.calls)
}

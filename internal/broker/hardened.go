package broker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quantsurge/tradecore/internal/metrics"
	"github.com/quantsurge/tradecore/internal/models"

	"github.com/shopspring/decimal"
)

// Hardened wraps an adapter with a circuit breaker, an outbound rate
// limit, and a per-call timeout. Synchronous rejections are business
// outcomes, not faults: they pass through without tripping the breaker.
type Hardened struct {
	inner   Broker
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	timeout time.Duration
}

// HardenedConfig tunes the protective wrapper.
type HardenedConfig struct {
	CallTimeout   time.Duration
	RatePerSecond float64
	Burst         int
}

// Harden wraps an adapter. Zero-value fields pick conservative defaults.
func Harden(inner Broker, cfg HardenedConfig) *Hardened {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("broker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("⚡ Broker circuit breaker state change")
		},
	})

	return &Hardened{
		inner:   inner,
		breaker: breaker,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		timeout: cfg.CallTimeout,
	}
}

func (h *Hardened) Name() string             { return h.inner.Name() }
func (h *Hardened) ProductionEndpoint() bool { return h.inner.ProductionEndpoint() }

// call funnels every outbound request through limiter, breaker, and
// timeout, and records the outcome metric.
func (h *Hardened) call(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		metrics.BrokerCalls.WithLabelValues(op, "throttled").Inc()
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	out, err := h.breaker.Execute(func() (any, error) {
		res, err := fn(cctx)
		if _, rejected := AsReject(err); rejected || errors.Is(err, ErrOrderNotFound) {
			// Rejection and not-found are valid answers from a
			// healthy broker.
			return res, &passthroughReject{err}
		}
		return res, err
	})

	if pr, ok := err.(*passthroughReject); ok {
		metrics.BrokerCalls.WithLabelValues(op, "rejected").Inc()
		return out, pr.err
	}
	if err != nil {
		metrics.BrokerCalls.WithLabelValues(op, "error").Inc()
		return out, err
	}
	metrics.BrokerCalls.WithLabelValues(op, "ok").Inc()
	return out, nil
}

// passthroughReject smuggles a RejectError through the breaker as a
// "failure" that must not count against broker health. gobreaker counts
// any non-nil error; unwrapping happens in call.
type passthroughReject struct{ err error }

func (p *passthroughReject) Error() string { return p.err.Error() }

func (h *Hardened) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	out, err := h.call(ctx, "place_order", func(ctx context.Context) (any, error) {
		return h.inner.PlaceOrder(ctx, req)
	})
	if err != nil {
		return OrderAck{}, err
	}
	return out.(OrderAck), nil
}

func (h *Hardened) ModifyOrder(ctx context.Context, brokerOrderID string, qty int64, limitPrice decimal.Decimal) error {
	_, err := h.call(ctx, "modify_order", func(ctx context.Context) (any, error) {
		return nil, h.inner.ModifyOrder(ctx, brokerOrderID, qty, limitPrice)
	})
	return err
}

func (h *Hardened) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := h.call(ctx, "cancel_order", func(ctx context.Context) (any, error) {
		return nil, h.inner.CancelOrder(ctx, brokerOrderID)
	})
	return err
}

func (h *Hardened) GetOrderStatus(ctx context.Context, clientOrderID string) (OrderState, error) {
	out, err := h.call(ctx, "get_order_status", func(ctx context.Context) (any, error) {
		return h.inner.GetOrderStatus(ctx, clientOrderID)
	})
	if err != nil {
		return OrderState{}, err
	}
	return out.(OrderState), nil
}

func (h *Hardened) GetHistoricalCandles(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error) {
	out, err := h.call(ctx, "get_historical_candles", func(ctx context.Context) (any, error) {
		return h.inner.GetHistoricalCandles(ctx, symbol, tf, from, to)
	})
	if err != nil {
		return nil, err
	}
	return out.([]models.Candle), nil
}

// TickStream is long-lived: no breaker or timeout, only delegation.
func (h *Hardened) TickStream(ctx context.Context, symbols []string, out chan<- models.Tick) error {
	return h.inner.TickStream(ctx, symbols, out)
}

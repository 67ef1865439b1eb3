package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantsurge/tradecore/internal/models"
)

// PriceSource supplies the current price for a symbol. The market data
// pipeline's tick cache satisfies it.
type PriceSource func(symbol string) (decimal.Decimal, bool)

// Paper is an in-process simulated venue used for dry runs and tests.
// MARKET orders fill immediately at the source price; LIMIT orders fill
// when a later status poll observes the price at or through the limit.
type Paper struct {
	name   string
	prices PriceSource

	mu     sync.Mutex
	orders map[string]*paperOrder // clientOrderID → order
	seq    int
}

type paperOrder struct {
	state OrderState
	req   OrderRequest
}

// NewPaper builds a paper adapter over a price source.
func NewPaper(name string, prices PriceSource) *Paper {
	return &Paper{name: name, prices: prices, orders: make(map[string]*paperOrder)}
}

func (p *Paper) Name() string             { return p.name }
func (p *Paper) ProductionEndpoint() bool { return false }

func (p *Paper) PlaceOrder(_ context.Context, req OrderRequest) (OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Idempotent on clientOrderId: a retry returns the original ack.
	if existing, ok := p.orders[req.ClientOrderID]; ok {
		return OrderAck{BrokerOrderID: existing.state.BrokerOrderID}, nil
	}
	if req.Qty < 1 {
		return OrderAck{}, &RejectError{Code: "INVALID_QTY", Message: "quantity below one"}
	}

	p.seq++
	ord := &paperOrder{
		req: req,
		state: OrderState{
			BrokerOrderID: fmt.Sprintf("%s-%06d", p.name, p.seq),
			ClientOrderID: req.ClientOrderID,
			Status:        StatusPending,
			UpdatedAt:     time.Now(),
		},
	}
	p.orders[req.ClientOrderID] = ord
	p.tryFill(ord)
	return OrderAck{BrokerOrderID: ord.state.BrokerOrderID}, nil
}

func (p *Paper) tryFill(ord *paperOrder) {
	if !ord.state.Status.Live() {
		return
	}
	price, ok := p.prices(ord.req.Symbol)
	if !ok {
		return
	}
	switch ord.req.OrderType {
	case models.OrderTypeMarket:
		p.fill(ord, price)
	case models.OrderTypeLimit:
		if ord.req.Direction == models.DirectionBuy && price.LessThanOrEqual(ord.req.LimitPrice) {
			p.fill(ord, ord.req.LimitPrice)
		}
		if ord.req.Direction == models.DirectionSell && price.GreaterThanOrEqual(ord.req.LimitPrice) {
			p.fill(ord, ord.req.LimitPrice)
		}
	}
}

func (p *Paper) fill(ord *paperOrder, price decimal.Decimal) {
	ord.state.Status = StatusFilled
	ord.state.FilledQty = ord.req.Qty
	ord.state.AvgFillPrice = price
	ord.state.UpdatedAt = time.Now()
}

func (p *Paper) ModifyOrder(_ context.Context, brokerOrderID string, qty int64, limitPrice decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ord := range p.orders {
		if ord.state.BrokerOrderID == brokerOrderID {
			if !ord.state.Status.Live() {
				return &RejectError{Code: "ORDER_NOT_LIVE", Message: "order already terminal"}
			}
			ord.req.Qty = qty
			ord.req.LimitPrice = limitPrice
			ord.state.UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrOrderNotFound
}

func (p *Paper) CancelOrder(_ context.Context, brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ord := range p.orders {
		if ord.state.BrokerOrderID == brokerOrderID {
			if ord.state.Status.Live() {
				ord.state.Status = StatusCancelled
				ord.state.UpdatedAt = time.Now()
			}
			return nil
		}
	}
	return ErrOrderNotFound
}

func (p *Paper) GetOrderStatus(_ context.Context, clientOrderID string) (OrderState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ord, ok := p.orders[clientOrderID]
	if !ok {
		return OrderState{}, ErrOrderNotFound
	}
	// A status poll is the paper venue's chance to fill resting limits.
	p.tryFill(ord)
	return ord.state, nil
}

func (p *Paper) GetHistoricalCandles(context.Context, string, models.Timeframe, time.Time, time.Time) ([]models.Candle, error) {
	return nil, nil
}

// TickStream is not supported: the paper venue executes, it does not
// originate market data.
func (p *Paper) TickStream(ctx context.Context, _ []string, _ chan<- models.Tick) error {
	<-ctx.Done()
	return ctx.Err()
}

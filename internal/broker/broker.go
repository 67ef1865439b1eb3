// Package broker defines the narrow adapter capability set the core
// relies on and the registry that maps user-broker records to live
// adapters. Per-broker wire quirks stay inside each adapter; the core
// only sees this interface.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantsurge/tradecore/internal/models"
)

// OrderStatus is the normalized broker-side order state.
type OrderStatus string

const (
	StatusPending        OrderStatus = "PENDING"
	StatusOpen           OrderStatus = "OPEN"
	StatusTriggerPending OrderStatus = "TRIGGER_PENDING"
	StatusFilled         OrderStatus = "FILLED"
	StatusComplete       OrderStatus = "COMPLETE"
	StatusRejected       OrderStatus = "REJECTED"
	StatusCancelled      OrderStatus = "CANCELLED"
)

// Live reports whether the broker still holds the order open.
func (s OrderStatus) Live() bool {
	switch s {
	case StatusPending, StatusOpen, StatusTriggerPending:
		return true
	}
	return false
}

// Filled reports a completed fill.
func (s OrderStatus) Filled() bool {
	return s == StatusFilled || s == StatusComplete
}

// OrderRequest is a normalized order. ClientOrderID carries the
// idempotency key (intentId for entries, X-<exitIntentId> for exits).
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Direction     models.Direction
	Qty           int64
	OrderType     models.OrderType
	LimitPrice    decimal.Decimal // zero for MARKET
	ProductType   string
}

// OrderAck is a synchronous acceptance.
type OrderAck struct {
	BrokerOrderID string
}

// OrderState is the broker's view of one order.
type OrderState struct {
	BrokerOrderID string
	ClientOrderID string
	Status        OrderStatus
	FilledQty     int64
	AvgFillPrice  decimal.Decimal
	RejectReason  string
	UpdatedAt     time.Time
}

// RejectError is a synchronous broker rejection: the order was
// received and refused, as opposed to a transport failure where the
// outcome is unknown.
type RejectError struct {
	Code    string
	Message string
}

func (e *RejectError) Error() string { return "broker rejected order: " + e.Code }

// AsReject unwraps a synchronous rejection from an adapter error.
func AsReject(err error) (*RejectError, bool) {
	var re *RejectError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// ErrOrderNotFound is returned by GetOrderStatus when the broker has
// no record of the client order id.
var ErrOrderNotFound = errors.New("broker: order not found")

// Broker is the adapter capability set.
type Broker interface {
	Name() string

	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	ModifyOrder(ctx context.Context, brokerOrderID string, qty int64, limitPrice decimal.Decimal) error
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// GetOrderStatus looks up by clientOrderId, which survives retries
	// and process restarts.
	GetOrderStatus(ctx context.Context, clientOrderID string) (OrderState, error)

	GetHistoricalCandles(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error)

	// TickStream delivers ticks for the subscription set until ctx is
	// cancelled. Implementations own reconnection.
	TickStream(ctx context.Context, symbols []string, out chan<- models.Tick) error

	// ProductionEndpoint reports whether the adapter targets the live
	// venue rather than a sandbox. The startup gate checks this.
	ProductionEndpoint() bool
}

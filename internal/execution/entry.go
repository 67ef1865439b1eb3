package execution

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/quantsurge/tradecore/internal/broker"
	"github.com/quantsurge/tradecore/internal/config"
	"github.com/quantsurge/tradecore/internal/models"
	"github.com/quantsurge/tradecore/internal/trades"
)

// EntryExecutor turns approved intents into broker orders. The intent
// id is the clientOrderId, so a retried placement is idempotent at the
// broker and the reconciler can always find the order again.
type EntryExecutor struct {
	cfg      *config.Config
	registry *broker.Registry
	manager  *trades.Manager
	guard    *SafetySwitch
}

func NewEntryExecutor(cfg *config.Config, registry *broker.Registry, manager *trades.Manager, guard *SafetySwitch) *EntryExecutor {
	return &EntryExecutor{cfg: cfg, registry: registry, manager: manager, guard: guard}
}

// Execute runs the placement sequence for one approved intent:
// create the trade row, place the order, record acceptance or synchronous
// rejection. A transport failure leaves the row in CREATED — that is
// not a rejection, and the reconciler resolves the true outcome by
// clientOrderId.
func (e *EntryExecutor) Execute(ctx context.Context, intent *models.TradeIntent, signal *models.Signal, userID string) error {
	trade, err := e.manager.CreateForIntent(intent, signal, userID)
	if err != nil {
		return err
	}
	if trade.Status != models.TradeCreated {
		// Replayed intent; the earlier run already progressed it.
		return nil
	}

	if !e.cfg.OrderExecutionEnabled {
		log.Info().Str("trade", trade.ID).Msg("📴 Order execution disabled, trade held in CREATED")
		return nil
	}
	if e.guard.ReadOnly() {
		log.Warn().Str("trade", trade.ID).Msg("🛑 Safety switch armed, entry placement refused")
		return nil
	}

	adapter, err := e.registry.Resolve(intent.UserBrokerID)
	if err != nil {
		return err
	}

	ack, err := adapter.PlaceOrder(ctx, broker.OrderRequest{
		ClientOrderID: intent.ID,
		Symbol:        signal.Symbol,
		Direction:     signal.Direction,
		Qty:           intent.ApprovedQty,
		OrderType:     intent.OrderType,
		LimitPrice:    intent.LimitPrice,
		ProductType:   intent.ProductType,
	})
	if err != nil {
		if reject, ok := broker.AsReject(err); ok {
			_, merr := e.manager.MarkRejectedByIntent(intent.ID, reject.Code, reject.Message)
			return merr
		}
		// Outcome unknown: leave CREATED for the reconciler.
		log.Warn().Err(err).Str("trade", trade.ID).Msg("entry placement outcome unknown, deferring to reconciler")
		return nil
	}

	return e.manager.MarkPending(trade.ID, ack.BrokerOrderID)
}

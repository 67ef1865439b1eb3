package execution

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantsurge/tradecore/internal/broker"
	"github.com/quantsurge/tradecore/internal/bus"
	"github.com/quantsurge/tradecore/internal/config"
	"github.com/quantsurge/tradecore/internal/models"
	"github.com/quantsurge/tradecore/internal/storage"
	"github.com/quantsurge/tradecore/internal/trades"
)

// exitPollInterval is the APPROVED-intent sweep cadence.
const exitPollInterval = 5 * time.Second

// ExitExecutor places exit orders for APPROVED intents. The
// APPROVED → PLACED move is an atomic conditional update, so two
// pollers (or a poller racing the event-driven path) place at most one
// order per intent.
type ExitExecutor struct {
	cfg      *config.Config
	store    *storage.Store
	registry *broker.Registry
	manager  *trades.Manager
	bus      *bus.Bus
	guard    *SafetySwitch

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewExitExecutor(cfg *config.Config, store *storage.Store, registry *broker.Registry, manager *trades.Manager, b *bus.Bus, guard *SafetySwitch) *ExitExecutor {
	return &ExitExecutor{
		cfg:      cfg,
		store:    store,
		registry: registry,
		manager:  manager,
		bus:      b,
		guard:    guard,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the poll loop.
func (e *ExitExecutor) Start(ctx context.Context) {
	go func() {
		defer close(e.doneCh)
		ticker := time.NewTicker(exitPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the poll loop and waits for it to exit.
func (e *ExitExecutor) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

// Sweep places orders for every currently APPROVED intent.
func (e *ExitExecutor) Sweep(ctx context.Context) {
	approved, err := e.store.ExitIntentsByStatus(models.ExitIntentApproved)
	if err != nil {
		log.Error().Err(err).Msg("exit executor sweep failed")
		return
	}
	for i := range approved {
		if err := e.Place(ctx, &approved[i]); err != nil {
			log.Error().Err(err).Str("exitIntent", approved[i].ID).Msg("exit placement failed")
		}
	}
}

// Place executes one APPROVED intent.
func (e *ExitExecutor) Place(ctx context.Context, intent *models.ExitIntent) error {
	if !e.cfg.OrderExecutionEnabled {
		return nil
	}
	if e.guard.ReadOnly() {
		log.Warn().Str("exitIntent", intent.ID).Msg("🛑 Safety switch armed, exit placement refused")
		return nil
	}

	trade, err := e.store.GetTrade(intent.TradeID)
	if err != nil {
		return err
	}

	moved, err := e.store.TransitionExitIntent(intent.ID, models.ExitIntentApproved, models.ExitIntentPlaced)
	if err != nil {
		return err
	}
	if !moved {
		// Another placer won the conditional update.
		return nil
	}

	adapter, err := e.registry.Resolve(intent.UserBrokerID)
	if err != nil {
		return err
	}

	req := broker.OrderRequest{
		ClientOrderID: models.ExitClientOrderID(intent.ID),
		Symbol:        trade.Symbol,
		Direction:     trade.Direction.Opposite(),
		Qty:           trade.EntryQty,
		OrderType:     intent.OrderType,
	}
	if intent.LimitPrice != nil {
		req.LimitPrice = *intent.LimitPrice
	}

	ack, err := adapter.PlaceOrder(ctx, req)
	if err != nil {
		if reject, ok := broker.AsReject(err); ok {
			if _, terr := e.store.TransitionExitIntent(intent.ID, models.ExitIntentPlaced, models.ExitIntentFailed); terr != nil {
				return terr
			}
			log.Warn().Str("exitIntent", intent.ID).Str("code", reject.Code).Msg("exit order rejected by broker")
			return nil
		}
		// Outcome unknown: leave PLACED, the exit reconciler resolves it.
		log.Warn().Err(err).Str("exitIntent", intent.ID).Msg("exit placement outcome unknown, deferring to reconciler")
		return nil
	}

	// Persist the broker order id with a CAS on the PLACED row.
	fresh, err := e.store.GetExitIntent(intent.ID)
	if err != nil {
		return err
	}
	now := time.Now()
	fresh.BrokerOrderID = &ack.BrokerOrderID
	fresh.PlacedAt = &now
	if err := e.store.UpdateExitIntentCAS(fresh); err != nil && err != storage.ErrStaleVersion {
		return err
	}

	// The trade now carries an exit order: OPEN → EXITING, so the
	// detector stops re-evaluating it until the order resolves.
	if err := e.manager.MarkExiting(trade.ID); err != nil {
		log.Error().Err(err).Str("trade", trade.ID).Msg("exiting transition failed")
	}

	_, err = e.bus.Append(&models.Event{
		Type:         models.EventExitIntentPlaced,
		Scope:        models.ScopeUserBroker,
		UserID:       bus.StrPtr(trade.UserID),
		UserBrokerID: bus.StrPtr(intent.UserBrokerID),
		Payload:      bus.Payload(map[string]any{"brokerOrderId": ack.BrokerOrderID, "reason": intent.Reason}),
		TradeID:      bus.StrPtr(trade.ID),
	})
	return err
}

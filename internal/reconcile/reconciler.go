// Package reconcile heals divergence between local state and the
// broker. Two single-instance reconcilers run on the same interval with
// a half-interval offset so entry and exit polls never collide; both
// bound their outbound broker calls with one shared weighted semaphore
// and write exclusively through the trade manager.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/quantsurge/tradecore/internal/broker"
	"github.com/quantsurge/tradecore/internal/bus"
	"github.com/quantsurge/tradecore/internal/config"
	"github.com/quantsurge/tradecore/internal/metrics"
	"github.com/quantsurge/tradecore/internal/models"
	"github.com/quantsurge/tradecore/internal/storage"
	"github.com/quantsurge/tradecore/internal/trades"
)

// Reconciler runs the entry and exit healing passes.
type Reconciler struct {
	cfg      *config.Config
	store    *storage.Store
	registry *broker.Registry
	manager  *trades.Manager
	bus      *bus.Bus
	sem      *semaphore.Weighted

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(cfg *config.Config, store *storage.Store, registry *broker.Registry, manager *trades.Manager, b *bus.Bus) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		store:    store,
		registry: registry,
		manager:  manager,
		bus:      b,
		sem:      semaphore.NewWeighted(cfg.BrokerCallConcurrency),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start schedules both passes: entries on the interval, exits offset by
// half an interval.
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		defer close(r.doneCh)

		entryTicker := time.NewTicker(r.cfg.ReconcileInterval)
		defer entryTicker.Stop()

		// Offset the exit pass so the two pulls do not collide.
		offset := time.NewTimer(r.cfg.ReconcileInterval / 2)
		defer offset.Stop()
		var exitTicker *time.Ticker
		var exitC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-entryTicker.C:
				r.ReconcileEntries(ctx)
			case <-offset.C:
				exitTicker = time.NewTicker(r.cfg.ReconcileInterval)
				defer exitTicker.Stop()
				exitC = exitTicker.C
				r.ReconcileExits(ctx)
			case <-exitC:
				r.ReconcileExits(ctx)
			}
		}
	}()
	log.Info().Dur("interval", r.cfg.ReconcileInterval).Msg("Reconciler started")
}

// Stop halts the scheduler.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// ReconcileEntries heals CREATED/PENDING trades whose broker state has
// not been confirmed within the poll interval. One trade's failure
// never halts the pass.
func (r *Reconciler) ReconcileEntries(ctx context.Context) {
	metrics.ReconcilePasses.WithLabelValues("entry").Inc()

	cutoff := time.Now().Add(-r.cfg.ReconcileInterval)
	stale, err := r.store.StalePendingTrades(cutoff)
	if err != nil {
		log.Error().Err(err).Msg("entry reconcile work-set read failed")
		return
	}
	for i := range stale {
		t := stale[i]
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return
		}
		r.reconcileEntry(ctx, &t)
		r.sem.Release(1)
	}
}

func (r *Reconciler) reconcileEntry(ctx context.Context, t *models.Trade) {
	now := time.Now()

	// Broker silence past the timeout is terminal regardless of what a
	// later poll might say.
	if now.Sub(t.CreatedAt) > r.cfg.PendingTimeout {
		if err := r.manager.MarkTimeout(t.ID); err != nil {
			log.Error().Err(err).Str("trade", t.ID).Msg("timeout transition failed")
		}
		return
	}

	adapter, err := r.registry.Resolve(t.UserBrokerID)
	if err != nil {
		log.Error().Err(err).Str("trade", t.ID).Msg("entry reconcile adapter missing")
		return
	}

	state, err := adapter.GetOrderStatus(ctx, t.ClientOrderID)
	if errors.Is(err, broker.ErrOrderNotFound) {
		// Never reached the broker: the row stays CREATED until the
		// timeout claims it.
		_ = r.manager.TouchBrokerUpdate(t.ID, now)
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("trade", t.ID).Msg("entry reconcile status poll failed")
		return
	}

	switch {
	case state.Status.Filled():
		if t.Status == models.TradeCreated {
			// The acceptance was lost too; replay both transitions.
			if err := r.manager.MarkPending(t.ID, state.BrokerOrderID); err != nil {
				log.Error().Err(err).Str("trade", t.ID).Msg("pending transition failed")
				return
			}
		}
		if err := r.manager.MarkOpen(t.ID, state.AvgFillPrice, state.FilledQty, state.UpdatedAt); err != nil {
			log.Error().Err(err).Str("trade", t.ID).Msg("open transition failed")
		}
	case state.Status == broker.StatusRejected:
		if t.Status == models.TradeCreated {
			if _, err := r.manager.MarkRejectedByIntent(t.IntentID, state.RejectReason, "broker rejection via reconcile"); err != nil {
				log.Error().Err(err).Str("trade", t.ID).Msg("reject transition failed")
			}
		} else if err := r.manager.MarkCancelled(t.ID, state.RejectReason); err != nil {
			log.Error().Err(err).Str("trade", t.ID).Msg("cancel transition failed")
		}
	case state.Status == broker.StatusCancelled:
		if err := r.manager.MarkCancelled(t.ID, "cancelled at broker"); err != nil {
			log.Error().Err(err).Str("trade", t.ID).Msg("cancel transition failed")
		}
	case state.Status.Live():
		if t.Status == models.TradeCreated && state.BrokerOrderID != "" {
			if err := r.manager.MarkPending(t.ID, state.BrokerOrderID); err != nil {
				log.Error().Err(err).Str("trade", t.ID).Msg("pending transition failed")
				return
			}
			return
		}
		// No field change; just refresh the poll watermark.
		_ = r.manager.TouchBrokerUpdate(t.ID, now)
	}
}

// ReconcileExits heals PLACED exit intents: a broker-side fill closes
// the trade with the intent's reason and the broker's average price.
func (r *Reconciler) ReconcileExits(ctx context.Context) {
	metrics.ReconcilePasses.WithLabelValues("exit").Inc()

	placed, err := r.store.ExitIntentsByStatus(models.ExitIntentPlaced)
	if err != nil {
		log.Error().Err(err).Msg("exit reconcile work-set read failed")
		return
	}
	for i := range placed {
		ei := placed[i]
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return
		}
		r.reconcileExit(ctx, &ei)
		r.sem.Release(1)
	}
}

func (r *Reconciler) reconcileExit(ctx context.Context, ei *models.ExitIntent) {
	adapter, err := r.registry.Resolve(ei.UserBrokerID)
	if err != nil {
		log.Error().Err(err).Str("exitIntent", ei.ID).Msg("exit reconcile adapter missing")
		return
	}

	state, err := adapter.GetOrderStatus(ctx, models.ExitClientOrderID(ei.ID))
	if errors.Is(err, broker.ErrOrderNotFound) {
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("exitIntent", ei.ID).Msg("exit reconcile status poll failed")
		return
	}

	switch {
	case state.Status.Filled():
		moved, terr := r.store.TransitionExitIntent(ei.ID, models.ExitIntentPlaced, models.ExitIntentFilled)
		if terr != nil || !moved {
			return
		}
		trade, gerr := r.store.GetTrade(ei.TradeID)
		if gerr != nil {
			log.Error().Err(gerr).Str("trade", ei.TradeID).Msg("exit reconcile trade lookup failed")
			return
		}
		// The intent's fill precedes the close it causes in the log.
		if _, err := r.bus.Append(&models.Event{
			Type:         models.EventExitIntentFilled,
			Scope:        models.ScopeUserBroker,
			UserID:       bus.StrPtr(trade.UserID),
			UserBrokerID: bus.StrPtr(ei.UserBrokerID),
			Payload: bus.Payload(map[string]any{
				"avgFillPrice": state.AvgFillPrice,
				"reason":       ei.Reason,
			}),
			TradeID: bus.StrPtr(ei.TradeID),
		}); err != nil {
			log.Error().Err(err).Msg("exit fill event failed")
		}
		now := state.UpdatedAt
		if now.IsZero() {
			now = time.Now()
		}
		if err := r.manager.MarkClosed(ei.TradeID, state.AvgFillPrice, ei.Reason, now); err != nil {
			log.Error().Err(err).Str("trade", ei.TradeID).Msg("close transition failed")
		}
	case state.Status == broker.StatusRejected, state.Status == broker.StatusCancelled:
		if _, err := r.store.TransitionExitIntent(ei.ID, models.ExitIntentPlaced, models.ExitIntentFailed); err != nil {
			log.Error().Err(err).Str("exitIntent", ei.ID).Msg("exit fail transition failed")
			return
		}
		// The position is still held; detection resumes on it.
		if err := r.manager.ReopenAfterFailedExit(ei.TradeID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Error().Err(err).Str("trade", ei.TradeID).Msg("reopen after failed exit failed")
		}
	}
}

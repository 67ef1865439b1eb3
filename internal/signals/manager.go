// Package signals owns the signal lifecycle: dedicated entry
// coordinators per symbol, exit coordinators per trade, delivery
// fan-out, the expiry scheduler, and the rebuild of in-flight work on
// start. Serialization is per partition: one goroutine per symbol on
// the entry path, one per trade on the exit path.
package signals

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantsurge/tradecore/internal/bus"
	"github.com/quantsurge/tradecore/internal/config"
	"github.com/quantsurge/tradecore/internal/execution"
	"github.com/quantsurge/tradecore/internal/marketdata"
	"github.com/quantsurge/tradecore/internal/metrics"
	"github.com/quantsurge/tradecore/internal/models"
	"github.com/quantsurge/tradecore/internal/storage"
	"github.com/quantsurge/tradecore/internal/validation"
)

// PriceLookup supplies the current price for zone invalidation; the
// pipeline's tick cache satisfies it.
type PriceLookup func(symbol string) (decimal.Decimal, bool)

// Manager is the signal lifecycle owner.
type Manager struct {
	cfg       *config.Config
	store     *storage.Store
	bus       *bus.Bus
	validator *validation.Service
	entryExec *execution.EntryExecutor
	qualifier *execution.ExitQualifier
	exitExec  *execution.ExitExecutor
	clock     *marketdata.SessionClock
	lastPrice PriceLookup

	mu      sync.Mutex
	stopped bool
	entryQ  map[string]chan *models.Signal          // symbol → coordinator
	exitQ   map[string]chan execution.ExitCandidate // tradeId → coordinator
	ctx     context.Context
	stopCtx context.CancelFunc
	wg      sync.WaitGroup
}

func NewManager(
	cfg *config.Config,
	store *storage.Store,
	b *bus.Bus,
	validator *validation.Service,
	entryExec *execution.EntryExecutor,
	qualifier *execution.ExitQualifier,
	exitExec *execution.ExitExecutor,
	clock *marketdata.SessionClock,
	lastPrice PriceLookup,
) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		bus:       b,
		validator: validator,
		entryExec: entryExec,
		qualifier: qualifier,
		exitExec:  exitExec,
		clock:     clock,
		lastPrice: lastPrice,
		entryQ:    make(map[string]chan *models.Signal),
		exitQ:     make(map[string]chan execution.ExitCandidate),
	}
}

// Start launches the expiry scheduler and replays in-flight work.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.stopCtx = context.WithCancel(ctx)

	if err := m.rebuild(); err != nil {
		return err
	}

	m.wg.Add(1)
	go m.expiryLoop()
	log.Info().Msg("Signal manager started")
	return nil
}

// Stop cancels coordinators and waits for them to drain. The stopped
// flag flips before any channel closes, so a submission racing Stop
// either lands before the close or is discarded; none can resurrect a
// coordinator after the close.
func (m *Manager) Stop() {
	if m.stopCtx != nil {
		m.stopCtx()
	}
	m.mu.Lock()
	m.stopped = true
	for _, ch := range m.entryQ {
		close(ch)
	}
	for _, ch := range m.exitQ {
		close(ch)
	}
	m.entryQ = make(map[string]chan *models.Signal)
	m.exitQ = make(map[string]chan execution.ExitCandidate)
	m.mu.Unlock()
	m.wg.Wait()
}

// SubmitCandidate hands an analyzer candidate to its symbol's entry
// coordinator. Never blocks the caller: the send is non-blocking and
// happens under mu, where Stop cannot close the channel underneath it.
func (m *Manager) SubmitCandidate(sig *models.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	ch, ok := m.entryQ[sig.Symbol]
	if !ok {
		ch = make(chan *models.Signal, 64)
		m.entryQ[sig.Symbol] = ch
		m.wg.Add(1)
		go m.entryLoop(ch)
	}

	select {
	case ch <- sig:
	default:
		log.Warn().Str("symbol", sig.Symbol).Msg("entry coordinator queue full, candidate dropped")
	}
}

// SubmitExitCandidate hands a detection to its trade's exit
// coordinator. Registered as the detector's emit handler; same
// shutdown contract as SubmitCandidate.
func (m *Manager) SubmitExitCandidate(c execution.ExitCandidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	ch, ok := m.exitQ[c.TradeID]
	if !ok {
		ch = make(chan execution.ExitCandidate, 16)
		m.exitQ[c.TradeID] = ch
		m.wg.Add(1)
		go m.exitLoop(ch)
	}

	select {
	case ch <- c:
	default:
	}
}

func (m *Manager) entryLoop(ch chan *models.Signal) {
	defer m.wg.Done()
	for sig := range ch {
		m.handleEntry(sig)
	}
}

func (m *Manager) exitLoop(ch chan execution.ExitCandidate) {
	defer m.wg.Done()
	for c := range ch {
		m.handleExit(c)
	}
}

// handleEntry persists the candidate under the uniqueness key, emits
// on first sight, fans deliveries out, and validates them in parallel.
func (m *Manager) handleEntry(sig *models.Signal) {
	sig.ID = uuid.NewString()
	sig.SignalDay = m.clock.TradingDay(sig.GeneratedAt)

	persisted, created, err := m.store.UpsertSignal(sig)
	if err != nil {
		log.Error().Err(err).Str("symbol", sig.Symbol).Msg("signal upsert failed")
		return
	}
	if !created {
		// Same market fact still holding; lastSeenAt advanced, nothing
		// to emit.
		return
	}

	metrics.SignalsPublished.WithLabelValues(string(persisted.ConfluenceType)).Inc()
	log.Info().Str("symbol", persisted.Symbol).Str("confluence", string(persisted.ConfluenceType)).
		Str("floor", persisted.EffectiveFloor.String()).Str("ceiling", persisted.EffectiveCeiling.String()).
		Msg("📡 Signal published")

	if _, err := m.bus.Append(&models.Event{
		Type:     models.EventSignalPublished,
		Scope:    models.ScopeGlobal,
		Payload:  bus.Payload(signalPayload(persisted)),
		SignalID: bus.StrPtr(persisted.ID),
	}); err != nil {
		log.Error().Err(err).Msg("signal publish event failed")
		return
	}

	deliveries := m.fanOut(persisted)
	m.validate(persisted, deliveries)
}

// fanOut inserts one delivery per enabled EXEC watcher of the symbol.
func (m *Manager) fanOut(sig *models.Signal) []models.SignalDelivery {
	watchers, err := m.store.WatchersOf(sig.Symbol)
	if err != nil {
		log.Error().Err(err).Str("symbol", sig.Symbol).Msg("fan-out watcher lookup failed")
		return nil
	}

	var deliveries []models.SignalDelivery
	for _, ub := range watchers {
		d := models.SignalDelivery{
			ID:           uuid.NewString(),
			SignalID:     sig.ID,
			UserBrokerID: ub.ID,
			Status:       models.DeliveryPending,
		}
		if err := m.store.CreateDelivery(&d); err != nil {
			if errors.Is(err, storage.ErrUniquenessConflict) {
				continue
			}
			log.Error().Err(err).Str("userBroker", ub.ID).Msg("delivery insert failed")
			continue
		}
		if _, err := m.bus.Append(&models.Event{
			Type:         models.EventSignalDeliveryCreated,
			Scope:        models.ScopeUserBroker,
			UserID:       bus.StrPtr(ub.UserID),
			UserBrokerID: bus.StrPtr(ub.ID),
			Payload:      bus.Payload(map[string]any{"deliveryId": d.ID}),
			SignalID:     bus.StrPtr(sig.ID),
		}); err != nil {
			log.Error().Err(err).Msg("delivery event failed")
			continue
		}
		deliveries = append(deliveries, d)
	}
	return deliveries
}

// validate runs qualification for the deliveries and forwards approved
// intents to the entry executor.
func (m *Manager) validate(sig *models.Signal, deliveries []models.SignalDelivery) {
	if len(deliveries) == 0 {
		return
	}
	outcomes, err := m.validator.ValidateDeliveries(m.ctx, sig, deliveries)
	if err != nil {
		log.Error().Err(err).Str("signal", sig.ID).Msg("delivery validation failed")
		return
	}
	for _, o := range outcomes {
		status := models.DeliveryProcessed
		if !o.Intent.ValidationPassed {
			status = models.DeliveryRejected
		}
		if err := m.store.MarkDelivery(o.Delivery.ID, status); err != nil {
			log.Error().Err(err).Str("delivery", o.Delivery.ID).Msg("delivery finalize failed")
		}
		if !o.Intent.ValidationPassed {
			continue
		}
		ub, uerr := m.store.GetUserBroker(o.Intent.UserBrokerID)
		if uerr != nil {
			log.Error().Err(uerr).Str("intent", o.Intent.ID).Msg("intent endpoint lookup failed")
			continue
		}
		if err := m.entryExec.Execute(m.ctx, o.Intent, sig, ub.UserID); err != nil {
			log.Error().Err(err).Str("intent", o.Intent.ID).Msg("entry execution failed")
		}
	}
}

// handleExit allocates the episode (storage enforces the cooldown),
// persists the PENDING intent, qualifies it, and on approval places
// immediately instead of waiting for the executor poll.
func (m *Manager) handleExit(c execution.ExitCandidate) {
	now := time.Now()

	exitSig, err := m.store.AllocateExitEpisode(c.TradeID, c.Reason, c.Price, now, m.cfg.ExitCooldown)
	if err != nil {
		if errors.Is(err, storage.ErrCooldownActive) || errors.Is(err, storage.ErrUniquenessConflict) {
			return
		}
		log.Error().Err(err).Str("trade", c.TradeID).Msg("exit episode allocation failed")
		return
	}

	trade, err := m.store.GetTrade(c.TradeID)
	if err != nil {
		log.Error().Err(err).Str("trade", c.TradeID).Msg("exit trade lookup failed")
		return
	}

	metrics.ExitSignalsPublished.WithLabelValues(string(c.Reason)).Inc()
	if _, err := m.bus.Append(&models.Event{
		Type:         models.EventExitSignalPublished,
		Scope:        models.ScopeUserBroker,
		UserID:       bus.StrPtr(trade.UserID),
		UserBrokerID: bus.StrPtr(trade.UserBrokerID),
		Payload: bus.Payload(map[string]any{
			"reason":  c.Reason,
			"episode": exitSig.EpisodeID,
			"price":   exitSig.Price,
		}),
		TradeID: bus.StrPtr(trade.ID),
	}); err != nil {
		log.Error().Err(err).Msg("exit signal event failed")
		return
	}

	intent := &models.ExitIntent{
		ID:           uuid.NewString(),
		ExitSignalID: exitSig.ID,
		TradeID:      trade.ID,
		UserBrokerID: trade.UserBrokerID,
		Reason:       c.Reason,
		EpisodeID:    exitSig.EpisodeID,
		Status:       models.ExitIntentPending,
	}
	if err := m.store.CreateExitIntent(intent); err != nil {
		if errors.Is(err, storage.ErrUniquenessConflict) {
			return
		}
		log.Error().Err(err).Str("trade", trade.ID).Msg("exit intent insert failed")
		return
	}

	qualified, err := m.qualifier.Qualify(intent, now)
	if err != nil {
		log.Error().Err(err).Str("exitIntent", intent.ID).Msg("exit qualification failed")
		return
	}
	if qualified.Status == models.ExitIntentApproved {
		if err := m.exitExec.Place(m.ctx, qualified); err != nil {
			log.Error().Err(err).Str("exitIntent", qualified.ID).Msg("exit placement failed")
		}
	}
}

// expiryLoop retires signals once a minute: past expiresAt, or zone
// invalidated by the current price.
func (m *Manager) expiryLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.expirePass(time.Now())
		}
	}
}

func (m *Manager) expirePass(now time.Time) {
	active, err := m.store.ActiveSignals()
	if err != nil {
		log.Error().Err(err).Msg("expiry scan failed")
		return
	}
	for _, sig := range active {
		status := models.SignalStatus("")
		switch {
		case sig.ExpiresAt.Before(now):
			status = models.SignalExpired
		case m.zoneInvalidated(&sig):
			status = models.SignalInvalidated
		default:
			continue
		}

		moved, err := m.store.MarkSignalStatus(sig.ID, status)
		if err != nil || !moved {
			continue
		}
		if _, err := m.bus.Append(&models.Event{
			Type:     models.EventSignalExpired,
			Scope:    models.ScopeGlobal,
			Payload:  bus.Payload(map[string]any{"symbol": sig.Symbol, "status": status}),
			SignalID: bus.StrPtr(sig.ID),
		}); err != nil {
			log.Error().Err(err).Str("signal", sig.ID).Msg("expiry event failed")
		}
	}
}

func (m *Manager) zoneInvalidated(sig *models.Signal) bool {
	if m.lastPrice == nil {
		return false
	}
	price, ok := m.lastPrice(sig.Symbol)
	if !ok {
		return false
	}
	return price.LessThan(sig.EffectiveFloor) || price.GreaterThan(sig.EffectiveCeiling)
}

// rebuild repopulates the work queues after a restart: pending
// deliveries re-validate, approved exit intents re-place. PLACED exit
// intents belong to the exit reconciler, not to us.
func (m *Manager) rebuild() error {
	pending, err := m.store.PendingDeliveries()
	if err != nil {
		return err
	}
	bySignal := make(map[string][]models.SignalDelivery)
	for _, d := range pending {
		bySignal[d.SignalID] = append(bySignal[d.SignalID], d)
	}
	for signalID, ds := range bySignal {
		sig, serr := m.store.GetSignal(signalID)
		if serr != nil {
			log.Error().Err(serr).Str("signal", signalID).Msg("rebuild signal lookup failed")
			continue
		}
		if sig.Status != models.SignalPublished {
			for _, d := range ds {
				_ = m.store.MarkDelivery(d.ID, models.DeliveryRejected)
			}
			continue
		}
		m.validate(sig, ds)
	}

	m.exitExec.Sweep(m.ctx)
	log.Info().Int("pendingDeliveries", len(pending)).Msg("Signal manager rebuild complete")
	return nil
}

func signalPayload(sig *models.Signal) map[string]any {
	return map[string]any{
		"symbol":           sig.Symbol,
		"confluenceType":   sig.ConfluenceType,
		"strength":         sig.Strength,
		"score":            sig.Score,
		"effectiveFloor":   sig.EffectiveFloor,
		"effectiveCeiling": sig.EffectiveCeiling,
		"refPrice":         sig.RefPrice,
		"pWin":             sig.PWin,
		"kelly":            sig.Kelly,
	}
}

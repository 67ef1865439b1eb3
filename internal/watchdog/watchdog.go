// Package watchdog runs the periodic health sweep: storage, tick
// liveness, hub backlog, the data-broker session, and candle building.
// A failed check raises an alarm event; feed or storage failures also
// arm the safety switch so the executors stop placing orders until the
// next clean sweep.
package watchdog

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantsurge/tradecore/internal/bus"
	"github.com/quantsurge/tradecore/internal/config"
	"github.com/quantsurge/tradecore/internal/execution"
	"github.com/quantsurge/tradecore/internal/models"
	"github.com/quantsurge/tradecore/internal/storage"
)

// Check codes carried in alarm payloads.
const (
	CheckStorage       = "STORAGE_UNREACHABLE"
	CheckStaleFeed     = "TICK_FEED_STALE"
	CheckHubBacklog    = "HUB_BACKLOG"
	CheckDataBroker    = "DATA_BROKER_SESSION"
	CheckCandleBuilder = "CANDLE_BUILDER_STALLED"
)

// Probes decouples the watchdog from the concrete runtime: each field
// reports one health dimension.
type Probes struct {
	NewestTickAt      func() time.Time
	HasCurrentPartial func(symbol string, now time.Time) bool
	HubQueueDepth     func() int
	HubQueueCapacity  func() int
	InSession         func(t time.Time) bool
	WatchedSymbols    func() ([]string, error)
}

// Watchdog is the periodic health checker.
type Watchdog struct {
	cfg    *config.Config
	store  *storage.Store
	bus    *bus.Bus
	guard  *execution.SafetySwitch
	probes Probes

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(cfg *config.Config, store *storage.Store, b *bus.Bus, guard *execution.SafetySwitch, probes Probes) *Watchdog {
	return &Watchdog{
		cfg:    cfg,
		store:  store,
		bus:    b,
		guard:  guard,
		probes: probes,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (w *Watchdog) Start(ctx context.Context) {
	go func() {
		defer close(w.doneCh)
		ticker := time.NewTicker(w.cfg.WatchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.Sweep(time.Now())
			}
		}
	}()
	log.Info().Dur("interval", w.cfg.WatchdogInterval).Msg("Watchdog started")
}

// Stop halts the sweep loop.
func (w *Watchdog) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// Sweep runs every check once. A critical failure (storage, stale
// feed) arms the safety switch; a fully clean sweep disarms it.
func (w *Watchdog) Sweep(now time.Time) {
	critical := false

	if err := w.store.Ping(); err != nil {
		critical = true
		w.alarm(CheckStorage, map[string]any{"error": err.Error()})
	}

	inSession := w.probes.InSession == nil || w.probes.InSession(now)
	if inSession && w.probes.NewestTickAt != nil {
		newest := w.probes.NewestTickAt()
		if newest.IsZero() || now.Sub(newest) > w.cfg.StaleFeedAfter {
			critical = true
			w.alarm(CheckStaleFeed, map[string]any{
				"lastTickAt": newest,
				"threshold":  w.cfg.StaleFeedAfter.String(),
			})
		}
	}

	if w.probes.HubQueueDepth != nil && w.probes.HubQueueCapacity != nil {
		depth, capacity := w.probes.HubQueueDepth(), w.probes.HubQueueCapacity()
		if capacity > 0 && depth*10 >= capacity*9 {
			w.alarm(CheckHubBacklog, map[string]any{"depth": depth, "capacity": capacity})
		}
	}

	if dataBrokers, err := w.store.EnabledDataBrokers(); err == nil {
		for _, ub := range dataBrokers {
			if ub.Status != models.BrokerConnected {
				w.alarm(CheckDataBroker, map[string]any{"userBroker": ub.ID, "status": ub.Status})
			}
		}
	}

	if inSession && w.probes.HasCurrentPartial != nil && w.probes.WatchedSymbols != nil {
		if symbols, err := w.probes.WatchedSymbols(); err == nil {
			var stalled []string
			for _, symbol := range symbols {
				if !w.probes.HasCurrentPartial(symbol, now) {
					stalled = append(stalled, symbol)
				}
			}
			if len(stalled) > 0 {
				w.alarm(CheckCandleBuilder, map[string]any{"symbols": stalled})
			}
		}
	}

	if critical {
		if !w.guard.ReadOnly() {
			log.Error().Msg("🛑 Watchdog arming safety switch: order placement suspended")
		}
		w.guard.Arm()
	} else if w.guard.ReadOnly() {
		log.Info().Msg("✅ Watchdog sweep clean, safety switch disarmed")
		w.guard.Disarm()
	}
}

func (w *Watchdog) alarm(check string, detail map[string]any) {
	log.Warn().Str("check", check).Interface("detail", detail).Msg("⚠️ Watchdog alarm")
	detail["check"] = check
	if _, err := w.bus.Append(&models.Event{
		Type:    models.EventWatchdogAlarm,
		Scope:   models.ScopeGlobal,
		Payload: bus.Payload(detail),
	}); err != nil {
		log.Error().Err(err).Str("check", check).Msg("watchdog alarm event failed")
	}
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantsurge/tradecore/internal/analyzer"
	"github.com/quantsurge/tradecore/internal/broker"
	"github.com/quantsurge/tradecore/internal/bus"
	"github.com/quantsurge/tradecore/internal/config"
	"github.com/quantsurge/tradecore/internal/execution"
	"github.com/quantsurge/tradecore/internal/gate"
	"github.com/quantsurge/tradecore/internal/hub"
	"github.com/quantsurge/tradecore/internal/marketdata"
	"github.com/quantsurge/tradecore/internal/models"
	"github.com/quantsurge/tradecore/internal/notify"
	"github.com/quantsurge/tradecore/internal/reconcile"
	"github.com/quantsurge/tradecore/internal/signals"
	"github.com/quantsurge/tradecore/internal/sizing"
	"github.com/quantsurge/tradecore/internal/storage"
	"github.com/quantsurge/tradecore/internal/trades"
	"github.com/quantsurge/tradecore/internal/validation"
	"github.com/quantsurge/tradecore/internal/watchdog"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration invalid")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Msg("═══════════════════════════════════════")
	log.Info().Msg("  TradeCore runtime starting")
	log.Info().Msg("═══════════════════════════════════════")

	store, err := storage.New(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("storage init failed")
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ready gate.Readiness

	// ── Event bus ────────────────────────────────────────────────────
	eventBus := bus.New(store)
	var asyncWriter *bus.AsyncWriter
	if cfg.AsyncEventWriterEnabled {
		asyncWriter = bus.NewAsyncWriter(eventBus, 8192)
		asyncWriter.Start()
	}
	ready.EventBus = true

	// ── Market data ──────────────────────────────────────────────────
	clock := marketdata.NewSessionClock(cfg.MarketOpenMinute, cfg.MarketCloseMinute, nil)
	candleStore := marketdata.NewCandleStore(store, map[models.Timeframe]int{
		models.Timeframe1m:    cfg.CandleRingLTF,
		models.Timeframe25m:   cfg.CandleRingITF,
		models.Timeframe125m:  cfg.CandleRingHTF,
		models.TimeframeDaily: cfg.CandleRingHTF,
	})
	pipeline := marketdata.NewPipeline(marketdata.PipelineConfig{
		DedupeWindow: cfg.DedupeWindow,
		SealGrace:    cfg.SealGrace,
		Clock:        clock,
	}, candleStore)

	symbols, err := store.SubscriptionUniverse()
	if err != nil {
		log.Fatal().Err(err).Msg("subscription universe load failed")
	}
	if err := candleStore.Warm(symbols); err != nil {
		log.Warn().Err(err).Msg("candle warm-up incomplete")
	}
	ready.MarketData = true

	// ── Analysis and qualification ───────────────────────────────────
	zoneAnalyzer := analyzer.New(analyzer.Params{
		WindowLTF: cfg.ZoneWindowLTF,
		WindowITF: cfg.ZoneWindowITF,
		WindowHTF: cfg.ZoneWindowHTF,
		ATRPeriod: cfg.ATRPeriod,
		StrengthCuts: cfg.StrengthThresholds,
		Gate: analyzer.UtilityGate{
			Alpha:  cfg.UtilityAlpha,
			Beta:   cfg.UtilityBeta,
			Lambda: cfg.AdvantageRatio,
		},
		SignalTTL: cfg.SignalTTL,
	}, candleStore)
	sizer := sizing.New(cfg)
	validator := validation.NewService(cfg, store, sizer, zoneAnalyzer, eventBus)

	// ── Execution ────────────────────────────────────────────────────
	registry := broker.NewRegistry()
	guard := &execution.SafetySwitch{}
	manager := trades.NewManager(store, eventBus)
	entryExec := execution.NewEntryExecutor(cfg, registry, manager, guard)
	qualifier := execution.NewExitQualifier(cfg, store, clock, eventBus)
	exitExec := execution.NewExitExecutor(cfg, store, registry, manager, eventBus, guard)

	registerAdapters(cfg, store, registry, pipelinePrices(pipeline))
	ready.Execution = true

	// ── Signal manager ───────────────────────────────────────────────
	sigManager := signals.NewManager(cfg, store, eventBus, validator, entryExec, qualifier, exitExec, clock,
		func(symbol string) (decimal.Decimal, bool) {
			t, ok := pipeline.LastTick(symbol)
			if !ok {
				return decimal.Zero, false
			}
			return t.LastPrice, true
		})

	detector := execution.NewDetector(cfg, store, manager, sigManager.SubmitExitCandidate)
	pipeline.OnTick(detector.OnTick)
	if cfg.PersistTickEvents && asyncWriter != nil {
		pipeline.OnTick(func(t models.Tick) {
			asyncWriter.Append(&models.Event{
				Type:    models.EventTick,
				Scope:   models.ScopeGlobal,
				Payload: bus.Payload(map[string]any{"symbol": t.Symbol, "price": t.LastPrice, "qty": t.LastQty}),
			})
		})
	}
	pipeline.OnCandle(func(c models.Candle) {
		if _, err := eventBus.Append(&models.Event{
			Type:  models.EventCandleClosed,
			Scope: models.ScopeGlobal,
			Payload: bus.Payload(map[string]any{
				"symbol":    c.Symbol,
				"timeframe": c.Timeframe,
				"startTime": c.StartTime,
				"close":     c.Close,
			}),
		}); err != nil {
			log.Error().Err(err).Msg("candle event append failed")
		}

		// Confluence is re-examined on every 1-minute close.
		if c.Timeframe != models.Timeframe1m {
			return
		}
		tick, ok := pipeline.LastTick(c.Symbol)
		if !ok {
			return
		}
		if candidate, _ := zoneAnalyzer.Evaluate(c.Symbol, tick.LastPrice, time.Now()); candidate != nil {
			sigManager.SubmitCandidate(candidate)
		}
	})
	ready.Signals = true

	// ── Reconciler, hub, notifier, watchdog ──────────────────────────
	reconciler := reconcile.New(cfg, store, registry, manager, eventBus)
	ready.Reconciler = true

	broadcastHub := hub.New(cfg.HubBatchInterval, cfg.HubBatchMax, eventBus.Replay)
	eventBus.AddSink(broadcastHub)
	ready.Hub = true

	notifier, err := notify.New(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		log.Fatal().Err(err).Msg("notifier init failed")
	}
	if notifier != nil {
		eventBus.AddSink(notifier)
		notifier.Start()
	}

	dog := watchdogFor(cfg, store, eventBus, guard, pipeline, broadcastHub, clock)
	ready.Watchdog = true

	// ── Startup gate ─────────────────────────────────────────────────
	if err := gate.Verify(cfg, store, registry, ready); err != nil {
		log.Fatal().Err(err).Msg("startup gate failed")
	}

	// ── Run ──────────────────────────────────────────────────────────
	pipeline.Start()
	if err := sigManager.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("signal manager start failed")
	}
	exitExec.Start(ctx)
	reconciler.Start(ctx)
	broadcastHub.Start()
	dog.Start(ctx)

	startTickFeed(ctx, store, registry, symbols, pipeline)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ws", broadcastHub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if err := store.Ping(); err != nil {
			http.Error(w, "storage unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("🌐 HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	dog.Stop()
	reconciler.Stop()
	exitExec.Stop()
	sigManager.Stop()
	pipeline.Stop()
	broadcastHub.Stop()
	if notifier != nil {
		notifier.Stop()
	}
	if asyncWriter != nil {
		asyncWriter.Stop()
	}
	log.Info().Msg("Shutdown complete")
}

// pipelinePrices adapts the tick cache into a broker price source.
func pipelinePrices(p *marketdata.Pipeline) broker.PriceSource {
	return func(symbol string) (decimal.Decimal, bool) {
		t, ok := p.LastTick(symbol)
		if !ok {
			return decimal.Zero, false
		}
		return t.LastPrice, true
	}
}

// registerAdapters binds an adapter per enabled endpoint. This build
// ships the paper venue; real adapters register the same way and pick
// up the same hardening.
func registerAdapters(cfg *config.Config, store *storage.Store, registry *broker.Registry, prices broker.PriceSource) {
	bind := func(ubs []models.UserBroker) {
		for _, ub := range ubs {
			adapter := broker.Harden(broker.NewPaper(ub.BrokerName, prices), broker.HardenedConfig{
				CallTimeout: cfg.BrokerCallTimeout,
			})
			registry.Register(ub.ID, adapter)
			log.Info().Str("userBroker", ub.ID).Str("adapter", ub.BrokerName).Msg("Broker adapter registered")
		}
	}
	if execBrokers, err := store.EnabledExecBrokers(); err == nil {
		bind(execBrokers)
	}
	if dataBrokers, err := store.EnabledDataBrokers(); err == nil {
		bind(dataBrokers)
	}
}

// startTickFeed runs the DATA broker's stream into the pipeline.
func startTickFeed(ctx context.Context, store *storage.Store, registry *broker.Registry, symbols []string, pipeline *marketdata.Pipeline) {
	dataBrokers, err := store.EnabledDataBrokers()
	if err != nil || len(dataBrokers) == 0 {
		log.Warn().Msg("no data broker; tick feed not started")
		return
	}
	adapter, err := registry.Resolve(dataBrokers[0].ID)
	if err != nil {
		log.Error().Err(err).Msg("data broker adapter missing")
		return
	}

	ticks := make(chan models.Tick, 4096)
	go func() {
		if err := adapter.TickStream(ctx, symbols, ticks); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("tick stream terminated")
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticks:
				pipeline.Ingest(t)
			}
		}
	}()
	log.Info().Int("symbols", len(symbols)).Msg("📈 Tick feed started")
}

// watchdogFor wires the health probes to the live components.
func watchdogFor(
	cfg *config.Config,
	store *storage.Store,
	eventBus *bus.Bus,
	guard *execution.SafetySwitch,
	pipeline *marketdata.Pipeline,
	broadcastHub *hub.Hub,
	clock *marketdata.SessionClock,
) *watchdog.Watchdog {
	return watchdog.New(cfg, store, eventBus, guard, watchdog.Probes{
		NewestTickAt:      pipeline.NewestTickAt,
		HasCurrentPartial: pipeline.HasCurrentPartial,
		HubQueueDepth:     broadcastHub.QueueDepth,
		HubQueueCapacity:  broadcastHub.Capacity,
		InSession:         clock.InSession,
		WatchedSymbols:    store.SubscriptionUniverse,
	})
}

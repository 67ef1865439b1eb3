// Package metrics registers the runtime's Prometheus instruments,
// served at /metrics in the Prometheus text exposition format.
//
//   - runtime_ticks_total{symbol}            – ticks accepted into the pipeline
//   - runtime_tick_dupes_total               – ticks dropped by the dedupe window
//   - runtime_tick_fallback_keys_total       – dedupe keys built without an exchange timestamp
//   - runtime_candles_sealed_total{timeframe} – candles sealed (tick or sweep)
//   - runtime_events_total{type}             – events appended to the durable log
//   - runtime_hub_queue_depth                – broadcast hub queue occupancy
//   - runtime_hub_dropped_total              – hub events dropped under back-pressure
//   - runtime_broker_calls_total{op,outcome} – outbound broker calls
//   - runtime_reconcile_passes_total{kind}   – reconciler sweeps completed
//   - runtime_signals_total{confluence}      – entry signals published
//   - runtime_exit_signals_total{reason}     – exit signals published
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TicksAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runtime_ticks_total",
		Help: "Ticks accepted into the pipeline",
	}, []string{"symbol"})

	TickDupes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runtime_tick_dupes_total",
		Help: "Ticks dropped by the dedupe window",
	})

	TickFallbackKeys = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runtime_tick_fallback_keys_total",
		Help: "Dedupe keys built from the system clock because the exchange timestamp was absent",
	})

	CandlesSealed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runtime_candles_sealed_total",
		Help: "Candles sealed, by timeframe",
	}, []string{"timeframe"})

	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runtime_events_total",
		Help: "Events appended to the durable log",
	}, []string{"type"})

	HubQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "runtime_hub_queue_depth",
		Help: "Broadcast hub queue occupancy",
	})

	HubDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runtime_hub_dropped_total",
		Help: "Hub events dropped under back-pressure",
	})

	BrokerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runtime_broker_calls_total",
		Help: "Outbound broker calls by operation and outcome",
	}, []string{"op", "outcome"})

	ReconcilePasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runtime_reconcile_passes_total",
		Help: "Reconciler sweeps completed",
	}, []string{"kind"})

	SignalsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runtime_signals_total",
		Help: "Entry signals published, by confluence type",
	}, []string{"confluence"})

	ExitSignalsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runtime_exit_signals_total",
		Help: "Exit signals published, by reason",
	}, []string{"reason"})
)

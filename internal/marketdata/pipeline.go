// Package marketdata turns the raw broker tick stream into deduplicated
// ticks, multi-timeframe candles, and the bounded in-memory windows the
// analyzer reads. One goroutine owns each symbol: the partial candles,
// the dedupe window, and the roll-up aggregator for a symbol are only
// ever touched by that symbol's worker.
package marketdata

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantsurge/tradecore/internal/metrics"
	"github.com/quantsurge/tradecore/internal/models"
)

// PipelineConfig carries the tunables of the tick path.
type PipelineConfig struct {
	DedupeWindow time.Duration
	SealGrace    time.Duration
	Clock        *SessionClock
}

// TickHandler observes accepted (deduplicated) ticks.
type TickHandler func(models.Tick)

// CandleHandler observes sealed candles.
type CandleHandler func(models.Candle)

// Pipeline routes ticks to per-symbol workers and publishes sealed
// candles. Handlers must be registered before Start.
type Pipeline struct {
	cfg     PipelineConfig
	candles *CandleStore

	onTick   []TickHandler
	onCandle []CandleHandler

	mu      sync.Mutex
	workers map[string]*symbolWorker

	lastTick   sync.Map // symbol → models.Tick
	lastTickAt sync.Map // symbol → time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPipeline builds the tick pipeline over the candle store.
func NewPipeline(cfg PipelineConfig, candles *CandleStore) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		candles: candles,
		workers: make(map[string]*symbolWorker),
		stopCh:  make(chan struct{}),
	}
}

// OnTick registers a handler for accepted ticks.
func (p *Pipeline) OnTick(h TickHandler) { p.onTick = append(p.onTick, h) }

// OnCandle registers a handler for sealed candles.
func (p *Pipeline) OnCandle(h CandleHandler) { p.onCandle = append(p.onCandle, h) }

// Start launches the boundary-recovery sweeper.
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go p.sweepLoop()
	log.Info().Msg("Market data pipeline started")
}

// Stop shuts down the sweeper and every symbol worker.
func (p *Pipeline) Stop() {
	close(p.stopCh)
	p.mu.Lock()
	for _, w := range p.workers {
		close(w.tickCh)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Ingest hands a tick to its symbol's worker, creating the worker on
// first sight of the symbol. Never blocks the feed reader: a full
// worker queue drops the tick with a warning.
func (p *Pipeline) Ingest(t models.Tick) {
	p.mu.Lock()
	w, ok := p.workers[t.Symbol]
	if !ok {
		w = p.newWorker(t.Symbol)
		p.workers[t.Symbol] = w
	}
	p.mu.Unlock()

	select {
	case w.tickCh <- t:
	default:
		log.Warn().Str("symbol", t.Symbol).Msg("symbol tick queue full, tick dropped")
	}
}

// LastTick returns the cached latest tick for a symbol. Lock-free read.
func (p *Pipeline) LastTick(symbol string) (models.Tick, bool) {
	v, ok := p.lastTick.Load(symbol)
	if !ok {
		return models.Tick{}, false
	}
	return v.(models.Tick), true
}

// LastTickAt returns the feed-liveness timestamp for a symbol.
func (p *Pipeline) LastTickAt(symbol string) (time.Time, bool) {
	v, ok := p.lastTickAt.Load(symbol)
	if !ok {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

// NewestTickAt returns the most recent tick instant across all symbols,
// which is what the watchdog's stale-feed alarm keys on.
func (p *Pipeline) NewestTickAt() time.Time {
	var newest time.Time
	p.lastTickAt.Range(func(_, v any) bool {
		if at := v.(time.Time); at.After(newest) {
			newest = at
		}
		return true
	})
	return newest
}

// HasCurrentPartial reports whether the symbol's worker holds a live
// 1-minute partial for the current period (candle-liveness check).
func (p *Pipeline) HasCurrentPartial(symbol string, now time.Time) bool {
	p.mu.Lock()
	w, ok := p.workers[symbol]
	p.mu.Unlock()
	if !ok {
		return false
	}
	return w.hasCurrentPartial(now)
}

func (p *Pipeline) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case now := <-ticker.C:
			p.mu.Lock()
			for _, w := range p.workers {
				select {
				case w.sweepCh <- now:
				default:
				}
			}
			p.mu.Unlock()
		}
	}
}

// symbolWorker is the single writer for one symbol's partition.
type symbolWorker struct {
	symbol  string
	p       *Pipeline
	tickCh  chan models.Tick
	sweepCh chan time.Time

	dedupe   *dedupeWindow
	agg      *aggregator
	partials map[models.Timeframe]*models.PartialCandle // 1m and daily

	partialMu sync.Mutex // guards partials for the liveness probe only
}

func (p *Pipeline) newWorker(symbol string) *symbolWorker {
	w := &symbolWorker{
		symbol:   symbol,
		p:        p,
		tickCh:   make(chan models.Tick, 1024),
		sweepCh:  make(chan time.Time, 1),
		dedupe:   newDedupeWindow(p.cfg.DedupeWindow),
		agg:      newAggregator(symbol, p.cfg.Clock),
		partials: make(map[models.Timeframe]*models.PartialCandle),
	}
	p.wg.Add(1)
	go w.run()
	return w
}

func (w *symbolWorker) run() {
	defer w.p.wg.Done()
	for {
		select {
		case t, ok := <-w.tickCh:
			if !ok {
				return
			}
			w.handleTick(t)
		case now := <-w.sweepCh:
			w.sweep(now)
		}
	}
}

func (w *symbolWorker) handleTick(t models.Tick) {
	now := t.ReceivedAt
	if now.IsZero() {
		now = time.Now()
		t.ReceivedAt = now
	}

	if w.dedupe.Duplicate(t, now) {
		return
	}
	metrics.TicksAccepted.WithLabelValues(t.Symbol).Inc()

	w.p.lastTickAt.Store(t.Symbol, now)
	w.p.lastTick.Store(t.Symbol, t)

	// Candle time uses the exchange timestamp when present.
	ct := t.ExchangeTimestamp
	if ct.IsZero() {
		ct = now
	}

	w.partialMu.Lock()
	w.updatePartial(models.Timeframe1m, models.Timeframe1m.Truncate(ct), t)
	if w.p.cfg.Clock != nil && w.p.cfg.Clock.InSession(ct) {
		w.updatePartial(models.TimeframeDaily, w.p.cfg.Clock.SessionOpen(ct), t)
	}
	w.partialMu.Unlock()

	for _, h := range w.p.onTick {
		h(t)
	}
}

// updatePartial extends the partial for tf, sealing it first when the
// tick crossed a period boundary.
func (w *symbolWorker) updatePartial(tf models.Timeframe, start time.Time, t models.Tick) {
	p := w.partials[tf]
	if p != nil && !p.StartTime.Equal(start) {
		w.seal(p.Seal())
		p = nil
	}
	if p == nil {
		p = &models.PartialCandle{
			Symbol:    w.symbol,
			Timeframe: tf,
			StartTime: start,
			Open:      t.LastPrice,
			High:      t.LastPrice,
			Low:       t.LastPrice,
			Close:     t.LastPrice,
			Volume:    t.LastQty,
		}
		w.partials[tf] = p
		return
	}
	p.Apply(t.LastPrice, t.LastQty)
}

// seal stores a finished candle, feeds the roll-up aggregator, and
// notifies handlers.
func (w *symbolWorker) seal(c models.Candle) {
	if err := w.p.candles.Append(c); err != nil {
		log.Error().Err(err).Str("symbol", c.Symbol).Str("timeframe", string(c.Timeframe)).
			Msg("candle store append failed")
		return
	}
	metrics.CandlesSealed.WithLabelValues(string(c.Timeframe)).Inc()
	for _, h := range w.p.onCandle {
		h(c)
	}

	if c.Timeframe == models.Timeframe1m {
		for _, rolled := range w.agg.add(c) {
			w.seal(rolled)
		}
	}
}

// sweep seals partials whose period ended more than grace ago even
// though no trailing tick arrived (boundary recovery).
func (w *symbolWorker) sweep(now time.Time) {
	grace := w.p.cfg.SealGrace

	w.partialMu.Lock()
	for tf, p := range w.partials {
		var end time.Time
		if tf == models.TimeframeDaily {
			if w.p.cfg.Clock == nil {
				continue
			}
			end = w.p.cfg.Clock.SessionClose(p.StartTime)
		} else {
			end = p.StartTime.Add(tf.Duration())
		}
		if now.After(end.Add(grace)) {
			sealed := p.Seal()
			delete(w.partials, tf)
			w.partialMu.Unlock()
			w.seal(sealed)
			w.partialMu.Lock()
		}
	}
	w.partialMu.Unlock()

	for _, rolled := range w.agg.sweep(now, grace) {
		w.seal(rolled)
	}
}

func (w *symbolWorker) hasCurrentPartial(now time.Time) bool {
	w.partialMu.Lock()
	defer w.partialMu.Unlock()
	p, ok := w.partials[models.Timeframe1m]
	if !ok {
		return false
	}
	return p.StartTime.Equal(models.Timeframe1m.Truncate(now))
}

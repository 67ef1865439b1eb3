package marketdata

import (
	"fmt"
	"time"

	"github.com/quantsurge/tradecore/internal/metrics"
	"github.com/quantsurge/tradecore/internal/models"
)

// dedupeWindow discards duplicate ticks using two rotating key sets,
// each covering one window (60 s by default). At a window boundary the
// previous set is dropped and the current becomes the previous, so
// memory stays bounded by two windows' worth of keys regardless of
// uptime. Not goroutine-safe: each symbol worker owns its own window.
type dedupeWindow struct {
	window      time.Duration
	windowStart time.Time
	current     map[string]struct{}
	previous    map[string]struct{}
	drops       uint64
}

func newDedupeWindow(window time.Duration) *dedupeWindow {
	return &dedupeWindow{
		window:   window,
		current:  make(map[string]struct{}),
		previous: make(map[string]struct{}),
	}
}

// key builds the dedupe key: (symbol, exchangeTimestamp, price, qty),
// falling back to the system-clock second when the exchange timestamp
// is absent.
func (d *dedupeWindow) key(t models.Tick) string {
	ts := t.ExchangeTimestamp
	if ts.IsZero() {
		metrics.TickFallbackKeys.Inc()
		ts = t.ReceivedAt.Truncate(time.Second)
	}
	return fmt.Sprintf("%s|%d|%s|%d", t.Symbol, ts.UnixMilli(), t.LastPrice.String(), t.LastQty)
}

// Duplicate rotates windows as needed, then reports and records
// whether the tick was already seen.
func (d *dedupeWindow) Duplicate(t models.Tick, now time.Time) bool {
	d.rotate(now)

	k := d.key(t)
	if _, ok := d.current[k]; ok {
		d.drops++
		metrics.TickDupes.Inc()
		return true
	}
	if _, ok := d.previous[k]; ok {
		d.drops++
		metrics.TickDupes.Inc()
		return true
	}
	d.current[k] = struct{}{}
	return false
}

func (d *dedupeWindow) rotate(now time.Time) {
	if d.windowStart.IsZero() {
		d.windowStart = now
		return
	}
	elapsed := now.Sub(d.windowStart)
	switch {
	case elapsed >= 2*d.window:
		d.current = make(map[string]struct{})
		d.previous = make(map[string]struct{})
		d.windowStart = now
	case elapsed >= d.window:
		d.previous = d.current
		d.current = make(map[string]struct{})
		d.windowStart = d.windowStart.Add(d.window)
	}
}

// Drops returns the running duplicate count.
func (d *dedupeWindow) Drops() uint64 { return d.drops }

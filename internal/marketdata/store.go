package marketdata

import (
	"sync"

	"github.com/quantsurge/tradecore/internal/models"
	"github.com/quantsurge/tradecore/internal/storage"
)

// ring is a fixed-capacity candle buffer for one (symbol, timeframe).
type ring struct {
	buf  []models.Candle
	head int // next write slot
	size int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]models.Candle, capacity)}
}

func (r *ring) push(c models.Candle) {
	// A duplicate close for the last start time replaces in place.
	if r.size > 0 {
		lastIdx := (r.head - 1 + len(r.buf)) % len(r.buf)
		if r.buf[lastIdx].StartTime.Equal(c.StartTime) {
			r.buf[lastIdx] = c
			return
		}
	}
	r.buf[r.head] = c
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// recent returns up to n candles, oldest first.
func (r *ring) recent(n int) []models.Candle {
	if n > r.size {
		n = r.size
	}
	out := make([]models.Candle, 0, n)
	start := (r.head - n + len(r.buf)) % len(r.buf)
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

type ringKey struct {
	symbol string
	tf     models.Timeframe
}

// CandleStore is the dual-tier candle storage: bounded in-memory rings
// for the analyzer's windows, durable rows underneath. Reads consult
// memory first and fall back to the database.
type CandleStore struct {
	mu    sync.RWMutex
	rings map[ringKey]*ring
	sizes map[models.Timeframe]int
	store *storage.Store
}

// NewCandleStore wires the rings over the durable store. sizes maps a
// timeframe to its ring capacity.
func NewCandleStore(store *storage.Store, sizes map[models.Timeframe]int) *CandleStore {
	return &CandleStore{
		rings: make(map[ringKey]*ring),
		sizes: sizes,
		store: store,
	}
}

func (cs *CandleStore) ringFor(symbol string, tf models.Timeframe) *ring {
	key := ringKey{symbol, tf}
	if r, ok := cs.rings[key]; ok {
		return r
	}
	capacity := cs.sizes[tf]
	if capacity == 0 {
		capacity = 64
	}
	r := newRing(capacity)
	cs.rings[key] = r
	return r
}

// Append stores one sealed candle in both tiers. Duplicate closes for
// the same (symbol, timeframe, startTime) collapse to an upsert.
func (cs *CandleStore) Append(c models.Candle) error {
	if err := cs.store.SaveCandle(&c); err != nil {
		return err
	}
	cs.mu.Lock()
	cs.ringFor(c.Symbol, c.Timeframe).push(c)
	cs.mu.Unlock()
	return nil
}

// Recent returns up to n completed candles oldest-first, reading the
// ring and falling back to durable rows when the ring is short.
func (cs *CandleStore) Recent(symbol string, tf models.Timeframe, n int) ([]models.Candle, error) {
	cs.mu.RLock()
	var cached []models.Candle
	if r, ok := cs.rings[ringKey{symbol, tf}]; ok {
		cached = r.recent(n)
	}
	cs.mu.RUnlock()
	if len(cached) >= n {
		return cached, nil
	}

	rows, err := cs.store.RecentCandles(symbol, tf, n)
	if err != nil {
		return nil, err
	}
	// rows are newest-first; flip to oldest-first.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	if len(rows) <= len(cached) {
		return cached, nil
	}
	return rows, nil
}

// Warm preloads rings from durable rows on start.
func (cs *CandleStore) Warm(symbols []string) error {
	for _, symbol := range symbols {
		for tf, size := range cs.sizes {
			rows, err := cs.store.RecentCandles(symbol, tf, size)
			if err != nil {
				return err
			}
			cs.mu.Lock()
			r := cs.ringFor(symbol, tf)
			for i := len(rows) - 1; i >= 0; i-- { // oldest first
				r.push(rows[i])
			}
			cs.mu.Unlock()
		}
	}
	return nil
}

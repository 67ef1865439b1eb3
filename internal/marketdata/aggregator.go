package marketdata

import (
	"time"

	"github.com/quantsurge/tradecore/internal/models"
)

// aggregator rolls completed 1-minute candles up into 25-minute and
// 125-minute bars for one symbol. It is owned by that symbol's worker,
// so no locking: single-writer-per-partition holds for the roll-ups
// exactly as it does for the tick-built partials.
type aggregator struct {
	symbol   string
	clock    *SessionClock
	partials map[models.Timeframe]*models.PartialCandle
}

func newAggregator(symbol string, clock *SessionClock) *aggregator {
	return &aggregator{
		symbol:   symbol,
		clock:    clock,
		partials: make(map[models.Timeframe]*models.PartialCandle),
	}
}

var rollupFrames = []models.Timeframe{models.Timeframe25m, models.Timeframe125m}

// add folds one sealed 1-minute candle into the containing 25m/125m
// partials and returns any bars whose interval ended with it.
func (a *aggregator) add(c models.Candle) []models.Candle {
	var sealed []models.Candle
	for _, tf := range rollupFrames {
		start := a.bucketStart(tf, c.StartTime)

		p := a.partials[tf]
		if p != nil && !p.StartTime.Equal(start) {
			sealed = append(sealed, p.Seal())
			p = nil
		}
		if p == nil {
			p = &models.PartialCandle{
				Symbol:    a.symbol,
				Timeframe: tf,
				StartTime: start,
				Open:      c.Open,
				High:      c.High,
				Low:       c.Low,
				Close:     c.Close,
				Volume:    c.Volume,
			}
			a.partials[tf] = p
		} else {
			if c.High.GreaterThan(p.High) {
				p.High = c.High
			}
			if c.Low.LessThan(p.Low) {
				p.Low = c.Low
			}
			p.Close = c.Close
			p.Volume += c.Volume
		}

		// The minute that closes the interval seals it immediately
		// rather than waiting for the first minute of the next one.
		if c.StartTime.Add(time.Minute).Equal(start.Add(tf.Duration())) {
			sealed = append(sealed, p.Seal())
			delete(a.partials, tf)
		}
	}
	return sealed
}

// bucketStart aligns a roll-up interval to the session open, so a
// 09:15 open tiles 25m bars at 09:15, 09:40, 10:05... rather than on
// epoch boundaries. Minutes before the open (or without a clock) fall
// back to epoch alignment.
func (a *aggregator) bucketStart(tf models.Timeframe, t time.Time) time.Time {
	if a.clock == nil {
		return tf.Truncate(t)
	}
	open := a.clock.SessionOpen(t)
	if t.Before(open) {
		return tf.Truncate(t)
	}
	d := tf.Duration()
	return open.Add(t.Sub(open) / d * d)
}

// sweep seals roll-up partials whose interval ended more than grace ago
// without a trailing minute.
func (a *aggregator) sweep(now time.Time, grace time.Duration) []models.Candle {
	var sealed []models.Candle
	for tf, p := range a.partials {
		if now.After(p.StartTime.Add(tf.Duration()).Add(grace)) {
			sealed = append(sealed, p.Seal())
			delete(a.partials, tf)
		}
	}
	return sealed
}

package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionClockBounds(t *testing.T) {
	// 09:15 - 15:30, the NSE cash session.
	c := NewSessionClock(9*60+15, 15*60+30, time.UTC)

	day := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	open := c.SessionOpen(day.Add(12 * time.Hour))
	closeAt := c.SessionClose(day.Add(12 * time.Hour))

	assert.Equal(t, day.Add(9*time.Hour+15*time.Minute), open)
	assert.Equal(t, day.Add(15*time.Hour+30*time.Minute), closeAt)

	assert.False(t, c.InSession(open.Add(-time.Second)))
	assert.True(t, c.InSession(open))
	assert.True(t, c.InSession(closeAt.Add(-time.Second)))
	assert.False(t, c.InSession(closeAt))
}

func TestSessionClockMinutesToClose(t *testing.T) {
	c := NewSessionClock(9*60+15, 15*60+30, time.UTC)

	at := time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, 30, c.MinutesToClose(at))

	after := time.Date(2026, 1, 5, 16, 0, 0, 0, time.UTC)
	assert.Negative(t, c.MinutesToClose(after))
}

func TestSessionClockTradingDay(t *testing.T) {
	c := NewSessionClock(9*60+15, 15*60+30, time.UTC)
	assert.Equal(t, "2026-01-05", c.TradingDay(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)))
}

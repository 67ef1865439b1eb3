package marketdata

import "time"

// SessionClock supplies the market calendar: open/close minutes within
// the exchange-local day. Daily candles and the exit qualifier's
// final-minutes policy both consult it.
type SessionClock struct {
	OpenMinute  int // minutes after midnight
	CloseMinute int
	Location    *time.Location
}

// NewSessionClock builds a clock; a nil location means process-local time.
func NewSessionClock(openMinute, closeMinute int, loc *time.Location) *SessionClock {
	if loc == nil {
		loc = time.Local
	}
	return &SessionClock{OpenMinute: openMinute, CloseMinute: closeMinute, Location: loc}
}

// SessionOpen returns the session open instant for t's trading day.
func (c *SessionClock) SessionOpen(t time.Time) time.Time {
	lt := t.In(c.Location)
	day := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, c.Location)
	return day.Add(time.Duration(c.OpenMinute) * time.Minute)
}

// SessionClose returns the session close instant for t's trading day.
func (c *SessionClock) SessionClose(t time.Time) time.Time {
	lt := t.In(c.Location)
	day := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, c.Location)
	return day.Add(time.Duration(c.CloseMinute) * time.Minute)
}

// InSession reports whether t falls inside the trading session.
func (c *SessionClock) InSession(t time.Time) bool {
	return !t.Before(c.SessionOpen(t)) && t.Before(c.SessionClose(t))
}

// MinutesToClose returns whole minutes until session close; negative
// after the close.
func (c *SessionClock) MinutesToClose(t time.Time) int {
	return int(c.SessionClose(t).Sub(t) / time.Minute)
}

// TradingDay formats t's session date as YYYY-MM-DD.
func (c *SessionClock) TradingDay(t time.Time) string {
	return t.In(c.Location).Format("2006-01-02")
}

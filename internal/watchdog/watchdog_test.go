package watchdog

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsurge/tradecore/internal/bus"
	"github.com/quantsurge/tradecore/internal/config"
	"github.com/quantsurge/tradecore/internal/execution"
	"github.com/quantsurge/tradecore/internal/models"
	"github.com/quantsurge/tradecore/internal/storage"
)

func watchdogCfg() *config.Config {
	return &config.Config{
		WatchdogInterval: 5 * time.Second,
		StaleFeedAfter:   30 * time.Second,
	}
}

// alarmSink collects watchdog alarm events straight off the bus.
type alarmSink struct{ alarms []models.Event }

func (s *alarmSink) Enqueue(e models.Event) {
	if e.Type == models.EventWatchdogAlarm {
		s.alarms = append(s.alarms, e)
	}
}

func newWatchdog(t *testing.T, probes Probes) (*Watchdog, *storage.Store, *execution.SafetySwitch, *alarmSink) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	st, err := storage.New(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := bus.New(st)
	sink := &alarmSink{}
	b.AddSink(sink)
	guard := &execution.SafetySwitch{}
	return New(watchdogCfg(), st, b, guard, probes), st, guard, sink
}

func alarmChecks(sink *alarmSink) []string {
	var checks []string
	for _, e := range sink.alarms {
		for _, c := range []string{CheckStorage, CheckStaleFeed, CheckHubBacklog, CheckDataBroker, CheckCandleBuilder} {
			if strings.Contains(e.Payload, c) {
				checks = append(checks, c)
			}
		}
	}
	return checks
}

func TestSweepStaleFeedArmsGuard(t *testing.T) {
	now := time.Now()
	tickAt := now.Add(-time.Minute)
	w, _, guard, sink := newWatchdog(t, Probes{
		NewestTickAt: func() time.Time { return tickAt },
		InSession:    func(time.Time) bool { return true },
	})

	w.Sweep(now)
	assert.True(t, guard.ReadOnly())
	assert.Contains(t, alarmChecks(sink), CheckStaleFeed)

	// The feed recovers: the next clean sweep disarms the switch.
	tickAt = now
	w.Sweep(now)
	assert.False(t, guard.ReadOnly())
}

func TestSweepIgnoresFeedOutsideSession(t *testing.T) {
	now := time.Now()
	w, _, guard, sink := newWatchdog(t, Probes{
		NewestTickAt: func() time.Time { return time.Time{} },
		InSession:    func(time.Time) bool { return false },
	})

	w.Sweep(now)
	assert.False(t, guard.ReadOnly())
	assert.Empty(t, sink.alarms)
}

func TestSweepHubBacklogAlarmsWithoutArming(t *testing.T) {
	w, _, guard, sink := newWatchdog(t, Probes{
		HubQueueDepth:    func() int { return 95 },
		HubQueueCapacity: func() int { return 100 },
	})

	w.Sweep(time.Now())
	assert.Contains(t, alarmChecks(sink), CheckHubBacklog)
	assert.False(t, guard.ReadOnly())
}

func TestSweepFlagsDisconnectedDataBroker(t *testing.T) {
	w, st, guard, sink := newWatchdog(t, Probes{})
	require.NoError(t, st.SaveUserBroker(&models.UserBroker{
		ID: "ub-data", UserID: "u1", BrokerName: "paper",
		Role: models.RoleData, Enabled: true, Status: models.BrokerDisconnected,
	}))

	w.Sweep(time.Now())
	assert.Contains(t, alarmChecks(sink), CheckDataBroker)
	assert.False(t, guard.ReadOnly())
}

func TestSweepFlagsStalledCandleBuilder(t *testing.T) {
	w, _, _, sink := newWatchdog(t, Probes{
		InSession:      func(time.Time) bool { return true },
		WatchedSymbols: func() ([]string, error) { return []string{"RELIANCE", "INFY"}, nil },
		HasCurrentPartial: func(symbol string, _ time.Time) bool {
			return symbol == "INFY"
		},
	})

	w.Sweep(time.Now())
	checks := alarmChecks(sink)
	assert.Contains(t, checks, CheckCandleBuilder)
	require.Len(t, sink.alarms, 1)
	assert.Contains(t, sink.alarms[0].Payload, "RELIANCE")
	assert.NotContains(t, sink.alarms[0].Payload, "INFY")
}

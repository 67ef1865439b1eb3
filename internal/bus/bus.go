// Package bus is the process-wide event log writer and in-process
// publisher. Append persists first, then emits: an event a subscriber
// can observe is always already durable, and a persistence failure
// means nothing was emitted.
package bus

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/quantsurge/tradecore/internal/metrics"
	"github.com/quantsurge/tradecore/internal/models"
	"github.com/quantsurge/tradecore/internal/storage"
)

// Sink receives every appended event after it is durable. The broadcast
// hub is a sink; so is the operator notifier.
type Sink interface {
	Enqueue(e models.Event)
}

// Filter selects which events a subscription receives.
type Filter func(e models.Event) bool

type subscription struct {
	ch     chan models.Event
	filter Filter
}

// Bus serializes the event log. There is exactly one writer of seq
// ordering: the mutex below.
type Bus struct {
	store *storage.Store

	mu    sync.Mutex
	subs  map[int]*subscription
	next  int
	sinks []Sink
}

// New creates the bus over the durable log.
func New(store *storage.Store) *Bus {
	return &Bus{
		store: store,
		subs:  make(map[int]*subscription),
	}
}

// AddSink registers a delivery sink. Call before the runtime starts
// appending.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Append persists the event, assigns its seq, then publishes it. On a
// persist failure the event is not visible anywhere and the caller must
// not proceed with the associated state change.
func (b *Bus) Append(e *models.Event) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.store.AppendEvent(e); err != nil {
		return 0, err
	}
	metrics.EventsAppended.WithLabelValues(string(e.Type)).Inc()

	for _, sink := range b.sinks {
		sink.Enqueue(*e)
	}
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(*e) {
			continue
		}
		select {
		case sub.ch <- *e:
		default:
			// Slow in-process subscriber: drop rather than stall the
			// log writer. Durable replay is the recovery channel.
			log.Warn().Str("type", string(e.Type)).Msg("bus subscriber queue full, event dropped")
		}
	}
	return e.Seq, nil
}

// Subscribe returns a filtered event channel and a cancel func. A nil
// filter receives everything.
func (b *Bus) Subscribe(filter Filter, buffer int) (<-chan models.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if buffer <= 0 {
		buffer = 256
	}
	id := b.next
	b.next++
	sub := &subscription{ch: make(chan models.Event, buffer), filter: filter}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Replay returns persisted events after the given seq, in order.
func (b *Bus) Replay(afterSeq int64, limit int) ([]models.Event, error) {
	return b.store.EventsAfter(afterSeq, limit)
}

// Payload marshals an event payload map; marshal failures collapse to
// an empty object rather than blocking the state change.
func Payload(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("event payload marshal failed")
		return "{}"
	}
	return string(raw)
}

// StrPtr is a tiny helper for the nullable routing columns.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

package bus

import (
	"github.com/rs/zerolog/log"

	"github.com/quantsurge/tradecore/internal/models"
)

// AsyncWriter decouples high-rate appends (tick events) from the
// synchronous log writer. Ordering within the writer is preserved; a
// full queue drops the event with a warning rather than stalling the
// tick path.
type AsyncWriter struct {
	bus    *Bus
	queue  chan *models.Event
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewAsyncWriter sizes the queue and starts nothing; call Start.
func NewAsyncWriter(b *Bus, buffer int) *AsyncWriter {
	if buffer <= 0 {
		buffer = 4096
	}
	return &AsyncWriter{
		bus:    b,
		queue:  make(chan *models.Event, buffer),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the drain goroutine.
func (w *AsyncWriter) Start() {
	go func() {
		defer close(w.doneCh)
		for {
			select {
			case <-w.stopCh:
				// Drain what is already queued before exiting.
				for {
					select {
					case e := <-w.queue:
						w.write(e)
					default:
						return
					}
				}
			case e := <-w.queue:
				w.write(e)
			}
		}
	}()
}

// Stop flushes the queue and halts the writer.
func (w *AsyncWriter) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// Append enqueues without blocking.
func (w *AsyncWriter) Append(e *models.Event) {
	select {
	case w.queue <- e:
	default:
		log.Warn().Str("type", string(e.Type)).Msg("async event queue full, event dropped")
	}
}

func (w *AsyncWriter) write(e *models.Event) {
	if _, err := w.bus.Append(e); err != nil {
		log.Error().Err(err).Str("type", string(e.Type)).Msg("async event append failed")
	}
}

// Package hub broadcasts the event stream to websocket clients.
// Events enter one bounded queue; a flusher drains them in batches and
// dispatches per-session filtered slices. Back-pressure never blocks
// the event-log writer: when a queue is full the newest events win and
// the affected session resyncs from the durable log by afterSeq.
package hub

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quantsurge/tradecore/internal/metrics"
	"github.com/quantsurge/tradecore/internal/models"
)

// queueCapacity bounds the ingest queue between the bus and the flusher.
const queueCapacity = 8192

// Hub fans events out to websocket sessions. Enqueue satisfies the
// event bus's sink contract.
type Hub struct {
	batchInterval time.Duration
	batchMax      int
	replay        func(afterSeq int64, limit int) ([]models.Event, error)

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
	queue    chan models.Event

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds the hub. replay serves client resyncs from the durable log.
func New(batchInterval time.Duration, batchMax int, replay func(int64, int) ([]models.Event, error)) *Hub {
	return &Hub{
		batchInterval: batchInterval,
		batchMax:      batchMax,
		replay:        replay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
		queue:    make(chan models.Event, queueCapacity),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Enqueue implements bus.Sink. A full queue drops the oldest event so
// the newest are kept; dropped events never reached any session, so
// every session is invalidated and resyncs from the durable log.
func (h *Hub) Enqueue(e models.Event) {
	for {
		select {
		case h.queue <- e:
			metrics.HubQueueDepth.Set(float64(len(h.queue)))
			return
		default:
			select {
			case <-h.queue:
				metrics.HubDropped.Inc()
				h.invalidateSessions()
			default:
			}
		}
	}
}

// invalidateSessions forces every connected session through resume
// after an ingest-queue drop.
func (h *Hub) invalidateSessions() {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.invalidate()
	}
}

// QueueDepth reports the current ingest backlog (watchdog check).
func (h *Hub) QueueDepth() int { return len(h.queue) }

// Capacity reports the ingest queue bound.
func (h *Hub) Capacity() int { return queueCapacity }

// Start launches the flusher.
func (h *Hub) Start() {
	go h.flushLoop()
	log.Info().Msg("Broadcast hub started")
}

// Stop halts the flusher and closes every session.
func (h *Hub) Stop() {
	close(h.stopCh)
	<-h.doneCh
	h.mu.Lock()
	for s := range h.sessions {
		s.close()
	}
	h.mu.Unlock()
}

func (h *Hub) flushLoop() {
	defer close(h.doneCh)
	ticker := time.NewTicker(h.batchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.flush()
		}
	}
}

// flush drains up to batchMax queued events and dispatches the batch.
func (h *Hub) flush() {
	var batch []models.Event
	for len(batch) < h.batchMax {
		select {
		case e := <-h.queue:
			batch = append(batch, e)
		default:
			metrics.HubQueueDepth.Set(float64(len(h.queue)))
			if len(batch) == 0 {
				return
			}
			h.dispatch(batch)
			return
		}
	}
	metrics.HubQueueDepth.Set(float64(len(h.queue)))
	h.dispatch(batch)
}

func (h *Hub) dispatch(batch []models.Event) {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.deliver(batch)
	}
}

// ServeHTTP upgrades a client connection. The caller's authentication
// layer supplies the user id; the hub only routes on it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = r.URL.Query().Get("userId")
	}
	if userID == "" {
		http.Error(w, "missing user id", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s := newSession(h, conn, userID)
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()

	go s.writeLoop()
	go s.readLoop()
	log.Info().Str("user", userID).Msg("🔌 Hub session connected")
}

func (h *Hub) drop(s *session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
	s.close()
}

// visible applies the scope filter for one session.
func visible(e *models.Event, userID string, userBrokers map[string]struct{}) bool {
	switch e.Scope {
	case models.ScopeGlobal:
		return true
	case models.ScopeUser:
		return e.UserID != nil && *e.UserID == userID
	case models.ScopeUserBroker:
		if e.UserID == nil || *e.UserID != userID {
			return false
		}
		if len(userBrokers) == 0 {
			return true
		}
		if e.UserBrokerID == nil {
			return false
		}
		_, ok := userBrokers[*e.UserBrokerID]
		return ok
	}
	return false
}

package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quantsurge/tradecore/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sessionOutbox  = 64 // batches, not events
	maxResyncBatch = 500
)

// clientMessage is the inbound control frame.
type clientMessage struct {
	Action      string   `json:"action"` // subscribe | resume | ping
	Topics      []string `json:"topics,omitempty"`
	UserBrokers []string `json:"userBrokers,omitempty"`
	AfterSeq    int64    `json:"afterSeq,omitempty"`
}

// serverFrame is the outbound envelope.
type serverFrame struct {
	Type    string         `json:"type"` // ACK | PONG | BATCH | RESYNC
	Events  []models.Event `json:"events,omitempty"`
	LastSeq int64          `json:"lastSeq,omitempty"`
	Message string         `json:"message,omitempty"`
}

// session is one connected client. The write loop is the only writer
// on the connection; deliver only enqueues.
type session struct {
	hub  *Hub
	conn *websocket.Conn

	userID string

	mu          sync.Mutex
	topics      map[string]struct{}
	userBrokers map[string]struct{}
	lastSeq     int64
	invalidated bool // overflow happened; client must resume

	out    chan serverFrame
	closed chan struct{}
	once   sync.Once
}

func newSession(h *Hub, conn *websocket.Conn, userID string) *session {
	return &session{
		hub:         h,
		conn:        conn,
		userID:      userID,
		topics:      make(map[string]struct{}),
		userBrokers: make(map[string]struct{}),
		out:         make(chan serverFrame, sessionOutbox),
		closed:      make(chan struct{}),
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// deliver filters a flushed batch for this session and enqueues it.
// A full outbox invalidates lastSeq instead of blocking the flusher.
func (s *session) deliver(batch []models.Event) {
	s.mu.Lock()
	if s.invalidated {
		s.mu.Unlock()
		return
	}
	var mine []models.Event
	for i := range batch {
		e := batch[i]
		if !visible(&e, s.userID, s.userBrokers) {
			continue
		}
		if !s.topicSubscribed(e.Type) {
			continue
		}
		mine = append(mine, e)
	}
	if len(mine) == 0 {
		s.mu.Unlock()
		return
	}
	last := mine[len(mine)-1].Seq
	s.mu.Unlock()

	select {
	case s.out <- serverFrame{Type: "BATCH", Events: mine, LastSeq: last}:
		s.mu.Lock()
		s.lastSeq = last
		s.mu.Unlock()
	default:
		// Slow consumer: keep the stream alive, force a replay.
		s.mu.Lock()
		s.invalidated = true
		s.mu.Unlock()
		select {
		case s.out <- serverFrame{Type: "RESYNC", LastSeq: s.lastSeq}:
		default:
		}
	}
}

// invalidate marks the stream broken (events were lost before this
// session could see them) and tells the client to resume. Idempotent
// until the next resume clears the flag.
func (s *session) invalidate() {
	s.mu.Lock()
	already := s.invalidated
	s.invalidated = true
	last := s.lastSeq
	s.mu.Unlock()
	if already {
		return
	}
	select {
	case s.out <- serverFrame{Type: "RESYNC", LastSeq: last}:
	default:
	}
}

// topicSubscribed: an empty topic set means everything.
func (s *session) topicSubscribed(t models.EventType) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[string(t)]
	return ok
}

func (s *session) readLoop() {
	defer s.hub.drop(s)

	s.conn.SetReadLimit(4096)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		s.handle(msg)
	}
}

func (s *session) handle(msg clientMessage) {
	switch msg.Action {
	case "subscribe":
		s.mu.Lock()
		s.topics = make(map[string]struct{}, len(msg.Topics))
		for _, t := range msg.Topics {
			s.topics[t] = struct{}{}
		}
		s.userBrokers = make(map[string]struct{}, len(msg.UserBrokers))
		for _, id := range msg.UserBrokers {
			s.userBrokers[id] = struct{}{}
		}
		s.mu.Unlock()
		s.enqueue(serverFrame{Type: "ACK", Message: "subscribed"})

	case "resume":
		s.resume(msg.AfterSeq)

	case "ping":
		s.enqueue(serverFrame{Type: "PONG"})
	}
}

// resume replays the durable log after the client's seq and clears the
// invalidation flag.
func (s *session) resume(afterSeq int64) {
	events, err := s.hub.replay(afterSeq, maxResyncBatch)
	if err != nil {
		log.Error().Err(err).Int64("afterSeq", afterSeq).Msg("hub resync replay failed")
		return
	}

	s.mu.Lock()
	var mine []models.Event
	for i := range events {
		if visible(&events[i], s.userID, s.userBrokers) && s.topicSubscribed(events[i].Type) {
			mine = append(mine, events[i])
		}
	}
	last := afterSeq
	if len(events) > 0 {
		last = events[len(events)-1].Seq
	}
	s.lastSeq = last
	s.invalidated = false
	s.mu.Unlock()

	s.enqueue(serverFrame{Type: "BATCH", Events: mine, LastSeq: last})
}

func (s *session) enqueue(f serverFrame) {
	select {
	case s.out <- f:
	default:
	}
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer s.hub.drop(s)

	for {
		select {
		case <-s.closed:
			return
		case f := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

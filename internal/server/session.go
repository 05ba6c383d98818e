package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/quantaxis/qamd/internal/metrics"
)

const (
	writeWait        = 10 * time.Second
	maxMessageSize   = 64 * 1024
	initialQueueSize = 64

	// Inbound message budget per session. Well-behaved clients send a
	// handful of peeks per second; anything past this is dropped.
	inboundRate  = 100
	inboundBurst = 200
)

// session is one WebSocket client. Outbound frames go through an
// unbounded FIFO with a single write in flight, so responses and market
// data never interleave mid-frame and a slow client cannot stall the
// upstream path.
type session struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	queue   *frameQueue
	limiter *rate.Limiter

	// subs maps the raw upstream instrument id to the display form the
	// client used when subscribing.
	mu   sync.Mutex
	subs map[string]string

	closeOnce sync.Once
}

func newSession(id string, conn *websocket.Conn, logger *slog.Logger) *session {
	return &session{
		id:      id,
		conn:    conn,
		logger:  logger.With("session_id", id),
		queue:   newFrameQueue(initialQueueSize),
		limiter: rate.NewLimiter(rate.Limit(inboundRate), inboundBurst),
		subs:    make(map[string]string),
	}
}

// enqueue hands a frame to the write loop. kind labels the frame for
// metrics only.
func (s *session) enqueue(kind string, frame []byte) bool {
	if !s.queue.push(frame) {
		return false
	}
	metrics.FramesSent.WithLabelValues(kind).Inc()
	return true
}

// writeLoop drains the queue onto the wire, one frame at a time.
func (s *session) writeLoop() {
	for {
		frame, ok := s.queue.pop()
		if !ok {
			return
		}
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			s.logger.Debug("session write failed", "error", err)
			s.conn.Close()
			return
		}
	}
}

// subscribe records a raw -> display pair. Subscriptions are additive.
func (s *session) subscribe(raw, display string) {
	s.mu.Lock()
	s.subs[raw] = display
	s.mu.Unlock()
}

func (s *session) unsubscribe(raw string) (display string, ok bool) {
	s.mu.Lock()
	display, ok = s.subs[raw]
	if ok {
		delete(s.subs, raw)
	}
	s.mu.Unlock()
	return display, ok
}

// subscriptions returns a copy of the raw -> display map.
func (s *session) subscriptions() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.subs))
	for raw, display := range s.subs {
		out[raw] = display
	}
	return out
}

func (s *session) subscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// close shuts the outbound queue and the underlying connection. Safe to
// call from both the read loop and server shutdown.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.queue.close()
		s.conn.Close()
	})
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/quantaxis/qamd/internal/catalogue"
	"github.com/quantaxis/qamd/internal/dispatch"
	"github.com/quantaxis/qamd/internal/metrics"
	"github.com/quantaxis/qamd/internal/quote"
	"github.com/quantaxis/qamd/internal/upstream"
)

// Options wires the server to the rest of the service.
type Options struct {
	Port       int
	Pool       *upstream.Pool
	Dispatcher *dispatch.Dispatcher
	Cache      *quote.Cache
	Catalogue  *catalogue.Catalogue
	Logger     *slog.Logger
}

// Server accepts WebSocket sessions and serves them cached market data.
type Server struct {
	port       int
	pool       *upstream.Pool
	dispatcher *dispatch.Dispatcher
	cache      *quote.Cache
	catalogue  *catalogue.Catalogue
	logger     *slog.Logger

	upgrader websocket.Upgrader

	mu          sync.Mutex
	sessions    map[string]*session
	subscribers map[string]map[string]struct{} // display id -> session ids
	displays    map[string]string              // raw id -> display id
	lastSent    map[string]map[string]any      // session id -> last full quotes object
	pending     map[string]struct{}            // sessions parked on an empty peek

	// beforePark, when set, runs between the diff computation and the
	// park decision. Lets tests interleave a cache update into the window.
	beforePark func()

	httpServer *http.Server
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		port:       opts.Port,
		pool:       opts.Pool,
		dispatcher: opts.Dispatcher,
		cache:      opts.Cache,
		catalogue:  opts.Catalogue,
		logger:     logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions:    make(map[string]*session),
		subscribers: make(map[string]map[string]struct{}),
		displays:    make(map[string]string),
		lastSent:    make(map[string]map[string]any),
		pending:     make(map[string]struct{}),
	}
}

// Handler returns the HTTP mux serving the WebSocket endpoint and the
// health probe. Exposed separately so tests can mount it on httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start registers the cache wakeup listener and begins listening.
func (s *Server) Start(ctx context.Context) error {
	s.cache.SetListener(s.onQuoteCached)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	go func() {
		s.logger.Info("websocket server listening", "port", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("websocket server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts down the listener and closes every session.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	s.mu.Lock()
	open := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		sess.close()
	}
	return err
}

// DisplayName maps a raw upstream instrument id back to the
// exchange-prefixed form the client subscribed with.
func (s *Server) DisplayName(rawInstrumentID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if display, ok := s.displays[rawInstrumentID]; ok {
		return display
	}
	return rawInstrumentID
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sess := newSession(uuid.NewString(), conn, s.logger)

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()
	s.logger.Info("session connected", "session_id", sess.id)

	go sess.writeLoop()
	s.sendWelcome(sess)

	s.readLoop(sess)
	s.removeSession(sess)
}

func (s *Server) readLoop(sess *session) {
	sess.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("session read failed", "session_id", sess.id, "error", err)
			}
			return
		}
		if !sess.limiter.Allow() {
			metrics.RateLimitedMessages.Inc()
			s.logger.Warn("session over message rate, dropping", "session_id", sess.id)
			continue
		}
		s.handleMessage(sess, data)
	}
}

// removeSession tears down all per-session state after the read loop
// exits: diff baseline, parked peek, subscriber entries, and every
// upstream subscription the session held.
func (s *Server) removeSession(sess *session) {
	subs := sess.subscriptions()

	s.mu.Lock()
	delete(s.sessions, sess.id)
	delete(s.lastSent, sess.id)
	if _, parked := s.pending[sess.id]; parked {
		delete(s.pending, sess.id)
		metrics.PeeksParked.Dec()
	}
	for _, display := range subs {
		if set, ok := s.subscribers[display]; ok {
			delete(set, sess.id)
			if len(set) == 0 {
				delete(s.subscribers, display)
			}
		}
	}
	s.mu.Unlock()

	s.dispatcher.RemoveAllForSession(sess.id)
	sess.close()

	metrics.SessionsActive.Dec()
	s.logger.Info("session closed", "session_id", sess.id)
}

// onQuoteCached wakes sessions parked on an empty peek once a fresh
// tick for one of their instruments lands in the cache. Runs on the
// upstream tick path, so the re-peek happens after all locks are
// released.
func (s *Server) onQuoteCached(displayID string) {
	var wake []*session

	s.mu.Lock()
	for sessionID := range s.subscribers[displayID] {
		if _, parked := s.pending[sessionID]; !parked {
			continue
		}
		delete(s.pending, sessionID)
		metrics.PeeksParked.Dec()
		if sess, ok := s.sessions[sessionID]; ok {
			wake = append(wake, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range wake {
		s.logger.Debug("waking parked session", "session_id", sess.id, "instrument", displayID)
		s.handlePeek(sess)
	}
}

type connectionHealth struct {
	ConnectionID  string `json:"connection_id"`
	Status        string `json:"status"`
	Quality       int    `json:"quality"`
	Subscriptions int    `json:"subscriptions"`
	ErrorCount    int    `json:"error_count"`
}

type healthPayload struct {
	Status            string             `json:"status"`
	Sessions          int                `json:"sessions"`
	CachedInstruments int                `json:"cached_instruments"`
	Connections       []connectionHealth `json:"connections"`
	Timestamp         int64              `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sessions := len(s.sessions)
	s.mu.Unlock()

	payload := healthPayload{
		Status:            "ok",
		Sessions:          sessions,
		CachedInstruments: s.cache.Len(),
		Connections:       make([]connectionHealth, 0),
		Timestamp:         time.Now().UnixMilli(),
	}
	for _, conn := range s.pool.All() {
		payload.Connections = append(payload.Connections, connectionHealth{
			ConnectionID:  conn.ID(),
			Status:        conn.Status().String(),
			Quality:       conn.Quality(),
			Subscriptions: conn.SubscriptionCount(),
			ErrorCount:    conn.ErrorCount(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

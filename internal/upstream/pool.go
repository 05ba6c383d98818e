package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quantaxis/qamd/internal/config"
	"github.com/quantaxis/qamd/internal/metrics"
)

const (
	// Minimum gap between restart attempts for one connection.
	restartBackoff = 10 * time.Second

	// A logged-in connection with no tick for this long is failed over.
	heartbeatTimeout = 60 * time.Second

	// Disconnected connections with more errors than this are restarted.
	errorRestartThreshold = 5
)

// PoolOptions wires the collaborators shared by every connection the
// pool creates.
type PoolOptions struct {
	Factory  DriverFactory
	Events   Events
	Resolver Resolver
	Sink     Sink

	HealthCheckInterval time.Duration
	Logger              *slog.Logger
}

// Pool owns the upstream connections and their health monitor.
type Pool struct {
	opts   PoolOptions
	logger *slog.Logger

	mu               sync.Mutex
	ordered          []*Connection
	byID             map[string]*Connection
	restartAllowedAt map[string]time.Time
	running          bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(opts PoolOptions) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		opts:             opts,
		logger:           logger.With("component", "pool"),
		byID:             make(map[string]*Connection),
		restartAllowedAt: make(map[string]time.Time),
	}
}

// AddConnection creates a connection from config. Fails when the id is
// already present.
func (p *Pool) AddConnection(cfg config.ConnectionConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byID[cfg.ConnectionID]; ok {
		return fmt.Errorf("add connection %s: %w", cfg.ConnectionID, ErrDuplicateID)
	}

	conn := NewConnection(cfg, p.opts.Factory, p.opts.Events, p.opts.Resolver, p.opts.Sink, p.opts.Logger)
	p.ordered = append(p.ordered, conn)
	p.byID[cfg.ConnectionID] = conn
	return nil
}

// RemoveConnection stops and drops a connection.
func (p *Pool) RemoveConnection(id string) error {
	p.mu.Lock()
	conn, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("remove connection %s: %w", id, ErrUnknownID)
	}
	delete(p.byID, id)
	delete(p.restartAllowedAt, id)
	for i, c := range p.ordered {
		if c == conn {
			p.ordered = append(p.ordered[:i], p.ordered[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	conn.Stop()
	return nil
}

// StartAll starts every connection. Individual start failures are logged
// and left to the health monitor.
func (p *Pool) StartAll() {
	for _, conn := range p.All() {
		if err := conn.Start(); err != nil {
			p.logger.Error("connection start failed", "connection_id", conn.ID(), "error", err)
		}
	}
}

// StopAll stops every connection.
func (p *Pool) StopAll() {
	for _, conn := range p.All() {
		conn.Stop()
	}
}

// Get returns the connection with the given id.
func (p *Pool) Get(id string) (*Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.byID[id]
	return conn, ok
}

// All returns the connections in insertion order.
func (p *Pool) All() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Connection, len(p.ordered))
	copy(out, p.ordered)
	return out
}

// Available returns logged-in connections with subscription headroom, in
// insertion order.
func (p *Pool) Available() []*Connection {
	var out []*Connection
	for _, conn := range p.All() {
		if conn.Status() == StatusLoggedIn && conn.CanAcceptMore() {
			out = append(out, conn)
		}
	}
	return out
}

// BestForSubscription returns the available connection with the highest
// quality. Ties keep insertion order. Returns nil when none qualify.
func (p *Pool) BestForSubscription() *Connection {
	var best *Connection
	for _, conn := range p.Available() {
		if best == nil || conn.Quality() > best.Quality() {
			best = conn
		}
	}
	return best
}

// ActiveCount returns the number of logged-in connections.
func (p *Pool) ActiveCount() int {
	n := 0
	for _, conn := range p.All() {
		if conn.Status() == StatusLoggedIn {
			n++
		}
	}
	return n
}

// TotalSubscriptions sums subscription counts across the pool.
func (p *Pool) TotalSubscriptions() int {
	n := 0
	for _, conn := range p.All() {
		n += conn.SubscriptionCount()
	}
	return n
}

// Start launches the health monitor.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.healthLoop(runCtx)

	p.logger.Info("health monitor started", "interval", p.opts.HealthCheckInterval)
	return nil
}

// Stop cancels the health monitor and waits for it within the caller's
// deadline.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("health monitor stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("health monitor stop timed out")
		return ctx.Err()
	}
}

// healthLoop wakes every second so shutdown is prompt, running the
// actual checks at the configured interval.
func (p *Pool) healthLoop(ctx context.Context) {
	defer p.wg.Done()

	interval := p.opts.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	next := time.Now().Add(interval)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(next) {
				continue
			}
			next = now.Add(interval)
			p.checkConnections(now)
		}
	}
}

func (p *Pool) checkConnections(now time.Time) {
	for _, conn := range p.All() {
		status := conn.Status()

		if status == StatusError || (status == StatusDisconnected && conn.ErrorCount() > errorRestartThreshold) {
			if !p.tryClaimRestart(conn.ID(), now) {
				continue
			}
			p.logger.Warn("restarting unhealthy connection",
				"connection_id", conn.ID(), "status", status.String(), "errors", conn.ErrorCount())
			metrics.UpstreamRestarts.WithLabelValues(conn.ID()).Inc()
			if err := conn.Restart(); err != nil {
				p.logger.Error("restart failed", "connection_id", conn.ID(), "error", err)
			}
			continue
		}

		if status == StatusLoggedIn && now.Sub(conn.LastHeartbeat()) > heartbeatTimeout {
			p.logger.Warn("heartbeat stale, failing connection over",
				"connection_id", conn.ID(), "last_heartbeat", conn.LastHeartbeat())
			p.opts.Events.HandleConnectionFailure(conn.ID())
		}
	}
}

// tryClaimRestart enforces the per-connection restart backoff. Claiming
// advances the allowed-at timestamp so overlapping checks cannot restart
// the same connection twice.
func (p *Pool) tryClaimRestart(id string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if now.Before(p.restartAllowedAt[id]) {
		return false
	}
	p.restartAllowedAt[id] = now.Add(restartBackoff)
	return true
}

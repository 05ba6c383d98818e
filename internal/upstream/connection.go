package upstream

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quantaxis/qamd/internal/config"
	"github.com/quantaxis/qamd/internal/metrics"
	"github.com/quantaxis/qamd/internal/quote"
)

const (
	// Error count past which a connection is forced into the error state.
	maxErrorCount = 10

	// Pause between stop and start during a restart.
	restartDelay = 2 * time.Second

	// Quality score granted on a successful login.
	loginQuality = 80
)

// Connection wraps one upstream front behind a Driver. All driver calls
// are made outside the connection lock because drivers call back
// synchronously on their own goroutine.
type Connection struct {
	cfg       config.ConnectionConfig
	newDriver DriverFactory
	events    Events
	resolver  Resolver
	sink      Sink
	logger    *slog.Logger

	mu            sync.Mutex
	driver        Driver
	status        Status
	quality       int
	errorCount    int
	lastHeartbeat time.Time
	subscribed    map[string]struct{}
}

func NewConnection(cfg config.ConnectionConfig, factory DriverFactory, events Events, resolver Resolver, sink Sink, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		cfg:        cfg,
		newDriver:  factory,
		events:     events,
		resolver:   resolver,
		sink:       sink,
		logger:     logger.With("component", "upstream", "connection_id", cfg.ConnectionID),
		status:     StatusDisconnected,
		subscribed: make(map[string]struct{}),
	}
}

// ID returns the configured connection id.
func (c *Connection) ID() string { return c.cfg.ConnectionID }

// Config returns the connection's configuration.
func (c *Connection) Config() config.ConnectionConfig { return c.cfg }

// Start moves the connection from disconnected to connecting and opens
// the driver. Fails without side effects when the connection is in any
// other state.
func (c *Connection) Start() error {
	c.mu.Lock()
	if c.status != StatusDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("start %s: %w", c.cfg.ConnectionID, ErrNotDisconnected)
	}
	c.setStatusLocked(StatusConnecting)
	drv := c.newDriver(c.cfg.ConnectionID)
	c.driver = drv
	c.mu.Unlock()

	c.logger.Info("connecting to front", "front_addr", c.cfg.FrontAddr)

	if err := drv.Connect(c.cfg.FrontAddr, c); err != nil {
		c.mu.Lock()
		c.recordErrorLocked()
		c.setStatusLocked(StatusDisconnected)
		c.driver = nil
		c.mu.Unlock()
		drv.Release()
		return fmt.Errorf("connect %s: %w", c.cfg.ConnectionID, err)
	}
	return nil
}

// Stop releases the driver and clears subscription state.
func (c *Connection) Stop() {
	c.mu.Lock()
	drv := c.driver
	c.driver = nil
	c.setStatusLocked(StatusDisconnected)
	c.setQualityLocked(0)
	c.subscribed = make(map[string]struct{})
	c.mu.Unlock()

	if drv != nil {
		drv.Release()
	}
	c.logger.Info("connection stopped")
}

// Restart stops the connection, waits briefly, and starts it again.
func (c *Connection) Restart() error {
	c.logger.Info("restarting connection")
	c.Stop()
	time.Sleep(restartDelay)
	return c.Start()
}

// Subscribe registers interest in a raw instrument id. Requires a logged
// in connection with headroom under max_subscriptions. Duplicate
// subscribes succeed without touching the driver.
func (c *Connection) Subscribe(instrumentID string) error {
	c.mu.Lock()
	if c.status != StatusLoggedIn {
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s on %s: %w", instrumentID, c.cfg.ConnectionID, ErrNotLoggedIn)
	}
	if _, ok := c.subscribed[instrumentID]; ok {
		c.mu.Unlock()
		return nil
	}
	if c.cfg.MaxSubscriptions > 0 && len(c.subscribed) >= c.cfg.MaxSubscriptions {
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s on %s: %w", instrumentID, c.cfg.ConnectionID, ErrSubscriptionCap)
	}
	c.subscribed[instrumentID] = struct{}{}
	drv := c.driver
	c.mu.Unlock()

	if err := drv.Subscribe(instrumentID); err != nil {
		c.mu.Lock()
		delete(c.subscribed, instrumentID)
		c.recordErrorLocked()
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s on %s: %w", instrumentID, c.cfg.ConnectionID, err)
	}
	return nil
}

// Unsubscribe withdraws interest in a raw instrument id.
func (c *Connection) Unsubscribe(instrumentID string) error {
	c.mu.Lock()
	if c.status != StatusLoggedIn {
		c.mu.Unlock()
		return fmt.Errorf("unsubscribe %s on %s: %w", instrumentID, c.cfg.ConnectionID, ErrNotLoggedIn)
	}
	delete(c.subscribed, instrumentID)
	drv := c.driver
	c.mu.Unlock()

	if err := drv.Unsubscribe(instrumentID); err != nil {
		c.mu.Lock()
		c.recordErrorLocked()
		c.mu.Unlock()
		return fmt.Errorf("unsubscribe %s on %s: %w", instrumentID, c.cfg.ConnectionID, err)
	}
	return nil
}

func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Connection) Quality() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

func (c *Connection) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorCount
}

func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

func (c *Connection) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribed)
}

// CanAcceptMore reports whether the connection has subscription headroom.
func (c *Connection) CanAcceptMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribed) < c.cfg.MaxSubscriptions
}

// OnFrontConnected implements Handler. Transport is up, send the login
// request. Market-data logins carry only the broker id.
func (c *Connection) OnFrontConnected() {
	c.mu.Lock()
	if c.status != StatusConnecting {
		c.mu.Unlock()
		return
	}
	c.setStatusLocked(StatusConnected)
	drv := c.driver
	c.mu.Unlock()

	c.logger.Info("front connected, logging in", "broker_id", c.cfg.BrokerID)
	if drv == nil {
		return
	}
	if err := drv.Login(c.cfg.BrokerID); err != nil {
		c.logger.Error("login request failed", "error", err)
		c.mu.Lock()
		c.recordErrorLocked()
		c.setStatusLocked(StatusError)
		c.setQualityLocked(0)
		c.mu.Unlock()
	}
}

// OnFrontDisconnected implements Handler.
func (c *Connection) OnFrontDisconnected(reason int) {
	c.logger.Warn("front disconnected", "reason", reason)

	c.mu.Lock()
	c.setStatusLocked(StatusDisconnected)
	c.setQualityLocked(0)
	c.subscribed = make(map[string]struct{})
	c.mu.Unlock()

	c.events.HandleConnectionFailure(c.cfg.ConnectionID)
}

// OnLogin implements Handler.
func (c *Connection) OnLogin(err error) {
	if err != nil {
		c.logger.Error("login rejected", "error", err)
		c.mu.Lock()
		c.recordErrorLocked()
		c.setStatusLocked(StatusError)
		c.setQualityLocked(0)
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.setStatusLocked(StatusLoggedIn)
	c.setQualityLocked(loginQuality)
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()

	c.logger.Info("logged in")
	c.events.HandleConnectionRecovery(c.cfg.ConnectionID)
}

// OnSubscribed implements Handler.
func (c *Connection) OnSubscribed(instrumentID string, err error) {
	if err != nil {
		c.logger.Warn("subscription rejected", "instrument", instrumentID, "error", err)
		c.mu.Lock()
		delete(c.subscribed, instrumentID)
		c.recordErrorLocked()
		c.mu.Unlock()
		c.events.OnSubscriptionFailed(c.cfg.ConnectionID, instrumentID)
		return
	}
	c.events.OnSubscriptionSuccess(c.cfg.ConnectionID, instrumentID)
}

// OnUnsubscribed implements Handler.
func (c *Connection) OnUnsubscribed(instrumentID string, err error) {
	if err != nil {
		c.logger.Warn("unsubscribe rejected", "instrument", instrumentID, "error", err)
		c.mu.Lock()
		c.recordErrorLocked()
		c.mu.Unlock()
		return
	}
	c.events.OnUnsubscriptionSuccess(c.cfg.ConnectionID, instrumentID)
}

// OnDepth implements Handler. Translates the record and hands it to the
// dispatcher, then persists it out-of-band.
func (c *Connection) OnDepth(d *quote.Depth) {
	now := time.Now()

	c.mu.Lock()
	c.lastHeartbeat = now
	c.recomputeQualityLocked(now)
	c.mu.Unlock()

	metrics.TicksReceived.WithLabelValues(c.cfg.ConnectionID).Inc()

	display := d.InstrumentID
	if c.resolver != nil {
		display = c.resolver.DisplayName(d.InstrumentID)
	}

	q, ts := quote.FromDepth(d, display, now)
	data, err := q.Marshal()
	if err != nil {
		c.logger.Error("quote marshal failed", "instrument", display, "error", err)
		return
	}

	c.events.OnMarketData(c.cfg.ConnectionID, display, data, ts)
	if c.sink != nil {
		c.sink.Persist(display, data, ts)
	}
}

func (c *Connection) setStatusLocked(s Status) {
	c.status = s
	metrics.UpstreamState.WithLabelValues(c.cfg.ConnectionID).Set(float64(s))
}

func (c *Connection) setQualityLocked(q int) {
	c.quality = q
	metrics.UpstreamQuality.WithLabelValues(c.cfg.ConnectionID).Set(float64(q))
}

func (c *Connection) recordErrorLocked() {
	c.errorCount++
	metrics.UpstreamErrors.WithLabelValues(c.cfg.ConnectionID).Inc()
	if c.errorCount > maxErrorCount {
		c.setStatusLocked(StatusError)
		c.setQualityLocked(0)
	}
}

// recomputeQualityLocked rescored on every inbound tick: heartbeat
// staleness, accumulated errors and subscription pressure each subtract
// from a base of 100.
func (c *Connection) recomputeQualityLocked(now time.Time) {
	q := 100

	elapsed := now.Sub(c.lastHeartbeat)
	if elapsed > 10*time.Second {
		q -= 30
	} else if elapsed > 5*time.Second {
		q -= 15
	}

	penalty := c.errorCount * 10
	if penalty > 50 {
		penalty = 50
	}
	q -= penalty

	subs := len(c.subscribed)
	maxSubs := c.cfg.MaxSubscriptions
	if subs > maxSubs*8/10 {
		q -= 20
	} else if subs > maxSubs*6/10 {
		q -= 10
	}

	if q < 0 {
		q = 0
	}
	if q > 100 {
		q = 100
	}
	c.setQualityLocked(q)
}

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quantaxis/qamd/internal/metrics"
	"github.com/quantaxis/qamd/internal/quote"
	"github.com/quantaxis/qamd/internal/upstream"
)

const (
	// Failed subscriptions older than this are garbage-collected by the
	// maintenance loop.
	failedSubscriptionTTL = 10 * time.Minute
)

var ErrNoConnectionAvailable = errors.New("no upstream connection available")

// SubscriptionStatus is the lifecycle state of a global subscription.
type SubscriptionStatus int

const (
	StatusPending SubscriptionStatus = iota
	StatusSubscribing
	StatusActive
	StatusFailed
)

func (s SubscriptionStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSubscribing:
		return "subscribing"
	case StatusActive:
		return "active"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SubscriptionInfo tracks one instrument's upstream subscription and the
// sessions demanding it.
type SubscriptionInfo struct {
	InstrumentID         string
	Status               SubscriptionStatus
	AssignedConnectionID string
	RequestingSessions   map[string]struct{}
	RetryCount           int
	LastUpdated          time.Time
}

// Options configures a Dispatcher.
type Options struct {
	Cache               *quote.Cache
	Strategy            Strategy
	MaxRetryCount       int
	AutoFailover        bool
	MaintenanceInterval time.Duration
	Logger              *slog.Logger
}

// Dispatcher implements upstream.Events and owns the subscription
// indexes. The three indexes are guarded by one lock and always touched
// together.
type Dispatcher struct {
	pool         *upstream.Pool
	cache        *quote.Cache
	strategy     Strategy
	maxRetry     int
	autoFailover bool
	interval     time.Duration
	logger       *slog.Logger

	mu           sync.Mutex
	global       map[string]*SubscriptionInfo
	bySession    map[string]map[string]struct{}
	byConnection map[string]map[string]struct{}
	retryQueue   []string
	rrCounter    uint64
	running      bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRetry := opts.MaxRetryCount
	if maxRetry <= 0 {
		maxRetry = 3
	}
	return &Dispatcher{
		cache:        opts.Cache,
		strategy:     opts.Strategy,
		maxRetry:     maxRetry,
		autoFailover: opts.AutoFailover,
		interval:     opts.MaintenanceInterval,
		logger:       logger.With("component", "dispatcher"),
		global:       make(map[string]*SubscriptionInfo),
		bySession:    make(map[string]map[string]struct{}),
		byConnection: make(map[string]map[string]struct{}),
	}
}

// BindPool attaches the connection pool. The dispatcher and the pool
// reference each other (the pool reports lifecycle events back), so the
// pool is built second and bound here before any traffic flows.
func (d *Dispatcher) BindPool(pool *upstream.Pool) {
	d.pool = pool
}

// AddSubscription registers a session's demand for an instrument. When
// the instrument is already subscribed the session just joins it; a new
// instrument is assigned a connection per the configured strategy.
func (d *Dispatcher) AddSubscription(sessionID, instrumentID string) error {
	d.mu.Lock()
	if d.bySession[sessionID] == nil {
		d.bySession[sessionID] = make(map[string]struct{})
	}
	d.bySession[sessionID][instrumentID] = struct{}{}

	if info, ok := d.global[instrumentID]; ok {
		info.RequestingSessions[sessionID] = struct{}{}
		d.mu.Unlock()
		return nil
	}

	info := &SubscriptionInfo{
		InstrumentID:       instrumentID,
		Status:             StatusPending,
		RequestingSessions: map[string]struct{}{sessionID: {}},
		LastUpdated:        time.Now(),
	}
	d.global[instrumentID] = info
	counter := d.rrCounter
	d.rrCounter++
	d.mu.Unlock()

	conn := d.strategy.pick(d.pool.Available(), instrumentID, counter)
	if conn == nil {
		d.mu.Lock()
		info.Status = StatusFailed
		info.LastUpdated = time.Now()
		d.mu.Unlock()
		d.logger.Warn("no connection for subscription", "instrument", instrumentID)
		return fmt.Errorf("subscribe %s: %w", instrumentID, ErrNoConnectionAvailable)
	}

	d.mu.Lock()
	info.AssignedConnectionID = conn.ID()
	info.Status = StatusSubscribing
	info.LastUpdated = time.Now()
	d.mu.Unlock()

	if err := conn.Subscribe(instrumentID); err != nil {
		d.OnSubscriptionFailed(conn.ID(), instrumentID)
		return fmt.Errorf("subscribe %s: %w", instrumentID, err)
	}
	return nil
}

// RemoveSubscription drops a session's demand. The last session out
// triggers the upstream unsubscribe and deletes the entry.
func (d *Dispatcher) RemoveSubscription(sessionID, instrumentID string) {
	d.mu.Lock()
	if insts, ok := d.bySession[sessionID]; ok {
		delete(insts, instrumentID)
		if len(insts) == 0 {
			delete(d.bySession, sessionID)
		}
	}

	info, ok := d.global[instrumentID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(info.RequestingSessions, sessionID)
	if len(info.RequestingSessions) > 0 {
		d.mu.Unlock()
		return
	}

	connID := info.AssignedConnectionID
	delete(d.global, instrumentID)
	if subs, ok := d.byConnection[connID]; ok {
		delete(subs, instrumentID)
	}
	d.mu.Unlock()

	if connID == "" {
		return
	}
	if conn, ok := d.pool.Get(connID); ok {
		if err := conn.Unsubscribe(instrumentID); err != nil {
			d.logger.Warn("unsubscribe failed", "instrument", instrumentID, "connection_id", connID, "error", err)
		}
	}
}

// RemoveAllForSession drops every subscription a session holds. Used on
// disconnect.
func (d *Dispatcher) RemoveAllForSession(sessionID string) {
	d.mu.Lock()
	insts := make([]string, 0, len(d.bySession[sessionID]))
	for inst := range d.bySession[sessionID] {
		insts = append(insts, inst)
	}
	d.mu.Unlock()

	for _, inst := range insts {
		d.RemoveSubscription(sessionID, inst)
	}
}

// SessionInstruments returns the instruments a session subscribes to.
func (d *Dispatcher) SessionInstruments(sessionID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.bySession[sessionID]))
	for inst := range d.bySession[sessionID] {
		out = append(out, inst)
	}
	return out
}

// Subscription returns a copy of the subscription entry for an
// instrument.
func (d *Dispatcher) Subscription(instrumentID string) (SubscriptionInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.global[instrumentID]
	if !ok {
		return SubscriptionInfo{}, false
	}
	out := *info
	out.RequestingSessions = make(map[string]struct{}, len(info.RequestingSessions))
	for s := range info.RequestingSessions {
		out.RequestingSessions[s] = struct{}{}
	}
	return out, true
}

// OnSubscriptionSuccess implements upstream.Events. An ack for an
// instrument whose entry is already gone (last session unsubscribed
// before the ack arrived) is dropped so the connection index only holds
// live entries.
func (d *Dispatcher) OnSubscriptionSuccess(connectionID, instrumentID string) {
	d.mu.Lock()
	info, ok := d.global[instrumentID]
	if !ok {
		d.mu.Unlock()
		d.logger.Debug("ack for removed subscription", "instrument", instrumentID, "connection_id", connectionID)
		return
	}
	info.Status = StatusActive
	info.AssignedConnectionID = connectionID
	info.LastUpdated = time.Now()
	if d.byConnection[connectionID] == nil {
		d.byConnection[connectionID] = make(map[string]struct{})
	}
	d.byConnection[connectionID][instrumentID] = struct{}{}
	d.mu.Unlock()

	d.logger.Debug("subscription active", "instrument", instrumentID, "connection_id", connectionID)
}

// OnSubscriptionFailed implements upstream.Events. Failures below the
// retry limit are queued for the maintenance loop.
func (d *Dispatcher) OnSubscriptionFailed(connectionID, instrumentID string) {
	d.mu.Lock()
	info, ok := d.global[instrumentID]
	if ok {
		info.Status = StatusFailed
		info.LastUpdated = time.Now()
		info.RetryCount++
		if info.RetryCount < d.maxRetry {
			d.retryQueue = append(d.retryQueue, instrumentID)
		}
	}
	d.mu.Unlock()

	d.logger.Warn("subscription failed", "instrument", instrumentID, "connection_id", connectionID)
}

// OnUnsubscriptionSuccess implements upstream.Events.
func (d *Dispatcher) OnUnsubscriptionSuccess(connectionID, instrumentID string) {
	d.mu.Lock()
	if subs, ok := d.byConnection[connectionID]; ok {
		delete(subs, instrumentID)
	}
	d.mu.Unlock()
}

// OnMarketData implements upstream.Events. The connection id is only
// telemetry; the quote goes straight to the cache, which wakes parked
// peeks.
func (d *Dispatcher) OnMarketData(connectionID, instrumentID string, data json.RawMessage, timestampMillis int64) {
	d.cache.Put(instrumentID, data)
}

// HandleConnectionFailure implements upstream.Events. Active
// subscriptions on the failed connection are migrated to the best
// remaining connection when failover is enabled.
func (d *Dispatcher) HandleConnectionFailure(connectionID string) {
	d.mu.Lock()
	var stranded []string
	for inst, info := range d.global {
		if info.AssignedConnectionID == connectionID && info.Status == StatusActive {
			info.Status = StatusFailed
			info.LastUpdated = time.Now()
			stranded = append(stranded, inst)
		}
	}
	delete(d.byConnection, connectionID)
	d.mu.Unlock()

	d.logger.Warn("connection failed", "connection_id", connectionID, "stranded_subscriptions", len(stranded))

	if !d.autoFailover {
		return
	}
	for _, inst := range stranded {
		d.migrate(inst, connectionID)
	}
}

// HandleConnectionRecovery implements upstream.Events. A recovered
// connection is a chance to drain the retry queue early.
func (d *Dispatcher) HandleConnectionRecovery(connectionID string) {
	d.logger.Info("connection recovered", "connection_id", connectionID)
	d.processRetries()
}

// migrate re-subscribes one instrument away from a failed connection.
// Migration always picks by quality, whatever the configured strategy.
func (d *Dispatcher) migrate(instrumentID, failedConnectionID string) {
	var target *upstream.Connection
	for _, conn := range d.pool.Available() {
		if conn.ID() == failedConnectionID {
			continue
		}
		if target == nil || qualityScore(conn) > qualityScore(target) {
			target = conn
		}
	}
	if target == nil {
		d.logger.Warn("subscription unmigrable", "instrument", instrumentID, "failed_connection_id", failedConnectionID)
		return
	}

	d.mu.Lock()
	info, ok := d.global[instrumentID]
	if !ok {
		d.mu.Unlock()
		return
	}
	info.AssignedConnectionID = target.ID()
	info.Status = StatusSubscribing
	info.LastUpdated = time.Now()
	d.mu.Unlock()

	metrics.SubscriptionMigrations.Inc()
	d.logger.Info("migrating subscription", "instrument", instrumentID, "to", target.ID())

	if err := target.Subscribe(instrumentID); err != nil {
		d.OnSubscriptionFailed(target.ID(), instrumentID)
	}
}

// processRetries drains the retry queue onto freshly selected
// connections. Stops early when no connection is available.
func (d *Dispatcher) processRetries() {
	for {
		d.mu.Lock()
		if len(d.retryQueue) == 0 {
			d.mu.Unlock()
			return
		}
		instrumentID := d.retryQueue[0]
		d.retryQueue = d.retryQueue[1:]
		info, ok := d.global[instrumentID]
		if !ok || info.Status != StatusFailed || len(info.RequestingSessions) == 0 {
			d.mu.Unlock()
			continue
		}
		counter := d.rrCounter
		d.rrCounter++
		d.mu.Unlock()

		conn := d.strategy.pick(d.pool.Available(), instrumentID, counter)
		if conn == nil {
			// Put it back and wait for the next maintenance pass.
			d.mu.Lock()
			d.retryQueue = append([]string{instrumentID}, d.retryQueue...)
			d.mu.Unlock()
			return
		}

		d.mu.Lock()
		info.AssignedConnectionID = conn.ID()
		info.Status = StatusSubscribing
		info.LastUpdated = time.Now()
		d.mu.Unlock()

		metrics.SubscriptionRetries.Inc()
		if err := conn.Subscribe(instrumentID); err != nil {
			d.OnSubscriptionFailed(conn.ID(), instrumentID)
		}
	}
}

// Start launches the maintenance loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go d.maintenanceLoop(runCtx)

	d.logger.Info("dispatcher started", "strategy", d.strategy.String(), "interval", d.interval)
	return nil
}

// Stop cancels the maintenance loop and waits within the caller's
// deadline.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.logger.Warn("dispatcher stop timed out")
		return ctx.Err()
	}
}

func (d *Dispatcher) maintenanceLoop(ctx context.Context) {
	defer d.wg.Done()

	interval := d.interval
	if interval <= 0 {
		interval = 60 * time.Second
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
			d.runMaintenance(now)
		}
	}
}

func (d *Dispatcher) runMaintenance(now time.Time) {
	d.processRetries()
	d.collectFailed(now)

	stats := d.Stats()
	d.publishStats(stats)
	d.logger.Info("dispatcher stats",
		"total", stats.Total,
		"active", stats.Active,
		"pending", stats.Pending,
		"subscribing", stats.Subscribing,
		"failed", stats.Failed,
		"sessions", stats.Sessions)
}

// collectFailed garbage-collects subscriptions stuck in failed state.
func (d *Dispatcher) collectFailed(now time.Time) {
	d.mu.Lock()
	var removed []string
	for inst, info := range d.global {
		if info.Status != StatusFailed || now.Sub(info.LastUpdated) <= failedSubscriptionTTL {
			continue
		}
		for sessionID := range info.RequestingSessions {
			if insts, ok := d.bySession[sessionID]; ok {
				delete(insts, inst)
				if len(insts) == 0 {
					delete(d.bySession, sessionID)
				}
			}
		}
		delete(d.global, inst)
		removed = append(removed, inst)
	}
	d.mu.Unlock()

	if len(removed) > 0 {
		d.logger.Info("collected stale failed subscriptions", "count", len(removed))
	}
}

// Stats is a point-in-time summary of dispatcher state.
type Stats struct {
	Total         int
	Active        int
	Pending       int
	Subscribing   int
	Failed        int
	Sessions      int
	PerConnection map[string]int
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := Stats{
		Total:         len(d.global),
		Sessions:      len(d.bySession),
		PerConnection: make(map[string]int, len(d.byConnection)),
	}
	for _, info := range d.global {
		switch info.Status {
		case StatusActive:
			stats.Active++
		case StatusPending:
			stats.Pending++
		case StatusSubscribing:
			stats.Subscribing++
		case StatusFailed:
			stats.Failed++
		}
	}
	for connID, subs := range d.byConnection {
		stats.PerConnection[connID] = len(subs)
	}
	return stats
}

func (d *Dispatcher) publishStats(stats Stats) {
	metrics.SubscriptionsByStatus.WithLabelValues("active").Set(float64(stats.Active))
	metrics.SubscriptionsByStatus.WithLabelValues("pending").Set(float64(stats.Pending))
	metrics.SubscriptionsByStatus.WithLabelValues("subscribing").Set(float64(stats.Subscribing))
	metrics.SubscriptionsByStatus.WithLabelValues("failed").Set(float64(stats.Failed))
	for connID, n := range stats.PerConnection {
		metrics.SubscriptionsPerConnection.WithLabelValues(connID).Set(float64(n))
	}
}

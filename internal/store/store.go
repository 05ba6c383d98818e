// Package store persists quotes to Redis: the latest quote under the
// instrument key and a score-ordered history set per instrument. Writes
// are queued and drained by a background worker; persistence is
// best-effort and never blocks tick delivery.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantaxis/qamd/internal/metrics"
)

const (
	// History sets are trimmed once they reach this cardinality.
	historyMaxEntries = 100000

	// Trimming keeps this much recent history.
	historyWindow = 48 * time.Hour

	defaultQueueSize = 10000
	writeTimeout     = 2 * time.Second
)

// redisCommands is the slice of the go-redis client the store uses.
type redisCommands interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

type entry struct {
	instrumentID string
	data         json.RawMessage
	timestamp    int64
}

// RedisStore implements the upstream persistence sink.
type RedisStore struct {
	client redisCommands
	closer interface{ Close() error }
	logger *slog.Logger
	queue  chan entry

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRedis connects a store to the given Redis address.
func NewRedis(host string, port int, logger *slog.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", host, port),
	})
	s := newWithClient(client, logger)
	s.closer = client
	return s
}

func newWithClient(client redisCommands, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client: client,
		logger: logger.With("component", "store"),
		queue:  make(chan entry, defaultQueueSize),
	}
}

// Persist queues a quote for writing. Never blocks; when the queue is
// full the quote is dropped and counted.
func (s *RedisStore) Persist(instrumentID string, data json.RawMessage, timestampMillis int64) {
	select {
	case s.queue <- entry{instrumentID, data, timestampMillis}:
	default:
		metrics.StoreErrors.Inc()
		s.logger.Warn("persist queue full, dropping quote", "instrument", instrumentID)
	}
}

// Start pings Redis and launches the writer. An unreachable Redis is
// logged, not fatal: the server keeps serving live data.
func (s *RedisStore) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	pingCtx, pingCancel := context.WithTimeout(ctx, writeTimeout)
	defer pingCancel()
	if err := s.client.Ping(pingCtx).Err(); err != nil {
		s.logger.Warn("redis unreachable, persistence is degraded", "error", err)
	} else {
		s.logger.Info("redis connected")
	}

	s.wg.Add(1)
	go s.writeLoop(runCtx)
	return nil
}

// Stop drains nothing: queued writes racing shutdown are dropped, the
// cache of record is upstream.
func (s *RedisStore) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("store stop timed out")
		err = ctx.Err()
	}

	if s.closer != nil {
		if cerr := s.closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (s *RedisStore) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.queue:
			s.write(ctx, e)
		}
	}
}

func (s *RedisStore) write(ctx context.Context, e entry) {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := s.client.Set(writeCtx, e.instrumentID, []byte(e.data), 0).Err(); err != nil {
		metrics.StoreErrors.Inc()
		s.logger.Warn("redis set failed", "instrument", e.instrumentID, "error", err)
		return
	}

	historyKey := "history:" + e.instrumentID
	err := s.client.ZAdd(writeCtx, historyKey, redis.Z{
		Score:  float64(e.timestamp),
		Member: []byte(e.data),
	}).Err()
	if err != nil {
		metrics.StoreErrors.Inc()
		s.logger.Warn("redis zadd failed", "instrument", e.instrumentID, "error", err)
		return
	}

	card, err := s.client.ZCard(writeCtx, historyKey).Result()
	if err == nil && card >= historyMaxEntries {
		cutoff := time.Now().Add(-historyWindow).UnixMilli()
		if err := s.client.ZRemRangeByScore(writeCtx, historyKey, "0", strconv.FormatInt(cutoff, 10)).Err(); err != nil {
			s.logger.Warn("redis history trim failed", "instrument", e.instrumentID, "error", err)
		}
	}

	metrics.StoreWrites.Inc()
}

package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedis records commands and lets tests script the history
// cardinality.
type fakeRedis struct {
	mu       sync.Mutex
	sets     map[string]string
	zadds    map[string]int
	trims    []string
	zcard    int64
	pingErr  error
	writesCh chan struct{}
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		sets:     make(map[string]string),
		zadds:    make(map[string]int),
		writesCh: make(chan struct{}, 100),
	}
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, exp time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	f.mu.Lock()
	f.zadds[key] += len(members)
	f.mu.Unlock()
	select {
	case f.writesCh <- struct{}{}:
	default:
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (f *fakeRedis) ZCard(ctx context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return redis.NewIntResult(f.zcard, nil)
}

func (f *fakeRedis) ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trims = append(f.trims, key)
	return redis.NewIntResult(0, nil)
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.pingErr)
}

func waitForWrite(t *testing.T, f *fakeRedis) {
	t.Helper()
	select {
	case <-f.writesCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a store write")
	}
}

func TestStoreWrites(t *testing.T) {
	f := newFakeRedis()
	s := newWithClient(f, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop(context.Background())

	s.Persist("SHFE.rb2601", json.RawMessage(`{"last_price":3850}`), 1700000000000)
	waitForWrite(t, f)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets["SHFE.rb2601"] != `{"last_price":3850}` {
		t.Errorf("set value = %q", f.sets["SHFE.rb2601"])
	}
	if f.zadds["history:SHFE.rb2601"] != 1 {
		t.Errorf("zadds = %v, want history:SHFE.rb2601 -> 1", f.zadds)
	}
	if len(f.trims) != 0 {
		t.Errorf("trims = %v, want none below the cardinality threshold", f.trims)
	}
}

func TestStoreTrimsFullHistory(t *testing.T) {
	f := newFakeRedis()
	f.zcard = historyMaxEntries
	s := newWithClient(f, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop(context.Background())

	s.Persist("SHFE.rb2601", json.RawMessage(`{}`), 1700000000000)
	waitForWrite(t, f)

	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		trimmed := len(f.trims) > 0
		f.mu.Unlock()
		if trimmed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("history never trimmed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStorePersistNeverBlocks(t *testing.T) {
	f := newFakeRedis()
	s := newWithClient(f, nil)
	// Not started: nothing drains the queue.

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultQueueSize+10; i++ {
			s.Persist("SHFE.rb2601", json.RawMessage(`{}`), 0)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Persist blocked on a full queue")
	}
}

package quote

import (
	"encoding/json"
	"sync"
)

// Cache holds the latest marshalled quote per display instrument id.
// An optional listener is notified after each update, outside the cache
// lock, so it may take session-level locks of its own. Every update
// advances a sequence number; readers can detect updates that landed
// after a snapshot was taken.
type Cache struct {
	mu       sync.RWMutex
	quotes   map[string]json.RawMessage
	versions map[string]uint64
	seq      uint64
	listener func(instrumentID string)
}

func NewCache() *Cache {
	return &Cache{
		quotes:   make(map[string]json.RawMessage),
		versions: make(map[string]uint64),
	}
}

// SetListener registers the update callback. Must be called before the
// cache receives traffic.
func (c *Cache) SetListener(fn func(instrumentID string)) {
	c.mu.Lock()
	c.listener = fn
	c.mu.Unlock()
}

// Put stores the latest quote for an instrument and notifies the listener.
func (c *Cache) Put(instrumentID string, data json.RawMessage) {
	c.mu.Lock()
	c.seq++
	c.quotes[instrumentID] = data
	c.versions[instrumentID] = c.seq
	fn := c.listener
	c.mu.Unlock()

	if fn != nil {
		fn(instrumentID)
	}
}

// Get returns the latest quote for an instrument.
func (c *Cache) Get(instrumentID string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.quotes[instrumentID]
	return data, ok
}

// Snapshot returns the cached quotes for the given instruments. Instruments
// with no cached quote are omitted.
func (c *Cache) Snapshot(instrumentIDs []string) map[string]json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked(instrumentIDs)
}

// SnapshotVersioned is Snapshot plus the highest update sequence among
// the given instruments, captured under the same lock. Comparing the
// value against a later Version call tells whether any of the
// instruments changed after the snapshot was taken.
func (c *Cache) SnapshotVersioned(instrumentIDs []string) (map[string]json.RawMessage, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked(instrumentIDs), c.versionLocked(instrumentIDs)
}

// Version returns the highest update sequence among the given instruments.
func (c *Cache) Version(instrumentIDs []string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.versionLocked(instrumentIDs)
}

func (c *Cache) snapshotLocked(instrumentIDs []string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(instrumentIDs))
	for _, id := range instrumentIDs {
		if data, ok := c.quotes[id]; ok {
			out[id] = data
		}
	}
	return out
}

func (c *Cache) versionLocked(instrumentIDs []string) uint64 {
	var max uint64
	for _, id := range instrumentIDs {
		if v := c.versions[id]; v > max {
			max = v
		}
	}
	return max
}

// Len returns the number of instruments with a cached quote.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.quotes)
}

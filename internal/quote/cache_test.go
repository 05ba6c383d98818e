package quote

import (
	"encoding/json"
	"testing"
)

func TestCachePutGet(t *testing.T) {
	c := NewCache()

	if _, ok := c.Get("SHFE.rb2601"); ok {
		t.Error("Get on empty cache returned ok")
	}

	c.Put("SHFE.rb2601", json.RawMessage(`{"last_price":3850}`))

	data, ok := c.Get("SHFE.rb2601")
	if !ok {
		t.Fatal("Get returned !ok after Put")
	}
	if string(data) != `{"last_price":3850}` {
		t.Errorf("Get = %s", data)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}

	// Second put replaces.
	c.Put("SHFE.rb2601", json.RawMessage(`{"last_price":3851}`))
	data, _ = c.Get("SHFE.rb2601")
	if string(data) != `{"last_price":3851}` {
		t.Errorf("Get after replace = %s", data)
	}
	if c.Len() != 1 {
		t.Errorf("Len after replace = %d, want 1", c.Len())
	}
}

func TestCacheListener(t *testing.T) {
	c := NewCache()

	var notified []string
	c.SetListener(func(id string) {
		notified = append(notified, id)
		// The listener must be able to read the cache without deadlock.
		if _, ok := c.Get(id); !ok {
			t.Errorf("listener: quote for %s not visible", id)
		}
	})

	c.Put("SHFE.rb2601", json.RawMessage(`{}`))
	c.Put("DCE.m2601", json.RawMessage(`{}`))

	if len(notified) != 2 || notified[0] != "SHFE.rb2601" || notified[1] != "DCE.m2601" {
		t.Errorf("notified = %v", notified)
	}
}

func TestCacheSnapshot(t *testing.T) {
	c := NewCache()
	c.Put("SHFE.rb2601", json.RawMessage(`{"a":1}`))
	c.Put("DCE.m2601", json.RawMessage(`{"b":2}`))

	snap := c.Snapshot([]string{"SHFE.rb2601", "CZCE.MA601"})
	if len(snap) != 1 {
		t.Fatalf("len(snap) = %d, want 1", len(snap))
	}
	if string(snap["SHFE.rb2601"]) != `{"a":1}` {
		t.Errorf("snap[SHFE.rb2601] = %s", snap["SHFE.rb2601"])
	}
}

func TestCacheVersion(t *testing.T) {
	c := NewCache()
	ids := []string{"SHFE.rb2601", "DCE.m2601"}

	if v := c.Version(ids); v != 0 {
		t.Errorf("Version on empty cache = %d, want 0", v)
	}

	c.Put("SHFE.rb2601", json.RawMessage(`{"a":1}`))
	_, v1 := c.SnapshotVersioned(ids)
	if v1 == 0 {
		t.Fatal("version did not advance on Put")
	}

	// An update to an unrelated instrument leaves the tracked set's
	// version alone.
	c.Put("CZCE.MA601", json.RawMessage(`{"c":3}`))
	if v := c.Version(ids); v != v1 {
		t.Errorf("Version = %d after unrelated Put, want %d", v, v1)
	}

	// An update to a tracked instrument advances it.
	c.Put("DCE.m2601", json.RawMessage(`{"b":2}`))
	snap, v2 := c.SnapshotVersioned(ids)
	if v2 <= v1 {
		t.Errorf("version = %d after tracked Put, want > %d", v2, v1)
	}
	if len(snap) != 2 {
		t.Errorf("len(snap) = %d, want 2", len(snap))
	}
}

package cache

import (
	"fmt"
	"testing"

	"github.com/tiger/relay-telemetry-pipeline/api/archive"
)

func record(sessionID string) archive.Record {
	return archive.Record{
		SessionID:      sessionID,
		ContentHash:    "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		CompressedSize: 10,
		StorageKey:     archive.StorageKey(sessionID, "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"),
		CreatedAtMS:    1,
	}
}

func newTestCache(t *testing.T, maxEntries int, maxBytes int64) *Cache {
	t.Helper()
	c, err := New(Config{MaxEntries: maxEntries, MaxBytes: maxBytes})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestGetMissThenHit(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 4, 1<<20)
	if _, ok := c.Get("s1"); ok {
		t.Fatalf("expected miss on empty cache")
	}
	c.Put(record("s1"))
	got, ok := c.Get("s1")
	if !ok || got.SessionID != "s1" {
		t.Fatalf("expected hit for s1, got %+v ok=%v", got, ok)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("stats = %+v, want 1 hit / 1 miss", stats)
	}
}

func TestEntryBoundEvictsOldest(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 3, 1<<20)
	for i := 1; i <= 4; i++ {
		c.Put(record(fmt.Sprintf("s%d", i)))
	}

	if _, ok := c.Get("s1"); ok {
		t.Fatalf("s1 should have been evicted at capacity+1")
	}
	for i := 2; i <= 4; i++ {
		if _, ok := c.Get(fmt.Sprintf("s%d", i)); !ok {
			t.Fatalf("s%d should still be cached", i)
		}
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Fatalf("evictions = %d, want 1", got)
	}
}

func TestGetRefreshesRecency(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 3, 1<<20)
	c.Put(record("s1"))
	c.Put(record("s2"))
	c.Put(record("s3"))

	// Touch s1 so s2 becomes oldest.
	if _, ok := c.Get("s1"); !ok {
		t.Fatalf("expected hit for s1")
	}
	c.Put(record("s4"))

	if _, ok := c.Get("s2"); ok {
		t.Fatalf("s2 should have been evicted after s1 was refreshed")
	}
	if _, ok := c.Get("s1"); !ok {
		t.Fatalf("s1 should survive the eviction")
	}
}

func TestByteBoundEvictsOldest(t *testing.T) {
	t.Parallel()

	perEntry := int64(record("s1").EstimatedCost())
	c := newTestCache(t, 100, 2*perEntry)

	c.Put(record("s1"))
	c.Put(record("s2"))
	c.Put(record("s3"))

	if _, ok := c.Get("s1"); ok {
		t.Fatalf("s1 should have been evicted by the byte bound")
	}
	stats := c.Stats()
	if stats.Entries != 2 {
		t.Fatalf("entries = %d, want 2", stats.Entries)
	}
	if stats.Bytes > 2*perEntry {
		t.Fatalf("bytes = %d, want <= %d", stats.Bytes, 2*perEntry)
	}
}

func TestOversizedEntryNeverCached(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 100, 8)
	c.Put(record("s1"))
	if _, ok := c.Get("s1"); ok {
		t.Fatalf("entry above the byte bound must not be cached")
	}
	if got := c.Stats().Bytes; got != 0 {
		t.Fatalf("bytes = %d, want 0", got)
	}
}

func TestReplaceDoesNotLeakBytes(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 4, 1<<20)
	c.Put(record("s1"))
	before := c.Stats().Bytes
	c.Put(record("s1"))
	if got := c.Stats().Bytes; got != before {
		t.Fatalf("bytes after replace = %d, want %d", got, before)
	}
	if got := c.Stats().Entries; got != 1 {
		t.Fatalf("entries = %d, want 1", got)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 4, 1<<20)
	c.Put(record("s1"))
	c.Remove("s1")
	if _, ok := c.Get("s1"); ok {
		t.Fatalf("removed entry still cached")
	}
	if got := c.Stats().Bytes; got != 0 {
		t.Fatalf("bytes = %d, want 0", got)
	}
}

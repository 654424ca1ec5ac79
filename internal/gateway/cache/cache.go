// Package cache bounds the gateway's session record cache by entry count
// and by resident bytes. Eviction is strict LRU in both dimensions: any
// lookup hit refreshes recency, and the oldest entry goes first whether the
// count bound or the byte bound is the one exceeded.
package cache

import (
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/tiger/relay-telemetry-pipeline/api/archive"
	obs "github.com/tiger/relay-telemetry-pipeline/internal/observability/telemetry"
)

// Config bounds the cache.
type Config struct {
	MaxEntries int
	MaxBytes   int64
	Emitter    obs.Emitter
}

func (c Config) withDefaults() Config {
	if c.MaxEntries < 1 {
		c.MaxEntries = 4096
	}
	if c.MaxBytes < 1 {
		c.MaxBytes = 64 << 20
	}
	if c.Emitter == nil {
		c.Emitter = obs.NopEmitter{}
	}
	return c
}

// Stats reports cache counters.
type Stats struct {
	Entries   int
	Bytes     int64
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Cache is a byte-weighted strict-LRU cache of archive index records.
type Cache struct {
	cfg Config

	mu        sync.Mutex
	lru       *simplelru.LRU[string, archive.Record]
	bytes     int64
	hits      uint64
	misses    uint64
	evictions uint64
}

// New constructs a bounded cache.
func New(cfg Config) (*Cache, error) {
	cfg = cfg.withDefaults()
	c := &Cache{cfg: cfg}
	lru, err := simplelru.NewLRU[string, archive.Record](cfg.MaxEntries, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("init lru: %w", err)
	}
	c.lru = lru
	return c, nil
}

// onEvict runs under c.mu; simplelru only evicts inside Add/RemoveOldest
// calls made while the lock is held.
func (c *Cache) onEvict(sessionID string, record archive.Record) {
	c.bytes -= int64(record.EstimatedCost())
	c.evictions++
	c.cfg.Emitter.EmitMetric(obs.MetricCacheEvictions, 1, obs.Correlation{SessionID: sessionID})
}

// Get returns the cached record for a session and refreshes its recency.
func (c *Cache) Get(sessionID string) (archive.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.lru.Get(sessionID)
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return record, ok
}

// Put inserts or replaces a session's record, evicting oldest entries until
// both the entry bound and the byte bound hold.
func (c *Cache) Put(record archive.Record) {
	cost := int64(record.EstimatedCost())

	c.mu.Lock()
	defer c.mu.Unlock()

	if cost > c.cfg.MaxBytes {
		// An entry that alone exceeds the byte bound is never cached.
		return
	}
	if existing, ok := c.lru.Peek(record.SessionID); ok {
		c.bytes -= int64(existing.EstimatedCost())
	}
	c.lru.Add(record.SessionID, record)
	c.bytes += cost

	for c.bytes > c.cfg.MaxBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}

// Remove drops a session's record.
func (c *Cache) Remove(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(sessionID)
}

// Stats returns a counter snapshot.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   c.lru.Len(),
		Bytes:     c.bytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// Package meta implements the per-path attribute cache. Entries live for a
// bounded TTL and are additionally pinned to the identity map's generation
// counter: a snapshot whose generation no longer matches is treated as a miss
// so a stale size or mtime is never served after a local mutation.
package meta

import (
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prismfs/prismfs/pkg/types"
)

// Cache is a sharded TTL cache of attribute snapshots. Shards keep unrelated
// paths from serializing on one lock.
type Cache struct {
	shards []*shard
	ttl    time.Duration
	max    int

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	genMisses atomic.Uint64

	stopCh  chan struct{}
	stopped chan struct{}
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]types.Attributes
}

// NewCache creates a metadata cache. cleanupInterval <= 0 disables the
// background expiry sweep; expired entries are then only dropped on access.
func NewCache(ttl time.Duration, maxEntries, shardCount int, cleanupInterval time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	if shardCount <= 0 {
		shardCount = 16
	}
	if maxEntries <= 0 {
		maxEntries = 100000
	}

	c := &Cache{
		shards:  make([]*shard, shardCount),
		ttl:     ttl,
		max:     maxEntries / shardCount,
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if c.max == 0 {
		c.max = 1
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]types.Attributes)}
	}

	if cleanupInterval > 0 {
		go c.cleanupLoop(cleanupInterval)
	} else {
		close(c.stopped)
	}

	return c
}

func (c *Cache) shardFor(path string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns the cached snapshot for path if it is inside its TTL window and
// carries the expected generation. Anything else is a miss.
func (c *Cache) Get(path string, generation uint64) (types.Attributes, bool) {
	s := c.shardFor(path)

	s.mu.RLock()
	attrs, ok := s.entries[path]
	s.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return types.Attributes{}, false
	}

	if time.Since(attrs.FetchedAt) > c.ttl {
		c.misses.Add(1)
		s.mu.Lock()
		if cur, still := s.entries[path]; still && cur.FetchedAt == attrs.FetchedAt {
			delete(s.entries, path)
			c.evictions.Add(1)
		}
		s.mu.Unlock()
		return types.Attributes{}, false
	}

	if attrs.Generation != generation {
		c.genMisses.Add(1)
		c.misses.Add(1)
		return types.Attributes{}, false
	}

	c.hits.Add(1)
	return attrs, true
}

// Put stores a snapshot for path, stamping FetchedAt when unset.
func (c *Cache) Put(path string, attrs types.Attributes) {
	if attrs.FetchedAt.IsZero() {
		attrs.FetchedAt = time.Now()
	}

	s := c.shardFor(path)
	s.mu.Lock()
	if _, exists := s.entries[path]; !exists && len(s.entries) >= c.max {
		c.evictOldestLocked(s)
	}
	s.entries[path] = attrs
	s.mu.Unlock()
}

// Invalidate drops the snapshot for path.
func (c *Cache) Invalidate(path string) {
	s := c.shardFor(path)
	s.mu.Lock()
	if _, ok := s.entries[path]; ok {
		delete(s.entries, path)
		c.evictions.Add(1)
	}
	s.mu.Unlock()
}

// InvalidatePrefix drops every snapshot under prefix. Used by rename and
// rmdir, which change an entire subtree at once.
func (c *Cache) InvalidatePrefix(prefix string) {
	for _, s := range c.shards {
		s.mu.Lock()
		for path := range s.entries {
			if path == prefix || strings.HasPrefix(path, prefix+"/") {
				delete(s.entries, path)
				c.evictions.Add(1)
			}
		}
		s.mu.Unlock()
	}
}

// Stats returns cache statistics
func (c *Cache) Stats() types.CacheStats {
	entries := 0
	for _, s := range c.shards {
		s.mu.RLock()
		entries += len(s.entries)
		s.mu.RUnlock()
	}

	hits := c.hits.Load()
	misses := c.misses.Load()
	stats := types.CacheStats{
		Hits:        hits,
		Misses:      misses,
		Evictions:   c.evictions.Load(),
		Entries:     entries,
		Generations: c.genMisses.Load(),
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

// Close stops the background expiry sweep.
func (c *Cache) Close() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	<-c.stopped
}

// evictOldestLocked removes the entry with the oldest FetchedAt. Caller holds
// the shard lock.
func (c *Cache) evictOldestLocked(s *shard) {
	var oldestPath string
	var oldestTime time.Time
	first := true

	for path, attrs := range s.entries {
		if first || attrs.FetchedAt.Before(oldestTime) {
			oldestPath = path
			oldestTime = attrs.FetchedAt
			first = false
		}
	}

	if oldestPath != "" {
		delete(s.entries, oldestPath)
		c.evictions.Add(1)
	}
}

func (c *Cache) cleanupLoop(interval time.Duration) {
	defer close(c.stopped)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *Cache) sweepExpired() {
	now := time.Now()
	for _, s := range c.shards {
		s.mu.Lock()
		for path, attrs := range s.entries {
			if now.Sub(attrs.FetchedAt) > c.ttl {
				delete(s.entries, path)
				c.evictions.Add(1)
			}
		}
		s.mu.Unlock()
	}
}

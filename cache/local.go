package cache

import (
	"sync"
	"time"

	"github.com/lighthouse-core/lighthouse/core"
)

// localEntry is one node of the doubly-linked LRU list, adapted from the
// teacher's pkg/routing.LRUCache to store a ValidationResult plus access
// tracking for hot-entry promotion (spec §4.3).
type localEntry struct {
	key        string
	result     *core.ValidationResult
	size       int64
	accessTs   []time.Time // recent access timestamps, for hot-entry detection
	hot        bool
	prev, next *localEntry
}

// hotEntryWindow bounds how far back accessTs entries are considered when
// deciding whether an entry crosses the configured hot_entry_threshold.
const hotEntryWindow = 10 * time.Second

// hotEntryQuota caps how many entries may be pinned hot at once, so a burst
// of accesses cannot defeat the cache's size bound entirely.
const hotEntryQuota = 0.2 // fraction of maxEntries

// LocalCache is the bounded LRU local tier of the Distributed Cache
// (spec §4.3): size-capped in entries and bytes, with hot entries pinned
// against eviction up to a quota.
type LocalCache struct {
	mu sync.Mutex

	maxEntries int
	maxBytes   int64
	threshold  int

	items      map[string]*localEntry
	head, tail *localEntry
	usedBytes  int64
	hotCount   int

	hits, misses, evictions int64
}

// NewLocalCache creates a LocalCache from config (local_cache_max_entries,
// local_cache_max_bytes, hot_entry_threshold).
func NewLocalCache(cfg *core.Config) *LocalCache {
	return &LocalCache{
		maxEntries: cfg.LocalCacheMaxEntries,
		maxBytes:   cfg.LocalCacheMaxBytes,
		threshold:  cfg.HotEntryThreshold,
		items:      make(map[string]*localEntry),
	}
}

// Get returns the cached result for key, recording an access for hot-entry
// tracking.
func (c *LocalCache) Get(key string) (*core.ValidationResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.recordAccess(entry)
	c.moveToFront(entry)
	c.hits++
	return entry.result, true
}

// Set stores result under key with an estimated byte size, evicting
// non-hot entries as needed to respect the configured caps.
func (c *LocalCache) Set(key string, result *core.ValidationResult, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.items[key]; ok {
		c.usedBytes -= existing.size
		existing.result = result
		existing.size = size
		c.usedBytes += size
		c.moveToFront(existing)
		return
	}

	entry := &localEntry{key: key, result: result, size: size}
	c.items[key] = entry
	c.addToFront(entry)
	c.usedBytes += size

	for (c.maxEntries > 0 && len(c.items) > c.maxEntries) || (c.maxBytes > 0 && c.usedBytes > c.maxBytes) {
		if !c.evictOneNonHot() {
			break // only hot entries remain; caller's cap is temporarily exceeded
		}
	}
}

// recordAccess appends the current time to entry's access window, pruning
// entries older than hotEntryWindow, and promotes it to hot once the count
// within the window reaches the configured threshold.
func (c *LocalCache) recordAccess(entry *localEntry) {
	now := time.Now()
	cutoff := now.Add(-hotEntryWindow)
	pruned := entry.accessTs[:0]
	for _, ts := range entry.accessTs {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	entry.accessTs = append(pruned, now)

	if !entry.hot && c.threshold > 0 && len(entry.accessTs) >= c.threshold {
		quota := int(float64(c.maxEntries) * hotEntryQuota)
		if c.maxEntries > 0 && quota < 1 {
			quota = 1
		}
		if c.hotCount < quota {
			entry.hot = true
			c.hotCount++
		}
	}
}

func (c *LocalCache) evictOneNonHot() bool {
	for e := c.tail; e != nil; e = e.prev {
		if e.hot {
			continue
		}
		c.removeEntry(e)
		c.evictions++
		return true
	}
	return false
}

func (c *LocalCache) removeEntry(e *localEntry) {
	c.removeFromList(e)
	delete(c.items, e.key)
	c.usedBytes -= e.size
	if e.hot {
		c.hotCount--
	}
}

func (c *LocalCache) addToFront(e *localEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *LocalCache) removeFromList(e *localEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *LocalCache) moveToFront(e *localEntry) {
	if e == c.head {
		return
	}
	c.removeFromList(e)
	c.addToFront(e)
}

// Invalidate removes every entry whose key matches pattern (spec §4.3
// invalidate(pattern)): "" or "*" matches every key, a trailing "*" makes the
// rest a literal prefix, and any other pattern matches only that exact key.
func (c *LocalCache) Invalidate(pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.items {
		if matchesPattern(key, pattern) {
			c.removeEntry(entry)
		}
	}
}

func matchesPattern(key, pattern string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(key) >= len(prefix) && key[:len(prefix)] == prefix
	}
	return key == pattern
}

// Stats returns a point-in-time snapshot of local-tier counters.
func (c *LocalCache) Stats() (hits, misses, evictions int64, hotCount, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.evictions, c.hotCount, len(c.items)
}

package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lighthouse-core/lighthouse/core"
)

func testCacheConfig() *core.Config {
	cfg := core.DefaultConfig()
	cfg.LocalCacheMaxEntries = 3
	cfg.HotEntryThreshold = 2
	return cfg
}

func TestLocalCacheGetSetRoundTrip(t *testing.T) {
	c := NewLocalCache(testCacheConfig())
	result := &core.ValidationResult{Decision: core.DecisionApproved}

	c.Set("key1", result, 10)
	got, ok := c.Get("key1")
	assert.True(t, ok)
	assert.Equal(t, core.DecisionApproved, got.Decision)
}

func TestLocalCacheMissIncrementsCounter(t *testing.T) {
	c := NewLocalCache(testCacheConfig())
	_, ok := c.Get("missing")
	assert.False(t, ok)

	_, misses, _, _, _ := c.Stats()
	assert.Equal(t, int64(1), misses)
}

func TestLocalCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLocalCache(testCacheConfig())
	c.Set("a", &core.ValidationResult{}, 1)
	c.Set("b", &core.ValidationResult{}, 1)
	c.Set("c", &core.ValidationResult{}, 1)
	c.Get("a") // touch a, so b becomes least recently used
	c.Set("d", &core.ValidationResult{}, 1)

	_, ok := c.Get("b")
	assert.False(t, ok, "expected b to be evicted as least recently used")

	_, ok = c.Get("a")
	assert.True(t, ok)
}

func TestLocalCacheInvalidatePattern(t *testing.T) {
	c := NewLocalCache(testCacheConfig())
	c.Set("tool:ls:agent", &core.ValidationResult{}, 1)
	c.Set("tool:rm:agent", &core.ValidationResult{}, 1)

	c.Invalidate("tool:ls:*")

	_, ok := c.Get("tool:ls:agent")
	assert.False(t, ok)
	_, ok = c.Get("tool:rm:agent")
	assert.True(t, ok)
}

func TestLocalCacheHotEntriesResistEviction(t *testing.T) {
	cfg := testCacheConfig()
	cfg.LocalCacheMaxEntries = 2
	cfg.HotEntryThreshold = 2
	c := NewLocalCache(cfg)

	c.Set("hot", &core.ValidationResult{}, 1)
	c.Get("hot")
	c.Get("hot") // crosses threshold, should pin as hot

	c.Set("b", &core.ValidationResult{}, 1)
	c.Set("c", &core.ValidationResult{}, 1) // would evict "hot" if it weren't pinned

	_, ok := c.Get("hot")
	assert.True(t, ok, "expected hot entry to resist eviction")
}

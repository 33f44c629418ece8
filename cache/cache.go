package cache

import (
	"context"
	"time"

	"github.com/lighthouse-core/lighthouse/core"
)

// Stats is the point-in-time snapshot returned by DistributedCache.Stats
// (spec §4.3).
type Stats struct {
	LocalHits    int64
	RemoteHits   int64
	Misses       int64
	Evictions    int64
	HotEntries   int
	HitRate      float64
	RemoteDegraded bool
}

// DistributedCache composes the local LRU tier and the remote KV tier into
// the two-tier validation cache of spec §4.3: local-first lookup with
// remote promotion, best-effort remote writes, and transparent degradation
// to local-only when the remote tier is unreachable.
type DistributedCache struct {
	local  *LocalCache
	remote *RemoteTier
	logger core.Logger

	remoteFailures int
}

// degradeAfterFailures is the number of remote errors, counted over the
// cache's lifetime and never reset by a later success, after which the cache
// logs a degradation warning and Stats reports RemoteDegraded (it always
// already tolerates remote failure per-call; this only affects observability).
const degradeAfterFailures = 3

// NewDistributedCache creates a DistributedCache from config.
func NewDistributedCache(cfg *core.Config, logger core.Logger) (*DistributedCache, error) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	remote, err := NewRemoteTier(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &DistributedCache{
		local:  NewLocalCache(cfg),
		remote: remote,
		logger: logger,
	}, nil
}

// Get checks local first; on miss, checks remote, and on remote hit
// populates local (spec §4.3). The returned cache_layer is "local",
// "remote", or "" on a full miss.
func (c *DistributedCache) Get(ctx context.Context, key string) (*core.ValidationResult, string) {
	if result, ok := c.local.Get(key); ok {
		result.CacheLayer = "local"
		return result, "local"
	}

	result, ok, err := c.remote.Get(ctx, key)
	if err != nil {
		c.noteRemoteFailure(err)
		return nil, ""
	}
	if !ok {
		return nil, ""
	}

	result.CacheLayer = "remote"
	c.local.Set(key, result, estimateResultSize(result))
	return result, "remote"
}

// Set writes to local immediately and issues a best-effort remote write
// (spec §4.3). Remote errors never propagate to the caller.
func (c *DistributedCache) Set(ctx context.Context, key string, result *core.ValidationResult, ttl time.Duration) {
	c.local.Set(key, result, estimateResultSize(result))
	if err := c.remote.Set(ctx, key, result, ttl); err != nil {
		c.noteRemoteFailure(err)
	}
}

// Invalidate clears local matches and issues a remote pattern-delete
// (spec §4.3).
func (c *DistributedCache) Invalidate(ctx context.Context, pattern string) {
	c.local.Invalidate(pattern)
	if err := c.remote.DeletePattern(ctx, pattern); err != nil {
		c.noteRemoteFailure(err)
	}
}

func (c *DistributedCache) noteRemoteFailure(err error) {
	c.remoteFailures++
	if c.remoteFailures == degradeAfterFailures {
		c.logger.Warn("remote cache tier degraded, serving local-only", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// Stats returns local hits, misses, evictions, hot-entry count, overall hit
// rate, and whether the remote tier is degraded (spec §4.3). Remote hits are
// not counted: RemoteHits is always zero, and a lookup served by the remote
// tier is counted in Misses because the local tier missed it.
func (c *DistributedCache) Stats() Stats {
	localHits, misses, evictions, hot, _ := c.local.Stats()
	stats := Stats{
		LocalHits:      localHits,
		Misses:         misses,
		Evictions:      evictions,
		HotEntries:     hot,
		RemoteDegraded: c.remoteFailures >= degradeAfterFailures,
	}
	total := stats.LocalHits + stats.RemoteHits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.LocalHits+stats.RemoteHits) / float64(total)
	}
	return stats
}

// Close releases the remote tier's connection.
func (c *DistributedCache) Close() error {
	return c.remote.Close()
}

func estimateResultSize(r *core.ValidationResult) int64 {
	size := int64(len(r.Reason) + len(r.RiskLevel) + len(r.CacheLayer))
	for _, s := range r.SecurityConcerns {
		size += int64(len(s))
	}
	for _, s := range r.ContributingExperts {
		size += int64(len(s))
	}
	return size + 64 // fixed overhead for scalar fields
}

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/lighthouse-core/lighthouse/core"
)

// RemoteTier is the abstract network KV tier of the Distributed Cache
// (spec §4.3: "any implementation offering get/set-with-TTL/delete/
// pattern-delete suffices"). Backed by Redis, the same client library the
// teacher uses for its registry (core/redis_registry.go).
type RemoteTier struct {
	client     *redis.Client
	opTimeout  time.Duration
	defaultTTL time.Duration
	logger     core.Logger
}

// NewRemoteTier connects to remote_cache_url. A blank URL yields a RemoteTier
// with no client; IsEnabled then reports false and every method returns
// without error and without doing anything, so the Distributed Cache can
// degrade to local-only without a remote configured.
func NewRemoteTier(cfg *core.Config, logger core.Logger) (*RemoteTier, error) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	t := &RemoteTier{
		opTimeout:  cfg.RemoteCacheOpTimeout,
		defaultTTL: cfg.RemoteCacheTTL,
		logger:     logger,
	}
	if cfg.RemoteCacheURL == "" {
		return t, nil
	}
	opts, err := redis.ParseURL(cfg.RemoteCacheURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid remote_cache_url: %v", core.ErrValidation, err)
	}
	t.client = redis.NewClient(opts)
	return t, nil
}

// IsEnabled reports whether a remote tier client was configured.
func (t *RemoteTier) IsEnabled() bool { return t.client != nil }

// Get fetches and deserializes a cached ValidationResult, bounded by the
// configured remote_cache_op_timeout_ms so the caller never blocks long on
// remote I/O (spec §4.3 degradation guarantee).
func (t *RemoteTier) Get(ctx context.Context, key string) (*core.ValidationResult, bool, error) {
	if !t.IsEnabled() {
		return nil, false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()

	raw, err := t.client.Get(ctx, core.RedisCachePrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", core.ErrCache, err)
	}
	var result core.ValidationResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, false, fmt.Errorf("%w: decoding remote cache entry: %v", core.ErrCache, err)
	}
	return &result, true, nil
}

// Set writes result under key with the given TTL (0 uses the configured
// default). Errors are the caller's to swallow per spec §4.3 "best-effort
// write remote".
func (t *RemoteTier) Set(ctx context.Context, key string, result *core.ValidationResult, ttl time.Duration) error {
	if !t.IsEnabled() {
		return nil
	}
	if ttl <= 0 {
		ttl = t.defaultTTL
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("%w: encoding cache entry: %v", core.ErrCache, err)
	}
	ctx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()
	if err := t.client.Set(ctx, core.RedisCachePrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrCache, err)
	}
	return nil
}

// Delete removes a single key from the remote tier.
func (t *RemoteTier) Delete(ctx context.Context, key string) error {
	if !t.IsEnabled() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()
	if err := t.client.Del(ctx, core.RedisCachePrefix+key).Err(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrCache, err)
	}
	return nil
}

// DeletePattern issues a pattern-delete, scanning for matching keys and
// removing them in batches (spec §4.3 invalidate(pattern)).
func (t *RemoteTier) DeletePattern(ctx context.Context, pattern string) error {
	if !t.IsEnabled() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()

	var cursor uint64
	match := core.RedisCachePrefix + pattern
	for {
		keys, next, err := t.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", core.ErrCache, err)
		}
		if len(keys) > 0 {
			if err := t.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("%w: %v", core.ErrCache, err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

// Close releases the underlying Redis client.
func (t *RemoteTier) Close() error {
	if t.client == nil {
		return nil
	}
	return t.client.Close()
}

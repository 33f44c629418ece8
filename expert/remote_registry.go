package expert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/lighthouse-core/lighthouse/core"
	"github.com/lighthouse-core/lighthouse/resilience"
)

// remoteRecord is the JSON shape an expert registration takes on the wire in
// Redis, so any Lighthouse instance sharing the same registry URL can
// reconstruct an *core.ExpertRegistration it never saw a direct
// register_expert call for.
type remoteRecord struct {
	ExpertID     string          `json:"expert_id"`
	Capabilities map[string]bool `json:"capabilities"`
	MaxInFlight  int             `json:"max_in_flight"`
}

// RemoteRegistry publishes this process's expert registrations to Redis and
// periodically pulls registrations published by other instances into a
// local Registry, giving the Expert Coordinator a capability directory that
// spans a fleet rather than a single process (spec §4.5 "Registry" does not
// mandate single-node operation). Redis is treated as an optimization: a
// down or unreachable Redis degrades to local-only registrations, never to
// an error surfaced to register_expert callers.
type RemoteRegistry struct {
	local     *Registry
	client    *redis.Client
	breaker   *resilience.CircuitBreaker
	retryCfg  *resilience.RetryConfig
	namespace string
	ttl       time.Duration
	logger    core.Logger

	cancel context.CancelFunc
}

// NewRemoteRegistry connects to url (a Redis connection string) and wraps
// local. A blank url yields a RemoteRegistry whose Publish/Sync are no-ops,
// so callers can wire it unconditionally regardless of configuration.
func NewRemoteRegistry(local *Registry, url, namespace string, offlineAfter time.Duration, logger core.Logger) (*RemoteRegistry, error) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if namespace == "" {
		namespace = "default"
	}
	r := &RemoteRegistry{
		local:     local,
		namespace: namespace,
		ttl:       offlineAfter * 3,
		logger:    logger,
	}
	if url == "" {
		return r, nil
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid expert_registry_url: %v", core.ErrValidation, err)
	}
	r.client = redis.NewClient(opts)

	breakerCfg := resilience.DefaultConfig()
	breakerCfg.Name = "expert-registry-redis"
	breaker, err := resilience.NewCircuitBreaker(breakerCfg)
	if err != nil {
		return nil, err
	}
	r.breaker = breaker
	r.retryCfg = resilience.DefaultRetryConfig()
	return r, nil
}

// IsEnabled reports whether a Redis client was configured.
func (r *RemoteRegistry) IsEnabled() bool { return r.client != nil }

func (r *RemoteRegistry) indexKey() string {
	return core.RedisExpertRegistryPrefix + r.namespace + ":index"
}

func (r *RemoteRegistry) recordKey(expertID string) string {
	return core.RedisExpertRegistryPrefix + r.namespace + ":" + expertID
}

// Publish writes expertID's registration to Redis with a TTL bounding how
// long a crashed instance's experts remain visible to the fleet.
func (r *RemoteRegistry) Publish(ctx context.Context, expertID string, capabilities map[string]bool, maxInFlight int) {
	if !r.IsEnabled() {
		return
	}
	raw, err := json.Marshal(remoteRecord{ExpertID: expertID, Capabilities: capabilities, MaxInFlight: maxInFlight})
	if err != nil {
		return
	}
	err = r.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, r.retryCfg, func() error {
			pipe := r.client.TxPipeline()
			pipe.Set(ctx, r.recordKey(expertID), raw, r.ttl)
			pipe.SAdd(ctx, r.indexKey(), expertID)
			_, err := pipe.Exec(ctx)
			return err
		})
	})
	if err != nil {
		r.logger.Warn("expert registry publish degraded", map[string]interface{}{
			"expert_id": expertID, "error": err.Error(),
		})
	}
}

// Unpublish removes expertID's record, e.g. on graceful shutdown.
func (r *RemoteRegistry) Unpublish(ctx context.Context, expertID string) {
	if !r.IsEnabled() {
		return
	}
	_ = r.breaker.Execute(ctx, func() error {
		pipe := r.client.TxPipeline()
		pipe.Del(ctx, r.recordKey(expertID))
		pipe.SRem(ctx, r.indexKey(), expertID)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// StartSync launches a background loop pulling remote registrations into
// the local Registry every interval, until the returned RemoteRegistry is
// closed. A nil client (Redis not configured) makes this a no-op.
func (r *RemoteRegistry) StartSync(ctx context.Context, interval time.Duration) {
	if !r.IsEnabled() {
		return
	}
	syncCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	if interval <= 0 {
		interval = core.HeartbeatInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-syncCtx.Done():
				return
			case <-ticker.C:
				r.syncOnce(syncCtx)
			}
		}
	}()
}

// syncOnce fetches every remote expert ID still present under the
// namespace's index set and merges its record into the local Registry.
// Any Redis failure — including an open circuit breaker — is logged and
// skipped, leaving the local Registry's existing view untouched rather than
// evicting experts on a transient network blip.
func (r *RemoteRegistry) syncOnce(ctx context.Context) {
	var ids []string
	err := r.breaker.Execute(ctx, func() error {
		var err error
		ids, err = r.client.SMembers(ctx, r.indexKey()).Result()
		return err
	})
	if err != nil {
		r.logger.Debug("expert registry sync skipped", map[string]interface{}{"error": err.Error()})
		return
	}

	for _, id := range ids {
		var raw string
		getErr := r.breaker.Execute(ctx, func() error {
			var err error
			raw, err = r.client.Get(ctx, r.recordKey(id)).Result()
			return err
		})
		if getErr == redis.Nil {
			// TTL expired since the SMEMBERS read; drop the stale index entry.
			_ = r.client.SRem(ctx, r.indexKey(), id).Err()
			continue
		}
		if getErr != nil {
			continue
		}
		var rec remoteRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if !r.local.Has(rec.ExpertID) {
			r.local.Register(rec.ExpertID, rec.Capabilities, rec.MaxInFlight)
		} else {
			r.local.Heartbeat(rec.ExpertID)
		}
	}
}

// Close stops the sync loop and releases the Redis client.
func (r *RemoteRegistry) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse-core/lighthouse/core"
)

func TestDistributedCacheDegradesWithoutRemoteConfigured(t *testing.T) {
	cfg := core.DefaultConfig()
	dc, err := NewDistributedCache(cfg, core.NoOpLogger{})
	require.NoError(t, err)
	defer dc.Close()

	ctx := context.Background()
	result := &core.ValidationResult{Decision: core.DecisionApproved}
	dc.Set(ctx, "key1", result, 0)

	got, layer := dc.Get(ctx, "key1")
	require.NotNil(t, got)
	assert.Equal(t, "local", layer)
}

func TestDistributedCacheMissReturnsEmptyLayer(t *testing.T) {
	cfg := core.DefaultConfig()
	dc, err := NewDistributedCache(cfg, core.NoOpLogger{})
	require.NoError(t, err)
	defer dc.Close()

	got, layer := dc.Get(context.Background(), "nope")
	assert.Nil(t, got)
	assert.Equal(t, "", layer)
}

func TestDistributedCacheStatsReflectHits(t *testing.T) {
	cfg := core.DefaultConfig()
	dc, err := NewDistributedCache(cfg, core.NoOpLogger{})
	require.NoError(t, err)
	defer dc.Close()

	ctx := context.Background()
	dc.Set(ctx, "key1", &core.ValidationResult{Decision: core.DecisionApproved}, 0)
	dc.Get(ctx, "key1")
	dc.Get(ctx, "missing")

	stats := dc.Stats()
	assert.Equal(t, int64(1), stats.LocalHits)
	assert.Equal(t, int64(1), stats.Misses)
}

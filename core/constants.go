package core

import "time"

// Redis key prefixes shared between the Distributed Cache and Expert
// Coordinator packages, so both agree on a single namespace within a
// shared Redis instance.
const (
	// RedisCachePrefix namespaces the distributed validation cache's remote tier.
	// Format: <prefix><fingerprint>
	RedisCachePrefix = "lighthouse:cache:"

	// RedisExpertRegistryPrefix namespaces expert registration records.
	// Format: <prefix><expert_id>
	RedisExpertRegistryPrefix = "lighthouse:experts:"

	// RedisSessionPrefix namespaces session records when sessions are shared
	// across nodes via Redis rather than held only in local memory.
	RedisSessionPrefix = "lighthouse:sessions:"
)

// DefaultRemoteCacheTTL is the default TTL for validation results cached in
// the remote tier absent an explicit remote_cache_ttl_s configuration value.
const DefaultRemoteCacheTTL = 10 * time.Minute

// HeartbeatInterval is the nominal interval between expert heartbeats.
const HeartbeatInterval = 10 * time.Second

// HeartbeatJitterFraction is a +/- fraction for randomizing HeartbeatInterval
// and registry TTL renewal. No code in this module applies it: heartbeats and
// renewals are not jittered.
const HeartbeatJitterFraction = 0.2

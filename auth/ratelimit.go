package auth

import (
	"sync"
	"time"

	"github.com/lighthouse-core/lighthouse/core"
)

// bucket is a token-bucket state for one agent: tokens refill continuously
// at rate/minute, capped at the per-minute rate (spec §4.2).
type bucket struct {
	tokens     float64
	ratePerMin float64
	lastRefill time.Time
	lastSeen   time.Time
}

// RateLimiter is a per-agent token-bucket limiter, bounded in memory with
// deterministic (least-recently-seen) eviction (spec §4.2).
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	maxSize int
	now     func() time.Time
}

// maxTrackedAgents bounds the limiter's memory footprint; the oldest-seen
// agent is evicted once the bound is reached.
const maxTrackedAgents = 100000

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		maxSize: maxTrackedAgents,
		now:     time.Now,
	}
}

// Allow reports whether agentID may perform one more operation under role's
// rate limit (0 means unbounded, per RoleRateLimitPerMinute). A rate limit
// of 0 always allows.
func (r *RateLimiter) Allow(agentID string, role core.AgentRole) bool {
	ratePerMin := core.RoleRateLimitPerMinute[role]
	if ratePerMin <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b, ok := r.buckets[agentID]
	if !ok {
		if len(r.buckets) >= r.maxSize {
			r.evictOldestLocked()
		}
		b = &bucket{tokens: float64(ratePerMin), ratePerMin: float64(ratePerMin), lastRefill: now}
		r.buckets[agentID] = b
	}
	b.lastSeen = now

	elapsed := now.Sub(b.lastRefill).Minutes()
	b.tokens += elapsed * b.ratePerMin
	if b.tokens > b.ratePerMin {
		b.tokens = b.ratePerMin
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// evictOldestLocked drops the least-recently-seen bucket. Must be called
// with mu held.
func (r *RateLimiter) evictOldestLocked() {
	var oldestID string
	var oldestTime time.Time
	for id, b := range r.buckets {
		if oldestID == "" || b.lastSeen.Before(oldestTime) {
			oldestID = id
			oldestTime = b.lastSeen
		}
	}
	if oldestID != "" {
		delete(r.buckets, oldestID)
	}
}

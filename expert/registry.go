package expert

import (
	"sort"
	"sync"
	"time"

	"github.com/lighthouse-core/lighthouse/core"
)

// entry pairs an expert's registration record with its bounded in-flight
// queue. The queue's capacity tracks MaxInFlight; acquiring a slot is how
// the coordinator enforces "available" (spec §4.5: "in-flight < max").
type entry struct {
	reg   *core.ExpertRegistration
	queue *queue
}

// Registry is the Expert Coordinator's expert directory (spec §4.5
// "Registry"): capability sets, heartbeat-based liveness, and the
// per-expert state machine (registered → available ⇄ busy → offline →
// deregistered).
type Registry struct {
	mu           sync.Mutex
	logger       core.Logger
	experts      map[string]*entry
	offlineAfter time.Duration
}

// NewRegistry builds a Registry. offlineAfter is the heartbeat-timeout
// window after which a missing expert is marked offline (spec §4.5).
func NewRegistry(offlineAfter time.Duration, logger core.Logger) *Registry {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if offlineAfter <= 0 {
		offlineAfter = 3 * core.HeartbeatInterval
	}
	return &Registry{
		logger:       logger,
		experts:      make(map[string]*entry),
		offlineAfter: offlineAfter,
	}
}

// Register adds or replaces an expert's registration, starting it in the
// available state with full reliability.
func (r *Registry) Register(expertID string, capabilities map[string]bool, maxInFlight int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.experts[expertID] = &entry{
		reg: &core.ExpertRegistration{
			ExpertID:      expertID,
			Capabilities:  capabilities,
			MaxInFlight:   maxInFlight,
			LastHeartbeat: time.Now(),
			Status:        core.ExpertAvailable,
			Reliability:   1.0,
		},
		queue: newQueue(maxInFlight),
	}
	r.logger.Info("expert registered", map[string]interface{}{
		"expert_id":     expertID,
		"max_in_flight": maxInFlight,
	})
}

// Heartbeat refreshes an expert's liveness timestamp and, if it had gone
// offline, brings it back to available.
func (r *Registry) Heartbeat(expertID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.experts[expertID]
	if !ok {
		return false
	}
	e.reg.LastHeartbeat = time.Now()
	if e.reg.Status == core.ExpertOffline {
		e.reg.Status = core.ExpertAvailable
	}
	return true
}

// Has reports whether expertID is currently known to this Registry, for
// callers (the RemoteRegistry sync loop) that must not clobber a locally
// owned registration's in-flight queue state with a stale remote copy.
func (r *Registry) Has(expertID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.experts[expertID]
	return ok
}

// Deregister removes an expert from the directory entirely.
func (r *Registry) Deregister(expertID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.experts, expertID)
}

// sweepOffline marks any expert whose last heartbeat is older than
// offlineAfter as offline. Called lazily before each routing decision
// rather than on a background ticker, so the Registry has no goroutine
// lifecycle of its own to manage.
func (r *Registry) sweepOffline(now time.Time) {
	for _, e := range r.experts {
		if e.reg.Status != core.ExpertOffline && now.Sub(e.reg.LastHeartbeat) > r.offlineAfter {
			e.reg.Status = core.ExpertOffline
			r.logger.Warn("expert marked offline: missed heartbeat window", map[string]interface{}{
				"expert_id": e.reg.ExpertID,
			})
		}
	}
}

// hasCapabilities reports whether an expert's capability set covers every
// capability in required.
func hasCapabilities(e *core.ExpertRegistration, required []string) bool {
	for _, cap := range required {
		if !e.Capabilities[cap] {
			return false
		}
	}
	return true
}

// Candidates returns the available experts covering required, ordered by
// ascending current load and then deterministically by expert_id, matching
// the least-loaded-then-tie-break rule of spec §4.5 "Routing".
func (r *Registry) Candidates(required []string) []*core.ExpertRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepOffline(time.Now())

	var out []*core.ExpertRegistration
	for _, e := range r.experts {
		if e.reg.Status != core.ExpertAvailable && e.reg.Status != core.ExpertBusy {
			continue
		}
		if e.queue.inFlight() >= e.reg.MaxInFlight {
			continue
		}
		if !hasCapabilities(e.reg, required) {
			continue
		}
		snapshot := *e.reg
		snapshot.CurrentInFlight = e.queue.inFlight()
		out = append(out, &snapshot)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CurrentInFlight != out[j].CurrentInFlight {
			return out[i].CurrentInFlight < out[j].CurrentInFlight
		}
		return out[i].ExpertID < out[j].ExpertID
	})
	return out
}

// acquire reserves an in-flight slot for expertID, marking it busy once
// full. Returns false on overflow (spec §4.5: "overflow → blocked").
func (r *Registry) acquire(expertID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.experts[expertID]
	if !ok {
		return false
	}
	if !e.queue.tryAcquire() {
		return false
	}
	if e.queue.inFlight() >= e.reg.MaxInFlight {
		e.reg.Status = core.ExpertBusy
	}
	return true
}

// release frees an in-flight slot, optionally decrementing reliability on
// a timeout or failure (spec §4.5: "expert's reliability score
// decremented" on timeout).
func (r *Registry) release(expertID string, penalize bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.experts[expertID]
	if !ok {
		return
	}
	e.queue.release()
	if e.reg.Status == core.ExpertBusy && e.queue.inFlight() < e.reg.MaxInFlight {
		e.reg.Status = core.ExpertAvailable
	}
	if penalize {
		e.reg.Reliability -= 0.1
		if e.reg.Reliability < 0 {
			e.reg.Reliability = 0
		}
	}
}

// Snapshot returns a copy of every registered expert's current state, for
// health/status reporting.
func (r *Registry) Snapshot() []*core.ExpertRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepOffline(time.Now())

	out := make([]*core.ExpertRegistration, 0, len(r.experts))
	for _, e := range r.experts {
		snapshot := *e.reg
		snapshot.CurrentInFlight = e.queue.inFlight()
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpertID < out[j].ExpertID })
	return out
}

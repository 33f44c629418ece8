package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lighthouse-core/lighthouse/auth"
	"github.com/lighthouse-core/lighthouse/cache"
	"github.com/lighthouse-core/lighthouse/core"
	"github.com/lighthouse-core/lighthouse/elicitation"
	"github.com/lighthouse-core/lighthouse/eventstore"
	"github.com/lighthouse-core/lighthouse/expert"
	"github.com/lighthouse-core/lighthouse/speedlayer"
)

// Facade composes every component into the small surface a transport needs
// (spec §4.7), threading the authenticated agent identity through every
// call. Its methods return the components' own result types (only GetHealth
// builds a plain map) and the core sentinel errors unchanged; the facade does
// not map errors to status codes (cmd/lighthouse-admin does that for HTTP).
type Facade struct {
	cfg           *core.Config
	store         eventstore.Store
	sessions      *auth.SessionManager
	authorizer    *auth.Authorizer
	distCache     *cache.DistributedCache
	dispatcher    *speedlayer.Dispatcher
	registry      *expert.Registry
	remoteExperts *expert.RemoteRegistry
	coordinator   *expert.Coordinator
	elicitations  *elicitation.Manager
	logger        core.Logger
	telemetry     core.Telemetry

	identMu    sync.RWMutex
	identities map[string]*core.AgentIdentity

	startedAt time.Time
}

// New wires a Facade from a validated config, a durably-opened event store,
// and an expert transport client. policy/pattern/heuristic tiers use the
// package defaults; pass a nil heuristicScorer to disable that tier. A nil
// telemetry disables spans/metrics (core.NoOpTelemetry{} is installed).
func New(cfg *core.Config, store eventstore.Store, expertClient expert.Client, heuristicScorer speedlayer.Scorer, telemetry core.Telemetry) (*Facade, error) {
	logger := cfg.Logger()
	if telemetry == nil {
		telemetry = core.NoOpTelemetry{}
	}

	sessions := auth.NewSessionManager(cfg, logger)
	authorizer := auth.NewAuthorizer(logger)

	distCache, err := cache.NewDistributedCache(cfg, logger)
	if err != nil {
		return nil, err
	}

	registry := expert.NewRegistry(3*core.HeartbeatInterval, logger)
	coordinator, err := expert.NewCoordinator(registry, expertClient, logger)
	if err != nil {
		return nil, err
	}

	remoteRegistry, err := expert.NewRemoteRegistry(registry, cfg.ExpertRegistryURL, cfg.NodeID, 3*core.HeartbeatInterval, logger)
	if err != nil {
		return nil, err
	}
	remoteRegistry.StartSync(context.Background(), core.HeartbeatInterval)

	var heuristic *speedlayer.HeuristicCache
	if heuristicScorer != nil {
		heuristic = speedlayer.NewHeuristicCache(heuristicScorer, 0.85)
	}

	dispatcher := speedlayer.NewDispatcher(speedlayer.Config{
		Cache:         distCache,
		Policy:        speedlayer.NewPolicyCache(),
		Pattern:       speedlayer.NewPatternCache(),
		Heuristic:     heuristic,
		Escalator:     coordinator,
		Logger:        logger,
		ExpertTimeout: cfg.ExpertTimeout,
	})

	elicitations := elicitation.NewManager(cfg, store, logger)

	return &Facade{
		cfg:           cfg,
		store:         store,
		sessions:      sessions,
		authorizer:    authorizer,
		distCache:     distCache,
		dispatcher:    dispatcher,
		registry:      registry,
		remoteExperts: remoteRegistry,
		coordinator:   coordinator,
		elicitations:  elicitations,
		logger:        logger,
		telemetry:     telemetry,
		identities:    make(map[string]*core.AgentIdentity),
		startedAt:     time.Now(),
	}, nil
}

// resolveIdentity returns the cached AgentIdentity for agentID, defaulting
// to RoleAgent for agents that authenticated but never had a role assigned
// explicitly (e.g. by an admin registering them as an expert).
func (f *Facade) resolveIdentity(agentID string) *core.AgentIdentity {
	f.identMu.RLock()
	ident, ok := f.identities[agentID]
	f.identMu.RUnlock()
	if ok {
		return ident
	}
	return core.NewAgentIdentity(agentID, core.RoleAgent, time.Now().Add(f.cfg.SessionTimeout))
}

// SetRole assigns agentID a role for future authorization decisions
// (called when an operator provisions an expert or admin agent).
func (f *Facade) SetRole(agentID string, role core.AgentRole) {
	f.identMu.Lock()
	defer f.identMu.Unlock()
	f.identities[agentID] = core.NewAgentIdentity(agentID, role, time.Now().Add(f.cfg.SessionTimeout))
}

// CreateSession implements "create_session" (spec §4.7).
func (f *Facade) CreateSession(ctx context.Context, agentID, ip, userAgent string) (*core.Session, error) {
	return f.sessions.CreateSession(agentID, ip, userAgent)
}

// authenticate validates token against agentID and returns the resolved
// identity, or an AuthError.
func (f *Facade) authenticate(token, agentID string) (*core.AgentIdentity, error) {
	if _, err := f.sessions.Validate(token, agentID); err != nil {
		return nil, err
	}
	return f.resolveIdentity(agentID), nil
}

// ValidateCommand implements "validate_command" (spec §4.7, §4.4).
func (f *Facade) ValidateCommand(ctx context.Context, token, agentID, toolName string, toolInput map[string]interface{}) (*core.ValidationResult, error) {
	ctx, span := f.telemetry.StartSpan(ctx, "bridge.validate_command")
	defer span.End()
	span.SetAttribute("tool_name", toolName)
	span.SetAttribute("agent_id", agentID)

	identity, err := f.authenticate(token, agentID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := f.authorizer.Authorize(identity, core.PermWriteEvents, 1); err != nil {
		span.RecordError(err)
		return nil, err
	}

	req := &core.ValidationRequest{
		RequestID: core.GenerateEventID().String(),
		ToolName:  toolName,
		ToolInput: toolInput,
		AgentID:   agentID,
		AgentRole: identity.Role,
	}

	f.appendBestEffort(ctx, core.EventCommandReceived, agentID, map[string]interface{}{
		"tool_name": toolName,
	})

	result, err := f.dispatcher.Validate(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttribute("decision", string(result.Decision))
	span.SetAttribute("cache_hit", result.CacheHit)
	f.telemetry.RecordMetric("bridge.validate_command.total", 1, map[string]string{
		"decision": string(result.Decision),
	})

	eventType := core.EventCommandValidated
	if result.Decision == core.DecisionBlocked {
		eventType = core.EventCommandBlocked
	}
	f.appendBestEffort(ctx, eventType, agentID, map[string]interface{}{
		"tool_name":   toolName,
		"decision":    string(result.Decision),
		"confidence":  string(result.Confidence),
		"risk_level":  result.RiskLevel,
	})

	return result, nil
}

// AppendEvent implements "append_event" (spec §4.7).
func (f *Facade) AppendEvent(ctx context.Context, token, agentID string, ev *core.Event) (int64, error) {
	identity, err := f.authenticate(token, agentID)
	if err != nil {
		return 0, err
	}
	if err := f.authorizer.Authorize(identity, core.PermWriteEvents, 1); err != nil {
		return 0, err
	}
	ev.SourceAgent = agentID
	return f.store.Append(ctx, ev)
}

// QueryEvents implements "query_events" (spec §4.7).
func (f *Facade) QueryEvents(ctx context.Context, token, agentID string, filter eventstore.Filter) (*eventstore.QueryResult, error) {
	identity, err := f.authenticate(token, agentID)
	if err != nil {
		return nil, err
	}
	if err := f.authorizer.Authorize(identity, core.PermReadEvents, 1); err != nil {
		return nil, err
	}
	return f.store.Query(ctx, filter)
}

// CreateElicitation implements "create_elicitation" (spec §4.7, §4.6).
func (f *Facade) CreateElicitation(ctx context.Context, token, agentID, to, message string, schema *core.JSONSchema, timeout time.Duration) (string, string, error) {
	identity, err := f.authenticate(token, agentID)
	if err != nil {
		return "", "", err
	}
	if err := f.authorizer.Authorize(identity, core.PermElicit, 1); err != nil {
		return "", "", err
	}
	if timeout <= 0 {
		timeout = f.cfg.ElicitationDefaultTimeout
	}
	return f.elicitations.Create(ctx, agentID, to, message, schema, timeout)
}

// RespondToElicitation implements "respond_to_elicitation" (spec §4.7, §4.6).
func (f *Facade) RespondToElicitation(ctx context.Context, token, agentID, elicitationID, deliverySignature string, responseType elicitation.ResponseType, data map[string]interface{}) (bool, error) {
	identity, err := f.authenticate(token, agentID)
	if err != nil {
		return false, err
	}
	if err := f.authorizer.Authorize(identity, core.PermRespond, 1); err != nil {
		return false, err
	}
	return f.elicitations.Respond(ctx, elicitationID, deliverySignature, agentID, responseType, data)
}

// AwaitElicitation implements "await_elicitation" (spec §4.7, §4.6).
func (f *Facade) AwaitElicitation(ctx context.Context, token, agentID, elicitationID string) (*core.Elicitation, error) {
	if _, err := f.authenticate(token, agentID); err != nil {
		return nil, err
	}
	return f.elicitations.Await(ctx, elicitationID)
}

// RegisterExpert implements "register_expert" (spec §4.7, §4.5).
func (f *Facade) RegisterExpert(ctx context.Context, token, agentID string, capabilities map[string]bool, maxInFlight int) error {
	identity, err := f.authenticate(token, agentID)
	if err != nil {
		return err
	}
	if err := f.authorizer.Authorize(identity, core.PermActAsExpert, 1); err != nil {
		return err
	}
	f.registry.Register(agentID, capabilities, maxInFlight)
	f.remoteExperts.Publish(ctx, agentID, capabilities, maxInFlight)
	return nil
}

// GetHealth implements "get_health" (spec §4.7, §6 "Health output").
func (f *Facade) GetHealth(ctx context.Context) map[string]interface{} {
	storeHealth := f.store.Health(ctx)
	cacheStats := f.distCache.Stats()
	experts := f.registry.Snapshot()

	byStatus := map[string]int{}
	for _, e := range experts {
		byStatus[string(e.Status)]++
	}

	return map[string]interface{}{
		"event_store": map[string]interface{}{
			"healthy":              storeHealth.Healthy,
			"tail_sequence":        storeHealth.TailSequence,
			"active_segment":       storeHealth.ActiveSegment,
			"integrity_incidents":  storeHealth.IntegrityIncidents,
			"last_append_latency_ms": storeHealth.LastAppendLatencyMs,
		},
		"active_sessions":     f.sessions.ActiveCount(),
		"expert_count_by_status": byStatus,
		"cache": map[string]interface{}{
			"local_hits":  cacheStats.LocalHits,
			"remote_hits": cacheStats.RemoteHits,
			"misses":      cacheStats.Misses,
			"hit_rate":    cacheStats.HitRate,
			"degraded":    cacheStats.RemoteDegraded,
		},
		"uptime_seconds": time.Since(f.startedAt).Seconds(),
	}
}

// appendBestEffort appends an audit event and logs (without failing the
// caller's request) if the store rejects it — validation decisions must
// still reach the caller even if the audit trail write fails.
func (f *Facade) appendBestEffort(ctx context.Context, eventType core.EventType, agentID string, data map[string]interface{}) {
	_, err := f.store.Append(ctx, &core.Event{
		EventType:   eventType,
		AggregateID: agentID,
		SourceAgent: agentID,
		Data:        data,
	})
	if err != nil {
		f.logger.Error("failed to append audit event", map[string]interface{}{
			"event_type": string(eventType), "error": err.Error(),
		})
	}
}

// Close releases every owned resource.
func (f *Facade) Close() error {
	var errs []error
	if err := f.remoteExperts.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := f.distCache.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := f.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

package elicitation

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lighthouse-core/lighthouse/core"
	"github.com/lighthouse-core/lighthouse/eventstore"
)

// ResponseType is the outcome a responder declares (spec §4.6 "respond").
type ResponseType string

const (
	ResponseAccept  ResponseType = "accept"
	ResponseDecline ResponseType = "decline"
	ResponseCancel  ResponseType = "cancel"
)

// pending tracks an in-flight elicitation: its record, the delivery
// signature the responder must echo back, and the channel an Await caller
// blocks on until Respond or the timeout resolves it.
type pending struct {
	mu                sync.Mutex
	elicitation       *core.Elicitation
	deliverySignature string
	done              chan struct{}
	resolved          bool
}

// Manager implements the Elicitation Manager of spec §4.6: a push
// request/response primitive replacing polling, with responder-binding
// anti-impersonation, schema validation, replay protection, and response
// signatures.
type Manager struct {
	mu      sync.Mutex
	secret  []byte
	store   eventstore.Store
	logger  core.Logger
	pending map[string]*pending
}

// NewManager builds a Manager bound to cfg's auth_secret and backed by
// store for durable elicitation events.
func NewManager(cfg *core.Config, store eventstore.Store, logger core.Logger) *Manager {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Manager{
		secret:  []byte(cfg.AuthSecret),
		store:   store,
		logger:  logger,
		pending: make(map[string]*pending),
	}
}

// Create persists a elicitation_created event, registers the pending
// elicitation, and returns its id and the delivery signature the responder
// must echo back in Respond (spec §4.6 "Create").
func (m *Manager) Create(ctx context.Context, from, to, message string, schema *core.JSONSchema, timeout time.Duration) (string, string, error) {
	id := uuid.NewString()
	now := time.Now()
	deliverySig := m.signDelivery(id, to)

	elic := &core.Elicitation{
		ElicitationID: id,
		FromAgent:     from,
		ToAgent:       to,
		Message:       message,
		Schema:        schema,
		CreatedAt:     now,
		ExpiresAt:     now.Add(timeout),
		Status:        core.ElicitationPending,
	}

	p := &pending{elicitation: elic, deliverySignature: deliverySig, done: make(chan struct{})}

	m.mu.Lock()
	m.pending[id] = p
	m.mu.Unlock()

	_, err := m.store.Append(ctx, &core.Event{
		EventType:   core.EventElicitationCreated,
		AggregateID: id,
		SourceAgent: from,
		Data: map[string]interface{}{
			"elicitation_id": id,
			"from_agent":      from,
			"to_agent":        to,
			"message":         message,
			"timeout_s":       timeout.Seconds(),
		},
	})
	if err != nil {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		return "", "", fmt.Errorf("%w: persisting elicitation_created: %v", core.ErrStorage, err)
	}

	m.logger.Info("elicitation created", map[string]interface{}{
		"elicitation_id": id, "from_agent": from, "to_agent": to,
	})
	return id, deliverySig, nil
}

// Respond resolves a pending elicitation (spec §4.6 "Respond"). It verifies
// the elicitation is still pending, that respondingAgent matches the
// original to_agent and presents the correct delivery signature
// (anti-impersonation and replay protection), validates data against the
// stored schema on accept, computes a response signature, appends
// elicitation_responded, and wakes the awaiting caller. Returns false with
// ErrAlreadyResolved if a concurrent Respond already won.
func (m *Manager) Respond(ctx context.Context, elicitationID, deliverySignature, respondingAgent string, responseType ResponseType, data map[string]interface{}) (bool, error) {
	m.mu.Lock()
	p, ok := m.pending[elicitationID]
	m.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: elicitation %s", core.ErrNotFound, elicitationID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.resolved || p.elicitation.Status != core.ElicitationPending {
		return false, fmt.Errorf("%w", core.ErrAlreadyResolved)
	}
	if p.elicitation.ToAgent != respondingAgent {
		return false, fmt.Errorf("%w: responder does not match to_agent", core.ErrAuth)
	}
	if !hmac.Equal([]byte(p.deliverySignature), []byte(deliverySignature)) {
		return false, fmt.Errorf("%w: delivery signature mismatch", core.ErrAuth)
	}
	if time.Now().After(p.elicitation.ExpiresAt) {
		m.expireLocked(ctx, p)
		return false, fmt.Errorf("%w", core.ErrElicitationExpired)
	}

	if responseType == ResponseAccept {
		if err := ValidateAgainstSchema(p.elicitation.Schema, data); err != nil {
			return false, fmt.Errorf("%w: response data: %v", core.ErrValidation, err)
		}
	}

	respSig := m.signResponse(elicitationID, respondingAgent, data)

	status := core.ElicitationDeclined
	switch responseType {
	case ResponseAccept:
		status = core.ElicitationAccepted
	case ResponseCancel:
		status = core.ElicitationCancelled
	}

	p.elicitation.Status = status
	p.elicitation.ResponseData = data
	p.elicitation.ResponseSignature = respSig
	p.resolved = true

	_, err := m.store.Append(ctx, &core.Event{
		EventType:   core.EventElicitationResponded,
		AggregateID: elicitationID,
		SourceAgent: respondingAgent,
		Data: map[string]interface{}{
			"elicitation_id":     elicitationID,
			"responding_agent":   respondingAgent,
			"response_type":      string(responseType),
			"response_signature": respSig,
		},
	})
	if err != nil {
		m.logger.Error("failed to persist elicitation_responded", map[string]interface{}{
			"elicitation_id": elicitationID, "error": err.Error(),
		})
	}

	close(p.done)
	return true, nil
}

// Await blocks until elicitationID resolves or timeout elapses (spec §4.6
// "Await"). On expiry it transitions the elicitation to expired, appends
// elicitation_expired, and returns a timeout error.
func (m *Manager) Await(ctx context.Context, elicitationID string) (*core.Elicitation, error) {
	m.mu.Lock()
	p, ok := m.pending[elicitationID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: elicitation %s", core.ErrNotFound, elicitationID)
	}

	timer := time.NewTimer(time.Until(p.elicitation.ExpiresAt))
	defer timer.Stop()

	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		result := *p.elicitation
		return &result, nil
	case <-timer.C:
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.resolved {
			result := *p.elicitation
			return &result, nil
		}
		m.expireLocked(ctx, p)
		return nil, fmt.Errorf("%w: elicitation %s expired before a response", core.ErrElicitationExpired, elicitationID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// expireLocked transitions p to expired and appends elicitation_expired.
// Caller must hold p.mu.
func (m *Manager) expireLocked(ctx context.Context, p *pending) {
	if p.resolved {
		return
	}
	p.elicitation.Status = core.ElicitationExpired
	p.resolved = true

	_, err := m.store.Append(ctx, &core.Event{
		EventType:   core.EventElicitationExpired,
		AggregateID: p.elicitation.ElicitationID,
		SourceAgent: p.elicitation.FromAgent,
		Data: map[string]interface{}{
			"elicitation_id": p.elicitation.ElicitationID,
		},
	})
	if err != nil {
		m.logger.Error("failed to persist elicitation_expired", map[string]interface{}{
			"elicitation_id": p.elicitation.ElicitationID, "error": err.Error(),
		})
	}
	close(p.done)
}

func (m *Manager) signDelivery(elicitationID, toAgent string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(elicitationID + ":" + toAgent))
	return hex.EncodeToString(mac.Sum(nil))
}

func (m *Manager) signResponse(elicitationID, respondingAgent string, data map[string]interface{}) string {
	var b []byte
	b = append(b, []byte(elicitationID+":"+respondingAgent+":")...)
	for _, k := range sortedKeys(data) {
		b = append(b, []byte(fmt.Sprintf("%s=%v;", k, data[k]))...)
	}
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(b)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyResponseSignature lets any auditor replaying the event log confirm
// a response's signature without holding a live Manager (spec §4.6
// "Security properties": auditable response signatures).
func VerifyResponseSignature(secret []byte, elicitationID, respondingAgent string, data map[string]interface{}, signature string) bool {
	var b []byte
	b = append(b, []byte(elicitationID+":"+respondingAgent+":")...)
	for _, k := range sortedKeys(data) {
		b = append(b, []byte(fmt.Sprintf("%s=%v;", k, data[k]))...)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(b)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

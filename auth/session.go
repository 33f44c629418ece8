package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lighthouse-core/lighthouse/core"
)

// tokenSeparator divides the four parts of a session token: session_id,
// agent_id, issued_at (unix nanos), and the trailing HMAC (spec §4.2).
const tokenSeparator = ":"

// SessionManager issues and validates session tokens and owns the
// per-process active-session table (spec §4.2: "Session tables are
// per-process; a restart invalidates all sessions").
type SessionManager struct {
	mu      sync.RWMutex
	secret  []byte
	timeout time.Duration
	maxSize int
	logger  core.Logger

	sessions map[string]*core.Session // session_id -> session
}

// NewSessionManager creates a SessionManager bound to cfg's auth_secret,
// session_timeout_s, and max_concurrent_sessions.
func NewSessionManager(cfg *core.Config, logger core.Logger) *SessionManager {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &SessionManager{
		secret:   []byte(cfg.AuthSecret),
		timeout:  cfg.SessionTimeout,
		maxSize:  cfg.MaxConcurrentSessions,
		logger:   logger,
		sessions: make(map[string]*core.Session),
	}
}

// CreateSession issues a new Session and its four-part token (spec §4.2).
func (m *SessionManager) CreateSession(agentID, ip, userAgent string) (*core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxSize > 0 && len(m.sessions) >= m.maxSize {
		m.evictOldestLocked()
	}

	sessionID := uuid.NewString()
	issuedAt := time.Now()
	token := m.signToken(sessionID, agentID, issuedAt)

	sess := &core.Session{
		SessionID:    sessionID,
		AgentID:      agentID,
		SessionToken: token,
		CreatedAt:    issuedAt,
		LastActivity: issuedAt,
		IPAddress:    ip,
		UserAgent:    userAgent,
		State:        core.SessionActive,
	}
	m.sessions[sessionID] = sess

	m.logger.Info("session created", map[string]interface{}{
		"session_id": sessionID, "agent_id": agentID,
	})
	return sess, nil
}

// evictOldestLocked drops the least-recently-active session to bound
// memory when max_concurrent_sessions is reached. Must be called with mu held.
func (m *SessionManager) evictOldestLocked() {
	var oldestID string
	var oldestTime time.Time
	for id, sess := range m.sessions {
		if oldestID == "" || sess.LastActivity.Before(oldestTime) {
			oldestID = id
			oldestTime = sess.LastActivity
		}
	}
	if oldestID != "" {
		delete(m.sessions, oldestID)
	}
}

func (m *SessionManager) signToken(sessionID, agentID string, issuedAt time.Time) string {
	prefix := strings.Join([]string{sessionID, agentID, strconv.FormatInt(issuedAt.UnixNano(), 10)}, tokenSeparator)
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(prefix))
	sig := hex.EncodeToString(mac.Sum(nil))
	return prefix + tokenSeparator + sig
}

// Validate verifies token's HMAC, checks expiry, confirms the session is
// still active, and enforces token-to-agent-id binding (spec §4.2
// hijack/impersonation defences: "a valid token presented with a different
// agent_id is rejected").
func (m *SessionManager) Validate(token, claimedAgentID string) (*core.Session, error) {
	parts := strings.Split(token, tokenSeparator)
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: malformed session token", core.ErrAuth)
	}
	sessionID, agentID, issuedAtStr, sig := parts[0], parts[1], parts[2], parts[3]

	prefix := strings.Join(parts[:3], tokenSeparator)
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(prefix))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return nil, fmt.Errorf("%w: invalid session token signature", core.ErrAuth)
	}

	if agentID != claimedAgentID {
		return nil, fmt.Errorf("%w: %w", core.ErrAuth, core.ErrTokenAgentMismatch)
	}

	issuedAtNs, err := strconv.ParseInt(issuedAtStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed session token timestamp", core.ErrAuth)
	}
	issuedAt := time.Unix(0, issuedAtNs)
	if time.Now().After(issuedAt.Add(m.timeout)) {
		return nil, fmt.Errorf("%w: %w", core.ErrAuth, core.ErrSessionExpired)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.State != core.SessionActive {
		return nil, fmt.Errorf("%w: session not found or inactive", core.ErrAuth)
	}
	sess.LastActivity = time.Now()
	sess.CommandCount++
	return sess, nil
}

// Revoke removes a session from the active table, so later Validate calls
// for its token fail.
func (m *SessionManager) Revoke(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// ActiveCount returns the number of sessions currently tracked, for health
// reporting (spec §6 "active session count").
func (m *SessionManager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

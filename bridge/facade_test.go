package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse-core/lighthouse/core"
	"github.com/lighthouse-core/lighthouse/elicitation"
	"github.com/lighthouse-core/lighthouse/eventstore"
)

type noopExpertClient struct{}

func (noopExpertClient) Handle(ctx context.Context, expertID string, req *core.ValidationRequest) (*core.ValidationResult, error) {
	return &core.ValidationResult{Decision: core.DecisionApproved, Confidence: core.ConfidenceHigh}, nil
}

func testFacade(t *testing.T) *Facade {
	t.Helper()
	dir := t.TempDir()
	cfg, err := core.NewConfig(
		core.WithAuthSecret("a-sufficiently-long-test-secret-key-value"),
		core.WithDataDir(dir),
		core.WithAllowedBaseDirs(dir),
	)
	require.NoError(t, err)

	store, err := eventstore.Open(cfg, core.NoOpLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f, err := New(cfg, store, noopExpertClient{}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { f.distCache.Close() })
	return f
}

func TestFacadeCreateSessionAndValidateCommand(t *testing.T) {
	f := testFacade(t)
	ctx := context.Background()

	sess, err := f.CreateSession(ctx, "agent-1", "127.0.0.1", "test-agent")
	require.NoError(t, err)

	result, err := f.ValidateCommand(ctx, sess.SessionToken, "agent-1", "file_read", map[string]interface{}{"path": "/tmp/x"})
	require.NoError(t, err)
	assert.Equal(t, core.DecisionApproved, result.Decision)
}

func TestFacadeValidateCommandRejectsInvalidToken(t *testing.T) {
	f := testFacade(t)
	ctx := context.Background()

	_, err := f.ValidateCommand(ctx, "garbage", "agent-1", "file_read", map[string]interface{}{})
	assert.ErrorIs(t, err, core.ErrAuth)
}

func TestFacadeAppendAndQueryEvents(t *testing.T) {
	f := testFacade(t)
	ctx := context.Background()

	sess, err := f.CreateSession(ctx, "agent-1", "127.0.0.1", "test-agent")
	require.NoError(t, err)

	_, err = f.AppendEvent(ctx, sess.SessionToken, "agent-1", &core.Event{
		EventType:   core.EventAgentHeartbeat,
		AggregateID: "agent-1",
		Data:        map[string]interface{}{"ok": true},
	})
	require.NoError(t, err)

	result, err := f.QueryEvents(ctx, sess.SessionToken, "agent-1", eventstore.Filter{EventTypes: []core.EventType{core.EventAgentHeartbeat}})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(result.Events), 1)
}

func TestFacadeElicitationRoundTrip(t *testing.T) {
	f := testFacade(t)
	ctx := context.Background()

	sessA, err := f.CreateSession(ctx, "alice", "127.0.0.1", "ua")
	require.NoError(t, err)
	sessB, err := f.CreateSession(ctx, "bob", "127.0.0.1", "ua")
	require.NoError(t, err)

	id, sig, err := f.CreateElicitation(ctx, sessA.SessionToken, "alice", "bob", "confirm?", nil, time.Second)
	require.NoError(t, err)

	ok, err := f.RespondToElicitation(ctx, sessB.SessionToken, "bob", id, sig, elicitation.ResponseAccept, map[string]interface{}{"answer": "42"})
	require.NoError(t, err)
	assert.True(t, ok)

	result, err := f.AwaitElicitation(ctx, sessA.SessionToken, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, core.ElicitationAccepted, result.Status)
}

func TestFacadeRegisterExpertRequiresPermission(t *testing.T) {
	f := testFacade(t)
	ctx := context.Background()

	sess, err := f.CreateSession(ctx, "agent-1", "127.0.0.1", "ua")
	require.NoError(t, err)

	err = f.RegisterExpert(ctx, sess.SessionToken, "agent-1", map[string]bool{"sec-review": true}, 2)
	assert.ErrorIs(t, err, core.ErrAuthorization)

	f.SetRole("agent-1", core.RoleExpert)
	err = f.RegisterExpert(ctx, sess.SessionToken, "agent-1", map[string]bool{"sec-review": true}, 2)
	assert.NoError(t, err)
}

func TestFacadeGetHealthReportsSessionsAndCache(t *testing.T) {
	f := testFacade(t)
	ctx := context.Background()

	_, err := f.CreateSession(ctx, "agent-1", "127.0.0.1", "ua")
	require.NoError(t, err)

	health := f.GetHealth(ctx)
	assert.Equal(t, 1, health["active_sessions"])
	assert.Contains(t, health, "event_store")
	assert.Contains(t, health, "cache")
}

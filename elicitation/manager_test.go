package elicitation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse-core/lighthouse/core"
	"github.com/lighthouse-core/lighthouse/eventstore"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	cfg, err := core.NewConfig(
		core.WithAuthSecret("a-sufficiently-long-test-secret-key-value"),
		core.WithDataDir(dir),
		core.WithAllowedBaseDirs(dir),
	)
	require.NoError(t, err)

	store, err := eventstore.OpenSegmentedLogStore(cfg, core.NoOpLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewManager(cfg, store, core.NoOpLogger{})
}

func TestCreateThenRespondAcceptResolvesAwait(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	id, sig, err := m.Create(ctx, "agent-a", "agent-b", "please confirm", nil, time.Second)
	require.NoError(t, err)

	ok, err := m.Respond(ctx, id, sig, "agent-b", ResponseAccept, map[string]interface{}{"confirmed": true})
	require.NoError(t, err)
	assert.True(t, ok)

	result, err := m.Await(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.ElicitationAccepted, result.Status)
	assert.NotEmpty(t, result.ResponseSignature)
}

func TestRespondRejectsWrongResponder(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	id, sig, err := m.Create(ctx, "agent-a", "agent-b", "please confirm", nil, time.Second)
	require.NoError(t, err)

	_, err = m.Respond(ctx, id, sig, "agent-c", ResponseAccept, nil)
	assert.ErrorIs(t, err, core.ErrAuth)
}

func TestRespondRejectsWrongSignature(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	id, _, err := m.Create(ctx, "agent-a", "agent-b", "please confirm", nil, time.Second)
	require.NoError(t, err)

	_, err = m.Respond(ctx, id, "bogus-signature", "agent-b", ResponseAccept, nil)
	assert.ErrorIs(t, err, core.ErrAuth)
}

func TestRespondValidatesSchemaOnAccept(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	schema := &core.JSONSchema{Type: "object", Required: []string{"confirmed"}}
	id, sig, err := m.Create(ctx, "agent-a", "agent-b", "please confirm", schema, time.Second)
	require.NoError(t, err)

	_, err = m.Respond(ctx, id, sig, "agent-b", ResponseAccept, map[string]interface{}{})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestSecondRespondIsRejectedAsAlreadyResolved(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	id, sig, err := m.Create(ctx, "agent-a", "agent-b", "msg", nil, time.Second)
	require.NoError(t, err)

	ok, err := m.Respond(ctx, id, sig, "agent-b", ResponseDecline, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Respond(ctx, id, sig, "agent-b", ResponseAccept, map[string]interface{}{})
	assert.False(t, ok)
	assert.ErrorIs(t, err, core.ErrAlreadyResolved)
}

func TestAwaitTimesOutAndExpires(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	id, _, err := m.Create(ctx, "agent-a", "agent-b", "msg", nil, 10*time.Millisecond)
	require.NoError(t, err)

	_, err = m.Await(ctx, id)
	assert.ErrorIs(t, err, core.ErrElicitationExpired)
}

func TestVerifyResponseSignatureRoundTrip(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	id, sig, err := m.Create(ctx, "agent-a", "agent-b", "msg", nil, time.Second)
	require.NoError(t, err)

	data := map[string]interface{}{"confirmed": true}
	ok, err := m.Respond(ctx, id, sig, "agent-b", ResponseAccept, data)
	require.NoError(t, err)
	require.True(t, ok)

	result, err := m.Await(ctx, id)
	require.NoError(t, err)

	assert.True(t, VerifyResponseSignature(m.secret, id, "agent-b", data, result.ResponseSignature))
	assert.False(t, VerifyResponseSignature(m.secret, id, "agent-c", data, result.ResponseSignature))
}

package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse-core/lighthouse/bridge"
	"github.com/lighthouse-core/lighthouse/core"
	"github.com/lighthouse-core/lighthouse/eventstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testServer(t *testing.T) *server {
	t.Helper()
	dir := t.TempDir()

	cfg, err := core.NewConfig(
		core.WithDataDir(dir),
		core.WithAllowedBaseDirs(dir),
		core.WithAuthSecret("0123456789abcdef0123456789abcdef"),
		core.WithNodeID("test-node"),
	)
	require.NoError(t, err)

	store, err := eventstore.Open(cfg, cfg.Logger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	facade, err := bridge.New(cfg, store, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = facade.Close() })

	return newServer(facade, cfg.Logger())
}

func doRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	srv := testServer(t)
	rec := doRequest(t, srv.routes(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Contains(t, health, "active_sessions")
}

func TestHandleCreateSessionThenRegisterExpert(t *testing.T) {
	srv := testServer(t)
	router := srv.routes()

	rec := doRequest(t, router, http.MethodPost, "/sessions", createSessionRequest{AgentID: "expert-1"})
	assert.Equal(t, http.StatusOK, rec.Code)

	var session map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	token, _ := session["SessionToken"].(string)
	require.NotEmpty(t, token)

	srv.facade.SetRole("expert-1", core.RoleExpert)
	rec = doRequest(t, router, http.MethodPost, "/experts", registerExpertRequest{
		Token:        token,
		AgentID:      "expert-1",
		Capabilities: map[string]bool{"sec-review": true},
		MaxInFlight:  2,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleRegisterExpertRejectsBadToken(t *testing.T) {
	srv := testServer(t)
	rec := doRequest(t, srv.routes(), http.MethodPost, "/experts", registerExpertRequest{
		Token:        "not-a-real-token",
		AgentID:      "expert-1",
		Capabilities: map[string]bool{"sec-review": true},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoadExpertEndpoints(t *testing.T) {
	t.Run("empty path returns nil map", func(t *testing.T) {
		endpoints, err := loadExpertEndpoints("")
		require.NoError(t, err)
		assert.Nil(t, endpoints)
	})

	t.Run("reads a JSON mapping file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "endpoints.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"expert-a":"http://localhost:9001"}`), 0o644))

		endpoints, err := loadExpertEndpoints(path)
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:9001", endpoints["expert-a"])
	})
}

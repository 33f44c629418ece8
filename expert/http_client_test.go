package expert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse-core/lighthouse/core"
)

func TestHTTPClientHandleSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/validate", r.URL.Path)
		var body httpRequestBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "expert-a", body.AgentID)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(httpResponseBody{
			Decision:   "approved",
			Confidence: "high",
			Reason:     "looks fine",
		})
	}))
	defer srv.Close()

	client := NewHTTPClient(map[string]string{"sec-expert": srv.URL}, time.Second, core.NoOpLogger{})
	result, err := client.Handle(context.Background(), "sec-expert", &core.ValidationRequest{
		RequestID: "req-1",
		ToolName:  "exec",
		AgentID:   "expert-a",
	})
	require.NoError(t, err)
	assert.Equal(t, core.DecisionApproved, result.Decision)
	assert.Equal(t, "looks fine", result.Reason)
}

func TestHTTPClientUnknownExpert(t *testing.T) {
	client := NewHTTPClient(nil, time.Second, core.NoOpLogger{})
	_, err := client.Handle(context.Background(), "missing", &core.ValidationRequest{RequestID: "req-1"})
	assert.ErrorIs(t, err, core.ErrNoEligibleExpert)
}

func TestHTTPClientNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	client := NewHTTPClient(map[string]string{"expert-x": srv.URL}, time.Second, core.NoOpLogger{})
	_, err := client.Handle(context.Background(), "expert-x", &core.ValidationRequest{RequestID: "req-1"})
	assert.ErrorIs(t, err, core.ErrCoordination)
}

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoJSONGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/health", r.URL.Path)
		w.Write([]byte(`{"active_sessions": 3}`))
	}))
	defer srv.Close()

	serverURL = srv.URL
	timeout = time.Second

	var out map[string]interface{}
	err := doJSON(context.Background(), http.MethodGet, "/health", nil, &out)
	require.NoError(t, err)
	assert.EqualValues(t, 3, out["active_sessions"])
}

func TestDoJSONPostEncodesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	serverURL = srv.URL
	timeout = time.Second

	var out map[string]interface{}
	err := doJSON(context.Background(), http.MethodPost, "/experts", map[string]string{"agent_id": "a"}, &out)
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])
}

func TestDoJSONNonOKStatusReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": "bad token"}`))
	}))
	defer srv.Close()

	serverURL = srv.URL
	timeout = time.Second

	err := doJSON(context.Background(), http.MethodGet, "/health", nil, nil)
	require.Error(t, err)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/smbo/internal/config"
	"github.com/copyleftdev/smbo/internal/logging"
	"github.com/copyleftdev/smbo/internal/metrics"
	"github.com/copyleftdev/smbo/internal/server"
)

func TestRouterServesHealthAndAPI(t *testing.T) {
	cfg, err := config.LoadFromMap(map[string]string{"TRACE_DIR": t.TempDir()})
	require.NoError(t, err)

	var logs bytes.Buffer
	logger := logging.New(logging.ErrorLevel, &logs)
	srv := server.NewServer(cfg, logger, server.WithMetrics(metrics.New(nil)))
	t.Cleanup(func() { _ = srv.Close() })

	ts := httptest.NewServer(newRouter(cfg, logger, srv))
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, version, health["version"])

	objResp, err := http.Get(ts.URL + "/api/v1/objectives")
	require.NoError(t, err)
	defer objResp.Body.Close()
	assert.Equal(t, http.StatusOK, objResp.StatusCode)
	assert.Equal(t, http.StatusOK, mustGet(t, ts.URL+"/metrics"))
}

func mustGet(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestTimeoutExceptStreams(t *testing.T) {
	var sawDeadline bool
	h := timeoutExceptStreams(time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawDeadline = r.Context().Deadline()
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/objectives", nil))
	assert.True(t, sawDeadline)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/optimization/x/stream", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.False(t, sawDeadline)

	noTimeout := timeoutExceptStreams(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawDeadline = r.Context().Deadline()
	}))
	noTimeout.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, sawDeadline)
}

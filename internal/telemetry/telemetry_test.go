package telemetry

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorTotalsSurviveFlush(t *testing.T) {
	c := NewCollector(true, "", time.Hour)
	defer c.Shutdown()

	c.Counter("gaxx_rpc_dropped_frames", 1, nil)
	c.Counter("gaxx_rpc_dropped_frames", 1, nil)
	c.Timer("gaxx_rpc_request_duration", 5*time.Millisecond, map[string]string{"action": "register"})
	require.Len(t, c.GetMetrics(), 3)

	require.NoError(t, c.FlushMetrics())
	assert.Empty(t, c.GetMetrics())
	assert.Equal(t, 2.0, c.Total("gaxx_rpc_dropped_frames"))
}

func TestDisabledCollectorDropsPoints(t *testing.T) {
	c := NewCollector(false, "", 0)
	c.Counter("x", 1, nil)
	assert.Empty(t, c.GetMetrics())
	assert.Zero(t, c.Total("x"))
	require.NoError(t, c.Shutdown())
}

func TestFlushExportsOTLP(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewCollector(true, srv.URL, time.Hour)
	c.Counter("gaxx_rpc_requests", 1, map[string]string{"action": "register"})
	require.NoError(t, c.Shutdown())

	var payload otlpPayload
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Len(t, payload.ResourceMetrics, 1)
	metrics := payload.ResourceMetrics[0].ScopeMetrics[0].Metrics
	require.Len(t, metrics, 1)
	assert.Equal(t, "gaxx_rpc_requests", metrics[0].Name)
	require.NotNil(t, metrics[0].Sum)
	assert.True(t, metrics[0].Sum.IsMonotonic)
}

func TestMonitoringEndpoints(t *testing.T) {
	c := NewCollector(true, "", time.Hour)
	defer c.Shutdown()
	c.Gauge("gaxx_rpc_active_agents", 2, nil)

	ms := NewMonitoringServer(":0", c, func() any { return []string{"a1", "a2"} })
	ms.RegisterHealthCheck("registry", func() HealthCheck {
		return HealthCheck{Name: "registry", Status: HealthStatusDegraded}
	})
	h := ms.Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	var health struct {
		Status HealthStatus  `json:"status"`
		Checks []HealthCheck `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, HealthStatusDegraded, health.Status)
	require.Len(t, health.Checks, 1)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/agents", nil))
	assert.JSONEq(t, `["a1","a2"]`, rr.Body.String())

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rr.Body.String(), "gaxx_rpc_active_agents")

	ms.RegisterHealthCheck("db", func() HealthCheck {
		return HealthCheck{Name: "db", Status: HealthStatusUnhealthy}
	})
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestPerformanceMonitorSamplesRuntime(t *testing.T) {
	c := NewCollector(true, "", time.Hour)
	defer c.Shutdown()
	pm := NewPerformanceMonitor(c, 0)

	pm.recordSystemMetrics()
	pm.RecordProbe("a1", 3*time.Millisecond, true)
	pm.RecordProbe("a1", 5*time.Millisecond, false)

	names := map[string]bool{}
	for _, m := range c.GetMetrics() {
		names[m.Name] = true
	}
	for _, want := range []string{"gaxx_rpc_memory_heap_bytes", "gaxx_rpc_goroutines_total", "gaxx_rpc_uptime_seconds", "gaxx_rpc_probe_duration"} {
		assert.True(t, names[want], want)
	}
	assert.Equal(t, 1.0, c.Total("gaxx_rpc_agent_probes_successful"))
	assert.Equal(t, 1.0, c.Total("gaxx_rpc_agent_probes_failed"))
}

func TestProfilingEndpoints(t *testing.T) {
	h := NewProfilingServer(":0").Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/stats", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Contains(t, stats, "memory")
	assert.Contains(t, stats, "goroutines")

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/gc", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/debug/gc", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/build", nil))
	assert.Contains(t, rr.Body.String(), "go_version")

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

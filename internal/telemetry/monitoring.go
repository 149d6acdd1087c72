package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check result
type HealthCheck struct {
	Name        string            `json:"name"`
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

// AgentLister returns the currently active agents for /api/agents.
type AgentLister func() any

// MonitoringServer exposes health, metrics and the active agent view over HTTP.
type MonitoringServer struct {
	collector *Collector
	agents    AgentLister

	mu           sync.RWMutex
	healthChecks map[string]func() HealthCheck
	server       *http.Server
}

func NewMonitoringServer(addr string, collector *Collector, agents AgentLister) *MonitoringServer {
	ms := &MonitoringServer{
		collector:    collector,
		agents:       agents,
		healthChecks: make(map[string]func() HealthCheck),
	}
	ms.server = &http.Server{
		Addr:              addr,
		Handler:           ms.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ms
}

// Handler returns the HTTP routes.
func (ms *MonitoringServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", ms.healthHandler)
	mux.HandleFunc("/metrics", ms.metricsHandler)
	mux.HandleFunc("/api/metrics", ms.apiMetricsHandler)
	mux.HandleFunc("/api/agents", ms.apiAgentsHandler)
	return mux
}

func (ms *MonitoringServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks := ms.runHealthChecks()
	overall := overallStatus(checks)

	w.Header().Set("Content-Type", "application/json")
	if overall == HealthStatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    overall,
		"timestamp": time.Now(),
		"checks":    checks,
	})
}

// metricsHandler writes buffered points in a Prometheus-like text format.
func (ms *MonitoringServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	for _, metric := range ms.collector.GetMetrics() {
		labelStr := ""
		if len(metric.Labels) > 0 {
			pairs := make([]string, 0, len(metric.Labels))
			for k, v := range metric.Labels {
				pairs = append(pairs, fmt.Sprintf(`%s="%s"`, k, v))
			}
			sort.Strings(pairs)
			labelStr = "{" + strings.Join(pairs, ",") + "}"
		}
		fmt.Fprintf(w, "# TYPE %s %s\n", metric.Name, metric.Type)
		fmt.Fprintf(w, "%s%s %f %d\n", metric.Name, labelStr, metric.Value, metric.Timestamp.Unix())
	}
}

func (ms *MonitoringServer) apiMetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ms.collector.GetMetrics())
}

func (ms *MonitoringServer) apiAgentsHandler(w http.ResponseWriter, r *http.Request) {
	if ms.agents == nil {
		http.Error(w, "agent view not configured", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ms.agents())
}

// RegisterHealthCheck registers a health check function
func (ms *MonitoringServer) RegisterHealthCheck(name string, checkFn func() HealthCheck) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.healthChecks[name] = checkFn
}

func (ms *MonitoringServer) runHealthChecks() []HealthCheck {
	ms.mu.RLock()
	names := make([]string, 0, len(ms.healthChecks))
	for name := range ms.healthChecks {
		names = append(names, name)
	}
	sort.Strings(names)
	fns := make([]func() HealthCheck, 0, len(names))
	for _, name := range names {
		fns = append(fns, ms.healthChecks[name])
	}
	ms.mu.RUnlock()

	checks := make([]HealthCheck, 0, len(fns))
	for _, fn := range fns {
		start := time.Now()
		check := fn()
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		checks = append(checks, check)
	}
	return checks
}

func overallStatus(checks []HealthCheck) HealthStatus {
	status := HealthStatusHealthy
	for _, check := range checks {
		switch check.Status {
		case HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case HealthStatusDegraded:
			status = HealthStatusDegraded
		}
	}
	return status
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (ms *MonitoringServer) Start() error {
	log.Info().Str("addr", ms.server.Addr).Msg("Starting monitoring server")
	if err := ms.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the monitoring server
func (ms *MonitoringServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// GoroutineCheck reports degraded/unhealthy above the given goroutine counts.
func GoroutineCheck(degraded, unhealthy int) func() HealthCheck {
	return func() HealthCheck {
		count := runtime.NumGoroutine()
		check := HealthCheck{
			Name:    "goroutines",
			Status:  HealthStatusHealthy,
			Message: fmt.Sprintf("Goroutines: %d", count),
			Details: map[string]string{"count": fmt.Sprintf("%d", count)},
		}
		if count > unhealthy {
			check.Status = HealthStatusUnhealthy
		} else if count > degraded {
			check.Status = HealthStatusDegraded
		}
		return check
	}
}

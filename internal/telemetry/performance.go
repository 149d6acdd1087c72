package telemetry

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// PerformanceMonitor samples runtime statistics into a collector and
// records per-agent probe outcomes.
type PerformanceMonitor struct {
	mu        sync.Mutex
	collector *Collector
	interval  time.Duration
	startTime time.Time
	lastNumGC uint32
}

// NewPerformanceMonitor creates a monitor sampling every interval
// (default 10s).
func NewPerformanceMonitor(collector *Collector, interval time.Duration) *PerformanceMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &PerformanceMonitor{
		collector: collector,
		interval:  interval,
		startTime: time.Now(),
	}
}

// Run samples until ctx is done.
func (pm *PerformanceMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(pm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pm.recordSystemMetrics()
		}
	}
}

func (pm *PerformanceMonitor) recordSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	pm.mu.Lock()
	defer pm.mu.Unlock()

	labels := map[string]string{"component": "system"}

	pm.collector.Gauge("gaxx_rpc_memory_heap_bytes", float64(m.HeapAlloc), labels)
	pm.collector.Gauge("gaxx_rpc_memory_heap_sys_bytes", float64(m.HeapSys), labels)
	pm.collector.Gauge("gaxx_rpc_memory_stack_bytes", float64(m.StackSys), labels)
	pm.collector.Gauge("gaxx_rpc_memory_gc_pause_ns", float64(m.PauseNs[(m.NumGC+255)%256]), labels)

	pm.collector.Counter("gaxx_rpc_gc_total", float64(m.NumGC-pm.lastNumGC), labels)
	pm.collector.Gauge("gaxx_rpc_gc_cpu_fraction", m.GCCPUFraction*100, labels)

	pm.collector.Gauge("gaxx_rpc_goroutines_total", float64(runtime.NumGoroutine()), labels)
	pm.collector.Gauge("gaxx_rpc_uptime_seconds", time.Since(pm.startTime).Seconds(), labels)

	pm.lastNumGC = m.NumGC
}

// RecordProbe records the outcome of one liveness probe of an agent.
func (pm *PerformanceMonitor) RecordProbe(mercuryID string, duration time.Duration, success bool) {
	labels := map[string]string{
		"mercury_id": mercuryID,
		"component":  "prober",
	}

	pm.collector.Timer("gaxx_rpc_probe_duration", duration, labels)
	if success {
		pm.collector.Counter("gaxx_rpc_agent_probes_successful", 1, labels)
	} else {
		pm.collector.Counter("gaxx_rpc_agent_probes_failed", 1, labels)
	}
}

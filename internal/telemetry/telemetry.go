package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
	Timer     MetricType = "timer"
)

// flushThreshold triggers an early flush once this many points are buffered.
const flushThreshold = 100

// Metric represents a telemetry metric
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector buffers metric points and flushes them periodically, either to
// an OTLP/HTTP endpoint or to the log.
type Collector struct {
	mu       sync.RWMutex
	metrics  []Metric
	totals   map[string]float64
	enabled  bool
	exporter *OTLPExporter
	interval time.Duration
	flushCh  chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewCollector creates a collector. With enabled set it starts a flush
// goroutine that runs until Shutdown.
func NewCollector(enabled bool, otlpEndpoint string, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c := &Collector{
		totals:   make(map[string]float64),
		enabled:  enabled,
		interval: interval,
		flushCh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if otlpEndpoint != "" {
		c.exporter = NewOTLPExporter(otlpEndpoint)
	}

	if enabled {
		var ctx context.Context
		ctx, c.cancel = context.WithCancel(context.Background())
		go c.periodicFlush(ctx)
	} else {
		close(c.done)
	}
	return c
}

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Counter, Value: value, Labels: labels})
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Gauge, Value: value, Labels: labels})
}

// Histogram records a histogram value
func (c *Collector) Histogram(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Histogram, Value: value, Labels: labels})
}

// Timer records a duration measurement in milliseconds
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	c.add(Metric{Name: name, Type: Timer, Value: float64(duration.Milliseconds()), Labels: labels, Unit: "ms"})
}

func (c *Collector) add(m Metric) {
	if !c.enabled {
		return
	}
	m.Timestamp = time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = append(c.metrics, m)
	if m.Type == Counter {
		c.totals[m.Name] += m.Value
	}

	if len(c.metrics) >= flushThreshold {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// Total returns the running sum of a counter since the collector started.
// Flushing does not reset it.
func (c *Collector) Total(name string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totals[name]
}

// GetMetrics returns a copy of the buffered metrics
func (c *Collector) GetMetrics() []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Metric, len(c.metrics))
	copy(result, c.metrics)
	return result
}

// FlushMetrics drains the buffer to the exporter, or logs it when no
// endpoint is configured.
func (c *Collector) FlushMetrics() error {
	c.mu.Lock()
	metrics := make([]Metric, len(c.metrics))
	copy(metrics, c.metrics)
	c.metrics = c.metrics[:0]
	c.mu.Unlock()

	if len(metrics) == 0 {
		return nil
	}
	log.Debug().Int("count", len(metrics)).Msg("Flushing telemetry metrics")

	if c.exporter != nil {
		return c.exporter.Export(metrics)
	}
	for _, metric := range metrics {
		log.Debug().
			Str("name", metric.Name).
			Str("type", string(metric.Type)).
			Float64("value", metric.Value).
			Interface("labels", metric.Labels).
			Time("timestamp", metric.Timestamp).
			Msg("telemetry_metric")
	}
	return nil
}

func (c *Collector) periodicFlush(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.flushCh:
		}
		if err := c.FlushMetrics(); err != nil {
			log.Warn().Err(err).Msg("Telemetry flush failed")
		}
	}
}

// Shutdown stops the flush goroutine and flushes what is left.
func (c *Collector) Shutdown() error {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
	return c.FlushMetrics()
}

// Global collector instance
var (
	globalMu        sync.Mutex
	globalCollector *Collector
)

// InitGlobal replaces the global collector.
func InitGlobal(enabled bool, otlpEndpoint string, interval time.Duration) *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCollector = NewCollector(enabled, otlpEndpoint, interval)
	return globalCollector
}

// GetGlobal returns the global collector, creating a disabled one if needed.
func GetGlobal() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(false, "", 0)
	}
	return globalCollector
}

// CounterGlobal increments a counter using the global collector
func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

// GaugeGlobal sets a gauge using the global collector
func GaugeGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Gauge(name, value, labels)
}

// TimerGlobal records a timer using the global collector
func TimerGlobal(name string, duration time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, duration, labels)
}

// Shutdown shuts down the global collector
func Shutdown() error {
	globalMu.Lock()
	c := globalCollector
	globalMu.Unlock()
	if c != nil {
		return c.Shutdown()
	}
	return nil
}

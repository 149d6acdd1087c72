package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// ServiceName and ServiceVersion are reported as OTLP resource attributes.
var (
	ServiceName    = "gaxx-rpc"
	ServiceVersion = "dev"
)

// aggregationCumulative is AGGREGATION_TEMPORALITY_CUMULATIVE.
const aggregationCumulative = 2

// OTLPExporter posts metrics as OTLP/HTTP JSON.
type OTLPExporter struct {
	endpoint string
	client   *http.Client
}

func NewOTLPExporter(endpoint string) *OTLPExporter {
	return &OTLPExporter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type otlpPayload struct {
	ResourceMetrics []otlpResourceMetrics `json:"resourceMetrics"`
}

type otlpResourceMetrics struct {
	Resource     otlpResource       `json:"resource"`
	ScopeMetrics []otlpScopeMetrics `json:"scopeMetrics"`
}

type otlpResource struct {
	Attributes []otlpAttribute `json:"attributes"`
}

type otlpScopeMetrics struct {
	Scope   otlpScope    `json:"scope"`
	Metrics []otlpMetric `json:"metrics"`
}

type otlpScope struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type otlpMetric struct {
	Name      string         `json:"name"`
	Unit      string         `json:"unit,omitempty"`
	Sum       *otlpSum       `json:"sum,omitempty"`
	Gauge     *otlpGauge     `json:"gauge,omitempty"`
	Histogram *otlpHistogram `json:"histogram,omitempty"`
}

type otlpSum struct {
	DataPoints             []otlpNumberDataPoint `json:"dataPoints"`
	AggregationTemporality int                   `json:"aggregationTemporality"`
	IsMonotonic            bool                  `json:"isMonotonic"`
}

type otlpGauge struct {
	DataPoints []otlpNumberDataPoint `json:"dataPoints"`
}

type otlpHistogram struct {
	DataPoints             []otlpHistogramDataPoint `json:"dataPoints"`
	AggregationTemporality int                      `json:"aggregationTemporality"`
}

type otlpNumberDataPoint struct {
	Attributes   []otlpAttribute `json:"attributes,omitempty"`
	TimeUnixNano int64           `json:"timeUnixNano"`
	AsDouble     float64         `json:"asDouble"`
}

type otlpHistogramDataPoint struct {
	Attributes   []otlpAttribute `json:"attributes,omitempty"`
	TimeUnixNano int64           `json:"timeUnixNano"`
	Count        int64           `json:"count"`
	Sum          float64         `json:"sum"`
	BucketCounts []int64         `json:"bucketCounts"`
}

type otlpAttribute struct {
	Key   string    `json:"key"`
	Value otlpValue `json:"value"`
}

type otlpValue struct {
	StringValue string `json:"stringValue,omitempty"`
}

// Export sends metrics to the endpoint.
func (e *OTLPExporter) Export(metrics []Metric) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.client.Timeout)
	defer cancel()
	return e.ExportContext(ctx, metrics)
}

func (e *OTLPExporter) ExportContext(ctx context.Context, metrics []Metric) error {
	if len(metrics) == 0 {
		return nil
	}
	data, err := json.Marshal(convertToOTLP(metrics))
	if err != nil {
		return fmt.Errorf("marshal OTLP payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("OTLP endpoint returned status %d", resp.StatusCode)
	}

	log.Debug().
		Str("endpoint", e.endpoint).
		Int("metric_count", len(metrics)).
		Msg("Exported metrics via OTLP")
	return nil
}

func attributes(labels map[string]string) []otlpAttribute {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]otlpAttribute, 0, len(keys))
	for _, k := range keys {
		out = append(out, otlpAttribute{Key: k, Value: otlpValue{StringValue: labels[k]}})
	}
	return out
}

func convertToOTLP(metrics []Metric) otlpPayload {
	out := make([]otlpMetric, 0, len(metrics))
	for _, m := range metrics {
		attrs := attributes(m.Labels)
		ts := m.Timestamp.UnixNano()
		point := otlpNumberDataPoint{Attributes: attrs, TimeUnixNano: ts, AsDouble: m.Value}

		om := otlpMetric{Name: m.Name, Unit: m.Unit}
		switch m.Type {
		case Counter:
			om.Sum = &otlpSum{
				DataPoints:             []otlpNumberDataPoint{point},
				AggregationTemporality: aggregationCumulative,
				IsMonotonic:            true,
			}
		case Gauge, Timer:
			om.Gauge = &otlpGauge{DataPoints: []otlpNumberDataPoint{point}}
		case Histogram:
			om.Histogram = &otlpHistogram{
				DataPoints: []otlpHistogramDataPoint{{
					Attributes:   attrs,
					TimeUnixNano: ts,
					Count:        1,
					Sum:          m.Value,
					BucketCounts: []int64{1},
				}},
				AggregationTemporality: aggregationCumulative,
			}
		}
		out = append(out, om)
	}

	return otlpPayload{
		ResourceMetrics: []otlpResourceMetrics{{
			Resource: otlpResource{Attributes: attributes(map[string]string{
				"service.name":    ServiceName,
				"service.version": ServiceVersion,
			})},
			ScopeMetrics: []otlpScopeMetrics{{
				Scope:   otlpScope{Name: ServiceName + "-telemetry", Version: ServiceVersion},
				Metrics: out,
			}},
		}},
	}
}

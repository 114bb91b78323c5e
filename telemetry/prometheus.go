package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusExporter publishes run metrics to a Prometheus registry.
// Every event increments the per-kind counter; row, state, call, batch,
// and retry events additionally feed their dedicated series.
type PrometheusExporter struct {
	events       *prometheus.CounterVec
	rows         *prometheus.CounterVec
	stateLatency *prometheus.HistogramVec
	calls        *prometheus.CounterVec
	callLatency  prometheus.Histogram
	retries      *prometheus.CounterVec
	batchesSized *prometheus.HistogramVec
}

// NewPrometheusExporter registers the metric families with registry,
// defaulting to the global registerer. Registration conflicts surface
// as a panic from promauto, which is the right time to learn two
// exporters share a registry.
func NewPrometheusExporter(registry prometheus.Registerer) *PrometheusExporter {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusExporter{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elspeth",
			Name:      "telemetry_events_total",
			Help:      "Telemetry events delivered, by event kind",
		}, []string{"kind"}),
		rows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elspeth",
			Name:      "rows_processed_total",
			Help:      "Source rows reaching a terminal disposition, by outcome",
		}, []string{"run_id", "outcome"}),
		stateLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "elspeth",
			Name:      "node_state_latency_ms",
			Help:      "Node execution duration in milliseconds, from open to completion",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"run_id", "node_id", "status"}),
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elspeth",
			Name:      "external_calls_total",
			Help:      "External calls recorded in the audit trail, by type and status",
		}, []string{"type", "status"}),
		callLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "elspeth",
			Name:      "external_call_latency_ms",
			Help:      "External call latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elspeth",
			Name:      "retries_total",
			Help:      "Retry attempts scheduled, by node",
		}, []string{"run_id", "node_id"}),
		batchesSized: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "elspeth",
			Name:      "batch_flush_size",
			Help:      "Rows per aggregation flush, by trigger",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"trigger"}),
	}
}

// Name implements Exporter.
func (p *PrometheusExporter) Name() string { return "prometheus" }

// Export updates the metric families for the event.
func (p *PrometheusExporter) Export(event Event) error {
	p.events.WithLabelValues(string(event.Kind())).Inc()

	switch e := event.(type) {
	case RowProcessed:
		p.rows.WithLabelValues(e.RunID, string(e.Outcome)).Inc()
	case NodeStateCompleted:
		p.stateLatency.WithLabelValues(e.RunID, e.NodeID, "completed").
			Observe(float64(e.Duration.Milliseconds()))
	case NodeStateFailed:
		p.stateLatency.WithLabelValues(e.RunID, e.NodeID, "failed").Observe(0)
	case CallRecorded:
		p.calls.WithLabelValues(string(e.Type), string(e.Status)).Inc()
		p.callLatency.Observe(float64(e.Latency.Milliseconds()))
	case RetryScheduled:
		p.retries.WithLabelValues(e.RunID, e.NodeID).Inc()
	case BatchFlushed:
		p.batchesSized.WithLabelValues(string(e.Trigger)).Observe(float64(e.Size))
	}
	return nil
}

// Close implements Exporter. Metrics stay registered: Prometheus series
// are cumulative and outlive the run that created them.
func (p *PrometheusExporter) Close() error { return nil }

package telemetry

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelExporter turns each event into an OpenTelemetry span named by the
// event kind, with every attribute under the "elspeth." namespace.
// Events are points in time, so spans are ended immediately; the batch
// span processor behind the tracer handles export efficiency.
type OTelExporter struct {
	tracer trace.Tracer
}

// NewOTelExporter builds an exporter over a tracer. Pass nil to use the
// globally configured provider under the "elspeth" instrumentation
// name.
func NewOTelExporter(tracer trace.Tracer) *OTelExporter {
	if tracer == nil {
		tracer = otel.Tracer("elspeth")
	}
	return &OTelExporter{tracer: tracer}
}

// Name implements Exporter.
func (o *OTelExporter) Name() string { return "otel" }

// Export records the event as a span. Failed node states set the span
// status to error so trace backends surface them.
func (o *OTelExporter) Export(event Event) error {
	_, span := o.tracer.Start(context.Background(), string(event.Kind()))
	defer span.End()

	attrs := event.Attrs()
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		span.SetAttributes(spanAttribute("elspeth."+k, attrs[k]))
	}

	if failed, ok := event.(NodeStateFailed); ok {
		span.SetStatus(codes.Error, failed.Reason)
		span.RecordError(fmt.Errorf("%s", failed.Reason))
	}
	return nil
}

// Close flushes pending spans when the global provider supports it.
func (o *OTelExporter) Close() error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(context.Background())
	}
	return nil
}

func spanAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

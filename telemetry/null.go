package telemetry

// NullExporter discards every event. Configuring it is how an operator
// runs with telemetry structurally present but inert.
type NullExporter struct{}

// NewNullExporter returns the no-op exporter.
func NewNullExporter() *NullExporter { return &NullExporter{} }

// Name implements Exporter.
func (*NullExporter) Name() string { return "null" }

// Export discards the event.
func (*NullExporter) Export(Event) error { return nil }

// Close implements Exporter.
func (*NullExporter) Close() error { return nil }

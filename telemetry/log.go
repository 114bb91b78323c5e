package telemetry

import (
	"io"
	"log/slog"
	"os"
	"sort"
)

// LogExporter writes one structured JSON line per event. Attribute keys
// are emitted in sorted order so output is diffable across runs.
type LogExporter struct {
	log *slog.Logger
}

// NewLogExporter builds a log exporter writing JSON lines to w, which
// defaults to stdout.
func NewLogExporter(w io.Writer) *LogExporter {
	if w == nil {
		w = os.Stdout
	}
	return &LogExporter{log: slog.New(slog.NewJSONHandler(w, nil))}
}

// Name implements Exporter.
func (e *LogExporter) Name() string { return "log" }

// Export writes the event as one INFO line keyed by the event kind.
func (e *LogExporter) Export(event Event) error {
	attrs := event.Attrs()
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		args = append(args, k, attrs[k])
	}
	e.log.Info(string(event.Kind()), args...)
	return nil
}

// Close implements Exporter.
func (e *LogExporter) Close() error { return nil }

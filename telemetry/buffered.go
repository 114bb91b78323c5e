package telemetry

import "sync"

// BufferedExporter stores events in memory for inspection. Tests and
// the development CLI use it to assert on what a run emitted without
// standing up a backend.
//
// The buffer is capped; events beyond the cap are counted and dropped
// rather than growing without bound under a chatty FULL-granularity
// run.
type BufferedExporter struct {
	mu      sync.RWMutex
	cap     int
	events  []Event
	dropped int
}

// NewBufferedExporter builds a buffer holding at most capacity events.
// capacity <= 0 means unbounded.
func NewBufferedExporter(capacity int) *BufferedExporter {
	return &BufferedExporter{cap: capacity}
}

// Name implements Exporter.
func (b *BufferedExporter) Name() string { return "buffered" }

// Export appends the event, dropping it when the buffer is full.
func (b *BufferedExporter) Export(event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cap > 0 && len(b.events) >= b.cap {
		b.dropped++
		return nil
	}
	b.events = append(b.events, event)
	return nil
}

// Events returns a copy of everything buffered, in emission order.
func (b *BufferedExporter) Events() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// OfKind returns buffered events of one kind, in emission order.
func (b *BufferedExporter) OfKind(kind Kind) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, e := range b.events {
		if e.Kind() == kind {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of buffered events.
func (b *BufferedExporter) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}

// Dropped returns how many events the cap discarded.
func (b *BufferedExporter) Dropped() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Clear discards everything buffered.
func (b *BufferedExporter) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
	b.dropped = 0
}

// Close implements Exporter.
func (b *BufferedExporter) Close() error { return nil }

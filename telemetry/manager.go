package telemetry

import (
	"context"
	"fmt"
	"log/slog"
)

const (
	// logInterval batches drop reporting so a dead backend produces one
	// ERROR line per hundred lost events instead of a hundred.
	logInterval = 100

	// maxConsecutiveFailures is the total-failure streak after which the
	// manager either raises or disables itself.
	maxConsecutiveFailures = 10
)

// levelCritical marks log lines for conditions an operator must act on.
var levelCritical = slog.LevelError + 4

// Exporter delivers events to one backend. Export returns an error for
// delivery failure; the manager additionally recovers panics, so a
// buggy exporter degrades telemetry instead of killing the run.
type Exporter interface {
	Name() string
	Export(event Event) error
	Close() error
}

// ExporterError reports telemetry delivery failing hard enough to stop
// the run. Only raised when the operator configured
// fail_on_total_exporter_failure.
type ExporterError struct {
	Exporter string
	Message  string
}

func (e *ExporterError) Error() string {
	return fmt.Sprintf("telemetry exporter %s: %s", e.Exporter, e.Message)
}

// Health is a snapshot of the manager's delivery counters.
type Health struct {
	Emitted                  int
	Dropped                  int
	ConsecutiveTotalFailures int
	ExporterFailures         map[string]int
	Disabled                 bool
}

// Manager filters events by granularity and dispatches them to every
// exporter synchronously. Not safe for concurrent use: the run
// coordinator is the only emitter, and it owns the manager.
type Manager struct {
	granularity Granularity
	exporters   []Exporter
	failOnTotal bool
	log         *slog.Logger

	emitted         int
	dropped         int
	lastLoggedDrops int
	consecutive     int
	failures        map[string]int
	disabled        bool
}

// NewManager builds a manager. An empty exporter list is legal and
// makes every Emit a no-op.
func NewManager(granularity Granularity, exporters []Exporter, failOnTotal bool, log *slog.Logger) (*Manager, error) {
	if !granularity.Valid() {
		return nil, fmt.Errorf("unknown telemetry granularity %q", granularity)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		granularity: granularity,
		exporters:   exporters,
		failOnTotal: failOnTotal,
		log:         log,
		failures:    make(map[string]int),
	}, nil
}

// Emit filters the event by granularity and hands it to each exporter.
// One exporter failing never stops the others. The returned error is
// non-nil only when every exporter has failed maxConsecutiveFailures
// times in a row and the manager is configured to fail the run for it.
func (m *Manager) Emit(event Event) error {
	if m.disabled || len(m.exporters) == 0 {
		return nil
	}
	if !m.granularity.Includes(event.Level()) {
		return nil
	}

	failed := 0
	for _, exp := range m.exporters {
		if err := m.export(exp, event); err != nil {
			failed++
			m.failures[exp.Name()]++
			m.log.Warn("telemetry exporter failed",
				"exporter", exp.Name(),
				"event", string(event.Kind()),
				"error", err)
		}
	}

	if failed < len(m.exporters) {
		m.emitted++
		m.consecutive = 0
		return nil
	}

	m.consecutive++
	m.dropped++
	if m.dropped-m.lastLoggedDrops >= logInterval {
		m.log.Error("all telemetry exporters failing",
			"dropped_since_last_log", m.dropped-m.lastLoggedDrops,
			"dropped_total", m.dropped,
			"consecutive_failures", m.consecutive)
		m.lastLoggedDrops = m.dropped
	}
	if m.consecutive >= maxConsecutiveFailures {
		if m.failOnTotal {
			return &ExporterError{
				Exporter: "all",
				Message: fmt.Sprintf("all %d exporters failed %d consecutive times",
					len(m.exporters), m.consecutive),
			}
		}
		m.log.Log(context.Background(), levelCritical,
			"telemetry disabled after repeated total failures",
			"consecutive_failures", m.consecutive,
			"events_dropped", m.dropped)
		m.disabled = true
	}
	return nil
}

// export isolates one exporter call, converting panics into errors.
func (m *Manager) export(exp Exporter, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("exporter panicked: %v", r)
		}
	}()
	return exp.Export(event)
}

// Health returns a snapshot of delivery counters.
func (m *Manager) Health() Health {
	failures := make(map[string]int, len(m.failures))
	for k, v := range m.failures {
		failures[k] = v
	}
	return Health{
		Emitted:                  m.emitted,
		Dropped:                  m.dropped,
		ConsecutiveTotalFailures: m.consecutive,
		ExporterFailures:         failures,
		Disabled:                 m.disabled,
	}
}

// Close closes every exporter, returning the first error.
func (m *Manager) Close() error {
	var first error
	for _, exp := range m.exporters {
		if err := exp.Close(); err != nil && first == nil {
			first = fmt.Errorf("closing exporter %s: %w", exp.Name(), err)
		}
	}
	return first
}

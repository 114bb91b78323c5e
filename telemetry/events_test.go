package telemetry

import (
	"testing"
	"time"

	"github.com/elspeth-run/elspeth/contract"
)

func TestGranularity(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		for _, g := range []Granularity{GranularityLifecycle, GranularityRows, GranularityFull} {
			if !g.Valid() {
				t.Errorf("%s reported invalid", g)
			}
		}
		for _, g := range []Granularity{"", "verbose", "LIFECYCLE"} {
			if g.Valid() {
				t.Errorf("%q reported valid", g)
			}
		}
	})

	t.Run("includes", func(t *testing.T) {
		cases := []struct {
			configured Granularity
			level      Granularity
			want       bool
		}{
			{GranularityLifecycle, GranularityLifecycle, true},
			{GranularityLifecycle, GranularityRows, false},
			{GranularityLifecycle, GranularityFull, false},
			{GranularityRows, GranularityLifecycle, true},
			{GranularityRows, GranularityRows, true},
			{GranularityRows, GranularityFull, false},
			{GranularityFull, GranularityLifecycle, true},
			{GranularityFull, GranularityRows, true},
			{GranularityFull, GranularityFull, true},
		}
		for _, c := range cases {
			if got := c.configured.Includes(c.level); got != c.want {
				t.Errorf("%s.Includes(%s) = %v, want %v", c.configured, c.level, got, c.want)
			}
		}
	})
}

func TestEventKindsAndLevels(t *testing.T) {
	cases := []struct {
		event Event
		kind  Kind
		level Granularity
	}{
		{RunStarted{}, KindRunStarted, GranularityLifecycle},
		{RunCompleted{}, KindRunCompleted, GranularityLifecycle},
		{NodeRegistered{}, KindNodeRegistered, GranularityLifecycle},
		{CheckpointSaved{}, KindCheckpointSaved, GranularityLifecycle},
		{RowProcessed{}, KindRowProcessed, GranularityRows},
		{TokenCompleted{}, KindTokenCompleted, GranularityRows},
		{BatchFlushed{}, KindBatchFlushed, GranularityRows},
		{NodeStateOpened{}, KindNodeStateOpened, GranularityFull},
		{NodeStateCompleted{}, KindNodeStateCompleted, GranularityFull},
		{NodeStateFailed{}, KindNodeStateFailed, GranularityFull},
		{RoutingDecision{}, KindRoutingDecision, GranularityFull},
		{CallRecorded{}, KindCallRecorded, GranularityFull},
		{RetryScheduled{}, KindRetryScheduled, GranularityFull},
	}
	for _, c := range cases {
		if got := c.event.Kind(); got != c.kind {
			t.Errorf("%T.Kind() = %s, want %s", c.event, got, c.kind)
		}
		if got := c.event.Level(); got != c.level {
			t.Errorf("%T.Level() = %s, want %s", c.event, got, c.level)
		}
	}
}

func TestEventAttrs(t *testing.T) {
	t.Run("run completed flattens status and duration", func(t *testing.T) {
		e := RunCompleted{
			RunID:         "run_E",
			Status:        contract.RunFailed,
			RowsProcessed: 7,
			Duration:      1500 * time.Millisecond,
		}
		a := e.Attrs()
		if a["run_id"] != "run_E" || a["status"] != "failed" {
			t.Errorf("attrs = %v", a)
		}
		if got, ok := a["rows_processed"].(int); !ok || got != 7 {
			t.Errorf("rows_processed = %v (%T)", a["rows_processed"], a["rows_processed"])
		}
		if got, ok := a["duration_ms"].(int64); !ok || got != 1500 {
			t.Errorf("duration_ms = %v (%T)", a["duration_ms"], a["duration_ms"])
		}
	})

	t.Run("row processed omits an empty sink", func(t *testing.T) {
		e := RowProcessed{RunID: "run_E", TokenID: "tok_1", RowIndex: 3, Outcome: contract.OutcomeFailed}
		a := e.Attrs()
		if _, ok := a["sink"]; ok {
			t.Errorf("sink key present on a sinkless disposition: %v", a)
		}
		if a["outcome"] != "failed" || a["row_index"] != 3 {
			t.Errorf("attrs = %v", a)
		}

		e.Outcome = contract.OutcomeCompleted
		e.SinkName = "archive"
		if got := e.Attrs()["sink"]; got != "archive" {
			t.Errorf("sink = %v", got)
		}
	})

	t.Run("node state failed keeps retryability", func(t *testing.T) {
		e := NodeStateFailed{
			RunID: "run_E", NodeID: "node_1", TokenID: "tok_1", StateID: "st_1",
			Step: 2, Reason: "timeout contacting scorer", Retryable: true,
		}
		a := e.Attrs()
		if got, ok := a["retryable"].(bool); !ok || !got {
			t.Errorf("retryable = %v (%T)", a["retryable"], a["retryable"])
		}
		if a["reason"] != "timeout contacting scorer" || a["step"] != 2 {
			t.Errorf("attrs = %v", a)
		}
	})

	t.Run("enum values flatten to strings", func(t *testing.T) {
		batch := BatchFlushed{RunID: "run_E", NodeID: "node_1", BatchID: "bat_1", Size: 40, Trigger: contract.TriggerCount}
		if got := batch.Attrs()["trigger"]; got != "count" {
			t.Errorf("trigger = %v (%T)", got, got)
		}
		call := CallRecorded{Type: contract.CallHTTP, Status: contract.CallSuccess, Latency: 80 * time.Millisecond}
		a := call.Attrs()
		if a["type"] != "http" || a["status"] != "success" {
			t.Errorf("attrs = %v", a)
		}
		if got, ok := a["latency_ms"].(int64); !ok || got != 80 {
			t.Errorf("latency_ms = %v (%T)", a["latency_ms"], a["latency_ms"])
		}
		started := RunStarted{RunID: "run_E", Mode: contract.ModeVerify, NodeCount: 4}
		if got := started.Attrs()["mode"]; got != "verify" {
			t.Errorf("mode = %v (%T)", got, got)
		}
	})
}

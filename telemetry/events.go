// Package telemetry fans typed engine events out to configured
// exporters. Telemetry is advisory: the audit trail is the legal
// record, events are emitted after it is written, and no exporter
// failure may ever fail a run unless the operator asks for that.
package telemetry

import (
	"time"

	"github.com/elspeth-run/elspeth/contract"
)

// Kind names an event type. Kinds are the span and log-line names
// exporters publish, so they are stable identifiers, not prose.
type Kind string

const (
	KindRunStarted         Kind = "run_started"
	KindRunCompleted       Kind = "run_completed"
	KindNodeRegistered     Kind = "node_registered"
	KindRowProcessed       Kind = "row_processed"
	KindTokenCompleted     Kind = "token_completed"
	KindNodeStateOpened    Kind = "node_state_opened"
	KindNodeStateCompleted Kind = "node_state_completed"
	KindNodeStateFailed    Kind = "node_state_failed"
	KindRoutingDecision    Kind = "routing_decision"
	KindBatchFlushed       Kind = "batch_flushed"
	KindCallRecorded       Kind = "call_recorded"
	KindCheckpointSaved    Kind = "checkpoint_saved"
	KindRetryScheduled     Kind = "retry_scheduled"
)

// Granularity selects how much of the event stream is emitted. Each
// level includes everything below it: LIFECYCLE is run-level only,
// ROWS adds per-row dispositions, FULL adds per-state detail.
type Granularity string

const (
	GranularityLifecycle Granularity = "lifecycle"
	GranularityRows      Granularity = "rows"
	GranularityFull      Granularity = "full"
)

var granularityRank = map[Granularity]int{
	GranularityLifecycle: 0,
	GranularityRows:      1,
	GranularityFull:      2,
}

// Valid reports whether g is a known granularity.
func (g Granularity) Valid() bool {
	_, ok := granularityRank[g]
	return ok
}

// Includes reports whether events at level are emitted under g.
func (g Granularity) Includes(level Granularity) bool {
	return granularityRank[level] <= granularityRank[g]
}

// Event is one typed telemetry event. Level is the minimum granularity
// at which the event is emitted; Attrs is the flattened form exporters
// publish.
type Event interface {
	Kind() Kind
	Level() Granularity
	Attrs() map[string]any
}

// RunStarted marks the opening of a run row.
type RunStarted struct {
	RunID     string
	Mode      contract.RunMode
	NodeCount int
}

func (RunStarted) Kind() Kind { return KindRunStarted }

func (RunStarted) Level() Granularity { return GranularityLifecycle }

func (e RunStarted) Attrs() map[string]any {
	return map[string]any{"run_id": e.RunID, "mode": string(e.Mode), "node_count": e.NodeCount}
}

// RunCompleted marks the run reaching a terminal status.
type RunCompleted struct {
	RunID         string
	Status        contract.RunStatus
	RowsProcessed int
	Duration      time.Duration
}

func (RunCompleted) Kind() Kind { return KindRunCompleted }

func (RunCompleted) Level() Granularity { return GranularityLifecycle }

func (e RunCompleted) Attrs() map[string]any {
	return map[string]any{
		"run_id": e.RunID, "status": string(e.Status),
		"rows_processed": e.RowsProcessed, "duration_ms": e.Duration.Milliseconds(),
	}
}

// NodeRegistered marks one node joining the run's execution graph.
type NodeRegistered struct {
	RunID       string
	NodeID      string
	Name        string
	Plugin      string
	Type        contract.NodeType
	Determinism contract.Determinism
}

func (NodeRegistered) Kind() Kind { return KindNodeRegistered }

func (NodeRegistered) Level() Granularity { return GranularityLifecycle }

func (e NodeRegistered) Attrs() map[string]any {
	return map[string]any{
		"run_id": e.RunID, "node_id": e.NodeID, "name": e.Name,
		"plugin": e.Plugin, "type": string(e.Type), "determinism": string(e.Determinism),
	}
}

// RowProcessed marks a source row reaching its final disposition.
type RowProcessed struct {
	RunID    string
	TokenID  string
	RowIndex int
	Outcome  contract.TokenOutcome
	SinkName string
}

func (RowProcessed) Kind() Kind { return KindRowProcessed }

func (RowProcessed) Level() Granularity { return GranularityRows }

func (e RowProcessed) Attrs() map[string]any {
	a := map[string]any{
		"run_id": e.RunID, "token_id": e.TokenID,
		"row_index": e.RowIndex, "outcome": string(e.Outcome),
	}
	if e.SinkName != "" {
		a["sink"] = e.SinkName
	}
	return a
}

// TokenCompleted marks any token settling with a terminal outcome,
// including fork children and expansion outputs.
type TokenCompleted struct {
	RunID   string
	TokenID string
	Outcome contract.TokenOutcome
	Steps   int
}

func (TokenCompleted) Kind() Kind { return KindTokenCompleted }

func (TokenCompleted) Level() Granularity { return GranularityRows }

func (e TokenCompleted) Attrs() map[string]any {
	return map[string]any{
		"run_id": e.RunID, "token_id": e.TokenID,
		"outcome": string(e.Outcome), "steps": e.Steps,
	}
}

// NodeStateOpened marks a token arriving at a node.
type NodeStateOpened struct {
	RunID   string
	NodeID  string
	TokenID string
	StateID string
	Step    int
}

func (NodeStateOpened) Kind() Kind { return KindNodeStateOpened }

func (NodeStateOpened) Level() Granularity { return GranularityFull }

func (e NodeStateOpened) Attrs() map[string]any {
	return map[string]any{
		"run_id": e.RunID, "node_id": e.NodeID, "token_id": e.TokenID,
		"state_id": e.StateID, "step": e.Step,
	}
}

// NodeStateCompleted marks a node finishing a token successfully.
type NodeStateCompleted struct {
	RunID    string
	NodeID   string
	TokenID  string
	StateID  string
	Step     int
	Duration time.Duration
}

func (NodeStateCompleted) Kind() Kind { return KindNodeStateCompleted }

func (NodeStateCompleted) Level() Granularity { return GranularityFull }

func (e NodeStateCompleted) Attrs() map[string]any {
	return map[string]any{
		"run_id": e.RunID, "node_id": e.NodeID, "token_id": e.TokenID,
		"state_id": e.StateID, "step": e.Step, "duration_ms": e.Duration.Milliseconds(),
	}
}

// NodeStateFailed marks a node failing a token, after retries.
type NodeStateFailed struct {
	RunID     string
	NodeID    string
	TokenID   string
	StateID   string
	Step      int
	Reason    string
	Retryable bool
}

func (NodeStateFailed) Kind() Kind { return KindNodeStateFailed }

func (NodeStateFailed) Level() Granularity { return GranularityFull }

func (e NodeStateFailed) Attrs() map[string]any {
	return map[string]any{
		"run_id": e.RunID, "node_id": e.NodeID, "token_id": e.TokenID,
		"state_id": e.StateID, "step": e.Step, "reason": e.Reason, "retryable": e.Retryable,
	}
}

// RoutingDecision marks a gate or divert sending a token down an edge.
type RoutingDecision struct {
	RunID       string
	NodeID      string
	TokenID     string
	Label       string
	Mode        contract.RoutingMode
	Destination string
}

func (RoutingDecision) Kind() Kind { return KindRoutingDecision }

func (RoutingDecision) Level() Granularity { return GranularityFull }

func (e RoutingDecision) Attrs() map[string]any {
	return map[string]any{
		"run_id": e.RunID, "node_id": e.NodeID, "token_id": e.TokenID,
		"label": e.Label, "mode": string(e.Mode), "destination": e.Destination,
	}
}

// BatchFlushed marks an aggregation buffer executing.
type BatchFlushed struct {
	RunID   string
	NodeID  string
	BatchID string
	Size    int
	Trigger contract.TriggerType
}

func (BatchFlushed) Kind() Kind { return KindBatchFlushed }

func (BatchFlushed) Level() Granularity { return GranularityRows }

func (e BatchFlushed) Attrs() map[string]any {
	return map[string]any{
		"run_id": e.RunID, "node_id": e.NodeID, "batch_id": e.BatchID,
		"size": e.Size, "trigger": string(e.Trigger),
	}
}

// CallRecorded marks one external call landing in the audit trail.
type CallRecorded struct {
	RunID   string
	StateID string
	CallID  string
	Type    contract.CallType
	Status  contract.CallStatus
	Latency time.Duration
}

func (CallRecorded) Kind() Kind { return KindCallRecorded }

func (CallRecorded) Level() Granularity { return GranularityFull }

func (e CallRecorded) Attrs() map[string]any {
	return map[string]any{
		"run_id": e.RunID, "state_id": e.StateID, "call_id": e.CallID,
		"type": string(e.Type), "status": string(e.Status), "latency_ms": e.Latency.Milliseconds(),
	}
}

// CheckpointSaved marks a recovery checkpoint becoming durable.
type CheckpointSaved struct {
	RunID        string
	CheckpointID string
	NodeID       string
	Sequence     int64
}

func (CheckpointSaved) Kind() Kind { return KindCheckpointSaved }

func (CheckpointSaved) Level() Granularity { return GranularityLifecycle }

func (e CheckpointSaved) Attrs() map[string]any {
	return map[string]any{
		"run_id": e.RunID, "checkpoint_id": e.CheckpointID,
		"node_id": e.NodeID, "sequence": e.Sequence,
	}
}

// RetryScheduled marks a failed attempt that will run again.
type RetryScheduled struct {
	RunID   string
	NodeID  string
	TokenID string
	Attempt int
	Delay   time.Duration
	Reason  string
}

func (RetryScheduled) Kind() Kind { return KindRetryScheduled }

func (RetryScheduled) Level() Granularity { return GranularityFull }

func (e RetryScheduled) Attrs() map[string]any {
	return map[string]any{
		"run_id": e.RunID, "node_id": e.NodeID, "token_id": e.TokenID,
		"attempt": e.Attempt, "delay_ms": e.Delay.Milliseconds(), "reason": e.Reason,
	}
}

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/dag"
	"github.com/elspeth-run/elspeth/landscape"
)

const (
	// checkpointFormatVersion is stamped on every checkpoint this build
	// writes. Version 2 introduced deterministic node ids; checkpoints
	// from before that reference ids that cannot be recomputed from
	// settings, so resume refuses anything older.
	checkpointFormatVersion    = 2
	minCheckpointFormatVersion = 2
)

// IncompatibleCheckpointError reports a checkpoint that cannot seed a
// resume: the pipeline changed in a way that would make the buffered
// aggregation state or the row projection meaningless.
type IncompatibleCheckpointError struct {
	Field   string
	Stored  string
	Current string
}

func (e *IncompatibleCheckpointError) Error() string {
	return fmt.Sprintf("checkpoint incompatible with current pipeline: %s was %q, now %q",
		e.Field, e.Stored, e.Current)
}

// CheckpointManager persists aggregation checkpoints during a run and
// validates them when a crashed run is resumed. A checkpoint marks the
// last source row fully drained past an aggregation node, together with
// the node's buffered state, so resume can restart from the first row
// the crashed run never finished.
type CheckpointManager struct {
	rec      *landscape.Recorder
	reader   *landscape.Reader
	payloads *landscape.PayloadStore
	graph    *dag.Graph
}

// NewCheckpointManager wires a manager to the run's landscape and graph.
func NewCheckpointManager(rec *landscape.Recorder, reader *landscape.Reader, payloads *landscape.PayloadStore, graph *dag.Graph) (*CheckpointManager, error) {
	if rec == nil || reader == nil || payloads == nil || graph == nil {
		return nil, fmt.Errorf("checkpoint manager requires a recorder, reader, payload store, and graph")
	}
	return &CheckpointManager{rec: rec, reader: reader, payloads: payloads, graph: graph}, nil
}

// Create records a checkpoint for the aggregation rooted at nodeID after
// the row carried by tokenID cleared it. seq orders checkpoints within
// the run; Latest returns the highest. aggState is the node's buffered
// state and may be nil for pass-through aggregations.
//
// The graph is frozen after Build, so the compatibility hashes recorded
// here are exactly the topology and config the run is executing.
func (m *CheckpointManager) Create(ctx context.Context, runID, tokenID, nodeID string, seq int64, aggState any) (string, error) {
	node, err := m.graph.NodeInfo(nodeID)
	if err != nil {
		return "", fmt.Errorf("checkpoint node: %w", err)
	}
	topo, err := m.graph.UpstreamTopologyHash(nodeID)
	if err != nil {
		return "", fmt.Errorf("checkpoint topology hash: %w", err)
	}
	return m.rec.CreateCheckpoint(ctx, landscape.CheckpointParams{
		RunID:                    runID,
		TokenID:                  tokenID,
		NodeID:                   nodeID,
		SequenceNumber:           seq,
		UpstreamTopologyHash:     topo,
		CheckpointNodeConfigHash: node.ConfigHash,
		FormatVersion:            checkpointFormatVersion,
		AggregationState:         aggState,
	})
}

// Latest returns the run's newest checkpoint by sequence number, or
// ok=false when the run never checkpointed.
func (m *CheckpointManager) Latest(ctx context.Context, runID string) (*landscape.CheckpointRecord, bool, error) {
	return m.reader.LatestCheckpoint(ctx, runID)
}

// Delete removes every checkpoint for the run. Called after a run
// completes; checkpoints only matter while a resume is still possible.
func (m *CheckpointManager) Delete(ctx context.Context, runID string) error {
	return m.rec.DeleteCheckpoints(ctx, runID)
}

// CheckCompatibility decides whether cp can seed a resume under the
// manager's graph. The stored hashes must match hashes recomputed from
// the current pipeline: a changed upstream topology or a reconfigured
// aggregation node invalidates the buffered state, and a checkpoint
// older than the minimum format cannot be trusted to name the same
// nodes at all.
func (m *CheckpointManager) CheckCompatibility(cp *landscape.CheckpointRecord) error {
	if cp.FormatVersion < minCheckpointFormatVersion {
		return &IncompatibleCheckpointError{
			Field:   "format_version",
			Stored:  strconv.Itoa(cp.FormatVersion),
			Current: strconv.Itoa(checkpointFormatVersion),
		}
	}
	if !m.graph.HasNode(cp.NodeID) {
		return &IncompatibleCheckpointError{Field: "node_id", Stored: cp.NodeID, Current: ""}
	}
	topo, err := m.graph.UpstreamTopologyHash(cp.NodeID)
	if err != nil {
		return fmt.Errorf("recompute topology hash: %w", err)
	}
	if topo != cp.UpstreamTopologyHash {
		return &IncompatibleCheckpointError{
			Field:   "upstream_topology_hash",
			Stored:  cp.UpstreamTopologyHash,
			Current: topo,
		}
	}
	node, err := m.graph.NodeInfo(cp.NodeID)
	if err != nil {
		return fmt.Errorf("recompute node config hash: %w", err)
	}
	if node.ConfigHash != cp.CheckpointNodeConfigHash {
		return &IncompatibleCheckpointError{
			Field:   "checkpoint_node_config_hash",
			Stored:  cp.CheckpointNodeConfigHash,
			Current: node.ConfigHash,
		}
	}
	return nil
}

// RecoveredRow is one source row the crashed run accepted but never
// drained past the checkpoint, decoded and ready to re-enter the
// pipeline under a fresh token.
type RecoveredRow struct {
	Record landscape.SourceRowRecord
	Data   map[string]any
}

// UnprocessedRows projects the source rows that arrived after the
// checkpointed row, in intake order. A nil checkpoint projects every
// recorded row: a run that crashed before its first checkpoint proved
// nothing drained. Each payload is decoded from its canonical form; when
// source is non-nil the values are re-coerced through the declared field
// types so resumed rows carry the same Go types the live run saw (JSON
// numbers back to int64 for int fields, canonical timestamp strings back
// to time.Time for any fields). With a nil source the data keeps plain
// decoded JSON types.
//
// Rows stored without a payload were quarantined at intake; their
// outcome is already settled and they are not returned.
func (m *CheckpointManager) UnprocessedRows(ctx context.Context, runID string, cp *landscape.CheckpointRecord, source *contract.Contract) ([]RecoveredRow, error) {
	afterIndex := -1
	if cp != nil {
		token, ok, err := m.reader.GetToken(ctx, cp.TokenID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &contract.AuditIntegrityError{
				Message: fmt.Sprintf("checkpoint %s references missing token %s", cp.CheckpointID, cp.TokenID),
			}
		}
		row, ok, err := m.reader.GetSourceRow(ctx, token.RowID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &contract.AuditIntegrityError{
				Message: fmt.Sprintf("checkpoint token %s references missing source row %s", cp.TokenID, token.RowID),
			}
		}
		runID = cp.RunID
		afterIndex = row.RowIndex
	}

	records, err := m.reader.SourceRowsAfter(ctx, runID, afterIndex)
	if err != nil {
		return nil, err
	}
	out := make([]RecoveredRow, 0, len(records))
	for _, rec := range records {
		if rec.PayloadRef == "" {
			continue
		}
		blob, err := m.payloads.Fetch(rec.PayloadRef)
		if err != nil {
			return nil, &contract.AuditIntegrityError{
				Message: fmt.Sprintf("source row %s payload unavailable", rec.RowID),
				Cause:   err,
			}
		}
		data, err := decodeRowPayload(blob)
		if err != nil {
			return nil, &contract.AuditIntegrityError{
				Message: fmt.Sprintf("source row %s payload is not a JSON object", rec.RowID),
				Cause:   err,
			}
		}
		if source != nil {
			recoerceRow(data, source)
		}
		out = append(out, RecoveredRow{Record: rec, Data: data})
	}
	return out, nil
}

// decodeRowPayload unmarshals a canonical row payload keeping numeric
// literals intact, then resolves each json.Number by its literal form:
// integer literals become int64, everything else float64. Plain
// interface decoding would force every number through float64 and lose
// precision on large ids.
func decodeRowPayload(blob []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(blob))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, err
	}
	for k, v := range data {
		data[k] = resolveNumbers(v)
	}
	return data, nil
}

func resolveNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		lit := val.String()
		if !strings.ContainsAny(lit, ".eE") {
			if n, err := val.Int64(); err == nil {
				return n
			}
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return lit
	case map[string]any:
		for k, item := range val {
			val[k] = resolveNumbers(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = resolveNumbers(item)
		}
		return val
	default:
		return v
	}
}

// recoerceRow rewrites decoded values in place so declared fields come
// back with the types validation produced on the live run. Values that
// do not parse are left alone for the resume's own validation to judge.
func recoerceRow(data map[string]any, source *contract.Contract) {
	for _, f := range source.Fields() {
		v, ok := data[f.NormalizedName]
		if !ok || v == nil {
			continue
		}
		switch f.Type {
		case contract.TypeInt:
			switch n := v.(type) {
			case float64:
				if n == float64(int64(n)) {
					data[f.NormalizedName] = int64(n)
				}
			case string:
				if parsed, err := strconv.ParseInt(n, 10, 64); err == nil {
					data[f.NormalizedName] = parsed
				}
			}
		case contract.TypeFloat:
			switch n := v.(type) {
			case int64:
				data[f.NormalizedName] = float64(n)
			case string:
				if parsed, err := strconv.ParseFloat(n, 64); err == nil {
					data[f.NormalizedName] = parsed
				}
			}
		case contract.TypeAny:
			if s, ok := v.(string); ok {
				if ts, ok := canonicalTimestamp(s); ok {
					data[f.NormalizedName] = ts
				}
			}
		}
	}
}

// canonicalTimestamp reports whether s is exactly the string canonical
// encoding produces for a time.Time. Only a perfect round trip is
// reified; ordinary strings that merely resemble timestamps keep their
// type.
func canonicalTimestamp(s string) (time.Time, bool) {
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	if ts.Format(time.RFC3339Nano) != s {
		return time.Time{}, false
	}
	return ts, true
}

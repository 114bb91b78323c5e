package landscape

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/elspeth-run/elspeth/contract"
)

// Reader is the query side of the audit store. It validates what it loads:
// a stored shape that violates a variant invariant comes back as
// AuditIntegrityError, never as a half-usable record.
type Reader struct {
	db *DB
}

// NewReader wraps an open audit database with the read API.
func NewReader(db *DB) *Reader {
	return &Reader{db: db}
}

// GetRun loads one run row. Returns (nil, false, nil) when absent.
func (rd *Reader) GetRun(ctx context.Context, runID string) (*RunRecord, bool, error) {
	rows, err := rd.db.QueryContext(ctx, `
		SELECT run_id, started_at, completed_at, status, config_hash, settings_json,
			canonical_version, schema_contract_json, schema_contract_hash,
			run_mode, source_run_id, export_status, exported_at, export_manifest_hash
		FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query run %s: %w", runID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, false, rows.Err()
	}

	var rec RunRecord
	var startedAt string
	var completedAt, contractJSON, contractHash, mode, sourceRun sql.NullString
	var exportStatus, exportedAt, manifestHash sql.NullString
	var status string
	if err := rows.Scan(&rec.RunID, &startedAt, &completedAt, &status,
		&rec.ConfigHash, &rec.SettingsJSON, &rec.CanonicalVersion,
		&contractJSON, &contractHash, &mode, &sourceRun,
		&exportStatus, &exportedAt, &manifestHash); err != nil {
		return nil, false, fmt.Errorf("failed to scan run %s: %w", runID, err)
	}

	parsed, err := contract.ParseRunStatus(status)
	if err != nil {
		return nil, false, err
	}
	rec.Status = parsed
	if rec.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, false, err
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, false, err
		}
		rec.CompletedAt = &t
	}
	rec.SchemaContractJSON = contractJSON.String
	rec.SchemaContractHash = contractHash.String
	rec.RunMode = contract.RunMode(mode.String)
	rec.SourceRunID = sourceRun.String
	rec.ExportStatus = exportStatus.String
	if exportedAt.Valid {
		t, err := parseTime(exportedAt.String)
		if err != nil {
			return nil, false, err
		}
		rec.ExportedAt = &t
	}
	rec.ExportManifestHash = manifestHash.String
	return &rec, true, nil
}

// NodesForRun loads the recorded topology nodes ordered by their pipeline
// sequence. Replay and resume compare these against the rebuilt graph.
func (rd *Reader) NodesForRun(ctx context.Context, runID string) ([]NodeRecord, error) {
	rows, err := rd.db.QueryContext(ctx, `
		SELECT node_id, run_id, node_name, plugin_name, node_type, determinism,
			plugin_version, config_hash, config_json, input_contract_json,
			output_contract_json, schema_hash, sequence_index, registered_at
		FROM nodes WHERE run_id = ? ORDER BY sequence_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []NodeRecord
	for rows.Next() {
		var rec NodeRecord
		var version, inputJSON, outputJSON, schemaHash sql.NullString
		var nodeType, determinism, registeredAt string
		if err := rows.Scan(&rec.NodeID, &rec.RunID, &rec.NodeName, &rec.PluginName,
			&nodeType, &determinism, &version, &rec.ConfigHash, &rec.ConfigJSON,
			&inputJSON, &outputJSON, &schemaHash, &rec.SequenceIndex, &registeredAt); err != nil {
			return nil, fmt.Errorf("failed to scan node for run %s: %w", runID, err)
		}
		rec.NodeType = contract.NodeType(nodeType)
		det, err := contract.ParseDeterminism(determinism)
		if err != nil {
			return nil, &contract.AuditIntegrityError{
				Message: fmt.Sprintf("node %s has invalid determinism %q", rec.NodeID, determinism),
			}
		}
		rec.Determinism = det
		rec.PluginVersion = version.String
		rec.InputContractJSON = inputJSON.String
		rec.OutputContractJSON = outputJSON.String
		rec.SchemaHash = schemaHash.String
		if rec.RegisteredAt, err = parseTime(registeredAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetNodeState loads one state row and enforces its variant invariants.
// Returns (nil, false, nil) when absent.
func (rd *Reader) GetNodeState(ctx context.Context, stateID string) (*NodeStateRecord, bool, error) {
	recs, err := rd.queryStates(ctx, "WHERE state_id = ?", stateID)
	if err != nil {
		return nil, false, err
	}
	if len(recs) == 0 {
		return nil, false, nil
	}
	return &recs[0], true, nil
}

// OpenStates returns the states a crashed run left unfinished. Recovery
// treats each as an interrupted attempt.
func (rd *Reader) OpenStates(ctx context.Context, runID string) ([]NodeStateRecord, error) {
	return rd.queryStates(ctx, "WHERE run_id = ? AND status = ? ORDER BY started_at", runID, string(contract.StateOpen))
}

// StatesForToken returns every attempt of every node the token passed
// through, in pipeline order then attempt order.
func (rd *Reader) StatesForToken(ctx context.Context, tokenID string) ([]NodeStateRecord, error) {
	return rd.queryStates(ctx, "WHERE token_id = ? ORDER BY step_index, attempt", tokenID)
}

func (rd *Reader) queryStates(ctx context.Context, where string, args ...any) ([]NodeStateRecord, error) {
	rows, err := rd.db.QueryContext(ctx, `
		SELECT state_id, run_id, token_id, node_id, step_index, attempt, status,
			input_hash, output_hash, started_at, completed_at, duration_ms,
			error_json, success_reason_json, context_before_json, context_after_json
		FROM node_states `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query node states: %w", err)
	}
	defer rows.Close()

	var out []NodeStateRecord
	for rows.Next() {
		var rec NodeStateRecord
		var status, startedAt string
		var outputHash, completedAt, errorJSON, reasonJSON sql.NullString
		var contextBefore, contextAfter sql.NullString
		var durationMS sql.NullInt64
		if err := rows.Scan(&rec.StateID, &rec.RunID, &rec.TokenID, &rec.NodeID,
			&rec.StepIndex, &rec.Attempt, &status, &rec.InputHash, &outputHash,
			&startedAt, &completedAt, &durationMS, &errorJSON, &reasonJSON,
			&contextBefore, &contextAfter); err != nil {
			return nil, fmt.Errorf("failed to scan node state: %w", err)
		}
		parsed, err := contract.ParseNodeStateStatus(status)
		if err != nil {
			return nil, err
		}
		rec.Status = parsed
		rec.OutputHash = outputHash.String
		if rec.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			t, err := parseTime(completedAt.String)
			if err != nil {
				return nil, err
			}
			rec.CompletedAt = &t
		}
		rec.DurationMS = durationMS.Int64
		rec.ErrorJSON = errorJSON.String
		rec.SuccessReasonJSON = reasonJSON.String
		rec.ContextBeforeJSON = contextBefore.String
		rec.ContextAfterJSON = contextAfter.String
		if err := rec.checkVariant(); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FindCallsByRequest returns the recorded calls of a run matching a call
// type and request hash, oldest first. Replay consumes these in order; an
// empty result is the caller's replay miss.
func (rd *Reader) FindCallsByRequest(ctx context.Context, runID string, callType contract.CallType, requestHash string) ([]CallRecord, error) {
	rows, err := rd.db.QueryContext(ctx, `
		SELECT c.call_id, c.state_id, c.call_index, c.call_type, c.status,
			c.request_hash, c.response_hash, c.request_ref, c.response_ref,
			c.latency_ms, c.error_json, c.recorded_at
		FROM calls c
		JOIN node_states s ON s.state_id = c.state_id
		WHERE s.run_id = ? AND c.call_type = ? AND c.request_hash = ?
		ORDER BY c.recorded_at, c.call_index`,
		runID, string(callType), requestHash)
	if err != nil {
		return nil, fmt.Errorf("failed to query recorded calls: %w", err)
	}
	defer rows.Close()
	return scanCalls(rows)
}

// CallsForState returns the calls one node state made, in call order.
func (rd *Reader) CallsForState(ctx context.Context, stateID string) ([]CallRecord, error) {
	rows, err := rd.db.QueryContext(ctx, `
		SELECT call_id, state_id, call_index, call_type, status, request_hash,
			response_hash, request_ref, response_ref, latency_ms, error_json, recorded_at
		FROM calls WHERE state_id = ? ORDER BY call_index`, stateID)
	if err != nil {
		return nil, fmt.Errorf("failed to query calls for state %s: %w", stateID, err)
	}
	defer rows.Close()
	return scanCalls(rows)
}

func scanCalls(rows *sql.Rows) ([]CallRecord, error) {
	var out []CallRecord
	for rows.Next() {
		var rec CallRecord
		var callType, status, recordedAt string
		var responseHash, requestRef, responseRef, errorJSON sql.NullString
		var latency sql.NullInt64
		if err := rows.Scan(&rec.CallID, &rec.StateID, &rec.CallIndex, &callType,
			&status, &rec.RequestHash, &responseHash, &requestRef, &responseRef,
			&latency, &errorJSON, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		rec.CallType = contract.CallType(callType)
		rec.Status = contract.CallStatus(status)
		rec.ResponseHash = responseHash.String
		rec.RequestRef = requestRef.String
		rec.ResponseRef = responseRef.String
		rec.LatencyMS = latency.Int64
		rec.ErrorJSON = errorJSON.String
		var err error
		if rec.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestCheckpoint returns the highest-sequence checkpoint of a run, or
// (nil, false, nil) when the run has none.
func (rd *Reader) LatestCheckpoint(ctx context.Context, runID string) (*CheckpointRecord, bool, error) {
	rows, err := rd.db.QueryContext(ctx, `
		SELECT checkpoint_id, run_id, token_id, node_id, sequence_number,
			upstream_topology_hash, checkpoint_node_config_hash,
			format_version, aggregation_state_json, created_at
		FROM checkpoints WHERE run_id = ?
		ORDER BY sequence_number DESC LIMIT 1`, runID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query checkpoints for run %s: %w", runID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, false, rows.Err()
	}
	var rec CheckpointRecord
	var stateJSON sql.NullString
	var createdAt string
	if err := rows.Scan(&rec.CheckpointID, &rec.RunID, &rec.TokenID, &rec.NodeID,
		&rec.SequenceNumber, &rec.UpstreamTopologyHash,
		&rec.CheckpointNodeConfigHash, &rec.FormatVersion, &stateJSON, &createdAt); err != nil {
		return nil, false, fmt.Errorf("failed to scan checkpoint: %w", err)
	}
	if rec.UpstreamTopologyHash == "" || rec.CheckpointNodeConfigHash == "" {
		return nil, false, &contract.AuditIntegrityError{
			Message: fmt.Sprintf("checkpoint %s is missing compatibility hashes", rec.CheckpointID),
		}
	}
	rec.AggregationStateJSON = stateJSON.String
	var perr error
	if rec.CreatedAt, perr = parseTime(createdAt); perr != nil {
		return nil, false, perr
	}
	return &rec, true, nil
}

// SourceRowsAfter streams the source rows with row_index strictly greater
// than the given index, in order. Resume uses this to skip settled rows;
// pass -1 for all rows.
func (rd *Reader) SourceRowsAfter(ctx context.Context, runID string, afterIndex int) ([]SourceRowRecord, error) {
	rows, err := rd.db.QueryContext(ctx, `
		SELECT row_id, run_id, source_node_id, row_index, source_data_hash,
			payload_ref, created_at
		FROM source_rows WHERE run_id = ? AND row_index > ?
		ORDER BY row_index`, runID, afterIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to query source rows for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []SourceRowRecord
	for rows.Next() {
		var rec SourceRowRecord
		var payloadRef sql.NullString
		var createdAt string
		if err := rows.Scan(&rec.RowID, &rec.RunID, &rec.SourceNodeID,
			&rec.RowIndex, &rec.SourceDataHash, &payloadRef, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		rec.PayloadRef = payloadRef.String
		var perr error
		if rec.CreatedAt, perr = parseTime(createdAt); perr != nil {
			return nil, perr
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetToken loads one token row. Returns (nil, false, nil) when absent.
func (rd *Reader) GetToken(ctx context.Context, tokenID string) (*TokenRecord, bool, error) {
	rows, err := rd.db.QueryContext(ctx, `
		SELECT token_id, run_id, row_id, fork_group_id, join_group_id,
			expand_group_id, branch_name, step_in_pipeline, created_at
		FROM tokens WHERE token_id = ?`, tokenID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query token %s: %w", tokenID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, false, rows.Err()
	}
	var rec TokenRecord
	var forkGroup, joinGroup, expandGroup, branch sql.NullString
	var createdAt string
	if err := rows.Scan(&rec.TokenID, &rec.RunID, &rec.RowID, &forkGroup,
		&joinGroup, &expandGroup, &branch, &rec.StepInPipeline, &createdAt); err != nil {
		return nil, false, fmt.Errorf("failed to scan token %s: %w", tokenID, err)
	}
	rec.ForkGroupID = forkGroup.String
	rec.JoinGroupID = joinGroup.String
	rec.ExpandGroupID = expandGroup.String
	rec.BranchName = branch.String
	var perr error
	if rec.CreatedAt, perr = parseTime(createdAt); perr != nil {
		return nil, false, perr
	}
	return &rec, true, nil
}

// GetSourceRow loads one source row by id. Returns (nil, false, nil) when
// absent.
func (rd *Reader) GetSourceRow(ctx context.Context, rowID string) (*SourceRowRecord, bool, error) {
	rows, err := rd.db.QueryContext(ctx, `
		SELECT row_id, run_id, source_node_id, row_index, source_data_hash,
			payload_ref, created_at
		FROM source_rows WHERE row_id = ?`, rowID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query source row %s: %w", rowID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, false, rows.Err()
	}
	var rec SourceRowRecord
	var payloadRef sql.NullString
	var createdAt string
	if err := rows.Scan(&rec.RowID, &rec.RunID, &rec.SourceNodeID, &rec.RowIndex,
		&rec.SourceDataHash, &payloadRef, &createdAt); err != nil {
		return nil, false, fmt.Errorf("failed to scan source row %s: %w", rowID, err)
	}
	rec.PayloadRef = payloadRef.String
	var perr error
	if rec.CreatedAt, perr = parseTime(createdAt); perr != nil {
		return nil, false, perr
	}
	return &rec, true, nil
}

// TokenOutcome loads the settled outcome of one token.
// Returns (nil, false, nil) when the token has not settled.
func (rd *Reader) TokenOutcome(ctx context.Context, tokenID string) (*OutcomeRecord, bool, error) {
	rows, err := rd.db.QueryContext(ctx, `
		SELECT token_id, run_id, outcome, sink_name, detail_json, recorded_at
		FROM token_outcomes WHERE token_id = ?`, tokenID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query outcome for token %s: %w", tokenID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, false, rows.Err()
	}
	var rec OutcomeRecord
	var outcome, recordedAt string
	var sinkName, detail sql.NullString
	if err := rows.Scan(&rec.TokenID, &rec.RunID, &outcome, &sinkName, &detail, &recordedAt); err != nil {
		return nil, false, fmt.Errorf("failed to scan outcome: %w", err)
	}
	parsed, err := contract.ParseTokenOutcome(outcome)
	if err != nil {
		return nil, false, err
	}
	rec.Outcome = parsed
	rec.SinkName = sinkName.String
	rec.DetailJSON = detail.String
	if rec.RecordedAt, err = parseTime(recordedAt); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// OutcomeCounts tallies settled tokens per outcome for one run.
func (rd *Reader) OutcomeCounts(ctx context.Context, runID string) (map[contract.TokenOutcome]int, error) {
	rows, err := rd.db.QueryContext(ctx, `
		SELECT outcome, COUNT(*) FROM token_outcomes
		WHERE run_id = ? GROUP BY outcome`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to count outcomes for run %s: %w", runID, err)
	}
	defer rows.Close()

	counts := map[contract.TokenOutcome]int{}
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("failed to scan outcome count: %w", err)
		}
		parsed, err := contract.ParseTokenOutcome(outcome)
		if err != nil {
			return nil, err
		}
		counts[parsed] = n
	}
	return counts, rows.Err()
}

// UnsettledTokens returns the ids of tokens that have no outcome row or
// remain BUFFERED. A non-empty result at the end of a run means the
// accounting does not balance.
func (rd *Reader) UnsettledTokens(ctx context.Context, runID string) ([]string, error) {
	rows, err := rd.db.QueryContext(ctx, `
		SELECT t.token_id FROM tokens t
		LEFT JOIN token_outcomes o ON o.token_id = t.token_id
		WHERE t.run_id = ? AND (o.outcome IS NULL OR o.outcome = ?)
		ORDER BY t.token_id`, runID, string(contract.OutcomeBuffered))
	if err != nil {
		return nil, fmt.Errorf("failed to query unsettled tokens for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan token id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SettledRowIDs returns the ids of source rows with at least one token
// holding a terminal outcome. Resume skips these rows: re-admitting a row
// any part of which already reached a sink would double-deliver it.
func (rd *Reader) SettledRowIDs(ctx context.Context, runID string) (map[string]bool, error) {
	rows, err := rd.db.QueryContext(ctx, `
		SELECT DISTINCT t.row_id FROM tokens t
		JOIN token_outcomes o ON o.token_id = t.token_id
		WHERE t.run_id = ? AND o.outcome <> ?`, runID, string(contract.OutcomeBuffered))
	if err != nil {
		return nil, fmt.Errorf("failed to query settled rows for run %s: %w", runID, err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan row id: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// BufferedTokens returns tokens currently parked as BUFFERED, oldest first.
// Interrupt handling settles each of these before the run row flips.
func (rd *Reader) BufferedTokens(ctx context.Context, runID string) ([]string, error) {
	rows, err := rd.db.QueryContext(ctx, `
		SELECT token_id FROM token_outcomes
		WHERE run_id = ? AND outcome = ?
		ORDER BY recorded_at, token_id`, runID, string(contract.OutcomeBuffered))
	if err != nil {
		return nil, fmt.Errorf("failed to query buffered tokens for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan token id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ArtifactsForRun returns everything the run's sinks produced.
func (rd *Reader) ArtifactsForRun(ctx context.Context, runID string) ([]ArtifactRecord, error) {
	rows, err := rd.db.QueryContext(ctx, `
		SELECT artifact_id, run_id, sink_node_id, state_id, path_or_uri,
			content_hash, size_bytes, content_type, idempotency_key, created_at
		FROM artifacts WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []ArtifactRecord
	for rows.Next() {
		var rec ArtifactRecord
		var stateID, contentType, idemKey sql.NullString
		var createdAt string
		if err := rows.Scan(&rec.ArtifactID, &rec.RunID, &rec.SinkNodeID, &stateID,
			&rec.PathOrURI, &rec.ContentHash, &rec.SizeBytes, &contentType,
			&idemKey, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		rec.StateID = stateID.String
		rec.ContentType = contentType.String
		rec.IdempotencyKey = idemKey.String
		var perr error
		if rec.CreatedAt, perr = parseTime(createdAt); perr != nil {
			return nil, perr
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

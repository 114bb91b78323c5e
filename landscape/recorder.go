package landscape

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elspeth-run/elspeth/canonical"
	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/dag"
)

// Recorder is the only write path into the audit trail. Every method runs
// one transaction; a method either lands all of its rows or none of them.
//
// Mutations are restricted to the three the schema allows: the run row
// transitions running to terminal, an open node state transitions to
// completed or failed, and a buffered token outcome transitions to a
// terminal outcome. Everything else is insert-only, and an attempt to
// overwrite a settled record fails with AuditIntegrityError.
type Recorder struct {
	db  *DB
	now func() time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithClock overrides the timestamp source. Tests use this to pin
// recorded_at columns.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder wraps an open audit database with the write API.
func NewRecorder(db *DB, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func marshalJSON(v any, what string) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", what, err)
	}
	return string(data), nil
}

// nullable turns the empty string into SQL NULL so optional columns stay
// NULL instead of holding "".
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// BeginRunParams carries everything the runs row needs at start.
type BeginRunParams struct {
	RunID            string
	ConfigHash       string
	Settings         any
	CanonicalVersion string
	Mode             contract.RunMode
	SourceRunID      string
	Contract         *contract.Contract
}

// BeginRun inserts the run row with status RUNNING.
func (r *Recorder) BeginRun(ctx context.Context, p BeginRunParams) (err error) {
	settingsJSON, err := marshalJSON(p.Settings, "run settings")
	if err != nil {
		return err
	}
	if settingsJSON == "" {
		settingsJSON = "{}"
	}
	var contractJSON, contractHash string
	if p.Contract != nil {
		data, err := p.Contract.MarshalJSON()
		if err != nil {
			return fmt.Errorf("failed to marshal run contract: %w", err)
		}
		contractJSON = string(data)
		contractHash, err = p.Contract.Hash()
		if err != nil {
			return fmt.Errorf("failed to hash run contract: %w", err)
		}
	}

	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, status, config_hash, settings_json,
			canonical_version, schema_contract_json, schema_contract_hash,
			run_mode, source_run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.RunID, formatTime(r.now()), string(contract.RunRunning), p.ConfigHash,
		settingsJSON, p.CanonicalVersion, nullable(contractJSON),
		nullable(contractHash), string(p.Mode), nullable(p.SourceRunID),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", p.RunID, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CompleteRun transitions the run row from RUNNING to a terminal status.
// Completing an already-terminal run is an integrity error: the run row
// settles exactly once.
func (r *Recorder) CompleteRun(ctx context.Context, runID string, status contract.RunStatus) (err error) {
	switch status {
	case contract.RunCompleted, contract.RunFailed, contract.RunInterrupted:
	default:
		return &contract.OrchestrationInvariantError{
			Message: fmt.Sprintf("run %s cannot complete with non-terminal status %q", runID, status),
		}
	}

	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, completed_at = ?
		WHERE run_id = ? AND status = ?`,
		string(status), formatTime(r.now()), runID, string(contract.RunRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to complete run %s: %w", runID, err)
	}
	if err = r.requireTransition(ctx, tx, res, "runs", "run_id", runID,
		fmt.Sprintf("run %s is already terminal", runID)); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// MarkExported stamps the run row after a successful signed export.
func (r *Recorder) MarkExported(ctx context.Context, runID, manifestHash string) (err error) {
	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET export_status = 'exported', exported_at = ?, export_manifest_hash = ?
		WHERE run_id = ?`,
		formatTime(r.now()), manifestHash, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark run %s exported: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &contract.AuditIntegrityError{
			Message: fmt.Sprintf("cannot mark unknown run %s exported", runID),
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// requireTransition interprets a guarded UPDATE that matched zero rows:
// either the row never existed (unknown id) or it exists outside the state
// the guard requires (an illegal overwrite). Both are Tier-1 failures.
func (r *Recorder) requireTransition(ctx context.Context, tx *sql.Tx, res sql.Result, table, idColumn, id, overwriteMsg string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}
	var found string
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", idColumn, table, idColumn), id,
	).Scan(&found)
	if err == sql.ErrNoRows {
		return &contract.AuditIntegrityError{
			Message: fmt.Sprintf("%s row %s does not exist", table, id),
		}
	}
	if err != nil {
		return fmt.Errorf("failed to inspect %s row %s: %w", table, id, err)
	}
	return &contract.AuditIntegrityError{Message: overwriteMsg}
}

// RegisterGraph persists every node and edge of a built graph in one
// transaction, so the topology is either fully recorded or absent.
func (r *Recorder) RegisterGraph(ctx context.Context, g *dag.Graph) (err error) {
	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	registeredAt := formatTime(r.now())
	for _, node := range g.Nodes() {
		var inputJSON, outputJSON, schemaHash string
		if node.Input != nil {
			data, merr := node.Input.MarshalJSON()
			if merr != nil {
				return fmt.Errorf("failed to marshal input contract for node %s: %w", node.Name, merr)
			}
			inputJSON = string(data)
		}
		if node.Output != nil {
			data, merr := node.Output.MarshalJSON()
			if merr != nil {
				return fmt.Errorf("failed to marshal output contract for node %s: %w", node.Name, merr)
			}
			outputJSON = string(data)
			schemaHash, merr = node.Output.Hash()
			if merr != nil {
				return fmt.Errorf("failed to hash output contract for node %s: %w", node.Name, merr)
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO nodes (node_id, run_id, node_name, plugin_name, node_type,
				determinism, plugin_version, config_hash, config_json,
				input_contract_json, output_contract_json, schema_hash,
				sequence_index, registered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			node.ID, g.RunID(), node.Name, node.Plugin, string(node.Type),
			string(node.Determinism), nullable(node.Version), node.ConfigHash,
			node.ConfigJSON, nullable(inputJSON), nullable(outputJSON),
			nullable(schemaHash), node.Seq, registeredAt,
		)
		if err != nil {
			return fmt.Errorf("failed to register node %s: %w", node.Name, err)
		}
	}

	for _, edge := range g.Edges() {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO edges (edge_id, run_id, from_node, to_node, label, default_mode)
			VALUES (?, ?, ?, ?, ?, ?)`,
			edge.ID, g.RunID(), edge.From, edge.To, edge.Label, string(edge.Mode),
		)
		if err != nil {
			return fmt.Errorf("failed to register edge %s: %w", edge.Label, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RowTokenParams describes one source row and the first token carrying it.
type RowTokenParams struct {
	RowID          string
	RunID          string
	SourceNodeID   string
	RowIndex       int
	SourceDataHash string
	PayloadRef     string
	TokenID        string
}

// CreateRowWithToken inserts the source row and its initial token together.
// A row without a token would be invisible to accounting, so the two land
// in one transaction.
func (r *Recorder) CreateRowWithToken(ctx context.Context, p RowTokenParams) (err error) {
	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := formatTime(r.now())
	_, err = tx.ExecContext(ctx, `
		INSERT INTO source_rows (row_id, run_id, source_node_id, row_index,
			source_data_hash, payload_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.RowID, p.RunID, p.SourceNodeID, p.RowIndex, p.SourceDataHash,
		nullable(p.PayloadRef), now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert source row %d: %w", p.RowIndex, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tokens (token_id, run_id, row_id, step_in_pipeline, created_at)
		VALUES (?, ?, ?, 0, ?)`,
		p.TokenID, p.RunID, p.RowID, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert token for row %d: %w", p.RowIndex, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateToken inserts a bare token for a row already in the store. Recovery
// uses this to restart unprocessed rows under fresh tokens.
func (r *Recorder) CreateToken(ctx context.Context, tokenID, runID, rowID string, step int) (err error) {
	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tokens (token_id, run_id, row_id, step_in_pipeline, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		tokenID, runID, rowID, step, formatTime(r.now()),
	)
	if err != nil {
		return fmt.Errorf("failed to insert token %s: %w", tokenID, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ParentRef names one parent of a child token. Joins carry several parents
// with distinct ordinals; forks and expansions carry exactly one.
type ParentRef struct {
	TokenID string
	Ordinal int
}

// ChildToken describes a token derived from one or more parents.
type ChildToken struct {
	TokenID        string
	RunID          string
	RowID          string
	ForkGroupID    string
	JoinGroupID    string
	ExpandGroupID  string
	BranchName     string
	StepInPipeline int
	Parents        []ParentRef
}

// CreateChildTokens inserts derived tokens and their parent links in one
// transaction. Used for forks, expansions, and coalesce joins.
func (r *Recorder) CreateChildTokens(ctx context.Context, children []ChildToken) (err error) {
	return r.DeriveTokens(ctx, children, nil, "")
}

// DeriveTokens inserts child tokens, their parent links, and the parents'
// settlement outcomes in one transaction. Forks settle parents FORKED,
// expansions EXPANDED, coalesce joins COALESCED; the parents and the child
// land together or not at all. skipIfOutcome names an existing outcome that
// silently suppresses a settlement instead of raising an overwrite error;
// single-token expansions pass CONSUMED_IN_BATCH because an aggregation may
// already have settled its members.
func (r *Recorder) DeriveTokens(ctx context.Context, children []ChildToken, settle []OutcomeParams, skipIfOutcome contract.TokenOutcome) (err error) {
	if len(children) == 0 && len(settle) == 0 {
		return nil
	}
	for _, c := range children {
		if len(c.Parents) == 0 {
			return &contract.OrchestrationInvariantError{
				Message: fmt.Sprintf("child token %s has no parents", c.TokenID),
			}
		}
	}

	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := formatTime(r.now())
	for _, c := range children {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tokens (token_id, run_id, row_id, fork_group_id,
				join_group_id, expand_group_id, branch_name, step_in_pipeline, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.TokenID, c.RunID, c.RowID, nullable(c.ForkGroupID),
			nullable(c.JoinGroupID), nullable(c.ExpandGroupID),
			nullable(c.BranchName), c.StepInPipeline, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert child token %s: %w", c.TokenID, err)
		}
		for _, parent := range c.Parents {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO token_parents (child_token_id, parent_token_id, ordinal)
				VALUES (?, ?, ?)`,
				c.TokenID, parent.TokenID, parent.Ordinal,
			)
			if err != nil {
				return fmt.Errorf("failed to link token %s to parent %s: %w", c.TokenID, parent.TokenID, err)
			}
		}
	}

	for _, p := range settle {
		if err = r.settleOutcomeTx(ctx, tx, p, skipIfOutcome); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// OutcomeParams records the final disposition of a token.
type OutcomeParams struct {
	TokenID  string
	RunID    string
	Outcome  contract.TokenOutcome
	SinkName string
	Detail   any
}

// RecordOutcome settles a token. Each token gets exactly one outcome row;
// the single permitted rewrite is BUFFERED to a terminal outcome, which is
// how tokens absorbed into aggregation batches resolve. Overwriting a
// terminal outcome is an integrity error.
func (r *Recorder) RecordOutcome(ctx context.Context, p OutcomeParams) (err error) {
	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = r.settleOutcomeTx(ctx, tx, p, ""); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *Recorder) settleOutcomeTx(ctx context.Context, tx *sql.Tx, p OutcomeParams, skipIfOutcome contract.TokenOutcome) error {
	detailJSON, err := marshalJSON(p.Detail, "outcome detail")
	if err != nil {
		return err
	}

	var existing string
	err = tx.QueryRowContext(ctx,
		"SELECT outcome FROM token_outcomes WHERE token_id = ?", p.TokenID,
	).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO token_outcomes (token_id, run_id, outcome, sink_name, detail_json, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.TokenID, p.RunID, string(p.Outcome), nullable(p.SinkName),
			nullable(detailJSON), formatTime(r.now()),
		)
		if err != nil {
			return fmt.Errorf("failed to record outcome for token %s: %w", p.TokenID, err)
		}
	case err != nil:
		return fmt.Errorf("failed to check outcome for token %s: %w", p.TokenID, err)
	default:
		prior, perr := contract.ParseTokenOutcome(existing)
		if perr != nil {
			return perr
		}
		if skipIfOutcome != "" && prior == skipIfOutcome {
			return nil
		}
		if prior.IsTerminal() {
			return &contract.AuditIntegrityError{
				Message: fmt.Sprintf("token %s already settled as %s; refusing to overwrite with %s",
					p.TokenID, prior, p.Outcome),
			}
		}
		if !p.Outcome.IsTerminal() {
			return &contract.AuditIntegrityError{
				Message: fmt.Sprintf("token %s is buffered and can only transition to a terminal outcome, not %s",
					p.TokenID, p.Outcome),
			}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE token_outcomes SET outcome = ?, sink_name = ?, detail_json = ?, recorded_at = ?
			WHERE token_id = ?`,
			string(p.Outcome), nullable(p.SinkName), nullable(detailJSON),
			formatTime(r.now()), p.TokenID,
		)
		if err != nil {
			return fmt.Errorf("failed to settle buffered token %s: %w", p.TokenID, err)
		}
	}
	return nil
}

// StateParams opens a node state: one attempt of one token at one node.
type StateParams struct {
	StateID       string
	RunID         string
	TokenID       string
	NodeID        string
	StepIndex     int
	Attempt       int
	InputHash     string
	ContextBefore any
}

// BeginNodeState inserts the state row with status OPEN. Completion is a
// separate transaction, so a crash mid-node leaves an OPEN state behind as
// evidence for recovery.
func (r *Recorder) BeginNodeState(ctx context.Context, p StateParams) (err error) {
	contextJSON, err := marshalJSON(p.ContextBefore, "state context")
	if err != nil {
		return err
	}

	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO node_states (state_id, run_id, token_id, node_id, step_index,
			attempt, status, input_hash, started_at, context_before_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.StateID, p.RunID, p.TokenID, p.NodeID, p.StepIndex, p.Attempt,
		string(contract.StateOpen), p.InputHash, formatTime(r.now()),
		nullable(contextJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to open node state %s: %w", p.StateID, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CompleteStateParams closes a node state successfully.
type CompleteStateParams struct {
	StateID       string
	OutputHash    string
	DurationMS    int64
	SuccessReason *contract.SuccessReason
	ContextAfter  any
}

// CompleteNodeState transitions an OPEN state to COMPLETED. Completed and
// failed states are immutable; re-closing one is an integrity error.
func (r *Recorder) CompleteNodeState(ctx context.Context, p CompleteStateParams) (err error) {
	if p.OutputHash == "" {
		return &contract.OrchestrationInvariantError{
			Message: fmt.Sprintf("state %s cannot complete without an output hash", p.StateID),
		}
	}
	reasonJSON, err := marshalJSON(p.SuccessReason, "success reason")
	if err != nil {
		return err
	}
	contextJSON, err := marshalJSON(p.ContextAfter, "state context")
	if err != nil {
		return err
	}

	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE node_states
		SET status = ?, output_hash = ?, completed_at = ?, duration_ms = ?,
			success_reason_json = ?, context_after_json = ?
		WHERE state_id = ? AND status = ?`,
		string(contract.StateCompleted), p.OutputHash, formatTime(r.now()),
		p.DurationMS, nullable(reasonJSON), nullable(contextJSON),
		p.StateID, string(contract.StateOpen),
	)
	if err != nil {
		return fmt.Errorf("failed to complete node state %s: %w", p.StateID, err)
	}
	if err = r.requireTransition(ctx, tx, res, "node_states", "state_id", p.StateID,
		fmt.Sprintf("node state %s is already closed; completed states are immutable", p.StateID)); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FailStateParams closes a node state with an error.
type FailStateParams struct {
	StateID      string
	DurationMS   int64
	Failure      *contract.ExecutionError
	ContextAfter any
}

// FailNodeState transitions an OPEN state to FAILED.
func (r *Recorder) FailNodeState(ctx context.Context, p FailStateParams) (err error) {
	if p.Failure == nil {
		return &contract.OrchestrationInvariantError{
			Message: fmt.Sprintf("state %s cannot fail without error detail", p.StateID),
		}
	}
	errorJSON, err := marshalJSON(p.Failure, "execution error")
	if err != nil {
		return err
	}
	contextJSON, err := marshalJSON(p.ContextAfter, "state context")
	if err != nil {
		return err
	}

	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE node_states
		SET status = ?, completed_at = ?, duration_ms = ?, error_json = ?,
			context_after_json = ?
		WHERE state_id = ? AND status = ?`,
		string(contract.StateFailed), formatTime(r.now()), p.DurationMS,
		errorJSON, nullable(contextJSON), p.StateID, string(contract.StateOpen),
	)
	if err != nil {
		return fmt.Errorf("failed to fail node state %s: %w", p.StateID, err)
	}
	if err = r.requireTransition(ctx, tx, res, "node_states", "state_id", p.StateID,
		fmt.Sprintf("node state %s is already closed; completed states are immutable", p.StateID)); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CallParams records one external call made during a node state.
type CallParams struct {
	CallID       string
	StateID      string
	CallIndex    int
	CallType     contract.CallType
	Status       contract.CallStatus
	RequestHash  string
	ResponseHash string
	RequestRef   string
	ResponseRef  string
	LatencyMS    int64
	Error        any
}

// RecordCall appends a call row. The (state_id, call_index) uniqueness
// constraint catches double-recording of the same call slot.
func (r *Recorder) RecordCall(ctx context.Context, p CallParams) (err error) {
	errorJSON, err := marshalJSON(p.Error, "call error")
	if err != nil {
		return err
	}

	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO calls (call_id, state_id, call_index, call_type, status,
			request_hash, response_hash, request_ref, response_ref, latency_ms,
			error_json, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.CallID, p.StateID, p.CallIndex, string(p.CallType), string(p.Status),
		p.RequestHash, nullable(p.ResponseHash), nullable(p.RequestRef),
		nullable(p.ResponseRef), p.LatencyMS, nullable(errorJSON),
		formatTime(r.now()),
	)
	if err != nil {
		return fmt.Errorf("failed to record call %d of state %s: %w", p.CallIndex, p.StateID, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RoutingEventParams describes one edge traversal within a routing group.
type RoutingEventParams struct {
	StateID        string
	EdgeID         string
	RoutingGroupID string
	Ordinal        int
	Mode           contract.RoutingMode
	Reason         any
}

// RecordRoutingEvents lands every event of one routing decision in a single
// transaction, before any of the tokens it describes are scheduled. A fork
// recorded by halves would let accounting observe children with no cause.
func (r *Recorder) RecordRoutingEvents(ctx context.Context, events []RoutingEventParams) (err error) {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := formatTime(r.now())
	for _, e := range events {
		reasonJSON, merr := marshalJSON(e.Reason, "routing reason")
		if merr != nil {
			return merr
		}
		var reasonHash string
		if e.Reason != nil {
			reasonHash, merr = canonical.StableHash(e.Reason)
			if merr != nil {
				return fmt.Errorf("failed to hash routing reason: %w", merr)
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO routing_events (event_id, state_id, edge_id, routing_group_id,
				ordinal, mode, reason_hash, reason_json, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			contract.NewID(contract.PrefixEvent), e.StateID, e.EdgeID,
			e.RoutingGroupID, e.Ordinal, string(e.Mode), nullable(reasonHash),
			nullable(reasonJSON), now,
		)
		if err != nil {
			return fmt.Errorf("failed to record routing event %d of group %s: %w",
				e.Ordinal, e.RoutingGroupID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateBatch opens an aggregation batch in DRAFT.
func (r *Recorder) CreateBatch(ctx context.Context, batchID, runID, nodeID string, attempt int) (err error) {
	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batches (batch_id, run_id, aggregation_node_id, attempt, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		batchID, runID, nodeID, attempt, string(contract.BatchDraft), formatTime(r.now()),
	)
	if err != nil {
		return fmt.Errorf("failed to create batch %s: %w", batchID, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// BatchMember links a token to a batch with its buffer position.
type BatchMember struct {
	TokenID string
	Ordinal int
}

// AddBatchMembers records tokens absorbed into a DRAFT batch.
func (r *Recorder) AddBatchMembers(ctx context.Context, batchID string, members []BatchMember) (err error) {
	if len(members) == 0 {
		return nil
	}

	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, m := range members {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO batch_members (batch_id, token_id, ordinal)
			VALUES (?, ?, ?)`,
			batchID, m.TokenID, m.Ordinal,
		)
		if err != nil {
			return fmt.Errorf("failed to add token %s to batch %s: %w", m.TokenID, batchID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// MarkBatchExecuting transitions a batch from DRAFT to EXECUTING and stamps
// the trigger that fired it.
func (r *Recorder) MarkBatchExecuting(ctx context.Context, batchID string, trigger contract.TriggerType) (err error) {
	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE batches SET status = ?, trigger_type = ?
		WHERE batch_id = ? AND status = ?`,
		string(contract.BatchExecuting), string(trigger), batchID, string(contract.BatchDraft),
	)
	if err != nil {
		return fmt.Errorf("failed to mark batch %s executing: %w", batchID, err)
	}
	if err = r.requireTransition(ctx, tx, res, "batches", "batch_id", batchID,
		fmt.Sprintf("batch %s is not in draft", batchID)); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CompleteBatch settles an EXECUTING batch as COMPLETED or FAILED. FAILED
// may also close a DRAFT buffer the run abandoned before any trigger fired.
func (r *Recorder) CompleteBatch(ctx context.Context, batchID string, status contract.BatchStatus) (err error) {
	if status != contract.BatchCompleted && status != contract.BatchFailed {
		return &contract.OrchestrationInvariantError{
			Message: fmt.Sprintf("batch %s cannot settle with status %q", batchID, status),
		}
	}

	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	fromA := string(contract.BatchExecuting)
	fromB := fromA
	if status == contract.BatchFailed {
		fromB = string(contract.BatchDraft)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE batches SET status = ?, completed_at = ?
		WHERE batch_id = ? AND status IN (?, ?)`,
		string(status), formatTime(r.now()), batchID, fromA, fromB,
	)
	if err != nil {
		return fmt.Errorf("failed to complete batch %s: %w", batchID, err)
	}
	if err = r.requireTransition(ctx, tx, res, "batches", "batch_id", batchID,
		fmt.Sprintf("batch %s is already settled", batchID)); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecordBatchOutputs links the tokens a batch emitted back to the batch.
func (r *Recorder) RecordBatchOutputs(ctx context.Context, batchID string, outputs []BatchMember) (err error) {
	if len(outputs) == 0 {
		return nil
	}

	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, o := range outputs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO batch_outputs (batch_id, output_token_id, ordinal)
			VALUES (?, ?, ?)`,
			batchID, o.TokenID, o.Ordinal,
		)
		if err != nil {
			return fmt.Errorf("failed to record output %s of batch %s: %w", o.TokenID, batchID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ArtifactParams records one sink artifact.
type ArtifactParams struct {
	RunID          string
	SinkNodeID     string
	StateID        string
	Artifact       contract.ArtifactDescriptor
	IdempotencyKey string
}

// RecordArtifact appends the artifact row and returns its generated id.
func (r *Recorder) RecordArtifact(ctx context.Context, p ArtifactParams) (artifactID string, err error) {
	artifactID = contract.NewID(contract.PrefixArtifact)

	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO artifacts (artifact_id, run_id, sink_node_id, state_id,
			path_or_uri, content_hash, size_bytes, content_type, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		artifactID, p.RunID, p.SinkNodeID, nullable(p.StateID),
		p.Artifact.Location(), p.Artifact.ContentHash, p.Artifact.SizeBytes,
		nullable(p.Artifact.ContentType), nullable(p.IdempotencyKey),
		formatTime(r.now()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to record artifact for sink %s: %w", p.SinkNodeID, err)
	}

	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return artifactID, nil
}

// BeginOperation opens a source-load or sink-write operation row and
// returns its id.
func (r *Recorder) BeginOperation(ctx context.Context, runID, nodeID string, opType contract.OperationType) (operationID string, err error) {
	operationID = contract.NewID(contract.PrefixOperation)

	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO operations (operation_id, run_id, node_id, operation_type, status, started_at)
		VALUES (?, ?, ?, ?, 'open', ?)`,
		operationID, runID, nodeID, string(opType), formatTime(r.now()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to begin %s operation on node %s: %w", opType, nodeID, err)
	}

	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return operationID, nil
}

// CompleteOperation closes an operation row with its row count and
// optional detail.
func (r *Recorder) CompleteOperation(ctx context.Context, operationID, status string, rowsCount int, detail any) (err error) {
	detailJSON, err := marshalJSON(detail, "operation detail")
	if err != nil {
		return err
	}

	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE operations SET status = ?, completed_at = ?, rows_count = ?, detail_json = ?
		WHERE operation_id = ? AND status = 'open'`,
		status, formatTime(r.now()), rowsCount, nullable(detailJSON), operationID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete operation %s: %w", operationID, err)
	}
	if err = r.requireTransition(ctx, tx, res, "operations", "operation_id", operationID,
		fmt.Sprintf("operation %s is already closed", operationID)); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CheckpointParams describes one resume point. Both hashes are mandatory:
// a checkpoint that cannot be validated against a future topology is worse
// than no checkpoint.
type CheckpointParams struct {
	RunID                    string
	TokenID                  string
	NodeID                   string
	SequenceNumber           int64
	UpstreamTopologyHash     string
	CheckpointNodeConfigHash string
	FormatVersion            int
	AggregationState         any
}

// CreateCheckpoint inserts the checkpoint with its compatibility hashes in
// the same transaction, and returns the generated checkpoint id.
func (r *Recorder) CreateCheckpoint(ctx context.Context, p CheckpointParams) (checkpointID string, err error) {
	if p.UpstreamTopologyHash == "" || p.CheckpointNodeConfigHash == "" {
		return "", &contract.OrchestrationInvariantError{
			Message: fmt.Sprintf("checkpoint for run %s is missing compatibility hashes", p.RunID),
		}
	}
	stateJSON, err := marshalJSON(p.AggregationState, "aggregation state")
	if err != nil {
		return "", err
	}
	checkpointID = contract.NewID(contract.PrefixCheckpoint)

	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (checkpoint_id, run_id, token_id, node_id,
			sequence_number, upstream_topology_hash, checkpoint_node_config_hash,
			format_version, aggregation_state_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		checkpointID, p.RunID, p.TokenID, p.NodeID, p.SequenceNumber,
		p.UpstreamTopologyHash, p.CheckpointNodeConfigHash, p.FormatVersion,
		nullable(stateJSON), formatTime(r.now()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create checkpoint %d for run %s: %w", p.SequenceNumber, p.RunID, err)
	}

	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return checkpointID, nil
}

// DeleteCheckpoints removes every checkpoint of a run. Called after the run
// settles; checkpoints are resume state, not audit history.
func (r *Recorder) DeleteCheckpoints(ctx context.Context, runID string) (err error) {
	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM checkpoints WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("failed to delete checkpoints for run %s: %w", runID, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ValidationErrorParams records one quarantined row.
type ValidationErrorParams struct {
	RunID   string
	NodeID  string
	RowID   string
	TokenID string
	Reason  contract.TransformErrorReason
	RowData any
}

// RecordValidationError persists a quarantine record. The offending row is
// stored as JSON when it canonicalizes, and as a truncated Go-syntax repr
// with its own hash when it does not, so even unserializable garbage leaves
// a fingerprint.
func (r *Recorder) RecordValidationError(ctx context.Context, p ValidationErrorParams) (err error) {
	reasonJSON, err := marshalJSON(p.Reason, "validation reason")
	if err != nil {
		return err
	}

	var repr, reprHash string
	if p.RowData != nil {
		if data, merr := canonical.MarshalCanonical(p.RowData); merr == nil {
			repr = string(data)
			reprHash = canonical.HashBytes(data)
		} else {
			info := canonical.Repr(p.RowData)
			repr = info.Repr
			reprHash = info.Hash
		}
	}

	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO validation_errors (error_id, run_id, node_id, row_id, token_id,
			error_json, row_data_repr, repr_hash, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		contract.NewID("verr"), p.RunID, nullable(p.NodeID), nullable(p.RowID),
		nullable(p.TokenID), reasonJSON, nullable(repr), nullable(reprHash),
		formatTime(r.now()),
	)
	if err != nil {
		return fmt.Errorf("failed to record validation error: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecordTransformError persists a structured transform failure tied to its
// node state.
func (r *Recorder) RecordTransformError(ctx context.Context, runID, stateID, tokenID string, reason contract.TransformErrorReason) (err error) {
	reasonJSON, err := marshalJSON(reason, "transform reason")
	if err != nil {
		return err
	}

	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transform_errors (error_id, run_id, state_id, token_id, reason_json, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		contract.NewID("terr"), runID, stateID, tokenID, reasonJSON, formatTime(r.now()),
	)
	if err != nil {
		return fmt.Errorf("failed to record transform error for state %s: %w", stateID, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecordSecretResolution notes that a secret was resolved for a node. Only
// the name, source, and a short fingerprint are stored; the value never
// touches the database.
func (r *Recorder) RecordSecretResolution(ctx context.Context, runID, nodeID, secretName, source, fingerprint string) (err error) {
	tx, err := r.db.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO secret_resolutions (resolution_id, run_id, node_id, secret_name,
			source, fingerprint, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		contract.NewID("sec"), runID, nullable(nodeID), secretName, source,
		fingerprint, formatTime(r.now()),
	)
	if err != nil {
		return fmt.Errorf("failed to record secret resolution %s: %w", secretName, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

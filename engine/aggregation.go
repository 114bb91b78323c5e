package engine

import (
	"context"
	"fmt"

	"github.com/elspeth-run/elspeth/canonical"
	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/dag"
	"github.com/elspeth-run/elspeth/landscape"
	"github.com/elspeth-run/elspeth/telemetry"
)

// AggregationSettings configures one aggregation node: what releases the
// buffer and what the flush produces.
//
// PASSTHROUGH mode enriches: the batch transform must return exactly one
// output row per buffered token, position-aligned, and the buffered tokens
// continue downstream with their enriched rows. TRANSFORM mode reshapes:
// the outputs become new tokens sharing an expand group, every buffered
// token settles EXPANDED, and the new tokens continue in their place.
type AggregationSettings struct {
	OutputMode contract.OutputMode
	Trigger    TriggerConfig

	// ExpectedOutputCount, when positive, pins the number of rows a
	// TRANSFORM flush must produce. A mismatch fails the batch.
	ExpectedOutputCount int
}

// Validate rejects settings no flush could honor.
func (s AggregationSettings) Validate() error {
	switch s.OutputMode {
	case contract.OutputPassthrough, contract.OutputTransform:
	default:
		return fmt.Errorf("unknown aggregation output mode %q", s.OutputMode)
	}
	if s.ExpectedOutputCount < 0 {
		return fmt.Errorf("expected_output_count must be positive, got %d", s.ExpectedOutputCount)
	}
	if s.ExpectedOutputCount > 0 && s.OutputMode != contract.OutputTransform {
		return fmt.Errorf("expected_output_count only applies to transform mode")
	}
	return nil
}

// aggregationState is the runtime of one aggregation node: the open batch
// and the work items held in it. Owned by the coordinator; no locking.
type aggregationState struct {
	node     *dag.Node
	settings AggregationSettings
	trigger  *TriggerEvaluator

	batchID string
	items   []workItem
}

// aggregationArrive buffers one token into the node's open batch, records
// the BUFFERED outcome, and flushes if a trigger fires. BUFFERED is the one
// non-terminal outcome; the flush rewrites it.
func (p *Processor) aggregationArrive(ctx context.Context, item workItem, node *dag.Node) error {
	agg := p.aggs[node.ID]
	if agg == nil {
		return &contract.OrchestrationInvariantError{
			Message: fmt.Sprintf("aggregation node %s has no runtime settings", node.ID),
		}
	}
	t := item.token

	if agg.batchID == "" {
		agg.batchID = contract.NewID(contract.PrefixBatch)
		if err := p.rec.CreateBatch(ctx, agg.batchID, p.runID, node.ID, 0); err != nil {
			return err
		}
	}
	ordinal := len(agg.items)
	if err := p.rec.AddBatchMembers(ctx, agg.batchID, []landscape.BatchMember{
		{TokenID: t.ID, Ordinal: ordinal},
	}); err != nil {
		return err
	}
	if err := p.rec.RecordOutcome(ctx, landscape.OutcomeParams{
		TokenID: t.ID,
		RunID:   p.runID,
		Outcome: contract.OutcomeBuffered,
		Detail:  map[string]any{"batch_id": agg.batchID, "ordinal": ordinal},
	}); err != nil {
		return err
	}
	agg.items = append(agg.items, item)
	agg.trigger.RowAdded()

	trigger, fired, err := agg.trigger.Evaluate(t.Row.Data())
	if err != nil {
		return &contract.PipelineError{
			Message: fmt.Sprintf("flush trigger evaluation failed: %v", err),
			Code:    "trigger_evaluation_failed",
			NodeID:  node.ID,
			Cause:   err,
		}
	}
	if fired {
		return p.flushAggregation(ctx, agg, trigger)
	}
	return nil
}

// CheckAggregationTimeouts flushes any batch whose age crossed its timeout
// trigger. The orchestrator calls this before admitting each new source
// row, so a timed-out batch never absorbs the row that arrived after the
// deadline.
func (p *Processor) CheckAggregationTimeouts(ctx context.Context) error {
	for _, agg := range p.aggs {
		if agg.batchID == "" || agg.settings.Trigger.Timeout <= 0 {
			continue
		}
		if agg.trigger.Age() < agg.settings.Trigger.Timeout {
			continue
		}
		if err := p.flushAggregation(ctx, agg, contract.TriggerTimeout); err != nil {
			return err
		}
	}
	return p.drain(ctx)
}

// FlushAggregations releases every non-empty buffer once the source is
// exhausted.
func (p *Processor) FlushAggregations(ctx context.Context) error {
	for _, agg := range p.aggs {
		if agg.batchID == "" {
			continue
		}
		if err := p.flushAggregation(ctx, agg, contract.TriggerEndOfSource); err != nil {
			return err
		}
	}
	return p.drain(ctx)
}

// flushAggregation executes the buffered batch through the node's
// batch-aware transform. One representative node state stands for the whole
// execution; per-token lineage lives in batch_members and batch outputs.
func (p *Processor) flushAggregation(ctx context.Context, agg *aggregationState, trigger contract.TriggerType) error {
	items := agg.items
	batchID := agg.batchID
	agg.items = nil
	agg.batchID = ""
	agg.trigger.Reset()
	if len(items) == 0 {
		return nil
	}

	if err := p.rec.MarkBatchExecuting(ctx, batchID, trigger); err != nil {
		return err
	}
	p.emit(telemetry.BatchFlushed{
		RunID: p.runID, NodeID: agg.node.ID, BatchID: batchID,
		Size: len(items), Trigger: trigger,
	})

	rows := make([]contract.Row, len(items))
	rowData := make([]map[string]any, len(items))
	for i, it := range items {
		rows[i] = it.token.Row
		rowData[i] = it.token.Row.Data()
	}
	rep := items[0].token
	stateID := contract.NewID(contract.PrefixState)
	step := p.nextStep(rep)
	inputHash, err := canonical.StableHash(rowData)
	if err != nil {
		return fmt.Errorf("hashing batch %s input: %w", batchID, err)
	}
	if err := p.rec.BeginNodeState(ctx, landscape.StateParams{
		StateID:       stateID,
		RunID:         p.runID,
		TokenID:       rep.ID,
		NodeID:        agg.node.ID,
		StepIndex:     step,
		Attempt:       0,
		InputHash:     inputHash,
		ContextBefore: map[string]any{"batch_id": batchID, "batch_count": len(items), "trigger": string(trigger)},
	}); err != nil {
		return err
	}
	p.emit(telemetry.NodeStateOpened{
		RunID: p.runID, NodeID: agg.node.ID, TokenID: rep.ID, StateID: stateID, Step: step,
	})

	waiter, err := p.port.Register(rep.ID, stateID)
	if err != nil {
		return err
	}
	batcher := p.bindings[agg.node.ID].Batch
	pctx := p.pluginContext(agg.node.ID, rep, stateID)
	start := p.clock.Now()
	p.dispatch(ctx, rep.ID, stateID, agg.node.Plugin, func(callCtx context.Context) (contract.TransformResult, error) {
		return batcher.ProcessBatch(callCtx, pctx, rows)
	})
	res, err := waiter.Await(ctx, p.callTimeout)
	duration := p.clock.Now().Sub(start)
	p.drainCalls()

	if err != nil {
		if interrupted(err) {
			// The state stays open as recovery evidence and the buffer is
			// reinstated so Abort settles its tokens.
			agg.items = items
			agg.batchID = batchID
			return err
		}
		execErr := executionError(err, "process_batch")
		return p.failFlush(ctx, agg, batchID, items, stateID, duration.Milliseconds(), execErr, nil)
	}
	if !res.OK() {
		reason := res.FailureReason()
		execErr := &contract.ExecutionError{
			Exception: reason.Reason,
			Type:      "BatchTransformError",
			Phase:     "process_batch",
		}
		return p.failFlush(ctx, agg, batchID, items, stateID, duration.Milliseconds(), execErr, reason)
	}

	out := res.Rows()
	if agg.settings.OutputMode == contract.OutputPassthrough && len(out) != len(items) {
		execErr := &contract.ExecutionError{
			Exception: fmt.Sprintf("passthrough flush returned %d rows for %d buffered tokens", len(out), len(items)),
			Type:      "PluginViolation",
			Phase:     "process_batch",
		}
		return p.failFlush(ctx, agg, batchID, items, stateID, duration.Milliseconds(), execErr, nil)
	}
	if want := agg.settings.ExpectedOutputCount; want > 0 && len(out) != want {
		execErr := &contract.ExecutionError{
			Exception: fmt.Sprintf("flush produced %d rows, expected %d", len(out), want),
			Type:      "PluginViolation",
			Phase:     "process_batch",
		}
		return p.failFlush(ctx, agg, batchID, items, stateID, duration.Milliseconds(), execErr, nil)
	}

	outData := make([]map[string]any, len(out))
	for i, r := range out {
		outData[i] = r.Data()
	}
	outputHash, err := canonical.StableHash(outData)
	if err != nil {
		return fmt.Errorf("hashing batch %s output: %w", batchID, err)
	}
	if err := p.rec.CompleteNodeState(ctx, landscape.CompleteStateParams{
		StateID:       stateID,
		OutputHash:    outputHash,
		DurationMS:    duration.Milliseconds(),
		SuccessReason: res.SuccessReason(),
		ContextAfter:  map[string]any{"batch_id": batchID, "rows_out": len(out)},
	}); err != nil {
		return err
	}
	p.emit(telemetry.NodeStateCompleted{
		RunID: p.runID, NodeID: agg.node.ID, TokenID: rep.ID,
		StateID: stateID, Step: step, Duration: duration,
	})
	if err := p.rec.CompleteBatch(ctx, batchID, contract.BatchCompleted); err != nil {
		return err
	}

	next, ok := p.graph.ContinueEdge(agg.node.ID)
	if !ok {
		return &contract.OrchestrationInvariantError{
			Message: fmt.Sprintf("aggregation node %s has no continue edge", agg.node.ID),
		}
	}

	if agg.settings.OutputMode == contract.OutputPassthrough {
		// Buffered tokens continue as themselves, enriched in place.
		for i := range items {
			item := items[i]
			item.token.Row = out[i]
			item.nodeID = next.To
			p.enqueue(item)
		}
		return nil
	}

	// TRANSFORM mode: outputs become new tokens, inputs settle EXPANDED.
	if len(out) == 0 {
		// The batch consumed every row without producing children; the
		// success reason's metadata says why (filtered, quarantined).
		for i := range items {
			item := items[i]
			if err := p.settleToken(ctx, &item, contract.OutcomeExpanded, "", map[string]any{
				"batch_id": batchID,
				"children": 0,
			}); err != nil {
				return err
			}
		}
		return nil
	}
	parents := make([]*Token, len(items))
	for i, it := range items {
		parents[i] = it.token
	}
	children, err := p.tokens.ExpandBatch(ctx, parents, out, next.To)
	if err != nil {
		return err
	}
	outputs := make([]landscape.BatchMember, len(children))
	for i, child := range children {
		outputs[i] = landscape.BatchMember{TokenID: child.ID, Ordinal: i}
	}
	if err := p.rec.RecordBatchOutputs(ctx, batchID, outputs); err != nil {
		return err
	}
	for i := range items {
		item := items[i]
		item.settled = true // ExpandBatch already recorded EXPANDED
		if err := p.settleToken(ctx, &item, contract.OutcomeExpanded, "", map[string]any{
			"batch_id": batchID,
		}); err != nil {
			return err
		}
	}
	for _, child := range children {
		p.enqueue(workItem{token: child, nodeID: next.To, delivery: contract.OutcomeCompleted})
	}
	return nil
}

// failFlush closes a failed batch execution: the representative state and
// the batch fail, and every buffered token settles FAILED. The run
// continues; the damage is scoped to the batch.
func (p *Processor) failFlush(ctx context.Context, agg *aggregationState, batchID string, items []workItem, stateID string, durationMS int64, execErr *contract.ExecutionError, reason *contract.TransformErrorReason) error {
	if err := p.rec.FailNodeState(ctx, landscape.FailStateParams{
		StateID:      stateID,
		DurationMS:   durationMS,
		Failure:      execErr,
		ContextAfter: map[string]any{"batch_id": batchID},
	}); err != nil {
		return err
	}
	p.emit(telemetry.NodeStateFailed{
		RunID: p.runID, NodeID: agg.node.ID, TokenID: items[0].token.ID,
		StateID: stateID, Reason: execErr.Exception,
	})
	if reason != nil {
		if err := p.rec.RecordTransformError(ctx, p.runID, stateID, items[0].token.ID, *reason); err != nil {
			return err
		}
	}
	if err := p.rec.CompleteBatch(ctx, batchID, contract.BatchFailed); err != nil {
		return err
	}
	detail := map[string]any{
		"batch_id":   batchID,
		"error_hash": errorHash(execErr.Exception),
	}
	for i := range items {
		item := items[i]
		if err := p.settleToken(ctx, &item, contract.OutcomeFailed, "", detail); err != nil {
			return err
		}
	}
	return nil
}

// Package engine executes a validated pipeline graph and records every
// consequence in the audit store. A single coordinator goroutine owns all
// run, token, and state transitions; plugin calls run on a bounded worker
// pool and report back through per-attempt waiters. Audit rows for a node
// are durable before the downstream node starts for the same token.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/elspeth-run/elspeth/canonical"
	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/dag"
	"github.com/elspeth-run/elspeth/expr"
	"github.com/elspeth-run/elspeth/landscape"
	"github.com/elspeth-run/elspeth/plugin"
	"github.com/elspeth-run/elspeth/telemetry"
)

// maxDrainIterations bounds one work-queue drain. A healthy graph settles a
// row in a handful of items; hitting the bound means forks or expansions
// are feeding themselves.
const maxDrainIterations = 100000

// ConfigGate routes on a compiled settings expression instead of plugin
// code. The verdict maps to the gate's "true" and "false" edge labels.
type ConfigGate struct {
	Condition *expr.Expr
}

// NodeBinding couples one graph node to its runnable instance. Exactly one
// plugin field matching the node's type must be set; aggregation and
// coalesce nodes additionally carry their settings.
type NodeBinding struct {
	Source     plugin.Source
	Transform  plugin.Transform
	Batch      plugin.BatchTransform
	Gate       plugin.Gate
	ConfigGate *ConfigGate
	Sink       plugin.Sink

	Info        plugin.Info
	Aggregation *AggregationSettings
	Coalesce    *CoalesceSettings
}

// ProcessorConfig carries everything a Processor needs. Graph, Recorder,
// Tokens, and Bindings are mandatory; the rest defaults sensibly.
type ProcessorConfig struct {
	Graph    *dag.Graph
	Recorder *landscape.Recorder
	Tokens   *TokenManager
	Bindings map[string]*NodeBinding

	// Calls routes plugin external calls per the run mode. Nil leaves
	// plugins without a caller, which only pure transforms tolerate.
	Calls    CallRouter
	Secrets  plugin.SecretResolver
	Payloads *landscape.PayloadStore

	// CallLog carries call telemetry from worker goroutines back to the
	// coordinator. Wire the same log into the call recorder.
	CallLog *CallLog

	// Retrier re-attempts retryable transform failures. Nil disables
	// retries; every failure is final on the first attempt.
	Retrier   *Retrier
	Retryable func(error) bool

	Clock     Clock
	Telemetry *telemetry.Manager
	Log       *slog.Logger

	// MaxWorkers bounds concurrently executing plugin calls. Stale
	// attempts that outlived their timeout still occupy a slot until
	// they return.
	MaxWorkers int

	// CallTimeout bounds one plugin call. Zero means no deadline.
	CallTimeout time.Duration

	// OnDelivered fires after a token's sink write is durable. Used for
	// checkpointing; errors are logged, never raised, because the write
	// it would describe already happened.
	OnDelivered func(ctx context.Context, t *Token, sinkNode string) error
}

// Processor walks tokens through the graph one work item at a time. It is
// the run's single coordinator goroutine: the only one that touches run
// state, the audit store, or token dispositions; workers only execute
// plugin calls and report back. Not safe for concurrent use.
type Processor struct {
	graph    *dag.Graph
	rec      *landscape.Recorder
	tokens   *TokenManager
	bindings map[string]*NodeBinding

	calls    CallRouter
	callLog  *CallLog
	secrets  plugin.SecretResolver
	payloads *landscape.PayloadStore

	retrier     *Retrier
	isRetryable func(error) bool
	clock       Clock
	tel         *telemetry.Manager
	log         *slog.Logger

	port        *ResultPort
	sem         chan struct{}
	callTimeout time.Duration
	onDelivered func(ctx context.Context, t *Token, sinkNode string) error

	runID     string
	nodeCount int

	queue    []workItem
	steps    map[string]int
	results  []contract.RowResult
	telErr   error
	rows     int
	lastRoot string

	aggs           map[string]*aggregationState
	coals          map[string]*coalescePoint
	branchCoalesce map[string]string
}

// workItem is one token positioned at one node, plus the outcome it will
// earn if it reaches the end of its path.
type workItem struct {
	token  *Token
	nodeID string

	// delivery is the outcome recorded when the token lands in a sink:
	// COMPLETED for the nominal path, ROUTED when a gate named the sink,
	// QUARANTINED when a DIVERT edge carried it there.
	delivery contract.TokenOutcome
	detail   map[string]any

	// root marks tokens created directly from a source row; their
	// settlement is the row's disposition.
	root bool

	// settled marks tokens whose outcome row already exists (quarantine
	// at intake, fork parents, coalesce parents). Settlement then only
	// does accounting.
	settled bool
}

// NewProcessor validates the bindings against the graph and builds the
// per-run runtime.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Graph == nil || cfg.Recorder == nil || cfg.Tokens == nil {
		return nil, fmt.Errorf("processor requires a graph, a recorder, and a token manager")
	}
	if cfg.Bindings == nil {
		return nil, fmt.Errorf("processor requires node bindings")
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Retryable == nil {
		cfg.Retryable = DefaultRetryable
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}

	p := &Processor{
		graph:          cfg.Graph,
		rec:            cfg.Recorder,
		tokens:         cfg.Tokens,
		bindings:       cfg.Bindings,
		calls:          cfg.Calls,
		callLog:        cfg.CallLog,
		secrets:        cfg.Secrets,
		payloads:       cfg.Payloads,
		retrier:        cfg.Retrier,
		isRetryable:    cfg.Retryable,
		clock:          cfg.Clock,
		tel:            cfg.Telemetry,
		log:            cfg.Log,
		port:           NewResultPort(cfg.Log),
		sem:            make(chan struct{}, cfg.MaxWorkers),
		callTimeout:    cfg.CallTimeout,
		onDelivered:    cfg.OnDelivered,
		runID:          cfg.Graph.RunID(),
		steps:          make(map[string]int),
		aggs:           make(map[string]*aggregationState),
		coals:          make(map[string]*coalescePoint),
		branchCoalesce: make(map[string]string),
	}

	nodes := cfg.Graph.Nodes()
	p.nodeCount = len(nodes)
	for _, node := range nodes {
		b := cfg.Bindings[node.ID]
		if node.Type != contract.NodeSource && b == nil {
			return nil, fmt.Errorf("node %s (%s) has no binding", node.ID, node.Name)
		}
		switch node.Type {
		case contract.NodeSource:
		case contract.NodeTransform:
			if b.Transform == nil {
				return nil, fmt.Errorf("transform node %s has no transform plugin bound", node.ID)
			}
		case contract.NodeGate:
			if (b.Gate == nil) == (b.ConfigGate == nil) {
				return nil, fmt.Errorf("gate node %s needs exactly one of a gate plugin or a condition", node.ID)
			}
		case contract.NodeAggregation:
			if b.Batch == nil || b.Aggregation == nil {
				return nil, fmt.Errorf("aggregation node %s needs a batch-aware transform and settings", node.ID)
			}
			if err := b.Aggregation.Validate(); err != nil {
				return nil, err
			}
			ev, err := NewTriggerEvaluator(b.Aggregation.Trigger, cfg.Clock)
			if err != nil {
				return nil, fmt.Errorf("aggregation node %s: %w", node.ID, err)
			}
			p.aggs[node.ID] = &aggregationState{node: node, settings: *b.Aggregation, trigger: ev}
		case contract.NodeCoalesce:
			if b.Coalesce == nil {
				return nil, fmt.Errorf("coalesce node %s has no settings bound", node.ID)
			}
			if err := b.Coalesce.Validate(); err != nil {
				return nil, err
			}
			p.coals[node.ID] = newCoalescePoint(node, *b.Coalesce)
			for _, branch := range b.Coalesce.Branches {
				if prior, dup := p.branchCoalesce[branch]; dup {
					return nil, fmt.Errorf("branch %q feeds both coalesce nodes %s and %s", branch, prior, node.ID)
				}
				p.branchCoalesce[branch] = node.ID
			}
		case contract.NodeSink:
			if b.Sink == nil {
				return nil, fmt.Errorf("sink node %s has no sink plugin bound", node.ID)
			}
		}
	}
	return p, nil
}

// IntakeRow admits one source record: creates its row and token, records
// the source node state, and walks the token to quiescence. Invalid records
// quarantine at the door and, when the source has a DIVERT edge, still
// travel to the quarantine sink.
func (p *Processor) IntakeRow(ctx context.Context, rowIndex int, sr contract.SourceRow) error {
	if err := p.checkCancel(ctx); err != nil {
		return err
	}
	p.rows++
	src := p.graph.Source()
	if src == nil {
		return &contract.OrchestrationInvariantError{Message: "graph has no source node"}
	}

	if sr.Valid() {
		t, err := p.tokens.CreateInitialToken(ctx, p.runID, src.ID, rowIndex, sr.Row())
		if err != nil {
			return err
		}
		if _, err := p.recordSourceState(ctx, t, src, nil); err != nil {
			return err
		}
		next, ok := p.graph.ContinueEdge(src.ID)
		if !ok {
			return &contract.OrchestrationInvariantError{
				Message: fmt.Sprintf("source node %s has no continue edge", src.ID),
			}
		}
		p.enqueue(workItem{token: t, nodeID: next.To, delivery: contract.OutcomeCompleted, root: true})
		return p.drain(ctx)
	}

	// Quarantine path. The token settles at creation; a DIVERT edge only
	// adds delivery, never a second outcome.
	t, err := p.tokens.CreateQuarantineToken(ctx, p.runID, src.ID, rowIndex, sr.Raw(), sr.Violations())
	if err != nil {
		return err
	}
	stateID, err := p.recordSourceState(ctx, t, src, sr.Violations())
	if err != nil {
		return err
	}
	item := workItem{
		token:    t,
		delivery: contract.OutcomeQuarantined,
		detail:   map[string]any{"violations": len(sr.Violations())},
		root:     true,
		settled:  true,
	}
	divert, ok := p.graph.DivertEdge(src.ID)
	if !ok {
		return p.settleToken(ctx, &item, contract.OutcomeQuarantined, "", item.detail)
	}
	if err := p.rec.RecordRoutingEvents(ctx, []landscape.RoutingEventParams{{
		StateID:        stateID,
		EdgeID:         divert.ID,
		RoutingGroupID: contract.NewID(contract.PrefixRouteGroup),
		Ordinal:        0,
		Mode:           contract.ModeDivert,
		Reason:         sr.QuarantineReason(),
	}}); err != nil {
		return err
	}
	p.emit(telemetry.RoutingDecision{
		RunID: p.runID, NodeID: src.ID, TokenID: t.ID,
		Label: divert.Label, Mode: contract.ModeDivert, Destination: divert.To,
	})
	item.nodeID = divert.To
	p.enqueue(item)
	return p.drain(ctx)
}

// ReadmitRow re-enters a recovered source row under a fresh token. Resume
// uses it for rows the interrupted run admitted but never finished; the
// crashed token keeps its partial history alongside the new journey.
func (p *Processor) ReadmitRow(ctx context.Context, rowID string, rowIndex int, row contract.Row) error {
	if err := p.checkCancel(ctx); err != nil {
		return err
	}
	p.rows++
	src := p.graph.Source()
	if src == nil {
		return &contract.OrchestrationInvariantError{Message: "graph has no source node"}
	}
	t, err := p.tokens.CreateTokenForExistingRow(ctx, p.runID, rowID, rowIndex, row)
	if err != nil {
		return err
	}
	if _, err := p.recordSourceState(ctx, t, src, nil); err != nil {
		return err
	}
	next, ok := p.graph.ContinueEdge(src.ID)
	if !ok {
		return &contract.OrchestrationInvariantError{
			Message: fmt.Sprintf("source node %s has no continue edge", src.ID),
		}
	}
	p.enqueue(workItem{token: t, nodeID: next.To, delivery: contract.OutcomeCompleted, root: true})
	return p.drain(ctx)
}

// recordSourceState anchors the token's journey with a step-0 state at the
// source node: COMPLETED for validated rows, FAILED with the violations for
// quarantined ones.
func (p *Processor) recordSourceState(ctx context.Context, t *Token, src *dag.Node, violations []contract.Violation) (string, error) {
	stateID := contract.NewID(contract.PrefixState)
	step := p.nextStep(t)
	inputHash, err := canonical.StableHash(t.Row.Data())
	if err != nil {
		return "", fmt.Errorf("hashing source row %d: %w", t.RowIndex, err)
	}
	if err := p.rec.BeginNodeState(ctx, landscape.StateParams{
		StateID:       stateID,
		RunID:         p.runID,
		TokenID:       t.ID,
		NodeID:        src.ID,
		StepIndex:     step,
		Attempt:       0,
		InputHash:     inputHash,
		ContextBefore: map[string]any{"row_index": t.RowIndex},
	}); err != nil {
		return "", err
	}
	p.emit(telemetry.NodeStateOpened{
		RunID: p.runID, NodeID: src.ID, TokenID: t.ID, StateID: stateID, Step: step,
	})

	if len(violations) == 0 {
		if err := p.completeState(ctx, landscape.CompleteStateParams{
			StateID:       stateID,
			OutputHash:    inputHash,
			SuccessReason: &contract.SuccessReason{Action: "ingest"},
		}); err != nil {
			return "", err
		}
		p.emit(telemetry.NodeStateCompleted{
			RunID: p.runID, NodeID: src.ID, TokenID: t.ID, StateID: stateID, Step: step,
		})
		return stateID, nil
	}

	reason := contract.ViolationsToReason(violations)
	if err := p.failState(ctx, landscape.FailStateParams{
		StateID: stateID,
		Failure: &contract.ExecutionError{
			Exception: fmt.Sprintf("%d validation violation(s)", len(violations)),
			Type:      "ValidationError",
			Phase:     "source_validation",
		},
		ContextAfter: reason,
	}); err != nil {
		return "", err
	}
	p.emit(telemetry.NodeStateFailed{
		RunID: p.runID, NodeID: src.ID, TokenID: t.ID, StateID: stateID,
		Step: step, Reason: reason.Reason,
	})
	return stateID, nil
}

func (p *Processor) enqueue(item workItem) {
	p.queue = append(p.queue, item)
}

// drain walks queued tokens until the queue is empty. Forks, expansions,
// merges, and flushes enqueue; drain converges or reports the graph that
// would not.
func (p *Processor) drain(ctx context.Context) error {
	for iter := 0; len(p.queue) > 0; iter++ {
		if iter >= maxDrainIterations {
			return &contract.OrchestrationInvariantError{
				Message: fmt.Sprintf("work queue did not converge after %d items", iter),
			}
		}
		if err := p.checkCancel(ctx); err != nil {
			return err
		}
		item := p.queue[0]
		p.queue = p.queue[1:]
		if err := p.walk(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// walk advances one token from its current node until it parks: delivered
// to a sink, buffered in a batch, held at a coalesce, settled by failure,
// or replaced by children.
func (p *Processor) walk(ctx context.Context, item workItem) error {
	for visits := 0; ; visits++ {
		if visits > p.nodeCount {
			return &contract.OrchestrationInvariantError{
				Message: fmt.Sprintf("token %s revisited nodes; graph walk does not terminate", item.token.ID),
			}
		}
		if err := p.checkCancel(ctx); err != nil {
			return err
		}
		node, err := p.graph.NodeInfo(item.nodeID)
		if err != nil {
			return err
		}
		switch node.Type {
		case contract.NodeSink:
			return p.deliver(ctx, &item, node)
		case contract.NodeAggregation:
			return p.aggregationArrive(ctx, item, node)
		case contract.NodeCoalesce:
			return p.coalesceArrive(ctx, item, node)
		case contract.NodeTransform:
			next, err := p.visitTransform(ctx, &item, node)
			if err != nil || next == "" {
				return err
			}
			item.nodeID = next
		case contract.NodeGate:
			next, err := p.visitGate(ctx, &item, node)
			if err != nil || next == "" {
				return err
			}
			item.nodeID = next
		default:
			return &contract.OrchestrationInvariantError{
				Message: fmt.Sprintf("token %s arrived at %s node %s mid-walk", item.token.ID, node.Type, node.ID),
			}
		}
	}
}

// transformRetryError adapts a retryable failure result to the retry
// predicate, which speaks errors.
type transformRetryError struct {
	reason *contract.TransformErrorReason
}

func (e *transformRetryError) Error() string {
	return fmt.Sprintf("retryable transform failure: %s", e.reason.Reason)
}

// Timeout marks the error retryable under DefaultRetryable.
func (e *transformRetryError) Timeout() bool { return true }

// pluginCallError marks an error as originating in the plugin call itself:
// a panic, a timeout, a transport failure. These fail the row. Errors
// without this mark came from the engine or the audit store and abort the
// run; a row must never be blamed for a broken trail.
type pluginCallError struct {
	err error
}

func (e *pluginCallError) Error() string { return e.err.Error() }

func (e *pluginCallError) Unwrap() error { return e.err }

// visitTransform runs the node's transform with the retry policy. It
// returns the next node id to walk, or "" when the token stopped here:
// settled FAILED, diverted to quarantine, or expanded into children.
func (p *Processor) visitTransform(ctx context.Context, item *workItem, node *dag.Node) (string, error) {
	t := item.token
	b := p.bindings[node.ID]
	step := p.nextStep(t)

	var res contract.TransformResult
	var lastStateID string
	attempt := -1
	op := func(ctx context.Context) error {
		attempt++
		stateID, r, err := p.transformAttempt(ctx, t, node, b, step, attempt)
		lastStateID = stateID
		if err != nil {
			return err
		}
		if !r.OK() && r.Retryable() {
			return &transformRetryError{reason: r.FailureReason()}
		}
		res = r
		return nil
	}

	var err error
	if p.retrier != nil {
		err = p.retrier.Do(ctx, op, p.isRetryable, func(attemptIdx int, cause error) {
			p.emit(telemetry.RetryScheduled{
				RunID: p.runID, NodeID: node.ID, TokenID: t.ID,
				Attempt: attemptIdx, Delay: p.retrier.Config().Delay(attemptIdx + 1),
				Reason: cause.Error(),
			})
		})
	} else {
		err = op(ctx)
	}
	if err != nil {
		if interrupted(err) {
			return "", err
		}
		var call *pluginCallError
		var retry *transformRetryError
		if errors.As(err, &call) || errors.As(err, &retry) {
			return "", p.settleTransformFailure(ctx, item, node, lastStateID, err, attempt+1)
		}
		// Engine or audit store failure: abort instead of failing the row.
		return "", err
	}
	if !res.OK() {
		return "", p.settleTransformFailure(ctx, item, node, lastStateID,
			&transformRetryError{reason: res.FailureReason()}, attempt+1)
	}

	next, ok := p.graph.ContinueEdge(node.ID)
	if !ok {
		return "", &contract.OrchestrationInvariantError{
			Message: fmt.Sprintf("transform node %s has no continue edge", node.ID),
		}
	}
	if !res.Multi() {
		row, err := res.Row()
		if err != nil {
			return "", err
		}
		item.token.Row = row
		return next.To, nil
	}

	// One-to-many expansion: the parent settles EXPANDED and children
	// walk on from here.
	children, err := p.tokens.ExpandToken(ctx, t, res.Rows(), next.To)
	if err != nil {
		return "", err
	}
	item.settled = true
	if err := p.settleToken(ctx, item, contract.OutcomeExpanded, "", map[string]any{
		"children": len(children),
	}); err != nil {
		return "", err
	}
	for _, child := range children {
		p.enqueue(workItem{token: child, nodeID: next.To, delivery: contract.OutcomeCompleted})
	}
	return "", nil
}

// transformAttempt is one attempt of one transform on one token: a fresh
// state id, a worker dispatch, and a durable verdict. Plugin exceptions and
// timeouts return as errors for the retry policy; failure results return as
// results and are not retried here.
func (p *Processor) transformAttempt(ctx context.Context, t *Token, node *dag.Node, b *NodeBinding, step, attempt int) (string, contract.TransformResult, error) {
	stateID := contract.NewID(contract.PrefixState)
	inputHash, err := canonical.StableHash(t.Row.Data())
	if err != nil {
		return stateID, contract.TransformResult{}, fmt.Errorf("hashing input of token %s: %w", t.ID, err)
	}
	if err := p.rec.BeginNodeState(ctx, landscape.StateParams{
		StateID:       stateID,
		RunID:         p.runID,
		TokenID:       t.ID,
		NodeID:        node.ID,
		StepIndex:     step,
		Attempt:       attempt,
		InputHash:     inputHash,
		ContextBefore: t.Row.Data(),
	}); err != nil {
		return stateID, contract.TransformResult{}, err
	}
	p.emit(telemetry.NodeStateOpened{
		RunID: p.runID, NodeID: node.ID, TokenID: t.ID, StateID: stateID, Step: step,
	})

	waiter, err := p.port.Register(t.ID, stateID)
	if err != nil {
		return stateID, contract.TransformResult{}, err
	}
	pctx := p.pluginContext(node.ID, t, stateID)
	row := t.Row
	start := p.clock.Now()
	p.dispatch(ctx, t.ID, stateID, node.Plugin, func(callCtx context.Context) (contract.TransformResult, error) {
		return b.Transform.Process(callCtx, pctx, row)
	})
	res, err := waiter.Await(ctx, p.callTimeout)
	duration := p.clock.Now().Sub(start)
	p.drainCalls()

	if err != nil {
		if interrupted(err) {
			return stateID, contract.TransformResult{}, err
		}
		if ferr := p.failState(ctx, landscape.FailStateParams{
			StateID:    stateID,
			DurationMS: duration.Milliseconds(),
			Failure:    executionError(err, "process"),
		}); ferr != nil {
			return stateID, contract.TransformResult{}, ferr
		}
		p.emit(telemetry.NodeStateFailed{
			RunID: p.runID, NodeID: node.ID, TokenID: t.ID, StateID: stateID,
			Step: step, Reason: err.Error(), Retryable: p.isRetryable(err),
		})
		return stateID, contract.TransformResult{}, &pluginCallError{err: err}
	}

	if !res.OK() {
		reason := res.FailureReason()
		if ferr := p.failState(ctx, landscape.FailStateParams{
			StateID:    stateID,
			DurationMS: duration.Milliseconds(),
			Failure: &contract.ExecutionError{
				Exception: reason.Reason,
				Type:      "TransformError",
				Phase:     "process",
			},
			ContextAfter: reason,
		}); ferr != nil {
			return stateID, contract.TransformResult{}, ferr
		}
		if err := p.rec.RecordTransformError(ctx, p.runID, stateID, t.ID, *reason); err != nil {
			return stateID, contract.TransformResult{}, err
		}
		p.emit(telemetry.NodeStateFailed{
			RunID: p.runID, NodeID: node.ID, TokenID: t.ID, StateID: stateID,
			Step: step, Reason: reason.Reason, Retryable: res.Retryable(),
		})
		return stateID, res, nil
	}

	rows := res.Rows()
	for i, r := range rows {
		if r.Contract() == nil {
			verr := &contract.PluginViolationError{
				Plugin:  node.Plugin,
				Message: fmt.Sprintf("output row %d carries no contract", i),
			}
			if ferr := p.failState(ctx, landscape.FailStateParams{
				StateID:    stateID,
				DurationMS: duration.Milliseconds(),
				Failure:    executionError(verr, "process"),
			}); ferr != nil {
				return stateID, contract.TransformResult{}, ferr
			}
			return stateID, contract.TransformResult{}, verr
		}
	}
	outData := make([]map[string]any, len(rows))
	for i, r := range rows {
		outData[i] = r.Data()
	}
	var outputHash string
	if len(outData) == 1 {
		outputHash, err = canonical.StableHash(outData[0])
	} else {
		outputHash, err = canonical.StableHash(outData)
	}
	if err != nil {
		return stateID, contract.TransformResult{}, fmt.Errorf("hashing output of token %s: %w", t.ID, err)
	}
	var contextAfter any
	if len(outData) == 1 {
		contextAfter = outData[0]
	} else {
		contextAfter = map[string]any{"rows_out": len(outData)}
	}
	if err := p.completeState(ctx, landscape.CompleteStateParams{
		StateID:       stateID,
		OutputHash:    outputHash,
		DurationMS:    duration.Milliseconds(),
		SuccessReason: res.SuccessReason(),
		ContextAfter:  contextAfter,
	}); err != nil {
		return stateID, contract.TransformResult{}, err
	}
	p.emit(telemetry.NodeStateCompleted{
		RunID: p.runID, NodeID: node.ID, TokenID: t.ID, StateID: stateID,
		Step: step, Duration: duration,
	})
	return stateID, res, nil
}

// settleTransformFailure disposes of a token whose transform is out of
// attempts: quarantine it down the node's DIVERT edge when one exists,
// otherwise settle FAILED. Either way the run continues.
func (p *Processor) settleTransformFailure(ctx context.Context, item *workItem, node *dag.Node, stateID string, cause error, attempts int) error {
	detail := map[string]any{
		"node_id":    node.ID,
		"attempts":   attempts,
		"error_hash": errorHash(cause.Error()),
	}
	var retryErr *transformRetryError
	if errors.As(cause, &retryErr) {
		detail["reason"] = retryErr.reason.Reason
	}

	divert, ok := p.graph.DivertEdge(node.ID)
	if !ok {
		return p.settleToken(ctx, item, contract.OutcomeFailed, "", detail)
	}
	if err := p.rec.RecordRoutingEvents(ctx, []landscape.RoutingEventParams{{
		StateID:        stateID,
		EdgeID:         divert.ID,
		RoutingGroupID: contract.NewID(contract.PrefixRouteGroup),
		Ordinal:        0,
		Mode:           contract.ModeDivert,
		Reason:         &contract.RoutingReason{QuarantineError: cause.Error()},
	}}); err != nil {
		return err
	}
	p.emit(telemetry.RoutingDecision{
		RunID: p.runID, NodeID: node.ID, TokenID: item.token.ID,
		Label: divert.Label, Mode: contract.ModeDivert, Destination: divert.To,
	})
	item.nodeID = divert.To
	item.delivery = contract.OutcomeQuarantined
	item.detail = detail
	p.enqueue(*item)
	return nil
}

// visitGate evaluates the node's routing decision and records every edge
// traversal before any child is scheduled. Returns the next node to walk
// inline, or "" when the token stopped here or forked.
func (p *Processor) visitGate(ctx context.Context, item *workItem, node *dag.Node) (string, error) {
	t := item.token
	b := p.bindings[node.ID]
	step := p.nextStep(t)
	stateID := contract.NewID(contract.PrefixState)
	inputHash, err := canonical.StableHash(t.Row.Data())
	if err != nil {
		return "", fmt.Errorf("hashing gate input of token %s: %w", t.ID, err)
	}
	if err := p.rec.BeginNodeState(ctx, landscape.StateParams{
		StateID:       stateID,
		RunID:         p.runID,
		TokenID:       t.ID,
		NodeID:        node.ID,
		StepIndex:     step,
		Attempt:       0,
		InputHash:     inputHash,
		ContextBefore: t.Row.Data(),
	}); err != nil {
		return "", err
	}
	p.emit(telemetry.NodeStateOpened{
		RunID: p.runID, NodeID: node.ID, TokenID: t.ID, StateID: stateID, Step: step,
	})

	start := p.clock.Now()
	var action contract.RoutingAction
	var reason *contract.RoutingReason
	if b.ConfigGate != nil {
		verdict, everr := b.ConfigGate.Condition.Eval(t.Row)
		if everr != nil {
			return "", p.failGate(ctx, item, node, stateID, step, start, everr)
		}
		label := "false"
		if verdict {
			label = "true"
		}
		reason = &contract.RoutingReason{Condition: b.ConfigGate.Condition.Source(), Result: label}
		action, everr = contract.RouteTo(label, reason)
		if everr != nil {
			return "", everr
		}
	} else {
		res, gerr := p.runGate(ctx, t, node, b, stateID)
		p.drainCalls()
		if gerr != nil {
			if interrupted(gerr) {
				return "", gerr
			}
			return "", p.failGate(ctx, item, node, stateID, step, start, gerr)
		}
		if !res.Action.Valid() {
			return "", p.failGate(ctx, item, node, stateID, step, start, &contract.PluginViolationError{
				Plugin:  node.Plugin,
				Message: "gate returned an unconstructed routing action",
			})
		}
		action = res.Action
		reason = action.Reason()
		if res.Row.Contract() != nil {
			t.Row = res.Row
		}
	}
	duration := p.clock.Now().Sub(start)

	group := contract.NewID(contract.PrefixRouteGroup)
	var events []landscape.RoutingEventParams
	var dests []dag.Destination
	switch action.Kind() {
	case contract.KindContinue:
		edge, ok := p.graph.ContinueEdge(node.ID)
		if !ok {
			return "", &contract.OrchestrationInvariantError{
				Message: fmt.Sprintf("gate node %s has no continue edge", node.ID),
			}
		}
		dests = []dag.Destination{{Kind: dag.DestContinue, Edge: edge, NodeID: edge.To}}
		events = []landscape.RoutingEventParams{{
			StateID: stateID, EdgeID: edge.ID, RoutingGroupID: group,
			Ordinal: 0, Mode: edge.Mode, Reason: reason,
		}}
	case contract.KindRoute, contract.KindForkToPaths:
		labels := action.Destinations()
		for i, label := range labels {
			dest, rerr := p.graph.Resolve(node.ID, label)
			if rerr != nil {
				return "", rerr
			}
			dests = append(dests, dest)
			events = append(events, landscape.RoutingEventParams{
				StateID: stateID, EdgeID: dest.Edge.ID, RoutingGroupID: group,
				Ordinal: i, Mode: dest.Edge.Mode, Reason: reason,
			})
		}
	}

	// Every traversal lands before any child token exists or any
	// downstream node runs.
	if err := p.rec.RecordRoutingEvents(ctx, events); err != nil {
		return "", err
	}
	outputHash, err := canonical.StableHash(t.Row.Data())
	if err != nil {
		return "", fmt.Errorf("hashing gate output of token %s: %w", t.ID, err)
	}
	if err := p.completeState(ctx, landscape.CompleteStateParams{
		StateID:       stateID,
		OutputHash:    outputHash,
		DurationMS:    duration.Milliseconds(),
		SuccessReason: &contract.SuccessReason{Action: "route", Metadata: map[string]any{"kind": action.String()}},
		ContextAfter:  map[string]any{"destinations": action.Destinations()},
	}); err != nil {
		return "", err
	}
	p.emit(telemetry.NodeStateCompleted{
		RunID: p.runID, NodeID: node.ID, TokenID: t.ID, StateID: stateID,
		Step: step, Duration: duration,
	})
	for i, dest := range dests {
		p.emit(telemetry.RoutingDecision{
			RunID: p.runID, NodeID: node.ID, TokenID: t.ID,
			Label: dest.Edge.Label, Mode: events[i].Mode, Destination: dest.NodeID,
		})
	}

	switch action.Kind() {
	case contract.KindContinue:
		return dests[0].NodeID, nil
	case contract.KindRoute:
		dest := dests[0]
		if dest.Kind == dag.DestSink {
			item.delivery = contract.OutcomeRouted
			if item.detail == nil {
				item.detail = map[string]any{}
			}
			item.detail["label"] = dest.Edge.Label
		}
		return dest.NodeID, nil
	default:
		branches := make([]ForkBranch, len(dests))
		for i, dest := range dests {
			branches[i] = ForkBranch{Branch: dest.Edge.Label, NodeID: dest.NodeID}
		}
		children, ferr := p.tokens.ForkToken(ctx, t, branches)
		if ferr != nil {
			return "", ferr
		}
		item.settled = true
		if err := p.settleToken(ctx, item, contract.OutcomeForked, "", map[string]any{
			"branches": action.Destinations(),
		}); err != nil {
			return "", err
		}
		for i, child := range children {
			p.enqueue(workItem{token: child, nodeID: dests[i].NodeID, delivery: contract.OutcomeCompleted})
		}
		return "", nil
	}
}

// runGate executes a gate plugin on a worker under the call timeout. The
// reply channel is buffered so a late result is dropped, not leaked.
func (p *Processor) runGate(ctx context.Context, t *Token, node *dag.Node, b *NodeBinding, stateID string) (contract.GateResult, error) {
	type gateReply struct {
		res contract.GateResult
		err error
	}
	ch := make(chan gateReply, 1)
	pctx := p.pluginContext(node.ID, t, stateID)
	row := t.Row
	go func() {
		if err := p.acquire(ctx); err != nil {
			ch <- gateReply{err: err}
			return
		}
		defer p.release()
		defer func() {
			if v := recover(); v != nil {
				ch <- gateReply{err: &PluginPanicError{Plugin: node.Plugin, Value: v, Stack: string(debug.Stack())}}
			}
		}()
		res, err := b.Gate.Evaluate(ctx, pctx, row)
		ch <- gateReply{res: res, err: err}
	}()

	if p.callTimeout <= 0 {
		select {
		case r := <-ch:
			return r.res, r.err
		case <-ctx.Done():
			return contract.GateResult{}, ctx.Err()
		}
	}
	timer := time.NewTimer(p.callTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.res, r.err
	case <-ctx.Done():
		return contract.GateResult{}, ctx.Err()
	case <-timer.C:
		return contract.GateResult{}, &ResultTimeoutError{TokenID: t.ID, StateID: stateID, Duration: p.callTimeout}
	}
}

// failGate closes a gate state that could not produce a decision and
// settles the token FAILED. Gates do not retry: a routing decision that
// errs once errs again on the same row.
func (p *Processor) failGate(ctx context.Context, item *workItem, node *dag.Node, stateID string, step int, start time.Time, cause error) error {
	duration := p.clock.Now().Sub(start)
	if err := p.failState(ctx, landscape.FailStateParams{
		StateID:    stateID,
		DurationMS: duration.Milliseconds(),
		Failure:    executionError(cause, "evaluate"),
	}); err != nil {
		return err
	}
	p.emit(telemetry.NodeStateFailed{
		RunID: p.runID, NodeID: node.ID, TokenID: item.token.ID, StateID: stateID,
		Step: step, Reason: cause.Error(),
	})
	return p.settleToken(ctx, item, contract.OutcomeFailed, "", map[string]any{
		"node_id":    node.ID,
		"error_hash": errorHash(cause.Error()),
	})
}

// deliver writes one token's row to a sink and settles the token after the
// write is durable. Write, flush, state, artifact, outcome, in that order:
// nothing claims delivery before the sink confirmed it.
func (p *Processor) deliver(ctx context.Context, item *workItem, node *dag.Node) error {
	t := item.token
	b := p.bindings[node.ID]
	stateID := contract.NewID(contract.PrefixState)
	step := p.nextStep(t)
	inputHash, err := canonical.StableHash(t.Row.Data())
	if err != nil {
		return fmt.Errorf("hashing sink input of token %s: %w", t.ID, err)
	}
	if err := p.rec.BeginNodeState(ctx, landscape.StateParams{
		StateID:       stateID,
		RunID:         p.runID,
		TokenID:       t.ID,
		NodeID:        node.ID,
		StepIndex:     step,
		Attempt:       0,
		InputHash:     inputHash,
		ContextBefore: t.Row.Data(),
	}); err != nil {
		return err
	}
	p.emit(telemetry.NodeStateOpened{
		RunID: p.runID, NodeID: node.ID, TokenID: t.ID, StateID: stateID, Step: step,
	})

	opID, err := p.rec.BeginOperation(ctx, p.runID, node.ID, contract.OpSinkWrite)
	if err != nil {
		return err
	}
	pctx := p.pluginContext(node.ID, t, stateID)
	start := p.clock.Now()
	res, werr := b.Sink.Write(ctx, pctx, []contract.Row{t.Row})
	if werr == nil {
		werr = b.Sink.Flush(ctx)
	}
	duration := p.clock.Now().Sub(start)
	p.drainCalls()

	if werr != nil {
		_ = p.rec.CompleteOperation(ctx, opID, "failed", 0, map[string]any{"error": werr.Error()})
		if ferr := p.failState(ctx, landscape.FailStateParams{
			StateID:    stateID,
			DurationMS: duration.Milliseconds(),
			Failure:    executionError(werr, "sink_write"),
		}); ferr != nil {
			return ferr
		}
		p.emit(telemetry.NodeStateFailed{
			RunID: p.runID, NodeID: node.ID, TokenID: t.ID, StateID: stateID,
			Step: step, Reason: werr.Error(),
		})
		if serr := p.settleToken(ctx, item, contract.OutcomeFailed, "", map[string]any{
			"sink":       node.Name,
			"error_hash": errorHash(werr.Error()),
		}); serr != nil {
			return serr
		}
		// A sink that cannot persist rows poisons every later write.
		return &contract.PipelineError{
			Message: fmt.Sprintf("sink %s write failed: %v", node.Name, werr),
			Code:    "sink_write_failed",
			NodeID:  node.ID,
			Cause:   werr,
		}
	}

	if err := p.rec.CompleteOperation(ctx, opID, "completed", res.RowsWritten, map[string]any{
		"artifact_kind": string(res.Artifact.Kind),
	}); err != nil {
		return err
	}
	if err := p.completeState(ctx, landscape.CompleteStateParams{
		StateID:       stateID,
		OutputHash:    inputHash,
		DurationMS:    duration.Milliseconds(),
		SuccessReason: &contract.SuccessReason{Action: "write", Metadata: map[string]any{"rows_written": res.RowsWritten}},
		ContextAfter:  map[string]any{"content_hash": res.Artifact.ContentHash},
	}); err != nil {
		return err
	}
	p.emit(telemetry.NodeStateCompleted{
		RunID: p.runID, NodeID: node.ID, TokenID: t.ID, StateID: stateID,
		Step: step, Duration: duration,
	})
	if _, err := p.rec.RecordArtifact(ctx, landscape.ArtifactParams{
		RunID:          p.runID,
		SinkNodeID:     node.ID,
		StateID:        stateID,
		Artifact:       res.Artifact,
		IdempotencyKey: stateID,
	}); err != nil {
		return err
	}

	outcome := item.delivery
	if outcome == "" {
		outcome = contract.OutcomeCompleted
	}
	sinkName := node.Name
	detail := item.detail
	if outcome == contract.OutcomeQuarantined {
		// Quarantined rows arrive somewhere, but the outcome names no
		// sink: the row did not reach its intended destination.
		if detail == nil {
			detail = map[string]any{}
		}
		detail["sink"] = sinkName
		sinkName = ""
	}
	if err := p.settleToken(ctx, item, outcome, sinkName, detail); err != nil {
		return err
	}

	if p.onDelivered != nil {
		if err := p.onDelivered(ctx, t, node.ID); err != nil {
			p.log.Warn("post-delivery hook failed; continuing",
				"token_id", t.ID, "sink", node.Name, "error", err)
		}
	}
	return nil
}

// settleToken finalizes one token: records the outcome unless it is already
// durable, accounts the result, emits telemetry, and tells any coalesce
// waiting on this token's branch that it will never arrive.
func (p *Processor) settleToken(ctx context.Context, item *workItem, outcome contract.TokenOutcome, sinkName string, detail map[string]any) error {
	t := item.token
	if !item.settled {
		if err := p.rec.RecordOutcome(ctx, landscape.OutcomeParams{
			TokenID:  t.ID,
			RunID:    p.runID,
			Outcome:  outcome,
			SinkName: sinkName,
			Detail:   detail,
		}); err != nil {
			return err
		}
		item.settled = true
	}

	result, err := contract.NewRowResult(t.ID, t.RowIndex, outcome, sinkName, detail)
	if err != nil {
		return &contract.OrchestrationInvariantError{
			Message: fmt.Sprintf("settling token %s: %v", t.ID, err),
		}
	}
	p.results = append(p.results, result)

	steps := 0
	if cur, ok := p.steps[t.ID]; ok {
		steps = cur - t.Step
		delete(p.steps, t.ID)
	}
	p.emit(telemetry.TokenCompleted{RunID: p.runID, TokenID: t.ID, Outcome: outcome, Steps: steps})
	if item.root {
		p.lastRoot = t.ID
		p.emit(telemetry.RowProcessed{
			RunID: p.runID, TokenID: t.ID, RowIndex: t.RowIndex,
			Outcome: outcome, SinkName: sinkName,
		})
	}

	if outcome == contract.OutcomeFailed && t.Branch != "" {
		reason := "branch token failed"
		if r, ok := detail["reason"].(string); ok {
			reason = r
		}
		return p.noteLostBranch(ctx, t, reason)
	}
	return nil
}

// Results returns the terminal disposition of every settled token, in
// settlement order.
func (p *Processor) Results() []contract.RowResult {
	out := make([]contract.RowResult, len(p.results))
	copy(out, p.results)
	return out
}

// RowsSeen reports how many source records entered the processor.
func (p *Processor) RowsSeen() int { return p.rows }

// LastRootToken returns the most recently settled root token, or "" before
// any row finished. Checkpoints anchor on it.
func (p *Processor) LastRootToken() string { return p.lastRoot }

// Quiescent reports whether no aggregation buffer holds tokens and no
// coalesce join is pending. Checkpoints are cut only at quiescent points: a
// checkpoint splitting an open buffer would lose its members on resume.
func (p *Processor) Quiescent() bool {
	for _, agg := range p.aggs {
		if len(agg.items) > 0 {
			return false
		}
	}
	for _, c := range p.coals {
		if len(c.pending) > 0 {
			return false
		}
	}
	return true
}

// StaleDiscards reports results that arrived after their attempt was
// abandoned. Nonzero values mean timeouts fired; the results were dropped
// by design of the (token, state) keying.
func (p *Processor) StaleDiscards() int { return p.port.StaleDiscards() }

// TelemetryFailure surfaces a fatal exporter failure when the operator
// configured telemetry loss as fatal.
func (p *Processor) TelemetryFailure() error { return p.telErr }

// Abort settles everything still in flight so no token is left without a
// terminal outcome: queued tokens, buffered batches, and held joins all
// fail with the given reason. Called on interruption and on fatal errors.
func (p *Processor) Abort(ctx context.Context, reason string) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for i := range p.queue {
		item := p.queue[i]
		keep(p.settleToken(ctx, &item, contract.OutcomeFailed, "", map[string]any{"reason": reason}))
	}
	p.queue = nil

	for _, agg := range p.aggs {
		if agg.batchID == "" {
			continue
		}
		keep(p.rec.CompleteBatch(ctx, agg.batchID, contract.BatchFailed))
		for i := range agg.items {
			item := agg.items[i]
			keep(p.settleToken(ctx, &item, contract.OutcomeFailed, "", map[string]any{
				"reason":   reason,
				"batch_id": agg.batchID,
			}))
		}
		agg.items = nil
		agg.batchID = ""
		agg.trigger.Reset()
	}

	for _, c := range p.coals {
		for rowID, g := range c.pending {
			keep(p.failJoin(ctx, c, rowID, g, reason))
		}
	}
	return firstErr
}

// dispatch runs one plugin call on a worker slot and emits its result to
// the port. Panics become PluginPanicError; the coordinator sees the bug,
// not a hung waiter.
func (p *Processor) dispatch(ctx context.Context, tokenID, stateID, pluginName string, run func(context.Context) (contract.TransformResult, error)) {
	go func() {
		if err := p.acquire(ctx); err != nil {
			p.port.EmitError(tokenID, err, stateID)
			return
		}
		defer p.release()
		defer func() {
			if v := recover(); v != nil {
				p.port.EmitError(tokenID, &PluginPanicError{
					Plugin: pluginName, Value: v, Stack: string(debug.Stack()),
				}, stateID)
			}
		}()
		res, err := run(ctx)
		if err != nil {
			p.port.EmitError(tokenID, err, stateID)
			return
		}
		p.port.Emit(tokenID, res, stateID)
	}()
}

func (p *Processor) acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) release() { <-p.sem }

// pluginContext builds the per-call identity a plugin sees. The caller is
// bound to this exact state so every external call lands against it.
func (p *Processor) pluginContext(nodeID string, t *Token, stateID string) *plugin.Context {
	pctx := &plugin.Context{
		RunID:    p.runID,
		NodeID:   nodeID,
		TokenID:  t.ID,
		StateID:  stateID,
		Secrets:  p.secrets,
		Payloads: p.payloads,
		Log:      p.log.With("node_id", nodeID),
	}
	if p.calls != nil {
		pctx.Calls = &boundCaller{router: p.calls, nodeID: nodeID, tokenID: t.ID, stateID: stateID}
	}
	return pctx
}

// drainCalls forwards call telemetry buffered by worker goroutines. Only
// the coordinator talks to the telemetry manager.
func (p *Processor) drainCalls() {
	for _, ev := range p.callLog.Drain() {
		p.emit(ev)
	}
}

// completeState and failState close a node state and release any call
// bookkeeping the router holds for it. Every state closure goes through
// one of these; a retry opens a fresh state id, so releasing here never
// races a new attempt.

func (p *Processor) completeState(ctx context.Context, params landscape.CompleteStateParams) error {
	err := p.rec.CompleteNodeState(ctx, params)
	p.releaseCallState(params.StateID)
	return err
}

func (p *Processor) failState(ctx context.Context, params landscape.FailStateParams) error {
	err := p.rec.FailNodeState(ctx, params)
	p.releaseCallState(params.StateID)
	return err
}

func (p *Processor) releaseCallState(stateID string) {
	if r, ok := p.calls.(interface{ ReleaseState(string) }); ok {
		r.ReleaseState(stateID)
	}
}

// nextStep hands out the token's next step index. Counters seed from the
// token's birth step so fork and expansion children continue where their
// parent graph position starts.
func (p *Processor) nextStep(t *Token) int {
	s, ok := p.steps[t.ID]
	if !ok {
		s = t.Step
	}
	p.steps[t.ID] = s + 1
	return s
}

// checkCancel is consulted at every scheduling decision: between queue
// items, between node visits, and before admitting a row.
func (p *Processor) checkCancel(ctx context.Context) error {
	if p.telErr != nil {
		return p.telErr
	}
	select {
	case <-ctx.Done():
		return &contract.RunInterruptedError{RunID: p.runID, RowsProcessed: p.rows}
	default:
		return nil
	}
}

// emit sends one telemetry event. A fatal exporter failure is remembered
// and stops the run at the next scheduling decision rather than mid-write.
func (p *Processor) emit(ev telemetry.Event) {
	if p.tel == nil || p.telErr != nil {
		return
	}
	if err := p.tel.Emit(ev); err != nil {
		p.telErr = err
	}
}

func interrupted(err error) bool {
	var ri *contract.RunInterruptedError
	return errors.As(err, &ri) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// executionError renders a Go error as the audit trail's ExecutionError.
func executionError(err error, phase string) *contract.ExecutionError {
	ee := &contract.ExecutionError{Exception: err.Error(), Phase: phase}
	var panicErr *PluginPanicError
	var timeoutErr *ResultTimeoutError
	var violation *contract.PluginViolationError
	switch {
	case errors.As(err, &panicErr):
		ee.Type = "PluginPanic"
		ee.Traceback = panicErr.Stack
	case errors.As(err, &timeoutErr):
		ee.Type = "TimeoutError"
	case errors.As(err, &violation):
		ee.Type = "PluginViolation"
	default:
		ee.Type = fmt.Sprintf("%T", err)
	}
	return ee
}

// errorHash is a short stable fingerprint for grouping identical failures
// without storing free-form error text in outcome details.
func errorHash(msg string) string {
	return canonical.HashBytes([]byte(msg))[:16]
}

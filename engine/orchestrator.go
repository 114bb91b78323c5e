package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/elspeth-run/elspeth/canonical"
	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/dag"
	"github.com/elspeth-run/elspeth/landscape"
	"github.com/elspeth-run/elspeth/plugin"
	"github.com/elspeth-run/elspeth/telemetry"
)

// Reasons recorded on tokens a run could not carry to a sink.
const (
	// reasonInterrupted marks tokens still queued or buffered when a
	// cooperative interrupt stopped the run before their flush.
	reasonInterrupted = "run_interrupted_before_flush"

	// reasonCrashed marks tokens a dead process left without any outcome,
	// discovered when the run is resumed.
	reasonCrashed = "crashed_in_flight"
)

// ReproducibilityGrade summarizes how faithfully a run can be replayed,
// derived from the determinism declarations of every node in its graph.
type ReproducibilityGrade string

const (
	// ReproducibilityFull means every node is deterministic or seeded:
	// replaying the recorded calls reproduces the run bit for bit.
	ReproducibilityFull ReproducibilityGrade = "FULL"

	// ReproducibilityPartial means the graph touches I/O or external
	// services. Replay substitutes recorded responses, so outputs match
	// unless the pipeline logic itself changed.
	ReproducibilityPartial ReproducibilityGrade = "PARTIAL"

	// ReproducibilityNone means at least one node declares itself
	// non-deterministic. No replay guarantee is possible.
	ReproducibilityNone ReproducibilityGrade = "NONE"
)

// GradeReproducibility derives the replay guarantee a graph can offer. One
// non-deterministic node forfeits the guarantee for the whole run, because
// any token may route through it.
func GradeReproducibility(g *dag.Graph) ReproducibilityGrade {
	grade := ReproducibilityFull
	for _, n := range g.Nodes() {
		switch n.Determinism {
		case contract.DetNonDeterministic:
			return ReproducibilityNone
		case contract.DetDeterministic, contract.DetSeeded:
		default:
			grade = ReproducibilityPartial
		}
	}
	return grade
}

// OrchestratorConfig assembles one run. Graph, Recorder, Reader, Payloads,
// and Bindings are mandatory. Mode defaults to live; replay and verify
// additionally require SourceRunID naming a recorded run in the same
// landscape.
type OrchestratorConfig struct {
	Graph    *dag.Graph
	Recorder *landscape.Recorder
	Reader   *landscape.Reader
	Payloads *landscape.PayloadStore
	Bindings map[string]*NodeBinding

	// Settings is stored verbatim on the run row for audit; ConfigHash is
	// its canonical hash and doubles as the resume compatibility key.
	Settings   any
	ConfigHash string

	Mode        contract.RunMode
	SourceRunID string

	Secrets plugin.SecretResolver

	// Retry applies to retryable transform failures. The zero value means
	// DefaultRetryConfig.
	Retry RetryConfig

	// Rand drives retry jitter. Nil uses a time-seeded source; tests pass
	// a fixed seed.
	Rand *rand.Rand

	Clock       Clock
	Telemetry   *telemetry.Manager
	Log         *slog.Logger
	MaxWorkers  int
	CallTimeout time.Duration

	// CheckpointEvery cuts a recovery checkpoint after this many source
	// rows, at the next quiescent point. Zero disables checkpointing.
	CheckpointEvery int
}

// RunResult is the accounting of one finished run.
type RunResult struct {
	RunID  string
	Status contract.RunStatus
	Mode   contract.RunMode

	// RowsProcessed counts source records admitted. TokenOutcomes counts
	// every settled token by outcome, so it exceeds RowsProcessed when the
	// graph forks or expands batches.
	RowsProcessed int
	TokenOutcomes map[contract.TokenOutcome]int

	// Destinations counts delivered tokens per sink name.
	Destinations map[string]int

	Rows []contract.RowResult

	Reproducibility ReproducibilityGrade

	// Divergences counts verify-mode mismatches between live calls and the
	// source run's recording. Always zero outside verify mode.
	Divergences int

	// StaleResults counts timed-out plugin calls whose results arrived
	// after the engine had already moved on.
	StaleResults int

	Duration time.Duration
}

type sinkBinding struct {
	node *dag.Node
	sink plugin.Sink
}

// Orchestrator owns one run end to end: the run row, graph registration,
// source streaming, coordination, cleanup, and the terminal status. Create
// one per run; it is not reusable.
type Orchestrator struct {
	graph    *dag.Graph
	rec      *landscape.Recorder
	reader   *landscape.Reader
	payloads *landscape.PayloadStore

	settings   any
	configHash string
	mode       contract.RunMode
	sourceRun  string
	secrets    plugin.SecretResolver

	clock Clock
	tel   *telemetry.Manager
	log   *slog.Logger

	runID          string
	source         plugin.Source
	sourceNode     *dag.Node
	sourceContract *contract.Contract
	sinks          []sinkBinding

	proc        *Processor
	checkpoints *CheckpointManager
	verify      *VerifyCallRouter

	checkpointEvery int
	checkpointSeq   int64
	rowsSinceCP     int

	// anchorNode is the checkpoint anchor: the last node in topological
	// order, whose upstream hash covers the widest slice of the pipeline.
	anchorNode string
}

// NewOrchestrator wires a run from its parts. It validates the mode, binds
// the source and sinks, and builds the mode's call router, but records
// nothing until Run or Resume.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Graph == nil || cfg.Recorder == nil || cfg.Reader == nil || cfg.Payloads == nil {
		return nil, fmt.Errorf("orchestrator requires a graph, recorder, reader, and payload store")
	}
	if len(cfg.Bindings) == 0 {
		return nil, fmt.Errorf("orchestrator requires node bindings")
	}
	if cfg.Mode == "" {
		cfg.Mode = contract.ModeLive
	}
	switch cfg.Mode {
	case contract.ModeLive:
		if cfg.SourceRunID != "" {
			return nil, fmt.Errorf("source run id only applies to replay and verify modes")
		}
	case contract.ModeReplay, contract.ModeVerify:
		if cfg.SourceRunID == "" {
			return nil, fmt.Errorf("%s mode requires a source run id", cfg.Mode)
		}
	default:
		return nil, fmt.Errorf("unknown run mode %q", cfg.Mode)
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if (cfg.Retry == RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}

	src := cfg.Graph.Source()
	if src == nil {
		return nil, fmt.Errorf("graph has no source node")
	}
	sb := cfg.Bindings[src.ID]
	if sb == nil || sb.Source == nil {
		return nil, fmt.Errorf("source node %s has no source plugin bound", src.ID)
	}
	sc := sb.Source.Contract()
	if sc == nil {
		return nil, fmt.Errorf("source plugin on node %s declares no schema contract", src.ID)
	}

	o := &Orchestrator{
		graph:           cfg.Graph,
		rec:             cfg.Recorder,
		reader:          cfg.Reader,
		payloads:        cfg.Payloads,
		settings:        cfg.Settings,
		configHash:      cfg.ConfigHash,
		mode:            cfg.Mode,
		sourceRun:       cfg.SourceRunID,
		secrets:         cfg.Secrets,
		clock:           cfg.Clock,
		tel:             cfg.Telemetry,
		log:             cfg.Log,
		runID:           cfg.Graph.RunID(),
		source:          sb.Source,
		sourceNode:      src,
		sourceContract:  sc,
		checkpointEvery: cfg.CheckpointEvery,
	}
	for _, n := range cfg.Graph.Nodes() {
		if n.Type != contract.NodeSink {
			continue
		}
		b := cfg.Bindings[n.ID]
		if b == nil || b.Sink == nil {
			return nil, fmt.Errorf("sink node %s has no sink plugin bound", n.ID)
		}
		o.sinks = append(o.sinks, sinkBinding{node: n, sink: b.Sink})
	}

	callLog := NewCallLog(o.runID)
	var router CallRouter
	switch cfg.Mode {
	case contract.ModeLive:
		crec, err := NewCallRecorder(cfg.Recorder, cfg.Payloads, cfg.Clock)
		if err != nil {
			return nil, err
		}
		crec.LogTo(callLog)
		router = &LiveCallRouter{Recorder: crec}
	case contract.ModeReplay:
		rep, err := NewReplayer(cfg.Reader, cfg.Payloads, cfg.SourceRunID)
		if err != nil {
			return nil, err
		}
		router = &ReplayCallRouter{Replayer: rep}
	case contract.ModeVerify:
		crec, err := NewCallRecorder(cfg.Recorder, cfg.Payloads, cfg.Clock)
		if err != nil {
			return nil, err
		}
		crec.LogTo(callLog)
		rep, err := NewReplayer(cfg.Reader, cfg.Payloads, cfg.SourceRunID)
		if err != nil {
			return nil, err
		}
		ver, err := NewVerifier(rep, crec, cfg.Recorder, o.runID)
		if err != nil {
			return nil, err
		}
		o.verify = &VerifyCallRouter{Verifier: ver}
		router = o.verify
	}

	retrier, err := NewRetrier(cfg.Retry, cfg.Clock, cfg.Rand)
	if err != nil {
		return nil, err
	}
	tokens, err := NewTokenManager(cfg.Recorder, GraphSteps(cfg.Graph), cfg.Payloads)
	if err != nil {
		return nil, err
	}
	o.proc, err = NewProcessor(ProcessorConfig{
		Graph:       cfg.Graph,
		Recorder:    cfg.Recorder,
		Tokens:      tokens,
		Bindings:    cfg.Bindings,
		Calls:       router,
		Secrets:     cfg.Secrets,
		Payloads:    cfg.Payloads,
		CallLog:     callLog,
		Retrier:     retrier,
		Clock:       cfg.Clock,
		Telemetry:   cfg.Telemetry,
		Log:         cfg.Log,
		MaxWorkers:  cfg.MaxWorkers,
		CallTimeout: cfg.CallTimeout,
	})
	if err != nil {
		return nil, err
	}
	o.checkpoints, err = NewCheckpointManager(cfg.Recorder, cfg.Reader, cfg.Payloads, cfg.Graph)
	if err != nil {
		return nil, err
	}

	topo := cfg.Graph.TopoOrder()
	o.anchorNode = topo[len(topo)-1]
	return o, nil
}

// Run executes the pipeline from the top. It opens the run row, registers
// the graph, streams every source record through the coordinator, flushes
// buffers, closes plugins, and settles the run row exactly once. A non-nil
// result comes back whenever the run row reached a terminal status, so
// failed and interrupted runs still report their accounting alongside the
// error.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	started := o.clock.Now()

	if o.mode != contract.ModeLive {
		src, ok, err := o.reader.GetRun(ctx, o.sourceRun)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("source run %s not found", o.sourceRun)
		}
		if src.Status == contract.RunRunning {
			return nil, fmt.Errorf("source run %s is still running; %s needs a settled recording", o.sourceRun, o.mode)
		}
	}

	if err := o.rec.BeginRun(ctx, landscape.BeginRunParams{
		RunID:            o.runID,
		ConfigHash:       o.configHash,
		Settings:         o.settings,
		CanonicalVersion: canonical.Version,
		Mode:             o.mode,
		SourceRunID:      o.sourceRun,
		Contract:         o.sourceContract,
	}); err != nil {
		return nil, err
	}
	if err := o.rec.RegisterGraph(ctx, o.graph); err != nil {
		return nil, err
	}

	feed := o.streamSource
	if o.mode != contract.ModeLive {
		feed = o.streamRecorded
	}
	return o.execute(ctx, started, feed)
}

// Resume continues a RUNNING run after a crash. The run row, graph, and
// drained rows are already durable. Resume validates the pipeline against
// the stored checkpoint, settles the tokens the dead process abandoned,
// switches sinks to append, and re-admits every unfinished row under fresh
// tokens.
func (o *Orchestrator) Resume(ctx context.Context) (*RunResult, error) {
	started := o.clock.Now()

	run, ok, err := o.reader.GetRun(ctx, o.runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("run %s not found", o.runID)
	}
	if run.Status != contract.RunRunning {
		return nil, fmt.Errorf("run %s is %s; only a running run can resume", o.runID, run.Status)
	}
	if run.ConfigHash != o.configHash {
		return nil, &IncompatibleCheckpointError{
			Field:   "config_hash",
			Stored:  run.ConfigHash,
			Current: o.configHash,
		}
	}
	if run.RunMode != o.mode {
		return nil, fmt.Errorf("run %s was recorded in %s mode; resume was configured for %s", o.runID, run.RunMode, o.mode)
	}

	for _, s := range o.sinks {
		if !s.sink.SupportsResume() {
			return nil, fmt.Errorf("sink %s cannot resume; rerun from the top instead", s.node.Name)
		}
	}
	for _, s := range o.sinks {
		if err := s.sink.ConfigureForResume(); err != nil {
			return nil, fmt.Errorf("configuring sink %s for resume: %w", s.node.Name, err)
		}
	}

	cp, found, err := o.checkpoints.Latest(ctx, o.runID)
	if err != nil {
		return nil, err
	}
	if found {
		if err := o.checkpoints.CheckCompatibility(cp); err != nil {
			return nil, err
		}
		o.checkpointSeq = cp.SequenceNumber
	} else {
		cp = nil
	}

	recovered, err := o.checkpoints.UnprocessedRows(ctx, o.runID, cp, o.sourceContract)
	if err != nil {
		return nil, err
	}
	// A row between the checkpoint and the crash may already hold terminal
	// outcomes. Re-admitting it would deliver it twice, so any row with a
	// settled token is skipped wholesale.
	settled, err := o.reader.SettledRowIDs(ctx, o.runID)
	if err != nil {
		return nil, err
	}

	if err := o.settleCrashLeftovers(ctx); err != nil {
		return nil, err
	}

	feed := func(ctx context.Context) error {
		for _, rr := range recovered {
			if settled[rr.Record.RowID] {
				continue
			}
			if err := o.proc.CheckAggregationTimeouts(ctx); err != nil {
				return err
			}
			if err := o.proc.CheckCoalesceTimeouts(ctx); err != nil {
				return err
			}
			row := contract.NewRow(rr.Data, o.sourceContract)
			if err := o.proc.ReadmitRow(ctx, rr.Record.RowID, rr.Record.RowIndex, row); err != nil {
				return err
			}
			if err := o.maybeCheckpoint(ctx); err != nil {
				return err
			}
		}
		return nil
	}
	return o.execute(ctx, started, feed)
}

// settleCrashLeftovers records a terminal outcome for every token the dead
// process left in flight, so the resumed run's accounting balances. Tokens
// the crash caught inside an aggregation buffer settle with the interrupt
// reason; tokens with no outcome row at all settle as crashed.
func (o *Orchestrator) settleCrashLeftovers(ctx context.Context) error {
	buffered, err := o.reader.BufferedTokens(ctx, o.runID)
	if err != nil {
		return err
	}
	inBuffer := make(map[string]bool, len(buffered))
	for _, id := range buffered {
		inBuffer[id] = true
	}
	unsettled, err := o.reader.UnsettledTokens(ctx, o.runID)
	if err != nil {
		return err
	}
	for _, id := range unsettled {
		reason := reasonCrashed
		if inBuffer[id] {
			reason = reasonInterrupted
		}
		err := o.rec.RecordOutcome(ctx, landscape.OutcomeParams{
			TokenID: id,
			RunID:   o.runID,
			Outcome: contract.OutcomeFailed,
			Detail:  map[string]any{"reason": reason},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// execute drives feed to completion, then unwinds: buffers flush, plugins
// close, the run row settles, telemetry reports. Cleanup runs on a context
// detached from cancellation, because an interrupt that could not settle
// the run row would leave it RUNNING forever.
func (o *Orchestrator) execute(ctx context.Context, started time.Time, feed func(context.Context) error) (*RunResult, error) {
	runErr := o.announce()
	if runErr == nil {
		runErr = feed(ctx)
	}
	if runErr == nil {
		runErr = o.proc.FlushAggregations(ctx)
	}
	if runErr == nil {
		runErr = o.proc.FlushCoalesces(ctx)
	}

	sctx := context.WithoutCancel(ctx)

	status := contract.RunCompleted
	switch {
	case runErr == nil:
	case interrupted(runErr):
		status = contract.RunInterrupted
		if aerr := o.proc.Abort(sctx, reasonInterrupted); aerr != nil {
			o.log.Error("settling tokens after interrupt failed", "run_id", o.runID, "error", aerr)
		}
	default:
		status = contract.RunFailed
		if aerr := o.proc.Abort(sctx, "run_failed"); aerr != nil {
			o.log.Error("settling tokens after failure failed", "run_id", o.runID, "error", aerr)
		}
	}

	o.closePlugins(sctx)

	if status == contract.RunCompleted {
		unsettled, uerr := o.reader.UnsettledTokens(sctx, o.runID)
		switch {
		case uerr != nil:
			status = contract.RunFailed
			runErr = uerr
		case len(unsettled) > 0:
			status = contract.RunFailed
			runErr = &contract.OrchestrationInvariantError{
				Message: fmt.Sprintf("%d tokens hold no terminal outcome after the run drained", len(unsettled)),
			}
		}
	}

	if status == contract.RunCompleted && o.checkpointEvery > 0 {
		if derr := o.checkpoints.Delete(sctx, o.runID); derr != nil {
			o.log.Warn("deleting checkpoints failed", "run_id", o.runID, "error", derr)
		}
	}

	if cerr := o.rec.CompleteRun(sctx, o.runID, status); cerr != nil {
		if runErr == nil {
			runErr = cerr
		} else {
			o.log.Error("settling run row failed", "run_id", o.runID, "status", status, "error", cerr)
		}
	}

	res := o.result(status, started)
	if o.tel != nil {
		terr := o.tel.Emit(telemetry.RunCompleted{
			RunID:         o.runID,
			Status:        status,
			RowsProcessed: res.RowsProcessed,
			Duration:      res.Duration,
		})
		if terr != nil && runErr == nil {
			runErr = terr
		}
	}
	return res, runErr
}

// announce emits the startup telemetry every mode shares.
func (o *Orchestrator) announce() error {
	if o.tel == nil {
		return nil
	}
	nodes := o.graph.Nodes()
	err := o.tel.Emit(telemetry.RunStarted{
		RunID:     o.runID,
		Mode:      o.mode,
		NodeCount: len(nodes),
	})
	if err != nil {
		return err
	}
	for _, n := range nodes {
		err := o.tel.Emit(telemetry.NodeRegistered{
			RunID:       o.runID,
			NodeID:      n.ID,
			Name:        n.Name,
			Plugin:      n.Plugin,
			Type:        n.Type,
			Determinism: n.Determinism,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// streamSource feeds the live source plugin through intake. One operation
// row brackets the whole load, since sources produce rows rather than
// transforming tokens.
func (o *Orchestrator) streamSource(ctx context.Context) error {
	opID, err := o.rec.BeginOperation(ctx, o.runID, o.sourceNode.ID, contract.OpSourceLoad)
	if err != nil {
		return err
	}
	pctx := &plugin.Context{
		RunID:    o.runID,
		NodeID:   o.sourceNode.ID,
		Secrets:  o.secrets,
		Payloads: o.payloads,
		Log:      o.log.With("node_id", o.sourceNode.ID),
	}
	count := 0
	lerr := o.source.Load(ctx, pctx, func(sr contract.SourceRow) error {
		if err := o.admit(ctx, count, sr); err != nil {
			return err
		}
		count++
		return nil
	})
	if lerr != nil {
		cctx := context.WithoutCancel(ctx)
		if cerr := o.rec.CompleteOperation(cctx, opID, "failed", count, map[string]any{"error": lerr.Error()}); cerr != nil {
			o.log.Error("settling source operation failed", "run_id", o.runID, "error", cerr)
		}
		return lerr
	}
	return o.rec.CompleteOperation(ctx, opID, "completed", count, nil)
}

// streamRecorded feeds the source run's recorded rows through intake.
// Replay and verify never touch the live source: the rows a run saw are
// part of its recording, and re-reading the environment would let source
// drift masquerade as call divergence.
func (o *Orchestrator) streamRecorded(ctx context.Context) error {
	opID, err := o.rec.BeginOperation(ctx, o.runID, o.sourceNode.ID, contract.OpSourceLoad)
	if err != nil {
		return err
	}
	recovered, err := o.checkpoints.UnprocessedRows(ctx, o.sourceRun, nil, o.sourceContract)
	if err != nil {
		cctx := context.WithoutCancel(ctx)
		if cerr := o.rec.CompleteOperation(cctx, opID, "failed", 0, map[string]any{"error": err.Error()}); cerr != nil {
			o.log.Error("settling source operation failed", "run_id", o.runID, "error", cerr)
		}
		return err
	}
	count := 0
	for _, rr := range recovered {
		sr := contract.ValidSourceRow(contract.NewRow(rr.Data, o.sourceContract))
		if err := o.admit(ctx, rr.Record.RowIndex, sr); err != nil {
			cctx := context.WithoutCancel(ctx)
			if cerr := o.rec.CompleteOperation(cctx, opID, "failed", count, map[string]any{"error": err.Error()}); cerr != nil {
				o.log.Error("settling source operation failed", "run_id", o.runID, "error", cerr)
			}
			return err
		}
		count++
	}
	return o.rec.CompleteOperation(ctx, opID, "completed", count, map[string]any{"rows_from": o.sourceRun})
}

// admit runs the pre-row housekeeping and intake for one source record.
func (o *Orchestrator) admit(ctx context.Context, rowIndex int, sr contract.SourceRow) error {
	if err := o.proc.CheckAggregationTimeouts(ctx); err != nil {
		return err
	}
	if err := o.proc.CheckCoalesceTimeouts(ctx); err != nil {
		return err
	}
	if err := o.proc.IntakeRow(ctx, rowIndex, sr); err != nil {
		return err
	}
	return o.maybeCheckpoint(ctx)
}

// maybeCheckpoint cuts a checkpoint once the cadence has elapsed, but only
// at a quiescent point: open buffers and pending joins hold tokens the
// checkpoint could not account for, so the cut waits for the next row that
// drains clean.
func (o *Orchestrator) maybeCheckpoint(ctx context.Context) error {
	if o.checkpointEvery <= 0 {
		return nil
	}
	o.rowsSinceCP++
	if o.rowsSinceCP < o.checkpointEvery {
		return nil
	}
	if !o.proc.Quiescent() {
		return nil
	}
	tokenID := o.proc.LastRootToken()
	if tokenID == "" {
		return nil
	}
	o.checkpointSeq++
	cpID, err := o.checkpoints.Create(ctx, o.runID, tokenID, o.anchorNode, o.checkpointSeq, nil)
	if err != nil {
		return err
	}
	o.rowsSinceCP = 0
	if o.tel != nil {
		err := o.tel.Emit(telemetry.CheckpointSaved{
			RunID:        o.runID,
			CheckpointID: cpID,
			NodeID:       o.anchorNode,
			Sequence:     o.checkpointSeq,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// closePlugins releases the source and every sink. Failures are logged
// rather than raised: each delivery already flushed before its token
// settled, so nothing durable is pending here.
func (o *Orchestrator) closePlugins(ctx context.Context) {
	if err := o.source.Close(ctx); err != nil {
		o.log.Warn("source close failed", "run_id", o.runID, "error", err)
	}
	for _, s := range o.sinks {
		if err := s.sink.Flush(ctx); err != nil {
			o.log.Warn("sink flush failed", "run_id", o.runID, "sink", s.node.Name, "error", err)
		}
		if err := s.sink.Close(ctx); err != nil {
			o.log.Warn("sink close failed", "run_id", o.runID, "sink", s.node.Name, "error", err)
		}
	}
}

func (o *Orchestrator) result(status contract.RunStatus, started time.Time) *RunResult {
	rows := o.proc.Results()
	res := &RunResult{
		RunID:           o.runID,
		Status:          status,
		Mode:            o.mode,
		RowsProcessed:   o.proc.RowsSeen(),
		TokenOutcomes:   make(map[contract.TokenOutcome]int, 8),
		Destinations:    make(map[string]int),
		Rows:            rows,
		Reproducibility: GradeReproducibility(o.graph),
		StaleResults:    o.proc.StaleDiscards(),
		Duration:        o.clock.Now().Sub(started),
	}
	for _, r := range rows {
		res.TokenOutcomes[r.Outcome]++
		if r.SinkName != "" {
			res.Destinations[r.SinkName]++
		}
	}
	if o.verify != nil {
		res.Divergences = o.verify.Divergences()
	}
	return res
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/dag"
	"github.com/elspeth-run/elspeth/landscape"
	"github.com/elspeth-run/elspeth/plugin"
	"github.com/elspeth-run/elspeth/telemetry"
)

// fakeSource emits scripted rows under the shared events schema. loadErr,
// when set, is returned after the rows go out, standing in for a source
// that dies partway through a stream.
type fakeSource struct {
	mu      sync.Mutex
	schema  *contract.Contract
	rows    []contract.SourceRow
	loadErr error
	loads   int
	closes  int
}

func newFakeSource(t *testing.T, statuses ...string) *fakeSource {
	t.Helper()
	schema := eventsSchema(t)
	s := &fakeSource{schema: schema}
	for i, status := range statuses {
		s.rows = append(s.rows, eventRow(schema, i+1, status))
	}
	return s
}

func (s *fakeSource) Load(_ context.Context, _ *plugin.Context, emit func(contract.SourceRow) error) error {
	s.mu.Lock()
	s.loads++
	s.mu.Unlock()
	for _, r := range s.rows {
		if err := emit(r); err != nil {
			return err
		}
	}
	return s.loadErr
}

func (s *fakeSource) Contract() *contract.Contract { return s.schema }

func (s *fakeSource) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

// callingTransform fetches a verdict for each row through the engine's call
// router, so a live run records the exchange and a replay run serves it
// back. verdict is the live behavior; invocations counts how often the live
// path actually executed.
type callingTransform struct {
	mu          sync.Mutex
	invocations int
	verdict     func(id string) (contract.CallResponse, error)
}

func (p *callingTransform) Process(ctx context.Context, pctx *plugin.Context, row contract.Row) (contract.TransformResult, error) {
	idVal, ok := row.Lookup("id")
	if !ok {
		return contract.TransformResult{}, fmt.Errorf("row has no id field")
	}
	id := fmt.Sprint(idVal)
	req := contract.CallRequest{
		CallType: contract.CallHTTP,
		Method:   "POST",
		URL:      "https://scoring.example.com/v1/verdict",
		Body:     map[string]any{"id": id},
	}
	resp, err := pctx.Calls.Call(ctx, req, func(context.Context) (contract.CallResponse, error) {
		p.mu.Lock()
		p.invocations++
		p.mu.Unlock()
		return p.verdict(id)
	})
	if err != nil {
		return contract.TransformResult{}, err
	}
	body, ok := resp.Body.(map[string]any)
	if !ok {
		return contract.TransformResult{}, fmt.Errorf("verdict response body is %T, want map", resp.Body)
	}
	verdict, ok := body["verdict"].(string)
	if !ok {
		return contract.TransformResult{}, fmt.Errorf("verdict response carries no verdict")
	}
	out, err := row.Clone()
	if err != nil {
		return contract.TransformResult{}, err
	}
	if err := out.Set("status", verdict); err != nil {
		return contract.TransformResult{}, err
	}
	return contract.TransformSuccess(out, contract.SuccessReason{Action: "verdict"})
}

func (p *callingTransform) Invocations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invocations
}

func verdictResponse(v string) contract.CallResponse {
	return contract.CallResponse{Status: 200, Body: map[string]any{"verdict": v}}
}

// captureExporter retains every event it is handed so tests can assert on
// the emission stream.
type captureExporter struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (c *captureExporter) Name() string { return "capture" }

func (c *captureExporter) Export(e telemetry.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureExporter) Close() error { return nil }

func (c *captureExporter) counts() map[telemetry.Kind]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[telemetry.Kind]int)
	for _, e := range c.events {
		out[e.Kind()]++
	}
	return out
}

func (c *captureExporter) last(kind telemetry.Kind) telemetry.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Kind() == kind {
			return c.events[i]
		}
	}
	return nil
}

// bindByID translates name-keyed bindings into the node-id keys the
// orchestrator expects.
func bindByID(t *testing.T, g *dag.Graph, byName map[string]*NodeBinding) map[string]*NodeBinding {
	t.Helper()
	out := make(map[string]*NodeBinding, len(byName))
	for name, b := range byName {
		n, err := g.NodeByName(name)
		if err != nil {
			t.Fatalf("NodeByName(%s) failed: %v", name, err)
		}
		out[n.ID] = b
	}
	return out
}

func orchConfig(a *testAudit, g *dag.Graph, bindings map[string]*NodeBinding) OrchestratorConfig {
	return OrchestratorConfig{
		Graph:      g,
		Recorder:   a.rec,
		Reader:     a.reader,
		Payloads:   a.payloads,
		Bindings:   bindings,
		Settings:   map[string]any{"workers": 2},
		ConfigHash: testConfigHash,
		Clock:      a.clock,
		Rand:       rand.New(rand.NewSource(7)),
	}
}

func mustOrchestrator(t *testing.T, cfg OrchestratorConfig) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	return o
}

func gradedGraph(t *testing.T, runID string, src, mid, sink contract.Determinism) *dag.Graph {
	t.Helper()
	b := dag.NewBuilder(runID)
	b.AddNode(dag.NodeDef{Name: "in", Plugin: "csv", Type: contract.NodeSource,
		Determinism: src, Config: map[string]any{"path": "in.csv"}})
	b.AddNode(dag.NodeDef{Name: "mid", Plugin: "field_mapper", Type: contract.NodeTransform,
		Determinism: mid, Config: map[string]any{"set": "status"}})
	b.AddNode(dag.NodeDef{Name: "out", Plugin: "json_sink", Type: contract.NodeSink,
		Determinism: sink, Config: map[string]any{"path": "out.json"}})
	b.AddEdge("in", "mid", dag.LabelContinue, contract.ModeMove)
	b.AddEdge("mid", "out", dag.LabelContinue, contract.ModeMove)
	return mustBuild(t, b)
}

func TestGradeReproducibility(t *testing.T) {
	cases := []struct {
		name           string
		src, mid, sink contract.Determinism
		want           ReproducibilityGrade
	}{
		{"pure pipeline", contract.DetDeterministic, contract.DetSeeded, contract.DetDeterministic, ReproducibilityFull},
		{"io bound pipeline", contract.DetIORead, contract.DetDeterministic, contract.DetIOWrite, ReproducibilityPartial},
		{"external calls", contract.DetIORead, contract.DetExternalCall, contract.DetIOWrite, ReproducibilityPartial},
		{"one nondeterministic node forfeits the run", contract.DetDeterministic, contract.DetNonDeterministic, contract.DetIOWrite, ReproducibilityNone},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := gradedGraph(t, fmt.Sprintf("run_GRADE%d", i), tc.src, tc.mid, tc.sink)
			if got := GradeReproducibility(g); got != tc.want {
				t.Errorf("grade = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestNewOrchestratorValidation(t *testing.T) {
	a := newTestAudit(t)
	g := linearGraph(t, "run_OVAL", false)
	okBindings := func() map[string]*NodeBinding {
		return bindByID(t, g, map[string]*NodeBinding{
			"events":  {Source: newFakeSource(t, "new")},
			"enrich":  {Transform: passthroughTransform()},
			"archive": {Sink: &memSink{}},
		})
	}

	t.Run("missing dependencies", func(t *testing.T) {
		cfg := orchConfig(a, g, okBindings())
		cfg.Recorder = nil
		_, err := NewOrchestrator(cfg)
		if err == nil || !strings.Contains(err.Error(), "requires a graph, recorder, reader, and payload store") {
			t.Errorf("err = %v, want missing-dependency error", err)
		}
	})

	t.Run("no bindings", func(t *testing.T) {
		cfg := orchConfig(a, g, nil)
		_, err := NewOrchestrator(cfg)
		if err == nil || !strings.Contains(err.Error(), "requires node bindings") {
			t.Errorf("err = %v, want binding error", err)
		}
	})

	t.Run("live mode rejects a source run", func(t *testing.T) {
		cfg := orchConfig(a, g, okBindings())
		cfg.SourceRunID = "run_ELSEWHERE"
		_, err := NewOrchestrator(cfg)
		if err == nil || !strings.Contains(err.Error(), "source run id only applies to replay and verify modes") {
			t.Errorf("err = %v, want mode error", err)
		}
	})

	t.Run("replay requires a source run", func(t *testing.T) {
		cfg := orchConfig(a, g, okBindings())
		cfg.Mode = contract.ModeReplay
		_, err := NewOrchestrator(cfg)
		if err == nil || !strings.Contains(err.Error(), "replay mode requires a source run id") {
			t.Errorf("err = %v, want source run error", err)
		}
	})

	t.Run("unknown mode", func(t *testing.T) {
		cfg := orchConfig(a, g, okBindings())
		cfg.Mode = contract.RunMode("rehearse")
		_, err := NewOrchestrator(cfg)
		if err == nil || !strings.Contains(err.Error(), `unknown run mode "rehearse"`) {
			t.Errorf("err = %v, want unknown mode error", err)
		}
	})

	t.Run("unbound source", func(t *testing.T) {
		bindings := okBindings()
		delete(bindings, nodeID(t, g, "events"))
		cfg := orchConfig(a, g, bindings)
		_, err := NewOrchestrator(cfg)
		if err == nil || !strings.Contains(err.Error(), "no source plugin bound") {
			t.Errorf("err = %v, want unbound source error", err)
		}
	})

	t.Run("unbound sink", func(t *testing.T) {
		bindings := okBindings()
		bindings[nodeID(t, g, "archive")] = &NodeBinding{}
		cfg := orchConfig(a, g, bindings)
		_, err := NewOrchestrator(cfg)
		if err == nil || !strings.Contains(err.Error(), "no sink plugin bound") {
			t.Errorf("err = %v, want unbound sink error", err)
		}
	})

	t.Run("mode defaults to live", func(t *testing.T) {
		o := mustOrchestrator(t, orchConfig(a, g, okBindings()))
		if o.mode != contract.ModeLive {
			t.Errorf("mode = %s, want %s", o.mode, contract.ModeLive)
		}
	})
}

func TestOrchestratorLiveRun(t *testing.T) {
	ctx := context.Background()
	a := newTestAudit(t)
	g := linearGraph(t, "run_OLIVE", false)

	source := newFakeSource(t, "new", "new", "escalated")
	source.rows = append(source.rows, contract.QuarantinedSourceRow(
		map[string]any{"id": "not-an-int"},
		[]contract.Violation{&contract.MissingFieldError{NormalizedName: "status", OriginalName: "Status"}},
	))
	sink := &memSink{}
	capture := &captureExporter{}
	tel, err := telemetry.NewManager(telemetry.GranularityFull, []telemetry.Exporter{capture}, false, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	cfg := orchConfig(a, g, bindByID(t, g, map[string]*NodeBinding{
		"events":  {Source: source},
		"enrich":  {Transform: setFieldTransform("status", "enriched")},
		"archive": {Sink: sink},
	}))
	cfg.Telemetry = tel
	cfg.CheckpointEvery = 2
	o := mustOrchestrator(t, cfg)

	res, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.RunID != "run_OLIVE" {
		t.Errorf("RunID = %s", res.RunID)
	}
	if res.Status != contract.RunCompleted {
		t.Errorf("Status = %s, want %s", res.Status, contract.RunCompleted)
	}
	if res.Mode != contract.ModeLive {
		t.Errorf("Mode = %s, want %s", res.Mode, contract.ModeLive)
	}
	if res.RowsProcessed != 4 {
		t.Errorf("RowsProcessed = %d, want 4", res.RowsProcessed)
	}
	if res.TokenOutcomes[contract.OutcomeCompleted] != 3 || res.TokenOutcomes[contract.OutcomeQuarantined] != 1 {
		t.Errorf("TokenOutcomes = %v", res.TokenOutcomes)
	}
	if res.Destinations["archive"] != 3 {
		t.Errorf("Destinations = %v", res.Destinations)
	}
	if len(res.Rows) != 4 {
		t.Errorf("len(Rows) = %d, want 4", len(res.Rows))
	}
	if res.Reproducibility != ReproducibilityPartial {
		t.Errorf("Reproducibility = %s, want %s", res.Reproducibility, ReproducibilityPartial)
	}
	if res.Divergences != 0 || res.StaleResults != 0 {
		t.Errorf("Divergences = %d, StaleResults = %d, want 0", res.Divergences, res.StaleResults)
	}

	rows := sink.Rows()
	if len(rows) != 3 {
		t.Fatalf("sink got %d rows, want 3", len(rows))
	}
	for i, r := range rows {
		if r["id"] != float64(i+1) || r["status"] != "enriched" {
			t.Errorf("sink row %d = %v", i, r)
		}
	}
	if source.closes != 1 {
		t.Errorf("source closed %d times, want 1", source.closes)
	}
	if sink.flushes == 0 || sink.closes == 0 {
		t.Errorf("sink flushes = %d, closes = %d, want both nonzero", sink.flushes, sink.closes)
	}

	run, ok, err := a.reader.GetRun(ctx, "run_OLIVE")
	if err != nil || !ok {
		t.Fatalf("GetRun failed: ok=%v err=%v", ok, err)
	}
	if run.Status != contract.RunCompleted {
		t.Errorf("stored run status = %s", run.Status)
	}
	if run.RunMode != contract.ModeLive {
		t.Errorf("stored run mode = %s", run.RunMode)
	}
	if run.SchemaContractHash == "" {
		t.Error("run row has no schema contract hash")
	}
	if run.CompletedAt == nil {
		t.Error("run row has no completion time")
	}

	// Checkpoints were cut every two rows and deleted when the run settled.
	cm := mustCheckpointManager(t, a, g)
	if _, found, err := cm.Latest(ctx, "run_OLIVE"); err != nil || found {
		t.Errorf("Latest after completion: found=%v err=%v, want none", found, err)
	}

	counts := capture.counts()
	if counts[telemetry.KindRunStarted] != 1 || counts[telemetry.KindRunCompleted] != 1 {
		t.Errorf("run events = %d started, %d completed, want 1 each",
			counts[telemetry.KindRunStarted], counts[telemetry.KindRunCompleted])
	}
	if counts[telemetry.KindNodeRegistered] != 3 {
		t.Errorf("node registrations = %d, want 3", counts[telemetry.KindNodeRegistered])
	}
	if counts[telemetry.KindRowProcessed] != 4 {
		t.Errorf("row events = %d, want 4", counts[telemetry.KindRowProcessed])
	}
	if counts[telemetry.KindCheckpointSaved] != 2 {
		t.Errorf("checkpoint events = %d, want 2", counts[telemetry.KindCheckpointSaved])
	}
	done, ok := capture.last(telemetry.KindRunCompleted).(telemetry.RunCompleted)
	if !ok {
		t.Fatalf("no RunCompleted event captured")
	}
	if done.RunID != "run_OLIVE" || done.Status != contract.RunCompleted || done.RowsProcessed != 4 {
		t.Errorf("RunCompleted event = %+v", done)
	}
}

func TestOrchestratorInterrupt(t *testing.T) {
	ctx := context.Background()

	t.Run("buffered rows settle with the interrupt reason", func(t *testing.T) {
		a := newTestAudit(t)
		g := aggGraph(t, "run_OINT")
		source := newFakeSource(t, "new")
		source.loadErr = context.Canceled
		sink := &memSink{}

		cfg := orchConfig(a, g, bindByID(t, g, map[string]*NodeBinding{
			"events": {Source: source},
			"collect": {Aggregation: &AggregationSettings{
				OutputMode: contract.OutputPassthrough,
				Trigger:    TriggerConfig{Count: 2},
			}},
			"archive": {Sink: sink},
		}))
		o := mustOrchestrator(t, cfg)

		res, err := o.Run(ctx)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run err = %v, want context.Canceled", err)
		}
		if res.Status != contract.RunInterrupted {
			t.Errorf("Status = %s, want %s", res.Status, contract.RunInterrupted)
		}
		if len(res.Rows) != 1 || res.Rows[0].Outcome != contract.OutcomeFailed {
			t.Fatalf("Rows = %+v, want one failed settle", res.Rows)
		}
		if reason := res.Rows[0].Detail["reason"]; reason != "run_interrupted_before_flush" {
			t.Errorf("settle reason = %v", reason)
		}

		run, ok, err := a.reader.GetRun(ctx, "run_OINT")
		if err != nil || !ok {
			t.Fatalf("GetRun failed: ok=%v err=%v", ok, err)
		}
		if run.Status != contract.RunInterrupted {
			t.Errorf("stored run status = %s", run.Status)
		}
		counts := outcomeCounts(t, a, "run_OINT")
		if counts[contract.OutcomeFailed] != 1 {
			t.Errorf("outcome counts = %v", counts)
		}
		unsettled, err := a.reader.UnsettledTokens(ctx, "run_OINT")
		if err != nil {
			t.Fatalf("UnsettledTokens failed: %v", err)
		}
		if len(unsettled) != 0 {
			t.Errorf("%d tokens left unsettled", len(unsettled))
		}
		if len(sink.Rows()) != 0 {
			t.Errorf("sink got %d rows before the flush", len(sink.Rows()))
		}
	})

	t.Run("checkpoints survive an interrupt", func(t *testing.T) {
		a := newTestAudit(t)
		g := linearGraph(t, "run_OICP", false)
		source := newFakeSource(t, "new", "new")
		source.loadErr = context.DeadlineExceeded
		sink := &memSink{}

		cfg := orchConfig(a, g, bindByID(t, g, map[string]*NodeBinding{
			"events":  {Source: source},
			"enrich":  {Transform: passthroughTransform()},
			"archive": {Sink: sink},
		}))
		cfg.CheckpointEvery = 1
		o := mustOrchestrator(t, cfg)

		res, err := o.Run(ctx)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Run err = %v, want context.DeadlineExceeded", err)
		}
		if res.Status != contract.RunInterrupted {
			t.Errorf("Status = %s, want %s", res.Status, contract.RunInterrupted)
		}
		if len(sink.Rows()) != 2 {
			t.Errorf("sink got %d rows, want 2 delivered before the interrupt", len(sink.Rows()))
		}

		cm := mustCheckpointManager(t, a, g)
		cp, found, err := cm.Latest(ctx, "run_OICP")
		if err != nil {
			t.Fatalf("Latest failed: %v", err)
		}
		if !found {
			t.Fatal("no checkpoint survived the interrupt")
		}
		if cp.SequenceNumber != 2 {
			t.Errorf("checkpoint sequence = %d, want 2", cp.SequenceNumber)
		}
	})
}

func TestOrchestratorSinkFailure(t *testing.T) {
	ctx := context.Background()
	a := newTestAudit(t)
	g := linearGraph(t, "run_OFAIL", false)
	source := newFakeSource(t, "new", "new")
	sink := &memSink{writeErr: errors.New("disk full")}

	cfg := orchConfig(a, g, bindByID(t, g, map[string]*NodeBinding{
		"events":  {Source: source},
		"enrich":  {Transform: passthroughTransform()},
		"archive": {Sink: sink},
	}))
	o := mustOrchestrator(t, cfg)

	res, err := o.Run(ctx)
	var pe *contract.PipelineError
	if !errors.As(err, &pe) {
		t.Fatalf("Run err = %v, want PipelineError", err)
	}
	if pe.Code != "sink_write_failed" {
		t.Errorf("error code = %s", pe.Code)
	}
	if res.Status != contract.RunFailed {
		t.Errorf("Status = %s, want %s", res.Status, contract.RunFailed)
	}
	if res.RowsProcessed != 1 {
		t.Errorf("RowsProcessed = %d, want 1; the stream stops at the first failure", res.RowsProcessed)
	}

	run, ok, err := a.reader.GetRun(ctx, "run_OFAIL")
	if err != nil || !ok {
		t.Fatalf("GetRun failed: ok=%v err=%v", ok, err)
	}
	if run.Status != contract.RunFailed {
		t.Errorf("stored run status = %s", run.Status)
	}
	if source.closes != 1 || sink.closes == 0 {
		t.Errorf("plugins not released: source closes = %d, sink closes = %d", source.closes, sink.closes)
	}
	counts := outcomeCounts(t, a, "run_OFAIL")
	if counts[contract.OutcomeFailed] != 1 {
		t.Errorf("outcome counts = %v", counts)
	}
}

func TestOrchestratorResume(t *testing.T) {
	ctx := context.Background()
	a := newTestAudit(t)
	g := linearGraph(t, "run_ORES", false)
	m := newLineageManager(t, a, g)
	schema := eventsSchema(t)
	src := nodeID(t, g, "events")

	// Fabricate the leavings of a crashed run: row 0 reached the sink, rows
	// 1 and 2 were in flight with no outcome, row 3 sat in an aggregation
	// buffer.
	toks := make([]*Token, 4)
	for i := range toks {
		row := contract.NewRow(map[string]any{"id": i + 1, "status": "new"}, schema)
		tok, err := m.CreateInitialToken(ctx, "run_ORES", src, i, row)
		if err != nil {
			t.Fatalf("CreateInitialToken %d failed: %v", i, err)
		}
		toks[i] = tok
	}
	err := a.rec.RecordOutcome(ctx, landscape.OutcomeParams{
		TokenID: toks[0].ID, RunID: "run_ORES",
		Outcome: contract.OutcomeCompleted, SinkName: "archive",
	})
	if err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}
	err = a.rec.RecordOutcome(ctx, landscape.OutcomeParams{
		TokenID: toks[3].ID, RunID: "run_ORES",
		Outcome: contract.OutcomeBuffered,
		Detail:  map[string]any{"batch_id": "bat_PENDING"},
	})
	if err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}

	bindings := func(sink *memSink) map[string]*NodeBinding {
		return bindByID(t, g, map[string]*NodeBinding{
			"events":  {Source: newFakeSource(t)},
			"enrich":  {Transform: setFieldTransform("status", "recovered")},
			"archive": {Sink: sink},
		})
	}

	t.Run("config drift is refused", func(t *testing.T) {
		cfg := orchConfig(a, g, bindings(&memSink{}))
		cfg.ConfigHash = strings.Repeat("d0", 32)
		o := mustOrchestrator(t, cfg)
		_, err := o.Resume(ctx)
		var ic *IncompatibleCheckpointError
		if !errors.As(err, &ic) {
			t.Fatalf("Resume err = %v, want IncompatibleCheckpointError", err)
		}
		if ic.Field != "config_hash" || ic.Stored != testConfigHash || ic.Current != strings.Repeat("d0", 32) {
			t.Errorf("IncompatibleCheckpointError = %+v", ic)
		}
	})

	t.Run("mode drift is refused", func(t *testing.T) {
		cfg := orchConfig(a, g, bindings(&memSink{}))
		cfg.Mode = contract.ModeReplay
		cfg.SourceRunID = "run_ELSEWHERE"
		o := mustOrchestrator(t, cfg)
		_, err := o.Resume(ctx)
		if err == nil || !strings.Contains(err.Error(), "was recorded in live mode; resume was configured for replay") {
			t.Errorf("Resume err = %v, want mode drift error", err)
		}
	})

	t.Run("a sink that cannot append is refused", func(t *testing.T) {
		cfg := orchConfig(a, g, bindings(&memSink{noResume: true}))
		o := mustOrchestrator(t, cfg)
		_, err := o.Resume(ctx)
		if err == nil || !strings.Contains(err.Error(), "sink archive cannot resume") {
			t.Errorf("Resume err = %v, want resume refusal", err)
		}
	})

	t.Run("crash leftovers settle and unfinished rows run again", func(t *testing.T) {
		sink := &memSink{}
		o := mustOrchestrator(t, orchConfig(a, g, bindings(sink)))
		res, err := o.Resume(ctx)
		if err != nil {
			t.Fatalf("Resume failed: %v", err)
		}
		if res.Status != contract.RunCompleted {
			t.Errorf("Status = %s, want %s", res.Status, contract.RunCompleted)
		}
		if res.RowsProcessed != 3 {
			t.Errorf("RowsProcessed = %d, want 3 re-admitted rows", res.RowsProcessed)
		}
		if res.TokenOutcomes[contract.OutcomeCompleted] != 3 {
			t.Errorf("TokenOutcomes = %v", res.TokenOutcomes)
		}
		if res.Destinations["archive"] != 3 {
			t.Errorf("Destinations = %v", res.Destinations)
		}
		if !sink.resumed {
			t.Error("sink was not switched to append")
		}

		rows := sink.Rows()
		if len(rows) != 3 {
			t.Fatalf("sink got %d rows, want 3", len(rows))
		}
		for i, r := range rows {
			if r["id"] != float64(i+2) || r["status"] != "recovered" {
				t.Errorf("sink row %d = %v", i, r)
			}
		}

		// The dead process's tokens now hold terminal outcomes.
		if rec := outcomeOf(t, a, toks[1].ID); rec.Outcome != contract.OutcomeFailed ||
			!strings.Contains(rec.DetailJSON, "crashed_in_flight") {
			t.Errorf("token 1 outcome = %s detail %s", rec.Outcome, rec.DetailJSON)
		}
		if rec := outcomeOf(t, a, toks[2].ID); rec.Outcome != contract.OutcomeFailed ||
			!strings.Contains(rec.DetailJSON, "crashed_in_flight") {
			t.Errorf("token 2 outcome = %s detail %s", rec.Outcome, rec.DetailJSON)
		}
		if rec := outcomeOf(t, a, toks[3].ID); rec.Outcome != contract.OutcomeFailed ||
			!strings.Contains(rec.DetailJSON, "run_interrupted_before_flush") {
			t.Errorf("buffered token outcome = %s detail %s", rec.Outcome, rec.DetailJSON)
		}
		if rec := outcomeOf(t, a, toks[0].ID); rec.Outcome != contract.OutcomeCompleted {
			t.Errorf("settled token was rewritten to %s", rec.Outcome)
		}

		counts := outcomeCounts(t, a, "run_ORES")
		if counts[contract.OutcomeCompleted] != 4 || counts[contract.OutcomeFailed] != 3 {
			t.Errorf("outcome counts = %v", counts)
		}
		run, ok, err := a.reader.GetRun(ctx, "run_ORES")
		if err != nil || !ok {
			t.Fatalf("GetRun failed: ok=%v err=%v", ok, err)
		}
		if run.Status != contract.RunCompleted {
			t.Errorf("stored run status = %s", run.Status)
		}
	})

	t.Run("a settled run refuses to resume", func(t *testing.T) {
		o := mustOrchestrator(t, orchConfig(a, g, bindings(&memSink{})))
		_, err := o.Resume(ctx)
		if err == nil || !strings.Contains(err.Error(), "only a running run can resume") {
			t.Errorf("Resume err = %v, want settled run refusal", err)
		}
	})
}

func TestOrchestratorReplay(t *testing.T) {
	ctx := context.Background()
	a := newTestAudit(t)

	liveGraph := linearGraph(t, "run_OREC", false)
	liveVerdicts := &callingTransform{verdict: func(id string) (contract.CallResponse, error) {
		if id == "1" {
			return verdictResponse("alpha"), nil
		}
		return verdictResponse("beta"), nil
	}}
	liveSink := &memSink{}
	live := mustOrchestrator(t, orchConfig(a, liveGraph, bindByID(t, liveGraph, map[string]*NodeBinding{
		"events":  {Source: newFakeSource(t, "new", "new")},
		"enrich":  {Transform: liveVerdicts},
		"archive": {Sink: liveSink},
	})))
	lres, err := live.Run(ctx)
	if err != nil {
		t.Fatalf("live Run failed: %v", err)
	}
	if lres.Status != contract.RunCompleted {
		t.Fatalf("live run ended %s", lres.Status)
	}
	if liveVerdicts.Invocations() != 2 {
		t.Fatalf("live run made %d calls, want 2", liveVerdicts.Invocations())
	}

	replayGraph := linearGraph(t, "run_OREP", false)
	replayVerdicts := &callingTransform{verdict: func(id string) (contract.CallResponse, error) {
		return contract.CallResponse{}, fmt.Errorf("live call escaped replay")
	}}
	replaySink := &memSink{}
	cfg := orchConfig(a, replayGraph, bindByID(t, replayGraph, map[string]*NodeBinding{
		"events":  {Source: newFakeSource(t)},
		"enrich":  {Transform: replayVerdicts},
		"archive": {Sink: replaySink},
	}))
	cfg.Mode = contract.ModeReplay
	cfg.SourceRunID = "run_OREC"
	replay := mustOrchestrator(t, cfg)

	res, err := replay.Run(ctx)
	if err != nil {
		t.Fatalf("replay Run failed: %v", err)
	}
	if res.Status != contract.RunCompleted {
		t.Errorf("Status = %s, want %s", res.Status, contract.RunCompleted)
	}
	if res.Mode != contract.ModeReplay {
		t.Errorf("Mode = %s, want %s", res.Mode, contract.ModeReplay)
	}
	if res.RowsProcessed != 2 {
		t.Errorf("RowsProcessed = %d, want 2", res.RowsProcessed)
	}
	if replayVerdicts.Invocations() != 0 {
		t.Errorf("replay executed %d live calls, want 0", replayVerdicts.Invocations())
	}

	rows := replaySink.Rows()
	if len(rows) != 2 {
		t.Fatalf("replay sink got %d rows, want 2", len(rows))
	}
	if rows[0]["status"] != "alpha" || rows[1]["status"] != "beta" {
		t.Errorf("replayed verdicts = %v, %v; want the recorded ones", rows[0]["status"], rows[1]["status"])
	}

	run, ok, err := a.reader.GetRun(ctx, "run_OREP")
	if err != nil || !ok {
		t.Fatalf("GetRun failed: ok=%v err=%v", ok, err)
	}
	if run.RunMode != contract.ModeReplay || run.SourceRunID != "run_OREC" {
		t.Errorf("stored run mode = %s source = %s", run.RunMode, run.SourceRunID)
	}

	t.Run("a running source run is refused", func(t *testing.T) {
		err := a.rec.BeginRun(ctx, landscape.BeginRunParams{
			RunID:            "run_BUSY",
			ConfigHash:       testConfigHash,
			Settings:         map[string]any{"workers": 2},
			CanonicalVersion: "1",
			Mode:             contract.ModeLive,
		})
		if err != nil {
			t.Fatalf("BeginRun failed: %v", err)
		}
		g := linearGraph(t, "run_OREP2", false)
		cfg := orchConfig(a, g, bindByID(t, g, map[string]*NodeBinding{
			"events":  {Source: newFakeSource(t)},
			"enrich":  {Transform: passthroughTransform()},
			"archive": {Sink: &memSink{}},
		}))
		cfg.Mode = contract.ModeReplay
		cfg.SourceRunID = "run_BUSY"
		o := mustOrchestrator(t, cfg)
		_, err = o.Run(ctx)
		if err == nil || !strings.Contains(err.Error(), "needs a settled recording") {
			t.Errorf("Run err = %v, want settled recording error", err)
		}
	})
}

func TestOrchestratorVerify(t *testing.T) {
	ctx := context.Background()
	a := newTestAudit(t)

	srcGraph := linearGraph(t, "run_OVSRC", false)
	srcVerdicts := &callingTransform{verdict: func(id string) (contract.CallResponse, error) {
		if id == "1" {
			return verdictResponse("alpha"), nil
		}
		return verdictResponse("beta"), nil
	}}
	src := mustOrchestrator(t, orchConfig(a, srcGraph, bindByID(t, srcGraph, map[string]*NodeBinding{
		"events":  {Source: newFakeSource(t, "new", "new")},
		"enrich":  {Transform: srcVerdicts},
		"archive": {Sink: &memSink{}},
	})))
	if _, err := src.Run(ctx); err != nil {
		t.Fatalf("recording Run failed: %v", err)
	}

	// The verify run answers id 1 the same way and drifts on id 2.
	verGraph := linearGraph(t, "run_OVER", false)
	verVerdicts := &callingTransform{verdict: func(id string) (contract.CallResponse, error) {
		if id == "1" {
			return verdictResponse("alpha"), nil
		}
		return verdictResponse("gamma"), nil
	}}
	verSink := &memSink{}
	cfg := orchConfig(a, verGraph, bindByID(t, verGraph, map[string]*NodeBinding{
		"events":  {Source: newFakeSource(t)},
		"enrich":  {Transform: verVerdicts},
		"archive": {Sink: verSink},
	}))
	cfg.Mode = contract.ModeVerify
	cfg.SourceRunID = "run_OVSRC"
	verify := mustOrchestrator(t, cfg)

	res, err := verify.Run(ctx)
	if err != nil {
		t.Fatalf("verify Run failed: %v", err)
	}
	if res.Status != contract.RunCompleted {
		t.Errorf("Status = %s, want %s", res.Status, contract.RunCompleted)
	}
	if res.Mode != contract.ModeVerify {
		t.Errorf("Mode = %s, want %s", res.Mode, contract.ModeVerify)
	}
	if verVerdicts.Invocations() != 2 {
		t.Errorf("verify executed %d live calls, want 2", verVerdicts.Invocations())
	}
	if res.Divergences != 1 {
		t.Errorf("Divergences = %d, want 1", res.Divergences)
	}

	// Verify runs live: the drifted response is what reaches the sink.
	rows := verSink.Rows()
	if len(rows) != 2 {
		t.Fatalf("verify sink got %d rows, want 2", len(rows))
	}
	if rows[0]["status"] != "alpha" || rows[1]["status"] != "gamma" {
		t.Errorf("verify verdicts = %v, %v", rows[0]["status"], rows[1]["status"])
	}

	run, ok, err := a.reader.GetRun(ctx, "run_OVER")
	if err != nil || !ok {
		t.Fatalf("GetRun failed: ok=%v err=%v", ok, err)
	}
	if run.RunMode != contract.ModeVerify || run.SourceRunID != "run_OVSRC" {
		t.Errorf("stored run mode = %s source = %s", run.RunMode, run.SourceRunID)
	}
}

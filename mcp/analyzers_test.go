package mcp

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/dag"
	"github.com/elspeth-run/elspeth/landscape"
)

// recordedRun seeds a small but complete trail: one row, a fork into two
// branches, a join, one completed and one failed node visit.
func recordedRun(t *testing.T, db *landscape.DB, runID string) *dag.Graph {
	t.Helper()
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	rec := landscape.NewRecorder(db, landscape.WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))

	if err := rec.BeginRun(ctx, landscape.BeginRunParams{
		RunID:            runID,
		ConfigHash:       strings.Repeat("cd", 32),
		Settings:         map[string]any{"workers": 2},
		CanonicalVersion: "1",
		Mode:             contract.ModeLive,
	}); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}

	b := dag.NewBuilder(runID)
	b.AddNode(dag.NodeDef{Name: "orders", Plugin: "csv_source", Type: contract.NodeSource,
		Determinism: contract.DetIORead, Config: map[string]any{"path": "orders.csv"}})
	b.AddNode(dag.NodeDef{Name: "triage", Plugin: "keyword_filter", Type: contract.NodeGate,
		Determinism: contract.DetDeterministic, Config: map[string]any{"field": "status"}})
	b.AddNode(dag.NodeDef{Name: "output", Plugin: "json_sink", Type: contract.NodeSink,
		Determinism: contract.DetIOWrite, Config: map[string]any{"path": "out.json"}})
	b.AddNode(dag.NodeDef{Name: "flagged_out", Plugin: "json_sink", Type: contract.NodeSink,
		Determinism: contract.DetIOWrite, Config: map[string]any{"path": "flagged.json"}})
	b.AddEdge("orders", "triage", dag.LabelContinue, contract.ModeMove)
	b.AddEdge("triage", "output", dag.LabelContinue, contract.ModeMove)
	b.AddEdge("triage", "flagged_out", "flagged", contract.ModeMove)
	g, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := rec.RegisterGraph(ctx, g); err != nil {
		t.Fatalf("RegisterGraph failed: %v", err)
	}

	source, err := g.NodeByName("orders")
	if err != nil {
		t.Fatalf("NodeByName failed: %v", err)
	}
	triage, err := g.NodeByName("triage")
	if err != nil {
		t.Fatalf("NodeByName failed: %v", err)
	}

	if err := rec.CreateRowWithToken(ctx, landscape.RowTokenParams{
		RowID:          "row_1",
		RunID:          runID,
		SourceNodeID:   source.ID,
		RowIndex:       0,
		SourceDataHash: strings.Repeat("ef", 32),
		TokenID:        "tok_root",
	}); err != nil {
		t.Fatalf("CreateRowWithToken failed: %v", err)
	}

	children := []landscape.ChildToken{
		{TokenID: "tok_a", RunID: runID, RowID: "row_1", ForkGroupID: "fork_1",
			BranchName: "flagged", StepInPipeline: 1,
			Parents: []landscape.ParentRef{{TokenID: "tok_root", Ordinal: 0}}},
		{TokenID: "tok_b", RunID: runID, RowID: "row_1", ForkGroupID: "fork_1",
			BranchName: "continue", StepInPipeline: 1,
			Parents: []landscape.ParentRef{{TokenID: "tok_root", Ordinal: 0}}},
	}
	if err := rec.CreateChildTokens(ctx, children); err != nil {
		t.Fatalf("CreateChildTokens failed: %v", err)
	}
	join := []landscape.ChildToken{
		{TokenID: "tok_join", RunID: runID, RowID: "row_1", JoinGroupID: "join_1",
			StepInPipeline: 2,
			Parents: []landscape.ParentRef{
				{TokenID: "tok_a", Ordinal: 0},
				{TokenID: "tok_b", Ordinal: 1},
			}},
	}
	if err := rec.CreateChildTokens(ctx, join); err != nil {
		t.Fatalf("CreateChildTokens failed: %v", err)
	}

	if err := rec.BeginNodeState(ctx, landscape.StateParams{
		StateID: "st_ok", RunID: runID, TokenID: "tok_a", NodeID: triage.ID,
		StepIndex: 1, Attempt: 0, InputHash: strings.Repeat("01", 32),
	}); err != nil {
		t.Fatalf("BeginNodeState failed: %v", err)
	}
	if err := rec.CompleteNodeState(ctx, landscape.CompleteStateParams{
		StateID: "st_ok", OutputHash: strings.Repeat("02", 32), DurationMS: 12,
	}); err != nil {
		t.Fatalf("CompleteNodeState failed: %v", err)
	}

	if err := rec.BeginNodeState(ctx, landscape.StateParams{
		StateID: "st_bad", RunID: runID, TokenID: "tok_b", NodeID: triage.ID,
		StepIndex: 1, Attempt: 1, InputHash: strings.Repeat("03", 32),
	}); err != nil {
		t.Fatalf("BeginNodeState failed: %v", err)
	}
	if err := rec.FailNodeState(ctx, landscape.FailStateParams{
		StateID: "st_bad", DurationMS: 7,
		Failure: &contract.ExecutionError{Exception: "field status missing", Type: "TransformError"},
	}); err != nil {
		t.Fatalf("FailNodeState failed: %v", err)
	}

	outcomes := []landscape.OutcomeParams{
		{TokenID: "tok_root", RunID: runID, Outcome: contract.OutcomeForked},
		{TokenID: "tok_a", RunID: runID, Outcome: contract.OutcomeCompleted, SinkName: "flagged_out"},
		{TokenID: "tok_b", RunID: runID, Outcome: contract.OutcomeFailed},
	}
	for _, o := range outcomes {
		if err := rec.RecordOutcome(ctx, o); err != nil {
			t.Fatalf("RecordOutcome(%s) failed: %v", o.TokenID, err)
		}
	}

	if err := rec.CompleteRun(ctx, runID, contract.RunCompleted); err != nil {
		t.Fatalf("CompleteRun failed: %v", err)
	}
	return g
}

func TestSummarizeRun(t *testing.T) {
	db := newTestDB(t)
	recordedRun(t, db, "run_summary")

	s, err := SummarizeRun(context.Background(), db, "run_summary")
	if err != nil {
		t.Fatalf("SummarizeRun failed: %v", err)
	}
	if s.Status != "completed" {
		t.Errorf("Status = %q, want completed", s.Status)
	}
	if s.Mode != "live" {
		t.Errorf("Mode = %q, want live", s.Mode)
	}
	if s.Rows != 1 {
		t.Errorf("Rows = %d, want 1", s.Rows)
	}
	if s.Tokens != 4 {
		t.Errorf("Tokens = %d, want 4", s.Tokens)
	}
	want := map[string]int{"forked": 1, "completed": 1, "failed": 1}
	for outcome, n := range want {
		if s.Outcomes[outcome] != n {
			t.Errorf("Outcomes[%s] = %d, want %d", outcome, s.Outcomes[outcome], n)
		}
	}
	if s.StatesCompleted != 1 || s.StatesFailed != 1 || s.StatesOpen != 0 {
		t.Errorf("states = %d completed / %d failed / %d open, want 1/1/0",
			s.StatesCompleted, s.StatesFailed, s.StatesOpen)
	}
	if s.Artifacts != 0 {
		t.Errorf("Artifacts = %d, want 0", s.Artifacts)
	}
	if s.CompletedAt == "" {
		t.Error("CompletedAt is empty after CompleteRun")
	}
}

func TestSummarizeRunUnknown(t *testing.T) {
	db := newTestDB(t)
	_, err := SummarizeRun(context.Background(), db, "run_absent")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("want not-found error, got %v", err)
	}
}

func TestListFailedStates(t *testing.T) {
	db := newTestDB(t)
	recordedRun(t, db, "run_failures")

	failed, err := ListFailedStates(context.Background(), db, "run_failures")
	if err != nil {
		t.Fatalf("ListFailedStates failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("want 1 failed state, got %d", len(failed))
	}
	f := failed[0]
	if f.StateID != "st_bad" || f.TokenID != "tok_b" {
		t.Errorf("got state %s for token %s, want st_bad for tok_b", f.StateID, f.TokenID)
	}
	if f.NodeName != "triage" || f.PluginName != "keyword_filter" {
		t.Errorf("got node %s plugin %s, want triage keyword_filter", f.NodeName, f.PluginName)
	}
	if f.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", f.Attempt)
	}
	if !strings.Contains(f.ErrorJSON, "field status missing") {
		t.Errorf("ErrorJSON %q does not carry the failure detail", f.ErrorJSON)
	}
}

func TestTraceLineageFork(t *testing.T) {
	db := newTestDB(t)
	recordedRun(t, db, "run_lineage")

	entries, err := TraceLineage(context.Background(), db, "tok_a")
	if err != nil {
		t.Fatalf("TraceLineage failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("want 2 entries, got %d: %+v", len(entries), entries)
	}
	root, leaf := entries[0], entries[1]
	if root.TokenID != "tok_root" || root.Depth != 1 || root.RowID != "row_1" {
		t.Errorf("root entry = %+v, want tok_root at depth 1 on row_1", root)
	}
	if leaf.TokenID != "tok_a" || leaf.Depth != 0 || leaf.Branch != "flagged" {
		t.Errorf("leaf entry = %+v, want tok_a at depth 0 on branch flagged", leaf)
	}
}

func TestTraceLineageJoin(t *testing.T) {
	db := newTestDB(t)
	recordedRun(t, db, "run_join")

	entries, err := TraceLineage(context.Background(), db, "tok_join")
	if err != nil {
		t.Fatalf("TraceLineage failed: %v", err)
	}
	// Two fork branches each contribute root+self, then the join itself.
	if len(entries) != 5 {
		t.Fatalf("want 5 entries, got %d: %+v", len(entries), entries)
	}
	last := entries[len(entries)-1]
	if last.TokenID != "tok_join" || last.Depth != 0 {
		t.Errorf("last entry = %+v, want tok_join at depth 0", last)
	}
	var sawA, sawB bool
	for _, e := range entries {
		switch e.TokenID {
		case "tok_a":
			sawA = true
			if e.Ordinal != 0 {
				t.Errorf("tok_a ordinal = %d, want 0", e.Ordinal)
			}
		case "tok_b":
			sawB = true
			if e.Ordinal != 1 {
				t.Errorf("tok_b ordinal = %d, want 1", e.Ordinal)
			}
		}
	}
	if !sawA || !sawB {
		t.Errorf("join lineage missing a parent: %+v", entries)
	}
}

func TestTraceLineageUnknownToken(t *testing.T) {
	db := newTestDB(t)
	_, err := TraceLineage(context.Background(), db, "tok_ghost")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("want not-found error, got %v", err)
	}
}

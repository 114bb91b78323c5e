package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/dag"
)

// ckptGraph mirrors aggGraph with an adjustable source path and batch
// count, so compatibility tests can vary one node at a time.
func ckptGraph(t *testing.T, runID, srcPath string, count int) *dag.Graph {
	t.Helper()
	b := dag.NewBuilder(runID)
	b.AddNode(dag.NodeDef{Name: "events", Plugin: "csv", Type: contract.NodeSource,
		Determinism: contract.DetIORead, Config: map[string]any{"path": srcPath}})
	b.AddNode(dag.NodeDef{Name: "collect", Plugin: "batch_stats", Type: contract.NodeAggregation,
		Determinism: contract.DetDeterministic, Config: map[string]any{"count": count}})
	b.AddNode(dag.NodeDef{Name: "archive", Plugin: "json_sink", Type: contract.NodeSink,
		Determinism: contract.DetIOWrite, Config: map[string]any{"path": "out.json"}})
	b.AddEdge("events", "collect", dag.LabelContinue, contract.ModeMove)
	b.AddEdge("collect", "archive", dag.LabelContinue, contract.ModeMove)
	return mustBuild(t, b)
}

func mustCheckpointManager(t *testing.T, a *testAudit, g *dag.Graph) *CheckpointManager {
	t.Helper()
	cm, err := NewCheckpointManager(a.rec, a.reader, a.payloads, g)
	if err != nil {
		t.Fatalf("NewCheckpointManager failed: %v", err)
	}
	return cm
}

func TestCheckpointLifecycle(t *testing.T) {
	a := newTestAudit(t)
	g := ckptGraph(t, "run_CKPT", "events.csv", 2)
	m := newLineageManager(t, a, g)
	cm := mustCheckpointManager(t, a, g)
	ctx := context.Background()
	schema := eventsSchema(t)
	src := nodeID(t, g, "events")
	collect := nodeID(t, g, "collect")

	if _, ok, err := cm.Latest(ctx, "run_CKPT"); err != nil || ok {
		t.Fatalf("Latest before any checkpoint: ok=%v err=%v", ok, err)
	}

	tok1, err := m.CreateInitialToken(ctx, "run_CKPT", src, 0,
		contract.NewRow(map[string]any{"id": 1, "status": "new"}, schema))
	if err != nil {
		t.Fatalf("CreateInitialToken failed: %v", err)
	}
	tok2, err := m.CreateInitialToken(ctx, "run_CKPT", src, 1,
		contract.NewRow(map[string]any{"id": 2, "status": "new"}, schema))
	if err != nil {
		t.Fatalf("CreateInitialToken failed: %v", err)
	}

	if _, err := cm.Create(ctx, "run_CKPT", tok1.ID, collect, 1, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	cp2, err := cm.Create(ctx, "run_CKPT", tok2.ID, collect, 2, map[string]any{"pending": 2})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	latest, ok, err := cm.Latest(ctx, "run_CKPT")
	if err != nil || !ok {
		t.Fatalf("Latest: ok=%v err=%v", ok, err)
	}
	if latest.CheckpointID != cp2 {
		t.Errorf("Latest returned %s, want the highest sequence %s", latest.CheckpointID, cp2)
	}
	if latest.SequenceNumber != 2 || latest.TokenID != tok2.ID || latest.NodeID != collect {
		t.Errorf("checkpoint record = %+v", latest)
	}
	if latest.FormatVersion != checkpointFormatVersion {
		t.Errorf("format version %d, want %d", latest.FormatVersion, checkpointFormatVersion)
	}
	topo, err := g.UpstreamTopologyHash(collect)
	if err != nil {
		t.Fatalf("UpstreamTopologyHash failed: %v", err)
	}
	if latest.UpstreamTopologyHash != topo {
		t.Errorf("stored topology hash %s, graph computes %s", latest.UpstreamTopologyHash, topo)
	}
	if !strings.Contains(latest.AggregationStateJSON, "pending") {
		t.Errorf("aggregation state not persisted: %q", latest.AggregationStateJSON)
	}

	if err := cm.CheckCompatibility(latest); err != nil {
		t.Errorf("fresh checkpoint judged incompatible: %v", err)
	}

	if err := cm.Delete(ctx, "run_CKPT"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, err := cm.Latest(ctx, "run_CKPT"); err != nil || ok {
		t.Errorf("checkpoint survived Delete: ok=%v err=%v", ok, err)
	}
}

func TestCheckpointCompatibility(t *testing.T) {
	a := newTestAudit(t)
	g := ckptGraph(t, "run_CKC", "events.csv", 2)
	m := newLineageManager(t, a, g)
	cm := mustCheckpointManager(t, a, g)
	ctx := context.Background()

	tok, err := m.CreateInitialToken(ctx, "run_CKC", nodeID(t, g, "events"), 0,
		contract.NewRow(map[string]any{"id": 1, "status": "new"}, eventsSchema(t)))
	if err != nil {
		t.Fatalf("CreateInitialToken failed: %v", err)
	}
	if _, err := cm.Create(ctx, "run_CKC", tok.ID, nodeID(t, g, "collect"), 1, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	cp, ok, err := cm.Latest(ctx, "run_CKC")
	if err != nil || !ok {
		t.Fatalf("Latest: ok=%v err=%v", ok, err)
	}

	t.Run("identical pipeline rebuilt", func(t *testing.T) {
		rebuilt := ckptGraph(t, "run_CKC", "events.csv", 2)
		if err := mustCheckpointManager(t, a, rebuilt).CheckCompatibility(cp); err != nil {
			t.Errorf("rebuilt pipeline judged incompatible: %v", err)
		}
	})

	t.Run("older format version", func(t *testing.T) {
		stale := *cp
		stale.FormatVersion = 1
		var inc *IncompatibleCheckpointError
		if err := cm.CheckCompatibility(&stale); !errors.As(err, &inc) {
			t.Fatalf("CheckCompatibility returned %v, want IncompatibleCheckpointError", err)
		} else if inc.Field != "format_version" {
			t.Errorf("field %s, want format_version", inc.Field)
		}
	})

	t.Run("aggregation node reconfigured", func(t *testing.T) {
		changed := ckptGraph(t, "run_CKC", "events.csv", 5)
		var inc *IncompatibleCheckpointError
		if err := mustCheckpointManager(t, a, changed).CheckCompatibility(cp); !errors.As(err, &inc) {
			t.Fatalf("CheckCompatibility returned %v, want IncompatibleCheckpointError", err)
		} else if inc.Field != "node_id" {
			t.Errorf("field %s, want node_id", inc.Field)
		}
	})

	t.Run("upstream source reconfigured", func(t *testing.T) {
		changed := ckptGraph(t, "run_CKC", "other.csv", 2)
		var inc *IncompatibleCheckpointError
		if err := mustCheckpointManager(t, a, changed).CheckCompatibility(cp); !errors.As(err, &inc) {
			t.Fatalf("CheckCompatibility returned %v, want IncompatibleCheckpointError", err)
		} else if inc.Field != "upstream_topology_hash" {
			t.Errorf("field %s, want upstream_topology_hash", inc.Field)
		} else if inc.Stored == inc.Current {
			t.Errorf("stored and current hashes both %q", inc.Stored)
		}
	})

	t.Run("stored config hash rewritten", func(t *testing.T) {
		doctored := *cp
		doctored.CheckpointNodeConfigHash = strings.Repeat("ab", 32)
		var inc *IncompatibleCheckpointError
		if err := cm.CheckCompatibility(&doctored); !errors.As(err, &inc) {
			t.Fatalf("CheckCompatibility returned %v, want IncompatibleCheckpointError", err)
		} else if inc.Field != "checkpoint_node_config_hash" {
			t.Errorf("field %s, want checkpoint_node_config_hash", inc.Field)
		}
	})

	t.Run("error names the field and both values", func(t *testing.T) {
		err := &IncompatibleCheckpointError{Field: "node_id", Stored: "a", Current: "b"}
		if !strings.Contains(err.Error(), `node_id was "a", now "b"`) {
			t.Errorf("message %q", err.Error())
		}
	})
}

func TestUnprocessedRows(t *testing.T) {
	a := newTestAudit(t)
	g := ckptGraph(t, "run_RESCUE", "events.csv", 2)
	m := newLineageManager(t, a, g)
	cm := mustCheckpointManager(t, a, g)
	ctx := context.Background()
	schema := eventsSchema(t)
	src := nodeID(t, g, "events")
	collect := nodeID(t, g, "collect")

	toks := make([]*Token, 5)
	for i := range toks {
		tok, err := m.CreateInitialToken(ctx, "run_RESCUE", src, i,
			contract.NewRow(map[string]any{"id": i + 1, "status": "new"}, schema))
		if err != nil {
			t.Fatalf("CreateInitialToken %d failed: %v", i, err)
		}
		toks[i] = tok
	}
	// Row 5 was garbage the canonical encoder rejected, so it has a repr
	// fingerprint but no stored payload.
	_, err := m.CreateQuarantineToken(ctx, "run_RESCUE", src, 5,
		map[string]any{"id": make(chan int)},
		[]contract.Violation{&contract.MissingFieldError{NormalizedName: "status", OriginalName: "Status"}})
	if err != nil {
		t.Fatalf("CreateQuarantineToken failed: %v", err)
	}

	t.Run("nil checkpoint projects every payload-bearing row", func(t *testing.T) {
		rows, err := cm.UnprocessedRows(ctx, "run_RESCUE", nil, schema)
		if err != nil {
			t.Fatalf("UnprocessedRows failed: %v", err)
		}
		if len(rows) != 5 {
			t.Fatalf("recovered %d rows, want 5", len(rows))
		}
		for i, rr := range rows {
			if rr.Record.RowIndex != i {
				t.Errorf("position %d holds row index %d", i, rr.Record.RowIndex)
			}
			if rr.Data["id"] != int64(i+1) {
				t.Errorf("row %d id = %v (%T), want int64 %d", i, rr.Data["id"], rr.Data["id"], i+1)
			}
			if rr.Data["status"] != "new" {
				t.Errorf("row %d status = %v", i, rr.Data["status"])
			}
		}
	})

	t.Run("checkpoint restarts after the drained row", func(t *testing.T) {
		if _, err := cm.Create(ctx, "run_RESCUE", toks[2].ID, collect, 1, nil); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		cp, ok, err := cm.Latest(ctx, "run_RESCUE")
		if err != nil || !ok {
			t.Fatalf("Latest: ok=%v err=%v", ok, err)
		}
		rows, err := cm.UnprocessedRows(ctx, "run_RESCUE", cp, schema)
		if err != nil {
			t.Fatalf("UnprocessedRows failed: %v", err)
		}
		if len(rows) != 2 {
			t.Fatalf("recovered %d rows, want 2", len(rows))
		}
		if rows[0].Record.RowIndex != 3 || rows[1].Record.RowIndex != 4 {
			t.Errorf("recovered indices %d, %d, want 3, 4",
				rows[0].Record.RowIndex, rows[1].Record.RowIndex)
		}
	})

	t.Run("checkpoint naming a missing token", func(t *testing.T) {
		cp, ok, err := cm.Latest(ctx, "run_RESCUE")
		if err != nil || !ok {
			t.Fatalf("Latest: ok=%v err=%v", ok, err)
		}
		broken := *cp
		broken.TokenID = "tok_01GONE00000000000000000000"
		_, err = cm.UnprocessedRows(ctx, "run_RESCUE", &broken, schema)
		var integ *contract.AuditIntegrityError
		if !errors.As(err, &integ) {
			t.Fatalf("UnprocessedRows returned %v, want AuditIntegrityError", err)
		}
	})
}

package landscape

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/elspeth-run/elspeth/contract"
)

func populateRun(t *testing.T, rec *Recorder, runID string) {
	t.Helper()
	ctx := context.Background()
	beginRun(t, rec, runID)
	g := registerGraph(t, rec, runID)
	_, token := createToken(t, rec, runID, g, 0)
	stateID := openState(t, rec, runID, token, g.Source().ID, 0, 1)
	if err := rec.CompleteNodeState(ctx, CompleteStateParams{
		StateID:    stateID,
		OutputHash: "7777777777777777777777777777777777777777777777777777777777777777",
		DurationMS: 3,
	}); err != nil {
		t.Fatalf("CompleteNodeState failed: %v", err)
	}
	if err := rec.RecordOutcome(ctx, OutcomeParams{
		TokenID: token, RunID: runID,
		Outcome: contract.OutcomeCompleted, SinkName: "output",
	}); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}
	if err := rec.CompleteRun(ctx, runID, contract.RunCompleted); err != nil {
		t.Fatalf("CompleteRun failed: %v", err)
	}
}

func TestExportAndVerify(t *testing.T) {
	db := newTestDB(t)
	rec := NewRecorder(db, WithClock(tickingClock()))
	populateRun(t, rec, "run_EXP")
	ctx := context.Background()
	key := []byte("test-signing-key")

	var buf bytes.Buffer
	exp := NewExporter(db, key, WithExportClock(tickingClock()))
	manifest, err := exp.ExportRun(ctx, "run_EXP", &buf)
	if err != nil {
		t.Fatalf("ExportRun failed: %v", err)
	}

	t.Run("manifest describes the stream", func(t *testing.T) {
		if manifest.HashAlgorithm != "sha256" || manifest.SignatureAlgorithm != "hmac-sha256" {
			t.Errorf("algorithms = %s/%s", manifest.HashAlgorithm, manifest.SignatureAlgorithm)
		}
		if manifest.ChainHash == "" || manifest.Signature == "" {
			t.Error("manifest missing chain hash or signature")
		}
		// run + 4 nodes + 3 edges + row + token + outcome + state.
		if manifest.RecordCount != 12 {
			t.Errorf("record count = %d, want 12", manifest.RecordCount)
		}
		if manifest.CountsByType["node"] != 4 {
			t.Errorf("node count = %d, want 4", manifest.CountsByType["node"])
		}
	})

	t.Run("stream verifies with the right key", func(t *testing.T) {
		got, err := VerifyExport(bytes.NewReader(buf.Bytes()), key)
		if err != nil {
			t.Fatalf("VerifyExport failed: %v", err)
		}
		if got.ChainHash != manifest.ChainHash {
			t.Errorf("chain mismatch: %s vs %s", got.ChainHash, manifest.ChainHash)
		}
	})

	t.Run("wrong key fails", func(t *testing.T) {
		_, err := VerifyExport(bytes.NewReader(buf.Bytes()), []byte("other-key"))
		if err == nil || !strings.Contains(err.Error(), "signature mismatch") {
			t.Errorf("expected signature mismatch, got %v", err)
		}
	})

	t.Run("edited record detected by hash", func(t *testing.T) {
		tampered := strings.Replace(buf.String(), `"output"`, `"elsewhere"`, 1)
		_, err := VerifyExport(strings.NewReader(tampered), key)
		if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
			t.Errorf("expected hash mismatch, got %v", err)
		}
	})

	t.Run("dropped record detected by chain", func(t *testing.T) {
		lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
		// Drop a middle record but keep the manifest line.
		pruned := append(append([]string{}, lines[:3]...), lines[4:]...)
		_, err := VerifyExport(strings.NewReader(strings.Join(pruned, "\n")+"\n"), key)
		if err == nil {
			t.Error("expected verification failure after dropping a record")
		}
	})

	t.Run("truncated stream has no manifest", func(t *testing.T) {
		lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
		truncated := strings.Join(lines[:len(lines)-1], "\n") + "\n"
		_, err := VerifyExport(strings.NewReader(truncated), key)
		if err == nil || !strings.Contains(err.Error(), "no manifest") {
			t.Errorf("expected missing manifest error, got %v", err)
		}
	})
}

func TestExportUnsigned(t *testing.T) {
	db := newTestDB(t)
	rec := NewRecorder(db, WithClock(tickingClock()))
	populateRun(t, rec, "run_UNSIGNED")

	var buf bytes.Buffer
	exp := NewExporter(db, nil)
	manifest, err := exp.ExportRun(context.Background(), "run_UNSIGNED", &buf)
	if err != nil {
		t.Fatalf("ExportRun failed: %v", err)
	}
	if manifest.SignatureAlgorithm != "" || manifest.Signature != "" {
		t.Errorf("unsigned export carries signature fields: %+v", manifest)
	}
	if _, err := VerifyExport(bytes.NewReader(buf.Bytes()), nil); err != nil {
		t.Errorf("unsigned verification failed: %v", err)
	}
}

func TestExportUnknownRun(t *testing.T) {
	db := newTestDB(t)
	var buf bytes.Buffer
	_, err := NewExporter(db, nil).ExportRun(context.Background(), "run_NONE", &buf)
	if err == nil || !strings.Contains(err.Error(), "no audit records") {
		t.Errorf("expected no-records error, got %v", err)
	}
}

func TestMarkExported(t *testing.T) {
	db := newTestDB(t)
	rec := NewRecorder(db, WithClock(tickingClock()))
	rd := NewReader(db)
	populateRun(t, rec, "run_MARK")
	ctx := context.Background()

	if err := rec.MarkExported(ctx, "run_MARK", strings.Repeat("e", 64)); err != nil {
		t.Fatalf("MarkExported failed: %v", err)
	}
	got, _, err := rd.GetRun(ctx, "run_MARK")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.ExportStatus != "exported" || got.ExportedAt == nil || got.ExportManifestHash == "" {
		t.Errorf("export fields not stamped: %+v", got)
	}
}

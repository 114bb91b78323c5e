package builtin

import (
	"context"
	"testing"

	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/plugin"
)

func newTestReplicate(t *testing.T, cfg map[string]any) plugin.BatchTransform {
	t.Helper()
	tr, err := newReplicate(cfg)
	if err != nil {
		t.Fatalf("newReplicate failed: %v", err)
	}
	return tr
}

func replicateBatch(t *testing.T, tr plugin.BatchTransform, rows []contract.Row) contract.TransformResult {
	t.Helper()
	res, err := tr.ProcessBatch(context.Background(), &plugin.Context{}, rows)
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	if !res.OK() {
		t.Fatalf("expected success, got %+v", res.FailureReason())
	}
	return res
}

func TestReplicate_ProcessBatch(t *testing.T) {
	skuSchema := func(t *testing.T) *contract.Contract {
		return mustSchema(t, contract.SchemaFlexible, []string{"SKU: string", "Copies: int"})
	}
	skuRow := func(t *testing.T, sku string, copies any) contract.Row {
		data := map[string]any{"sku": sku}
		if copies != nil {
			data["copies"] = copies
		}
		return contract.NewRow(data, skuSchema(t))
	}

	t.Run("each row fans out by its copies field", func(t *testing.T) {
		tr := newTestReplicate(t, nil)
		res := replicateBatch(t, tr, []contract.Row{
			skuRow(t, "a", int64(2)),
			skuRow(t, "b", int64(1)),
		})
		if !res.Multi() {
			t.Fatal("fanout results should be multi")
		}
		out := res.Rows()
		if len(out) != 3 {
			t.Fatalf("got %d rows, want 3", len(out))
		}
		wantOrder := []struct {
			sku string
			ci  int
		}{{"a", 0}, {"a", 1}, {"b", 0}}
		for i, want := range wantOrder {
			if v, _ := out[i].Get("sku"); v != want.sku {
				t.Errorf("row %d sku = %#v, want %q", i, v, want.sku)
			}
			if v, _ := out[i].Get("copy_index"); v != want.ci {
				t.Errorf("row %d copy_index = %#v, want %d", i, v, want.ci)
			}
		}

		reason := res.SuccessReason()
		if reason.Metadata["input_rows"] != 2 || reason.Metadata["output_rows"] != 3 {
			t.Errorf("metadata = %#v", reason.Metadata)
		}
		if _, quarantined := reason.Metadata["quarantined"]; quarantined {
			t.Error("clean batch should not report quarantined rows")
		}
	})

	t.Run("every child shares one output contract", func(t *testing.T) {
		tr := newTestReplicate(t, nil)
		res := replicateBatch(t, tr, []contract.Row{
			skuRow(t, "a", int64(2)),
			skuRow(t, "b", int64(2)),
		})
		out := res.Rows()
		first := out[0].Contract()
		for i, row := range out {
			if row.Contract() != first {
				t.Fatalf("row %d has its own contract instance", i)
			}
		}
		field, ok := first.Field("copy_index")
		if !ok || field.Source != contract.FieldInferred {
			t.Errorf("copy_index should be inferred on the shared contract, got %+v ok=%v", field, ok)
		}
	})

	t.Run("missing copies field falls back to the default", func(t *testing.T) {
		tr := newTestReplicate(t, map[string]any{"default": 3})
		c := mustSchema(t, contract.SchemaFlexible, []string{"SKU: string"})
		res := replicateBatch(t, tr, []contract.Row{
			contract.NewRow(map[string]any{"sku": "solo"}, c),
		})
		if got := len(res.Rows()); got != 3 {
			t.Errorf("got %d rows, want the default of 3", got)
		}
	})

	t.Run("unusable copies values quarantine into the reason", func(t *testing.T) {
		tr := newTestReplicate(t, map[string]any{"max": 5})
		res := replicateBatch(t, tr, []contract.Row{
			skuRow(t, "ok", int64(2)),
			skuRow(t, "frac", 1.5),
			skuRow(t, "zero", int64(0)),
			skuRow(t, "big", int64(9)),
		})
		out := res.Rows()
		if len(out) != 2 {
			t.Fatalf("got %d rows, want 2 from the one usable input", len(out))
		}
		for _, row := range out {
			if v, _ := row.Get("sku"); v != "ok" {
				t.Errorf("unexpected child for sku %#v", v)
			}
		}

		reason := res.SuccessReason()
		quarantined, ok := reason.Metadata["quarantined"].([]map[string]any)
		if !ok {
			t.Fatalf("quarantined metadata = %#v", reason.Metadata["quarantined"])
		}
		if len(quarantined) != 3 {
			t.Fatalf("got %d quarantine entries, want 3", len(quarantined))
		}
		wantReasons := []struct {
			index  int
			reason string
		}{
			{1, "copies_not_an_integer"},
			{2, "copies_not_positive"},
			{3, "copies_above_max"},
		}
		for i, want := range wantReasons {
			if quarantined[i]["row_index"] != want.index {
				t.Errorf("entry %d row_index = %#v, want %d", i, quarantined[i]["row_index"], want.index)
			}
			if quarantined[i]["reason"] != want.reason {
				t.Errorf("entry %d reason = %#v, want %q", i, quarantined[i]["reason"], want.reason)
			}
		}
		if quarantined[0]["copies"] != 1.5 {
			t.Errorf("quarantine entries should carry the offending value, got %#v", quarantined[0]["copies"])
		}
	})

	t.Run("a batch with nothing usable succeeds with zero output", func(t *testing.T) {
		tr := newTestReplicate(t, nil)
		res := replicateBatch(t, tr, []contract.Row{
			skuRow(t, "zero", int64(0)),
		})
		if !res.Multi() {
			t.Error("empty result should still be multi")
		}
		if got := len(res.Rows()); got != 0 {
			t.Errorf("got %d rows, want none", got)
		}
		reason := res.SuccessReason()
		if reason.Metadata["output_rows"] != 0 {
			t.Errorf("output_rows = %#v", reason.Metadata["output_rows"])
		}
	})

	t.Run("integral floats count as copies", func(t *testing.T) {
		// Rows that crossed a JSON boundary carry float64 counts.
		tr := newTestReplicate(t, nil)
		res := replicateBatch(t, tr, []contract.Row{
			skuRow(t, "json", float64(2)),
		})
		if got := len(res.Rows()); got != 2 {
			t.Errorf("got %d rows, want 2", got)
		}
	})
}

func TestReplicate_Config(t *testing.T) {
	t.Run("max below one is refused", func(t *testing.T) {
		if _, err := newReplicate(map[string]any{"max": 0}); err == nil {
			t.Error("expected error for max 0")
		}
	})

	t.Run("default outside 1..max is refused", func(t *testing.T) {
		if _, err := newReplicate(map[string]any{"default": 0}); err == nil {
			t.Error("expected error for default 0")
		}
		if _, err := newReplicate(map[string]any{"default": 7, "max": 5}); err == nil {
			t.Error("expected error for default above max")
		}
	})

	t.Run("field must normalize to something", func(t *testing.T) {
		if _, err := newReplicate(map[string]any{"field": "???"}); err == nil {
			t.Error("expected error for unusable field name")
		}
	})
}

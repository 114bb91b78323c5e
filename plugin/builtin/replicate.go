package builtin

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/plugin"
)

func registerReplicate(reg *plugin.Registry) error {
	return reg.RegisterBatchTransform(plugin.Info{
		Name:        "replicate",
		Determinism: contract.DetDeterministic,
		Version:     "1.0.0",
	}, newReplicate)
}

// replicate is the batch deaggregator: each buffered row fans out into as
// many children as its copies field says, each child stamped with a
// copy_index. Rows with no copies field use the configured default; rows
// whose copies value is not a positive integer within max are quarantined
// inside the success reason's metadata and produce no children. A batch
// whose every row quarantines succeeds with zero outputs.
type replicate struct {
	field    string
	fallback int
	max      int
}

func newReplicate(cfg map[string]any) (plugin.BatchTransform, error) {
	field, err := cfgString(cfg, "field", "copies")
	if err != nil {
		return nil, err
	}
	norm := contract.NormalizeName(field)
	if norm == "" {
		return nil, fmt.Errorf("config key %q normalizes to nothing", "field")
	}
	fallback, err := cfgInt(cfg, "default", 1)
	if err != nil {
		return nil, err
	}
	max, err := cfgInt(cfg, "max", 100)
	if err != nil {
		return nil, err
	}
	if max < 1 {
		return nil, fmt.Errorf("config key %q must be at least 1, got %d", "max", max)
	}
	if fallback < 1 || fallback > max {
		return nil, fmt.Errorf("config key %q must be between 1 and max (%d), got %d", "default", max, fallback)
	}
	return &replicate{field: norm, fallback: fallback, max: max}, nil
}

func (t *replicate) ProcessBatch(ctx context.Context, pctx *plugin.Context, rows []contract.Row) (contract.TransformResult, error) {
	type fanout struct {
		data   map[string]any
		copies int
	}
	var emits []fanout
	var quarantined []map[string]any
	union := map[string]bool{"copy_index": true}

	for i, row := range rows {
		copies, problem := t.copiesFor(row)
		if problem != "" {
			entry := map[string]any{"row_index": i, "reason": problem}
			if v, ok := row.Lookup(t.field); ok {
				entry["copies"] = v
			}
			quarantined = append(quarantined, entry)
			continue
		}
		for name := range row.Data() {
			union[name] = true
		}
		emits = append(emits, fanout{data: row.Data(), copies: copies})
	}

	metadata := map[string]any{
		"input_rows": len(rows),
	}
	if len(quarantined) > 0 {
		metadata["quarantined"] = quarantined
	}

	if len(emits) == 0 {
		metadata["output_rows"] = 0
		return contract.TransformSuccessEmpty(contract.SuccessReason{
			Action:   "replicate",
			Metadata: metadata,
		})
	}

	// One output contract instance for the whole fanout, carrying the
	// union of every emitted row's fields plus copy_index.
	base := rows[0].Contract()
	names := make([]string, 0, len(union))
	for name := range union {
		names = append(names, name)
	}
	sort.Strings(names)
	outContract, err := base.WithInferredFields(names)
	if err != nil {
		return contract.TransformResult{}, fmt.Errorf("building output contract: %w", err)
	}

	var out []contract.Row
	for _, e := range emits {
		for ci := 0; ci < e.copies; ci++ {
			data := make(map[string]any, len(e.data)+1)
			for k, v := range e.data {
				data[k] = v
			}
			child := contract.NewRow(data, outContract)
			if err := child.Set("copy_index", ci); err != nil {
				return contract.TransformResult{}, err
			}
			out = append(out, child)
		}
	}
	metadata["output_rows"] = len(out)
	return contract.TransformSuccessMulti(out, contract.SuccessReason{
		Action:      "replicate",
		FieldsAdded: []string{"copy_index"},
		Metadata:    metadata,
	})
}

// copiesFor reads the row's copy count. The empty problem string means the
// count is usable; otherwise it names why the row quarantines.
func (t *replicate) copiesFor(row contract.Row) (int, string) {
	v, ok := row.Lookup(t.field)
	if !ok || v == nil {
		return t.fallback, ""
	}
	n, ok := intFromValue(v)
	if !ok {
		return 0, "copies_not_an_integer"
	}
	if n <= 0 {
		return 0, "copies_not_positive"
	}
	if n > t.max {
		return 0, "copies_above_max"
	}
	return n, ""
}

func intFromValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case float32:
		if float64(n) != math.Trunc(float64(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

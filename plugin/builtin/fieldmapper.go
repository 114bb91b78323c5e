package builtin

import (
	"context"
	"fmt"
	"sort"

	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/plugin"
)

func registerFieldMapper(reg *plugin.Registry) error {
	return reg.RegisterTransform(plugin.Info{
		Name:        "field_mapper",
		Determinism: contract.DetDeterministic,
		Version:     "1.0.0",
	}, newFieldMapper)
}

// fieldMapper reshapes rows: copy fields, rename them, set constants, drop
// what downstream must not see. Operations apply in that order, and copy and
// rename read the input row as a snapshot, so a swap like {a: b, b: a}
// means what it says. All configured names are normalized at parse time;
// rows key their data by normalized names.
type fieldMapper struct {
	ops fieldOps
}

func newFieldMapper(cfg map[string]any) (plugin.Transform, error) {
	ops, err := parseFieldOps(cfg)
	if err != nil {
		return nil, err
	}
	return &fieldMapper{ops: ops}, nil
}

func (t *fieldMapper) Process(ctx context.Context, pctx *plugin.Context, row contract.Row) (contract.TransformResult, error) {
	out, ch := t.ops.apply(row.Data())

	schema := row.Contract()
	if len(ch.added) > 0 {
		extended, err := schema.WithInferredFields(ch.sortedAdded())
		if err != nil {
			return contract.TransformResult{}, fmt.Errorf("extending contract: %w", err)
		}
		schema = extended
	}
	return contract.TransformSuccess(contract.NewRow(out, schema), contract.SuccessReason{
		Action:         "map_fields",
		FieldsAdded:    ch.sortedAdded(),
		FieldsModified: ch.sorted(ch.modified),
		FieldsRemoved:  ch.sorted(ch.removed),
	})
}

// fieldMapperWorker is the subprocess form of the same transform: plain row
// maps in, plain row maps out, config parsed per request.
func fieldMapperWorker(rows []map[string]any, config map[string]any) ([]map[string]any, error) {
	ops, err := parseFieldOps(config)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		mapped, _ := ops.apply(row)
		out[i] = mapped
	}
	return out, nil
}

// fieldOps is the parsed reshaping program. Keys are normalized field names.
type fieldOps struct {
	copies  map[string]string
	renames map[string]string
	sets    map[string]any
	drops   []string
}

func parseFieldOps(cfg map[string]any) (fieldOps, error) {
	var ops fieldOps

	copies, err := cfgStringMap(cfg, "copy")
	if err != nil {
		return fieldOps{}, err
	}
	ops.copies, err = normalizePairs("copy", copies)
	if err != nil {
		return fieldOps{}, err
	}

	renames, err := cfgStringMap(cfg, "rename")
	if err != nil {
		return fieldOps{}, err
	}
	ops.renames, err = normalizePairs("rename", renames)
	if err != nil {
		return fieldOps{}, err
	}

	sets, err := cfgAnyMap(cfg, "set")
	if err != nil {
		return fieldOps{}, err
	}
	if len(sets) > 0 {
		ops.sets = make(map[string]any, len(sets))
		for name, value := range sets {
			norm := contract.NormalizeName(name)
			if norm == "" {
				return fieldOps{}, fmt.Errorf("set field %q normalizes to nothing", name)
			}
			ops.sets[norm] = value
		}
	}

	drops, err := cfgStringSlice(cfg, "drop")
	if err != nil {
		return fieldOps{}, err
	}
	for _, name := range drops {
		norm := contract.NormalizeName(name)
		if norm == "" {
			return fieldOps{}, fmt.Errorf("drop field %q normalizes to nothing", name)
		}
		ops.drops = append(ops.drops, norm)
	}

	if len(ops.copies) == 0 && len(ops.renames) == 0 && len(ops.sets) == 0 && len(ops.drops) == 0 {
		return fieldOps{}, fmt.Errorf("field_mapper config names no operations (copy, rename, set, drop)")
	}
	return ops, nil
}

func normalizePairs(op string, pairs map[string]string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for from, to := range pairs {
		nf, nt := contract.NormalizeName(from), contract.NormalizeName(to)
		if nf == "" || nt == "" {
			return nil, fmt.Errorf("%s %q -> %q: names must normalize to something", op, from, to)
		}
		if nf == nt {
			continue
		}
		out[nf] = nt
	}
	return out, nil
}

func (ops fieldOps) apply(data map[string]any) (map[string]any, changeSet) {
	out := make(map[string]any, len(data)+len(ops.copies)+len(ops.sets))
	for k, v := range data {
		out[k] = v
	}
	ch := newChangeSet(data)

	for _, from := range sortedKeys(ops.copies) {
		if v, ok := data[from]; ok {
			to := ops.copies[from]
			out[to] = v
			ch.wrote(to)
		}
	}
	// Renames clear every source first, then write every target from the
	// input snapshot; otherwise a swap would eat its own output.
	for _, from := range sortedKeys(ops.renames) {
		if _, ok := data[from]; ok {
			delete(out, from)
			ch.dropped(from)
		}
	}
	for _, from := range sortedKeys(ops.renames) {
		if v, ok := data[from]; ok {
			to := ops.renames[from]
			out[to] = v
			ch.wrote(to)
		}
	}
	for _, name := range sortedKeys(ops.sets) {
		out[name] = ops.sets[name]
		ch.wrote(name)
	}
	for _, name := range ops.drops {
		if _, ok := out[name]; ok {
			delete(out, name)
			ch.dropped(name)
		}
	}
	return out, ch
}

// changeSet classifies every touched field against the input snapshot:
// written fields the input already had are modifications, the rest are
// additions; a field written and later dropped reports only the drop.
type changeSet struct {
	before   map[string]bool
	added    map[string]bool
	modified map[string]bool
	removed  map[string]bool
}

func newChangeSet(data map[string]any) changeSet {
	before := make(map[string]bool, len(data))
	for k := range data {
		before[k] = true
	}
	return changeSet{
		before:   before,
		added:    map[string]bool{},
		modified: map[string]bool{},
		removed:  map[string]bool{},
	}
}

func (c changeSet) wrote(name string) {
	delete(c.removed, name)
	if c.before[name] {
		c.modified[name] = true
		return
	}
	c.added[name] = true
}

func (c changeSet) dropped(name string) {
	delete(c.added, name)
	delete(c.modified, name)
	if c.before[name] {
		c.removed[name] = true
	}
}

func (c changeSet) sortedAdded() []string { return c.sorted(c.added) }

func (c changeSet) sorted(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

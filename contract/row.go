package contract

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Row pairs row data with the contract governing it. All field access goes
// through the contract so callers may use either the original or the
// normalized name and get the same answer.
type Row struct {
	data     map[string]any
	contract *Contract
}

// NewRow wraps data under a contract. The map is taken by reference; the
// caller must not share it with another Row. Data keys are expected to be
// normalized already (ValidateRow output).
func NewRow(data map[string]any, c *Contract) Row {
	if data == nil {
		data = map[string]any{}
	}
	if c == nil {
		c = NewObservedContract()
	}
	return Row{data: data, contract: c}
}

// Contract returns the contract governing this row.
func (r Row) Contract() *Contract { return r.contract }

// Len returns the number of fields present in the row data.
func (r Row) Len() int { return len(r.data) }

// Get resolves a name through the contract and returns the value. Unknown
// names and absent values are errors; use Lookup when absence is expected.
func (r Row) Get(name string) (any, error) {
	norm, err := r.resolve(name)
	if err != nil {
		return nil, err
	}
	v, ok := r.data[norm]
	if !ok {
		return nil, fmt.Errorf("field %q (%s) has no value in this row", name, norm)
	}
	return v, nil
}

// Lookup resolves a name through the contract; ok is false when the field
// is unknown or has no value.
func (r Row) Lookup(name string) (any, bool) {
	norm, ok := r.contract.FindName(name)
	if !ok {
		norm = NormalizeName(name)
	}
	v, present := r.data[norm]
	return v, present
}

// Has reports whether the row carries a value for the field.
func (r Row) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Set writes a value under the field's normalized name. For FIXED contracts
// the field must already be declared.
func (r Row) Set(name string, value any) error {
	norm, ok := r.contract.FindName(name)
	if !ok {
		if r.contract.Mode() == SchemaFixed {
			return fmt.Errorf("field %q is not declared in a fixed contract", name)
		}
		norm = NormalizeName(name)
		if norm == "" {
			return fmt.Errorf("field name %q normalizes to nothing", name)
		}
	}
	r.data[norm] = value
	return nil
}

// Delete removes a field's value from the row data.
func (r Row) Delete(name string) {
	if norm, ok := r.contract.FindName(name); ok {
		delete(r.data, norm)
		return
	}
	delete(r.data, NormalizeName(name))
}

// Data returns the underlying map keyed by normalized names. Mutations are
// visible to the row; Clone first when isolation matters.
func (r Row) Data() map[string]any { return r.data }

// FieldNames returns the row's field names sorted for stable iteration.
func (r Row) FieldNames() []string {
	names := make([]string, 0, len(r.data))
	for k := range r.data {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Clone deep-copies the row data via a JSON round trip so fork branches can
// mutate independently. The contract is shared: it is immutable.
func (r Row) Clone() (Row, error) {
	raw, err := json.Marshal(r.data)
	if err != nil {
		return Row{}, fmt.Errorf("cloning row: %w", err)
	}
	fresh := make(map[string]any, len(r.data))
	if err := json.Unmarshal(raw, &fresh); err != nil {
		return Row{}, fmt.Errorf("cloning row: %w", err)
	}
	return Row{data: fresh, contract: r.contract}, nil
}

func (r Row) resolve(name string) (string, error) {
	if norm, ok := r.contract.FindName(name); ok {
		return norm, nil
	}
	if r.contract.Mode() != SchemaFixed {
		if _, present := r.data[NormalizeName(name)]; present {
			return NormalizeName(name), nil
		}
	}
	return "", fmt.Errorf("field %q is not in the contract (mode %s)", name, r.contract.Mode())
}

package contract

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/elspeth-run/elspeth/canonical"
)

// SchemaMode controls how a contract treats fields beyond its declarations.
//
//   - FIXED: declared fields only; extras are violations.
//   - FLEXIBLE: declared fields validated; extras pass through untracked.
//   - OBSERVED: no declarations; fields are inferred from data.
type SchemaMode string

const (
	SchemaFixed    SchemaMode = "fixed"
	SchemaFlexible SchemaMode = "flexible"
	SchemaObserved SchemaMode = "observed"
)

// FieldType is the closed set of value types a contract may declare.
// Collection types, decimals, and custom types are deliberately rejected:
// rows are flat records.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
	TypeAny    FieldType = "any"
)

var validFieldTypes = map[FieldType]bool{
	TypeString: true, TypeInt: true, TypeFloat: true, TypeBool: true, TypeAny: true,
}

// ParseFieldType validates a declared type name.
func ParseFieldType(s string) (FieldType, error) {
	t := FieldType(strings.ToLower(strings.TrimSpace(s)))
	if !validFieldTypes[t] {
		return "", fmt.Errorf("unsupported field type %q: must be one of string, int, float, bool, any", s)
	}
	return t, nil
}

// FieldSource records whether a field was declared in configuration or
// inferred from observed data.
type FieldSource string

const (
	FieldDeclared FieldSource = "declared"
	FieldInferred FieldSource = "inferred"
)

// FieldContract describes one field: the normalized name code uses, the
// original name external data uses, its type, and whether it must be present.
type FieldContract struct {
	NormalizedName string      `json:"normalized_name"`
	OriginalName   string      `json:"original_name"`
	Type           FieldType   `json:"type"`
	Required       bool        `json:"required"`
	Source         FieldSource `json:"source"`
}

// Contract is an immutable, locked set of field contracts with O(1)
// resolution by either the normalized or the original name.
//
// Contracts are shared between tokens and goroutines; immutability is what
// makes that safe. All "mutations" return a new Contract.
type Contract struct {
	mode   SchemaMode
	fields []FieldContract
	byNorm map[string]int
	byOrig map[string]int
}

// NewContract builds a locked contract. Duplicate normalized names are
// rejected: two originals colliding after normalization would make field
// resolution ambiguous.
func NewContract(mode SchemaMode, fields []FieldContract) (*Contract, error) {
	switch mode {
	case SchemaFixed, SchemaFlexible, SchemaObserved:
	default:
		return nil, fmt.Errorf("invalid schema mode %q: must be fixed, flexible, or observed", mode)
	}
	c := &Contract{
		mode:   mode,
		fields: make([]FieldContract, len(fields)),
		byNorm: make(map[string]int, len(fields)),
		byOrig: make(map[string]int, len(fields)),
	}
	copy(c.fields, fields)
	for i, f := range c.fields {
		if f.NormalizedName == "" {
			return nil, fmt.Errorf("field %d has an empty normalized name", i)
		}
		if !validFieldTypes[f.Type] {
			return nil, fmt.Errorf("field %q declares unsupported type %q", f.NormalizedName, f.Type)
		}
		if prev, dup := c.byNorm[f.NormalizedName]; dup {
			return nil, fmt.Errorf("fields %q and %q both normalize to %q",
				c.fields[prev].OriginalName, f.OriginalName, f.NormalizedName)
		}
		c.byNorm[f.NormalizedName] = i
		if f.OriginalName != "" {
			c.byOrig[f.OriginalName] = i
		}
	}
	return c, nil
}

// NewObservedContract returns an empty OBSERVED contract. Quarantine tokens
// carry this: their data made no promises and the contract reflects that.
func NewObservedContract() *Contract {
	c, err := NewContract(SchemaObserved, nil)
	if err != nil {
		panic(err) // empty observed contract is always valid
	}
	return c
}

// Mode returns the schema mode.
func (c *Contract) Mode() SchemaMode { return c.mode }

// Len returns the number of declared fields.
func (c *Contract) Len() int { return len(c.fields) }

// Fields returns a copy of the field list in declaration order.
func (c *Contract) Fields() []FieldContract {
	out := make([]FieldContract, len(c.fields))
	copy(out, c.fields)
	return out
}

// ResolveName maps a name written in either form (original or normalized)
// to the normalized name. Unknown names are an error; use FindName when
// absence is expected.
func (c *Contract) ResolveName(name string) (string, error) {
	if norm, ok := c.FindName(name); ok {
		return norm, nil
	}
	return "", fmt.Errorf("field %q is not in the contract (mode %s, %d fields)", name, c.mode, len(c.fields))
}

// FindName is ResolveName without the error: ok is false for unknown names.
func (c *Contract) FindName(name string) (string, bool) {
	if i, ok := c.byNorm[name]; ok {
		return c.fields[i].NormalizedName, true
	}
	if i, ok := c.byOrig[name]; ok {
		return c.fields[i].NormalizedName, true
	}
	return "", false
}

// Field returns the contract for a normalized name.
func (c *Contract) Field(normalized string) (FieldContract, bool) {
	i, ok := c.byNorm[normalized]
	if !ok {
		return FieldContract{}, false
	}
	return c.fields[i], true
}

// Hash returns an order-independent hash of the contract: the same fields
// declared in any order produce the same hash.
func (c *Contract) Hash() (string, error) {
	sorted := c.Fields()
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].NormalizedName < sorted[j].NormalizedName
	})
	return canonical.StableHash(map[string]any{
		"mode":   string(c.mode),
		"fields": sorted,
	})
}

// MarshalJSON serializes the contract for the audit trail
// (schema_fields_json columns).
func (c *Contract) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Mode   SchemaMode      `json:"mode"`
		Fields []FieldContract `json:"fields"`
	}{Mode: c.mode, Fields: c.fields})
}

// ContractFromJSON restores a contract persisted by MarshalJSON.
func ContractFromJSON(data []byte) (*Contract, error) {
	var raw struct {
		Mode   SchemaMode      `json:"mode"`
		Fields []FieldContract `json:"fields"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing contract JSON: %w", err)
	}
	return NewContract(raw.Mode, raw.Fields)
}

// TypeMismatch names one incompatible field between producer and consumer.
type TypeMismatch struct {
	Field    string
	Producer FieldType
	Consumer FieldType
}

// CompatibilityResult reports why a producer contract cannot feed a
// consumer contract. Empty slices mean compatible.
type CompatibilityResult struct {
	MissingFields  []string
	TypeMismatches []TypeMismatch
}

// Compatible reports whether the producer satisfies the consumer.
func (r CompatibilityResult) Compatible() bool {
	return len(r.MissingFields) == 0 && len(r.TypeMismatches) == 0
}

func (r CompatibilityResult) String() string {
	if r.Compatible() {
		return "compatible"
	}
	parts := make([]string, 0, len(r.MissingFields)+len(r.TypeMismatches))
	for _, f := range r.MissingFields {
		parts = append(parts, "missing field "+f)
	}
	for _, m := range r.TypeMismatches {
		parts = append(parts, fmt.Sprintf("field %s: producer %s vs consumer %s", m.Field, m.Producer, m.Consumer))
	}
	return strings.Join(parts, "; ")
}

// IsCompatibleWith checks whether rows produced under c satisfy a consumer
// contract. Rules: any accepts everything; an int producer satisfies a
// float consumer; an optional consumer field accepts a required producer
// field; a consumer-required field the producer does not declare is missing
// (except against OBSERVED producers, which promise nothing and are checked
// at runtime instead).
func (c *Contract) IsCompatibleWith(consumer *Contract) CompatibilityResult {
	var result CompatibilityResult
	if c.mode == SchemaObserved {
		// Observed producers carry no declarations to check statically.
		return result
	}
	for _, want := range consumer.fields {
		got, ok := c.Field(want.NormalizedName)
		if !ok {
			if want.Required {
				result.MissingFields = append(result.MissingFields, want.NormalizedName)
			}
			continue
		}
		if !typeSatisfies(got.Type, want.Type) {
			result.TypeMismatches = append(result.TypeMismatches, TypeMismatch{
				Field:    want.NormalizedName,
				Producer: got.Type,
				Consumer: want.Type,
			})
		}
	}
	return result
}

// typeSatisfies reports whether a producer type is acceptable where the
// consumer declared another. Widening int -> float is allowed; narrowing
// is not.
func typeSatisfies(producer, consumer FieldType) bool {
	if consumer == TypeAny || producer == TypeAny {
		return true
	}
	if producer == consumer {
		return true
	}
	if producer == TypeInt && consumer == TypeFloat {
		return true
	}
	return false
}

// Merge combines two contracts at a coalesce join: the union of fields from
// both branches. Identical fields keep their type; int and float widen to
// float; anything else conflicting raises ContractMergeError. A field is
// required in the merged contract if either branch requires it.
func (c *Contract) Merge(other *Contract) (*Contract, error) {
	merged := c.Fields()
	index := make(map[string]int, len(merged))
	for i, f := range merged {
		index[f.NormalizedName] = i
	}
	for _, f := range other.fields {
		i, exists := index[f.NormalizedName]
		if !exists {
			index[f.NormalizedName] = len(merged)
			merged = append(merged, f)
			continue
		}
		have := merged[i]
		widened, ok := widen(have.Type, f.Type)
		if !ok {
			return nil, &ContractMergeError{Field: f.NormalizedName, TypeA: have.Type, TypeB: f.Type}
		}
		have.Type = widened
		have.Required = have.Required || f.Required
		if have.Source == FieldInferred && f.Source == FieldDeclared {
			have.Source = FieldDeclared
		}
		merged[i] = have
	}
	mode := c.mode
	if other.mode != c.mode {
		mode = SchemaFlexible
	}
	return NewContract(mode, merged)
}

func widen(a, b FieldType) (FieldType, bool) {
	if a == b {
		return a, true
	}
	if a == TypeAny || b == TypeAny {
		return TypeAny, true
	}
	if (a == TypeInt && b == TypeFloat) || (a == TypeFloat && b == TypeInt) {
		return TypeFloat, true
	}
	return "", false
}

// WithInferredFields returns a contract extended with inferred entries for
// every listed name not already declared. Multi-row transform outputs use
// this so downstream nodes can resolve fields the transform added.
func (c *Contract) WithInferredFields(names []string) (*Contract, error) {
	fields := c.Fields()
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		seen[f.NormalizedName] = true
	}
	sorted := make([]string, 0, len(names))
	sorted = append(sorted, names...)
	sort.Strings(sorted)
	for _, name := range sorted {
		norm := NormalizeName(name)
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		fields = append(fields, FieldContract{
			NormalizedName: norm,
			OriginalName:   name,
			Type:           TypeAny,
			Required:       false,
			Source:         FieldInferred,
		})
	}
	return NewContract(c.mode, fields)
}

// ValidateRow checks external data against the contract and returns the row
// rekeyed by normalized names. Violations quarantine the row; they never
// crash (Tier 3).
//
// FIXED mode rejects undeclared fields. FLEXIBLE passes extras through under
// their normalized names. OBSERVED accepts everything.
func (c *Contract) ValidateRow(data map[string]any) (map[string]any, []Violation) {
	out := make(map[string]any, len(data))
	seen := make(map[string]bool, len(data))
	var violations []Violation

	for key, value := range data {
		norm, known := c.FindName(key)
		if !known {
			norm = NormalizeName(key)
			switch c.mode {
			case SchemaFixed:
				violations = append(violations, &ExtraFieldError{NormalizedName: norm, OriginalName: key})
				continue
			case SchemaFlexible, SchemaObserved:
				out[norm] = value
				continue
			}
		}
		seen[norm] = true
		field, _ := c.Field(norm)
		if value == nil {
			if field.Required {
				violations = append(violations, &MissingFieldError{
					NormalizedName: field.NormalizedName, OriginalName: field.OriginalName,
				})
			}
			out[norm] = nil
			continue
		}
		coerced, err := coerceValue(value, field.Type)
		if err != nil {
			violations = append(violations, &TypeMismatchError{
				NormalizedName: field.NormalizedName,
				OriginalName:   field.OriginalName,
				Expected:       field.Type,
				Actual:         fmt.Sprintf("%T", value),
				Value:          value,
			})
			continue
		}
		out[norm] = coerced
	}

	for _, f := range c.fields {
		if !f.Required || seen[f.NormalizedName] {
			continue
		}
		violations = append(violations, &MissingFieldError{
			NormalizedName: f.NormalizedName, OriginalName: f.OriginalName,
		})
	}
	return out, violations
}

// coerceValue checks a value against a declared type, performing only the
// safe widenings (int into float). String-to-number coercion is a source
// concern, not a contract concern.
func coerceValue(v any, t FieldType) (any, error) {
	if t == TypeAny {
		return v, nil
	}
	switch t {
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n == math.Trunc(n) && !math.IsInf(n, 0) {
				return int64(n), nil
			}
		}
	case TypeFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	}
	return nil, fmt.Errorf("value of type %T does not satisfy %s", v, t)
}

// NormalizeName converts an original field name to its normalized form:
// lowercase, runs of non-alphanumerics collapsed to single underscores,
// and a leading digit prefixed so the result is a valid identifier.
func NormalizeName(original string) string {
	var b strings.Builder
	b.Grow(len(original))
	lastUnderscore := true // suppress leading underscore
	for _, r := range strings.ToLower(original) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	s := strings.TrimRight(b.String(), "_")
	if s == "" {
		return ""
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "f_" + s
	}
	return s
}

// ParseSchemaSpec builds a declared contract from configuration. Each entry
// is "Original Name: type" with an optional trailing "?" marking the field
// optional:
//
//	fields:
//	  - "Customer ID: int"
//	  - "Amount: float"
//	  - "Notes: string?"
func ParseSchemaSpec(mode SchemaMode, specs []string) (*Contract, error) {
	fields := make([]FieldContract, 0, len(specs))
	for i, spec := range specs {
		name, typeSpec, found := strings.Cut(spec, ":")
		if !found {
			return nil, fmt.Errorf("field spec %d (%q): expected \"name: type\"", i, spec)
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("field spec %d (%q): empty field name", i, spec)
		}
		typeSpec = strings.TrimSpace(typeSpec)
		required := true
		if strings.HasSuffix(typeSpec, "?") {
			required = false
			typeSpec = strings.TrimSpace(strings.TrimSuffix(typeSpec, "?"))
		}
		ft, err := ParseFieldType(typeSpec)
		if err != nil {
			return nil, fmt.Errorf("field spec %d (%q): %w", i, spec, err)
		}
		norm := NormalizeName(name)
		if norm == "" {
			return nil, fmt.Errorf("field spec %d (%q): name normalizes to nothing", i, spec)
		}
		fields = append(fields, FieldContract{
			NormalizedName: norm,
			OriginalName:   name,
			Type:           ft,
			Required:       required,
			Source:         FieldDeclared,
		})
	}
	return NewContract(mode, fields)
}

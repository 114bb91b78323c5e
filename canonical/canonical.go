// Package canonical provides stable hashing and canonical JSON encoding.
//
// Every hash recorded in the audit trail flows through this package. The
// encoding contract is strict so that the same logical value always produces
// the same bytes, regardless of map iteration order or struct field order:
//
//   - Map keys are sorted lexicographically.
//   - Floating-point NaN and Infinity are rejected, never encoded.
//   - Timestamps encode as RFC 3339 with an explicit zone offset.
//   - Byte slices encode as standard base64 strings.
//   - Struct values are flattened through their JSON representation.
//
// Values that cannot be canonicalized (external garbage, Tier-3 data) are
// handled by Repr, which produces a best-effort fingerprint for quarantine
// records instead of failing the audit write.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"
)

// Version identifies the canonicalization rules in effect. It is recorded
// on every run so auditors can detect hash-rule changes between runs.
const Version = "1"

// ErrNotCanonicalizable indicates a value that the canonical encoding
// refuses to represent, such as NaN, Infinity, a channel, or a map with
// non-string keys. Callers handling Tier-3 data should fall back to Repr.
var ErrNotCanonicalizable = errors.New("value cannot be canonicalized")

// reprLimit caps the length of fallback representations stored for
// non-canonicalizable rows.
const reprLimit = 200

// Canonicalize normalizes v into the canonical value tree: nil, bool,
// string, int64, float64, []any, or map[string]any.
//
// Returns an error wrapping ErrNotCanonicalizable when v (or anything
// reachable from it) cannot be represented canonically.
func Canonicalize(v any) (any, error) {
	return canonicalize(v, 0)
}

// maxDepth guards against cyclic structures reached through interfaces.
const maxDepth = 200

func canonicalize(v any, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting exceeds %d levels", ErrNotCanonicalizable, maxDepth)
	}

	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return val, nil
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case uint:
		return uintToInt64(uint64(val))
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint64:
		return uintToInt64(val)
	case float32:
		return canonicalFloat(float64(val))
	case float64:
		return canonicalFloat(val)
	case time.Time:
		// RFC 3339 keeps the zone offset explicit, matching the audit
		// requirement that timestamps are never zone-ambiguous.
		return val.Format(time.RFC3339Nano), nil
	case []byte:
		return base64.StdEncoding.EncodeToString(val), nil
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(val, &decoded); err != nil {
			return nil, fmt.Errorf("%w: invalid raw JSON: %v", ErrNotCanonicalizable, err)
		}
		return canonicalize(decoded, depth+1)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			c, err := canonicalize(item, depth+1)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			c, err := canonicalize(item, depth+1)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = c
		}
		return out, nil
	}

	return canonicalizeReflect(v, depth)
}

// canonicalizeReflect handles typed maps, slices, structs, and pointers
// that the fast-path type switch does not cover.
func canonicalizeReflect(v any, depth int) (any, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return canonicalize(rv.Elem().Interface(), depth+1)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: map key type %s is not a string", ErrNotCanonicalizable, rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			c, err := canonicalize(iter.Value().Interface(), depth+1)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", iter.Key().String(), err)
			}
			out[iter.Key().String()] = c
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			c, err := canonicalize(rv.Index(i).Interface(), depth+1)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = c
		}
		return out, nil
	case reflect.Struct:
		// Structs flatten through their JSON form so field tags and
		// omitempty behave identically to persisted representations.
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: struct %T: %v", ErrNotCanonicalizable, v, err)
		}
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, fmt.Errorf("%w: struct %T: %v", ErrNotCanonicalizable, v, err)
		}
		return canonicalize(decoded, depth+1)
	}
	return nil, fmt.Errorf("%w: unsupported type %T", ErrNotCanonicalizable, v)
}

func canonicalFloat(f float64) (any, error) {
	if math.IsNaN(f) {
		return nil, fmt.Errorf("%w: NaN is not representable", ErrNotCanonicalizable)
	}
	if math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: Infinity is not representable", ErrNotCanonicalizable)
	}
	return f, nil
}

func uintToInt64(u uint64) (any, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("%w: unsigned value %d overflows int64", ErrNotCanonicalizable, u)
	}
	return int64(u), nil
}

// MarshalCanonical encodes v as canonical JSON bytes: keys sorted, HTML
// escaping disabled, no trailing newline. Two calls with the same logical
// value always return identical bytes.
func MarshalCanonical(v any) ([]byte, error) {
	c, err := Canonicalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encodeCanonical writes the already-normalized tree with sorted keys.
// The tree contains only nil, bool, string, int64, float64, []any, and
// map[string]any, so the encoder is total.
func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSONScalar(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		return writeJSONScalar(buf, v)
	}
}

func writeJSONScalar(buf *bytes.Buffer, v any) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	// Encoder appends a newline; canonical bytes must not contain it.
	buf.Truncate(buf.Len() - 1)
	return nil
}

// StableHash returns the SHA-256 of the canonical JSON encoding of v as a
// 64-character lowercase hex string. This is the hash stored in every
// *_hash audit column and the replay key for recorded calls.
func StableHash(v any) (string, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes. Used for artifact
// content hashes and payload-store addressing, where the bytes themselves
// are the canonical form.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ReprInfo is the fallback fingerprint for values that cannot be
// canonicalized. The representation is truncated so quarantine records stay
// bounded; Truncated reports whether truncation occurred.
type ReprInfo struct {
	Hash      string
	Repr      string
	GoType    string
	Truncated bool
}

// Repr fingerprints a non-canonicalizable value for Tier-3 quarantine
// records. It never fails: any value has a Go syntax representation.
func Repr(v any) ReprInfo {
	r := fmt.Sprintf("%#v", v)
	truncated := false
	if len(r) > reprLimit {
		r = r[:reprLimit]
		truncated = true
	}
	sum := sha256.Sum256([]byte(r))
	return ReprInfo{
		Hash:      hex.EncodeToString(sum[:]),
		Repr:      r,
		GoType:    fmt.Sprintf("%T", v),
		Truncated: truncated,
	}
}

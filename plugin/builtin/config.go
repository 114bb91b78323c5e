package builtin

import (
	"fmt"
	"math"
	"sort"

	"github.com/elspeth-run/elspeth/contract"
)

// Config maps arrive straight from the settings file. YAML hands us
// map[string]any with scalar types that vary by decoder (int vs float64 for
// numbers), so every accessor here tolerates the spread and fails with the
// key name rather than a bare type assertion panic.

func cfgString(cfg map[string]any, key, fallback string) (string, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return fallback, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("config key %q must be a string, got %T", key, v)
	}
	return s, nil
}

func cfgRequiredString(cfg map[string]any, key string) (string, error) {
	s, err := cfgString(cfg, key, "")
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("config key %q is required", key)
	}
	return s, nil
}

func cfgInt(cfg map[string]any, key string, fallback int) (int, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return fallback, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("config key %q must be an integer, got %v", key, n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("config key %q must be an integer, got %T", key, v)
	}
}

func cfgFloat(cfg map[string]any, key string, fallback float64) (float64, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return fallback, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("config key %q must be a number, got %T", key, v)
	}
}

func cfgBool(cfg map[string]any, key string, fallback bool) (bool, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return fallback, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("config key %q must be a boolean, got %T", key, v)
	}
	return b, nil
}

func cfgStringSlice(cfg map[string]any, key string) ([]string, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		if direct, ok := v.([]string); ok {
			return direct, nil
		}
		return nil, fmt.Errorf("config key %q must be a list of strings, got %T", key, v)
	}
	out := make([]string, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("config key %q entry %d must be a string, got %T", key, i, item)
		}
		out[i] = s
	}
	return out, nil
}

func cfgStringMap(cfg map[string]any, key string) (map[string]string, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return nil, nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		if direct, ok := v.(map[string]string); ok {
			return direct, nil
		}
		return nil, fmt.Errorf("config key %q must be a string map, got %T", key, v)
	}
	out := make(map[string]string, len(raw))
	for k, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("config key %q entry %q must be a string, got %T", key, k, item)
		}
		out[k] = s
	}
	return out, nil
}

func cfgAnyMap(cfg map[string]any, key string) (map[string]any, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("config key %q must be a map, got %T", key, v)
	}
	return m, nil
}

// schemaFromConfig builds the plugin's declared contract from the "schema"
// section: {mode: fixed|flexible|observed, fields: ["Name: type", ...]}.
// Absent section means an empty observed contract, the declaration of a
// plugin that promises nothing about its fields.
func schemaFromConfig(cfg map[string]any) (*contract.Contract, error) {
	section, err := cfgAnyMap(cfg, "schema")
	if err != nil {
		return nil, err
	}
	if section == nil {
		return contract.NewObservedContract(), nil
	}
	modeStr, err := cfgString(section, "mode", string(contract.SchemaObserved))
	if err != nil {
		return nil, err
	}
	mode := contract.SchemaMode(modeStr)
	fields, err := cfgStringSlice(section, "fields")
	if err != nil {
		return nil, err
	}
	c, err := contract.ParseSchemaSpec(mode, fields)
	if err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	return c, nil
}

// sortedKeys is the deterministic iteration order for map-shaped config:
// plugins that report what they did must report it in a stable order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/elspeth-run/elspeth/canonical"
)

//go:embed schema.json
var settingsSchema []byte

// Load reads and parses a settings file. Structural problems (unknown
// keys, wrong types, missing required sections) surface here; semantic
// problems that need the plugin registry surface in BuildPipeline.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("settings %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes settings bytes. The document is checked against the
// embedded JSON Schema first, so type mistakes report the offending path
// rather than a decoder's field error; the strict decode after it catches
// misspelled keys the schema's nested sections tolerate.
func Parse(data []byte) (*Settings, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("settings file is empty")
	}
	if err := validateAgainstSchema(doc); err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Settings
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	s.applyDefaults()
	return &s, nil
}

// Hash returns the canonical hash of the settings, stored on the run row
// as config_hash and used as the resume compatibility key.
func (s *Settings) Hash() (string, error) {
	// Round-trip through YAML so the hash covers the effective settings
	// (defaults applied) in plain map form, independent of struct layout.
	raw, err := yaml.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshaling settings for hashing: %w", err)
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("reparsing settings for hashing: %w", err)
	}
	return canonical.StableHash(doc)
}

func validateAgainstSchema(doc any) error {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("settings.schema.json", bytes.NewReader(settingsSchema)); err != nil {
		return fmt.Errorf("loading settings schema: %w", err)
	}
	sch, err := c.Compile("settings.schema.json")
	if err != nil {
		return fmt.Errorf("compiling settings schema: %w", err)
	}
	// The validator expects json-decoded values; the yaml document uses
	// Go ints and nested map types the validator does not know, so it
	// goes through a json round-trip first.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("settings are not representable as json: %w", err)
	}
	var jdoc any
	if err := json.Unmarshal(raw, &jdoc); err != nil {
		return fmt.Errorf("reparsing settings: %w", err)
	}
	if err := sch.Validate(jdoc); err != nil {
		return fmt.Errorf("settings do not match the expected shape: %w", err)
	}
	return nil
}

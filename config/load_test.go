package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalSettings = `
pipeline:
  default_sink: out
source:
  plugin: csv_source
  config:
    path: orders.csv
sinks:
  - name: out
    plugin: csv_sink
    config:
      path: out.csv
`

func TestParseAppliesDefaults(t *testing.T) {
	s, err := Parse([]byte(minimalSettings))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Source.Name != "source" {
		t.Errorf("source name = %q, want %q", s.Source.Name, "source")
	}
	if s.Concurrency.MaxWorkers != DefaultMaxWorkers {
		t.Errorf("max workers = %d, want %d", s.Concurrency.MaxWorkers, DefaultMaxWorkers)
	}
	if s.Concurrency.QueueDepth != DefaultQueueDepth {
		t.Errorf("queue depth = %d, want %d", s.Concurrency.QueueDepth, DefaultQueueDepth)
	}
	if s.SigningKeyEnv != DefaultSigningKeyEnv {
		t.Errorf("signing key env = %q, want %q", s.SigningKeyEnv, DefaultSigningKeyEnv)
	}
	if s.Telemetry.Granularity != DefaultGranularity {
		t.Errorf("granularity = %q, want %q", s.Telemetry.Granularity, DefaultGranularity)
	}
	if s.Landscape.URL != "sqlite://elspeth.db" {
		t.Errorf("landscape url = %q, want sqlite default", s.Landscape.URL)
	}
}

func TestParseRejectsMalformedSettings(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"empty", "", "empty"},
		{"not yaml", "::::", "parsing yaml"},
		{"missing source", "pipeline: {default_sink: out}\nsinks: [{name: out, plugin: csv_sink}]", "expected shape"},
		{"missing default sink", "pipeline: {}\nsource: {plugin: csv_source}\nsinks: [{name: out, plugin: csv_sink}]", "expected shape"},
		{"no sinks", "pipeline: {default_sink: out}\nsource: {plugin: csv_source}\nsinks: []", "expected shape"},
		{"unknown top key", minimalSettings + "\nmystery: 1", "expected shape"},
		{"bad granularity", minimalSettings + "\ntelemetry: {granularity: loud}", "expected shape"},
		{"zero workers", minimalSettings + "\nconcurrency: {max_workers: 0}", "expected shape"},
		{"bad exporter", minimalSettings + "\ntelemetry: {exporters: [graphite]}", "expected shape"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			if err == nil {
				t.Fatal("Parse accepted malformed settings")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestParseRejectsMisspelledNestedKey(t *testing.T) {
	doc := `
pipeline:
  default_sink: out
source:
  plugin: csv_source
  confg:
    path: orders.csv
sinks:
  - name: out
    plugin: csv_sink
`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("Parse accepted a misspelled source key")
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte(minimalSettings), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Pipeline.DefaultSink != "out" {
		t.Errorf("default sink = %q, want %q", s.Pipeline.DefaultSink, "out")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load accepted a missing file")
	}
}

func TestHashIsStableAndSensitive(t *testing.T) {
	a, err := Parse([]byte(minimalSettings))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Parse([]byte(minimalSettings))
	if err != nil {
		t.Fatal(err)
	}
	ha, err := a.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	hb, err := b.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if ha != hb {
		t.Errorf("same settings hashed differently: %s vs %s", ha, hb)
	}
	if len(ha) != 64 {
		t.Errorf("hash length = %d, want 64", len(ha))
	}

	c, err := Parse([]byte(strings.Replace(minimalSettings, "orders.csv", "other.csv", 1)))
	if err != nil {
		t.Fatal(err)
	}
	hc, err := c.Hash()
	if err != nil {
		t.Fatal(err)
	}
	if hc == ha {
		t.Error("different settings produced the same hash")
	}
}

func TestSplitLandscapeURL(t *testing.T) {
	cases := []struct {
		url     string
		dialect string
		dsn     string
		wantErr bool
	}{
		{"sqlite://audit.db", "sqlite", "audit.db", false},
		{"sqlite:///var/lib/elspeth/audit.db", "sqlite", "/var/lib/elspeth/audit.db", false},
		{"mysql://user:pw@tcp(db:3306)/elspeth", "mysql", "user:pw@tcp(db:3306)/elspeth", false},
		{"sqlite://", "", "", true},
		{"postgres://host/db", "", "", true},
		{"audit.db", "", "", true},
	}
	for _, tc := range cases {
		dialect, dsn, err := SplitLandscapeURL(tc.url)
		if tc.wantErr {
			if err == nil {
				t.Errorf("SplitLandscapeURL(%q) accepted", tc.url)
			}
			continue
		}
		if err != nil {
			t.Errorf("SplitLandscapeURL(%q): %v", tc.url, err)
			continue
		}
		if dialect != tc.dialect || dsn != tc.dsn {
			t.Errorf("SplitLandscapeURL(%q) = (%q, %q), want (%q, %q)", tc.url, dialect, dsn, tc.dialect, tc.dsn)
		}
	}
}

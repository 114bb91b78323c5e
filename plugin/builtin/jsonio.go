package builtin

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/elspeth-run/elspeth/canonical"
	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/plugin"
)

const (
	jsonFormatAuto  = ""
	jsonFormatArray = "array"
	jsonFormatLines = "jsonl"
)

// jsonlScanBuffer bounds a single JSONL line. Rows are flat records; a line
// past this is data gone wrong, not a row.
const jsonlScanBuffer = 4 << 20

func registerJSONSource(reg *plugin.Registry) error {
	return reg.RegisterSource(plugin.Info{
		Name:        "json_source",
		Determinism: contract.DetIORead,
		Version:     "1.0.0",
	}, newJSONSource)
}

// jsonSource streams rows from JSON files. The path is a doublestar glob, so
// one source can sweep a directory tree ("data/**/*.jsonl"); files load in
// sorted path order to keep row indexes reproducible. Array files hold a
// top-level array of objects (or an object with the array under data_key);
// JSONL files hold one object per line. Lines that fail to parse quarantine,
// a file that fails to parse wholesale aborts the load.
type jsonSource struct {
	pattern string
	format  string
	dataKey string
	schema  *contract.Contract
}

func newJSONSource(cfg map[string]any) (plugin.Source, error) {
	pattern, err := cfgRequiredString(cfg, "path")
	if err != nil {
		return nil, err
	}
	format, err := cfgString(cfg, "format", jsonFormatAuto)
	if err != nil {
		return nil, err
	}
	switch format {
	case jsonFormatAuto, jsonFormatArray, jsonFormatLines:
	default:
		return nil, fmt.Errorf("config key %q must be \"array\" or \"jsonl\", got %q", "format", format)
	}
	dataKey, err := cfgString(cfg, "data_key", "")
	if err != nil {
		return nil, err
	}
	schema, err := schemaFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &jsonSource{pattern: pattern, format: format, dataKey: dataKey, schema: schema}, nil
}

func (s *jsonSource) Contract() *contract.Contract { return s.schema }

func (s *jsonSource) Close(context.Context) error { return nil }

func (s *jsonSource) Load(ctx context.Context, pctx *plugin.Context, emit func(contract.SourceRow) error) error {
	matches, err := doublestar.FilepathGlob(s.pattern)
	if err != nil {
		return fmt.Errorf("bad glob pattern %q: %w", s.pattern, err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("no files match %q", s.pattern)
	}
	sort.Strings(matches)
	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.loadFile(ctx, path, emit); err != nil {
			return err
		}
	}
	return nil
}

func (s *jsonSource) loadFile(ctx context.Context, path string, emit func(contract.SourceRow) error) error {
	format := s.format
	if format == jsonFormatAuto {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".jsonl", ".ndjson":
			format = jsonFormatLines
		default:
			format = jsonFormatArray
		}
	}
	if format == jsonFormatLines {
		return s.loadLines(ctx, path, emit)
	}
	return s.loadArray(path, emit)
}

func (s *jsonSource) loadLines(ctx context.Context, path string, emit func(contract.SourceRow) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening json source: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), jsonlScanBuffer)
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(text), &data); err != nil {
			quarantined := contract.QuarantinedSourceRow(map[string]any{
				"source_file": path,
				"line_number": line,
			}, []contract.Violation{&parseViolation{Line: line, Message: err.Error()}})
			if err := emit(quarantined); err != nil {
				return err
			}
			continue
		}
		if err := s.emitRecord(path, data, emit); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}

func (s *jsonSource) loadArray(path string, emit func(contract.SourceRow) error) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading json source: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	var items []any
	switch v := doc.(type) {
	case []any:
		items = v
	case map[string]any:
		if s.dataKey == "" {
			return fmt.Errorf("%s holds an object; set data_key to name the array inside it", path)
		}
		inner, ok := v[s.dataKey]
		if !ok {
			return fmt.Errorf("%s has no key %q", path, s.dataKey)
		}
		items, ok = inner.([]any)
		if !ok {
			return fmt.Errorf("%s key %q holds %T, want an array", path, s.dataKey, inner)
		}
	default:
		return fmt.Errorf("%s holds %T, want an array of objects", path, doc)
	}

	for i, item := range items {
		data, ok := item.(map[string]any)
		if !ok {
			quarantined := contract.QuarantinedSourceRow(map[string]any{
				"source_file":   path,
				"element_index": i,
			}, []contract.Violation{&parseViolation{
				Message: fmt.Sprintf("element %d is %T, want an object", i, item),
			}})
			if err := emit(quarantined); err != nil {
				return err
			}
			continue
		}
		if err := s.emitRecord(path, data, emit); err != nil {
			return err
		}
	}
	return nil
}

func (s *jsonSource) emitRecord(path string, data map[string]any, emit func(contract.SourceRow) error) error {
	validated, violations := s.schema.ValidateRow(data)
	if len(violations) > 0 {
		raw := make(map[string]any, len(data)+1)
		for k, v := range data {
			raw[k] = v
		}
		raw["source_file"] = path
		return emit(contract.QuarantinedSourceRow(raw, violations))
	}
	return emit(contract.ValidSourceRow(contract.NewRow(validated, s.schema)))
}

func registerJSONSink(reg *plugin.Registry) error {
	return reg.RegisterSink(plugin.Info{
		Name:        "json_sink",
		Determinism: contract.DetIOWrite,
		Version:     "1.0.0",
	}, newJSONSink)
}

// jsonSink writes rows as JSONL (default) or as one JSON array. Rows are
// encoded canonically so the same data always produces the same bytes and
// the same artifact hash. Resume works only for JSONL: an array file cannot
// be appended to without rewriting history.
type jsonSink struct {
	path     string
	format   string
	appendTo bool

	mu       sync.Mutex
	file     *os.File
	buffered []map[string]any
}

func newJSONSink(cfg map[string]any) (plugin.Sink, error) {
	path, err := cfgRequiredString(cfg, "path")
	if err != nil {
		return nil, err
	}
	format, err := cfgString(cfg, "format", jsonFormatLines)
	if err != nil {
		return nil, err
	}
	if format != jsonFormatLines && format != jsonFormatArray {
		return nil, fmt.Errorf("config key %q must be \"jsonl\" or \"array\", got %q", "format", format)
	}
	mode, err := cfgString(cfg, "mode", "write")
	if err != nil {
		return nil, err
	}
	if mode != "write" && mode != "append" {
		return nil, fmt.Errorf("config key %q must be \"write\" or \"append\", got %q", "mode", mode)
	}
	if mode == "append" && format != jsonFormatLines {
		return nil, fmt.Errorf("append mode requires jsonl format")
	}
	return &jsonSink{path: path, format: format, appendTo: mode == "append"}, nil
}

func (s *jsonSink) Write(ctx context.Context, pctx *plugin.Context, rows []contract.Row) (contract.SinkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.format == jsonFormatArray {
		return s.writeArray(rows)
	}
	return s.writeLines(rows)
}

func (s *jsonSink) writeLines(rows []contract.Row) (contract.SinkResult, error) {
	if len(rows) == 0 && s.file == nil {
		artifact, err := contract.FileArtifact(s.path, canonical.HashBytes(nil), 0)
		if err != nil {
			return contract.SinkResult{}, err
		}
		return contract.SinkResult{Artifact: artifact}, nil
	}
	if s.file == nil {
		flags := os.O_CREATE | os.O_WRONLY
		if s.appendTo {
			flags |= os.O_APPEND
		} else {
			flags |= os.O_TRUNC
		}
		f, err := os.OpenFile(s.path, flags, 0o644)
		if err != nil {
			return contract.SinkResult{}, fmt.Errorf("opening json output: %w", err)
		}
		s.file = f
	}
	for i, row := range rows {
		line, err := canonical.MarshalCanonical(row.Data())
		if err != nil {
			return contract.SinkResult{}, fmt.Errorf("encoding row %d: %w", i, err)
		}
		if _, err := s.file.Write(append(line, '\n')); err != nil {
			return contract.SinkResult{}, fmt.Errorf("writing json output: %w", err)
		}
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return contract.SinkResult{}, fmt.Errorf("hashing json output: %w", err)
	}
	artifact, err := contract.FileArtifact(s.path, canonical.HashBytes(data), int64(len(data)))
	if err != nil {
		return contract.SinkResult{}, err
	}
	return contract.SinkResult{Artifact: artifact, RowsWritten: len(rows)}, nil
}

// writeArray rewrites the whole file on every write: a JSON array has no
// appendable tail, so the accumulated rows are the document.
func (s *jsonSink) writeArray(rows []contract.Row) (contract.SinkResult, error) {
	for _, row := range rows {
		s.buffered = append(s.buffered, row.Data())
	}
	data, err := canonical.MarshalCanonical(s.buffered)
	if err != nil {
		return contract.SinkResult{}, fmt.Errorf("encoding json array: %w", err)
	}
	if s.file == nil {
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return contract.SinkResult{}, fmt.Errorf("opening json output: %w", err)
		}
		s.file = f
	}
	if err := s.file.Truncate(0); err != nil {
		return contract.SinkResult{}, fmt.Errorf("rewriting json output: %w", err)
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return contract.SinkResult{}, fmt.Errorf("rewriting json output: %w", err)
	}
	if _, err := s.file.Write(data); err != nil {
		return contract.SinkResult{}, fmt.Errorf("writing json output: %w", err)
	}
	artifact, err := contract.FileArtifact(s.path, canonical.HashBytes(data), int64(len(data)))
	if err != nil {
		return contract.SinkResult{}, err
	}
	return contract.SinkResult{Artifact: artifact, RowsWritten: len(rows)}, nil
}

func (s *jsonSink) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("syncing json output: %w", err)
	}
	return nil
}

func (s *jsonSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *jsonSink) SupportsResume() bool { return s.format == jsonFormatLines }

func (s *jsonSink) ConfigureForResume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.format != jsonFormatLines {
		return fmt.Errorf("json sink in %s format cannot resume", s.format)
	}
	if s.file != nil {
		return fmt.Errorf("json sink already writing; resume must be configured before the first write")
	}
	s.appendTo = true
	return nil
}

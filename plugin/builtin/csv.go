package builtin

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/elspeth-run/elspeth/canonical"
	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/plugin"
)

// parseViolation reports a record that could not be parsed at all: bad
// quoting, a field-count mismatch, an unreadable line. Parse problems are
// Tier 3 data errors; they quarantine the record like any other violation.
type parseViolation struct {
	Line    int
	Message string
}

func (e *parseViolation) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error at line %d: %s", e.Line, e.Message)
	}
	return "parse error: " + e.Message
}

func (e *parseViolation) ErrorReason() contract.TransformErrorReason {
	return contract.TransformErrorReason{
		Reason:  "parse_error",
		Message: e.Message,
		Context: map[string]any{"line": e.Line},
	}
}

func registerCSVSource(reg *plugin.Registry) error {
	return reg.RegisterSource(plugin.Info{
		Name:        "csv_source",
		Determinism: contract.DetIORead,
		Version:     "1.0.0",
	}, newCSVSource)
}

// csvSource streams rows from a CSV file. The file is external data: every
// record is validated against the declared contract, string cells are
// coerced to the declared types here at the boundary, and anything that does
// not hold its shape is emitted as a quarantined record rather than an
// error. Only file-level problems (missing file, unreadable header) abort
// the load.
type csvSource struct {
	path      string
	delimiter rune
	skipRows  int
	columns   []string
	schema    *contract.Contract
}

func newCSVSource(cfg map[string]any) (plugin.Source, error) {
	path, err := cfgRequiredString(cfg, "path")
	if err != nil {
		return nil, err
	}
	delim, err := cfgString(cfg, "delimiter", ",")
	if err != nil {
		return nil, err
	}
	runes := []rune(delim)
	if len(runes) != 1 {
		return nil, fmt.Errorf("config key %q must be a single character, got %q", "delimiter", delim)
	}
	skip, err := cfgInt(cfg, "skip_rows", 0)
	if err != nil {
		return nil, err
	}
	if skip < 0 {
		return nil, fmt.Errorf("config key %q must not be negative, got %d", "skip_rows", skip)
	}
	columns, err := cfgStringSlice(cfg, "columns")
	if err != nil {
		return nil, err
	}
	schema, err := schemaFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &csvSource{
		path:      path,
		delimiter: runes[0],
		skipRows:  skip,
		columns:   columns,
		schema:    schema,
	}, nil
}

func (s *csvSource) Contract() *contract.Contract { return s.schema }

func (s *csvSource) Close(context.Context) error { return nil }

func (s *csvSource) Load(ctx context.Context, pctx *plugin.Context, emit func(contract.SourceRow) error) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("opening csv source: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = s.delimiter
	// Field counts are checked per record below so a malformed row
	// quarantines instead of stopping the stream.
	r.FieldsPerRecord = -1

	// The skip region may hold non-CSV preamble (comments, version
	// banners); parse errors there are part of what the caller asked to
	// discard.
	for i := 0; i < s.skipRows; i++ {
		if _, err := r.Read(); errors.Is(err, io.EOF) {
			return nil
		}
	}

	headers := s.columns
	if len(headers) == 0 {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading csv header: %w", err)
		}
		headers = record
	}

	rowNum := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			rowNum++
			quarantined := contract.QuarantinedSourceRow(map[string]any{
				"line_number": perr.Line,
				"row_number":  rowNum,
			}, []contract.Violation{&parseViolation{Line: perr.Line, Message: perr.Err.Error()}})
			if err := emit(quarantined); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("reading csv record: %w", err)
		}
		if len(record) == 0 || (len(record) == 1 && record[0] == "") {
			continue
		}
		rowNum++
		if len(record) != len(headers) {
			line, _ := r.FieldPos(0)
			quarantined := contract.QuarantinedSourceRow(map[string]any{
				"raw_line":    strings.Join(record, string(s.delimiter)),
				"line_number": line,
				"row_number":  rowNum,
			}, []contract.Violation{&parseViolation{
				Line:    line,
				Message: fmt.Sprintf("expected %d fields, got %d", len(headers), len(record)),
			}})
			if err := emit(quarantined); err != nil {
				return err
			}
			continue
		}

		data := make(map[string]any, len(record))
		var violations []contract.Violation
		for i, header := range headers {
			value, violation := s.coerceCell(header, record[i])
			if violation != nil {
				violations = append(violations, violation)
				continue
			}
			data[header] = value
		}
		if len(violations) == 0 {
			var validated map[string]any
			validated, violations = s.schema.ValidateRow(data)
			if len(violations) == 0 {
				if err := emit(contract.ValidSourceRow(contract.NewRow(validated, s.schema))); err != nil {
					return err
				}
				continue
			}
		}
		raw := make(map[string]any, len(record))
		for i, header := range headers {
			raw[header] = record[i]
		}
		if err := emit(contract.QuarantinedSourceRow(raw, violations)); err != nil {
			return err
		}
	}
}

// coerceCell turns a CSV cell into the declared field type. CSV carries only
// strings, so string-to-type conversion happens here at the source boundary;
// the contract layer deliberately refuses it. Cells for undeclared columns
// stay strings, and empty cells become nil so required-field checks see them
// as absent.
func (s *csvSource) coerceCell(header, cell string) (any, contract.Violation) {
	norm, known := s.schema.FindName(header)
	if !known {
		return cell, nil
	}
	field, _ := s.schema.Field(norm)
	if cell == "" {
		return nil, nil
	}
	switch field.Type {
	case contract.TypeString, contract.TypeAny:
		return cell, nil
	case contract.TypeInt:
		n, err := strconv.ParseInt(cell, 10, 64)
		if err != nil {
			return nil, s.cellMismatch(field, header, cell)
		}
		return int(n), nil
	case contract.TypeFloat:
		n, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return nil, s.cellMismatch(field, header, cell)
		}
		return n, nil
	case contract.TypeBool:
		b, err := strconv.ParseBool(cell)
		if err != nil {
			return nil, s.cellMismatch(field, header, cell)
		}
		return b, nil
	default:
		return cell, nil
	}
}

func (s *csvSource) cellMismatch(field contract.FieldContract, header, cell string) contract.Violation {
	return &contract.TypeMismatchError{
		NormalizedName: field.NormalizedName,
		OriginalName:   header,
		Expected:       field.Type,
		Actual:         "string",
		Value:          cell,
	}
}

func registerCSVSink(reg *plugin.Registry) error {
	return reg.RegisterSink(plugin.Info{
		Name:        "csv_sink",
		Determinism: contract.DetIOWrite,
		Version:     "1.0.0",
	}, newCSVSink)
}

// csvSink writes rows to one CSV file and proves it with a content hash over
// the whole file after every write. The header locks on first write: from
// the declared schema when one is configured, otherwise from the first
// row's field names. A later row carrying a field outside the locked header
// is an upstream bug and fails the write.
type csvSink struct {
	path      string
	delimiter rune
	appendTo  bool

	mu     sync.Mutex
	file   *os.File
	w      *csv.Writer
	header []string
}

func newCSVSink(cfg map[string]any) (plugin.Sink, error) {
	path, err := cfgRequiredString(cfg, "path")
	if err != nil {
		return nil, err
	}
	delim, err := cfgString(cfg, "delimiter", ",")
	if err != nil {
		return nil, err
	}
	runes := []rune(delim)
	if len(runes) != 1 {
		return nil, fmt.Errorf("config key %q must be a single character, got %q", "delimiter", delim)
	}
	mode, err := cfgString(cfg, "mode", "write")
	if err != nil {
		return nil, err
	}
	if mode != "write" && mode != "append" {
		return nil, fmt.Errorf("config key %q must be \"write\" or \"append\", got %q", "mode", mode)
	}
	sink := &csvSink{path: path, delimiter: runes[0], appendTo: mode == "append"}
	if _, hasSchema := cfg["schema"]; hasSchema {
		schema, err := schemaFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		for _, f := range schema.Fields() {
			sink.header = append(sink.header, f.NormalizedName)
		}
	}
	return sink, nil
}

func (s *csvSink) Write(ctx context.Context, pctx *plugin.Context, rows []contract.Row) (contract.SinkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(rows) == 0 && s.file == nil {
		artifact, err := contract.FileArtifact(s.path, canonical.HashBytes(nil), 0)
		if err != nil {
			return contract.SinkResult{}, err
		}
		return contract.SinkResult{Artifact: artifact}, nil
	}
	if s.file == nil {
		if err := s.open(rows[0]); err != nil {
			return contract.SinkResult{}, err
		}
	}

	headerSet := make(map[string]bool, len(s.header))
	for _, h := range s.header {
		headerSet[h] = true
	}
	for i, row := range rows {
		for name := range row.Data() {
			if !headerSet[name] {
				return contract.SinkResult{}, fmt.Errorf(
					"row %d carries field %q outside the csv header %v", i, name, s.header)
			}
		}
		record := make([]string, len(s.header))
		for j, h := range s.header {
			if v, ok := row.Lookup(h); ok {
				record[j] = formatCSVValue(v)
			}
		}
		if err := s.w.Write(record); err != nil {
			return contract.SinkResult{}, fmt.Errorf("writing csv record: %w", err)
		}
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return contract.SinkResult{}, fmt.Errorf("flushing csv writer: %w", err)
	}

	artifact, err := s.fileArtifact()
	if err != nil {
		return contract.SinkResult{}, err
	}
	return contract.SinkResult{Artifact: artifact, RowsWritten: len(rows)}, nil
}

// open prepares the file handle and locks the header. In append mode an
// existing non-empty file is authoritative: its header is adopted and no new
// header is written.
func (s *csvSink) open(first contract.Row) error {
	if s.appendTo {
		data, err := os.ReadFile(s.path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("reading existing csv output: %w", err)
		}
		if len(data) > 0 {
			r := csv.NewReader(bytes.NewReader(data))
			r.Comma = s.delimiter
			existing, err := r.Read()
			if err != nil {
				return fmt.Errorf("reading existing csv header: %w", err)
			}
			f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("opening csv output for append: %w", err)
			}
			s.header = existing
			s.file = f
			s.w = csv.NewWriter(f)
			s.w.Comma = s.delimiter
			return nil
		}
	}
	if len(s.header) == 0 {
		s.header = first.FieldNames()
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening csv output: %w", err)
	}
	s.file = f
	s.w = csv.NewWriter(f)
	s.w.Comma = s.delimiter
	if err := s.w.Write(s.header); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	return nil
}

func (s *csvSink) fileArtifact() (contract.ArtifactDescriptor, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return contract.ArtifactDescriptor{}, fmt.Errorf("hashing csv output: %w", err)
	}
	return contract.FileArtifact(s.path, canonical.HashBytes(data), int64(len(data)))
}

// Flush pushes buffered records through to the device. The engine calls
// this before recording a checkpoint; rows acknowledged here must survive a
// crash.
func (s *csvSink) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("flushing csv writer: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("syncing csv output: %w", err)
	}
	return nil
}

func (s *csvSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	s.w.Flush()
	werr := s.w.Error()
	cerr := s.file.Close()
	s.file = nil
	s.w = nil
	return errors.Join(werr, cerr)
}

func (s *csvSink) SupportsResume() bool { return true }

func (s *csvSink) ConfigureForResume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return fmt.Errorf("csv sink already writing; resume must be configured before the first write")
	}
	s.appendTo = true
	return nil
}

// formatCSVValue renders a row value as a CSV cell. Floats use the shortest
// round-trippable form; nil becomes the empty cell it came from.
func formatCSVValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	default:
		return fmt.Sprint(x)
	}
}

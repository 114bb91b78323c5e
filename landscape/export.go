package landscape

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/elspeth-run/elspeth/canonical"
)

// Export turns a run's audit trail into a flat, order-stable record stream
// that can be verified offline. Every line carries the record, its type,
// the SHA-256 of its canonical encoding, and (when a signing key is
// configured) an HMAC signature. The manifest at the end carries a running
// hash chain over all record hashes, so dropping, reordering, or editing
// any line is detectable without the database.

// exportOrder fixes the record stream layout. Checkpoints are deliberately
// absent: they are resume state and are deleted when the run settles.
var exportOrder = []struct {
	recordType string
	query      string
}{
	{"run", "SELECT * FROM runs WHERE run_id = ?"},
	{"node", "SELECT * FROM nodes WHERE run_id = ? ORDER BY sequence_index, node_id"},
	{"edge", "SELECT * FROM edges WHERE run_id = ? ORDER BY edge_id"},
	{"source_row", "SELECT * FROM source_rows WHERE run_id = ? ORDER BY row_index"},
	{"token", "SELECT * FROM tokens WHERE run_id = ? ORDER BY token_id"},
	{"token_parent", `SELECT tp.* FROM token_parents tp
		JOIN tokens t ON t.token_id = tp.child_token_id
		WHERE t.run_id = ? ORDER BY tp.child_token_id, tp.ordinal`},
	{"token_outcome", "SELECT * FROM token_outcomes WHERE run_id = ? ORDER BY token_id"},
	{"node_state", "SELECT * FROM node_states WHERE run_id = ? ORDER BY state_id"},
	{"operation", "SELECT * FROM operations WHERE run_id = ? ORDER BY operation_id"},
	{"call", `SELECT c.* FROM calls c
		JOIN node_states s ON s.state_id = c.state_id
		WHERE s.run_id = ? ORDER BY c.call_id`},
	{"routing_event", `SELECT re.* FROM routing_events re
		JOIN node_states s ON s.state_id = re.state_id
		WHERE s.run_id = ? ORDER BY re.routing_group_id, re.ordinal`},
	{"batch", "SELECT * FROM batches WHERE run_id = ? ORDER BY batch_id"},
	{"batch_member", `SELECT bm.* FROM batch_members bm
		JOIN batches b ON b.batch_id = bm.batch_id
		WHERE b.run_id = ? ORDER BY bm.batch_id, bm.ordinal`},
	{"batch_output", `SELECT bo.* FROM batch_outputs bo
		JOIN batches b ON b.batch_id = bo.batch_id
		WHERE b.run_id = ? ORDER BY bo.batch_id, bo.ordinal`},
	{"artifact", "SELECT * FROM artifacts WHERE run_id = ? ORDER BY artifact_id"},
	{"validation_error", "SELECT * FROM validation_errors WHERE run_id = ? ORDER BY error_id"},
	{"transform_error", "SELECT * FROM transform_errors WHERE run_id = ? ORDER BY error_id"},
	{"secret_resolution", "SELECT * FROM secret_resolutions WHERE run_id = ? ORDER BY resolution_id"},
}

// ExportRecord is one line of the export stream.
type ExportRecord struct {
	RecordType string         `json:"record_type"`
	Record     map[string]any `json:"record"`
	Hash       string         `json:"hash"`
	Signature  string         `json:"signature,omitempty"`
}

// Manifest closes an export stream.
type Manifest struct {
	RunID              string         `json:"run_id"`
	ExportedAt         string         `json:"exported_at"`
	RecordCount        int            `json:"record_count"`
	CountsByType       map[string]int `json:"counts_by_type"`
	HashAlgorithm      string         `json:"hash_algorithm"`
	SignatureAlgorithm string         `json:"signature_algorithm,omitempty"`
	ChainHash          string         `json:"chain_hash"`
	Signature          string         `json:"signature,omitempty"`
}

// Exporter streams signed audit records. The signing key is optional;
// without it records carry hashes and the chain but no signatures.
type Exporter struct {
	db  *DB
	key []byte
	now func() time.Time
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

// WithExportClock overrides the exported_at timestamp source.
func WithExportClock(now func() time.Time) ExporterOption {
	return func(e *Exporter) { e.now = now }
}

// NewExporter builds an exporter over an open audit database. A nil or
// empty key produces unsigned exports.
func NewExporter(db *DB, key []byte, opts ...ExporterOption) *Exporter {
	e := &Exporter{db: db, key: key, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExportRun writes the run's record stream as JSON lines to w and returns
// the manifest (also written as the final line).
func (e *Exporter) ExportRun(ctx context.Context, runID string, w io.Writer) (*Manifest, error) {
	bw := bufio.NewWriter(w)
	chain := canonical.HashBytes([]byte(runID))
	total := 0
	counts := map[string]int{}

	for _, section := range exportOrder {
		n, err := e.exportSection(ctx, runID, section.recordType, section.query, bw, &chain)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			counts[section.recordType] = n
			total += n
		}
	}
	if total == 0 {
		return nil, fmt.Errorf("run %s has no audit records to export", runID)
	}

	manifest := &Manifest{
		RunID:         runID,
		ExportedAt:    formatTime(e.now()),
		RecordCount:   total,
		CountsByType:  counts,
		HashAlgorithm: "sha256",
		ChainHash:     chain,
	}
	if len(e.key) > 0 {
		manifest.SignatureAlgorithm = "hmac-sha256"
		sig, err := e.signManifest(manifest)
		if err != nil {
			return nil, err
		}
		manifest.Signature = sig
	}

	line, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal export manifest: %w", err)
	}
	if _, err := bw.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("failed to write export manifest: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush export stream: %w", err)
	}
	return manifest, nil
}

func (e *Exporter) exportSection(ctx context.Context, runID, recordType, query string, w *bufio.Writer, chain *string) (int, error) {
	rows, err := e.db.QueryContext(ctx, query, runID)
	if err != nil {
		return 0, fmt.Errorf("failed to query %s records: %w", recordType, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, fmt.Errorf("failed to read %s columns: %w", recordType, err)
	}

	n := 0
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return 0, fmt.Errorf("failed to scan %s record: %w", recordType, err)
		}

		record := make(map[string]any, len(cols))
		for i, col := range cols {
			record[col] = normalizeSQLValue(values[i])
		}

		canonicalBytes, err := canonical.MarshalCanonical(record)
		if err != nil {
			return 0, fmt.Errorf("failed to canonicalize %s record: %w", recordType, err)
		}
		rec := ExportRecord{
			RecordType: recordType,
			Record:     record,
			Hash:       canonical.HashBytes(canonicalBytes),
		}
		if len(e.key) > 0 {
			rec.Signature = signHex(e.key, canonicalBytes)
		}
		*chain = canonical.HashBytes([]byte(*chain + rec.Hash))

		line, err := json.Marshal(rec)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal %s record: %w", recordType, err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return 0, fmt.Errorf("failed to write %s record: %w", recordType, err)
		}
		n++
	}
	return n, rows.Err()
}

func (e *Exporter) signManifest(m *Manifest) (string, error) {
	data, err := manifestSigningBytes(m)
	if err != nil {
		return "", err
	}
	return signHex(e.key, data), nil
}

// manifestSigningBytes covers every manifest field except the signature
// itself.
func manifestSigningBytes(m *Manifest) ([]byte, error) {
	data, err := canonical.MarshalCanonical(map[string]any{
		"run_id":              m.RunID,
		"exported_at":         m.ExportedAt,
		"record_count":        m.RecordCount,
		"counts_by_type":      m.CountsByType,
		"hash_algorithm":      m.HashAlgorithm,
		"signature_algorithm": m.SignatureAlgorithm,
		"chain_hash":          m.ChainHash,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize export manifest: %w", err)
	}
	return data, nil
}

func signHex(key, data []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// normalizeSQLValue maps driver scan results onto canonicalizable values.
func normalizeSQLValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case nil:
		return nil
	default:
		return v
	}
}

// VerifyExport re-reads an export stream, recomputing record hashes, the
// chain, and signatures when a key is supplied. It returns the embedded
// manifest on success.
func VerifyExport(r io.Reader, key []byte) (*Manifest, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), 16<<20)

	var manifest *Manifest
	var chain string
	count := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if manifest != nil {
			return nil, fmt.Errorf("export stream continues after manifest")
		}

		// The manifest is the only line without a record_type.
		var probe struct {
			RecordType string `json:"record_type"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			return nil, fmt.Errorf("malformed export line %d: %w", count+1, err)
		}
		if probe.RecordType == "" {
			var m Manifest
			if err := json.Unmarshal(line, &m); err != nil {
				return nil, fmt.Errorf("malformed export manifest: %w", err)
			}
			manifest = &m
			continue
		}

		var rec ExportRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("malformed export record %d: %w", count+1, err)
		}
		canonicalBytes, err := canonical.MarshalCanonical(rec.Record)
		if err != nil {
			return nil, fmt.Errorf("record %d does not canonicalize: %w", count+1, err)
		}
		if got := canonical.HashBytes(canonicalBytes); got != rec.Hash {
			return nil, fmt.Errorf("record %d hash mismatch: stream says %s, content hashes to %s", count+1, rec.Hash, got)
		}
		if len(key) > 0 {
			want := signHex(key, canonicalBytes)
			if !hmac.Equal([]byte(want), []byte(rec.Signature)) {
				return nil, fmt.Errorf("record %d signature mismatch", count+1)
			}
		}
		if count == 0 {
			if rec.RecordType != "run" {
				return nil, fmt.Errorf("export stream must start with the run record, got %s", rec.RecordType)
			}
			runID, _ := rec.Record["run_id"].(string)
			chain = canonical.HashBytes([]byte(runID))
		}
		chain = canonical.HashBytes([]byte(chain + rec.Hash))
		count++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read export stream: %w", err)
	}
	if manifest == nil {
		return nil, fmt.Errorf("export stream has no manifest")
	}
	if manifest.RecordCount != count {
		return nil, fmt.Errorf("manifest claims %d records, stream has %d", manifest.RecordCount, count)
	}
	if manifest.ChainHash != chain {
		return nil, fmt.Errorf("hash chain mismatch: manifest says %s, stream chains to %s", manifest.ChainHash, chain)
	}
	if len(key) > 0 {
		data, err := manifestSigningBytes(manifest)
		if err != nil {
			return nil, err
		}
		want := signHex(key, data)
		if !hmac.Equal([]byte(want), []byte(manifest.Signature)) {
			return nil, fmt.Errorf("manifest signature mismatch")
		}
	}
	return manifest, nil
}

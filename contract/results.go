package contract

import (
	"fmt"
	"net/url"
	"strings"
)

// TransformResult is a transform plugin's answer for one row: success with
// zero or more output rows and a stated reason, or a structured failure.
// Construct through TransformSuccess, TransformSuccessMulti,
// TransformSuccessEmpty, or TransformFailure; the zero value is invalid.
type TransformResult struct {
	ok        bool
	rows      []Row
	multi     bool
	retryable bool
	success   *SuccessReason
	failure   *TransformErrorReason
}

// TransformSuccess wraps a single output row. The reason is mandatory: the
// audit trail records what the transform did, not just that it ran.
func TransformSuccess(row Row, reason SuccessReason) (TransformResult, error) {
	if reason.Action == "" {
		return TransformResult{}, fmt.Errorf("success result requires a reason with a non-empty action")
	}
	return TransformResult{ok: true, rows: []Row{row}, success: &reason}, nil
}

// TransformSuccessMulti wraps a one-to-many expansion. Every output row must
// share the same contract instance: rows fanned out from one input follow
// one schema, and a plugin mixing contracts is buggy, not creative.
func TransformSuccessMulti(rows []Row, reason SuccessReason) (TransformResult, error) {
	if reason.Action == "" {
		return TransformResult{}, fmt.Errorf("success result requires a reason with a non-empty action")
	}
	if len(rows) == 0 {
		return TransformResult{}, fmt.Errorf("multi-row success requires at least one row")
	}
	first := rows[0].Contract()
	for i, r := range rows[1:] {
		if r.Contract() != first {
			return TransformResult{}, fmt.Errorf("multi-row success mixes contracts: row %d differs from row 0", i+1)
		}
	}
	return TransformResult{ok: true, rows: rows, multi: true, success: &reason}, nil
}

// TransformSuccessEmpty wraps an expansion that consumed its inputs and
// produced nothing: every buffered row was filtered out or individually
// quarantined, with the particulars recorded in the reason's metadata. Only
// batch-aware transforms may return this; a single-row transform either
// succeeds with a row or fails.
func TransformSuccessEmpty(reason SuccessReason) (TransformResult, error) {
	if reason.Action == "" {
		return TransformResult{}, fmt.Errorf("success result requires a reason with a non-empty action")
	}
	return TransformResult{ok: true, multi: true, success: &reason}, nil
}

// TransformFailure wraps a structured failure reason. The input row is not
// carried; the engine already holds it.
func TransformFailure(reason TransformErrorReason) TransformResult {
	if reason.Reason == "" {
		reason.Reason = "unspecified"
	}
	return TransformResult{ok: false, failure: &reason}
}

// RetryableTransformFailure marks a failure as transient, eligible for the
// retry policy. Plugins use this for rate limits and flaky upstreams where
// the same input may yet succeed.
func RetryableTransformFailure(reason TransformErrorReason) TransformResult {
	r := TransformFailure(reason)
	r.retryable = true
	return r
}

// OK reports whether the transform succeeded.
func (r TransformResult) OK() bool { return r.ok }

// Multi reports whether the result is a one-to-many expansion.
func (r TransformResult) Multi() bool { return r.multi }

// Row returns the single output row of a non-multi success.
func (r TransformResult) Row() (Row, error) {
	if !r.ok {
		return Row{}, fmt.Errorf("result is a failure, not a row")
	}
	if r.multi {
		return Row{}, fmt.Errorf("result is multi-row; use Rows")
	}
	return r.rows[0], nil
}

// Rows returns all output rows of a success.
func (r TransformResult) Rows() []Row {
	out := make([]Row, len(r.rows))
	copy(out, r.rows)
	return out
}

// SuccessReason returns the reason of a successful result, or nil.
func (r TransformResult) SuccessReason() *SuccessReason { return r.success }

// FailureReason returns the reason of a failed result, or nil.
func (r TransformResult) FailureReason() *TransformErrorReason { return r.failure }

// Retryable reports whether a failed result may be re-attempted.
func (r TransformResult) Retryable() bool { return !r.ok && r.retryable }

// GateResult is a gate plugin's answer for one row: the (possibly annotated)
// row plus the routing decision.
type GateResult struct {
	Row    Row
	Action RoutingAction
}

// SourceRow is one record produced by a source plugin: either a validated
// row under the source's contract, or a quarantined record that failed
// validation and carries the raw data plus what went wrong.
type SourceRow struct {
	valid      bool
	row        Row
	raw        map[string]any
	violations []Violation
}

// ValidSourceRow wraps a row that passed contract validation.
func ValidSourceRow(row Row) SourceRow {
	return SourceRow{valid: true, row: row}
}

// QuarantinedSourceRow wraps a record that failed validation. The raw data
// travels with the quarantine token under an empty OBSERVED contract.
func QuarantinedSourceRow(raw map[string]any, violations []Violation) SourceRow {
	return SourceRow{valid: false, raw: raw, violations: violations}
}

// Valid reports whether the record passed validation.
func (s SourceRow) Valid() bool { return s.valid }

// Row returns the validated row. Only meaningful when Valid.
func (s SourceRow) Row() Row { return s.row }

// Raw returns the unvalidated record of a quarantined row.
func (s SourceRow) Raw() map[string]any { return s.raw }

// Violations returns what failed validation for a quarantined row.
func (s SourceRow) Violations() []Violation { return s.violations }

// QuarantineReason renders the violations as a routing reason for the
// divert edge traversal.
func (s SourceRow) QuarantineReason() *RoutingReason {
	if s.valid || len(s.violations) == 0 {
		return nil
	}
	msgs := make([]string, len(s.violations))
	for i, v := range s.violations {
		msgs[i] = v.Error()
	}
	return &RoutingReason{QuarantineError: strings.Join(msgs, "; ")}
}

// ArtifactKind classifies where a sink delivered its output.
type ArtifactKind string

const (
	ArtifactFile     ArtifactKind = "file"
	ArtifactDatabase ArtifactKind = "database"
	ArtifactWebhook  ArtifactKind = "webhook"
)

// ArtifactDescriptor proves what a sink produced. ContentHash and SizeBytes
// are mandatory on every variant: an artifact that cannot be verified later
// is not evidence.
type ArtifactDescriptor struct {
	Kind        ArtifactKind   `json:"kind"`
	Path        string         `json:"path,omitempty"`
	Table       string         `json:"table,omitempty"`
	URL         string         `json:"url,omitempty"`
	ContentHash string         `json:"content_hash"`
	SizeBytes   int64          `json:"size_bytes"`
	ContentType string         `json:"content_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Location returns the human-readable destination of the artifact: the file
// path, "table @ url" for database writes, or the sanitized URL.
func (a ArtifactDescriptor) Location() string {
	switch a.Kind {
	case ArtifactFile:
		return a.Path
	case ArtifactDatabase:
		if a.URL != "" {
			return a.Table + " @ " + a.URL
		}
		return a.Table
	default:
		return a.URL
	}
}

// FileArtifact describes output written to a local path.
func FileArtifact(path, contentHash string, sizeBytes int64) (ArtifactDescriptor, error) {
	if err := checkArtifact(contentHash, sizeBytes); err != nil {
		return ArtifactDescriptor{}, err
	}
	if path == "" {
		return ArtifactDescriptor{}, fmt.Errorf("file artifact requires a path")
	}
	return ArtifactDescriptor{Kind: ArtifactFile, Path: path, ContentHash: contentHash, SizeBytes: sizeBytes}, nil
}

// DatabaseArtifact describes rows written to a table. The DSN is sanitized
// before storage so credentials never reach the audit trail.
func DatabaseArtifact(dsn, table, contentHash string, sizeBytes int64) (ArtifactDescriptor, error) {
	if err := checkArtifact(contentHash, sizeBytes); err != nil {
		return ArtifactDescriptor{}, err
	}
	if table == "" {
		return ArtifactDescriptor{}, fmt.Errorf("database artifact requires a table name")
	}
	return ArtifactDescriptor{
		Kind:        ArtifactDatabase,
		URL:         SanitizeURL(dsn),
		Table:       table,
		ContentHash: contentHash,
		SizeBytes:   sizeBytes,
	}, nil
}

// WebhookArtifact describes a payload delivered over HTTP. The URL is
// sanitized: user info and query parameters routinely carry tokens.
func WebhookArtifact(rawURL, contentHash string, sizeBytes int64) (ArtifactDescriptor, error) {
	if err := checkArtifact(contentHash, sizeBytes); err != nil {
		return ArtifactDescriptor{}, err
	}
	if rawURL == "" {
		return ArtifactDescriptor{}, fmt.Errorf("webhook artifact requires a URL")
	}
	return ArtifactDescriptor{Kind: ArtifactWebhook, URL: SanitizeURL(rawURL), ContentHash: contentHash, SizeBytes: sizeBytes}, nil
}

func checkArtifact(contentHash string, sizeBytes int64) error {
	if contentHash == "" {
		return fmt.Errorf("artifact requires a content hash")
	}
	if sizeBytes < 0 {
		return fmt.Errorf("artifact size must be non-negative, got %d", sizeBytes)
	}
	return nil
}

// SanitizeURL strips user info and query parameters from a URL or DSN so it
// can be stored in audit records. Unparseable inputs degrade to a redaction
// marker rather than leaking through.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		// DSNs like "user:pass@tcp(host)/db" are not URLs; keep only the
		// part after the last credential marker.
		if at := strings.LastIndex(raw, "@"); at >= 0 {
			return "redacted@" + raw[at+1:]
		}
		return raw
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// SinkResult is a sink plugin's answer for one flushed batch.
type SinkResult struct {
	Artifact    ArtifactDescriptor
	RowsWritten int
}

// RowResult is the immutable final disposition of one token, returned by
// the engine to callers. Outcomes that mean "delivered somewhere" must name
// the sink; outcomes that mean "did not arrive" must not.
type RowResult struct {
	TokenID  string
	RowIndex int
	Outcome  TokenOutcome
	SinkName string
	Detail   map[string]any
}

var sinkRequired = map[TokenOutcome]bool{
	OutcomeCompleted: true, OutcomeRouted: true,
}

// NewRowResult validates the outcome invariants at construction so an
// inconsistent result can never be observed.
func NewRowResult(tokenID string, rowIndex int, outcome TokenOutcome, sinkName string, detail map[string]any) (RowResult, error) {
	if tokenID == "" {
		return RowResult{}, fmt.Errorf("row result requires a token id")
	}
	if sinkRequired[outcome] && sinkName == "" {
		return RowResult{}, fmt.Errorf("outcome %s requires a sink name", outcome)
	}
	if !sinkRequired[outcome] && sinkName != "" {
		return RowResult{}, fmt.Errorf("outcome %s must not name a sink, got %q", outcome, sinkName)
	}
	return RowResult{TokenID: tokenID, RowIndex: rowIndex, Outcome: outcome, SinkName: sinkName, Detail: detail}, nil
}

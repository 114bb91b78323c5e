package contract

import (
	"fmt"
)

// The error taxonomy follows the three-tier trust model:
//
//   Tier 1 — our audit data. Corruption is unrecoverable: AuditIntegrityError.
//   Tier 2 — pipeline data. Wrong types are upstream bugs and crash with a
//            pointed message; unsafe values quarantine the row.
//   Tier 3 — external data. Validation failures quarantine, never crash:
//            the ContractViolation family.
//
// Engine bugs (OrchestrationInvariantError) and plugin bugs
// (PluginViolationError) always crash; they are never retried or quarantined.

// AuditIntegrityError indicates the audit database is corrupt or a recording
// invariant was broken: a row vanished after insert, an enum column holds an
// unknown value, a terminal state reopened. Recovery is forbidden; the
// pipeline stops and the database must be investigated.
type AuditIntegrityError struct {
	Message string
	Cause   error
}

func (e *AuditIntegrityError) Error() string {
	if e.Cause != nil {
		return "audit integrity: " + e.Message + ": " + e.Cause.Error()
	}
	return "audit integrity: " + e.Message
}

func (e *AuditIntegrityError) Unwrap() error { return e.Cause }

// OrchestrationInvariantError indicates a bug in the engine itself: a node
// executed without an ID, routing resolved to a nonexistent edge, a work
// item constructed inconsistently. These crash immediately.
type OrchestrationInvariantError struct {
	Message string
}

func (e *OrchestrationInvariantError) Error() string {
	return "orchestration invariant violated: " + e.Message
}

// PluginViolationError indicates a plugin broke its contract with the
// framework: emitted non-canonical data, returned a success result without
// output, mixed contracts in a multi-row result. Plugin bugs crash the
// pipeline; they are not user-data errors to quarantine.
type PluginViolationError struct {
	Plugin  string
	Message string
}

func (e *PluginViolationError) Error() string {
	if e.Plugin != "" {
		return "plugin " + e.Plugin + " violated its contract: " + e.Message
	}
	return "plugin contract violation: " + e.Message
}

// PipelineError is the general structured error for engine failures that
// carry a machine-readable code and the node that produced them.
type PipelineError struct {
	Message string
	Code    string
	NodeID  string
	Cause   error
}

func (e *PipelineError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

func (e *PipelineError) Unwrap() error { return e.Cause }

// RunInterruptedError signals that a run stopped on a cancellation signal
// after draining in-flight work. The run is resumable; the CLI surfaces the
// resume command.
type RunInterruptedError struct {
	RunID         string
	RowsProcessed int
}

func (e *RunInterruptedError) Error() string {
	return fmt.Sprintf("run %s interrupted after %d rows; resume with: elspeth resume --run-id %s",
		e.RunID, e.RowsProcessed, e.RunID)
}

// ---------------------------------------------------------------------------
// Tier-3 contract violations. All carry both the normalized field name (what
// code uses) and the original name (what the user's data shows), formatted
// "'Original' (normalized)" for debuggability.
// ---------------------------------------------------------------------------

// Violation is a schema contract violation on external data. Implementations
// convert themselves into a structured reason for the audit trail.
type Violation interface {
	error
	ErrorReason() TransformErrorReason
}

// MissingFieldError reports a required field absent from external data.
type MissingFieldError struct {
	NormalizedName string
	OriginalName   string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("required field '%s' (%s) is missing", e.OriginalName, e.NormalizedName)
}

func (e *MissingFieldError) ErrorReason() TransformErrorReason {
	return TransformErrorReason{
		Reason:        "contract_violation",
		ViolationType: "missing_field",
		Field:         e.NormalizedName,
		OriginalField: e.OriginalName,
	}
}

// TypeMismatchError reports a field whose value has the wrong type. The
// offending value is available programmatically but is excluded from the
// message so user data never leaks into logs.
type TypeMismatchError struct {
	NormalizedName string
	OriginalName   string
	Expected       FieldType
	Actual         string
	Value          any
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("field '%s' (%s) expected type '%s', got '%s'",
		e.OriginalName, e.NormalizedName, e.Expected, e.Actual)
}

func (e *TypeMismatchError) ErrorReason() TransformErrorReason {
	return TransformErrorReason{
		Reason:        "contract_violation",
		ViolationType: "type_mismatch",
		Field:         e.NormalizedName,
		OriginalField: e.OriginalName,
		Expected:      string(e.Expected),
		Actual:        e.Actual,
	}
}

// ExtraFieldError reports an undeclared field present under FIXED mode.
type ExtraFieldError struct {
	NormalizedName string
	OriginalName   string
}

func (e *ExtraFieldError) Error() string {
	return fmt.Sprintf("extra field '%s' (%s) not allowed in fixed mode", e.OriginalName, e.NormalizedName)
}

func (e *ExtraFieldError) ErrorReason() TransformErrorReason {
	return TransformErrorReason{
		Reason:        "contract_violation",
		ViolationType: "extra_field",
		Field:         e.NormalizedName,
		OriginalField: e.OriginalName,
	}
}

// ContractMergeError reports incompatible contracts at a coalesce join.
// This is a pipeline design error, not a data error.
type ContractMergeError struct {
	Field string
	TypeA FieldType
	TypeB FieldType
}

func (e *ContractMergeError) Error() string {
	return fmt.Sprintf("cannot merge contracts: field '%s' has conflicting types '%s' and '%s'",
		e.Field, e.TypeA, e.TypeB)
}

// ViolationsToReason collapses one or more violations into a single audit
// reason. A single violation maps directly; multiple violations are wrapped
// with a count.
func ViolationsToReason(violations []Violation) TransformErrorReason {
	if len(violations) == 0 {
		panic("ViolationsToReason called with no violations")
	}
	if len(violations) == 1 {
		return violations[0].ErrorReason()
	}
	nested := make([]TransformErrorReason, len(violations))
	for i, v := range violations {
		nested[i] = v.ErrorReason()
	}
	return TransformErrorReason{
		Reason:     "multiple_contract_violations",
		Count:      len(violations),
		Violations: nested,
	}
}

// ---------------------------------------------------------------------------
// Structured reasons persisted to error_json / reason_ref columns.
// ---------------------------------------------------------------------------

// ExecutionError is the audit payload for framework-level failures recorded
// on FAILED node states.
type ExecutionError struct {
	Exception string `json:"exception"`
	Type      string `json:"type"`
	Traceback string `json:"traceback,omitempty"`
	Phase     string `json:"phase,omitempty"`
}

// TransformErrorReason is the audit payload for plugin-reported failures.
// Reason is the required category; the remaining fields add context for the
// specific category.
type TransformErrorReason struct {
	Reason        string                 `json:"reason"`
	Error         string                 `json:"error,omitempty"`
	Message       string                 `json:"message,omitempty"`
	Field         string                 `json:"field,omitempty"`
	OriginalField string                 `json:"original_field,omitempty"`
	ViolationType string                 `json:"violation_type,omitempty"`
	Expected      string                 `json:"expected,omitempty"`
	Actual        string                 `json:"actual,omitempty"`
	Count         int                    `json:"count,omitempty"`
	Violations    []TransformErrorReason `json:"violations,omitempty"`
	Context       map[string]any         `json:"context,omitempty"`
}

// SuccessReason is the audit payload for successful transform operations:
// what the transform did, beyond the input/output data itself.
type SuccessReason struct {
	Action             string         `json:"action"`
	FieldsModified     []string       `json:"fields_modified,omitempty"`
	FieldsAdded        []string       `json:"fields_added,omitempty"`
	FieldsRemoved      []string       `json:"fields_removed,omitempty"`
	ValidationWarnings []string       `json:"validation_warnings,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// RoutingReason is the audit payload attached to routing events. Exactly
// one variant is set; field presence discriminates.
type RoutingReason struct {
	// Config-driven gate: the expression and the label that matched.
	Condition string `json:"condition,omitempty"`
	Result    string `json:"result,omitempty"`

	// Plugin gate: the rule and what it matched.
	Rule         string `json:"rule,omitempty"`
	MatchedValue string `json:"matched_value,omitempty"`
	Threshold    string `json:"threshold,omitempty"`
	Field        string `json:"field,omitempty"`
	Comparison   string `json:"comparison,omitempty"`

	// Source quarantine: the validation failure that diverted the row.
	QuarantineError string `json:"quarantine_error,omitempty"`
}

// Package contract defines the shared vocabulary of the pipeline: schema
// contracts, routing primitives, result types, error taxonomy, and the
// enumerations persisted in the audit trail.
//
// Everything here is deliberately dependency-light. The engine, the audit
// store, and plugins all speak these types; none of them may redefine them.
package contract

import "fmt"

// RunStatus is the lifecycle state of a run row.
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
	RunInterrupted RunStatus = "interrupted"
)

// RunMode selects how external calls are satisfied during a run.
type RunMode string

const (
	ModeLive   RunMode = "live"
	ModeReplay RunMode = "replay"
	ModeVerify RunMode = "verify"
)

// NodeType classifies a node in the execution graph.
type NodeType string

const (
	NodeSource      NodeType = "source"
	NodeTransform   NodeType = "transform"
	NodeGate        NodeType = "gate"
	NodeAggregation NodeType = "aggregation"
	NodeCoalesce    NodeType = "coalesce"
	NodeSink        NodeType = "sink"
)

// Determinism declares how the engine must treat a node under replay and
// verify. Registration fails when a plugin does not declare one; there is
// deliberately no default.
type Determinism string

const (
	DetDeterministic    Determinism = "deterministic"
	DetSeeded           Determinism = "seeded"
	DetIORead           Determinism = "io_read"
	DetIOWrite          Determinism = "io_write"
	DetExternalCall     Determinism = "external_call"
	DetNonDeterministic Determinism = "non_deterministic"
)

// NodeStateStatus discriminates the NodeState union. Only OPEN states may
// transition; COMPLETED and FAILED are immutable.
type NodeStateStatus string

const (
	StateOpen      NodeStateStatus = "open"
	StateCompleted NodeStateStatus = "completed"
	StateFailed    NodeStateStatus = "failed"
)

// RoutingMode records why a token traversed an edge.
//
// MOVE is ordinary routing, COPY marks fork duplication, and DIVERT marks
// error/quarantine paths taken by exception handling rather than by a
// routing decision.
type RoutingMode string

const (
	ModeMove   RoutingMode = "move"
	ModeCopy   RoutingMode = "copy"
	ModeDivert RoutingMode = "divert"
)

// RoutingKind is the discriminant of a RoutingAction.
type RoutingKind string

const (
	KindContinue    RoutingKind = "continue"
	KindRoute       RoutingKind = "route"
	KindForkToPaths RoutingKind = "fork_to_paths"
)

// CallType classifies a recorded external call.
type CallType string

const (
	CallLLM          CallType = "llm"
	CallHTTP         CallType = "http"
	CallHTTPRedirect CallType = "http_redirect"
	CallSQL          CallType = "sql"
	CallFilesystem   CallType = "filesystem"
)

// CallStatus is the outcome of a recorded external call.
type CallStatus string

const (
	CallSuccess CallStatus = "success"
	CallError   CallStatus = "error"
)

// BatchStatus is the lifecycle state of an aggregation batch.
type BatchStatus string

const (
	BatchDraft     BatchStatus = "draft"
	BatchExecuting BatchStatus = "executing"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// TriggerType records which trigger released an aggregation batch.
type TriggerType string

const (
	TriggerCount       TriggerType = "count"
	TriggerTimeout     TriggerType = "timeout"
	TriggerCondition   TriggerType = "condition"
	TriggerEndOfSource TriggerType = "end_of_source"
	TriggerManual      TriggerType = "manual"
)

// OutputMode selects how an aggregation node emits results.
type OutputMode string

const (
	OutputPassthrough OutputMode = "passthrough"
	OutputTransform   OutputMode = "transform"
)

// OperationType classifies non-token I/O operations (source loads and sink
// writes) recorded in the operations table.
type OperationType string

const (
	OpSourceLoad OperationType = "source_load"
	OpSinkWrite  OperationType = "sink_write"
)

// TokenOutcome is the final disposition of a token. Every token receives
// exactly one terminal outcome; BUFFERED is the only non-terminal value and
// must be followed by a terminal outcome when its batch flushes.
type TokenOutcome string

const (
	OutcomeCompleted       TokenOutcome = "completed"
	OutcomeRouted          TokenOutcome = "routed"
	OutcomeForked          TokenOutcome = "forked"
	OutcomeFailed          TokenOutcome = "failed"
	OutcomeQuarantined     TokenOutcome = "quarantined"
	OutcomeConsumedInBatch TokenOutcome = "consumed_in_batch"
	OutcomeCoalesced       TokenOutcome = "coalesced"
	OutcomeExpanded        TokenOutcome = "expanded"
	OutcomeBuffered        TokenOutcome = "buffered"
)

// IsTerminal reports whether the outcome closes the token. BUFFERED is the
// only non-terminal outcome.
func (o TokenOutcome) IsTerminal() bool {
	return o != OutcomeBuffered
}

var validOutcomes = map[TokenOutcome]bool{
	OutcomeCompleted: true, OutcomeRouted: true, OutcomeForked: true,
	OutcomeFailed: true, OutcomeQuarantined: true, OutcomeConsumedInBatch: true,
	OutcomeCoalesced: true, OutcomeExpanded: true, OutcomeBuffered: true,
}

// ParseTokenOutcome converts a stored string into a TokenOutcome. Audit
// data is Tier 1: an unknown value is corruption, not input to tolerate.
func ParseTokenOutcome(s string) (TokenOutcome, error) {
	o := TokenOutcome(s)
	if !validOutcomes[o] {
		return "", &AuditIntegrityError{Message: fmt.Sprintf("unknown token outcome %q", s)}
	}
	return o, nil
}

var validDeterminism = map[Determinism]bool{
	DetDeterministic: true, DetSeeded: true, DetIORead: true,
	DetIOWrite: true, DetExternalCall: true, DetNonDeterministic: true,
}

// ParseDeterminism validates a determinism declaration. Registration uses
// this to reject plugins with missing or misspelled declarations.
func ParseDeterminism(s string) (Determinism, error) {
	d := Determinism(s)
	if !validDeterminism[d] {
		return "", fmt.Errorf("invalid determinism %q: must be one of deterministic, seeded, io_read, io_write, external_call, non_deterministic", s)
	}
	return d, nil
}

var validStateStatus = map[NodeStateStatus]bool{
	StateOpen: true, StateCompleted: true, StateFailed: true,
}

// ParseNodeStateStatus converts a stored status string, failing as a Tier-1
// integrity error on unknown values.
func ParseNodeStateStatus(s string) (NodeStateStatus, error) {
	st := NodeStateStatus(s)
	if !validStateStatus[st] {
		return "", &AuditIntegrityError{Message: fmt.Sprintf("unknown node state status %q", s)}
	}
	return st, nil
}

var validRunStatus = map[RunStatus]bool{
	RunRunning: true, RunCompleted: true, RunFailed: true, RunInterrupted: true,
}

// ParseRunStatus converts a stored run status, failing as a Tier-1
// integrity error on unknown values.
func ParseRunStatus(s string) (RunStatus, error) {
	st := RunStatus(s)
	if !validRunStatus[st] {
		return "", &AuditIntegrityError{Message: fmt.Sprintf("unknown run status %q", s)}
	}
	return st, nil
}

var validRoutingMode = map[RoutingMode]bool{
	ModeMove: true, ModeCopy: true, ModeDivert: true,
}

// ParseRoutingMode converts a stored routing mode, failing as a Tier-1
// integrity error on unknown values.
func ParseRoutingMode(s string) (RoutingMode, error) {
	m := RoutingMode(s)
	if !validRoutingMode[m] {
		return "", &AuditIntegrityError{Message: fmt.Sprintf("unknown routing mode %q", s)}
	}
	return m, nil
}

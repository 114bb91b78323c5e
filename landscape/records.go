package landscape

import (
	"fmt"
	"time"

	"github.com/elspeth-run/elspeth/contract"
)

// RunRecord mirrors one row of the runs table.
type RunRecord struct {
	RunID              string
	StartedAt          time.Time
	CompletedAt        *time.Time
	Status             contract.RunStatus
	ConfigHash         string
	SettingsJSON       string
	CanonicalVersion   string
	SchemaContractJSON string
	SchemaContractHash string
	RunMode            contract.RunMode
	SourceRunID        string
	ExportStatus       string
	ExportedAt         *time.Time
	ExportManifestHash string
}

// NodeRecord mirrors one row of the nodes table.
type NodeRecord struct {
	NodeID             string
	RunID              string
	NodeName           string
	PluginName         string
	NodeType           contract.NodeType
	Determinism        contract.Determinism
	PluginVersion      string
	ConfigHash         string
	ConfigJSON         string
	InputContractJSON  string
	OutputContractJSON string
	SchemaHash         string
	SequenceIndex      int
	RegisteredAt       time.Time
}

// TokenRecord mirrors one row of the tokens table.
type TokenRecord struct {
	TokenID        string
	RunID          string
	RowID          string
	ForkGroupID    string
	JoinGroupID    string
	ExpandGroupID  string
	BranchName     string
	StepInPipeline int
	CreatedAt      time.Time
}

// NodeStateRecord is the discriminated union over node_states. Status
// selects the variant; loadNodeState enforces the variant invariants so an
// impossible shape never escapes this package.
type NodeStateRecord struct {
	StateID           string
	RunID             string
	TokenID           string
	NodeID            string
	StepIndex         int
	Attempt           int
	Status            contract.NodeStateStatus
	InputHash         string
	OutputHash        string
	StartedAt         time.Time
	CompletedAt       *time.Time
	DurationMS        int64
	ErrorJSON         string
	SuccessReasonJSON string
	ContextBeforeJSON string
	ContextAfterJSON  string
}

// checkVariant validates the stored columns against the status
// discriminant. Violations are Tier-1 integrity errors.
func (r *NodeStateRecord) checkVariant() error {
	switch r.Status {
	case contract.StateOpen:
		if r.CompletedAt != nil || r.OutputHash != "" {
			return &contract.AuditIntegrityError{
				Message: fmt.Sprintf("open state %s carries completion columns", r.StateID),
			}
		}
	case contract.StateCompleted:
		if r.CompletedAt == nil || r.OutputHash == "" {
			return &contract.AuditIntegrityError{
				Message: fmt.Sprintf("completed state %s is missing completed_at or output_hash", r.StateID),
			}
		}
	case contract.StateFailed:
		if r.CompletedAt == nil || r.ErrorJSON == "" {
			return &contract.AuditIntegrityError{
				Message: fmt.Sprintf("failed state %s is missing completed_at or error detail", r.StateID),
			}
		}
	default:
		return &contract.AuditIntegrityError{
			Message: fmt.Sprintf("state %s has unknown status %q", r.StateID, r.Status),
		}
	}
	return nil
}

// CallRecord mirrors one row of the calls table.
type CallRecord struct {
	CallID       string
	StateID      string
	CallIndex    int
	CallType     contract.CallType
	Status       contract.CallStatus
	RequestHash  string
	ResponseHash string
	RequestRef   string
	ResponseRef  string
	LatencyMS    int64
	ErrorJSON    string
	RecordedAt   time.Time
}

// RoutingEventRecord mirrors one row of the routing_events table.
type RoutingEventRecord struct {
	EventID        string
	StateID        string
	EdgeID         string
	RoutingGroupID string
	Ordinal        int
	Mode           contract.RoutingMode
	ReasonHash     string
	ReasonJSON     string
	RecordedAt     time.Time
}

// BatchRecord mirrors one row of the batches table.
type BatchRecord struct {
	BatchID           string
	RunID             string
	AggregationNodeID string
	Attempt           int
	Status            contract.BatchStatus
	TriggerType       contract.TriggerType
	CreatedAt         time.Time
	CompletedAt       *time.Time
}

// ArtifactRecord mirrors one row of the artifacts table.
type ArtifactRecord struct {
	ArtifactID     string
	RunID          string
	SinkNodeID     string
	StateID        string
	PathOrURI      string
	ContentHash    string
	SizeBytes      int64
	ContentType    string
	IdempotencyKey string
	CreatedAt      time.Time
}

// CheckpointRecord mirrors one row of the checkpoints table.
type CheckpointRecord struct {
	CheckpointID             string
	RunID                    string
	TokenID                  string
	NodeID                   string
	SequenceNumber           int64
	UpstreamTopologyHash     string
	CheckpointNodeConfigHash string
	FormatVersion            int
	AggregationStateJSON     string
	CreatedAt                time.Time
}

// OutcomeRecord mirrors one row of the token_outcomes table.
type OutcomeRecord struct {
	TokenID    string
	RunID      string
	Outcome    contract.TokenOutcome
	SinkName   string
	DetailJSON string
	RecordedAt time.Time
}

// OperationRecord mirrors one row of the operations table.
type OperationRecord struct {
	OperationID   string
	RunID         string
	NodeID        string
	OperationType contract.OperationType
	Status        string
	StartedAt     time.Time
	CompletedAt   *time.Time
	RowsCount     int
	DetailJSON    string
}

// SourceRowRecord mirrors one row of the source_rows table.
type SourceRowRecord struct {
	RowID          string
	RunID          string
	SourceNodeID   string
	RowIndex       int
	SourceDataHash string
	PayloadRef     string
	CreatedAt      time.Time
}

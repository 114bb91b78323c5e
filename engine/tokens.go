package engine

import (
	"context"
	"fmt"

	"github.com/elspeth-run/elspeth/canonical"
	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/dag"
	"github.com/elspeth-run/elspeth/landscape"
)

// StepResolver maps a node to its declared pipeline position. Tokens record
// the step at which they entered the pipeline; the resolver keeps that
// numbering consistent with what graph registration persisted.
type StepResolver interface {
	StepOf(nodeID string) (int, error)
}

// GraphSteps adapts a built graph into a StepResolver.
func GraphSteps(g *dag.Graph) StepResolver { return graphSteps{g: g} }

type graphSteps struct{ g *dag.Graph }

func (s graphSteps) StepOf(nodeID string) (int, error) {
	n, err := s.g.NodeInfo(nodeID)
	if err != nil {
		return 0, err
	}
	return n.Seq, nil
}

// Token is the in-memory carrier of one row's journey through the graph.
// The durable record lives in the audit store; this struct only holds what
// the coordinator needs between transitions.
type Token struct {
	ID       string
	RunID    string
	RowID    string
	RowIndex int
	Step     int
	Branch   string
	Row      contract.Row
}

// TokenManager creates and derives tokens, keeping the audit trail's token
// graph consistent with the in-memory one. Every creation is durable before
// the token is handed to the scheduler.
type TokenManager struct {
	rec      *landscape.Recorder
	steps    StepResolver
	payloads *landscape.PayloadStore
}

// NewTokenManager binds the manager to its recorder, step resolver, and
// payload store. All three are required.
func NewTokenManager(rec *landscape.Recorder, steps StepResolver, payloads *landscape.PayloadStore) (*TokenManager, error) {
	if rec == nil || steps == nil || payloads == nil {
		return nil, fmt.Errorf("token manager requires a recorder, a step resolver, and a payload store")
	}
	return &TokenManager{rec: rec, steps: steps, payloads: payloads}, nil
}

// CreateInitialToken records a validated source row and its first token in
// one transaction. The row must carry the source contract; unvalidated data
// goes through CreateQuarantineToken instead.
func (m *TokenManager) CreateInitialToken(ctx context.Context, runID, sourceNodeID string, rowIndex int, row contract.Row) (*Token, error) {
	if row.Contract() == nil {
		return nil, &contract.OrchestrationInvariantError{
			Message: fmt.Sprintf("source row %d has no contract; validate before token creation", rowIndex),
		}
	}
	data, err := canonical.MarshalCanonical(row.Data())
	if err != nil {
		return nil, fmt.Errorf("source row %d does not canonicalize: %w", rowIndex, err)
	}
	ref, err := m.payloads.Store(data)
	if err != nil {
		return nil, fmt.Errorf("storing source row %d payload: %w", rowIndex, err)
	}

	rowID := contract.NewID(contract.PrefixRow)
	tokenID := contract.NewID(contract.PrefixToken)
	err = m.rec.CreateRowWithToken(ctx, landscape.RowTokenParams{
		RowID:          rowID,
		RunID:          runID,
		SourceNodeID:   sourceNodeID,
		RowIndex:       rowIndex,
		SourceDataHash: canonical.HashBytes(data),
		PayloadRef:     ref,
		TokenID:        tokenID,
	})
	if err != nil {
		return nil, err
	}
	return &Token{ID: tokenID, RunID: runID, RowID: rowID, RowIndex: rowIndex, Row: row}, nil
}

// CreateQuarantineToken records a source row that failed contract
// validation. The raw data rides under an empty OBSERVED contract, the
// violations land in validation_errors, and the token settles QUARANTINED
// immediately. The returned token exists so a DIVERT edge can still deliver
// the raw row to a quarantine sink; it never continues down the main path.
func (m *TokenManager) CreateQuarantineToken(ctx context.Context, runID, sourceNodeID string, rowIndex int, raw map[string]any, violations []contract.Violation) (*Token, error) {
	if len(violations) == 0 {
		return nil, &contract.OrchestrationInvariantError{
			Message: fmt.Sprintf("quarantine of row %d with no violations", rowIndex),
		}
	}

	var hash, ref string
	if data, err := canonical.MarshalCanonical(raw); err == nil {
		hash = canonical.HashBytes(data)
		if ref, err = m.payloads.Store(data); err != nil {
			return nil, fmt.Errorf("storing quarantined row %d payload: %w", rowIndex, err)
		}
	} else {
		// Unserializable garbage still gets a fingerprint, just no payload.
		hash = canonical.Repr(raw).Hash
	}

	rowID := contract.NewID(contract.PrefixRow)
	tokenID := contract.NewID(contract.PrefixToken)
	err := m.rec.CreateRowWithToken(ctx, landscape.RowTokenParams{
		RowID:          rowID,
		RunID:          runID,
		SourceNodeID:   sourceNodeID,
		RowIndex:       rowIndex,
		SourceDataHash: hash,
		PayloadRef:     ref,
		TokenID:        tokenID,
	})
	if err != nil {
		return nil, err
	}

	reason := contract.ViolationsToReason(violations)
	err = m.rec.RecordValidationError(ctx, landscape.ValidationErrorParams{
		RunID:   runID,
		NodeID:  sourceNodeID,
		RowID:   rowID,
		TokenID: tokenID,
		Reason:  reason,
		RowData: raw,
	})
	if err != nil {
		return nil, err
	}
	err = m.rec.RecordOutcome(ctx, landscape.OutcomeParams{
		TokenID: tokenID,
		RunID:   runID,
		Outcome: contract.OutcomeQuarantined,
		Detail:  reason,
	})
	if err != nil {
		return nil, err
	}

	return &Token{
		ID: tokenID, RunID: runID, RowID: rowID, RowIndex: rowIndex,
		Row: contract.NewRow(raw, contract.NewObservedContract()),
	}, nil
}

// CreateTokenForExistingRow starts a fresh token for a row already in the
// audit store. Recovery uses this to restart rows the interrupted run never
// finished; the original token keeps its own history.
func (m *TokenManager) CreateTokenForExistingRow(ctx context.Context, runID, rowID string, rowIndex int, row contract.Row) (*Token, error) {
	tokenID := contract.NewID(contract.PrefixToken)
	if err := m.rec.CreateToken(ctx, tokenID, runID, rowID, 0); err != nil {
		return nil, err
	}
	return &Token{ID: tokenID, RunID: runID, RowID: rowID, RowIndex: rowIndex, Row: row}, nil
}

// ForkBranch names one fork destination: the branch label and the node the
// child token starts at.
type ForkBranch struct {
	Branch string
	NodeID string
}

// ForkToken duplicates a token down each branch of a FORK_TO_PATHS routing
// action. Children share a fork group, each carries a deep copy of the row
// so branches mutate independently, and the parent settles FORKED. Children,
// parent links, and the parent outcome commit in one transaction.
func (m *TokenManager) ForkToken(ctx context.Context, parent *Token, branches []ForkBranch) ([]*Token, error) {
	if len(branches) == 0 {
		return nil, &contract.OrchestrationInvariantError{
			Message: fmt.Sprintf("fork of token %s with no branches", parent.ID),
		}
	}

	forkGroup := contract.NewID(contract.PrefixForkGroup)
	children := make([]landscape.ChildToken, 0, len(branches))
	tokens := make([]*Token, 0, len(branches))
	names := make([]string, 0, len(branches))
	for _, b := range branches {
		step, err := m.steps.StepOf(b.NodeID)
		if err != nil {
			return nil, err
		}
		clone, err := parent.Row.Clone()
		if err != nil {
			return nil, fmt.Errorf("forking token %s to branch %s: %w", parent.ID, b.Branch, err)
		}
		childID := contract.NewID(contract.PrefixToken)
		children = append(children, landscape.ChildToken{
			TokenID:        childID,
			RunID:          parent.RunID,
			RowID:          parent.RowID,
			ForkGroupID:    forkGroup,
			BranchName:     b.Branch,
			StepInPipeline: step,
			Parents:        []landscape.ParentRef{{TokenID: parent.ID, Ordinal: 0}},
		})
		tokens = append(tokens, &Token{
			ID: childID, RunID: parent.RunID, RowID: parent.RowID,
			RowIndex: parent.RowIndex, Step: step, Branch: b.Branch, Row: clone,
		})
		names = append(names, b.Branch)
	}

	settle := []landscape.OutcomeParams{{
		TokenID: parent.ID,
		RunID:   parent.RunID,
		Outcome: contract.OutcomeForked,
		Detail:  map[string]any{"fork_group_id": forkGroup, "branches": names},
	}}
	if err := m.rec.DeriveTokens(ctx, children, settle, ""); err != nil {
		return nil, err
	}
	return tokens, nil
}

// ExpandToken turns one token into many, one child per output row of a
// deaggregation. Every output row must share one locked contract; a plugin
// that omits it fails here and the state is failed, not the run. The parent
// settles EXPANDED unless an aggregation batch already consumed it.
func (m *TokenManager) ExpandToken(ctx context.Context, parent *Token, rows []contract.Row, nextNodeID string) ([]*Token, error) {
	if len(rows) == 0 {
		return nil, &contract.OrchestrationInvariantError{
			Message: fmt.Sprintf("expansion of token %s with no output rows", parent.ID),
		}
	}
	shared := rows[0].Contract()
	if shared == nil {
		return nil, fmt.Errorf("multi-row result for token %s carries no output contract", parent.ID)
	}
	for i, r := range rows[1:] {
		if r.Contract() != shared {
			return nil, fmt.Errorf("multi-row result for token %s mixes contracts at row %d", parent.ID, i+1)
		}
	}
	step, err := m.steps.StepOf(nextNodeID)
	if err != nil {
		return nil, err
	}

	expandGroup := contract.NewID(contract.PrefixExpandGroup)
	children := make([]landscape.ChildToken, 0, len(rows))
	tokens := make([]*Token, 0, len(rows))
	for _, row := range rows {
		childID := contract.NewID(contract.PrefixToken)
		children = append(children, landscape.ChildToken{
			TokenID:        childID,
			RunID:          parent.RunID,
			RowID:          parent.RowID,
			ExpandGroupID:  expandGroup,
			StepInPipeline: step,
			Parents:        []landscape.ParentRef{{TokenID: parent.ID, Ordinal: 0}},
		})
		tokens = append(tokens, &Token{
			ID: childID, RunID: parent.RunID, RowID: parent.RowID,
			RowIndex: parent.RowIndex, Step: step, Branch: parent.Branch, Row: row,
		})
	}

	settle := []landscape.OutcomeParams{{
		TokenID: parent.ID,
		RunID:   parent.RunID,
		Outcome: contract.OutcomeExpanded,
		Detail:  map[string]any{"expand_group_id": expandGroup, "children": len(rows)},
	}}
	if err := m.rec.DeriveTokens(ctx, children, settle, contract.OutcomeConsumedInBatch); err != nil {
		return nil, err
	}
	return tokens, nil
}

// ExpandBatch turns the N buffered tokens of an aggregation batch into M
// output tokens. Every child links to every parent, so lineage survives
// reshaping where no per-row correspondence exists. All output rows must
// share one locked contract. The parents settle EXPANDED, rewriting their
// BUFFERED outcome, in the same transaction that creates the children.
func (m *TokenManager) ExpandBatch(ctx context.Context, parents []*Token, rows []contract.Row, nextNodeID string) ([]*Token, error) {
	if len(parents) == 0 {
		return nil, &contract.OrchestrationInvariantError{
			Message: "batch expansion with no parent tokens",
		}
	}
	if len(rows) == 0 {
		return nil, &contract.OrchestrationInvariantError{
			Message: fmt.Sprintf("batch expansion of %d tokens with no output rows", len(parents)),
		}
	}
	shared := rows[0].Contract()
	if shared == nil {
		return nil, fmt.Errorf("batch expansion carries no output contract")
	}
	for i, r := range rows[1:] {
		if r.Contract() != shared {
			return nil, fmt.Errorf("batch expansion mixes contracts at row %d", i+1)
		}
	}
	step, err := m.steps.StepOf(nextNodeID)
	if err != nil {
		return nil, err
	}

	refs := make([]landscape.ParentRef, len(parents))
	settle := make([]landscape.OutcomeParams, len(parents))
	expandGroup := contract.NewID(contract.PrefixExpandGroup)
	for i, parent := range parents {
		refs[i] = landscape.ParentRef{TokenID: parent.ID, Ordinal: i}
		settle[i] = landscape.OutcomeParams{
			TokenID: parent.ID,
			RunID:   parent.RunID,
			Outcome: contract.OutcomeExpanded,
			Detail:  map[string]any{"expand_group_id": expandGroup, "children": len(rows)},
		}
	}

	first := parents[0]
	children := make([]landscape.ChildToken, 0, len(rows))
	tokens := make([]*Token, 0, len(rows))
	for _, row := range rows {
		childID := contract.NewID(contract.PrefixToken)
		children = append(children, landscape.ChildToken{
			TokenID:        childID,
			RunID:          first.RunID,
			RowID:          first.RowID,
			ExpandGroupID:  expandGroup,
			StepInPipeline: step,
			Parents:        refs,
		})
		tokens = append(tokens, &Token{
			ID: childID, RunID: first.RunID, RowID: first.RowID,
			RowIndex: first.RowIndex, Step: step, Row: row,
		})
	}
	if err := m.rec.DeriveTokens(ctx, children, settle, ""); err != nil {
		return nil, err
	}
	return tokens, nil
}

// CoalesceTokens joins N branch tokens into one. Parent links carry ordinals
// in argument order and the joined token inherits the first parent's row
// identity. The parents settle COALESCED in the same transaction that creates
// the child, so a crash between merge and delivery never strands them without
// an outcome. The merged token earns its own terminal outcome downstream,
// which is what lets one coalesce feed another.
func (m *TokenManager) CoalesceTokens(ctx context.Context, parents []*Token, merged contract.Row, nextNodeID string) (*Token, error) {
	if len(parents) == 0 {
		return nil, &contract.OrchestrationInvariantError{
			Message: "coalesce with no parent tokens",
		}
	}
	step, err := m.steps.StepOf(nextNodeID)
	if err != nil {
		return nil, err
	}

	joinGroup := contract.NewID(contract.PrefixJoinGroup)
	childID := contract.NewID(contract.PrefixToken)
	refs := make([]landscape.ParentRef, len(parents))
	settle := make([]landscape.OutcomeParams, len(parents))
	for i, p := range parents {
		refs[i] = landscape.ParentRef{TokenID: p.ID, Ordinal: i}
		settle[i] = landscape.OutcomeParams{
			TokenID: p.ID,
			RunID:   p.RunID,
			Outcome: contract.OutcomeCoalesced,
			Detail:  map[string]any{"join_group_id": joinGroup, "merged_into": childID},
		}
	}
	child := landscape.ChildToken{
		TokenID:        childID,
		RunID:          parents[0].RunID,
		RowID:          parents[0].RowID,
		JoinGroupID:    joinGroup,
		StepInPipeline: step,
		Parents:        refs,
	}
	if err := m.rec.DeriveTokens(ctx, []landscape.ChildToken{child}, settle, ""); err != nil {
		return nil, err
	}
	return &Token{
		ID: childID, RunID: parents[0].RunID, RowID: parents[0].RowID,
		RowIndex: parents[0].RowIndex, Step: step, Row: merged,
	}, nil
}

package mcp

import (
	"context"
	"fmt"

	"github.com/elspeth-run/elspeth/landscape"
)

// Analyzers are the canned audit reads behind the CLI's landscape
// subcommands. Each issues its SQL through Query, so the read-only gate
// covers them exactly as it covers ad-hoc statements.

// RunSummary is one run's accounting as reconstructed from the trail.
type RunSummary struct {
	RunID       string
	Status      string
	StartedAt   string
	CompletedAt string
	Mode        string

	Rows     int
	Tokens   int
	Outcomes map[string]int

	StatesOpen      int
	StatesCompleted int
	StatesFailed    int

	Artifacts int
}

// SummarizeRun assembles the summary for one run.
func SummarizeRun(ctx context.Context, db *landscape.DB, runID string) (*RunSummary, error) {
	runs, err := Query(ctx, db,
		`SELECT run_id, status, started_at, completed_at, run_mode FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	s := &RunSummary{
		RunID:       runID,
		Status:      asString(runs[0]["status"]),
		StartedAt:   asString(runs[0]["started_at"]),
		CompletedAt: asString(runs[0]["completed_at"]),
		Mode:        asString(runs[0]["run_mode"]),
		Outcomes:    make(map[string]int),
	}

	counts, err := Query(ctx, db,
		`SELECT COUNT(*) AS n FROM source_rows WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	s.Rows = asInt(counts[0]["n"])

	counts, err = Query(ctx, db,
		`SELECT COUNT(*) AS n FROM tokens WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	s.Tokens = asInt(counts[0]["n"])

	outcomes, err := Query(ctx, db,
		`SELECT outcome, COUNT(*) AS n FROM token_outcomes WHERE run_id = ? GROUP BY outcome`, runID)
	if err != nil {
		return nil, err
	}
	for _, row := range outcomes {
		s.Outcomes[asString(row["outcome"])] = asInt(row["n"])
	}

	states, err := Query(ctx, db,
		`SELECT status, COUNT(*) AS n FROM node_states WHERE run_id = ? GROUP BY status`, runID)
	if err != nil {
		return nil, err
	}
	for _, row := range states {
		switch asString(row["status"]) {
		case "open":
			s.StatesOpen = asInt(row["n"])
		case "completed":
			s.StatesCompleted = asInt(row["n"])
		case "failed":
			s.StatesFailed = asInt(row["n"])
		}
	}

	arts, err := Query(ctx, db,
		`SELECT COUNT(*) AS n FROM artifacts WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	s.Artifacts = asInt(arts[0]["n"])
	return s, nil
}

// FailedState is one failed node visit with enough context to act on.
type FailedState struct {
	StateID    string
	TokenID    string
	NodeID     string
	PluginName string
	NodeName   string
	Attempt    int
	ErrorJSON  string
}

// ListFailedStates returns every failed state of a run in step order.
func ListFailedStates(ctx context.Context, db *landscape.DB, runID string) ([]FailedState, error) {
	rows, err := Query(ctx, db, `
		SELECT s.state_id, s.token_id, s.node_id, s.attempt, s.error_json,
		       n.plugin_name, n.node_name
		FROM node_states s
		JOIN nodes n ON n.node_id = s.node_id
		WHERE s.run_id = ? AND s.status = 'failed'
		ORDER BY s.token_id, s.step_index, s.attempt`, runID)
	if err != nil {
		return nil, err
	}
	out := make([]FailedState, 0, len(rows))
	for _, row := range rows {
		out = append(out, FailedState{
			StateID:    asString(row["state_id"]),
			TokenID:    asString(row["token_id"]),
			NodeID:     asString(row["node_id"]),
			PluginName: asString(row["plugin_name"]),
			NodeName:   asString(row["node_name"]),
			Attempt:    asInt(row["attempt"]),
			ErrorJSON:  asString(row["error_json"]),
		})
	}
	return out, nil
}

// LineageEntry is one token in a lineage walk, root first.
type LineageEntry struct {
	TokenID string
	RowID   string
	Branch  string
	Depth   int

	// Ordinal is this token's position among its parent's children, or
	// among a join's parents. Zero at the root.
	Ordinal int
}

// maxLineageDepth bounds the ancestor walk. The trail is append-only and
// acyclic by construction; hitting this bound means the store was edited
// by hand.
const maxLineageDepth = 1000

// TraceLineage walks a token's ancestry to its root row. Joins have
// multiple parents; the walk follows each and reports entries
// depth-first, deepest ancestors first.
func TraceLineage(ctx context.Context, db *landscape.DB, tokenID string) ([]LineageEntry, error) {
	tokens, err := Query(ctx, db,
		`SELECT token_id, row_id, branch_name FROM tokens WHERE token_id = ?`, tokenID)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("token %s not found", tokenID)
	}

	var walk func(id string, ordinal, depth int) ([]LineageEntry, error)
	walk = func(id string, ordinal, depth int) ([]LineageEntry, error) {
		if depth > maxLineageDepth {
			return nil, fmt.Errorf("token %s has more than %d ancestors; the trail is corrupt", tokenID, maxLineageDepth)
		}
		rows, err := Query(ctx, db, `
			SELECT p.parent_token_id, p.ordinal, t.row_id, t.branch_name
			FROM token_parents p
			JOIN tokens t ON t.token_id = p.parent_token_id
			WHERE p.child_token_id = ?
			ORDER BY p.ordinal`, id)
		if err != nil {
			return nil, err
		}
		var out []LineageEntry
		for _, row := range rows {
			ancestors, err := walk(asString(row["parent_token_id"]), asInt(row["ordinal"]), depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, ancestors...)
		}
		self, err := Query(ctx, db,
			`SELECT row_id, branch_name FROM tokens WHERE token_id = ?`, id)
		if err != nil {
			return nil, err
		}
		if len(self) == 0 {
			return nil, fmt.Errorf("token %s referenced as a parent but not recorded", id)
		}
		out = append(out, LineageEntry{
			TokenID: id,
			RowID:   asString(self[0]["row_id"]),
			Branch:  asString(self[0]["branch_name"]),
			Depth:   depth,
			Ordinal: ordinal,
		})
		return out, nil
	}
	return walk(tokenID, 0, 0)
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func asInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	case string:
		var i int
		fmt.Sscanf(n, "%d", &i)
		return i
	default:
		return 0
	}
}

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/elspeth-run/elspeth/canonical"
	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/dag"
	"github.com/elspeth-run/elspeth/landscape"
	"github.com/elspeth-run/elspeth/telemetry"
)

// CoalescePolicy decides when a join group has seen enough branches to merge.
type CoalescePolicy string

const (
	// PolicyRequireAll merges only once every declared branch has arrived.
	PolicyRequireAll CoalescePolicy = "require_all"
	// PolicyFirst merges the first arrival; later siblings fail as late.
	PolicyFirst CoalescePolicy = "first"
	// PolicyQuorum merges once QuorumCount branches have arrived.
	PolicyQuorum CoalescePolicy = "quorum"
	// PolicyBestEffort holds arrivals and merges whatever is present when
	// the timeout fires or the source ends.
	PolicyBestEffort CoalescePolicy = "best_effort"
)

// MergeStrategy decides how the arrived branch rows combine into one row.
type MergeStrategy string

const (
	// MergeUnion overlays branch rows in declared branch order. Later
	// branches win key conflicts; the branch contracts must merge cleanly.
	MergeUnion MergeStrategy = "union"
	// MergeNested keys each branch's whole row under its branch name.
	MergeNested MergeStrategy = "nested"
	// MergeSelect keeps exactly one branch's row and discards the rest.
	MergeSelect MergeStrategy = "select"
)

// CoalesceSettings configures one coalesce node: which fork branches it
// joins, when the join is complete, and how the joined row is built.
type CoalesceSettings struct {
	Name         string
	Branches     []string
	Policy       CoalescePolicy
	QuorumCount  int
	Merge        MergeStrategy
	SelectBranch string
	Timeout      time.Duration
}

// Validate rejects settings that cannot express a coherent join.
func (s CoalesceSettings) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("coalesce requires a name")
	}
	if len(s.Branches) < 2 {
		return fmt.Errorf("coalesce %q joins %d branch(es); at least 2 required", s.Name, len(s.Branches))
	}
	seen := make(map[string]bool, len(s.Branches))
	for _, b := range s.Branches {
		if b == "" {
			return fmt.Errorf("coalesce %q declares an empty branch name", s.Name)
		}
		if seen[b] {
			return fmt.Errorf("coalesce %q declares branch %q twice", s.Name, b)
		}
		seen[b] = true
	}
	switch s.Policy {
	case PolicyRequireAll, PolicyFirst, PolicyBestEffort:
	case PolicyQuorum:
		if s.QuorumCount < 1 || s.QuorumCount > len(s.Branches) {
			return fmt.Errorf("coalesce %q: quorum %d outside 1..%d", s.Name, s.QuorumCount, len(s.Branches))
		}
	default:
		return fmt.Errorf("coalesce %q: unknown policy %q", s.Name, s.Policy)
	}
	switch s.Merge {
	case MergeUnion, MergeNested:
	case MergeSelect:
		if !seen[s.SelectBranch] {
			return fmt.Errorf("coalesce %q: select_branch %q is not a declared branch", s.Name, s.SelectBranch)
		}
	default:
		return fmt.Errorf("coalesce %q: unknown merge strategy %q", s.Name, s.Merge)
	}
	return nil
}

// coalesceArrival is one held branch token with its OPEN audit state. The
// state stays open until the group merges, fails, or times out, which is
// what makes waiting tokens visible to anyone reading the trail mid-run.
type coalesceArrival struct {
	item    workItem
	stateID string
	at      time.Time
}

// joinGroup collects the branch tokens of one source row at one coalesce
// node. Groups are keyed by row id: fork children of the same row share it.
type joinGroup struct {
	arrivals map[string]*coalesceArrival
	order    []string
	lost     map[string]string
	firstAt  time.Time
}

func (g *joinGroup) arrived() int { return len(g.arrivals) }

// reachable counts branches that can still arrive.
func (g *joinGroup) reachable(total int) int {
	return total - len(g.arrivals) - len(g.lost)
}

// coalescePoint is the runtime of one coalesce node. Owned by the
// coordinator; no locking.
type coalescePoint struct {
	node     *dag.Node
	settings CoalesceSettings
	pending  map[string]*joinGroup
	// closed maps row id to the merged token id, or "" when the group
	// failed. Arrivals after closure fail instead of reopening the join.
	closed map[string]string
}

func newCoalescePoint(node *dag.Node, s CoalesceSettings) *coalescePoint {
	return &coalescePoint{
		node:     node,
		settings: s,
		pending:  make(map[string]*joinGroup),
		closed:   make(map[string]string),
	}
}

func (c *coalescePoint) group(rowID string, now time.Time) *joinGroup {
	g, ok := c.pending[rowID]
	if !ok {
		g = &joinGroup{
			arrivals: make(map[string]*coalesceArrival),
			lost:     make(map[string]string),
			firstAt:  now,
		}
		c.pending[rowID] = g
	}
	return g
}

// coalesceArrive handles one branch token reaching a coalesce node: open a
// state, hold the token, and merge when the policy is satisfied.
func (p *Processor) coalesceArrive(ctx context.Context, item workItem, node *dag.Node) error {
	c := p.coals[node.ID]
	if c == nil {
		return &contract.OrchestrationInvariantError{
			Message: fmt.Sprintf("coalesce node %s has no runtime settings", node.ID),
		}
	}
	t := item.token
	branch := t.Branch
	if !branchDeclared(c.settings.Branches, branch) {
		return &contract.OrchestrationInvariantError{
			Message: fmt.Sprintf("token %s arrived at coalesce %q on undeclared branch %q",
				t.ID, c.settings.Name, branch),
		}
	}

	if mergedID, done := c.closed[t.RowID]; done {
		reason := "late_arrival_after_merge"
		if mergedID == "" {
			reason = "arrival_after_join_failed"
		}
		return p.failLateArrival(ctx, item, node, reason)
	}

	now := p.clock.Now()
	g := c.group(t.RowID, now)
	if _, dup := g.arrivals[branch]; dup {
		return &contract.AuditIntegrityError{
			Message: fmt.Sprintf("coalesce %q received branch %q twice for row %s",
				c.settings.Name, branch, t.RowID),
		}
	}

	stateID := contract.NewID(contract.PrefixState)
	step := p.nextStep(t)
	inputHash, err := canonical.StableHash(t.Row.Data())
	if err != nil {
		return fmt.Errorf("hashing coalesce input for token %s: %w", t.ID, err)
	}
	if err := p.rec.BeginNodeState(ctx, landscape.StateParams{
		StateID:       stateID,
		RunID:         p.runID,
		TokenID:       t.ID,
		NodeID:        node.ID,
		StepIndex:     step,
		Attempt:       0,
		InputHash:     inputHash,
		ContextBefore: map[string]any{"branch": branch},
	}); err != nil {
		return err
	}
	p.emit(telemetry.NodeStateOpened{
		RunID: p.runID, NodeID: node.ID, TokenID: t.ID, StateID: stateID, Step: step,
	})

	g.arrivals[branch] = &coalesceArrival{item: item, stateID: stateID, at: now}
	g.order = append(g.order, branch)

	if p.joinSatisfied(c, g) {
		return p.mergeJoin(ctx, c, t.RowID, g, "arrival")
	}
	return nil
}

func branchDeclared(branches []string, b string) bool {
	for _, name := range branches {
		if name == b {
			return true
		}
	}
	return false
}

// joinSatisfied applies the policy to the current arrivals. BEST_EFFORT
// waits for the timeout unless every branch is already present.
func (p *Processor) joinSatisfied(c *coalescePoint, g *joinGroup) bool {
	total := len(c.settings.Branches)
	switch c.settings.Policy {
	case PolicyFirst:
		return g.arrived() >= 1
	case PolicyQuorum:
		return g.arrived() >= c.settings.QuorumCount
	case PolicyRequireAll, PolicyBestEffort:
		return g.arrived() == total
	}
	return false
}

// failLateArrival settles a token that reached the coalesce after its join
// group already closed. The run continues; the token does not.
func (p *Processor) failLateArrival(ctx context.Context, item workItem, node *dag.Node, reason string) error {
	t := item.token
	stateID := contract.NewID(contract.PrefixState)
	step := p.nextStep(t)
	inputHash, err := canonical.StableHash(t.Row.Data())
	if err != nil {
		return fmt.Errorf("hashing late coalesce arrival for token %s: %w", t.ID, err)
	}
	if err := p.rec.BeginNodeState(ctx, landscape.StateParams{
		StateID:       stateID,
		RunID:         p.runID,
		TokenID:       t.ID,
		NodeID:        node.ID,
		StepIndex:     step,
		Attempt:       0,
		InputHash:     inputHash,
		ContextBefore: map[string]any{"branch": t.Branch},
	}); err != nil {
		return err
	}
	if err := p.rec.FailNodeState(ctx, landscape.FailStateParams{
		StateID:    stateID,
		DurationMS: 0,
		Failure: &contract.ExecutionError{
			Exception: reason,
			Type:      "CoalesceLateArrival",
			Phase:     "coalesce",
		},
	}); err != nil {
		return err
	}
	p.emit(telemetry.NodeStateFailed{
		RunID: p.runID, NodeID: node.ID, TokenID: t.ID, StateID: stateID,
		Step: step, Reason: reason,
	})
	return p.settleToken(ctx, &item, contract.OutcomeFailed, "", map[string]any{
		"reason":   reason,
		"coalesce": p.coals[node.ID].settings.Name,
	})
}

// mergeJoin builds the merged row, creates the joined token, closes the
// consumed states, and schedules the merged token downstream. The consumed
// parents settle COALESCED inside the same transaction that records the
// child.
func (p *Processor) mergeJoin(ctx context.Context, c *coalescePoint, rowID string, g *joinGroup, trigger string) error {
	delete(c.pending, rowID)

	// Arrived parents in declared branch order, so the merge is stable
	// regardless of scheduling.
	parents := make([]*Token, 0, g.arrived())
	arrivals := make([]*coalesceArrival, 0, g.arrived())
	for _, b := range c.settings.Branches {
		if a, ok := g.arrivals[b]; ok {
			parents = append(parents, a.item.token)
			arrivals = append(arrivals, a)
		}
	}

	merged, err := mergeRows(c.settings, g)
	if err != nil {
		c.closed[rowID] = ""
		return p.failJoinStates(ctx, c, g, err.Error())
	}

	next, ok := p.graph.ContinueEdge(c.node.ID)
	if !ok {
		return &contract.OrchestrationInvariantError{
			Message: fmt.Sprintf("coalesce node %s has no continue edge", c.node.ID),
		}
	}
	mergedToken, err := p.tokens.CoalesceTokens(ctx, parents, merged, next.To)
	if err != nil {
		return err
	}
	c.closed[rowID] = mergedToken.ID

	now := p.clock.Now()
	outputHash, err := canonical.StableHash(merged.Data())
	if err != nil {
		return fmt.Errorf("hashing merged row for join of row %s: %w", rowID, err)
	}
	meta := map[string]any{
		"policy":           string(c.settings.Policy),
		"merge":            string(c.settings.Merge),
		"trigger":          trigger,
		"branches_arrived": append([]string(nil), g.order...),
		"branches_lost":    len(g.lost),
		"merged_into":      mergedToken.ID,
	}
	for _, a := range arrivals {
		if err := p.rec.CompleteNodeState(ctx, landscape.CompleteStateParams{
			StateID:       a.stateID,
			OutputHash:    outputHash,
			DurationMS:    now.Sub(a.at).Milliseconds(),
			SuccessReason: &contract.SuccessReason{Action: "coalesce", Metadata: meta},
			ContextAfter:  meta,
		}); err != nil {
			return err
		}
		p.emit(telemetry.NodeStateCompleted{
			RunID: p.runID, NodeID: c.node.ID, TokenID: a.item.token.ID,
			StateID: a.stateID, Duration: now.Sub(a.at),
		})
	}

	for i := range arrivals {
		item := arrivals[i].item
		item.settled = true // CoalesceTokens already recorded COALESCED
		if err := p.settleToken(ctx, &item, contract.OutcomeCoalesced, "", map[string]any{
			"merged_into": mergedToken.ID,
		}); err != nil {
			return err
		}
	}

	p.enqueue(workItem{token: mergedToken, nodeID: next.To, delivery: contract.OutcomeCompleted})
	return nil
}

// failJoin closes a group without merging: consumed states fail, held
// tokens settle FAILED, and later arrivals for the same row are refused.
func (p *Processor) failJoin(ctx context.Context, c *coalescePoint, rowID string, g *joinGroup, reason string) error {
	delete(c.pending, rowID)
	c.closed[rowID] = ""
	return p.failJoinStates(ctx, c, g, reason)
}

func (p *Processor) failJoinStates(ctx context.Context, c *coalescePoint, g *joinGroup, reason string) error {
	now := p.clock.Now()
	for _, b := range c.settings.Branches {
		a, ok := g.arrivals[b]
		if !ok {
			continue
		}
		if err := p.rec.FailNodeState(ctx, landscape.FailStateParams{
			StateID:    a.stateID,
			DurationMS: now.Sub(a.at).Milliseconds(),
			Failure: &contract.ExecutionError{
				Exception: reason,
				Type:      "CoalesceJoinFailed",
				Phase:     "coalesce",
			},
			ContextAfter: map[string]any{"branches_lost": g.lost},
		}); err != nil {
			return err
		}
		p.emit(telemetry.NodeStateFailed{
			RunID: p.runID, NodeID: c.node.ID, TokenID: a.item.token.ID,
			StateID: a.stateID, Reason: reason,
		})
		item := a.item
		if err := p.settleToken(ctx, &item, contract.OutcomeFailed, "", map[string]any{
			"reason":   reason,
			"coalesce": c.settings.Name,
		}); err != nil {
			return err
		}
	}
	return nil
}

// noteLostBranch records that a branch token died before reaching its
// coalesce, then re-evaluates or fails the join it can never complete.
func (p *Processor) noteLostBranch(ctx context.Context, t *Token, reason string) error {
	nodeID, ok := p.branchCoalesce[t.Branch]
	if !ok {
		return nil
	}
	c := p.coals[nodeID]
	if _, done := c.closed[t.RowID]; done {
		return nil
	}
	g := c.group(t.RowID, p.clock.Now())
	g.lost[t.Branch] = reason

	total := len(c.settings.Branches)
	switch c.settings.Policy {
	case PolicyRequireAll:
		return p.failJoin(ctx, c, t.RowID, g, fmt.Sprintf("branch %q lost: %s", t.Branch, reason))
	case PolicyQuorum:
		if g.arrived()+g.reachable(total) < c.settings.QuorumCount {
			return p.failJoin(ctx, c, t.RowID, g, "quorum unreachable after lost branch")
		}
	case PolicyBestEffort, PolicyFirst:
		// Remaining arrivals may still merge.
	}
	if g.arrived() == 0 && g.reachable(total) == 0 {
		// Every branch died before arriving. Nothing is held; just
		// close the group so stragglers cannot reopen it.
		delete(c.pending, t.RowID)
		c.closed[t.RowID] = ""
	}
	return nil
}

// CheckCoalesceTimeouts closes join groups older than their configured
// timeout. Called between source rows; merged tokens continue immediately.
func (p *Processor) CheckCoalesceTimeouts(ctx context.Context) error {
	now := p.clock.Now()
	for _, c := range p.coals {
		if c.settings.Timeout <= 0 {
			continue
		}
		for rowID, g := range c.pending {
			if now.Sub(g.firstAt) < c.settings.Timeout {
				continue
			}
			if err := p.closeExpiredGroup(ctx, c, rowID, g, "timeout"); err != nil {
				return err
			}
		}
	}
	return p.drain(ctx)
}

// FlushCoalesces closes every group still pending once the source is
// exhausted. No further arrivals are possible, so the policy decides with
// what it has.
func (p *Processor) FlushCoalesces(ctx context.Context) error {
	for _, c := range p.coals {
		for rowID, g := range c.pending {
			if err := p.closeExpiredGroup(ctx, c, rowID, g, "end_of_source"); err != nil {
				return err
			}
		}
	}
	return p.drain(ctx)
}

func (p *Processor) closeExpiredGroup(ctx context.Context, c *coalescePoint, rowID string, g *joinGroup, trigger string) error {
	switch c.settings.Policy {
	case PolicyBestEffort:
		if g.arrived() > 0 {
			return p.mergeJoin(ctx, c, rowID, g, trigger)
		}
		delete(c.pending, rowID)
		c.closed[rowID] = ""
		return nil
	case PolicyQuorum:
		if g.arrived() >= c.settings.QuorumCount {
			return p.mergeJoin(ctx, c, rowID, g, trigger)
		}
		return p.failJoin(ctx, c, rowID, g, fmt.Sprintf("quorum not met at %s", trigger))
	default:
		return p.failJoin(ctx, c, rowID, g, fmt.Sprintf("join incomplete at %s", trigger))
	}
}

// mergeRows combines the arrived branch rows per the merge strategy. The
// parents' rows are never mutated.
func mergeRows(s CoalesceSettings, g *joinGroup) (contract.Row, error) {
	switch s.Merge {
	case MergeSelect:
		a, ok := g.arrivals[s.SelectBranch]
		if !ok {
			return contract.Row{}, fmt.Errorf("select_branch %q did not arrive", s.SelectBranch)
		}
		return a.item.token.Row, nil

	case MergeNested:
		data := make(map[string]any, g.arrived())
		for _, b := range s.Branches {
			if a, ok := g.arrivals[b]; ok {
				data[contract.NormalizeName(b)] = a.item.token.Row.Data()
			}
		}
		return contract.NewRow(data, contract.NewObservedContract()), nil

	case MergeUnion:
		var schema *contract.Contract
		data := make(map[string]any)
		for _, b := range s.Branches {
			a, ok := g.arrivals[b]
			if !ok {
				continue
			}
			row := a.item.token.Row
			for k, v := range row.Data() {
				data[k] = v
			}
			if schema == nil {
				schema = row.Contract()
				continue
			}
			mergedSchema, err := schema.Merge(row.Contract())
			if err != nil {
				return contract.Row{}, fmt.Errorf("union merge of branch %q: %w", b, err)
			}
			schema = mergedSchema
		}
		return contract.NewRow(data, schema), nil
	}
	return contract.Row{}, fmt.Errorf("unknown merge strategy %q", s.Merge)
}

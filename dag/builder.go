package dag

import (
	"errors"
	"fmt"
	"sort"

	"github.com/elspeth-run/elspeth/canonical"
	"github.com/elspeth-run/elspeth/contract"
)

// Well-known edge labels. Everything else is a user-chosen route or fork
// branch name.
const (
	LabelContinue   = "continue"
	LabelQuarantine = "quarantine"
)

// NodeDef declares a node before binding. Names are user-facing (from the
// pipeline config); IDs are derived at Build.
type NodeDef struct {
	Name        string
	Plugin      string
	Type        contract.NodeType
	Determinism contract.Determinism
	Version     string
	Config      map[string]any
	Input       *contract.Contract
	Output      *contract.Contract
}

// EdgeDef declares an edge by node names.
type EdgeDef struct {
	From  string
	To    string
	Label string
	Mode  contract.RoutingMode
}

// Builder accumulates node and edge declarations and validates the whole
// graph at Build. All configuration mistakes are collected and reported
// together rather than one per invocation.
type Builder struct {
	runID string
	nodes []NodeDef
	edges []EdgeDef
}

// NewBuilder starts a graph for one run. Node IDs incorporate the run ID,
// so the same builder calls against the same run reproduce the same IDs.
func NewBuilder(runID string) *Builder {
	return &Builder{runID: runID}
}

// AddNode declares a node. Ordering matters: the declaration index is the
// node's sequence position and feeds its deterministic ID.
func (b *Builder) AddNode(def NodeDef) *Builder {
	b.nodes = append(b.nodes, def)
	return b
}

// AddEdge declares an edge between named nodes.
func (b *Builder) AddEdge(from, to, label string, mode contract.RoutingMode) *Builder {
	b.edges = append(b.edges, EdgeDef{From: from, To: to, Label: label, Mode: mode})
	return b
}

// Build validates the declarations and assembles the immutable graph.
// Every problem found is reported; the returned error joins them all.
func (b *Builder) Build() (*Graph, error) {
	var issues []error
	addIssue := func(format string, args ...any) {
		issues = append(issues, fmt.Errorf(format, args...))
	}

	if b.runID == "" {
		addIssue("graph requires a run id")
	}

	g := &Graph{
		runID:      b.runID,
		nodes:      make(map[string]*Node, len(b.nodes)),
		byName:     make(map[string]string, len(b.nodes)),
		out:        make(map[string][]*Edge),
		in:         make(map[string][]*Edge),
		routes:     make(map[string]map[string]Destination),
		topoHashes: make(map[string]string, len(b.nodes)),
		sinkNames:  make(map[string]string),
		branchSink: make(map[string]string),
	}

	// Nodes: unique names, mandatory determinism, deterministic IDs.
	var sourceCount int
	for i, def := range b.nodes {
		if def.Name == "" {
			addIssue("node %d has no name", i)
			continue
		}
		if _, dup := g.byName[def.Name]; dup {
			addIssue("node name %q declared twice", def.Name)
			continue
		}
		if def.Plugin == "" {
			addIssue("node %q has no plugin", def.Name)
		}
		switch def.Type {
		case contract.NodeSource, contract.NodeTransform, contract.NodeGate,
			contract.NodeAggregation, contract.NodeCoalesce, contract.NodeSink:
		default:
			addIssue("node %q has invalid type %q", def.Name, def.Type)
		}
		if _, err := contract.ParseDeterminism(string(def.Determinism)); err != nil {
			addIssue("node %q: %v", def.Name, err)
		}
		if def.Type == contract.NodeSource {
			sourceCount++
		}

		configHash, configJSON, err := hashConfig(def.Config)
		if err != nil {
			addIssue("node %q config is not canonicalizable: %v", def.Name, err)
			continue
		}
		id, err := nodeID(b.runID, def.Plugin, configHash, i)
		if err != nil {
			addIssue("node %q: %v", def.Name, err)
			continue
		}
		n := &Node{
			ID:          id,
			Name:        def.Name,
			Plugin:      def.Plugin,
			Type:        def.Type,
			Determinism: def.Determinism,
			Version:     def.Version,
			ConfigHash:  configHash,
			ConfigJSON:  configJSON,
			Seq:         i,
			Input:       def.Input,
			Output:      def.Output,
		}
		g.nodes[id] = n
		g.byName[def.Name] = id
		if def.Type == contract.NodeSink {
			g.sinkNames[def.Name] = id
		}
	}

	if sourceCount == 0 {
		addIssue("pipeline declares no source node")
	}
	if sourceCount > 1 {
		addIssue("pipeline declares %d source nodes; exactly one is allowed", sourceCount)
	}
	if len(g.sinkNames) == 0 {
		addIssue("pipeline declares no sink nodes")
	}

	// Edges: endpoints must exist, (from, to, label) must be unique, sinks
	// are terminal.
	seenEdges := map[string]bool{}
	for _, def := range b.edges {
		fromID, fromOK := g.byName[def.From]
		toID, toOK := g.byName[def.To]
		if !fromOK {
			addIssue("edge %s -> %s (%s): unknown node %q", def.From, def.To, def.Label, def.From)
		}
		if !toOK {
			addIssue("edge %s -> %s (%s): unknown node %q", def.From, def.To, def.Label, def.To)
		}
		if def.Label == "" {
			addIssue("edge %s -> %s has no label", def.From, def.To)
		}
		switch def.Mode {
		case contract.ModeMove, contract.ModeCopy, contract.ModeDivert:
		default:
			addIssue("edge %s -> %s (%s): invalid mode %q", def.From, def.To, def.Label, def.Mode)
		}
		if !fromOK || !toOK || def.Label == "" {
			continue
		}
		key := fromID + "\x00" + toID + "\x00" + def.Label
		if seenEdges[key] {
			addIssue("edge %s -> %s (%s) declared twice", def.From, def.To, def.Label)
			continue
		}
		seenEdges[key] = true

		fromNode := g.nodes[fromID]
		toNode := g.nodes[toID]
		if fromNode.Type == contract.NodeSink {
			addIssue("edge %s -> %s (%s): sinks are terminal", def.From, def.To, def.Label)
			continue
		}
		if toNode.Type == contract.NodeSource {
			addIssue("edge %s -> %s (%s): sources accept no inputs", def.From, def.To, def.Label)
			continue
		}

		e := &Edge{
			ID:    edgeID(fromID, toID, def.Label),
			From:  fromID,
			To:    toID,
			Label: def.Label,
			Mode:  def.Mode,
		}
		g.edges = append(g.edges, e)
		g.out[fromID] = append(g.out[fromID], e)
		g.in[toID] = append(g.in[toID], e)
	}

	sortEdges(g.edges)
	for id := range g.out {
		sortEdges(g.out[id])
	}
	for id := range g.in {
		sortEdges(g.in[id])
	}

	// Connectivity: every non-sink node needs a way out; divert edges do
	// not count as the onward path.
	for _, n := range g.nodes {
		if n.Type == contract.NodeSink {
			continue
		}
		onward := 0
		for _, e := range g.out[n.ID] {
			if e.Mode != contract.ModeDivert {
				onward++
			}
		}
		if onward == 0 {
			addIssue("node %q has no outgoing edge", n.Name)
		}
	}

	// Coalesce nodes exist to join branches; one input is a config smell
	// strong enough to reject.
	for _, n := range g.nodes {
		if n.Type == contract.NodeCoalesce && len(g.in[n.ID]) < 2 {
			addIssue("coalesce node %q has %d inputs; at least 2 required", n.Name, len(g.in[n.ID]))
		}
	}

	// Fork branch labels (copy edges from gates) must be globally unique so
	// a branch name identifies one path in the audit trail.
	forkLabels := map[string]string{}
	for _, n := range g.nodes {
		if n.Type != contract.NodeGate {
			continue
		}
		for _, e := range g.out[n.ID] {
			if e.Mode != contract.ModeCopy {
				continue
			}
			if prev, dup := forkLabels[e.Label]; dup {
				addIssue("fork branch %q declared on both %q and %q; branch names are global", e.Label, prev, n.Name)
				continue
			}
			forkLabels[e.Label] = n.Name
		}
	}

	order, cycleErr := topoSort(g)
	if cycleErr != nil {
		issues = append(issues, cycleErr)
	}
	g.topoOrder = order

	// Contract compatibility along move/copy edges, where both sides
	// declare contracts.
	for _, e := range g.edges {
		if e.Mode == contract.ModeDivert {
			continue
		}
		producer := g.nodes[e.From].Output
		consumer := g.nodes[e.To].Input
		if producer == nil || consumer == nil {
			continue
		}
		if res := producer.IsCompatibleWith(consumer); !res.Compatible() {
			addIssue("edge %s -> %s (%s): contracts incompatible: %s",
				g.nodes[e.From].Name, g.nodes[e.To].Name, e.Label, res)
		}
	}

	if len(issues) > 0 {
		return nil, errors.Join(issues...)
	}

	g.sourceID = g.byName[b.sourceName()]
	buildRoutes(g)
	if err := buildTopologyHashes(g); err != nil {
		return nil, err
	}
	buildBranchSinks(g)
	return g, nil
}

func (b *Builder) sourceName() string {
	for _, def := range b.nodes {
		if def.Type == contract.NodeSource {
			return def.Name
		}
	}
	return ""
}

// nodeID derives the deterministic node identifier from everything that
// defines the node's identity within the run.
func nodeID(runID, plugin, configHash string, seq int) (string, error) {
	h, err := canonical.StableHash(map[string]any{
		"run_id":      runID,
		"plugin":      plugin,
		"config_hash": configHash,
		"position":    seq,
	})
	if err != nil {
		return "", err
	}
	return "node_" + h[:12], nil
}

func edgeID(fromID, toID, label string) string {
	return "edge_" + canonical.HashBytes([]byte(fromID+"\x00"+toID+"\x00"+label))[:12]
}

func hashConfig(config map[string]any) (string, []byte, error) {
	if config == nil {
		config = map[string]any{}
	}
	raw, err := canonical.MarshalCanonical(config)
	if err != nil {
		return "", nil, err
	}
	return canonical.HashBytes(raw), raw, nil
}

func sortEdges(edges []*Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].Label < edges[j].Label
	})
}

// topoSort runs Kahn's algorithm with lexicographic tie-breaking on node
// IDs so the order is reproducible across processes.
func topoSort(g *Graph) ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = 0
	}
	for _, e := range g.edges {
		indegree[e.To]++
	}
	var ready []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		var unlocked []string
		for _, e := range g.out[id] {
			indegree[e.To]--
			if indegree[e.To] == 0 {
				unlocked = append(unlocked, e.To)
			}
		}
		sort.Strings(unlocked)
		ready = mergeSorted(ready, unlocked)
	}
	if len(order) != len(g.nodes) {
		var stuck []string
		for id, d := range indegree {
			if d > 0 {
				stuck = append(stuck, g.nodes[id].Name)
			}
		}
		sort.Strings(stuck)
		return order, fmt.Errorf("pipeline graph contains a cycle involving %v", stuck)
	}
	return order, nil
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// buildRoutes assembles the per-gate resolution map from edges: copy edges
// are fork paths, the continue label continues, and move edges resolve to a
// sink or the next processing node by target type. Sources get a map too:
// their divert edge is how quarantined rows reach a quarantine sink.
func buildRoutes(g *Graph) {
	for id, n := range g.nodes {
		byLabel := make(map[string]Destination)
		for _, e := range g.out[id] {
			target := g.nodes[e.To]
			dest := Destination{Edge: e, NodeID: e.To}
			switch {
			case e.Mode == contract.ModeCopy:
				dest.Kind = DestFork
			case e.Label == LabelContinue && e.Mode == contract.ModeMove:
				dest.Kind = DestContinue
			case target.Type == contract.NodeSink:
				dest.Kind = DestSink
			default:
				dest.Kind = DestNode
			}
			if target.Type == contract.NodeSink {
				dest.SinkName = target.Name
			}
			byLabel[e.Label] = dest
		}
		if len(byLabel) > 0 {
			g.routes[n.ID] = byLabel
		}
	}
}

func buildTopologyHashes(g *Graph) error {
	for id := range g.nodes {
		upstream := g.UpstreamNodes(id)
		members := append(upstream, id)
		inSet := make(map[string]bool, len(members))
		for _, m := range members {
			inSet[m] = true
		}

		nodeEntries := make([]map[string]any, 0, len(members))
		sort.Strings(members)
		for _, m := range members {
			n := g.nodes[m]
			nodeEntries = append(nodeEntries, map[string]any{
				"name":        n.Name,
				"plugin":      n.Plugin,
				"type":        string(n.Type),
				"config_hash": n.ConfigHash,
			})
		}
		var edgeEntries []map[string]any
		for _, e := range g.edges {
			if !inSet[e.From] || !inSet[e.To] {
				continue
			}
			edgeEntries = append(edgeEntries, map[string]any{
				"from":  g.nodes[e.From].Name,
				"to":    g.nodes[e.To].Name,
				"label": e.Label,
				"mode":  string(e.Mode),
			})
		}
		h, err := canonical.StableHash(map[string]any{
			"nodes": nodeEntries,
			"edges": edgeEntries,
		})
		if err != nil {
			return fmt.Errorf("computing topology hash for %s: %w", id, err)
		}
		g.topoHashes[id] = h
	}
	return nil
}

func buildBranchSinks(g *Graph) {
	for id, n := range g.nodes {
		if n.Type != contract.NodeGate && n.Type != contract.NodeSource {
			continue
		}
		for _, e := range g.out[id] {
			if e.Label == LabelContinue && e.Mode == contract.ModeMove {
				continue
			}
			if sink, ok := g.TerminalSinkOf(e.To); ok {
				g.branchSink[e.Label] = sink
			}
		}
	}
}

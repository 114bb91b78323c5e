// Package dag models the execution graph: typed nodes joined by labeled,
// moded edges, with route resolution and per-node topology hashes computed
// once at construction.
//
// Everything a gate can route to is resolved and validated here, before any
// row is read. Runtime code never discovers a dangling label.
package dag

import (
	"fmt"
	"sort"

	"github.com/elspeth-run/elspeth/contract"
)

// Node is a plugin instance bound to a run. The ID is deterministic: the
// same run, plugin, config, and position always produce the same ID, which
// is what makes checkpoints addressable across process restarts.
type Node struct {
	ID          string
	Name        string
	Plugin      string
	Type        contract.NodeType
	Determinism contract.Determinism
	Version     string
	ConfigHash  string
	ConfigJSON  []byte
	Seq         int

	// Input and Output are the declared schema contracts, when the plugin
	// declares them. Nil means the node accepts or emits whatever arrives.
	Input  *contract.Contract
	Output *contract.Contract
}

// Edge is one labeled directed edge. Parallel edges between the same pair
// of nodes are legal as long as labels differ.
type Edge struct {
	ID    string
	From  string // node ID
	To    string // node ID
	Label string
	Mode  contract.RoutingMode
}

// DestinationKind classifies what a gate label resolves to.
type DestinationKind string

const (
	DestContinue DestinationKind = "continue"
	DestFork     DestinationKind = "fork"
	DestSink     DestinationKind = "sink"
	DestNode     DestinationKind = "node"
)

// Destination is the resolved target of one (gate, label) pair.
type Destination struct {
	Kind     DestinationKind
	Edge     *Edge
	NodeID   string // target node ID
	SinkName string // set when the target is a sink
}

// Graph is the validated, immutable execution graph. Construct through
// Builder.Build; the zero value is unusable.
type Graph struct {
	runID      string
	nodes      map[string]*Node // by ID
	byName     map[string]string
	edges      []*Edge
	out        map[string][]*Edge
	in         map[string][]*Edge
	routes     map[string]map[string]Destination
	topoOrder  []string
	topoHashes map[string]string
	sourceID   string
	sinkNames  map[string]string // sink name -> node ID
	branchSink map[string]string // fork/route label -> terminal sink name
}

// RunID returns the run this graph was built for.
func (g *Graph) RunID() string { return g.runID }

// HasNode reports whether a node ID exists.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// NodeInfo returns the node for an ID.
func (g *Graph) NodeInfo(id string) (*Node, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("graph has no node %q", id)
	}
	return n, nil
}

// NodeByName resolves a user-facing node name to the node.
func (g *Graph) NodeByName(name string) (*Node, error) {
	id, ok := g.byName[name]
	if !ok {
		return nil, fmt.Errorf("graph has no node named %q", name)
	}
	return g.nodes[id], nil
}

// Nodes returns all nodes in topological order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.topoOrder))
	for _, id := range g.topoOrder {
		out = append(out, g.nodes[id])
	}
	return out
}

// Source returns the single source node.
func (g *Graph) Source() *Node { return g.nodes[g.sourceID] }

// SinkNames returns the declared sink names mapped to node IDs.
func (g *Graph) SinkNames() map[string]string {
	out := make(map[string]string, len(g.sinkNames))
	for k, v := range g.sinkNames {
		out[k] = v
	}
	return out
}

// Edges returns every edge, ordered by (from, label).
func (g *Graph) Edges() []*Edge {
	out := make([]*Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// Outgoing returns a node's outgoing edges sorted by label.
func (g *Graph) Outgoing(nodeID string) []*Edge {
	edges := g.out[nodeID]
	out := make([]*Edge, len(edges))
	copy(out, edges)
	return out
}

// Incoming returns a node's incoming edges sorted by label.
func (g *Graph) Incoming(nodeID string) []*Edge {
	edges := g.in[nodeID]
	out := make([]*Edge, len(edges))
	copy(out, edges)
	return out
}

// EdgeInfos renders a node's non-divert outgoing edges in the form handed
// to gate plugins: labels and modes only, no node identities.
func (g *Graph) EdgeInfos(nodeID string) []contract.EdgeInfo {
	var infos []contract.EdgeInfo
	for _, e := range g.out[nodeID] {
		if e.Mode == contract.ModeDivert {
			continue
		}
		infos = append(infos, contract.EdgeInfo{Label: e.Label, Mode: e.Mode})
	}
	return infos
}

// Resolve maps a (gate, label) pair to its destination. Unresolvable labels
// are an orchestration invariant violation: Build proved completeness.
func (g *Graph) Resolve(gateID, label string) (Destination, error) {
	byLabel, ok := g.routes[gateID]
	if !ok {
		return Destination{}, &contract.OrchestrationInvariantError{
			Message: fmt.Sprintf("node %s has no routing table", gateID),
		}
	}
	dest, ok := byLabel[label]
	if !ok {
		return Destination{}, &contract.OrchestrationInvariantError{
			Message: fmt.Sprintf("node %s has no route for label %q", gateID, label),
		}
	}
	return dest, nil
}

// ContinueEdge returns the default onward edge for a node, when one exists.
func (g *Graph) ContinueEdge(nodeID string) (*Edge, bool) {
	for _, e := range g.out[nodeID] {
		if e.Label == LabelContinue && e.Mode == contract.ModeMove {
			return e, true
		}
	}
	return nil, false
}

// DivertEdge returns the node's error/quarantine edge, when one exists.
func (g *Graph) DivertEdge(nodeID string) (*Edge, bool) {
	for _, e := range g.out[nodeID] {
		if e.Mode == contract.ModeDivert {
			return e, true
		}
	}
	return nil, false
}

// TopoOrder returns node IDs in a deterministic topological order.
func (g *Graph) TopoOrder() []string {
	out := make([]string, len(g.topoOrder))
	copy(out, g.topoOrder)
	return out
}

// UpstreamTopologyHash returns the hash of the transitive upstream subgraph
// of a node, including the node itself. Checkpoint compatibility compares
// these across resume.
func (g *Graph) UpstreamTopologyHash(nodeID string) (string, error) {
	h, ok := g.topoHashes[nodeID]
	if !ok {
		return "", fmt.Errorf("graph has no node %q", nodeID)
	}
	return h, nil
}

// BranchSinkMap maps every gate route and fork label to the sink its path
// terminates at by following continue edges. Labels whose paths end at a
// processing subgraph with further gates map to the first sink reachable
// deterministically; labels with no reachable sink are absent.
func (g *Graph) BranchSinkMap() map[string]string {
	out := make(map[string]string, len(g.branchSink))
	for k, v := range g.branchSink {
		out[k] = v
	}
	return out
}

// TerminalSinkOf follows continue edges from a node to the sink its default
// path ends at.
func (g *Graph) TerminalSinkOf(nodeID string) (string, bool) {
	seen := map[string]bool{}
	cur := nodeID
	for !seen[cur] {
		seen[cur] = true
		n := g.nodes[cur]
		if n == nil {
			return "", false
		}
		if n.Type == contract.NodeSink {
			return n.Name, true
		}
		e, ok := g.ContinueEdge(cur)
		if !ok {
			return "", false
		}
		cur = e.To
	}
	return "", false
}

// UpstreamNodes returns the IDs of all transitive predecessors of a node,
// sorted. The node itself is not included.
func (g *Graph) UpstreamNodes(nodeID string) []string {
	seen := map[string]bool{}
	var walk func(id string)
	walk = func(id string) {
		for _, e := range g.in[id] {
			if !seen[e.From] {
				seen[e.From] = true
				walk(e.From)
			}
		}
	}
	walk(nodeID)
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/dag"
	"github.com/elspeth-run/elspeth/engine"
	"github.com/elspeth-run/elspeth/expr"
	"github.com/elspeth-run/elspeth/plugin"
)

// Pipeline is a settings file resolved against a plugin registry: the
// validated graph, the per-node bindings the engine runs, and the config
// hash that keys resume compatibility.
type Pipeline struct {
	Graph      *dag.Graph
	Bindings   map[string]*engine.NodeBinding
	ConfigHash string
	Settings   *Settings
}

// stepKind classifies a declared step name during assembly.
type stepKind int

const (
	kindTransform stepKind = iota
	kindGate
	kindAggregation
	kindCoalesce
	kindSink
)

// builder holds the working state of one BuildPipeline call. Errors
// accumulate; the caller reports them all at once.
type builder struct {
	s      *Settings
	reg    *plugin.Registry
	issues []error

	kinds    map[string]stepKind
	sinks    map[string]bool
	placed   map[string]bool
	branches map[string]bool
	forks    map[string]string // fork branch label -> gate name

	defs     []dag.NodeDef
	edges    []edgeDef
	bindings map[string]*engine.NodeBinding // keyed by node NAME until IDs exist
}

type edgeDef struct {
	from, to, label string
	mode            contract.RoutingMode
}

// BuildPipeline resolves the settings into a runnable pipeline. Every
// semantic problem is collected and reported together: unknown plugins,
// routes into the void, non-batch-aware aggregations, unplaced steps,
// malformed expressions. The graph builder then revalidates topology and
// contract compatibility on the assembled result.
func BuildPipeline(runID string, s *Settings, reg *plugin.Registry) (*Pipeline, error) {
	if runID == "" {
		return nil, fmt.Errorf("pipeline requires a run id")
	}
	if s == nil {
		return nil, fmt.Errorf("pipeline requires settings")
	}
	if reg == nil {
		return nil, fmt.Errorf("pipeline requires a plugin registry")
	}

	b := &builder{
		s:        s,
		reg:      reg,
		kinds:    make(map[string]stepKind),
		sinks:    make(map[string]bool),
		placed:   make(map[string]bool),
		branches: make(map[string]bool),
		forks:    make(map[string]string),
		bindings: make(map[string]*engine.NodeBinding),
	}
	b.indexNames()
	b.bindSource()
	b.bindTransforms()
	b.bindGates()
	b.bindAggregations()
	b.bindCoalesces()
	b.bindSinks()
	b.wireChains()
	b.checkPlacement()

	if len(b.issues) > 0 {
		return nil, errors.Join(b.issues...)
	}

	gb := dag.NewBuilder(runID)
	for _, def := range b.defs {
		gb.AddNode(def)
	}
	for _, e := range b.edges {
		gb.AddEdge(e.from, e.to, e.label, e.mode)
	}
	g, err := gb.Build()
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*engine.NodeBinding, len(b.bindings))
	for name, binding := range b.bindings {
		n, nerr := g.NodeByName(name)
		if nerr != nil {
			return nil, nerr
		}
		byID[n.ID] = binding
	}

	hash, err := s.Hash()
	if err != nil {
		return nil, err
	}
	return &Pipeline{Graph: g, Bindings: byID, ConfigHash: hash, Settings: s}, nil
}

func (b *builder) issue(format string, args ...any) {
	b.issues = append(b.issues, fmt.Errorf(format, args...))
}

// indexNames catalogs every declared name and rejects collisions before
// any wiring references them.
func (b *builder) indexNames() {
	claim := func(name string, kind stepKind, section string) bool {
		if name == "" {
			b.issue("%s entry has no name", section)
			return false
		}
		if name == b.s.Source.Name {
			b.issue("%s %q collides with the source name", section, name)
			return false
		}
		if _, dup := b.kinds[name]; dup {
			b.issue("name %q declared twice", name)
			return false
		}
		b.kinds[name] = kind
		return true
	}
	for _, t := range b.s.Transforms {
		claim(t.Name, kindTransform, "transform")
	}
	for _, g := range b.s.Gates {
		claim(g.Name, kindGate, "gate")
	}
	for _, a := range b.s.Aggregations {
		claim(a.Name, kindAggregation, "aggregation")
	}
	for _, c := range b.s.Coalesces {
		claim(c.Name, kindCoalesce, "coalesce")
	}
	for _, sk := range b.s.Sinks {
		if claim(sk.Name, kindSink, "sink") {
			b.sinks[sk.Name] = true
		}
	}
	for name, chain := range b.s.Pipeline.Branches {
		if len(chain) == 0 {
			b.issue("branch %q declares an empty chain", name)
			continue
		}
		b.branches[name] = true
	}
}

func (b *builder) bindSource() {
	src := b.s.Source
	if src.Plugin == "" {
		b.issue("source declares no plugin")
		return
	}
	inst, info, err := b.reg.NewSource(src.Plugin, src.Config)
	if err != nil {
		b.issue("source: %v", err)
		return
	}
	b.defs = append(b.defs, dag.NodeDef{
		Name:        src.Name,
		Plugin:      info.Name,
		Type:        contract.NodeSource,
		Determinism: info.Determinism,
		Version:     info.Version,
		Config:      src.Config,
		Output:      inst.Contract(),
	})
	b.bindings[src.Name] = &engine.NodeBinding{Source: inst, Info: info}

	switch src.OnValidationFailure {
	case "", "discard":
	default:
		if !b.sinks[src.OnValidationFailure] {
			b.issue("source on_validation_failure names unknown sink %q", src.OnValidationFailure)
			return
		}
		b.edges = append(b.edges, edgeDef{src.Name, src.OnValidationFailure, dag.LabelQuarantine, contract.ModeDivert})
	}
}

func (b *builder) bindTransforms() {
	for _, t := range b.s.Transforms {
		if b.kinds[t.Name] != kindTransform {
			continue
		}
		inst, info, err := b.reg.NewTransform(t.Plugin, t.Config)
		if err != nil {
			b.issue("transform %q: %v", t.Name, err)
			continue
		}
		b.defs = append(b.defs, dag.NodeDef{
			Name:        t.Name,
			Plugin:      info.Name,
			Type:        contract.NodeTransform,
			Determinism: info.Determinism,
			Version:     info.Version,
			Config:      t.Config,
			Input:       b.contractFromSpec(t.Name, "input_schema", info.InputSchema),
			Output:      b.contractFromSpec(t.Name, "output_schema", info.OutputSchema),
		})
		b.bindings[t.Name] = &engine.NodeBinding{Transform: inst, Info: info}
		b.divertOnError(t.Name, t.OnError)
	}
}

func (b *builder) bindGates() {
	for _, g := range b.s.Gates {
		if b.kinds[g.Name] != kindGate {
			continue
		}
		if (g.Plugin == "") == (g.Condition == "") {
			b.issue("gate %q needs exactly one of plugin or condition", g.Name)
			continue
		}

		binding := &engine.NodeBinding{}
		var info plugin.Info
		if g.Plugin != "" {
			inst, pinfo, err := b.reg.NewGate(g.Plugin, g.Config)
			if err != nil {
				b.issue("gate %q: %v", g.Name, err)
				continue
			}
			binding.Gate = inst
			info = pinfo
		} else {
			cond, err := expr.Compile(g.Condition)
			if err != nil {
				b.issue("gate %q condition: %v", g.Name, err)
				continue
			}
			for label := range g.Routes {
				switch label {
				case "true", "false", dag.LabelContinue:
				default:
					b.issue("gate %q routes label %q, but a condition gate only emits true and false", g.Name, label)
				}
			}
			binding.ConfigGate = &engine.ConfigGate{Condition: cond}
			info = plugin.Info{
				Name:        "config_gate",
				Kind:        contract.NodeGate,
				Determinism: contract.DetDeterministic,
				Version:     "1",
			}
		}
		binding.Info = info

		b.defs = append(b.defs, dag.NodeDef{
			Name:        g.Name,
			Plugin:      info.Name,
			Type:        contract.NodeGate,
			Determinism: info.Determinism,
			Version:     info.Version,
			Config:      g.Config,
		})
		b.bindings[g.Name] = binding

		for label, target := range g.Routes {
			b.wireRoute(g.Name, label, target)
		}
		for _, branch := range g.Fork {
			if prior, dup := b.forks[branch]; dup {
				b.issue("fork branch %q declared on both %q and %q; branch names are global", branch, prior, g.Name)
				continue
			}
			b.forks[branch] = g.Name
			b.wireFork(g.Name, branch)
		}
		b.divertOnError(g.Name, g.OnError)
	}
}

// wireRoute connects one gate route label to its destination. "continue"
// resolves through the gate's chain edge and needs no edge of its own.
func (b *builder) wireRoute(gate, label, target string) {
	if label == "" {
		b.issue("gate %q declares a route with an empty label", gate)
		return
	}
	switch {
	case target == dag.LabelContinue:
	case b.sinks[target]:
		b.edges = append(b.edges, edgeDef{gate, target, label, contract.ModeMove})
		b.placed[target] = true
	case b.branches[target]:
		b.enterBranch(gate, label, target, contract.ModeMove)
	default:
		b.issue("gate %q routes %q to %q, which is neither a sink, a branch, nor %q",
			gate, label, target, dag.LabelContinue)
	}
}

// wireFork connects one fork branch label. The label doubles as the
// target: a branch chain of the same name, or a sink of the same name.
func (b *builder) wireFork(gate, branch string) {
	switch {
	case b.branches[branch]:
		b.enterBranch(gate, branch, branch, contract.ModeCopy)
	case b.sinks[branch]:
		b.edges = append(b.edges, edgeDef{gate, branch, branch, contract.ModeCopy})
		b.placed[branch] = true
	default:
		b.issue("gate %q forks to %q, which names neither a branch chain nor a sink", gate, branch)
	}
}

// enterBranch adds the edge from a gate into a branch chain's first
// element and lays the chain's internal edges on first entry.
func (b *builder) enterBranch(gate, label, branch string, mode contract.RoutingMode) {
	chain := b.s.Pipeline.Branches[branch]
	first := chain[0]
	if b.knownStep(fmt.Sprintf("branch %q", branch), first) {
		b.edges = append(b.edges, edgeDef{gate, first, label, mode})
	}
	if !b.placed[branchMarker(branch)] {
		b.placed[branchMarker(branch)] = true
		b.wireChain(branch, chain)
	}
}

// branchMarker namespaces branch placement from step placement.
func branchMarker(branch string) string { return "branch\x00" + branch }

// knownStep reports whether name is declared anywhere, recording an issue
// when it is not.
func (b *builder) knownStep(where, name string) bool {
	if _, ok := b.kinds[name]; !ok {
		b.issue("%s references undeclared step %q", where, name)
		return false
	}
	return true
}

// wireChain lays continue edges along one chain of step names. The
// terminal element must be a sink or a coalesce; an edge into a coalesce
// carries the chain's branch name so the audit trail shows which branch
// delivered it.
func (b *builder) wireChain(branch string, chain []string) {
	for i, name := range chain {
		if !b.knownStep(fmt.Sprintf("branch %q", branch), name) {
			return
		}
		kind := b.kinds[name]
		last := i == len(chain)-1
		if kind == kindSink && !last {
			b.issue("branch %q places sink %q mid-chain; sinks are terminal", branch, name)
			return
		}
		if last {
			if kind != kindSink && kind != kindCoalesce {
				b.issue("branch %q ends at %q, which is neither a sink nor a coalesce", branch, name)
			}
		}
		b.placed[name] = true
		if !last {
			next := chain[i+1]
			label := dag.LabelContinue
			if b.kinds[next] == kindCoalesce {
				label = branch
			}
			b.edges = append(b.edges, edgeDef{name, next, label, contract.ModeMove})
		}
	}
}

func (b *builder) bindAggregations() {
	for _, a := range b.s.Aggregations {
		if b.kinds[a.Name] != kindAggregation {
			continue
		}
		inst, info, err := b.reg.NewBatchTransform(a.Transform, a.Config)
		if err != nil {
			b.issue("aggregation %q: %v", a.Name, err)
			continue
		}
		if !info.BatchAware {
			b.issue("aggregation %q uses transform %q, which is not batch-aware", a.Name, a.Transform)
			continue
		}

		mode := contract.OutputMode(a.OutputMode)
		if a.OutputMode == "" {
			mode = contract.OutputPassthrough
		}
		trig := engine.TriggerConfig{
			Count:     a.Trigger.Count,
			Timeout:   time.Duration(a.Trigger.TimeoutSeconds * float64(time.Second)),
			Condition: a.Trigger.Condition,
		}
		if trig.Count == 0 && trig.Timeout == 0 && trig.Condition == "" {
			b.issue("aggregation %q configures no trigger; it would buffer forever", a.Name)
		}
		if trig.Condition != "" {
			if _, err := expr.Compile(trig.Condition); err != nil {
				b.issue("aggregation %q trigger condition: %v", a.Name, err)
			}
		}
		settings := &engine.AggregationSettings{
			OutputMode:          mode,
			Trigger:             trig,
			ExpectedOutputCount: a.ExpectedOutputCount,
		}
		if err := settings.Validate(); err != nil {
			b.issue("aggregation %q: %v", a.Name, err)
			continue
		}

		b.defs = append(b.defs, dag.NodeDef{
			Name:        a.Name,
			Plugin:      info.Name,
			Type:        contract.NodeAggregation,
			Determinism: info.Determinism,
			Version:     info.Version,
			Config:      a.Config,
			Input:       b.contractFromSpec(a.Name, "input_schema", info.InputSchema),
			Output:      b.contractFromSpec(a.Name, "output_schema", info.OutputSchema),
		})
		b.bindings[a.Name] = &engine.NodeBinding{Batch: inst, Info: info, Aggregation: settings}
	}
}

func (b *builder) bindCoalesces() {
	for _, c := range b.s.Coalesces {
		if b.kinds[c.Name] != kindCoalesce {
			continue
		}
		policy := engine.CoalescePolicy(c.Policy)
		if c.Policy == "" {
			policy = engine.PolicyRequireAll
		}
		merge := engine.MergeStrategy(c.Merge)
		if c.Merge == "" {
			merge = engine.MergeUnion
		}
		settings := &engine.CoalesceSettings{
			Name:         c.Name,
			Branches:     c.Branches,
			Policy:       policy,
			QuorumCount:  c.QuorumCount,
			Merge:        merge,
			SelectBranch: c.SelectBranch,
			Timeout:      time.Duration(c.TimeoutSeconds * float64(time.Second)),
		}
		if err := settings.Validate(); err != nil {
			b.issue("coalesce %q: %v", c.Name, err)
			continue
		}
		for _, branch := range c.Branches {
			if !b.branches[branch] && !b.sinks[branch] {
				b.issue("coalesce %q joins branch %q, but no branch chain of that name exists", c.Name, branch)
			}
		}

		b.defs = append(b.defs, dag.NodeDef{
			Name:        c.Name,
			Plugin:      "coalesce",
			Type:        contract.NodeCoalesce,
			Determinism: contract.DetDeterministic,
			Version:     "1",
			Config:      map[string]any{"branches": c.Branches, "policy": string(policy), "merge": string(merge)},
		})
		b.bindings[c.Name] = &engine.NodeBinding{
			Info: plugin.Info{
				Name:        "coalesce",
				Kind:        contract.NodeCoalesce,
				Determinism: contract.DetDeterministic,
				Version:     "1",
			},
			Coalesce: settings,
		}
	}
}

func (b *builder) bindSinks() {
	for _, sk := range b.s.Sinks {
		if b.kinds[sk.Name] != kindSink {
			continue
		}
		inst, info, err := b.reg.NewSink(sk.Plugin, sk.Config)
		if err != nil {
			b.issue("sink %q: %v", sk.Name, err)
			continue
		}
		b.defs = append(b.defs, dag.NodeDef{
			Name:        sk.Name,
			Plugin:      info.Name,
			Type:        contract.NodeSink,
			Determinism: info.Determinism,
			Version:     info.Version,
			Config:      sk.Config,
			Input:       b.contractFromSpec(sk.Name, "input_schema", info.InputSchema),
		})
		b.bindings[sk.Name] = &engine.NodeBinding{Sink: inst, Info: info}
	}
}

// wireChains lays the main chain: source, the pipeline steps in order,
// and the default sink.
func (b *builder) wireChains() {
	sink := b.s.Pipeline.DefaultSink
	sinkOK := false
	switch {
	case sink == "":
		b.issue("pipeline declares no default_sink")
	case !b.sinks[sink]:
		b.issue("default_sink %q is not a declared sink", sink)
	default:
		sinkOK = true
		b.placed[sink] = true
	}

	prev := b.s.Source.Name
	intact := true
	for _, name := range b.s.Pipeline.Steps {
		if !b.knownStep("pipeline steps", name) {
			intact = false
			continue
		}
		if b.kinds[name] == kindSink {
			b.issue("pipeline step %q is a sink; the main chain ends at default_sink", name)
			intact = false
			continue
		}
		b.placed[name] = true
		if intact {
			b.edges = append(b.edges, edgeDef{prev, name, dag.LabelContinue, contract.ModeMove})
		}
		prev = name
	}
	if sinkOK && intact {
		b.edges = append(b.edges, edgeDef{prev, sink, dag.LabelContinue, contract.ModeMove})
	}
}

// checkPlacement reports every declared step and branch that nothing
// references. An unplaced node would sit in the graph as dead topology
// and fail validation there with a less helpful message.
func (b *builder) checkPlacement() {
	for _, t := range b.s.Transforms {
		if b.kinds[t.Name] == kindTransform && !b.placed[t.Name] {
			b.issue("transform %q is declared but appears in no chain", t.Name)
		}
	}
	for _, g := range b.s.Gates {
		if b.kinds[g.Name] == kindGate && !b.placed[g.Name] {
			b.issue("gate %q is declared but appears in no chain", g.Name)
		}
	}
	for _, a := range b.s.Aggregations {
		if b.kinds[a.Name] == kindAggregation && !b.placed[a.Name] {
			b.issue("aggregation %q is declared but appears in no chain", a.Name)
		}
	}
	for _, c := range b.s.Coalesces {
		if b.kinds[c.Name] == kindCoalesce && !b.placed[c.Name] {
			b.issue("coalesce %q is declared but appears in no chain", c.Name)
		}
	}
	for name := range b.branches {
		if !b.placed[branchMarker(name)] {
			b.issue("branch %q is declared but no gate routes or forks into it", name)
		}
	}
}

func (b *builder) divertOnError(step, target string) {
	if target == "" {
		return
	}
	if !b.sinks[target] {
		b.issue("%q on_error names unknown sink %q", step, target)
		return
	}
	b.edges = append(b.edges, edgeDef{step, target, dag.LabelQuarantine, contract.ModeDivert})
	b.placed[target] = true
}

// contractFromSpec parses a plugin's registered schema lines into a
// contract for edge compatibility checking. Registration already proved
// the lines parse; a failure here means the registry was bypassed.
func (b *builder) contractFromSpec(node, which string, specs []string) *contract.Contract {
	if len(specs) == 0 {
		return nil
	}
	c, err := contract.ParseSchemaSpec(contract.SchemaFlexible, specs)
	if err != nil {
		b.issue("node %q %s: %v", node, which, err)
		return nil
	}
	return c
}

package plugin

import (
	"fmt"
	"sort"
	"sync"

	"github.com/elspeth-run/elspeth/contract"
)

// Info is the registration metadata for one plugin. Every field except
// the schemas is mandatory: a plugin without a determinism declaration
// cannot be graded for reproducibility and is refused outright.
type Info struct {
	Name        string
	Kind        contract.NodeType
	Determinism contract.Determinism
	Version     string

	// InputSchema and OutputSchema are contract spec lines in
	// "name: type" form. Nil means the plugin accepts or emits
	// whatever arrives and declares nothing.
	InputSchema  []string
	OutputSchema []string

	// BatchAware marks transforms that consume whole aggregation
	// buffers. Only batch-aware transforms may back an aggregation
	// node.
	BatchAware bool
}

// Factory signatures. Config maps come straight from the settings file;
// factories validate them and fail fast on anything unusable.
type (
	SourceFactory         func(cfg map[string]any) (Source, error)
	TransformFactory      func(cfg map[string]any) (Transform, error)
	BatchTransformFactory func(cfg map[string]any) (BatchTransform, error)
	GateFactory           func(cfg map[string]any) (Gate, error)
	SinkFactory           func(cfg map[string]any) (Sink, error)
)

type infoKey struct {
	kind contract.NodeType
	name string
}

// Registry resolves plugin names to factories. Registration is strict:
// duplicates, missing determinism declarations, and unparseable schema
// specs are errors at startup, not at row one million.
type Registry struct {
	mu         sync.RWMutex
	infos      map[infoKey]Info
	sources    map[string]SourceFactory
	transforms map[string]TransformFactory
	batches    map[string]BatchTransformFactory
	gates      map[string]GateFactory
	sinks      map[string]SinkFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		infos:      make(map[infoKey]Info),
		sources:    make(map[string]SourceFactory),
		transforms: make(map[string]TransformFactory),
		batches:    make(map[string]BatchTransformFactory),
		gates:      make(map[string]GateFactory),
		sinks:      make(map[string]SinkFactory),
	}
}

func (r *Registry) register(kind contract.NodeType, info Info, factory any) error {
	if info.Name == "" {
		return fmt.Errorf("plugin registration requires a name")
	}
	if factory == nil {
		return fmt.Errorf("plugin %q: registration requires a factory", info.Name)
	}
	if _, err := contract.ParseDeterminism(string(info.Determinism)); err != nil {
		return fmt.Errorf("plugin %q: %w", info.Name, err)
	}
	if len(info.InputSchema) > 0 {
		if _, err := contract.ParseSchemaSpec(contract.SchemaFlexible, info.InputSchema); err != nil {
			return fmt.Errorf("plugin %q: input schema: %w", info.Name, err)
		}
	}
	if len(info.OutputSchema) > 0 {
		if _, err := contract.ParseSchemaSpec(contract.SchemaFlexible, info.OutputSchema); err != nil {
			return fmt.Errorf("plugin %q: output schema: %w", info.Name, err)
		}
	}
	info.Kind = kind

	r.mu.Lock()
	defer r.mu.Unlock()
	key := infoKey{kind: kind, name: info.Name}
	if _, exists := r.infos[key]; exists {
		return fmt.Errorf("plugin %q already registered as a %s", info.Name, kind)
	}
	r.infos[key] = info
	return nil
}

// RegisterSource adds a source plugin.
func (r *Registry) RegisterSource(info Info, f SourceFactory) error {
	if err := r.register(contract.NodeSource, info, f); err != nil {
		return err
	}
	r.mu.Lock()
	r.sources[info.Name] = f
	r.mu.Unlock()
	return nil
}

// RegisterTransform adds a row-at-a-time transform plugin.
func (r *Registry) RegisterTransform(info Info, f TransformFactory) error {
	info.BatchAware = false
	if err := r.register(contract.NodeTransform, info, f); err != nil {
		return err
	}
	r.mu.Lock()
	r.transforms[info.Name] = f
	r.mu.Unlock()
	return nil
}

// RegisterBatchTransform adds a batch-aware transform, the only kind an
// aggregation node may execute.
func (r *Registry) RegisterBatchTransform(info Info, f BatchTransformFactory) error {
	info.BatchAware = true
	if err := r.register(contract.NodeTransform, info, f); err != nil {
		return err
	}
	r.mu.Lock()
	r.batches[info.Name] = f
	r.mu.Unlock()
	return nil
}

// RegisterGate adds a gate plugin.
func (r *Registry) RegisterGate(info Info, f GateFactory) error {
	if err := r.register(contract.NodeGate, info, f); err != nil {
		return err
	}
	r.mu.Lock()
	r.gates[info.Name] = f
	r.mu.Unlock()
	return nil
}

// RegisterSink adds a sink plugin.
func (r *Registry) RegisterSink(info Info, f SinkFactory) error {
	if err := r.register(contract.NodeSink, info, f); err != nil {
		return err
	}
	r.mu.Lock()
	r.sinks[info.Name] = f
	r.mu.Unlock()
	return nil
}

// Info returns the registration metadata for a plugin. Batch-aware
// transforms are found under the transform kind with BatchAware set.
func (r *Registry) Info(kind contract.NodeType, name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.infos[infoKey{kind: kind, name: name}]
	return info, ok
}

// Names lists registered plugin names of a kind, sorted.
func (r *Registry) Names(kind contract.NodeType) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for key := range r.infos {
		if key.kind == kind {
			names = append(names, key.name)
		}
	}
	sort.Strings(names)
	return names
}

// NewSource instantiates a registered source.
func (r *Registry) NewSource(name string, cfg map[string]any) (Source, Info, error) {
	r.mu.RLock()
	f, ok := r.sources[name]
	info := r.infos[infoKey{kind: contract.NodeSource, name: name}]
	r.mu.RUnlock()
	if !ok {
		return nil, Info{}, fmt.Errorf("unknown source plugin %q (registered: %v)", name, r.Names(contract.NodeSource))
	}
	s, err := f(cfg)
	if err != nil {
		return nil, Info{}, fmt.Errorf("source %q: %w", name, err)
	}
	return s, info, nil
}

// NewTransform instantiates a registered row transform.
func (r *Registry) NewTransform(name string, cfg map[string]any) (Transform, Info, error) {
	r.mu.RLock()
	f, ok := r.transforms[name]
	info := r.infos[infoKey{kind: contract.NodeTransform, name: name}]
	r.mu.RUnlock()
	if !ok {
		return nil, Info{}, fmt.Errorf("unknown transform plugin %q (registered: %v)", name, r.Names(contract.NodeTransform))
	}
	t, err := f(cfg)
	if err != nil {
		return nil, Info{}, fmt.Errorf("transform %q: %w", name, err)
	}
	return t, info, nil
}

// NewBatchTransform instantiates a registered batch-aware transform.
func (r *Registry) NewBatchTransform(name string, cfg map[string]any) (BatchTransform, Info, error) {
	r.mu.RLock()
	f, ok := r.batches[name]
	info := r.infos[infoKey{kind: contract.NodeTransform, name: name}]
	r.mu.RUnlock()
	if !ok {
		return nil, Info{}, fmt.Errorf("transform plugin %q is not batch-aware or not registered", name)
	}
	t, err := f(cfg)
	if err != nil {
		return nil, Info{}, fmt.Errorf("batch transform %q: %w", name, err)
	}
	return t, info, nil
}

// NewGate instantiates a registered gate.
func (r *Registry) NewGate(name string, cfg map[string]any) (Gate, Info, error) {
	r.mu.RLock()
	f, ok := r.gates[name]
	info := r.infos[infoKey{kind: contract.NodeGate, name: name}]
	r.mu.RUnlock()
	if !ok {
		return nil, Info{}, fmt.Errorf("unknown gate plugin %q (registered: %v)", name, r.Names(contract.NodeGate))
	}
	g, err := f(cfg)
	if err != nil {
		return nil, Info{}, fmt.Errorf("gate %q: %w", name, err)
	}
	return g, info, nil
}

// NewSink instantiates a registered sink.
func (r *Registry) NewSink(name string, cfg map[string]any) (Sink, Info, error) {
	r.mu.RLock()
	f, ok := r.sinks[name]
	info := r.infos[infoKey{kind: contract.NodeSink, name: name}]
	r.mu.RUnlock()
	if !ok {
		return nil, Info{}, fmt.Errorf("unknown sink plugin %q (registered: %v)", name, r.Names(contract.NodeSink))
	}
	s, err := f(cfg)
	if err != nil {
		return nil, Info{}, fmt.Errorf("sink %q: %w", name, err)
	}
	return s, info, nil
}

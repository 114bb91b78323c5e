// Package builtin carries the plugins shipped with the engine: file-backed
// sources and sinks, row reshaping, keyword routing, batch replication, and
// the LLM transforms. Each registers with a determinism declaration and a
// version so runs over these plugins can be graded for reproducibility.
package builtin

import (
	"github.com/elspeth-run/elspeth/plugin"
	"github.com/elspeth-run/elspeth/sandbox"
)

// RegisterAll adds every built-in plugin to the registry. Registration
// failures here are programming errors in the table below, not user input,
// so callers typically treat an error as fatal.
func RegisterAll(reg *plugin.Registry) error {
	type registration func(*plugin.Registry) error
	for _, register := range []registration{
		registerCSVSource,
		registerCSVSink,
		registerJSONSource,
		registerJSONSink,
		registerFieldMapper,
		registerKeywordFilter,
		registerReplicate,
		registerLLMOpenAI,
		registerLLMAnthropic,
		registerLLMGemini,
	} {
		if err := register(reg); err != nil {
			return err
		}
	}
	return nil
}

// WorkerTransforms exposes the pure-function cores of the built-in
// transforms for subprocess workers. Only transforms with no filesystem,
// network, or audit-store access qualify; everything here operates on plain
// row maps and a config map.
func WorkerTransforms() map[string]sandbox.TransformFunc {
	return map[string]sandbox.TransformFunc{
		"field_mapper": fieldMapperWorker,
	}
}

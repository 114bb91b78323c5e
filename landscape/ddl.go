package landscape

// The audit schema. Every execution fact lives in one of these tables;
// rows are append-only except the run row, open node_states, and the
// buffered-to-terminal transition on token_outcomes.
//
// The DDL is deliberately restricted to the SQL subset SQLite and MySQL
// share: string ids are VARCHAR, hashes are CHAR(64) hex, timestamps are
// RFC 3339 strings with explicit zone, and JSON payloads are TEXT. No
// engine-generated keys anywhere; the application supplies every id.

type tableDef struct {
	name    string
	create  string
	indexes []string
}

var auditTables = []tableDef{
	{
		name: "runs",
		create: `CREATE TABLE IF NOT EXISTS runs (
			run_id VARCHAR(64) PRIMARY KEY,
			started_at VARCHAR(40) NOT NULL,
			completed_at VARCHAR(40),
			status VARCHAR(16) NOT NULL,
			config_hash CHAR(64) NOT NULL,
			settings_json TEXT NOT NULL,
			canonical_version VARCHAR(8) NOT NULL,
			schema_contract_json TEXT,
			schema_contract_hash CHAR(64),
			run_mode VARCHAR(8),
			source_run_id VARCHAR(64),
			export_status VARCHAR(16),
			exported_at VARCHAR(40),
			export_manifest_hash CHAR(64)
		)`,
	},
	{
		name: "nodes",
		create: `CREATE TABLE IF NOT EXISTS nodes (
			node_id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL REFERENCES runs(run_id),
			node_name VARCHAR(255) NOT NULL,
			plugin_name VARCHAR(255) NOT NULL,
			node_type VARCHAR(16) NOT NULL,
			determinism VARCHAR(24) NOT NULL,
			plugin_version VARCHAR(64),
			config_hash CHAR(64) NOT NULL,
			config_json TEXT NOT NULL,
			input_contract_json TEXT,
			output_contract_json TEXT,
			schema_hash CHAR(64),
			sequence_index INTEGER NOT NULL,
			registered_at VARCHAR(40) NOT NULL,
			CONSTRAINT uq_nodes_run_name UNIQUE (run_id, node_name)
		)`,
		indexes: []string{
			"CREATE INDEX IF NOT EXISTS idx_nodes_run ON nodes(run_id)",
		},
	},
	{
		name: "edges",
		create: `CREATE TABLE IF NOT EXISTS edges (
			edge_id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL REFERENCES runs(run_id),
			from_node VARCHAR(64) NOT NULL REFERENCES nodes(node_id),
			to_node VARCHAR(64) NOT NULL REFERENCES nodes(node_id),
			label VARCHAR(255) NOT NULL,
			default_mode VARCHAR(8) NOT NULL,
			CONSTRAINT uq_edges_key UNIQUE (run_id, from_node, to_node, label)
		)`,
		indexes: []string{
			"CREATE INDEX IF NOT EXISTS idx_edges_run ON edges(run_id)",
		},
	},
	{
		name: "source_rows",
		create: `CREATE TABLE IF NOT EXISTS source_rows (
			row_id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL REFERENCES runs(run_id),
			source_node_id VARCHAR(64) NOT NULL REFERENCES nodes(node_id),
			row_index INTEGER NOT NULL,
			source_data_hash CHAR(64) NOT NULL,
			payload_ref VARCHAR(255),
			created_at VARCHAR(40) NOT NULL,
			CONSTRAINT uq_rows_position UNIQUE (run_id, source_node_id, row_index)
		)`,
		indexes: []string{
			"CREATE INDEX IF NOT EXISTS idx_rows_run ON source_rows(run_id, row_index)",
		},
	},
	{
		name: "tokens",
		create: `CREATE TABLE IF NOT EXISTS tokens (
			token_id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL REFERENCES runs(run_id),
			row_id VARCHAR(64) NOT NULL REFERENCES source_rows(row_id),
			fork_group_id VARCHAR(64),
			join_group_id VARCHAR(64),
			expand_group_id VARCHAR(64),
			branch_name VARCHAR(255),
			step_in_pipeline INTEGER,
			created_at VARCHAR(40) NOT NULL
		)`,
		indexes: []string{
			"CREATE INDEX IF NOT EXISTS idx_tokens_run ON tokens(run_id)",
			"CREATE INDEX IF NOT EXISTS idx_tokens_row ON tokens(row_id)",
			"CREATE INDEX IF NOT EXISTS idx_tokens_fork_group ON tokens(fork_group_id)",
		},
	},
	{
		name: "token_parents",
		create: `CREATE TABLE IF NOT EXISTS token_parents (
			child_token_id VARCHAR(64) NOT NULL REFERENCES tokens(token_id),
			parent_token_id VARCHAR(64) NOT NULL REFERENCES tokens(token_id),
			ordinal INTEGER NOT NULL,
			PRIMARY KEY (child_token_id, parent_token_id),
			CONSTRAINT uq_token_parents_ordinal UNIQUE (child_token_id, ordinal)
		)`,
	},
	{
		name: "token_outcomes",
		create: `CREATE TABLE IF NOT EXISTS token_outcomes (
			token_id VARCHAR(64) PRIMARY KEY REFERENCES tokens(token_id),
			run_id VARCHAR(64) NOT NULL REFERENCES runs(run_id),
			outcome VARCHAR(24) NOT NULL,
			sink_name VARCHAR(255),
			detail_json TEXT,
			recorded_at VARCHAR(40) NOT NULL
		)`,
		indexes: []string{
			"CREATE INDEX IF NOT EXISTS idx_outcomes_run ON token_outcomes(run_id, outcome)",
		},
	},
	{
		name: "node_states",
		create: `CREATE TABLE IF NOT EXISTS node_states (
			state_id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL REFERENCES runs(run_id),
			token_id VARCHAR(64) NOT NULL REFERENCES tokens(token_id),
			node_id VARCHAR(64) NOT NULL REFERENCES nodes(node_id),
			step_index INTEGER NOT NULL,
			attempt INTEGER NOT NULL,
			status VARCHAR(12) NOT NULL,
			input_hash CHAR(64) NOT NULL,
			output_hash CHAR(64),
			started_at VARCHAR(40) NOT NULL,
			completed_at VARCHAR(40),
			duration_ms BIGINT,
			error_json TEXT,
			success_reason_json TEXT,
			context_before_json TEXT,
			context_after_json TEXT,
			CONSTRAINT uq_states_attempt UNIQUE (token_id, node_id, attempt)
		)`,
		indexes: []string{
			"CREATE INDEX IF NOT EXISTS idx_states_run_status ON node_states(run_id, status)",
			"CREATE INDEX IF NOT EXISTS idx_states_token ON node_states(token_id, step_index)",
		},
	},
	{
		name: "operations",
		create: `CREATE TABLE IF NOT EXISTS operations (
			operation_id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL REFERENCES runs(run_id),
			node_id VARCHAR(64) NOT NULL REFERENCES nodes(node_id),
			operation_type VARCHAR(16) NOT NULL,
			status VARCHAR(12) NOT NULL,
			started_at VARCHAR(40) NOT NULL,
			completed_at VARCHAR(40),
			rows_count INTEGER,
			detail_json TEXT
		)`,
		indexes: []string{
			"CREATE INDEX IF NOT EXISTS idx_operations_run ON operations(run_id)",
		},
	},
	{
		name: "calls",
		create: `CREATE TABLE IF NOT EXISTS calls (
			call_id VARCHAR(64) PRIMARY KEY,
			state_id VARCHAR(64) NOT NULL REFERENCES node_states(state_id),
			call_index INTEGER NOT NULL,
			call_type VARCHAR(16) NOT NULL,
			status VARCHAR(12) NOT NULL,
			request_hash CHAR(64) NOT NULL,
			response_hash CHAR(64),
			request_ref VARCHAR(255),
			response_ref VARCHAR(255),
			latency_ms BIGINT,
			error_json TEXT,
			recorded_at VARCHAR(40) NOT NULL,
			CONSTRAINT uq_calls_index UNIQUE (state_id, call_index)
		)`,
		indexes: []string{
			"CREATE INDEX IF NOT EXISTS idx_calls_replay ON calls(call_type, request_hash)",
		},
	},
	{
		name: "routing_events",
		create: `CREATE TABLE IF NOT EXISTS routing_events (
			event_id VARCHAR(64) PRIMARY KEY,
			state_id VARCHAR(64) NOT NULL REFERENCES node_states(state_id),
			edge_id VARCHAR(64) NOT NULL REFERENCES edges(edge_id),
			routing_group_id VARCHAR(64) NOT NULL,
			ordinal INTEGER NOT NULL,
			mode VARCHAR(8) NOT NULL,
			reason_hash CHAR(64),
			reason_json TEXT,
			recorded_at VARCHAR(40) NOT NULL,
			CONSTRAINT uq_routing_ordinal UNIQUE (routing_group_id, ordinal)
		)`,
		indexes: []string{
			"CREATE INDEX IF NOT EXISTS idx_routing_state ON routing_events(state_id)",
		},
	},
	{
		name: "batches",
		create: `CREATE TABLE IF NOT EXISTS batches (
			batch_id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL REFERENCES runs(run_id),
			aggregation_node_id VARCHAR(64) NOT NULL REFERENCES nodes(node_id),
			attempt INTEGER NOT NULL,
			status VARCHAR(12) NOT NULL,
			trigger_type VARCHAR(16),
			created_at VARCHAR(40) NOT NULL,
			completed_at VARCHAR(40)
		)`,
		indexes: []string{
			"CREATE INDEX IF NOT EXISTS idx_batches_node ON batches(aggregation_node_id, status)",
		},
	},
	{
		name: "batch_members",
		create: `CREATE TABLE IF NOT EXISTS batch_members (
			batch_id VARCHAR(64) NOT NULL REFERENCES batches(batch_id),
			token_id VARCHAR(64) NOT NULL REFERENCES tokens(token_id),
			ordinal INTEGER NOT NULL,
			PRIMARY KEY (batch_id, token_id),
			CONSTRAINT uq_batch_members_ordinal UNIQUE (batch_id, ordinal)
		)`,
	},
	{
		name: "batch_outputs",
		create: `CREATE TABLE IF NOT EXISTS batch_outputs (
			batch_id VARCHAR(64) NOT NULL REFERENCES batches(batch_id),
			output_token_id VARCHAR(64) NOT NULL REFERENCES tokens(token_id),
			ordinal INTEGER NOT NULL,
			PRIMARY KEY (batch_id, output_token_id),
			CONSTRAINT uq_batch_outputs_ordinal UNIQUE (batch_id, ordinal)
		)`,
	},
	{
		name: "artifacts",
		create: `CREATE TABLE IF NOT EXISTS artifacts (
			artifact_id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL REFERENCES runs(run_id),
			sink_node_id VARCHAR(64) NOT NULL REFERENCES nodes(node_id),
			state_id VARCHAR(64) REFERENCES node_states(state_id),
			path_or_uri TEXT NOT NULL,
			content_hash CHAR(64) NOT NULL,
			size_bytes BIGINT NOT NULL,
			content_type VARCHAR(128),
			idempotency_key VARCHAR(128),
			created_at VARCHAR(40) NOT NULL
		)`,
		indexes: []string{
			"CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id)",
		},
	},
	{
		name: "checkpoints",
		create: `CREATE TABLE IF NOT EXISTS checkpoints (
			checkpoint_id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL REFERENCES runs(run_id),
			token_id VARCHAR(64) NOT NULL REFERENCES tokens(token_id),
			node_id VARCHAR(64) NOT NULL REFERENCES nodes(node_id),
			sequence_number BIGINT NOT NULL,
			upstream_topology_hash CHAR(64) NOT NULL,
			checkpoint_node_config_hash CHAR(64) NOT NULL,
			format_version INT NOT NULL,
			aggregation_state_json TEXT,
			created_at VARCHAR(40) NOT NULL,
			CONSTRAINT uq_checkpoints_seq UNIQUE (run_id, sequence_number)
		)`,
	},
	{
		name: "validation_errors",
		create: `CREATE TABLE IF NOT EXISTS validation_errors (
			error_id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL REFERENCES runs(run_id),
			node_id VARCHAR(64) REFERENCES nodes(node_id),
			row_id VARCHAR(64) REFERENCES source_rows(row_id),
			token_id VARCHAR(64) REFERENCES tokens(token_id),
			error_json TEXT NOT NULL,
			row_data_repr TEXT,
			repr_hash CHAR(64),
			recorded_at VARCHAR(40) NOT NULL
		)`,
		indexes: []string{
			"CREATE INDEX IF NOT EXISTS idx_validation_errors_run ON validation_errors(run_id)",
		},
	},
	{
		name: "transform_errors",
		create: `CREATE TABLE IF NOT EXISTS transform_errors (
			error_id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL REFERENCES runs(run_id),
			state_id VARCHAR(64) NOT NULL REFERENCES node_states(state_id),
			token_id VARCHAR(64) NOT NULL REFERENCES tokens(token_id),
			reason_json TEXT NOT NULL,
			recorded_at VARCHAR(40) NOT NULL
		)`,
		indexes: []string{
			"CREATE INDEX IF NOT EXISTS idx_transform_errors_run ON transform_errors(run_id)",
		},
	},
	{
		name: "secret_resolutions",
		create: `CREATE TABLE IF NOT EXISTS secret_resolutions (
			resolution_id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL REFERENCES runs(run_id),
			node_id VARCHAR(64) REFERENCES nodes(node_id),
			secret_name VARCHAR(255) NOT NULL,
			source VARCHAR(16) NOT NULL,
			fingerprint CHAR(16) NOT NULL,
			resolved_at VARCHAR(40) NOT NULL
		)`,
	},
}

// requiredColumns names the columns the schema validator checks on an
// existing database before any write. Kept in sync with the DDL above;
// missing entries fail startup with a pointed message instead of a SQL
// error halfway through a run.
var requiredColumns = map[string][]string{
	"runs":               {"run_id", "started_at", "completed_at", "status", "config_hash", "settings_json", "canonical_version", "run_mode", "source_run_id"},
	"nodes":              {"node_id", "run_id", "node_name", "plugin_name", "node_type", "determinism", "config_hash", "config_json", "sequence_index"},
	"edges":              {"edge_id", "run_id", "from_node", "to_node", "label", "default_mode"},
	"source_rows":        {"row_id", "run_id", "source_node_id", "row_index", "source_data_hash", "payload_ref"},
	"tokens":             {"token_id", "run_id", "row_id", "fork_group_id", "join_group_id", "expand_group_id", "branch_name"},
	"token_parents":      {"child_token_id", "parent_token_id", "ordinal"},
	"token_outcomes":     {"token_id", "run_id", "outcome", "sink_name", "recorded_at"},
	"node_states":        {"state_id", "run_id", "token_id", "node_id", "step_index", "attempt", "status", "input_hash", "output_hash", "started_at", "completed_at"},
	"operations":         {"operation_id", "run_id", "node_id", "operation_type", "status"},
	"calls":              {"call_id", "state_id", "call_index", "call_type", "status", "request_hash", "response_hash"},
	"routing_events":     {"event_id", "state_id", "edge_id", "routing_group_id", "ordinal", "mode"},
	"batches":            {"batch_id", "run_id", "aggregation_node_id", "attempt", "status", "trigger_type"},
	"batch_members":      {"batch_id", "token_id", "ordinal"},
	"batch_outputs":      {"batch_id", "output_token_id", "ordinal"},
	"artifacts":          {"artifact_id", "run_id", "sink_node_id", "path_or_uri", "content_hash", "size_bytes"},
	"checkpoints":        {"checkpoint_id", "run_id", "token_id", "node_id", "sequence_number", "upstream_topology_hash", "checkpoint_node_config_hash", "format_version"},
	"validation_errors":  {"error_id", "run_id", "error_json", "row_data_repr", "repr_hash"},
	"transform_errors":   {"error_id", "run_id", "state_id", "token_id", "reason_json"},
	"secret_resolutions": {"resolution_id", "run_id", "secret_name", "source", "fingerprint"},
}

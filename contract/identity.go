package contract

import (
	"github.com/oklog/ulid/v2"
)

// ID prefixes keep identifiers self-describing in logs and audit queries.
// The suffix is a ULID: sortable by creation time, collision-free without
// coordination.
const (
	PrefixRun         = "run"
	PrefixRow         = "row"
	PrefixToken       = "tok"
	PrefixState       = "st"
	PrefixBatch       = "bat"
	PrefixCall        = "call"
	PrefixOperation   = "op"
	PrefixArtifact    = "art"
	PrefixEvent       = "evt"
	PrefixCheckpoint  = "ckpt"
	PrefixForkGroup   = "fork"
	PrefixJoinGroup   = "join"
	PrefixExpandGroup = "exp"
	PrefixRouteGroup  = "rg"
	PrefixFrame       = "frame"
	PrefixProxy       = "proxy"
)

// NewID returns a prefixed ULID, e.g. "tok_01J8ZWQ6XKR2V9NT3H5M7P4QSD".
func NewID(prefix string) string {
	return prefix + "_" + ulid.Make().String()
}

// TokenInfo is the identity handed to plugins along with the row: enough to
// attribute external calls, payloads, and telemetry to the exact token and
// node state, never enough to reach back into the engine.
type TokenInfo struct {
	RunID    string
	TokenID  string
	RowIndex int
	NodeID   string
	NodeName string
	StateID  string
	Attempt  int
}

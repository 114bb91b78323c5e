// Package plugin defines the protocol between the engine and the code it
// executes: sources, transforms, gates, and sinks, plus the registry the
// engine resolves plugin names through and the context handed to every
// invocation.
package plugin

import (
	"context"
	"log/slog"

	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/landscape"
)

// Caller routes an external call according to the run mode. In a live
// run invoke is called and the exchange is recorded; in replay the
// answer comes from a prior run's audit trail and invoke never runs; in
// verify both happen and divergence is recorded. Plugins that talk to
// anything outside the process must make every call through this
// interface or the run cannot be replayed.
type Caller interface {
	Call(ctx context.Context, req contract.CallRequest, invoke func(context.Context) (contract.CallResponse, error)) (contract.CallResponse, error)
}

// SecretResolver resolves a named secret at runtime. Resolutions are
// recorded in the audit trail by fingerprint, never by value.
type SecretResolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// Context carries the engine-owned facilities available to one plugin
// invocation. The identifiers locate the invocation in the audit trail;
// plugins include them when reporting problems.
type Context struct {
	RunID   string
	NodeID  string
	TokenID string
	StateID string

	Calls    Caller
	Secrets  SecretResolver
	Payloads *landscape.PayloadStore
	Log      *slog.Logger
}

// Logger returns the context's logger, defaulting to slog.Default so
// plugin code never has to nil-check.
func (c *Context) Logger() *slog.Logger {
	if c == nil || c.Log == nil {
		return slog.Default()
	}
	return c.Log
}

// Source produces the rows a run processes. Implementations validate
// each record against their declared contract and emit either a valid
// row or a quarantined record; the engine never sees unvalidated data
// outside a quarantine wrapper.
type Source interface {
	// Load streams records through emit until the source is exhausted.
	// An error returned by emit means the engine wants the stream
	// stopped; Load must return it unchanged.
	Load(ctx context.Context, pctx *Context, emit func(contract.SourceRow) error) error

	// Contract returns the source's output contract. Never nil: a
	// source that cannot state its fields declares an observed
	// contract.
	Contract() *contract.Contract

	Close(ctx context.Context) error
}

// Transform maps one row to a result: a success carrying one or more
// output rows, or a structured failure. Infrastructure problems are
// returned as the error; row-level problems belong inside the result.
type Transform interface {
	Process(ctx context.Context, pctx *Context, row contract.Row) (contract.TransformResult, error)
}

// BatchTransform consumes a whole aggregation buffer at flush. The
// result's rows become new tokens; a multi-row result must carry a
// contract covering the union of output fields.
type BatchTransform interface {
	ProcessBatch(ctx context.Context, pctx *Context, rows []contract.Row) (contract.TransformResult, error)
}

// Gate decides where a row goes next. The returned action names edge
// labels; the graph resolved every label at build time, so a gate can
// never route into the void.
type Gate interface {
	Evaluate(ctx context.Context, pctx *Context, row contract.Row) (contract.GateResult, error)
}

// Sink delivers rows somewhere durable and proves it.
type Sink interface {
	// Write persists rows and returns artifact evidence with the
	// content hash and byte size of what was written.
	Write(ctx context.Context, pctx *Context, rows []contract.Row) (contract.SinkResult, error)

	// Flush blocks until every prior Write is durable. The engine
	// calls this before recording a checkpoint; once it returns, those
	// writes are never replayed on resume.
	Flush(ctx context.Context) error

	Close(ctx context.Context) error

	// SupportsResume reports whether the sink can continue into
	// existing output. Resume is rejected up front when any configured
	// sink reports false.
	SupportsResume() bool

	// ConfigureForResume switches the sink from truncate to append
	// before any Write. Only called when SupportsResume is true.
	ConfigureForResume() error
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/elspeth-run/elspeth/config"
	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/plugin"
	"github.com/elspeth-run/elspeth/plugin/builtin"
	"github.com/elspeth-run/elspeth/sandbox"
)

// cmdWorker is the subprocess side of the sandbox: frames in on stdin,
// frames out on stdout, until stdin closes.
func cmdWorker() {
	if err := sandbox.RunWorker(os.Stdin, os.Stdout, builtin.WorkerTransforms()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntime)
	}
	os.Exit(exitOK)
}

// startSandbox launches the worker pool and reroutes every eligible
// transform binding through it. Eligible means the plugin has a registered
// worker core; everything else keeps running in-process.
func startSandbox(s *config.Settings, p *config.Pipeline) (*sandbox.Pool, error) {
	pool, err := sandbox.NewPool(sandbox.PoolConfig{
		Workers:    s.Sandbox.Workers,
		Grace:      time.Duration(s.Sandbox.GraceSeconds * float64(time.Second)),
		BlockedEnv: []string{s.SigningKeyEnv},
	})
	if err != nil {
		return nil, err
	}
	if err := pool.Start(); err != nil {
		return nil, err
	}

	workers := builtin.WorkerTransforms()
	for nodeID, b := range p.Bindings {
		if b.Transform == nil {
			continue
		}
		if _, ok := workers[b.Info.Name]; !ok {
			continue
		}
		node, err := p.Graph.NodeInfo(nodeID)
		if err != nil {
			_ = pool.Close()
			return nil, err
		}
		var cfg map[string]any
		if len(node.ConfigJSON) > 0 {
			if err := json.Unmarshal(node.ConfigJSON, &cfg); err != nil {
				_ = pool.Close()
				return nil, fmt.Errorf("node %s config: %w", node.Name, err)
			}
		}
		b.Transform = &sandboxedTransform{pool: pool, name: b.Info.Name, config: cfg}
	}
	return pool, nil
}

// sandboxedTransform runs a transform's worker core in a subprocess
// instead of in-process. The engine sees an ordinary Transform; isolation
// is invisible to routing, retries, and the audit trail.
type sandboxedTransform struct {
	pool   *sandbox.Pool
	name   string
	config map[string]any
}

func (t *sandboxedTransform) Process(ctx context.Context, pctx *plugin.Context, row contract.Row) (contract.TransformResult, error) {
	out, err := t.pool.ExecBatch(ctx, t.name, []map[string]any{row.Data()}, t.config)
	if err != nil {
		return contract.TransformResult{}, err
	}

	reason := contract.SuccessReason{
		Action:   "transform",
		Metadata: map[string]any{"isolation": "subprocess", "worker_transform": t.name},
	}
	if len(out) == 0 {
		return contract.TransformSuccessEmpty(reason)
	}
	observed := contract.NewObservedContract()
	if len(out) == 1 {
		return contract.TransformSuccess(contract.NewRow(out[0], observed), reason)
	}
	rows := make([]contract.Row, len(out))
	for i, data := range out {
		rows[i] = contract.NewRow(data, observed)
	}
	return contract.TransformSuccessMulti(rows, reason)
}

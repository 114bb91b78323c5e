package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/elspeth-run/elspeth/secure"
)

// PoolConfig configures a worker pool. The zero value is usable: one worker
// running the current binary in worker mode, five-second shutdown grace,
// fresh custody structures.
type PoolConfig struct {
	// Workers is the number of subprocesses to keep.
	Workers int

	// Command and Args name the worker binary. They default to the
	// current executable with a single "worker" argument, which is the
	// hidden subcommand the CLI reserves for this.
	Command string
	Args    []string

	// Grace bounds each stage of shutdown: stdin close, then SIGTERM,
	// then SIGKILL.
	Grace time.Duration

	// SecurityLevel is assigned to every frame the pool registers.
	SecurityLevel int

	// BlockedEnv lists exact variable names scrubbed from worker
	// environments on top of the built-in fragment blocklist. The
	// signing key variable belongs here.
	BlockedEnv []string

	Registry *secure.FrameRegistry
	Proxies  *secure.ProxyTable

	// Stderr receives worker diagnostics. Defaults to os.Stderr.
	Stderr io.Writer

	Log *slog.Logger
}

// Pool owns a fixed set of worker subprocesses and the custody bookkeeping
// around every batch it sends them. Data flows out as rows pinned to a
// registered frame, the worker holds only a proxy handle, and results come
// back through an approved mutation that recomputes the frame digest and
// bumps the proxy version.
type Pool struct {
	cfg  PoolConfig
	idle chan *worker
	seq  atomic.Uint64

	mu      sync.Mutex
	started bool
	closed  bool
	spawned int
}

type worker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	broken bool
}

// NewPool validates the config and fills defaults. No processes start until
// Start.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Second
	}
	if cfg.Command == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating worker binary: %w", err)
		}
		cfg.Command = exe
	}
	if cfg.Args == nil {
		cfg.Args = []string{"worker"}
	}
	if cfg.SecurityLevel < secure.MinSecurityLevel || cfg.SecurityLevel > secure.MaxSecurityLevel {
		return nil, fmt.Errorf("security level must be between %d and %d, got %d",
			secure.MinSecurityLevel, secure.MaxSecurityLevel, cfg.SecurityLevel)
	}
	if cfg.Registry == nil {
		cfg.Registry = secure.NewFrameRegistry()
	}
	if cfg.Proxies == nil {
		cfg.Proxies = secure.NewProxyTable()
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Pool{cfg: cfg, idle: make(chan *worker, cfg.Workers)}, nil
}

// Start spawns the workers. Each gets a scrubbed environment and only its
// stdio; the pipes os/exec creates are close-on-exec, so no orchestrator
// descriptor leaks across the fork.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("sandbox pool already started")
	}
	if p.closed {
		return fmt.Errorf("sandbox pool is closed")
	}
	for i := 0; i < p.cfg.Workers; i++ {
		w, err := p.spawn()
		if err != nil {
			for j := 0; j < p.spawned; j++ {
				if stopErr := p.stopWorker(<-p.idle); stopErr != nil {
					p.cfg.Log.Warn("stopping worker after failed pool start", "error", stopErr)
				}
			}
			p.spawned = 0
			return err
		}
		p.idle <- w
		p.spawned++
	}
	p.started = true
	return nil
}

func (p *Pool) spawn() (*worker, error) {
	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Env = ScrubEnv(os.Environ(), p.cfg.BlockedEnv...)
	cmd.Stderr = p.cfg.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting sandbox worker: %w", err)
	}
	p.cfg.Log.Debug("sandbox worker started", "pid", cmd.Process.Pid, "command", p.cfg.Command)
	return &worker{cmd: cmd, stdin: stdin, stdout: bufio.NewReader(stdout)}, nil
}

// ExecBatch sends rows through the named worker transform and returns the
// transformed rows. The rows are registered as a frame for the duration of
// the call; the worker addresses them only by proxy id, and the result is
// applied as an approved mutation before the frame is retired.
//
// Cancellation is honored while waiting for a free worker. Once the
// exchange is in flight it runs to completion.
func (p *Pool) ExecBatch(ctx context.Context, transform string, rows []map[string]any, config map[string]any) ([]map[string]any, error) {
	frameID, err := p.cfg.Registry.Register(&secure.Frame{Rows: rows}, p.cfg.SecurityLevel)
	if err != nil {
		return nil, err
	}
	defer func() { _ = p.cfg.Registry.Deregister(frameID) }()
	proxyID, err := p.cfg.Proxies.Issue(frameID)
	if err != nil {
		return nil, err
	}
	defer p.cfg.Proxies.Revoke(proxyID)

	w, err := p.checkout(ctx)
	if err != nil {
		return nil, err
	}

	req := &Request{
		ID:        p.seq.Add(1),
		Transform: transform,
		ProxyID:   proxyID,
		Rows:      rows,
		Config:    config,
	}
	var resp Response
	if err := WriteFrame(w.stdin, req); err != nil {
		p.retire(w)
		return nil, fmt.Errorf("sending batch to worker: %w", err)
	}
	if err := ReadFrame(w.stdout, &resp); err != nil {
		p.retire(w)
		return nil, fmt.Errorf("reading worker response: %w", err)
	}
	if resp.ID != req.ID {
		p.retire(w)
		return nil, fmt.Errorf("worker answered request %d with response %d", req.ID, resp.ID)
	}
	p.checkin(w)

	if resp.Exception != nil {
		return nil, fmt.Errorf("transform %s: %w", transform, resp.Exception)
	}
	if !resp.OK {
		return nil, fmt.Errorf("worker returned neither rows nor an exception for request %d", req.ID)
	}

	if _, err := p.cfg.Registry.ApproveMutation(frameID, func(f *secure.Frame) error {
		f.Rows = resp.Rows
		return nil
	}); err != nil {
		return nil, err
	}
	if _, err := p.cfg.Proxies.BumpVersion(proxyID); err != nil {
		return nil, err
	}
	frame, err := p.cfg.Registry.Frame(frameID)
	if err != nil {
		return nil, err
	}
	return frame.Rows, nil
}

func (p *Pool) checkout(ctx context.Context) (*worker, error) {
	p.mu.Lock()
	running := p.started && !p.closed
	p.mu.Unlock()
	if !running {
		return nil, fmt.Errorf("sandbox pool is not running")
	}

	var w *worker
	select {
	case w = <-p.idle:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if !w.broken {
		return w, nil
	}
	// The slot's worker died earlier; revive it now.
	replacement, err := p.spawn()
	if err != nil {
		p.idle <- w
		return nil, fmt.Errorf("no sandbox worker available: %w", err)
	}
	return replacement, nil
}

func (p *Pool) checkin(w *worker) { p.idle <- w }

// retire takes a desynced worker out of rotation, leaving a broken token in
// the channel so pool accounting stays exact.
func (p *Pool) retire(w *worker) {
	if err := p.stopWorker(w); err != nil {
		p.cfg.Log.Warn("retiring failed sandbox worker", "error", err)
	}
	w.broken = true
	p.idle <- w
}

// Close shuts every worker down. It waits for in-flight batches to return
// their workers, then walks each through the shutdown ladder: close stdin,
// wait, SIGTERM, wait, SIGKILL.
func (p *Pool) Close() error {
	p.mu.Lock()
	if !p.started || p.closed {
		p.closed = true
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	n := p.spawned
	p.mu.Unlock()

	var errs []error
	for i := 0; i < n; i++ {
		w := <-p.idle
		if w.broken {
			continue
		}
		if err := p.stopWorker(w); err != nil {
			errs = append(errs, fmt.Errorf("stopping sandbox worker: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) stopWorker(w *worker) error {
	_ = w.stdin.Close()
	done := make(chan error, 1)
	go func() { done <- w.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(p.cfg.Grace):
	}
	pid := w.cmd.Process.Pid
	p.cfg.Log.Warn("sandbox worker ignored stdin close, sending SIGTERM", "pid", pid)
	if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.cfg.Log.Warn("sandbox worker SIGTERM failed", "pid", pid, "error", err)
	}
	select {
	case err := <-done:
		return err
	case <-time.After(p.cfg.Grace):
	}
	p.cfg.Log.Warn("sandbox worker ignored SIGTERM, sending SIGKILL", "pid", pid)
	if err := w.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing worker %d: %w", pid, err)
	}
	return <-done
}

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/elspeth-run/elspeth/contract"
)

// ResultPort is the shared output port handed to batch-aware transforms.
// N rows may be in flight into one plugin at a time; each caller registers
// a waiter keyed by (token, state) before submitting its row, and the plugin
// releases results through Emit in whatever order it likes. Results whose
// waiter is gone (a timed-out attempt, usually) are discarded and counted.
//
// One mutex guards the waiter map. Delivery itself happens outside the hot
// path through a buffered channel per waiter, so Emit never blocks.
type ResultPort struct {
	mu      sync.Mutex
	waiters map[waiterKey]*Waiter
	stale   int
	log     *slog.Logger
}

type waiterKey struct {
	tokenID string
	stateID string
}

type delivery struct {
	result contract.TransformResult
	err    error
}

// Waiter is one caller's slot for one attempt. A retry registers a fresh
// waiter under the new state id; the old attempt's late result then has
// nowhere to land and is discarded.
type Waiter struct {
	port *ResultPort
	key  waiterKey
	ch   chan delivery
}

// NewResultPort creates an empty port. A nil logger falls back to
// slog.Default().
func NewResultPort(log *slog.Logger) *ResultPort {
	if log == nil {
		log = slog.Default()
	}
	return &ResultPort{waiters: make(map[waiterKey]*Waiter), log: log}
}

// Register creates the waiter for one (token, state) attempt. It must be
// called before the row is submitted to the plugin, or the result could
// arrive with nowhere to go. Registering the same pair twice is a scheduler
// bug, not a recoverable condition.
func (p *ResultPort) Register(tokenID, stateID string) (*Waiter, error) {
	key := waiterKey{tokenID: tokenID, stateID: stateID}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.waiters[key]; exists {
		return nil, fmt.Errorf("waiter already registered for token %s state %s", tokenID, stateID)
	}
	w := &Waiter{port: p, key: key, ch: make(chan delivery, 1)}
	p.waiters[key] = w
	return w, nil
}

// Emit routes a plugin result to the waiter registered for (tokenID,
// stateID). A result with no waiter is stale: the attempt timed out and a
// retry is underway under a new state id. Stale results are dropped and
// counted, never delivered to the wrong attempt.
func (p *ResultPort) Emit(tokenID string, result contract.TransformResult, stateID string) {
	p.deliver(tokenID, stateID, delivery{result: result})
}

// EmitError routes an infrastructure failure (panic, transport error) to the
// waiter the same way Emit routes a result.
func (p *ResultPort) EmitError(tokenID string, err error, stateID string) {
	p.deliver(tokenID, stateID, delivery{err: err})
}

func (p *ResultPort) deliver(tokenID, stateID string, d delivery) {
	key := waiterKey{tokenID: tokenID, stateID: stateID}
	p.mu.Lock()
	w, ok := p.waiters[key]
	if ok {
		delete(p.waiters, key)
	} else {
		p.stale++
	}
	stale := p.stale
	p.mu.Unlock()

	if !ok {
		p.log.Warn("discarding stale batch result",
			"token_id", tokenID, "state_id", stateID, "stale_total", stale)
		return
	}
	w.ch <- d
}

// StaleDiscards returns how many results arrived after their waiter was
// gone.
func (p *ResultPort) StaleDiscards() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stale
}

// Pending returns the number of registered waiters still awaiting a result.
func (p *ResultPort) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// Await blocks until the plugin emits for this waiter, the timeout passes,
// or ctx is cancelled. timeout <= 0 means no per-attempt timeout.
//
// On timeout or cancellation the waiter removes its pending entry and drains
// any result that raced in, so a slow plugin leaks nothing; its late Emit
// lands in the stale counter. A timed-out attempt returns
// *ResultTimeoutError, which the retry policy treats as retryable.
func (w *Waiter) Await(ctx context.Context, timeout time.Duration) (contract.TransformResult, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case d := <-w.ch:
		return d.result, d.err
	case <-expired:
		w.cancel()
		return contract.TransformResult{}, &ResultTimeoutError{
			TokenID: w.key.tokenID, StateID: w.key.stateID, Duration: timeout,
		}
	case <-ctx.Done():
		w.cancel()
		return contract.TransformResult{}, ctx.Err()
	}
}

// cancel removes the pending entry and discards a result that raced in
// between the select firing and the map cleanup.
func (w *Waiter) cancel() {
	w.port.mu.Lock()
	delete(w.port.waiters, w.key)
	w.port.mu.Unlock()
	select {
	case <-w.ch:
	default:
	}
}

// ResultTimeoutError reports an attempt whose plugin did not emit within the
// per-transform deadline. The run continues; the state is recorded FAILED
// and the retry policy decides whether another attempt follows.
type ResultTimeoutError struct {
	TokenID  string
	StateID  string
	Duration time.Duration
}

func (e *ResultTimeoutError) Error() string {
	return fmt.Sprintf("no result for token %s state %s within %s", e.TokenID, e.StateID, e.Duration)
}

// Timeout marks the error retryable under DefaultRetryable.
func (e *ResultTimeoutError) Timeout() bool { return true }

// PluginPanicError wraps a panic recovered from plugin code running on a
// worker goroutine. The coordinator must see the real bug, not a generic
// failure, so the panic value and stack travel with the error.
type PluginPanicError struct {
	Plugin string
	Value  any
	Stack  string
}

func (e *PluginPanicError) Error() string {
	return fmt.Sprintf("plugin %s panicked: %v", e.Plugin, e.Value)
}

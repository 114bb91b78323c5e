package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/telemetry"
)

// CallRouter dispatches a plugin's external call according to the run
// mode: live calls hit the network and land in the audit trail, replay
// serves recorded responses without touching the network, verify does
// both and compares. Route runs on worker goroutines; implementations
// must be safe for concurrent use.
type CallRouter interface {
	Route(ctx context.Context, nodeID, tokenID, stateID string, req contract.CallRequest, invoke func(context.Context) (contract.CallResponse, error)) (contract.CallResponse, error)
}

// boundCaller pins a router to one node state. Plugins see the narrow
// Caller surface; the audit trail keeps full attribution.
type boundCaller struct {
	router  CallRouter
	nodeID  string
	tokenID string
	stateID string
}

func (b *boundCaller) Call(ctx context.Context, req contract.CallRequest, invoke func(context.Context) (contract.CallResponse, error)) (contract.CallResponse, error) {
	return b.router.Route(ctx, b.nodeID, b.tokenID, b.stateID, req, invoke)
}

// CallLog buffers call telemetry raised on worker goroutines until the
// coordinator drains it. The telemetry manager is not safe for concurrent
// use, so nothing on a worker may emit directly.
type CallLog struct {
	runID string

	mu     sync.Mutex
	events []telemetry.CallRecorded
}

// NewCallLog builds a log whose events carry the run id.
func NewCallLog(runID string) *CallLog {
	return &CallLog{runID: runID}
}

func (l *CallLog) add(stateID, callID string, callType contract.CallType, status contract.CallStatus, latency time.Duration) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, telemetry.CallRecorded{
		RunID:   l.runID,
		StateID: stateID,
		CallID:  callID,
		Type:    callType,
		Status:  status,
		Latency: latency,
	})
}

// Drain returns the buffered events and empties the log.
func (l *CallLog) Drain() []telemetry.CallRecorded {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.events
	l.events = nil
	return out
}

// LiveCallRouter executes calls against the real environment through the
// call recorder.
type LiveCallRouter struct {
	Recorder *CallRecorder
}

func (r *LiveCallRouter) Route(ctx context.Context, _, _, stateID string, req contract.CallRequest, invoke func(context.Context) (contract.CallResponse, error)) (contract.CallResponse, error) {
	return r.Recorder.Record(ctx, stateID, req, invoke)
}

// ReleaseState forwards the coordinator's state-closed notice so the
// recorder can drop its call-index counter.
func (r *LiveCallRouter) ReleaseState(stateID string) { r.Recorder.ReleaseState(stateID) }

// RecordedCallError reproduces a call failure from the source run. Replay
// surfaces it in place of the network error, so the row fails the same way
// it failed live.
type RecordedCallError struct {
	CallType contract.CallType
	Detail   string
}

func (e *RecordedCallError) Error() string {
	return fmt.Sprintf("recorded %s call failed in source run: %s", e.CallType, e.Detail)
}

// ReplayCallRouter serves calls from a source run's recordings. invoke is
// never executed and nothing is written: replayed calls are reads of the
// audit trail, not new facts.
type ReplayCallRouter struct {
	Replayer *Replayer
}

func (r *ReplayCallRouter) Route(ctx context.Context, _, _, _ string, req contract.CallRequest, _ func(context.Context) (contract.CallResponse, error)) (contract.CallResponse, error) {
	replayed, err := r.Replayer.Lookup(ctx, req)
	if err != nil {
		return contract.CallResponse{}, err
	}
	if replayed.Status == contract.CallError {
		return contract.CallResponse{}, &RecordedCallError{CallType: req.CallType, Detail: replayed.Error}
	}
	return replayed.Response, nil
}

// VerifyCallRouter performs and records the live call, then compares it
// against the source run's recording. Divergences are persisted by the
// verifier; the router counts them for the run summary.
type VerifyCallRouter struct {
	Verifier *Verifier

	mu          sync.Mutex
	divergences int
}

func (r *VerifyCallRouter) Route(ctx context.Context, nodeID, tokenID, stateID string, req contract.CallRequest, invoke func(context.Context) (contract.CallResponse, error)) (contract.CallResponse, error) {
	resp, div, err := r.Verifier.Verify(ctx, stateID, nodeID, tokenID, req, invoke)
	if div != nil {
		r.mu.Lock()
		r.divergences++
		r.mu.Unlock()
	}
	return resp, err
}

// Divergences reports how many verified calls differed from their
// recordings so far.
func (r *VerifyCallRouter) Divergences() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.divergences
}

// ReleaseState forwards the coordinator's state-closed notice to the live
// recorder behind the verifier.
func (r *VerifyCallRouter) ReleaseState(stateID string) { r.Verifier.ReleaseState(stateID) }

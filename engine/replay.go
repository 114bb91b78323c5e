package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/elspeth-run/elspeth/canonical"
	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/landscape"
)

// maxTextBody caps non-JSON body capture in the audit trail.
const maxTextBody = 100 << 10

// Request headers elided from audit records. Beyond the exact set, any
// header whose lowercase name contains auth, key, secret, or token is
// elided.
var sensitiveRequestHeaders = map[string]bool{
	"authorization":       true,
	"x-api-key":           true,
	"api-key":             true,
	"x-auth-token":        true,
	"proxy-authorization": true,
}

// Response headers elided from audit records.
var sensitiveResponseHeaders = map[string]bool{
	"set-cookie":         true,
	"www-authenticate":   true,
	"proxy-authenticate": true,
	"x-auth-token":       true,
}

var sensitiveNameParts = []string{"auth", "key", "secret", "token"}

// FilterRequestHeaders drops credential-bearing request headers. The
// returned map is a copy; the input is never mutated.
func FilterRequestHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		lower := strings.ToLower(name)
		if sensitiveRequestHeaders[lower] || containsSensitivePart(lower) {
			continue
		}
		out[name] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// FilterResponseHeaders drops session and challenge headers from a
// response.
func FilterResponseHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		if sensitiveResponseHeaders[strings.ToLower(name)] {
			continue
		}
		out[name] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func containsSensitivePart(lower string) bool {
	for _, part := range sensitiveNameParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// captureBody normalizes a body for audit storage. Structured values stay
// structured; text and bytes are parsed as JSON when they are JSON and
// otherwise stored as text truncated to 100 KiB.
func captureBody(v any) any {
	switch b := v.(type) {
	case nil:
		return nil
	case []byte:
		return captureText(string(b))
	case string:
		return captureText(b)
	default:
		return v
	}
}

func captureText(s string) any {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid([]byte(trimmed)) {
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return parsed
		}
	}
	if len(s) > maxTextBody {
		return s[:maxTextBody]
	}
	return s
}

// filteredRequest is the canonical form that gets hashed and persisted.
func filteredRequest(req contract.CallRequest) map[string]any {
	out := map[string]any{"call_type": string(req.CallType)}
	if req.Method != "" {
		out["method"] = req.Method
	}
	if req.URL != "" {
		out["url"] = req.URL
	}
	if h := FilterRequestHeaders(req.Headers); h != nil {
		out["headers"] = h
	}
	if body := captureBody(req.Body); body != nil {
		out["body"] = body
	}
	return out
}

// RequestHash computes the replay key for a call: the canonical hash of the
// request after sensitive headers are elided and the body normalized.
func RequestHash(req contract.CallRequest) (string, error) {
	data, err := canonical.MarshalCanonical(filteredRequest(req))
	if err != nil {
		return "", fmt.Errorf("request does not canonicalize: %w", err)
	}
	return canonical.HashBytes(data), nil
}

// CallRecorder wraps live external calls: it hashes the request, stores
// request and response bodies in the payload store, measures latency, and
// writes the Call row against the caller's open node state. Plugins on LIVE
// runs route every external call through one of these.
type CallRecorder struct {
	rec      *landscape.Recorder
	payloads *landscape.PayloadStore
	clock    Clock
	log      *CallLog

	mu      sync.Mutex
	indices map[string]int
}

// NewCallRecorder builds a recorder. A nil clock uses real time.
func NewCallRecorder(rec *landscape.Recorder, payloads *landscape.PayloadStore, clock Clock) (*CallRecorder, error) {
	if rec == nil || payloads == nil {
		return nil, fmt.Errorf("call recorder requires a recorder and a payload store")
	}
	if clock == nil {
		clock = RealClock()
	}
	return &CallRecorder{rec: rec, payloads: payloads, clock: clock, indices: map[string]int{}}, nil
}

// LogTo buffers call telemetry in l for the coordinator to drain. Set it
// before the run starts; reassignment is not synchronized.
func (c *CallRecorder) LogTo(l *CallLog) { c.log = l }

// allocateIndex reserves the next call_index for a state. Indices are
// allocated under one lock so concurrent clients within a state never
// collide on UNIQUE(state_id, call_index). States are created fresh per
// attempt, so the counter never needs reseeding from the database.
func (c *CallRecorder) allocateIndex(stateID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.indices[stateID]
	c.indices[stateID] = idx + 1
	return idx
}

// ReleaseState drops the call-index counter for a closed state. Without
// this the counter map would grow by one entry per state for the life of
// the run.
func (c *CallRecorder) ReleaseState(stateID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.indices, stateID)
}

// Record invokes the call and persists its audit row. The response is
// returned as-is along with invoke's error; recording failures take
// precedence because a call the audit trail cannot see must not be used.
func (c *CallRecorder) Record(ctx context.Context, stateID string, req contract.CallRequest, invoke func(context.Context) (contract.CallResponse, error)) (contract.CallResponse, error) {
	reqData, err := canonical.MarshalCanonical(filteredRequest(req))
	if err != nil {
		return contract.CallResponse{}, fmt.Errorf("request does not canonicalize: %w", err)
	}
	requestHash := canonical.HashBytes(reqData)
	requestRef, err := c.payloads.Store(reqData)
	if err != nil {
		return contract.CallResponse{}, fmt.Errorf("storing request payload: %w", err)
	}

	start := c.clock.Now()
	resp, invokeErr := invoke(ctx)
	elapsed := c.clock.Now().Sub(start)

	params := landscape.CallParams{
		CallID:      contract.NewID(contract.PrefixCall),
		StateID:     stateID,
		CallIndex:   c.allocateIndex(stateID),
		CallType:    req.CallType,
		RequestHash: requestHash,
		RequestRef:  requestRef,
		LatencyMS:   elapsed.Milliseconds(),
	}

	if invokeErr != nil {
		params.Status = contract.CallError
		params.Error = map[string]any{
			"error": invokeErr.Error(),
			"type":  fmt.Sprintf("%T", invokeErr),
		}
	} else {
		params.Status = contract.CallSuccess
	}

	stored := contract.CallResponse{
		Status:  resp.Status,
		Headers: FilterResponseHeaders(resp.Headers),
		Body:    captureBody(resp.Body),
	}
	if invokeErr == nil || stored.Status != 0 || stored.Body != nil {
		respData, merr := canonical.MarshalCanonical(stored)
		if merr != nil {
			return contract.CallResponse{}, fmt.Errorf("response does not canonicalize: %w", merr)
		}
		params.ResponseHash = canonical.HashBytes(respData)
		if params.ResponseRef, merr = c.payloads.Store(respData); merr != nil {
			return contract.CallResponse{}, fmt.Errorf("storing response payload: %w", merr)
		}
	}

	if rerr := c.rec.RecordCall(ctx, params); rerr != nil {
		return contract.CallResponse{}, rerr
	}
	c.log.add(stateID, params.CallID, req.CallType, params.Status, elapsed)
	return resp, invokeErr
}

// ReplayMissError reports a replayed request the source run never made.
type ReplayMissError struct {
	RequestHash string
	Request     contract.CallRequest
}

func (e *ReplayMissError) Error() string {
	return fmt.Sprintf("no recorded %s call with request hash %s in source run", e.Request.CallType, e.RequestHash)
}

// ReplayPayloadMissingError reports a recorded successful call whose
// response payload is gone from the payload store.
type ReplayPayloadMissingError struct {
	CallID      string
	RequestHash string
}

func (e *ReplayPayloadMissingError) Error() string {
	return fmt.Sprintf("call %s (request hash %s) has no stored response payload", e.CallID, e.RequestHash)
}

// ReplayedCall is the recorded outcome of one call, served from the audit
// trail instead of the network.
type ReplayedCall struct {
	Status   contract.CallStatus
	Response contract.CallResponse
	Error    string
}

// Replayer satisfies external calls from a source run's recorded calls.
// Identical requests recorded more than once are served in recorded order;
// lookups past the last recording repeat it.
type Replayer struct {
	reader      *landscape.Reader
	payloads    *landscape.PayloadStore
	sourceRunID string

	mu       sync.Mutex
	consumed map[string]int
}

// NewReplayer builds a replayer over the source run's recordings.
func NewReplayer(reader *landscape.Reader, payloads *landscape.PayloadStore, sourceRunID string) (*Replayer, error) {
	if reader == nil || payloads == nil {
		return nil, fmt.Errorf("replayer requires a reader and a payload store")
	}
	if sourceRunID == "" {
		return nil, fmt.Errorf("replayer requires a source run id")
	}
	return &Replayer{reader: reader, payloads: payloads, sourceRunID: sourceRunID, consumed: map[string]int{}}, nil
}

// Lookup finds the recorded response for a request. A request the source
// run never made is a *ReplayMissError; a successful recording without its
// payload is a *ReplayPayloadMissingError. Recorded failures come back with
// the stored error detail and an empty body.
func (r *Replayer) Lookup(ctx context.Context, req contract.CallRequest) (ReplayedCall, error) {
	hash, err := RequestHash(req)
	if err != nil {
		return ReplayedCall{}, err
	}
	calls, err := r.reader.FindCallsByRequest(ctx, r.sourceRunID, req.CallType, hash)
	if err != nil {
		return ReplayedCall{}, err
	}
	if len(calls) == 0 {
		return ReplayedCall{}, &ReplayMissError{RequestHash: hash, Request: req}
	}

	r.mu.Lock()
	n := r.consumed[hash]
	r.consumed[hash] = n + 1
	r.mu.Unlock()
	if n >= len(calls) {
		n = len(calls) - 1
	}
	call := calls[n]

	if call.Status == contract.CallError {
		return ReplayedCall{Status: contract.CallError, Error: call.ErrorJSON}, nil
	}
	if call.ResponseRef == "" {
		return ReplayedCall{}, &ReplayPayloadMissingError{CallID: call.CallID, RequestHash: hash}
	}
	data, err := r.payloads.Fetch(call.ResponseRef)
	if err != nil {
		return ReplayedCall{}, &ReplayPayloadMissingError{CallID: call.CallID, RequestHash: hash}
	}
	var resp contract.CallResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return ReplayedCall{}, &contract.AuditIntegrityError{
			Message: fmt.Sprintf("stored response for call %s is not valid JSON", call.CallID),
			Cause:   err,
		}
	}
	return ReplayedCall{Status: contract.CallSuccess, Response: resp}, nil
}

// Divergence reports a verify-mode response that differs from the recorded
// one.
type Divergence struct {
	RequestHash  string `json:"request_hash"`
	RecordedHash string `json:"recorded_hash"`
	LiveHash     string `json:"live_hash"`
}

// Verifier re-issues recorded calls against the live environment and
// compares the canonical response bytes. Divergences are recorded as
// validation errors on the node under verification; identical environments
// produce none.
type Verifier struct {
	replayer *Replayer
	live     *CallRecorder
	rec      *landscape.Recorder
	runID    string
}

// NewVerifier builds a verifier that records its live calls under runID.
func NewVerifier(replayer *Replayer, live *CallRecorder, rec *landscape.Recorder, runID string) (*Verifier, error) {
	if replayer == nil || live == nil || rec == nil {
		return nil, fmt.Errorf("verifier requires a replayer, a live call recorder, and an audit recorder")
	}
	return &Verifier{replayer: replayer, live: live, rec: rec, runID: runID}, nil
}

// ReleaseState drops the live recorder's call-index counter for a closed
// state.
func (v *Verifier) ReleaseState(stateID string) { v.live.ReleaseState(stateID) }

// Verify performs the live call, records it, and compares its canonical
// bytes against the source run's recording. The live response is returned
// either way; the divergence, when present, has already been persisted.
func (v *Verifier) Verify(ctx context.Context, stateID, nodeID, tokenID string, req contract.CallRequest, invoke func(context.Context) (contract.CallResponse, error)) (contract.CallResponse, *Divergence, error) {
	resp, err := v.live.Record(ctx, stateID, req, invoke)
	if err != nil {
		return resp, nil, err
	}
	recorded, err := v.replayer.Lookup(ctx, req)
	if err != nil {
		return resp, nil, err
	}
	if recorded.Status != contract.CallSuccess {
		return resp, nil, nil
	}

	liveStored := contract.CallResponse{
		Status:  resp.Status,
		Headers: FilterResponseHeaders(resp.Headers),
		Body:    captureBody(resp.Body),
	}
	liveHash, err := canonical.StableHash(liveStored)
	if err != nil {
		return resp, nil, err
	}
	recordedHash, err := canonical.StableHash(recorded.Response)
	if err != nil {
		return resp, nil, err
	}
	if liveHash == recordedHash {
		return resp, nil, nil
	}

	hash, err := RequestHash(req)
	if err != nil {
		return resp, nil, err
	}
	div := &Divergence{RequestHash: hash, RecordedHash: recordedHash, LiveHash: liveHash}
	err = v.rec.RecordValidationError(ctx, landscape.ValidationErrorParams{
		RunID:   v.runID,
		NodeID:  nodeID,
		TokenID: tokenID,
		Reason: contract.TransformErrorReason{
			Reason:  "verify_divergence",
			Message: fmt.Sprintf("live response diverges from recording for request %s", hash),
			Context: map[string]any{
				"request_hash":  div.RequestHash,
				"recorded_hash": div.RecordedHash,
				"live_hash":     div.LiveHash,
			},
		},
	})
	if err != nil {
		return resp, div, err
	}
	return resp, div, nil
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/landscape"
)

// callHarness is an audit fixture with one run, one token, and one open
// node state to hang recorded calls on.
type callHarness struct {
	a       *testAudit
	runID   string
	tokenID string
	stateID string
	nodeID  string
}

func newCallHarness(t *testing.T, runID string) *callHarness {
	t.Helper()
	return addRun(t, newTestAudit(t), runID)
}

// addRun registers another run in the same audit database and opens a
// node state under it.
func addRun(t *testing.T, a *testAudit, runID string) *callHarness {
	t.Helper()
	ctx := context.Background()
	g := linearGraph(t, runID, false)
	m := newLineageManager(t, a, g)

	tok, err := m.CreateInitialToken(ctx, runID, nodeID(t, g, "events"), 0,
		contract.NewRow(map[string]any{"id": 1, "status": "new"}, eventsSchema(t)))
	if err != nil {
		t.Fatalf("CreateInitialToken failed: %v", err)
	}
	enrich := nodeID(t, g, "enrich")
	stateID := contract.NewID(contract.PrefixState)
	err = a.rec.BeginNodeState(ctx, landscape.StateParams{
		StateID:   stateID,
		RunID:     runID,
		TokenID:   tok.ID,
		NodeID:    enrich,
		StepIndex: 1,
		InputHash: testConfigHash,
	})
	if err != nil {
		t.Fatalf("BeginNodeState failed: %v", err)
	}
	return &callHarness{a: a, runID: runID, tokenID: tok.ID, stateID: stateID, nodeID: enrich}
}

func mustCallRecorder(t *testing.T, h *callHarness) *CallRecorder {
	t.Helper()
	rec, err := NewCallRecorder(h.a.rec, h.a.payloads, h.a.clock)
	if err != nil {
		t.Fatalf("NewCallRecorder failed: %v", err)
	}
	return rec
}

func mustReplayer(t *testing.T, h *callHarness) *Replayer {
	t.Helper()
	rp, err := NewReplayer(h.a.reader, h.a.payloads, h.runID)
	if err != nil {
		t.Fatalf("NewReplayer failed: %v", err)
	}
	return rp
}

// record runs one call through the recorder with a canned outcome.
func (h *callHarness) record(t *testing.T, rec *CallRecorder, req contract.CallRequest, resp contract.CallResponse, invokeErr error) {
	t.Helper()
	_, err := rec.Record(context.Background(), h.stateID, req, func(context.Context) (contract.CallResponse, error) {
		return resp, invokeErr
	})
	if invokeErr == nil && err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if invokeErr != nil && !errors.Is(err, invokeErr) {
		t.Fatalf("Record returned %v, want the invoke error", err)
	}
}

func searchReq(url string) contract.CallRequest {
	return contract.CallRequest{
		CallType: contract.CallHTTP,
		Method:   "POST",
		URL:      url,
		Headers:  map[string]string{"Content-Type": "application/json"},
		Body:     map[string]any{"q": "widgets"},
	}
}

func mustHash(t *testing.T, req contract.CallRequest) string {
	t.Helper()
	h, err := RequestHash(req)
	if err != nil {
		t.Fatalf("RequestHash failed: %v", err)
	}
	return h
}

func TestRequestHash(t *testing.T) {
	base := searchReq("https://api.example.com/v1/search")
	baseHash := mustHash(t, base)
	if len(baseHash) != 64 {
		t.Fatalf("request hash %q is not 64 hex chars", baseHash)
	}

	t.Run("credential headers do not change the hash", func(t *testing.T) {
		req := searchReq(base.URL)
		req.Headers = map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer sk-live-1234",
			"X-Api-Key":     "k-999",
			"X-Team-Token":  "tt-1",
		}
		if got := mustHash(t, req); got != baseHash {
			t.Errorf("hash changed when credentials changed: %s vs %s", got, baseHash)
		}
	})

	t.Run("ordinary headers change the hash", func(t *testing.T) {
		req := searchReq(base.URL)
		req.Headers = map[string]string{
			"Content-Type": "application/json",
			"X-Request-Id": "req-1",
		}
		if got := mustHash(t, req); got == baseHash {
			t.Errorf("hash ignored a non-credential header")
		}
	})

	t.Run("body changes the hash", func(t *testing.T) {
		req := searchReq(base.URL)
		req.Body = map[string]any{"q": "gadgets"}
		if got := mustHash(t, req); got == baseHash {
			t.Errorf("hash ignored the body")
		}
	})

	t.Run("JSON bytes hash like the structured body", func(t *testing.T) {
		req := searchReq(base.URL)
		req.Body = []byte(`{"q": "widgets"}`)
		if got := mustHash(t, req); got != baseHash {
			t.Errorf("byte body hashed to %s, structured body to %s", got, baseHash)
		}
	})
}

func TestFilterHeaders(t *testing.T) {
	t.Run("request", func(t *testing.T) {
		in := map[string]string{
			"Authorization":       "Bearer x",
			"PROXY-AUTHORIZATION": "y",
			"X-Secret-Pin":        "1234",
			"Content-Type":        "application/json",
			"Accept":              "application/json",
		}
		out := FilterRequestHeaders(in)
		if len(out) != 2 || out["Content-Type"] != "application/json" || out["Accept"] != "application/json" {
			t.Errorf("FilterRequestHeaders = %v, want only Content-Type and Accept", out)
		}
		if len(in) != 5 {
			t.Errorf("input map was mutated: %v", in)
		}
	})

	t.Run("request with only credentials", func(t *testing.T) {
		if out := FilterRequestHeaders(map[string]string{"Authorization": "x"}); out != nil {
			t.Errorf("FilterRequestHeaders = %v, want nil", out)
		}
	})

	t.Run("response", func(t *testing.T) {
		in := map[string]string{
			"Set-Cookie":       "sid=1",
			"WWW-Authenticate": "Basic",
			"Content-Type":     "text/plain",
		}
		out := FilterResponseHeaders(in)
		if len(out) != 1 || out["Content-Type"] != "text/plain" {
			t.Errorf("FilterResponseHeaders = %v, want only Content-Type", out)
		}
	})

	t.Run("empty", func(t *testing.T) {
		if out := FilterRequestHeaders(nil); out != nil {
			t.Errorf("FilterRequestHeaders(nil) = %v", out)
		}
		if out := FilterResponseHeaders(map[string]string{}); out != nil {
			t.Errorf("FilterResponseHeaders(empty) = %v", out)
		}
	})
}

func TestCallRecorder(t *testing.T) {
	h := newCallHarness(t, "run_CALLREC")
	ctx := context.Background()
	rec := mustCallRecorder(t, h)
	log := NewCallLog(h.runID)
	rec.LogTo(log)

	req := contract.CallRequest{
		CallType: contract.CallLLM,
		Method:   "POST",
		URL:      "https://llm.example.com/v1/complete",
		Headers: map[string]string{
			"Authorization": "Bearer sk-1",
			"Content-Type":  "application/json",
		},
		Body: map[string]any{"prompt": "summarize"},
	}

	resp, err := rec.Record(ctx, h.stateID, req, func(context.Context) (contract.CallResponse, error) {
		h.a.clock.Advance(250 * time.Millisecond)
		return contract.CallResponse{
			Status:  200,
			Headers: map[string]string{"Content-Type": "application/json", "Set-Cookie": "sid=9"},
			Body:    map[string]any{"text": "ok"},
		}, nil
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if resp.Status != 200 || resp.Headers["Set-Cookie"] != "sid=9" {
		t.Errorf("caller must see the live response unfiltered, got %+v", resp)
	}

	wantErr := errors.New("rate limited")
	_, err = rec.Record(ctx, h.stateID, req, func(context.Context) (contract.CallResponse, error) {
		return contract.CallResponse{}, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Record returned %v, want the invoke error", err)
	}

	calls, err := h.a.reader.CallsForState(ctx, h.stateID)
	if err != nil {
		t.Fatalf("CallsForState failed: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("recorded %d calls, want 2", len(calls))
	}
	first, second := calls[0], calls[1]

	if first.CallIndex != 0 || second.CallIndex != 1 {
		t.Errorf("call indices %d, %d, want 0, 1", first.CallIndex, second.CallIndex)
	}
	if first.Status != contract.CallSuccess || first.CallType != contract.CallLLM {
		t.Errorf("first call recorded as %s %s", first.CallType, first.Status)
	}
	if first.LatencyMS != 250 {
		t.Errorf("first call latency %dms, want 250", first.LatencyMS)
	}
	if first.RequestHash == "" || first.RequestHash != second.RequestHash {
		t.Errorf("identical requests hashed differently: %s vs %s", first.RequestHash, second.RequestHash)
	}

	reqData, err := h.a.payloads.Fetch(first.RequestRef)
	if err != nil {
		t.Fatalf("request payload missing: %v", err)
	}
	if strings.Contains(string(reqData), "sk-1") {
		t.Errorf("credential persisted in request payload: %s", reqData)
	}
	if !strings.Contains(string(reqData), "summarize") {
		t.Errorf("request body not persisted: %s", reqData)
	}

	respData, err := h.a.payloads.Fetch(first.ResponseRef)
	if err != nil {
		t.Fatalf("response payload missing: %v", err)
	}
	var stored contract.CallResponse
	if err := json.Unmarshal(respData, &stored); err != nil {
		t.Fatalf("stored response is not JSON: %v", err)
	}
	if stored.Status != 200 {
		t.Errorf("stored response status %d, want 200", stored.Status)
	}
	if _, leaked := stored.Headers["Set-Cookie"]; leaked {
		t.Errorf("Set-Cookie persisted in response payload")
	}
	if body, ok := stored.Body.(map[string]any); !ok || body["text"] != "ok" {
		t.Errorf("stored response body %v", stored.Body)
	}

	if second.Status != contract.CallError {
		t.Errorf("failed call recorded as %s", second.Status)
	}
	if !strings.Contains(second.ErrorJSON, "rate limited") {
		t.Errorf("error detail not persisted: %s", second.ErrorJSON)
	}
	if second.ResponseRef != "" {
		t.Errorf("failed call stored a response payload: %s", second.ResponseRef)
	}

	events := log.Drain()
	if len(events) != 2 {
		t.Fatalf("drained %d telemetry events, want 2", len(events))
	}
	if events[0].RunID != h.runID || events[0].StateID != h.stateID || events[0].CallID != first.CallID {
		t.Errorf("first event identity = %+v", events[0])
	}
	if events[0].Status != contract.CallSuccess || events[1].Status != contract.CallError {
		t.Errorf("event statuses %s, %s", events[0].Status, events[1].Status)
	}
	if events[0].Latency != 250*time.Millisecond {
		t.Errorf("first event latency %v, want 250ms", events[0].Latency)
	}
}

func TestCallRecorderValidation(t *testing.T) {
	a := newTestAudit(t)
	if _, err := NewCallRecorder(nil, a.payloads, nil); err == nil {
		t.Errorf("NewCallRecorder accepted a nil recorder")
	}
	if _, err := NewCallRecorder(a.rec, nil, nil); err == nil {
		t.Errorf("NewCallRecorder accepted a nil payload store")
	}
}

func TestReplayerLookup(t *testing.T) {
	h := newCallHarness(t, "run_RSRC")
	ctx := context.Background()
	rec := mustCallRecorder(t, h)

	reqA := searchReq("https://api.example.com/v1/things")
	h.record(t, rec, reqA, contract.CallResponse{Status: 200, Body: map[string]any{"n": 1}}, nil)
	h.record(t, rec, reqA, contract.CallResponse{Status: 200, Body: map[string]any{"n": 2}}, nil)

	reqB := contract.CallRequest{
		CallType: contract.CallLLM,
		Method:   "POST",
		URL:      "https://llm.example.com/v1/complete",
		Body:     map[string]any{"prompt": "classify"},
	}
	h.record(t, rec, reqB, contract.CallResponse{}, errors.New("upstream 500"))

	rp := mustReplayer(t, h)

	t.Run("recorded order then repeat last", func(t *testing.T) {
		for i, want := range []float64{1, 2, 2} {
			got, err := rp.Lookup(ctx, reqA)
			if err != nil {
				t.Fatalf("Lookup %d failed: %v", i, err)
			}
			if got.Status != contract.CallSuccess {
				t.Fatalf("Lookup %d served status %s", i, got.Status)
			}
			body, ok := got.Response.Body.(map[string]any)
			if !ok || body["n"] != want {
				t.Errorf("Lookup %d served body %v, want n=%v", i, got.Response.Body, want)
			}
		}
	})

	t.Run("recorded failure", func(t *testing.T) {
		got, err := rp.Lookup(ctx, reqB)
		if err != nil {
			t.Fatalf("Lookup failed: %v", err)
		}
		if got.Status != contract.CallError {
			t.Errorf("recorded failure served as %s", got.Status)
		}
		if !strings.Contains(got.Error, "upstream 500") {
			t.Errorf("recorded failure detail %q", got.Error)
		}
	})

	t.Run("unrecorded request", func(t *testing.T) {
		missing := searchReq("https://api.example.com/v1/other")
		_, err := rp.Lookup(ctx, missing)
		var miss *ReplayMissError
		if !errors.As(err, &miss) {
			t.Fatalf("Lookup returned %v, want ReplayMissError", err)
		}
		if miss.RequestHash == "" {
			t.Errorf("miss carries no request hash")
		}
		if !strings.Contains(err.Error(), "no recorded http call") {
			t.Errorf("miss message %q", err.Error())
		}
	})

	t.Run("purged payload", func(t *testing.T) {
		reqC := searchReq("https://api.example.com/v1/big")
		h.record(t, rec, reqC, contract.CallResponse{Status: 200, Body: map[string]any{"blob": "x"}}, nil)

		calls, err := h.a.reader.FindCallsByRequest(ctx, h.runID, contract.CallHTTP, mustHash(t, reqC))
		if err != nil || len(calls) != 1 {
			t.Fatalf("FindCallsByRequest returned %d calls, err %v", len(calls), err)
		}
		if err := h.a.payloads.Purge([]string{calls[0].ResponseRef}); err != nil {
			t.Fatalf("Purge failed: %v", err)
		}

		_, err = rp.Lookup(ctx, reqC)
		var gone *ReplayPayloadMissingError
		if !errors.As(err, &gone) {
			t.Fatalf("Lookup returned %v, want ReplayPayloadMissingError", err)
		}
		if gone.CallID != calls[0].CallID {
			t.Errorf("error names call %s, want %s", gone.CallID, calls[0].CallID)
		}
	})
}

func TestReplayerValidation(t *testing.T) {
	a := newTestAudit(t)
	if _, err := NewReplayer(nil, a.payloads, "run_X"); err == nil {
		t.Errorf("NewReplayer accepted a nil reader")
	}
	if _, err := NewReplayer(a.reader, a.payloads, ""); err == nil {
		t.Errorf("NewReplayer accepted an empty source run id")
	}
}

func TestReplayCallRouter(t *testing.T) {
	h := newCallHarness(t, "run_RROUTE")
	ctx := context.Background()
	rec := mustCallRecorder(t, h)

	okReq := searchReq("https://api.example.com/v1/ok")
	h.record(t, rec, okReq, contract.CallResponse{Status: 200, Body: map[string]any{"ok": true}}, nil)

	failReq := contract.CallRequest{
		CallType: contract.CallLLM,
		Method:   "POST",
		URL:      "https://llm.example.com/v1/complete",
		Body:     map[string]any{"prompt": "extract"},
	}
	h.record(t, rec, failReq, contract.CallResponse{}, errors.New("model overloaded"))

	router := &ReplayCallRouter{Replayer: mustReplayer(t, h)}
	invoked := false
	invoke := func(context.Context) (contract.CallResponse, error) {
		invoked = true
		return contract.CallResponse{Status: 599}, nil
	}

	resp, err := router.Route(ctx, h.nodeID, h.tokenID, h.stateID, okReq, invoke)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if resp.Status != 200 {
		t.Errorf("Route served status %d, want the recorded 200", resp.Status)
	}
	if body, ok := resp.Body.(map[string]any); !ok || body["ok"] != true {
		t.Errorf("Route served body %v", resp.Body)
	}

	_, err = router.Route(ctx, h.nodeID, h.tokenID, h.stateID, failReq, invoke)
	var recorded *RecordedCallError
	if !errors.As(err, &recorded) {
		t.Fatalf("Route returned %v, want RecordedCallError", err)
	}
	if recorded.CallType != contract.CallLLM {
		t.Errorf("recorded error call type %s", recorded.CallType)
	}
	if !strings.Contains(recorded.Detail, "model overloaded") {
		t.Errorf("recorded error detail %q", recorded.Detail)
	}

	if invoked {
		t.Errorf("replay executed the live call")
	}
}

func TestVerifier(t *testing.T) {
	h := newCallHarness(t, "run_VSRC")
	ctx := context.Background()
	src := mustCallRecorder(t, h)

	matchReq := searchReq("https://api.example.com/v1/match")
	driftReq := searchReq("https://api.example.com/v1/drift")
	failReq := searchReq("https://api.example.com/v1/flaky")
	h.record(t, src, matchReq, contract.CallResponse{Status: 200, Body: map[string]any{"n": float64(1)}}, nil)
	h.record(t, src, driftReq, contract.CallResponse{Status: 200, Body: map[string]any{"n": float64(1)}}, nil)
	h.record(t, src, failReq, contract.CallResponse{}, errors.New("upstream 500"))

	v := addRun(t, h.a, "run_VLIVE")
	verifier, err := NewVerifier(mustReplayer(t, h), mustCallRecorder(t, v), h.a.rec, v.runID)
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	liveBody := func(n float64) func(context.Context) (contract.CallResponse, error) {
		return func(context.Context) (contract.CallResponse, error) {
			return contract.CallResponse{Status: 200, Body: map[string]any{"n": n}}, nil
		}
	}

	t.Run("identical response", func(t *testing.T) {
		resp, div, err := verifier.Verify(ctx, v.stateID, v.nodeID, v.tokenID, matchReq, liveBody(1))
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if div != nil {
			t.Errorf("identical responses flagged divergent: %+v", div)
		}
		if resp.Status != 200 {
			t.Errorf("live response status %d", resp.Status)
		}
	})

	t.Run("diverging response", func(t *testing.T) {
		_, div, err := verifier.Verify(ctx, v.stateID, v.nodeID, v.tokenID, driftReq, liveBody(2))
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if div == nil {
			t.Fatalf("diverging response not flagged")
		}
		if div.RequestHash != mustHash(t, driftReq) {
			t.Errorf("divergence request hash %s", div.RequestHash)
		}
		if div.RecordedHash == "" || div.RecordedHash == div.LiveHash {
			t.Errorf("divergence hashes not distinct: %+v", div)
		}
	})

	t.Run("recorded failure is not comparable", func(t *testing.T) {
		_, div, err := verifier.Verify(ctx, v.stateID, v.nodeID, v.tokenID, failReq, liveBody(3))
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if div != nil {
			t.Errorf("recorded failure compared anyway: %+v", div)
		}
	})

	t.Run("unrecorded request", func(t *testing.T) {
		_, _, err := verifier.Verify(ctx, v.stateID, v.nodeID, v.tokenID,
			searchReq("https://api.example.com/v1/new-endpoint"), liveBody(4))
		var miss *ReplayMissError
		if !errors.As(err, &miss) {
			t.Fatalf("Verify returned %v, want ReplayMissError", err)
		}
	})

	// Every verified call was performed live and recorded under the
	// verify run, misses included.
	calls, err := h.a.reader.CallsForState(ctx, v.stateID)
	if err != nil {
		t.Fatalf("CallsForState failed: %v", err)
	}
	if len(calls) != 4 {
		t.Errorf("verify run recorded %d live calls, want 4", len(calls))
	}
}

func TestVerifyCallRouter(t *testing.T) {
	h := newCallHarness(t, "run_VCSRC")
	ctx := context.Background()
	src := mustCallRecorder(t, h)

	req := searchReq("https://api.example.com/v1/stable")
	recordedBody := map[string]any{"n": float64(1)}
	h.record(t, src, req, contract.CallResponse{Status: 200, Body: recordedBody}, nil)
	h.record(t, src, req, contract.CallResponse{Status: 200, Body: recordedBody}, nil)

	v := addRun(t, h.a, "run_VCNEW")
	verifier, err := NewVerifier(mustReplayer(t, h), mustCallRecorder(t, v), h.a.rec, v.runID)
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	router := &VerifyCallRouter{Verifier: verifier}

	resp, err := router.Route(ctx, v.nodeID, v.tokenID, v.stateID, req, func(context.Context) (contract.CallResponse, error) {
		return contract.CallResponse{Status: 200, Body: map[string]any{"n": float64(1)}}, nil
	})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if resp.Status != 200 {
		t.Errorf("Route returned status %d", resp.Status)
	}
	if router.Divergences() != 0 {
		t.Errorf("matching call counted as divergence")
	}

	_, err = router.Route(ctx, v.nodeID, v.tokenID, v.stateID, req, func(context.Context) (contract.CallResponse, error) {
		return contract.CallResponse{Status: 200, Body: map[string]any{"n": float64(7)}}, nil
	})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if router.Divergences() != 1 {
		t.Errorf("Divergences() = %d, want 1", router.Divergences())
	}
}

func TestCallRecorderReleaseState(t *testing.T) {
	h := newCallHarness(t, "run_CALLFREE")
	rec := mustCallRecorder(t, h)

	req := contract.CallRequest{
		CallType: contract.CallLLM,
		Method:   "POST",
		URL:      "https://llm.example.com/v1/complete",
		Body:     map[string]any{"prompt": "classify"},
	}
	h.record(t, rec, req, contract.CallResponse{Status: 200, Body: map[string]any{"text": "ok"}}, nil)

	rec.mu.Lock()
	_, held := rec.indices[h.stateID]
	rec.mu.Unlock()
	if !held {
		t.Fatal("recorder holds no index for an open state")
	}

	rec.ReleaseState(h.stateID)

	rec.mu.Lock()
	remaining := len(rec.indices)
	rec.mu.Unlock()
	if remaining != 0 {
		t.Errorf("released state left %d index entries behind", remaining)
	}

	// The routers forward the release so the coordinator can prune
	// through the mode-agnostic surface.
	var release interface{ ReleaseState(string) }
	release = &LiveCallRouter{Recorder: rec}
	release.ReleaseState(h.stateID)
	if _, ok := CallRouter(&VerifyCallRouter{}).(interface{ ReleaseState(string) }); !ok {
		t.Error("verify router does not forward state release")
	}
}

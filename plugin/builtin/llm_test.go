package builtin

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/plugin"
)

// stubCaller stands in for the engine's call router. With invoke set it
// behaves like a live run; otherwise it serves the canned response the way
// replay serves the audit trail, never executing the closure.
type stubCaller struct {
	invoke bool
	resp   contract.CallResponse
	err    error

	called  bool
	lastReq contract.CallRequest
}

func (c *stubCaller) Call(ctx context.Context, req contract.CallRequest, invoke func(context.Context) (contract.CallResponse, error)) (contract.CallResponse, error) {
	c.called = true
	c.lastReq = req
	if c.err != nil {
		return contract.CallResponse{}, c.err
	}
	if c.invoke {
		return invoke(ctx)
	}
	return c.resp, nil
}

type stubSecrets struct {
	values   map[string]string
	resolved []string
}

func (s *stubSecrets) Resolve(_ context.Context, name string) (string, error) {
	s.resolved = append(s.resolved, name)
	v, ok := s.values[name]
	if !ok {
		return "", fmt.Errorf("unknown secret %q", name)
	}
	return v, nil
}

type stubLLMProvider struct {
	text string
	err  error

	gotKey    string
	gotParams llmParams
}

func (p *stubLLMProvider) name() string { return "stub" }

func (p *stubLLMProvider) endpoint(model string) string {
	return "https://llm.invalid/v1/" + model
}

func (p *stubLLMProvider) complete(_ context.Context, apiKey string, params llmParams) (llmCompletion, error) {
	p.gotKey = apiKey
	p.gotParams = params
	if p.err != nil {
		return llmCompletion{}, p.err
	}
	return llmCompletion{Text: p.text, InputTokens: 12, OutputTokens: 34}, nil
}

func newStubLLM(t *testing.T, provider llmProvider, cfg map[string]any) *llmTransform {
	t.Helper()
	if cfg == nil {
		cfg = map[string]any{}
	}
	if _, ok := cfg["model"]; !ok {
		cfg["model"] = "stub-small"
	}
	if _, ok := cfg["prompt"]; !ok {
		cfg["prompt"] = "Summarize {{ Title }} in one line."
	}
	tr, err := newLLMTransform(provider, "STUB_API_KEY", cfg)
	if err != nil {
		t.Fatalf("newLLMTransform failed: %v", err)
	}
	return tr
}

func titleRow(t *testing.T) contract.Row {
	t.Helper()
	c := mustSchema(t, contract.SchemaFlexible, []string{"Title: string"})
	return contract.NewRow(map[string]any{"title": "Moby Dick"}, c)
}

func TestLLMTransform_Live(t *testing.T) {
	provider := &stubLLMProvider{text: "A whale is pursued."}
	caller := &stubCaller{invoke: true}
	secrets := &stubSecrets{values: map[string]string{"STUB_API_KEY": "sk-test"}}
	pctx := &plugin.Context{Calls: caller, Secrets: secrets}

	tr := newStubLLM(t, provider, map[string]any{
		"system":      "You are terse.",
		"temperature": 0.2,
	})
	res, err := tr.Process(context.Background(), pctx, titleRow(t))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !res.OK() {
		t.Fatalf("expected success, got %+v", res.FailureReason())
	}

	out, err := res.Row()
	if err != nil {
		t.Fatalf("Row failed: %v", err)
	}
	if v, _ := out.Get("llm_response"); v != "A whale is pursued." {
		t.Errorf("llm_response = %#v", v)
	}
	if v, _ := out.Get("title"); v != "Moby Dick" {
		t.Errorf("input fields should survive, got title=%#v", v)
	}
	field, ok := out.Contract().Field("llm_response")
	if !ok || field.Source != contract.FieldInferred {
		t.Errorf("llm_response should be an inferred contract field, got %+v ok=%v", field, ok)
	}

	if provider.gotKey != "sk-test" {
		t.Errorf("provider key = %q, want the resolved secret", provider.gotKey)
	}
	if provider.gotParams.Prompt != "Summarize Moby Dick in one line." {
		t.Errorf("rendered prompt = %q", provider.gotParams.Prompt)
	}
	if provider.gotParams.System != "You are terse." {
		t.Errorf("system = %q", provider.gotParams.System)
	}

	req := caller.lastReq
	if req.CallType != contract.CallLLM {
		t.Errorf("call type = %q, want llm", req.CallType)
	}
	if req.URL != "https://llm.invalid/v1/stub-small" {
		t.Errorf("url = %q", req.URL)
	}
	body, ok := req.Body.(map[string]any)
	if !ok {
		t.Fatalf("request body = %T, want map", req.Body)
	}
	if body["prompt"] != "Summarize Moby Dick in one line." {
		t.Errorf("recorded prompt = %#v", body["prompt"])
	}
	if body["temperature"] != 0.2 {
		t.Errorf("recorded temperature = %#v", body["temperature"])
	}

	reason := res.SuccessReason()
	if reason.Action != "llm_completion" {
		t.Errorf("action = %q", reason.Action)
	}
	if reason.Metadata["input_tokens"] != int64(12) || reason.Metadata["output_tokens"] != int64(34) {
		t.Errorf("token metadata = %#v", reason.Metadata)
	}
}

func TestLLMTransform_Replay(t *testing.T) {
	provider := &stubLLMProvider{text: "never used"}
	caller := &stubCaller{
		invoke: false,
		resp: contract.CallResponse{
			Status: 200,
			// Replayed bodies come back through JSON, so numbers arrive
			// as float64.
			Body: map[string]any{"text": "from the trail", "input_tokens": float64(3), "output_tokens": float64(4)},
		},
	}
	secrets := &stubSecrets{}
	pctx := &plugin.Context{Calls: caller, Secrets: secrets}

	tr := newStubLLM(t, provider, nil)
	res, err := tr.Process(context.Background(), pctx, titleRow(t))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !res.OK() {
		t.Fatalf("expected success, got %+v", res.FailureReason())
	}
	out, _ := res.Row()
	if v, _ := out.Get("llm_response"); v != "from the trail" {
		t.Errorf("llm_response = %#v, want the recorded text", v)
	}
	if len(secrets.resolved) != 0 {
		t.Errorf("replay must not resolve secrets, resolved %v", secrets.resolved)
	}
	if provider.gotKey != "" {
		t.Error("replay must not reach the provider")
	}
	reason := res.SuccessReason()
	if reason.Metadata["input_tokens"] != int64(3) {
		t.Errorf("replayed token counts should parse from float64, got %#v", reason.Metadata)
	}
}

func TestLLMTransform_Failures(t *testing.T) {
	t.Run("missing prompt field fails without calling out", func(t *testing.T) {
		provider := &stubLLMProvider{}
		caller := &stubCaller{invoke: true}
		pctx := &plugin.Context{Calls: caller, Secrets: &stubSecrets{}}

		tr := newStubLLM(t, provider, map[string]any{"prompt": "Rate {{ score }} and {{ judge }}."})
		res, err := tr.Process(context.Background(), pctx, titleRow(t))
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if res.OK() || res.Retryable() {
			t.Fatalf("expected permanent failure, got ok=%v retryable=%v", res.OK(), res.Retryable())
		}
		if res.FailureReason().Reason != "prompt_field_missing" {
			t.Errorf("reason = %q", res.FailureReason().Reason)
		}
		if caller.called {
			t.Error("a row that cannot render a prompt must not reach the call router")
		}
	})

	t.Run("call failure is retryable", func(t *testing.T) {
		caller := &stubCaller{err: errors.New("upstream 429")}
		pctx := &plugin.Context{Calls: caller, Secrets: &stubSecrets{}}

		tr := newStubLLM(t, &stubLLMProvider{}, nil)
		res, err := tr.Process(context.Background(), pctx, titleRow(t))
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if res.OK() || !res.Retryable() {
			t.Fatalf("expected retryable failure, got ok=%v retryable=%v", res.OK(), res.Retryable())
		}
		if res.FailureReason().Reason != "llm_call_failed" {
			t.Errorf("reason = %q", res.FailureReason().Reason)
		}
	})

	t.Run("provider error travels through the live path", func(t *testing.T) {
		provider := &stubLLMProvider{err: errors.New("model overloaded")}
		caller := &stubCaller{invoke: true}
		secrets := &stubSecrets{values: map[string]string{"STUB_API_KEY": "sk-test"}}
		pctx := &plugin.Context{Calls: caller, Secrets: secrets}

		tr := newStubLLM(t, provider, nil)
		res, err := tr.Process(context.Background(), pctx, titleRow(t))
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if !res.Retryable() {
			t.Error("provider failures should be retryable")
		}
	})

	t.Run("unresolvable secret fails the call", func(t *testing.T) {
		caller := &stubCaller{invoke: true}
		pctx := &plugin.Context{Calls: caller, Secrets: &stubSecrets{}}

		tr := newStubLLM(t, &stubLLMProvider{}, nil)
		res, err := tr.Process(context.Background(), pctx, titleRow(t))
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if res.OK() {
			t.Fatal("expected failure")
		}
		if res.FailureReason().Reason != "llm_call_failed" {
			t.Errorf("reason = %q", res.FailureReason().Reason)
		}
	})

	t.Run("response without text is a permanent failure", func(t *testing.T) {
		caller := &stubCaller{resp: contract.CallResponse{Status: 200, Body: map[string]any{"tokens": 9}}}
		pctx := &plugin.Context{Calls: caller, Secrets: &stubSecrets{}}

		tr := newStubLLM(t, &stubLLMProvider{}, nil)
		res, err := tr.Process(context.Background(), pctx, titleRow(t))
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if res.OK() || res.Retryable() {
			t.Fatalf("expected permanent failure, got ok=%v retryable=%v", res.OK(), res.Retryable())
		}
		if res.FailureReason().Reason != "llm_response_malformed" {
			t.Errorf("reason = %q", res.FailureReason().Reason)
		}
	})
}

func TestLLMTransform_Config(t *testing.T) {
	t.Run("model and prompt are required", func(t *testing.T) {
		if _, err := newLLMTransform(&stubLLMProvider{}, "K", map[string]any{"prompt": "p"}); err == nil {
			t.Error("expected error for missing model")
		}
		if _, err := newLLMTransform(&stubLLMProvider{}, "K", map[string]any{"model": "m"}); err == nil {
			t.Error("expected error for missing prompt")
		}
	})

	t.Run("max_tokens must be positive", func(t *testing.T) {
		_, err := newLLMTransform(&stubLLMProvider{}, "K", map[string]any{
			"model": "m", "prompt": "p", "max_tokens": 0,
		})
		if err == nil {
			t.Error("expected error for max_tokens 0")
		}
	})

	t.Run("output field is normalized", func(t *testing.T) {
		caller := &stubCaller{invoke: true}
		secrets := &stubSecrets{values: map[string]string{"STUB_API_KEY": "sk"}}
		pctx := &plugin.Context{Calls: caller, Secrets: secrets}

		tr := newStubLLM(t, &stubLLMProvider{text: "fine"}, map[string]any{
			"output_field": "Model Answer",
		})
		res, err := tr.Process(context.Background(), pctx, titleRow(t))
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		out, _ := res.Row()
		if v, _ := out.Get("model_answer"); v != "fine" {
			t.Errorf("model_answer = %#v", v)
		}
	})

	t.Run("unset temperature stays out of the request", func(t *testing.T) {
		caller := &stubCaller{invoke: true}
		secrets := &stubSecrets{values: map[string]string{"STUB_API_KEY": "sk"}}
		pctx := &plugin.Context{Calls: caller, Secrets: secrets}

		tr := newStubLLM(t, &stubLLMProvider{text: "ok"}, nil)
		if _, err := tr.Process(context.Background(), pctx, titleRow(t)); err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		body := caller.lastReq.Body.(map[string]any)
		if _, present := body["temperature"]; present {
			t.Error("default temperature should not be recorded")
		}
	})

	t.Run("secret name can be overridden", func(t *testing.T) {
		caller := &stubCaller{invoke: true}
		secrets := &stubSecrets{values: map[string]string{"TEAM_KEY": "sk-team"}}
		pctx := &plugin.Context{Calls: caller, Secrets: secrets}

		provider := &stubLLMProvider{text: "ok"}
		tr := newStubLLM(t, provider, map[string]any{"secret": "TEAM_KEY"})
		if _, err := tr.Process(context.Background(), pctx, titleRow(t)); err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if provider.gotKey != "sk-team" {
			t.Errorf("provider key = %q, want sk-team", provider.gotKey)
		}
	})
}

func TestLLMProviderEndpoints(t *testing.T) {
	// The endpoint is the replay key's URL component; it must be stable
	// and carry no credentials.
	cases := []struct {
		provider llmProvider
		model    string
		want     string
	}{
		{openaiProvider{}, "gpt-4o-mini", "https://api.openai.com/v1/chat/completions"},
		{anthropicProvider{}, "claude-sonnet-4", "https://api.anthropic.com/v1/messages"},
		{geminiProvider{}, "gemini-2.0-flash", "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent"},
	}
	for _, tc := range cases {
		t.Run(tc.provider.name(), func(t *testing.T) {
			if got := tc.provider.endpoint(tc.model); got != tc.want {
				t.Errorf("endpoint = %q, want %q", got, tc.want)
			}
		})
	}
}

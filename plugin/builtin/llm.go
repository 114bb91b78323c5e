package builtin

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/plugin"
)

// llmParams is the provider-independent shape of one completion request.
// Temperature below zero means the model's own default applies.
type llmParams struct {
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// llmCompletion is what a provider hands back: the assembled text plus
// token counts for the run's cost accounting.
type llmCompletion struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// llmProvider adapts one vendor SDK to the shared transform. complete runs
// only inside the call router's invoke closure, so replayed runs never
// construct a client or touch the network.
type llmProvider interface {
	name() string
	endpoint(model string) string
	complete(ctx context.Context, apiKey string, p llmParams) (llmCompletion, error)
}

// promptFieldPattern matches {{ field }} placeholders in a prompt template.
var promptFieldPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// llmTransform enriches each row with a model completion. The prompt is a
// template over the row's fields; the rendered request goes through the
// call router so live runs record it and replayed runs answer from the
// audit trail. The API key is resolved inside the invoke closure, which
// keeps secret access out of replay entirely.
type llmTransform struct {
	provider    llmProvider
	secretName  string
	model       string
	promptTmpl  string
	system      string
	outputField string
	temperature float64
	maxTokens   int
}

func newLLMTransform(provider llmProvider, defaultSecret string, cfg map[string]any) (*llmTransform, error) {
	model, err := cfgRequiredString(cfg, "model")
	if err != nil {
		return nil, err
	}
	promptTmpl, err := cfgRequiredString(cfg, "prompt")
	if err != nil {
		return nil, err
	}
	system, err := cfgString(cfg, "system", "")
	if err != nil {
		return nil, err
	}
	outputField, err := cfgString(cfg, "output_field", "llm_response")
	if err != nil {
		return nil, err
	}
	outputField = contract.NormalizeName(outputField)
	temperature, err := cfgFloat(cfg, "temperature", -1)
	if err != nil {
		return nil, err
	}
	maxTokens, err := cfgInt(cfg, "max_tokens", 1024)
	if err != nil {
		return nil, err
	}
	if maxTokens <= 0 {
		return nil, fmt.Errorf("config key %q must be positive, got %d", "max_tokens", maxTokens)
	}
	secretName, err := cfgString(cfg, "secret", defaultSecret)
	if err != nil {
		return nil, err
	}
	return &llmTransform{
		provider:    provider,
		secretName:  secretName,
		model:       model,
		promptTmpl:  promptTmpl,
		system:      system,
		outputField: outputField,
		temperature: temperature,
		maxTokens:   maxTokens,
	}, nil
}

func (t *llmTransform) Process(ctx context.Context, pctx *plugin.Context, row contract.Row) (contract.TransformResult, error) {
	prompt, missing := renderPrompt(t.promptTmpl, row)
	if len(missing) > 0 {
		return contract.TransformFailure(contract.TransformErrorReason{
			Reason:  "prompt_field_missing",
			Message: fmt.Sprintf("prompt template references fields absent from the row: %s", strings.Join(missing, ", ")),
			Context: map[string]any{"fields": missing},
		}), nil
	}

	// The request body carries everything that determines the completion,
	// so the replay key survives credential rotation and code motion.
	body := map[string]any{
		"provider":   t.provider.name(),
		"model":      t.model,
		"prompt":     prompt,
		"max_tokens": t.maxTokens,
	}
	if t.system != "" {
		body["system"] = t.system
	}
	if t.temperature >= 0 {
		body["temperature"] = t.temperature
	}
	req := contract.CallRequest{
		CallType: contract.CallLLM,
		Method:   "POST",
		URL:      t.provider.endpoint(t.model),
		Body:     body,
	}

	resp, err := pctx.Calls.Call(ctx, req, func(callCtx context.Context) (contract.CallResponse, error) {
		apiKey, err := pctx.Secrets.Resolve(callCtx, t.secretName)
		if err != nil {
			return contract.CallResponse{}, fmt.Errorf("resolving secret %q: %w", t.secretName, err)
		}
		done, err := t.provider.complete(callCtx, apiKey, llmParams{
			Model:       t.model,
			System:      t.system,
			Prompt:      prompt,
			Temperature: t.temperature,
			MaxTokens:   t.maxTokens,
		})
		if err != nil {
			return contract.CallResponse{}, err
		}
		return contract.CallResponse{
			Status: 200,
			Body: map[string]any{
				"text":          done.Text,
				"input_tokens":  done.InputTokens,
				"output_tokens": done.OutputTokens,
			},
		}, nil
	})
	if err != nil {
		return contract.RetryableTransformFailure(contract.TransformErrorReason{
			Reason:  "llm_call_failed",
			Error:   err.Error(),
			Message: fmt.Sprintf("%s completion failed for model %s", t.provider.name(), t.model),
		}), nil
	}

	text, inTokens, outTokens, ok := parseLLMBody(resp.Body)
	if !ok {
		return contract.TransformFailure(contract.TransformErrorReason{
			Reason:  "llm_response_malformed",
			Message: fmt.Sprintf("%s call response carries no text body", t.provider.name()),
		}), nil
	}

	out := make(map[string]any, len(row.Data())+1)
	for k, v := range row.Data() {
		out[k] = v
	}
	out[t.outputField] = text
	schema, err := row.Contract().WithInferredFields([]string{t.outputField})
	if err != nil {
		return contract.TransformResult{}, fmt.Errorf("extending contract: %w", err)
	}
	return contract.TransformSuccess(contract.NewRow(out, schema), contract.SuccessReason{
		Action:      "llm_completion",
		FieldsAdded: []string{t.outputField},
		Metadata: map[string]any{
			"provider":      t.provider.name(),
			"model":         t.model,
			"input_tokens":  inTokens,
			"output_tokens": outTokens,
		},
	})
}

// renderPrompt substitutes each {{ field }} placeholder with the row's
// value for that field, looked up under name normalization. Fields the row
// does not carry are collected instead of silently rendering empty.
func renderPrompt(tmpl string, row contract.Row) (string, []string) {
	missing := map[string]bool{}
	rendered := promptFieldPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := strings.TrimSpace(promptFieldPattern.FindStringSubmatch(match)[1])
		value, ok := row.Lookup(name)
		if !ok {
			missing[name] = true
			return match
		}
		if value == nil {
			return ""
		}
		return fmt.Sprint(value)
	})
	if len(missing) == 0 {
		return rendered, nil
	}
	names := make([]string, 0, len(missing))
	for name := range missing {
		names = append(names, name)
	}
	sort.Strings(names)
	return "", names
}

// parseLLMBody pulls the completion text and token counts back out of a
// call response. Live responses carry the closure's own Go values; replayed
// ones have been through JSON, where every number is a float64. Token
// counts are cost metadata, so their absence never fails the row.
func parseLLMBody(body any) (text string, inTokens, outTokens int64, ok bool) {
	fields, ok := body.(map[string]any)
	if !ok {
		return "", 0, 0, false
	}
	text, ok = fields["text"].(string)
	if !ok {
		return "", 0, 0, false
	}
	return text, llmTokenCount(fields["input_tokens"]), llmTokenCount(fields["output_tokens"]), true
}

func llmTokenCount(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	default:
		return 0
	}
}

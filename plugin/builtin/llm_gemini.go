package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/plugin"
)

func registerLLMGemini(reg *plugin.Registry) error {
	return reg.RegisterTransform(plugin.Info{
		Name:        "llm_gemini",
		Determinism: contract.DetExternalCall,
		Version:     "1.0.0",
	}, func(cfg map[string]any) (plugin.Transform, error) {
		return newLLMTransform(geminiProvider{}, "GEMINI_API_KEY", cfg)
	})
}

type geminiProvider struct{}

func (geminiProvider) name() string { return "gemini" }

func (geminiProvider) endpoint(model string) string {
	return fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", model)
}

func (geminiProvider) complete(ctx context.Context, apiKey string, p llmParams) (llmCompletion, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return llmCompletion{}, fmt.Errorf("creating gemini client: %w", err)
	}
	defer client.Close()

	model := client.GenerativeModel(p.Model)
	model.SetMaxOutputTokens(int32(p.MaxTokens))
	if p.Temperature >= 0 {
		model.SetTemperature(float32(p.Temperature))
	}
	if p.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(p.System)}}
	}

	resp, err := model.GenerateContent(ctx, genai.Text(p.Prompt))
	if err != nil {
		return llmCompletion{}, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return llmCompletion{}, errors.New("completion returned no candidates")
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	done := llmCompletion{Text: text.String()}
	if resp.UsageMetadata != nil {
		done.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		done.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return done, nil
}

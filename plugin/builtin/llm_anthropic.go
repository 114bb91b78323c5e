package builtin

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/plugin"
)

func registerLLMAnthropic(reg *plugin.Registry) error {
	return reg.RegisterTransform(plugin.Info{
		Name:        "llm_anthropic",
		Determinism: contract.DetExternalCall,
		Version:     "1.0.0",
	}, func(cfg map[string]any) (plugin.Transform, error) {
		return newLLMTransform(anthropicProvider{}, "ANTHROPIC_API_KEY", cfg)
	})
}

type anthropicProvider struct{}

func (anthropicProvider) name() string { return "anthropic" }

func (anthropicProvider) endpoint(string) string {
	return "https://api.anthropic.com/v1/messages"
}

func (anthropicProvider) complete(ctx context.Context, apiKey string, p llmParams) (llmCompletion, error) {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.Model),
		MaxTokens: int64(p.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(p.Prompt)),
		},
	}
	if p.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.System}}
	}
	if p.Temperature >= 0 {
		params.Temperature = anthropic.Float(p.Temperature)
	}

	message, err := client.Messages.New(ctx, params)
	if err != nil {
		return llmCompletion{}, err
	}
	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return llmCompletion{
		Text:         text.String(),
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
	}, nil
}

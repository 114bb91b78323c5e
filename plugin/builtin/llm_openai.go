package builtin

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/plugin"
)

func registerLLMOpenAI(reg *plugin.Registry) error {
	return reg.RegisterTransform(plugin.Info{
		Name:        "llm_openai",
		Determinism: contract.DetExternalCall,
		Version:     "1.0.0",
	}, func(cfg map[string]any) (plugin.Transform, error) {
		return newLLMTransform(openaiProvider{}, "OPENAI_API_KEY", cfg)
	})
}

type openaiProvider struct{}

func (openaiProvider) name() string { return "openai" }

func (openaiProvider) endpoint(string) string {
	return "https://api.openai.com/v1/chat/completions"
}

func (openaiProvider) complete(ctx context.Context, apiKey string, p llmParams) (llmCompletion, error) {
	client := openai.NewClient(option.WithAPIKey(apiKey))

	params := openai.ChatCompletionNewParams{
		Model:     shared.ChatModel(p.Model),
		MaxTokens: openai.Int(int64(p.MaxTokens)),
	}
	if p.System != "" {
		params.Messages = append(params.Messages, openai.ChatCompletionMessageParamUnion{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: openai.String(p.System),
				},
			},
		})
	}
	params.Messages = append(params.Messages, openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{
				OfString: openai.String(p.Prompt),
			},
		},
	})
	if p.Temperature >= 0 {
		params.Temperature = openai.Float(p.Temperature)
	}

	completion, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llmCompletion{}, err
	}
	if len(completion.Choices) == 0 {
		return llmCompletion{}, errors.New("completion returned no choices")
	}
	return llmCompletion{
		Text:         completion.Choices[0].Message.Content,
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
	}, nil
}

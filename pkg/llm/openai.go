package llm

import (
	"context"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// openaiProvider serves both the "openai" and "azure_openai" provider names;
// the latter only differs in base URL.
type openaiProvider struct {
	client openai.Client
}

func newOpenAIProvider(apiKey, baseURL string) *openaiProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &openaiProvider{client: openai.NewClient(opts...)}
}

func (p *openaiProvider) complete(ctx context.Context, prompt string, schema map[string]any, model string) (map[string]any, error) {
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("You are a helpful assistant that responds in JSON format."),
			openai.UserMessage(prompt + schemaInstruction(schema)),
		},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, ErrBadResponse
	}
	return ExtractObject(resp.Choices[0].Message.Content)
}

package provider

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAIAdapter struct {
	id     string
	client *openai.Client
}

// NewOpenAIAdapter allows an empty key; calls then fail with a
// missing-credentials result instead of reaching the API.
func NewOpenAIAdapter(id, apiKey, baseURL string) *OpenAIAdapter {
	a := &OpenAIAdapter{id: id}
	if apiKey == "" {
		return a
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	a.client = openai.NewClientWithConfig(cfg)
	return a
}

func (a *OpenAIAdapter) ID() string { return a.id }

func (a *OpenAIAdapter) Call(ctx context.Context, prompt, model string) Result {
	if a.client == nil {
		return Failure("missing credentials: no API key configured for %s", a.id)
	}
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return Result{Error: describeOpenAIError(err)}
	}
	if len(resp.Choices) == 0 {
		return Failure("http 502: empty completion from %s", a.id)
	}
	var b strings.Builder
	for i, c := range resp.Choices {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(c.Message.Content)
	}
	return Result{
		Success: true,
		Content: b.String(),
		Usage: &Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
}

func describeOpenAIError(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return httpStatusText(apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return httpStatusText(reqErr.HTTPStatusCode, reqErr.Error())
	}
	return err.Error()
}

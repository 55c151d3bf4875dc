package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicMaxTokens = 1024

type AnthropicAdapter struct {
	id     string
	client *anthropic.Client
}

func NewAnthropicAdapter(id, apiKey, baseURL string) *AnthropicAdapter {
	a := &AnthropicAdapter{id: id}
	if apiKey == "" {
		return a
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)
	a.client = &client
	return a
}

func (a *AnthropicAdapter) ID() string { return a.id }

func (a *AnthropicAdapter) Call(ctx context.Context, prompt, model string) Result {
	if a.client == nil {
		return Failure("missing credentials: no API key configured for %s", a.id)
	}
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: anthropicMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return Result{Error: httpStatusText(apiErr.StatusCode, apiErr.Error())}
		}
		return Result{Error: err.Error()}
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(text.Text)
		}
	}
	return Result{
		Success: true,
		Content: b.String(),
		Usage: &Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}

// httpStatusText keeps the status in the message so the resilience layer
// can classify the failure from text alone.
func httpStatusText(status int, msg string) string {
	if status == 0 {
		return msg
	}
	return fmt.Sprintf("http %d: %s", status, msg)
}

// Package openaiadapter implements llm.Client over the OpenAI Chat
// Completions API.
package openaiadapter

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/taskforge/orchestrator/pkg/llm"
)

// Client wraps the official OpenAI Go client to implement llm.Client.
type Client struct {
	sdk openai.Client
}

// New constructs an adapter authenticated with apiKey.
func New(apiKey string) *Client {
	return &Client{sdk: openai.NewClient(option.WithAPIKey(apiKey))}
}

// ChatCompletion implements llm.Client.
func (c *Client) ChatCompletion(ctx context.Context, req llm.Request) (llm.Response, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case llm.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(req.Model),
		Messages:    messages,
		MaxTokens:   openai.Int(int64(req.MaxTokens)),
		Temperature: openai.Float(float64(req.Temperature)),
	}

	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return llm.Response{}, &llm.ProviderError{Message: "empty response from OpenAI API"}
	}

	choice := resp.Choices[0]
	return llm.Response{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		FinishReason: string(choice.FinishReason),
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}, nil
}

func classifyError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return &llm.RateLimitError{Message: apiErr.Message}
		case 401, 403:
			return &llm.ProviderError{StatusCode: apiErr.StatusCode, Message: "authentication failed: " + apiErr.Message}
		default:
			return &llm.ProviderError{StatusCode: apiErr.StatusCode, Message: apiErr.Message}
		}
	}

	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "content_filter") {
		return &llm.SafetyBlockError{Message: msg}
	}
	return &llm.ProviderError{Message: msg}
}

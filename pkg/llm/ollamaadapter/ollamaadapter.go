// Package ollamaadapter implements llm.Client over a local Ollama
// server. Ollama has no API key or provider-side rate limiting, so the
// key manager treats it as an always-available, unlimited-budget
// provider (see config.RateLimitConfig.Ollama).
package ollamaadapter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/taskforge/orchestrator/pkg/llm"
)

// Client wraps the Ollama API client to implement llm.Client.
type Client struct {
	sdk *api.Client
}

// New constructs an adapter against the Ollama server at hostURL (e.g.
// "http://localhost:11434"), falling back to that default on a bad URL.
func New(hostURL string) *Client {
	parsed, err := url.Parse(hostURL)
	if err != nil || parsed.Host == "" {
		parsed, _ = url.Parse("http://localhost:11434")
	}
	return &Client{sdk: api.NewClient(parsed, http.DefaultClient)}
}

// ChatCompletion implements llm.Client.
func (c *Client) ChatCompletion(ctx context.Context, req llm.Request) (llm.Response, error) {
	messages := make([]api.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, api.Message{Role: string(m.Role), Content: m.Content})
	}

	stream := false
	chatReq := &api.ChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": req.Temperature,
			"num_predict": req.MaxTokens,
		},
	}

	var resp api.ChatResponse
	err := c.sdk.Chat(ctx, chatReq, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	if err != nil {
		return llm.Response{}, classifyError(err)
	}

	return llm.Response{
		Content:      resp.Message.Content,
		Model:        req.Model,
		FinishReason: finishReason(&resp),
		Usage: llm.Usage{
			InputTokens:  resp.PromptEvalCount,
			OutputTokens: resp.EvalCount,
			TotalTokens:  resp.PromptEvalCount + resp.EvalCount,
		},
	}, nil
}

func finishReason(resp *api.ChatResponse) string {
	if !resp.Done {
		return "incomplete"
	}
	switch resp.DoneReason {
	case "length":
		return "max_tokens"
	default:
		return "stop"
	}
}

func classifyError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return &llm.ProviderError{Message: fmt.Sprintf("ollama server not reachable: %v", err)}
	case strings.Contains(msg, "model") && strings.Contains(msg, "not found"):
		return &llm.ProviderError{Message: fmt.Sprintf("ollama model not found: %v", err)}
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "context canceled"):
		return &llm.ProviderError{Message: msg}
	default:
		return &llm.ProviderError{Message: fmt.Sprintf("ollama API error: %v", err)}
	}
}

// Package anthropicadapter implements llm.Client over the Anthropic
// Messages API.
package anthropicadapter

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/taskforge/orchestrator/pkg/llm"
)

// Client wraps the Anthropic SDK client to implement llm.Client.
type Client struct {
	sdk anthropic.Client
}

// New constructs an adapter authenticated with apiKey. Retries are left
// to the router's resilience layer, so SDK-internal retries are disabled.
func New(apiKey string) *Client {
	return &Client{
		sdk: anthropic.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0)),
	}
}

// ChatCompletion implements llm.Client.
func (c *Client) ChatCompletion(ctx context.Context, req llm.Request) (llm.Response, error) {
	system, messages, err := splitSystemAndAlternate(req.Messages)
	if err != nil {
		return llm.Response{}, &llm.ProviderError{Message: "invalid message sequence: " + err.Error()}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		Messages:    messages,
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(float64(req.Temperature)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system, Type: "text"}}
	}

	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return llm.Response{}, &llm.ProviderError{Message: "empty response from Anthropic API"}
	}

	var text strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}

	return llm.Response{
		Content:      text.String(),
		Model:        string(resp.Model),
		FinishReason: string(resp.StopReason),
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
			TotalTokens:  int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}

// splitSystemAndAlternate extracts system messages into a single prompt
// and merges the remainder into strict user/assistant alternation, as
// required by the Anthropic Messages API.
func splitSystemAndAlternate(in []llm.Message) (system string, out []anthropic.MessageParam, err error) {
	var systemParts []string
	var rest []llm.Message
	for _, m := range in {
		if m.Role == llm.RoleSystem {
			systemParts = append(systemParts, m.Content)
		} else {
			rest = append(rest, m)
		}
	}
	if len(rest) == 0 {
		return "", nil, errors.New("message list has no non-system messages")
	}

	var merged []anthropic.MessageParam
	var pendingUser []string
	flush := func() {
		if len(pendingUser) > 0 {
			merged = append(merged, anthropic.NewUserMessage(anthropic.NewTextBlock(strings.Join(pendingUser, "\n\n"))))
			pendingUser = nil
		}
	}
	for _, m := range rest {
		if m.Role == llm.RoleAssistant {
			flush()
			merged = append(merged, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		} else {
			pendingUser = append(pendingUser, m.Content)
		}
	}
	flush()

	for i := 1; i < len(merged); i++ {
		if merged[i].Role == merged[i-1].Role {
			return "", nil, errors.New("alternation violation after merge")
		}
	}
	if merged[len(merged)-1].Role != anthropic.MessageParamRoleUser {
		return "", nil, errors.New("message sequence must end with a user message")
	}

	return strings.Join(systemParts, "\n\n"), merged, nil
}

var statusCodePattern = regexp.MustCompile(`\b(4\d\d|5\d\d)\b`)

func classifyError(err error) error {
	msg := err.Error()
	status := 0
	if m := statusCodePattern.FindString(msg); m != "" {
		status, _ = strconv.Atoi(m)
	}

	switch status {
	case 429:
		return &llm.RateLimitError{Message: msg}
	case 401, 403:
		return &llm.ProviderError{StatusCode: status, Message: "authentication failed: " + msg}
	default:
		return &llm.ProviderError{StatusCode: status, Message: msg}
	}
}

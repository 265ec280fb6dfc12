// Package geminiadapter implements llm.Client over the Google Gemini
// API. Safety filters are relaxed at every layer the SDK exposes, since
// this project generates and critiques code rather than chat content,
// and a stray safety block should not silently truncate a response.
package geminiadapter

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/taskforge/orchestrator/pkg/llm"
)

// Client wraps the official Gemini Go client to implement llm.Client.
type Client struct {
	sdk *genai.Client
}

// New constructs an adapter authenticated with apiKey.
func New(ctx context.Context, apiKey string) (*Client, error) {
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Client{sdk: c}, nil
}

var relaxedSafetySettings = []*genai.SafetySetting{
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockNone},
}

// ChatCompletion implements llm.Client.
func (c *Client) ChatCompletion(ctx context.Context, req llm.Request) (llm.Response, error) {
	system, contents := convertMessages(req.Messages)

	temperature := req.Temperature
	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(req.MaxTokens),
		Temperature:     &temperature,
		SafetySettings:  relaxedSafetySettings,
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	resp, err := c.sdk.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return llm.Response{}, &llm.SafetyBlockError{Message: "no candidates returned, likely a safety block"}
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety || candidate.FinishReason == genai.FinishReasonRecitation {
		return llm.Response{}, &llm.SafetyBlockError{
			SafetyRatings: safetyRatingsToMap(candidate.SafetyRatings),
			Message:       fmt.Sprintf("content blocked, finish reason %s", candidate.FinishReason),
		}
	}

	var text strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			text.WriteString(part.Text)
		}
	}

	usage := llm.Usage{}
	if resp.UsageMetadata != nil {
		usage = llm.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	return llm.Response{
		Content:      text.String(),
		Model:        req.Model,
		FinishReason: "stop",
		Usage:        usage,
	}, nil
}

// convertMessages splits out system messages (prepended as a single
// instruction, since Gemini has no system role) and maps the rest to
// genai.Content in order.
func convertMessages(messages []llm.Message) (system string, contents []*genai.Content) {
	var systemParts []string
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			systemParts = append(systemParts, m.Content)
		case llm.RoleAssistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: m.Content}}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		}
	}
	return strings.Join(systemParts, "\n\n"), contents
}

func safetyRatingsToMap(ratings []*genai.SafetyRating) map[string]string {
	out := make(map[string]string, len(ratings))
	for _, r := range ratings {
		out[string(r.Category)] = string(r.Probability)
	}
	return out
}

func classifyError(err error) error {
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "resource_exhausted") || strings.Contains(lower, "429"):
		return &llm.RateLimitError{Message: msg}
	case strings.Contains(lower, "permission_denied") || strings.Contains(lower, "unauthenticated"):
		return &llm.ProviderError{StatusCode: 401, Message: msg}
	default:
		return &llm.ProviderError{Message: msg}
	}
}

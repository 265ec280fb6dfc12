package geminiadapter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"google.golang.org/genai"

	"github.com/taskforge/orchestrator/pkg/llm"
)

func TestConvertMessagesSplitsSystemAndMapsRoles(t *testing.T) {
	system, contents := convertMessages([]llm.Message{
		{Role: llm.RoleSystem, Content: "be concise"},
		{Role: llm.RoleUser, Content: "hello"},
		{Role: llm.RoleAssistant, Content: "hi there"},
	})

	assert.Equal(t, "be concise", system)
	require.Len(t, contents, 2)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)
}

func TestClassifyErrorMapsRateLimit(t *testing.T) {
	err := classifyError(errors.New("429 RESOURCE_EXHAUSTED: quota exceeded"))
	var rle *llm.RateLimitError
	assert.ErrorAs(t, err, &rle)
}

func TestClassifyErrorMapsAuthFailure(t *testing.T) {
	err := classifyError(errors.New("PERMISSION_DENIED: API key invalid"))
	var pe *llm.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 401, pe.StatusCode)
}

func TestSafetyRatingsToMap(t *testing.T) {
	ratings := []*genai.SafetyRating{
		{Category: genai.HarmCategoryHarassment, Probability: genai.HarmProbabilityHigh},
	}
	m := safetyRatingsToMap(ratings)
	assert.Equal(t, "HIGH", m[string(genai.HarmCategoryHarassment)])
}

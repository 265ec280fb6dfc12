package anthropicadapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/orchestrator/pkg/llm"
)

func TestSplitSystemAndAlternateMergesConsecutiveUserTurns(t *testing.T) {
	system, out, err := splitSystemAndAlternate([]llm.Message{
		{Role: llm.RoleSystem, Content: "you are a helpful agent"},
		{Role: llm.RoleUser, Content: "part one"},
		{Role: llm.RoleUser, Content: "part two"},
	})
	require.NoError(t, err)
	assert.Equal(t, "you are a helpful agent", system)
	require.Len(t, out, 1)
}

func TestSplitSystemAndAlternateAlternatesUserAssistant(t *testing.T) {
	_, out, err := splitSystemAndAlternate([]llm.Message{
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleAssistant, Content: "hello"},
		{Role: llm.RoleUser, Content: "how are you"},
	})
	require.NoError(t, err)
	require.Len(t, out, 3)
}

func TestSplitSystemAndAlternateRejectsEmptyNonSystem(t *testing.T) {
	_, _, err := splitSystemAndAlternate([]llm.Message{
		{Role: llm.RoleSystem, Content: "only a system prompt"},
	})
	assert.Error(t, err)
}

func TestSplitSystemAndAlternateRejectsTrailingAssistant(t *testing.T) {
	_, _, err := splitSystemAndAlternate([]llm.Message{
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleAssistant, Content: "hello"},
	})
	assert.Error(t, err)
}

func TestClassifyErrorMapsRateLimit(t *testing.T) {
	err := classifyError(assertError("429 too many requests"))
	var rle *llm.RateLimitError
	assert.ErrorAs(t, err, &rle)
}

func TestClassifyErrorMapsAuthFailure(t *testing.T) {
	err := classifyError(assertError("401 unauthorized: invalid x-api-key"))
	var pe *llm.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 401, pe.StatusCode)
}

func TestClassifyErrorDefaultsToProviderError(t *testing.T) {
	err := classifyError(assertError("unexpected EOF"))
	var pe *llm.ProviderError
	assert.ErrorAs(t, err, &pe)
}

type stringError string

func (s stringError) Error() string { return string(s) }

func assertError(msg string) error { return stringError(msg) }

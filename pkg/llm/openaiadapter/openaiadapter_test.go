package openaiadapter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskforge/orchestrator/pkg/llm"
)

func TestClassifyErrorContentFilterMapsToSafetyBlock(t *testing.T) {
	err := classifyError(errors.New("the response was blocked by content_filter policy"))
	var sbe *llm.SafetyBlockError
	assert.ErrorAs(t, err, &sbe)
}

func TestClassifyErrorGenericMapsToProviderError(t *testing.T) {
	err := classifyError(errors.New("connection reset by peer"))
	var pe *llm.ProviderError
	assert.ErrorAs(t, err, &pe)
}

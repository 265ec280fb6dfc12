package router

import (
	"github.com/tiktoken-go/tokenizer"

	"github.com/taskforge/orchestrator/pkg/llm"
)

// tokenCodec is shared across estimateTokens calls; tiktoken's GPT-4
// codec is a reasonable universal approximation across providers since
// none of the adapters expose their own tokenizer.
var tokenCodec, tokenCodecErr = tokenizer.ForModel(tokenizer.GPT4)

// estimateTokens approximates the token cost of messages plus an
// expected completion length. It prefers tiktoken's count and falls
// back to the deterministic ¼-char-count heuristic if the codec
// failed to load or a given string can't be counted.
func estimateTokens(messages []llm.Message, expectedCompletionTokens int) int {
	var total int
	for _, m := range messages {
		total += countTokens(m.Content)
	}
	return total + expectedCompletionTokens
}

func countTokens(text string) int {
	if tokenCodecErr != nil || tokenCodec == nil {
		return quarterCharEstimate(text)
	}
	count, err := tokenCodec.Count(text)
	if err != nil {
		return quarterCharEstimate(text)
	}
	return count
}

func quarterCharEstimate(text string) int {
	return len(text) / 4
}

package router

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/orchestrator/pkg/convstore"
	"github.com/taskforge/orchestrator/pkg/keymanager"
	"github.com/taskforge/orchestrator/pkg/llm"
)

type fakeRateLimiter struct {
	cooldowns map[string]bool
}

func newFakeRateLimiter() *fakeRateLimiter {
	return &fakeRateLimiter{cooldowns: map[string]bool{}}
}

func (f *fakeRateLimiter) IsInCooldown(_ context.Context, keyID string) (bool, error) {
	return f.cooldowns[keyID], nil
}
func (f *fakeRateLimiter) ReserveRPMSlot(_ context.Context, _ string, _ int) (bool, error) {
	return true, nil
}
func (f *fakeRateLimiter) ReserveTokenBudget(_ context.Context, _ string, _, _ int) (bool, error) {
	return true, nil
}
func (f *fakeRateLimiter) SetCooldown(_ context.Context, keyID string, _ time.Duration) error {
	f.cooldowns[keyID] = true
	return nil
}
func (f *fakeRateLimiter) HealthCheck(_ context.Context) bool { return true }

type fakeSecretFetcher struct{}

func (fakeSecretFetcher) Fetch(keyID string) (string, error) { return "secret-" + keyID, nil }

type fakeProviderClient struct {
	responses []llm.Response
	errs      []error
	calls     int
}

func (f *fakeProviderClient) ChatCompletion(_ context.Context, _ llm.Request) (llm.Response, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return llm.Response{}, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return f.responses[len(f.responses)-1], nil
}

func newTestRouter(t *testing.T, client llm.Client) (*Router, *keymanager.Manager) {
	t.Helper()
	return newTestRouterWithOptions(t, client, Options{MaxRetries: 2, BaseBackoffMs: 1},
		keymanager.APIKey{KeyID: "k1", ModelName: "test-model", Provider: "fake", RPM: 100, TPM: 100000, Active: true})
}

func newTestRouterWithOptions(t *testing.T, client llm.Client, opts Options, keys ...keymanager.APIKey) (*Router, *keymanager.Manager) {
	t.Helper()
	limiter := newFakeRateLimiter()
	km := keymanager.New(limiter, fakeSecretFetcher{})
	km.LoadKeys(keys)

	dbPath := filepath.Join(t.TempDir(), "conv.db")
	store, err := convstore.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	resolver := func(provider string) (llm.Client, error) {
		if provider != "fake" {
			return nil, errors.New("unknown provider")
		}
		return client, nil
	}

	return New(km, store, resolver, opts), km
}

func TestSendChatSuccess(t *testing.T) {
	client := &fakeProviderClient{responses: []llm.Response{
		{Content: "hello there", Model: "test-model", Usage: llm.Usage{InputTokens: 5, OutputTokens: 3, TotalTokens: 8}, FinishReason: "stop"},
	}}
	r, _ := newTestRouter(t, client)

	res, err := r.SendChat(context.Background(), ChatRequest{ConvID: "c1", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello there", res.Content)
	assert.Equal(t, "k1", res.KeyID)

	history, err := r.conv.GetHistory(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "assistant", history[1].Role)
}

func TestSendChatRetriesOnRetryableProviderError(t *testing.T) {
	client := &fakeProviderClient{
		errs: []error{&llm.ProviderError{StatusCode: 503, Message: "503 service unavailable"}},
		responses: []llm.Response{
			{},
			{Content: "recovered", Model: "test-model"},
		},
	}
	// A retryable error excludes the failing key, so the retry needs a second key.
	r, _ := newTestRouterWithOptions(t, client, Options{MaxRetries: 2, BaseBackoffMs: 1},
		keymanager.APIKey{KeyID: "k1", ModelName: "test-model", Provider: "fake", RPM: 100, TPM: 100000, Active: true},
		keymanager.APIKey{KeyID: "k2", ModelName: "test-model", Provider: "fake", RPM: 100, TPM: 100000, Active: true},
	)

	res, err := r.SendChat(context.Background(), ChatRequest{ConvID: "c2", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Content)
	assert.Equal(t, 2, client.calls)
}

func TestSendChatFailsOnNonRetryableProviderError(t *testing.T) {
	client := &fakeProviderClient{
		errs: []error{&llm.ProviderError{StatusCode: 400, Message: "400 bad request: invalid prompt"}},
	}
	r, _ := newTestRouter(t, client)

	_, err := r.SendChat(context.Background(), ChatRequest{ConvID: "c3", Prompt: "hi"})
	assert.Error(t, err)
	assert.Equal(t, 1, client.calls)
}

func TestSendChatEscalatesWorkloadOnSafetyBlock(t *testing.T) {
	client := &fakeProviderClient{
		errs: []error{
			&llm.SafetyBlockError{Message: "blocked"},
			&llm.SafetyBlockError{Message: "blocked again"},
		},
		responses: []llm.Response{
			{}, {}, {Content: "ok after escalation", Model: "test-model"},
		},
	}
	r, _ := newTestRouter(t, client)

	res, err := r.SendChat(context.Background(), ChatRequest{ConvID: "c4", Prompt: "hi", Workload: WorkloadLight})
	require.NoError(t, err)
	assert.Equal(t, "ok after escalation", res.Content)
	assert.Equal(t, 3, client.calls)
}

// TestSendChatEscalatesThroughHeavyThenSanitizesAndSucceeds exercises the
// full light -> medium -> heavy -> sanitized-retry chain: once escalation
// tops out at heavy workload it must keep retrying rather than giving up,
// and the sanitized final attempt must reuse the key from the call that
// triggered it instead of letting SelectKey pick a different one.
func TestSendChatEscalatesThroughHeavyThenSanitizesAndSucceeds(t *testing.T) {
	client := &fakeProviderClient{
		errs: []error{
			&llm.SafetyBlockError{Message: "blocked at light"},
			&llm.SafetyBlockError{Message: "blocked at medium"},
			&llm.SafetyBlockError{Message: "blocked at heavy"},
			&llm.SafetyBlockError{Message: "blocked at heavy again"},
		},
		responses: []llm.Response{
			{}, {}, {}, {}, {Content: "ok after sanitized retry", Model: "test-model"},
		},
	}
	r, _ := newTestRouterWithOptions(t, client, Options{MaxRetries: 3, BaseBackoffMs: 1},
		keymanager.APIKey{KeyID: "k1", ModelName: "test-model", Provider: "fake", RPM: 100, TPM: 100000, Active: true})

	res, err := r.SendChat(context.Background(), ChatRequest{ConvID: "c4b", Prompt: "hi", Workload: WorkloadLight})
	require.NoError(t, err)
	assert.Equal(t, "ok after sanitized retry", res.Content)
	assert.Equal(t, "k1", res.KeyID)
	assert.Equal(t, 5, client.calls)
}

// TestSendChatSanitizedRetrySucceedsWithTwoKeys runs the full escalation
// chain with two keys available and checks that the sanitized final
// attempt succeeds on one of them. The fake client does not report which
// key served each call, so the key pinning itself is not observed here.
func TestSendChatSanitizedRetrySucceedsWithTwoKeys(t *testing.T) {
	client := &fakeProviderClient{
		errs: []error{
			&llm.SafetyBlockError{Message: "blocked at light"},
			&llm.SafetyBlockError{Message: "blocked at medium"},
			&llm.SafetyBlockError{Message: "blocked at heavy"},
			&llm.SafetyBlockError{Message: "blocked at heavy again"},
		},
		responses: []llm.Response{
			{}, {}, {}, {}, {Content: "ok after sanitized retry", Model: "test-model"},
		},
	}
	r, _ := newTestRouterWithOptions(t, client, Options{MaxRetries: 3, BaseBackoffMs: 1},
		keymanager.APIKey{KeyID: "k1", ModelName: "test-model", Provider: "fake", RPM: 100, TPM: 100000, Active: true},
		keymanager.APIKey{KeyID: "k2", ModelName: "test-model", Provider: "fake", RPM: 100, TPM: 100000, Active: true},
	)

	res, err := r.SendChat(context.Background(), ChatRequest{ConvID: "c4c", Prompt: "hi", Workload: WorkloadLight})
	require.NoError(t, err)
	// Safety blocks do not exclude keys, so either key may serve the calls.
	assert.Contains(t, []string{"k1", "k2"}, res.KeyID)
	assert.Equal(t, 5, client.calls)
}

func TestSendChatRateLimitExcludesKeyAndEventuallyExhausts(t *testing.T) {
	client := &fakeProviderClient{
		errs: []error{
			&llm.RateLimitError{RetryAfterSeconds: 1, Message: "rate limited"},
			&llm.RateLimitError{RetryAfterSeconds: 1, Message: "rate limited"},
			&llm.RateLimitError{RetryAfterSeconds: 1, Message: "rate limited"},
		},
	}
	r, _ := newTestRouter(t, client)

	_, err := r.SendChat(context.Background(), ChatRequest{ConvID: "c5", Prompt: "hi"})
	assert.ErrorIs(t, err, ErrAllKeysExhausted)
}

func TestCalculateBackoffCapsAndStaysNonNegative(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := calculateBackoff(500, attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 30*time.Second)
	}
}

func TestSanitizeMessagesStripsCodeAndSoftensWords(t *testing.T) {
	in := []llm.Message{{Role: llm.RoleUser, Content: "```py\nkill()\n``` this is an aggressive exploit attack using `eval`"}}
	out := sanitizeMessages(in)
	assert.NotContains(t, out[0].Content, "```")
	assert.Contains(t, out[0].Content, "[CODE_BLOCK_REMOVED]")
	assert.Contains(t, out[0].Content, "active")
	assert.Contains(t, out[0].Content, "strategy")
}

// Package router implements the RequestRouter: the single entry point
// for LLM calls. It bootstraps conversation state, picks a key through
// the key manager, calls the provider, and handles retries, cooldowns,
// and safety-filter escalation.
package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"time"

	"github.com/taskforge/orchestrator/pkg/convstore"
	"github.com/taskforge/orchestrator/pkg/keymanager"
	"github.com/taskforge/orchestrator/pkg/llm"
	"github.com/taskforge/orchestrator/pkg/logx"
	"github.com/taskforge/orchestrator/pkg/metrics"
)

// ErrAllKeysExhausted indicates every key was tried (and excluded) without success.
var ErrAllKeysExhausted = errors.New("router: all keys exhausted or rate limited")

// Workload tiers used for safety-block escalation, in order.
const (
	WorkloadLight  = "light"
	WorkloadMedium = "medium"
	WorkloadHeavy  = "heavy"
)

// ProviderResolver returns the llm.Client for a given provider name
// (e.g. "anthropic", "openai", "gemini", "ollama").
type ProviderResolver func(provider string) (llm.Client, error)

// Options configures a Router's retry/backoff behavior.
type Options struct {
	MaxRetries    int
	BaseBackoffMs int
}

// DefaultOptions mirrors the reference implementation's defaults.
var DefaultOptions = Options{MaxRetries: 3, BaseBackoffMs: 500}

// Router is the RequestRouter.
type Router struct {
	keys      *keymanager.Manager
	conv      *convstore.Store
	providers ProviderResolver
	opts      Options
	log       *logx.Logger
	recorder  *metrics.Recorder
}

// New constructs a Router over the given KeyManager, ConversationStore,
// and provider resolver.
func New(keys *keymanager.Manager, conv *convstore.Store, providers ProviderResolver, opts Options) *Router {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultOptions.MaxRetries
	}
	if opts.BaseBackoffMs <= 0 {
		opts.BaseBackoffMs = DefaultOptions.BaseBackoffMs
	}
	return &Router{
		keys:      keys,
		conv:      conv,
		providers: providers,
		opts:      opts,
		log:       logx.NewLogger("router"),
	}
}

// WithRecorder attaches a metrics.Recorder; SendChat reports request
// counts, token usage, and duration to it when set. Returns r so it
// can be chained onto New.
func (r *Router) WithRecorder(rec *metrics.Recorder) *Router {
	r.recorder = rec
	return r
}

func (r *Router) observe(req ChatRequest, model string, usage llm.Usage, success bool, duration time.Duration) {
	if r.recorder == nil {
		return
	}
	workflowID := req.Metadata["workflow_id"]
	if workflowID == "" {
		workflowID = req.WorkflowID
	}
	agentRole := req.Metadata["agent_role"]
	if agentRole == "" {
		agentRole = "unknown"
	}
	r.recorder.ObserveLLMRequest(model, workflowID, agentRole, usage.InputTokens, usage.OutputTokens, success, duration)
}

// ChatRequest is one SendChat call's inputs.
type ChatRequest struct {
	ConvID                   string
	Prompt                   string
	UserID                   string
	ModelPreference          string
	ExpectedCompletionTokens int
	MaxOutputTokens          int
	Temperature              float32
	SystemPrompt             string
	Metadata                 map[string]string
	Workload                 string
	WorkflowID               string
}

// ChatResult is SendChat's successful outcome.
type ChatResult struct {
	Content        string
	Model          string
	KeyID          string
	Usage          llm.Usage
	ConversationID string
	DurationMs     int64
}

// SendChat runs the full bootstrap → key-selection → provider-call →
// outcome-handling cycle described by the RequestRouter's algorithm.
func (r *Router) SendChat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if req.ExpectedCompletionTokens <= 0 {
		req.ExpectedCompletionTokens = 512
	}
	if req.MaxOutputTokens <= 0 {
		req.MaxOutputTokens = 2048
	}

	if _, err := r.conv.GetMetadata(ctx, req.ConvID); errors.Is(err, convstore.ErrNotFound) {
		if err := r.conv.CreateConversation(ctx, req.ConvID, req.UserID, req.Metadata); err != nil {
			return nil, fmt.Errorf("router: create conversation: %w", err)
		}
		if req.SystemPrompt != "" {
			if err := r.conv.AppendMessage(ctx, req.ConvID, "system", req.SystemPrompt, 0, nil); err != nil {
				return nil, fmt.Errorf("router: append system prompt: %w", err)
			}
		}
	} else if err != nil {
		return nil, fmt.Errorf("router: load conversation metadata: %w", err)
	}

	if err := r.conv.AppendMessage(ctx, req.ConvID, "user", req.Prompt, 0, nil); err != nil {
		return nil, fmt.Errorf("router: append user message: %w", err)
	}

	history, err := r.conv.GetHistory(ctx, req.ConvID)
	if err != nil {
		return nil, fmt.Errorf("router: read history: %w", err)
	}
	messages := historyToMessages(history)

	tokensNeeded := estimateTokens(messages, req.ExpectedCompletionTokens)
	r.log.Info("sending chat conv_id=%s estimated_tokens=%d model_preference=%s workload=%s",
		req.ConvID, tokensNeeded, req.ModelPreference, req.Workload)

	workload := req.Workload
	var excluded []string
	var pinnedKeyID string
	sanitizedRetryUsed := false

	// attempt has no upper bound here: every branch below either
	// returns a terminal result/error or continues, except the one
	// sanitized retry past MaxRetries, which sanitizedRetryUsed caps
	// at a single extra attempt.
	for attempt := 0; ; attempt++ {
		sel, err := r.keys.SelectKey(ctx, keymanager.SelectOptions{
			ModelPreference: req.ModelPreference,
			TokensNeeded:    tokensNeeded,
			ExcludeKeys:     excluded,
			Workload:        workload,
			ForceKeyID:      pinnedKeyID,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAllKeysExhausted, err)
		}

		client, err := r.providers(sel.Provider)
		if err != nil {
			return nil, fmt.Errorf("router: resolve provider %q: %w", sel.Provider, err)
		}

		start := time.Now()
		resp, callErr := client.ChatCompletion(ctx, llm.Request{
			Model:       sel.ModelName,
			Messages:    messages,
			MaxTokens:   req.MaxOutputTokens,
			Temperature: req.Temperature,
		})
		duration := time.Since(start)

		if callErr == nil {
			if err := r.conv.AppendMessage(ctx, req.ConvID, "assistant", resp.Content, resp.Usage.OutputTokens,
				map[string]string{"model": resp.Model, "key_id": sel.KeyID}); err != nil {
				return nil, fmt.Errorf("router: append assistant message: %w", err)
			}
			r.log.Info("chat successful conv_id=%s model=%s tokens=%+v", req.ConvID, resp.Model, resp.Usage)
			r.observe(req, resp.Model, resp.Usage, true, duration)
			return &ChatResult{
				Content:        resp.Content,
				Model:          resp.Model,
				KeyID:          sel.KeyID,
				Usage:          resp.Usage,
				ConversationID: req.ConvID,
				DurationMs:     duration.Milliseconds(),
			}, nil
		}

		var safetyErr *llm.SafetyBlockError
		var rateErr *llm.RateLimitError
		var providerErr *llm.ProviderError

		switch {
		case errors.As(callErr, &safetyErr):
			r.log.Warn("safety block for key %s: %v", sel.KeyID, safetyErr)

			switch {
			case workload == WorkloadLight && attempt < r.opts.MaxRetries:
				r.log.Info("escalating from light to medium workload due to safety block")
				workload = WorkloadMedium
				continue
			case workload == WorkloadMedium && attempt < r.opts.MaxRetries:
				r.log.Info("escalating from medium to heavy workload due to safety block")
				workload = WorkloadHeavy
				continue
			case workload == WorkloadHeavy && attempt < r.opts.MaxRetries:
				r.log.Info("already at heavy workload, retrying before sanitization pass")
				continue
			case attempt == r.opts.MaxRetries && !sanitizedRetryUsed:
				r.log.Warn("last attempt: sanitizing prompt to bypass safety filter")
				messages = sanitizeMessages(messages)
				pinnedKeyID = sel.KeyID
				sanitizedRetryUsed = true
				continue
			default:
				r.observe(req, sel.ModelName, llm.Usage{}, false, duration)
				return nil, fmt.Errorf("router: content blocked by safety filter after all escalation attempts: %v", safetyErr.SafetyRatings)
			}

		case errors.As(callErr, &rateErr):
			r.log.Warn("rate limit for key %s: %v", sel.KeyID, rateErr)
			cooldown := time.Duration(rateErr.RetryAfterSeconds) * time.Second
			if cooldown <= 0 {
				cooldown = 60 * time.Second
			}
			r.keys.MarkUnhealthy(ctx, sel.KeyID, cooldown, fmt.Sprintf("rate limit (429): %v", rateErr))
			excluded = append(excluded, sel.KeyID)

			if attempt < r.opts.MaxRetries {
				backoff := calculateBackoff(r.opts.BaseBackoffMs, attempt)
				r.log.Info("retrying after %s backoff", backoff)
				if err := sleep(ctx, backoff); err != nil {
					return nil, err
				}
				continue
			}
			r.observe(req, sel.ModelName, llm.Usage{}, false, duration)
			return nil, fmt.Errorf("%w: %v", ErrAllKeysExhausted, rateErr)

		case errors.As(callErr, &providerErr):
			retryable := providerErr.IsRetryable()
			if retryable && attempt < r.opts.MaxRetries {
				r.log.Warn("retryable provider error on attempt %d/%d: %v", attempt+1, r.opts.MaxRetries+1, providerErr)
				r.keys.MarkUnhealthy(ctx, sel.KeyID, 30*time.Second, fmt.Sprintf("retryable error: %v", providerErr))
				excluded = append(excluded, sel.KeyID)

				backoff := calculateBackoff(r.opts.BaseBackoffMs, attempt)
				r.log.Info("retrying after %s backoff (different key)", backoff)
				if err := sleep(ctx, backoff); err != nil {
					return nil, err
				}
				continue
			}

			r.log.Error("non-retryable provider error: %v", providerErr)
			r.keys.MarkUnhealthy(ctx, sel.KeyID, 30*time.Second, fmt.Sprintf("provider error: %v", providerErr))
			r.observe(req, sel.ModelName, llm.Usage{}, false, duration)
			return nil, fmt.Errorf("router: provider error: %w", providerErr)

		default:
			r.observe(req, sel.ModelName, llm.Usage{}, false, duration)
			return nil, fmt.Errorf("router: unexpected error: %w", callErr)
		}
	}

	return nil, fmt.Errorf("%w: max retries exceeded", ErrAllKeysExhausted)
}

// SendOneShot sends a single stateless request under a synthetic
// conversation id. Useful for code generation calls that don't need
// multi-turn history.
func (r *Router) SendOneShot(ctx context.Context, req ChatRequest, convIDSeed int64) (*ChatResult, error) {
	req.ConvID = fmt.Sprintf("oneshot_%d", convIDSeed)
	return r.SendChat(ctx, req)
}

func historyToMessages(history []convstore.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		out = append(out, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// calculateBackoff computes exponential backoff with ±25% jitter,
// capped at 30s.
func calculateBackoff(baseMs, attempt int) time.Duration {
	backoff := float64(baseMs) * pow2(attempt)
	jitter := (rand.Float64()*2 - 1) * 0.25 * backoff
	backoff += jitter

	capped := 30000.0
	if backoff > capped {
		backoff = capped
	}
	if backoff < 0 {
		backoff = float64(baseMs)
	}
	return time.Duration(backoff) * time.Millisecond
}

func pow2(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

var (
	codeBlockPattern  = regexp.MustCompile("(?s)```.*?```")
	inlineCodePattern = regexp.MustCompile("`[^`]+`")
)

// sanitizeWordlist is the denylist of trigger words mapped to neutral
// synonyms, applied case-insensitively as the last-resort safety-block
// bypass.
var sanitizeWordlist = []struct {
	pattern *regexp.Regexp
	repl    string
}{
	{regexp.MustCompile(`(?i)\bkill\b`), "close"},
	{regexp.MustCompile(`(?i)\bexploit\b`), "use"},
	{regexp.MustCompile(`(?i)\battack\b`), "strategy"},
	{regexp.MustCompile(`(?i)\baggressive\b`), "active"},
	{regexp.MustCompile(`(?i)\bhft\b`), "high-frequency trading"},
	{regexp.MustCompile(`(?i)manipulat\w*`), "optimiz"},
}

// sanitizeMessages strips fenced/inline code and softens a fixed
// word list, as a last-resort attempt to bypass a safety filter.
func sanitizeMessages(messages []llm.Message) []llm.Message {
	out := make([]llm.Message, len(messages))
	for i, m := range messages {
		content := codeBlockPattern.ReplaceAllString(m.Content, "[CODE_BLOCK_REMOVED]")
		content = inlineCodePattern.ReplaceAllString(content, "[CODE]")
		for _, w := range sanitizeWordlist {
			content = w.pattern.ReplaceAllString(content, w.repl)
		}
		out[i] = llm.Message{Role: m.Role, Content: content}
	}
	return out
}

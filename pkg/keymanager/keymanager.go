// Package keymanager selects the best available API key for a
// requested model, workload, and token budget, reserving RPM/TPM
// capacity atomically via redisrate and fetching the key's secret
// value via secrets before handing it back to the router.
package keymanager

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/taskforge/orchestrator/pkg/logx"
	"github.com/taskforge/orchestrator/pkg/redisrate"
	"github.com/taskforge/orchestrator/pkg/secrets"
)

// ErrNoActiveKeys indicates the manager has no active keys loaded at all.
var ErrNoActiveKeys = errors.New("keymanager: no active keys available")

// ErrNoCapacity indicates every candidate key was filtered out, in
// cooldown, or out of RPM/TPM budget.
var ErrNoCapacity = errors.New("keymanager: no keys with available capacity")

// APIKey describes one configured provider credential and its budget.
// Secrets are never stored here; Selection.Secret is fetched on demand.
type APIKey struct {
	KeyID     string
	ModelName string
	Provider  string
	RPM       int
	TPM       int
	RPD       int
	Priority  int
	Workload  string // "light" | "medium" | "heavy"
	Active    bool
	Tags      map[string]string
}

// Selection is what SelectKey returns on success: enough to make one
// LLM call with the chosen credential.
type Selection struct {
	KeyID     string
	Secret    string
	ModelName string
	Provider  string
	Tags      map[string]string
}

// SelectOptions narrows the candidate pool for one SelectKey call.
type SelectOptions struct {
	ModelPreference string
	TokensNeeded    int
	ExcludeKeys     []string
	Workload        string // "" = any

	// ForceKeyID pins selection to one specific key, bypassing the
	// normal candidate sort. Used by the router's post-sanitization
	// safety-block retry, which must reuse the key whose quota it
	// already reserved against rather than risk sortCandidates'
	// jitter picking a different one.
	ForceKeyID string
}

// RateLimiter is the subset of redisrate.Limiter the key manager needs.
// Defined here so tests can substitute an in-memory fake instead of a
// live Redis connection.
type RateLimiter interface {
	IsInCooldown(ctx context.Context, keyID string) (bool, error)
	ReserveRPMSlot(ctx context.Context, keyID string, rpmLimit int) (bool, error)
	ReserveTokenBudget(ctx context.Context, keyID string, tpmLimit, tokensRequired int) (bool, error)
	SetCooldown(ctx context.Context, keyID string, d time.Duration) error
	HealthCheck(ctx context.Context) bool
}

// SecretFetcher is the subset of secrets.Store the key manager needs.
type SecretFetcher interface {
	Fetch(keyID string) (string, error)
}

var (
	_ RateLimiter   = (*redisrate.Limiter)(nil)
	_ SecretFetcher = (*secrets.Store)(nil)
)

// Manager is the in-memory key index plus its reservation and secret backends.
type Manager struct {
	limiter RateLimiter
	store   SecretFetcher
	log     *logx.Logger

	mu   sync.RWMutex
	keys map[string]APIKey
}

// New constructs a Manager with no keys loaded; call LoadKeys or AddKey.
func New(limiter RateLimiter, store SecretFetcher) *Manager {
	return &Manager{
		limiter: limiter,
		store:   store,
		log:     logx.NewLogger("keymanager"),
		keys:    make(map[string]APIKey),
	}
}

// LoadKeys replaces the manager's key index with the active keys in keys.
func (m *Manager) LoadKeys(keys []APIKey) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.keys = make(map[string]APIKey, len(keys))
	for _, k := range keys {
		if k.Active {
			m.keys[k.KeyID] = k
		}
	}
	m.log.Info("loaded %d active keys", len(m.keys))
}

// AddKey adds or updates a single key in the index.
func (m *Manager) AddKey(k APIKey) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if k.Active {
		m.keys[k.KeyID] = k
	} else {
		delete(m.keys, k.KeyID)
	}
}

// RemoveKey removes a key from the index.
func (m *Manager) RemoveKey(keyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, keyID)
}

// SelectKey runs the candidate filter/sort/reserve pipeline and returns
// the chosen key's Selection, falling back first by dropping the
// workload filter, then by dropping the model preference, before giving
// up with ErrNoCapacity.
func (m *Manager) SelectKey(ctx context.Context, opts SelectOptions) (*Selection, error) {
	m.mu.RLock()
	total := len(m.keys)
	candidates := make([]APIKey, 0, len(m.keys))
	excluded := make(map[string]bool, len(opts.ExcludeKeys))
	for _, id := range opts.ExcludeKeys {
		excluded[id] = true
	}
	for _, k := range m.keys {
		if k.Active && !excluded[k.KeyID] {
			candidates = append(candidates, k)
		}
	}
	m.mu.RUnlock()

	if total == 0 {
		return nil, ErrNoActiveKeys
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: all keys excluded or inactive", ErrNoCapacity)
	}

	if opts.ForceKeyID != "" {
		for _, k := range candidates {
			if k.KeyID != opts.ForceKeyID {
				continue
			}
			tokensNeeded := opts.TokensNeeded
			if tokensNeeded <= 0 {
				tokensNeeded = 1000
			}
			sel, err := m.tryReserve(ctx, k, tokensNeeded)
			if err != nil {
				return nil, fmt.Errorf("%w: pinned key %s not usable: %v", ErrNoCapacity, opts.ForceKeyID, err)
			}
			return sel, nil
		}
		return nil, fmt.Errorf("%w: pinned key %s not a candidate", ErrNoCapacity, opts.ForceKeyID)
	}

	if opts.Workload != "" {
		filtered := filterByWorkload(candidates, opts.Workload)
		if len(filtered) > 0 {
			candidates = filtered
		}
	}

	sortCandidates(candidates, opts.ModelPreference)

	tokensNeeded := opts.TokensNeeded
	if tokensNeeded <= 0 {
		tokensNeeded = 1000
	}

	for _, k := range candidates {
		sel, err := m.tryReserve(ctx, k, tokensNeeded)
		if err != nil {
			m.log.Debug("key %s not usable: %v", k.KeyID, err)
			continue
		}
		return sel, nil
	}

	// Fallback: retry without the workload filter.
	if opts.Workload != "" {
		m.log.Info("fallback: retrying select without workload filter %q", opts.Workload)
		fallbackOpts := opts
		fallbackOpts.Workload = ""
		return m.SelectKey(ctx, fallbackOpts)
	}

	// Fallback: retry without the model preference.
	if opts.ModelPreference != "" {
		m.log.Info("fallback: retrying select without model preference %q", opts.ModelPreference)
		fallbackOpts := opts
		fallbackOpts.ModelPreference = ""
		return m.SelectKey(ctx, fallbackOpts)
	}

	return nil, ErrNoCapacity
}

func filterByWorkload(candidates []APIKey, workload string) []APIKey {
	out := make([]APIKey, 0, len(candidates))
	for _, k := range candidates {
		if k.Tags["workload"] == workload {
			out = append(out, k)
		}
	}
	return out
}

// sortCandidates orders by exact-model-match first, then ascending
// Priority field (default 999), with random jitter to spread load across
// equally-ranked keys.
func sortCandidates(candidates []APIKey, modelPreference string) {
	rnd := make([]float64, len(candidates))
	for i := range rnd {
		rnd[i] = rand.Float64()
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		mi, mj := modelRank(candidates[i], modelPreference), modelRank(candidates[j], modelPreference)
		if mi != mj {
			return mi < mj
		}
		pi, pj := priorityOf(candidates[i]), priorityOf(candidates[j])
		if pi != pj {
			return pi < pj
		}
		return rnd[i] < rnd[j]
	})
}

func modelRank(k APIKey, modelPreference string) int {
	if modelPreference == "" {
		return 0
	}
	if k.ModelName == modelPreference {
		return 0
	}
	return 1
}

func priorityOf(k APIKey) int {
	if k.Priority != 0 {
		return k.Priority
	}
	return 999
}

func (m *Manager) tryReserve(ctx context.Context, k APIKey, tokensNeeded int) (*Selection, error) {
	inCooldown, err := m.limiter.IsInCooldown(ctx, k.KeyID)
	if err != nil {
		return nil, err
	}
	if inCooldown {
		return nil, fmt.Errorf("key %s in cooldown", k.KeyID)
	}

	granted, err := m.limiter.ReserveRPMSlot(ctx, k.KeyID, k.RPM)
	if err != nil {
		return nil, err
	}
	if !granted {
		return nil, fmt.Errorf("key %s RPM limit exceeded", k.KeyID)
	}

	granted, err = m.limiter.ReserveTokenBudget(ctx, k.KeyID, k.TPM, tokensNeeded)
	if err != nil {
		return nil, err
	}
	if !granted {
		return nil, fmt.Errorf("key %s TPM limit exceeded (needed %d)", k.KeyID, tokensNeeded)
	}

	secret, err := m.store.Fetch(k.KeyID)
	if err != nil {
		// Short cooldown to avoid hammering a broken secret backend.
		_ = m.limiter.SetCooldown(ctx, k.KeyID, cooldownOnSecretFailure)
		return nil, fmt.Errorf("fetch secret for %s: %w", k.KeyID, err)
	}

	m.log.Info("selected key %s (model=%s tokens=%d)", k.KeyID, k.ModelName, tokensNeeded)
	return &Selection{
		KeyID:     k.KeyID,
		Secret:    secret,
		ModelName: k.ModelName,
		Provider:  k.Provider,
		Tags:      k.Tags,
	}, nil
}

const cooldownOnSecretFailure = 60 * time.Second

// MarkUnhealthy puts keyID into cooldown, e.g. after a provider rate-limit
// or auth failure the router observed.
func (m *Manager) MarkUnhealthy(ctx context.Context, keyID string, cooldown time.Duration, reason string) {
	_ = m.limiter.SetCooldown(ctx, keyID, cooldown)
	m.log.Warn("key %s marked unhealthy: %s (cooldown %s)", keyID, reason, cooldown)
}

// Health summarizes KeyManager + Redis health, as returned by HealthCheck.
type Health struct {
	Healthy        bool
	TotalKeys      int
	ActiveKeys     int
	KeysInCooldown int
	RedisHealthy   bool
}

// HealthCheck reports whether the manager can currently serve requests:
// at least one active key exists, Redis is reachable, and not every
// active key is in cooldown.
func (m *Manager) HealthCheck(ctx context.Context) Health {
	m.mu.RLock()
	total := len(m.keys)
	active := make([]APIKey, 0, len(m.keys))
	for _, k := range m.keys {
		if k.Active {
			active = append(active, k)
		}
	}
	m.mu.RUnlock()

	inCooldown := 0
	for _, k := range active {
		if ok, _ := m.limiter.IsInCooldown(ctx, k.KeyID); ok {
			inCooldown++
		}
	}
	redisHealthy := m.limiter.HealthCheck(ctx)

	return Health{
		Healthy:        len(active) > 0 && redisHealthy && inCooldown < len(active),
		TotalKeys:      total,
		ActiveKeys:     len(active),
		KeysInCooldown: inCooldown,
		RedisHealthy:   redisHealthy,
	}
}

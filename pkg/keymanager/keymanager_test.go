package keymanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLimiter struct {
	cooldowns map[string]bool
	rpmDeny   map[string]bool
	tpmDeny   map[string]bool
	healthy   bool
}

func newFakeLimiter() *fakeLimiter {
	return &fakeLimiter{
		cooldowns: map[string]bool{},
		rpmDeny:   map[string]bool{},
		tpmDeny:   map[string]bool{},
		healthy:   true,
	}
}

func (f *fakeLimiter) IsInCooldown(_ context.Context, keyID string) (bool, error) {
	return f.cooldowns[keyID], nil
}

func (f *fakeLimiter) ReserveRPMSlot(_ context.Context, keyID string, _ int) (bool, error) {
	return !f.rpmDeny[keyID], nil
}

func (f *fakeLimiter) ReserveTokenBudget(_ context.Context, keyID string, _, _ int) (bool, error) {
	return !f.tpmDeny[keyID], nil
}

func (f *fakeLimiter) SetCooldown(_ context.Context, keyID string, _ time.Duration) error {
	f.cooldowns[keyID] = true
	return nil
}

func (f *fakeLimiter) HealthCheck(_ context.Context) bool { return f.healthy }

type fakeSecrets struct {
	values map[string]string
	fail   map[string]bool
}

func (f *fakeSecrets) Fetch(keyID string) (string, error) {
	if f.fail[keyID] {
		return "", assert.AnError
	}
	return f.values[keyID], nil
}

func testKeys() []APIKey {
	return []APIKey{
		{KeyID: "k_anthropic_1", ModelName: "claude-sonnet-4-20250514", Provider: "anthropic", RPM: 100, TPM: 100000, Priority: 1, Active: true, Tags: map[string]string{"workload": "heavy"}},
		{KeyID: "k_anthropic_2", ModelName: "claude-sonnet-4-20250514", Provider: "anthropic", RPM: 100, TPM: 100000, Priority: 2, Active: true, Tags: map[string]string{"workload": "light"}},
		{KeyID: "k_openai_1", ModelName: "o3-mini", Provider: "openai", RPM: 50, TPM: 50000, Priority: 1, Active: true, Tags: map[string]string{"workload": "light"}},
	}
}

func newTestManager() (*Manager, *fakeLimiter, *fakeSecrets) {
	limiter := newFakeLimiter()
	store := &fakeSecrets{values: map[string]string{
		"k_anthropic_1": "sk-ant-1",
		"k_anthropic_2": "sk-ant-2",
		"k_openai_1":    "sk-oai-1",
	}, fail: map[string]bool{}}

	m := New(limiter, store)
	m.LoadKeys(testKeys())
	return m, limiter, store
}

func TestSelectKeyNoActiveKeys(t *testing.T) {
	m := New(newFakeLimiter(), &fakeSecrets{})
	_, err := m.SelectKey(context.Background(), SelectOptions{})
	assert.ErrorIs(t, err, ErrNoActiveKeys)
}

func TestSelectKeyPrefersModelMatch(t *testing.T) {
	m, _, _ := newTestManager()

	sel, err := m.SelectKey(context.Background(), SelectOptions{ModelPreference: "o3-mini", TokensNeeded: 500})
	require.NoError(t, err)
	assert.Equal(t, "k_openai_1", sel.KeyID)
	assert.Equal(t, "sk-oai-1", sel.Secret)
}

func TestSelectKeyFiltersByWorkload(t *testing.T) {
	m, _, _ := newTestManager()

	sel, err := m.SelectKey(context.Background(), SelectOptions{Workload: "heavy", TokensNeeded: 500})
	require.NoError(t, err)
	assert.Equal(t, "k_anthropic_1", sel.KeyID)
}

func TestSelectKeyFallsBackWhenWorkloadExhausted(t *testing.T) {
	m, limiter, _ := newTestManager()
	limiter.rpmDeny["k_anthropic_1"] = true // the only "heavy" key is exhausted

	sel, err := m.SelectKey(context.Background(), SelectOptions{Workload: "heavy", TokensNeeded: 500})
	require.NoError(t, err, "should fall back to non-heavy keys")
	assert.NotEqual(t, "k_anthropic_1", sel.KeyID)
}

func TestSelectKeyForceKeyIDPinsSelection(t *testing.T) {
	m, _, _ := newTestManager()

	// Without pinning, model preference would route to k_openai_1.
	// ForceKeyID must override that and return the pinned key instead.
	sel, err := m.SelectKey(context.Background(), SelectOptions{
		ModelPreference: "o3-mini",
		TokensNeeded:    500,
		ForceKeyID:      "k_anthropic_2",
	})
	require.NoError(t, err)
	assert.Equal(t, "k_anthropic_2", sel.KeyID)
	assert.Equal(t, "sk-ant-2", sel.Secret)
}

func TestSelectKeyForceKeyIDFailsWhenKeyUnusable(t *testing.T) {
	m, limiter, _ := newTestManager()
	limiter.rpmDeny["k_anthropic_2"] = true

	_, err := m.SelectKey(context.Background(), SelectOptions{ForceKeyID: "k_anthropic_2", TokensNeeded: 500})
	assert.ErrorIs(t, err, ErrNoCapacity)
}

func TestSelectKeyForceKeyIDFailsWhenKeyExcluded(t *testing.T) {
	m, _, _ := newTestManager()

	_, err := m.SelectKey(context.Background(), SelectOptions{
		ForceKeyID:  "k_anthropic_2",
		ExcludeKeys: []string{"k_anthropic_2"},
	})
	assert.ErrorIs(t, err, ErrNoCapacity)
}

func TestSelectKeySkipsCooldownAndExcluded(t *testing.T) {
	m, limiter, _ := newTestManager()
	limiter.cooldowns["k_anthropic_1"] = true
	limiter.cooldowns["k_anthropic_2"] = true

	sel, err := m.SelectKey(context.Background(), SelectOptions{ExcludeKeys: []string{"k_openai_1"}})
	assert.ErrorIs(t, err, ErrNoCapacity)
	assert.Nil(t, sel)
}

func TestSelectKeySecretFetchFailureCooldownsAndSkips(t *testing.T) {
	limiter := newFakeLimiter()
	store := &fakeSecrets{values: map[string]string{}, fail: map[string]bool{"k_openai_1": true}}
	m := New(limiter, store)
	m.LoadKeys([]APIKey{{KeyID: "k_openai_1", ModelName: "o3-mini", Active: true, RPM: 10, TPM: 1000}})

	_, err := m.SelectKey(context.Background(), SelectOptions{})
	assert.ErrorIs(t, err, ErrNoCapacity)
	assert.True(t, limiter.cooldowns["k_openai_1"])
}

func TestHealthCheck(t *testing.T) {
	m, limiter, _ := newTestManager()

	h := m.HealthCheck(context.Background())
	assert.True(t, h.Healthy)
	assert.Equal(t, 3, h.ActiveKeys)

	limiter.cooldowns["k_anthropic_1"] = true
	limiter.cooldowns["k_anthropic_2"] = true
	limiter.cooldowns["k_openai_1"] = true
	h = m.HealthCheck(context.Background())
	assert.False(t, h.Healthy, "all keys in cooldown should be unhealthy")
}

func TestAddAndRemoveKey(t *testing.T) {
	m, _, _ := newTestManager()
	m.RemoveKey("k_openai_1")

	sel, err := m.SelectKey(context.Background(), SelectOptions{ModelPreference: "o3-mini"})
	require.NoError(t, err)
	assert.NotEqual(t, "k_openai_1", sel.KeyID)

	m.AddKey(APIKey{KeyID: "k_openai_2", ModelName: "o3-mini", Active: true, RPM: 10, TPM: 1000})
	h := m.HealthCheck(context.Background())
	assert.Equal(t, 3, h.ActiveKeys)
}

package redisrate

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestLimiter connects to a local Redis instance for integration
// testing. Rate-tracking correctness depends on Redis's atomic Lua
// script execution, which an in-process fake cannot faithfully emulate,
// so these tests skip rather than mock when no instance is reachable.
func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available at localhost:6379: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return New(client)
}

func TestReserveRPMSlotGrantsUnderLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		granted, err := l.ReserveRPMSlot(ctx, "key_a", 3)
		require.NoError(t, err)
		assert.True(t, granted, "slot %d should be granted", i)
	}

	granted, err := l.ReserveRPMSlot(ctx, "key_a", 3)
	require.NoError(t, err)
	assert.False(t, granted, "4th slot should be denied")
}

func TestReserveRPMSlotUnlimitedWhenZero(t *testing.T) {
	l := newTestLimiter(t)
	granted, err := l.ReserveRPMSlot(context.Background(), "key_unlimited", 0)
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestReserveTokenBudgetCapsAtLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	granted, err := l.ReserveTokenBudget(ctx, "key_b", 1000, 600)
	require.NoError(t, err)
	assert.True(t, granted)

	granted, err = l.ReserveTokenBudget(ctx, "key_b", 1000, 600)
	require.NoError(t, err)
	assert.False(t, granted, "second reservation would exceed the 1000 tpm cap")
}

func TestCooldownLifecycle(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	inCooldown, err := l.IsInCooldown(ctx, "key_c")
	require.NoError(t, err)
	assert.False(t, inCooldown)

	require.NoError(t, l.SetCooldown(ctx, "key_c", 2*time.Second))

	inCooldown, err = l.IsInCooldown(ctx, "key_c")
	require.NoError(t, err)
	assert.True(t, inCooldown)

	ttl, err := l.CooldownTTL(ctx, "key_c")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, l.ClearCooldown(ctx, "key_c"))
	inCooldown, err = l.IsInCooldown(ctx, "key_c")
	require.NoError(t, err)
	assert.False(t, inCooldown)
}

func TestHealthCheck(t *testing.T) {
	l := newTestLimiter(t)
	assert.True(t, l.HealthCheck(context.Background()))
}

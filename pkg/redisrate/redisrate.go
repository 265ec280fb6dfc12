// Package redisrate implements the atomic, Redis-backed rate-tracking
// primitives the KeyManager uses to reserve a request-per-minute slot
// and a token-per-minute budget for an API key, and to place a key in
// cooldown after a provider rate-limit response.
//
// All reservation math happens inside Lua scripts so that the
// read-check-increment sequence is atomic even with many orchestrator
// processes sharing one Redis instance. Every call fails open: if Redis
// itself is unreachable, the reservation is granted and the Limiter logs
// a warning rather than blocking all LLM traffic on a Redis outage.
package redisrate

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskforge/orchestrator/pkg/logx"
)

// rpmScript atomically rolls the per-minute window for key_id and grants
// a slot if usage is still under limit.
//
// KEYS[1] = rpm:<key_id>
// ARGV[1] = current window (unix seconds / 60)
// ARGV[2] = rpm limit
//
// Returns 1 if granted, 0 if the window is exhausted.
var rpmScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])

local storedWindow = redis.call('HGET', key, 'window')
local count = 0

if storedWindow and tonumber(storedWindow) == window then
	count = tonumber(redis.call('HGET', key, 'count') or '0')
else
	redis.call('HSET', key, 'window', window)
	redis.call('HSET', key, 'count', 0)
	count = 0
end

if count >= limit then
	redis.call('EXPIRE', key, 120)
	return 0
end

redis.call('HINCRBY', key, 'count', 1)
redis.call('EXPIRE', key, 120)
return 1
`)

// tpmScript atomically rolls the per-minute token window for key_id and
// grants tokensRequired against it if there is remaining budget.
//
// KEYS[1] = tpm:<key_id>
// ARGV[1] = current window (unix seconds / 60)
// ARGV[2] = tpm limit
// ARGV[3] = tokens requested
//
// Returns 1 if granted, 0 if granting would exceed the limit.
var tpmScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])

local storedWindow = redis.call('HGET', key, 'window')
local used = 0

if storedWindow and tonumber(storedWindow) == window then
	used = tonumber(redis.call('HGET', key, 'used') or '0')
else
	redis.call('HSET', key, 'window', window)
	redis.call('HSET', key, 'used', 0)
	used = 0
end

if used + requested > limit then
	redis.call('EXPIRE', key, 120)
	return 0
end

redis.call('HINCRBY', key, 'used', requested)
redis.call('EXPIRE', key, 120)
return 1
`)

// Limiter wraps a Redis client with the rate-tracking operations
// KeyManager needs. Every method fails open on Redis errors.
type Limiter struct {
	client *redis.Client
	log    *logx.Logger
}

// New constructs a Limiter over an existing Redis client.
func New(client *redis.Client) *Limiter {
	return &Limiter{client: client, log: logx.NewLogger("redisrate")}
}

func currentWindow() int64 {
	return time.Now().Unix() / 60
}

// ReserveRPMSlot attempts to reserve one request against keyID's
// requests-per-minute budget. Returns true if granted. Fails open
// (returns true, nil) if Redis is unreachable.
func (l *Limiter) ReserveRPMSlot(ctx context.Context, keyID string, rpmLimit int) (bool, error) {
	if rpmLimit <= 0 {
		return true, nil // unlimited
	}

	res, err := rpmScript.Run(ctx, l.client, []string{"rpm:" + keyID}, currentWindow(), rpmLimit).Result()
	if err != nil {
		l.log.Warn("rpm reservation failed open for key %s: %v", keyID, err)
		return true, nil
	}

	granted, _ := res.(int64)
	return granted == 1, nil
}

// ReserveTokenBudget attempts to reserve tokensRequired against keyID's
// tokens-per-minute budget. Returns true if granted. Fails open on
// Redis errors.
func (l *Limiter) ReserveTokenBudget(ctx context.Context, keyID string, tpmLimit, tokensRequired int) (bool, error) {
	if tpmLimit <= 0 {
		return true, nil
	}

	res, err := tpmScript.Run(ctx, l.client, []string{"tpm:" + keyID}, currentWindow(), tpmLimit, tokensRequired).Result()
	if err != nil {
		l.log.Warn("tpm reservation failed open for key %s: %v", keyID, err)
		return true, nil
	}

	granted, _ := res.(int64)
	return granted == 1, nil
}

// RPMUsage returns the request count recorded in keyID's current window.
func (l *Limiter) RPMUsage(ctx context.Context, keyID string) (int, error) {
	return l.hgetInt(ctx, "rpm:"+keyID, "count")
}

// TPMUsage returns the token count recorded in keyID's current window.
func (l *Limiter) TPMUsage(ctx context.Context, keyID string) (int, error) {
	return l.hgetInt(ctx, "tpm:"+keyID, "used")
}

func (l *Limiter) hgetInt(ctx context.Context, key, field string) (int, error) {
	val, err := l.client.HGet(ctx, key, field).Int()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		l.log.Warn("usage lookup failed open for %s: %v", key, err)
		return 0, nil
	}
	return val, nil
}

// SetCooldown places keyID into cooldown for the given duration.
func (l *Limiter) SetCooldown(ctx context.Context, keyID string, d time.Duration) error {
	if err := l.client.SetEx(ctx, "key:cooldown:"+keyID, "1", d).Err(); err != nil {
		l.log.Warn("set cooldown failed for key %s: %v", keyID, err)
		return nil // fail open
	}
	return nil
}

// IsInCooldown reports whether keyID is currently in cooldown.
func (l *Limiter) IsInCooldown(ctx context.Context, keyID string) (bool, error) {
	n, err := l.client.Exists(ctx, "key:cooldown:"+keyID).Result()
	if err != nil {
		l.log.Warn("cooldown check failed open for key %s: %v", keyID, err)
		return false, nil
	}
	return n > 0, nil
}

// CooldownTTL returns the remaining cooldown duration for keyID, or 0 if
// not in cooldown.
func (l *Limiter) CooldownTTL(ctx context.Context, keyID string) (time.Duration, error) {
	ttl, err := l.client.TTL(ctx, "key:cooldown:"+keyID).Result()
	if err != nil || ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// ClearCooldown removes keyID's cooldown, if any.
func (l *Limiter) ClearCooldown(ctx context.Context, keyID string) error {
	if err := l.client.Del(ctx, "key:cooldown:"+keyID).Err(); err != nil {
		l.log.Warn("clear cooldown failed for key %s: %v", keyID, err)
	}
	return nil
}

// HealthCheck pings Redis. KeyManager treats a failed ping as
// "rate tracking degraded, failing open" rather than a hard outage.
func (l *Limiter) HealthCheck(ctx context.Context) bool {
	if err := l.client.Ping(ctx).Err(); err != nil {
		l.log.Warn("redis health check failed: %v", err)
		return false
	}
	return true
}

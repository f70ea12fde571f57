package dispatch

import (
	"fmt"
	"time"

	"context"

	"github.com/go-redis/redis/v8"

	apperrors "github.com/meetsmatch/dispatcher/internal/errors"
)

// RateLimitOp is the operation type a rate limit applies to (§4.5).
type RateLimitOp string

const (
	OpNotification RateLimitOp = "notification"
	OpStatus       RateLimitOp = "status"
	OpTemplate     RateLimitOp = "template"
)

// RateLimitRule configures one operation's fixed-window limit.
type RateLimitRule struct {
	Limit           int
	Window          time.Duration
	BurstMultiplier float64
}

// DefaultRateLimitRules matches the spec's configured defaults.
func DefaultRateLimitRules() map[RateLimitOp]RateLimitRule {
	return map[RateLimitOp]RateLimitRule{
		OpNotification: {Limit: 1000, Window: time.Minute, BurstMultiplier: 1.5},
		OpStatus:       {Limit: 2000, Window: time.Minute, BurstMultiplier: 1.5},
		OpTemplate:     {Limit: 100, Window: time.Hour, BurstMultiplier: 1.5},
	}
}

// RateLimiter is a distributed fixed-window counter with burst allowance,
// per §4.5. The bucket key embeds the current window so expiry is implicit;
// a short-lived lock bounds the read-then-increment race window.
type RateLimiter struct {
	client *redis.Client
	rules  map[RateLimitOp]RateLimitRule
}

// NewRateLimiter constructs a RateLimiter with the given per-op rules.
func NewRateLimiter(client *redis.Client, rules map[RateLimitOp]RateLimitRule) *RateLimiter {
	return &RateLimiter{client: client, rules: rules}
}

func rateLimitLockKey(op RateLimitOp, tenantID string) string {
	return fmt.Sprintf("dispatch:ratelimit:lock:%s:%s", op, tenantID)
}

func rateLimitCounterKey(op RateLimitOp, tenantID string, window time.Duration, now time.Time) string {
	bucket := now.Unix() / int64(window.Seconds())
	return fmt.Sprintf("rate_limit:%s:%s:%d", op, tenantID, bucket)
}

// checkAndIncrementScript atomically reads the counter and, if under the
// burst ceiling, increments it with the window TTL. Returns the counter's
// value after the (possible) increment, or -1 if the request was denied.
var checkAndIncrementScript = redis.NewScript(`
local key = KEYS[1]
local burst = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("get", key) or "0")
if current >= burst then
	return -1
end

local new = redis.call("incr", key)
if new == 1 then
	redis.call("expire", key, ttl)
end
return new
`)

// Allow checks and atomically increments the (tenant, op) window counter.
// It acquires a short-lived (1s) lock on the bucket key first so concurrent
// callers serialize the read-then-increment, releasing it immediately
// after — the lock never outlives the single Redis round trip it guards.
func (r *RateLimiter) Allow(ctx context.Context, op RateLimitOp, tenantID string) error {
	rule, ok := r.rules[op]
	if !ok {
		return fmt.Errorf("dispatch: no rate limit rule configured for op %q", op)
	}

	lockKey := rateLimitLockKey(op, tenantID)
	acquired, err := r.client.SetNX(ctx, lockKey, "1", time.Second).Result()
	if err != nil {
		return fmt.Errorf("dispatch: ratelimit lock: %w", err)
	}
	if !acquired {
		// Another request is mid-increment for this bucket; treat as
		// rate-limited rather than stall the worker past its deadline.
		return apperrors.NewRateLimitError(rule.Limit, rule.Window.String())
	}
	defer r.client.Del(ctx, lockKey)

	now := time.Now()
	counterKey := rateLimitCounterKey(op, tenantID, rule.Window, now)
	burst := float64(rule.Limit) * rule.BurstMultiplier

	result, err := checkAndIncrementScript.Run(ctx, r.client, []string{counterKey},
		burst, int(rule.Window.Seconds())).Int64()
	if err != nil {
		return fmt.Errorf("dispatch: ratelimit check: %w", err)
	}
	if result < 0 {
		return apperrors.NewRateLimitError(rule.Limit, rule.Window.String())
	}
	return nil
}

// Remaining reports the number of requests still permitted in the current
// window for (op, tenantID), for observability and the status endpoint.
func (r *RateLimiter) Remaining(ctx context.Context, op RateLimitOp, tenantID string) (int64, error) {
	rule, ok := r.rules[op]
	if !ok {
		return 0, fmt.Errorf("dispatch: no rate limit rule configured for op %q", op)
	}

	counterKey := rateLimitCounterKey(op, tenantID, rule.Window, time.Now())
	current, err := r.client.Get(ctx, counterKey).Int64()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("dispatch: ratelimit remaining: %w", err)
	}

	burst := int64(float64(rule.Limit) * rule.BurstMultiplier)
	remaining := burst - current
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

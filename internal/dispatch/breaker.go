package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// BreakerConfig holds the §4.4 breaker parameters.
type BreakerConfig struct {
	FailureThreshold  int
	ResetTimeout      time.Duration
	HalfOpenTimeout   time.Duration
	BackoffMultiplier float64
	BackoffCap        float64
}

// DefaultBreakerConfig matches the spec's configuration surface defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenTimeout:   15 * time.Second,
		BackoffMultiplier: 2,
		BackoffCap:        3,
	}
}

// Breaker is a per (tenant, channel, vendor) three-state circuit breaker
// backed by an atomic Redis hash, per §4.4. All three operations
// (IsAvailable, RecordSuccess, RecordFailure) are evaluated inside a single
// Lua script so concurrent workers never race on the read-modify-write.
type Breaker struct {
	client *redis.Client
	config BreakerConfig
}

// NewBreaker constructs a Breaker against the given Redis client.
func NewBreaker(client *redis.Client, config BreakerConfig) *Breaker {
	return &Breaker{client: client, config: config}
}

func breakerKey(tenantID string, channel Channel, vendor string) string {
	return fmt.Sprintf("cb:%s:%s:%s", tenantID, channel, vendor)
}

// isAvailableScript reads (and, when a half-open window has opened,
// transitions) the breaker hash, returning 1 if traffic may pass.
//
// KEYS[1] = breaker hash key
// ARGV[1] = now (unix nanos)
// ARGV[2] = failure_threshold
// ARGV[3] = reset_timeout (nanos)
// ARGV[4] = half_open_timeout (nanos)
// ARGV[5] = backoff_multiplier
// ARGV[6] = backoff_cap
var isAvailableScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])
local reset_timeout = tonumber(ARGV[3])
local half_open_timeout = tonumber(ARGV[4])
local multiplier = tonumber(ARGV[5])
local cap = tonumber(ARGV[6])

local state = redis.call("hget", key, "state")
if state == false then
	return 1 -- no breaker recorded yet; closed by default
end

if state == "closed" then
	return 1
end

local failure_count = tonumber(redis.call("hget", key, "failure_count") or "0")
local last_failure = tonumber(redis.call("hget", key, "last_failure_time") or "0")

if state == "open" then
	local exp = failure_count - threshold
	if exp < 0 then exp = 0 end
	if exp > cap then exp = cap end
	local backoff = reset_timeout * (multiplier ^ exp)
	if now - last_failure >= backoff then
		redis.call("hset", key, "state", "half_open")
		return 1 -- the probe
	end
	return 0
end

if state == "half_open" then
	-- Exactly one probe permitted per half-open window: the first caller
	-- to observe half_open here flips it to a marker state so concurrent
	-- callers in the same window are rejected until the probe resolves.
	redis.call("hset", key, "state", "half_open_probing")
	return 1
end

if state == "half_open_probing" then
	return 0
end

return 1
`)

// IsAvailable reports whether traffic to (tenantID, channel, vendor) may
// proceed, performing the open->half_open transition when the reset
// timeout has elapsed.
func (b *Breaker) IsAvailable(ctx context.Context, tenantID string, channel Channel, vendor string) (bool, error) {
	key := breakerKey(tenantID, channel, vendor)
	res, err := isAvailableScript.Run(ctx, b.client, []string{key},
		time.Now().UnixNano(),
		b.config.FailureThreshold,
		b.config.ResetTimeout.Nanoseconds(),
		b.config.HalfOpenTimeout.Nanoseconds(),
		b.config.BackoffMultiplier,
		b.config.BackoffCap,
	).Int()
	if err != nil {
		return false, fmt.Errorf("dispatch: breaker isAvailable: %w", err)
	}
	return res == 1, nil
}

// recordSuccessScript resets the breaker to closed on any success,
// including a half-open probe success.
var recordSuccessScript = redis.NewScript(`
redis.call("hset", KEYS[1], "state", "closed", "failure_count", "0", "last_success_time", ARGV[1])
return 1
`)

// RecordSuccess transitions the breaker to closed and zeroes its failure count.
func (b *Breaker) RecordSuccess(ctx context.Context, tenantID string, channel Channel, vendor string) error {
	key := breakerKey(tenantID, channel, vendor)
	if err := recordSuccessScript.Run(ctx, b.client, []string{key}, time.Now().UnixNano()).Err(); err != nil {
		return fmt.Errorf("dispatch: breaker recordSuccess: %w", err)
	}
	return nil
}

// recordFailureScript increments failure_count and opens the breaker once
// the threshold is crossed (from closed or from a half-open probe failure).
//
// KEYS[1] = breaker hash key
// ARGV[1] = now (unix nanos)
// ARGV[2] = failure_threshold
// returns 1 if this failure caused the breaker to open, else 0
var recordFailureScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])

local state = redis.call("hget", key, "state")
if state == "half_open" or state == "half_open_probing" then
	redis.call("hset", key, "state", "open", "last_failure_time", now)
	redis.call("hincrby", key, "failure_count", 1)
	return 1
end

local count = redis.call("hincrby", key, "failure_count", 1)
redis.call("hset", key, "last_failure_time", now)
if count >= threshold then
	redis.call("hset", key, "state", "open")
	return 1
end
redis.call("hsetnx", key, "state", "closed")
return 0
`)

// RecordFailure increments the failure count and opens the breaker once the
// threshold is crossed. Returns true if this call tripped the breaker open.
func (b *Breaker) RecordFailure(ctx context.Context, tenantID string, channel Channel, vendor string) (tripped bool, err error) {
	key := breakerKey(tenantID, channel, vendor)
	res, err := recordFailureScript.Run(ctx, b.client, []string{key},
		time.Now().UnixNano(), b.config.FailureThreshold).Int()
	if err != nil {
		return false, fmt.Errorf("dispatch: breaker recordFailure: %w", err)
	}
	return res == 1, nil
}

// State reads the current breaker state without mutating it, for
// diagnostics and the status/health endpoints.
func (b *Breaker) State(ctx context.Context, tenantID string, channel Channel, vendor string) (CircuitBreakerState, error) {
	key := breakerKey(tenantID, channel, vendor)
	res, err := b.client.HGetAll(ctx, key).Result()
	if err != nil {
		return CircuitBreakerState{}, fmt.Errorf("dispatch: breaker state: %w", err)
	}
	if len(res) == 0 {
		return CircuitBreakerState{State: BreakerClosed}, nil
	}

	state := CircuitBreakerState{State: BreakerState(res["state"])}
	if state.State == "half_open_probing" {
		state.State = BreakerHalfOpen
	}
	if fc, ok := res["failure_count"]; ok {
		fmt.Sscanf(fc, "%d", &state.FailureCount)
	}
	if lf, ok := res["last_failure_time"]; ok {
		var nanos int64
		fmt.Sscanf(lf, "%d", &nanos)
		if nanos > 0 {
			state.LastFailureTime = time.Unix(0, nanos)
		}
	}
	if ls, ok := res["last_success_time"]; ok {
		var nanos int64
		fmt.Sscanf(ls, "%d", &nanos)
		if nanos > 0 {
			state.LastSuccessTime = time.Unix(0, nanos)
		}
	}
	return state, nil
}

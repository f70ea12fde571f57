package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Queue is the durable, per-channel notification queue backed by Redis
// sorted sets. One Queue instance serves all channels; keys are namespaced
// per channel so each channel's worker pool dequeues independently.
type Queue interface {
	// Enqueue adds a notification to the pending queue for its channel.
	Enqueue(ctx context.Context, channel Channel, id uuid.UUID, priority Priority) error

	// Dequeue retrieves up to limit notification ids ready for processing
	// on the given channel, highest priority and oldest first, and makes
	// them invisible to other dequeues for visibilityTimeout (§4.2: 30s).
	// Entries put back by ReclaimExpired, PromoteDelayed or ReplayFromDLQ
	// are scored by the time they were put back, with no priority weight:
	// they come after normal- and high-priority entries, before
	// low-priority ones, and newest first among themselves.
	Dequeue(ctx context.Context, channel Channel, limit int, visibilityTimeout time.Duration) ([]uuid.UUID, error)

	// Ack permanently removes a notification from the in-flight
	// (processing) set once its terminal or retry state is durable.
	Ack(ctx context.Context, channel Channel, id uuid.UUID) error

	// ReclaimExpired returns in-flight notifications whose visibility
	// timeout has elapsed back to the pending set, for redelivery.
	ReclaimExpired(ctx context.Context, channel Channel, now time.Time) (int, error)

	// MoveToDelayed schedules a retry at retryAt (the visibility delay of §4.9).
	MoveToDelayed(ctx context.Context, channel Channel, id uuid.UUID, retryAt time.Time) error

	// MoveToDLQ moves a notification to the channel's dead-letter queue.
	MoveToDLQ(ctx context.Context, channel Channel, id uuid.UUID) error

	// PromoteDelayed moves due notifications from delayed to pending, per channel.
	PromoteDelayed(ctx context.Context, channel Channel, now time.Time) (int, error)

	// Remove removes a notification from all of a channel's queues.
	Remove(ctx context.Context, channel Channel, id uuid.UUID) error

	// ReplayFromDLQ moves a notification from DLQ back to pending.
	ReplayFromDLQ(ctx context.Context, channel Channel, id uuid.UUID) error

	// AcquireLock acquires the per-notification processing lock (at-most
	// one worker processing a given notification at a time).
	AcquireLock(ctx context.Context, id uuid.UUID, workerID string, ttl time.Duration) (bool, error)

	// ReleaseLock releases a lock, only if still held by workerID.
	ReleaseLock(ctx context.Context, id uuid.UUID, workerID string) error

	// Stats returns queue depths for a channel.
	Stats(ctx context.Context, channel Channel) (*QueueStats, error)

	Close() error
}

// QueueStats holds per-channel queue depths.
type QueueStats struct {
	PendingCount int64 `json:"pending_count"`
	DelayedCount int64 `json:"delayed_count"`
	DLQCount     int64 `json:"dlq_count"`
}

func keyPending(c Channel) string    { return fmt.Sprintf("dispatch:%s:queue:pending", c) }
func keyDelayed(c Channel) string    { return fmt.Sprintf("dispatch:%s:queue:delayed", c) }
func keyDLQ(c Channel) string        { return fmt.Sprintf("dispatch:%s:queue:dlq", c) }
func keyProcessing(c Channel) string { return fmt.Sprintf("dispatch:%s:queue:processing", c) }

const keyLockPrefix = "dispatch:lock:"

// RedisQueue implements Queue using Redis sorted sets, following the same
// score-encoding trick as the teacher's single-channel RedisQueue: priority
// dominates the score and timestamp breaks ties FIFO.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue constructs a RedisQueue from an existing client.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

// Enqueue adds a notification to the pending queue.
// Score = priority_weight * 1e19 - now_nanos, so higher-priority items sort
// first and, within the same priority, older items sort first.
func (q *RedisQueue) Enqueue(ctx context.Context, channel Channel, id uuid.UUID, priority Priority) error {
	score := float64(priority.Weight())*1e19 - float64(time.Now().UnixNano())

	if err := q.client.ZAdd(ctx, keyPending(channel), &redis.Z{
		Score:  score,
		Member: id.String(),
	}).Err(); err != nil {
		return fmt.Errorf("dispatch: enqueue %s: %w", channel, err)
	}
	return nil
}

// Dequeue returns up to limit ids, highest score (priority, then age) first,
// moving each into the processing set with a visibility deadline. A message
// not ack'd before the deadline is reclaimed by ReclaimExpired and becomes
// eligible for redelivery — the queue's only at-least-once guarantee.
func (q *RedisQueue) Dequeue(ctx context.Context, channel Channel, limit int, visibilityTimeout time.Duration) ([]uuid.UUID, error) {
	results, err := q.client.ZRevRange(ctx, keyPending(channel), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("dispatch: dequeue %s: %w", channel, err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	deadline := float64(time.Now().Add(visibilityTimeout).UnixNano())
	ids := make([]uuid.UUID, 0, len(results))
	pipe := q.client.Pipeline()
	for _, r := range results {
		id, err := uuid.Parse(r)
		if err != nil {
			continue
		}
		ids = append(ids, id)
		pipe.ZRem(ctx, keyPending(channel), r)
		pipe.ZAdd(ctx, keyProcessing(channel), &redis.Z{Score: deadline, Member: r})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("dispatch: dequeue %s: %w", channel, err)
	}
	return ids, nil
}

// Ack removes a notification from the processing set once its resulting
// state transition (delivered, retrying, or failed) is durable.
func (q *RedisQueue) Ack(ctx context.Context, channel Channel, id uuid.UUID) error {
	if err := q.client.ZRem(ctx, keyProcessing(channel), id.String()).Err(); err != nil {
		return fmt.Errorf("dispatch: ack %s: %w", channel, err)
	}
	return nil
}

// ReclaimExpired moves processing entries whose visibility deadline has
// passed back onto the pending queue.
func (q *RedisQueue) ReclaimExpired(ctx context.Context, channel Channel, now time.Time) (int, error) {
	results, err := q.client.ZRangeByScore(ctx, keyProcessing(channel), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixNano(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("dispatch: reclaim %s: %w", channel, err)
	}
	if len(results) == 0 {
		return 0, nil
	}

	pipe := q.client.Pipeline()
	for _, idStr := range results {
		pipe.ZRem(ctx, keyProcessing(channel), idStr)
		pipe.ZAdd(ctx, keyPending(channel), &redis.Z{
			Score:  float64(time.Now().UnixNano()),
			Member: idStr,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("dispatch: reclaim %s: %w", channel, err)
	}
	return len(results), nil
}

// MoveToDelayed moves a notification from pending to the delayed set.
func (q *RedisQueue) MoveToDelayed(ctx context.Context, channel Channel, id uuid.UUID, retryAt time.Time) error {
	pipe := q.client.Pipeline()
	pipe.ZRem(ctx, keyPending(channel), id.String())
	pipe.ZRem(ctx, keyProcessing(channel), id.String())
	pipe.ZAdd(ctx, keyDelayed(channel), &redis.Z{
		Score:  float64(retryAt.Unix()),
		Member: id.String(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dispatch: move to delayed %s: %w", channel, err)
	}
	return nil
}

// MoveToDLQ moves a notification out of pending/delayed and onto the DLQ set.
func (q *RedisQueue) MoveToDLQ(ctx context.Context, channel Channel, id uuid.UUID) error {
	pipe := q.client.Pipeline()
	pipe.ZRem(ctx, keyPending(channel), id.String())
	pipe.ZRem(ctx, keyDelayed(channel), id.String())
	pipe.ZRem(ctx, keyProcessing(channel), id.String())
	pipe.ZAdd(ctx, keyDLQ(channel), &redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: id.String(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dispatch: move to dlq %s: %w", channel, err)
	}
	return nil
}

// PromoteDelayed moves due notifications from delayed to pending.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, channel Channel, now time.Time) (int, error) {
	results, err := q.client.ZRangeByScore(ctx, keyDelayed(channel), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("dispatch: scan delayed %s: %w", channel, err)
	}
	if len(results) == 0 {
		return 0, nil
	}

	pipe := q.client.Pipeline()
	for _, idStr := range results {
		pipe.ZRem(ctx, keyDelayed(channel), idStr)
		pipe.ZAdd(ctx, keyPending(channel), &redis.Z{
			Score:  float64(time.Now().UnixNano()),
			Member: idStr,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("dispatch: promote delayed %s: %w", channel, err)
	}
	return len(results), nil
}

// Remove removes a notification from every queue set and clears its lock.
func (q *RedisQueue) Remove(ctx context.Context, channel Channel, id uuid.UUID) error {
	pipe := q.client.Pipeline()
	pipe.ZRem(ctx, keyPending(channel), id.String())
	pipe.ZRem(ctx, keyDelayed(channel), id.String())
	pipe.ZRem(ctx, keyDLQ(channel), id.String())
	pipe.ZRem(ctx, keyProcessing(channel), id.String())
	pipe.Del(ctx, keyLockPrefix+id.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dispatch: remove %s: %w", channel, err)
	}
	return nil
}

// ReplayFromDLQ re-queues a notification for manual DLQ replay.
func (q *RedisQueue) ReplayFromDLQ(ctx context.Context, channel Channel, id uuid.UUID) error {
	pipe := q.client.Pipeline()
	pipe.ZRem(ctx, keyDLQ(channel), id.String())
	pipe.ZAdd(ctx, keyPending(channel), &redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: id.String(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dispatch: replay from dlq %s: %w", channel, err)
	}
	return nil
}

// AcquireLock acquires a SETNX-backed processing lock so that at most one
// worker processes a given notification at a time (§5 ordering guarantee).
func (q *RedisQueue) AcquireLock(ctx context.Context, id uuid.UUID, workerID string, ttl time.Duration) (bool, error) {
	key := keyLockPrefix + id.String()
	ok, err := q.client.SetNX(ctx, key, workerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dispatch: acquire lock: %w", err)
	}
	return ok, nil
}

var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// ReleaseLock releases a lock only if still held by workerID, atomically.
func (q *RedisQueue) ReleaseLock(ctx context.Context, id uuid.UUID, workerID string) error {
	key := keyLockPrefix + id.String()
	_, err := releaseLockScript.Run(ctx, q.client, []string{key}, workerID).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("dispatch: release lock: %w", err)
	}
	return nil
}

// Stats reports the three queue depths for a channel.
func (q *RedisQueue) Stats(ctx context.Context, channel Channel) (*QueueStats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.ZCard(ctx, keyPending(channel))
	delayed := pipe.ZCard(ctx, keyDelayed(channel))
	dlq := pipe.ZCard(ctx, keyDLQ(channel))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("dispatch: queue stats %s: %w", channel, err)
	}
	return &QueueStats{
		PendingCount: pending.Val(),
		DelayedCount: delayed.Val(),
		DLQCount:     dlq.Val(),
	}, nil
}

// Close closes the underlying Redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

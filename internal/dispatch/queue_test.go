package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisQueue_EnqueueDequeueAck(t *testing.T) {
	client := newTestRedis(t)
	q := NewRedisQueue(client)
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, q.Enqueue(ctx, ChannelEmail, id, PriorityHigh))

	ids, err := q.Dequeue(ctx, ChannelEmail, 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, id, ids[0])

	// in-flight, not visible again
	again, err := q.Dequeue(ctx, ChannelEmail, 10, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, q.Ack(ctx, ChannelEmail, id))

	stats, err := q.Stats(ctx, ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.PendingCount)
}

func TestRedisQueue_ReclaimExpired(t *testing.T) {
	client := newTestRedis(t)
	q := NewRedisQueue(client)
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, q.Enqueue(ctx, ChannelSMS, id, PriorityNormal))

	_, err := q.Dequeue(ctx, ChannelSMS, 10, 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	reclaimed, err := q.ReclaimExpired(ctx, ChannelSMS, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	ids, err := q.Dequeue(ctx, ChannelSMS, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, id, ids[0])
}

func TestRedisQueue_PriorityOrdering(t *testing.T) {
	client := newTestRedis(t)
	q := NewRedisQueue(client)
	ctx := context.Background()

	low, high := uuid.New(), uuid.New()
	require.NoError(t, q.Enqueue(ctx, ChannelPush, low, PriorityLow))
	require.NoError(t, q.Enqueue(ctx, ChannelPush, high, PriorityHigh))

	ids, err := q.Dequeue(ctx, ChannelPush, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, high, ids[0])
	assert.Equal(t, low, ids[1])
}

func TestRedisQueue_MoveToDelayedThenPromote(t *testing.T) {
	client := newTestRedis(t)
	q := NewRedisQueue(client)
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, q.Enqueue(ctx, ChannelEmail, id, PriorityNormal))
	_, err := q.Dequeue(ctx, ChannelEmail, 10, time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.MoveToDelayed(ctx, ChannelEmail, id, time.Now().Add(-time.Second)))

	promoted, err := q.PromoteDelayed(ctx, ChannelEmail, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	ids, err := q.Dequeue(ctx, ChannelEmail, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, id, ids[0])
}

func TestRedisQueue_MoveToDLQAndReplay(t *testing.T) {
	client := newTestRedis(t)
	q := NewRedisQueue(client)
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, q.Enqueue(ctx, ChannelSMS, id, PriorityNormal))
	require.NoError(t, q.MoveToDLQ(ctx, ChannelSMS, id))

	stats, err := q.Stats(ctx, ChannelSMS)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.DLQCount)

	require.NoError(t, q.ReplayFromDLQ(ctx, ChannelSMS, id))
	ids, err := q.Dequeue(ctx, ChannelSMS, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, ids, 1)
}

func TestRedisQueue_LockAcquireRelease(t *testing.T) {
	client := newTestRedis(t)
	q := NewRedisQueue(client)
	ctx := context.Background()
	id := uuid.New()

	ok, err := q.AcquireLock(ctx, id, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.AcquireLock(ctx, id, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a second worker must not acquire a held lock")

	// releasing with the wrong owner must not clear the lock
	require.NoError(t, q.ReleaseLock(ctx, id, "worker-b"))
	ok, err = q.AcquireLock(ctx, id, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.ReleaseLock(ctx, id, "worker-a"))
	ok, err = q.AcquireLock(ctx, id, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

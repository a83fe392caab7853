package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *RedisBackend {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping integration test")
	}
	backend, err := NewRedisBackend(context.Background(), addr)
	require.NoError(t, err)
	require.NoError(t, backend.client.FlushDB(context.Background()).Err())
	t.Cleanup(func() { backend.Close() })
	return backend
}

func TestRedisBackend_PriorityOrdering(t *testing.T) {
	backend := newTestRedis(t)
	ctx := context.Background()

	for _, priority := range []string{PriorityLow, PriorityCritical, PriorityNormal, PriorityHigh} {
		require.NoError(t, backend.Enqueue(ctx, testEvent(priority)))
	}

	events, err := backend.Dequeue(ctx, 4)
	require.NoError(t, err)
	require.Len(t, events, 4)

	got := make([]string, len(events))
	for i, ev := range events {
		got[i] = ev.Priority
		assert.Equal(t, StatusProcessing, ev.Status)
	}
	assert.Equal(t, []string{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}, got)
}

func TestRedisBackend_ClaimIsExclusive(t *testing.T) {
	backend := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, backend.Enqueue(ctx, testEvent(PriorityNormal)))

	first, err := backend.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := backend.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, second, "claimed events must not be claimable again")
}

func TestRedisBackend_ClaimSurvivesConsumerCrash(t *testing.T) {
	backend := newTestRedis(t)
	ctx := context.Background()

	ev := testEvent(PriorityNormal)
	require.NoError(t, backend.Enqueue(ctx, ev))

	// Claim the event and then never report a status, as a consumer that
	// died mid-processing would.
	claimed, err := backend.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	time.Sleep(20 * time.Millisecond)
	n, err := backend.RequeueStuck(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rescued, err := backend.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rescued, 1, "a claim abandoned by a dead consumer must be rescuable")
	assert.Equal(t, ev.ID, rescued[0].ID)
}

func TestRedisBackend_DeferredEnqueueNotDueEarly(t *testing.T) {
	backend := newTestRedis(t)
	ctx := context.Background()

	ev := testEvent(PriorityNormal)
	future := time.Now().Add(time.Hour).UTC()
	ev.ScheduledAt = &future
	require.NoError(t, backend.Enqueue(ctx, ev))

	events, err := backend.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events, "event scheduled in the future must not be claimed")
}

func TestRedisBackend_DeferredEnqueueDequeuesWhenDue(t *testing.T) {
	backend := newTestRedis(t)
	ctx := context.Background()

	ev := testEvent(PriorityNormal)
	due := time.Now().Add(50 * time.Millisecond).UTC()
	ev.ScheduledAt = &due
	require.NoError(t, backend.Enqueue(ctx, ev))

	time.Sleep(80 * time.Millisecond)
	events, err := backend.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ev.ID, events[0].ID)
}

func TestRedisBackend_ScheduledRetryNotDueEarly(t *testing.T) {
	backend := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, backend.Enqueue(ctx, testEvent(PriorityNormal)))
	claimed, err := backend.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	future := time.Now().Add(time.Hour).UTC()
	claimed[0].RetryCount = 1
	claimed[0].ScheduledAt = &future
	require.NoError(t, backend.UpdateStatus(ctx, claimed[0], StatusRetry))

	events, err := backend.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events, "retry scheduled in the future must not be claimed")
}

func TestRedisBackend_CompletedStaysDone(t *testing.T) {
	backend := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, backend.Enqueue(ctx, testEvent(PriorityNormal)))
	claimed, err := backend.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, backend.UpdateStatus(ctx, claimed[0], StatusCompleted))

	n, err := backend.RequeueStuck(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	events, err := backend.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

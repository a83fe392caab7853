package queue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLiteBackend {
	t.Helper()
	backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "queue.db"), 2)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return backend
}

func TestSQLiteBackend_PriorityOrdering(t *testing.T) {
	backend := newTestSQLite(t)
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

func TestSQLiteBackend_FIFOWithinPriority(t *testing.T) {
	backend := newTestSQLite(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute).UTC()
	var ids []string
	for i := 0; i < 3; i++ {
		ev := testEvent(PriorityNormal)
		ev.CreatedAt = base.Add(time.Duration(i) * time.Second)
		ids = append(ids, ev.ID)
		require.NoError(t, backend.Enqueue(ctx, ev))
	}

	events, err := backend.Dequeue(ctx, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, ids[i], ev.ID, "oldest event must dequeue first")
	}
}

func TestSQLiteBackend_ClaimIsExclusive(t *testing.T) {
	backend := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, backend.Enqueue(ctx, testEvent(PriorityNormal)))

	first, err := backend.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := backend.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, second, "claimed events must not be claimable again")
}

func TestSQLiteBackend_PayloadSurvivesClaim(t *testing.T) {
	backend := newTestSQLite(t)
	ctx := context.Background()

	ev := testEvent(PriorityHigh)
	require.NoError(t, backend.Enqueue(ctx, ev))

	events, err := backend.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)

	got := events[0]
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.Provider, got.Provider)
	assert.Equal(t, ev.Endpoint, got.Endpoint)
	assert.Equal(t, ev.ClientIP, got.ClientIP)
	assert.Equal(t, ev.MaxRetries, got.MaxRetries)
	assert.JSONEq(t, string(ev.Payload), string(got.Payload))
}

func TestSQLiteBackend_ScheduledRetryNotDueEarly(t *testing.T) {
	backend := newTestSQLite(t)
	ctx := context.Background()

	ev := testEvent(PriorityNormal)
	require.NoError(t, backend.Enqueue(ctx, ev))
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

func TestSQLiteBackend_ScheduledRetryDequeuesWhenDue(t *testing.T) {
	backend := newTestSQLite(t)
	ctx := context.Background()

	ev := testEvent(PriorityNormal)
	require.NoError(t, backend.Enqueue(ctx, ev))
	claimed, err := backend.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	past := time.Now().Add(-time.Second).UTC()
	claimed[0].RetryCount = 1
	claimed[0].ScheduledAt = &past
	require.NoError(t, backend.UpdateStatus(ctx, claimed[0], StatusRetry))

	events, err := backend.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ev.ID, events[0].ID)
	assert.Equal(t, 1, events[0].RetryCount)
}

func TestSQLiteBackend_RequeueStuck(t *testing.T) {
	backend := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, backend.Enqueue(ctx, testEvent(PriorityNormal)))
	claimed, err := backend.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	time.Sleep(20 * time.Millisecond)
	n, err := backend.RequeueStuck(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events, err := backend.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1, "rescued event must be claimable again")
}

func TestSQLiteBackend_CompletedStaysDone(t *testing.T) {
	backend := newTestSQLite(t)
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

func TestSQLiteBackend_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")
	ctx := context.Background()

	backend, err := NewSQLiteBackend(path, 2)
	require.NoError(t, err)
	ev := NewEvent("stripe", "/v1/events", json.RawMessage(`{"k":"v"}`), "", PriorityNormal, 3)
	require.NoError(t, backend.Enqueue(ctx, ev))
	require.NoError(t, backend.Close())

	reopened, err := NewSQLiteBackend(path, 2)
	require.NoError(t, err)
	defer reopened.Close()

	events, err := reopened.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ev.ID, events[0].ID, "queued events must survive a restart")
}

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paycore-io/paycore/internal/retry"
)

func newTestConsumer(backend Backend, handler Handler) *Consumer {
	return NewConsumer(backend, handler, ConsumerConfig{
		Workers:      2,
		BatchSize:    5,
		PollInterval: 10 * time.Millisecond,
		BaseDelay:    time.Second,
		MaxDelay:     time.Minute,
		ClaimTimeout: time.Minute,
	}, nil)
}

func TestConsumer_CompletesEvent(t *testing.T) {
	backend := newFakeBackend()
	ev := testEvent(PriorityNormal)

	c := newTestConsumer(backend, func(ctx context.Context, ev *Event) error { return nil })
	c.process(context.Background(), ev)

	assert.Equal(t, StatusCompleted, backend.lastStatus(ev.ID))
}

func TestConsumer_SchedulesRetryWithBackoff(t *testing.T) {
	backend := newFakeBackend()
	ev := testEvent(PriorityNormal)

	c := newTestConsumer(backend, func(ctx context.Context, ev *Event) error {
		return errors.New("transient")
	})
	before := time.Now()
	c.process(context.Background(), ev)

	assert.Equal(t, StatusRetry, backend.lastStatus(ev.ID))
	assert.Equal(t, 1, ev.RetryCount)
	require.NotNil(t, ev.ScheduledAt)
	assert.True(t, ev.ScheduledAt.After(before), "retry must be scheduled in the future")
}

func TestConsumer_BackoffDoubles(t *testing.T) {
	base := time.Second
	max := time.Minute
	assert.Equal(t, time.Second, retry.Backoff(1, base, max))
	assert.Equal(t, 2*time.Second, retry.Backoff(2, base, max))
	assert.Equal(t, 4*time.Second, retry.Backoff(3, base, max))
	assert.Equal(t, time.Minute, retry.Backoff(10, base, max), "delay must cap at max")
}

func TestConsumer_ExhaustedRetriesFail(t *testing.T) {
	backend := newFakeBackend()
	ev := testEvent(PriorityNormal)
	ev.RetryCount = ev.MaxRetries

	c := newTestConsumer(backend, func(ctx context.Context, ev *Event) error {
		return errors.New("still broken")
	})
	c.process(context.Background(), ev)

	assert.Equal(t, StatusFailed, backend.lastStatus(ev.ID))
}

func TestConsumer_PermanentErrorFailsImmediately(t *testing.T) {
	backend := newFakeBackend()
	ev := testEvent(PriorityNormal)

	c := newTestConsumer(backend, func(ctx context.Context, ev *Event) error {
		return retry.Permanent(errors.New("malformed payload"))
	})
	c.process(context.Background(), ev)

	assert.Equal(t, StatusFailed, backend.lastStatus(ev.ID))
	assert.Equal(t, 0, ev.RetryCount, "permanent failures must not be retried")
}

func TestConsumer_DrainsQueue(t *testing.T) {
	backend := newFakeBackend()
	ctx := context.Background()

	const count = 10
	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		ev := testEvent(PriorityNormal)
		ids = append(ids, ev.ID)
		require.NoError(t, backend.Enqueue(ctx, ev))
	}

	done := make(chan string, count)
	c := newTestConsumer(backend, func(ctx context.Context, ev *Event) error {
		done <- ev.ID
		return nil
	})
	c.Start(ctx)

	seen := make(map[string]bool)
	deadline := time.After(5 * time.Second)
	for len(seen) < count {
		select {
		case id := <-done:
			assert.False(t, seen[id], "event %s processed twice", id)
			seen[id] = true
		case <-deadline:
			t.Fatalf("processed %d of %d events before timeout", len(seen), count)
		}
	}
	c.Stop()

	for _, id := range ids {
		assert.Equal(t, StatusCompleted, backend.lastStatus(id))
	}
}

package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/paycore-io/paycore/internal/circuitbreaker"
	"github.com/paycore-io/paycore/internal/metrics"
)

// FallbackBackend routes to the shared backend and degrades to the embedded
// one per call. Accepting an event must never depend on the shared backend
// being reachable.
//
// A circuit breaker tracks shared-backend health so a known-dead Redis is
// skipped outright instead of paying a timeout on every call. Events that
// land in the embedded store during an outage keep draining: Dequeue always
// tops up from the embedded backend, and status updates follow the event
// back to whichever backend it was claimed from.
type FallbackBackend struct {
	shared   Backend
	embedded Backend
	breaker  *circuitbreaker.Breaker
	logger   *slog.Logger
}

// NewFallbackBackend wraps shared with per-call fallback to embedded.
func NewFallbackBackend(shared, embedded Backend, breaker *circuitbreaker.Breaker, logger *slog.Logger) *FallbackBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if breaker == nil {
		breaker = circuitbreaker.New("shared_queue", 5, 30*time.Second)
	}
	return &FallbackBackend{shared: shared, embedded: embedded, breaker: breaker, logger: logger}
}

// try runs op against the shared backend under the circuit breaker.
// Returns false when the caller should use the embedded backend instead.
func (f *FallbackBackend) try(ctx context.Context, operation string, op func() error) bool {
	if !f.breaker.Allow() {
		metrics.QueueFallbacksTotal.WithLabelValues(operation).Inc()
		return false
	}
	if err := op(); err != nil {
		f.breaker.RecordFailure()
		metrics.QueueFallbacksTotal.WithLabelValues(operation).Inc()
		f.logger.Warn("shared queue backend failed, falling back to embedded",
			"operation", operation, "error", err)
		return false
	}
	f.breaker.RecordSuccess()
	return true
}

func (f *FallbackBackend) Enqueue(ctx context.Context, ev *Event) error {
	ok := f.try(ctx, "enqueue", func() error {
		return f.shared.Enqueue(ctx, ev)
	})
	if ok {
		return nil
	}
	return f.embedded.Enqueue(ctx, ev)
}

// Dequeue claims from the shared backend first, then tops up from the
// embedded store so outage-era events are not stranded.
func (f *FallbackBackend) Dequeue(ctx context.Context, limit int) ([]*Event, error) {
	var events []*Event
	f.try(ctx, "dequeue", func() error {
		claimed, err := f.shared.Dequeue(ctx, limit)
		if err != nil {
			return err
		}
		for _, ev := range claimed {
			ev.origin = f.shared
		}
		events = claimed
		return nil
	})

	if remaining := limit - len(events); remaining > 0 {
		local, err := f.embedded.Dequeue(ctx, remaining)
		if err != nil {
			if len(events) > 0 {
				return events, nil
			}
			return nil, err
		}
		for _, ev := range local {
			ev.origin = f.embedded
		}
		events = append(events, local...)
	}
	return events, nil
}

// UpdateStatus routes to the backend the event was claimed from.
func (f *FallbackBackend) UpdateStatus(ctx context.Context, ev *Event, status string) error {
	if ev.origin != nil {
		return ev.origin.UpdateStatus(ctx, ev, status)
	}
	ok := f.try(ctx, "update_status", func() error {
		return f.shared.UpdateStatus(ctx, ev, status)
	})
	if ok {
		return nil
	}
	return f.embedded.UpdateStatus(ctx, ev, status)
}

// RequeueStuck sweeps both backends.
func (f *FallbackBackend) RequeueStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	total := 0
	f.try(ctx, "requeue_stuck", func() error {
		n, err := f.shared.RequeueStuck(ctx, olderThan)
		if err != nil {
			return err
		}
		total += n
		return nil
	})

	n, err := f.embedded.RequeueStuck(ctx, olderThan)
	if err != nil {
		return total, err
	}
	return total + n, nil
}

// HealthCheck reports healthy as long as the embedded backend is usable;
// shared-backend state is reflected in the circuit breaker metrics instead.
func (f *FallbackBackend) HealthCheck(ctx context.Context) error {
	return f.embedded.HealthCheck(ctx)
}

func (f *FallbackBackend) Close() error {
	sharedErr := f.shared.Close()
	if err := f.embedded.Close(); err != nil {
		return err
	}
	return sharedErr
}

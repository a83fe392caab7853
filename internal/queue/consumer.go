package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/paycore-io/paycore/internal/metrics"
	"github.com/paycore-io/paycore/internal/retry"
	"github.com/paycore-io/paycore/internal/traces"
)

// Handler processes one claimed event. A nil return completes the event.
// An error schedules a retry unless it is marked permanent (retry.Permanent)
// or the event is out of attempts, in which case the event fails terminally.
type Handler func(ctx context.Context, ev *Event) error

// ConsumerConfig tunes the worker pool.
type ConsumerConfig struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	BaseDelay    time.Duration // First retry delay, doubled per attempt
	MaxDelay     time.Duration
	ClaimTimeout time.Duration // Processing claims older than this get requeued
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 2 * time.Minute
	}
	return c
}

// Consumer drains a queue backend with a pool of workers.
type Consumer struct {
	backend Backend
	handler Handler
	cfg     ConsumerConfig
	logger  *slog.Logger

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

// NewConsumer creates a consumer over the backend.
func NewConsumer(backend Backend, handler Handler, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		backend: backend,
		handler: handler,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// Start launches the dispatcher, workers, and the stuck-claim sweeper.
func (c *Consumer) Start(ctx context.Context) {
	work := make(chan *Event)

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for ev := range work {
				c.process(ctx, ev)
			}
		}()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(work)
		c.dispatch(ctx, work)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sweep(ctx)
	}()
}

// Stop halts dispatching and waits for in-flight events to finish.
func (c *Consumer) Stop() {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
}

func (c *Consumer) dispatch(ctx context.Context, work chan<- *Event) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		events, err := c.backend.Dequeue(ctx, c.cfg.BatchSize)
		if err != nil {
			c.logger.Error("dequeue failed", "error", err)
			continue
		}
		for _, ev := range events {
			select {
			case work <- ev:
			case <-c.stop:
				// Shutting down with a claimed event; the sweep will
				// requeue it after the claim timeout.
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Consumer) sweep(ctx context.Context) {
	interval := c.cfg.ClaimTimeout / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := c.backend.RequeueStuck(ctx, c.cfg.ClaimTimeout)
		if err != nil {
			c.logger.Error("stuck-claim sweep failed", "error", err)
			continue
		}
		if n > 0 {
			metrics.QueueStuckRequeuedTotal.Add(float64(n))
			c.logger.Warn("requeued stuck events", "count", n)
		}
	}
}

func (c *Consumer) process(ctx context.Context, ev *Event) {
	ctx, span := traces.StartSpan(ctx, "queue.process",
		traces.EventID(ev.ID),
		traces.Provider(ev.Provider),
	)
	defer span.End()

	err := c.handler(ctx, ev)
	if err == nil {
		c.finish(ctx, ev, StatusCompleted)
		return
	}

	if retry.IsPermanent(err) {
		c.logger.Error("event failed permanently", "event_id", ev.ID, "provider", ev.Provider, "error", err)
		c.finish(ctx, ev, StatusFailed)
		return
	}

	ev.RetryCount++
	if ev.RetryCount > ev.MaxRetries {
		c.logger.Error("event exhausted retries",
			"event_id", ev.ID, "provider", ev.Provider, "retries", ev.RetryCount-1, "error", err)
		c.finish(ctx, ev, StatusFailed)
		return
	}

	delay := retry.Backoff(ev.RetryCount, c.cfg.BaseDelay, c.cfg.MaxDelay)
	at := time.Now().Add(delay).UTC()
	ev.ScheduledAt = &at
	c.logger.Warn("event scheduled for retry",
		"event_id", ev.ID, "attempt", ev.RetryCount, "max_retries", ev.MaxRetries,
		"delay", delay, "error", err)
	c.finish(ctx, ev, StatusRetry)
}

func (c *Consumer) finish(ctx context.Context, ev *Event, status string) {
	if err := c.backend.UpdateStatus(ctx, ev, status); err != nil {
		// The claim stays in processing; the sweep will resurface it.
		c.logger.Error("status update failed", "event_id", ev.ID, "status", status, "error", err)
		return
	}
	metrics.QueueEventStatusTotal.WithLabelValues(status).Inc()
}

// Package queue is the durable intake buffer between payment providers and
// the settlement processor.
//
// Two backends implement the same contract: an embedded SQLite store that is
// always available, and a shared Redis store that lets multiple instances
// drain one queue. The fallback decorator routes to the shared backend and
// degrades to the embedded one per call, so accepting an event never depends
// on Redis being up.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/paycore-io/paycore/internal/idgen"
)

// Event statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing" // Claimed by a consumer
	StatusCompleted  = "completed"
	StatusFailed     = "failed" // Exhausted retries or permanent error
	StatusRetry      = "retry"  // Scheduled for a later attempt
)

// Event priorities. Higher ranks dequeue first; within a rank, oldest first.
const (
	PriorityLow      = "low"
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// priorityRank orders priorities for dequeue. Unknown values sort with normal.
func priorityRank(p string) int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// dequeueOrder lists priorities highest first for backends that keep one
// ready list per priority.
var dequeueOrder = []string{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Event is one queued payment event awaiting processing.
type Event struct {
	ID          string          `json:"id"`
	Provider    string          `json:"provider"`
	Endpoint    string          `json:"endpoint"`
	Payload     json.RawMessage `json:"payload"`
	ClientIP    string          `json:"clientIp,omitempty"`
	Status      string          `json:"status"`
	Priority    string          `json:"priority"`
	RetryCount  int             `json:"retryCount"`
	MaxRetries  int             `json:"maxRetries"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	ScheduledAt *time.Time      `json:"scheduledAt,omitempty"` // Earliest next attempt, for retries

	// origin is set by the fallback decorator so status updates reach the
	// backend that actually holds the event.
	origin Backend
}

// NewEvent creates a pending event with a fresh id.
func NewEvent(provider, endpoint string, payload json.RawMessage, clientIP, priority string, maxRetries int) *Event {
	now := time.Now().UTC()
	if priority == "" {
		priority = PriorityNormal
	}
	return &Event{
		ID:         idgen.WithPrefix("evt_"),
		Provider:   provider,
		Endpoint:   endpoint,
		Payload:    payload,
		ClientIP:   clientIP,
		Status:     StatusPending,
		Priority:   priority,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Backend persists queued events.
type Backend interface {
	// Enqueue stores a pending event.
	Enqueue(ctx context.Context, ev *Event) error

	// Dequeue claims up to limit due events, highest priority first, oldest
	// first within a priority. Claiming flips status to processing; no other
	// consumer can claim the same event. Events with a future scheduled_at
	// are not due.
	Dequeue(ctx context.Context, limit int) ([]*Event, error)

	// UpdateStatus records the terminal or retry outcome of a claimed event.
	// For StatusRetry the caller sets RetryCount and ScheduledAt first.
	UpdateStatus(ctx context.Context, ev *Event, status string) error

	// RequeueStuck returns events claimed longer than olderThan ago to
	// pending, covering consumers that died mid-flight.
	RequeueStuck(ctx context.Context, olderThan time.Duration) (int, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

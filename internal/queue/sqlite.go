package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/paycore-io/paycore/internal/metrics"
)

const backendSQLite = "sqlite"

// SQLiteBackend is the embedded queue store. It is the system of record when
// running single-instance and the safety net when the shared backend is down.
//
// The database opens in WAL mode with synchronous=NORMAL: writers do not
// block readers, and an OS crash can lose at most the tail of the WAL, never
// corrupt the store. Claims are a single UPDATE over a priority-ordered
// subselect, so concurrent consumers on one instance never double-claim.
type SQLiteBackend struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queue_events (
	id            TEXT PRIMARY KEY,
	provider      TEXT NOT NULL,
	endpoint      TEXT NOT NULL,
	payload       BLOB NOT NULL,
	client_ip     TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'pending',
	priority      TEXT NOT NULL DEFAULT 'normal',
	priority_rank INTEGER NOT NULL DEFAULT 1,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	max_retries   INTEGER NOT NULL DEFAULT 3,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	scheduled_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_queue_events_claim
	ON queue_events (status, priority_rank DESC, created_at ASC);
`

// NewSQLiteBackend opens (creating if needed) the embedded queue database.
// poolSize bounds the database/sql connection pool.
func NewSQLiteBackend(path string, poolSize int) (*SQLiteBackend, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	if poolSize <= 0 {
		poolSize = 4
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init queue schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (s *SQLiteBackend) Enqueue(ctx context.Context, ev *Event) error {
	start := time.Now()
	var scheduled any
	if ev.ScheduledAt != nil {
		scheduled = ev.ScheduledAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_events (id, provider, endpoint, payload, client_ip, status, priority, priority_rank,
			retry_count, max_retries, created_at, updated_at, scheduled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.Provider, ev.Endpoint, []byte(ev.Payload), ev.ClientIP, StatusPending,
		ev.Priority, priorityRank(ev.Priority), ev.RetryCount, ev.MaxRetries,
		ev.CreatedAt.UnixMilli(), time.Now().UnixMilli(), scheduled)

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.QueueEnqueuesTotal.WithLabelValues(backendSQLite, result).Inc()
	metrics.QueueEnqueueDuration.WithLabelValues(backendSQLite).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) Dequeue(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now().UnixMilli()

	rows, err := s.db.QueryContext(ctx, `
		UPDATE queue_events SET status = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM queue_events
			WHERE status IN (?, ?) AND (scheduled_at IS NULL OR scheduled_at <= ?)
			ORDER BY priority_rank DESC, created_at ASC
			LIMIT ?
		)
		RETURNING id, provider, endpoint, payload, client_ip, status, priority,
			retry_count, max_retries, created_at, updated_at, scheduled_at
	`, StatusProcessing, now, StatusPending, StatusRetry, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING yields rows in storage order, not the subselect's order.
	// Re-sort the claimed batch; the stable sort keeps insertion order for
	// events sharing the same millisecond timestamp.
	sort.SliceStable(events, func(i, j int) bool {
		ri, rj := priorityRank(events[i].Priority), priorityRank(events[j].Priority)
		if ri != rj {
			return ri > rj
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})

	if len(events) > 0 {
		metrics.QueueDequeuedTotal.WithLabelValues(backendSQLite).Add(float64(len(events)))
	}
	return events, nil
}

func (s *SQLiteBackend) UpdateStatus(ctx context.Context, ev *Event, status string) error {
	var scheduled any
	if status == StatusRetry && ev.ScheduledAt != nil {
		scheduled = ev.ScheduledAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_events SET status = ?, retry_count = ?, scheduled_at = ?, updated_at = ?
		WHERE id = ?
	`, status, ev.RetryCount, scheduled, time.Now().UnixMilli(), ev.ID)
	if err != nil {
		return fmt.Errorf("update event %s: %w", ev.ID, err)
	}
	return nil
}

func (s *SQLiteBackend) RequeueStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_events SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at <= ?
	`, StatusPending, time.Now().UnixMilli(), StatusProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stuck events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteBackend) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

func scanEvent(rows *sql.Rows) (*Event, error) {
	ev := &Event{}
	var payload []byte
	var createdAt, updatedAt int64
	var scheduledAt sql.NullInt64
	err := rows.Scan(&ev.ID, &ev.Provider, &ev.Endpoint, &payload, &ev.ClientIP, &ev.Status,
		&ev.Priority, &ev.RetryCount, &ev.MaxRetries, &createdAt, &updatedAt, &scheduledAt)
	if err != nil {
		return nil, err
	}
	ev.Payload = json.RawMessage(payload)
	ev.CreatedAt = time.UnixMilli(createdAt).UTC()
	ev.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if scheduledAt.Valid {
		t := time.UnixMilli(scheduledAt.Int64).UTC()
		ev.ScheduledAt = &t
	}
	return ev, nil
}

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/paycore-io/paycore/internal/metrics"
)

const backendRedis = "redis"

const (
	redisEventPrefix  = "paycore:queue:event:"
	redisReadyPrefix  = "paycore:queue:ready:"
	redisScheduledKey = "paycore:queue:scheduled"
	redisClaimedKey   = "paycore:queue:processing"

	// Terminal events keep their body around for a day for inspection.
	redisTerminalTTL = 24 * time.Hour
)

// RedisBackend is the shared queue store: every instance enqueues to and
// drains the same Redis, so load spreads across consumers.
//
// Layout: the event body lives in a hash, ready ids in one list per priority
// (LPUSH in, RPOP out, so each list is FIFO). Claiming runs as a Lua script
// that pops an id and registers it in the claimed zset in one atomic step:
// an id is never outside both structures, so a consumer crash mid-claim
// leaves the event rescuable by the stuck sweep. Retries and deferred events
// wait in a zset scored by their due time.
type RedisBackend struct {
	client *redis.Client
}

// claimScript pops up to ARGV[1] ids off a ready list, recording each claim
// in the claimed zset and flipping the body status before the next pop.
// KEYS[1] = ready list, KEYS[2] = claimed zset, ARGV[2] = claim time millis,
// ARGV[3] = event key prefix, ARGV[4] = processing status.
var claimScript = redis.NewScript(`
local ids = {}
for i = 1, tonumber(ARGV[1]) do
	local id = redis.call('RPOP', KEYS[1])
	if not id then
		break
	end
	redis.call('ZADD', KEYS[2], ARGV[2], id)
	redis.call('HSET', ARGV[3] .. id, 'status', ARGV[4], 'updated_at', ARGV[2])
	ids[#ids + 1] = id
end
return ids
`)

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(ctx context.Context, addr string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisBackend{client: client}, nil
}

func (r *RedisBackend) Enqueue(ctx context.Context, ev *Event) error {
	start := time.Now()
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, redisEventPrefix+ev.ID, eventFields(ev, StatusPending))
	if ev.ScheduledAt != nil && ev.ScheduledAt.After(time.Now()) {
		// Deferred events wait in the scheduled zset until promoteDue
		// moves them to a ready list.
		pipe.ZAdd(ctx, redisScheduledKey, redis.Z{Score: float64(ev.ScheduledAt.UnixMilli()), Member: ev.ID})
	} else {
		pipe.LPush(ctx, redisReadyPrefix+ev.Priority, ev.ID)
	}
	_, err := pipe.Exec(ctx)

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.QueueEnqueuesTotal.WithLabelValues(backendRedis, result).Inc()
	metrics.QueueEnqueueDuration.WithLabelValues(backendRedis).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (r *RedisBackend) Dequeue(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	if err := r.promoteDue(ctx); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	var ids []string
	for _, priority := range dequeueOrder {
		remaining := limit - len(ids)
		if remaining <= 0 {
			break
		}
		res, err := claimScript.Run(ctx, r.client,
			[]string{redisReadyPrefix + priority, redisClaimedKey},
			remaining, now, redisEventPrefix, StatusProcessing).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("claim events: %w", err)
		}
		popped, _ := res.([]any)
		for _, v := range popped {
			if id, ok := v.(string); ok {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	// Every id is already in the claimed zset, so a failure reading bodies
	// only delays the event until the stuck sweep requeues it.
	pipe := r.client.TxPipeline()
	bodies := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		bodies[i] = pipe.HGetAll(ctx, redisEventPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read claimed events: %w", err)
	}

	events := make([]*Event, 0, len(ids))
	for _, cmd := range bodies {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue // Body expired or lost; nothing to process
		}
		events = append(events, eventFromFields(fields))
	}
	metrics.QueueDequeuedTotal.WithLabelValues(backendRedis).Add(float64(len(events)))
	return events, nil
}

func (r *RedisBackend) UpdateStatus(ctx context.Context, ev *Event, status string) error {
	key := redisEventPrefix + ev.ID
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, redisClaimedKey, ev.ID)

	switch status {
	case StatusRetry:
		fields := map[string]any{
			"status":      StatusRetry,
			"retry_count": ev.RetryCount,
			"updated_at":  time.Now().UnixMilli(),
		}
		var due int64
		if ev.ScheduledAt != nil {
			due = ev.ScheduledAt.UnixMilli()
			fields["scheduled_at"] = due
		}
		pipe.HSet(ctx, key, fields)
		pipe.ZAdd(ctx, redisScheduledKey, redis.Z{Score: float64(due), Member: ev.ID})
	default:
		pipe.HSet(ctx, key, "status", status, "updated_at", time.Now().UnixMilli())
		pipe.Expire(ctx, key, redisTerminalTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update event %s: %w", ev.ID, err)
	}
	return nil
}

func (r *RedisBackend) RequeueStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	ids, err := r.client.ZRangeByScore(ctx, redisClaimedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan stuck events: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	requeued := 0
	for _, id := range ids {
		priority, err := r.client.HGet(ctx, redisEventPrefix+id, "priority").Result()
		if err == redis.Nil {
			// Body gone; drop the orphaned claim.
			r.client.ZRem(ctx, redisClaimedKey, id)
			continue
		}
		if err != nil {
			return requeued, err
		}
		pipe := r.client.TxPipeline()
		pipe.HSet(ctx, redisEventPrefix+id, "status", StatusPending, "updated_at", time.Now().UnixMilli())
		pipe.ZRem(ctx, redisClaimedKey, id)
		pipe.LPush(ctx, redisReadyPrefix+priority, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

func (r *RedisBackend) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

// promoteDue moves scheduled events (retries and deferred enqueues) whose
// due time has passed onto their ready lists.
func (r *RedisBackend) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := r.client.ZRangeByScore(ctx, redisScheduledKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("scan due retries: %w", err)
	}
	for _, id := range ids {
		priority, err := r.client.HGet(ctx, redisEventPrefix+id, "priority").Result()
		if err == redis.Nil {
			r.client.ZRem(ctx, redisScheduledKey, id)
			continue
		}
		if err != nil {
			return err
		}
		pipe := r.client.TxPipeline()
		pipe.ZRem(ctx, redisScheduledKey, id)
		pipe.LPush(ctx, redisReadyPrefix+priority, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func eventFields(ev *Event, status string) map[string]any {
	fields := map[string]any{
		"id":          ev.ID,
		"provider":    ev.Provider,
		"endpoint":    ev.Endpoint,
		"payload":     string(ev.Payload),
		"client_ip":   ev.ClientIP,
		"status":      status,
		"priority":    ev.Priority,
		"retry_count": ev.RetryCount,
		"max_retries": ev.MaxRetries,
		"created_at":  ev.CreatedAt.UnixMilli(),
		"updated_at":  time.Now().UnixMilli(),
	}
	if ev.ScheduledAt != nil {
		fields["scheduled_at"] = ev.ScheduledAt.UnixMilli()
	}
	return fields
}

func eventFromFields(fields map[string]string) *Event {
	ev := &Event{
		ID:       fields["id"],
		Provider: fields["provider"],
		Endpoint: fields["endpoint"],
		Payload:  json.RawMessage(fields["payload"]),
		ClientIP: fields["client_ip"],
		Status:   fields["status"],
		Priority: fields["priority"],
	}
	ev.RetryCount, _ = strconv.Atoi(fields["retry_count"])
	ev.MaxRetries, _ = strconv.Atoi(fields["max_retries"])
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		ev.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		ev.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(fields["scheduled_at"], 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		ev.ScheduledAt = &t
	}
	return ev
}

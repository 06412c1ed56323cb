package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"medscan/internal/config"
)

// RedisQueue coordinates the ready and in-flight analysis queues in Redis.
// Jobs are enqueued once at intake; the in-flight sorted set implements a
// visibility timeout so deliveries lost to a crashed worker resurface.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	failedKey     string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 5 * time.Minute
	}
	return NewRedisQueueWithClient(client, visibility)
}

// NewRedisQueueWithClient wires an existing client; used by tests.
func NewRedisQueueWithClient(client *redis.Client, visibility time.Duration) *RedisQueue {
	return &RedisQueue{
		client:        client,
		readyKey:      "analyses:ready",
		inflightKey:   "analyses:inflight",
		failedKey:     "analyses:failed",
		visibilityTTL: visibility,
	}
}

// Enqueue appends an analysis id to the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, analysisID string) error {
	return q.client.RPush(ctx, q.readyKey, analysisID).Err()
}

// DequeueWithLease pops the next ready id and places it into the in-flight
// set with a visibility deadline. Empty string means the queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return id, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight id.
func (q *RedisQueue) ExtendLease(ctx context.Context, analysisID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: analysisID,
	}).Err()
}

// Ack removes an id from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, analysisID string) error {
	return q.client.ZRem(ctx, q.inflightKey, analysisID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing the ids. The
// runner's claim check makes redelivery of an already-claimed analysis a
// no-op, so this is crash hygiene rather than a retry mechanism.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// RecordFailure appends a failed analysis id for operational inspection.
// There is no reprocessing path; failures are terminal.
func (q *RedisQueue) RecordFailure(ctx context.Context, analysisID string) error {
	return q.client.RPush(ctx, q.failedKey, analysisID).Err()
}

// FailedPeek reads the latest failed analysis ids.
func (q *RedisQueue) FailedPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.failedKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready queue.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

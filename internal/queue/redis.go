package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Per channel, the queue keeps:
//
//	scheduled   ZSET  job id scored by run-at (ms)
//	processing  ZSET  job id scored by visibility deadline (ms)
//	jobs        HASH  job id -> job JSON
//	attempts    HASH  job id -> delivery count
//	failed      LIST  job JSON, most recent first
var (
	enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[3], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

	dequeueScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('ZADD', KEYS[1], ARGV[1], id)
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local data = redis.call('HGET', KEYS[3], id)
if not data then
	redis.call('HDEL', KEYS[4], id)
	return false
end
redis.call('ZADD', KEYS[2], ARGV[2], id)
local attempt = redis.call('HINCRBY', KEYS[4], id, 1)
return {data, attempt}
`)

	ackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[2], ARGV[1]) == 0 then
	return 0
end
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

	retryScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[3], ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

	failScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[3], ARGV[1]) == 0 then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('LPUSH', KEYS[5], ARGV[2])
redis.call('LTRIM', KEYS[5], 0, tonumber(ARGV[3]) - 1)
return 1
`)
)

// RedisQueue is a Queue stored in Redis. Multiple API and worker
// processes may share one channel.
type RedisQueue struct {
	client     redis.UniversalClient
	visibility time.Duration
	now        func() time.Time

	scheduledKey  string
	processingKey string
	jobsKey       string
	attemptsKey   string
	failedKey     string
}

// NewRedisQueue creates a queue on the given channel.
func NewRedisQueue(client redis.UniversalClient, channel string, visibility time.Duration) *RedisQueue {
	if visibility <= 0 {
		visibility = 30 * time.Minute
	}
	// The hash tag keeps every key of a channel on one cluster slot.
	prefix := "nautilus:queue:{" + channel + "}:"
	return &RedisQueue{
		client:        client,
		visibility:    visibility,
		now:           time.Now,
		scheduledKey:  prefix + "scheduled",
		processingKey: prefix + "processing",
		jobsKey:       prefix + "jobs",
		attemptsKey:   prefix + "attempts",
		failedKey:     prefix + "failed",
	}
}

func (q *RedisQueue) keys() []string {
	return []string{q.scheduledKey, q.processingKey, q.jobsKey, q.attemptsKey, q.failedKey}
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

// Enqueue schedules a job to run now.
func (q *RedisQueue) Enqueue(ctx context.Context, name string, payload any, opts ...EnqueueOption) (*Job, error) {
	return q.EnqueueAt(ctx, q.now(), name, payload, opts...)
}

// EnqueueAt schedules a job to run at runAt.
func (q *RedisQueue) EnqueueAt(ctx context.Context, runAt time.Time, name string, payload any, opts ...EnqueueOption) (*Job, error) {
	job, err := newJob(name, payload, runAt, q.now(), opts)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}

	created, err := enqueueScript.Run(ctx, q.client, q.keys(), job.ID, data, millis(job.RunAt)).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job %s: %w", name, err)
	}
	if created == 1 {
		return job, nil
	}

	existing, err := q.client.HGet(ctx, q.jobsKey, job.ID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return job, nil
		}
		return nil, fmt.Errorf("failed to load existing job: %w", err)
	}
	var current Job
	if err := json.Unmarshal(existing, &current); err != nil {
		return nil, fmt.Errorf("failed to decode existing job: %w", err)
	}
	return &current, nil
}

// Dequeue claims the earliest due job.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	now := q.now()
	res, err := dequeueScript.Run(ctx, q.client, q.keys(), millis(now), millis(now.Add(q.visibility))).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoJob
		}
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("failed to dequeue job: unexpected reply %v", res)
	}

	data, _ := res[0].(string)
	attempt, _ := res[1].(int64)

	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	job.Attempt = int(attempt)
	return &job, nil
}

// Ack removes a completed job.
func (q *RedisQueue) Ack(ctx context.Context, job *Job) error {
	ok, err := ackScript.Run(ctx, q.client, q.keys(), job.ID).Int()
	if err != nil {
		return fmt.Errorf("failed to ack job %s: %w", job.ID, err)
	}
	if ok == 0 {
		return ErrUnknownJob
	}
	return nil
}

// Retry reschedules a claimed job.
func (q *RedisQueue) Retry(ctx context.Context, job *Job, runAt time.Time, cause error) error {
	updated := job.clone()
	updated.RunAt = runAt.UTC()
	updated.LastError = causeString(cause)

	data, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	ok, err := retryScript.Run(ctx, q.client, q.keys(), job.ID, data, millis(updated.RunAt)).Int()
	if err != nil {
		return fmt.Errorf("failed to retry job %s: %w", job.ID, err)
	}
	if ok == 0 {
		return ErrUnknownJob
	}
	return nil
}

// Fail moves a claimed job to the failed list.
func (q *RedisQueue) Fail(ctx context.Context, job *Job, cause error) error {
	failed := job.clone()
	failed.LastError = causeString(cause)

	data, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	ok, err := failScript.Run(ctx, q.client, q.keys(), job.ID, data, maxFailed).Int()
	if err != nil {
		return fmt.Errorf("failed to fail job %s: %w", job.ID, err)
	}
	if ok == 0 {
		return ErrUnknownJob
	}
	return nil
}

// Stats returns the current queue sizes.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	scheduled := pipe.ZCard(ctx, q.scheduledKey)
	processing := pipe.ZCard(ctx, q.processingKey)
	failed := pipe.LLen(ctx, q.failedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return Stats{
		Scheduled:  scheduled.Val(),
		Processing: processing.Val(),
		Failed:     failed.Val(),
	}, nil
}

// Ping checks the Redis connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the client.
func (q *RedisQueue) Close() error {
	return nil
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

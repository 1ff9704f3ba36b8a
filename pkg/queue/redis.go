package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/fault"
	"github.com/crewhq/crewd/pkg/models"
)

const (
	keyReady   = "crewd:queue:ready"   // zset: job id -> ready-at (unix ms)
	keyClaimed = "crewd:queue:claimed" // zset: job id -> lease expiry (unix ms)
	keyPayload = "crewd:queue:payload" // hash: job id -> job json
)

// claimScript recovers lapsed leases, then moves the earliest due job from
// ready to claimed and returns its payload. Atomic so two workers never
// claim the same job.
var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('ZADD', KEYS[1], ARGV[1], id)
end
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then
	return false
end
local id = due[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
return redis.call('HGET', KEYS[3], id)
`)

var extendScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[2]) == false then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// RedisQueue implements Queue on Redis sorted sets.
type RedisQueue struct {
	client *redis.Client
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue connects and pings the Redis backend.
func NewRedisQueue(ctx context.Context, cfg config.RedisConfig) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisQueue{client: client}, nil
}

func unixMS(t time.Time) int64 { return t.UnixMilli() }

func (q *RedisQueue) Enqueue(ctx context.Context, job *models.Job, delay time.Duration) error {
	j := *job
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = time.Now()
	}
	payload, err := json.Marshal(&j)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	added, err := q.client.HSetNX(ctx, keyPayload, j.ID, payload).Result()
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	if !added {
		return fault.New(fault.Conflict, "job %s already enqueued", j.ID)
	}
	readyAt := unixMS(time.Now().Add(delay))
	if err := q.client.ZAdd(ctx, keyReady, redis.Z{Score: float64(readyAt), Member: j.ID}).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context, workerID string, leaseTTL time.Duration) (*models.Job, error) {
	now := time.Now()
	res, err := claimScript.Run(ctx, q.client,
		[]string{keyReady, keyClaimed, keyPayload},
		unixMS(now), unixMS(now.Add(leaseTTL))).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	raw, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("claim job: unexpected script result %T", res)
	}
	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode claimed job: %w", err)
	}
	return &job, nil
}

func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, leaseTTL time.Duration) error {
	res, err := extendScript.Run(ctx, q.client,
		[]string{keyClaimed},
		unixMS(time.Now().Add(leaseTTL)), jobID).Int()
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if res == 0 {
		return fault.New(fault.NotFound, "job %s is not claimed", jobID)
	}
	return nil
}

func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, keyReady, jobID)
	pipe.ZRem(ctx, keyClaimed, jobID)
	pipe.HDel(ctx, keyPayload, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, jobID string, delay time.Duration) error {
	raw, err := q.client.HGet(ctx, keyPayload, jobID).Result()
	if errors.Is(err, redis.Nil) {
		return fault.New(fault.NotFound, "job %s not found", jobID)
	}
	if err != nil {
		return fmt.Errorf("nack job: %w", err)
	}
	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return fmt.Errorf("decode job: %w", err)
	}
	job.Attempt++
	payload, err := json.Marshal(&job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	readyAt := unixMS(time.Now().Add(delay))
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, keyPayload, jobID, payload)
	pipe.ZRem(ctx, keyClaimed, jobID)
	pipe.ZAdd(ctx, keyReady, redis.Z{Score: float64(readyAt), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	n, err := q.client.HLen(ctx, keyPayload).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return int(n), nil
}

func (q *RedisQueue) Close() error { return q.client.Close() }

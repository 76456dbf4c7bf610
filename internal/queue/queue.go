// Package queue holds analysis jobs in Redis lists using the reliable-queue
// pattern: a dequeue atomically moves the job to a processing list and leases
// it; an acknowledgement removes it; expired leases are moved back to pending
// so a crashed worker's job is picked up by another worker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/ticket-chat/internal/domain"
)

var (
	// ErrEmpty is returned by Dequeue when no job arrived within the wait.
	ErrEmpty = errors.New("queue: no job available")
	// ErrUnavailable marks failures to reach the broker.
	ErrUnavailable = errors.New("queue: unavailable")
)

// Enqueuer is the producer side used by the chat service.
type Enqueuer interface {
	Enqueue(ctx context.Context, job domain.AnalysisJob) error
}

// Delivery is a dequeued job that must be acknowledged.
type Delivery struct {
	Job domain.AnalysisJob
	raw string
}

// RedisQueue implements the queue on go-redis.
type RedisQueue struct {
	rdb        *redis.Client
	pending    string
	processing string
	leases     string
	markers    string
	visibility time.Duration
	now        func() time.Time
}

// NewRedisQueue builds a queue whose keys share prefix.
func NewRedisQueue(rdb *redis.Client, prefix string, visibility time.Duration) *RedisQueue {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &RedisQueue{
		rdb:        rdb,
		pending:    prefix + ":pending",
		processing: prefix + ":processing",
		leases:     prefix + ":leases",
		markers:    prefix + ":requeued:",
		visibility: visibility,
		now:        time.Now,
	}
}

// Enqueue pushes one job. Errors wrap ErrUnavailable.
func (q *RedisQueue) Enqueue(ctx context.Context, job domain.AnalysisJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.pending, payload).Err(); err != nil {
		return fmt.Errorf("%w: lpush: %v", ErrUnavailable, err)
	}
	return nil
}

// EnqueueOnce pushes job unless another job was pushed for the same attachment
// through EnqueueOnce within ttl. It reports whether the job was pushed.
func (q *RedisQueue) EnqueueOnce(ctx context.Context, job domain.AnalysisJob, ttl time.Duration) (bool, error) {
	key := q.markers + job.AttachmentID
	set, err := q.rdb.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: setnx: %v", ErrUnavailable, err)
	}
	if !set {
		return false, nil
	}
	if err := q.Enqueue(ctx, job); err != nil {
		_ = q.rdb.Del(context.WithoutCancel(ctx), key).Err()
		return false, err
	}
	return true, nil
}

// Dequeue blocks up to wait for a job and leases it for the visibility
// timeout. Only one caller can receive a given job.
func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error) {
	raw, err := q.rdb.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("%w: blmove: %v", ErrUnavailable, err)
	}

	deadline := q.now().Add(q.visibility)
	if err := q.rdb.ZAdd(ctx, q.leases, redis.Z{Score: score(deadline), Member: raw}).Err(); err != nil {
		return nil, fmt.Errorf("%w: lease: %v", ErrUnavailable, err)
	}

	var job domain.AnalysisJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		d := &Delivery{raw: raw}
		_ = q.Ack(ctx, d)
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &Delivery{Job: job, raw: raw}, nil
}

// Ack removes a finished job from the processing list.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, d.raw)
		pipe.ZRem(ctx, q.leases, d.raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: ack: %v", ErrUnavailable, err)
	}
	return nil
}

var requeueScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
if removed > 0 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
return removed
`)

// Reclaim returns jobs whose lease expired to the head of the pending list and
// leases processing entries that never got one. It returns the number of jobs
// made available again.
func (q *RedisQueue) Reclaim(ctx context.Context) (int, error) {
	now := q.now()

	inFlight, err := q.rdb.LRange(ctx, q.processing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: lrange: %v", ErrUnavailable, err)
	}
	for _, raw := range inFlight {
		lease := redis.Z{Score: score(now.Add(q.visibility)), Member: raw}
		if err := q.rdb.ZAddNX(ctx, q.leases, lease).Err(); err != nil {
			return 0, fmt.Errorf("%w: lease: %v", ErrUnavailable, err)
		}
	}

	expired, err := q.rdb.ZRangeByScore(ctx, q.leases, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(int64(score(now)), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: zrange: %v", ErrUnavailable, err)
	}

	reclaimed := 0
	for _, raw := range expired {
		n, err := requeueScript.Run(ctx, q.rdb, []string{q.processing, q.pending, q.leases}, raw).Int()
		if err != nil {
			return reclaimed, fmt.Errorf("%w: requeue: %v", ErrUnavailable, err)
		}
		reclaimed += n
	}
	return reclaimed, nil
}

// Depth reports pending and in-flight job counts.
func (q *RedisQueue) Depth(ctx context.Context) (pending, processing int64, err error) {
	pipe := q.rdb.Pipeline()
	p := pipe.LLen(ctx, q.pending)
	f := pipe.LLen(ctx, q.processing)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("%w: llen: %v", ErrUnavailable, err)
	}
	return p.Val(), f.Val(), nil
}

// Ping checks the broker connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return q.rdb.Ping(ctx).Err()
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

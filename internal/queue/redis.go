package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// RedisQueue keeps jobs in three keys under a common prefix:
//
//	<name>:ready       list of encoded jobs waiting for a worker
//	<name>:processing  list of jobs handed out and not yet acked
//	<name>:inflight    sorted set of handed-out jobs scored by lease expiry (unix ms)
//	<name>:delayed     sorted set of retries scored by due time (unix ms)
//
// A job whose lease expires before Ack or Retry goes back to the ready list,
// so a consumer that dies mid-job does not lose it. Jobs are encoded with
// msgpack.
type RedisQueue struct {
	client     redis.Cmdable
	name       string
	poll       time.Duration
	visibility time.Duration
	log        *zap.Logger
	now        func() time.Time
}

// DefaultVisibilityTimeout bounds how long a job may stay unacked.
const DefaultVisibilityTimeout = 5 * time.Minute

type RedisOption func(*RedisQueue)

// WithPollInterval sets how long Consume sleeps when the ready list is empty.
func WithPollInterval(d time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.poll = d
		}
	}
}

// WithVisibilityTimeout sets how long a handed-out job may stay unacked
// before it is redelivered. It must exceed the longest send.
func WithVisibilityTimeout(d time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

func WithRedisLogger(log *zap.Logger) RedisOption {
	return func(q *RedisQueue) {
		if log != nil {
			q.log = log
		}
	}
}

// NewRedisQueue creates a queue on client. The caller owns the client.
func NewRedisQueue(client redis.Cmdable, name string, opts ...RedisOption) *RedisQueue {
	q := &RedisQueue{
		client:     client,
		name:       name,
		poll:       500 * time.Millisecond,
		visibility: DefaultVisibilityTimeout,
		log:        zap.NewNop(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *RedisQueue) readyKey() string      { return q.name + ":ready" }
func (q *RedisQueue) processingKey() string { return q.name + ":processing" }
func (q *RedisQueue) inflightKey() string   { return q.name + ":inflight" }
func (q *RedisQueue) delayedKey() string    { return q.name + ":delayed" }

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) (string, error) {
	job = prepare(job, q.now())
	payload, err := msgpack.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	if err := q.client.LPush(ctx, q.readyKey(), payload).Err(); err != nil {
		return "", fmt.Errorf("push job: %w", err)
	}
	return job.ID, nil
}

// Consume polls the ready list, moving each job to the processing list
// before handing it out. Due retries are promoted on every poll.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Delivery, error) {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			d, err := q.next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				q.log.Warn("⚠️ Redis queue poll failed", zap.Error(err))
			}
			if d == nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(q.poll):
				}
				continue
			}
			select {
			case out <- d:
			case <-ctx.Done():
				// Hand it back to the ready list for the next consumer.
				back := context.Background()
				pipe := q.client.TxPipeline()
				pipe.LRem(back, q.processingKey(), 1, d.payload)
				pipe.ZRem(back, q.inflightKey(), d.payload)
				pipe.RPush(back, q.readyKey(), d.payload)
				if _, err := pipe.Exec(back); err != nil {
					q.log.Warn("⚠️ Failed to hand job back, lease expiry will redeliver it",
						zap.String("job_id", d.job.ID), zap.Error(err))
				}
				return
			}
		}
	}()
	return out, nil
}

func (q *RedisQueue) next(ctx context.Context) (*redisDelivery, error) {
	if _, err := q.PromoteDue(ctx); err != nil {
		return nil, err
	}
	payload, err := q.client.LMove(ctx, q.readyKey(), q.processingKey(), "RIGHT", "LEFT").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("move job: %w", err)
	}
	var job Job
	if err := msgpack.Unmarshal([]byte(payload), &job); err != nil {
		q.log.Warn("⚠️ Invalid job payload, dropping", zap.Error(err))
		q.client.LRem(ctx, q.processingKey(), 1, payload)
		return nil, nil
	}
	lease := q.now().Add(q.visibility).UnixMilli()
	if err := q.client.ZAdd(ctx, q.inflightKey(), redis.Z{Score: float64(lease), Member: payload}).Err(); err != nil {
		return nil, fmt.Errorf("lease job: %w", err)
	}
	return &redisDelivery{q: q, job: job, payload: payload}, nil
}

// PromoteDue moves retries whose backoff has elapsed and jobs whose lease has
// expired onto the ready list. It returns how many were moved.
func (q *RedisQueue) PromoteDue(ctx context.Context) (int, error) {
	upper := strconv.FormatInt(q.now().UnixMilli(), 10)
	reclaimed, err := q.reclaimExpired(ctx, upper)
	if err != nil {
		return reclaimed, err
	}
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
	if err != nil {
		return 0, fmt.Errorf("read delayed jobs: %w", err)
	}
	moved := 0
	for _, payload := range due {
		// Only the caller that removes the entry pushes it.
		n, err := q.client.ZRem(ctx, q.delayedKey(), payload).Result()
		if err != nil {
			return moved, fmt.Errorf("claim delayed job: %w", err)
		}
		if n == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.readyKey(), payload).Err(); err != nil {
			return moved, fmt.Errorf("promote delayed job: %w", err)
		}
		moved++
	}
	return reclaimed + moved, nil
}

func (q *RedisQueue) reclaimExpired(ctx context.Context, upper string) (int, error) {
	expired, err := q.client.ZRangeByScore(ctx, q.inflightKey(), &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
	if err != nil {
		return 0, fmt.Errorf("read leased jobs: %w", err)
	}
	moved := 0
	for _, payload := range expired {
		n, err := q.client.ZRem(ctx, q.inflightKey(), payload).Result()
		if err != nil {
			return moved, fmt.Errorf("claim expired job: %w", err)
		}
		if n == 0 {
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.processingKey(), 1, payload)
		pipe.LPush(ctx, q.readyKey(), payload)
		if _, err := pipe.Exec(ctx); err != nil {
			return moved, fmt.Errorf("requeue expired job: %w", err)
		}
		q.log.Warn("⚠️ Job lease expired, redelivering")
		moved++
	}
	return moved, nil
}

// Len reports the ready, processing and delayed counts.
func (q *RedisQueue) Len(ctx context.Context) (ready, processing, delayed int64, err error) {
	pipe := q.client.Pipeline()
	r := pipe.LLen(ctx, q.readyKey())
	p := pipe.LLen(ctx, q.processingKey())
	d := pipe.ZCard(ctx, q.delayedKey())
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, err
	}
	return r.Val(), p.Val(), d.Val(), nil
}

// Close is a no-op; the client belongs to the caller.
func (q *RedisQueue) Close() error { return nil }

type redisDelivery struct {
	q       *RedisQueue
	job     Job
	payload string
}

func (d *redisDelivery) Job() Job { return d.job }

func (d *redisDelivery) Ack(ctx context.Context) error {
	pipe := d.q.client.TxPipeline()
	pipe.LRem(ctx, d.q.processingKey(), 1, d.payload)
	pipe.ZRem(ctx, d.q.inflightKey(), d.payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

func (d *redisDelivery) Retry(ctx context.Context, cause error) (bool, error) {
	if !d.job.ShouldRetry() {
		d.q.log.Warn("Job permanently failed",
			zap.String("job_id", d.job.ID),
			zap.Int64("message_id", d.job.MessageID),
			zap.Int("attempts", d.job.Attempt),
			zap.Error(cause))
		return false, d.Ack(ctx)
	}
	next := d.job
	next.Attempt++
	payload, err := msgpack.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("encode job: %w", err)
	}
	due := d.q.now().Add(next.Policy.Backoff).UnixMilli()

	pipe := d.q.client.TxPipeline()
	pipe.LRem(ctx, d.q.processingKey(), 1, d.payload)
	pipe.ZRem(ctx, d.q.inflightKey(), d.payload)
	pipe.ZAdd(ctx, d.q.delayedKey(), redis.Z{Score: float64(due), Member: string(payload)})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("schedule retry: %w", err)
	}
	return true, nil
}

var _ Queue = (*RedisQueue)(nil)

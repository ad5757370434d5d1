package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// InMemoryQueue is a process-local queue with delayed redelivery. Jobs are
// lost when the process exits, so it suits tests and single-binary setups.
type InMemoryQueue struct {
	mu     sync.Mutex
	jobs   chan Job
	timers map[string]*time.Timer
	closed bool
	log    *zap.Logger
}

// NewInMemoryQueue creates a queue holding up to size ready jobs.
func NewInMemoryQueue(size int, log *zap.Logger) *InMemoryQueue {
	if size < 1 {
		size = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &InMemoryQueue{
		jobs:   make(chan Job, size),
		timers: make(map[string]*time.Timer),
		log:    log,
	}
}

func (q *InMemoryQueue) Enqueue(_ context.Context, job Job) (string, error) {
	job = prepare(job, time.Now())
	if err := q.push(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (q *InMemoryQueue) push(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Consume streams deliveries until ctx is cancelled or the queue is closed.
func (q *InMemoryQueue) Consume(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case job, ok := <-q.jobs:
				if !ok {
					return
				}
				select {
				case out <- &memoryDelivery{q: q, job: job}:
				case <-ctx.Done():
					// Put it back so a later consumer sees it.
					_ = q.push(job)
					return
				}
			}
		}
	}()
	return out, nil
}

// Len returns the number of jobs ready for delivery.
func (q *InMemoryQueue) Len() int {
	return len(q.jobs)
}

// Pending returns the number of jobs waiting out a backoff.
func (q *InMemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	close(q.jobs)
	return nil
}

func (q *InMemoryQueue) schedule(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.timers[job.ID] = time.AfterFunc(job.Policy.Backoff, func() {
		q.mu.Lock()
		delete(q.timers, job.ID)
		q.mu.Unlock()
		if err := q.push(job); err != nil {
			q.log.Warn("⚠️ Dropped redelivery", zap.String("job_id", job.ID), zap.Int64("message_id", job.MessageID), zap.Error(err))
		}
	})
}

type memoryDelivery struct {
	q   *InMemoryQueue
	job Job
}

func (d *memoryDelivery) Job() Job { return d.job }

func (d *memoryDelivery) Ack(context.Context) error { return nil }

func (d *memoryDelivery) Retry(_ context.Context, cause error) (bool, error) {
	if !d.job.ShouldRetry() {
		d.q.log.Warn("Job permanently failed",
			zap.String("job_id", d.job.ID),
			zap.Int64("message_id", d.job.MessageID),
			zap.Int("attempts", d.job.Attempt),
			zap.Error(cause))
		return false, nil
	}
	next := d.job
	next.Attempt++
	d.q.schedule(next)
	return true, nil
}

var _ Queue = (*InMemoryQueue)(nil)

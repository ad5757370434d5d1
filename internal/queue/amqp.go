package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const attemptHeader = "x-attempt"

// amqpChannel is the subset of *amqp.Channel the queue uses.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// AMQPQueue publishes jobs to a durable RabbitMQ queue. Retries go to a
// companion "<name>.retry" queue whose per-message TTL dead-letters them
// back onto the main queue once the backoff has elapsed.
type AMQPQueue struct {
	mu       sync.Mutex
	ch       amqpChannel
	conn     io.Closer
	name     string
	prefetch int
	log      *zap.Logger
}

// DialAMQP connects to the broker and declares the queue topology.
func DialAMQP(url, name string, prefetch int, log *zap.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	q, err := newAMQPQueue(ch, conn, name, prefetch, log)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return q, nil
}

func newAMQPQueue(ch amqpChannel, conn io.Closer, name string, prefetch int, log *zap.Logger) (*AMQPQueue, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if prefetch < 1 {
		prefetch = 1
	}
	q := &AMQPQueue{ch: ch, conn: conn, name: name, prefetch: prefetch, log: log}
	if err := q.declare(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *AMQPQueue) retryName() string { return q.name + ".retry" }

func (q *AMQPQueue) declare() error {
	if _, err := q.ch.QueueDeclare(
		q.name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", q.name, err)
	}
	if _, err := q.ch.QueueDeclare(
		q.retryName(),
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q.name,
		},
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", q.retryName(), err)
	}
	return nil
}

// publish sends job to key. A non-negative delay sets the message TTL, which
// the retry queue relies on; pass -1 for none.
func (q *AMQPQueue) publish(key string, job Job, delay time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	msg := amqp.Publishing{
		Headers:      amqp.Table{attemptHeader: int32(job.Attempt)},
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    time.Now(),
		Body:         body,
	}
	if delay >= 0 {
		msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch.Publish("", key, false, false, msg)
}

func (q *AMQPQueue) Enqueue(_ context.Context, job Job) (string, error) {
	job = prepare(job, time.Now())
	if err := q.publish(q.name, job, -1); err != nil {
		return "", fmt.Errorf("publish job: %w", err)
	}
	return job.ID, nil
}

// Consume registers a consumer with manual acknowledgement.
func (q *AMQPQueue) Consume(ctx context.Context) (<-chan Delivery, error) {
	if err := q.ch.Qos(q.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	msgs, err := q.ch.Consume(
		q.name,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("register consumer: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				var job Job
				if err := json.Unmarshal(d.Body, &job); err != nil {
					q.log.Warn("⚠️ Invalid job payload, dropping", zap.Error(err))
					_ = d.Ack(false)
					continue
				}
				job.Attempt = attemptFrom(d.Headers, job.Attempt)
				select {
				case out <- &amqpDelivery{q: q, d: d, job: job}:
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

// attemptFrom prefers the attempt header over the body value.
func attemptFrom(h amqp.Table, fallback int) int {
	switch v := h[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	if fallback < 1 {
		return 1
	}
	return fallback
}

func (q *AMQPQueue) Close() error {
	err := q.ch.Close()
	if q.conn != nil {
		if cerr := q.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

type amqpDelivery struct {
	q   *AMQPQueue
	d   amqp.Delivery
	job Job
}

func (d *amqpDelivery) Job() Job { return d.job }

func (d *amqpDelivery) Ack(context.Context) error {
	return d.d.Ack(false)
}

// Retry republishes the next attempt to the retry queue and acks the current
// delivery. An exhausted job is acked and dropped.
func (d *amqpDelivery) Retry(_ context.Context, cause error) (bool, error) {
	if !d.job.ShouldRetry() {
		d.q.log.Warn("Job permanently failed",
			zap.String("job_id", d.job.ID),
			zap.Int64("message_id", d.job.MessageID),
			zap.Int("attempts", d.job.Attempt),
			zap.Error(cause))
		return false, d.d.Ack(false)
	}
	next := d.job
	next.Attempt++
	if err := d.q.publish(d.q.retryName(), next, next.Policy.Backoff); err != nil {
		// Leave it to the broker to hand the original back.
		_ = d.d.Nack(false, true)
		return false, fmt.Errorf("publish retry: %w", err)
	}
	return true, d.d.Ack(false)
}

var _ Queue = (*AMQPQueue)(nil)

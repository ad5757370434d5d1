package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueClosed = errors.New("queue is closed")
)

// Queue carries delivery jobs from the scheduler to the worker.
type Queue interface {
	Enqueue(ctx context.Context, job Job) (string, error)
	Consume(ctx context.Context) (<-chan Delivery, error)
	Close() error
}

// Delivery is one received job. Exactly one of Ack or Retry must be called.
type Delivery interface {
	Job() Job
	Ack(ctx context.Context) error
	// Retry schedules the job again after its backoff when attempts remain.
	// It reports whether a redelivery was scheduled; otherwise the job is
	// dropped.
	Retry(ctx context.Context, cause error) (bool, error)
}

type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" msgpack:"max_attempts"`
	Backoff     time.Duration `json:"backoff" msgpack:"backoff"`
}

type Attachment struct {
	Filename    string `json:"filename" msgpack:"filename"`
	Path        string `json:"path" msgpack:"path"`
	ContentType string `json:"content_type" msgpack:"content_type"`
}

// Job is the payload of one delivery attempt for a message.
type Job struct {
	ID          string       `json:"id" msgpack:"id"`
	MessageID   int64        `json:"message_id" msgpack:"message_id"`
	To          string       `json:"to" msgpack:"to"`
	Subject     string       `json:"subject" msgpack:"subject"`
	HTML        string       `json:"html" msgpack:"html"`
	Attachments []Attachment `json:"attachments,omitempty" msgpack:"attachments,omitempty"`
	Policy      RetryPolicy  `json:"policy" msgpack:"policy"`
	Attempt     int          `json:"attempt" msgpack:"attempt"`
	EnqueuedAt  time.Time    `json:"enqueued_at" msgpack:"enqueued_at"`
}

// ShouldRetry reports whether another attempt is allowed after this one.
func (j Job) ShouldRetry() bool {
	return j.Attempt < j.Policy.MaxAttempts
}

// prepare fills the id, attempt and enqueue time of a new job.
func prepare(job Job, now time.Time) Job {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	if job.Policy.MaxAttempts < 1 {
		job.Policy.MaxAttempts = 1
	}
	job.EnqueuedAt = now
	return job
}

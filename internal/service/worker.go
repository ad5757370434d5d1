package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/unclebandit/mailpacer/internal/delivery"
	appErrors "github.com/unclebandit/mailpacer/internal/errors"
	"github.com/unclebandit/mailpacer/internal/metrics"
	"github.com/unclebandit/mailpacer/internal/queue"
)

type Outcome int

const (
	// OutcomeSent: delivered and recorded; the job is acked.
	OutcomeSent Outcome = iota
	// OutcomeFailed: the transport failed and the failure was recorded; the
	// job goes back to the queue.
	OutcomeFailed
	// OutcomeSkipped: the message could not be claimed (duplicate or stale
	// job); the job is acked without sending.
	OutcomeSkipped
	// OutcomeStoreError: the store was unavailable; the job goes back to
	// the queue.
	OutcomeStoreError
	// OutcomeThrottled: the send limiter refused to wait; the job goes back
	// to the queue untouched.
	OutcomeThrottled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeStoreError:
		return "store_error"
	case OutcomeThrottled:
		return "throttled"
	}
	return "unknown"
}

// Worker processes delivery jobs
type Worker struct {
	Store       DeliveryStore
	Queue       queue.Queue
	Sender      delivery.Sender
	Log         *zap.Logger
	MaxRetries  int
	Concurrency int
	// Limiter paces sends when set.
	Limiter *rate.Limiter
	Now     func() time.Time
}

// Constructor
func NewWorker(store DeliveryStore, q queue.Queue, sender delivery.Sender, maxRetries, concurrency int, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		Store:       store,
		Queue:       q,
		Sender:      sender,
		Log:         log,
		MaxRetries:  maxRetries,
		Concurrency: concurrency,
		Now:         time.Now,
	}
}

// Start consumes jobs until ctx is cancelled, then waits for in-flight jobs
// to finish. Jobs already picked up run to completion on a context that is
// not cancelled with ctx.
func (w *Worker) Start(ctx context.Context) error {
	deliveries, err := w.Queue.Consume(ctx)
	if err != nil {
		return err
	}
	jobCtx := context.WithoutCancel(ctx)

	concurrency := w.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				w.Handle(jobCtx, d)
			}
		}()
	}
	w.Log.Info("🚀 Worker running, waiting for jobs...", zap.Int("concurrency", concurrency))
	wg.Wait()
	w.Log.Info("Worker stopped")
	return nil
}

// Handle processes one delivery and settles it with the queue.
func (w *Worker) Handle(ctx context.Context, d queue.Delivery) Outcome {
	metrics.IncInFlight()
	defer metrics.DecInFlight()

	job := d.Job()
	log := w.Log.With(
		zap.String("job_id", job.ID),
		zap.Int64("message_id", job.MessageID),
		zap.Int("attempt", job.Attempt))

	outcome, err := w.Process(ctx, job)
	switch outcome {
	case OutcomeSent, OutcomeSkipped:
		if ackErr := d.Ack(ctx); ackErr != nil {
			log.Error("⚠️ Failed to ack job", zap.Error(ackErr))
		}
	case OutcomeFailed, OutcomeStoreError, OutcomeThrottled:
		redelivered, retryErr := d.Retry(ctx, err)
		if retryErr != nil {
			log.Error("⚠️ Failed to requeue job", zap.Error(retryErr))
		} else if !redelivered {
			log.Warn("Job attempts exhausted", zap.Int("max_attempts", job.Policy.MaxAttempts))
		}
	}
	return outcome
}

// Process claims the message, sends it and records the result. The returned
// error describes failed and store-error outcomes.
func (w *Worker) Process(ctx context.Context, job queue.Job) (Outcome, error) {
	log := w.Log.With(zap.Int64("message_id", job.MessageID), zap.String("to", job.To))

	if w.Limiter != nil {
		if err := w.Limiter.Wait(ctx); err != nil {
			return OutcomeThrottled, err
		}
	}

	claimed, err := w.Store.Claim(ctx, job.MessageID, w.MaxRetries, w.now())
	if err != nil {
		return w.storeFailure(log, "claim", job.MessageID, err)
	}
	if !claimed {
		metrics.JobsSkipped.Add(1)
		log.Info("Message not claimable, skipping job")
		return OutcomeSkipped, nil
	}
	log.Info("📩 Processing message")

	providerID, sendErr := w.Sender.Send(ctx, envelopeFor(job))
	if sendErr != nil {
		metrics.DeliveryFailures.Add(1)
		if err := w.Store.MarkFailed(ctx, job.MessageID, sendErr.Error(), w.now()); err != nil {
			return w.storeFailure(log, "mark_failed", job.MessageID, err)
		}
		log.Error("❌ Delivery failed", zap.Error(sendErr))
		return OutcomeFailed, &appErrors.DeliveryError{MessageID: job.MessageID, Err: sendErr}
	}

	if err := w.Store.MarkSent(ctx, job.MessageID, w.now()); err != nil {
		return w.storeFailure(log, "mark_sent", job.MessageID, err)
	}
	metrics.MessagesDelivered.Add(1)
	log.Info("✅ Message sent", zap.String("provider_id", providerID))
	return OutcomeSent, nil
}

func (w *Worker) storeFailure(log *zap.Logger, op string, id int64, err error) (Outcome, error) {
	metrics.StoreErrors.Add(1)
	storeErr := appErrors.NewStoreError(op, id, err)
	if errors.Is(err, appErrors.ErrStaleTransition) {
		log.Warn("⚠️ Status changed under the worker", zap.String("op", op), zap.Error(err))
	} else {
		log.Error("⚠️ Message store unavailable", zap.String("op", op), zap.Error(err))
	}
	return OutcomeStoreError, storeErr
}

func (w *Worker) now() time.Time {
	if w.Now == nil {
		return time.Now()
	}
	return w.Now()
}

func envelopeFor(job queue.Job) delivery.Envelope {
	env := delivery.Envelope{To: job.To, Subject: job.Subject, HTML: job.HTML}
	for _, a := range job.Attachments {
		env.Attachments = append(env.Attachments, delivery.Attachment{
			Filename:    a.Filename,
			Path:        a.Path,
			ContentType: a.ContentType,
		})
	}
	return env
}

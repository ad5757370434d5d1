package service

import (
	"context"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/mailpacer/internal/errors"
	"github.com/unclebandit/mailpacer/internal/model"
	"github.com/unclebandit/mailpacer/internal/queue"
	"github.com/unclebandit/mailpacer/internal/render"
)

const defaultContentType = "application/octet-stream"

// JobSubmitter hands one message to the queue.
type JobSubmitter interface {
	Submit(ctx context.Context, msg *model.Message) (string, error)
}

// Submitter renders a message into a delivery job and enqueues it. It never
// touches the message store.
type Submitter struct {
	Queue      queue.Queue
	MaxRetries int
	Backoff    time.Duration
	Log        *zap.Logger

	// abs resolves attachment paths; nil means filepath.Abs.
	abs func(string) (string, error)
}

func NewSubmitter(q queue.Queue, maxRetries int, backoff time.Duration, log *zap.Logger) *Submitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Submitter{Queue: q, MaxRetries: maxRetries, Backoff: backoff, Log: log}
}

// Submit enqueues msg and returns the job id. Failures come back as
// *appErrors.SubmissionError.
func (s *Submitter) Submit(ctx context.Context, msg *model.Message) (string, error) {
	job, err := s.BuildJob(msg)
	if err != nil {
		return "", &appErrors.SubmissionError{MessageID: msg.ID, Err: err}
	}
	id, err := s.Queue.Enqueue(ctx, job)
	if err != nil {
		return "", &appErrors.SubmissionError{MessageID: msg.ID, Err: err}
	}
	return id, nil
}

// BuildJob renders the body and resolves the attachment. The file is not
// opened; a missing file fails at delivery time.
func (s *Submitter) BuildJob(msg *model.Message) (queue.Job, error) {
	job := queue.Job{
		MessageID: msg.ID,
		To:        msg.Email,
		Subject:   msg.Title,
		HTML:      render.TextToHTML(msg.Text),
		Policy:    queue.RetryPolicy{MaxAttempts: s.MaxRetries, Backoff: s.Backoff},
	}
	if msg.HasAttachment() {
		att, err := s.resolveAttachment(strings.TrimSpace(*msg.File))
		if err != nil {
			return queue.Job{}, err
		}
		s.Log.Info("📎 Attaching file",
			zap.Int64("message_id", msg.ID),
			zap.String("path", att.Path),
			zap.String("filename", att.Filename))
		job.Attachments = []queue.Attachment{att}
	}
	return job, nil
}

func (s *Submitter) resolveAttachment(file string) (queue.Attachment, error) {
	abs := s.abs
	if abs == nil {
		abs = filepath.Abs
	}
	path, err := abs(file)
	if err != nil {
		return queue.Attachment{}, err
	}
	name := filepath.Base(path)
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = defaultContentType
	}
	return queue.Attachment{Filename: name, Path: path, ContentType: contentType}, nil
}

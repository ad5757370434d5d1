package service

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/mailpacer/internal/errors"
	"github.com/unclebandit/mailpacer/internal/metrics"
	"github.com/unclebandit/mailpacer/internal/model"
)

const (
	PolicyNew   = "new"
	PolicyRetry = "retry"

	OutcomeQueued = "queued"
	OutcomeError  = "error"
)

// PassLocker runs fn under a lock shared by every scheduler instance.
type PassLocker interface {
	TryRun(ctx context.Context, fn func(context.Context) error) (bool, error)
}

// SubmitResult is the outcome of submitting one message.
type SubmitResult struct {
	ID      int64  `json:"id"`
	Email   string `json:"email"`
	Outcome string `json:"outcome"`
	JobID   string `json:"job_id,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// PolicySummary describes one policy run within a pass.
type PolicySummary struct {
	Policy       string         `json:"policy"`
	Quota        int            `json:"quota"`
	SentInWindow int            `json:"sent_in_window"`
	Slots        int            `json:"slots"`
	Exhausted    bool           `json:"exhausted"`
	Results      []SubmitResult `json:"results"`
}

func (p PolicySummary) Queued() int {
	n := 0
	for _, r := range p.Results {
		if r.Outcome == OutcomeQueued {
			n++
		}
	}
	return n
}

func (p PolicySummary) Errors() int {
	return len(p.Results) - p.Queued()
}

type PassResult struct {
	StartedAt time.Time     `json:"started_at"`
	Skipped   bool          `json:"skipped"`
	New       PolicySummary `json:"new"`
	Retry     PolicySummary `json:"retry"`
}

// Scheduler admits messages into the queue without exceeding the hourly
// quota. A pass selects pending messages first and failed ones with retries
// left second; each policy measures the quota afresh.
type Scheduler struct {
	Source     CandidateSource
	Gauge      *RateGauge
	Submitter  JobSubmitter
	MaxRetries int
	Lock       PassLocker
	Log        *zap.Logger
	Now        func() time.Time
}

func NewScheduler(source CandidateSource, gauge *RateGauge, submitter JobSubmitter, maxRetries int, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		Source:     source,
		Gauge:      gauge,
		Submitter:  submitter,
		MaxRetries: maxRetries,
		Log:        log,
		Now:        time.Now,
	}
}

// RunPass runs the new policy and then the retry policy. Store errors abort
// the pass; jobs already submitted stay queued. A pass that cannot take the
// lock returns a Skipped result.
func (s *Scheduler) RunPass(ctx context.Context) (*PassResult, error) {
	res := &PassResult{StartedAt: s.now()}
	if s.Lock == nil {
		return res, s.run(ctx, res)
	}
	ran, err := s.Lock.TryRun(ctx, func(ctx context.Context) error {
		return s.run(ctx, res)
	})
	if err != nil {
		return res, err
	}
	if !ran {
		res.Skipped = true
		s.Log.Info("another dispatch pass is running, skipped")
	}
	return res, nil
}

func (s *Scheduler) run(ctx context.Context, res *PassResult) error {
	newSummary, err := s.runPolicy(ctx, PolicyNew, 0, func(limit int) ([]*model.Message, error) {
		return s.Source.ListPending(ctx, limit)
	})
	res.New = newSummary
	if err != nil {
		return err
	}

	// Retry slots exclude jobs the new policy queued in this pass.
	retrySummary, err := s.runPolicy(ctx, PolicyRetry, newSummary.Queued(), func(limit int) ([]*model.Message, error) {
		return s.Source.ListRetryable(ctx, s.MaxRetries, limit)
	})
	res.Retry = retrySummary
	return err
}

func (s *Scheduler) runPolicy(ctx context.Context, policy string, reserved int, selectFn func(limit int) ([]*model.Message, error)) (PolicySummary, error) {
	summary := PolicySummary{Policy: policy, Results: []SubmitResult{}}

	quota, err := s.Gauge.Measure(ctx, s.now())
	if err != nil {
		return summary, err
	}
	summary.Quota = quota.Limit
	summary.SentInWindow = quota.Sent
	summary.Slots = quota.Available - reserved
	if summary.Slots < 0 {
		summary.Slots = 0
	}
	if summary.Slots == 0 {
		summary.Exhausted = true
		metrics.QuotaExhausted.Add(1)
		s.Log.Warn("⚠️ Hourly send limit reached, submission postponed",
			zap.String("policy", policy),
			zap.Int("limit", quota.Limit),
			zap.Int("sent_in_window", quota.Sent),
			zap.Int("reserved", reserved))
		return summary, nil
	}

	msgs, err := selectFn(summary.Slots)
	if err != nil {
		return summary, appErrors.NewStoreError("select_"+policy, 0, err)
	}

	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		s.Log.Info("Queueing message",
			zap.String("policy", policy),
			zap.Int64("message_id", m.ID),
			zap.String("email", m.Email),
			zap.Int("attempt", m.RetryCount+1))

		r := SubmitResult{ID: m.ID, Email: m.Email}
		jobID, err := s.Submitter.Submit(ctx, m)
		if err != nil {
			r.Outcome = OutcomeError
			r.Detail = err.Error()
			metrics.SubmitErrors.Add(1)
			s.Log.Error("Failed to queue message", zap.Int64("message_id", m.ID), zap.Error(err))
		} else {
			r.Outcome = OutcomeQueued
			r.JobID = jobID
			metrics.MessagesQueued.Add(1)
		}
		summary.Results = append(summary.Results, r)
	}
	return summary, nil
}

func (s *Scheduler) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

var policyTitles = map[string]string{
	PolicyNew:   "Pending messages queued",
	PolicyRetry: "Failed messages queued for retry",
}

// Print writes both policy summaries as tables.
func (r *PassResult) Print(w io.Writer) {
	if r.Skipped {
		fmt.Fprintln(w, "Dispatch pass skipped: another pass holds the lock.")
		return
	}
	r.New.Print(w)
	r.Retry.Print(w)
}

func (p PolicySummary) Print(w io.Writer) {
	title := policyTitles[p.Policy]
	if title == "" {
		title = p.Policy
	}
	if len(p.Results) == 0 {
		reason := "no messages"
		if p.Exhausted {
			reason = fmt.Sprintf("no messages (hourly limit %d reached, %d sent)", p.Quota, p.SentInWindow)
		}
		fmt.Fprintf(w, "%s: %s.\n", title, reason)
		return
	}

	fmt.Fprintf(w, "\n=== %s (%d/%d slots) ===\n", title, p.Queued(), p.Slots)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEMAIL\tSTATUS\tERROR")
	for _, r := range p.Results {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.ID, r.Email, r.Outcome, r.Detail)
	}
	tw.Flush()
}

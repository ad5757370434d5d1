package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/unclebandit/mailpacer/internal/model"
	"github.com/unclebandit/mailpacer/internal/repository/repotest"
)

var testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

// recordingSubmitter records submitted ids and fails for ids in failFor.
type recordingSubmitter struct {
	mu      sync.Mutex
	ids     []int64
	failFor map[int64]error
}

func (r *recordingSubmitter) Submit(_ context.Context, m *model.Message) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.failFor[m.ID]; ok {
		return "", err
	}
	r.ids = append(r.ids, m.ID)
	return fmt.Sprintf("job-%d", m.ID), nil
}

func (r *recordingSubmitter) submitted() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.ids...)
}

func newTestScheduler(store *repotest.Store, quota, maxRetries int, sub JobSubmitter) *Scheduler {
	s := NewScheduler(store, NewRateGauge(store, quota), sub, maxRetries, nil)
	s.Now = fixedNow
	return s
}

func pending(id int64, email string) *model.Message {
	return &model.Message{ID: id, Email: email, Title: "Hello", Text: "Body", Status: model.StatusPending}
}

func failed(id int64, email string, retries int) *model.Message {
	return &model.Message{ID: id, Email: email, Title: "Hello", Text: "Body", Status: model.StatusFailed, RetryCount: retries, LastError: strPtr("smtp 421")}
}

func sentAt(id int64, email string, at time.Time) *model.Message {
	return &model.Message{ID: id, Email: email, Status: model.StatusSent, SentAt: timePtr(at)}
}

var errStoreDown = errors.New("connection refused")

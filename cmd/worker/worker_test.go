package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/unclebandit/mailpacer/internal/delivery"
	"github.com/unclebandit/mailpacer/internal/model"
	"github.com/unclebandit/mailpacer/internal/queue"
	"github.com/unclebandit/mailpacer/internal/repository/repotest"
	"github.com/unclebandit/mailpacer/internal/service"
)

// slowSender blocks until release is closed so a job is in flight at shutdown.
type slowSender struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowSender) Send(context.Context, delivery.Envelope) (string, error) {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return "<id@example.com>", nil
}

func TestWorkerDrainsInFlightJobOnShutdown(t *testing.T) {
	store := repotest.NewStore(&model.Message{ID: 1, Email: "a@example.com", Status: model.StatusPending})
	q := queue.NewInMemoryQueue(4, nil)
	defer q.Close()
	_, err := q.Enqueue(context.Background(), queue.Job{MessageID: 1, To: "a@example.com", Policy: queue.RetryPolicy{MaxAttempts: 5}})
	require.NoError(t, err)

	sender := &slowSender{started: make(chan struct{}), release: make(chan struct{})}
	core, logs := observer.New(zap.InfoLevel)
	w := service.NewWorker(store, q, sender, 5, 1, zap.New(core))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consume(ctx, w, zap.New(core)) }()

	select {
	case <-sender.started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never reached the sender")
	}
	cancel()
	close(sender.release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	assert.Equal(t, model.StatusSent, store.Get(1).Status)
	assert.Eventually(t, func() bool {
		return logs.FilterMessage("shutdown requested, draining in-flight jobs").Len() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, logs.FilterMessage("Worker stopped").Len())
}

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, "test_sends", WithPollInterval(5*time.Millisecond)), mr
}

func TestRedisQueue_EnqueueConsumeAck(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := q.Enqueue(ctx, Job{
		MessageID:   9,
		To:          "a@example.com",
		Subject:     "Hi",
		HTML:        "<p>Hello</p>",
		Attachments: []Attachment{{Filename: "a.pdf", Path: "/tmp/a.pdf", ContentType: "application/pdf"}},
		Policy:      RetryPolicy{MaxAttempts: 5, Backoff: time.Minute},
	})
	require.NoError(t, err)

	ch, err := q.Consume(ctx)
	require.NoError(t, err)
	d := receive(t, ch)

	job := d.Job()
	assert.Equal(t, id, job.ID)
	assert.Equal(t, int64(9), job.MessageID)
	assert.Equal(t, "a@example.com", job.To)
	assert.Equal(t, time.Minute, job.Policy.Backoff)
	require.Len(t, job.Attachments, 1)
	assert.Equal(t, "a.pdf", job.Attachments[0].Filename)

	ready, processing, _, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), ready)
	assert.Equal(t, int64(1), processing)

	require.NoError(t, d.Ack(ctx))
	_, processing, _, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), processing)
}

func TestRedisQueue_RetryIsDelayedByBackoff(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Job{MessageID: 7, Policy: RetryPolicy{MaxAttempts: 5, Backoff: time.Minute}})
	require.NoError(t, err)

	d, err := q.next(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)

	redelivered, err := d.Retry(ctx, errors.New("timeout"))
	require.NoError(t, err)
	assert.True(t, redelivered)

	ready, processing, delayed, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 0, 1}, []int64{ready, processing, delayed})

	moved, err := q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, moved)

	now = now.Add(time.Minute)
	d, err = q.next(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 2, d.Job().Attempt)
}

func TestRedisQueue_ExhaustedRetryDrops(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Job{MessageID: 7, Attempt: 5, Policy: RetryPolicy{MaxAttempts: 5, Backoff: time.Minute}})
	require.NoError(t, err)
	d, err := q.next(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)

	redelivered, err := d.Retry(ctx, errors.New("timeout"))
	require.NoError(t, err)
	assert.False(t, redelivered)

	ready, processing, delayed, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 0, 0}, []int64{ready, processing, delayed})
}

func TestRedisQueue_ConsumeFailsWhenServerDown(t *testing.T) {
	q, mr := newTestRedisQueue(t)
	mr.Close()

	_, err := q.Consume(context.Background())
	assert.Error(t, err)
}

func TestRedisQueue_UnackedJobIsRedeliveredAfterLeaseExpires(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	q.visibility = time.Minute

	id, err := q.Enqueue(context.Background(), Job{MessageID: 4, Policy: RetryPolicy{MaxAttempts: 5, Backoff: time.Minute}})
	require.NoError(t, err)

	// The first consumer takes the job and dies without Ack or Retry.
	d, err := q.next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, id, d.Job().ID)

	ready, processing, _, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1}, []int64{ready, processing})

	again, err := q.next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, again, "lease still valid")

	now = now.Add(time.Minute + time.Millisecond)
	second, cancelSecond := context.WithCancel(context.Background())
	defer cancelSecond()
	ch, err := q.Consume(second)
	require.NoError(t, err)
	redelivered := receive(t, ch)
	assert.Equal(t, id, redelivered.Job().ID)
	require.NoError(t, redelivered.Ack(second))

	ready, processing, delayed, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 0, 0}, []int64{ready, processing, delayed})
}

func TestRedisQueue_AckReleasesLease(t *testing.T) {
	q, mr := newTestRedisQueue(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Job{MessageID: 5, Policy: RetryPolicy{MaxAttempts: 5}})
	require.NoError(t, err)
	d, err := q.next(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.True(t, mr.Exists("test_sends:inflight"))

	require.NoError(t, d.Ack(ctx))
	assert.False(t, mr.Exists("test_sends:inflight"))

	now = now.Add(DefaultVisibilityTimeout + time.Second)
	moved, err := q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, moved)
}

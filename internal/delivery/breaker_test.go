package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerSender_PassesThrough(t *testing.T) {
	b := NewBreakerSender(SenderFunc(func(context.Context, Envelope) (string, error) {
		return "<id@x>", nil
	}), DefaultBreakerSettings(), nil)

	id, err := b.Send(context.Background(), Envelope{To: "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "<id@x>", id)
	assert.Equal(t, "closed", b.State())
}

func TestBreakerSender_OpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	smtpDown := errors.New("connection refused")
	b := NewBreakerSender(SenderFunc(func(context.Context, Envelope) (string, error) {
		calls++
		return "", smtpDown
	}), BreakerSettings{ConsecutiveFailures: 2, Timeout: time.Hour}, nil)

	for i := 0; i < 2; i++ {
		_, err := b.Send(context.Background(), Envelope{})
		assert.ErrorIs(t, err, smtpDown)
	}
	assert.Equal(t, "open", b.State())

	_, err := b.Send(context.Background(), Envelope{})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, calls)
}

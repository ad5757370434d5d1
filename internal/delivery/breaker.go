package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type BreakerSettings struct {
	ConsecutiveFailures uint32
	Timeout             time.Duration
	MaxRequests         uint32
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{ConsecutiveFailures: 5, Timeout: 30 * time.Second, MaxRequests: 1}
}

// BreakerSender stops calling the wrapped sender after a run of consecutive
// failures and fails fast until the breaker half-opens again. Rejected sends
// count as delivery failures, so the queue backs off as usual.
type BreakerSender struct {
	next    Sender
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerSender(next Sender, settings BreakerSettings, log *zap.Logger) *BreakerSender {
	if log == nil {
		log = zap.NewNop()
	}
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "smtp",
		MaxRequests: settings.MaxRequests,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &BreakerSender{next: next, breaker: cb}
}

func (b *BreakerSender) Send(ctx context.Context, env Envelope) (string, error) {
	res, err := b.breaker.Execute(func() (interface{}, error) {
		return b.next.Send(ctx, env)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("transport unavailable: %w", err)
		}
		return "", err
	}
	id, _ := res.(string)
	return id, nil
}

// State returns the breaker state name: closed, half-open or open.
func (b *BreakerSender) State() string {
	return b.breaker.State().String()
}

var _ Sender = (*BreakerSender)(nil)

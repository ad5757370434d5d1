package service

import (
	"context"
	"time"

	appErrors "github.com/unclebandit/mailpacer/internal/errors"
)

// Window is the span the hourly quota is measured over.
const Window = time.Hour

// Quota is one reading of the rate gauge.
type Quota struct {
	Limit     int       `json:"limit"`
	Sent      int       `json:"sent_in_window"`
	Available int       `json:"available"`
	At        time.Time `json:"at"`
}

// Exhausted reports whether no further submissions are allowed.
func (q Quota) Exhausted() bool { return q.Available <= 0 }

// RateGauge measures the hourly send quota against the message store. It
// never writes.
type RateGauge struct {
	Counter     SentCounter
	HourlyQuota int
}

func NewRateGauge(counter SentCounter, hourlyQuota int) *RateGauge {
	return &RateGauge{Counter: counter, HourlyQuota: hourlyQuota}
}

// SentInWindow counts messages sent in [now-1h, now].
func (g *RateGauge) SentInWindow(ctx context.Context, now time.Time) (int, error) {
	n, err := g.Counter.CountSentBetween(ctx, now.Add(-Window), now)
	if err != nil {
		return 0, appErrors.NewStoreError("count_sent", 0, err)
	}
	return n, nil
}

// AvailableSlots returns max(0, quota - sent in window).
func (g *RateGauge) AvailableSlots(ctx context.Context, now time.Time) (int, error) {
	q, err := g.Measure(ctx, now)
	if err != nil {
		return 0, err
	}
	return q.Available, nil
}

func (g *RateGauge) Measure(ctx context.Context, now time.Time) (Quota, error) {
	sent, err := g.SentInWindow(ctx, now)
	if err != nil {
		return Quota{}, err
	}
	available := g.HourlyQuota - sent
	if available < 0 {
		available = 0
	}
	return Quota{Limit: g.HourlyQuota, Sent: sent, Available: available, At: now}, nil
}

package service

import (
	"context"
	"time"

	"github.com/unclebandit/mailpacer/internal/model"
)

// SentCounter reports how many messages reached sent inside a time range.
type SentCounter interface {
	CountSentBetween(ctx context.Context, from, to time.Time) (int, error)
}

// CandidateSource selects messages eligible for submission, ascending by id.
type CandidateSource interface {
	ListPending(ctx context.Context, limit int) ([]*model.Message, error)
	ListRetryable(ctx context.Context, maxRetries, limit int) ([]*model.Message, error)
}

// DeliveryStore records the outcome of delivery attempts. Each call is a
// single guarded update.
type DeliveryStore interface {
	Claim(ctx context.Context, id int64, maxRetries int, at time.Time) (bool, error)
	MarkSent(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, detail string, at time.Time) error
}

// AdminStore backs the administrative operations.
type AdminStore interface {
	GetByID(ctx context.Context, id int64) (*model.Message, error)
	List(ctx context.Context, offset, limit int, status string) ([]*model.Message, int, error)
	ListAll(ctx context.Context) ([]*model.Message, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
	ResetByID(ctx context.Context, id int64) (int64, error)
	ResetByEmail(ctx context.Context, email string) (int64, error)
	UpsertBatch(ctx context.Context, msgs []model.Message) (int, error)
}

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/mailpacer/internal/errors"
	"github.com/unclebandit/mailpacer/internal/model"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	ImportBatchSize = 1000
)

// AdminService backs the CLI and the admin API: listing, stats, resets and
// bulk import/export.
type AdminService struct {
	Store    AdminStore
	Gauge    *RateGauge
	Validate *validator.Validate
	Log      *zap.Logger
	Now      func() time.Time
}

func NewAdminService(store AdminStore, gauge *RateGauge, log *zap.Logger) *AdminService {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminService{
		Store:    store,
		Gauge:    gauge,
		Validate: validator.New(validator.WithRequiredStructEnabled()),
		Log:      log,
		Now:      time.Now,
	}
}

type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
	TotalPages int `json:"total_pages"`
}

type MessagePage struct {
	Messages   []*model.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// ListMessages fetches messages with pagination, newest first
func (a *AdminService) ListMessages(ctx context.Context, page, pageSize int, status string) (*MessagePage, error) {
	if status != "" {
		if _, err := model.ParseStatus(status); err != nil {
			return nil, err
		}
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	offset := (page - 1) * pageSize

	msgs, total, err := a.Store.List(ctx, offset, pageSize, status)
	if err != nil {
		return nil, appErrors.NewStoreError("list", 0, err)
	}
	return &MessagePage{
		Messages: msgs,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			TotalCount: total,
			TotalPages: (total + pageSize - 1) / pageSize,
		},
	}, nil
}

// ListAll returns every message in ascending id order.
func (a *AdminService) ListAll(ctx context.Context) ([]*model.Message, error) {
	msgs, err := a.Store.ListAll(ctx)
	if err != nil {
		return nil, appErrors.NewStoreError("list_all", 0, err)
	}
	return msgs, nil
}

func (a *AdminService) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	m, err := a.Store.GetByID(ctx, id)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return nil, err
		}
		return nil, appErrors.NewStoreError("get", id, err)
	}
	return m, nil
}

// Stats counts messages per status, plus a "total" entry.
func (a *AdminService) Stats(ctx context.Context) (map[string]int, error) {
	stats, err := a.Store.CountByStatus(ctx)
	if err != nil {
		return nil, appErrors.NewStoreError("count_by_status", 0, err)
	}
	total := 0
	for _, n := range stats {
		total += n
	}
	stats["total"] = total
	return stats, nil
}

func (a *AdminService) Quota(ctx context.Context) (Quota, error) {
	return a.Gauge.Measure(ctx, a.now())
}

// ResetByID returns a message to pending with a clean retry budget.
func (a *AdminService) ResetByID(ctx context.Context, id int64) error {
	n, err := a.Store.ResetByID(ctx, id)
	if err != nil {
		return appErrors.NewStoreError("reset", id, err)
	}
	if n == 0 {
		return appErrors.NewMessageNotFound(id)
	}
	a.Log.Info("🔄 Status reset", zap.Int64("message_id", id))
	return nil
}

// ResetByEmail resets every message addressed to email and returns how many
// were reset.
func (a *AdminService) ResetByEmail(ctx context.Context, email string) (int64, error) {
	if err := a.Validate.Var(email, "required,email"); err != nil {
		return 0, fmt.Errorf("invalid email %q: %w", email, err)
	}
	n, err := a.Store.ResetByEmail(ctx, email)
	if err != nil {
		return 0, appErrors.NewStoreError("reset", 0, err)
	}
	a.Log.Info("🔄 Status reset", zap.String("email", email), zap.Int64("rows", n))
	return n, nil
}

func (a *AdminService) now() time.Time {
	if a.Now == nil {
		return time.Now()
	}
	return a.Now()
}

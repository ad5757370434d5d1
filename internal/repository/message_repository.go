package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/mailpacer/internal/errors"
	"github.com/unclebandit/mailpacer/internal/model"
)

type MessageRepositoryInterface interface {
	// Dispatch
	CountSentBetween(ctx context.Context, from, to time.Time) (int, error)
	ListPending(ctx context.Context, limit int) ([]*model.Message, error)
	ListRetryable(ctx context.Context, maxRetries, limit int) ([]*model.Message, error)

	// Delivery
	Claim(ctx context.Context, id int64, maxRetries int, at time.Time) (bool, error)
	MarkSent(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, detail string, at time.Time) error

	// Administration
	GetByID(ctx context.Context, id int64) (*model.Message, error)
	List(ctx context.Context, offset, limit int, status string) ([]*model.Message, int, error)
	ListAll(ctx context.Context) ([]*model.Message, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
	ResetByID(ctx context.Context, id int64) (int64, error)
	ResetByEmail(ctx context.Context, email string) (int64, error)
	UpsertBatch(ctx context.Context, msgs []model.Message) (int, error)
}

type MessageRepository struct {
	DB *sql.DB
}

const messageColumns = `id, email, title, text, file, status, retry_count, last_error, sent_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*model.Message, error) {
	var (
		m         model.Message
		status    string
		file      sql.NullString
		lastError sql.NullString
		sentAt    sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.Email, &m.Title, &m.Text, &file, &status, &m.RetryCount, &lastError, &sentAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	s, err := model.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("message %d: %w", m.ID, err)
	}
	m.Status = s
	if file.Valid {
		m.File = &file.String
	}
	if lastError.Valid {
		m.LastError = &lastError.String
	}
	if sentAt.Valid {
		t := sentAt.Time
		m.SentAt = &t
	}
	return &m, nil
}

func (r *MessageRepository) queryMessages(ctx context.Context, query string, args ...any) ([]*model.Message, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []*model.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ====================== Dispatch ======================

// CountSentBetween counts messages marked sent with sent_at in [from, to].
func (r *MessageRepository) CountSentBetween(ctx context.Context, from, to time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM emails WHERE status = $1 AND sent_at >= $2 AND sent_at <= $3`
	var n int
	if err := r.DB.QueryRowContext(ctx, query, model.StatusSent, from, to).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ListPending returns up to limit pending messages in ascending id order.
func (r *MessageRepository) ListPending(ctx context.Context, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		return []*model.Message{}, nil
	}
	query := `SELECT ` + messageColumns + ` FROM emails WHERE status = $1 ORDER BY id ASC LIMIT $2`
	return r.queryMessages(ctx, query, model.StatusPending, limit)
}

// ListRetryable returns up to limit failed messages that still have retries
// left, in ascending id order.
func (r *MessageRepository) ListRetryable(ctx context.Context, maxRetries, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		return []*model.Message{}, nil
	}
	query := `SELECT ` + messageColumns + ` FROM emails WHERE status = $1 AND retry_count < $2 ORDER BY id ASC LIMIT $3`
	return r.queryMessages(ctx, query, model.StatusFailed, maxRetries, limit)
}

// ====================== Delivery ======================

// Claim moves a message to sending only while it is still pending, or failed
// with retries left. It reports false when no row qualified, which means the
// job is a duplicate or stale.
func (r *MessageRepository) Claim(ctx context.Context, id int64, maxRetries int, at time.Time) (bool, error) {
	query := `
        UPDATE emails
        SET status = $1, updated_at = $2
        WHERE id = $3 AND status = ANY($4) AND (status <> $5 OR retry_count < $6)
    `
	sources := pq.Array(model.StatusStrings(model.Sources(model.EventClaim)))
	res, err := r.DB.ExecContext(ctx, query, model.StatusSending, at, id, sources, model.StatusFailed, maxRetries)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *MessageRepository) MarkSent(ctx context.Context, id int64, at time.Time) error {
	query := `
        UPDATE emails
        SET status = $1, sent_at = $2, last_error = NULL, updated_at = $2
        WHERE id = $3 AND status = ANY($4)
    `
	sources := pq.Array(model.StatusStrings(model.Sources(model.EventDelivered)))
	res, err := r.DB.ExecContext(ctx, query, model.StatusSent, at, id, sources)
	return expectOneRow(res, err)
}

func (r *MessageRepository) MarkFailed(ctx context.Context, id int64, detail string, at time.Time) error {
	query := `
        UPDATE emails
        SET status = $1, retry_count = retry_count + 1, last_error = $2, updated_at = $3
        WHERE id = $4 AND status = ANY($5)
    `
	sources := pq.Array(model.StatusStrings(model.Sources(model.EventDeliveryFailed)))
	res, err := r.DB.ExecContext(ctx, query, model.StatusFailed, detail, at, id, sources)
	return expectOneRow(res, err)
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return appErrors.ErrStaleTransition
	}
	return nil
}

// ====================== Administration ======================

func (r *MessageRepository) GetByID(ctx context.Context, id int64) (*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM emails WHERE id = $1`
	m, err := scanMessage(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewMessageNotFound(id)
		}
		return nil, err
	}
	return m, nil
}

// List returns one page of messages, newest first, with the total count for
// the same filter.
func (r *MessageRepository) List(ctx context.Context, offset, limit int, status string) ([]*model.Message, int, error) {
	where := ""
	args := []any{}
	if status != "" {
		where = " WHERE status = $1"
		args = append(args, status)
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM emails`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM emails%s ORDER BY id DESC LIMIT $%d OFFSET $%d`, messageColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)
	msgs, err := r.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

// ListAll returns every message in ascending id order.
func (r *MessageRepository) ListAll(ctx context.Context) ([]*model.Message, error) {
	return r.queryMessages(ctx, `SELECT `+messageColumns+` FROM emails ORDER BY id ASC`)
}

func (r *MessageRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM emails GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{}
	for _, s := range model.Statuses() {
		stats[string(s)] = 0
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

const resetSet = `SET status = $1, retry_count = 0, last_error = NULL, sent_at = NULL, updated_at = NOW()`

func (r *MessageRepository) ResetByID(ctx context.Context, id int64) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE emails `+resetSet+` WHERE id = $2`, model.StatusPending, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *MessageRepository) ResetByEmail(ctx context.Context, email string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE emails `+resetSet+` WHERE email = $2`, model.StatusPending, email)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpsertBatch inserts new messages as pending and refreshes title, text and
// file for addresses that already exist. Delivery state of existing rows is
// left alone. Duplicate addresses within the batch keep the last entry.
func (r *MessageRepository) UpsertBatch(ctx context.Context, msgs []model.Message) (int, error) {
	msgs = dedupeByEmail(msgs)
	if len(msgs) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO emails (email, title, text, file) VALUES `)
	args := make([]any, 0, len(msgs)*4)
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 4
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4)
		var file any
		if m.HasAttachment() {
			file = *m.File
		}
		args = append(args, m.Email, m.Title, m.Text, file)
	}
	sb.WriteString(` ON CONFLICT (email) DO UPDATE SET title = EXCLUDED.title, text = EXCLUDED.text, file = EXCLUDED.file, updated_at = NOW()`)

	if _, err := r.DB.ExecContext(ctx, sb.String(), args...); err != nil {
		return 0, err
	}
	return len(msgs), nil
}

func dedupeByEmail(msgs []model.Message) []model.Message {
	index := make(map[string]int, len(msgs))
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if i, ok := index[m.Email]; ok {
			out[i] = m
			continue
		}
		index[m.Email] = len(out)
		out = append(out, m)
	}
	return out
}

var _ MessageRepositoryInterface = (*MessageRepository)(nil)

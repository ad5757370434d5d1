// Package repotest provides an in-memory message store for tests. It applies
// the same state machine and guards as the Postgres repository.
package repotest

import (
	"context"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/mailpacer/internal/errors"
	"github.com/unclebandit/mailpacer/internal/model"
	"github.com/unclebandit/mailpacer/internal/repository"
)

// Store keeps messages in memory. Set Fail[op] to make the named operation
// return an error; op names match the method names.
type Store struct {
	mu     sync.Mutex
	msgs   map[int64]*model.Message
	nextID int64

	Fail  map[string]error
	Calls map[string]int
}

func NewStore(msgs ...*model.Message) *Store {
	s := &Store{
		msgs:  make(map[int64]*model.Message),
		Fail:  make(map[string]error),
		Calls: make(map[string]int),
	}
	for _, m := range msgs {
		s.Put(m)
	}
	return s
}

// Put inserts or replaces a message. Zero ids are assigned.
func (s *Store) Put(m *model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == 0 {
		s.nextID++
		m.ID = s.nextID
	}
	if m.ID > s.nextID {
		s.nextID = m.ID
	}
	if m.Status == "" {
		m.Status = model.StatusPending
	}
	cp := *m
	s.msgs[m.ID] = &cp
}

// Get returns a copy of the stored message, or nil.
func (s *Store) Get(id int64) *model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

// FailOn makes op return err until cleared with FailOn(op, nil).
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.Fail, op)
		return
	}
	s.Fail[op] = err
}

func (s *Store) enter(op string) error {
	s.Calls[op]++
	return s.Fail[op]
}

func (s *Store) sorted() []*model.Message {
	out := make([]*model.Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copies(in []*model.Message) []*model.Message {
	out := make([]*model.Message, len(in))
	for i, m := range in {
		cp := *m
		out[i] = &cp
	}
	return out
}

func (s *Store) CountSentBetween(_ context.Context, from, to time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CountSentBetween"); err != nil {
		return 0, err
	}
	n := 0
	for _, m := range s.msgs {
		if m.Status == model.StatusSent && m.SentAt != nil && !m.SentAt.Before(from) && !m.SentAt.After(to) {
			n++
		}
	}
	return n, nil
}

func (s *Store) selectWhere(limit int, keep func(*model.Message) bool) []*model.Message {
	out := []*model.Message{}
	for _, m := range s.sorted() {
		if len(out) >= limit {
			break
		}
		if keep(m) {
			out = append(out, m)
		}
	}
	return copies(out)
}

func (s *Store) ListPending(_ context.Context, limit int) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListPending"); err != nil {
		return nil, err
	}
	return s.selectWhere(limit, func(m *model.Message) bool { return m.Status == model.StatusPending }), nil
}

func (s *Store) ListRetryable(_ context.Context, maxRetries, limit int) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListRetryable"); err != nil {
		return nil, err
	}
	return s.selectWhere(limit, func(m *model.Message) bool { return m.Retryable(maxRetries) }), nil
}

func (s *Store) Claim(_ context.Context, id int64, maxRetries int, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Claim"); err != nil {
		return false, err
	}
	m, ok := s.msgs[id]
	if !ok {
		return false, nil
	}
	if m.Status == model.StatusFailed && m.RetryCount >= maxRetries {
		return false, nil
	}
	if err := m.Apply(model.EventClaim, at, ""); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *Store) transition(op string, id int64, ev model.Event, at time.Time, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(op); err != nil {
		return err
	}
	m, ok := s.msgs[id]
	if !ok {
		return appErrors.ErrStaleTransition
	}
	if err := m.Apply(ev, at, detail); err != nil {
		return appErrors.ErrStaleTransition
	}
	return nil
}

func (s *Store) MarkSent(_ context.Context, id int64, at time.Time) error {
	return s.transition("MarkSent", id, model.EventDelivered, at, "")
}

func (s *Store) MarkFailed(_ context.Context, id int64, detail string, at time.Time) error {
	return s.transition("MarkFailed", id, model.EventDeliveryFailed, at, detail)
}

func (s *Store) GetByID(_ context.Context, id int64) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetByID"); err != nil {
		return nil, err
	}
	m, ok := s.msgs[id]
	if !ok {
		return nil, appErrors.NewMessageNotFound(id)
	}
	cp := *m
	return &cp, nil
}

func (s *Store) List(_ context.Context, offset, limit int, status string) ([]*model.Message, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("List"); err != nil {
		return nil, 0, err
	}
	all := s.sorted()
	var filtered []*model.Message
	for i := len(all) - 1; i >= 0; i-- {
		if status == "" || string(all[i].Status) == status {
			filtered = append(filtered, all[i])
		}
	}
	total := len(filtered)
	if offset >= total {
		return []*model.Message{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return copies(filtered[offset:end]), total, nil
}

func (s *Store) ListAll(_ context.Context) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListAll"); err != nil {
		return nil, err
	}
	return copies(s.sorted()), nil
}

func (s *Store) CountByStatus(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CountByStatus"); err != nil {
		return nil, err
	}
	stats := map[string]int{}
	for _, st := range model.Statuses() {
		stats[string(st)] = 0
	}
	for _, m := range s.msgs {
		stats[string(m.Status)]++
	}
	return stats, nil
}

func (s *Store) ResetByID(_ context.Context, id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ResetByID"); err != nil {
		return 0, err
	}
	m, ok := s.msgs[id]
	if !ok {
		return 0, nil
	}
	m.Reset(time.Now())
	return 1, nil
}

func (s *Store) ResetByEmail(_ context.Context, email string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ResetByEmail"); err != nil {
		return 0, err
	}
	var n int64
	for _, m := range s.msgs {
		if m.Email == email {
			m.Reset(time.Now())
			n++
		}
	}
	return n, nil
}

func (s *Store) UpsertBatch(_ context.Context, msgs []model.Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("UpsertBatch"); err != nil {
		return 0, err
	}
	byEmail := make(map[string]*model.Message, len(s.msgs))
	for _, m := range s.msgs {
		byEmail[m.Email] = m
	}
	seen := map[string]bool{}
	now := time.Now()
	for _, in := range msgs {
		seen[in.Email] = true
		if existing, ok := byEmail[in.Email]; ok {
			existing.Title, existing.Text, existing.File = in.Title, in.Text, in.File
			existing.UpdatedAt = now
			continue
		}
		s.nextID++
		m := &model.Message{
			ID: s.nextID, Email: in.Email, Title: in.Title, Text: in.Text, File: in.File,
			Status: model.StatusPending, CreatedAt: now, UpdatedAt: now,
		}
		s.msgs[m.ID] = m
		byEmail[m.Email] = m
	}
	return len(seen), nil
}

var _ repository.MessageRepositoryInterface = (*Store)(nil)

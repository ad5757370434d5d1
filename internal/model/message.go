// internal/model/message.go
package model

import "time"

// Message is one outbound email and the durable record of its delivery state.
type Message struct {
	ID         int64      `db:"id" json:"id"`
	Email      string     `db:"email" json:"email"`
	Title      string     `db:"title" json:"title"`
	Text       string     `db:"text" json:"text"`
	File       *string    `db:"file" json:"file,omitempty"`
	Status     Status     `db:"status" json:"status"`
	RetryCount int        `db:"retry_count" json:"retry_count"`
	LastError  *string    `db:"last_error" json:"last_error,omitempty"`
	SentAt     *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

// HasAttachment reports whether the message declares a file to attach.
func (m *Message) HasAttachment() bool {
	return m.File != nil && *m.File != ""
}

// Exhausted reports whether a failed message has used up its retries and
// will no longer be picked by the retry policy.
func (m *Message) Exhausted(maxRetries int) bool {
	return m.Status == StatusFailed && m.RetryCount >= maxRetries
}

// Retryable reports whether the retry policy may select the message.
func (m *Message) Retryable(maxRetries int) bool {
	return m.Status == StatusFailed && m.RetryCount < maxRetries
}

// Apply moves the message through the delivery state machine and keeps the
// derived columns (retry_count, last_error, sent_at) consistent with the
// resulting status. The message is left untouched when the transition is
// rejected.
func (m *Message) Apply(ev Event, at time.Time, detail string) error {
	next, err := Next(m.Status, ev)
	if err != nil {
		return err
	}

	switch ev {
	case EventDelivered:
		sentAt := at
		m.SentAt = &sentAt
		m.LastError = nil
	case EventDeliveryFailed:
		m.RetryCount++
		d := detail
		m.LastError = &d
	}

	m.Status = next
	m.UpdatedAt = at
	return nil
}

// Reset is the administrative recovery path: it returns the message to
// pending with a clean retry budget regardless of its current status.
func (m *Message) Reset(at time.Time) {
	m.Status = StatusPending
	m.RetryCount = 0
	m.LastError = nil
	m.SentAt = nil
	m.UpdatedAt = at
}

// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// ErrStaleTransition is returned when a guarded status update matched no row:
// the message moved on (or was reset) since the caller last saw it.
var ErrStaleTransition = errors.New("message is not in the expected status")

// MessageNotFound is returned by lookups for an unknown message id.
type MessageNotFound struct {
	ID int64
}

func (e *MessageNotFound) Error() string {
	return fmt.Sprintf("message with ID %d not found", e.ID)
}

// Helper constructor
func NewMessageNotFound(id int64) error {
	return &MessageNotFound{ID: id}
}

// IsNotFound reports whether err carries a *MessageNotFound.
func IsNotFound(err error) bool {
	var nf *MessageNotFound
	return errors.As(err, &nf)
}

// SubmissionError means a message could not be handed to the queue. The
// message itself is unchanged and stays eligible for the next pass.
type SubmissionError struct {
	MessageID int64
	Err       error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit message %d: %v", e.MessageID, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// DeliveryError means the transport rejected or failed to send a message.
type DeliveryError struct {
	MessageID int64
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver message %d: %v", e.MessageID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// StoreError wraps a failed message store operation.
type StoreError struct {
	Op        string
	MessageID int64
	Err       error
}

func (e *StoreError) Error() string {
	if e.MessageID == 0 {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s message %d: %v", e.Op, e.MessageID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func NewStoreError(op string, id int64, err error) error {
	return &StoreError{Op: op, MessageID: id, Err: err}
}

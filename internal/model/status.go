// internal/model/status.go
package model

import (
	"errors"
	"fmt"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Event drives a message from one status to the next.
type Event string

const (
	// EventClaim is raised by the worker when it takes a job for delivery.
	EventClaim Event = "claim"
	// EventDelivered is raised when the transport accepted the message.
	EventDelivered Event = "delivered"
	// EventDeliveryFailed is raised when the transport rejected the message.
	EventDeliveryFailed Event = "delivery_failed"
)

var (
	ErrInvalidStatus     = errors.New("invalid message status")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TransitionError describes a rejected (status, event) pair.
type TransitionError struct {
	From  Status
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s on %s", ErrInvalidTransition, e.Event, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusPending, StatusSending, StatusSent, StatusFailed}
}

// Events lists every delivery event.
func Events() []Event {
	return []Event{EventClaim, EventDelivered, EventDeliveryFailed}
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no event can move the message out of s.
func (s Status) IsTerminal() bool {
	return s == StatusSent
}

func (s Status) String() string {
	return string(s)
}

// Next returns the status reached by applying ev to current. The legal
// transitions are pending->sending, failed->sending, sending->sent and
// sending->failed; everything else is a *TransitionError.
func Next(current Status, ev Event) (Status, error) {
	switch ev {
	case EventClaim:
		if current == StatusPending || current == StatusFailed {
			return StatusSending, nil
		}
	case EventDelivered:
		if current == StatusSending {
			return StatusSent, nil
		}
	case EventDeliveryFailed:
		if current == StatusSending {
			return StatusFailed, nil
		}
	}
	return "", &TransitionError{From: current, Event: ev}
}

// Sources returns the statuses from which ev is legal. Stores use it to build
// guarded updates so a row only moves when it is still in an expected state.
func Sources(ev Event) []Status {
	var out []Status
	for _, s := range Statuses() {
		if _, err := Next(s, ev); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// StatusStrings converts statuses for use as query arguments.
func StatusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

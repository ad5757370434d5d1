// Package delivery sends rendered messages to recipients.
package delivery

import "context"

type Attachment struct {
	Filename    string
	Path        string
	ContentType string
}

// Envelope is everything the transport needs to send one message.
type Envelope struct {
	To          string
	Subject     string
	HTML        string
	Attachments []Attachment
}

// Sender delivers an envelope and returns the provider's message id.
type Sender interface {
	Send(ctx context.Context, env Envelope) (string, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, env Envelope) (string, error)

func (f SenderFunc) Send(ctx context.Context, env Envelope) (string, error) {
	return f(ctx, env)
}

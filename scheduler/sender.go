package scheduler

import (
	"context"
	"encoding/json"
)

// NewMessage is the message created when a scheduled message is due.
type NewMessage struct {
	ConversationID string
	Type           string
	Content        string
	Metadata       json.RawMessage
}

// SentMessage identifies the message created by a Sender.
type SentMessage struct {
	ID string
}

// Sender creates a message on behalf of a user.
type Sender interface {
	Send(ctx context.Context, senderID string, m NewMessage) (SentMessage, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, senderID string, m NewMessage) (SentMessage, error)

func (f SenderFunc) Send(ctx context.Context, senderID string, m NewMessage) (SentMessage, error) {
	return f(ctx, senderID, m)
}

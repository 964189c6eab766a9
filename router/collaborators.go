package router

import (
	"context"
	"time"

	"github.com/3rs4lg4d0/courier/notify"
)

// SearchDocument is the indexed form of a message.
type SearchDocument struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Search keeps the message search index in sync.
type Search interface {
	IndexMessage(ctx context.Context, doc SearchDocument) error
	RemoveMessage(ctx context.Context, messageID string) error
}

// Preview is the unfurled summary of a link.
type Preview struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
	SiteName    string `json:"siteName,omitempty"`
}

// Previewer fetches link previews.
type Previewer interface {
	Fetch(ctx context.Context, url string) (Preview, error)
}

// Fanout notifies offline members of new messages.
type Fanout interface {
	FanoutNewMessage(ctx context.Context, m notify.NewMessage) error
}

// NopSearch indexes nothing.
type NopSearch struct{}

var _ Search = NopSearch{}

func (NopSearch) IndexMessage(context.Context, SearchDocument) error { return nil }

func (NopSearch) RemoveMessage(context.Context, string) error { return nil }

// NopPreviewer returns a preview carrying only the URL.
type NopPreviewer struct{}

var _ Previewer = NopPreviewer{}

func (NopPreviewer) Fetch(_ context.Context, url string) (Preview, error) {
	return Preview{URL: url}, nil
}

// NopFanout notifies nobody.
type NopFanout struct{}

var _ Fanout = NopFanout{}

func (NopFanout) FanoutNewMessage(context.Context, notify.NewMessage) error { return nil }

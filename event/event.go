// Package event defines the topics carried through the outbox and one payload
// type per topic. Payload is a closed set: only types declared here implement
// it, so a type switch over Payload in the router can cover every topic.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Topic selects the consumer of an event.
type Topic string

const (
	TopicMessageCreated      Topic = "message_created"
	TopicMessageUpdated      Topic = "message_updated"
	TopicMessageDeleted      Topic = "message_deleted"
	TopicUnreadBump          Topic = "unread_bump"
	TopicPinAdded            Topic = "pin_added"
	TopicPinRemoved          Topic = "pin_removed"
	TopicConversationRead    Topic = "conversation_read"
	TopicConversationCreated Topic = "conversation_created"
	TopicPreviewRequest      Topic = "preview_request"
)

// Topics lists every known topic.
var Topics = []Topic{
	TopicMessageCreated,
	TopicMessageUpdated,
	TopicMessageDeleted,
	TopicUnreadBump,
	TopicPinAdded,
	TopicPinRemoved,
	TopicConversationRead,
	TopicConversationCreated,
	TopicPreviewRequest,
}

var (
	ErrUnknownTopic   = errors.New("unknown event topic")
	ErrInvalidPayload = errors.New("invalid event payload")
)

// Payload is implemented by the per-topic event bodies of this package.
type Payload interface {
	Topic() Topic
	payload()
}

// Message is the message snapshot shared by create and update events.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	Type           string          `json:"type"`
	Content        string          `json:"content"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	ParentID       string          `json:"parentId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	EditedAt       *time.Time      `json:"editedAt,omitempty"`
}

type MessageCreated struct {
	Message  Message  `json:"message"`
	Mentions []string `json:"mentions,omitempty"`
}

type MessageUpdated struct {
	Message Message `json:"message"`
}

type MessageDeleted struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	DeletedAt      time.Time `json:"deletedAt"`
}

type UnreadBump struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	SenderID       string `json:"senderId"`
}

type PinAdded struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	PinnedBy       string    `json:"pinnedBy"`
	PinnedAt       time.Time `json:"pinnedAt"`
}

type PinRemoved struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	RemovedBy      string `json:"removedBy"`
}

type ConversationRead struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	MessageID      string    `json:"messageId"`
	ReadAt         time.Time `json:"readAt"`
}

type ConversationCreated struct {
	ConversationID string   `json:"conversationId"`
	Kind           string   `json:"kind"`
	Name           string   `json:"name,omitempty"`
	CreatedBy      string   `json:"createdBy"`
	MemberIDs      []string `json:"memberIds"`
}

type PreviewRequest struct {
	ConversationID string   `json:"conversationId"`
	MessageID      string   `json:"messageId"`
	URLs           []string `json:"urls"`
}

func (MessageCreated) Topic() Topic      { return TopicMessageCreated }
func (MessageUpdated) Topic() Topic      { return TopicMessageUpdated }
func (MessageDeleted) Topic() Topic      { return TopicMessageDeleted }
func (UnreadBump) Topic() Topic          { return TopicUnreadBump }
func (PinAdded) Topic() Topic            { return TopicPinAdded }
func (PinRemoved) Topic() Topic          { return TopicPinRemoved }
func (ConversationRead) Topic() Topic    { return TopicConversationRead }
func (ConversationCreated) Topic() Topic { return TopicConversationCreated }
func (PreviewRequest) Topic() Topic      { return TopicPreviewRequest }

func (MessageCreated) payload()      {}
func (MessageUpdated) payload()      {}
func (MessageDeleted) payload()      {}
func (UnreadBump) payload()          {}
func (PinAdded) payload()            {}
func (PinRemoved) payload()          {}
func (ConversationRead) payload()    {}
func (ConversationCreated) payload() {}
func (PreviewRequest) payload()      {}

// Encode serializes a payload for storage in the outbox.
func Encode(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", p.Topic(), err)
	}
	return b, nil
}

// Decode parses the stored payload of a topic into its payload type.
func Decode(t Topic, data []byte) (Payload, error) {
	switch t {
	case TopicMessageCreated:
		return decode[MessageCreated](t, data)
	case TopicMessageUpdated:
		return decode[MessageUpdated](t, data)
	case TopicMessageDeleted:
		return decode[MessageDeleted](t, data)
	case TopicUnreadBump:
		return decode[UnreadBump](t, data)
	case TopicPinAdded:
		return decode[PinAdded](t, data)
	case TopicPinRemoved:
		return decode[PinRemoved](t, data)
	case TopicConversationRead:
		return decode[ConversationRead](t, data)
	case TopicConversationCreated:
		return decode[ConversationCreated](t, data)
	case TopicPreviewRequest:
		return decode[PreviewRequest](t, data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, t)
	}
}

func decode[P Payload](t Topic, data []byte) (Payload, error) {
	var p P
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidPayload, t, err)
	}
	return p, nil
}

// Valid reports whether t is a known topic.
func (t Topic) Valid() bool {
	for _, known := range Topics {
		if t == known {
			return true
		}
	}
	return false
}

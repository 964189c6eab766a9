// Package realtime names the events pushed to connected clients and the
// contract used to push them.
package realtime

import "context"

// Event names understood by the socket gateways.
const (
	EventMessageCreated      = "message:created"
	EventMentionCreated      = "mention:created"
	EventMessageUpdated      = "message:updated"
	EventMessageDeleted      = "message:deleted"
	EventUnreadBump          = "unread:bump"
	EventPinAdded            = "pin:added"
	EventPinRemoved          = "pin:removed"
	EventConversationRead    = "conversation:read"
	EventConversationCreated = "conversation:created"
	EventPreviewsReady       = "previews:ready"
)

// Emitter pushes events to clients. Delivery is fire-and-forget: failures are
// logged by the implementation and never reported to the caller.
type Emitter interface {
	EmitToConversation(ctx context.Context, conversationID string, event string, data any)
	EmitToUser(ctx context.Context, userID string, event string, data any)
	EmitToUsers(ctx context.Context, userIDs []string, event string, data any)
}

// Envelope is the wire form of an emitted event.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Nop drops every event.
type Nop struct{}

var _ Emitter = Nop{}

func (Nop) EmitToConversation(context.Context, string, string, any) {}

func (Nop) EmitToUser(context.Context, string, string, any) {}

func (Nop) EmitToUsers(context.Context, []string, string, any) {}

// Package router delivers queued events to their consumers: realtime
// clients, the search index, push notifications and link previews.
// Every handler can run more than once for the same event without harm.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/3rs4lg4d0/courier/event"
	"github.com/3rs4lg4d0/courier/internal/strutil"
	"github.com/3rs4lg4d0/courier/logger"
	"github.com/3rs4lg4d0/courier/metrics"
	"github.com/3rs4lg4d0/courier/notify"
	"github.com/3rs4lg4d0/courier/outbox"
	"github.com/3rs4lg4d0/courier/realtime"
)

const mentionSnippetLength = 140

// Router implements outbox.Handler.
type Router struct {
	realtime   realtime.Emitter
	directory  notify.Directory
	search     Search
	fanout     Fanout
	previewer  Previewer
	logger     logger.Logger
	handledCtr metrics.Counter
	failedCtr  metrics.Counter
}

var _ outbox.Handler = (*Router)(nil)
var _ logger.Loggable = (*Router)(nil)

// opt allows optional configuration.
type opt func(r *Router)

func WithSearch(s Search) opt {
	return func(r *Router) {
		if s != nil {
			r.search = s
		}
	}
}

func WithFanout(f Fanout) opt {
	return func(r *Router) {
		if f != nil {
			r.fanout = f
		}
	}
}

func WithPreviewer(p Previewer) opt {
	return func(r *Router) {
		if p != nil {
			r.previewer = p
		}
	}
}

// WithCounters configures counters of handled and failed events.
func WithCounters(handled metrics.Counter, failed metrics.Counter) opt {
	return func(r *Router) {
		r.handledCtr = metrics.OrNop(handled)
		r.failedCtr = metrics.OrNop(failed)
	}
}

// New creates a Router. Search, fanout and previews default to no-ops.
func New(rt realtime.Emitter, d notify.Directory, options ...opt) *Router {
	if rt == nil || d == nil {
		panic("you must provide a realtime emitter and a directory")
	}
	r := &Router{
		realtime:   rt,
		directory:  d,
		search:     NopSearch{},
		fanout:     NopFanout{},
		previewer:  NopPreviewer{},
		logger:     &logger.NopLogger{},
		handledCtr: &metrics.NopCounter{},
		failedCtr:  &metrics.NopCounter{},
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// SetLogger sets an optional logger.
func (r *Router) SetLogger(l logger.Logger) {
	r.logger = l
}

// Handle decodes a job payload and routes it. A returned error makes the
// queue deliver the job again.
func (r *Router) Handle(ctx context.Context, j outbox.Job) error {
	p, err := event.Decode(j.Topic, j.Payload)
	if err != nil {
		r.failedCtr.Inc(1)
		return fmt.Errorf("could not decode job '%s': %w", j.ID, err)
	}
	if err := r.Route(ctx, p); err != nil {
		r.failedCtr.Inc(1)
		return fmt.Errorf("handling job '%s' (%s): %w", j.ID, j.Topic, err)
	}
	r.handledCtr.Inc(1)
	return nil
}

// Route runs the consumer of a decoded payload.
func (r *Router) Route(ctx context.Context, p event.Payload) error {
	switch p := p.(type) {
	case event.MessageCreated:
		return r.messageCreated(ctx, p)
	case event.MessageUpdated:
		return r.messageUpdated(ctx, p)
	case event.MessageDeleted:
		return r.messageDeleted(ctx, p)
	case event.UnreadBump:
		return r.unreadBump(ctx, p)
	case event.PinAdded:
		r.realtime.EmitToConversation(ctx, p.ConversationID, realtime.EventPinAdded, p)
		return nil
	case event.PinRemoved:
		r.realtime.EmitToConversation(ctx, p.ConversationID, realtime.EventPinRemoved, p)
		return nil
	case event.ConversationRead:
		r.realtime.EmitToConversation(ctx, p.ConversationID, realtime.EventConversationRead, p)
		return nil
	case event.ConversationCreated:
		r.realtime.EmitToUsers(ctx, p.MemberIDs, realtime.EventConversationCreated, p)
		return nil
	case event.PreviewRequest:
		return r.previewRequest(ctx, p)
	default:
		return fmt.Errorf("%w: %T", event.ErrUnknownTopic, p)
	}
}

// Mention is the realtime body sent to a mentioned user.
type Mention struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	SenderID       string `json:"senderId"`
	Snippet        string `json:"snippet"`
}

func (r *Router) messageCreated(ctx context.Context, p event.MessageCreated) error {
	m := p.Message
	r.realtime.EmitToConversation(ctx, m.ConversationID, realtime.EventMessageCreated, m)

	snippet := strutil.Truncate(m.Content, mentionSnippetLength, "…")
	for _, userID := range uniqueExcept(p.Mentions, m.SenderID) {
		r.realtime.EmitToUser(ctx, userID, realtime.EventMentionCreated, Mention{
			ConversationID: m.ConversationID,
			MessageID:      m.ID,
			SenderID:       m.SenderID,
			Snippet:        snippet,
		})
	}

	var errs []error
	if err := r.search.IndexMessage(ctx, document(m)); err != nil {
		errs = append(errs, fmt.Errorf("indexing message '%s': %w", m.ID, err))
	}
	err := r.fanout.FanoutNewMessage(ctx, notify.NewMessage{
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		SenderID:       m.SenderID,
		Snippet:        snippet,
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("fanning out message '%s': %w", m.ID, err))
	}
	return errors.Join(errs...)
}

func (r *Router) messageUpdated(ctx context.Context, p event.MessageUpdated) error {
	m := p.Message
	r.realtime.EmitToConversation(ctx, m.ConversationID, realtime.EventMessageUpdated, m)
	if err := r.search.IndexMessage(ctx, document(m)); err != nil {
		return fmt.Errorf("re-indexing message '%s': %w", m.ID, err)
	}
	return nil
}

func (r *Router) messageDeleted(ctx context.Context, p event.MessageDeleted) error {
	r.realtime.EmitToConversation(ctx, p.ConversationID, realtime.EventMessageDeleted, p)
	bestEffort("remove message "+p.MessageID+" from index", r.search.RemoveMessage(ctx, p.MessageID)).Discard(r.logger)
	return nil
}

func (r *Router) unreadBump(ctx context.Context, p event.UnreadBump) error {
	members, err := r.directory.MemberIDs(ctx, p.ConversationID)
	if err != nil {
		return fmt.Errorf("resolving members of '%s': %w", p.ConversationID, err)
	}
	r.realtime.EmitToUsers(ctx, uniqueExcept(members, p.SenderID), realtime.EventUnreadBump, p)
	return nil
}

// PreviewsReady is the realtime body listing the previews of a message.
type PreviewsReady struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	Previews       []Preview `json:"previews"`
}

func (r *Router) previewRequest(ctx context.Context, p event.PreviewRequest) error {
	var previews []Preview
	for _, url := range p.URLs {
		preview, err := r.previewer.Fetch(ctx, url)
		if err != nil {
			bestEffort("preview "+url, err).Discard(r.logger)
			continue
		}
		previews = append(previews, preview)
	}
	if len(previews) == 0 {
		return nil
	}
	r.realtime.EmitToConversation(ctx, p.ConversationID, realtime.EventPreviewsReady, PreviewsReady{
		ConversationID: p.ConversationID,
		MessageID:      p.MessageID,
		Previews:       previews,
	})
	return nil
}

func document(m event.Message) SearchDocument {
	return SearchDocument{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
}

// uniqueExcept returns ids without duplicates and without skip, in order.
func uniqueExcept(ids []string, skip string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == skip || id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

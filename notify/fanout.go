// Package notify hands push notifications for new messages to offline
// conversation members, at most one per member and conversation per window.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/courier/dedup"
	"github.com/3rs4lg4d0/courier/logger"
	"github.com/3rs4lg4d0/courier/metrics"
)

const defaultThrottleWindow = 30 * time.Second

// Directory resolves conversation membership.
type Directory interface {
	MemberIDs(ctx context.Context, conversationID string) ([]string, error)
}

// Presence tells which users are connected.
type Presence interface {
	Online(ctx context.Context, userIDs []string) (map[string]bool, error)
}

// Pusher delivers a notification to a user's devices.
type Pusher interface {
	Push(ctx context.Context, n Notification) error
}

// NewMessage describes the message being fanned out.
type NewMessage struct {
	ConversationID string
	MessageID      string
	SenderID       string
	Snippet        string
}

// Notification is what a Pusher receives for one recipient.
type Notification struct {
	UserID         string
	ConversationID string
	MessageID      string
	SenderID       string
	Snippet        string
}

// Fanout decides who gets a push for a new message.
type Fanout struct {
	directory Directory
	presence  Presence
	throttle  dedup.Store
	pusher    Pusher
	window    time.Duration
	logger    logger.Logger
	pushedCtr metrics.Counter
}

var _ logger.Loggable = (*Fanout)(nil)

// opt allows optional configuration.
type opt func(f *Fanout)

// WithThrottleWindow sets how long a member is not pushed again for the same
// conversation.
func WithThrottleWindow(d time.Duration) opt {
	return func(f *Fanout) {
		if d > 0 {
			f.window = d
		}
	}
}

// WithCounter configures a counter of handed over notifications.
func WithCounter(c metrics.Counter) opt {
	return func(f *Fanout) {
		f.pushedCtr = metrics.OrNop(c)
	}
}

func New(d Directory, p Presence, t dedup.Store, pusher Pusher, options ...opt) *Fanout {
	if d == nil || p == nil || t == nil || pusher == nil {
		panic("you must provide a directory, a presence source, a throttle store and a pusher")
	}
	f := &Fanout{
		directory: d,
		presence:  p,
		throttle:  t,
		pusher:    pusher,
		window:    defaultThrottleWindow,
		logger:    &logger.NopLogger{},
		pushedCtr: &metrics.NopCounter{},
	}
	for _, opt := range options {
		opt(f)
	}
	return f
}

// SetLogger sets an optional logger.
func (f *Fanout) SetLogger(l logger.Logger) {
	f.logger = l
}

// ThrottleKey is the throttle key of a member and conversation.
func ThrottleKey(userID, conversationID string) string {
	return "push:" + userID + ":" + conversationID
}

// FanoutNewMessage pushes m to every offline member except the sender who was
// not pushed for the conversation within the throttle window. Per member
// failures are joined; members already pushed stay throttled, so a retry only
// reaches the ones that failed.
func (f *Fanout) FanoutNewMessage(ctx context.Context, m NewMessage) error {
	members, err := f.directory.MemberIDs(ctx, m.ConversationID)
	if err != nil {
		return fmt.Errorf("could not resolve members of '%s': %w", m.ConversationID, err)
	}
	recipients := make([]string, 0, len(members))
	for _, id := range members {
		if id != m.SenderID {
			recipients = append(recipients, id)
		}
	}
	if len(recipients) == 0 {
		return nil
	}

	online, err := f.presence.Online(ctx, recipients)
	if err != nil {
		return fmt.Errorf("could not read presence: %w", err)
	}

	var errs []error
	for _, userID := range recipients {
		if online[userID] {
			continue
		}
		if err := f.push(ctx, userID, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) push(ctx context.Context, userID string, m NewMessage) error {
	key := ThrottleKey(userID, m.ConversationID)
	acquired, err := f.throttle.Acquire(ctx, key, f.window)
	if err != nil {
		return err
	}
	if !acquired {
		f.logger.Debug(fmt.Sprintf("push to '%s' for '%s' is throttled", userID, m.ConversationID))
		return nil
	}
	err = f.pusher.Push(ctx, Notification{
		UserID:         userID,
		ConversationID: m.ConversationID,
		MessageID:      m.MessageID,
		SenderID:       m.SenderID,
		Snippet:        m.Snippet,
	})
	if err != nil {
		if rerr := f.throttle.Release(ctx, key); rerr != nil {
			f.logger.Error(fmt.Sprintf("releasing throttle key '%s'", key), rerr)
		}
		return fmt.Errorf("could not push to '%s': %w", userID, err)
	}
	f.pushedCtr.Inc(1)
	return nil
}

// LogPusher only logs notifications, for deployments without a push provider.
type LogPusher struct {
	Logger logger.Logger
}

func (p *LogPusher) Push(_ context.Context, n Notification) error {
	if p.Logger != nil {
		p.Logger.Debug(fmt.Sprintf("push for '%s': message '%s' in '%s'", n.UserID, n.MessageID, n.ConversationID))
	}
	return nil
}

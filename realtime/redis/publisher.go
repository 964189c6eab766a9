// Package redis publishes realtime events on Redis pub/sub channels consumed
// by the socket gateways and reads user presence written by them.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/courier/logger"
	"github.com/3rs4lg4d0/courier/realtime"
	"github.com/redis/go-redis/v9"
)

const (
	conversationChannelPrefix = "rt:conversation:"
	userChannelPrefix         = "rt:user:"
	presenceKeyPrefix         = "presence:"
)

// ConversationChannel is the channel of a conversation room.
func ConversationChannel(conversationID string) string {
	return conversationChannelPrefix + conversationID
}

// UserChannel is the personal channel of a user.
func UserChannel(userID string) string {
	return userChannelPrefix + userID
}

// PresenceKey is the key a gateway keeps alive while the user is connected.
func PresenceKey(userID string) string {
	return presenceKeyPrefix + userID
}

// Publisher implements realtime.Emitter.
type Publisher struct {
	client redis.Cmdable
	logger logger.Logger
}

var _ realtime.Emitter = (*Publisher)(nil)
var _ logger.Loggable = (*Publisher)(nil)

func NewPublisher(client redis.Cmdable) *Publisher {
	if client == nil {
		panic("you must provide a redis client")
	}
	return &Publisher{client: client, logger: &logger.NopLogger{}}
}

// SetLogger sets an optional logger.
func (p *Publisher) SetLogger(l logger.Logger) {
	p.logger = l
}

func (p *Publisher) EmitToConversation(ctx context.Context, conversationID string, event string, data any) {
	p.publish(ctx, []string{ConversationChannel(conversationID)}, event, data)
}

func (p *Publisher) EmitToUser(ctx context.Context, userID string, event string, data any) {
	p.publish(ctx, []string{UserChannel(userID)}, event, data)
}

func (p *Publisher) EmitToUsers(ctx context.Context, userIDs []string, event string, data any) {
	channels := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		channels = append(channels, UserChannel(id))
	}
	p.publish(ctx, channels, event, data)
}

func (p *Publisher) publish(ctx context.Context, channels []string, event string, data any) {
	if len(channels) == 0 {
		return
	}
	msg, err := json.Marshal(realtime.Envelope{Event: event, Data: data})
	if err != nil {
		p.logger.Error(fmt.Sprintf("encoding realtime event '%s'", event), err)
		return
	}
	if len(channels) == 1 {
		if err := p.client.Publish(ctx, channels[0], msg).Err(); err != nil {
			p.logger.Error(fmt.Sprintf("publishing '%s' on %s", event, channels[0]), err)
		}
		return
	}
	cmds, err := p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, ch := range channels {
			pipe.Publish(ctx, ch, msg)
		}
		return nil
	})
	if err != nil {
		for _, cmd := range cmds {
			if cmd.Err() != nil {
				p.logger.Error(fmt.Sprintf("publishing '%s' (%v)", event, cmd.Args()), cmd.Err())
			}
		}
	}
}

// Presence reads and writes the presence keys of users.
type Presence struct {
	client redis.Cmdable
}

func NewPresence(client redis.Cmdable) *Presence {
	if client == nil {
		panic("you must provide a redis client")
	}
	return &Presence{client: client}
}

// Online reports which of userIDs have a live presence key.
func (p *Presence) Online(ctx context.Context, userIDs []string) (map[string]bool, error) {
	online := make(map[string]bool, len(userIDs))
	if len(userIDs) == 0 {
		return online, nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = PresenceKey(id)
	}
	values, err := p.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("could not read presence: %w", err)
	}
	for i, v := range values {
		online[userIDs[i]] = v != nil
	}
	return online, nil
}

// Touch marks a user online for ttl.
func (p *Presence) Touch(ctx context.Context, userID string, ttl time.Duration) error {
	if err := p.client.Set(ctx, PresenceKey(userID), time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("could not mark '%s' online: %w", userID, err)
	}
	return nil
}

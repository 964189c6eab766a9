package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/3rs4lg4d0/courier/scheduler"
	"github.com/google/uuid"
)

// ScheduledStore is an in-memory scheduler.Repository.
type ScheduledStore struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*scheduler.ScheduledMessage
}

var _ scheduler.Repository = (*ScheduledStore)(nil)

func NewScheduledStore() *ScheduledStore {
	return &ScheduledStore{messages: map[uuid.UUID]*scheduler.ScheduledMessage{}}
}

func (s *ScheduledStore) Create(_ context.Context, m *scheduler.ScheduledMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *m
	s.messages[c.ID] = &c
	return nil
}

func (s *ScheduledStore) Get(_ context.Context, id uuid.UUID) (*scheduler.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, scheduler.ErrNotFound
	}
	c := *m
	return &c, nil
}

func (s *ScheduledStore) ListPending(_ context.Context, f scheduler.Filter) ([]*scheduler.ScheduledMessage, error) {
	return s.list(func(m *scheduler.ScheduledMessage) bool {
		return m.Status == scheduler.StatusPending &&
			(f.ConversationID == "" || m.ConversationID == f.ConversationID) &&
			(f.SenderID == "" || m.SenderID == f.SenderID)
	}, 0), nil
}

func (s *ScheduledStore) UpdatePending(_ context.Context, id uuid.UUID, senderID string, c scheduler.Changes, now time.Time) (bool, error) {
	return s.update(id, func(m *scheduler.ScheduledMessage) bool {
		if m.Status != scheduler.StatusPending || m.SenderID != senderID {
			return false
		}
		*m = c.Apply(*m)
		m.UpdatedAt = now
		return true
	}), nil
}

func (s *ScheduledStore) CancelPending(_ context.Context, id uuid.UUID, senderID string, now time.Time) (bool, error) {
	return s.update(id, func(m *scheduler.ScheduledMessage) bool {
		if m.SenderID != senderID {
			return false
		}
		return transition(m, scheduler.StatusCancelled, now)
	}), nil
}

func (s *ScheduledStore) ReclaimStale(_ context.Context, staleBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.messages {
		if m.Status != scheduler.StatusProcessing || m.ProcessingAt == nil || !m.ProcessingAt.Before(staleBefore) {
			continue
		}
		if transition(m, scheduler.StatusPending, m.UpdatedAt) {
			m.ProcessingAt = nil
			n++
		}
	}
	return n, nil
}

func (s *ScheduledStore) ListDue(_ context.Context, now time.Time, limit int) ([]*scheduler.ScheduledMessage, error) {
	return s.list(func(m *scheduler.ScheduledMessage) bool {
		return m.Status == scheduler.StatusPending && !m.ScheduledFor.After(now)
	}, limit), nil
}

func (s *ScheduledStore) ClaimOne(_ context.Context, id uuid.UUID, now time.Time) (*scheduler.ScheduledMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.ScheduledFor.After(now) || !transition(m, scheduler.StatusProcessing, now) {
		return nil, false, nil
	}
	at := now
	m.ProcessingAt = &at
	c := *m
	return &c, true, nil
}

func (s *ScheduledStore) MarkSent(_ context.Context, id uuid.UUID, sentMessageID string, now time.Time) error {
	s.update(id, func(m *scheduler.ScheduledMessage) bool {
		if !transition(m, scheduler.StatusSent, now) {
			return false
		}
		m.SentMessageID = sentMessageID
		m.ProcessingAt = nil
		return true
	})
	return nil
}

func (s *ScheduledStore) MarkFailed(_ context.Context, id uuid.UUID, reason string, now time.Time) error {
	s.update(id, func(m *scheduler.ScheduledMessage) bool {
		if !transition(m, scheduler.StatusFailed, now) {
			return false
		}
		m.FailReason = reason
		m.ProcessingAt = nil
		return true
	})
	return nil
}

// Put stores m as is, bypassing every check. Tests use it to seed states.
func (s *ScheduledStore) Put(m scheduler.ScheduledMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = &m
}

// transition moves m to next when the lifecycle allows it.
func transition(m *scheduler.ScheduledMessage, next scheduler.Status, now time.Time) bool {
	if !m.Status.CanTransitionTo(next) {
		return false
	}
	m.Status = next
	m.UpdatedAt = now
	return true
}

func (s *ScheduledStore) update(id uuid.UUID, fn func(m *scheduler.ScheduledMessage) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false
	}
	return fn(m)
}

func (s *ScheduledStore) list(match func(m *scheduler.ScheduledMessage) bool, limit int) []*scheduler.ScheduledMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*scheduler.ScheduledMessage
	for _, m := range s.messages {
		if match(m) {
			c := *m
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledFor.Equal(out[j].ScheduledFor) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ScheduledFor.Before(out[j].ScheduledFor)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

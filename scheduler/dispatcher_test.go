package scheduler_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/3rs4lg4d0/courier/repository/memory"
	"github.com/3rs4lg4d0/courier/scheduler"
	"github.com/3rs4lg4d0/courier/test"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu    sync.Mutex
	calls []scheduler.NewMessage
	err   error
	panic bool
}

func (s *recordingSender) Send(_ context.Context, senderID string, m scheduler.NewMessage) (scheduler.SentMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panic {
		panic("send exploded")
	}
	s.calls = append(s.calls, m)
	if s.err != nil {
		return scheduler.SentMessage{}, s.err
	}
	return scheduler.SentMessage{ID: "sent-" + senderID + "-" + m.Content}, nil
}

func newDispatcher(store scheduler.Repository, sender scheduler.Sender, options ...scheduler.DispatcherOption) *scheduler.Dispatcher {
	options = append([]scheduler.DispatcherOption{scheduler.WithClock(func() time.Time { return now })}, options...)
	return scheduler.NewDispatcher(scheduler.Settings{WorkerID: "d1"}, store, sender, options...)
}

func seedMessage(store *memory.ScheduledStore, mutate func(m *scheduler.ScheduledMessage)) scheduler.ScheduledMessage {
	m := scheduler.ScheduledMessage{
		ID:             uuid.New(),
		ConversationID: "c1",
		SenderID:       "u1",
		Content:        "hello",
		ScheduledFor:   now.Add(-time.Second),
		Status:         scheduler.StatusPending,
		CreatedAt:      now.Add(-time.Hour),
		UpdatedAt:      now.Add(-time.Hour),
	}
	if mutate != nil {
		mutate(&m)
	}
	store.Put(m)
	return m
}

func TestNewDispatcher(t *testing.T) {
	assert.Panics(t, func() { scheduler.NewDispatcher(scheduler.Settings{}, nil, &recordingSender{}) })
	assert.Panics(t, func() { scheduler.NewDispatcher(scheduler.Settings{}, memory.NewScheduledStore(), nil) })
}

// A due message is sent on the next tick.
func TestTickSendsDueMessage(t *testing.T) {
	ctx := context.Background()
	store := memory.NewScheduledStore()
	sender := &recordingSender{}
	m := seedMessage(store, nil)
	sent, failed := &test.TestCounter{}, &test.TestCounter{}

	res := newDispatcher(store, sender, scheduler.WithCounters(sent, failed)).Tick(ctx)
	assert.Equal(t, scheduler.TickResult{Due: 1, Claimed: 1, Sent: 1}, res)

	got, err := store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusSent, got.Status)
	assert.Equal(t, "sent-u1-hello", got.SentMessageID)
	assert.Nil(t, got.ProcessingAt)
	require.Len(t, sender.calls, 1)
	assert.Equal(t, scheduler.NewMessage{ConversationID: "c1", Type: "text", Content: "hello"}, sender.calls[0])
	assert.Equal(t, int64(1), sent.Value())
	assert.Equal(t, int64(0), failed.Value())

	// terminal, never sent twice
	assert.Equal(t, scheduler.TickResult{}, newDispatcher(store, sender).Tick(ctx))
	assert.Len(t, sender.calls, 1)
}

// A PROCESSING message abandoned for 11 minutes goes back to PENDING.
func TestTickReclaimsStaleProcessing(t *testing.T) {
	ctx := context.Background()
	store := memory.NewScheduledStore()
	m := seedMessage(store, func(m *scheduler.ScheduledMessage) {
		m.Status = scheduler.StatusProcessing
		m.ScheduledFor = now.Add(time.Hour)
		at := now.Add(-11 * time.Minute)
		m.ProcessingAt = &at
	})

	res := newDispatcher(store, &recordingSender{}).Tick(ctx)
	assert.Equal(t, int64(1), res.Reclaimed)

	got, _ := store.Get(ctx, m.ID)
	assert.Equal(t, scheduler.StatusPending, got.Status)
	assert.Nil(t, got.ProcessingAt)
}

func TestTickReclaimedDueMessageIsSentInSameTick(t *testing.T) {
	ctx := context.Background()
	store := memory.NewScheduledStore()
	m := seedMessage(store, func(m *scheduler.ScheduledMessage) {
		m.Status = scheduler.StatusProcessing
		at := now.Add(-11 * time.Minute)
		m.ProcessingAt = &at
	})

	res := newDispatcher(store, &recordingSender{}).Tick(ctx)
	assert.Equal(t, scheduler.TickResult{Reclaimed: 1, Due: 1, Claimed: 1, Sent: 1}, res)
	got, _ := store.Get(ctx, m.ID)
	assert.Equal(t, scheduler.StatusSent, got.Status)
}

func TestTickFailures(t *testing.T) {
	testcases := []struct {
		name       string
		sender     *recordingSender
		wantReason string
	}{
		{
			name:       "sender error",
			sender:     &recordingSender{err: errors.New("conversation archived")},
			wantReason: "conversation archived",
		},
		{
			name:       "sender panic",
			sender:     &recordingSender{panic: true},
			wantReason: "sender panicked: send exploded",
		},
		{
			name:       "long errors are truncated",
			sender:     &recordingSender{err: errors.New(strings.Repeat("e", 3000))},
			wantReason: strings.Repeat("e", 1000),
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := memory.NewScheduledStore()
			m := seedMessage(store, nil)
			failed := &test.TestCounter{}

			res := newDispatcher(store, tc.sender, scheduler.WithCounters(nil, failed)).Tick(ctx)
			assert.Equal(t, scheduler.TickResult{Due: 1, Claimed: 1, Failed: 1}, res)

			got, _ := store.Get(ctx, m.ID)
			assert.Equal(t, scheduler.StatusFailed, got.Status)
			assert.Equal(t, tc.wantReason, got.FailReason)
			assert.Equal(t, int64(1), failed.Value())

			// no automatic retry
			assert.Equal(t, 0, newDispatcher(store, tc.sender).Tick(ctx).Claimed)
		})
	}
}

func TestTickSkipsMessagesNotDueOrNotPending(t *testing.T) {
	ctx := context.Background()
	store := memory.NewScheduledStore()
	seedMessage(store, func(m *scheduler.ScheduledMessage) { m.ScheduledFor = now.Add(time.Minute) })
	seedMessage(store, func(m *scheduler.ScheduledMessage) { m.Status = scheduler.StatusCancelled })
	due := seedMessage(store, nil)
	sender := &recordingSender{}

	res := newDispatcher(store, sender).Tick(ctx)
	assert.Equal(t, 1, res.Sent)
	got, _ := store.Get(ctx, due.ID)
	assert.Equal(t, scheduler.StatusSent, got.Status)
}

// raceStore lets another dispatcher win every claim.
type raceStore struct {
	*memory.ScheduledStore
}

func (s raceStore) ClaimOne(ctx context.Context, id uuid.UUID, at time.Time) (*scheduler.ScheduledMessage, bool, error) {
	if _, ok, err := s.ScheduledStore.ClaimOne(ctx, id, at); err != nil || !ok {
		return nil, ok, err
	}
	return nil, false, nil
}

func TestTickSkipsLostClaims(t *testing.T) {
	ctx := context.Background()
	store := memory.NewScheduledStore()
	seedMessage(store, nil)
	sender := &recordingSender{}

	res := newDispatcher(raceStore{store}, sender).Tick(ctx)
	assert.Equal(t, scheduler.TickResult{Due: 1}, res)
	assert.Empty(t, sender.calls)
}

func TestConcurrentDispatchersSendOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewScheduledStore()
	for i := 0; i < 30; i++ {
		seedMessage(store, nil)
	}
	sender := &recordingSender{}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			newDispatcher(store, sender).Tick(ctx)
		}()
	}
	wg.Wait()
	assert.Len(t, sender.calls, 30)
}

func TestCancelSentMessageIsRejected(t *testing.T) {
	ctx := context.Background()
	store := memory.NewScheduledStore()
	m := seedMessage(store, nil)
	newDispatcher(store, &recordingSender{}).Tick(ctx)
	before, _ := store.Get(ctx, m.ID)
	require.Equal(t, scheduler.StatusSent, before.Status)

	svc := scheduler.NewService(store)
	_, err := svc.Cancel(ctx, m.ID, "u1")
	assert.ErrorIs(t, err, scheduler.ErrConflict)

	after, _ := store.Get(ctx, m.ID)
	assert.Equal(t, before, after)
}

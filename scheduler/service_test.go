package scheduler_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/3rs4lg4d0/courier/repository/memory"
	"github.com/3rs4lg4d0/courier/scheduler"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newService() (*scheduler.Service, *memory.ScheduledStore) {
	store := memory.NewScheduledStore()
	return scheduler.NewService(store, scheduler.WithServiceClock(func() time.Time { return now })), store
}

func ptr[T any](v T) *T {
	return &v
}

func TestNewService(t *testing.T) {
	assert.Panics(t, func() { scheduler.NewService(nil) })
}

func TestSchedule(t *testing.T) {
	valid := scheduler.NewScheduledMessage{
		ConversationID: "c1",
		SenderID:       "u1",
		Content:        "see you tomorrow",
		Metadata:       json.RawMessage(`{"mentions":[]}`),
		ScheduledFor:   now.Add(time.Hour),
	}
	testcases := []struct {
		name    string
		mutate  func(r *scheduler.NewScheduledMessage)
		wantErr error
	}{
		{name: "valid request", mutate: func(r *scheduler.NewScheduledMessage) {}},
		{name: "missing conversation", mutate: func(r *scheduler.NewScheduledMessage) { r.ConversationID = "" }, wantErr: scheduler.ErrInvalidMessage},
		{name: "missing sender", mutate: func(r *scheduler.NewScheduledMessage) { r.SenderID = "" }, wantErr: scheduler.ErrInvalidMessage},
		{name: "blank content", mutate: func(r *scheduler.NewScheduledMessage) { r.Content = "  \n" }, wantErr: scheduler.ErrInvalidMessage},
		{name: "content too long", mutate: func(r *scheduler.NewScheduledMessage) { r.Content = strings.Repeat("a", 10001) }, wantErr: scheduler.ErrInvalidMessage},
		{name: "invalid metadata", mutate: func(r *scheduler.NewScheduledMessage) { r.Metadata = json.RawMessage(`{`) }, wantErr: scheduler.ErrInvalidMessage},
		{name: "scheduled now", mutate: func(r *scheduler.NewScheduledMessage) { r.ScheduledFor = now }, wantErr: scheduler.ErrInvalidSchedule},
		{name: "scheduled in the past", mutate: func(r *scheduler.NewScheduledMessage) { r.ScheduledFor = now.Add(-time.Second) }, wantErr: scheduler.ErrInvalidSchedule},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			svc, store := newService()
			req := valid
			tc.mutate(&req)

			m, err := svc.Schedule(context.Background(), req)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				list, _ := store.ListPending(context.Background(), scheduler.Filter{})
				assert.Empty(t, list)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, scheduler.StatusPending, m.Status)
			assert.Equal(t, now, m.CreatedAt)
			stored, err := svc.Get(context.Background(), m.ID)
			require.NoError(t, err)
			assert.Equal(t, m, stored)
		})
	}
}

func TestEdit(t *testing.T) {
	testcases := []struct {
		name        string
		status      scheduler.Status
		senderID    string
		changes     scheduler.Changes
		unknown     bool
		wantErr     error
		wantContent string
	}{
		{
			name:        "edit content while pending",
			status:      scheduler.StatusPending,
			senderID:    "u1",
			changes:     scheduler.Changes{Content: ptr("updated")},
			wantContent: "updated",
		},
		{
			name:     "move schedule into the past",
			status:   scheduler.StatusPending,
			senderID: "u1",
			changes:  scheduler.Changes{Content: ptr("updated"), ScheduledFor: ptr(now.Add(-time.Minute))},
			wantErr:  scheduler.ErrInvalidSchedule,
		},
		{
			name:     "past schedule on a sent message",
			status:   scheduler.StatusSent,
			senderID: "u1",
			changes:  scheduler.Changes{ScheduledFor: ptr(now.Add(-time.Minute))},
			wantErr:  scheduler.ErrConflict,
		},
		{
			name:     "past schedule while processing",
			status:   scheduler.StatusProcessing,
			senderID: "u1",
			changes:  scheduler.Changes{ScheduledFor: ptr(now.Add(-time.Minute))},
			wantErr:  scheduler.ErrConflict,
		},
		{
			name:     "past schedule by another sender",
			status:   scheduler.StatusPending,
			senderID: "u2",
			changes:  scheduler.Changes{ScheduledFor: ptr(now.Add(-time.Minute))},
			wantErr:  scheduler.ErrForbidden,
		},
		{
			name:     "past schedule on an unknown message",
			unknown:  true,
			senderID: "u1",
			changes:  scheduler.Changes{ScheduledFor: ptr(now.Add(-time.Minute))},
			wantErr:  scheduler.ErrNotFound,
		},
		{
			name:     "nothing to change",
			status:   scheduler.StatusPending,
			senderID: "u1",
			wantErr:  scheduler.ErrInvalidMessage,
		},
		{
			name:     "another sender",
			status:   scheduler.StatusPending,
			senderID: "u2",
			changes:  scheduler.Changes{Content: ptr("updated")},
			wantErr:  scheduler.ErrForbidden,
		},
		{
			name:     "already processing",
			status:   scheduler.StatusProcessing,
			senderID: "u1",
			changes:  scheduler.Changes{Content: ptr("updated")},
			wantErr:  scheduler.ErrConflict,
		},
		{
			name:     "unknown message",
			unknown:  true,
			senderID: "u1",
			changes:  scheduler.Changes{Content: ptr("updated")},
			wantErr:  scheduler.ErrNotFound,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			svc, store := newService()
			m := scheduler.ScheduledMessage{
				ID: uuid.New(), ConversationID: "c1", SenderID: "u1", Content: "original",
				ScheduledFor: now.Add(time.Hour), Status: tc.status, CreatedAt: now, UpdatedAt: now,
			}
			store.Put(m)
			id := m.ID
			if tc.unknown {
				id = uuid.New()
			}

			got, err := svc.Edit(context.Background(), id, tc.senderID, tc.changes)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				stored, _ := store.Get(context.Background(), m.ID)
				assert.Equal(t, m, *stored, "rejected edits change nothing")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantContent, got.Content)
		})
	}
}

func TestCancel(t *testing.T) {
	testcases := []struct {
		name     string
		status   scheduler.Status
		senderID string
		wantErr  error
	}{
		{name: "pending", status: scheduler.StatusPending, senderID: "u1"},
		{name: "sent", status: scheduler.StatusSent, senderID: "u1", wantErr: scheduler.ErrConflict},
		{name: "failed", status: scheduler.StatusFailed, senderID: "u1", wantErr: scheduler.ErrConflict},
		{name: "already cancelled", status: scheduler.StatusCancelled, senderID: "u1", wantErr: scheduler.ErrConflict},
		{name: "another sender", status: scheduler.StatusPending, senderID: "u2", wantErr: scheduler.ErrForbidden},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			svc, store := newService()
			m := scheduler.ScheduledMessage{
				ID: uuid.New(), ConversationID: "c1", SenderID: "u1", Content: "original",
				ScheduledFor: now.Add(-time.Hour), Status: tc.status, SentMessageID: "",
			}
			if tc.status == scheduler.StatusSent {
				m.SentMessageID = "msg-9"
			}
			store.Put(m)

			got, err := svc.Cancel(context.Background(), m.ID, tc.senderID)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				stored, _ := store.Get(context.Background(), m.ID)
				assert.Equal(t, m, *stored)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, scheduler.StatusCancelled, got.Status)
		})
	}
}

func TestCancelUnknown(t *testing.T) {
	svc, _ := newService()
	_, err := svc.Cancel(context.Background(), uuid.New(), "u1")
	assert.True(t, errors.Is(err, scheduler.ErrNotFound))
}

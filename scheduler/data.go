package scheduler

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a scheduled message.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusCancelled  Status = "CANCELLED"
	StatusFailed     Status = "FAILED"
)

// Valid reports whether the status is part of the lifecycle.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSent, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusCancelled || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to next is allowed.
// PROCESSING goes back to PENDING only when a stale claim is reclaimed.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusCancelled
	case StatusProcessing:
		return next == StatusSent || next == StatusFailed || next == StatusPending
	default:
		return false
	}
}

// ScheduledMessage is a message whose send is deferred until ScheduledFor.
type ScheduledMessage struct {
	ID             uuid.UUID
	ConversationID string
	SenderID       string
	Content        string
	Metadata       json.RawMessage
	ScheduledFor   time.Time
	Status         Status
	ProcessingAt   *time.Time // set while PROCESSING, used to detect orphaned claims
	SentMessageID  string     // id of the created message once SENT
	FailReason     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Changes are the editable fields of a pending scheduled message. Nil fields
// are left untouched.
type Changes struct {
	Content      *string
	Metadata     json.RawMessage
	ScheduledFor *time.Time
}

// Empty reports whether the changes modify nothing.
func (c Changes) Empty() bool {
	return c.Content == nil && c.Metadata == nil && c.ScheduledFor == nil
}

// Apply returns a copy of m with the changes applied.
func (c Changes) Apply(m ScheduledMessage) ScheduledMessage {
	if c.Content != nil {
		m.Content = *c.Content
	}
	if c.Metadata != nil {
		m.Metadata = c.Metadata
	}
	if c.ScheduledFor != nil {
		m.ScheduledFor = *c.ScheduledFor
	}
	return m
}

// Filter narrows ListPending. Empty fields match everything.
type Filter struct {
	ConversationID string
	SenderID       string
}

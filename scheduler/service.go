package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/3rs4lg4d0/courier/logger"
	"github.com/google/uuid"
)

// NewScheduledMessage is the request to schedule a message.
type NewScheduledMessage struct {
	ConversationID string
	SenderID       string
	Content        string
	Metadata       json.RawMessage
	ScheduledFor   time.Time
}

// Service implements the user facing operations on scheduled messages.
type Service struct {
	repository Repository
	logger     logger.Logger
	now        func() time.Time
}

// ServiceOption allows optional configuration of a Service.
type ServiceOption func(s *Service)

// WithServiceLogger configures an optional logger.
func WithServiceLogger(l logger.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithServiceClock replaces time.Now, mostly for tests.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(r Repository, options ...ServiceOption) *Service {
	if r == nil {
		panic("you must provide a repository")
	}
	s := &Service{
		repository: r,
		logger:     &logger.NopLogger{},
		now:        time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Schedule stores a new PENDING message. The scheduled time must be in the
// future.
func (s *Service) Schedule(ctx context.Context, req NewScheduledMessage) (*ScheduledMessage, error) {
	if req.ConversationID == "" || req.SenderID == "" {
		return nil, fmt.Errorf("%w: conversation and sender are required", ErrInvalidMessage)
	}
	if err := validateContent(req.Content); err != nil {
		return nil, err
	}
	if err := validateMetadata(req.Metadata); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if !req.ScheduledFor.After(now) {
		return nil, ErrInvalidSchedule
	}

	m := &ScheduledMessage{
		ID:             uuid.New(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Content:        req.Content,
		Metadata:       req.Metadata,
		ScheduledFor:   req.ScheduledFor.UTC(),
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repository.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("could not schedule the message: %w", err)
	}
	s.logger.Debug(fmt.Sprintf("message '%s' scheduled for %s", m.ID, m.ScheduledFor.Format(time.RFC3339)))
	return m, nil
}

// Edit changes a PENDING message of senderID. It is applied completely or not
// at all.
func (s *Service) Edit(ctx context.Context, id uuid.UUID, senderID string, c Changes) (*ScheduledMessage, error) {
	if c.Empty() {
		return nil, fmt.Errorf("%w: nothing to change", ErrInvalidMessage)
	}
	if c.Content != nil {
		if err := validateContent(*c.Content); err != nil {
			return nil, err
		}
	}
	if err := validateMetadata(c.Metadata); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if c.ScheduledFor != nil {
		if !c.ScheduledFor.After(now) {
			// a message that can no longer be edited reports that first
			if err := s.checkEditable(ctx, id, senderID); err != nil {
				return nil, err
			}
			return nil, ErrInvalidSchedule
		}
		at := c.ScheduledFor.UTC()
		c.ScheduledFor = &at
	}

	ok, err := s.repository.UpdatePending(ctx, id, senderID, c, now)
	if err != nil {
		return nil, fmt.Errorf("could not edit the scheduled message: %w", err)
	}
	if !ok {
		return nil, s.explainRejection(ctx, id, senderID)
	}
	return s.Get(ctx, id)
}

// Cancel moves a PENDING message of senderID to CANCELLED.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, senderID string) (*ScheduledMessage, error) {
	ok, err := s.repository.CancelPending(ctx, id, senderID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("could not cancel the scheduled message: %w", err)
	}
	if !ok {
		return nil, s.explainRejection(ctx, id, senderID)
	}
	s.logger.Debug(fmt.Sprintf("scheduled message '%s' cancelled", id))
	return s.Get(ctx, id)
}

// Get returns a scheduled message or ErrNotFound.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*ScheduledMessage, error) {
	return s.repository.Get(ctx, id)
}

// ListPending returns the PENDING messages matching f, soonest first.
func (s *Service) ListPending(ctx context.Context, f Filter) ([]*ScheduledMessage, error) {
	return s.repository.ListPending(ctx, f)
}

// explainRejection finds out why a conditional update matched no row.
func (s *Service) explainRejection(ctx context.Context, id uuid.UUID, senderID string) error {
	if err := s.checkEditable(ctx, id, senderID); err != nil {
		return err
	}
	return fmt.Errorf("%w: message changed concurrently", ErrConflict)
}

// checkEditable returns nil when senderID may still edit or cancel the message.
func (s *Service) checkEditable(ctx context.Context, id uuid.UUID, senderID string) error {
	m, err := s.repository.Get(ctx, id)
	if err != nil {
		return err
	}
	if m.SenderID != senderID {
		return ErrForbidden
	}
	switch {
	case m.Status.Terminal():
		return fmt.Errorf("%w: message is already %s", ErrConflict, m.Status)
	case !m.Status.CanTransitionTo(StatusCancelled):
		return fmt.Errorf("%w: status is %s", ErrConflict, m.Status)
	}
	return nil
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: content is empty", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(content) > maxContentLength {
		return fmt.Errorf("%w: content exceeds %d characters", ErrInvalidMessage, maxContentLength)
	}
	return nil
}

func validateMetadata(metadata json.RawMessage) error {
	if metadata != nil && !json.Valid(metadata) {
		return fmt.Errorf("%w: metadata is not valid JSON", ErrInvalidMessage)
	}
	return nil
}

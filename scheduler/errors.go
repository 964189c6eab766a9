package scheduler

import "errors"

var (
	ErrNotFound        = errors.New("scheduled message not found")
	ErrConflict        = errors.New("scheduled message is no longer pending")
	ErrForbidden       = errors.New("scheduled message belongs to another sender")
	ErrInvalidSchedule = errors.New("scheduled time must be in the future")
	ErrInvalidMessage  = errors.New("invalid scheduled message")
)

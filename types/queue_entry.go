package types

import (
	"time"

	"github.com/joinflow/joinflow/internal/state"
)

// QueueEntry is a scheduled join attempt for one link.
type QueueEntry struct {
	ID           int64
	LinkID       int64
	ChipID       *int64
	Priority     int
	ScheduledFor time.Time
	Status       state.EntryStatus
	Result       state.EntryResult
	LastError    *string
	LockedBy     *string
	LockedAt     *time.Time
	FinishedAt   *time.Time
	CreatedAt    time.Time
}

type NewQueueEntry struct {
	LinkID       int64
	ChipID       *int64
	Priority     int
	ScheduledFor time.Time
}

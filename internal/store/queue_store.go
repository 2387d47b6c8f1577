package store

import (
	"context"
	"time"

	"github.com/joinflow/joinflow/internal/state"
	"github.com/joinflow/joinflow/types"
)

// QueueStore defines the interface for the time and priority ordered queue of join attempts.
type QueueStore interface {
	// Insert writes a pending entry. It fails with custom_errors.ErrAlreadyQueued when the link
	// already has an active entry.
	Insert(ctx context.Context, entry types.NewQueueEntry) (int64, error)

	FindByID(ctx context.Context, id int64) (*types.QueueEntry, error)

	HasActiveEntry(ctx context.Context, linkID int64) (bool, error)

	// FetchDue returns pending entries scheduled at or before now, ordered by priority desc then scheduled_for asc.
	FetchDue(ctx context.Context, now time.Time, limit int) ([]types.QueueEntry, error)

	// Claim atomically moves a pending entry to processing. It returns false if another worker got there first.
	Claim(ctx context.Context, id int64, lockedBy string, at time.Time) (bool, error)

	AssignChip(ctx context.Context, id int64, chipID int64) error

	// Complete moves a processing entry to done with the given result.
	Complete(ctx context.Context, id int64, result state.EntryResult, at time.Time) error

	// Requeue moves a processing entry back to pending for another attempt, clearing its chip.
	Requeue(ctx context.Context, id int64, reason string, scheduledFor time.Time) error

	// Fail moves a processing entry to its terminal error status.
	Fail(ctx context.Context, id int64, reason string, at time.Time) error

	// Cancel moves a pending entry to cancelled. It returns false for any other status.
	Cancel(ctx context.Context, id int64, at time.Time) (bool, error)

	// CountActive counts pending and processing entries.
	CountActive(ctx context.Context) (int, error)

	// UnlockStale returns processing entries claimed before olderThan to pending.
	UnlockStale(ctx context.Context, olderThan time.Time) (int, error)

	CountAllGroupedByStatus(ctx context.Context) (map[state.EntryStatus]int, error)
}

package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/joinflow/joinflow/custom_errors"
	"github.com/joinflow/joinflow/internal/state"
	"github.com/joinflow/joinflow/types"
	"k8s.io/utils/clock"
)

type QueueStore struct {
	mu      sync.Mutex
	entries map[int64]*types.QueueEntry
	seq     int64
	clock   clock.PassiveClock
}

func NewQueueStore(clk clock.PassiveClock) *QueueStore {
	return &QueueStore{
		entries: make(map[int64]*types.QueueEntry),
		clock:   clk,
	}
}

func (s *QueueStore) Insert(ctx context.Context, e types.NewQueueEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.entries {
		if existing.LinkID == e.LinkID && existing.Status.IsActive() {
			return 0, fmt.Errorf("link %d: %w", e.LinkID, custom_errors.ErrAlreadyQueued)
		}
	}

	s.seq++
	s.entries[s.seq] = &types.QueueEntry{
		ID:           s.seq,
		LinkID:       e.LinkID,
		ChipID:       e.ChipID,
		Priority:     e.Priority,
		ScheduledFor: e.ScheduledFor,
		Status:       state.EntryPending,
		CreatedAt:    s.clock.Now(),
	}
	return s.seq, nil
}

func (s *QueueStore) FindByID(ctx context.Context, id int64) (*types.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("queue entry %d: %w", id, custom_errors.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

// All returns a snapshot of every entry, ordered by id.
func (s *QueueStore) All() []types.QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]types.QueueEntry, 0, len(s.entries))
	for _, e := range s.entries {
		result = append(result, *e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (s *QueueStore) HasActiveEntry(ctx context.Context, linkID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.LinkID == linkID && e.Status.IsActive() {
			return true, nil
		}
	}
	return false, nil
}

func (s *QueueStore) FetchDue(ctx context.Context, now time.Time, limit int) ([]types.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []types.QueueEntry
	for _, e := range s.entries {
		if e.Status == state.EntryPending && !e.ScheduledFor.After(now) {
			due = append(due, *e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		if !due[i].ScheduledFor.Equal(due[j].ScheduledFor) {
			return due[i].ScheduledFor.Before(due[j].ScheduledFor)
		}
		return due[i].ID < due[j].ID
	})
	if limit >= 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// modify applies fn to the entry if its status is from.
func (s *QueueStore) modify(id int64, from state.EntryStatus, fn func(e *types.QueueEntry)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false, fmt.Errorf("queue entry %d: %w", id, custom_errors.ErrNotFound)
	}
	if e.Status != from {
		return false, nil
	}
	fn(e)
	return true, nil
}

// transition moves the entry from one status to another and applies fn.
func (s *QueueStore) transition(id int64, from, to state.EntryStatus, fn func(e *types.QueueEntry)) (bool, error) {
	if err := state.CheckEntryTransition(from, to); err != nil {
		return false, fmt.Errorf("queue entry %d: %w", id, err)
	}
	return s.modify(id, from, func(e *types.QueueEntry) {
		e.Status = to
		fn(e)
	})
}

func (s *QueueStore) Claim(ctx context.Context, id int64, lockedBy string, at time.Time) (bool, error) {
	return s.transition(id, state.EntryPending, state.EntryProcessing, func(e *types.QueueEntry) {
		e.LockedBy = &lockedBy
		e.LockedAt = &at
	})
}

func (s *QueueStore) AssignChip(ctx context.Context, id int64, chipID int64) error {
	ok, err := s.modify(id, state.EntryProcessing, func(e *types.QueueEntry) {
		e.ChipID = &chipID
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("assign chip to entry %d: %w", id, custom_errors.ErrInvalidTransition)
	}
	return nil
}

func (s *QueueStore) Complete(ctx context.Context, id int64, result state.EntryResult, at time.Time) error {
	return s.mustTransition(id, "complete", state.EntryDone, func(e *types.QueueEntry) {
		e.Result = result
		e.FinishedAt = &at
		e.LockedBy = nil
		e.LockedAt = nil
	})
}

func (s *QueueStore) Requeue(ctx context.Context, id int64, reason string, scheduledFor time.Time) error {
	return s.mustTransition(id, "requeue", state.EntryPending, func(e *types.QueueEntry) {
		e.ScheduledFor = scheduledFor
		e.LastError = &reason
		e.ChipID = nil
		e.LockedBy = nil
		e.LockedAt = nil
	})
}

func (s *QueueStore) Fail(ctx context.Context, id int64, reason string, at time.Time) error {
	return s.mustTransition(id, "fail", state.EntryError, func(e *types.QueueEntry) {
		e.LastError = &reason
		e.FinishedAt = &at
		e.LockedBy = nil
		e.LockedAt = nil
	})
}

// mustTransition moves a processing entry to status to, failing if it is not processing.
func (s *QueueStore) mustTransition(id int64, op string, to state.EntryStatus, fn func(e *types.QueueEntry)) error {
	ok, err := s.transition(id, state.EntryProcessing, to, fn)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s entry %d: %w", op, id, custom_errors.ErrInvalidTransition)
	}
	return nil
}

func (s *QueueStore) Cancel(ctx context.Context, id int64, at time.Time) (bool, error) {
	return s.transition(id, state.EntryPending, state.EntryCancelled, func(e *types.QueueEntry) {
		e.FinishedAt = &at
	})
}

func (s *QueueStore) CountActive(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		if e.Status.IsActive() {
			n++
		}
	}
	return n, nil
}

func (s *QueueStore) UnlockStale(ctx context.Context, olderThan time.Time) (int, error) {
	if err := state.CheckEntryTransition(state.EntryProcessing, state.EntryPending); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		if e.Status == state.EntryProcessing && e.LockedAt != nil && e.LockedAt.Before(olderThan) {
			e.Status = state.EntryPending
			e.LockedBy = nil
			e.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *QueueStore) CountAllGroupedByStatus(ctx context.Context) (map[state.EntryStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[state.EntryStatus]int, len(state.AllEntryStatuses))
	for _, st := range state.AllEntryStatuses {
		result[st] = 0
	}
	for _, e := range s.entries {
		result[e.Status]++
	}
	return result, nil
}

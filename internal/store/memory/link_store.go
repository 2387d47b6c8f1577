// Package memory holds process-local stores. They honour the same conditional-update
// contracts as the PostgreSQL stores and are used for tests and single-node dry runs.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/joinflow/joinflow/custom_errors"
	"github.com/joinflow/joinflow/internal/state"
	"github.com/joinflow/joinflow/types"
	"k8s.io/utils/clock"
)

type LinkStore struct {
	mu    sync.Mutex
	links map[int64]*types.Link
	seq   int64
	clock clock.PassiveClock
}

func NewLinkStore(clk clock.PassiveClock) *LinkStore {
	return &LinkStore{
		links: make(map[int64]*types.Link),
		clock: clk,
	}
}

// Put stores a copy of link as is, assigning an id when it has none. Used to seed fixtures.
func (s *LinkStore) Put(link types.Link) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if link.ID == 0 {
		s.seq++
		link.ID = s.seq
	} else if link.ID > s.seq {
		s.seq = link.ID
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = s.clock.Now()
	}
	link.UpdatedAt = link.CreatedAt
	s.links[link.ID] = &link
	return link.ID
}

func (s *LinkStore) BulkInsert(ctx context.Context, links []types.NewLink, maxAttempts int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[string]bool, len(s.links))
	for _, l := range s.links {
		existing[l.InviteCode] = true
	}

	inserted := 0
	now := s.clock.Now()
	for _, nl := range links {
		if existing[nl.InviteCode] {
			continue
		}
		s.seq++
		s.links[s.seq] = &types.Link{
			ID:          s.seq,
			InviteCode:  nl.InviteCode,
			Status:      state.LinkPending,
			MaxAttempts: maxAttempts,
			Priority:    nl.Priority,
			Source:      nl.Source,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		existing[nl.InviteCode] = true
		inserted++
	}
	return inserted, nil
}

func (s *LinkStore) FindByID(ctx context.Context, id int64) (*types.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, ok := s.links[id]
	if !ok {
		return nil, fmt.Errorf("link %d: %w", id, custom_errors.ErrNotFound)
	}
	cp := *link
	return &cp, nil
}

func (s *LinkStore) ExistingInviteCodes(ctx context.Context, codes []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(codes))
	for _, c := range codes {
		wanted[c] = true
	}
	found := make(map[string]bool)
	for _, l := range s.links {
		if wanted[l.InviteCode] {
			found[l.InviteCode] = true
		}
	}
	return found, nil
}

func (s *LinkStore) FetchValidated(ctx context.Context, limit int) ([]types.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []types.Link
	for _, l := range s.links {
		if l.Status == state.LinkValidated {
			result = append(result, *l)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit >= 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *LinkStore) ListByStatus(ctx context.Context, status state.LinkStatus, page int, pageSize int) (*types.PaginationResult[types.Link], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if page < 1 {
		page = 1
	}
	var all []types.Link
	for _, l := range s.links {
		if l.Status == status {
			all = append(all, *l)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	start := (page - 1) * pageSize
	end := start + pageSize
	if start > len(all) {
		start = len(all)
	}
	if end > len(all) {
		end = len(all)
	}
	return types.NewPaginationResult(all[start:end], len(all), page, pageSize), nil
}

// update moves the link to status to and applies fn if its status is one of from.
func (s *LinkStore) update(id int64, from []state.LinkStatus, to state.LinkStatus, fn func(l *types.Link)) (bool, error) {
	if err := state.CheckLinkTransition(from, to); err != nil {
		return false, fmt.Errorf("link %d: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	link, ok := s.links[id]
	if !ok || !slices.Contains(from, link.Status) {
		return false, nil
	}
	link.Status = to
	fn(link)
	link.UpdatedAt = s.clock.Now()
	return true, nil
}

func (s *LinkStore) Transition(ctx context.Context, id int64, from []state.LinkStatus, to state.LinkStatus) (bool, error) {
	return s.update(id, from, to, func(l *types.Link) {
		if to == state.LinkValidated {
			l.NextAttemptAt = nil
		}
	})
}

func (s *LinkStore) MarkSucceeded(ctx context.Context, id int64, from state.LinkStatus, chipID int64, groupID string) (bool, error) {
	return s.update(id, []state.LinkStatus{from}, state.LinkSucceeded, func(l *types.Link) {
		l.ChipID = &chipID
		if groupID != "" {
			l.GroupID = &groupID
		}
		l.LastError = nil
		l.NextAttemptAt = nil
	})
}

func (s *LinkStore) MarkAwaitingApproval(ctx context.Context, id int64, chipID int64, groupID string) (bool, error) {
	return s.update(id, []state.LinkStatus{state.LinkInProgress}, state.LinkAwaitingApproval, func(l *types.Link) {
		l.ChipID = &chipID
		if groupID != "" {
			l.GroupID = &groupID
		}
	})
}

func (s *LinkStore) IncrementAttempts(ctx context.Context, id int64) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, ok := s.links[id]
	if !ok {
		return 0, 0, fmt.Errorf("link %d: %w", id, custom_errors.ErrNotFound)
	}
	link.Attempts++
	link.UpdatedAt = s.clock.Now()
	return link.Attempts, link.MaxAttempts, nil
}

func (s *LinkStore) MarkErrored(ctx context.Context, id int64, reason string, nextAttemptAt time.Time) (bool, error) {
	return s.update(id, []state.LinkStatus{state.LinkInProgress}, state.LinkErrored, func(l *types.Link) {
		l.LastError = &reason
		l.NextAttemptAt = &nextAttemptAt
	})
}

func (s *LinkStore) MarkAbandoned(ctx context.Context, id int64, reason string, at time.Time) (bool, error) {
	return s.update(id, []state.LinkStatus{state.LinkInProgress}, state.LinkAbandoned, func(l *types.Link) {
		l.LastError = &reason
		l.AbandonedAt = &at
		l.NextAttemptAt = nil
	})
}

func (s *LinkStore) CountAllGroupedByStatus(ctx context.Context) (map[state.LinkStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[state.LinkStatus]int, len(state.AllLinkStatuses))
	for _, st := range state.AllLinkStatuses {
		result[st] = 0
	}
	for _, l := range s.links {
		result[l.Status]++
	}
	return result, nil
}

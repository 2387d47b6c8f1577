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
)

type ChipStore struct {
	mu    sync.Mutex
	chips map[int64]*types.Chip
}

func NewChipStore(chips ...types.Chip) *ChipStore {
	s := &ChipStore{chips: make(map[int64]*types.Chip, len(chips))}
	for _, c := range chips {
		s.Put(c)
	}
	return s
}

func (s *ChipStore) Put(chip types.Chip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chips[chip.ID] = &chip
}

func (s *ChipStore) ListCandidates(ctx context.Context, chipType string, statuses []state.ChipStatus) ([]types.Chip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []types.Chip
	for _, c := range s.chips {
		if c.Type != chipType || c.CircuitBreakerOpen || !slices.Contains(statuses, c.Status) {
			continue
		}
		result = append(result, *c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *ChipStore) FindByID(ctx context.Context, id int64) (*types.Chip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chips[id]
	if !ok {
		return nil, fmt.Errorf("chip %d: %w", id, custom_errors.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *ChipStore) IncrementCounters(ctx context.Context, id int64, delta types.CounterDelta) (*types.Chip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chips[id]
	if !ok {
		return nil, fmt.Errorf("chip %d: %w", id, custom_errors.ErrNotFound)
	}
	c.JoinsToday += delta.JoinsToday
	c.JoinsLast6h += delta.JoinsLast6h
	c.JoinsTotal += delta.JoinsTotal
	if delta.ResetFailures {
		c.ConsecutiveFailures = 0
	} else {
		c.ConsecutiveFailures += delta.ConsecutiveFailures
	}
	if delta.LastJoinAt != nil {
		at := *delta.LastJoinAt
		c.LastJoinAt = &at
	}
	cp := *c
	return &cp, nil
}

func (s *ChipStore) SetCircuitBreaker(ctx context.Context, id int64, open bool, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chips[id]
	if !ok {
		return fmt.Errorf("chip %d: %w", id, custom_errors.ErrNotFound)
	}
	c.CircuitBreakerOpen = open
	if open {
		c.CircuitBreakerReason = &reason
		c.CircuitBreakerOpenedAt = &at
		return nil
	}
	c.ConsecutiveFailures = 0
	c.CircuitBreakerReason = nil
	c.CircuitBreakerOpenedAt = nil
	return nil
}

func (s *ChipStore) ResetDailyCounters(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, c := range s.chips {
		if c.JoinsToday != 0 {
			c.JoinsToday = 0
			n++
		}
	}
	return n, nil
}

func (s *ChipStore) ResetSixHourCounters(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, c := range s.chips {
		if c.JoinsLast6h != 0 {
			c.JoinsLast6h = 0
			n++
		}
	}
	return n, nil
}

// CapacityStore serves a fixed configuration, or err when set.
type CapacityStore struct {
	mu     sync.Mutex
	config *types.CapacityConfig
	err    error
	loads  int
}

func NewCapacityStore(cfg *types.CapacityConfig) *CapacityStore {
	return &CapacityStore{config: cfg}
}

func (s *CapacityStore) Set(cfg *types.CapacityConfig, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg
	s.err = err
}

// Loads returns how many times the configuration was read.
func (s *CapacityStore) Loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

func (s *CapacityStore) LoadCapacityConfig(ctx context.Context) (*types.CapacityConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loads++
	if s.err != nil {
		return nil, s.err
	}
	if s.config == nil {
		return nil, fmt.Errorf("capacity config: %w", custom_errors.ErrNotFound)
	}
	cp := *s.config
	return &cp, nil
}

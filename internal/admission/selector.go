package admission

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/joinflow/joinflow/custom_errors"
	"github.com/joinflow/joinflow/internal/state"
	"github.com/joinflow/joinflow/types"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// ChipReader is the read side of the chip store the selector needs.
type ChipReader interface {
	ListCandidates(ctx context.Context, chipType string, statuses []state.ChipStatus) ([]types.Chip, error)
	FindByID(ctx context.Context, id int64) (*types.Chip, error)
}

// ConfigProvider returns the capacity config in force.
type ConfigProvider interface {
	Get(ctx context.Context) types.CapacityConfig
}

// Candidate is a chip that passed admission, with the limits of its phase and its remaining slots.
type Candidate struct {
	Chip       types.Chip
	Limits     types.PhaseLimits
	SlotsDaily int
	Slots6h    int
}

// Slots aggregates the remaining capacity of every eligible chip.
type Slots struct {
	Daily   int
	SixHour int
	Chips   int
}

type Selector struct {
	chips    ChipReader
	capacity ConfigProvider
	clock    clock.PassiveClock
	chipType string
	logger   logrus.FieldLogger
}

func NewSelector(chips ChipReader, capacity ConfigProvider, clk clock.PassiveClock, chipType string, logger logrus.FieldLogger) *Selector {
	return &Selector{
		chips:    chips,
		capacity: capacity,
		clock:    clk,
		chipType: chipType,
		logger:   logger,
	}
}

// evaluate applies every admission rule except pacing. The reason is empty when the chip is eligible.
func (s *Selector) evaluate(chip types.Chip, cfg types.CapacityConfig) (Candidate, string) {
	switch {
	case chip.Type != s.chipType:
		return Candidate{}, fmt.Sprintf("chip type %q", chip.Type)
	case !slices.Contains(state.ActiveChipStatuses, chip.Status):
		return Candidate{}, fmt.Sprintf("status %s", chip.Status)
	case chip.CircuitBreakerOpen:
		return Candidate{}, "circuit breaker open"
	case chip.TrustScore < cfg.TrustMinimum:
		return Candidate{}, fmt.Sprintf("trust score %d below %d", chip.TrustScore, cfg.TrustMinimum)
	case !chip.Phase.CanJoin():
		return Candidate{}, fmt.Sprintf("phase %s cannot join", chip.Phase)
	}

	limits, ok := cfg.Limits(chip.Phase)
	if !ok {
		return Candidate{}, fmt.Sprintf("no limits for phase %s", chip.Phase)
	}

	c := Candidate{
		Chip:       chip,
		Limits:     limits,
		SlotsDaily: limits.DailyLimit - chip.JoinsToday,
		Slots6h:    limits.SixHourLimit - chip.JoinsLast6h,
	}
	if c.SlotsDaily <= 0 {
		return Candidate{}, "daily limit reached"
	}
	if c.Slots6h <= 0 {
		return Candidate{}, "six hour limit reached"
	}
	return c, ""
}

// paced reports whether the chip's phase minimum delay has elapsed since its last join.
func (s *Selector) paced(c Candidate) bool {
	if c.Chip.LastJoinAt == nil {
		return true
	}
	return s.clock.Since(*c.Chip.LastJoinAt) >= c.Limits.MinimumDelay
}

// rank orders by trust desc, then joins_total asc, consecutive_failures asc, id asc.
func rank(candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].Chip, candidates[j].Chip
		if a.TrustScore != b.TrustScore {
			return a.TrustScore > b.TrustScore
		}
		if a.JoinsTotal != b.JoinsTotal {
			return a.JoinsTotal < b.JoinsTotal
		}
		if a.ConsecutiveFailures != b.ConsecutiveFailures {
			return a.ConsecutiveFailures < b.ConsecutiveFailures
		}
		return a.ID < b.ID
	})
}

// Eligible returns every chip that passes admission, best first, ignoring pacing.
func (s *Selector) Eligible(ctx context.Context) ([]Candidate, error) {
	candidates, _, err := s.eligible(ctx)
	return candidates, err
}

func (s *Selector) eligible(ctx context.Context) ([]Candidate, types.CapacityConfig, error) {
	cfg := s.capacity.Get(ctx)

	chips, err := s.chips.ListCandidates(ctx, s.chipType, state.ActiveChipStatuses)
	if err != nil {
		return nil, cfg, fmt.Errorf("failed to list chips: %w", err)
	}

	candidates := make([]Candidate, 0, len(chips))
	for _, chip := range chips {
		if c, reason := s.evaluate(chip, cfg); reason == "" {
			candidates = append(candidates, c)
		}
	}
	rank(candidates)
	return candidates, cfg, nil
}

// Select returns the best eligible chip whose minimum delay has elapsed.
func (s *Selector) Select(ctx context.Context) (*Candidate, error) {
	return s.SelectExcluding(ctx, nil)
}

// SelectExcluding is Select for parallel workers: chips held in leases are skipped and the
// returned chip is leased. The caller releases it. A nil leases behaves like Select.
func (s *Selector) SelectExcluding(ctx context.Context, leases *Leases) (*Candidate, error) {
	candidates, cfg, err := s.eligible(ctx)
	if err != nil {
		return nil, err
	}

	for i := range candidates {
		c := candidates[i]
		if !s.paced(c) {
			continue
		}
		if leases == nil {
			return &c, nil
		}
		if !leases.TryLease(c.Chip.ID) {
			continue
		}
		// the listing may predate a join another worker finished on this chip
		fresh, err := s.recheck(ctx, c.Chip.ID, cfg)
		if err != nil {
			leases.Release(c.Chip.ID)
			return nil, err
		}
		if fresh == nil {
			leases.Release(c.Chip.ID)
			continue
		}
		return fresh, nil
	}

	s.logger.WithFields(logrus.Fields{
		"eligible":  len(candidates),
		"chip_type": s.chipType,
	}).Debug("no chip available")
	return nil, custom_errors.ErrChipUnavailable
}

// Representative returns the top ranked eligible chip regardless of pacing. The scheduler
// uses its phase to pick the delay and the time window of a new entry.
func (s *Selector) Representative(ctx context.Context) (*Candidate, error) {
	candidates, err := s.Eligible(ctx)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, custom_errors.ErrChipUnavailable
	}
	return &candidates[0], nil
}

// recheck reloads a chip and applies every rule again. It returns nil when the chip no longer qualifies.
func (s *Selector) recheck(ctx context.Context, chipID int64, cfg types.CapacityConfig) (*Candidate, error) {
	chip, err := s.chips.FindByID(ctx, chipID)
	if err != nil {
		return nil, err
	}
	c, reason := s.evaluate(*chip, cfg)
	if reason != "" || !s.paced(c) {
		return nil, nil
	}
	return &c, nil
}

// Admit re-checks an explicitly assigned chip against every rule, pacing included.
func (s *Selector) Admit(ctx context.Context, chipID int64) (*Candidate, error) {
	chip, err := s.chips.FindByID(ctx, chipID)
	if err != nil {
		return nil, err
	}

	c, reason := s.evaluate(*chip, s.capacity.Get(ctx))
	if reason == "" && !s.paced(c) {
		reason = "minimum delay not elapsed"
	}
	if reason != "" {
		return nil, fmt.Errorf("chip %d: %s: %w", chipID, reason, custom_errors.ErrChipUnavailable)
	}
	return &c, nil
}

// AvailableSlots sums the remaining daily and six hour slots of every eligible chip.
func (s *Selector) AvailableSlots(ctx context.Context) (Slots, error) {
	candidates, err := s.Eligible(ctx)
	if err != nil {
		return Slots{}, err
	}

	var slots Slots
	for _, c := range candidates {
		slots.Daily += c.SlotsDaily
		slots.SixHour += c.Slots6h
	}
	slots.Chips = len(candidates)
	return slots, nil
}

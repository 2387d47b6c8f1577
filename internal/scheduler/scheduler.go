package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/joinflow/joinflow/custom_errors"
	"github.com/joinflow/joinflow/internal/admission"
	"github.com/joinflow/joinflow/internal/constants"
	"github.com/joinflow/joinflow/internal/lock"
	"github.com/joinflow/joinflow/internal/state"
	"github.com/joinflow/joinflow/internal/store"
	"github.com/joinflow/joinflow/types"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// schedulable is the set of link statuses a new queue entry may be created from.
var schedulable = []state.LinkStatus{state.LinkValidated, state.LinkErrored}

// ChipSelector is the part of the admission controller the scheduler sizes and times entries with.
type ChipSelector interface {
	Representative(ctx context.Context) (*admission.Candidate, error)
	AvailableSlots(ctx context.Context) (admission.Slots, error)
}

type ConfigProvider interface {
	Get(ctx context.Context) types.CapacityConfig
}

// Jitter returns the random extra wait added on top of delay.
type Jitter func(delay time.Duration) time.Duration

// UniformJitter draws uniformly between 10% and 50% of delay.
func UniformJitter(delay time.Duration) time.Duration {
	lo := time.Duration(float64(delay) * constants.JitterMinFraction)
	hi := time.Duration(float64(delay) * constants.JitterMaxFraction)
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

type BatchResult struct {
	Scheduled     int
	AlreadyQueued int
	NoCapacity    int
	Failed        int
}

// Scheduled describes the queue entry written for a link.
type Scheduled struct {
	EntryID      int64
	LinkID       int64
	ScheduledFor time.Time
}

type Scheduler struct {
	links    store.LinkStore
	queue    store.QueueStore
	selector ChipSelector
	capacity ConfigProvider
	locks    lock.DistributedLockManager
	clock    clock.PassiveClock
	jitter   Jitter
	logger   logrus.FieldLogger
}

type Option func(*Scheduler)

func WithJitter(j Jitter) Option {
	return func(s *Scheduler) {
		s.jitter = j
	}
}

func New(
	links store.LinkStore,
	queue store.QueueStore,
	selector ChipSelector,
	capacity ConfigProvider,
	locks lock.DistributedLockManager,
	clk clock.PassiveClock,
	logger logrus.FieldLogger,
	opts ...Option,
) *Scheduler {
	s := &Scheduler{
		links:    links,
		queue:    queue,
		selector: selector,
		capacity: capacity,
		locks:    locks,
		clock:    clk,
		jitter:   UniformJitter,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule lifts a validated or errored link into a pending queue entry timed after the
// representative chip's minimum delay plus jitter, clamped into its phase window.
func (s *Scheduler) Schedule(ctx context.Context, link types.Link) (*Scheduled, error) {
	rep, err := s.selector.Representative(ctx)
	if err != nil {
		return nil, err
	}
	return s.schedule(ctx, link, rep, s.capacity.Get(ctx).Location(), 0)
}

// schedule writes the entry for link. offset pushes the entry later so links of one batch
// do not all become due at the same instant.
func (s *Scheduler) schedule(ctx context.Context, link types.Link, rep *admission.Candidate, loc *time.Location, offset time.Duration) (*Scheduled, error) {
	if !slices.Contains(schedulable, link.Status) {
		return nil, fmt.Errorf("link %d is %s: %w", link.ID, link.Status, custom_errors.ErrLinkNotSchedulable)
	}

	queued, err := s.queue.HasActiveEntry(ctx, link.ID)
	if err != nil {
		// an unknown queue state must not produce a second active entry
		return nil, fmt.Errorf("failed to check active entry for link %d (%s): %w", link.ID, constants.ActiveEntryCheckPolicy, err)
	}
	if queued {
		return nil, fmt.Errorf("link %d: %w", link.ID, custom_errors.ErrAlreadyQueued)
	}

	delay := rep.Limits.MinimumDelay
	earliest := s.clock.Now().Add(offset + delay + s.jitter(delay))
	scheduledFor := rep.Limits.Window.NextOpen(earliest, loc)
	if scheduledFor.IsZero() {
		return nil, fmt.Errorf("phase %s has no allowed day: %w", rep.Chip.Phase, custom_errors.ErrWindowViolation)
	}

	entryID, err := s.queue.Insert(ctx, types.NewQueueEntry{
		LinkID:       link.ID,
		Priority:     link.Priority,
		ScheduledFor: scheduledFor,
	})
	if err != nil {
		return nil, err
	}

	ok, err := s.links.Transition(ctx, link.ID, schedulable, state.LinkScheduled)
	if err == nil && !ok {
		err = fmt.Errorf("link %d changed status: %w", link.ID, custom_errors.ErrLinkNotSchedulable)
	}
	if err != nil {
		if _, cancelErr := s.queue.Cancel(ctx, entryID, s.clock.Now()); cancelErr != nil {
			s.logger.WithError(cancelErr).WithField("entry_id", entryID).Error("failed to cancel orphan entry")
		}
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"link_id":       link.ID,
		"entry_id":      entryID,
		"scheduled_for": scheduledFor,
	}).Debug("link scheduled")

	return &Scheduled{EntryID: entryID, LinkID: link.ID, ScheduledFor: scheduledFor}, nil
}

// ScheduleBatch schedules up to n of the oldest validated links, capped by the six hour
// capacity left once active entries are accounted for. Fetched links past that cap are
// reported as NoCapacity.
func (s *Scheduler) ScheduleBatch(ctx context.Context, n int) (BatchResult, error) {
	var result BatchResult

	acquired, err := s.locks.TryAcquire(ctx, constants.ScheduleBatchLock)
	if err != nil {
		return result, fmt.Errorf("failed to acquire schedule lock: %w", err)
	}
	if !acquired {
		s.logger.Debug("schedule batch already running on another instance")
		return result, nil
	}
	defer func() {
		if err := s.locks.Release(ctx, constants.ScheduleBatchLock); err != nil {
			s.logger.WithError(err).Warn("failed to release schedule lock")
		}
	}()

	capacity, slots, err := s.capacityLeft(ctx)
	if err != nil {
		return result, err
	}

	links, err := s.links.FetchValidated(ctx, n)
	if err != nil {
		return result, fmt.Errorf("failed to fetch validated links: %w", err)
	}
	// links beyond the capacity left wait for the next run
	if capacity = max(capacity, 0); len(links) > capacity {
		result.NoCapacity = len(links) - capacity
		links = links[:capacity]
	}
	if len(links) == 0 {
		return result, nil
	}

	rep, err := s.selector.Representative(ctx)
	if errors.Is(err, custom_errors.ErrChipUnavailable) {
		result.NoCapacity += len(links)
		return result, nil
	}
	if err != nil {
		return result, err
	}

	loc := s.capacity.Get(ctx).Location()
	stagger := rep.Limits.MinimumDelay / time.Duration(max(slots.Chips, 1))

	for i, link := range links {
		_, err := s.schedule(ctx, link, rep, loc, time.Duration(i)*stagger)
		switch {
		case err == nil:
			result.Scheduled++
		case errors.Is(err, custom_errors.ErrAlreadyQueued):
			result.AlreadyQueued++
		default:
			result.Failed++
			s.logger.WithError(err).WithField("link_id", link.ID).Warn("failed to schedule link")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"scheduled":      result.Scheduled,
		"already_queued": result.AlreadyQueued,
		"no_capacity":    result.NoCapacity,
		"failed":         result.Failed,
		"capacity":       capacity,
	}).Info("schedule batch finished")

	return result, nil
}

func (s *Scheduler) capacityLeft(ctx context.Context) (int, admission.Slots, error) {
	slots, err := s.selector.AvailableSlots(ctx)
	if err != nil {
		return 0, slots, fmt.Errorf("failed to compute available slots: %w", err)
	}
	active, err := s.queue.CountActive(ctx)
	if err != nil {
		return 0, slots, fmt.Errorf("failed to count active entries: %w", err)
	}
	return slots.SixHour - active, slots, nil
}

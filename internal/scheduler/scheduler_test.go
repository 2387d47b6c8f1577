package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/joinflow/joinflow/custom_errors"
	"github.com/joinflow/joinflow/internal/admission"
	"github.com/joinflow/joinflow/internal/constants"
	"github.com/joinflow/joinflow/internal/lock"
	"github.com/joinflow/joinflow/internal/state"
	"github.com/joinflow/joinflow/internal/store/memory"
	"github.com/joinflow/joinflow/types"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

var now = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

type staticConfig types.CapacityConfig

func (c staticConfig) Get(ctx context.Context) types.CapacityConfig {
	return types.CapacityConfig(c)
}

func testConfig() staticConfig {
	window := types.TimeWindow{Start: 8 * time.Hour, End: 20 * time.Hour}
	return staticConfig{
		TrustMinimum:           70,
		MaxConsecutiveFailures: 3,
		Timezone:               "UTC",
		Phases: map[state.ChipPhase]types.PhaseLimits{
			state.PhaseExpansion:    {DailyLimit: 2, SixHourLimit: 2, MinimumDelay: 10 * time.Minute, Window: window},
			state.PhasePreOperation: {DailyLimit: 5, SixHourLimit: 3, MinimumDelay: 5 * time.Minute, Window: window},
			state.PhaseOperation:    {DailyLimit: 10, SixHourLimit: 5, MinimumDelay: 3 * time.Minute, Window: window},
		},
	}
}

func expansionChip(id int64) types.Chip {
	return types.Chip{
		ID:         id,
		Type:       "whatsapp",
		Status:     state.ChipActive,
		Phase:      state.PhaseExpansion,
		TrustScore: 80,
	}
}

// minJitter always picks the lower jitter bound, 10% of the delay.
func minJitter(delay time.Duration) time.Duration {
	return delay / 10
}

type fixture struct {
	clock  *clocktesting.FakePassiveClock
	links  *memory.LinkStore
	queue  *memory.QueueStore
	chips  *memory.ChipStore
	locks  *lock.LocalLockManager
	sched  *Scheduler
	config staticConfig
}

func newFixture(t *testing.T, chips ...types.Chip) *fixture {
	t.Helper()
	f := &fixture{
		clock:  clocktesting.NewFakePassiveClock(now),
		chips:  memory.NewChipStore(chips...),
		locks:  lock.NewLocalLockManager(),
		config: testConfig(),
	}
	f.links = memory.NewLinkStore(f.clock)
	f.queue = memory.NewQueueStore(f.clock)
	f.build(t)
	return f
}

func (f *fixture) build(t *testing.T) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	selector := admission.NewSelector(f.chips, f.config, f.clock, "whatsapp", logger)
	f.sched = New(f.links, f.queue, selector, f.config, f.locks, f.clock, logger, WithJitter(minJitter))
}

func (f *fixture) validatedLink(invite string, createdAt time.Time) types.Link {
	id := f.links.Put(types.Link{InviteCode: invite, Status: state.LinkValidated, MaxAttempts: 3, CreatedAt: createdAt})
	link, _ := f.links.FindByID(context.Background(), id)
	return *link
}

func TestUniformJitter_Bounds(t *testing.T) {
	delay := 10 * time.Minute
	for i := 0; i < 500; i++ {
		j := UniformJitter(delay)
		assert.GreaterOrEqual(t, j, time.Minute)
		assert.LessOrEqual(t, j, 5*time.Minute)
	}
	assert.Equal(t, time.Duration(0), UniformJitter(0))
}

// Scenario A: an expansion chip with a ten minute delay puts the entry ten minutes plus
// jitter ahead, inside the window.
func TestSchedule_ScenarioA(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, expansionChip(1))
	link := f.validatedLink("AbCdEf", now)

	got, err := f.sched.Schedule(ctx, link)
	require.NoError(t, err)
	assert.True(t, got.ScheduledFor.Equal(now.Add(11*time.Minute)), "got %s", got.ScheduledFor)

	entry, err := f.queue.FindByID(ctx, got.EntryID)
	require.NoError(t, err)
	assert.Equal(t, state.EntryPending, entry.Status)
	assert.Nil(t, entry.ChipID)

	stored, _ := f.links.FindByID(ctx, link.ID)
	assert.Equal(t, state.LinkScheduled, stored.Status)
}

func TestSchedule_DefaultJitterStaysInRange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, expansionChip(1))
	logger, _ := test.NewNullLogger()
	selector := admission.NewSelector(f.chips, f.config, f.clock, "whatsapp", logger)
	s := New(f.links, f.queue, selector, f.config, f.locks, f.clock, logger)

	got, err := s.Schedule(ctx, f.validatedLink("AbCdEf", now))
	require.NoError(t, err)
	assert.False(t, got.ScheduledFor.Before(now.Add(11*time.Minute)))
	assert.False(t, got.ScheduledFor.After(now.Add(15*time.Minute)))
}

func TestSchedule_ClampsIntoWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, expansionChip(1))
	f.clock.SetTime(time.Date(2026, 10, 19, 19, 55, 0, 0, time.UTC))

	got, err := f.sched.Schedule(ctx, f.validatedLink("late", now))
	require.NoError(t, err)
	assert.True(t, got.ScheduledFor.Equal(time.Date(2026, 10, 20, 8, 0, 0, 0, time.UTC)), "got %s", got.ScheduledFor)
}

func TestSchedule_ClampsInCapacityTimezone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, expansionChip(1))
	f.config.Timezone = "America/Sao_Paulo"
	f.build(t)
	// 10:00 UTC is 07:00 in Sao Paulo; the window opens at 08:00 local, 11:00 UTC.
	got, err := f.sched.Schedule(ctx, f.validatedLink("tz", now))
	require.NoError(t, err)
	assert.True(t, got.ScheduledFor.Equal(time.Date(2026, 10, 19, 11, 0, 0, 0, time.UTC)), "got %s", got.ScheduledFor)
}

func TestSchedule_Preconditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, expansionChip(1))

	for _, status := range []state.LinkStatus{state.LinkPending, state.LinkScheduled, state.LinkSucceeded, state.LinkAbandoned} {
		id := f.links.Put(types.Link{InviteCode: string(status), Status: status})
		link, _ := f.links.FindByID(ctx, id)
		_, err := f.sched.Schedule(ctx, *link)
		assert.ErrorIs(t, err, custom_errors.ErrLinkNotSchedulable, "status %s", status)
	}

	link := f.validatedLink("once", now)
	_, err := f.queue.Insert(ctx, types.NewQueueEntry{LinkID: link.ID, ScheduledFor: now})
	require.NoError(t, err)
	_, err = f.sched.Schedule(ctx, link)
	assert.ErrorIs(t, err, custom_errors.ErrAlreadyQueued)
}

func TestSchedule_ErroredLinkIsSchedulable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, expansionChip(1))
	id := f.links.Put(types.Link{InviteCode: "retry", Status: state.LinkErrored, Attempts: 1, MaxAttempts: 3})
	link, _ := f.links.FindByID(ctx, id)

	_, err := f.sched.Schedule(ctx, *link)
	require.NoError(t, err)
	stored, _ := f.links.FindByID(ctx, id)
	assert.Equal(t, state.LinkScheduled, stored.Status)
}

type brokenQueue struct {
	*memory.QueueStore
}

func (q brokenQueue) HasActiveEntry(ctx context.Context, linkID int64) (bool, error) {
	return false, errors.New("connection reset")
}

func TestSchedule_ActiveEntryCheckFailsClosed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, expansionChip(1))
	logger, _ := test.NewNullLogger()
	selector := admission.NewSelector(f.chips, f.config, f.clock, "whatsapp", logger)
	s := New(f.links, brokenQueue{f.queue}, selector, f.config, f.locks, f.clock, logger, WithJitter(minJitter))

	link := f.validatedLink("unknown", now)
	_, err := s.Schedule(ctx, link)
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(constants.FailClosed))

	assert.Empty(t, f.queue.All())
	stored, _ := f.links.FindByID(ctx, link.ID)
	assert.Equal(t, state.LinkValidated, stored.Status)
}

func TestSchedule_NoEligibleChip(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.Schedule(context.Background(), f.validatedLink("x", now))
	assert.ErrorIs(t, err, custom_errors.ErrChipUnavailable)
}

func TestScheduleBatch_CapsByCapacityAndStaggers(t *testing.T) {
	ctx := context.Background()
	// two expansion chips: four six hour slots in total
	f := newFixture(t, expansionChip(1), expansionChip(2))
	for i, code := range []string{"a", "b", "c", "d", "e", "f"} {
		f.validatedLink(code, now.Add(time.Duration(i)*time.Second))
	}
	// one already active entry consumes a slot
	busy := f.links.Put(types.Link{InviteCode: "busy", Status: state.LinkScheduled})
	_, err := f.queue.Insert(ctx, types.NewQueueEntry{LinkID: busy, ScheduledFor: now})
	require.NoError(t, err)

	result, err := f.sched.ScheduleBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Scheduled: 3, NoCapacity: 3}, result)

	var times []int64
	for _, e := range f.queue.All() {
		if e.LinkID != busy {
			times = append(times, e.ScheduledFor.Unix())
		}
	}
	require.Len(t, times, 3)

	// FIFO: the three oldest links, each five minutes (delay / two chips) after the previous
	for i, code := range []string{"a", "b", "c"} {
		page, _ := f.links.ListByStatus(ctx, state.LinkScheduled, 1, 10)
		var found bool
		for _, l := range page.Items {
			found = found || l.InviteCode == code
		}
		assert.True(t, found, "link %s scheduled", code)
		assert.Contains(t, times, now.Add(11*time.Minute+time.Duration(i)*5*time.Minute).Unix())
	}
}

func TestScheduleBatch_NoCapacity(t *testing.T) {
	ctx := context.Background()
	full := expansionChip(1)
	full.JoinsLast6h = 2
	full.JoinsToday = 2
	f := newFixture(t, full)
	for _, code := range []string{"a", "b", "c"} {
		f.validatedLink(code, now)
	}

	result, err := f.sched.ScheduleBatch(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{NoCapacity: 2}, result)
	assert.Empty(t, f.queue.All())
}

func TestScheduleBatch_CountsLinksPastTheCap(t *testing.T) {
	ctx := context.Background()
	// one expansion chip: two six hour slots
	f := newFixture(t, expansionChip(1))
	for i, code := range []string{"a", "b", "c", "d", "e"} {
		f.validatedLink(code, now.Add(time.Duration(i)*time.Second))
	}

	result, err := f.sched.ScheduleBatch(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Scheduled: 2, NoCapacity: 2}, result)

	page, _ := f.links.ListByStatus(ctx, state.LinkValidated, 1, 10)
	assert.Equal(t, 3, page.TotalItems, "links past the cap stay validated")
}

func TestScheduleBatch_SkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, expansionChip(1))
	f.validatedLink("a", now)

	ok, err := f.locks.TryAcquire(ctx, constants.ScheduleBatchLock)
	require.NoError(t, err)
	require.True(t, ok)

	result, err := f.sched.ScheduleBatch(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{}, result)
	assert.Empty(t, f.queue.All())
}

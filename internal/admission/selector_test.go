package admission

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/joinflow/joinflow/custom_errors"
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

func chip(id int64, mutate ...func(c *types.Chip)) types.Chip {
	c := types.Chip{
		ID:         id,
		Identity:   "chip",
		Type:       "whatsapp",
		Status:     state.ChipActive,
		Phase:      state.PhaseExpansion,
		TrustScore: 80,
	}
	for _, m := range mutate {
		m(&c)
	}
	return c
}

func newSelector(chips ...types.Chip) *Selector {
	logger, _ := test.NewNullLogger()
	return NewSelector(memory.NewChipStore(chips...), testConfig(), clocktesting.NewFakePassiveClock(now), "whatsapp", logger)
}

func ago(d time.Duration) *time.Time {
	t := now.Add(-d)
	return &t
}

func TestSelector_Filters(t *testing.T) {
	tests := []struct {
		name string
		chip types.Chip
	}{
		{name: "wrong type", chip: chip(1, func(c *types.Chip) { c.Type = "telegram" })},
		{name: "disconnected", chip: chip(1, func(c *types.Chip) { c.Status = state.ChipDisconnected })},
		{name: "banned", chip: chip(1, func(c *types.Chip) { c.Status = state.ChipBanned })},
		{name: "breaker open", chip: chip(1, func(c *types.Chip) { c.CircuitBreakerOpen = true })},
		{name: "low trust", chip: chip(1, func(c *types.Chip) { c.TrustScore = 69 })},
		{name: "setup phase", chip: chip(1, func(c *types.Chip) { c.Phase = state.PhaseSetup })},
		{name: "first contacts phase", chip: chip(1, func(c *types.Chip) { c.Phase = state.PhaseFirstContacts })},
		{name: "daily limit reached", chip: chip(1, func(c *types.Chip) { c.JoinsToday = 2 })},
		{name: "six hour limit reached", chip: chip(1, func(c *types.Chip) { c.Phase = state.PhasePreOperation; c.JoinsToday = 3; c.JoinsLast6h = 3 })},
		{name: "minimum delay not elapsed", chip: chip(1, func(c *types.Chip) { c.LastJoinAt = ago(9 * time.Minute) })},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newSelector(tt.chip).Select(context.Background())
			assert.ErrorIs(t, err, custom_errors.ErrChipUnavailable)
		})
	}
}

func TestSelector_AcceptsBoundaries(t *testing.T) {
	c := chip(1, func(c *types.Chip) {
		c.TrustScore = 70
		c.JoinsToday = 1
		c.JoinsLast6h = 1
		c.LastJoinAt = ago(10 * time.Minute)
		c.Status = state.ChipConnected
	})

	got, err := newSelector(c).Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Chip.ID)
	assert.Equal(t, 1, got.SlotsDaily)
	assert.Equal(t, 1, got.Slots6h)
}

func TestSelector_Ranking(t *testing.T) {
	chips := []types.Chip{
		chip(1, func(c *types.Chip) { c.TrustScore = 80; c.JoinsTotal = 5 }),
		chip(2, func(c *types.Chip) { c.TrustScore = 95; c.JoinsTotal = 50 }),
		chip(3, func(c *types.Chip) { c.TrustScore = 80; c.JoinsTotal = 1; c.ConsecutiveFailures = 2 }),
		chip(4, func(c *types.Chip) { c.TrustScore = 80; c.JoinsTotal = 1; c.ConsecutiveFailures = 0 }),
		chip(5, func(c *types.Chip) { c.TrustScore = 80; c.JoinsTotal = 1; c.ConsecutiveFailures = 0 }),
	}

	candidates, err := newSelector(chips...).Eligible(context.Background())
	require.NoError(t, err)

	ids := make([]int64, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.Chip.ID)
	}
	assert.Equal(t, []int64{2, 4, 5, 3, 1}, ids)
}

func TestSelector_ScansPastUnpacedTopChip(t *testing.T) {
	top := chip(1, func(c *types.Chip) { c.TrustScore = 99; c.LastJoinAt = ago(time.Minute) })
	next := chip(2, func(c *types.Chip) { c.TrustScore = 75; c.LastJoinAt = ago(time.Hour) })

	s := newSelector(top, next)

	got, err := s.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Chip.ID)

	rep, err := s.Representative(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.Chip.ID, "representative ignores pacing")
}

func TestSelector_SelectExcludingLeases(t *testing.T) {
	s := newSelector(chip(1, func(c *types.Chip) { c.TrustScore = 90 }), chip(2))
	leases := NewLeases()
	ctx := context.Background()

	first, err := s.SelectExcluding(ctx, leases)
	require.NoError(t, err)
	second, err := s.SelectExcluding(ctx, leases)
	require.NoError(t, err)
	_, err = s.SelectExcluding(ctx, leases)

	assert.Equal(t, int64(1), first.Chip.ID)
	assert.Equal(t, int64(2), second.Chip.ID)
	assert.ErrorIs(t, err, custom_errors.ErrChipUnavailable)

	leases.Release(1)
	again, err := s.SelectExcluding(ctx, leases)
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Chip.ID)
	assert.False(t, leases.TryLease(1))
	assert.False(t, leases.TryLease(2))
}

func TestSelector_Admit(t *testing.T) {
	s := newSelector(
		chip(1),
		chip(2, func(c *types.Chip) { c.CircuitBreakerOpen = true }),
		chip(3, func(c *types.Chip) { c.LastJoinAt = ago(time.Minute) }),
	)
	ctx := context.Background()

	got, err := s.Admit(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, got.Limits.MinimumDelay)

	_, err = s.Admit(ctx, 2)
	assert.ErrorIs(t, err, custom_errors.ErrChipUnavailable)
	assert.ErrorContains(t, err, "circuit breaker open")

	_, err = s.Admit(ctx, 3)
	assert.ErrorContains(t, err, "minimum delay not elapsed")

	_, err = s.Admit(ctx, 404)
	assert.ErrorIs(t, err, custom_errors.ErrNotFound)
}

func TestSelector_AvailableSlots(t *testing.T) {
	s := newSelector(
		chip(1, func(c *types.Chip) { c.JoinsToday = 1; c.JoinsLast6h = 1 }),
		chip(2, func(c *types.Chip) { c.Phase = state.PhaseOperation; c.JoinsToday = 4; c.JoinsLast6h = 1 }),
		chip(3, func(c *types.Chip) { c.TrustScore = 10 }),
	)

	slots, err := s.AvailableSlots(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Slots{Daily: 1 + 6, SixHour: 1 + 4, Chips: 2}, slots)
}

// Whatever the pool looks like, a selected chip is within its limits, trusted, closed and paced.
func TestSelector_NeverReturnsIneligibleChip(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	cfg := types.CapacityConfig(testConfig())
	statuses := []state.ChipStatus{state.ChipActive, state.ChipConnected, state.ChipDisconnected, state.ChipBanned}

	for round := 0; round < 200; round++ {
		chips := make([]types.Chip, 0, 8)
		for i := int64(1); i <= 8; i++ {
			c := types.Chip{
				ID:                  i,
				Type:                "whatsapp",
				Status:              statuses[r.IntN(len(statuses))],
				Phase:               state.AllPhases[r.IntN(len(state.AllPhases))],
				TrustScore:          r.IntN(101),
				JoinsToday:          r.IntN(12),
				JoinsLast6h:         r.IntN(7),
				JoinsTotal:          r.IntN(100),
				ConsecutiveFailures: r.IntN(4),
				CircuitBreakerOpen:  r.IntN(4) == 0,
			}
			if r.IntN(2) == 0 {
				c.LastJoinAt = ago(time.Duration(r.IntN(20)) * time.Minute)
			}
			chips = append(chips, c)
		}

		got, err := newSelector(chips...).Select(context.Background())
		if err != nil {
			require.ErrorIs(t, err, custom_errors.ErrChipUnavailable)
			continue
		}

		limits, ok := cfg.Limits(got.Chip.Phase)
		require.True(t, ok)
		assert.False(t, got.Chip.CircuitBreakerOpen)
		assert.GreaterOrEqual(t, got.Chip.TrustScore, cfg.TrustMinimum)
		assert.Less(t, got.Chip.JoinsToday, limits.DailyLimit)
		assert.Less(t, got.Chip.JoinsLast6h, limits.SixHourLimit)
		assert.True(t, got.Chip.Phase.CanJoin())
		if got.Chip.LastJoinAt != nil {
			assert.GreaterOrEqual(t, now.Sub(*got.Chip.LastJoinAt), limits.MinimumDelay)
		}
	}
}

package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/joinflow/joinflow/custom_errors"
	"github.com/joinflow/joinflow/internal/state"
	"github.com/joinflow/joinflow/internal/store/memory"
	"github.com/joinflow/joinflow/types"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

var now = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

type threshold int

func (t threshold) Get(ctx context.Context) types.CapacityConfig {
	return types.CapacityConfig{MaxConsecutiveFailures: int(t)}
}

func setup(t *testing.T, chip types.Chip) (*Breaker, *memory.ChipStore, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	chips := memory.NewChipStore(chip)
	return New(chips, threshold(3), clocktesting.NewFakePassiveClock(now), logger), chips, hook
}

func TestBreaker_OpensExactlyAtThreshold(t *testing.T) {
	ctx := context.Background()
	b, chips, hook := setup(t, types.Chip{ID: 1, Status: state.ChipActive})

	for i := 1; i <= 2; i++ {
		opened, err := b.RecordFailure(ctx, 1, "timeout")
		require.NoError(t, err)
		assert.False(t, opened, "failure %d", i)
	}

	opened, err := b.RecordFailure(ctx, 1, "invite rejected")
	require.NoError(t, err)
	assert.True(t, opened)

	chip, err := chips.FindByID(ctx, 1)
	require.NoError(t, err)
	assert.True(t, chip.CircuitBreakerOpen)
	assert.Equal(t, 3, chip.ConsecutiveFailures)
	require.NotNil(t, chip.CircuitBreakerReason)
	assert.Equal(t, "invite rejected", *chip.CircuitBreakerReason)
	require.NotNil(t, chip.CircuitBreakerOpenedAt)
	assert.True(t, now.Equal(*chip.CircuitBreakerOpenedAt))

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, int64(1), hook.LastEntry().Data["chip_id"])
}

func TestBreaker_AlreadyOpenKeepsFirstReason(t *testing.T) {
	ctx := context.Background()
	reason := "first"
	b, chips, _ := setup(t, types.Chip{ID: 1, ConsecutiveFailures: 5, CircuitBreakerOpen: true, CircuitBreakerReason: &reason})

	opened, err := b.RecordFailure(ctx, 1, "second")
	require.NoError(t, err)
	assert.False(t, opened)

	chip, _ := chips.FindByID(ctx, 1)
	assert.Equal(t, "first", *chip.CircuitBreakerReason)
	assert.Equal(t, 6, chip.ConsecutiveFailures)
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	ctx := context.Background()
	b, chips, _ := setup(t, types.Chip{ID: 1, ConsecutiveFailures: 2, JoinsToday: 1, JoinsTotal: 7})

	chip, err := b.RecordSuccess(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, chip.ConsecutiveFailures)
	assert.Equal(t, 2, chip.JoinsToday)
	assert.Equal(t, 1, chip.JoinsLast6h)
	assert.Equal(t, 8, chip.JoinsTotal)
	require.NotNil(t, chip.LastJoinAt)
	assert.True(t, now.Equal(*chip.LastJoinAt))

	// two more failures after a success stay below the threshold
	for i := 0; i < 2; i++ {
		opened, err := b.RecordFailure(ctx, 1, "timeout")
		require.NoError(t, err)
		assert.False(t, opened)
	}
	stored, _ := chips.FindByID(ctx, 1)
	assert.False(t, stored.CircuitBreakerOpen)
}

func TestBreaker_Reset(t *testing.T) {
	ctx := context.Background()
	reason := "timeout"
	b, chips, _ := setup(t, types.Chip{ID: 1, ConsecutiveFailures: 3, CircuitBreakerOpen: true, CircuitBreakerReason: &reason, CircuitBreakerOpenedAt: &now})

	require.NoError(t, b.Reset(ctx, 1))

	chip, _ := chips.FindByID(ctx, 1)
	assert.False(t, chip.CircuitBreakerOpen)
	assert.Equal(t, 0, chip.ConsecutiveFailures)
	assert.Nil(t, chip.CircuitBreakerReason)
	assert.Nil(t, chip.CircuitBreakerOpenedAt)
}

func TestBreaker_UnknownChip(t *testing.T) {
	ctx := context.Background()
	b, _, _ := setup(t, types.Chip{ID: 1})

	_, err := b.RecordFailure(ctx, 99, "timeout")
	assert.True(t, errors.Is(err, custom_errors.ErrNotFound))
	assert.ErrorIs(t, b.Reset(ctx, 99), custom_errors.ErrNotFound)
}

package behavior

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

func TestRandomDelay_Bounds(t *testing.T) {
	r := NewRandomDelay(2*time.Second, 8*time.Second, clocktesting.NewFakeClock(time.Now()))
	for i := 0; i < 500; i++ {
		d := r.Delay()
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 8*time.Second)
	}

	fixed := NewRandomDelay(time.Second, time.Second, clocktesting.NewFakeClock(time.Now()))
	assert.Equal(t, time.Second, fixed.Delay())
}

func TestRandomDelay_WaitsOnClock(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	r := NewRandomDelay(3*time.Second, 3*time.Second, clk)

	done := make(chan error, 1)
	go func() { done <- r.PreActionDelay(context.Background()) }()

	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("returned before the delay elapsed")
	default:
	}

	clk.Step(3 * time.Second)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("delay did not finish")
	}
}

func TestRandomDelay_Cancelled(t *testing.T) {
	r := NewRandomDelay(time.Hour, time.Hour, clocktesting.NewFakeClock(time.Now()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, r.PreActionDelay(ctx), context.Canceled)
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.PreActionDelay(context.Background()))
}

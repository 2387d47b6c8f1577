// Package behavior waits a human-looking pause before a chip acts.
package behavior

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"k8s.io/utils/clock"
)

type Simulator interface {
	PreActionDelay(ctx context.Context) error
}

// RandomDelay pauses a uniformly random duration in [min, max].
type RandomDelay struct {
	min   time.Duration
	max   time.Duration
	clock clock.Clock
	draw  func(n time.Duration) time.Duration
}

func NewRandomDelay(minDelay, maxDelay time.Duration, clk clock.Clock) *RandomDelay {
	return &RandomDelay{
		min:   minDelay,
		max:   maxDelay,
		clock: clk,
		draw:  rand.N[time.Duration],
	}
}

// Delay picks the next pause.
func (r *RandomDelay) Delay() time.Duration {
	if r.max <= r.min {
		return r.min
	}
	return r.min + r.draw(r.max-r.min+1)
}

func (r *RandomDelay) PreActionDelay(ctx context.Context) error {
	d := r.Delay()
	if d <= 0 {
		return nil
	}

	timer := r.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("pre-action delay interrupted: %w", ctx.Err())
	case <-timer.C():
		return nil
	}
}

// Nop never waits.
type Nop struct{}

func (Nop) PreActionDelay(ctx context.Context) error {
	return nil
}

// Package breaker keeps the per-chip circuit breaker. Its state lives on the chip row;
// the breaker only decides when to open it. There is no half-open probing: an open
// breaker stays open until Reset.
package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/joinflow/joinflow/types"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// ChipCounters is the write side of the chip store the breaker needs.
type ChipCounters interface {
	IncrementCounters(ctx context.Context, id int64, delta types.CounterDelta) (*types.Chip, error)
	SetCircuitBreaker(ctx context.Context, id int64, open bool, reason string, at time.Time) error
}

type ConfigProvider interface {
	Get(ctx context.Context) types.CapacityConfig
}

type Breaker struct {
	chips    ChipCounters
	capacity ConfigProvider
	clock    clock.PassiveClock
	logger   logrus.FieldLogger
}

func New(chips ChipCounters, capacity ConfigProvider, clk clock.PassiveClock, logger logrus.FieldLogger) *Breaker {
	return &Breaker{
		chips:    chips,
		capacity: capacity,
		clock:    clk,
		logger:   logger,
	}
}

// RecordSuccess counts a completed join and resets the failure streak in one update.
func (b *Breaker) RecordSuccess(ctx context.Context, chipID int64) (*types.Chip, error) {
	chip, err := b.chips.IncrementCounters(ctx, chipID, types.JoinDelta(b.clock.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to record success for chip %d: %w", chipID, err)
	}
	return chip, nil
}

// RecordFailure adds one consecutive failure and opens the breaker once the streak
// reaches the configured threshold. It reports whether this call opened it.
func (b *Breaker) RecordFailure(ctx context.Context, chipID int64, reason string) (bool, error) {
	chip, err := b.chips.IncrementCounters(ctx, chipID, types.FailureDelta())
	if err != nil {
		return false, fmt.Errorf("failed to record failure for chip %d: %w", chipID, err)
	}

	threshold := b.capacity.Get(ctx).MaxConsecutiveFailures
	if chip.CircuitBreakerOpen || chip.ConsecutiveFailures < threshold {
		return false, nil
	}

	if err := b.chips.SetCircuitBreaker(ctx, chipID, true, reason, b.clock.Now()); err != nil {
		return false, fmt.Errorf("failed to open circuit breaker for chip %d: %w", chipID, err)
	}

	b.logger.WithFields(logrus.Fields{
		"chip_id":  chipID,
		"failures": chip.ConsecutiveFailures,
		"reason":   reason,
	}).Warn("circuit breaker opened")
	return true, nil
}

// Reset closes the breaker and clears the failure streak and reason.
func (b *Breaker) Reset(ctx context.Context, chipID int64) error {
	if err := b.chips.SetCircuitBreaker(ctx, chipID, false, "", b.clock.Now()); err != nil {
		return fmt.Errorf("failed to reset circuit breaker for chip %d: %w", chipID, err)
	}
	b.logger.WithField("chip_id", chipID).Info("circuit breaker reset")
	return nil
}

package store

import (
	"context"
	"time"

	"github.com/joinflow/joinflow/internal/state"
	"github.com/joinflow/joinflow/types"
)

// ChipStore defines the interface for chip records and their usage counters.
type ChipStore interface {
	// ListCandidates returns chips of chipType in one of statuses whose circuit breaker is closed.
	ListCandidates(ctx context.Context, chipType string, statuses []state.ChipStatus) ([]types.Chip, error)

	FindByID(ctx context.Context, id int64) (*types.Chip, error)

	// IncrementCounters applies delta in a single atomic update and returns the updated chip.
	IncrementCounters(ctx context.Context, id int64, delta types.CounterDelta) (*types.Chip, error)

	// SetCircuitBreaker opens or closes the breaker. Closing also clears consecutive failures and the reason.
	SetCircuitBreaker(ctx context.Context, id int64, open bool, reason string, at time.Time) error

	ResetDailyCounters(ctx context.Context) (int64, error)

	ResetSixHourCounters(ctx context.Context) (int64, error)
}

// CapacityStore loads the typed capacity configuration.
type CapacityStore interface {
	LoadCapacityConfig(ctx context.Context) (*types.CapacityConfig, error)
}

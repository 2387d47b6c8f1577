package types

import (
	"time"

	"github.com/joinflow/joinflow/internal/state"
)

// Chip is a phone-number identity acting on the messaging network.
type Chip struct {
	ID                     int64
	Identity               string // gateway instance name
	Type                   string
	Status                 state.ChipStatus
	Phase                  state.ChipPhase
	TrustScore             int
	JoinsToday             int
	JoinsLast6h            int
	JoinsTotal             int
	ConsecutiveFailures    int
	CircuitBreakerOpen     bool
	CircuitBreakerReason   *string
	CircuitBreakerOpenedAt *time.Time
	LastJoinAt             *time.Time
}

// CounterDelta describes one atomic update of a chip's usage counters.
type CounterDelta struct {
	JoinsToday          int
	JoinsLast6h         int
	JoinsTotal          int
	ConsecutiveFailures int
	ResetFailures       bool       // set consecutive_failures to 0 instead of adding ConsecutiveFailures
	LastJoinAt          *time.Time // nil leaves last_join_at untouched
}

// JoinDelta is the counter update for a join the chip just performed.
func JoinDelta(at time.Time) CounterDelta {
	return CounterDelta{JoinsToday: 1, JoinsLast6h: 1, JoinsTotal: 1, ResetFailures: true, LastJoinAt: &at}
}

// ConfirmedJoinDelta counts a join confirmed after approval without touching pacing fields.
func ConfirmedJoinDelta() CounterDelta {
	return CounterDelta{JoinsToday: 1, JoinsLast6h: 1, JoinsTotal: 1}
}

func FailureDelta() CounterDelta {
	return CounterDelta{ConsecutiveFailures: 1}
}

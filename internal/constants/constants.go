package constants

import "time"

// Advisory lock ids. Every periodic task holds its own lock so only one instance runs it at a time.
const (
	MigrationLock = iota + 7100
	ScheduleBatchLock
	ProcessBatchLock
	ApprovalPollLock
	DailyResetLock
	SixHourResetLock
)

var Locks = []int{
	MigrationLock,
	ScheduleBatchLock,
	ProcessBatchLock,
	ApprovalPollLock,
	DailyResetLock,
	SixHourResetLock,
}

const (
	DefaultMaxAttempts = 3

	// BackoffBase is the first step of the geometric retry delay (ratio 2).
	BackoffBase = 5 * time.Minute
	// MaxBackoffExponent keeps the retry delay finite for corrupted attempt counts.
	MaxBackoffExponent = 16

	// JitterMinFraction and JitterMaxFraction bound the scheduling jitter as a share of the delay.
	JitterMinFraction = 0.10
	JitterMaxFraction = 0.50

	NoChipAvailableReason = "no chip available"
	WindowViolationReason = "outside allowed time window"
	// GatewayFailureReason stands in for a failure reply that carries no reason.
	GatewayFailureReason = "gateway reported failure"

	// SettleTimeout bounds the store writes that record the outcome of a gateway call.
	SettleTimeout = 30 * time.Second
)

// FallbackPolicy says what a component does when a check it depends on cannot be performed.
type FallbackPolicy string

const (
	// FailClosed refuses the action and takes the most conservative path.
	FailClosed FallbackPolicy = "fail_closed"
	// FailOpen lets the action proceed as if the check had passed.
	FailOpen FallbackPolicy = "fail_open"
)

const (
	// ConfigUnavailablePolicy: an unreadable or invalid capacity config yields the built-in conservative limits.
	ConfigUnavailablePolicy = FailClosed
	// ActiveEntryCheckPolicy: if the scheduler cannot tell whether a link is already queued, it does not schedule it.
	ActiveEntryCheckPolicy = FailClosed
	// PreActionDelayPolicy: a failing behavior simulator never blocks a join.
	PreActionDelayPolicy = FailOpen
	// TelemetryPolicy: a failing telemetry sink never affects the outcome of an entry.
	TelemetryPolicy = FailOpen
	// IntakeDedupPolicy: a failed duplicate lookup lets the insert through; the unique index is the final guard.
	IntakeDedupPolicy = FailOpen
)

package types

import "time"

// JoinOutcome is what the messaging gateway reports for a join attempt.
type JoinOutcome string

const (
	JoinSucceeded       JoinOutcome = "success"
	JoinPendingApproval JoinOutcome = "pending_approval"
	JoinFailed          JoinOutcome = "failure"
)

type JoinResult struct {
	Outcome JoinOutcome `json:"outcome"`
	GroupID string      `json:"group_id,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// Attempt is the telemetry record of one processed queue entry.
type Attempt struct {
	ID      string
	ChipID  *int64
	LinkID  int64
	EntryID int64
	Latency time.Duration
	Outcome string
	Err     error
}

func (a Attempt) Success() bool {
	return a.Err == nil && (a.Outcome == string(JoinSucceeded) || a.Outcome == string(JoinPendingApproval))
}

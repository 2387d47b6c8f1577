package types

import (
	"time"

	"github.com/joinflow/joinflow/internal/state"
)

// Link is a candidate group invite to be joined.
type Link struct {
	ID            int64
	InviteCode    string
	Status        state.LinkStatus
	Attempts      int
	MaxAttempts   int
	Priority      int
	Source        string
	ChipID        *int64 // chip that attempted the join, set once the worker resolves one
	GroupID       *string
	LastError     *string
	NextAttemptAt *time.Time
	AbandonedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewLink is what an upstream producer hands to the link store.
type NewLink struct {
	InviteCode string `json:"invite_code"`
	Priority   int    `json:"priority"`
	Source     string `json:"source"`
}

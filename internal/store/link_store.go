package store

import (
	"context"
	"time"

	"github.com/joinflow/joinflow/internal/state"
	"github.com/joinflow/joinflow/types"
)

// LinkStore defines the interface for managing candidate links in DB.
// Every status change is conditional on the expected prior status and reports whether it applied.
type LinkStore interface {
	// BulkInsert adds pending links, ignoring invite codes that already exist. Returns the number inserted.
	BulkInsert(ctx context.Context, links []types.NewLink, maxAttempts int) (int, error)

	FindByID(ctx context.Context, id int64) (*types.Link, error)

	// ExistingInviteCodes returns the subset of codes that are already stored.
	ExistingInviteCodes(ctx context.Context, codes []string) (map[string]bool, error)

	// FetchValidated returns up to limit validated links, oldest first.
	FetchValidated(ctx context.Context, limit int) ([]types.Link, error)

	ListByStatus(ctx context.Context, status state.LinkStatus, page int, pageSize int) (*types.PaginationResult[types.Link], error)

	// Transition moves a link from one of the from statuses to to.
	Transition(ctx context.Context, id int64, from []state.LinkStatus, to state.LinkStatus) (bool, error)

	// MarkSucceeded records the chip and group and moves the link from `from` to succeeded.
	MarkSucceeded(ctx context.Context, id int64, from state.LinkStatus, chipID int64, groupID string) (bool, error)

	// MarkAwaitingApproval moves an in-progress link to awaiting_approval.
	MarkAwaitingApproval(ctx context.Context, id int64, chipID int64, groupID string) (bool, error)

	// IncrementAttempts atomically adds one attempt and returns the new count and the cap.
	IncrementAttempts(ctx context.Context, id int64) (attempts int, maxAttempts int, err error)

	// MarkErrored moves an in-progress link to errored, recording the reason and the next attempt time.
	MarkErrored(ctx context.Context, id int64, reason string, nextAttemptAt time.Time) (bool, error)

	// MarkAbandoned moves an in-progress link to abandoned with the reason and timestamp.
	MarkAbandoned(ctx context.Context, id int64, reason string, at time.Time) (bool, error)

	CountAllGroupedByStatus(ctx context.Context) (map[state.LinkStatus]int, error)
}

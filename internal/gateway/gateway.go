// Package gateway talks to the messaging gateway that drives chip sessions.
package gateway

import (
	"context"

	"github.com/joinflow/joinflow/types"
)

type Gateway interface {
	// JoinByInvite asks the chip behind identity to join the group of inviteCode. A rejected
	// join is reported in the result; the error is reserved for transport and protocol failures.
	JoinByInvite(ctx context.Context, identity string, inviteCode string) (types.JoinResult, error)

	// ListMemberships returns the group ids identity is currently a member of.
	ListMemberships(ctx context.Context, identity string) ([]string, error)
}

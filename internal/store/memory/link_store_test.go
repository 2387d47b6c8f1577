package memory

import (
	"context"
	"testing"

	"github.com/joinflow/joinflow/custom_errors"
	"github.com/joinflow/joinflow/internal/state"
	"github.com/joinflow/joinflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

func TestLinkStore_TransitionFollowsTable(t *testing.T) {
	ctx := context.Background()
	s := NewLinkStore(clocktesting.NewFakePassiveClock(epoch))
	id := s.Put(types.Link{InviteCode: "x", Status: state.LinkInProgress})

	ok, err := s.Transition(ctx, id, []state.LinkStatus{state.LinkScheduled, state.LinkErrored, state.LinkInProgress}, state.LinkInProgress)
	require.NoError(t, err)
	assert.True(t, ok, "stale claim pickup")

	_, err = s.Transition(ctx, id, []state.LinkStatus{state.LinkAbandoned}, state.LinkScheduled)
	assert.ErrorIs(t, err, custom_errors.ErrInvalidTransition)

	_, err = s.MarkSucceeded(ctx, id, state.LinkErrored, 1, "")
	assert.ErrorIs(t, err, custom_errors.ErrInvalidTransition)

	link, _ := s.FindByID(ctx, id)
	assert.Equal(t, state.LinkInProgress, link.Status)
}

func TestLinkStore_ConditionalOnCurrentStatus(t *testing.T) {
	ctx := context.Background()
	s := NewLinkStore(clocktesting.NewFakePassiveClock(epoch))
	id := s.Put(types.Link{InviteCode: "x", Status: state.LinkValidated})

	ok, err := s.MarkErrored(ctx, id, "boom", epoch)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Transition(ctx, id, []state.LinkStatus{state.LinkValidated, state.LinkErrored}, state.LinkScheduled)
	require.NoError(t, err)
	assert.True(t, ok)

	link, _ := s.FindByID(ctx, id)
	assert.Equal(t, state.LinkScheduled, link.Status)
}

// Package approval confirms joins that were parked waiting for a group admin's approval.
package approval

import (
	"context"
	"fmt"
	"sort"

	"github.com/joinflow/joinflow/internal/constants"
	"github.com/joinflow/joinflow/internal/gateway"
	"github.com/joinflow/joinflow/internal/lock"
	"github.com/joinflow/joinflow/internal/state"
	"github.com/joinflow/joinflow/internal/store"
	"github.com/joinflow/joinflow/types"
	"github.com/sirupsen/logrus"
)

const defaultPageSize = 100

type ChipCounters interface {
	FindByID(ctx context.Context, id int64) (*types.Chip, error)
	IncrementCounters(ctx context.Context, id int64, delta types.CounterDelta) (*types.Chip, error)
}

type Result struct {
	Checked   int
	Confirmed int
	Waiting   int
}

type Poller struct {
	links    store.LinkStore
	chips    ChipCounters
	gateway  gateway.Gateway
	locks    lock.DistributedLockManager
	pageSize int
	logger   logrus.FieldLogger
}

func NewPoller(links store.LinkStore, chips ChipCounters, gw gateway.Gateway, locks lock.DistributedLockManager, pageSize int, logger logrus.FieldLogger) *Poller {
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	return &Poller{
		links:    links,
		chips:    chips,
		gateway:  gw,
		locks:    locks,
		pageSize: pageSize,
		logger:   logger,
	}
}

// Poll checks every link awaiting approval against the memberships of its chip. A confirmed
// link succeeds and its chip is charged for the join; anything else is left untouched.
func (p *Poller) Poll(ctx context.Context) (Result, error) {
	var result Result

	acquired, err := p.locks.TryAcquire(ctx, constants.ApprovalPollLock)
	if err != nil {
		return result, fmt.Errorf("failed to acquire approval lock: %w", err)
	}
	if !acquired {
		p.logger.Debug("approval poll already running on another instance")
		return result, nil
	}
	defer func() {
		if err := p.locks.Release(ctx, constants.ApprovalPollLock); err != nil {
			p.logger.WithError(err).Warn("failed to release approval lock")
		}
	}()

	byChip, err := p.awaiting(ctx, &result)
	if err != nil {
		return result, err
	}

	chipIDs := make([]int64, 0, len(byChip))
	for id := range byChip {
		chipIDs = append(chipIDs, id)
	}
	sort.Slice(chipIDs, func(i, j int) bool { return chipIDs[i] < chipIDs[j] })

	for _, chipID := range chipIDs {
		links := byChip[chipID]
		confirmed, err := p.pollChip(ctx, chipID, links)
		if err != nil {
			p.logger.WithError(err).WithField("chip_id", chipID).Warn("failed to check memberships")
		}
		result.Confirmed += confirmed
		result.Waiting += len(links) - confirmed
	}

	p.logger.WithFields(logrus.Fields{
		"checked":   result.Checked,
		"confirmed": result.Confirmed,
		"waiting":   result.Waiting,
	}).Info("approval poll finished")

	return result, nil
}

// awaiting reads every page before anything is promoted, so promotions cannot shift pages.
// Links without a chip or a group id can never be confirmed and are counted as waiting.
func (p *Poller) awaiting(ctx context.Context, result *Result) (map[int64][]types.Link, error) {
	byChip := make(map[int64][]types.Link)

	for page := 1; ; page++ {
		res, err := p.links.ListByStatus(ctx, state.LinkAwaitingApproval, page, p.pageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list links awaiting approval: %w", err)
		}
		for _, link := range res.Items {
			result.Checked++
			if link.ChipID == nil || link.GroupID == nil || *link.GroupID == "" {
				result.Waiting++
				continue
			}
			byChip[*link.ChipID] = append(byChip[*link.ChipID], link)
		}
		if !res.HasNextPage {
			return byChip, nil
		}
	}
}

func (p *Poller) pollChip(ctx context.Context, chipID int64, links []types.Link) (int, error) {
	chip, err := p.chips.FindByID(ctx, chipID)
	if err != nil {
		return 0, err
	}
	groups, err := p.gateway.ListMemberships(ctx, chip.Identity)
	if err != nil {
		return 0, err
	}

	member := make(map[string]bool, len(groups))
	for _, g := range groups {
		member[g] = true
	}

	confirmed := 0
	for _, link := range links {
		if !member[*link.GroupID] {
			continue
		}
		ok, err := p.links.MarkSucceeded(ctx, link.ID, state.LinkAwaitingApproval, chipID, *link.GroupID)
		if err != nil {
			return confirmed, err
		}
		if !ok {
			continue
		}
		if _, err := p.chips.IncrementCounters(ctx, chipID, types.ConfirmedJoinDelta()); err != nil {
			p.logger.WithError(err).WithField("chip_id", chipID).Error("failed to count confirmed join")
		}
		confirmed++

		p.logger.WithFields(logrus.Fields{
			"link_id":  link.ID,
			"chip_id":  chipID,
			"group_id": *link.GroupID,
		}).Info("membership confirmed")
	}
	return confirmed, nil
}

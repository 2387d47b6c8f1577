// Package worker drives claimed queue entries through the join state machine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joinflow/joinflow/custom_errors"
	"github.com/joinflow/joinflow/internal/admission"
	"github.com/joinflow/joinflow/internal/behavior"
	"github.com/joinflow/joinflow/internal/constants"
	"github.com/joinflow/joinflow/internal/gateway"
	"github.com/joinflow/joinflow/internal/lock"
	"github.com/joinflow/joinflow/internal/state"
	"github.com/joinflow/joinflow/internal/store"
	"github.com/joinflow/joinflow/internal/telemetry"
	"github.com/joinflow/joinflow/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"
)

// processable is the set of link statuses an entry may be worked from. in_progress covers
// entries whose previous claim went stale.
var processable = []state.LinkStatus{state.LinkScheduled, state.LinkErrored, state.LinkInProgress}

type ChipSelector interface {
	Admit(ctx context.Context, chipID int64) (*admission.Candidate, error)
	SelectExcluding(ctx context.Context, leases *admission.Leases) (*admission.Candidate, error)
}

type ChipBreaker interface {
	RecordSuccess(ctx context.Context, chipID int64) (*types.Chip, error)
	RecordFailure(ctx context.Context, chipID int64, reason string) (bool, error)
}

type ConfigProvider interface {
	Get(ctx context.Context) types.CapacityConfig
}

// Outcome is where one processed entry ended up.
type Outcome string

const (
	OutcomeSucceeded        Outcome = "succeeded"
	OutcomeAwaitingApproval Outcome = "awaiting_approval"
	OutcomeRescheduled      Outcome = "rescheduled"
	OutcomeAbandoned        Outcome = "abandoned"
)

type BatchResult struct {
	Claimed          int
	LostClaims       int
	Unlocked         int
	Succeeded        int
	AwaitingApproval int
	Rescheduled      int
	Abandoned        int
	Errors           int
}

func (r *BatchResult) add(outcome Outcome, err error) {
	if err != nil {
		r.Errors++
		return
	}
	switch outcome {
	case OutcomeSucceeded:
		r.Succeeded++
	case OutcomeAwaitingApproval:
		r.AwaitingApproval++
	case OutcomeRescheduled:
		r.Rescheduled++
	case OutcomeAbandoned:
		r.Abandoned++
	}
}

type Config struct {
	Instance string
	Count    int
	ClaimTTL time.Duration
}

type Dependencies struct {
	Links     store.LinkStore
	Queue     store.QueueStore
	Selector  ChipSelector
	Capacity  ConfigProvider
	Breaker   ChipBreaker
	Gateway   gateway.Gateway
	Behavior  behavior.Simulator
	Telemetry telemetry.Sink
	Locks     lock.DistributedLockManager
	Clock     clock.PassiveClock
	Logger    logrus.FieldLogger
}

type Worker struct {
	Dependencies
	cfg    Config
	leases *admission.Leases
}

func New(deps Dependencies, cfg Config) *Worker {
	if deps.Behavior == nil {
		deps.Behavior = behavior.Nop{}
	}
	if cfg.Count < 1 {
		cfg.Count = 1
	}
	return &Worker{
		Dependencies: deps,
		cfg:          cfg,
		leases:       admission.NewLeases(),
	}
}

// Backoff is the wait before retry number attempts: 5 minutes doubled per attempt.
func Backoff(attempts int) time.Duration {
	exp := min(max(attempts, 0), constants.MaxBackoffExponent)
	return constants.BackoffBase << exp
}

// ProcessBatch claims up to limit due entries and processes them on at most Count goroutines.
// It does nothing when another instance holds the process lock.
func (w *Worker) ProcessBatch(ctx context.Context, limit int) (BatchResult, error) {
	var result BatchResult

	acquired, err := w.Locks.TryAcquire(ctx, constants.ProcessBatchLock)
	if err != nil {
		return result, fmt.Errorf("failed to acquire process lock: %w", err)
	}
	if !acquired {
		w.Logger.Debug("process batch already running on another instance")
		return result, nil
	}
	defer func() {
		if err := w.Locks.Release(ctx, constants.ProcessBatchLock); err != nil {
			w.Logger.WithError(err).Warn("failed to release process lock")
		}
	}()

	now := w.Clock.Now()
	unlocked, err := w.Queue.UnlockStale(ctx, now.Add(-w.cfg.ClaimTTL))
	if err != nil {
		return result, fmt.Errorf("failed to unlock stale entries: %w", err)
	}
	result.Unlocked = unlocked
	if unlocked > 0 {
		w.Logger.WithField("entries", unlocked).Warn("released stale claims")
	}

	entries, err := w.Queue.FetchDue(ctx, now, limit)
	if err != nil {
		return result, fmt.Errorf("failed to fetch due entries: %w", err)
	}

	sem := semaphore.NewWeighted(int64(w.cfg.Count))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for _, entry := range entries {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		claimed, err := w.Queue.Claim(ctx, entry.ID, w.cfg.Instance, w.Clock.Now())
		if err != nil || !claimed {
			sem.Release(1)
			if err != nil {
				w.Logger.WithError(err).WithField("entry_id", entry.ID).Error("failed to claim entry")
			}
			mu.Lock()
			result.LostClaims++
			mu.Unlock()
			continue
		}

		mu.Lock()
		result.Claimed++
		mu.Unlock()

		entry.Status = state.EntryProcessing
		wg.Add(1)
		go func(entry types.QueueEntry) {
			defer sem.Release(1)
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					w.Logger.WithField("entry_id", entry.ID).Errorf("entry left processing after panic: %v", r)
				}
			}()

			outcome, err := w.ProcessEntry(ctx, entry)
			if err != nil {
				w.Logger.WithError(err).WithField("entry_id", entry.ID).Error("failed to process entry")
			}

			mu.Lock()
			result.add(outcome, err)
			mu.Unlock()
		}(entry)
	}

	wg.Wait()

	w.Logger.WithFields(logrus.Fields{
		"claimed":           result.Claimed,
		"succeeded":         result.Succeeded,
		"awaiting_approval": result.AwaitingApproval,
		"rescheduled":       result.Rescheduled,
		"abandoned":         result.Abandoned,
	}).Info("process batch finished")

	return result, nil
}

// ProcessEntry runs one claimed entry to its outcome. Telemetry is recorded whatever
// happens, and a panic is handled like a gateway failure.
func (w *Worker) ProcessEntry(ctx context.Context, entry types.QueueEntry) (outcome Outcome, err error) {
	start := w.Clock.Now()
	attempt := &types.Attempt{
		ID:      uuid.NewString(),
		LinkID:  entry.LinkID,
		EntryID: entry.ID,
	}

	defer func() {
		if r := recover(); r != nil {
			outcome, err = w.recoverPanic(ctx, entry, attempt, r)
		}
		if attempt.Err == nil {
			attempt.Err = err
		}
		attempt.Latency = w.Clock.Since(start)
		if recordErr := w.Telemetry.Record(ctx, *attempt); recordErr != nil {
			w.Logger.WithError(recordErr).WithField("policy", constants.TelemetryPolicy).Warn("failed to record attempt")
		}
	}()

	return w.process(ctx, entry, attempt)
}

func (w *Worker) process(ctx context.Context, entry types.QueueEntry, attempt *types.Attempt) (Outcome, error) {
	link, err := w.Links.FindByID(ctx, entry.LinkID)
	if err != nil {
		return "", err
	}

	ok, err := w.Links.Transition(ctx, link.ID, processable, state.LinkInProgress)
	if err != nil {
		return "", err
	}
	if !ok {
		reason := fmt.Sprintf("link is %s", link.Status)
		if err := w.Queue.Fail(ctx, entry.ID, reason, w.Clock.Now()); err != nil {
			return "", err
		}
		return "", fmt.Errorf("entry %d: %s: %w", entry.ID, reason, custom_errors.ErrInvalidTransition)
	}

	candidate, err := w.resolveChip(ctx, entry)
	if err != nil {
		attempt.Err = err
		return w.fail(ctx, entry, nil, err)
	}
	defer w.leases.Release(candidate.Chip.ID)

	chip := candidate.Chip
	attempt.ChipID = &chip.ID
	if err := w.Queue.AssignChip(ctx, entry.ID, chip.ID); err != nil {
		return "", err
	}

	loc := w.Capacity.Get(ctx).Location()
	if !candidate.Limits.Window.Allows(w.Clock.Now(), loc) {
		attempt.Err = fmt.Errorf("chip %d phase %s: %w", chip.ID, chip.Phase, custom_errors.ErrWindowViolation)
		return w.fail(ctx, entry, &chip.ID, attempt.Err)
	}

	if err := w.Behavior.PreActionDelay(ctx); err != nil {
		w.Logger.WithError(err).WithField("policy", constants.PreActionDelayPolicy).Warn("pre-action delay failed")
	}

	result, err := w.Gateway.JoinByInvite(ctx, chip.Identity, link.InviteCode)

	// the remote side may have acted, so its outcome is recorded even after ctx is cancelled
	sctx, cancel := settleContext(ctx)
	defer cancel()

	if err != nil {
		if !custom_errors.CountsAgainstChip(err) {
			err = custom_errors.NewGatewayError("transport", err)
		}
		attempt.Err = err
		return w.fail(sctx, entry, &chip.ID, err)
	}
	attempt.Outcome = string(result.Outcome)

	switch result.Outcome {
	case types.JoinSucceeded:
		return w.succeed(sctx, entry, chip.ID, result.GroupID)
	case types.JoinPendingApproval:
		return w.awaitApproval(sctx, entry, chip.ID, result.GroupID)
	default:
		reason := result.Reason
		if reason == "" {
			reason = constants.GatewayFailureReason
		}
		attempt.Err = custom_errors.NewGatewayError(reason, nil)
		return w.fail(sctx, entry, &chip.ID, attempt.Err)
	}
}

func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), constants.SettleTimeout)
}

// resolveChip re-admits an explicitly assigned chip or picks one, leasing it either way.
func (w *Worker) resolveChip(ctx context.Context, entry types.QueueEntry) (*admission.Candidate, error) {
	if entry.ChipID == nil {
		return w.Selector.SelectExcluding(ctx, w.leases)
	}

	candidate, err := w.Selector.Admit(ctx, *entry.ChipID)
	if err != nil {
		return nil, err
	}
	if !w.leases.TryLease(candidate.Chip.ID) {
		return nil, fmt.Errorf("chip %d is busy: %w", candidate.Chip.ID, custom_errors.ErrChipUnavailable)
	}
	return candidate, nil
}

// succeed finishes the entry and the link before reporting a failed join count, so a
// counting error never leads to the same invite being joined twice.
func (w *Worker) succeed(ctx context.Context, entry types.QueueEntry, chipID int64, groupID string) (Outcome, error) {
	_, countErr := w.Breaker.RecordSuccess(ctx, chipID)
	if err := w.Queue.Complete(ctx, entry.ID, state.ResultSucceeded, w.Clock.Now()); err != nil {
		return "", errors.Join(countErr, err)
	}
	if _, err := w.Links.MarkSucceeded(ctx, entry.LinkID, state.LinkInProgress, chipID, groupID); err != nil {
		return "", errors.Join(countErr, err)
	}
	if countErr != nil {
		return OutcomeSucceeded, fmt.Errorf("joined but not counted: %w", countErr)
	}

	w.Logger.WithFields(logrus.Fields{
		"link_id":  entry.LinkID,
		"chip_id":  chipID,
		"group_id": groupID,
	}).Info("joined group")
	return OutcomeSucceeded, nil
}

// awaitApproval parks the link until the approval poller sees the membership. Quota is
// counted only then.
func (w *Worker) awaitApproval(ctx context.Context, entry types.QueueEntry, chipID int64, groupID string) (Outcome, error) {
	if err := w.Queue.Complete(ctx, entry.ID, state.ResultAwaitingApproval, w.Clock.Now()); err != nil {
		return "", err
	}
	if _, err := w.Links.MarkAwaitingApproval(ctx, entry.LinkID, chipID, groupID); err != nil {
		return "", err
	}

	w.Logger.WithFields(logrus.Fields{
		"link_id": entry.LinkID,
		"chip_id": chipID,
	}).Info("join awaiting approval")
	return OutcomeAwaitingApproval, nil
}

// fail routes a failed attempt. Retryable errors cost the link one attempt, and those that
// count against a chip also move its breaker. Anything else is returned as is and the claim
// is left for stale-claim recovery.
func (w *Worker) fail(ctx context.Context, entry types.QueueEntry, chipID *int64, cause error) (Outcome, error) {
	if !custom_errors.IsRetryable(cause) {
		return "", cause
	}
	reason := failureReason(cause)

	if chipID != nil && custom_errors.CountsAgainstChip(cause) {
		opened, err := w.Breaker.RecordFailure(ctx, *chipID, reason)
		if err != nil {
			w.Logger.WithError(err).WithField("chip_id", *chipID).Error("failed to record chip failure")
		} else if opened {
			w.Logger.WithFields(logrus.Fields{
				"chip_id": *chipID,
				"link_id": entry.LinkID,
			}).Warn("chip removed from rotation")
		}
	}
	return w.RescheduleWithError(ctx, entry, reason)
}

func failureReason(err error) string {
	var gwErr *custom_errors.GatewayError
	switch {
	case errors.Is(err, custom_errors.ErrChipUnavailable):
		return constants.NoChipAvailableReason
	case errors.Is(err, custom_errors.ErrWindowViolation):
		return constants.WindowViolationReason
	case errors.As(err, &gwErr) && gwErr.Err == nil:
		return gwErr.Reason
	default:
		return err.Error()
	}
}

func (w *Worker) recoverPanic(ctx context.Context, entry types.QueueEntry, attempt *types.Attempt, r any) (Outcome, error) {
	reason := fmt.Sprintf("panic: %v", r)
	attempt.Err = custom_errors.NewGatewayError(reason, nil)
	w.Logger.WithField("entry_id", entry.ID).Error(reason)

	sctx, cancel := settleContext(ctx)
	defer cancel()
	return w.fail(sctx, entry, attempt.ChipID, attempt.Err)
}

// RescheduleWithError counts one more attempt for the entry's link. At the cap the entry
// fails for good and the link is abandoned; otherwise the entry goes back to pending after
// Backoff(attempts).
func (w *Worker) RescheduleWithError(ctx context.Context, entry types.QueueEntry, reason string) (Outcome, error) {
	attempts, maxAttempts, err := w.Links.IncrementAttempts(ctx, entry.LinkID)
	if err != nil {
		return "", fmt.Errorf("failed to increment attempts of link %d: %w", entry.LinkID, err)
	}

	now := w.Clock.Now()
	fields := logrus.Fields{
		"link_id":  entry.LinkID,
		"entry_id": entry.ID,
		"attempts": attempts,
		"reason":   reason,
	}

	if attempts >= maxAttempts {
		if err := w.Queue.Fail(ctx, entry.ID, reason, now); err != nil {
			return "", err
		}
		if _, err := w.Links.MarkAbandoned(ctx, entry.LinkID, reason, now); err != nil {
			return "", err
		}
		w.Logger.WithFields(fields).Warn("link abandoned")
		return OutcomeAbandoned, nil
	}

	next := now.Add(Backoff(attempts))
	if err := w.Queue.Requeue(ctx, entry.ID, reason, next); err != nil {
		return "", err
	}
	if _, err := w.Links.MarkErrored(ctx, entry.LinkID, reason, next); err != nil {
		return "", err
	}
	fields["next_attempt_at"] = next
	w.Logger.WithFields(fields).Info("entry rescheduled")
	return OutcomeRescheduled, nil
}

// Cancel withdraws a pending entry and returns its link to the eligible pool.
func (w *Worker) Cancel(ctx context.Context, entryID int64) error {
	entry, err := w.Queue.FindByID(ctx, entryID)
	if err != nil {
		return err
	}

	ok, err := w.Queue.Cancel(ctx, entryID, w.Clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cancel entry %d from %s: %w", entryID, entry.Status, custom_errors.ErrInvalidTransition)
	}

	reverted, err := w.Links.Transition(ctx, entry.LinkID, []state.LinkStatus{state.LinkScheduled, state.LinkErrored}, state.LinkValidated)
	if err != nil {
		return fmt.Errorf("failed to revert link %d: %w", entry.LinkID, err)
	}
	if !reverted {
		w.Logger.WithField("link_id", entry.LinkID).Warn("link was not waiting on the cancelled entry")
	}
	return nil
}

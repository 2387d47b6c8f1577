// Package jobmanager runs joinflow's periodic tasks and long running consumers on top of a
// wired app.Container.
package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/joinflow/joinflow/app"
	"github.com/joinflow/joinflow/internal/constants"
	"github.com/joinflow/joinflow/internal/lock"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Task is one periodic unit of work.
type Task struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Tasks lists the periodic tasks of c in the order they are registered.
func Tasks(c *app.Container) []Task {
	cfg := c.Config
	return []Task{
		{
			Name: "schedule",
			Spec: cfg.Cadence.Schedule,
			Run: func(ctx context.Context) error {
				_, err := c.Scheduler.ScheduleBatch(ctx, cfg.Worker.ScheduleBatchSize)
				return err
			},
		},
		{
			Name: "process",
			Spec: cfg.Cadence.Process,
			Run: func(ctx context.Context) error {
				_, err := c.Worker.ProcessBatch(ctx, cfg.Worker.ProcessBatchSize)
				return err
			},
		},
		{
			Name: "approval",
			Spec: cfg.Cadence.Approval,
			Run: func(ctx context.Context) error {
				_, err := c.Poller.Poll(ctx)
				return err
			},
		},
		{
			Name: "daily_reset",
			Spec: cfg.Cadence.DailyReset,
			Run: func(ctx context.Context) error {
				return resetCounters(ctx, c.LockManager, constants.DailyResetLock, c.Chips.ResetDailyCounters, c.Logger.WithField("counter", "joins_today"))
			},
		},
		{
			Name: "six_hour_reset",
			Spec: cfg.Cadence.SixHourReset,
			Run: func(ctx context.Context) error {
				return resetCounters(ctx, c.LockManager, constants.SixHourResetLock, c.Chips.ResetSixHourCounters, c.Logger.WithField("counter", "joins_last_6h"))
			},
		},
	}
}

// Run starts the cron tasks, the intake consumer and the ops server of c and blocks until ctx
// is done. Running tasks are allowed to finish before it returns.
func Run(ctx context.Context, c *app.Container) error {
	logger := c.Logger

	scheduler := cron.New(
		cron.WithLocation(c.Config.Cadence.Location()),
		cron.WithChain(cron.Recover(cron.PrintfLogger(logger)), cron.SkipIfStillRunning(cron.PrintfLogger(logger))),
	)
	for _, task := range Tasks(c) {
		if _, err := scheduler.AddFunc(task.Spec, runner(ctx, task, logger)); err != nil {
			return fmt.Errorf("task %s: invalid spec %q: %w", task.Name, task.Spec, err)
		}
	}

	var wg sync.WaitGroup
	if c.Intake != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Intake.Run(ctx); err != nil {
				logger.WithError(err).Error("intake consumer stopped")
			}
		}()
	}
	if c.Ops != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Ops.Serve(ctx, c.Config.Ops.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("ops server stopped")
			}
		}()
	}

	scheduler.Start()
	logger.WithField("instance", c.Config.Instance).Info("joinflow started")

	<-ctx.Done()
	logger.Info("shutting down, waiting for running tasks")
	<-scheduler.Stop().Done()
	wg.Wait()
	return nil
}

func runner(ctx context.Context, task Task, logger logrus.FieldLogger) func() {
	log := logger.WithField("task", task.Name)
	return func() {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := task.Run(ctx); err != nil {
			log.WithError(err).Error("task failed")
			return
		}
		log.WithField("took", time.Since(start)).Debug("task finished")
	}
}

func resetCounters(ctx context.Context, locks lock.DistributedLockManager, lockID int, reset func(context.Context) (int64, error), logger logrus.FieldLogger) error {
	acquired, err := locks.TryAcquire(ctx, lockID)
	if err != nil {
		return fmt.Errorf("failed to acquire reset lock: %w", err)
	}
	if !acquired {
		logger.Debug("counter reset already running on another instance")
		return nil
	}
	defer func() {
		if err := locks.Release(ctx, lockID); err != nil {
			logger.WithError(err).Warn("failed to release reset lock")
		}
	}()

	n, err := reset(ctx)
	if err != nil {
		return err
	}
	logger.WithField("chips", n).Info("counters reset")
	return nil
}

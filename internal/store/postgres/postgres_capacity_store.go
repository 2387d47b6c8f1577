package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/joinflow/joinflow/custom_errors"
	"github.com/joinflow/joinflow/internal/state"
	"github.com/joinflow/joinflow/types"
	"github.com/lib/pq"
)

// PostgresCapacityStore reads the capacity settings row and one row per warmup phase.
type PostgresCapacityStore struct {
	db *sql.DB
}

func NewPostgresCapacityStore(db *sql.DB) *PostgresCapacityStore {
	return &PostgresCapacityStore{db: db}
}

func (r *PostgresCapacityStore) LoadCapacityConfig(ctx context.Context) (*types.CapacityConfig, error) {
	cfg := &types.CapacityConfig{Phases: make(map[state.ChipPhase]types.PhaseLimits)}

	err := r.db.QueryRowContext(ctx, `
		SELECT trust_minimum, max_consecutive_failures, timezone
		FROM joinflow_schema.capacity_settings
		ORDER BY id DESC
		LIMIT 1
	`).Scan(&cfg.TrustMinimum, &cfg.MaxConsecutiveFailures, &cfg.Timezone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("capacity settings: %w", custom_errors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load capacity settings: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT phase, daily_limit, six_hour_limit, minimum_delay_seconds,
		       window_start_minutes, window_end_minutes, window_days
		FROM joinflow_schema.capacity_phases
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load capacity phases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			phase              string
			limits             types.PhaseLimits
			delaySeconds       int64
			startMins, endMins int64
			days               pq.Int64Array
		)
		if err := rows.Scan(&phase, &limits.DailyLimit, &limits.SixHourLimit, &delaySeconds, &startMins, &endMins, &days); err != nil {
			return nil, err
		}
		limits.MinimumDelay = time.Duration(delaySeconds) * time.Second
		limits.Window.Start = time.Duration(startMins) * time.Minute
		limits.Window.End = time.Duration(endMins) * time.Minute
		for _, d := range days {
			limits.Window.Days = append(limits.Window.Days, time.Weekday(d))
		}
		cfg.Phases[state.ChipPhase(phase)] = limits
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return cfg, nil
}

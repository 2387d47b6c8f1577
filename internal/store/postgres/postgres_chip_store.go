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

const chipColumns = `id, identity, type, status, phase, trust_score,
		       joins_today, joins_last_6h, joins_total, consecutive_failures,
		       circuit_breaker_open, circuit_breaker_reason, circuit_breaker_opened_at, last_join_at`

type PostgresChipStore struct {
	db *sql.DB
}

func NewPostgresChipStore(db *sql.DB) *PostgresChipStore {
	return &PostgresChipStore{db: db}
}

func scanChip(row rowScanner) (*types.Chip, error) {
	var c types.Chip
	err := row.Scan(
		&c.ID, &c.Identity, &c.Type, &c.Status, &c.Phase, &c.TrustScore,
		&c.JoinsToday, &c.JoinsLast6h, &c.JoinsTotal, &c.ConsecutiveFailures,
		&c.CircuitBreakerOpen, &c.CircuitBreakerReason, &c.CircuitBreakerOpenedAt, &c.LastJoinAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *PostgresChipStore) ListCandidates(ctx context.Context, chipType string, statuses []state.ChipStatus) ([]types.Chip, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+chipColumns+`
		FROM joinflow_schema.chips
		WHERE type = $1 AND status = ANY($2) AND circuit_breaker_open = FALSE
		ORDER BY id ASC
	`, chipType, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate chips: %w", err)
	}
	defer rows.Close()

	var chips []types.Chip
	for rows.Next() {
		c, err := scanChip(rows)
		if err != nil {
			return nil, err
		}
		chips = append(chips, *c)
	}
	return chips, rows.Err()
}

func (r *PostgresChipStore) FindByID(ctx context.Context, id int64) (*types.Chip, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+chipColumns+` FROM joinflow_schema.chips WHERE id = $1`, id)
	c, err := scanChip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chip %d: %w", id, custom_errors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chip %d: %w", id, err)
	}
	return c, nil
}

func (r *PostgresChipStore) IncrementCounters(ctx context.Context, id int64, delta types.CounterDelta) (*types.Chip, error) {
	var lastJoinAt any
	if delta.LastJoinAt != nil {
		lastJoinAt = *delta.LastJoinAt
	}

	row := r.db.QueryRowContext(ctx, `
		UPDATE joinflow_schema.chips
		SET joins_today = joins_today + $1,
		    joins_last_6h = joins_last_6h + $2,
		    joins_total = joins_total + $3,
		    consecutive_failures = CASE WHEN $4::boolean THEN 0 ELSE consecutive_failures + $5 END,
		    last_join_at = COALESCE($6::timestamptz, last_join_at)
		WHERE id = $7
		RETURNING `+chipColumns,
		delta.JoinsToday, delta.JoinsLast6h, delta.JoinsTotal, delta.ResetFailures, delta.ConsecutiveFailures, lastJoinAt, id)

	c, err := scanChip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chip %d: %w", id, custom_errors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update counters of chip %d: %w", id, err)
	}
	return c, nil
}

func (r *PostgresChipStore) SetCircuitBreaker(ctx context.Context, id int64, open bool, reason string, at time.Time) error {
	var (
		res sql.Result
		err error
	)
	if open {
		res, err = r.db.ExecContext(ctx, `
			UPDATE joinflow_schema.chips
			SET circuit_breaker_open = TRUE,
			    circuit_breaker_reason = $1,
			    circuit_breaker_opened_at = $2
			WHERE id = $3
		`, reason, at, id)
	} else {
		res, err = r.db.ExecContext(ctx, `
			UPDATE joinflow_schema.chips
			SET circuit_breaker_open = FALSE,
			    circuit_breaker_reason = NULL,
			    circuit_breaker_opened_at = NULL,
			    consecutive_failures = 0
			WHERE id = $1
		`, id)
	}
	if err != nil {
		return fmt.Errorf("failed to set circuit breaker of chip %d: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("chip %d: %w", id, custom_errors.ErrNotFound)
	}
	return nil
}

func (r *PostgresChipStore) ResetDailyCounters(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE joinflow_schema.chips SET joins_today = 0 WHERE joins_today <> 0`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset daily counters: %w", err)
	}
	return res.RowsAffected()
}

func (r *PostgresChipStore) ResetSixHourCounters(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE joinflow_schema.chips SET joins_last_6h = 0 WHERE joins_last_6h <> 0`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset six hour counters: %w", err)
	}
	return res.RowsAffected()
}

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

// uniqueViolation is the PostgreSQL error code raised by the one-active-entry-per-link index.
const uniqueViolation = "23505"

const entryColumns = `id, link_id, chip_id, priority, scheduled_for, status, result,
		       last_error, locked_by, locked_at, finished_at, created_at`

type PostgresQueueStore struct {
	db *sql.DB
}

func NewPostgresQueueStore(db *sql.DB) *PostgresQueueStore {
	return &PostgresQueueStore{db: db}
}

func scanEntry(row rowScanner) (*types.QueueEntry, error) {
	var e types.QueueEntry
	err := row.Scan(
		&e.ID, &e.LinkID, &e.ChipID, &e.Priority, &e.ScheduledFor, &e.Status, &e.Result,
		&e.LastError, &e.LockedBy, &e.LockedAt, &e.FinishedAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *PostgresQueueStore) Insert(ctx context.Context, entry types.NewQueueEntry) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO joinflow_schema.queue_entries (link_id, chip_id, priority, scheduled_for, status, result, created_at)
		VALUES ($1, $2, $3, $4, $5, '', now())
		RETURNING id
	`, entry.LinkID, entry.ChipID, entry.Priority, entry.ScheduledFor, state.EntryPending).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return 0, fmt.Errorf("link %d: %w", entry.LinkID, custom_errors.ErrAlreadyQueued)
		}
		return 0, fmt.Errorf("failed to insert queue entry: %w", err)
	}
	return id, nil
}

func (r *PostgresQueueStore) FindByID(ctx context.Context, id int64) (*types.QueueEntry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM joinflow_schema.queue_entries WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue entry %d: %w", id, custom_errors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch queue entry %d: %w", id, err)
	}
	return e, nil
}

func (r *PostgresQueueStore) HasActiveEntry(ctx context.Context, linkID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM joinflow_schema.queue_entries
			WHERE link_id = $1 AND status IN ($2, $3)
		)
	`, linkID, state.EntryPending, state.EntryProcessing).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check active entry for link %d: %w", linkID, err)
	}
	return exists, nil
}

func (r *PostgresQueueStore) FetchDue(ctx context.Context, now time.Time, limit int) ([]types.QueueEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM joinflow_schema.queue_entries
		WHERE status = $1 AND scheduled_for <= $2
		ORDER BY priority DESC, scheduled_for ASC, id ASC
		LIMIT $3
	`, state.EntryPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch due entries: %w", err)
	}
	defer rows.Close()

	var entries []types.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (r *PostgresQueueStore) Claim(ctx context.Context, id int64, lockedBy string, at time.Time) (bool, error) {
	if err := checkEntryTransition(id, state.EntryPending, state.EntryProcessing); err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE joinflow_schema.queue_entries
		SET status = $1,
		    locked_by = $2,
		    locked_at = $3
		WHERE id = $4 AND status = $5
	`, state.EntryProcessing, lockedBy, at, id, state.EntryPending)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func checkEntryTransition(id int64, from, to state.EntryStatus) error {
	if err := state.CheckEntryTransition(from, to); err != nil {
		return fmt.Errorf("queue entry %d: %w", id, err)
	}
	return nil
}

// execProcessing runs an update that only applies to a processing entry.
func (r *PostgresQueueStore) execProcessing(ctx context.Context, op string, id int64, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s entry %d: %w", op, id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%s entry %d: %w", op, id, custom_errors.ErrInvalidTransition)
	}
	return nil
}

func (r *PostgresQueueStore) AssignChip(ctx context.Context, id int64, chipID int64) error {
	return r.execProcessing(ctx, "assign chip to", id, `
		UPDATE joinflow_schema.queue_entries
		SET chip_id = $1
		WHERE id = $2 AND status = $3
	`, chipID, id, state.EntryProcessing)
}

func (r *PostgresQueueStore) Complete(ctx context.Context, id int64, result state.EntryResult, at time.Time) error {
	if err := checkEntryTransition(id, state.EntryProcessing, state.EntryDone); err != nil {
		return err
	}
	return r.execProcessing(ctx, "complete", id, `
		UPDATE joinflow_schema.queue_entries
		SET status = $1,
		    result = $2,
		    finished_at = $3,
		    locked_by = NULL,
		    locked_at = NULL
		WHERE id = $4 AND status = $5
	`, state.EntryDone, result, at, id, state.EntryProcessing)
}

func (r *PostgresQueueStore) Requeue(ctx context.Context, id int64, reason string, scheduledFor time.Time) error {
	if err := checkEntryTransition(id, state.EntryProcessing, state.EntryPending); err != nil {
		return err
	}
	return r.execProcessing(ctx, "requeue", id, `
		UPDATE joinflow_schema.queue_entries
		SET status = $1,
		    scheduled_for = $2,
		    last_error = $3,
		    chip_id = NULL,
		    locked_by = NULL,
		    locked_at = NULL
		WHERE id = $4 AND status = $5
	`, state.EntryPending, scheduledFor, reason, id, state.EntryProcessing)
}

func (r *PostgresQueueStore) Fail(ctx context.Context, id int64, reason string, at time.Time) error {
	if err := checkEntryTransition(id, state.EntryProcessing, state.EntryError); err != nil {
		return err
	}
	return r.execProcessing(ctx, "fail", id, `
		UPDATE joinflow_schema.queue_entries
		SET status = $1,
		    last_error = $2,
		    finished_at = $3,
		    locked_by = NULL,
		    locked_at = NULL
		WHERE id = $4 AND status = $5
	`, state.EntryError, reason, at, id, state.EntryProcessing)
}

func (r *PostgresQueueStore) Cancel(ctx context.Context, id int64, at time.Time) (bool, error) {
	if err := checkEntryTransition(id, state.EntryPending, state.EntryCancelled); err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE joinflow_schema.queue_entries
		SET status = $1,
		    finished_at = $2
		WHERE id = $3 AND status = $4
	`, state.EntryCancelled, at, id, state.EntryPending)
	if err != nil {
		return false, fmt.Errorf("failed to cancel entry %d: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (r *PostgresQueueStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM joinflow_schema.queue_entries WHERE status IN ($1, $2)
	`, state.EntryPending, state.EntryProcessing).Scan(&n)
	return n, err
}

func (r *PostgresQueueStore) UnlockStale(ctx context.Context, olderThan time.Time) (int, error) {
	if err := state.CheckEntryTransition(state.EntryProcessing, state.EntryPending); err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE joinflow_schema.queue_entries
		SET status = $1,
		    locked_by = NULL,
		    locked_at = NULL
		WHERE status = $2 AND locked_at < $3
	`, state.EntryPending, state.EntryProcessing, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to unlock stale entries: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

func (r *PostgresQueueStore) CountAllGroupedByStatus(ctx context.Context) (map[state.EntryStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) AS count
		FROM joinflow_schema.queue_entries
		GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[state.EntryStatus]int)
	for rows.Next() {
		var status state.EntryStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		result[status] = count
	}

	for _, status := range state.AllEntryStatuses {
		if _, ok := result[status]; !ok {
			result[status] = 0
		}
	}

	return result, rows.Err()
}

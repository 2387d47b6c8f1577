package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joinflow/joinflow/custom_errors"
	"github.com/joinflow/joinflow/internal/state"
	"github.com/joinflow/joinflow/types"
	"github.com/lib/pq"
)

const linkColumns = `id, invite_code, status, attempts, max_attempts, priority, source,
		       chip_id, group_id, last_error, next_attempt_at, abandoned_at, created_at, updated_at`

type PostgresLinkStore struct {
	db *sql.DB
}

func NewPostgresLinkStore(db *sql.DB) *PostgresLinkStore {
	return &PostgresLinkStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(row rowScanner) (*types.Link, error) {
	var link types.Link
	err := row.Scan(
		&link.ID, &link.InviteCode, &link.Status, &link.Attempts, &link.MaxAttempts, &link.Priority, &link.Source,
		&link.ChipID, &link.GroupID, &link.LastError, &link.NextAttemptAt, &link.AbandonedAt, &link.CreatedAt, &link.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &link, nil
}

func (r *PostgresLinkStore) BulkInsert(ctx context.Context, links []types.NewLink, maxAttempts int) (int, error) {
	if len(links) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO joinflow_schema.links (invite_code, priority, source, status, max_attempts, created_at, updated_at) VALUES `)

	args := make([]any, 0, len(links)*3+2)
	args = append(args, state.LinkPending, maxAttempts)
	for i, l := range links {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := len(args)
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $1, $2, now(), now())", n+1, n+2, n+3)
		args = append(args, l.InviteCode, l.Priority, l.Source)
	}
	sb.WriteString(` ON CONFLICT (invite_code) DO NOTHING`)

	res, err := r.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert links: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

func (r *PostgresLinkStore) FindByID(ctx context.Context, id int64) (*types.Link, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM joinflow_schema.links WHERE id = $1`, id)
	link, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("link %d: %w", id, custom_errors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch link %d: %w", id, err)
	}
	return link, nil
}

func (r *PostgresLinkStore) ExistingInviteCodes(ctx context.Context, codes []string) (map[string]bool, error) {
	found := make(map[string]bool)
	if len(codes) == 0 {
		return found, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT invite_code FROM joinflow_schema.links WHERE invite_code = ANY($1)`, pq.Array(codes))
	if err != nil {
		return nil, fmt.Errorf("failed to look up invite codes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		found[code] = true
	}
	return found, rows.Err()
}

func (r *PostgresLinkStore) FetchValidated(ctx context.Context, limit int) ([]types.Link, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+linkColumns+`
		FROM joinflow_schema.links
		WHERE status = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, state.LinkValidated, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch validated links: %w", err)
	}
	defer rows.Close()

	var links []types.Link
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, *link)
	}
	return links, rows.Err()
}

func (r *PostgresLinkStore) ListByStatus(ctx context.Context, status state.LinkStatus, page int, pageSize int) (*types.PaginationResult[types.Link], error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * pageSize

	var totalItems int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM joinflow_schema.links WHERE status = $1`, status).Scan(&totalItems)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+linkColumns+`
		FROM joinflow_schema.links
		WHERE status = $1
		ORDER BY id ASC
		LIMIT $2 OFFSET $3
	`, status, pageSize, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []types.Link
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, *link)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return types.NewPaginationResult(links, totalItems, page, pageSize), nil
}

func statusStrings(statuses []state.LinkStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (r *PostgresLinkStore) Transition(ctx context.Context, id int64, from []state.LinkStatus, to state.LinkStatus) (bool, error) {
	if err := state.CheckLinkTransition(from, to); err != nil {
		return false, fmt.Errorf("link %d: %w", id, err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE joinflow_schema.links
		SET status = $1,
		    next_attempt_at = CASE WHEN $1 = 'validated' THEN NULL ELSE next_attempt_at END,
		    updated_at = now()
		WHERE id = $2 AND status = ANY($3)
	`, to, id, pq.Array(statusStrings(from)))
	if err != nil {
		return false, fmt.Errorf("failed to move link %d to %s: %w", id, to, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (r *PostgresLinkStore) MarkSucceeded(ctx context.Context, id int64, from state.LinkStatus, chipID int64, groupID string) (bool, error) {
	if err := state.CheckLinkTransition([]state.LinkStatus{from}, state.LinkSucceeded); err != nil {
		return false, fmt.Errorf("link %d: %w", id, err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE joinflow_schema.links
		SET status = $1,
		    chip_id = $2,
		    group_id = COALESCE(NULLIF($3, ''), group_id),
		    last_error = NULL,
		    next_attempt_at = NULL,
		    updated_at = now()
		WHERE id = $4 AND status = $5
	`, state.LinkSucceeded, chipID, groupID, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to mark link %d succeeded: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (r *PostgresLinkStore) MarkAwaitingApproval(ctx context.Context, id int64, chipID int64, groupID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE joinflow_schema.links
		SET status = $1,
		    chip_id = $2,
		    group_id = NULLIF($3, ''),
		    updated_at = now()
		WHERE id = $4 AND status = $5
	`, state.LinkAwaitingApproval, chipID, groupID, id, state.LinkInProgress)
	if err != nil {
		return false, fmt.Errorf("failed to mark link %d awaiting approval: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (r *PostgresLinkStore) IncrementAttempts(ctx context.Context, id int64) (int, int, error) {
	var attempts, maxAttempts int
	err := r.db.QueryRowContext(ctx, `
		UPDATE joinflow_schema.links
		SET attempts = attempts + 1,
		    updated_at = now()
		WHERE id = $1
		RETURNING attempts, max_attempts
	`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("link %d: %w", id, custom_errors.ErrNotFound)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to increment attempts of link %d: %w", id, err)
	}
	return attempts, maxAttempts, nil
}

func (r *PostgresLinkStore) MarkErrored(ctx context.Context, id int64, reason string, nextAttemptAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE joinflow_schema.links
		SET status = $1,
		    last_error = $2,
		    next_attempt_at = $3,
		    updated_at = now()
		WHERE id = $4 AND status = $5
	`, state.LinkErrored, reason, nextAttemptAt, id, state.LinkInProgress)
	if err != nil {
		return false, fmt.Errorf("failed to mark link %d errored: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (r *PostgresLinkStore) MarkAbandoned(ctx context.Context, id int64, reason string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE joinflow_schema.links
		SET status = $1,
		    last_error = $2,
		    abandoned_at = $3,
		    next_attempt_at = NULL,
		    updated_at = now()
		WHERE id = $4 AND status = $5
	`, state.LinkAbandoned, reason, at, id, state.LinkInProgress)
	if err != nil {
		return false, fmt.Errorf("failed to mark link %d abandoned: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (r *PostgresLinkStore) CountAllGroupedByStatus(ctx context.Context) (map[state.LinkStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) AS count
		FROM joinflow_schema.links
		GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[state.LinkStatus]int)
	for rows.Next() {
		var status state.LinkStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		result[status] = count
	}

	for _, status := range state.AllLinkStatuses {
		if _, ok := result[status]; !ok {
			result[status] = 0
		}
	}

	return result, rows.Err()
}

package storage

import (
	"context"
	"database/sql"
	"time"
)

const actionColumns = `id, org_id, trip_id, type, name, params, event, triggering_player_id,
	scheduled_at, created_at, applied_at, failed_at, failure, is_archived`

// InsertAction stores a pending action and sets its ID.
func (c *Client) InsertAction(ctx context.Context, a *ScheduledAction) error {
	return insertAction(ctx, c.db, a)
}

// InsertAction stores a pending action inside the transaction.
func (t *Tx) InsertAction(ctx context.Context, a *ScheduledAction) error {
	return insertAction(ctx, t.tx, a)
}

func insertAction(ctx context.Context, q querier, a *ScheduledAction) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	params, err := marshalJSON(nonNilMap(a.Params))
	if err != nil {
		return err
	}
	var event string
	if a.Event != nil {
		if event, err = marshalJSON(a.Event); err != nil {
			return err
		}
	}
	var player sql.NullString
	if a.TriggeringPlayerID != nil {
		player = sql.NullString{String: *a.TriggeringPlayerID, Valid: true}
	}

	return q.QueryRowContext(ctx, `
		INSERT INTO actions (org_id, trip_id, type, name, params, event, triggering_player_id,
			scheduled_at, created_at, is_archived)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		a.OrgID, a.TripID, string(a.Type), a.Name, params, event, player,
		toMillis(a.ScheduledAt), toMillis(a.CreatedAt), a.IsArchived).Scan(&a.ID)
}

// ListDueActions returns pending, non-archived actions scheduled at or before
// threshold, ordered by (scheduled_at, id). tripID "" means every trip.
func (c *Client) ListDueActions(ctx context.Context, threshold time.Time, tripID string) ([]ScheduledAction, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+actionColumns+`
		FROM actions
		WHERE applied_at IS NULL
		  AND failed_at IS NULL
		  AND is_archived = FALSE
		  AND scheduled_at <= $1
		  AND ($2 = '' OR trip_id = $2)
		ORDER BY scheduled_at ASC, id ASC`, toMillis(threshold), tripID)
	if err != nil {
		return nil, err
	}
	return scanActions(rows)
}

// ListActions returns every action of a trip in id order.
func (c *Client) ListActions(ctx context.Context, tripID string) ([]ScheduledAction, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+actionColumns+` FROM actions WHERE trip_id = $1 ORDER BY id ASC`, tripID)
	if err != nil {
		return nil, err
	}
	return scanActions(rows)
}

// MarkApplied sets applied_at on a still-pending row. It reports false if
// the row was already marked.
func (c *Client) MarkApplied(ctx context.Context, id int64, at time.Time) (bool, error) {
	return c.mark(ctx, `UPDATE actions SET applied_at = $1
		WHERE id = $2 AND applied_at IS NULL AND failed_at IS NULL`, toMillis(at), id)
}

// MarkFailed sets failed_at and the failure text on a still-pending row.
func (c *Client) MarkFailed(ctx context.Context, id int64, at time.Time, failure string) (bool, error) {
	return c.mark(ctx, `UPDATE actions SET failed_at = $1, failure = $2
		WHERE id = $3 AND applied_at IS NULL AND failed_at IS NULL`, toMillis(at), failure, id)
}

func (c *Client) mark(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ActionCounts is used by the metrics endpoint.
type ActionCounts struct {
	Pending int64
	Failed  int64
	Applied int64
}

func (c *Client) CountActions(ctx context.Context) (ActionCounts, error) {
	var counts ActionCounts
	err := c.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN applied_at IS NULL AND failed_at IS NULL AND is_archived = FALSE THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN failed_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN applied_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM actions`).Scan(&counts.Pending, &counts.Failed, &counts.Applied)
	return counts, err
}

func scanActions(rows *sql.Rows) ([]ScheduledAction, error) {
	defer rows.Close()

	var actions []ScheduledAction
	for rows.Next() {
		var a ScheduledAction
		var typ, params, event string
		var player sql.NullString
		var scheduledAt, createdAt int64
		var appliedAt, failedAt sql.NullInt64
		if err := rows.Scan(&a.ID, &a.OrgID, &a.TripID, &typ, &a.Name, &params, &event, &player,
			&scheduledAt, &createdAt, &appliedAt, &failedAt, &a.Failure, &a.IsArchived); err != nil {
			return nil, err
		}
		a.Type = ActionType(typ)
		if err := unmarshalJSON(params, &a.Params); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(event, &a.Event); err != nil {
			return nil, err
		}
		if player.Valid {
			id := player.String
			a.TriggeringPlayerID = &id
		}
		a.ScheduledAt = fromMillis(scheduledAt)
		a.CreatedAt = fromMillis(createdAt)
		a.AppliedAt = timePtr(appliedAt)
		a.FailedAt = timePtr(failedAt)
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

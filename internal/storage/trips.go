package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func (c *Client) CreateOrg(ctx context.Context, o *Org) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Tier == "" {
		o.Tier = TierFree
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO orgs (id, name, tier) VALUES ($1, $2, $3)`,
		o.ID, o.Name, o.Tier)
	return err
}

func (c *Client) GetOrg(ctx context.Context, id string) (*Org, error) {
	var o Org
	err := c.db.QueryRowContext(ctx,
		`SELECT id, name, tier FROM orgs WHERE id = $1`, id).Scan(&o.ID, &o.Name, &o.Tier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (c *Client) CreateExperience(ctx context.Context, e *Experience) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO experiences (id, org_id, title, domain) VALUES ($1, $2, $3, $4)`,
		e.ID, e.OrgID, e.Title, e.Domain)
	return err
}

func (c *Client) GetExperience(ctx context.Context, id string) (*Experience, error) {
	var e Experience
	err := c.db.QueryRowContext(ctx,
		`SELECT id, org_id, title, domain FROM experiences WHERE id = $1`, id).
		Scan(&e.ID, &e.OrgID, &e.Title, &e.Domain)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *Client) CreateScript(ctx context.Context, s *Script) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO scripts (id, experience_id, revision, content, is_active) VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.ExperienceID, s.Revision, s.Content, s.IsActive)
	return err
}

func (c *Client) GetScript(ctx context.Context, id string) (*Script, error) {
	return scanScript(c.db.QueryRowContext(ctx,
		`SELECT id, experience_id, revision, content, is_active FROM scripts WHERE id = $1`, id))
}

// ActiveScript returns the highest active revision of an experience's script.
func (c *Client) ActiveScript(ctx context.Context, experienceID string) (*Script, error) {
	return scanScript(c.db.QueryRowContext(ctx, `
		SELECT id, experience_id, revision, content, is_active
		FROM scripts
		WHERE experience_id = $1 AND is_active = TRUE
		ORDER BY revision DESC
		LIMIT 1`, experienceID))
}

func scanScript(row *sql.Row) (*Script, error) {
	var s Script
	err := row.Scan(&s.ID, &s.ExperienceID, &s.Revision, &s.Content, &s.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

const tripColumns = `id, org_id, experience_id, script_id, group_id, title, current_scene,
	value_bag, schedule, history, last_scheduled_at, is_archived, created_at, updated_at`

// CreateTrip inserts a trip, assigning an id when empty.
func (c *Client) CreateTrip(ctx context.Context, t *Trip) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}

	values, err := marshalJSON(nonNilMap(t.Values))
	if err != nil {
		return err
	}
	schedule, err := marshalJSON(t.Schedule)
	if err != nil {
		return err
	}
	history, err := marshalJSON(t.History)
	if err != nil {
		return err
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO trips (`+tripColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.OrgID, t.ExperienceID, t.ScriptID, t.GroupID, t.Title, t.CurrentScene,
		values, schedule, history, nullMillis(t.LastScheduledAt), t.IsArchived,
		toMillis(t.CreatedAt), toMillis(t.UpdatedAt))
	return err
}

func (c *Client) GetTrip(ctx context.Context, id string) (*Trip, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	trips, err := scanTrips(rows)
	if err != nil {
		return nil, err
	}
	if len(trips) == 0 {
		return nil, ErrNotFound
	}
	return &trips[0], nil
}

// ListTripsToSchedule returns non-archived trips whose watermark is unset or
// not after threshold.
func (c *Client) ListTripsToSchedule(ctx context.Context, threshold time.Time) ([]Trip, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+tripColumns+`
		FROM trips
		WHERE is_archived = FALSE
		  AND (last_scheduled_at IS NULL OR last_scheduled_at <= $1)
		ORDER BY created_at ASC, id ASC`, toMillis(threshold))
	if err != nil {
		return nil, err
	}
	return scanTrips(rows)
}

// AdvanceLastScheduled moves the trip watermark forward to threshold. It
// reports false when the stored watermark is already at or past threshold.
func (c *Client) AdvanceLastScheduled(ctx context.Context, tripID string, threshold time.Time) (bool, error) {
	return advanceLastScheduled(ctx, c.db, tripID, threshold)
}

// AdvanceLastScheduled moves the watermark inside the transaction.
func (t *Tx) AdvanceLastScheduled(ctx context.Context, tripID string, threshold time.Time) (bool, error) {
	return advanceLastScheduled(ctx, t.tx, tripID, threshold)
}

func advanceLastScheduled(ctx context.Context, q querier, tripID string, threshold time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE trips SET last_scheduled_at = $1
		WHERE id = $2 AND (last_scheduled_at IS NULL OR last_scheduled_at < $1)`,
		toMillis(threshold), tripID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ArchiveTrip archives the trip and mirrors the flag onto its actions.
func (c *Client) ArchiveTrip(ctx context.Context, tripID string) error {
	return c.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx,
			`UPDATE trips SET is_archived = TRUE, updated_at = $1 WHERE id = $2`,
			toMillis(time.Now()), tripID); err != nil {
			return err
		}
		_, err := tx.tx.ExecContext(ctx,
			`UPDATE actions SET is_archived = TRUE WHERE trip_id = $1`, tripID)
		return err
	})
}

// UpdateTripState writes the fields the kernel is allowed to change.
func (t *Tx) UpdateTripState(ctx context.Context, trip *Trip) error {
	return updateTripState(ctx, t.tx, trip)
}

func updateTripState(ctx context.Context, q querier, trip *Trip) error {
	values, err := marshalJSON(nonNilMap(trip.Values))
	if err != nil {
		return err
	}
	schedule, err := marshalJSON(trip.Schedule)
	if err != nil {
		return err
	}
	history, err := marshalJSON(trip.History)
	if err != nil {
		return err
	}
	trip.UpdatedAt = time.Now().UTC()
	_, err = q.ExecContext(ctx, `
		UPDATE trips SET current_scene = $1, value_bag = $2, schedule = $3, history = $4, updated_at = $5
		WHERE id = $6`,
		trip.CurrentScene, values, schedule, history, toMillis(trip.UpdatedAt), trip.ID)
	return err
}

func scanTrips(rows *sql.Rows) ([]Trip, error) {
	defer rows.Close()

	var trips []Trip
	for rows.Next() {
		var t Trip
		var values, schedule, history string
		var lastScheduled sql.NullInt64
		var createdAt, updatedAt int64
		if err := rows.Scan(&t.ID, &t.OrgID, &t.ExperienceID, &t.ScriptID, &t.GroupID, &t.Title,
			&t.CurrentScene, &values, &schedule, &history, &lastScheduled, &t.IsArchived,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(values, &t.Values); err != nil {
			return nil, fmt.Errorf("trip %s values: %w", t.ID, err)
		}
		if err := unmarshalJSON(schedule, &t.Schedule); err != nil {
			return nil, fmt.Errorf("trip %s schedule: %w", t.ID, err)
		}
		if err := unmarshalJSON(history, &t.History); err != nil {
			return nil, fmt.Errorf("trip %s history: %w", t.ID, err)
		}
		if t.Values == nil {
			t.Values = map[string]interface{}{}
		}
		if t.History == nil {
			t.History = map[string]time.Time{}
		}
		t.LastScheduledAt = timePtr(lastScheduled)
		t.CreatedAt = fromMillis(createdAt)
		t.UpdatedAt = fromMillis(updatedAt)
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

func (c *Client) CreatePlayer(ctx context.Context, p *Player) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	values, err := marshalJSON(nonNilMap(p.Values))
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO players (id, trip_id, role_name, name, phone_number, value_bag)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.TripID, p.RoleName, p.Name, p.PhoneNumber, values)
	return err
}

// ListPlayers returns the players of a trip in role order.
func (c *Client) ListPlayers(ctx context.Context, tripID string) ([]Player, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, trip_id, role_name, name, phone_number, value_bag
		FROM players WHERE trip_id = $1
		ORDER BY role_name ASC, id ASC`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var players []Player
	for rows.Next() {
		var p Player
		var values string
		if err := rows.Scan(&p.ID, &p.TripID, &p.RoleName, &p.Name, &p.PhoneNumber, &values); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(values, &p.Values); err != nil {
			return nil, err
		}
		players = append(players, p)
	}
	return players, rows.Err()
}

// FindPlayerByRole returns the trip's player for a role.
func (c *Client) FindPlayerByRole(ctx context.Context, tripID, roleName string) (*Player, error) {
	players, err := c.ListPlayers(ctx, tripID)
	if err != nil {
		return nil, err
	}
	for i := range players {
		if players[i].RoleName == roleName {
			return &players[i], nil
		}
	}
	return nil, ErrNotFound
}

// UpdatePlayerValues replaces a player's value bag.
func (t *Tx) UpdatePlayerValues(ctx context.Context, playerID string, values map[string]interface{}) error {
	encoded, err := marshalJSON(nonNilMap(values))
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `UPDATE players SET value_bag = $1 WHERE id = $2`, encoded, playerID)
	return err
}

func nonNilMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

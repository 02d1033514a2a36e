package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

const relayColumns = `id, stage, org_id, experience_id, trip_id, for_role_name, with_role_name,
	as_role_name, for_phone_number, relay_phone_number, messaging_service_id, last_active_at,
	is_active, created_at`

// FindRelay returns the active relay for the uniqueness tuple.
func (c *Client) FindRelay(ctx context.Context, key RelayKey) (*Relay, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+relayColumns+`
		FROM relays
		WHERE stage = $1 AND trip_id = $2 AND for_role_name = $3
		  AND with_role_name = $4 AND as_role_name = $5 AND for_phone_number = $6
		  AND is_active = TRUE`,
		key.Stage, key.TripID, key.ForRoleName, key.WithRoleName, key.AsRoleName, key.ForPhoneNumber)
	if err != nil {
		return nil, err
	}
	return firstRelay(rows)
}

// InsertRelayIfAbsent inserts r unless an active relay with the same tuple
// already exists. It reports whether this call created the row. A new relay
// counts as active from its creation.
func (c *Client) InsertRelayIfAbsent(ctx context.Context, r *Relay) (bool, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.LastActiveAt == nil {
		at := r.CreatedAt
		r.LastActiveAt = &at
	}
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO relays (id, stage, org_id, experience_id, trip_id, for_role_name,
			with_role_name, as_role_name, for_phone_number, relay_phone_number,
			messaging_service_id, last_active_at, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT DO NOTHING`,
		r.ID, r.Stage, r.OrgID, r.ExperienceID, r.TripID, r.ForRoleName,
		r.WithRoleName, r.AsRoleName, r.ForPhoneNumber, r.RelayPhoneNumber,
		r.MessagingServiceID, nullMillis(r.LastActiveAt), r.IsActive, toMillis(r.CreatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *Client) GetRelay(ctx context.Context, id string) (*Relay, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT `+relayColumns+` FROM relays WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return firstRelay(rows)
}

// FindRelayByNumbers resolves an inbound call or text. A relay bound to the
// caller's number wins over a wildcard relay on the same leased number.
func (c *Client) FindRelayByNumbers(ctx context.Context, stage, relayNumber, participantNumber string) (*Relay, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+relayColumns+`
		FROM relays
		WHERE stage = $1 AND relay_phone_number = $2 AND is_active = TRUE
		  AND (for_phone_number = $3 OR for_phone_number = '')
		ORDER BY CASE WHEN for_phone_number = '' THEN 1 ELSE 0 END, created_at DESC`,
		stage, relayNumber, participantNumber)
	if err != nil {
		return nil, err
	}
	return firstRelay(rows)
}

// ListRelaysByPhoneNumber returns every relay, active or not, on a leased
// number across stages.
func (c *Client) ListRelaysByPhoneNumber(ctx context.Context, relayNumber string) ([]Relay, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+relayColumns+` FROM relays WHERE relay_phone_number = $1 ORDER BY created_at ASC`,
		relayNumber)
	if err != nil {
		return nil, err
	}
	return scanRelays(rows)
}

// TouchRelay records activity on a relay.
func (c *Client) TouchRelay(ctx context.Context, id string, at time.Time) error {
	_, err := c.db.ExecContext(ctx, `UPDATE relays SET last_active_at = $1 WHERE id = $2`,
		toMillis(at), id)
	return err
}

// DeactivateRelaysForNumber retires every relay on a leased number.
func (c *Client) DeactivateRelaysForNumber(ctx context.Context, relayNumber string) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE relays SET is_active = FALSE WHERE relay_phone_number = $1 AND is_active = TRUE`,
		relayNumber)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RelayNumberInUse reports whether an active relay in the trip's stage
// already presents number to forPhone. An empty forPhone, or a wildcard
// relay, conflicts with everything.
func (c *Client) RelayNumberInUse(ctx context.Context, stage, number, forPhone string) (bool, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM relays
		WHERE stage = $1 AND relay_phone_number = $2 AND is_active = TRUE
		  AND (for_phone_number = $3 OR for_phone_number = '' OR $3 = '')`,
		stage, number, forPhone).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func firstRelay(rows *sql.Rows) (*Relay, error) {
	relays, err := scanRelays(rows)
	if err != nil {
		return nil, err
	}
	if len(relays) == 0 {
		return nil, ErrNotFound
	}
	return &relays[0], nil
}

func scanRelays(rows *sql.Rows) ([]Relay, error) {
	defer rows.Close()

	var relays []Relay
	for rows.Next() {
		var r Relay
		var lastActive sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.Stage, &r.OrgID, &r.ExperienceID, &r.TripID,
			&r.ForRoleName, &r.WithRoleName, &r.AsRoleName, &r.ForPhoneNumber,
			&r.RelayPhoneNumber, &r.MessagingServiceID, &lastActive, &r.IsActive,
			&createdAt); err != nil {
			return nil, err
		}
		r.LastActiveAt = timePtr(lastActive)
		r.CreatedAt = fromMillis(createdAt)
		relays = append(relays, r)
	}
	return relays, rows.Err()
}

// --- relay services and entryways ---

func (c *Client) CreateRelayService(ctx context.Context, s *RelayService) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO relay_services (id, stage, org_id, phone_number, service_sid, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.Stage, s.OrgID, s.PhoneNumber, s.ServiceSID, s.IsActive)
	return err
}

// ListRelayServices returns the active pool numbers an org may draw from:
// numbers dedicated to the org first, then the shared pool.
func (c *Client) ListRelayServices(ctx context.Context, stage, orgID string) ([]RelayService, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, stage, org_id, phone_number, service_sid, is_active
		FROM relay_services
		WHERE stage = $1 AND is_active = TRUE AND (org_id = $2 OR org_id = '')
		ORDER BY CASE WHEN org_id = '' THEN 1 ELSE 0 END, phone_number ASC`,
		stage, orgID)
	if err != nil {
		return nil, err
	}
	return scanRelayServices(rows)
}

// GetRelayServiceByNumber looks up a pool number in any stage.
func (c *Client) GetRelayServiceByNumber(ctx context.Context, phoneNumber string) (*RelayService, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, stage, org_id, phone_number, service_sid, is_active
		FROM relay_services WHERE phone_number = $1
		ORDER BY CASE WHEN is_active THEN 0 ELSE 1 END`, phoneNumber)
	if err != nil {
		return nil, err
	}
	services, err := scanRelayServices(rows)
	if err != nil {
		return nil, err
	}
	if len(services) == 0 {
		return nil, ErrNotFound
	}
	return &services[0], nil
}

func (c *Client) DeactivateRelayService(ctx context.Context, phoneNumber string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE relay_services SET is_active = FALSE WHERE phone_number = $1`, phoneNumber)
	return err
}

func scanRelayServices(rows *sql.Rows) ([]RelayService, error) {
	defer rows.Close()

	var services []RelayService
	for rows.Next() {
		var s RelayService
		if err := rows.Scan(&s.ID, &s.Stage, &s.OrgID, &s.PhoneNumber, &s.ServiceSID, &s.IsActive); err != nil {
			return nil, err
		}
		services = append(services, s)
	}
	return services, rows.Err()
}

func (c *Client) CreateEntryway(ctx context.Context, e *RelayEntryway) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO relay_entryways (id, org_id, experience_id, relay_service_id, role_name,
			as_role_name, welcome, keyword)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.OrgID, e.ExperienceID, e.RelayServiceID, e.RoleName, e.AsRoleName, e.Welcome, e.Keyword)
	return err
}

// FindEntryways returns the entryways attached to an active pool number in
// the given stage.
func (c *Client) FindEntryways(ctx context.Context, stage, phoneNumber string) ([]RelayEntryway, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT e.id, e.org_id, e.experience_id, e.relay_service_id, e.role_name, e.as_role_name,
			e.welcome, e.keyword
		FROM relay_entryways e
		JOIN relay_services s ON s.id = e.relay_service_id
		WHERE s.stage = $1 AND s.phone_number = $2 AND s.is_active = TRUE
		ORDER BY e.id ASC`, stage, phoneNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entryways []RelayEntryway
	for rows.Next() {
		var e RelayEntryway
		if err := rows.Scan(&e.ID, &e.OrgID, &e.ExperienceID, &e.RelayServiceID,
			&e.RoleName, &e.AsRoleName, &e.Welcome, &e.Keyword); err != nil {
			return nil, err
		}
		entryways = append(entryways, e)
	}
	return entryways, rows.Err()
}

// LastRelayActivity returns the most recent activity on a leased number:
// the newest last_active_at of its relays or updated_at of their trips. It
// is nil when nothing refers to the number.
func (c *Client) LastRelayActivity(ctx context.Context, relayNumber string) (*time.Time, error) {
	var last sql.NullInt64
	err := c.db.QueryRowContext(ctx, `
		SELECT MAX(at) FROM (
			SELECT last_active_at AS at FROM relays WHERE relay_phone_number = $1
			UNION ALL
			SELECT t.updated_at AS at FROM relays r JOIN trips t ON t.id = r.trip_id
			WHERE r.relay_phone_number = $1
		) activity`, relayNumber).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return timePtr(last), nil
}

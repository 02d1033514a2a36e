package storage

import (
	"context"
	"time"
)

const (
	defaultLogLimit = 200
	maxLogLimit     = 10000
)

// AppendLogEntry writes one audit event. It satisfies events.Sink.
func (c *Client) AppendLogEntry(ts time.Time, tripID, level, event, msg string, fields map[string]interface{}) error {
	var encoded string
	if len(fields) > 0 {
		var err error
		if encoded, err = marshalJSON(fields); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO log_entries (ts, trip_id, level, event, msg, fields)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		toMillis(ts), tripID, level, event, msg, encoded)
	return err
}

// QueryLogEntries returns a trip's audit log, newest first.
func (c *Client) QueryLogEntries(ctx context.Context, tripID string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, ts, trip_id, level, event, msg, fields
		FROM log_entries
		WHERE trip_id = $1
		ORDER BY ts DESC, id DESC
		LIMIT $2`, tripID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var ts int64
		var fields string
		if err := rows.Scan(&e.ID, &ts, &e.TripID, &e.Level, &e.Event, &e.Message, &fields); err != nil {
			return nil, err
		}
		e.Timestamp = fromMillis(ts)
		if err := unmarshalJSON(fields, &e.Fields); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

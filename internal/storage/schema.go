package storage

import "fmt"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS orgs (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	tier TEXT NOT NULL DEFAULT 'free'
);

CREATE TABLE IF NOT EXISTS experiences (
	id     TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	title  TEXT NOT NULL,
	domain TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS scripts (
	id            TEXT PRIMARY KEY,
	experience_id TEXT NOT NULL,
	revision      INTEGER NOT NULL,
	content       TEXT NOT NULL,
	is_active     BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS trips (
	id                TEXT PRIMARY KEY,
	org_id            TEXT NOT NULL,
	experience_id     TEXT NOT NULL,
	script_id         TEXT NOT NULL,
	group_id          TEXT NOT NULL DEFAULT '',
	title             TEXT NOT NULL DEFAULT '',
	current_scene     TEXT NOT NULL DEFAULT '',
	value_bag         TEXT NOT NULL DEFAULT '{}',
	schedule          TEXT NOT NULL DEFAULT '{}',
	history           TEXT NOT NULL DEFAULT '{}',
	last_scheduled_at BIGINT,
	is_archived       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at        BIGINT NOT NULL,
	updated_at        BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trips_last_scheduled ON trips(is_archived, last_scheduled_at);

CREATE TABLE IF NOT EXISTS players (
	id           TEXT PRIMARY KEY,
	trip_id      TEXT NOT NULL,
	role_name    TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	phone_number TEXT NOT NULL DEFAULT '',
	value_bag    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_players_trip ON players(trip_id);

CREATE TABLE IF NOT EXISTS actions (
	id                   %[1]s,
	org_id               TEXT NOT NULL,
	trip_id              TEXT NOT NULL,
	type                 TEXT NOT NULL,
	name                 TEXT NOT NULL,
	params               TEXT NOT NULL DEFAULT '{}',
	event                TEXT NOT NULL DEFAULT '',
	triggering_player_id TEXT,
	scheduled_at         BIGINT NOT NULL,
	created_at           BIGINT NOT NULL,
	applied_at           BIGINT,
	failed_at            BIGINT,
	failure              TEXT NOT NULL DEFAULT '',
	is_archived          BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_actions_due ON actions(scheduled_at, id);
CREATE INDEX IF NOT EXISTS idx_actions_trip ON actions(trip_id);

CREATE TABLE IF NOT EXISTS relays (
	id                   TEXT PRIMARY KEY,
	stage                TEXT NOT NULL,
	org_id               TEXT NOT NULL,
	experience_id        TEXT NOT NULL,
	trip_id              TEXT NOT NULL,
	for_role_name        TEXT NOT NULL,
	with_role_name       TEXT NOT NULL,
	as_role_name         TEXT NOT NULL,
	for_phone_number     TEXT NOT NULL DEFAULT '',
	relay_phone_number   TEXT NOT NULL,
	messaging_service_id TEXT NOT NULL DEFAULT '',
	last_active_at       BIGINT,
	is_active            BOOLEAN NOT NULL DEFAULT TRUE,
	created_at           BIGINT NOT NULL
);
DROP INDEX IF EXISTS idx_relays_tuple;
CREATE UNIQUE INDEX IF NOT EXISTS idx_relays_active_tuple
	ON relays(stage, trip_id, for_role_name, with_role_name, as_role_name, for_phone_number)
	WHERE is_active = TRUE;
CREATE INDEX IF NOT EXISTS idx_relays_number ON relays(stage, relay_phone_number);

CREATE TABLE IF NOT EXISTS relay_services (
	id           TEXT PRIMARY KEY,
	stage        TEXT NOT NULL,
	org_id       TEXT NOT NULL DEFAULT '',
	phone_number TEXT NOT NULL,
	service_sid  TEXT NOT NULL DEFAULT '',
	is_active    BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_relay_services_number ON relay_services(stage, phone_number);

CREATE TABLE IF NOT EXISTS relay_entryways (
	id               TEXT PRIMARY KEY,
	org_id           TEXT NOT NULL,
	experience_id    TEXT NOT NULL,
	relay_service_id TEXT NOT NULL,
	role_name        TEXT NOT NULL,
	as_role_name     TEXT NOT NULL DEFAULT '',
	welcome          TEXT NOT NULL DEFAULT '',
	keyword          TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS log_entries (
	id      %[1]s,
	ts      BIGINT NOT NULL,
	trip_id TEXT NOT NULL DEFAULT '',
	level   TEXT NOT NULL,
	event   TEXT NOT NULL,
	msg     TEXT NOT NULL DEFAULT '',
	fields  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_log_entries_trip ON log_entries(trip_id, ts);
`

func (c *Client) createTables() error {
	serial := "BIGSERIAL PRIMARY KEY"
	if c.driver == "sqlite3" {
		serial = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	_, err := c.db.Exec(fmt.Sprintf(schemaSQL, serial))
	return err
}

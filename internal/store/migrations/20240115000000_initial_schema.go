package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20240115000000_initial_schema",
		Up: []string{`
CREATE TABLE nodes (
	node_id           INTEGER PRIMARY KEY,
	name              TEXT NOT NULL,
	role              TEXT NOT NULL CHECK (role IN ('primary', 'standby', 'witness')),
	location          TEXT NOT NULL DEFAULT 'default',
	priority          INTEGER NOT NULL DEFAULT 100,
	conninfo          TEXT NOT NULL,
	upstream_node_id  INTEGER REFERENCES nodes (node_id),
	slot_name         TEXT,
	active            BOOLEAN NOT NULL DEFAULT TRUE
)
		`, `
CREATE TABLE events (
	id          BIGSERIAL PRIMARY KEY,
	node_id     INTEGER NOT NULL,
	event_type  TEXT NOT NULL,
	success     BOOLEAN NOT NULL,
	ts          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	detail      TEXT NOT NULL DEFAULT ''
)
		`, `
CREATE TABLE voting_term (
	term_id            BIGINT PRIMARY KEY,
	candidate_node_id  INTEGER NOT NULL,
	acquired_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
)
		`, `
-- node_status is the quorum service-discovery table: each daemon records
-- its own last contact attempt with each peer, generalizing the teacher's
-- Praefect-process discovery (node_status keyed by praefect_name) to
-- standby daemons keyed by the reporting node's own node_id.
CREATE TABLE node_status (
	reporter_node_id         INTEGER NOT NULL,
	peer_node_id             INTEGER NOT NULL,
	last_contact_attempt_at  TIMESTAMPTZ NOT NULL,
	last_seen_active_at      TIMESTAMPTZ,
	PRIMARY KEY (reporter_node_id, peer_node_id)
)
		`},
		Down: []string{
			`DROP TABLE node_status`,
			`DROP TABLE voting_term`,
			`DROP TABLE events`,
			`DROP TABLE nodes`,
		},
	}

	All = append(All, m)
}

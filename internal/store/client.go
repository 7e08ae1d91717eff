package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "github.com/lib/pq"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"

	"github.com/EnterpriseDB/repmgr-sub004/internal/errs"
	"github.com/EnterpriseDB/repmgr-sub004/internal/store/migrations"
)

// Client wraps the cluster metadata table operations (spec §4.4) behind
// single-writer transactional idioms, the same database/sql + lib/pq
// idiom as the teacher's nodes.sqlElector. On loss of the local DBMS
// connection the client enters a "blocked" state: no writes are retried
// until reconnection, and callers see errs.StoreUnavailable rather than
// silent success (spec §4.4's closing paragraph).
type Client struct {
	db  *sql.DB
	log logrus.FieldLogger

	mu      sync.RWMutex
	blocked bool
}

// Open connects to the cluster metadata store at dsn (a libpq connection
// string, the same dialect as the monitored DBMS node's conninfo) and
// applies pending migrations.
func Open(ctx context.Context, dsn string, log logrus.FieldLogger) (*Client, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errs.New(errs.StoreUnavailable, "open", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errs.New(errs.StoreUnavailable, "ping", err)
	}

	if _, err := migrate.ExecContext(ctx, db, "postgres", migrations.Source(), migrate.Up); err != nil {
		db.Close()
		return nil, errs.New(errs.StoreUnavailable, "migrate", err)
	}

	return &Client{db: db, log: log}, nil
}

// Close closes the underlying connection pool.
func (c *Client) Close() error { return c.db.Close() }

func (c *Client) setBlocked(blocked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blocked != blocked {
		c.log.WithField("blocked", blocked).Info("metadata store availability changed")
	}
	c.blocked = blocked
}

// Blocked reports whether the most recent store operation failed, i.e.
// whether the local DBMS connection was last observed down. The flag is
// informational: later calls are still attempted while it is set.
func (c *Client) Blocked() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocked
}

func (c *Client) wrapErr(op string, err error) error {
	if err == nil {
		c.setBlocked(false)
		return nil
	}
	c.setBlocked(true)
	return errs.New(errs.StoreUnavailable, op, err)
}

// Nodes returns the full node inventory, ordered by node_id, for the Node
// Directory's refresh() operation (spec §4.1).
func (c *Client) Nodes(ctx context.Context) ([]Node, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT node_id, name, role, location, priority, conninfo, upstream_node_id, slot_name, active
		FROM nodes
		ORDER BY node_id`)
	if err != nil {
		return nil, c.wrapErr("nodes", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var n Node
		var upstream sql.NullInt64
		var slot sql.NullString
		if err := rows.Scan(&n.NodeID, &n.Name, &n.Role, &n.Location, &n.Priority,
			&n.Conninfo, &upstream, &slot, &n.Active); err != nil {
			return nil, c.wrapErr("nodes scan", err)
		}
		if upstream.Valid {
			id := int(upstream.Int64)
			n.UpstreamNodeID = &id
		}
		n.SlotName = slot.String
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, c.wrapErr("nodes rows", err)
	}

	c.setBlocked(false)
	return out, nil
}

// SetActive implements spec §4.4's set_active(node_id, bool).
func (c *Client) SetActive(ctx context.Context, nodeID int, active bool) error {
	_, err := c.db.ExecContext(ctx, `UPDATE nodes SET active = $1 WHERE node_id = $2`, active, nodeID)
	return c.wrapErr("set_active", err)
}

// SetUpstream implements spec §4.4's set_upstream(node_id, upstream_id).
// A nil upstreamID clears the column (used when a node becomes primary).
func (c *Client) SetUpstream(ctx context.Context, nodeID int, upstreamID *int) error {
	_, err := c.db.ExecContext(ctx, `UPDATE nodes SET upstream_node_id = $1 WHERE node_id = $2`, upstreamID, nodeID)
	return c.wrapErr("set_upstream", err)
}

// SetRole updates a node's role and active flag together, used by the
// promoted node (spec §4.5.5.c: "update own Node record to primary role,
// bump active=true").
func (c *Client) SetRole(ctx context.Context, nodeID int, role Role, active bool) error {
	_, err := c.db.ExecContext(ctx, `UPDATE nodes SET role = $1, active = $2 WHERE node_id = $3`, role, active, nodeID)
	return c.wrapErr("set_role", err)
}

// AcquireVotingTerm implements spec §4.4's
// acquire_voting_term(proposed_id, candidate_id) -> {acquired,
// lost_to(existing_candidate)}: a conditional insert that succeeds only
// when proposed_id exceeds the current max term_id. This is the cluster's
// only strongly-contended resource (spec §5); correctness relies entirely
// on the store's transactional visibility, not on application-level
// locking.
func (c *Client) AcquireVotingTerm(ctx context.Context, proposedID int64, candidateNodeID int) (AcquireResult, error) {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return AcquireResult{}, c.wrapErr("acquire_voting_term begin", err)
	}
	defer tx.Rollback()

	var existing VotingTerm
	err = tx.QueryRowContext(ctx, `
		SELECT term_id, candidate_node_id, acquired_at FROM voting_term
		ORDER BY term_id DESC LIMIT 1 FOR UPDATE`).
		Scan(&existing.TermID, &existing.CandidateNodeID, &existing.AcquiredAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		// No term has ever been acquired; any proposal succeeds.
	case err != nil:
		return AcquireResult{}, c.wrapErr("acquire_voting_term lookup", err)
	case proposedID <= existing.TermID:
		return AcquireResult{Acquired: false, ExistingID: existing.TermID, Existing: existing}, nil
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO voting_term (term_id, candidate_node_id, acquired_at) VALUES ($1, $2, $3)`,
		proposedID, candidateNodeID, now); err != nil {
		return AcquireResult{}, c.wrapErr("acquire_voting_term insert", err)
	}

	if err := tx.Commit(); err != nil {
		return AcquireResult{}, c.wrapErr("acquire_voting_term commit", err)
	}

	c.setBlocked(false)
	return AcquireResult{Acquired: true}, nil
}

// ReleaseVotingTerm is the release step of spec §4.5.5.d / §4.7 (failed
// promotion, shutdown). It is a no-op: nothing is written to voting_term.
// Because acquisition is governed purely by proposed_id > current max
// (not by ownership tracking), a release would have no effect on future
// acquisitions; an abandoned term is visible only through the event the
// caller appends.
func (c *Client) ReleaseVotingTerm(ctx context.Context, termID int64) error {
	return nil
}

// CurrentTerm returns the highest acquired term_id, or 0 if none exists.
func (c *Client) CurrentTerm(ctx context.Context) (int64, error) {
	var termID int64
	err := c.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(term_id), 0) FROM voting_term`).Scan(&termID)
	if err != nil {
		return 0, c.wrapErr("current_term", err)
	}
	c.setBlocked(false)
	return termID, nil
}

// AppendEvent implements spec §4.4's append_event(...) / C8's metadata-store
// sink. Event ids are strictly increasing (invariant I4) via the events
// table's BIGSERIAL primary key.
func (c *Client) AppendEvent(ctx context.Context, ev Event) (int64, error) {
	var id int64
	err := c.db.QueryRowContext(ctx, `
		INSERT INTO events (node_id, event_type, success, ts, detail)
		VALUES ($1, $2, $3, NOW(), $4)
		RETURNING id`,
		ev.NodeID, string(ev.EventType), ev.Success, ev.Detail).Scan(&id)
	if err != nil {
		return 0, c.wrapErr("append_event", err)
	}
	c.setBlocked(false)
	return id, nil
}

// Events returns up to limit events, newest first (descending id), for the
// CLI's `cluster event` surface
// and for tests asserting the round-trip property of spec §8.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, node_id, event_type, success, ts, detail
		FROM events ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, c.wrapErr("events", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var eventType string
		if err := rows.Scan(&ev.ID, &ev.NodeID, &eventType, &ev.Success, &ev.Timestamp, &ev.Detail); err != nil {
			return nil, c.wrapErr("events scan", err)
		}
		ev.EventType = EventType(eventType)
		out = append(out, ev)
	}
	c.setBlocked(false)
	return out, rows.Err()
}

// RecordContactAttempt implements the node_status bookkeeping that backs
// the store-mediated primary-visibility signal read by PeerVisibleCount:
// the reporting daemon records that it attempted (and, if ok, succeeded)
// to reach peerNodeID.
func (c *Client) RecordContactAttempt(ctx context.Context, reporterNodeID, peerNodeID int, reachable bool) error {
	now := time.Now()

	var err error
	if reachable {
		_, err = c.db.ExecContext(ctx, `
			INSERT INTO node_status (reporter_node_id, peer_node_id, last_contact_attempt_at, last_seen_active_at)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (reporter_node_id, peer_node_id)
			DO UPDATE SET last_contact_attempt_at = EXCLUDED.last_contact_attempt_at,
			              last_seen_active_at = EXCLUDED.last_seen_active_at`,
			reporterNodeID, peerNodeID, now)
	} else {
		_, err = c.db.ExecContext(ctx, `
			INSERT INTO node_status (reporter_node_id, peer_node_id, last_contact_attempt_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (reporter_node_id, peer_node_id)
			DO UPDATE SET last_contact_attempt_at = EXCLUDED.last_contact_attempt_at`,
			reporterNodeID, peerNodeID, now)
	}

	return c.wrapErr("record_contact_attempt", err)
}

// ActiveReporters counts distinct reporter_node_id rows updated within
// window, the same "crude form of service discovery" the teacher's
// sqlElector.getQuorumCount uses to size the voting-member set.
func (c *Client) ActiveReporters(ctx context.Context, window time.Duration) (int, error) {
	var count int
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT reporter_node_id) FROM node_status
		WHERE last_contact_attempt_at >= NOW() - $1 * INTERVAL '1 microsecond'`,
		window.Microseconds()).Scan(&count)
	if err != nil {
		return 0, c.wrapErr("active_reporters", err)
	}
	c.setBlocked(false)
	return count, nil
}

// PeerVisibleCount counts distinct daemons that have reported peerNodeID
// reachable within window — the store-mediated substitute for asking
// "does any peer daemon see the primary" directly, since daemons
// communicate only through the shared metadata store (spec §4.5.3.e's
// primary_visibility_consensus).
func (c *Client) PeerVisibleCount(ctx context.Context, peerNodeID int, window time.Duration) (int, error) {
	var count int
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT reporter_node_id) FROM node_status
		WHERE peer_node_id = $1 AND last_seen_active_at >= NOW() - $2 * INTERVAL '1 microsecond'`,
		peerNodeID, window.Microseconds()).Scan(&count)
	if err != nil {
		return 0, c.wrapErr("peer_visible_count", err)
	}
	c.setBlocked(false)
	return count, nil
}

// Package replication implements the Replication Inspector (C3, spec.md
// §4.3): querying a node's live recovery/replication status from the DBMS
// and comparing candidates by replay progress during an election.
package replication

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// LSN is an unsigned 64-bit log sequence number (spec §4.3). Zero is a
// valid LSN (the start of the log); LSNUnknown is the sentinel for "could
// not be determined", distinct from zero.
type LSN uint64

// LSNUnknown marks an LSN that could not be read, as distinct from a
// genuinely zero position. Candidate comparisons must never treat the two
// the same way (spec §4.3, §4.5.4.b).
const LSNUnknown LSN = ^LSN(0)

// Status is a node's live replication state, as read directly from the
// DBMS (never cached across monitor ticks: spec §4.3 requires fresh
// reads for every election round).
type Status struct {
	IsInRecovery            bool
	LastReceivedLSN         LSN
	LastReplayedLSN         LSN
	TimelineID              int64
	UpstreamApplicationName string
}

// Inspector queries replication status over a direct DBMS connection.
type Inspector struct{}

// New builds an Inspector.
func New() *Inspector { return &Inspector{} }

// Inspect connects to conninfo and reads back the node's current
// recovery/replication status. The connection is opened and closed per
// call; nothing is pooled or cached between calls.
func (i *Inspector) Inspect(ctx context.Context, conninfo string) (Status, error) {
	db, err := sql.Open("postgres", conninfo)
	if err != nil {
		return Status{}, fmt.Errorf("opening replication status connection: %w", err)
	}
	defer db.Close()

	var st Status
	row := db.QueryRowContext(ctx, recoveryStatusQuery)
	if err := row.Scan(&st.IsInRecovery); err != nil {
		return Status{}, fmt.Errorf("querying recovery status: %w", err)
	}

	if st.IsInRecovery {
		if err := i.inspectStandby(ctx, db, &st); err != nil {
			return Status{}, err
		}
	} else {
		if err := i.inspectPrimary(ctx, db, &st); err != nil {
			return Status{}, err
		}
	}

	return st, nil
}

func (i *Inspector) inspectStandby(ctx context.Context, db *sql.DB, st *Status) error {
	row := db.QueryRowContext(ctx, standbyLSNQuery)
	var received, replayed sql.NullString
	var appName sql.NullString
	if err := row.Scan(&received, &replayed, &appName); err != nil {
		return fmt.Errorf("querying standby replication status: %w", err)
	}
	st.LastReceivedLSN = parseLSN(received)
	st.LastReplayedLSN = parseLSN(replayed)
	st.UpstreamApplicationName = appName.String

	row = db.QueryRowContext(ctx, timelineQuery)
	var tl sql.NullInt64
	if err := row.Scan(&tl); err != nil {
		return fmt.Errorf("querying timeline: %w", err)
	}
	if tl.Valid {
		st.TimelineID = tl.Int64
	} else {
		st.TimelineID = -1
	}
	return nil
}

func (i *Inspector) inspectPrimary(ctx context.Context, db *sql.DB, st *Status) error {
	row := db.QueryRowContext(ctx, primaryLSNQuery)
	var current sql.NullString
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("querying primary write position: %w", err)
	}
	// A primary's own position stands in for both received and replayed:
	// nothing is "replayed" on the primary itself, but candidate
	// comparisons use this field uniformly regardless of role.
	lsn := parseLSN(current)
	st.LastReceivedLSN = lsn
	st.LastReplayedLSN = lsn

	row = db.QueryRowContext(ctx, timelineQuery)
	var tl sql.NullInt64
	if err := row.Scan(&tl); err != nil {
		return fmt.Errorf("querying timeline: %w", err)
	}
	if tl.Valid {
		st.TimelineID = tl.Int64
	} else {
		st.TimelineID = -1
	}
	return nil
}

func parseLSN(s sql.NullString) LSN {
	if !s.Valid {
		return LSNUnknown
	}
	var hi, lo uint32
	if _, err := fmt.Sscanf(s.String, "%X/%X", &hi, &lo); err != nil {
		return LSNUnknown
	}
	return LSN(uint64(hi)<<32 | uint64(lo))
}

const (
	recoveryStatusQuery = `SELECT pg_is_in_recovery()`
	standbyLSNQuery     = `SELECT pg_last_wal_receive_lsn(), pg_last_wal_replay_lsn(),
		(SELECT application_name FROM pg_stat_wal_receiver LIMIT 1)`
	primaryLSNQuery = `SELECT pg_current_wal_lsn()`
	timelineQuery   = `SELECT timeline_id FROM pg_control_checkpoint()`
)

// Compare orders two candidates for promotion by the rule in spec
// §4.5.4.b: last_replayed_lsn descending, ties broken by timeline_id
// descending, then by an externally supplied priority (descending) and
// node_id (ascending) supplied by the caller. Compare itself only handles
// the LSN/timeline portion; selectCandidate in internal/election applies the
// full tiebreak chain. An unknown LSN always sorts behind every known LSN,
// since a node whose replay position cannot be determined must never be
// preferred over one whose position is known (spec §4.3).
func Compare(a, b Status) int {
	switch {
	case a.LastReplayedLSN == LSNUnknown && b.LastReplayedLSN == LSNUnknown:
		return 0
	case a.LastReplayedLSN == LSNUnknown:
		return -1
	case b.LastReplayedLSN == LSNUnknown:
		return 1
	case a.LastReplayedLSN != b.LastReplayedLSN:
		if a.LastReplayedLSN > b.LastReplayedLSN {
			return 1
		}
		return -1
	case a.TimelineID != b.TimelineID:
		if a.TimelineID > b.TimelineID {
			return 1
		}
		return -1
	default:
		return 0
	}
}

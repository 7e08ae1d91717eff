// Package store implements the Node Directory (C1) and Metadata Store
// Client (C4) of spec.md §4.1/§4.4: the in-memory view of registered nodes
// read through from the cluster-wide metadata table, and the
// single-writer transactional operations against that table (VotingTerm
// CAS, event append, node mutation).
package store

import "time"

// Role is spec.md §3's Node.role.
type Role string

const (
	RolePrimary Role = "primary"
	RoleStandby Role = "standby"
	RoleWitness Role = "witness"
)

// Node is spec.md §3's Node entity. It is created by an administrative
// "register" operation (out of scope here — §6's CLI surface), mutated
// only via the Metadata Store Client, and never destroyed while the
// physical node exists; it is marked inactive instead.
type Node struct {
	NodeID          int
	Name            string
	Role            Role
	Location        string
	Priority        int
	Conninfo        string
	UpstreamNodeID  *int
	SlotName        string
	Active          bool
}

// IsWitness reports whether n is a witness node. Witness nodes are never
// promotion candidates (spec §4.5.4.b).
func (n Node) IsWitness() bool { return n.Role == RoleWitness }

// EventType is one of the stable identifiers from spec.md §6, plus the
// supplemented types from SPEC_FULL.md §4 needed by scenarios S2-S4.
type EventType string

const (
	EventStandbyClone              EventType = "standby_clone"
	EventStandbyRegister           EventType = "standby_register"
	EventStandbyPromote            EventType = "standby_promote"
	EventStandbyFollow             EventType = "standby_follow"
	EventRepmgrdStart              EventType = "repmgrd_start"
	EventRepmgrdShutdown            EventType = "repmgrd_shutdown"
	EventFailoverPromote           EventType = "repmgrd_failover_promote"
	EventFailoverFollow            EventType = "repmgrd_failover_follow"
	EventUpstreamDisconnect        EventType = "repmgrd_upstream_disconnect"
	EventReconnect                 EventType = "repmgrd_reconnect"
	EventFailoverValidationFailed  EventType = "failover_validation_failed"
	EventPromoteFailed             EventType = "promote_failed"

	// Supplemented (SPEC_FULL.md §4): required by scenarios S2-S4 but not
	// listed in spec.md §6's event-type table.
	EventUpstreamLostSuspected       EventType = "upstream_lost_suspected"
	EventFailoverAbortedMinority     EventType = "failover_aborted_minority"
	EventFailoverAbortedPrimaryVisible EventType = "failover_aborted_primary_visible"
	EventReloadApplied               EventType = "reload_applied"
	EventReloadRejectedImmutablePrefix EventType = "reload_rejected_immutable_" // + key name
	EventDaemonShutdown               EventType = "daemon_shutdown"
	EventReplicationLagWarning       EventType = "repmgrd_replication_lag_warning"
	EventReplicationLagCritical      EventType = "repmgrd_replication_lag_critical"
)

// Event is spec.md §3's Event entity: an append-only record with a
// strictly increasing id (invariant I4).
type Event struct {
	ID        int64
	NodeID    int
	EventType EventType
	Success   bool
	Timestamp time.Time
	Detail    string
}

// VotingTerm is spec.md §3's VotingTerm entity: one row per acquired term
// in the voting_term table, inserted in a serializable transaction only
// when its term_id exceeds the current maximum term_id.
type VotingTerm struct {
	TermID          int64
	CandidateNodeID int
	AcquiredAt      time.Time
}

// AcquireResult is the outcome of acquire_voting_term (spec §4.4).
type AcquireResult struct {
	Acquired   bool
	ExistingID int64 // valid when !Acquired: the term that was lost_to
	Existing   VotingTerm
}

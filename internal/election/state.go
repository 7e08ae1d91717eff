// Package election implements the Quorum & Election Engine (C5, spec.md
// §4.5) — the failover decision state machine at the core of this
// module: loss-of-upstream detection, peer polling, visibility
// consensus, candidate selection, and promotion.
package election

import (
	"errors"
	"time"

	"github.com/EnterpriseDB/repmgr-sub004/internal/replication"
)

// State is one of spec §4.5's seven FSM states.
type State string

const (
	StateMonitoring State = "MONITORING"
	StateSuspect    State = "SUSPECT"
	StatePolling    State = "POLLING"
	StateElecting   State = "ELECTING"
	StatePromoting  State = "PROMOTING"
	StateFollowing  State = "FOLLOWING"
	StateDegraded   State = "DEGRADED"
)

// ErrDegradedTimeoutExceeded is returned from Tick when a daemon has
// remained DEGRADED longer than degraded_monitoring_timeout (spec
// §4.5's closing numeric semantics); cmd/repmgrd treats this as a
// request to terminate the process so a supervisor notices.
var ErrDegradedTimeoutExceeded = errors.New("degraded_monitoring_timeout exceeded, terminating")

// monitoringState is spec §3's NodeRuntimeState.monitoring_state.
type monitoringState string

const (
	monitoringNormal   monitoringState = "normal"
	monitoringDegraded monitoringState = "degraded"
)

// NodeRuntimeState is spec §3's NodeRuntimeState entity: in-memory,
// per-remote-node, per-daemon, created on first observation and
// destroyed on daemon exit. It is never persisted; it is the local
// daemon's private view, distinct from the shared Node record in the
// metadata store.
type NodeRuntimeState struct {
	LastSeen        time.Time
	MonitoringState monitoringState
	LastKnownLSN    replication.LSN
	Reachable       bool
	TimelineID      int64
}

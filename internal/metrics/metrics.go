// Package metrics exposes the daemon's Prometheus instrumentation,
// generalizing the teacher's praefect gauges from "gitaly storage" to
// "replication node".
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrimaryGauge is set to 1 for this daemon's own node_id when it promotes
// itself; nothing sets it back to 0.
var PrimaryGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "repmgrd",
		Name:      "primary_gauge",
		Help:      "1 once node_id has been promoted to primary by this daemon",
	}, []string{"node_id"},
)

// ElectionTotal counts completed elections by outcome (promoted, lost_to,
// aborted_minority, aborted_primary_visible, no_candidate, promote_failed).
var ElectionTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "repmgrd",
		Name:      "election_total",
		Help:      "Elections run by this daemon, labelled by outcome",
	}, []string{"outcome"},
)

// QuorumSize reports the voter set size V used in the most recent
// election, per spec's majority = floor(V/2)+1 rule.
var QuorumSize = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "repmgrd",
		Name:      "quorum_size",
		Help:      "Size of the voter set used in the most recent election",
	}, []string{"upstream_node_id"},
)

// NodeLastHealthcheckGauge is 1 if the connection prober last found
// node_id reachable, 0 if down, absent if never probed.
var NodeLastHealthcheckGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "repmgrd",
		Name:      "node_last_healthcheck_up",
		Help:      "1 if the last probe of node_id succeeded, 0 if it failed",
	}, []string{"node_id"},
)

// ReplicationLagBytes reports the byte gap between a standby's last
// replayed LSN and the primary's current LSN, for the replication_lag_*
// warning/critical thresholds in spec §6.
var ReplicationLagBytes = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "repmgrd",
		Name:      "replication_lag_bytes",
		Help:      "Byte gap between a standby's last replayed LSN and the primary's current LSN",
	}, []string{"node_id"},
)

// EventTotal counts events appended to the event log, labelled by type and
// success, mirroring the teacher's MethodTypeCounter shape.
var EventTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "repmgrd",
		Name:      "event_total",
		Help:      "Events appended to the event log, labelled by event type and outcome",
	}, []string{"event_type", "success"},
)

// UnreachableElapsedSeconds reports how long upstream_node_id was
// unreachable before the most recent successful reconnect (spec §4.2's
// unreachable_elapsed).
var UnreachableElapsedSeconds = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "repmgrd",
		Name:      "unreachable_elapsed_seconds",
		Help:      "Seconds upstream_node_id was unreachable before the most recent successful reconnect",
	}, []string{"upstream_node_id"},
)

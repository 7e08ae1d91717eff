package election

import (
	"sort"

	"github.com/EnterpriseDB/repmgr-sub004/internal/replication"
	"github.com/EnterpriseDB/repmgr-sub004/internal/store"
)

// peerPollResult is one voter's answer during the POLLING phase (spec
// §4.5.3.b): whether it was reachable, its replay position, and whether
// it reports the primary visible to it.
type peerPollResult struct {
	NodeID         int
	Reachable      bool
	PrimaryVisible bool
	Replication    replication.Status
}

// eligible applies spec §4.5.4.b's exclusions: witnesses, priority=0
// nodes, unreachable nodes (standing in for "daemon not running", since
// this implementation has no other way to observe a peer daemon's
// liveness than reaching its DBMS), and nodes whose live connection
// shows LSN 0 ("fresh standby, no data").
func eligible(n store.Node, r peerPollResult) bool {
	if n.IsWitness() {
		return false
	}
	if n.Priority == 0 {
		return false
	}
	if !r.Reachable {
		return false
	}
	if r.Replication.LastReplayedLSN == 0 {
		return false
	}
	return true
}

// selectCandidate applies spec §4.5.4.b's strict ordering: highest
// last_replayed_lsn, then highest priority, then lowest node_id.
func selectCandidate(results []peerPollResult, nodes map[int]store.Node) (peerPollResult, store.Node, bool) {
	var candidates []peerPollResult
	for _, r := range results {
		n, ok := nodes[r.NodeID]
		if !ok || !eligible(n, r) {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return peerPollResult{}, store.Node{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if c := replication.Compare(a.Replication, b.Replication); c != 0 {
			return c > 0
		}
		an, bn := nodes[a.NodeID], nodes[b.NodeID]
		if an.Priority != bn.Priority {
			return an.Priority > bn.Priority
		}
		return an.NodeID < bn.NodeID
	})

	winner := candidates[0]
	return winner, nodes[winner.NodeID], true
}

package store

import (
	"context"
	"sync"

	"github.com/EnterpriseDB/repmgr-sub004/internal/errs"
)

// nodesReader is the subset of *Client the Directory needs, so tests can
// swap in a fake without dragging in database/sql.
type nodesReader interface {
	Nodes(ctx context.Context) ([]Node, error)
}

// Directory materialises an ordered sequence of Node records read through
// from the cluster metadata store (spec §4.1, C1). Refresh is idempotent;
// concurrent refreshes serialise on mu, the directory's "exclusive writer
// ticket".
type Directory struct {
	client nodesReader

	mu    sync.Mutex
	nodes []Node
}

// NewDirectory builds a Directory backed by client. The directory starts
// empty; callers must Refresh before first use.
func NewDirectory(client nodesReader) *Directory {
	return &Directory{client: client}
}

// Refresh repopulates the directory from the store. Callers must tolerate
// stale snapshots between refreshes (spec §4.1).
func (d *Directory) Refresh(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	nodes, err := d.client.Nodes(ctx)
	if err != nil {
		return errs.New(errs.StoreUnavailable, "directory refresh", err)
	}

	d.nodes = nodes
	return nil
}

func (d *Directory) snapshot() []Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Node, len(d.nodes))
	copy(out, d.nodes)
	return out
}

// Get returns the node with the given id, from the last Refresh snapshot.
func (d *Directory) Get(nodeID int) (Node, bool) {
	for _, n := range d.snapshot() {
		if n.NodeID == nodeID {
			return n, true
		}
	}
	return Node{}, false
}

// All returns every node in the last Refresh snapshot.
func (d *Directory) All() []Node {
	return d.snapshot()
}

// PeersOf returns every other node in the cluster (every node except
// nodeID itself, active or not); no role, active or priority filtering
// is applied.
func (d *Directory) PeersOf(nodeID int) []Node {
	var out []Node
	for _, n := range d.snapshot() {
		if n.NodeID != nodeID {
			out = append(out, n)
		}
	}
	return out
}

// SiblingsOf returns the other nodes attached to the same upstream as
// nodeID (spec §3's invariant I2 grouping), whatever their role or active
// flag, so a witness with that upstream is included; callers filter.
func (d *Directory) SiblingsOf(nodeID int) []Node {
	self, ok := d.Get(nodeID)
	if !ok || self.UpstreamNodeID == nil {
		return nil
	}

	var out []Node
	for _, n := range d.snapshot() {
		if n.NodeID == nodeID {
			continue
		}
		if n.UpstreamNodeID != nil && *n.UpstreamNodeID == *self.UpstreamNodeID {
			out = append(out, n)
		}
	}
	return out
}

// Witnesses returns every witness node in the last Refresh snapshot.
func (d *Directory) Witnesses() []Node {
	var out []Node
	for _, n := range d.snapshot() {
		if n.IsWitness() {
			out = append(out, n)
		}
	}
	return out
}

// Primary returns the current active primary, if the snapshot has one.
func (d *Directory) Primary() (Node, bool) {
	for _, n := range d.snapshot() {
		if n.Role == RolePrimary && n.Active {
			return n, true
		}
	}
	return Node{}, false
}

// ActiveStandbys returns every active standby (non-witness) node.
func (d *Directory) ActiveStandbys() []Node {
	var out []Node
	for _, n := range d.snapshot() {
		if n.Role == RoleStandby && n.Active {
			out = append(out, n)
		}
	}
	return out
}

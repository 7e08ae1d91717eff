package store

import (
	"context"
	"sync"
	"time"

	"github.com/EnterpriseDB/repmgr-sub004/internal/errs"
)

// MemoryStore is an in-memory implementation of the operations *Client
// exposes, used by tests that exercise the election engine's state
// machine (spec §8's S1-S6) without a live DBMS. It follows the same
// mutex-guarded, sequence-counter style as the teacher's
// datastore.memoryReplicationEventQueue.
type MemoryStore struct {
	mu sync.Mutex

	nodes       map[int]Node
	events      []Event
	eventSeq    int64
	term        VotingTerm
	contacts    map[[2]int]contactRecord
	down        bool // simulates StoreUnavailable for fault-injection tests
}

type contactRecord struct {
	lastAttempt time.Time
	lastSeen    time.Time
	seen        bool
}

// NewMemoryStore builds a MemoryStore seeded with the given nodes.
func NewMemoryStore(nodes ...Node) *MemoryStore {
	m := &MemoryStore{
		nodes:    make(map[int]Node, len(nodes)),
		contacts: make(map[[2]int]contactRecord),
	}
	for _, n := range nodes {
		m.nodes[n.NodeID] = n
	}
	return m
}

// SetDown simulates loss of the local DBMS connection: every subsequent
// call returns errs.StoreUnavailable until SetDown(false) is called again.
func (m *MemoryStore) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

func (m *MemoryStore) checkDown(op string) error {
	if m.down {
		return errs.New(errs.StoreUnavailable, op, errDownForTesting)
	}
	return nil
}

var errDownForTesting = &simulatedError{"metadata store unreachable (simulated)"}

type simulatedError struct{ msg string }

func (e *simulatedError) Error() string { return e.msg }

func (m *MemoryStore) Nodes(ctx context.Context) ([]Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkDown("nodes"); err != nil {
		return nil, err
	}

	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	return out, nil
}

func (m *MemoryStore) SetActive(ctx context.Context, nodeID int, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkDown("set_active"); err != nil {
		return err
	}
	n := m.nodes[nodeID]
	n.Active = active
	m.nodes[nodeID] = n
	return nil
}

func (m *MemoryStore) SetUpstream(ctx context.Context, nodeID int, upstreamID *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkDown("set_upstream"); err != nil {
		return err
	}
	n := m.nodes[nodeID]
	n.UpstreamNodeID = upstreamID
	m.nodes[nodeID] = n
	return nil
}

func (m *MemoryStore) SetRole(ctx context.Context, nodeID int, role Role, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkDown("set_role"); err != nil {
		return err
	}
	n := m.nodes[nodeID]
	n.Role = role
	n.Active = active
	m.nodes[nodeID] = n
	return nil
}

// AcquireVotingTerm implements the same proposed_id > current max rule as
// *Client.AcquireVotingTerm, serialised by mu for the single process
// running this store, and safe to call concurrently from multiple
// simulated daemons in a test (each holding its own Engine but sharing one
// *MemoryStore) to reproduce S5's race.
func (m *MemoryStore) AcquireVotingTerm(ctx context.Context, proposedID int64, candidateNodeID int) (AcquireResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkDown("acquire_voting_term"); err != nil {
		return AcquireResult{}, err
	}

	if proposedID <= m.term.TermID {
		return AcquireResult{Acquired: false, ExistingID: m.term.TermID, Existing: m.term}, nil
	}

	m.term = VotingTerm{TermID: proposedID, CandidateNodeID: candidateNodeID, AcquiredAt: time.Now()}
	return AcquireResult{Acquired: true}, nil
}

func (m *MemoryStore) ReleaseVotingTerm(ctx context.Context, termID int64) error {
	return nil
}

func (m *MemoryStore) CurrentTerm(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkDown("current_term"); err != nil {
		return 0, err
	}
	return m.term.TermID, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, ev Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkDown("append_event"); err != nil {
		return 0, err
	}

	m.eventSeq++
	ev.ID = m.eventSeq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	m.events = append(m.events, ev)
	return ev.ID, nil
}

func (m *MemoryStore) Events(ctx context.Context, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkDown("events"); err != nil {
		return nil, err
	}

	out := make([]Event, len(m.events))
	copy(out, m.events)
	// newest first, matching *Client.Events' ORDER BY id DESC.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) RecordContactAttempt(ctx context.Context, reporterNodeID, peerNodeID int, reachable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkDown("record_contact_attempt"); err != nil {
		return err
	}

	key := [2]int{reporterNodeID, peerNodeID}
	rec := m.contacts[key]
	rec.lastAttempt = time.Now()
	if reachable {
		rec.lastSeen = rec.lastAttempt
		rec.seen = true
	}
	m.contacts[key] = rec
	return nil
}

func (m *MemoryStore) ActiveReporters(ctx context.Context, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkDown("active_reporters"); err != nil {
		return 0, err
	}

	reporters := map[int]struct{}{}
	cutoff := time.Now().Add(-window)
	for k, rec := range m.contacts {
		if rec.lastAttempt.After(cutoff) {
			reporters[k[0]] = struct{}{}
		}
	}
	return len(reporters), nil
}

// PeerVisibleCount mirrors *Client.PeerVisibleCount: distinct reporters
// that have recorded peerNodeID reachable within window.
func (m *MemoryStore) PeerVisibleCount(ctx context.Context, peerNodeID int, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkDown("peer_visible_count"); err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-window)
	reporters := map[int]struct{}{}
	for k, rec := range m.contacts {
		if k[1] == peerNodeID && rec.seen && rec.lastSeen.After(cutoff) {
			reporters[k[0]] = struct{}{}
		}
	}
	return len(reporters), nil
}

package store

import (
	"context"
	"time"
)

// MetadataStore is the Metadata Store Client contract (spec §4.4, C4)
// that internal/election depends on. Both *Client (lib/pq-backed) and
// *MemoryStore (test fake) satisfy it.
type MetadataStore interface {
	Nodes(ctx context.Context) ([]Node, error)
	SetActive(ctx context.Context, nodeID int, active bool) error
	SetUpstream(ctx context.Context, nodeID int, upstreamID *int) error
	SetRole(ctx context.Context, nodeID int, role Role, active bool) error
	AcquireVotingTerm(ctx context.Context, proposedID int64, candidateNodeID int) (AcquireResult, error)
	ReleaseVotingTerm(ctx context.Context, termID int64) error
	CurrentTerm(ctx context.Context) (int64, error)
	AppendEvent(ctx context.Context, ev Event) (int64, error)
	Events(ctx context.Context, limit int) ([]Event, error)
	RecordContactAttempt(ctx context.Context, reporterNodeID, peerNodeID int, reachable bool) error
	ActiveReporters(ctx context.Context, window time.Duration) (int, error)
	PeerVisibleCount(ctx context.Context, peerNodeID int, window time.Duration) (int, error)
}

var (
	_ MetadataStore = (*Client)(nil)
	_ MetadataStore = (*MemoryStore)(nil)
)

// Package errs defines the closed set of error kinds the daemon's core can
// produce, and the stable process exit codes that the top-level handler in
// cmd/repmgrd maps them to.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error returned from the core decision engine. Errors
// wrapped with New (by internal/store and internal/election) carry exactly
// one Kind; internal/replication and internal/promote return plain errors,
// and internal/election also returns ErrDegradedTimeoutExceeded and
// context errors unwrapped.
type Kind int

const (
	// ConfigInvalid is fatal at startup; never recoverable in-process.
	ConfigInvalid Kind = iota
	// StoreUnavailable is transient: the metadata store could not be
	// reached. The store client returns it without retrying.
	StoreUnavailable
	// PeerUnreachable is expected; folded into quorum math, never fatal.
	PeerUnreachable
	// ElectionAborted is benign; causes a transition back to MONITORING.
	ElectionAborted
	// PromotionFailed is serious: the daemon goes to DEGRADED, releases
	// its VotingTerm, and requires administrator action.
	PromotionFailed
	// InternalInvariantViolation is a bug: log, emit event, exit 15.
	InternalInvariantViolation
)

func (k Kind) String() string {
	switch k {
	case ConfigInvalid:
		return "config_invalid"
	case StoreUnavailable:
		return "store_unavailable"
	case PeerUnreachable:
		return "peer_unreachable"
	case ElectionAborted:
		return "election_aborted"
	case PromotionFailed:
		return "promotion_failed"
	case InternalInvariantViolation:
		return "internal_invariant_violation"
	default:
		return "unknown"
	}
}

// ExitCode returns the stable exit code for the error kind, per spec.md §6.
// Kinds that are never supposed to terminate the daemon (PeerUnreachable,
// ElectionAborted) return 0; callers should not use this for control flow
// decisions, only for the top-level process exit in cmd/repmgrd.
func (k Kind) ExitCode() int {
	switch k {
	case ConfigInvalid:
		return 1
	case StoreUnavailable:
		return 6
	case PromotionFailed:
		return 8
	case InternalInvariantViolation:
		return 15
	default:
		return 0
	}
}

// Error wraps an underlying error with a Kind, keeping the original error
// available via errors.Unwrap/errors.As.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a *Error of the given kind, wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// As reports whether err (or anything it wraps) is a *Error of the given
// Kind, and returns it.
func As(err error, kind Kind) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == kind {
		return e, true
	}
	return nil, false
}

// Sentinel errors reused across packages where a Kind wrapper is overkill
// (comparisons via errors.Is).
var (
	// ErrPrimaryNotHealthy indicates no primary could be determined for a
	// cluster, either because none is configured yet or the prior primary
	// has been demoted/lost.
	ErrPrimaryNotHealthy = errors.New("no healthy primary for cluster")
	// ErrNoCandidates indicates the candidate selection step (spec §4.5.4.b)
	// found no eligible node to promote.
	ErrNoCandidates = errors.New("no promotion candidates available")
	// ErrTermSuperseded indicates a VotingTerm acquisition lost to a
	// concurrent daemon (the "lost_to" outcome of spec §4.4).
	ErrTermSuperseded = errors.New("voting term superseded by another daemon")
)

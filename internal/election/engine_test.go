package election

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	cfgpkg "github.com/EnterpriseDB/repmgr-sub004/internal/config"
	"github.com/EnterpriseDB/repmgr-sub004/internal/probe"
	"github.com/EnterpriseDB/repmgr-sub004/internal/promote"
	"github.com/EnterpriseDB/repmgr-sub004/internal/replication"
	"github.com/EnterpriseDB/repmgr-sub004/internal/store"
)

// TestMain guards against goroutine leaks from pollAll/pollOne's per-voter
// fan-out, the same way the teacher's command package leak-checks its own
// subprocess goroutines.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func nullLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func intPtr(n int) *int { return &n }

// fakeProbe answers a fixed status per node_id (default StatusUp), so
// tests can simulate a killed primary or an isolated peer.
type fakeProbe struct {
	mu     sync.Mutex
	status map[int]probe.Status
}

func newFakeProbe(overrides map[int]probe.Status) *fakeProbe {
	return &fakeProbe{status: overrides}
}

func (f *fakeProbe) Probe(ctx context.Context, target probe.Target, strategy probe.Strategy) probe.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.status[target.NodeID]; ok {
		return s
	}
	return probe.StatusUp
}

func (f *fakeProbe) set(nodeID int, s probe.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[nodeID] = s
}

// fakeInspector answers a fixed replication.Status per conninfo string.
type fakeInspector struct {
	mu  sync.Mutex
	byConninfo map[string]replication.Status
}

func (f *fakeInspector) Inspect(ctx context.Context, conninfo string) (replication.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.byConninfo[conninfo]
	if !ok {
		return replication.Status{}, errors.New("fakeInspector: no status for " + conninfo)
	}
	return st, nil
}

// fakePromoter is a scripted Promoter: every call returns a fixed outcome.
type fakePromoter struct {
	promoteSuccess bool
	promoteOutput  string
	followSuccess  bool
	followOutput   string
}

func (f *fakePromoter) Promote(ctx context.Context, promoteCommand, conninfo string, commandTimeout, checkInterval, checkTimeout time.Duration) (promote.PromoteResult, error) {
	return promote.PromoteResult{Success: f.promoteSuccess, Output: f.promoteOutput}, nil
}

func (f *fakePromoter) Follow(ctx context.Context, followCommand, conninfo, expectedApplicationName string, commandTimeout, attachTimeout time.Duration) (promote.FollowResult, error) {
	return promote.FollowResult{Success: f.followSuccess, Output: f.followOutput}, nil
}

func (f *fakePromoter) Validate(ctx context.Context, validationCommand string, commandTimeout time.Duration) (promote.ValidationResult, error) {
	return promote.ValidationResult{Proceed: true}, nil
}

type recordedEvent struct {
	NodeID  int
	Type    store.EventType
	Success bool
	Detail  string
}

type recorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recorder) Emit(ctx context.Context, nodeID int, typ store.EventType, success bool, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{nodeID, typ, success, detail})
}

func (r *recorder) types() []store.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]store.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) has(typ store.EventType) bool {
	for _, t := range r.types() {
		if t == typ {
			return true
		}
	}
	return false
}

// baseTestConfig returns a Config with every timeout shrunk to
// millisecond scale so the FSM's blocking retry/poll loops finish almost
// instantly under test, without changing the decision logic itself.
func baseTestConfig(nodeID int) cfgpkg.Config {
	return cfgpkg.Config{
		NodeID:                            nodeID,
		ReconnectAttempts:                 2,
		ReconnectInterval:                 5 * time.Millisecond,
		MonitorIntervalSecs:               1,
		AsyncQueryTimeout:                 2 * time.Second,
		PrimaryNotificationTimeout:        50 * time.Millisecond,
		PrimaryFollowTimeout:              time.Second,
		PromoteCheckInterval:              5 * time.Millisecond,
		PromoteCheckTimeout:               time.Second,
		PrimaryVisibilityConsensus:        true,
		ChildNodesConnectedIncludeWitness: true,
	}
}

func threeNodeCluster() []store.Node {
	return []store.Node{
		{NodeID: 1, Name: "p", Role: store.RolePrimary, Active: true, Priority: 100, Conninfo: "conninfo-1"},
		{NodeID: 2, Name: "a", Role: store.RoleStandby, Active: true, Priority: 100, Conninfo: "conninfo-2", UpstreamNodeID: intPtr(1)},
		{NodeID: 3, Name: "b", Role: store.RoleStandby, Active: true, Priority: 80, Conninfo: "conninfo-3", UpstreamNodeID: intPtr(1)},
	}
}

// TestScenario_S1_HigherLSNWins is spec.md §8's S1: B has the higher LSN
// despite lower priority, so B promotes and A follows it.
func TestScenario_S1_HigherLSNWins(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore(threeNodeCluster()...)

	insp := &fakeInspector{byConninfo: map[string]replication.Status{
		"conninfo-2": {LastReplayedLSN: 1000},
		"conninfo-3": {LastReplayedLSN: 1100},
	}}

	dirA := store.NewDirectory(ms)
	require.NoError(t, dirA.Refresh(ctx))
	probeA := newFakeProbe(map[int]probe.Status{1: probe.StatusDown})
	recA := &recorder{}
	engA := New(baseTestConfig(2), ms, dirA, probeA, insp, &fakePromoter{followSuccess: true}, recA, nullLogger())

	dirB := store.NewDirectory(ms)
	require.NoError(t, dirB.Refresh(ctx))
	probeB := newFakeProbe(map[int]probe.Status{1: probe.StatusDown})
	recB := &recorder{}
	engB := New(baseTestConfig(3), ms, dirB, probeB, insp, &fakePromoter{promoteSuccess: true}, recB, nullLogger())

	// MONITORING -> SUSPECT
	require.NoError(t, engA.Tick(ctx))
	require.NoError(t, engB.Tick(ctx))
	require.Equal(t, StateSuspect, engA.State())
	require.Equal(t, StateSuspect, engB.State())

	// SUSPECT -> POLLING (reconnect_attempts window exhausted)
	require.NoError(t, engA.Tick(ctx))
	require.NoError(t, engB.Tick(ctx))
	require.Equal(t, StatePolling, engA.State())
	require.Equal(t, StatePolling, engB.State())
	require.True(t, recA.has(store.EventUpstreamLostSuspected))
	require.True(t, recB.has(store.EventUpstreamLostSuspected))

	// POLLING -> ELECTING -> PROMOTING on B; B must run before A so A's
	// FOLLOWING wait observes the new primary already committed.
	require.NoError(t, engB.Tick(ctx))
	require.Equal(t, StateMonitoring, engB.State())
	require.True(t, recB.has(store.EventFailoverPromote))

	require.NoError(t, engA.Tick(ctx))
	require.Equal(t, StateMonitoring, engA.State())
	require.True(t, recA.has(store.EventFailoverFollow))

	node2, ok := dirA.Get(2)
	require.True(t, ok)
	require.NotNil(t, node2.UpstreamNodeID)
	require.Equal(t, 3, *node2.UpstreamNodeID)
}

// TestScenario_S2_MinorityAborts is spec.md §8's S2: A is isolated (sees
// neither the primary nor B), so its visible quorum is 1/2 and it must
// go DEGRADED without promoting anyone.
func TestScenario_S2_MinorityAborts(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore(threeNodeCluster()...)
	insp := &fakeInspector{byConninfo: map[string]replication.Status{
		"conninfo-2": {LastReplayedLSN: 1000},
	}}

	dirA := store.NewDirectory(ms)
	require.NoError(t, dirA.Refresh(ctx))
	probeA := newFakeProbe(map[int]probe.Status{1: probe.StatusDown, 3: probe.StatusDown})
	recA := &recorder{}
	engA := New(baseTestConfig(2), ms, dirA, probeA, insp, &fakePromoter{}, recA, nullLogger())

	require.NoError(t, engA.Tick(ctx)) // MONITORING -> SUSPECT
	require.NoError(t, engA.Tick(ctx)) // SUSPECT -> POLLING
	require.NoError(t, engA.Tick(ctx)) // POLLING -> DEGRADED

	require.Equal(t, StateDegraded, engA.State())
	require.True(t, recA.has(store.EventFailoverAbortedMinority))
	require.False(t, recA.has(store.EventFailoverPromote))
}

func TestTickDegraded_TimeoutExceededAfterAbortedMinority(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore(threeNodeCluster()...)
	insp := &fakeInspector{byConninfo: map[string]replication.Status{
		"conninfo-2": {LastReplayedLSN: 1000},
	}}

	dir := store.NewDirectory(ms)
	require.NoError(t, dir.Refresh(ctx))
	p := newFakeProbe(map[int]probe.Status{1: probe.StatusDown, 3: probe.StatusDown})
	rec := &recorder{}

	cfg := baseTestConfig(2)
	cfg.DegradedMonitoringTimeout = 10 * time.Millisecond
	eng := New(cfg, ms, dir, p, insp, &fakePromoter{}, rec, nullLogger())

	require.NoError(t, eng.Tick(ctx)) // MONITORING -> SUSPECT
	require.NoError(t, eng.Tick(ctx)) // SUSPECT -> POLLING
	require.NoError(t, eng.Tick(ctx)) // POLLING -> DEGRADED
	require.Equal(t, StateDegraded, eng.State())

	require.NoError(t, eng.Tick(ctx)) // DEGRADED, timeout not yet elapsed

	time.Sleep(20 * time.Millisecond)
	err := eng.Tick(ctx) // DEGRADED, timeout elapsed
	require.ErrorIs(t, err, ErrDegradedTimeoutExceeded)
}

func TestTickDegraded_NoTimeoutConfiguredNeverFires(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore(threeNodeCluster()...)
	insp := &fakeInspector{byConninfo: map[string]replication.Status{
		"conninfo-2": {LastReplayedLSN: 1000},
	}}

	dir := store.NewDirectory(ms)
	require.NoError(t, dir.Refresh(ctx))
	p := newFakeProbe(map[int]probe.Status{1: probe.StatusDown, 3: probe.StatusDown})
	rec := &recorder{}

	cfg := baseTestConfig(2) // DegradedMonitoringTimeout left at zero value: disabled
	eng := New(cfg, ms, dir, p, insp, &fakePromoter{}, rec, nullLogger())

	require.NoError(t, eng.Tick(ctx)) // MONITORING -> SUSPECT
	require.NoError(t, eng.Tick(ctx)) // SUSPECT -> POLLING
	require.NoError(t, eng.Tick(ctx)) // POLLING -> DEGRADED
	require.Equal(t, StateDegraded, eng.State())

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, eng.Tick(ctx))
	require.Equal(t, StateDegraded, eng.State())
}

// TestRunElection_NoEligibleCandidateStampsDegradedSince guards against the
// regression where only some of the nine DEGRADED-entry sites stamped
// degradedSince: a daemon reaching DEGRADED via "no eligible candidate"
// during runElection must still honor degraded_monitoring_timeout.
func TestRunElection_NoEligibleCandidateStampsDegradedSince(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore(threeNodeCluster()...)
	// Both voters (self and sibling node 3) are reachable, satisfying
	// quorum, but both report LSN 0 ("fresh standby, no data"), so
	// selectCandidate finds nobody eligible.
	insp := &fakeInspector{byConninfo: map[string]replication.Status{
		"conninfo-2": {LastReplayedLSN: 0},
		"conninfo-3": {LastReplayedLSN: 0},
	}}

	dir := store.NewDirectory(ms)
	require.NoError(t, dir.Refresh(ctx))
	p := newFakeProbe(map[int]probe.Status{1: probe.StatusDown, 3: probe.StatusUp})
	rec := &recorder{}

	cfg := baseTestConfig(2)
	cfg.DegradedMonitoringTimeout = 10 * time.Millisecond
	eng := New(cfg, ms, dir, p, insp, &fakePromoter{}, rec, nullLogger())

	require.NoError(t, eng.Tick(ctx)) // MONITORING -> SUSPECT
	require.NoError(t, eng.Tick(ctx)) // SUSPECT -> POLLING
	require.NoError(t, eng.Tick(ctx)) // POLLING -> DEGRADED (no eligible candidate)
	require.Equal(t, StateDegraded, eng.State())

	time.Sleep(20 * time.Millisecond)
	err := eng.Tick(ctx)
	require.ErrorIs(t, err, ErrDegradedTimeoutExceeded)
}

// TestScenario_S3_WitnessSeesPrimary is spec.md §8's S3: with a witness
// added, A reaches quorum (2/3) but the witness reports the primary
// still visible, so A aborts back to MONITORING instead of promoting.
func TestScenario_S3_WitnessSeesPrimary(t *testing.T) {
	ctx := context.Background()
	nodes := append(threeNodeCluster(), store.Node{
		NodeID: 4, Name: "witness", Role: store.RoleWitness, Active: true, Priority: 0,
		Conninfo: "conninfo-4", UpstreamNodeID: intPtr(1),
	})
	ms := store.NewMemoryStore(nodes...)
	// Simulate the witness's own daemon having already recorded that it
	// can see the primary, via the store-mediated visibility signal.
	require.NoError(t, ms.RecordContactAttempt(ctx, 4, 1, true))

	insp := &fakeInspector{byConninfo: map[string]replication.Status{
		"conninfo-2": {LastReplayedLSN: 1000},
	}}

	dirA := store.NewDirectory(ms)
	require.NoError(t, dirA.Refresh(ctx))
	probeA := newFakeProbe(map[int]probe.Status{1: probe.StatusDown, 3: probe.StatusDown})
	recA := &recorder{}
	engA := New(baseTestConfig(2), ms, dirA, probeA, insp, &fakePromoter{}, recA, nullLogger())

	require.NoError(t, engA.Tick(ctx)) // MONITORING -> SUSPECT
	require.NoError(t, engA.Tick(ctx)) // SUSPECT -> POLLING
	require.NoError(t, engA.Tick(ctx)) // POLLING -> MONITORING (aborted)

	require.Equal(t, StateMonitoring, engA.State())
	require.True(t, recA.has(store.EventFailoverAbortedPrimaryVisible))
	require.False(t, recA.has(store.EventFailoverPromote))
}

// TestTickMonitoring_ReplicationLagEmitsWarning exercises checkReplicationLag:
// when the upstream stays reachable, the engine inspects both ends and
// emits a lag warning once the gap crosses replication_lag_warning.
func TestTickMonitoring_ReplicationLagEmitsWarning(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore(threeNodeCluster()...)

	insp := &fakeInspector{byConninfo: map[string]replication.Status{
		"conninfo-1": {IsInRecovery: false, LastReplayedLSN: 2000, LastReceivedLSN: 2000},
		"conninfo-2": {IsInRecovery: true, LastReplayedLSN: 500},
	}}

	dir := store.NewDirectory(ms)
	require.NoError(t, dir.Refresh(ctx))
	probeA := newFakeProbe(nil) // upstream stays reachable (default StatusUp)
	rec := &recorder{}

	cfg := baseTestConfig(2)
	cfg.ReplicationLagWarning = 1000
	cfg.ReplicationLagCritical = 5000
	eng := New(cfg, ms, dir, probeA, insp, &fakePromoter{}, rec, nullLogger())

	require.NoError(t, eng.Tick(ctx))

	require.Equal(t, StateMonitoring, eng.State())
	require.True(t, rec.has(store.EventReplicationLagWarning))
	require.False(t, rec.has(store.EventReplicationLagCritical))
}

// TestTickMonitoring_ReplicationLagBelowThresholdStaysSilent confirms a
// small lag gap emits neither warning nor critical events.
func TestTickMonitoring_ReplicationLagBelowThresholdStaysSilent(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore(threeNodeCluster()...)

	insp := &fakeInspector{byConninfo: map[string]replication.Status{
		"conninfo-1": {IsInRecovery: false, LastReplayedLSN: 2000, LastReceivedLSN: 2000},
		"conninfo-2": {IsInRecovery: true, LastReplayedLSN: 1990},
	}}

	dir := store.NewDirectory(ms)
	require.NoError(t, dir.Refresh(ctx))
	probeA := newFakeProbe(nil)
	rec := &recorder{}

	cfg := baseTestConfig(2)
	cfg.ReplicationLagWarning = 1000
	cfg.ReplicationLagCritical = 5000
	eng := New(cfg, ms, dir, probeA, insp, &fakePromoter{}, rec, nullLogger())

	require.NoError(t, eng.Tick(ctx))

	require.False(t, rec.has(store.EventReplicationLagWarning))
	require.False(t, rec.has(store.EventReplicationLagCritical))
}

// TestScenario_S5_VotingTermCASIsExclusive is spec.md §8's S5: two
// concurrent daemons both propose term 7; exactly one must be told
// acquired, the other lost_to.
func TestScenario_S5_VotingTermCASIsExclusive(t *testing.T) {
	ms := store.NewMemoryStore(threeNodeCluster()...)

	var wg sync.WaitGroup
	results := make([]store.AcquireResult, 2)
	candidateIDs := []int{2, 3}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := ms.AcquireVotingTerm(context.Background(), 7, candidateIDs[i])
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	acquired := 0
	for _, r := range results {
		if r.Acquired {
			acquired++
		}
	}
	require.Equal(t, 1, acquired, "exactly one daemon must win the term-7 CAS")

	term, err := ms.CurrentTerm(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(7), term)
}

// TestScenario_S6_PromotionFailureDegradesBoth is spec.md §8's S6: the
// winning node's promote command exits non-zero, so it releases the term
// and goes DEGRADED; the other standby times out waiting for a primary
// that never appears and also goes DEGRADED.
func TestScenario_S6_PromotionFailureDegradesBoth(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore(threeNodeCluster()...)
	insp := &fakeInspector{byConninfo: map[string]replication.Status{
		"conninfo-2": {LastReplayedLSN: 1000},
		"conninfo-3": {LastReplayedLSN: 1100},
	}}

	dirA := store.NewDirectory(ms)
	require.NoError(t, dirA.Refresh(ctx))
	probeA := newFakeProbe(map[int]probe.Status{1: probe.StatusDown})
	recA := &recorder{}
	engA := New(baseTestConfig(2), ms, dirA, probeA, insp, &fakePromoter{followSuccess: true}, recA, nullLogger())

	dirB := store.NewDirectory(ms)
	require.NoError(t, dirB.Refresh(ctx))
	probeB := newFakeProbe(map[int]probe.Status{1: probe.StatusDown})
	recB := &recorder{}
	engB := New(baseTestConfig(3), ms, dirB, probeB, insp, &fakePromoter{promoteSuccess: false, promoteOutput: "exit status 2"}, recB, nullLogger())

	require.NoError(t, engA.Tick(ctx))
	require.NoError(t, engB.Tick(ctx))
	require.NoError(t, engA.Tick(ctx))
	require.NoError(t, engB.Tick(ctx))

	// B (the winner) attempts promotion and fails.
	require.NoError(t, engB.Tick(ctx))
	require.Equal(t, StateDegraded, engB.State())
	require.True(t, recB.has(store.EventPromoteFailed))

	// A follows, but B never became primary, so A times out into DEGRADED.
	require.NoError(t, engA.Tick(ctx))
	require.Equal(t, StateDegraded, engA.State())
	require.True(t, recA.has(store.EventFailoverFollow))
}

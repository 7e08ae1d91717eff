package election

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/EnterpriseDB/repmgr-sub004/internal/config"
	"github.com/EnterpriseDB/repmgr-sub004/internal/errs"
	"github.com/EnterpriseDB/repmgr-sub004/internal/metrics"
	"github.com/EnterpriseDB/repmgr-sub004/internal/probe"
	"github.com/EnterpriseDB/repmgr-sub004/internal/promote"
	"github.com/EnterpriseDB/repmgr-sub004/internal/replication"
	"github.com/EnterpriseDB/repmgr-sub004/internal/store"
)

// Prober is the subset of *probe.Prober the engine needs.
type Prober interface {
	Probe(ctx context.Context, target probe.Target, strategy probe.Strategy) probe.Status
}

// Inspector is the subset of *replication.Inspector the engine needs.
type Inspector interface {
	Inspect(ctx context.Context, conninfo string) (replication.Status, error)
}

// Promoter is the subset of *promote.Executor the engine needs.
type Promoter interface {
	Promote(ctx context.Context, promoteCommand, conninfo string, commandTimeout, checkInterval, checkTimeout time.Duration) (promote.PromoteResult, error)
	Follow(ctx context.Context, followCommand, conninfo, expectedApplicationName string, commandTimeout, attachTimeout time.Duration) (promote.FollowResult, error)
	Validate(ctx context.Context, validationCommand string, commandTimeout time.Duration) (promote.ValidationResult, error)
}

// EventSink is the subset of *events.Logger the engine needs.
type EventSink interface {
	Emit(ctx context.Context, nodeID int, typ store.EventType, success bool, detail string)
}

// Engine drives the failover decision state machine for one daemon
// instance supervising one local node (spec §4.5, §5: "at any instant a
// daemon has at most one election in flight", enforced here because all
// of Tick's state-changing work runs synchronously within a single
// invocation — callers must not call Tick concurrently with itself).
type Engine struct {
	cfg       config.Config
	st        store.MetadataStore
	dir       *store.Directory
	prober    Prober
	inspector Inspector
	promoter  Promoter
	events    EventSink
	log       logrus.FieldLogger

	localNodeID int

	mu            sync.Mutex
	state         State
	degradedSince time.Time
	suspectSince  time.Time

	nodeStates map[int]NodeRuntimeState
}

// New builds an Engine. The daemon starts in MONITORING, per spec §4.5.
func New(cfg config.Config, st store.MetadataStore, dir *store.Directory, prober Prober, inspector Inspector, promoter Promoter, events EventSink, log logrus.FieldLogger) *Engine {
	return &Engine{
		cfg:         cfg,
		st:          st,
		dir:         dir,
		prober:      prober,
		inspector:   inspector,
		promoter:    promoter,
		events:      events,
		log:         log,
		localNodeID: cfg.NodeID,
		state:       StateMonitoring,
		nodeStates:  make(map[int]NodeRuntimeState),
	}
}

// touchNodeState records the engine's own, in-memory, per-remote-node view
// (spec §3's NodeRuntimeState: created on first observation, never
// persisted, distinct from the shared Node record in the metadata store).
// lsn/timelineID may be zero-value when not known from this observation;
// they are only overwritten when known is true.
func (e *Engine) touchNodeState(nodeID int, reachable bool, known bool, lsn replication.LSN, timelineID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.nodeStates[nodeID]
	st.LastSeen = time.Now()
	st.Reachable = reachable
	if reachable {
		st.MonitoringState = monitoringNormal
	} else {
		st.MonitoringState = monitoringDegraded
	}
	if known {
		st.LastKnownLSN = lsn
		st.TimelineID = timelineID
	}
	e.nodeStates[nodeID] = st
}

// NodeState returns the engine's current in-memory view of a remote node,
// for diagnostics (e.g. a future `repmgr node status` RPC); ok is false if
// the node has never been observed by this daemon.
func (e *Engine) NodeState(nodeID int) (NodeRuntimeState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.nodeStates[nodeID]
	return st, ok
}

// State returns the engine's current FSM state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// enterDegraded transitions into DEGRADED and stamps degradedSince, the
// clock tickDegraded consults against degraded_monitoring_timeout. Every
// DEGRADED-entry call site must go through this (not setState(StateDegraded)
// directly), or tickDegraded's IsZero() guard silently never fires.
func (e *Engine) enterDegraded() {
	e.mu.Lock()
	e.state = StateDegraded
	e.degradedSince = time.Now()
	e.mu.Unlock()
}

// SetConfig installs a new configuration, used by internal/reload after
// a whitelisted hot-reload (spec §4.7). It does not reset FSM state.
func (e *Engine) SetConfig(cfg config.Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Engine) checkStrategy() probe.Strategy {
	switch e.cfg.ConnectionCheckType {
	case config.CheckConnection:
		return probe.StrategyConnection
	case config.CheckQuery:
		return probe.StrategyQuery
	default:
		return probe.StrategyPing
	}
}

// Tick advances the FSM by one step, dispatching on the current state.
// The caller (cmd/repmgrd's monitor loop) invokes this once every
// monitor_interval_secs.
func (e *Engine) Tick(ctx context.Context) error {
	switch e.State() {
	case StateMonitoring:
		return e.tickMonitoring(ctx)
	case StateSuspect:
		return e.tickSuspect(ctx)
	case StatePolling:
		return e.tickPolling(ctx)
	case StateDegraded:
		return e.tickDegraded(ctx)
	default:
		// ELECTING/PROMOTING/FOLLOWING are transient: tickPolling runs
		// them to completion synchronously and leaves the engine in
		// MONITORING, DEGRADED, or (after a store error or a lost voting
		// term) POLLING before returning.
		return nil
	}
}

// tickMonitoring is transition 1: MONITORING -> SUSPECT on a down probe.
func (e *Engine) tickMonitoring(ctx context.Context) error {
	self, ok := e.dir.Get(e.localNodeID)
	if !ok || self.UpstreamNodeID == nil {
		return nil // primary's own daemon, or not yet attached: nothing upstream to monitor
	}

	upstream, ok := e.dir.Get(*self.UpstreamNodeID)
	if !ok {
		return nil
	}

	status := e.prober.Probe(ctx, probe.Target{NodeID: upstream.NodeID, Conninfo: upstream.Conninfo}, e.checkStrategy())
	_ = e.st.RecordContactAttempt(ctx, e.localNodeID, upstream.NodeID, status == probe.StatusUp)
	e.touchNodeState(upstream.NodeID, status == probe.StatusUp, false, 0, 0)

	if status == probe.StatusUp {
		e.checkReplicationLag(ctx, self, upstream)
		return nil
	}

	e.mu.Lock()
	e.suspectSince = time.Now()
	e.mu.Unlock()
	e.setState(StateSuspect)
	return nil
}

// checkReplicationLag inspects the local standby and its upstream primary
// to report the byte gap between replay and current WAL position,
// against the replication_lag_warning/critical thresholds (spec §6).
// Inspection failures are silently skipped: this is best-effort
// instrumentation, not part of the failover decision itself.
func (e *Engine) checkReplicationLag(ctx context.Context, self, upstream store.Node) {
	localStatus, err := e.inspector.Inspect(ctx, self.Conninfo)
	if err != nil || localStatus.LastReplayedLSN == replication.LSNUnknown {
		return
	}
	e.touchNodeState(e.localNodeID, true, true, localStatus.LastReplayedLSN, localStatus.TimelineID)

	upstreamStatus, err := e.inspector.Inspect(ctx, upstream.Conninfo)
	if err != nil {
		return
	}
	e.touchNodeState(upstream.NodeID, true, true, upstreamStatus.LastReplayedLSN, upstreamStatus.TimelineID)

	var currentLSN replication.LSN
	if upstreamStatus.IsInRecovery {
		currentLSN = upstreamStatus.LastReceivedLSN
	} else {
		currentLSN = upstreamStatus.LastReplayedLSN
	}
	if currentLSN == replication.LSNUnknown || currentLSN < localStatus.LastReplayedLSN {
		return
	}

	lag := currentLSN - localStatus.LastReplayedLSN
	label := strconv.Itoa(e.localNodeID)
	metrics.ReplicationLagBytes.WithLabelValues(label).Set(float64(lag))

	switch {
	case e.cfg.ReplicationLagCritical > 0 && lag >= replication.LSN(e.cfg.ReplicationLagCritical):
		e.events.Emit(ctx, e.localNodeID, store.EventReplicationLagCritical, true,
			fmt.Sprintf("replication lag %d bytes behind upstream node %d", lag, upstream.NodeID))
	case e.cfg.ReplicationLagWarning > 0 && lag >= replication.LSN(e.cfg.ReplicationLagWarning):
		e.events.Emit(ctx, e.localNodeID, store.EventReplicationLagWarning, true,
			fmt.Sprintf("replication lag %d bytes behind upstream node %d", lag, upstream.NodeID))
	}
}

// tickSuspect is transition 2: SUSPECT -> POLLING once the local probe
// has failed for the entire reconnect_attempts window.
func (e *Engine) tickSuspect(ctx context.Context) error {
	self, ok := e.dir.Get(e.localNodeID)
	if !ok || self.UpstreamNodeID == nil {
		e.setState(StateMonitoring)
		return nil
	}
	upstream, ok := e.dir.Get(*self.UpstreamNodeID)
	if !ok {
		e.setState(StateMonitoring)
		return nil
	}

	if e.cfg.ReconnectAttempts == 0 {
		e.events.Emit(ctx, e.localNodeID, store.EventUpstreamLostSuspected, true, fmt.Sprintf("upstream node %d unreachable, no retries configured", upstream.NodeID))
		e.setState(StatePolling)
		return nil
	}

	for attempt := 0; attempt < e.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.ReconnectInterval):
		}

		status := e.prober.Probe(ctx, probe.Target{NodeID: upstream.NodeID, Conninfo: upstream.Conninfo}, e.checkStrategy())
		if status == probe.StatusUp {
			e.mu.Lock()
			elapsed := time.Since(e.suspectSince)
			e.mu.Unlock()
			metrics.UnreachableElapsedSeconds.WithLabelValues(strconv.Itoa(upstream.NodeID)).Set(elapsed.Seconds())
			e.events.Emit(ctx, e.localNodeID, store.EventReconnect, true,
				fmt.Sprintf("upstream node %d reachable again after %d attempt(s), unreachable for %s", upstream.NodeID, attempt+1, elapsed.Round(time.Second)))
			e.setState(StateMonitoring)
			return nil
		}
	}

	e.events.Emit(ctx, e.localNodeID, store.EventUpstreamDisconnect, true, fmt.Sprintf("upstream node %d unreachable after %d attempts", upstream.NodeID, e.cfg.ReconnectAttempts))
	e.events.Emit(ctx, e.localNodeID, store.EventUpstreamLostSuspected, true, fmt.Sprintf("upstream node %d confirmed lost", upstream.NodeID))
	e.setState(StatePolling)
	return nil
}

// voterSet builds spec §4.5.3.a's candidate-voter set V: every active
// standby attached to the failed upstream, plus the local node, plus the
// witness if configured to count toward quorum.
func (e *Engine) voterSet(upstreamNodeID int) []store.Node {
	var voters []store.Node
	self, ok := e.dir.Get(e.localNodeID)
	if ok {
		voters = append(voters, self)
	}
	for _, n := range e.dir.SiblingsOf(e.localNodeID) {
		if n.IsWitness() {
			if e.cfg.ChildNodesConnectedIncludeWitness {
				voters = append(voters, n)
			}
			continue
		}
		if n.Active {
			voters = append(voters, n)
		}
	}
	return voters
}

func majority(n int) int {
	return n/2 + 1
}

// pollOne is the fan-out unit for one voter (spec §4.5.3.b). The local
// node answers from its own, already-known, failed-probe perspective
// instead of re-dialing itself.
func (e *Engine) pollOne(ctx context.Context, voter store.Node, upstream store.Node) peerPollResult {
	if voter.NodeID == e.localNodeID {
		result := peerPollResult{NodeID: voter.NodeID, Reachable: true}
		if rstat, err := e.inspector.Inspect(ctx, voter.Conninfo); err == nil {
			result.Replication = rstat
			e.touchNodeState(voter.NodeID, true, true, rstat.LastReplayedLSN, rstat.TimelineID)
		} else {
			result.Replication = replication.Status{LastReplayedLSN: replication.LSNUnknown}
			e.touchNodeState(voter.NodeID, true, false, 0, 0)
		}
		return result
	}

	status := e.prober.Probe(ctx, probe.Target{NodeID: voter.NodeID, Conninfo: voter.Conninfo}, probe.StrategyQuery)
	if status != probe.StatusUp {
		e.touchNodeState(voter.NodeID, false, false, 0, 0)
		return peerPollResult{NodeID: voter.NodeID, Reachable: false}
	}

	rstat, err := e.inspector.Inspect(ctx, voter.Conninfo)
	result := peerPollResult{NodeID: voter.NodeID, Reachable: true}
	if err == nil {
		result.Replication = rstat
		e.touchNodeState(voter.NodeID, true, true, rstat.LastReplayedLSN, rstat.TimelineID)
	} else {
		result.Replication = replication.Status{LastReplayedLSN: replication.LSNUnknown}
		e.touchNodeState(voter.NodeID, true, false, 0, 0)
	}

	// Cross-daemon primary-visibility signal: peers record their own
	// contact attempts against the upstream into the shared metadata
	// store (spec §5's store-mediated coordination, since daemons have
	// no direct RPC channel to one another); read that signal back.
	visibilityWindow := 3 * e.cfg.MonitorIntervalSecsDuration()
	visibleCount, err := e.st.PeerVisibleCount(ctx, upstream.NodeID, visibilityWindow)
	if err == nil && visibleCount > 0 {
		result.PrimaryVisible = true
	}
	return result
}

// tickPolling runs spec §4.5.3/4/5/6 to completion: the POLLING phase,
// then (on majority with no primary visible) ELECTING, then PROMOTING or
// FOLLOWING on the winning/losing node respectively. It leaves the engine
// in MONITORING or DEGRADED, or back in POLLING when reading or acquiring
// the voting term fails or the term is lost to another daemon.
func (e *Engine) tickPolling(ctx context.Context) error {
	self, ok := e.dir.Get(e.localNodeID)
	if !ok || self.UpstreamNodeID == nil {
		e.setState(StateMonitoring)
		return nil
	}
	upstreamID := *self.UpstreamNodeID
	upstream, _ := e.dir.Get(upstreamID)

	voters := e.voterSet(upstreamID)
	nodesByID := make(map[int]store.Node, len(voters))
	for _, v := range voters {
		nodesByID[v.NodeID] = v
	}

	results := e.pollAll(ctx, voters, upstream)

	reachable := 0
	primaryVisible := false
	for _, r := range results {
		if r.Reachable {
			reachable++
		}
		if r.PrimaryVisible {
			primaryVisible = true
		}
	}

	metrics.QuorumSize.WithLabelValues(strconv.Itoa(upstreamID)).Set(float64(len(voters)))

	required := majority(len(voters))
	if reachable < required {
		e.events.Emit(ctx, e.localNodeID, store.EventFailoverAbortedMinority, true,
			fmt.Sprintf("visible quorum %d/%d below required majority %d", reachable, len(voters), required))
		metrics.ElectionTotal.WithLabelValues("aborted_minority").Inc()
		e.enterDegraded()
		return nil
	}

	if e.cfg.PrimaryVisibilityConsensus && primaryVisible {
		e.events.Emit(ctx, e.localNodeID, store.EventFailoverAbortedPrimaryVisible, true,
			"a reachable peer reports the primary still visible")
		metrics.ElectionTotal.WithLabelValues("aborted_primary_visible").Inc()
		e.setState(StateMonitoring)
		return nil
	}

	return e.runElection(ctx, voters, nodesByID, results, upstream)
}

func (e *Engine) pollAll(ctx context.Context, voters []store.Node, upstream store.Node) []peerPollResult {
	results := make([]peerPollResult, len(voters))
	var wg sync.WaitGroup
	deadline := e.cfg.AsyncQueryTimeout
	if deadline <= 0 {
		deadline = 5 * time.Second
	}

	for i, v := range voters {
		wg.Add(1)
		go func(i int, voter store.Node) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, deadline)
			defer cancel()
			results[i] = e.pollOne(pctx, voter, upstream)
		}(i, v)
	}
	wg.Wait()
	return results
}

// runElection is transitions 4, 5, and 6: candidate selection, VotingTerm
// acquisition, and the winner/loser split into PROMOTING/FOLLOWING.
func (e *Engine) runElection(ctx context.Context, voters []store.Node, nodesByID map[int]store.Node, results []peerPollResult, upstream store.Node) error {
	e.setState(StateElecting)

	winner, winnerNode, ok := selectCandidate(results, nodesByID)
	if !ok {
		e.events.Emit(ctx, e.localNodeID, store.EventFailoverAbortedMinority, false, "no eligible promotion candidate")
		metrics.ElectionTotal.WithLabelValues("no_candidate").Inc()
		e.enterDegraded()
		return nil
	}

	if winner.NodeID != e.localNodeID {
		metrics.ElectionTotal.WithLabelValues("lost_to").Inc()
		return e.runFollowing(ctx, winnerNode, upstream)
	}

	term, err := e.st.CurrentTerm(ctx)
	if err != nil {
		e.setState(StatePolling)
		return errs.New(errs.StoreUnavailable, "current_term", err)
	}

	acquireResult, err := e.st.AcquireVotingTerm(ctx, term+1, e.localNodeID)
	if err != nil {
		e.setState(StatePolling)
		return errs.New(errs.StoreUnavailable, "acquire_voting_term", err)
	}
	if !acquireResult.Acquired {
		e.setState(StatePolling)
		return nil
	}

	validation, err := e.promoter.Validate(ctx, e.cfg.FailoverValidationCommand, e.cfg.AsyncQueryTimeout)
	if err != nil {
		e.enterDegraded()
		return errs.New(errs.PromotionFailed, "failover_validation", err)
	}
	if !validation.Proceed {
		e.events.Emit(ctx, e.localNodeID, store.EventFailoverValidationFailed, false, validation.Output)
		e.enterDegraded()
		return nil
	}

	return e.runPromoting(ctx)
}

// runPromoting is transition 5 (ELECTING -> PROMOTING, winning node).
func (e *Engine) runPromoting(ctx context.Context) error {
	e.setState(StatePromoting)

	self, _ := e.dir.Get(e.localNodeID)
	res, err := e.promoter.Promote(ctx, e.cfg.PromoteCommand, self.Conninfo, e.cfg.AsyncQueryTimeout, e.cfg.PromoteCheckInterval, e.cfg.PromoteCheckTimeout)
	if err != nil {
		e.enterDegraded()
		return errs.New(errs.PromotionFailed, "promote", err)
	}

	if !res.Success {
		e.events.Emit(ctx, e.localNodeID, store.EventPromoteFailed, false, res.Output)
		metrics.ElectionTotal.WithLabelValues("promote_failed").Inc()
		if relErr := e.st.ReleaseVotingTerm(ctx, 0); relErr != nil {
			e.log.WithError(relErr).Warn("releasing voting term after failed promotion")
		}
		e.enterDegraded()
		return nil
	}

	if err := e.st.SetRole(ctx, e.localNodeID, store.RolePrimary, true); err != nil {
		e.log.WithError(err).Error("updating node record after successful promotion")
	}
	if err := e.st.SetUpstream(ctx, e.localNodeID, nil); err != nil {
		e.log.WithError(err).Error("clearing upstream after promotion")
	}
	metrics.PrimaryGauge.WithLabelValues(strconv.Itoa(e.localNodeID)).Set(1)
	metrics.ElectionTotal.WithLabelValues("promoted").Inc()
	e.events.Emit(ctx, e.localNodeID, store.EventFailoverPromote, true, res.Output)
	e.events.Emit(ctx, e.localNodeID, store.EventStandbyPromote, true, res.Output)
	if err := e.dir.Refresh(ctx); err != nil {
		e.log.WithError(err).Warn("refreshing directory after promotion")
	}
	e.setState(StateMonitoring)
	return nil
}

// runFollowing is transition 6 (ELECTING -> FOLLOWING, losing nodes).
func (e *Engine) runFollowing(ctx context.Context, newPrimary store.Node, oldUpstream store.Node) error {
	e.setState(StateFollowing)

	deadline := time.Now().Add(e.cfg.PrimaryNotificationTimeout)
	for {
		if err := e.dir.Refresh(ctx); err == nil {
			if p, ok := e.dir.Get(newPrimary.NodeID); ok && p.Role == store.RolePrimary && p.Active {
				break
			}
		}
		if time.Now().After(deadline) {
			e.events.Emit(ctx, e.localNodeID, store.EventFailoverFollow, false, "timed out waiting for new primary visibility")
			e.enterDegraded()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	self, _ := e.dir.Get(e.localNodeID)
	res, err := e.promoter.Follow(ctx, e.cfg.FollowCommand, self.Conninfo, newPrimary.Name, e.cfg.AsyncQueryTimeout, e.cfg.PrimaryFollowTimeout)
	if err != nil {
		e.enterDegraded()
		return errs.New(errs.PromotionFailed, "follow", err)
	}
	if !res.Success {
		e.events.Emit(ctx, e.localNodeID, store.EventFailoverFollow, false, res.Output)
		e.enterDegraded()
		return nil
	}

	if err := e.st.SetUpstream(ctx, e.localNodeID, &newPrimary.NodeID); err != nil {
		e.log.WithError(err).Error("updating upstream after successful follow")
	}
	if err := e.dir.Refresh(ctx); err != nil {
		e.log.WithError(err).Warn("refreshing directory after follow")
	}
	e.events.Emit(ctx, e.localNodeID, store.EventFailoverFollow, true, res.Output)
	e.events.Emit(ctx, e.localNodeID, store.EventStandbyFollow, true, res.Output)
	e.setState(StateMonitoring)
	return nil
}

// tickDegraded implements spec §4.5's degraded_monitoring_timeout: if
// positive, bounds how long a daemon may remain DEGRADED before
// terminating itself.
func (e *Engine) tickDegraded(ctx context.Context) error {
	if e.cfg.DegradedMonitoringTimeout <= 0 {
		return nil
	}

	e.mu.Lock()
	since := e.degradedSince
	e.mu.Unlock()
	if since.IsZero() {
		return nil
	}

	if time.Since(since) >= e.cfg.DegradedMonitoringTimeout {
		return ErrDegradedTimeoutExceeded
	}
	return nil
}

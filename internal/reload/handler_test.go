package reload

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/EnterpriseDB/repmgr-sub004/internal/config"
	"github.com/EnterpriseDB/repmgr-sub004/internal/election"
	"github.com/EnterpriseDB/repmgr-sub004/internal/store"
)

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeEngine struct {
	mu    sync.Mutex
	state election.State
	cfgs  []config.Config
}

func (f *fakeEngine) State() election.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeEngine) SetConfig(cfg config.Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfgs = append(f.cfgs, cfg)
}

func (f *fakeEngine) setState(s election.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

type fakeReleaser struct {
	mu       sync.Mutex
	released int
}

func (f *fakeReleaser) ReleaseVotingTerm(ctx context.Context, termID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

type recordedEmit struct {
	nodeID  int
	typ     store.EventType
	success bool
	detail  string
}

type fakeEvents struct {
	mu   sync.Mutex
	emit []recordedEmit
}

func (f *fakeEvents) Emit(ctx context.Context, nodeID int, typ store.EventType, success bool, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emit = append(f.emit, recordedEmit{nodeID, typ, success, detail})
}

func writeConfigFile(t *testing.T, dir string, body string) string {
	t.Helper()
	path := filepath.Join(dir, "repmgr.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const baseConfigBody = `node_id=1
node_name=node1
conninfo='host=localhost dbname=repmgr'
data_directory=/var/lib/postgresql/data
failover=automatic
connection_check_type=ping
monitor_interval_secs=2
reconnect_attempts=3
reconnect_interval=5s
archive_ready_warning=1
archive_ready_critical=2
replication_lag_warning=1
replication_lag_critical=2
standby_reconnect_timeout=60s
node_rejoin_timeout=30s
`

func baseConfig(t *testing.T, path string) config.Config {
	t.Helper()
	cfg, err := config.FromFile(path)
	require.NoError(t, err)
	return cfg
}

func TestReload_AppliesMutableChangeAndEmitsApplied(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, baseConfigBody)
	cur := baseConfig(t, path)

	engine := &fakeEngine{}
	releaser := &fakeReleaser{}
	evs := &fakeEvents{}

	h, err := New(path, cur, engine, releaser, evs, discardLogger(), time.Second)
	require.NoError(t, err)
	defer h.upg.Stop()

	writeConfigFile(t, dir, baseConfigBody+"failover=manual\n")

	h.Reload(context.Background())

	require.Len(t, engine.cfgs, 1)
	require.Equal(t, config.FailoverManual, engine.cfgs[0].Failover)

	evs.mu.Lock()
	defer evs.mu.Unlock()
	require.Len(t, evs.emit, 1)
	require.Equal(t, store.EventReloadApplied, evs.emit[0].typ)
	require.True(t, evs.emit[0].success)
}

func TestReload_RejectsImmutableChangeButKeepsMutable(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, baseConfigBody)
	cur := baseConfig(t, path)

	engine := &fakeEngine{}
	releaser := &fakeReleaser{}
	evs := &fakeEvents{}

	h, err := New(path, cur, engine, releaser, evs, discardLogger(), time.Second)
	require.NoError(t, err)
	defer h.upg.Stop()

	writeConfigFile(t, dir, baseConfigBody+"node_id=99\nfailover=manual\n")

	h.Reload(context.Background())

	require.Len(t, engine.cfgs, 1)
	require.Equal(t, cur.NodeID, engine.cfgs[0].NodeID, "immutable node_id must be retained")
	require.Equal(t, config.FailoverManual, engine.cfgs[0].Failover, "mutable failover still applies")

	evs.mu.Lock()
	defer evs.mu.Unlock()
	require.Len(t, evs.emit, 2)
	require.Equal(t, store.EventType(string(store.EventReloadRejectedImmutablePrefix)+"node_id"), evs.emit[0].typ)
	require.False(t, evs.emit[0].success)
	require.Equal(t, store.EventReloadApplied, evs.emit[1].typ)
}

func TestReload_InvalidFileLeavesConfigUntouched(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, baseConfigBody)
	cur := baseConfig(t, path)

	engine := &fakeEngine{}
	releaser := &fakeReleaser{}
	evs := &fakeEvents{}

	h, err := New(path, cur, engine, releaser, evs, discardLogger(), time.Second)
	require.NoError(t, err)
	defer h.upg.Stop()

	writeConfigFile(t, dir, "node_id=not-a-number\n")

	h.Reload(context.Background())

	require.Empty(t, engine.cfgs)
	evs.mu.Lock()
	defer evs.mu.Unlock()
	require.Empty(t, evs.emit)
}

func TestShutdown_ReleasesTermAndEmitsDaemonShutdown(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, baseConfigBody)
	cur := baseConfig(t, path)

	engine := &fakeEngine{state: election.StateMonitoring}
	releaser := &fakeReleaser{}
	evs := &fakeEvents{}

	h, err := New(path, cur, engine, releaser, evs, discardLogger(), 100*time.Millisecond)
	require.NoError(t, err)
	defer h.upg.Stop()

	h.Shutdown(context.Background())

	releaser.mu.Lock()
	require.Equal(t, 1, releaser.released)
	releaser.mu.Unlock()

	evs.mu.Lock()
	defer evs.mu.Unlock()
	require.Len(t, evs.emit, 1)
	require.Equal(t, store.EventDaemonShutdown, evs.emit[0].typ)
}

func TestShutdown_DrainsInFlightElectionBeforeReleasing(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, baseConfigBody)
	cur := baseConfig(t, path)

	engine := &fakeEngine{state: election.StateElecting}
	releaser := &fakeReleaser{}
	evs := &fakeEvents{}

	h, err := New(path, cur, engine, releaser, evs, discardLogger(), 500*time.Millisecond)
	require.NoError(t, err)
	defer h.upg.Stop()

	go func() {
		time.Sleep(50 * time.Millisecond)
		engine.setState(election.StateMonitoring)
	}()

	start := time.Now()
	h.Shutdown(context.Background())
	elapsed := time.Since(start)

	require.Less(t, elapsed, 500*time.Millisecond, "shutdown should not wait the full drain timeout once state clears")

	releaser.mu.Lock()
	require.Equal(t, 1, releaser.released)
	releaser.mu.Unlock()
}

func TestShutdown_StopsDrainingAfterTimeoutEvenIfStillInFlight(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, baseConfigBody)
	cur := baseConfig(t, path)

	engine := &fakeEngine{state: election.StatePromoting}
	releaser := &fakeReleaser{}
	evs := &fakeEvents{}

	h, err := New(path, cur, engine, releaser, evs, discardLogger(), 50*time.Millisecond)
	require.NoError(t, err)
	defer h.upg.Stop()

	start := time.Now()
	h.Shutdown(context.Background())
	elapsed := time.Since(start)

	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)

	releaser.mu.Lock()
	require.Equal(t, 1, releaser.released)
	releaser.mu.Unlock()
}

// Package probe implements the Connection Prober (C2, spec.md §4.2):
// establishing, caching, and health-checking DBMS connections behind a
// parameterized check strategy (ping / connect / query).
package probe

import (
	"context"
	"database/sql"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/EnterpriseDB/repmgr-sub004/internal/metrics"
)

// Status is the tri-state outcome of a probe (spec §4.2).
type Status int

const (
	StatusUnknown Status = iota
	StatusUp
	StatusDown
)

func (s Status) String() string {
	switch s {
	case StatusUp:
		return "up"
	case StatusDown:
		return "down"
	default:
		return "unknown"
	}
}

// Strategy is spec §4.2's three check strategies. The configured default
// is ping; more expensive strategies are used during election (spec
// §4.5.3.b specifies `query` for the polling phase) to avoid false
// negatives.
type Strategy string

const (
	StrategyPing       Strategy = "ping"
	StrategyConnection Strategy = "connection"
	StrategyQuery      Strategy = "query"
)

// Target is the minimal description of a node the prober needs. It is a
// narrow, probe-local type (rather than importing internal/store's Node)
// so this package has no dependency on the metadata store.
type Target struct {
	NodeID   int
	Conninfo string
}

// Prober establishes, caches, and health-checks DBMS connections.
// Probe results are cached for no longer than one monitor tick (spec
// §4.2): callers must call BeginTick() once per monitor iteration to
// evict the previous tick's results. Pooled `query`-strategy connections
// are retained across ticks (they are leases, not per-tick state);
// connections found stale on reuse are discarded and re-opened (spec §5).
type Prober struct {
	log   logrus.FieldLogger
	cache *lru.Cache

	mu    sync.Mutex
	pools map[int]*sql.DB
}

// New builds a Prober. cacheSize bounds the tick cache only; it is a
// safety net against an unbounded peer set, not the mechanism that
// enforces the one-tick lifetime (BeginTick is). The pooled connection
// table is not bounded by it.
func New(log logrus.FieldLogger, cacheSize int) (*Prober, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Prober{log: log, cache: cache, pools: make(map[int]*sql.DB)}, nil
}

// BeginTick evicts every cached probe result, so the next Probe call for
// each node performs fresh I/O. Call this once at the top of each monitor
// loop iteration.
func (p *Prober) BeginTick() {
	p.cache.Purge()
}

// Close tears down every pooled connection.
func (p *Prober) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, db := range p.pools {
		db.Close()
		delete(p.pools, id)
	}
}

// Probe runs the named strategy against target, returning a cached result
// if this is not the first call for target.NodeID since the last
// BeginTick.
func (p *Prober) Probe(ctx context.Context, target Target, strategy Strategy) Status {
	if v, ok := p.cache.Get(target.NodeID); ok {
		return v.(Status)
	}

	status := p.probeUncached(ctx, target, strategy)
	p.cache.Add(target.NodeID, status)
	p.recordHealthcheck(target.NodeID, status)
	return status
}

func (p *Prober) recordHealthcheck(nodeID int, status Status) {
	label := strconv.Itoa(nodeID)
	switch status {
	case StatusUp:
		metrics.NodeLastHealthcheckGauge.WithLabelValues(label).Set(1)
	case StatusDown:
		metrics.NodeLastHealthcheckGauge.WithLabelValues(label).Set(0)
	}
}

func (p *Prober) probeUncached(ctx context.Context, target Target, strategy Strategy) Status {
	switch strategy {
	case StrategyPing:
		return p.ping(ctx, target)
	case StrategyConnection:
		return p.connect(ctx, target)
	case StrategyQuery:
		return p.query(ctx, target)
	default:
		return p.ping(ctx, target)
	}
}

// ping is ICMP-level reachability only (approximated here with a TCP dial,
// since raw ICMP needs privileges most daemons don't have); it says
// nothing about DBMS health, per spec §4.2.
func (p *Prober) ping(ctx context.Context, target Target) Status {
	host, port, ok := hostPort(target.Conninfo)
	if !ok {
		return StatusUnknown
	}

	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return StatusDown
	}
	conn.Close()
	return StatusUp
}

// connect opens a fresh TCP+auth session and tears it down immediately,
// detecting whether the DBMS port is accepting logins.
func (p *Prober) connect(ctx context.Context, target Target) Status {
	db, err := sql.Open("postgres", target.Conninfo)
	if err != nil {
		return StatusUnknown
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return StatusDown
	}
	return StatusUp
}

// query opens (or reuses) a pooled session and runs a trivial
// selectivity-free query with the context's deadline.
func (p *Prober) query(ctx context.Context, target Target) Status {
	db, err := p.pool(target)
	if err != nil {
		return StatusUnknown
	}

	if _, err := db.ExecContext(ctx, "SELECT 1"); err != nil {
		p.discard(target.NodeID)
		return StatusDown
	}
	return StatusUp
}

func (p *Prober) pool(target Target) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.pools[target.NodeID]; ok {
		return db, nil
	}

	db, err := sql.Open("postgres", target.Conninfo)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	p.pools[target.NodeID] = db
	return db, nil
}

// discard closes and forgets a pooled connection found stale on reuse, so
// the next query() call re-opens it (spec §5: "cached connections found
// to be stale on reuse are discarded and re-opened").
func (p *Prober) discard(nodeID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if db, ok := p.pools[nodeID]; ok {
		db.Close()
		delete(p.pools, nodeID)
	}
}

// hostPort extracts a host and port from a libpq-style "key=value ..."
// conninfo string, defaulting the port to 5432 when unspecified. conninfo
// is treated as opaque everywhere else in this module (spec §3); this is
// the one place that must look inside it, to drive the cheap `ping`
// strategy's TCP dial.
func hostPort(conninfo string) (host, port string, ok bool) {
	port = "5432"
	for _, field := range strings.Fields(conninfo) {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "host", "hostaddr":
			host = kv[1]
		case "port":
			if _, err := strconv.Atoi(kv[1]); err == nil {
				port = kv[1]
			}
		}
	}
	return host, port, host != ""
}

// Package events implements the Event Log (C8, spec.md §4.8): a dual
// sink that appends every significant transition to the metadata store
// and invokes an external notification hook, fire-and-forget from the
// caller's perspective so a slow or failing sink never blocks an
// election.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/EnterpriseDB/repmgr-sub004/internal/metrics"
	"github.com/EnterpriseDB/repmgr-sub004/internal/store"
)

// Store is the subset of store.MetadataStore the logger needs.
type Store interface {
	AppendEvent(ctx context.Context, ev store.Event) (int64, error)
}

// HookRunner invokes the user-configured event_notification_command with
// the event fields as arguments. internal/execcmd.Run, adapted, satisfies
// this in production; tests substitute a recording fake.
type HookRunner func(ctx context.Context, command string, args []string, timeout time.Duration) error

// CrashReporter forwards a one-line failure summary to an external
// aggregator. Optional: a nil reporter (the default) just means failure
// events only ever reach the store and the notification hook. A thin
// getsentry/sentry-go adapter satisfies this when sentry_dsn is set.
type CrashReporter interface {
	CaptureMessage(message string)
}

const hookTimeout = 10 * time.Second

// Logger is the C8 event sink. Emit enqueues onto a single background
// worker, so queued events from one daemon are appended in submission
// order (spec §5's monotonic-timestamp ordering guarantee) without making
// the caller wait on store or hook I/O. When the queue is full, Emit
// processes the event synchronously instead (see Emit): the caller then
// blocks, and that event can be appended ahead of events still queued.
type Logger struct {
	store   Store
	hook    HookRunner
	command string
	allow   map[store.EventType]bool // event_notifications filter; nil = all
	log     logrus.FieldLogger

	reporter CrashReporter

	queue chan job
	done  chan struct{}
}

type job struct {
	ctx    context.Context
	nodeID int
	typ    store.EventType
	ok     bool
	detail string
}

// New builds a Logger. notificationCommand may be empty (hook disabled).
// allowList, if non-empty, restricts which event types invoke the hook
// (spec §6's event_notifications key); the store sink is never filtered.
func New(st Store, hook HookRunner, notificationCommand string, allowList []string, log logrus.FieldLogger) *Logger {
	var allow map[store.EventType]bool
	if len(allowList) > 0 {
		allow = make(map[store.EventType]bool, len(allowList))
		for _, t := range allowList {
			allow[store.EventType(t)] = true
		}
	}

	l := &Logger{
		store:   st,
		hook:    hook,
		command: notificationCommand,
		allow:   allow,
		log:     log,
		queue:   make(chan job, 256),
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

// SetCrashReporter wires an optional external failure aggregator; see
// CrashReporter. Safe to call before or after the worker goroutine starts.
func (l *Logger) SetCrashReporter(r CrashReporter) {
	l.reporter = r
}

// Close stops accepting new events and waits for the queue to drain.
func (l *Logger) Close() {
	close(l.queue)
	<-l.done
}

// Emit enqueues an event for append-and-notify. If the queue is full
// (the worker has fallen far behind), the event is appended synchronously
// instead of being dropped, trading a momentarily blocked caller for
// never silently losing a cluster-visible transition.
func (l *Logger) Emit(ctx context.Context, nodeID int, typ store.EventType, success bool, detail string) {
	j := job{ctx: ctx, nodeID: nodeID, typ: typ, ok: success, detail: detail}
	select {
	case l.queue <- j:
	default:
		l.process(j)
	}
}

func (l *Logger) run() {
	defer close(l.done)
	for j := range l.queue {
		l.process(j)
	}
}

func (l *Logger) process(j job) {
	ctx := j.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	ev := store.Event{NodeID: j.nodeID, EventType: j.typ, Success: j.ok, Detail: j.detail, Timestamp: time.Now()}
	if _, err := l.store.AppendEvent(ctx, ev); err != nil {
		l.log.WithError(err).WithField("event_type", j.typ).Warn("event store append failed")
	}
	metrics.EventTotal.WithLabelValues(string(j.typ), fmt.Sprintf("%t", j.ok)).Inc()

	if !j.ok && l.reporter != nil {
		l.reporter.CaptureMessage(fmt.Sprintf("node %d: %s failed: %s", j.nodeID, j.typ, j.detail))
	}

	if l.hook == nil || l.command == "" {
		return
	}
	if l.allow != nil && !l.allow[j.typ] {
		return
	}

	args := []string{string(j.typ), fmt.Sprintf("%d", j.nodeID), fmt.Sprintf("%t", j.ok), j.detail}
	hookCtx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()
	if err := l.hook(hookCtx, l.command, args, hookTimeout); err != nil {
		l.log.WithError(err).WithField("event_type", j.typ).Warn("event notification hook failed")
	}
}

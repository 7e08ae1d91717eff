// Command repmgrd is the always-on replication-cluster monitoring daemon
// (spec.md's core): it watches its node's upstream, and on a confirmed
// failure runs the quorum-based election described in spec.md §4.5 to
// promote a replacement primary or follow the winner.
//
//	repmgrd -config /etc/repmgr.conf
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/EnterpriseDB/repmgr-sub004/internal/config"
	"github.com/EnterpriseDB/repmgr-sub004/internal/election"
	"github.com/EnterpriseDB/repmgr-sub004/internal/errs"
	"github.com/EnterpriseDB/repmgr-sub004/internal/events"
	"github.com/EnterpriseDB/repmgr-sub004/internal/logging"
	"github.com/EnterpriseDB/repmgr-sub004/internal/probe"
	"github.com/EnterpriseDB/repmgr-sub004/internal/promote"
	"github.com/EnterpriseDB/repmgr-sub004/internal/reload"
	"github.com/EnterpriseDB/repmgr-sub004/internal/replication"
	"github.com/EnterpriseDB/repmgr-sub004/internal/store"
)

const (
	progname           = "repmgrd"
	proberCacheSize    = 256
	shutdownDrainLimit = 30 * time.Second
)

var (
	flagConfig  = flag.String("config", "", "path to the repmgr.conf configuration file")
	flagVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *flagVersion {
		fmt.Println(progname)
		os.Exit(0)
	}

	if *flagConfig == "" {
		fmt.Fprintf(os.Stderr, "%s: -config is required\n", progname)
		os.Exit(errs.ConfigInvalid.ExitCode())
	}

	cfg, err := config.FromFile(*flagConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: configuration error: %v\n", progname, err)
		os.Exit(errs.ConfigInvalid.ExitCode())
	}

	base := newLogger(cfg)
	for _, w := range cfg.Warnings {
		base.Warn(w)
	}

	// Tagging every log line with a fresh run id (generated once per process
	// lifetime, not persisted) makes it possible to tell one repmgrd
	// incarnation's log lines apart from the previous one across a crash
	// restart or a tableflip re-exec, without relying on the OS pid.
	log := base.WithField("run_id", uuid.New().String())

	if err := run(cfg, log); err != nil {
		var exitCode int
		if e, ok := err.(*errs.Error); ok {
			exitCode = e.Kind.ExitCode()
		} else {
			exitCode = errs.InternalInvariantViolation.ExitCode()
		}
		log.WithError(err).Error(progname + " exiting")
		os.Exit(exitCode)
	}
}

// newLogger configures logrus per spec §6's log_level/log_file keys, via
// internal/logging so the daemon and any future repmgr subcommands share
// one log-setup path.
func newLogger(cfg config.Config) *logrus.Logger {
	return logging.Configure(logrus.New(), logging.Config{
		Level:  cfg.LogLevel,
		Format: "json",
		File:   cfg.LogFile,
	})
}

func run(cfg config.Config, log logrus.FieldLogger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.Conninfo, log)
	if err != nil {
		return err
	}
	defer st.Close()

	dir := store.NewDirectory(st)
	if err := dir.Refresh(ctx); err != nil {
		return errs.New(errs.StoreUnavailable, "initial_directory_refresh", err)
	}

	prober, err := probe.New(log, proberCacheSize)
	if err != nil {
		return errs.New(errs.InternalInvariantViolation, "probe_new", err)
	}
	defer prober.Close()

	inspector := replication.New()
	promoteExec := promote.New(runCommand, inspector)

	eventLogger := events.New(st, runNotificationHook, cfg.EventNotificationCommand, cfg.EventNotifications, log)
	defer eventLogger.Close()

	if err := initCrashReporting(cfg.SentryDSN, eventLogger); err != nil {
		log.WithError(err).Warn("sentry initialisation failed, continuing without crash reporting")
	}

	eng := election.New(cfg, st, dir, prober, inspector, promoteExec, eventLogger, log)

	reloadHandler, err := reload.New(*flagConfig, cfg, eng, st, eventLogger, log, shutdownDrainLimit)
	if err != nil {
		return errs.New(errs.InternalInvariantViolation, "reload_new", err)
	}
	go func() {
		if err := reloadHandler.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("signal handler exited unexpectedly")
		}
		cancel()
	}()

	eventLogger.Emit(ctx, cfg.NodeID, store.EventRepmgrdStart, true, fmt.Sprintf("%s started, monitoring node %d", progname, cfg.NodeID))
	log.WithField("node_id", cfg.NodeID).Info(progname + " monitoring loop starting")

	return monitorLoop(ctx, cfg, dir, prober, eng, eventLogger, log)
}

// monitorLoop calls engine.Tick once per monitor_interval_secs, per spec
// §5's fixed polling cadence. BeginTick() evicts the prior tick's cached
// probe results (spec §4.2) and the directory is refreshed first so the
// engine always sees the latest topology.
func monitorLoop(ctx context.Context, cfg config.Config, dir *store.Directory, prober *probe.Prober, eng *election.Engine, eventLogger *events.Logger, log logrus.FieldLogger) error {
	ticker := time.NewTicker(cfg.MonitorIntervalSecsDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			prober.BeginTick()
			if err := dir.Refresh(ctx); err != nil {
				log.WithError(err).Warn("directory refresh failed")
				continue
			}

			if err := eng.Tick(ctx); err != nil {
				if errors.Is(err, election.ErrDegradedTimeoutExceeded) {
					eventLogger.Emit(ctx, cfg.NodeID, store.EventRepmgrdShutdown, false, "degraded_monitoring_timeout exceeded")
					return err
				}
				log.WithError(err).Warn("monitor tick returned an error")
			}
		}
	}
}

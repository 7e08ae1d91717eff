package main

import (
	"github.com/getsentry/sentry-go"

	"github.com/EnterpriseDB/repmgr-sub004/internal/events"
)

// sentryReporter adapts getsentry/sentry-go to events.CrashReporter.
type sentryReporter struct{}

func (sentryReporter) CaptureMessage(message string) {
	sentry.CaptureMessage(message)
}

// initCrashReporting wires the optional sentry_dsn config key (spec §6's
// ambient error-reporting key) into the event logger, so every event
// emitted with success=false (e.g. promote_failed,
// failover_validation_failed) also reaches an external aggregator rather
// than only the daemon's own logs.
func initCrashReporting(dsn string, eventLogger *events.Logger) error {
	if dsn == "" {
		return nil
	}
	if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
		return err
	}
	eventLogger.SetCrashReporter(sentryReporter{})
	return nil
}

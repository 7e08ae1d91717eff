// Package logging configures the daemon's logrus instance from parsed
// configuration, the same role gitaly's praefect/config.ConfigureLogger
// plays for its own logrus logger.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Config is the subset of internal/config.Config this package needs. Kept
// narrow deliberately so internal/logging has no import-cycle back to
// internal/config.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "text" or "json"
	File   string // empty means stderr
}

// Configure applies level/format/output settings to logger and returns it
// for chaining, mirroring gitaly's ConfigureLogger return shape.
func Configure(logger *logrus.Logger, cfg Config) *logrus.Logger {
	if lvl, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	logger.SetOutput(output(cfg.File))

	return logger
}

func output(path string) io.Writer {
	if path == "" {
		return os.Stderr
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logrus.StandardLogger().WithError(err).WithField("log_file", path).
			Warn("unable to open configured log file, falling back to stderr")
		return os.Stderr
	}
	return f
}

// Default returns a fresh logrus.Logger with sane zero-value defaults,
// analogous to gitaly's log.Default().
func Default() *logrus.Logger {
	return Configure(logrus.New(), Config{Level: "info", Format: "text"})
}

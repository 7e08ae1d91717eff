// Package config parses and validates the daemon's line-oriented
// `key = value` configuration file (spec.md §6) and implements the
// whitelisted hot-reload semantics of spec.md §4.7 / C7.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// FailoverMode is spec §6's `failover` key.
type FailoverMode string

const (
	FailoverManual    FailoverMode = "manual"
	FailoverAutomatic FailoverMode = "automatic"
)

// CheckType is spec §4.2's probe strategy, also spec §6's
// `connection_check_type` key.
type CheckType string

const (
	CheckPing       CheckType = "ping"
	CheckConnection CheckType = "connection"
	CheckQuery      CheckType = "query"
)

// TablespaceMapping is one OLD=NEW entry from spec §6's `tablespace_mapping`
// repeatable key, kept as an append-only immutable record per spec §9's
// guidance to replace intrusive linked lists with ordered sequences.
type TablespaceMapping struct {
	Old, New string
}

// Config is the fully parsed, validated, in-memory configuration. Every
// field except Warnings corresponds to a catalogue Option in option.go,
// whose defaults fromRaw applies; Validate and Reload's immutable-key
// check state their rules field by field rather than reading them from
// the catalogue.
type Config struct {
	NodeID        int
	NodeName      string
	Conninfo      string
	DataDirectory string

	Failover            FailoverMode
	ConnectionCheckType CheckType
	Priority            int
	Location            string

	PromoteCommand            string
	FollowCommand             string
	FailoverValidationCommand string
	EventNotificationCommand  string

	ReconnectAttempts             int
	ReconnectInterval             time.Duration
	MonitorIntervalSecs           int
	AsyncQueryTimeout             time.Duration
	PrimaryNotificationTimeout    time.Duration
	PrimaryFollowTimeout          time.Duration
	StandbyReconnectTimeout       time.Duration
	NodeRejoinTimeout             time.Duration
	RepmgrdStandbyStartupTimeout  time.Duration
	PromoteCheckInterval          time.Duration
	PromoteCheckTimeout           time.Duration
	DegradedMonitoringTimeout     time.Duration

	ArchiveReadyWarning     int
	ArchiveReadyCritical    int
	ReplicationLagWarning   int
	ReplicationLagCritical  int

	EventNotifications []string
	TablespaceMapping  []TablespaceMapping

	PrimaryVisibilityConsensus        bool
	ChildNodesConnectedIncludeWitness bool

	LogLevel    string
	LogFacility string
	LogFile     string

	SentryDSN string

	// Warnings accumulates deprecated-key and other non-fatal parse
	// warnings so the caller (cmd/repmgrd) can log them after the logger
	// itself is configured from this same Config.
	Warnings []string
}

// FromFile reads and validates the configuration file at path.
func FromFile(path string) (Config, error) {
	raw, err := parseFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	c, err := fromRaw(raw)
	if err != nil {
		return Config{}, err
	}
	if err := applyEnvOverlay(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// envOverlay holds the REPMGR_PASSWORD environment override, so the
// connection secret never has to sit in the config file on disk. Every
// other setting is taken from the file; only the password is environment-
// overridable, a common repmgr deployment pattern.
type envOverlay struct {
	Password string `envconfig:"PASSWORD"`
}

func applyEnvOverlay(c *Config) error {
	var eo envOverlay
	if err := envconfig.Process("repmgr", &eo); err != nil {
		return fmt.Errorf("env overlay: %w", err)
	}
	if eo.Password != "" {
		c.Conninfo = strings.TrimSpace(c.Conninfo) + " password=" + eo.Password
	}
	return nil
}

func fromRaw(raw rawFile) (Config, error) {
	c := Config{Warnings: raw.warnings}

	get := func(name string) (string, bool) {
		vs, ok := raw.values[name]
		if !ok || len(vs) == 0 {
			return "", false
		}
		return vs[len(vs)-1], true // last occurrence wins for scalar keys
	}

	str := func(name string) string {
		if v, ok := get(name); ok {
			return v
		}
		o, _ := lookupOption(name)
		return o.Default
	}

	intVal := func(name string) (int, error) {
		v := str(name)
		if v == "" {
			return 0, nil
		}
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			return 0, fmt.Errorf("%s: invalid integer %q", name, v)
		}
		return n, nil
	}

	durVal := func(name string) (time.Duration, error) {
		v := str(name)
		if v == "" {
			return 0, nil
		}
		d, err := parseDurationString(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		return d, nil
	}

	boolVal := func(name string) (bool, error) {
		v := str(name)
		if v == "" {
			return false, nil
		}
		b, err := parseBoolString(v)
		if err != nil {
			return false, fmt.Errorf("%s: %w", name, err)
		}
		return b, nil
	}

	var err error

	if c.NodeID, err = intVal("node_id"); err != nil {
		return Config{}, err
	}
	c.NodeName = str("node_name")
	c.Conninfo = str("conninfo")
	c.DataDirectory = str("data_directory")

	c.Failover = FailoverMode(str("failover"))
	c.ConnectionCheckType = CheckType(str("connection_check_type"))
	if c.Priority, err = intVal("priority"); err != nil {
		return Config{}, err
	}
	c.Location = str("location")

	c.PromoteCommand = str("promote_command")
	c.FollowCommand = str("follow_command")
	c.FailoverValidationCommand = str("failover_validation_command")
	c.EventNotificationCommand = str("event_notification_command")

	if c.ReconnectAttempts, err = intVal("reconnect_attempts"); err != nil {
		return Config{}, err
	}
	if c.ReconnectInterval, err = durVal("reconnect_interval"); err != nil {
		return Config{}, err
	}
	if c.MonitorIntervalSecs, err = intVal("monitor_interval_secs"); err != nil {
		return Config{}, err
	}
	if c.AsyncQueryTimeout, err = durVal("async_query_timeout"); err != nil {
		return Config{}, err
	}
	if c.PrimaryNotificationTimeout, err = durVal("primary_notification_timeout"); err != nil {
		return Config{}, err
	}
	if c.PrimaryFollowTimeout, err = durVal("primary_follow_timeout"); err != nil {
		return Config{}, err
	}
	if c.StandbyReconnectTimeout, err = durVal("standby_reconnect_timeout"); err != nil {
		return Config{}, err
	}
	if c.NodeRejoinTimeout, err = durVal("node_rejoin_timeout"); err != nil {
		return Config{}, err
	}
	if c.RepmgrdStandbyStartupTimeout, err = durVal("repmgrd_standby_startup_timeout"); err != nil {
		return Config{}, err
	}
	if c.RepmgrdStandbyStartupTimeout == 0 {
		// spec.md §9 open question: this key falls back to
		// standby_reconnect_timeout when unset. Preserve the fallback.
		c.RepmgrdStandbyStartupTimeout = c.StandbyReconnectTimeout
	}
	if c.PromoteCheckInterval, err = durVal("promote_check_interval"); err != nil {
		return Config{}, err
	}
	if c.PromoteCheckTimeout, err = durVal("promote_check_timeout"); err != nil {
		return Config{}, err
	}
	if c.DegradedMonitoringTimeout, err = durVal("degraded_monitoring_timeout"); err != nil {
		return Config{}, err
	}

	if c.ArchiveReadyWarning, err = intVal("archive_ready_warning"); err != nil {
		return Config{}, err
	}
	if c.ArchiveReadyCritical, err = intVal("archive_ready_critical"); err != nil {
		return Config{}, err
	}
	if c.ReplicationLagWarning, err = intVal("replication_lag_warning"); err != nil {
		return Config{}, err
	}
	if c.ReplicationLagCritical, err = intVal("replication_lag_critical"); err != nil {
		return Config{}, err
	}

	c.EventNotifications = raw.values["event_notifications"]

	for _, entry := range raw.values["tablespace_mapping"] {
		old, new, err := splitKVEscaped(entry)
		if err != nil {
			return Config{}, err
		}
		c.TablespaceMapping = append(c.TablespaceMapping, TablespaceMapping{Old: old, New: new})
	}

	if c.PrimaryVisibilityConsensus, err = boolVal("primary_visibility_consensus"); err != nil {
		return Config{}, err
	}
	if c.ChildNodesConnectedIncludeWitness, err = boolVal("child_nodes_connected_include_witness"); err != nil {
		return Config{}, err
	}

	c.LogLevel = str("log_level")
	c.LogFacility = str("log_facility")
	c.LogFile = str("log_file")
	c.SentryDSN = str("sentry_dsn")

	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

// Validate establishes whether the config is usable, per spec §6/§7's
// ConfigInvalid class.
func (c *Config) Validate() error {
	if c.NodeID < 1 {
		return fmt.Errorf("node_id must be >= 1, got %d", c.NodeID)
	}
	if c.NodeName == "" {
		return fmt.Errorf("node_name is required")
	}
	if c.Conninfo == "" {
		return fmt.Errorf("conninfo is required")
	}
	if c.DataDirectory == "" {
		return fmt.Errorf("data_directory is required")
	}

	switch c.Failover {
	case FailoverManual, FailoverAutomatic:
	default:
		return fmt.Errorf("failover must be 'manual' or 'automatic', got %q", c.Failover)
	}

	switch c.ConnectionCheckType {
	case CheckPing, CheckConnection, CheckQuery:
	default:
		return fmt.Errorf("connection_check_type must be ping, connection or query, got %q", c.ConnectionCheckType)
	}

	if c.MonitorIntervalSecs < 1 {
		return fmt.Errorf("monitor_interval_secs must be >= 1, got %d", c.MonitorIntervalSecs)
	}

	if c.ArchiveReadyWarning >= c.ArchiveReadyCritical {
		return fmt.Errorf("archive_ready_warning (%d) must be < archive_ready_critical (%d)",
			c.ArchiveReadyWarning, c.ArchiveReadyCritical)
	}

	if c.ReplicationLagWarning >= c.ReplicationLagCritical {
		return fmt.Errorf("replication_lag_warning (%d) must be < replication_lag_critical (%d)",
			c.ReplicationLagWarning, c.ReplicationLagCritical)
	}

	if c.StandbyReconnectTimeout < c.NodeRejoinTimeout {
		return fmt.Errorf("standby_reconnect_timeout (%s) must be >= node_rejoin_timeout (%s)",
			c.StandbyReconnectTimeout, c.NodeRejoinTimeout)
	}

	return nil
}

// DetectionWindow returns the total time a genuine upstream failure takes
// to be declared, per spec §4.5's "reconnect_attempts = N means N total
// attempts; the total detection window is N × reconnect_interval seconds."
func (c Config) DetectionWindow() time.Duration {
	return time.Duration(c.ReconnectAttempts) * c.ReconnectInterval
}

// MonitorIntervalSecsDuration returns monitor_interval_secs as a
// time.Duration: the monitor loop's tick period. The election engine
// treats a peer's recorded contact attempt as still current for three
// times this (spec §4.5.3.e).
func (c Config) MonitorIntervalSecsDuration() time.Duration {
	return time.Duration(c.MonitorIntervalSecs) * time.Second
}

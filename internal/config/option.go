package config

import "time"

// Kind tags the type a configuration value parses to. This is the Go
// analogue of spec.md §9's "tagged-variant descriptor": the reference
// implementation dispatches on a tagged union of int/string/bool/enum/list
// pointer targets; here the parser dispatches on Kind instead of walking
// pointers.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindBool
	KindDuration
	KindEnum
	KindStringList
	KindKVList
)

// Option describes one recognised configuration key: its type, default,
// optional numeric bounds, a post-parse validator, and whether the key may
// be changed by C7's hot reload (spec §4.7 — only the "decision-engine
// relevant" keys are reloadable; location and priority are explicitly
// excluded, as are identity keys like node_id).
type Option struct {
	Name         string
	Kind         Kind
	Default      string
	Min, Max     int64
	Mutable      bool
	PostValidate func(*Config) error
}

// catalogue is the full option catalogue from spec.md §6, in descriptor
// form. fromRaw reads each key's Default from it and IsMutable reports its
// Mutable flag; Validate and immutableDiff (reload.go) do not read Min,
// Max, PostValidate or Mutable from it, and check fields directly.
var catalogue = []Option{
	{Name: "node_id", Kind: KindInt, Min: 1, Mutable: false},
	{Name: "node_name", Kind: KindString, Mutable: false},
	{Name: "conninfo", Kind: KindString, Mutable: false},
	{Name: "data_directory", Kind: KindString, Mutable: false},

	{Name: "failover", Kind: KindEnum, Default: "manual", Mutable: true},
	{Name: "connection_check_type", Kind: KindEnum, Default: "ping", Mutable: true},
	{Name: "priority", Kind: KindInt, Default: "100", Min: 0, Mutable: false},
	{Name: "location", Kind: KindString, Default: "default", Mutable: false},

	{Name: "promote_command", Kind: KindString, Mutable: true},
	{Name: "follow_command", Kind: KindString, Mutable: true},
	{Name: "failover_validation_command", Kind: KindString, Mutable: true},
	{Name: "event_notification_command", Kind: KindString, Mutable: true},

	{Name: "reconnect_attempts", Kind: KindInt, Default: "6", Min: 0, Mutable: true},
	{Name: "reconnect_interval", Kind: KindDuration, Default: "10s", Mutable: true},
	{Name: "monitor_interval_secs", Kind: KindInt, Default: "2", Min: 1, Mutable: true},
	{Name: "async_query_timeout", Kind: KindDuration, Default: "5s", Mutable: true},
	{Name: "primary_notification_timeout", Kind: KindDuration, Default: "60s", Mutable: true},
	{Name: "primary_follow_timeout", Kind: KindDuration, Default: "60s", Mutable: true},
	{Name: "standby_reconnect_timeout", Kind: KindDuration, Default: "60s", Mutable: true},
	{Name: "node_rejoin_timeout", Kind: KindDuration, Default: "60s", Mutable: true},
	{Name: "repmgrd_standby_startup_timeout", Kind: KindDuration, Default: "", Mutable: true},
	{Name: "promote_check_interval", Kind: KindDuration, Default: "1s", Mutable: true},
	{Name: "promote_check_timeout", Kind: KindDuration, Default: "60s", Mutable: true},
	{Name: "degraded_monitoring_timeout", Kind: KindDuration, Default: "0s", Mutable: true},

	{Name: "archive_ready_warning", Kind: KindInt, Default: "16", Mutable: true},
	{Name: "archive_ready_critical", Kind: KindInt, Default: "32", Mutable: true},
	{Name: "replication_lag_warning", Kind: KindInt, Default: "300", Mutable: true},
	{Name: "replication_lag_critical", Kind: KindInt, Default: "600", Mutable: true},

	{Name: "event_notifications", Kind: KindStringList, Mutable: true},
	{Name: "tablespace_mapping", Kind: KindKVList, Mutable: true},

	{Name: "primary_visibility_consensus", Kind: KindBool, Default: "true", Mutable: true},
	{Name: "child_nodes_connected_include_witness", Kind: KindBool, Default: "true", Mutable: true},

	{Name: "log_level", Kind: KindString, Default: "info", Mutable: true},
	{Name: "log_facility", Kind: KindString, Default: "local0", Mutable: true},
	{Name: "log_file", Kind: KindString, Default: "", Mutable: true},

	{Name: "sentry_dsn", Kind: KindString, Default: "", Mutable: true},
}

// deprecatedKeys maps a deprecated spelling to the rename hint emitted as a
// warning. A deprecated key never aborts startup; it is simply ignored.
var deprecatedKeys = map[string]string{
	"cluster":                     "no longer used; node identity comes from node_id",
	"node":                        "renamed to node_name",
	"loglevel":                    "renamed to log_level",
	"logfacility":                 "renamed to log_facility",
	"logfile":                     "renamed to log_file",
	"failover_behaviour":          "renamed to failover",
	"retry_promote_interval_secs": "renamed to promote_check_interval (duration, not bare seconds)",
	"master_response_timeout":     "renamed to primary_notification_timeout",
}

func lookupOption(name string) (Option, bool) {
	for _, o := range catalogue {
		if o.Name == name {
			return o, true
		}
	}
	return Option{}, false
}

// IsMutable reports whether name is in the hot-reload whitelist. Unknown
// keys are treated as immutable (conservative default).
func IsMutable(name string) bool {
	o, ok := lookupOption(name)
	return ok && o.Mutable
}

// parseDuration recognises the suffixes spec §4.5 mandates: ms, s, min, h, d.
// A bare integer is interpreted as seconds, matching repmgr's historical
// "_secs"-suffixed keys.
func parseDuration(s string) (time.Duration, error) {
	return parseDurationString(s)
}

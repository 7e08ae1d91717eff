package config

// immutableDiff compares the identity/topology fields of old and next,
// which spec.md §4.7 forbids changing via hot reload ("location/priority
// *not* changeable", plus node_id/node_name/conninfo/data_directory as the
// node's identity), and returns the catalogue key names that differ.
//
// spec.md §9 notes the reference's reload loop contains an apparently
// duplicated signal-check block and says to specify only one; this package
// and internal/reload between them implement exactly one signal-check loop
// and exactly one reload-diff pass.
func immutableDiff(old, next Config) []string {
	var rejected []string

	check := func(key string, changed bool) {
		if changed {
			rejected = append(rejected, key)
		}
	}

	check("node_id", old.NodeID != next.NodeID)
	check("node_name", old.NodeName != next.NodeName)
	check("conninfo", old.Conninfo != next.Conninfo)
	check("data_directory", old.DataDirectory != next.DataDirectory)
	check("priority", old.Priority != next.Priority)
	check("location", old.Location != next.Location)

	return rejected
}

// Reload re-parses path and merges it onto cur: any key in the immutable
// set that changed in the file is rejected and the running value is kept;
// every mutable key (spec §4.7's whitelist — failover mode, timeouts,
// connection-check type, command strings, event-notification settings) is
// applied from the new file. It returns the merged Config and the list of
// rejected immutable key names, in the order checked by immutableDiff, so
// the caller can emit one reload_rejected_immutable_<key> event per entry.
func Reload(cur Config, path string) (merged Config, rejected []string, err error) {
	next, err := FromFile(path)
	if err != nil {
		return Config{}, nil, err
	}

	rejected = immutableDiff(cur, next)

	merged = next
	for _, key := range rejected {
		switch key {
		case "node_id":
			merged.NodeID = cur.NodeID
		case "node_name":
			merged.NodeName = cur.NodeName
		case "conninfo":
			merged.Conninfo = cur.Conninfo
		case "data_directory":
			merged.DataDirectory = cur.DataDirectory
		case "priority":
			merged.Priority = cur.Priority
		case "location":
			merged.Location = cur.Location
		}
	}

	return merged, rejected, nil
}

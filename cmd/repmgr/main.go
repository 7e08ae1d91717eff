// Command repmgr is the administrative CLI for the replication cluster,
// spec.md §6's operator surface. It implements the read-only `cluster
// show`, `cluster event` and `node status` views; the primary, standby
// and daemon actions (registration, clone, promote, follow) are not
// implemented and return an error.
//
//	repmgr -config /etc/repmgr.conf cluster show
//	repmgr -config /etc/repmgr.conf cluster event
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"

	"github.com/EnterpriseDB/repmgr-sub004/internal/config"
	"github.com/EnterpriseDB/repmgr-sub004/internal/errs"
	"github.com/EnterpriseDB/repmgr-sub004/internal/logging"
	"github.com/EnterpriseDB/repmgr-sub004/internal/store"
)

var flagConfig = flag.String("config", "", "path to the repmgr.conf configuration file")

func main() {
	flag.Parse()
	args := flag.Args()

	if *flagConfig == "" || len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: repmgr -config <path> <primary|standby|node|cluster> <action> [args...]")
		os.Exit(errs.ConfigInvalid.ExitCode())
	}

	cfg, err := config.FromFile(*flagConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "repmgr: configuration error: %v\n", err)
		os.Exit(errs.ConfigInvalid.ExitCode())
	}

	log := logging.Configure(logrus.New(), logging.Config{Level: cfg.LogLevel, Format: "text"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := store.Open(ctx, cfg.Conninfo, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "repmgr: could not connect to metadata store: %v\n", err)
		os.Exit(errs.StoreUnavailable.ExitCode())
	}
	defer st.Close()

	object, action := args[0], args[1]
	if err := dispatch(ctx, st, object, action, args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "repmgr: %v\n", err)
		os.Exit(errs.InternalInvariantViolation.ExitCode())
	}
}

func dispatch(ctx context.Context, st *store.Client, object, action string, rest []string) error {
	switch object {
	case "cluster":
		switch action {
		case "show":
			return clusterShow(ctx, st)
		case "event":
			return clusterEvent(ctx, st)
		default:
			return fmt.Errorf("unknown cluster action %q", action)
		}

	case "node":
		switch action {
		case "status":
			return nodeStatus(ctx, st, rest)
		default:
			return fmt.Errorf("unknown node action %q (register/check/service/rejoin are operational actions not backed by this stub)", action)
		}

	case "primary", "standby", "daemon":
		return fmt.Errorf("%s %s is not implemented by this build; it requires a local pg_ctl/initdb toolchain this CLI does not carry", object, action)

	default:
		return fmt.Errorf("unknown object %q", object)
	}
}

// clusterShow renders the node directory the way repmgr's own `cluster
// show` table does: one row per registered node with its role and
// connection string.
func clusterShow(ctx context.Context, st *store.Client) error {
	nodes, err := st.Nodes(ctx)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Name", "Role", "Active", "Upstream", "Priority", "Conninfo"})

	for _, n := range nodes {
		upstream := "-"
		if n.UpstreamNodeID != nil {
			upstream = strconv.Itoa(*n.UpstreamNodeID)
		}
		table.Append([]string{
			strconv.Itoa(n.NodeID),
			n.Name,
			string(n.Role),
			strconv.FormatBool(n.Active),
			upstream,
			strconv.Itoa(n.Priority),
			n.Conninfo,
		})
	}

	table.Render()
	return nil
}

// clusterEvent renders the most recent entries from the event log (C8),
// newest first, the way repmgr's own `cluster event` does.
func clusterEvent(ctx context.Context, st *store.Client) error {
	const recentLimit = 50

	evs, err := st.Events(ctx, recentLimit)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Node", "Event", "OK", "Timestamp", "Detail"})

	for _, e := range evs {
		table.Append([]string{
			strconv.FormatInt(e.ID, 10),
			strconv.Itoa(e.NodeID),
			string(e.EventType),
			strconv.FormatBool(e.Success),
			e.Timestamp.Format(time.RFC3339),
			e.Detail,
		})
	}

	table.Render()
	return nil
}

// nodeStatus reports a single node's directory entry; `repmgr node status
// <node_id>`.
func nodeStatus(ctx context.Context, st *store.Client, rest []string) error {
	if len(rest) != 1 {
		return fmt.Errorf("usage: node status <node_id>")
	}
	nodeID, err := strconv.Atoi(rest[0])
	if err != nil {
		return fmt.Errorf("invalid node_id %q: %w", rest[0], err)
	}

	nodes, err := st.Nodes(ctx)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.NodeID == nodeID {
			fmt.Printf("node_id=%d name=%s role=%s active=%t priority=%d conninfo=%s\n",
				n.NodeID, n.Name, n.Role, n.Active, n.Priority, n.Conninfo)
			return nil
		}
	}
	return fmt.Errorf("no node registered with node_id %d", nodeID)
}

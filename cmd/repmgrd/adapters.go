package main

import (
	"context"
	"strings"
	"time"

	"github.com/EnterpriseDB/repmgr-sub004/internal/execcmd"
)

// runCommand adapts execcmd.Run to promote.Runner's shape, used by the
// promotion executor (C6) to run the user-configured promote_command /
// follow_command / failover_validation_command.
func runCommand(ctx context.Context, command string, timeout time.Duration) (string, int, bool, error) {
	res, err := execcmd.Run(ctx, command, timeout)
	if err != nil {
		return res.Output, res.ExitCode, res.TimedOut, err
	}
	return res.Output, res.ExitCode, res.TimedOut, nil
}

// runNotificationHook adapts execcmd.Run to events.HookRunner's shape for
// the event notification command (spec §6). args is folded back into a
// single raw command line, single-quoting each argument so embedded
// whitespace in event details cannot split into extra argv entries.
func runNotificationHook(ctx context.Context, command string, args []string, timeout time.Duration) error {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, command)
	for _, a := range args {
		parts = append(parts, "'"+strings.ReplaceAll(a, "'", `'\''`)+"'")
	}
	_, err := execcmd.Run(ctx, strings.Join(parts, " "), timeout)
	return err
}

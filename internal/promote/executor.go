// Package promote implements the Promotion Executor (C6, spec.md §4.6):
// running the configured promote/follow commands and verifying their
// post-conditions against the Replication Inspector.
package promote

import (
	"context"
	"fmt"
	"time"

	"github.com/EnterpriseDB/repmgr-sub004/internal/replication"
)

// Inspector is the subset of *replication.Inspector the executor needs,
// so tests can substitute a fake.
type Inspector interface {
	Inspect(ctx context.Context, conninfo string) (replication.Status, error)
}

// Runner executes a configured command string and returns its captured
// output and exit code (spec §4.6); internal/execcmd.Run, adapted,
// satisfies this.
type Runner func(ctx context.Context, command string, timeout time.Duration) (Output string, exitCode int, timedOut bool, err error)

// Executor wraps the promote/follow commands and the post-condition
// checks that confirm they took effect.
type Executor struct {
	run       Runner
	inspector Inspector
}

// New builds an Executor. run is normally execcmd.Run, adapted to the
// Runner shape.
func New(run Runner, inspector Inspector) *Executor {
	return &Executor{run: run, inspector: inspector}
}

// PromoteResult is the outcome of a promote attempt (spec §4.5.5).
type PromoteResult struct {
	Output   string
	Success  bool
	TimedOut bool
}

// Promote runs promoteCommand, then polls conninfo every checkInterval,
// up to checkTimeout, for is_in_recovery to become false (spec
// §4.5.5.b). A non-zero exit, a timed-out command, or a check-timeout
// without is_in_recovery clearing all count as failure.
func (e *Executor) Promote(ctx context.Context, promoteCommand, conninfo string, commandTimeout, checkInterval, checkTimeout time.Duration) (PromoteResult, error) {
	output, exitCode, timedOut, err := e.run(ctx, promoteCommand, commandTimeout)
	if err != nil {
		return PromoteResult{}, fmt.Errorf("running promote command: %w", err)
	}
	if timedOut || exitCode != 0 {
		return PromoteResult{Output: output, Success: false, TimedOut: timedOut}, nil
	}

	deadline := time.Now().Add(checkTimeout)
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		st, err := e.inspector.Inspect(ctx, conninfo)
		if err == nil && !st.IsInRecovery {
			return PromoteResult{Output: output, Success: true}, nil
		}
		if time.Now().After(deadline) {
			return PromoteResult{Output: output, Success: false}, nil
		}
		select {
		case <-ctx.Done():
			return PromoteResult{Output: output, Success: false}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// FollowResult is the outcome of a follow attempt (spec §4.5.6).
type FollowResult struct {
	Output  string
	Success bool
}

// Follow runs followCommand (pointing the local node's replication
// source at the new primary) and verifies attachment by confirming the
// local node's upstream_application_name matches expectedApplicationName
// within attachTimeout.
func (e *Executor) Follow(ctx context.Context, followCommand, conninfo, expectedApplicationName string, commandTimeout, attachTimeout time.Duration) (FollowResult, error) {
	output, exitCode, timedOut, err := e.run(ctx, followCommand, commandTimeout)
	if err != nil {
		return FollowResult{}, fmt.Errorf("running follow command: %w", err)
	}
	if timedOut || exitCode != 0 {
		return FollowResult{Output: output, Success: false}, nil
	}

	deadline := time.Now().Add(attachTimeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		st, err := e.inspector.Inspect(ctx, conninfo)
		if err == nil && st.IsInRecovery && st.UpstreamApplicationName == expectedApplicationName {
			return FollowResult{Output: output, Success: true}, nil
		}
		if time.Now().After(deadline) {
			return FollowResult{Output: output, Success: false}, nil
		}
		select {
		case <-ctx.Done():
			return FollowResult{Output: output, Success: false}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ValidationResult is the outcome of the optional
// failover_validation_command hook (spec §4.5.4.d).
type ValidationResult struct {
	Proceed bool
	Output  string
}

// Validate runs the failover_validation_command, if configured. An empty
// command always proceeds. Exit code 0 means proceed; anything else
// means abort the failover.
func (e *Executor) Validate(ctx context.Context, validationCommand string, commandTimeout time.Duration) (ValidationResult, error) {
	if validationCommand == "" {
		return ValidationResult{Proceed: true}, nil
	}

	output, exitCode, timedOut, err := e.run(ctx, validationCommand, commandTimeout)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("running failover validation command: %w", err)
	}
	return ValidationResult{Proceed: exitCode == 0 && !timedOut, Output: output}, nil
}

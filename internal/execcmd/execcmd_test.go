package execcmd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenize_SimpleArgv(t *testing.T) {
	argv, useShell, err := Tokenize("/usr/bin/repmgr standby follow --node-id 2")
	require.NoError(t, err)
	require.False(t, useShell)
	require.Equal(t, []string{"/usr/bin/repmgr", "standby", "follow", "--node-id", "2"}, argv)
}

func TestTokenize_SingleQuotedArgument(t *testing.T) {
	argv, _, err := Tokenize("/bin/tool --detail 'hello world'")
	require.NoError(t, err)
	require.Equal(t, []string{"/bin/tool", "--detail", "hello world"}, argv)
}

func TestTokenize_ShellPrefix(t *testing.T) {
	argv, useShell, err := Tokenize("@shell:echo hi | cat")
	require.NoError(t, err)
	require.True(t, useShell)
	require.Equal(t, []string{"echo hi | cat"}, argv)
}

func TestTokenize_UnterminatedQuote(t *testing.T) {
	_, _, err := Tokenize("/bin/tool 'unterminated")
	require.Error(t, err)
}

func TestRun_SuccessCapturesOutput(t *testing.T) {
	res, err := Run(context.Background(), "/bin/echo hello", time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Contains(t, res.Output, "hello")
	require.False(t, res.TimedOut)
}

func TestRun_NonZeroExit(t *testing.T) {
	res, err := Run(context.Background(), "/bin/sh -c 'exit 2'", time.Second)
	require.NoError(t, err)
	require.Equal(t, 2, res.ExitCode)
}

func TestRun_TimeoutKillsCommand(t *testing.T) {
	res, err := Run(context.Background(), "/bin/sleep 5", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, res.TimedOut)
}

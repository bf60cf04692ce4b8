package pipes_test

import (
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/droverlab/anomalyd/internal/pipes"
	"github.com/stretchr/testify/require"
)

func shPath(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return sh
}

func TestSpawnHandshakeAndEcho(t *testing.T) {
	t.Parallel()
	sh := shPath(t)

	// pretend worker: handshake on stderr, echo stdin to stdout
	cmd := pipes.Command{
		Path: sh,
		Args: []string{"-c", "echo ready 1>&2; cat"},
	}

	exited := make(chan error, 1)
	p, err := pipes.Spawn(t.Context(), cmd, func(err error) { exited <- err })
	require.NoError(t, err)

	require.NoError(t, p.AwaitReady(t.Context(), 5*time.Second))
	require.True(t, p.IsReady())
	require.True(t, p.IsAlive())

	_, err = io.WriteString(p.Stdin(), "hello\n")
	require.NoError(t, err)
	require.NoError(t, p.CloseStdin())

	out, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(out))

	require.NoError(t, p.Await(t.Context()))
	require.NoError(t, <-exited)
	require.False(t, p.IsAlive())
}

func TestDiagnosticTail(t *testing.T) {
	t.Parallel()
	sh := shPath(t)

	cmd := pipes.Command{
		Path: sh,
		Args: []string{"-c", "echo 'fatal: model state corrupted' 1>&2; exit 3"},
	}
	p, err := pipes.Spawn(t.Context(), cmd, nil)
	require.NoError(t, err)

	err = p.Await(t.Context())
	require.Error(t, err)
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 3, exitErr.ExitCode())

	require.Contains(t, p.Diagnostic(), "model state corrupted")
	require.False(t, p.IsReady())
}

func TestAwaitReadyTimesOut(t *testing.T) {
	t.Parallel()
	sh := shPath(t)

	cmd := pipes.Command{
		Path: sh,
		Args: []string{"-c", "sleep 30"},
	}
	p, err := pipes.Spawn(t.Context(), cmd, nil)
	require.NoError(t, err)
	defer p.Kill()

	err = p.AwaitReady(t.Context(), 50*time.Millisecond)
	require.Error(t, err)
	require.Contains(t, err.Error(), "timed out")
}

func TestKill(t *testing.T) {
	t.Parallel()
	sh := shPath(t)

	cmd := pipes.Command{
		Path: sh,
		Args: []string{"-c", "echo ready 1>&2; sleep 30"},
	}

	exited := make(chan error, 1)
	p, err := pipes.Spawn(t.Context(), cmd, func(err error) { exited <- err })
	require.NoError(t, err)
	require.NoError(t, p.AwaitReady(t.Context(), 5*time.Second))

	p.Kill()
	err = <-exited
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "killed") || strings.Contains(err.Error(), "signal"))
	require.False(t, p.IsAlive())

	// idempotent
	p.Kill()
}

func TestSpawnMissingBinary(t *testing.T) {
	t.Parallel()
	// repeated failed spawns must not accumulate open pipe ends
	for i := 0; i < 200; i++ {
		_, err := pipes.Spawn(t.Context(), pipes.Command{Path: "/does/not/exist"}, nil)
		require.Error(t, err)
	}
}

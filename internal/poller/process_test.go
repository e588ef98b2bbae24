package poller

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStart_EmptyCommand(t *testing.T) {
	_, err := Start(nil, os.Environ(), "")
	assert.Error(t, err)
}

func TestProcess_LivenessAndCleanExit(t *testing.T) {
	p, err := Start([]string{"sh", "-c", "sleep 0.1"}, os.Environ(), "")
	require.NoError(t, err)

	assert.True(t, p.Alive())
	assert.Greater(t, p.PID(), 0)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("poller never exited")
	}
	assert.False(t, p.Alive())
	assert.NoError(t, p.ExitErr())
}

func TestProcess_NonZeroExit(t *testing.T) {
	p, err := Start([]string{"sh", "-c", "exit 3"}, os.Environ(), "")
	require.NoError(t, err)

	<-p.Done()
	assert.Error(t, p.ExitErr())
}

func TestProcess_StopGraceful(t *testing.T) {
	// sleep exits on SIGTERM, so the graceful path suffices.
	p, err := Start([]string{"sleep", "30"}, os.Environ(), "")
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Stop(context.Background(), 5*time.Second))
	assert.Less(t, time.Since(start), 3*time.Second, "graceful stop should not wait out the grace window")
	assert.False(t, p.Alive())
}

func TestProcess_StopEscalatesToKill(t *testing.T) {
	// A trap-everything shell that respawns its sleeps forces the SIGKILL
	// path: group SIGTERM kills the current sleep but never the shell.
	p, err := Start([]string{"sh", "-c", "trap '' TERM; while :; do sleep 1; done"}, os.Environ(), "")
	require.NoError(t, err)

	// Give the shell a moment to install the trap.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, p.Stop(context.Background(), 300*time.Millisecond))
	assert.False(t, p.Alive())
}

func TestProcess_StopSignalsWholeGroup(t *testing.T) {
	// A background child of the poller must come down with it.
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	p, err := Start([]string{"sh", "-c", "sleep 30 & echo $! >" + pidFile + "; wait"}, os.Environ(), "")
	require.NoError(t, err)

	var childPID int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		n, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil || n <= 0 {
			return false
		}
		childPID = n
		return true
	}, 2*time.Second, 20*time.Millisecond, "shell never wrote its child pid")

	require.NoError(t, p.Stop(context.Background(), 2*time.Second))
	assert.False(t, p.Alive())

	assert.Eventually(t, func() bool {
		return syscall.Kill(childPID, 0) != nil
	}, 2*time.Second, 20*time.Millisecond, "background child survived the group signal")
}

func TestProcess_StopAfterExitIsNoOp(t *testing.T) {
	p, err := Start([]string{"sh", "-c", "true"}, os.Environ(), "")
	require.NoError(t, err)
	<-p.Done()

	assert.NoError(t, p.Stop(context.Background(), time.Second))
}

func TestProcess_OutputGoesToLogFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "poller.log")
	p, err := Start([]string{"sh", "-c", "echo polling started"}, os.Environ(), logPath)
	require.NoError(t, err)
	<-p.Done()

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "polling started")
}

package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTrail(t *testing.T) (*Trail, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "actions.log")
	trail := New(path, 1, 1)
	t.Cleanup(func() { trail.Close() })
	return trail, path
}

func TestAppend_WritesTimestampedLine(t *testing.T) {
	trail, path := newTestTrail(t)
	trail.now = func() time.Time {
		return time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	}

	trail.Append("probe", "attempt 1: none")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2026-08-29T12:00:00Z\tprobe\tattempt 1: none\n", string(data))
}

func TestAppend_IsAppendOnly(t *testing.T) {
	trail, path := newTestTrail(t)

	trail.Append("start", "poller pid 42")
	trail.Append("heartbeat", "alive")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "start")
	assert.Contains(t, lines[1], "heartbeat")
}

func TestAppend_SanitizesNewlines(t *testing.T) {
	trail, path := newTestTrail(t)

	trail.Append("exit", "poller exited:\nsignal: killed\tbadly")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 1, "an entry is always a single line")
	assert.Equal(t, 2, strings.Count(lines[0], "\t"), "exactly two field separators")
}

func TestRecent_ReturnsNewestLast(t *testing.T) {
	trail, _ := newTestTrail(t)

	trail.Append("a", "1")
	trail.Append("b", "2")
	trail.Append("c", "3")

	got := trail.Recent(2)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Action)
	assert.Equal(t, "c", got[1].Action)

	all := trail.Recent(0)
	assert.Len(t, all, 3)
}

func TestRecent_WindowIsBounded(t *testing.T) {
	trail, _ := newTestTrail(t)

	for i := 0; i < 100; i++ {
		trail.Append("tick", "alive")
	}
	assert.Len(t, trail.Recent(0), 64)
}

func TestNilTrailIsNoOp(t *testing.T) {
	var trail *Trail

	assert.NotPanics(t, func() {
		trail.Append("x", "y")
		assert.Nil(t, trail.Recent(5))
		assert.NoError(t, trail.Close())
	})
}

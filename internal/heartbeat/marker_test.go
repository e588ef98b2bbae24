package heartbeat

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempMarker(t *testing.T) *Marker {
	t.Helper()
	return NewMarker(filepath.Join(t.TempDir(), "heartbeat"))
}

func TestMarker_AbsentByDefault(t *testing.T) {
	m := tempMarker(t)

	exists, _, err := m.Stat()
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMarker_TouchSetsMtime(t *testing.T) {
	m := tempMarker(t)

	at := time.Now().Add(-250 * time.Second).Truncate(time.Second)
	require.NoError(t, m.Touch(at))

	exists, mtime, err := m.Stat()
	require.NoError(t, err)
	assert.True(t, exists)
	assert.WithinDuration(t, at, mtime, time.Second)
}

func TestMarker_TouchRefreshes(t *testing.T) {
	m := tempMarker(t)

	old := time.Now().Add(-10 * time.Minute)
	require.NoError(t, m.Touch(old))

	now := time.Now()
	require.NoError(t, m.Touch(now))

	_, mtime, err := m.Stat()
	require.NoError(t, err)
	assert.WithinDuration(t, now, mtime, time.Second)
}

func TestMarker_ClearIsIdempotent(t *testing.T) {
	m := tempMarker(t)

	require.NoError(t, m.Clear(), "clearing a missing marker is not an error")

	require.NoError(t, m.Touch(time.Now()))
	require.NoError(t, m.Clear())
	require.NoError(t, m.Clear())

	exists, _, err := m.Stat()
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMarker_TouchCreatesParentDir(t *testing.T) {
	m := NewMarker(filepath.Join(t.TempDir(), "deep", "nested", "heartbeat"))
	require.NoError(t, m.Touch(time.Now()))

	exists, _, err := m.Stat()
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestState_LastSeenAndEverSeen(t *testing.T) {
	var s State

	assert.True(t, s.LastSeen().IsZero())
	assert.False(t, s.EverSeen())

	now := time.Now()
	s.MarkSeen(now)
	assert.Equal(t, now, s.LastSeen())
	assert.True(t, s.EverSeen())

	// Reset forgets the time but not the fact it was ever seen.
	s.Reset()
	assert.True(t, s.LastSeen().IsZero())
	assert.True(t, s.EverSeen())
}
